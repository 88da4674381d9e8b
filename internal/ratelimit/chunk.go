package ratelimit

import (
	"math"
	"time"
)

// Chunk is one broker-sized slice of a historical range.
type Chunk struct {
	From time.Time
	To   time.Time
}

// EstimateCandles returns the candle count a range would produce at the
// given timeframe, endpoints inclusive.
func EstimateCandles(from, to time.Time, timeframeMs int64) int64 {
	if timeframeMs <= 0 || to.Before(from) {
		return 0
	}
	return (to.UnixMilli()-from.UnixMilli())/timeframeMs + 1
}

// ChunkRange splits [from, to] into contiguous chunks each estimated to fit
// under the broker's per-request candle cap. Chunks are separated by a 1 ms
// gap so boundary candles are never fetched twice. The safety factor drops
// from 0.8 to 0.5 when the range would not fit in two chunks, trading more
// requests for smaller, safer ones.
func (m *Manager) ChunkRange(from, to time.Time, timeframeMs int64) []Chunk {
	if timeframeMs <= 0 || !to.After(from) {
		return nil
	}

	total := EstimateCandles(from, to, timeframeMs)

	perChunk := chunkCap(m.cfg.MaxCandlesPerRequest, 0.8)
	if (total+perChunk-1)/perChunk > 2 {
		perChunk = chunkCap(m.cfg.MaxCandlesPerRequest, 0.5)
	}

	span := time.Duration(perChunk*timeframeMs) * time.Millisecond
	tfUnit := time.Duration(timeframeMs) * time.Millisecond

	var chunks []Chunk
	cur := from
	for cur.Before(to) || cur.Equal(to) {
		end := cur.Add(span - time.Millisecond)
		if end.After(to) {
			end = to
		}
		if !end.After(cur) {
			// Degenerate chunk; extend by one timeframe unit.
			end = cur.Add(tfUnit)
			if end.After(to) {
				end = to
			}
			if !end.After(cur) {
				break
			}
		}
		chunks = append(chunks, Chunk{From: cur, To: end})
		cur = end.Add(time.Millisecond)
	}
	return chunks
}

func chunkCap(maxCandles int, safety float64) int64 {
	c := int64(math.Floor(float64(maxCandles) * safety))
	if c < 1 {
		c = 1
	}
	return c
}
