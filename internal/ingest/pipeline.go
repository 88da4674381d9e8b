package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/ratelimit"
	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/pkg/types"
)

// Pipeline moves candles from a broker adapter into the candle store.
// Every outbound request passes through the rate limit manager.
type Pipeline struct {
	logger     *zap.Logger
	adapter    broker.Adapter
	limiter    *ratelimit.Manager
	candles    *store.CandleStore
	filter     *SessionFilter // nil disables session filtering
	maxRetries int
}

// NewPipeline creates an ingestion pipeline. filter may be nil.
func NewPipeline(logger *zap.Logger, adapter broker.Adapter, limiter *ratelimit.Manager, candles *store.CandleStore, filter *SessionFilter, maxRetries int) *Pipeline {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Pipeline{
		logger:     logger.Named("ingest"),
		adapter:    adapter,
		limiter:    limiter,
		candles:    candles,
		filter:     filter,
		maxRetries: maxRetries,
	}
}

// Backfill ingests [from, to] in day-bounded batches. Each batch is further
// split into rate-limited chunks. A batch failure only aborts later batches
// when its classification is fatal.
func (p *Pipeline) Backfill(ctx context.Context, pair string, tf types.Timeframe, from, to time.Time, daysPerBatch int) (*types.IngestionResult, error) {
	if daysPerBatch < 1 {
		daysPerBatch = 1
	}
	started := time.Now()
	result := &types.IngestionResult{}

	var batchDurations []time.Duration
	batchFrom := from.UTC()
	end := to.UTC()

	for batchFrom.Before(end) {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, "cancelled")
			break
		}
		batchTo := batchFrom.AddDate(0, 0, daysPerBatch)
		if batchTo.After(end) {
			batchTo = end
		}

		batchStart := time.Now()
		err := p.processBatch(ctx, pair, tf, batchFrom, batchTo, result)
		batchDurations = append(batchDurations, time.Since(batchStart))
		result.BatchesProcessed++

		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("batch %s..%s: %v", batchFrom.Format("2006-01-02"), batchTo.Format("2006-01-02"), err))
			if kind := broker.Classify(err); kind == broker.KindAuthentication || kind == broker.KindBadRequest {
				p.logger.Error("backfill aborted on fatal error",
					zap.String("pair", pair), zap.String("kind", string(kind)), zap.Error(err))
				break
			}
			p.logger.Warn("batch failed, continuing",
				zap.String("pair", pair), zap.Error(err))
		}

		batchFrom = batchTo
	}

	if n := len(batchDurations); n > 0 {
		var total time.Duration
		for _, d := range batchDurations {
			total += d
		}
		result.AvgBatchMs = float64(total.Milliseconds()) / float64(n)
	}
	result.ProcessingTimeMs = time.Since(started).Milliseconds()

	p.logger.Info("backfill finished",
		zap.String("pair", pair),
		zap.String("timeframe", string(tf)),
		zap.Int("fetched", result.TotalFetched),
		zap.Int("inserted", result.TotalInserted),
		zap.Int("batches", result.BatchesProcessed),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// Incremental ingests from the newer of the latest stored candle and
// now-lookbackHours up to now, in one pass. A detected gap in the fetched
// sequence triggers a single bounded re-fetch of the gap region.
func (p *Pipeline) Incremental(ctx context.Context, pair string, tf types.Timeframe, lookbackHours int) (*types.IngestionResult, error) {
	started := time.Now()
	result := &types.IngestionResult{}

	latest, err := p.candles.GetLatestTimestamp(ctx, pair, tf)
	if err != nil {
		return result, err
	}

	now := time.Now().UTC()
	from := now.Add(-time.Duration(lookbackHours) * time.Hour)
	if latest.After(from) {
		from = latest
	}
	if !from.Before(now) {
		result.ProcessingTimeMs = time.Since(started).Milliseconds()
		return result, nil
	}

	raw, err := p.fetchChunk(ctx, pair, tf, from, now)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.ProcessingTimeMs = time.Since(started).Milliseconds()
		return result, err
	}
	p.ingestRaw(ctx, pair, tf, raw, result)

	// One bounded re-fetch when the fetched sequence skips grid timestamps.
	if gap, ok := firstSequenceGap(raw, tf); ok {
		result.GapDetected = true
		p.logger.Warn("gap detected in incremental fetch",
			zap.String("pair", pair),
			zap.Time("gapFrom", gap.From),
			zap.Time("gapTo", gap.To),
			zap.Int("bars", gap.Bars))
		refetched, err := p.fetchChunk(ctx, pair, tf, gap.From, gap.To)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("gap re-fetch: %v", err))
		} else {
			p.ingestRaw(ctx, pair, tf, refetched, result)
		}
	}

	result.NewCandlesFound = result.TotalInserted
	result.ProcessingTimeMs = time.Since(started).Milliseconds()

	p.logger.Info("incremental finished",
		zap.String("pair", pair),
		zap.String("timeframe", string(tf)),
		zap.Int("newCandles", result.NewCandlesFound),
		zap.Bool("gapDetected", result.GapDetected))
	return result, nil
}

func (p *Pipeline) processBatch(ctx context.Context, pair string, tf types.Timeframe, from, to time.Time, result *types.IngestionResult) error {
	chunks := p.limiter.ChunkRange(from, to, tf.Millis())
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := p.fetchChunk(ctx, pair, tf, chunk.From, chunk.To)
		if err != nil {
			return err
		}
		p.ingestRaw(ctx, pair, tf, raw, result)
	}
	return nil
}

// ingestRaw runs normalize → session filter → upsert and folds the outcome
// into the cumulative result.
func (p *Pipeline) ingestRaw(ctx context.Context, pair string, tf types.Timeframe, raw []types.RawCandle, result *types.IngestionResult) {
	result.TotalFetched += len(raw)

	norm := Normalize(pair, tf, raw)
	result.TotalNormalized += len(norm.Candles)
	result.Warnings = append(result.Warnings, norm.Warnings...)

	kept := norm.Candles
	if p.filter != nil {
		kept = kept[:0:0]
		for _, c := range norm.Candles {
			if p.filter.Allows(c.Timestamp) {
				kept = append(kept, c)
			} else {
				result.TotalFiltered++
			}
		}
	}
	if len(kept) == 0 {
		return
	}

	up, err := p.candles.UpsertBatch(ctx, kept)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	result.TotalInserted += up.Inserted
	result.TotalSkipped += up.Skipped
	result.Errors = append(result.Errors, up.Errors...)

	last := kept[len(kept)-1].Timestamp
	if last.After(result.LastProcessedTimestamp) {
		result.LastProcessedTimestamp = last
	}
}

// fetchChunk performs one rate-limited fetch with retries. Transient errors
// back off and retry; fatal classifications surface immediately.
func (p *Pipeline) fetchChunk(ctx context.Context, pair string, tf types.Timeframe, from, to time.Time) ([]types.RawCandle, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if err := p.waitForAdmission(ctx); err != nil {
			return nil, err
		}

		raw, err := p.adapter.FetchCandles(ctx, pair, tf, from, to)
		if err == nil {
			p.limiter.Record(1, false)
			p.limiter.RecordSuccess()
			return raw, nil
		}

		kind := broker.Classify(err)
		p.limiter.Record(1, kind == broker.KindRateLimit)
		p.limiter.RecordFailure()
		lastErr = err

		if broker.IsFatal(kind) {
			return nil, err
		}
		if attempt == p.maxRetries {
			break
		}

		sleep := p.limiter.Backoff(attempt, broker.RetryAfter(err))
		p.logger.Debug("fetch retry",
			zap.String("pair", pair),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", sleep))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", p.maxRetries, lastErr)
}

func (p *Pipeline) waitForAdmission(ctx context.Context) error {
	for {
		d := p.limiter.Admit(1)
		if d.Allowed {
			return nil
		}
		p.logger.Debug("admission refused",
			zap.String("reason", d.Reason),
			zap.Duration("wait", d.Wait))
		select {
		case <-time.After(d.Wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// firstSequenceGap finds the first missing grid step inside a fetched batch.
func firstSequenceGap(raw []types.RawCandle, tf types.Timeframe) (types.Gap, bool) {
	step := tf.Millis()
	for i := 1; i < len(raw); i++ {
		delta := raw[i].Timestamp.UnixMilli() - raw[i-1].Timestamp.UnixMilli()
		if delta > step {
			missing := int(delta/step) - 1
			if missing < 1 {
				continue
			}
			return types.Gap{
				From: raw[i-1].Timestamp.Add(tf.Duration()),
				To:   raw[i].Timestamp.Add(-tf.Duration()),
				Bars: missing,
			}, true
		}
	}
	return types.Gap{}, false
}
