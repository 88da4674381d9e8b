// Package ingest pulls candles from a broker into the candle store. It
// covers session filtering, normalization, and the backfill/incremental
// pipelines.
package ingest

import (
	"time"
)

// SessionFilter accepts candles whose timestamps fall inside a UTC clock
// window on allowed weekdays. Pure and stateless; end is inclusive.
type SessionFilter struct {
	startMinutes int
	endMinutes   int
	days         map[time.Weekday]bool
}

// NewSessionFilter builds a filter from clock bounds and allowed weekdays.
func NewSessionFilter(startHour, startMinute, endHour, endMinute int, days []time.Weekday) *SessionFilter {
	allowed := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		allowed[d] = true
	}
	return &SessionFilter{
		startMinutes: startHour*60 + startMinute,
		endMinutes:   endHour*60 + endMinute,
		days:         allowed,
	}
}

// Allows reports whether ts falls inside the session window.
func (f *SessionFilter) Allows(ts time.Time) bool {
	ts = ts.UTC()
	if !f.days[ts.Weekday()] {
		return false
	}
	m := ts.Hour()*60 + ts.Minute()
	if f.startMinutes <= f.endMinutes {
		return m >= f.startMinutes && m <= f.endMinutes
	}
	// Window wraps midnight.
	return m >= f.startMinutes || m <= f.endMinutes
}
