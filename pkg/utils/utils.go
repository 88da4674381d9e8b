// Package utils provides utility functions for the trading engine.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateDecisionID generates a unique strategy decision ID.
func GenerateDecisionID() string {
	return GenerateID("dec")
}

// GeneratePositionID generates a unique position ID.
func GeneratePositionID() string {
	return GenerateID("pos")
}

// GenerateEventID generates a unique ledger event ID.
func GenerateEventID() string {
	return GenerateID("evt")
}

// FormatPair normalizes a trading pair symbol to BASE/QUOTE form.
func FormatPair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	pair = strings.ReplaceAll(pair, "-", "/")
	pair = strings.ReplaceAll(pair, "_", "/")

	if !strings.Contains(pair, "/") {
		quotes := []string{"USDT", "USDC", "USD", "EUR", "GBP", "JPY"}
		for _, quote := range quotes {
			if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
				return strings.TrimSuffix(pair, quote) + "/" + quote
			}
		}
	}

	return pair
}

// ParsePair extracts base and quote from a pair symbol.
func ParsePair(pair string) (base, quote string) {
	parts := strings.Split(pair, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return pair, ""
}

// AlignToGrid truncates a timestamp down to the timeframe grid in UTC.
func AlignToGrid(ts time.Time, tf types.Timeframe) time.Time {
	d := tf.Duration()
	if d == 0 {
		return ts.UTC()
	}
	return ts.UTC().Truncate(d)
}

// IsGridAligned reports whether a timestamp sits exactly on the timeframe grid.
func IsGridAligned(ts time.Time, tf types.Timeframe) bool {
	return AlignToGrid(ts, tf).Equal(ts.UTC())
}

// ParseClock parses an "HH:MM" string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return hour, minute, nil
}
