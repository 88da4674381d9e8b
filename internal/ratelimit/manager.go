// Package ratelimit gates outbound broker requests. It keeps rolling
// per-second and per-minute request windows, adapts the minute budget to
// observed throttling, computes retry backoff, and splits oversized
// historical ranges into broker-sized chunks.
package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the rate limit policy knobs.
type Config struct {
	PerSecondLimit       int
	PerMinuteLimit       int
	MaxCandlesPerRequest int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	JitterFactor         float64
	AdaptiveThreshold    float64
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Wait is the minimum sleep before the next attempt when not allowed.
	Wait   time.Duration
	Reason string
}

const (
	// minWait is the floor on any computed admission wait.
	minWait = 100 * time.Millisecond
	// stressThreshold opens the stress circuit.
	stressThreshold = 5
	// adaptiveWindowMin is the minimum sample size before the multiplier moves.
	adaptiveWindowMin = 10
)

type requestRecord struct {
	at          time.Time
	size        int
	rateLimited bool
}

// Manager is shared across all concurrent broker calls. All state mutates
// under a single mutex.
type Manager struct {
	mu sync.Mutex

	logger *zap.Logger
	cfg    Config

	requests            []requestRecord
	reserved            map[string]int
	multiplier          float64
	consecutiveFailures int
	stressUntil         time.Time

	now func() time.Time
	rng *rand.Rand
}

// NewManager creates a rate limit manager with the multiplier at full budget.
func NewManager(logger *zap.Logger, cfg Config) *Manager {
	if cfg.AdaptiveThreshold <= 0 {
		cfg.AdaptiveThreshold = 0.1
	}
	return &Manager{
		logger:     logger.Named("ratelimit"),
		cfg:        cfg,
		reserved:   make(map[string]int),
		multiplier: 1.0,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Admit checks whether a call of size k may proceed now. When refused, the
// decision carries the minimum wait until the earliest admission point.
func (m *Manager) Admit(k int) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	if m.consecutiveFailures >= stressThreshold {
		if m.stressUntil.IsZero() || now.Before(m.stressUntil) {
			wait := m.backoffLocked(m.consecutiveFailures, 0)
			if m.stressUntil.IsZero() {
				m.stressUntil = now.Add(wait)
			} else {
				wait = m.stressUntil.Sub(now)
			}
			if wait < minWait {
				wait = minWait
			}
			return Decision{Allowed: false, Wait: wait, Reason: "stress"}
		}
		// Suggested delay has elapsed; let one attempt through.
	}

	secCount, minCount := m.windowCounts(now)
	reservedSum := m.reservedSum()
	minuteBudget := int(math.Floor(float64(m.cfg.PerMinuteLimit) * m.multiplier))

	if secCount+k <= m.cfg.PerSecondLimit && minCount+reservedSum+k <= minuteBudget {
		return Decision{Allowed: true}
	}

	wait := m.earliestAdmission(now, k, secCount, minCount+reservedSum, minuteBudget)
	if wait < minWait {
		wait = minWait
	}
	return Decision{Allowed: false, Wait: wait, Reason: "window"}
}

// Record logs a completed request of size k. rateLimited marks requests the
// broker throttled; these feed the adaptive multiplier.
func (m *Manager) Record(k int, rateLimited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.requests = append(m.requests, requestRecord{at: now, size: k, rateLimited: rateLimited})
	m.prune(now)
	m.adjustMultiplier()
}

// RecordSuccess resets the consecutive-failure count and closes the stress
// circuit.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.stressUntil = time.Time{}
}

// RecordFailure increments the consecutive-failure count. A failure landing
// while the circuit is already open means the attempt let through after the
// delay failed, so the elapsed delay is discarded and Admit arms a fresh one.
func (m *Manager) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	switch {
	case m.consecutiveFailures == stressThreshold:
		m.logger.Warn("stress circuit opened",
			zap.Int("consecutiveFailures", m.consecutiveFailures))
	case m.consecutiveFailures > stressThreshold:
		m.stressUntil = time.Time{}
	}
}

// ConsecutiveFailures returns the current failure streak.
func (m *Manager) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// Multiplier returns the current adaptive budget multiplier.
func (m *Manager) Multiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.multiplier
}

// Backoff computes the sleep before retry attempt n (1-based). A broker
// supplied retryAfter overrides the exponential term and carries no jitter.
func (m *Manager) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoffLocked(attempt, retryAfter)
}

func (m *Manager) backoffLocked(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if attempt < 1 {
		attempt = 1
	}
	base := float64(m.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if maxB := float64(m.cfg.MaxBackoff); base > maxB {
		base = maxB
	}
	jitter := m.rng.Float64() * base * m.cfg.JitterFactor
	return time.Duration(base + jitter)
}

// Reserve sets aside k requests of per-minute budget for the caller tag.
// Replaces any prior reservation under the same tag.
func (m *Manager) Reserve(tag string, k int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[tag] = k
}

// Release returns the capacity held by tag.
func (m *Manager) Release(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, tag)
}

func (m *Manager) reservedSum() int {
	sum := 0
	for _, v := range m.reserved {
		sum += v
	}
	return sum
}

// prune drops records older than the minute window.
func (m *Manager) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(m.requests) && !m.requests[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.requests = append(m.requests[:0], m.requests[i:]...)
	}
}

func (m *Manager) windowCounts(now time.Time) (secCount, minCount int) {
	secCutoff := now.Add(-time.Second)
	for _, r := range m.requests {
		minCount += r.size
		if r.at.After(secCutoff) {
			secCount += r.size
		}
	}
	return secCount, minCount
}

// earliestAdmission finds the shortest wait after which both windows admit a
// call of size k, by walking record expiries in order.
func (m *Manager) earliestAdmission(now time.Time, k, secCount, minCount, minuteBudget int) time.Duration {
	var secWait, minWaitDur time.Duration

	if secCount+k > m.cfg.PerSecondLimit {
		need := secCount + k - m.cfg.PerSecondLimit
		secCutoff := now.Add(-time.Second)
		freed := 0
		for _, r := range m.requests {
			if !r.at.After(secCutoff) {
				continue
			}
			freed += r.size
			if freed >= need {
				secWait = r.at.Add(time.Second).Sub(now)
				break
			}
		}
	}

	if minCount+k > minuteBudget {
		need := minCount + k - minuteBudget
		freed := 0
		for _, r := range m.requests {
			freed += r.size
			if freed >= need {
				minWaitDur = r.at.Add(time.Minute).Sub(now)
				break
			}
		}
		if freed < need {
			// Reservations alone exceed the budget; wait out the full window.
			minWaitDur = time.Minute
		}
	}

	return max(secWait, minWaitDur)
}

// adjustMultiplier moves the budget multiplier based on the throttled
// fraction of the last minute. Requires a minimum sample size.
func (m *Manager) adjustMultiplier() {
	total, limited := 0, 0
	for _, r := range m.requests {
		total++
		if r.rateLimited {
			limited++
		}
	}
	if total < adaptiveWindowMin {
		return
	}
	r := float64(limited) / float64(total)
	before := m.multiplier
	switch {
	case r > m.cfg.AdaptiveThreshold:
		m.multiplier = math.Max(0.5, m.multiplier*0.9)
	case r < m.cfg.AdaptiveThreshold*0.5:
		m.multiplier = math.Min(1.0, m.multiplier*1.05)
	}
	if m.multiplier != before {
		m.logger.Debug("adaptive multiplier adjusted",
			zap.Float64("rateLimitedFraction", r),
			zap.Float64("multiplier", m.multiplier))
	}
}
