package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func testConfig() Config {
	return Config{
		MaxConcurrent:   2,
		QueueCap:        10,
		JobTimeout:      2 * time.Second,
		BaseRetryDelay:  10 * time.Millisecond,
		MaxRetryDelay:   50 * time.Millisecond,
		MaxRetries:      3,
		ShutdownTimeout: time.Second,
	}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), 256, 1)
	c := New(zap.NewNop(), bus, cfg)
	t.Cleanup(func() {
		c.Shutdown()
		bus.Close()
	})
	return c, bus
}

func jobConfig(pair string) types.JobConfig {
	return types.JobConfig{Pair: pair, Timeframe: types.Timeframe15m}
}

func waitStatus(t *testing.T, c *Coordinator, jobID string, want types.JobStatus) *types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := c.GetJob(jobID); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := c.GetJob(jobID)
	t.Fatalf("job %s never reached %s (last: %+v)", jobID, want, job)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	c.Register(types.JobIncremental, func(ctx context.Context, job *types.Job) (any, error) {
		return &types.IngestionResult{TotalInserted: 7}, nil
	})

	id, err := c.Submit(types.JobIncremental, jobConfig("XAU/USD"), 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	job := waitStatus(t, c, id, types.JobCompleted)
	res, ok := job.Result.(*types.IngestionResult)
	if !ok || res.TotalInserted != 7 {
		t.Errorf("unexpected result: %+v", job.Result)
	}
	if job.StartedAt == nil || job.EndedAt == nil {
		t.Error("timestamps not stamped")
	}
}

func TestDuplicateSubmissionAndCancel(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())

	started := make(chan struct{})
	c.Register(types.JobBackfill, func(ctx context.Context, job *types.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id1, err := c.Submit(types.JobBackfill, jobConfig("XAU/USD"), 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-started

	// Identical submission coalesces to the running job.
	id2, err := c.Submit(types.JobBackfill, jobConfig("XAU/USD"), 5)
	if err != nil {
		t.Fatalf("duplicate submit errored: %v", err)
	}
	if id2 != id1 {
		t.Errorf("expected existing id %s, got %s", id1, id2)
	}

	// A different pair is a different job.
	id3, err := c.Submit(types.JobBackfill, jobConfig("XAG/USD"), 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if id3 == id1 {
		t.Error("different pair should not coalesce")
	}

	if err := c.Cancel(id1); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitStatus(t, c, id1, types.JobCancelled)

	// Once cancelled, a fresh submission gets a new job.
	id4, err := c.Submit(types.JobBackfill, jobConfig("XAU/USD"), 5)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if id4 == id1 {
		t.Error("cancelled job must not absorb new submissions")
	}
}

func TestPriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	c, _ := newTestCoordinator(t, cfg)

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once
	c.Register(types.JobStrategyRun, func(ctx context.Context, job *types.Job) (any, error) {
		once.Do(func() {
			close(first)
			<-release
		})
		mu.Lock()
		order = append(order, job.Config.Pair)
		mu.Unlock()
		return nil, nil
	})

	// Occupy the single slot, then queue low before high.
	blocker, _ := c.Submit(types.JobStrategyRun, jobConfig("BLOCK"), 9)
	<-first
	low, _ := c.Submit(types.JobStrategyRun, jobConfig("LOW"), 1)
	high, _ := c.Submit(types.JobStrategyRun, jobConfig("HIGH"), 8)
	close(release)

	waitStatus(t, c, blocker, types.JobCompleted)
	waitStatus(t, c, low, types.JobCompleted)
	waitStatus(t, c, high, types.JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[1] != "HIGH" || order[2] != "LOW" {
		t.Errorf("expected HIGH before LOW, got %v", order)
	}
}

func TestRetryTransientThenSucceed(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())

	var mu sync.Mutex
	attempts := 0
	c.Register(types.JobIncremental, func(ctx context.Context, job *types.Job) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, &broker.Error{Kind: broker.KindConnection, Message: "flaky"}
		}
		return "ok", nil
	})

	id, _ := c.Submit(types.JobIncremental, jobConfig("XAU/USD"), 5)
	job := waitStatus(t, c, id, types.JobCompleted)
	if job.RetryCount != 2 {
		t.Errorf("expected 2 retries, got %d", job.RetryCount)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())

	var mu sync.Mutex
	attempts := 0
	c.Register(types.JobBackfill, func(ctx context.Context, job *types.Job) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, &broker.Error{Kind: broker.KindAuthentication, Message: "bad key"}
	})

	id, _ := c.Submit(types.JobBackfill, jobConfig("XAU/USD"), 5)
	job := waitStatus(t, c, id, types.JobFailed)
	if job.RetryCount != 0 {
		t.Errorf("auth failures must not retry, got %d retries", job.RetryCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestValidationErrorNotRetried(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	c.Register(types.JobStrategyRun, func(ctx context.Context, job *types.Job) (any, error) {
		return nil, NewJobError(FailValidation, errors.New("range inverted"))
	})

	id, _ := c.Submit(types.JobStrategyRun, jobConfig("XAU/USD"), 5)
	job := waitStatus(t, c, id, types.JobFailed)
	if job.RetryCount != 0 {
		t.Errorf("validation failures must not retry, got %d", job.RetryCount)
	}
}

func TestTimeoutMarksFailed(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	c, _ := newTestCoordinator(t, cfg)

	c.Register(types.JobBackfill, func(ctx context.Context, job *types.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := c.Submit(types.JobBackfill, jobConfig("XAU/USD"), 5)
	job := waitStatus(t, c, id, types.JobFailed)
	if !strings.Contains(job.Error, "TIMEOUT") {
		t.Errorf("expected timeout error, got %q", job.Error)
	}
}

func TestQueueSoftCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.QueueCap = 2
	c, _ := newTestCoordinator(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.Register(types.JobBackfill, func(ctx context.Context, job *types.Job) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	if _, err := c.Submit(types.JobBackfill, jobConfig("P0"), 5); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-started
	if _, err := c.Submit(types.JobBackfill, jobConfig("P1"), 5); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := c.Submit(types.JobBackfill, jobConfig("P2"), 5); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	_, err := c.Submit(types.JobBackfill, jobConfig("P3"), 5)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	close(release)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	c, _ := newTestCoordinator(t, cfg)

	c.Register(types.JobIncremental, func(ctx context.Context, job *types.Job) (any, error) {
		return nil, &broker.Error{Kind: broker.KindServer, Message: "boom"}
	})

	for i := 0; i < 5; i++ {
		id, err := c.Submit(types.JobIncremental, jobConfig(fmt.Sprintf("P%d", i)), 5)
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
		waitStatus(t, c, id, types.JobFailed)
	}

	id, err := c.Submit(types.JobIncremental, jobConfig("P9"), 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	job := waitStatus(t, c, id, types.JobFailed)
	if !strings.Contains(job.Error, "circuit breaker is open") {
		t.Errorf("expected open-breaker rejection, got %q", job.Error)
	}
}

func TestShutdownCancelsQueued(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	c, bus := newTestCoordinator(t, cfg)
	_ = bus

	started := make(chan struct{})
	c.Register(types.JobBackfill, func(ctx context.Context, job *types.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	running, _ := c.Submit(types.JobBackfill, jobConfig("RUN"), 5)
	<-started
	queued, _ := c.Submit(types.JobBackfill, jobConfig("QUEUED"), 5)

	// The running job ignores everything but ctx; shutdown detaches it.
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.Cancel(running)
	}()
	c.Shutdown()

	q, _ := c.GetJob(queued)
	if q.Status != types.JobCancelled {
		t.Errorf("queued job should be cancelled on shutdown, got %s", q.Status)
	}

	if _, err := c.Submit(types.JobBackfill, jobConfig("LATE"), 5); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected shutdown rejection, got %v", err)
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	c.Register(types.JobIncremental, func(ctx context.Context, job *types.Job) (any, error) {
		if job.Config.Pair == "BAD" {
			return nil, NewJobError(FailValidation, errors.New("nope"))
		}
		return nil, nil
	})

	ok1, _ := c.Submit(types.JobIncremental, jobConfig("A"), 5)
	ok2, _ := c.Submit(types.JobIncremental, jobConfig("B"), 5)
	bad, _ := c.Submit(types.JobIncremental, jobConfig("BAD"), 5)
	waitStatus(t, c, ok1, types.JobCompleted)
	waitStatus(t, c, ok2, types.JobCompleted)
	waitStatus(t, c, bad, types.JobFailed)

	s := c.Stats()
	if s.Completed != 2 || s.Failed != 1 {
		t.Errorf("counts off: %+v", s)
	}
	want := 2.0 / 3.0
	if s.SuccessRate < want-1e-9 || s.SuccessRate > want+1e-9 {
		t.Errorf("success rate %.3f, want %.3f", s.SuccessRate, want)
	}
	if s.MemoryUsage == 0 {
		t.Error("memory usage should be reported")
	}
}

func TestRetryDelayCurve(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(base, max, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
