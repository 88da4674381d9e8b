// Package coordinator schedules and supervises ingestion and strategy jobs:
// priority queue, deduplication, timeouts, retry with backoff, and a
// per-operation circuit breaker.
package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/meridianfx/trading-engine/pkg/utils"
)

// ErrQueueFull rejects submissions past the queue soft cap.
var ErrQueueFull = errors.New("queue full")

// ErrShuttingDown rejects submissions after shutdown has begun.
var ErrShuttingDown = errors.New("coordinator shutting down")

// Handler executes one job. It must honor ctx cancellation at its
// suspension points.
type Handler func(ctx context.Context, job *types.Job) (any, error)

// Config bounds the coordinator's concurrency and retry behavior.
type Config struct {
	MaxConcurrent   int
	QueueCap        int
	JobTimeout      time.Duration
	BaseRetryDelay  time.Duration
	MaxRetryDelay   time.Duration
	MaxRetries      int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		QueueCap:        100,
		JobTimeout:      10 * time.Minute,
		BaseRetryDelay:  2 * time.Second,
		MaxRetryDelay:   60 * time.Second,
		MaxRetries:      3,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Stats is the coordinator's metrics snapshot.
type Stats struct {
	ActiveJobs          int     `json:"activeJobs"`
	QueuedJobs          int     `json:"queuedJobs"`
	RunningJobs         int     `json:"runningJobs"`
	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
	SuccessRate         float64 `json:"successRate"`
	MemoryUsage         uint64  `json:"memoryUsage"`
}

type runState struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Coordinator owns the job lifecycle end to end.
type Coordinator struct {
	logger *zap.Logger
	bus    *events.Bus
	cfg    Config

	mu           sync.Mutex
	queue        jobQueue
	jobs         map[string]*types.Job
	running      map[string]*runState
	handlers     map[types.JobType]Handler
	breakers     map[types.JobType]*gobreaker.CircuitBreaker[any]
	shuttingDown bool

	slots chan struct{}
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	runWG sync.WaitGroup

	completed  atomic.Int64
	failed     atomic.Int64
	durationMs atomic.Int64

	proc *process.Process
}

// New creates and starts a coordinator.
func New(logger *zap.Logger, bus *events.Bus, cfg Config) *Coordinator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueCap < 1 {
		cfg.QueueCap = 100
	}
	c := &Coordinator{
		logger:   logger.Named("coordinator"),
		bus:      bus,
		cfg:      cfg,
		jobs:     make(map[string]*types.Job),
		running:  make(map[string]*runState),
		handlers: make(map[types.JobType]Handler),
		breakers: make(map[types.JobType]*gobreaker.CircuitBreaker[any]),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	c.wg.Add(1)
	go c.dispatcher()
	return c
}

// Register installs the handler for a job type.
func (c *Coordinator) Register(jobType types.JobType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = h
}

// Submit enqueues a job. An identical job (same type, pair, timeframe)
// already PENDING or RUNNING is not duplicated; its ID is returned instead.
func (c *Coordinator) Submit(jobType types.JobType, config types.JobConfig, priority int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return "", ErrShuttingDown
	}
	for _, job := range c.jobs {
		if job.Type == jobType &&
			job.Config.Pair == config.Pair &&
			job.Config.Timeframe == config.Timeframe &&
			(job.Status == types.JobPending || job.Status == types.JobRunning) {
			c.logger.Debug("duplicate submission coalesced",
				zap.String("jobId", job.ID),
				zap.String("type", string(jobType)))
			return job.ID, nil
		}
	}
	if c.queue.Len() >= c.cfg.QueueCap {
		return "", ErrQueueFull
	}

	job := &types.Job{
		ID:          utils.GenerateID("job"),
		Type:        jobType,
		Config:      config,
		Status:      types.JobPending,
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
	}
	c.jobs[job.ID] = job
	heap.Push(&c.queue, job)
	c.bus.Publish(events.NewJobEvent(events.EventTypeJobSubmitted, job))
	c.notify()

	c.logger.Info("job submitted",
		zap.String("jobId", job.ID),
		zap.String("type", string(jobType)),
		zap.String("pair", config.Pair),
		zap.Int("priority", priority))
	return job.ID, nil
}

// Cancel cancels a job. Queued jobs are removed immediately; running jobs
// have their context cancelled and finish at their next suspension point.
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	switch job.Status {
	case types.JobPending:
		for i, queued := range c.queue {
			if queued.ID == jobID {
				heap.Remove(&c.queue, i)
				break
			}
		}
		c.finishLocked(job, types.JobCancelled, "cancelled")
		c.bus.Publish(events.NewJobEvent(events.EventTypeJobCancelled, job))
		return nil
	case types.JobRunning:
		rs := c.running[jobID]
		if rs != nil {
			rs.cancelled = true
			rs.cancel()
		}
		return nil
	default:
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
}

// GetJob returns a job by ID.
func (c *Coordinator) GetJob(jobID string) (*types.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	return job, ok
}

// ListJobs returns all jobs, optionally filtered by status.
func (c *Coordinator) ListJobs(status types.JobStatus) []*types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	return out
}

// Stats snapshots the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	queued := c.queue.Len()
	running := len(c.running)
	c.mu.Unlock()

	completed := c.completed.Load()
	failed := c.failed.Load()
	finished := completed + failed

	s := Stats{
		ActiveJobs:  queued + running,
		QueuedJobs:  queued,
		RunningJobs: running,
		Completed:   completed,
		Failed:      failed,
	}
	if finished > 0 {
		s.AvgProcessingTimeMs = float64(c.durationMs.Load()) / float64(finished)
		s.SuccessRate = float64(completed) / float64(finished)
	}
	if c.proc != nil {
		if mi, err := c.proc.MemoryInfo(); err == nil {
			s.MemoryUsage = mi.RSS
		}
	}
	return s
}

// Shutdown stops accepting work, cancels queued jobs, and waits up to the
// configured timeout for running jobs before detaching them.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	for c.queue.Len() > 0 {
		job := heap.Pop(&c.queue).(*types.Job)
		c.finishLocked(job, types.JobCancelled, "cancelled: shutdown")
		c.bus.Publish(events.NewJobEvent(events.EventTypeJobCancelled, job))
	}
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	finished := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		c.logger.Info("coordinator drained")
		return nil
	case <-time.After(c.cfg.ShutdownTimeout):
	}

	c.mu.Lock()
	detached := len(c.running)
	for _, rs := range c.running {
		rs.cancelled = true
		rs.cancel()
	}
	c.mu.Unlock()
	c.logger.Warn("shutdown timed out", zap.Int("detachedJobs", detached))
	return fmt.Errorf("shutdown timed out with %d jobs detached", detached)
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatcher() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			c.dispatch()
		}
	}
}

func (c *Coordinator) dispatch() {
	for {
		select {
		case c.slots <- struct{}{}:
		default:
			return
		}
		c.mu.Lock()
		if c.shuttingDown || c.queue.Len() == 0 {
			c.mu.Unlock()
			<-c.slots
			return
		}
		job := heap.Pop(&c.queue).(*types.Job)
		now := time.Now().UTC()
		job.Status = types.JobRunning
		job.StartedAt = &now
		ctx, cancel := context.WithCancel(context.Background())
		rs := &runState{cancel: cancel}
		c.running[job.ID] = rs
		c.mu.Unlock()

		c.bus.Publish(events.NewJobEvent(events.EventTypeJobStarted, job))
		c.runWG.Add(1)
		go c.runJob(ctx, job, rs)
	}
}

type outcome struct {
	result any
	err    error
}

func (c *Coordinator) runJob(ctx context.Context, job *types.Job, rs *runState) {
	defer c.runWG.Done()
	defer func() {
		<-c.slots
		c.notify()
	}()

	start := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{nil, fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := c.execute(ctx, job)
		ch <- outcome{res, err}
	}()

	timer := time.NewTimer(c.cfg.JobTimeout)
	defer timer.Stop()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		// Cancelled from outside; the handler winds down on its own.
		out = outcome{nil, context.Canceled}
	case <-timer.C:
		// The handler is past its budget. Cancel and detach: whatever it
		// eventually returns is discarded.
		rs.cancel()
		out = outcome{nil, NewJobError(FailTimeout, fmt.Errorf("exceeded %s", c.cfg.JobTimeout))}
	}

	c.settle(job, rs, out, time.Since(start))
}

func (c *Coordinator) settle(job *types.Job, rs *runState, out outcome, took time.Duration) {
	c.mu.Lock()
	delete(c.running, job.ID)

	if rs.cancelled {
		c.finishLocked(job, types.JobCancelled, "cancelled")
		c.mu.Unlock()
		c.bus.Publish(events.NewJobEvent(events.EventTypeJobCancelled, job))
		c.logger.Info("job cancelled", zap.String("jobId", job.ID))
		return
	}

	if out.err == nil {
		job.Result = out.result
		c.finishLocked(job, types.JobCompleted, "")
		c.mu.Unlock()
		c.completed.Add(1)
		c.durationMs.Add(took.Milliseconds())
		c.bus.Publish(events.NewJobEvent(events.EventTypeJobCompleted, job))
		c.logger.Info("job completed",
			zap.String("jobId", job.ID),
			zap.Duration("took", took))
		return
	}

	if retryable(out.err) && job.RetryCount < c.cfg.MaxRetries && !c.shuttingDown {
		job.RetryCount++
		job.Status = types.JobPending
		job.Error = out.err.Error()
		attempt := job.RetryCount
		delay := retryDelay(c.cfg.BaseRetryDelay, c.cfg.MaxRetryDelay, attempt)
		c.mu.Unlock()

		c.logger.Warn("job failed, retrying",
			zap.String("jobId", job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(out.err))
		time.AfterFunc(delay, func() { c.requeue(job) })
		return
	}

	job.Error = out.err.Error()
	c.finishLocked(job, types.JobFailed, out.err.Error())
	c.mu.Unlock()
	c.failed.Add(1)
	c.durationMs.Add(took.Milliseconds())
	c.bus.Publish(events.NewJobEvent(events.EventTypeJobFailed, job))
	c.logger.Error("job failed",
		zap.String("jobId", job.ID),
		zap.Int("retries", job.RetryCount),
		zap.Error(out.err))
}

func (c *Coordinator) requeue(job *types.Job) {
	c.mu.Lock()
	if c.shuttingDown || job.Status != types.JobPending {
		if job.Status == types.JobPending {
			c.finishLocked(job, types.JobCancelled, "cancelled: shutdown")
		}
		c.mu.Unlock()
		return
	}
	heap.Push(&c.queue, job)
	c.mu.Unlock()
	c.notify()
}

// finishLocked stamps a terminal status. Caller holds c.mu.
func (c *Coordinator) finishLocked(job *types.Job, status types.JobStatus, errMsg string) {
	now := time.Now().UTC()
	job.Status = status
	job.EndedAt = &now
	if errMsg != "" && job.Error == "" {
		job.Error = errMsg
	}
}

// execute runs the handler through the per-operation circuit breaker.
func (c *Coordinator) execute(ctx context.Context, job *types.Job) (any, error) {
	c.mu.Lock()
	h, ok := c.handlers[job.Type]
	c.mu.Unlock()
	if !ok {
		return nil, NewJobError(FailConfiguration, fmt.Errorf("no handler for %s", job.Type))
	}
	return c.breaker(job.Type).Execute(func() (any, error) {
		return h(ctx, job)
	})
}

func (c *Coordinator) breaker(jobType types.JobType) *gobreaker.CircuitBreaker[any] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[jobType]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        string(jobType),
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about operation health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("operation", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			c.bus.Publish(events.NewAlertEvent("warning", "coordinator",
				fmt.Sprintf("breaker %s: %s -> %s", name, from, to)))
		},
	})
	c.breakers[jobType] = cb
	return cb
}

// retryDelay is exponential from the base, capped at max.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}
