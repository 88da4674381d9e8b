package coordinator

import (
	"errors"
	"fmt"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/pkg/types"
)

// jobQueue is a max-heap: higher priority first, FIFO within a priority.
type jobQueue []*types.Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].SubmittedAt.Before(q[j].SubmittedAt)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*types.Job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

// FailureKind classifies job failures for the retry policy.
type FailureKind string

const (
	FailAuthentication FailureKind = "AUTHENTICATION"
	FailConfiguration  FailureKind = "CONFIGURATION"
	FailValidation     FailureKind = "VALIDATION"
	FailTransient      FailureKind = "TRANSIENT"
	FailTimeout        FailureKind = "TIMEOUT"
)

// JobError carries a failure classification out of a handler.
type JobError struct {
	Kind FailureKind
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError wraps a handler failure with its classification.
func NewJobError(kind FailureKind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

// retryable reports whether a failed attempt may be re-queued.
// Authentication, configuration, and validation failures will fail the same
// way on every attempt, so they are terminal.
func retryable(err error) bool {
	var je *JobError
	if errors.As(err, &je) {
		switch je.Kind {
		case FailAuthentication, FailConfiguration, FailValidation:
			return false
		}
		return true
	}
	var be *broker.Error
	if errors.As(err, &be) {
		switch be.Kind {
		case broker.KindAuthentication, broker.KindBadRequest:
			return false
		}
	}
	return true
}
