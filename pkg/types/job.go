// Package types provides job coordination types.
package types

import "time"

// JobType identifies what a coordinator job does
type JobType string

const (
	JobBackfill    JobType = "BACKFILL"
	JobIncremental JobType = "INCREMENTAL"
	JobStrategyRun JobType = "STRATEGY_RUN"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// JobConfig carries the parameters of one job submission.
type JobConfig struct {
	Pair          string    `json:"pair"`
	Timeframe     Timeframe `json:"timeframe"`
	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`
	DaysPerBatch  int       `json:"daysPerBatch,omitempty"`
	LookbackHours int       `json:"lookbackHours,omitempty"`
}

// Job is a unit of coordinated work. Owned by the coordinator for its lifecycle.
type Job struct {
	ID         string     `json:"id"`
	Type       JobType    `json:"type"`
	Config     JobConfig  `json:"config"`
	Status     JobStatus  `json:"status"`
	Priority   int        `json:"priority"`
	SubmittedAt time.Time `json:"submittedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	RetryCount int        `json:"retryCount"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// IngestionResult aggregates the outcome of a backfill or incremental run.
type IngestionResult struct {
	TotalFetched           int       `json:"totalFetched"`
	TotalNormalized        int       `json:"totalNormalized"`
	TotalFiltered          int       `json:"totalFiltered"`
	TotalInserted          int       `json:"totalInserted"`
	TotalSkipped           int       `json:"totalSkipped"`
	Errors                 []string  `json:"errors,omitempty"`
	Warnings               []string  `json:"warnings,omitempty"`
	ProcessingTimeMs       int64     `json:"processingTimeMs"`
	LastProcessedTimestamp time.Time `json:"lastProcessedTimestamp,omitempty"`

	// Backfill only
	BatchesProcessed int     `json:"batchesProcessed,omitempty"`
	AvgBatchMs       float64 `json:"avgBatchMs,omitempty"`

	// Incremental only
	GapDetected     bool `json:"gapDetected,omitempty"`
	NewCandlesFound int  `json:"newCandlesFound,omitempty"`
}

// Gap is a missing interval in stored candle history.
type Gap struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Bars int       `json:"bars"`
}

// UpsertResult reports the outcome of a candle batch insert.
type UpsertResult struct {
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}
