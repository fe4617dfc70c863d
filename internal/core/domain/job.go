package domain

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusCompleted, JobStatusCancelled},
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open jobs still contribute future output.
func (s JobStatus) Open() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}

// ProductionJob is a print batch. MaterialGrams of MaterialID are reserved
// when the job starts and consumed when it completes.
type ProductionJob struct {
	ID                string
	ProductID         string
	PrinterID         string
	Quantity          int64
	Status            JobStatus
	MaterialID        string
	MaterialGrams     int64
	EstimatedDuration time.Duration
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	UpdatedAt         time.Time
}

func (j ProductionJob) UsesMaterial() bool {
	return j.MaterialID != "" && j.MaterialGrams > 0
}

// JobTransition is the outcome of a job status change. Changed is false
// when the job already had the target status.
type JobTransition struct {
	Job      ProductionJob
	Changed  bool
	Product  *StockEntity
	Material *StockEntity
}
