package port

import (
	"context"
	"time"

	"github.com/rl1809/printshop/internal/core/domain"
)

// ProductionQueue stores print jobs. Start, Complete and Cancel apply the
// status change and its stock effects in one transaction.
type ProductionQueue interface {
	CreateJob(ctx context.Context, job domain.ProductionJob) error

	GetJob(ctx context.Context, jobID string) (domain.ProductionJob, error)

	// OpenJobs returns pending and in-progress jobs of a product ordered by
	// creation time, then ID
	OpenJobs(ctx context.Context, productID string) ([]domain.ProductionJob, error)

	// StartJob moves pending to in_progress and reserves the job's material
	StartJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error)

	// CompleteJob moves in_progress to completed, credits the product and
	// debits the reserved material
	CompleteJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error)

	// CancelJob moves an open job to cancelled, releasing material if started
	CancelJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error)
}
