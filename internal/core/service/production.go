package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/printshop/internal/core/domain"
)

type NewJobRequest struct {
	ProductID         string
	PrinterID         string
	Quantity          int64
	MaterialID        string
	MaterialGrams     int64
	EstimatedDuration time.Duration
}

func (c *Coordinator) EnqueueJob(ctx context.Context, req NewJobRequest) (domain.ProductionJob, error) {
	if req.ProductID == "" || req.Quantity <= 0 {
		return domain.ProductionJob{}, fmt.Errorf("%w: job needs a product and positive quantity", domain.ErrInvalidRequest)
	}
	if req.EstimatedDuration < 0 || req.MaterialGrams < 0 {
		return domain.ProductionJob{}, fmt.Errorf("%w: duration and material grams must not be negative", domain.ErrInvalidRequest)
	}
	if req.MaterialGrams > 0 && req.MaterialID == "" {
		return domain.ProductionJob{}, fmt.Errorf("%w: material grams given without material", domain.ErrInvalidRequest)
	}

	now := c.now()
	job := domain.ProductionJob{
		ID:                c.newID(),
		ProductID:         req.ProductID,
		PrinterID:         req.PrinterID,
		Quantity:          req.Quantity,
		Status:            domain.JobStatusPending,
		MaterialID:        req.MaterialID,
		MaterialGrams:     req.MaterialGrams,
		EstimatedDuration: req.EstimatedDuration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return domain.ProductionJob{}, storageFault("create job", err)
	}
	c.cache.Invalidate(job.ProductID)

	c.logger.Info().Str("job_id", job.ID).Str("product_id", job.ProductID).Int64("quantity", job.Quantity).Msg("production job queued")
	return job, nil
}

func (c *Coordinator) GetJob(ctx context.Context, jobID string) (domain.ProductionJob, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	return job, storageFault("get job", err)
}

// OpenJobs is the production queue of a product, oldest first.
func (c *Coordinator) OpenJobs(ctx context.Context, productID string) ([]domain.ProductionJob, error) {
	jobs, err := c.jobs.OpenJobs(ctx, productID)
	return jobs, storageFault("list open jobs", err)
}

// StartProductionJob puts a job on its printer, reserving its material.
func (c *Coordinator) StartProductionJob(ctx context.Context, jobID string) (domain.ProductionJob, error) {
	tr, err := c.jobs.StartJob(ctx, jobID, c.now())
	if err != nil {
		return domain.ProductionJob{}, storageFault("start job", err)
	}
	c.afterJobTransition(ctx, tr)
	if tr.Changed && tr.Material != nil {
		c.alertIfLow(ctx, *tr.Material, tr.Job.MaterialGrams)
	}
	return tr.Job, nil
}

// FulfillProductionJob completes a job: the product is credited with the
// job's output and the reserved material is consumed. Completing a job
// twice credits it once.
func (c *Coordinator) FulfillProductionJob(ctx context.Context, jobID string) (domain.ProductionJob, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.fulfill_production_job")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	tr, err := c.jobs.CompleteJob(ctx, jobID, c.now())
	if err != nil {
		span.RecordError(err)
		return domain.ProductionJob{}, storageFault("complete job", err)
	}
	c.afterJobTransition(ctx, tr)
	if tr.Changed {
		c.logger.Info().Str("job_id", jobID).Str("product_id", tr.Job.ProductID).Int64("quantity", tr.Job.Quantity).Msg("production job completed")
	}
	return tr.Job, nil
}

func (c *Coordinator) CancelProductionJob(ctx context.Context, jobID string) (domain.ProductionJob, error) {
	tr, err := c.jobs.CancelJob(ctx, jobID, c.now())
	if err != nil {
		return domain.ProductionJob{}, storageFault("cancel job", err)
	}
	c.afterJobTransition(ctx, tr)
	return tr.Job, nil
}

// UpdateJobStatus dispatches a requested status change.
func (c *Coordinator) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) (domain.ProductionJob, error) {
	switch status {
	case domain.JobStatusInProgress:
		return c.StartProductionJob(ctx, jobID)
	case domain.JobStatusCompleted:
		return c.FulfillProductionJob(ctx, jobID)
	case domain.JobStatusCancelled:
		return c.CancelProductionJob(ctx, jobID)
	default:
		return domain.ProductionJob{}, fmt.Errorf("%w: cannot move job to %q", domain.ErrInvalidTransition, status)
	}
}

func (c *Coordinator) afterJobTransition(_ context.Context, tr domain.JobTransition) {
	if !tr.Changed {
		return
	}
	c.cache.Invalidate(tr.Job.ProductID)
	if tr.Job.MaterialID != "" {
		c.cache.Invalidate(tr.Job.MaterialID)
	}
}

func (c *Coordinator) GetStock(ctx context.Context, entityID string) (domain.StockEntity, error) {
	entity, err := c.ledger.GetStock(ctx, entityID)
	return entity, storageFault("get stock", err)
}

// ReceiveStock books incoming stock, e.g. a filament delivery or goods
// made outside the queue.
func (c *Coordinator) ReceiveStock(ctx context.Context, entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error) {
	if kind == "" {
		kind = domain.StockKindFinishedGood
	}
	if entityID == "" || qty <= 0 || !kind.Valid() {
		return domain.StockEntity{}, fmt.Errorf("%w: entity, kind and positive quantity required", domain.ErrInvalidRequest)
	}
	entity, err := c.ledger.Credit(ctx, entityID, kind, qty)
	if err != nil {
		return domain.StockEntity{}, storageFault("credit stock", err)
	}
	c.cache.Invalidate(entityID)
	return entity, nil
}

func (c *Coordinator) RegisterStock(ctx context.Context, entity domain.StockEntity) (domain.StockEntity, error) {
	if entity.Kind == "" {
		entity.Kind = domain.StockKindFinishedGood
	}
	if entity.ID == "" || !entity.Kind.Valid() || entity.MinimumThreshold < 0 {
		return domain.StockEntity{}, fmt.Errorf("%w: entity needs an ID, a valid kind and a non-negative threshold", domain.ErrInvalidRequest)
	}
	out, err := c.ledger.Register(ctx, entity)
	if err != nil {
		return domain.StockEntity{}, storageFault("register stock", err)
	}
	c.cache.Invalidate(entity.ID)
	return out, nil
}
