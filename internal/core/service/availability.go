package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rl1809/printshop/internal/core/domain"
	"github.com/rl1809/printshop/internal/port"
)

// Calculator answers how many units of a product can be promised and when.
// It only reads from the ledger and the production queue.
type Calculator struct {
	ledger port.Ledger
	queue  port.ProductionQueue
	now    func() time.Time
}

func NewCalculator(ledger port.Ledger, queue port.ProductionQueue, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{ledger: ledger, queue: queue, now: now}
}

func (c *Calculator) GetAvailability(ctx context.Context, productID string, qty int64) (domain.AvailabilityAnswer, error) {
	p, err := c.Project(ctx, productID, qty)
	if err != nil {
		return domain.AvailabilityAnswer{}, err
	}
	return p.Answer(qty), nil
}

// Project builds the availability timeline for productID far enough to
// cover qty. A product with no stock entity counts as zero on hand; it is
// unknown only when it has no open jobs either.
func (c *Calculator) Project(ctx context.Context, productID string, qty int64) (domain.Projection, error) {
	if err := validateQuery(productID, qty); err != nil {
		return domain.Projection{}, err
	}

	now := c.now()
	found := true
	stock, err := c.ledger.GetStock(ctx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		found = false
	} else if err != nil {
		return domain.Projection{}, storageFault("get stock", err)
	}

	p := domain.Projection{
		ProductID:  productID,
		Available:  stock.Available(),
		Requested:  qty,
		ComputedAt: now,
	}
	if p.Available >= qty {
		return p, nil
	}

	jobs, err := c.queue.OpenJobs(ctx, productID)
	if err != nil {
		return domain.Projection{}, storageFault("list open jobs", err)
	}
	if !found && len(jobs) == 0 {
		return domain.Projection{}, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}

	batches := scheduleBatches(jobs, now)
	shortfall := qty - p.Available
	var cumulative int64
	for i, b := range batches {
		cumulative += b.job.Quantity
		p.Milestones = append(p.Milestones, domain.Milestone{
			At:         b.finish,
			JobID:      b.job.ID,
			Cumulative: cumulative,
		})
		if cumulative >= shortfall {
			p.Complete = i == len(batches)-1
			return p, nil
		}
	}
	p.Complete = true
	return p, nil
}

func validateQuery(productID string, qty int64) error {
	if productID == "" || qty <= 0 {
		return fmt.Errorf("%w: product and positive quantity required", domain.ErrInvalidRequest)
	}
	return nil
}

type batch struct {
	job    domain.ProductionJob
	finish time.Time
}

// scheduleBatches estimates when each open job finishes. Each printer is a
// lane that runs its jobs back to back in FIFO order; running jobs hold
// their lane first. Jobs without a printer share a single lane.
func scheduleBatches(jobs []domain.ProductionJob, now time.Time) []batch {
	ordered := append([]domain.ProductionJob(nil), jobs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return jobBefore(ordered[i], ordered[j])
	})

	laneFree := make(map[string]time.Time)
	out := make([]batch, 0, len(ordered))

	for _, job := range ordered {
		if job.Status != domain.JobStatusInProgress {
			continue
		}
		finish := now.Add(job.EstimatedDuration)
		if job.StartedAt != nil {
			finish = job.StartedAt.Add(job.EstimatedDuration)
			if finish.Before(now) {
				// overdue; assume it lands any moment
				finish = now
			}
		}
		if free, ok := laneFree[job.PrinterID]; !ok || finish.After(free) {
			laneFree[job.PrinterID] = finish
		}
		out = append(out, batch{job: job, finish: finish})
	}

	for _, job := range ordered {
		if job.Status != domain.JobStatusPending {
			continue
		}
		start, ok := laneFree[job.PrinterID]
		if !ok {
			start = now
		}
		finish := start.Add(job.EstimatedDuration)
		laneFree[job.PrinterID] = finish
		out = append(out, batch{job: job, finish: finish})
	}

	// printers run in parallel, so output lands in finish order, not queue order
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].finish.Equal(out[j].finish) {
			return out[i].finish.Before(out[j].finish)
		}
		return jobBefore(out[i].job, out[j].job)
	})
	return out
}

func jobBefore(a, b domain.ProductionJob) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
