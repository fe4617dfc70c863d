package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/printshop/internal/core/domain"
)

type jobRow struct {
	ID                  string       `db:"id"`
	ProductID           string       `db:"product_id"`
	PrinterID           string       `db:"printer_id"`
	Quantity            int64        `db:"quantity"`
	Status              string       `db:"status"`
	MaterialID          string       `db:"material_id"`
	MaterialGrams       int64        `db:"material_grams"`
	EstimatedDurationMS int64        `db:"estimated_duration_ms"`
	CreatedAt           time.Time    `db:"created_at"`
	StartedAt           sql.NullTime `db:"started_at"`
	CompletedAt         sql.NullTime `db:"completed_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
}

func (r jobRow) job() domain.ProductionJob {
	job := domain.ProductionJob{
		ID:                r.ID,
		ProductID:         r.ProductID,
		PrinterID:         r.PrinterID,
		Quantity:          r.Quantity,
		Status:            domain.JobStatus(r.Status),
		MaterialID:        r.MaterialID,
		MaterialGrams:     r.MaterialGrams,
		EstimatedDuration: time.Duration(r.EstimatedDurationMS) * time.Millisecond,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	return job
}

const selectJobColumns = `
	SELECT id, product_id, printer_id, quantity, status, material_id, material_grams,
		estimated_duration_ms, created_at, started_at, completed_at, updated_at
	FROM production_jobs`

func (s *SQLStore) CreateJob(ctx context.Context, job domain.ProductionJob) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO production_jobs (id, product_id, printer_id, quantity, status, material_id, material_grams,
			estimated_duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.ProductID, job.PrinterID, job.Quantity, string(job.Status), job.MaterialID, job.MaterialGrams,
		job.EstimatedDuration.Milliseconds(), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, jobID string) (domain.ProductionJob, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(selectJobColumns+` WHERE id = ?`), jobID); err != nil {
		return domain.ProductionJob{}, notFound(err, "job", jobID)
	}
	return row.job(), nil
}

func (s *SQLStore) OpenJobs(ctx context.Context, productID string) ([]domain.ProductionJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectJobColumns+`
		WHERE product_id = ? AND status IN (?, ?)
		ORDER BY created_at, id`),
		productID, string(domain.JobStatusPending), string(domain.JobStatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("query open jobs: %w", err)
	}
	out := make([]domain.ProductionJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.job())
	}
	return out, nil
}

func (s *SQLStore) StartJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error) {
	var tr domain.JobTransition
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, changed, err := lockJobFor(ctx, tx, jobID, domain.JobStatusInProgress)
		tr = domain.JobTransition{Job: job}
		if err != nil || !changed {
			return err
		}

		if job.UsesMaterial() {
			material, err := s.reserveTx(ctx, tx, job.MaterialID, job.MaterialGrams)
			if err != nil {
				return err
			}
			tr.Material = &material
		}

		at = at.UTC()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE production_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`),
			string(domain.JobStatusInProgress), at, at, jobID,
		)
		if err != nil {
			return fmt.Errorf("start job %s: %w", jobID, err)
		}
		job.Status = domain.JobStatusInProgress
		job.StartedAt = &at
		job.UpdatedAt = at
		tr.Job = job
		tr.Changed = true
		return nil
	})
	if err != nil {
		return domain.JobTransition{}, err
	}
	return tr, nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error) {
	var tr domain.JobTransition
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, changed, err := lockJobFor(ctx, tx, jobID, domain.JobStatusCompleted)
		tr = domain.JobTransition{Job: job}
		if err != nil || !changed {
			return err
		}

		if job.UsesMaterial() {
			material, err := s.debitTx(ctx, tx, job.MaterialID, job.MaterialGrams)
			if err != nil {
				return err
			}
			tr.Material = &material
		}
		product, err := s.creditTx(ctx, tx, job.ProductID, domain.StockKindFinishedGood, job.Quantity)
		if err != nil {
			return err
		}
		tr.Product = &product

		at = at.UTC()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE production_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`),
			string(domain.JobStatusCompleted), at, at, jobID,
		)
		if err != nil {
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &at
		job.UpdatedAt = at
		tr.Job = job
		tr.Changed = true
		return nil
	})
	if err != nil {
		return domain.JobTransition{}, err
	}
	return tr, nil
}

func (s *SQLStore) CancelJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error) {
	var tr domain.JobTransition
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, changed, err := lockJobFor(ctx, tx, jobID, domain.JobStatusCancelled)
		tr = domain.JobTransition{Job: job}
		if err != nil || !changed {
			return err
		}

		if job.Status == domain.JobStatusInProgress && job.UsesMaterial() {
			material, err := s.releaseTx(ctx, tx, job.MaterialID, job.MaterialGrams)
			if err != nil {
				return err
			}
			tr.Material = &material
		}

		at = at.UTC()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE production_jobs SET status = ?, updated_at = ? WHERE id = ?`),
			string(domain.JobStatusCancelled), at, jobID,
		)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		job.Status = domain.JobStatusCancelled
		job.UpdatedAt = at
		tr.Job = job
		tr.Changed = true
		return nil
	})
	if err != nil {
		return domain.JobTransition{}, err
	}
	return tr, nil
}

// lockJobFor locks the job row and reports whether moving it to next
// changes anything.
func lockJobFor(ctx context.Context, tx *sqlx.Tx, jobID string, next domain.JobStatus) (domain.ProductionJob, bool, error) {
	var row jobRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(selectJobColumns+` WHERE id = ? FOR UPDATE`), jobID); err != nil {
		return domain.ProductionJob{}, false, notFound(err, "job", jobID)
	}
	job := row.job()
	if job.Status == next {
		return job, false, nil
	}
	if !job.Status.CanTransitionTo(next) {
		return job, false, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}
	return job, true, nil
}
