package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/printshop/internal/core/domain"
)

// MemoryStore keeps all state in process memory behind one mutex. It is
// only correct for a single server instance.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	stock        map[string]domain.StockEntity
	orders       map[string]domain.Order
	reservations map[string][]domain.Reservation
	jobs         map[string]domain.ProductionJob
	keys         map[string]time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:          now,
		stock:        make(map[string]domain.StockEntity),
		orders:       make(map[string]domain.Order),
		reservations: make(map[string][]domain.Reservation),
		jobs:         make(map[string]domain.ProductionJob),
		keys:         make(map[string]time.Time),
	}
}

// Ledger

func (m *MemoryStore) GetStock(ctx context.Context, entityID string) (domain.StockEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getStockLocked(entityID)
}

func (m *MemoryStore) Reserve(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(entityID, qty)
}

func (m *MemoryStore) Release(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(entityID, qty)
}

func (m *MemoryStore) Credit(ctx context.Context, entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(entityID, kind, qty)
}

func (m *MemoryStore) Debit(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(entityID, qty)
}

func (m *MemoryStore) Register(ctx context.Context, entity domain.StockEntity) (domain.StockEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.stock[entity.ID]
	if !ok {
		e = domain.StockEntity{ID: entity.ID, CreatedAt: now}
	}
	e.Kind = entity.Kind
	e.MinimumThreshold = entity.MinimumThreshold
	e.Version++
	e.UpdatedAt = now
	m.stock[e.ID] = e
	return e, nil
}

func (m *MemoryStore) getStockLocked(entityID string) (domain.StockEntity, error) {
	e, ok := m.stock[entityID]
	if !ok {
		return domain.StockEntity{}, fmt.Errorf("stock entity %s: %w", entityID, domain.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) reserveLocked(entityID string, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("reserve", qty); err != nil {
		return domain.StockEntity{}, err
	}
	e, err := m.getStockLocked(entityID)
	if err != nil {
		return domain.StockEntity{}, err
	}
	if e.Reserved+qty > e.OnHand {
		return e, &domain.InsufficientStockError{EntityID: entityID, Available: e.Available(), Requested: qty}
	}
	e.Reserved += qty
	return m.putLocked(e), nil
}

func (m *MemoryStore) releaseLocked(entityID string, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("release", qty); err != nil {
		return domain.StockEntity{}, err
	}
	e, err := m.getStockLocked(entityID)
	if err != nil {
		return domain.StockEntity{}, err
	}
	e.Reserved = max(e.Reserved-qty, 0)
	return m.putLocked(e), nil
}

func (m *MemoryStore) creditLocked(entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("credit", qty); err != nil {
		return domain.StockEntity{}, err
	}
	e, ok := m.stock[entityID]
	if !ok {
		if kind == "" {
			kind = domain.StockKindFinishedGood
		}
		e = domain.StockEntity{ID: entityID, Kind: kind, CreatedAt: m.now()}
	}
	e.OnHand += qty
	return m.putLocked(e), nil
}

func (m *MemoryStore) debitLocked(entityID string, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("debit", qty); err != nil {
		return domain.StockEntity{}, err
	}
	e, err := m.getStockLocked(entityID)
	if err != nil {
		return domain.StockEntity{}, err
	}
	e.OnHand = max(e.OnHand-qty, 0)
	e.Reserved = min(max(e.Reserved-qty, 0), e.OnHand)
	return m.putLocked(e), nil
}

func (m *MemoryStore) putLocked(e domain.StockEntity) domain.StockEntity {
	e.Version++
	e.UpdatedAt = m.now()
	m.stock[e.ID] = e
	return e
}

// Orders

func (m *MemoryStore) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	order.Items = append([]domain.OrderLineItem(nil), order.Items...)
	m.orders[order.ID] = order
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, err := m.getOrderLocked(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = append([]domain.OrderLineItem(nil), order.Items...)
	return order, nil
}

func (m *MemoryStore) ListReservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getOrderLocked(orderID); err != nil {
		return nil, err
	}
	return append([]domain.Reservation(nil), m.reservations[orderID]...), nil
}

func (m *MemoryStore) SaveReservations(ctx context.Context, orderID string, reservations []domain.Reservation, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, err := m.getOrderLocked(orderID)
	if err != nil {
		return err
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusReserved) {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, order.Status)
	}
	m.reservations[orderID] = append(m.reservations[orderID], reservations...)
	order.Status = domain.OrderStatusReserved
	order.UpdatedAt = at
	m.orders[orderID] = order
	return nil
}

func (m *MemoryStore) RejectOrder(ctx context.Context, orderID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, err := m.getOrderLocked(orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusRejected {
		return nil
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusRejected) {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, order.Status)
	}
	order.Status = domain.OrderStatusRejected
	order.RejectReason = reason
	order.UpdatedAt = at
	m.orders[orderID] = order
	return nil
}

func (m *MemoryStore) CloseOrder(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, err := m.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == status {
		return nil, nil
	}
	if !order.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, order.Status)
	}

	var claimed []domain.Reservation
	rs := m.reservations[orderID]
	for i := range rs {
		if rs[i].Status != domain.ReservationStatusActive {
			continue
		}
		rs[i].Status = status.ReservationOutcome()
		rs[i].UpdatedAt = at
		claimed = append(claimed, rs[i])
	}
	order.Status = status
	order.UpdatedAt = at
	m.orders[orderID] = order
	return claimed, nil
}

func (m *MemoryStore) getOrderLocked(orderID string) (domain.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return order, nil
}

// Production queue

func (m *MemoryStore) CreateJob(ctx context.Context, job domain.ProductionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (domain.ProductionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getJobLocked(jobID)
}

func (m *MemoryStore) OpenJobs(ctx context.Context, productID string) ([]domain.ProductionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProductionJob
	for _, job := range m.jobs {
		if job.ProductID == productID && job.Status.Open() {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) StartJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, changed, err := m.checkJobLocked(jobID, domain.JobStatusInProgress)
	if err != nil || !changed {
		return domain.JobTransition{Job: job}, err
	}

	tr := domain.JobTransition{Changed: true}
	if job.UsesMaterial() {
		material, err := m.reserveLocked(job.MaterialID, job.MaterialGrams)
		if err != nil {
			return domain.JobTransition{Job: job}, err
		}
		tr.Material = &material
	}
	job.Status = domain.JobStatusInProgress
	job.StartedAt = &at
	job.UpdatedAt = at
	m.jobs[jobID] = job
	tr.Job = job
	return tr, nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, changed, err := m.checkJobLocked(jobID, domain.JobStatusCompleted)
	if err != nil || !changed {
		return domain.JobTransition{Job: job}, err
	}

	tr := domain.JobTransition{Changed: true}
	if job.UsesMaterial() {
		// checked before crediting so a missing material leaves no trace
		if _, err := m.getStockLocked(job.MaterialID); err != nil {
			return domain.JobTransition{Job: job}, err
		}
		material, _ := m.debitLocked(job.MaterialID, job.MaterialGrams)
		tr.Material = &material
	}
	product, _ := m.creditLocked(job.ProductID, domain.StockKindFinishedGood, job.Quantity)
	tr.Product = &product

	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &at
	job.UpdatedAt = at
	m.jobs[jobID] = job
	tr.Job = job
	return tr, nil
}

func (m *MemoryStore) CancelJob(ctx context.Context, jobID string, at time.Time) (domain.JobTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, changed, err := m.checkJobLocked(jobID, domain.JobStatusCancelled)
	if err != nil || !changed {
		return domain.JobTransition{Job: job}, err
	}

	tr := domain.JobTransition{Changed: true}
	if job.Status == domain.JobStatusInProgress && job.UsesMaterial() {
		if material, err := m.releaseLocked(job.MaterialID, job.MaterialGrams); err == nil {
			tr.Material = &material
		}
	}
	job.Status = domain.JobStatusCancelled
	job.UpdatedAt = at
	m.jobs[jobID] = job
	tr.Job = job
	return tr, nil
}

func (m *MemoryStore) getJobLocked(jobID string) (domain.ProductionJob, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ProductionJob{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return job, nil
}

// checkJobLocked reports whether moving the job to next changes anything.
func (m *MemoryStore) checkJobLocked(jobID string, next domain.JobStatus) (domain.ProductionJob, bool, error) {
	job, err := m.getJobLocked(jobID)
	if err != nil {
		return domain.ProductionJob{}, false, err
	}
	if job.Status == next {
		return job, false, nil
	}
	if !job.Status.CanTransitionTo(next) {
		return job, false, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}
	return job, true, nil
}

// Idempotency keys

func (m *MemoryStore) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	m.keys[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
