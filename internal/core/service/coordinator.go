package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/printshop/internal/core/domain"
	"github.com/rl1809/printshop/internal/port"
)

const (
	instrumentationName   = "github.com/rl1809/printshop/internal/core/service"
	defaultIdempotencyTTL = 24 * time.Hour
	releaseAttempts       = 3
)

var (
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrInsufficientStock = domain.ErrInsufficientStock
)

// Invalidator drops cached availability for a product.
type Invalidator interface {
	Invalidate(productID string)
}

// Coordinator is the transactional boundary for reservations, order
// lifecycle and production output.
type Coordinator struct {
	ledger port.Ledger
	orders port.OrderRepository
	jobs   port.ProductionQueue
	cache  Invalidator

	idempotency    port.CacheRepository
	idempotencyTTL time.Duration
	events         port.EventPublisher

	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
	retryGap time.Duration
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

type Option func(*Coordinator)

func WithIdempotency(repo port.CacheRepository, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.idempotency = repo
		if ttl > 0 {
			c.idempotencyTTL = ttl
		}
	}
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

func NewCoordinator(ledger port.Ledger, orders port.OrderRepository, jobs port.ProductionQueue, cache Invalidator, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:         ledger,
		orders:         orders,
		jobs:           jobs,
		cache:          cache,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         zerolog.Nop(),
		now:            time.Now,
		newID:          uuid.NewString,
		retryGap:       50 * time.Millisecond,
		tracer:         otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"printshop.reservations",
		metric.WithDescription("Order reservation attempts by outcome"),
	)
	if err != nil {
		c.outcomes = noop.Int64Counter{}
	} else {
		c.outcomes = counter
	}
	return c
}

// storageFault wraps anything that is not a business outcome so callers
// can tell a retryable infrastructure failure from a rejection.
func storageFault(op string, err error) error {
	if err == nil || domain.IsBusinessError(err) || errors.Is(err, domain.ErrStorageFault) {
		return err
	}
	return &domain.StorageError{Op: op, Err: err}
}

func (c *Coordinator) recordOutcome(ctx context.Context, err error) {
	outcome := "reserved"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	case domain.IsBusinessError(err):
		outcome = "rejected"
	default:
		outcome = "storage_fault"
	}
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// release gives a reservation back, retrying since a failed compensation
// would leave stock held by an order that no longer wants it.
func (c *Coordinator) release(ctx context.Context, entityID string, qty int64) error {
	var err error
	for attempt := 1; attempt <= releaseAttempts; attempt++ {
		if _, err = c.ledger.Release(ctx, entityID, qty); err == nil || domain.IsBusinessError(err) {
			break
		}
		if attempt < releaseAttempts {
			time.Sleep(time.Duration(attempt) * c.retryGap)
		}
	}
	c.cache.Invalidate(entityID)
	return err
}

func (c *Coordinator) alertIfLow(ctx context.Context, entity domain.StockEntity, delta int64) {
	if c.events == nil || !entity.CrossedBelowThreshold(delta) {
		return
	}
	event := domain.LowStockEvent{
		EntityID:  entity.ID,
		Kind:      entity.Kind,
		Available: entity.Available(),
		Threshold: entity.MinimumThreshold,
		At:        c.now(),
	}
	if err := c.events.PublishLowStock(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("entity_id", entity.ID).Msg("failed to publish low stock event")
	}
}
