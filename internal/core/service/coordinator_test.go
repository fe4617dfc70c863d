package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/printshop/internal/adapter/storage"
	"github.com/rl1809/printshop/internal/core/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// faultyLedger fails chosen ledger calls the way a dropped connection would.
type faultyLedger struct {
	*storage.MemoryStore
	reserveFaults map[string]error
	releaseFault  error
}

func (f *faultyLedger) Reserve(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	if err := f.reserveFaults[entityID]; err != nil {
		return domain.StockEntity{}, err
	}
	return f.MemoryStore.Reserve(ctx, entityID, qty)
}

func (f *faultyLedger) Release(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	if f.releaseFault != nil {
		return domain.StockEntity{}, f.releaseFault
	}
	return f.MemoryStore.Release(ctx, entityID, qty)
}

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishLowStock(ctx context.Context, event domain.LowStockEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *storage.MemoryStore
	ledger      *faultyLedger
	cache       *AvailabilityCache
	clock       *testClock
}

func newCoordinatorFixture(t *testing.T, opts ...Option) *coordinatorFixture {
	t.Helper()
	clock := newTestClock()
	store := storage.NewMemoryStore(clock.Now)
	ledger := &faultyLedger{MemoryStore: store, reserveFaults: map[string]error{}}
	cache := NewAvailabilityCache(NewCalculator(ledger, store, clock.Now), time.Minute, clock.Now)

	opts = append([]Option{WithClock(clock.Now), WithIdempotency(store, time.Hour)}, opts...)
	c := NewCoordinator(ledger, store, store, cache, opts...)
	c.retryGap = 0
	return &coordinatorFixture{coordinator: c, store: store, ledger: ledger, cache: cache, clock: clock}
}

func (f *coordinatorFixture) stock(t *testing.T, id string, onHand int64) {
	t.Helper()
	_, err := f.store.Credit(context.Background(), id, domain.StockKindFinishedGood, onHand)
	require.NoError(t, err)
}

func (f *coordinatorFixture) reserved(t *testing.T, id string) int64 {
	t.Helper()
	e, err := f.store.GetStock(context.Background(), id)
	require.NoError(t, err)
	return e.Reserved
}

func TestPlaceOrder_ReservesAllLines(t *testing.T) {
	// Arrange
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	f.stock(t, "B", 10)
	ctx := context.Background()

	// Act
	result, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		PlacedBy: "alice",
		Items:    []domain.OrderLineItem{{ProductID: "B", Quantity: 2}, {ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 1}},
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReserved, result.Order.Status)
	require.Len(t, result.Reservations.Reservations, 2)
	assert.Equal(t, "A", result.Reservations.Reservations[0].EntityID)
	assert.Equal(t, int64(3), f.reserved(t, "A"))
	assert.Equal(t, int64(3), f.reserved(t, "B"))

	order, reservations, err := f.coordinator.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReserved, order.Status)
	assert.Len(t, reservations, 2)
}

func TestPlaceOrder_AllOrNothing(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	f.stock(t, "B", 10)
	ctx := context.Background()

	result, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		PlacedBy: "alice",
		Items:    []domain.OrderLineItem{{ProductID: "A", Quantity: 5}, {ProductID: "B", Quantity: 1000}},
	})

	require.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "B", insufficient.EntityID)
	assert.Equal(t, int64(990), insufficient.Shortfall())

	assert.Equal(t, int64(0), f.reserved(t, "A"))
	assert.Equal(t, int64(0), f.reserved(t, "B"))

	order, reservations, err := f.coordinator.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Contains(t, order.RejectReason, "cannot fulfill order")
	assert.Empty(t, reservations)
}

func TestPlaceOrder_UnknownProduct(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)

	_, err := f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 1}, {ProductID: "Z", Quantity: 1}},
	})

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(0), f.reserved(t, "A"))
}

func TestPlaceOrder_InvalidLines(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []domain.OrderLineItem{{ProductID: "A", Quantity: -1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPlaceOrder_ConcurrentNeverOversells(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	ctx := context.Background()

	var successCount, rejectCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
				Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				rejectCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), successCount.Load())
	assert.Equal(t, int32(30), rejectCount.Load())
	assert.Equal(t, int64(10), f.reserved(t, "A"))
}

func TestPlaceOrder_DuplicateRequest(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	ctx := context.Background()
	req := PlaceOrderRequest{RequestID: "req-1", PlacedBy: "alice", Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 1}}}

	_, err := f.coordinator.PlaceOrder(ctx, req)
	require.NoError(t, err)

	_, err = f.coordinator.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, int64(1), f.reserved(t, "A"))

	// another caller may reuse the same request ID
	req.PlacedBy = "bob"
	_, err = f.coordinator.PlaceOrder(ctx, req)
	assert.NoError(t, err)
}

func TestPlaceOrder_StorageFaultCompensatesAndFreesRequestID(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	f.stock(t, "B", 10)
	f.ledger.reserveFaults["B"] = errors.New("connection reset by peer")
	ctx := context.Background()
	req := PlaceOrderRequest{RequestID: "req-1", PlacedBy: "alice", Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 4}, {ProductID: "B", Quantity: 1}}}

	_, err := f.coordinator.PlaceOrder(ctx, req)

	require.ErrorIs(t, err, domain.ErrStorageFault)
	assert.False(t, domain.IsBusinessError(err))
	assert.Equal(t, int64(0), f.reserved(t, "A"))

	// the fault is retryable under the same request ID
	delete(f.ledger.reserveFaults, "B")
	_, err = f.coordinator.PlaceOrder(ctx, req)
	assert.NoError(t, err)
}

func TestReserveForOrder_CompensationFailureIsReported(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	f.stock(t, "B", 10)
	f.ledger.reserveFaults["B"] = errors.New("connection reset by peer")
	f.ledger.releaseFault = errors.New("database unavailable")

	_, err := f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 4}, {ProductID: "B", Quantity: 1}},
	})

	var storageErr *domain.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "compensate reservations", storageErr.Op)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestReserveForOrder_CompensatesAfterCancellation(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	f.stock(t, "B", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coordinator.ReserveForOrder(ctx, "order-x", []domain.OrderLineItem{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 5}})

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, int64(0), f.reserved(t, "A"))
}

func TestReleaseForOrder_Idempotent(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	ctx := context.Background()
	result, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 6}}})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.ReleaseForOrder(ctx, result.Order.ID))
	assert.Equal(t, int64(0), f.reserved(t, "A"))

	// a second release must not go negative or touch other holds
	_, err = f.store.Reserve(ctx, "A", 2)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.ReleaseForOrder(ctx, result.Order.ID))
	assert.Equal(t, int64(2), f.reserved(t, "A"))

	order, reservations, err := f.coordinator.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, domain.ReservationStatusReleased, reservations[0].Status)
}

func TestReleaseForOrder_Unknown(t *testing.T) {
	f := newCoordinatorFixture(t)
	assert.ErrorIs(t, f.coordinator.ReleaseForOrder(context.Background(), "missing"), domain.ErrNotFound)
}

func TestReleaseForOrder_RejectedOrderIsNoop(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 2)
	ctx := context.Background()

	result, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 5}}})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	require.NoError(t, f.coordinator.ReleaseForOrder(ctx, result.Order.ID))
	require.NoError(t, f.coordinator.ReleaseForOrder(ctx, result.Order.ID))

	order, _, err := f.coordinator.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Equal(t, int64(0), f.reserved(t, "A"))
}

func TestReleaseForOrder_FulfilledOrderCannotBeCancelled(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 5)
	ctx := context.Background()

	result, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 2}}})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.FulfillOrder(ctx, result.Order.ID))

	err = f.coordinator.ReleaseForOrder(ctx, result.Order.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFulfillOrder_ConsumesReservedStock(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stock(t, "A", 10)
	ctx := context.Background()
	result, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{Items: []domain.OrderLineItem{{ProductID: "A", Quantity: 4}}})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.FulfillOrder(ctx, result.Order.ID))
	require.NoError(t, f.coordinator.FulfillOrder(ctx, result.Order.ID))

	entity, err := f.coordinator.GetStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(6), entity.OnHand)
	assert.Equal(t, int64(0), entity.Reserved)

	assert.ErrorIs(t, f.coordinator.ReleaseForOrder(ctx, result.Order.ID), domain.ErrInvalidTransition)
}

func TestFulfillProductionJob_CreditsAndInvalidates(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.stock(t, "widget", 0)

	job, err := f.coordinator.EnqueueJob(ctx, NewJobRequest{ProductID: "widget", Quantity: 20, EstimatedDuration: 2 * time.Hour})
	require.NoError(t, err)

	answer, err := f.cache.GetOrCompute(ctx, "widget", 20)
	require.NoError(t, err)
	assert.False(t, answer.AvailableNow)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), *answer.EarliestFulfillment)

	_, err = f.coordinator.UpdateJobStatus(ctx, job.ID, domain.JobStatusInProgress)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	done, err := f.coordinator.UpdateJobStatus(ctx, job.ID, domain.JobStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)

	entity, _ := f.coordinator.GetStock(ctx, "widget")
	assert.Equal(t, int64(20), entity.OnHand)

	// the cached answer was dropped on completion
	answer, err = f.cache.GetOrCompute(ctx, "widget", 20)
	require.NoError(t, err)
	assert.True(t, answer.AvailableNow)

	// completing twice credits once
	_, err = f.coordinator.FulfillProductionJob(ctx, job.ID)
	require.NoError(t, err)
	entity, _ = f.coordinator.GetStock(ctx, "widget")
	assert.Equal(t, int64(20), entity.OnHand)
}

func TestUpdateJobStatus_InvalidTransitions(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	job, err := f.coordinator.EnqueueJob(ctx, NewJobRequest{ProductID: "widget", Quantity: 1})
	require.NoError(t, err)

	_, err = f.coordinator.UpdateJobStatus(ctx, job.ID, domain.JobStatusCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.coordinator.UpdateJobStatus(ctx, job.ID, domain.JobStatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.coordinator.UpdateJobStatus(ctx, job.ID, domain.JobStatusCancelled)
	require.NoError(t, err)
	_, err = f.coordinator.UpdateJobStatus(ctx, job.ID, domain.JobStatusInProgress)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.coordinator.UpdateJobStatus(ctx, "missing", domain.JobStatusInProgress)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueueJob_Validation(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.EnqueueJob(ctx, NewJobRequest{ProductID: "widget"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.coordinator.EnqueueJob(ctx, NewJobRequest{ProductID: "widget", Quantity: 1, MaterialGrams: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestStartProductionJob_PublishesLowMaterial(t *testing.T) {
	publisher := new(MockEventPublisher)
	f := newCoordinatorFixture(t, WithEventPublisher(publisher))
	ctx := context.Background()

	_, err := f.coordinator.RegisterStock(ctx, domain.StockEntity{ID: "pla", Kind: domain.StockKindMaterial, MinimumThreshold: 500})
	require.NoError(t, err)
	_, err = f.coordinator.ReceiveStock(ctx, "pla", domain.StockKindMaterial, 1000)
	require.NoError(t, err)

	publisher.On("PublishLowStock", mock.Anything, mock.MatchedBy(func(e domain.LowStockEvent) bool {
		return e.EntityID == "pla" && e.Available == 400 && e.Threshold == 500
	})).Return(nil).Once()

	job, err := f.coordinator.EnqueueJob(ctx, NewJobRequest{ProductID: "widget", Quantity: 5, MaterialID: "pla", MaterialGrams: 600})
	require.NoError(t, err)
	_, err = f.coordinator.StartProductionJob(ctx, job.ID)
	require.NoError(t, err)

	material, _ := f.coordinator.GetStock(ctx, "pla")
	assert.Equal(t, int64(600), material.Reserved)
	publisher.AssertExpectations(t)
}

func TestPlaceOrder_LowStockPublishedOnceWhenCrossing(t *testing.T) {
	publisher := new(MockEventPublisher)
	f := newCoordinatorFixture(t, WithEventPublisher(publisher))
	ctx := context.Background()
	f.coordinator.RegisterStock(ctx, domain.StockEntity{ID: "A", MinimumThreshold: 5})
	f.stock(t, "A", 10)

	publisher.On("PublishLowStock", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	// 10 -> 6 stays above, 6 -> 3 crosses, 3 -> 2 is already below
	for _, qty := range []int64{4, 3, 1} {
		_, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{Items: []domain.OrderLineItem{{ProductID: "A", Quantity: qty}}})
		require.NoError(t, err)
	}

	publisher.AssertExpectations(t)
}

func TestPlaceOrder_RejectedOrderPublishesNoLowStock(t *testing.T) {
	publisher := new(MockEventPublisher)
	f := newCoordinatorFixture(t, WithEventPublisher(publisher))
	ctx := context.Background()
	f.coordinator.RegisterStock(ctx, domain.StockEntity{ID: "A", MinimumThreshold: 5})
	f.stock(t, "A", 10)
	f.stock(t, "B", 1)

	// A crosses its threshold first, then B fails and A is rolled back
	_, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{Items: []domain.OrderLineItem{
		{ProductID: "A", Quantity: 8},
		{ProductID: "B", Quantity: 5},
	}})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, int64(0), f.reserved(t, "A"))
	publisher.AssertNotCalled(t, "PublishLowStock", mock.Anything, mock.Anything)
}

func TestReceiveStock_Validation(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.ReceiveStock(context.Background(), "A", domain.StockKindFinishedGood, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.coordinator.ReceiveStock(context.Background(), "A", "gadget", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	entity, err := f.coordinator.ReceiveStock(context.Background(), "A", "", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StockKindFinishedGood, entity.Kind)
}
