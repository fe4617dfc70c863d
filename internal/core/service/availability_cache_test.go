package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/printshop/internal/core/domain"
)

type MockProjector struct {
	mock.Mock
	during func()
}

func (m *MockProjector) Project(ctx context.Context, productID string, qty int64) (domain.Projection, error) {
	args := m.Called(ctx, productID, qty)
	if m.during != nil {
		m.during()
	}
	return args.Get(0).(domain.Projection), args.Error(1)
}

func TestAvailabilityCache_HitWithinTTL(t *testing.T) {
	// Arrange
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, 30*time.Second, clock.Now)
	ctx := context.Background()

	projection := domain.Projection{ProductID: "widget", Available: 10, Requested: 5, Complete: true, ComputedAt: clock.Now()}
	projector.On("Project", ctx, "widget", int64(5)).Return(projection, nil).Once()

	// Act
	first, err := cache.GetOrCompute(ctx, "widget", 5)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	second, err := cache.GetOrCompute(ctx, "widget", 5)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, first, second)
	projector.AssertExpectations(t)
}

func TestAvailabilityCache_ExpiresAfterTTL(t *testing.T) {
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, 30*time.Second, clock.Now)
	ctx := context.Background()

	projection := domain.Projection{ProductID: "widget", Available: 10, Requested: 5, Complete: true}
	projector.On("Project", ctx, "widget", int64(5)).Return(projection, nil).Twice()

	cache.GetOrCompute(ctx, "widget", 5)
	clock.Advance(31 * time.Second)
	cache.GetOrCompute(ctx, "widget", 5)

	projector.AssertExpectations(t)
}

func TestAvailabilityCache_LargerQuantityRecomputesPartialProjection(t *testing.T) {
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, time.Minute, clock.Now)
	ctx := context.Background()

	partial := domain.Projection{ProductID: "widget", Requested: 10, Milestones: []domain.Milestone{{At: clock.Now().Add(time.Hour), Cumulative: 10}}}
	projector.On("Project", ctx, "widget", int64(10)).Return(partial, nil).Once()
	projector.On("Project", ctx, "widget", int64(20)).Return(domain.Projection{ProductID: "widget", Requested: 20, Complete: true}, nil).Once()

	cache.GetOrCompute(ctx, "widget", 10)
	// smaller quantities are answered from the cached timeline
	answer, err := cache.GetOrCompute(ctx, "widget", 4)
	require.NoError(t, err)
	assert.True(t, answer.Fulfillable)

	answer, err = cache.GetOrCompute(ctx, "widget", 20)
	require.NoError(t, err)
	assert.False(t, answer.Fulfillable)

	projector.AssertExpectations(t)
}

func TestAvailabilityCache_Invalidate(t *testing.T) {
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, time.Minute, clock.Now)
	ctx := context.Background()

	projector.On("Project", ctx, "widget", int64(1)).Return(domain.Projection{ProductID: "widget", Available: 3, Requested: 1, Complete: true}, nil).Twice()

	cache.GetOrCompute(ctx, "widget", 1)
	cache.Invalidate("widget")
	cache.GetOrCompute(ctx, "widget", 1)

	projector.AssertExpectations(t)
}

func TestAvailabilityCache_InvalidationDuringComputeWins(t *testing.T) {
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, time.Minute, clock.Now)
	ctx := context.Background()

	projector.during = func() {
		projector.during = nil
		cache.Invalidate("widget")
	}
	projector.On("Project", ctx, "widget", int64(1)).Return(domain.Projection{ProductID: "widget", Available: 3, Requested: 1, Complete: true}, nil).Twice()

	cache.GetOrCompute(ctx, "widget", 1)
	// the stale result was not stored, so this projects again
	cache.GetOrCompute(ctx, "widget", 1)

	projector.AssertExpectations(t)
}

func TestAvailabilityCache_ErrorsAreNotCached(t *testing.T) {
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, time.Minute, clock.Now)
	ctx := context.Background()

	projector.On("Project", ctx, "widget", int64(1)).Return(domain.Projection{}, errors.New("db down")).Once()
	projector.On("Project", ctx, "widget", int64(1)).Return(domain.Projection{ProductID: "widget", Available: 1, Requested: 1}, nil).Once()

	_, err := cache.GetOrCompute(ctx, "widget", 1)
	assert.Error(t, err)
	answer, err := cache.GetOrCompute(ctx, "widget", 1)
	require.NoError(t, err)
	assert.True(t, answer.AvailableNow)

	projector.AssertExpectations(t)
}

func TestAvailabilityCache_WarmEntryStillValidatesQuery(t *testing.T) {
	clock := newTestClock()
	projector := new(MockProjector)
	cache := NewAvailabilityCache(projector, time.Minute, clock.Now)
	ctx := context.Background()

	projector.On("Project", ctx, "widget", int64(4)).Return(domain.Projection{ProductID: "widget", Available: 4, Requested: 4, Complete: true}, nil).Once()

	_, err := cache.GetOrCompute(ctx, "widget", 4)
	require.NoError(t, err)

	for _, qty := range []int64{0, -7} {
		_, err := cache.GetOrCompute(ctx, "widget", qty)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, "qty %d", qty)
	}
	_, err = cache.GetOrCompute(ctx, "", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	projector.AssertExpectations(t)
}
