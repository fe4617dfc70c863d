package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNormalizeLineItems(t *testing.T) {
	items := []OrderLineItem{
		{ProductID: "b", Quantity: 2},
		{ProductID: "a", Quantity: 1},
		{ProductID: "b", Quantity: 3},
	}

	got, err := NormalizeLineItems(items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []OrderLineItem{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 5}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNormalizeLineItems_Invalid(t *testing.T) {
	cases := map[string][]OrderLineItem{
		"empty":         nil,
		"no product":    {{Quantity: 1}},
		"zero quantity": {{ProductID: "a"}},
	}
	for name, items := range cases {
		if _, err := NormalizeLineItems(items); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	allowed := [][2]OrderStatus{
		{OrderStatusNew, OrderStatusReserved},
		{OrderStatusNew, OrderStatusRejected},
		{OrderStatusReserved, OrderStatusFulfilled},
		{OrderStatusReserved, OrderStatusCancelled},
	}
	for _, tr := range allowed {
		if !tr[0].CanTransitionTo(tr[1]) {
			t.Errorf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]OrderStatus{
		{OrderStatusFulfilled, OrderStatusCancelled},
		{OrderStatusRejected, OrderStatusReserved},
		{OrderStatusCancelled, OrderStatusReserved},
		{OrderStatusNew, OrderStatusFulfilled},
	}
	for _, tr := range denied {
		if tr[0].CanTransitionTo(tr[1]) {
			t.Errorf("expected %s -> %s to be denied", tr[0], tr[1])
		}
	}
}

func TestJobStatusTransitions(t *testing.T) {
	if JobStatusPending.CanTransitionTo(JobStatusCompleted) {
		t.Error("pending job must start before it completes")
	}
	if !JobStatusInProgress.CanTransitionTo(JobStatusCompleted) {
		t.Error("expected in_progress -> completed")
	}
	if JobStatusCompleted.Open() || JobStatusCancelled.Open() {
		t.Error("finished jobs are not open")
	}
}

func TestCrossedBelowThreshold(t *testing.T) {
	e := StockEntity{OnHand: 10, Reserved: 6, MinimumThreshold: 5}
	if !e.CrossedBelowThreshold(3) {
		t.Error("expected crossing from 7 to 4")
	}
	if !e.CrossedBelowThreshold(1) {
		t.Error("expected crossing from 5 to 4")
	}

	below := StockEntity{OnHand: 10, Reserved: 7, MinimumThreshold: 5}
	if below.CrossedBelowThreshold(1) {
		t.Error("4 -> 3 was already below the threshold")
	}

	e.MinimumThreshold = 0
	if e.CrossedBelowThreshold(3) {
		t.Error("no threshold means no alerts")
	}
}

func TestProjectionAnswer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Projection{
		ProductID: "widget",
		Available: 5,
		Requested: 25,
		Milestones: []Milestone{
			{At: now.Add(2 * time.Hour), JobID: "j1", Cumulative: 10},
			{At: now.Add(4 * time.Hour), JobID: "j2", Cumulative: 20},
		},
		Complete:   true,
		ComputedAt: now,
	}

	if a := p.Answer(5); !a.AvailableNow || !a.EarliestFulfillment.Equal(now) {
		t.Errorf("expected available now, got %+v", a)
	}
	if a := p.Answer(15); a.AvailableNow || !a.EarliestFulfillment.Equal(now.Add(2*time.Hour)) {
		t.Errorf("expected +2h, got %+v", a)
	}
	if a := p.Answer(25); !a.EarliestFulfillment.Equal(now.Add(4 * time.Hour)) {
		t.Errorf("expected +4h, got %+v", a)
	}
	if a := p.Answer(26); a.Fulfillable || a.EarliestFulfillment != nil {
		t.Errorf("expected unfulfillable, got %+v", a)
	}
}

func TestErrorsClassify(t *testing.T) {
	insufficient := fmt.Errorf("reserve: %w", &InsufficientStockError{EntityID: "a", Available: 1, Requested: 3})
	if !errors.Is(insufficient, ErrInsufficientStock) || !IsBusinessError(insufficient) {
		t.Error("insufficient stock is a business error")
	}

	fault := &StorageError{Op: "reserve", Err: errors.New("timeout")}
	if !errors.Is(fault, ErrStorageFault) || IsBusinessError(fault) {
		t.Error("storage errors are faults")
	}
}
