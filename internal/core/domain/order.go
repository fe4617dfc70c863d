package domain

import (
	"fmt"
	"sort"
	"time"
)

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusReserved  OrderStatus = "reserved"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:      {OrderStatusReserved, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusReserved: {OrderStatusFulfilled, OrderStatusCancelled},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ReservationOutcome is the status active reservations take when an order
// closes with s.
func (s OrderStatus) ReservationOutcome() ReservationStatus {
	if s == OrderStatusFulfilled {
		return ReservationStatusFulfilled
	}
	return ReservationStatusReleased
}

type OrderLineItem struct {
	ProductID string
	Quantity  int64
}

type Order struct {
	ID           string
	PlacedBy     string
	Items        []OrderLineItem
	Status       OrderStatus
	RejectReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusFulfilled ReservationStatus = "fulfilled"
)

type Reservation struct {
	ID        string
	OrderID   string
	EntityID  string
	Quantity  int64
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ReservationSet struct {
	OrderID      string
	Reservations []Reservation
}

// NormalizeLineItems merges lines for the same product and returns them in
// ascending product ID order, the order reservations are taken in.
func NormalizeLineItems(items []OrderLineItem) ([]OrderLineItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no line items", ErrInvalidRequest)
	}
	merged := make(map[string]int64, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: line item without product", ErrInvalidRequest)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidRequest, item.ProductID)
		}
		merged[item.ProductID] += item.Quantity
	}
	out := make([]OrderLineItem, 0, len(merged))
	for id, qty := range merged {
		out = append(out, OrderLineItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
