package port

import (
	"context"
	"time"

	"github.com/rl1809/printshop/internal/core/domain"
)

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) error

	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	ListReservations(ctx context.Context, orderID string) ([]domain.Reservation, error)

	// SaveReservations records the reservations and moves the order from
	// new to reserved in one transaction
	SaveReservations(ctx context.Context, orderID string, reservations []domain.Reservation, at time.Time) error

	// RejectOrder moves a new order to rejected
	RejectOrder(ctx context.Context, orderID, reason string, at time.Time) error

	// CloseOrder moves the order to status and claims its active
	// reservations. An order already in status yields no reservations.
	CloseOrder(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) ([]domain.Reservation, error)
}
