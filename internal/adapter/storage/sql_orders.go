package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/printshop/internal/core/domain"
)

type orderRow struct {
	ID           string    `db:"id"`
	PlacedBy     string    `db:"placed_by"`
	Status       string    `db:"status"`
	RejectReason string    `db:"reject_reason"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type orderItemRow struct {
	ProductID string `db:"product_id"`
	Quantity  int64  `db:"quantity"`
}

type reservationRow struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	EntityID  string    `db:"entity_id"`
	Quantity  int64     `db:"quantity"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r reservationRow) reservation() domain.Reservation {
	return domain.Reservation{
		ID:        r.ID,
		OrderID:   r.OrderID,
		EntityID:  r.EntityID,
		Quantity:  r.Quantity,
		Status:    domain.ReservationStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *SQLStore) CreateOrder(ctx context.Context, order domain.Order) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO orders (id, placed_by, status, reject_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			order.ID, order.PlacedBy, string(order.Status), order.RejectReason,
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO order_items (order_id, product_id, quantity) VALUES (?, ?, ?)`),
				order.ID, item.ProductID, item.Quantity,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, placed_by, status, reject_reason, created_at, updated_at
		FROM orders WHERE id = ?`), orderID)
	if err != nil {
		return domain.Order{}, notFound(err, "order", orderID)
	}

	var items []orderItemRow
	err = s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT product_id, quantity FROM order_items WHERE order_id = ? ORDER BY product_id`), orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order items: %w", err)
	}

	order := domain.Order{
		ID:           row.ID,
		PlacedBy:     row.PlacedBy,
		Status:       domain.OrderStatus(row.Status),
		RejectReason: row.RejectReason,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderLineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return order, nil
}

func (s *SQLStore) ListReservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	var exists int
	if err := s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM orders WHERE id = ?`), orderID); err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}

	var rows []reservationRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, order_id, entity_id, quantity, status, created_at, updated_at
		FROM stock_reservations WHERE order_id = ? ORDER BY entity_id, id`), orderID)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	out := make([]domain.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.reservation())
	}
	return out, nil
}

func (s *SQLStore) SaveReservations(ctx context.Context, orderID string, reservations []domain.Reservation, at time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOrderFor(ctx, tx, orderID, domain.OrderStatusReserved); err != nil {
			return err
		}
		for _, r := range reservations {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO stock_reservations (id, order_id, entity_id, quantity, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				r.ID, orderID, r.EntityID, r.Quantity, string(r.Status), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
		}
		return setOrderStatus(ctx, tx, orderID, domain.OrderStatusReserved, "", at)
	})
}

func (s *SQLStore) RejectOrder(ctx context.Context, orderID, reason string, at time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current == domain.OrderStatusRejected {
			return nil
		}
		if !current.CanTransitionTo(domain.OrderStatusRejected) {
			return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, current)
		}
		return setOrderStatus(ctx, tx, orderID, domain.OrderStatusRejected, reason, at)
	})
}

func (s *SQLStore) CloseOrder(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) ([]domain.Reservation, error) {
	var claimed []domain.Reservation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current == status {
			return nil
		}
		if !current.CanTransitionTo(status) {
			return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, current)
		}

		var rows []reservationRow
		err = tx.SelectContext(ctx, &rows, tx.Rebind(`
			SELECT id, order_id, entity_id, quantity, status, created_at, updated_at
			FROM stock_reservations WHERE order_id = ? AND status = ?
			ORDER BY entity_id, id FOR UPDATE`),
			orderID, string(domain.ReservationStatusActive),
		)
		if err != nil {
			return fmt.Errorf("query reservations: %w", err)
		}

		outcome := status.ReservationOutcome()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE stock_reservations SET status = ?, updated_at = ?
			WHERE order_id = ? AND status = ?`),
			string(outcome), at.UTC(), orderID, string(domain.ReservationStatusActive),
		)
		if err != nil {
			return fmt.Errorf("update reservations: %w", err)
		}
		for _, r := range rows {
			res := r.reservation()
			res.Status = outcome
			res.UpdatedAt = at
			claimed = append(claimed, res)
		}
		return setOrderStatus(ctx, tx, orderID, status, "", at)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func lockOrder(ctx context.Context, tx *sqlx.Tx, orderID string) (domain.OrderStatus, error) {
	var status string
	err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM orders WHERE id = ? FOR UPDATE`), orderID)
	if err != nil {
		return "", notFound(err, "order", orderID)
	}
	return domain.OrderStatus(status), nil
}

func lockOrderFor(ctx context.Context, tx *sqlx.Tx, orderID string, next domain.OrderStatus) error {
	current, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, current)
	}
	return nil
}

func setOrderStatus(ctx context.Context, tx *sqlx.Tx, orderID string, status domain.OrderStatus, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE orders SET status = ?, reject_reason = ?, updated_at = ? WHERE id = ?`),
		string(status), reason, at.UTC(), orderID,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	return nil
}
