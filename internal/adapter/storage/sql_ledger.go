package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/printshop/internal/core/domain"
)

type stockRow struct {
	ID               string    `db:"id"`
	Kind             string    `db:"kind"`
	OnHand           int64     `db:"on_hand"`
	Reserved         int64     `db:"reserved"`
	MinimumThreshold int64     `db:"minimum_threshold"`
	Version          int64     `db:"version"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r stockRow) entity() domain.StockEntity {
	return domain.StockEntity{
		ID:               r.ID,
		Kind:             domain.StockKind(r.Kind),
		OnHand:           r.OnHand,
		Reserved:         r.Reserved,
		MinimumThreshold: r.MinimumThreshold,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const selectStock = `
	SELECT id, kind, on_hand, reserved, minimum_threshold, version, created_at, updated_at
	FROM stock_entities WHERE id = ?`

func (s *SQLStore) GetStock(ctx context.Context, entityID string) (domain.StockEntity, error) {
	return getStock(ctx, s.db, entityID)
}

func (s *SQLStore) Reserve(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	var out domain.StockEntity
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.reserveTx(ctx, tx, entityID, qty)
		return err
	})
	return out, err
}

func (s *SQLStore) Release(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	var out domain.StockEntity
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.releaseTx(ctx, tx, entityID, qty)
		return err
	})
	return out, err
}

func (s *SQLStore) Credit(ctx context.Context, entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error) {
	var out domain.StockEntity
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.creditTx(ctx, tx, entityID, kind, qty)
		return err
	})
	return out, err
}

func (s *SQLStore) Debit(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error) {
	var out domain.StockEntity
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.debitTx(ctx, tx, entityID, qty)
		return err
	})
	return out, err
}

func (s *SQLStore) Register(ctx context.Context, entity domain.StockEntity) (domain.StockEntity, error) {
	var out domain.StockEntity
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		_, err := tx.ExecContext(ctx, tx.Rebind(s.dialect.registerUpsert),
			entity.ID, string(entity.Kind), entity.MinimumThreshold, now, now)
		if err != nil {
			return fmt.Errorf("register stock %s: %w", entity.ID, err)
		}
		out, err = getStock(ctx, tx, entity.ID)
		return err
	})
	return out, err
}

func getStock(ctx context.Context, q sqlx.ExtContext, entityID string) (domain.StockEntity, error) {
	var row stockRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(selectStock), entityID); err != nil {
		return domain.StockEntity{}, notFound(err, "stock entity", entityID)
	}
	return row.entity(), nil
}

// reserveTx increments reserved only when the row can cover qty. A miss is
// re-read in the same transaction to tell an unknown entity from a
// shortfall.
func (s *SQLStore) reserveTx(ctx context.Context, tx *sqlx.Tx, entityID string, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("reserve", qty); err != nil {
		return domain.StockEntity{}, err
	}
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE stock_entities
		SET reserved = reserved + ?, version = version + 1, updated_at = ?
		WHERE id = ? AND reserved + ? <= on_hand`),
		qty, s.now(), entityID, qty,
	)
	if err != nil {
		return domain.StockEntity{}, fmt.Errorf("reserve %s: %w", entityID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.StockEntity{}, fmt.Errorf("reserve %s: %w", entityID, err)
	}

	entity, err := getStock(ctx, tx, entityID)
	if err != nil {
		return domain.StockEntity{}, err
	}
	if rows == 0 {
		return entity, &domain.InsufficientStockError{EntityID: entityID, Available: entity.Available(), Requested: qty}
	}
	return entity, nil
}

func (s *SQLStore) releaseTx(ctx context.Context, tx *sqlx.Tx, entityID string, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("release", qty); err != nil {
		return domain.StockEntity{}, err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE stock_entities
		SET reserved = GREATEST(reserved - ?, 0), version = version + 1, updated_at = ?
		WHERE id = ?`),
		qty, s.now(), entityID,
	)
	if err != nil {
		return domain.StockEntity{}, fmt.Errorf("release %s: %w", entityID, err)
	}
	return getStock(ctx, tx, entityID)
}

func (s *SQLStore) creditTx(ctx context.Context, tx *sqlx.Tx, entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("credit", qty); err != nil {
		return domain.StockEntity{}, err
	}
	if kind == "" {
		kind = domain.StockKindFinishedGood
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx, tx.Rebind(s.dialect.creditUpsert), entityID, string(kind), qty, now, now); err != nil {
		return domain.StockEntity{}, fmt.Errorf("credit %s: %w", entityID, err)
	}
	return getStock(ctx, tx, entityID)
}

// debitTx removes shipped or consumed stock. reserved is assigned first:
// MySQL evaluates SET left to right and must see the old on_hand.
func (s *SQLStore) debitTx(ctx context.Context, tx *sqlx.Tx, entityID string, qty int64) (domain.StockEntity, error) {
	if err := checkQuantity("debit", qty); err != nil {
		return domain.StockEntity{}, err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE stock_entities
		SET reserved = LEAST(GREATEST(reserved - ?, 0), GREATEST(on_hand - ?, 0)),
			on_hand = GREATEST(on_hand - ?, 0),
			version = version + 1, updated_at = ?
		WHERE id = ?`),
		qty, qty, qty, s.now(), entityID,
	)
	if err != nil {
		return domain.StockEntity{}, fmt.Errorf("debit %s: %w", entityID, err)
	}
	return getStock(ctx, tx, entityID)
}

// checkQuantity rejects non-positive ledger quantities before they reach a row.
func checkQuantity(op string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %s quantity must be positive", domain.ErrInvalidRequest, op)
	}
	return nil
}
