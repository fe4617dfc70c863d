package port

import (
	"context"

	"github.com/rl1809/printshop/internal/core/domain"
)

// Ledger mutations are each applied atomically by the store and return the
// entity as it stands after the call.
type Ledger interface {
	// GetStock returns domain.ErrNotFound for unknown entities
	GetStock(ctx context.Context, entityID string) (domain.StockEntity, error)

	// Reserve increments reserved only if qty <= on_hand - reserved,
	// otherwise returns *domain.InsufficientStockError and changes nothing
	Reserve(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error)

	// Release decrements reserved by min(qty, reserved)
	Release(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error)

	// Credit increments on_hand, creating the entity when missing
	Credit(ctx context.Context, entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error)

	// Debit decrements on_hand and reserved by qty, clamped at zero
	Debit(ctx context.Context, entityID string, qty int64) (domain.StockEntity, error)

	// Register creates the entity or updates its kind and threshold
	Register(ctx context.Context, entity domain.StockEntity) (domain.StockEntity, error)
}
