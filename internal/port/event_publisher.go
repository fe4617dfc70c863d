package port

import (
	"context"

	"github.com/rl1809/printshop/internal/core/domain"
)

type EventPublisher interface {
	PublishLowStock(ctx context.Context, event domain.LowStockEvent) error
}
