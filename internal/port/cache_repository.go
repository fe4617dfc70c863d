package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ClearIdempotency removes the key so a failed request can be retried
	ClearIdempotency(ctx context.Context, key string) error
}
