package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/printshop/internal/core/domain"
)

const DefaultAvailabilityTTL = 30 * time.Second

type Projector interface {
	Project(ctx context.Context, productID string, qty int64) (domain.Projection, error)
}

type cacheEntry struct {
	projection domain.Projection
	expiresAt  time.Time
}

// AvailabilityCache memoizes projections per product in process memory.
// Entries are advisory: reservations are always re-checked by the ledger.
type AvailabilityCache struct {
	projector Projector
	ttl       time.Duration
	now       func() time.Time

	mu          sync.Mutex
	entries     map[string]cacheEntry
	generations map[string]uint64
}

func NewAvailabilityCache(projector Projector, ttl time.Duration, now func() time.Time) *AvailabilityCache {
	if ttl <= 0 {
		ttl = DefaultAvailabilityTTL
	}
	if now == nil {
		now = time.Now
	}
	return &AvailabilityCache{
		projector:   projector,
		ttl:         ttl,
		now:         now,
		entries:     make(map[string]cacheEntry),
		generations: make(map[string]uint64),
	}
}

// GetOrCompute answers from an unexpired entry whose projection covers qty,
// and projects again otherwise.
func (c *AvailabilityCache) GetOrCompute(ctx context.Context, productID string, qty int64) (domain.AvailabilityAnswer, error) {
	if err := validateQuery(productID, qty); err != nil {
		return domain.AvailabilityAnswer{}, err
	}

	c.mu.Lock()
	entry, ok := c.entries[productID]
	gen := c.generations[productID]
	c.mu.Unlock()

	if ok && c.now().Before(entry.expiresAt) && entry.projection.Covers(qty) {
		return entry.projection.Answer(qty), nil
	}

	p, err := c.projector.Project(ctx, productID, qty)
	if err != nil {
		return domain.AvailabilityAnswer{}, err
	}

	c.mu.Lock()
	// an invalidation that landed while projecting wins
	if c.generations[productID] == gen {
		c.entries[productID] = cacheEntry{projection: p, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()

	return p.Answer(qty), nil
}

func (c *AvailabilityCache) Invalidate(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, productID)
	c.generations[productID]++
}
