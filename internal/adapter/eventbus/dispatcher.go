package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rl1809/printshop/internal/core/domain"
	"github.com/rl1809/printshop/internal/port"
)

const deliveryTimeout = 10 * time.Second

var ErrDispatcherClosed = errors.New("event dispatcher closed")

// Dispatcher hands low stock events to a pool of workers so the caller never
// waits on the broker. Events that do not fit in the queue are dropped.
type Dispatcher struct {
	next  port.EventPublisher
	queue chan domain.LowStockEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(next port.EventPublisher, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		next:  next,
		queue: make(chan domain.LowStockEvent, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	return d
}

func (d *Dispatcher) PublishLowStock(_ context.Context, event domain.LowStockEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- event:
		return nil
	default:
		log.Warn().Str("entity_id", event.EntityID).Msg("Event queue full, dropping low stock event")
		return nil
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := d.next.PublishLowStock(ctx, event); err != nil {
			log.Error().Err(err).Int("worker", id).Str("entity_id", event.EntityID).Msg("Failed to deliver low stock event")
		}
		cancel()
	}
}
