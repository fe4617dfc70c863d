package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/printshop/internal/core/domain"
)

type PlaceOrderRequest struct {
	RequestID string
	PlacedBy  string
	Items     []domain.OrderLineItem
}

type PlaceOrderResult struct {
	Order        domain.Order
	Reservations domain.ReservationSet
}

// PlaceOrder creates an order and reserves stock for all of its lines. A
// rejected order is still persisted and returned along with the error.
func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	lines, err := domain.NormalizeLineItems(req.Items)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	var idempotencyKey string
	if req.RequestID != "" && c.idempotency != nil {
		idempotencyKey = fmt.Sprintf("order:%s:%s", req.PlacedBy, req.RequestID)
		ok, err := c.idempotency.SetIdempotency(ctx, idempotencyKey, c.idempotencyTTL)
		if err != nil {
			return PlaceOrderResult{}, storageFault("idempotency check", err)
		}
		if !ok {
			return PlaceOrderResult{}, ErrDuplicateRequest
		}
	}

	now := c.now()
	order := domain.Order{
		ID:        c.newID(),
		PlacedBy:  req.PlacedBy,
		Items:     lines,
		Status:    domain.OrderStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.orders.CreateOrder(ctx, order); err != nil {
		c.clearIdempotency(ctx, idempotencyKey)
		return PlaceOrderResult{}, storageFault("create order", err)
	}

	set, err := c.ReserveForOrder(ctx, order.ID, lines)
	if err != nil {
		order.Status = domain.OrderStatusRejected
		order.RejectReason = err.Error()
		order.UpdatedAt = c.now()
		if !domain.IsBusinessError(err) {
			c.clearIdempotency(ctx, idempotencyKey)
		}
		if rerr := c.orders.RejectOrder(context.WithoutCancel(ctx), order.ID, order.RejectReason, order.UpdatedAt); rerr != nil {
			c.logger.Warn().Err(rerr).Str("order_id", order.ID).Msg("failed to record order rejection")
		}
		return PlaceOrderResult{Order: order}, err
	}

	order.Status = domain.OrderStatusReserved
	return PlaceOrderResult{Order: order, Reservations: set}, nil
}

// ReserveForOrder reserves every line or none. Lines are reserved in
// ascending product ID order; on the first failure every reservation
// already taken is released before returning, even if ctx was cancelled.
func (c *Coordinator) ReserveForOrder(ctx context.Context, orderID string, items []domain.OrderLineItem) (domain.ReservationSet, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.reserve_for_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.Int("line_items", len(items)))

	lines, err := domain.NormalizeLineItems(items)
	if err != nil {
		return domain.ReservationSet{}, err
	}

	type crossing struct {
		entity domain.StockEntity
		delta  int64
	}
	var lowStock []crossing

	now := c.now()
	set := domain.ReservationSet{OrderID: orderID}
	for _, line := range lines {
		entity, err := c.ledger.Reserve(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return domain.ReservationSet{}, c.abortReservation(ctx, span, set, storageFault("reserve "+line.ProductID, err))
		}
		set.Reservations = append(set.Reservations, domain.Reservation{
			ID:        c.newID(),
			OrderID:   orderID,
			EntityID:  line.ProductID,
			Quantity:  line.Quantity,
			Status:    domain.ReservationStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		c.cache.Invalidate(line.ProductID)
		lowStock = append(lowStock, crossing{entity: entity, delta: line.Quantity})
	}

	if err := c.orders.SaveReservations(ctx, orderID, set.Reservations, now); err != nil {
		return domain.ReservationSet{}, c.abortReservation(ctx, span, set, storageFault("save reservations", err))
	}

	// alerts wait for the whole order so a rolled back line never reports
	for _, lc := range lowStock {
		c.alertIfLow(ctx, lc.entity, lc.delta)
	}

	c.recordOutcome(ctx, nil)
	c.logger.Info().Str("order_id", orderID).Int("line_items", len(lines)).Msg("order reserved")
	return set, nil
}

func (c *Coordinator) abortReservation(ctx context.Context, span trace.Span, set domain.ReservationSet, cause error) error {
	err := cause
	if cerr := c.compensate(ctx, set); cerr != nil {
		err = &domain.StorageError{Op: "compensate reservations", Err: errors.Join(cause, cerr)}
	}

	c.recordOutcome(ctx, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	event := c.logger.Info()
	if !domain.IsBusinessError(err) {
		event = c.logger.Error()
	}
	event.Err(err).Str("order_id", set.OrderID).Int("rolled_back", len(set.Reservations)).Msg("order reservation aborted")
	return err
}

// compensate releases reservations in reverse order under a context that
// ignores the caller's cancellation.
func (c *Coordinator) compensate(ctx context.Context, set domain.ReservationSet) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(set.Reservations) - 1; i >= 0; i-- {
		r := set.Reservations[i]
		if err := c.release(ctx, r.EntityID, r.Quantity); err != nil {
			c.logger.Error().Err(err).
				Str("order_id", set.OrderID).
				Str("entity_id", r.EntityID).
				Int64("quantity", r.Quantity).
				Msg("CRITICAL: compensating release failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseForOrder cancels the order and gives back its reservations.
// Calling it again finds nothing left to release. A rejected order holds
// nothing, so releasing it is a no-op.
func (c *Coordinator) ReleaseForOrder(ctx context.Context, orderID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.release_for_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	claimed, err := c.orders.CloseOrder(ctx, orderID, domain.OrderStatusCancelled, c.now())
	if errors.Is(err, domain.ErrInvalidTransition) {
		order, gerr := c.orders.GetOrder(ctx, orderID)
		if gerr == nil && order.Status == domain.OrderStatusRejected {
			return nil
		}
	}
	if err != nil {
		return storageFault("close order", err)
	}

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, r := range claimed {
		if err := c.release(ctx, r.EntityID, r.Quantity); err != nil {
			c.logger.Error().Err(err).Str("order_id", orderID).Str("entity_id", r.EntityID).Msg("CRITICAL: release failed")
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return storageFault("release reservations", err)
	}

	c.logger.Info().Str("order_id", orderID).Int("released", len(claimed)).Msg("order cancelled")
	return nil
}

// FulfillOrder ships a reserved order, consuming its reserved stock.
func (c *Coordinator) FulfillOrder(ctx context.Context, orderID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.fulfill_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	claimed, err := c.orders.CloseOrder(ctx, orderID, domain.OrderStatusFulfilled, c.now())
	if err != nil {
		return storageFault("close order", err)
	}

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, r := range claimed {
		if _, err := c.ledger.Debit(ctx, r.EntityID, r.Quantity); err != nil {
			c.logger.Error().Err(err).Str("order_id", orderID).Str("entity_id", r.EntityID).Msg("CRITICAL: debit failed")
			errs = append(errs, err)
		}
		c.cache.Invalidate(r.EntityID)
	}
	if err := errors.Join(errs...); err != nil {
		return storageFault("debit reservations", err)
	}

	c.logger.Info().Str("order_id", orderID).Int("shipped", len(claimed)).Msg("order fulfilled")
	return nil
}

func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (domain.Order, []domain.Reservation, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, storageFault("get order", err)
	}
	reservations, err := c.orders.ListReservations(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, storageFault("list reservations", err)
	}
	return order, reservations, nil
}

func (c *Coordinator) clearIdempotency(ctx context.Context, key string) {
	if key == "" || c.idempotency == nil {
		return
	}
	if err := c.idempotency.ClearIdempotency(context.WithoutCancel(ctx), key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to clear idempotency key")
	}
}
