package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/rl1809/printshop/internal/core/domain"
	"github.com/rl1809/printshop/internal/core/service"
)

type AvailabilityService interface {
	GetOrCompute(ctx context.Context, productID string, qty int64) (domain.AvailabilityAnswer, error)
}

type StockCoordinator interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (service.PlaceOrderResult, error)
	ReleaseForOrder(ctx context.Context, orderID string) error
	FulfillOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, []domain.Reservation, error)

	EnqueueJob(ctx context.Context, req service.NewJobRequest) (domain.ProductionJob, error)
	GetJob(ctx context.Context, jobID string) (domain.ProductionJob, error)
	OpenJobs(ctx context.Context, productID string) ([]domain.ProductionJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) (domain.ProductionJob, error)

	GetStock(ctx context.Context, entityID string) (domain.StockEntity, error)
	RegisterStock(ctx context.Context, entity domain.StockEntity) (domain.StockEntity, error)
	ReceiveStock(ctx context.Context, entityID string, kind domain.StockKind, qty int64) (domain.StockEntity, error)
}

type HTTPHandler struct {
	availability AvailabilityService
	coordinator  StockCoordinator
}

func NewHTTPHandler(availability AvailabilityService, coordinator StockCoordinator) *HTTPHandler {
	return &HTTPHandler{availability: availability, coordinator: coordinator}
}

// Register mounts the API under /api behind auth. /health stays open.
func (h *HTTPHandler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api", auth)
	api.POST("/availability", h.CheckAvailability)

	api.POST("/orders", h.PlaceOrder)
	api.GET("/orders/:id", h.GetOrder)
	api.POST("/orders/:id/cancel", h.CancelOrder)
	api.POST("/orders/:id/fulfill", h.FulfillOrder)

	api.POST("/jobs", h.EnqueueJob)
	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.PATCH("/jobs/:id", h.UpdateJob)

	api.GET("/stock/:id", h.GetStock)
	api.PUT("/stock/:id", h.RegisterStock)
	api.POST("/stock/:id/receive", h.ReceiveStock)
}

type AvailabilityHTTPRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required,gt=0"`
}

type AvailabilityHTTPResponse struct {
	ProductID                   string     `json:"product_id"`
	RequestedQuantity           int64      `json:"requested_quantity"`
	AvailableNow                bool       `json:"available_now"`
	AvailableQuantity           int64      `json:"available_quantity"`
	Fulfillable                 bool       `json:"fulfillable"`
	EarliestFulfillmentEstimate *time.Time `json:"earliest_fulfillment_estimate"`
	ComputedAt                  time.Time  `json:"computed_at"`
}

func (h *HTTPHandler) CheckAvailability(c *gin.Context) {
	var req AvailabilityHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, err := h.availability.GetOrCompute(c.Request.Context(), req.ProductID, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAvailabilityResponse(answer))
}

type LineItemHTTP struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required,gt=0"`
}

type PlaceOrderHTTPRequest struct {
	RequestID string         `json:"request_id"`
	Items     []LineItemHTTP `json:"items" binding:"required,min=1,dive"`
}

type ReservationHTTP struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	Quantity int64  `json:"quantity"`
	Status   string `json:"status"`
}

type OrderHTTPResponse struct {
	ID           string            `json:"id"`
	PlacedBy     string            `json:"placed_by"`
	Status       string            `json:"status"`
	RejectReason string            `json:"reject_reason,omitempty"`
	Items        []LineItemHTTP    `json:"items"`
	Reservations []ReservationHTTP `json:"reservations"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (h *HTTPHandler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]domain.OrderLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := h.coordinator.PlaceOrder(c.Request.Context(), service.PlaceOrderRequest{
		RequestID: req.RequestID,
		PlacedBy:  Caller(c),
		Items:     items,
	})
	if err != nil {
		if result.Order.ID != "" {
			c.Header("X-Order-ID", result.Order.ID)
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(result.Order, result.Reservations.Reservations))
}

func (h *HTTPHandler) GetOrder(c *gin.Context) {
	order, reservations, err := h.coordinator.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order, reservations))
}

func (h *HTTPHandler) CancelOrder(c *gin.Context) {
	if err := h.coordinator.ReleaseForOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	h.GetOrder(c)
}

func (h *HTTPHandler) FulfillOrder(c *gin.Context) {
	if err := h.coordinator.FulfillOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	h.GetOrder(c)
}

type EnqueueJobHTTPRequest struct {
	ProductID              string  `json:"product_id" binding:"required"`
	PrinterID              string  `json:"printer_id"`
	Quantity               int64   `json:"quantity" binding:"required,gt=0"`
	MaterialID             string  `json:"material_id"`
	MaterialGrams          int64   `json:"material_grams" binding:"gte=0"`
	EstimatedDurationHours float64 `json:"estimated_duration_hours" binding:"gte=0"`
}

type UpdateJobHTTPRequest struct {
	Status string `json:"status" binding:"required"`
}

type JobHTTPResponse struct {
	ID                     string     `json:"id"`
	ProductID              string     `json:"product_id"`
	PrinterID              string     `json:"printer_id,omitempty"`
	Quantity               int64      `json:"quantity"`
	Status                 string     `json:"status"`
	MaterialID             string     `json:"material_id,omitempty"`
	MaterialGrams          int64      `json:"material_grams,omitempty"`
	EstimatedDurationHours float64    `json:"estimated_duration_hours"`
	CreatedAt              time.Time  `json:"created_at"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
}

func (h *HTTPHandler) EnqueueJob(c *gin.Context) {
	var req EnqueueJobHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.coordinator.EnqueueJob(c.Request.Context(), service.NewJobRequest{
		ProductID:         req.ProductID,
		PrinterID:         req.PrinterID,
		Quantity:          req.Quantity,
		MaterialID:        req.MaterialID,
		MaterialGrams:     req.MaterialGrams,
		EstimatedDuration: time.Duration(req.EstimatedDurationHours * float64(time.Hour)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *HTTPHandler) ListJobs(c *gin.Context) {
	productID := c.Query("product_id")
	if productID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
		return
	}
	jobs, err := h.coordinator.OpenJobs(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]JobHTTPResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "jobs": out})
}

func (h *HTTPHandler) GetJob(c *gin.Context) {
	job, err := h.coordinator.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *HTTPHandler) UpdateJob(c *gin.Context) {
	var req UpdateJobHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.coordinator.UpdateJobStatus(c.Request.Context(), c.Param("id"), domain.JobStatus(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

type RegisterStockHTTPRequest struct {
	Kind             string `json:"kind"`
	MinimumThreshold int64  `json:"minimum_threshold" binding:"gte=0"`
}

type ReceiveStockHTTPRequest struct {
	Kind     string `json:"kind"`
	Quantity int64  `json:"quantity" binding:"required,gt=0"`
}

type StockHTTPResponse struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	OnHand           int64     `json:"on_hand"`
	Reserved         int64     `json:"reserved"`
	Available        int64     `json:"available"`
	MinimumThreshold int64     `json:"minimum_threshold"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (h *HTTPHandler) GetStock(c *gin.Context) {
	entity, err := h.coordinator.GetStock(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(entity))
}

func (h *HTTPHandler) RegisterStock(c *gin.Context) {
	var req RegisterStockHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entity, err := h.coordinator.RegisterStock(c.Request.Context(), domain.StockEntity{
		ID:               c.Param("id"),
		Kind:             domain.StockKind(req.Kind),
		MinimumThreshold: req.MinimumThreshold,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(entity))
}

func (h *HTTPHandler) ReceiveStock(c *gin.Context) {
	var req ReceiveStockHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entity, err := h.coordinator.ReceiveStock(c.Request.Context(), c.Param("id"), domain.StockKind(req.Kind), req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(entity))
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps core errors to HTTP statuses. Storage faults are
// logged and hidden from the caller.
func writeError(c *gin.Context, err error) {
	var insufficient *domain.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     err.Error(),
			"entity_id": insufficient.EntityID,
			"available": insufficient.Available,
			"requested": insufficient.Requested,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.Is(err, service.ErrDuplicateRequest):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate request"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toAvailabilityResponse(a domain.AvailabilityAnswer) AvailabilityHTTPResponse {
	return AvailabilityHTTPResponse{
		ProductID:                   a.ProductID,
		RequestedQuantity:           a.RequestedQuantity,
		AvailableNow:                a.AvailableNow,
		AvailableQuantity:           a.AvailableQuantity,
		Fulfillable:                 a.Fulfillable,
		EarliestFulfillmentEstimate: a.EarliestFulfillment,
		ComputedAt:                  a.ComputedAt,
	}
}

func toOrderResponse(order domain.Order, reservations []domain.Reservation) OrderHTTPResponse {
	resp := OrderHTTPResponse{
		ID:           order.ID,
		PlacedBy:     order.PlacedBy,
		Status:       string(order.Status),
		RejectReason: order.RejectReason,
		Items:        make([]LineItemHTTP, 0, len(order.Items)),
		Reservations: make([]ReservationHTTP, 0, len(reservations)),
		CreatedAt:    order.CreatedAt,
		UpdatedAt:    order.UpdatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, LineItemHTTP{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	for _, r := range reservations {
		resp.Reservations = append(resp.Reservations, ReservationHTTP{
			ID:       r.ID,
			EntityID: r.EntityID,
			Quantity: r.Quantity,
			Status:   string(r.Status),
		})
	}
	return resp
}

func toJobResponse(job domain.ProductionJob) JobHTTPResponse {
	return JobHTTPResponse{
		ID:                     job.ID,
		ProductID:              job.ProductID,
		PrinterID:              job.PrinterID,
		Quantity:               job.Quantity,
		Status:                 string(job.Status),
		MaterialID:             job.MaterialID,
		MaterialGrams:          job.MaterialGrams,
		EstimatedDurationHours: job.EstimatedDuration.Hours(),
		CreatedAt:              job.CreatedAt,
		StartedAt:              job.StartedAt,
		CompletedAt:            job.CompletedAt,
	}
}

func toStockResponse(e domain.StockEntity) StockHTTPResponse {
	return StockHTTPResponse{
		ID:               e.ID,
		Kind:             string(e.Kind),
		OnHand:           e.OnHand,
		Reserved:         e.Reserved,
		Available:        e.Available(),
		MinimumThreshold: e.MinimumThreshold,
		Version:          e.Version,
		UpdatedAt:        e.UpdatedAt,
	}
}
