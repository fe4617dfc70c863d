package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/printshop/internal/core/domain"
	"github.com/rl1809/printshop/internal/core/service"
)

const (
	StockServiceName = "printshop.stock.v1.StockService"
	jsonCodecName    = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries messages as JSON under the application/grpc+json
// content type.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

type CheckAvailabilityRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type CheckAvailabilityResponse struct {
	AvailableNow                bool   `json:"available_now"`
	AvailableQuantity           int64  `json:"available_quantity"`
	Fulfillable                 bool   `json:"fulfillable"`
	EarliestFulfillmentEstimate string `json:"earliest_fulfillment_estimate,omitempty"`
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type PlaceOrderRequest struct {
	RequestID string     `json:"request_id"`
	Items     []LineItem `json:"items"`
}

type PlaceOrderResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	OrderID   string `json:"order_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Shortfall int64  `json:"shortfall,omitempty"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

type CancelOrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StockServiceServer interface {
	CheckAvailability(ctx context.Context, req *CheckAvailabilityRequest) (*CheckAvailabilityResponse, error)
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error)
}

type GRPCHandler struct {
	availability AvailabilityService
	coordinator  StockCoordinator
}

func NewGRPCHandler(availability AvailabilityService, coordinator StockCoordinator) *GRPCHandler {
	return &GRPCHandler{availability: availability, coordinator: coordinator}
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&stockServiceDesc, srv)
}

func (h *GRPCHandler) CheckAvailability(ctx context.Context, req *CheckAvailabilityRequest) (*CheckAvailabilityResponse, error) {
	answer, err := h.availability.GetOrCompute(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := &CheckAvailabilityResponse{
		AvailableNow:      answer.AvailableNow,
		AvailableQuantity: answer.AvailableQuantity,
		Fulfillable:       answer.Fulfillable,
	}
	if answer.EarliestFulfillment != nil {
		resp.EarliestFulfillmentEstimate = answer.EarliestFulfillment.UTC().Format(time.RFC3339)
	}
	return resp, nil
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	items := make([]domain.OrderLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := h.coordinator.PlaceOrder(ctx, service.PlaceOrderRequest{
		RequestID: req.RequestID,
		PlacedBy:  callerFromContext(ctx),
		Items:     items,
	})
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			return &PlaceOrderResponse{
				Success:   false,
				Message:   err.Error(),
				OrderID:   result.Order.ID,
				Status:    string(result.Order.Status),
				Shortfall: insufficient.Shortfall(),
			}, nil
		}
		if errors.Is(err, service.ErrDuplicateRequest) {
			return &PlaceOrderResponse{Success: false, Message: "duplicate request"}, nil
		}
		return nil, grpcError(err)
	}

	return &PlaceOrderResponse{
		Success: true,
		Message: "order reserved",
		OrderID: result.Order.ID,
		Status:  string(result.Order.Status),
	}, nil
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	if err := h.coordinator.ReleaseForOrder(ctx, req.OrderID); err != nil {
		return nil, grpcError(err)
	}
	return &CancelOrderResponse{Success: true, Message: "order cancelled"}, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Error(codes.Unavailable, "internal error")
	}
}

type grpcCallerKey struct{}

// AuthUnaryInterceptor applies the same bearer tokens as the HTTP API,
// read from the authorization metadata.
func AuthUnaryInterceptor(tokens map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		caller := anonymousCaller
		if len(tokens) > 0 {
			md, _ := metadata.FromIncomingContext(ctx)
			var token string
			if values := md.Get("authorization"); len(values) > 0 {
				token, _ = strings.CutPrefix(values[0], "Bearer ")
			}
			known, ok := tokens[strings.TrimSpace(token)]
			if !ok {
				return nil, status.Error(codes.Unauthenticated, "unauthorized")
			}
			caller = known
		}
		return handler(context.WithValue(ctx, grpcCallerKey{}, caller), req)
	}
}

func callerFromContext(ctx context.Context) string {
	if caller, ok := ctx.Value(grpcCallerKey{}).(string); ok && caller != "" {
		return caller
	}
	return anonymousCaller
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: StockServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckAvailability", Handler: checkAvailabilityHandler},
		{MethodName: "PlaceOrder", Handler: placeOrderHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "printshop/stock/v1",
}

func checkAvailabilityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckAvailabilityRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).CheckAvailability(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + StockServiceName + "/CheckAvailability"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).CheckAvailability(ctx, req.(*CheckAvailabilityRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func placeOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PlaceOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).PlaceOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + StockServiceName + "/PlaceOrder"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).PlaceOrder(ctx, req.(*PlaceOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + StockServiceName + "/CancelOrder"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).CancelOrder(ctx, req.(*CancelOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// StockClient calls StockService with the JSON codec.
type StockClient struct {
	cc grpc.ClientConnInterface
}

func NewStockClient(cc grpc.ClientConnInterface) *StockClient {
	return &StockClient{cc: cc}
}

func (c *StockClient) CheckAvailability(ctx context.Context, req *CheckAvailabilityRequest, opts ...grpc.CallOption) (*CheckAvailabilityResponse, error) {
	out := new(CheckAvailabilityResponse)
	err := c.cc.Invoke(ctx, "/"+StockServiceName+"/CheckAvailability", req, out, append(opts, grpc.CallContentSubtype(jsonCodecName))...)
	return out, err
}

func (c *StockClient) PlaceOrder(ctx context.Context, req *PlaceOrderRequest, opts ...grpc.CallOption) (*PlaceOrderResponse, error) {
	out := new(PlaceOrderResponse)
	err := c.cc.Invoke(ctx, "/"+StockServiceName+"/PlaceOrder", req, out, append(opts, grpc.CallContentSubtype(jsonCodecName))...)
	return out, err
}

func (c *StockClient) CancelOrder(ctx context.Context, req *CancelOrderRequest, opts ...grpc.CallOption) (*CancelOrderResponse, error) {
	out := new(CancelOrderResponse)
	err := c.cc.Invoke(ctx, "/"+StockServiceName+"/CancelOrder", req, out, append(opts, grpc.CallContentSubtype(jsonCodecName))...)
	return out, err
}
