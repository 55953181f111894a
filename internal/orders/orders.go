package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/auth"
	"github.com/ksred/klear-queue/internal/calendar"
	"github.com/ksred/klear-queue/internal/types"
	"github.com/ksred/klear-queue/pkg/response"
)

var ErrInvalidOrder = errors.New("invalid order")

// Service accepts queued orders from users and answers order queries
type Service struct {
	db       *Database
	calendar *calendar.Calendar
	now      func() time.Time
}

// NewService creates a new order intake service with the given database connection
func NewService(gormDB *gorm.DB, cal *calendar.Calendar) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		calendar: cal,
		now:      time.Now,
	}
}

// Store exposes the order queue to the scheduler
func (s *Service) Store() *Database {
	return s.db
}

// PlaceOrder queues an order for userID with idempotency support.
// A repeated idempotency key returns the order created by the first request.
// Orders placed while the market is open are due immediately; otherwise they
// are scheduled for the next open unless the request names a later time.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest, idempotencyKey string) (*types.QueuedOrder, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("service", "orders").
		Logger()

	key := userID + ":" + idempotencyKey
	now := s.now()
	record, err := s.db.GetIdempotencyRecord(ctx, key, now)
	if err != nil {
		return nil, err
	}

	if record != nil {
		existing, err := s.db.GetOrder(ctx, record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrOrderNotFound
		}
		logger.Debug().Str("order_id", existing.OrderID).Msg("returning order for repeated idempotency key")
		return existing, nil
	}

	if err := validate(req); err != nil {
		return nil, err
	}

	order := &types.QueuedOrder{
		OrderID:     uuid.New().String(),
		UserID:      userID,
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Quantity:    req.Quantity,
		Price:       req.Price,
		ActionType:  req.ActionType,
		Status:      types.OrderPending,
		ScheduledAt: s.scheduleFor(now, req.ScheduledAt),
	}

	if err := s.db.EnqueueWithIdempotency(ctx, order, key); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue order")
		return nil, fmt.Errorf("failed to enqueue order: %w", err)
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("action", string(order.ActionType)).
		Int64("quantity", order.Quantity).
		Str("price", order.Price.String()).
		Time("scheduled_at", order.ScheduledAt).
		Msg("order queued")

	return order, nil
}

func (s *Service) scheduleFor(now time.Time, requested *time.Time) time.Time {
	at := now
	if !s.calendar.IsOpen(now) {
		at = s.calendar.NextOpen(now)
	}
	if requested != nil && requested.After(at) {
		at = *requested
	}
	return at
}

func validate(req PlaceOrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if req.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	}
	if !req.ActionType.Valid() {
		return fmt.Errorf("%w: action_type must be buy or sell", ErrInvalidOrder)
	}
	return nil
}

// GetUserOrder retrieves an order owned by userID
func (s *Service) GetUserOrder(ctx context.Context, orderID, userID string) (*types.QueuedOrder, error) {
	return s.db.GetUserOrder(ctx, orderID, userID)
}

// ListUserOrders retrieves a user's orders, optionally filtered by status
func (s *Service) ListUserOrders(ctx context.Context, userID string, status types.OrderStatus) ([]types.QueuedOrder, error) {
	return s.db.ListUserOrders(ctx, userID, status)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PlaceOrderHandler handles POST requests to queue new orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.PlaceOrder(c.Request.Context(), userID, req, idempotencyKey)
		if errors.Is(err, ErrInvalidOrder) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests to retrieve a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		order, err := h.service.GetUserOrder(c.Request.Context(), c.Param("order_id"), userID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for the current user's orders
// Optional query parameter: status
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		list, err := h.service.ListUserOrders(c.Request.Context(), userID, types.OrderStatus(c.Query("status")))
		response.Handle(c, list, err)
	}
}
