package settlement

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/auth"
	"github.com/ksred/klear-queue/internal/types"
	"github.com/ksred/klear-queue/pkg/response"
)

// Service exposes the ledger to users and operators
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// GetPortfolio returns the user's balance and positions
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*types.PortfolioResponse, error) {
	account, err := s.db.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	positions, err := s.db.GetPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &types.PortfolioResponse{
		UserID:    userID,
		Balance:   account.Balance,
		Positions: positions,
	}, nil
}

// ListTransactions returns the user's most recent ledger entries
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]types.Transaction, error) {
	return s.db.ListTransactions(ctx, userID, limit)
}

// Deposit funds a user's account
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*types.Account, error) {
	account, err := s.db.Deposit(ctx, userID, amount)
	if err != nil {
		log.Error().
			Err(err).
			Str("service", "settlement").
			Str("user_id", userID).
			Str("amount", amount.String()).
			Msg("deposit failed")
		return nil, err
	}

	log.Info().
		Str("service", "settlement").
		Str("user_id", userID).
		Str("amount", amount.String()).
		Str("balance", account.Balance.String()).
		Msg("account funded")
	return account, nil
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		portfolio, err := h.service.GetPortfolio(c.Request.Context(), userID)
		response.Handle(c, portfolio, err)
	}
}

func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		limit, _ := strconv.Atoi(c.Query("limit"))
		transactions, err := h.service.ListTransactions(c.Request.Context(), userID, limit)
		response.Handle(c, transactions, err)
	}
}

// DepositHandler credits an account. Operator only.
// URL parameter: user_id
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Amount decimal.Decimal `json:"amount" binding:"required"`
		}

		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.Deposit(c.Request.Context(), c.Param("user_id"), request.Amount)
		if errors.Is(err, ErrInvalidAmount) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, account, err)
	}
}
