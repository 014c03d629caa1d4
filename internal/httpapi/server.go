// Package httpapi exposes the engine's entry points over JSON. Caller
// identity comes from the X-Sender-Address header; authenticating that header
// is the deployment's reverse proxy / gateway concern.
package httpapi

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"oev-auction-house/internal/auction"
	"oev-auction-house/internal/ledger"
	"oev-auction-house/internal/rates"
	"oev-auction-house/internal/roles"
	"oev-auction-house/internal/service"
)

// SenderHeader names the caller-identity header.
const SenderHeader = "X-Sender-Address"

// SourceFactory builds a rate source for a data feed proxy address.
type SourceFactory func(proxy common.Address) rates.Source

// Options carry server collaborators.
type Options struct {
	Sources SourceFactory
}

// Server hosts the JSON API.
type Server struct {
	svc     *service.Service
	sources SourceFactory
	logger  zerolog.Logger
}

// New constructs a server.
func New(svc *service.Service, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		sources: opts.Sources,
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")

	api.GET("/quote", s.handleQuote)

	ratesGroup := api.Group("/rates")
	ratesGroup.GET("/config", s.handleRateConfig)
	ratesGroup.POST("/collateral-basis-points", s.handleSetCollateralBasisPoints)
	ratesGroup.POST("/protocol-fee-basis-points", s.handleSetProtocolFeeBasisPoints)
	ratesGroup.POST("/collateral-source", s.handleSetCollateralSource)
	ratesGroup.POST("/native-sources/:chainID", s.handleSetNativeSource)

	api.POST("/deposits", s.handleDeposit)
	withdrawals := api.Group("/withdrawals")
	withdrawals.POST("/initiate", s.handleInitiateWithdrawal)
	withdrawals.POST("/cancel", s.handleCancelWithdrawal)
	withdrawals.POST("", s.handleWithdraw)
	api.GET("/balances/:address", s.handleBalance)

	bids := api.Group("/bids")
	bids.POST("", s.handlePlaceBid)
	bids.GET("", s.handleGetBid)
	bids.POST("/expedite", s.handleExpedite)
	bids.POST("/award", s.handleAward)
	bids.POST("/report", s.handleReport)
	bids.POST("/confirm", s.handleConfirm)
	bids.POST("/contradict", s.handleContradict)

	accumulators := api.Group("/accumulators")
	accumulators.GET("", s.handleAccumulators)
	accumulators.POST("/slashed-collateral/withdraw", s.handleWithdrawSlashedCollateral)
	accumulators.POST("/protocol-fees/withdraw", s.handleWithdrawProtocolFees)

	return r
}

func (s *Server) sender(c *gin.Context) (common.Address, bool) {
	raw := strings.TrimSpace(c.GetHeader(SenderHeader))
	if raw == "" || !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s header must carry a valid address", SenderHeader)})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is not a non-negative integer", raw)
	}
	return amount, nil
}

func parseHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%q is not a 32-byte hex value", raw)
	}
	return common.BytesToHash(b), nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%q is not a valid address", raw)
	}
	return common.HexToAddress(raw), nil
}

// writeError maps the engine's error taxonomy onto HTTP statuses:
// authorization to 403, state-machine conflicts to 409, economic rejections
// to 422, arithmetic faults to 500, everything else to 400.
func (s *Server) writeError(c *gin.Context, err error) {
	var authErr *roles.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "role": authErr.Role})
	case errors.Is(err, auction.ErrBidAlreadyPlaced),
		errors.Is(err, auction.ErrBidNotPlaced),
		errors.Is(err, auction.ErrBidExpired),
		errors.Is(err, auction.ErrDoesNotExpedite),
		errors.Is(err, auction.ErrAwardDeadlinePassed),
		errors.Is(err, auction.ErrNotAwaitingReport),
		errors.Is(err, auction.ErrNotAwaitingConfirmation),
		errors.Is(err, ledger.ErrWithdrawalAlreadyInitiated),
		errors.Is(err, ledger.ErrWithdrawalNotInitiated),
		errors.Is(err, ledger.ErrWithdrawalTooEarly):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAccumulated),
		errors.Is(err, auction.ErrMaxCollateralExceeded),
		errors.Is(err, auction.ErrMaxProtocolFeeExceeded),
		errors.Is(err, rates.ErrRateNotPositive),
		errors.Is(err, rates.ErrRateStale),
		errors.Is(err, rates.ErrNoSource):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, rates.ErrAmountOverflow):
		s.logger.Error().Err(err).Msg("arithmetic fault")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
