package httpapi

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"oev-auction-house/internal/auction"
)

type bidView struct {
	ID          string `json:"id"`
	Bidder      string `json:"bidder"`
	Topic       string `json:"topic"`
	DetailsHash string `json:"details_hash"`
	ChainID     uint64 `json:"chain_id"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Expiration  int64  `json:"expiration"`
	Collateral  string `json:"collateral"`
	ProtocolFee string `json:"protocol_fee"`
}

func viewBid(bid auction.Bid) bidView {
	return bidView{
		ID:          bid.ID.Hex(),
		Bidder:      bid.Bidder.Hex(),
		Topic:       bid.Topic.Hex(),
		DetailsHash: bid.DetailsHash.Hex(),
		ChainID:     bid.ChainID,
		Amount:      bid.Amount.String(),
		Status:      bid.Status.String(),
		Expiration:  bid.Expiration.Unix(),
		Collateral:  bid.Collateral.String(),
		ProtocolFee: bid.ProtocolFee.String(),
	}
}

func (s *Server) handleQuote(c *gin.Context) {
	chainID, err := strconv.ParseUint(c.Query("chain_id"), 10, 64)
	if err != nil || chainID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chain_id must be a nonzero integer"})
		return
	}
	amount, err := parseAmount(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	collateral, protocolFee, err := s.svc.Quote(c.Request.Context(), chainID, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"collateral":   collateral.String(),
		"protocol_fee": protocolFee.String(),
	})
}

func (s *Server) handleRateConfig(c *gin.Context) {
	cfg := s.svc.RateConfig()
	c.JSON(http.StatusOK, gin.H{
		"collateral_basis_points":   cfg.CollateralBasisPoints,
		"protocol_fee_basis_points": cfg.ProtocolFeeBasisPoints,
		"collateral_source_set":     cfg.CollateralSourceSet,
		"configured_chains":         cfg.ConfiguredChains,
	})
}

func (s *Server) handleSetCollateralBasisPoints(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		BasisPoints uint64 `json:"basis_points"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SetCollateralBasisPoints(c.Request.Context(), sender, req.BasisPoints); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"basis_points": req.BasisPoints})
}

func (s *Server) handleSetProtocolFeeBasisPoints(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		BasisPoints uint64 `json:"basis_points"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SetProtocolFeeBasisPoints(c.Request.Context(), sender, req.BasisPoints); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"basis_points": req.BasisPoints})
}

func (s *Server) handleSetCollateralSource(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Proxy string `json:"proxy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proxy, err := parseAddress(req.Proxy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.sources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate source factory not configured"})
		return
	}
	if err := s.svc.SetCollateralRateSource(c.Request.Context(), sender, s.sources(proxy), proxy.Hex()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxy": proxy.Hex()})
}

func (s *Server) handleSetNativeSource(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	chainID, err := strconv.ParseUint(c.Param("chainID"), 10, 64)
	if err != nil || chainID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chain id must be a nonzero integer"})
		return
	}
	var req struct {
		Proxy string `json:"proxy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proxy, err := parseAddress(req.Proxy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.sources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate source factory not configured"})
		return
	}
	if err := s.svc.SetNativeCurrencyRateSource(c.Request.Context(), sender, chainID, s.sources(proxy), proxy.Hex()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain_id": chainID, "proxy": proxy.Hex()})
}

func (s *Server) handleDeposit(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Bidder string `json:"bidder"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bidder := common.Address{}
	if req.Bidder != "" {
		if bidder, err = parseAddress(req.Bidder); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	newBalance, err := s.svc.Deposit(c.Request.Context(), sender, bidder, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": newBalance.String()})
}

func (s *Server) handleInitiateWithdrawal(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	earliest, err := s.svc.InitiateWithdrawal(c.Request.Context(), sender)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"earliest_withdrawal": earliest.Unix()})
}

func (s *Server) handleCancelWithdrawal(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	if err := s.svc.CancelWithdrawal(c.Request.Context(), sender); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newBalance, err := s.svc.Withdraw(c.Request.Context(), sender, recipient, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": newBalance.String()})
}

func (s *Server) handleBalance(c *gin.Context) {
	bidder, err := parseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct := s.svc.GetBalance(bidder)
	resp := gin.H{"balance": acct.Balance.String()}
	if !acct.EarliestWithdrawal.IsZero() {
		resp["earliest_withdrawal"] = acct.EarliestWithdrawal.Unix()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePlaceBid(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Topic          string `json:"topic"`
		ChainID        uint64 `json:"chain_id"`
		Amount         string `json:"amount"`
		Details        string `json:"details"`
		MaxCollateral  string `json:"max_collateral"`
		MaxProtocolFee string `json:"max_protocol_fee"`
		Expiration     int64  `json:"expiration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic, err := parseHash(req.Topic)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var maxCollateral, maxProtocolFee *big.Int
	if req.MaxCollateral != "" {
		if maxCollateral, err = parseAmount(req.MaxCollateral); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxProtocolFee != "" {
		if maxProtocolFee, err = parseAmount(req.MaxProtocolFee); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	place := auction.PlaceRequest{
		Topic:          topic,
		ChainID:        req.ChainID,
		Amount:         amount,
		Details:        common.FromHex(req.Details),
		MaxCollateral:  maxCollateral,
		MaxProtocolFee: maxProtocolFee,
	}
	if req.Expiration != 0 {
		place.Expiration = time.Unix(req.Expiration, 0)
	}

	bid, err := s.svc.PlaceBid(c.Request.Context(), sender, place)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewBid(bid))
}

func (s *Server) handleGetBid(c *gin.Context) {
	bidder, err := parseAddress(c.Query("bidder"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic, err := parseHash(c.Query("topic"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	detailsHash, err := parseHash(c.Query("details_hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bid, found := s.svc.GetBid(bidder, topic, detailsHash)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "bid not found"})
		return
	}
	c.JSON(http.StatusOK, viewBid(bid))
}

type bidRefRequest struct {
	Bidder      string `json:"bidder"`
	Topic       string `json:"topic"`
	DetailsHash string `json:"details_hash"`
}

func (s *Server) parseBidRef(c *gin.Context, req bidRefRequest) (common.Address, common.Hash, common.Hash, bool) {
	bidder, err := parseAddress(req.Bidder)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return common.Address{}, common.Hash{}, common.Hash{}, false
	}
	topic, err := parseHash(req.Topic)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return common.Address{}, common.Hash{}, common.Hash{}, false
	}
	detailsHash, err := parseHash(req.DetailsHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return common.Address{}, common.Hash{}, common.Hash{}, false
	}
	return bidder, topic, detailsHash, true
}

func (s *Server) handleExpedite(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Topic       string `json:"topic"`
		DetailsHash string `json:"details_hash"`
		Expiration  int64  `json:"expiration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic, err := parseHash(req.Topic)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	detailsHash, err := parseHash(req.DetailsHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bid, err := s.svc.ExpediteBidExpiration(c.Request.Context(), sender, topic, detailsHash, time.Unix(req.Expiration, 0))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewBid(bid))
}

func (s *Server) handleAward(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		bidRefRequest
		AwardDetails string `json:"award_details"`
		Deadline     int64  `json:"deadline"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bidder, topic, detailsHash, ok := s.parseBidRef(c, req.bidRefRequest)
	if !ok {
		return
	}

	bid, err := s.svc.AwardBid(c.Request.Context(), sender, bidder, topic, detailsHash, common.FromHex(req.AwardDetails), time.Unix(req.Deadline, 0))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewBid(bid))
}

func (s *Server) handleReport(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Topic       string `json:"topic"`
		DetailsHash string `json:"details_hash"`
		Details     string `json:"details"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic, err := parseHash(req.Topic)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	detailsHash, err := parseHash(req.DetailsHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bid, err := s.svc.ReportFulfillment(c.Request.Context(), sender, topic, detailsHash, common.FromHex(req.Details))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewBid(bid))
}

func (s *Server) handleConfirm(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req bidRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bidder, topic, detailsHash, ok := s.parseBidRef(c, req)
	if !ok {
		return
	}

	bid, err := s.svc.ConfirmFulfillment(c.Request.Context(), sender, bidder, topic, detailsHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewBid(bid))
}

func (s *Server) handleContradict(c *gin.Context) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req bidRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bidder, topic, detailsHash, ok := s.parseBidRef(c, req)
	if !ok {
		return
	}

	bid, err := s.svc.ContradictFulfillment(c.Request.Context(), sender, bidder, topic, detailsHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewBid(bid))
}

func (s *Server) handleAccumulators(c *gin.Context) {
	slashed, fees := s.svc.Accumulated()
	c.JSON(http.StatusOK, gin.H{
		"slashed_collateral": slashed.String(),
		"protocol_fees":      fees.String(),
	})
}

func (s *Server) handleWithdrawSlashedCollateral(c *gin.Context) {
	s.handleAccumulatedWithdrawal(c, s.svc.WithdrawAccumulatedSlashedCollateral)
}

func (s *Server) handleWithdrawProtocolFees(c *gin.Context) {
	s.handleAccumulatedWithdrawal(c, s.svc.WithdrawAccumulatedProtocolFees)
}

func (s *Server) handleAccumulatedWithdrawal(c *gin.Context, withdraw func(ctx context.Context, sender, recipient common.Address, amount *big.Int) (*big.Int, error)) {
	sender, ok := s.sender(c)
	if !ok {
		return
	}
	var req struct {
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	remaining, err := withdraw(c.Request.Context(), sender, recipient, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": remaining.String()})
}
