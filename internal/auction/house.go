package auction

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	// ErrChainIDZero rejects bids that do not name a target chain.
	ErrChainIDZero = errors.New("auction: chain id must not be zero")
	// ErrBidAmountZero rejects bids with no economic content.
	ErrBidAmountZero = errors.New("auction: bid amount must be positive")
	// ErrBidDetailsEmpty rejects empty bidder payloads.
	ErrBidDetailsEmpty = errors.New("auction: bid details must not be empty")
	// ErrBidDetailsTooLong rejects oversized bidder payloads.
	ErrBidDetailsTooLong = errors.New("auction: bid details exceed maximum length")
	// ErrLifetimeTooShort rejects expirations closer than the minimum lifetime.
	ErrLifetimeTooShort = errors.New("auction: bid lifetime is shorter than minimum")
	// ErrLifetimeTooLong rejects expirations beyond the maximum lifetime.
	ErrLifetimeTooLong = errors.New("auction: bid lifetime is longer than maximum")
	// ErrMaxCollateralExceeded means the quoted collateral is above the caller's cap.
	ErrMaxCollateralExceeded = errors.New("auction: quoted collateral exceeds maximum")
	// ErrMaxProtocolFeeExceeded means the quoted fee is above the caller's cap.
	ErrMaxProtocolFeeExceeded = errors.New("auction: quoted protocol fee exceeds maximum")
	// ErrBidAlreadyPlaced means the (bidder, topic, detailsHash) triple was used before.
	ErrBidAlreadyPlaced = errors.New("auction: bid already placed")
	// ErrBidNotPlaced means the bid is not in the placed state.
	ErrBidNotPlaced = errors.New("auction: bid is not placed")
	// ErrBidExpired means the bid's current deadline has passed.
	ErrBidExpired = errors.New("auction: bid expired")
	// ErrDoesNotExpedite means the new expiration does not precede the current one.
	ErrDoesNotExpedite = errors.New("auction: new expiration does not expedite")
	// ErrAwardDeadlinePassed protects against stale award submissions.
	ErrAwardDeadlinePassed = errors.New("auction: award deadline passed")
	// ErrAwardDetailsEmpty rejects empty award payloads.
	ErrAwardDetailsEmpty = errors.New("auction: award details must not be empty")
	// ErrAwardDetailsTooLong rejects oversized award payloads.
	ErrAwardDetailsTooLong = errors.New("auction: award details exceed maximum length")
	// ErrFulfillmentDetailsEmpty rejects empty fulfillment payloads.
	ErrFulfillmentDetailsEmpty = errors.New("auction: fulfillment details must not be empty")
	// ErrFulfillmentDetailsTooLong rejects oversized fulfillment payloads.
	ErrFulfillmentDetailsTooLong = errors.New("auction: fulfillment details exceed maximum length")
	// ErrNotAwaitingReport means the bid is not awarded, so no report is expected.
	ErrNotAwaitingReport = errors.New("auction: bid is not awaiting fulfillment report")
	// ErrNotAwaitingConfirmation means no fulfillment report is pending resolution.
	ErrNotAwaitingConfirmation = errors.New("auction: bid is not awaiting confirmation")
)

// Quoter prices a bid's commitment in the collateral asset.
type Quoter interface {
	Quote(ctx context.Context, chainID uint64, amount *big.Int) (collateral, protocolFee *big.Int, err error)
}

// Escrow moves funds between a bidder's spendable balance and the locked pool.
// Lock must be atomic with respect to concurrent operations on the same bidder.
type Escrow interface {
	Lock(bidder common.Address, amount *big.Int) error
	Release(bidder common.Address, amount *big.Int)
	AccrueSlashedCollateral(amount *big.Int)
	AccrueProtocolFees(amount *big.Int)
}

// Options tune the state machine.
type Options struct {
	Params Params
	Now    func() time.Time
}

// House is the bid state machine. Bids are created implicitly on first
// successful placement and are never deleted, which is what makes each
// (bidder, topic, detailsHash) triple single-use for life.
type House struct {
	params Params
	now    func() time.Time
	quoter Quoter
	escrow Escrow
	logger zerolog.Logger

	mu   sync.RWMutex
	bids map[common.Hash]*bidEntry
}

// bidEntry serializes transitions per bid; operations on different bids do not
// contend beyond the map read lock.
type bidEntry struct {
	mu  sync.Mutex
	bid Bid
}

// NewHouse constructs the state machine.
func NewHouse(quoter Quoter, escrow Escrow, opts Options, logger zerolog.Logger) *House {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &House{
		params: opts.Params.Normalize(),
		now:    now,
		quoter: quoter,
		escrow: escrow,
		logger: logger.With().Str("component", "auction_house").Logger(),
		bids:   make(map[common.Hash]*bidEntry),
	}
}

// Params exposes the active lifetime and payload bounds.
func (h *House) Params() Params {
	return h.params
}

// PlaceRequest carries the caller-supplied terms of a new bid.
type PlaceRequest struct {
	Topic          common.Hash
	ChainID        uint64
	Amount         *big.Int
	Details        []byte
	MaxCollateral  *big.Int
	MaxProtocolFee *big.Int
	// Expiration defaults to now + MaximumBidLifetime when zero.
	Expiration time.Time
}

// Place validates and stores a new bid. The stored collateral and protocol fee
// are the quoted amounts, not the caller's ceilings; the ceilings only guard
// against the quote moving past what the caller was willing to commit.
func (h *House) Place(ctx context.Context, bidder common.Address, req PlaceRequest) (Bid, error) {
	if req.ChainID == 0 {
		return Bid{}, ErrChainIDZero
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Bid{}, ErrBidAmountZero
	}
	if len(req.Details) == 0 {
		return Bid{}, ErrBidDetailsEmpty
	}
	if len(req.Details) > h.params.MaximumBidderDataLength {
		return Bid{}, ErrBidDetailsTooLong
	}

	now := h.now()
	expiration := req.Expiration
	if expiration.IsZero() {
		expiration = now.Add(h.params.MaximumBidLifetime)
	}
	lifetime := expiration.Sub(now)
	if lifetime < h.params.MinimumBidLifetime {
		return Bid{}, ErrLifetimeTooShort
	}
	if lifetime > h.params.MaximumBidLifetime {
		return Bid{}, ErrLifetimeTooLong
	}

	detailsHash := DetailsHash(req.Details)
	id := BidID(bidder, req.Topic, detailsHash)

	collateral, protocolFee, err := h.quoter.Quote(ctx, req.ChainID, req.Amount)
	if err != nil {
		return Bid{}, fmt.Errorf("quote bid requirements: %w", err)
	}
	if req.MaxCollateral != nil && collateral.Cmp(req.MaxCollateral) > 0 {
		return Bid{}, ErrMaxCollateralExceeded
	}
	if req.MaxProtocolFee != nil && protocolFee.Cmp(req.MaxProtocolFee) > 0 {
		return Bid{}, ErrMaxProtocolFeeExceeded
	}

	bid := Bid{
		ID:          id,
		Bidder:      bidder,
		Topic:       req.Topic,
		DetailsHash: detailsHash,
		ChainID:     req.ChainID,
		Amount:      new(big.Int).Set(req.Amount),
		Status:      StatusPlaced,
		Expiration:  expiration,
		Collateral:  collateral,
		ProtocolFee: protocolFee,
	}

	h.mu.Lock()
	if _, exists := h.bids[id]; exists {
		h.mu.Unlock()
		return Bid{}, ErrBidAlreadyPlaced
	}
	h.bids[id] = &bidEntry{bid: bid}
	h.mu.Unlock()

	h.logger.Info().
		Str("bid_id", id.Hex()).
		Str("bidder", bidder.Hex()).
		Uint64("chain_id", req.ChainID).
		Str("amount", bid.Amount.String()).
		Str("collateral", collateral.String()).
		Str("protocol_fee", protocolFee.String()).
		Time("expiration", expiration).
		Msg("bid placed")
	return bid.clone(), nil
}

// ExpediteExpiration moves a placed bid's deadline earlier, never later.
func (h *House) ExpediteExpiration(bidder common.Address, topic, detailsHash common.Hash, newExpiration time.Time) (Bid, error) {
	entry := h.lookup(BidID(bidder, topic, detailsHash))
	if entry == nil {
		return Bid{}, ErrBidNotPlaced
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bid.Status != StatusPlaced {
		return Bid{}, ErrBidNotPlaced
	}
	now := h.now()
	if !now.Before(entry.bid.Expiration) {
		return Bid{}, ErrBidExpired
	}
	if !newExpiration.Before(entry.bid.Expiration) {
		return Bid{}, ErrDoesNotExpedite
	}
	if newExpiration.Sub(now) < h.params.MinimumBidLifetime {
		return Bid{}, ErrLifetimeTooShort
	}

	entry.bid.Expiration = newExpiration
	return entry.bid.clone(), nil
}

// Award locks the bidder's funds and hands the opportunity to the bidder. The
// deadline guards against an award landing after the auctioneer intended it to
// lapse; it must be strictly in the future at call time.
func (h *House) Award(ctx context.Context, bidder common.Address, topic, detailsHash common.Hash, awardDetails []byte, deadline time.Time) (Bid, *big.Int, error) {
	if len(awardDetails) == 0 {
		return Bid{}, nil, ErrAwardDetailsEmpty
	}
	if len(awardDetails) > h.params.MaximumAuctioneerDataLength {
		return Bid{}, nil, ErrAwardDetailsTooLong
	}
	now := h.now()
	if !now.Before(deadline) {
		return Bid{}, nil, ErrAwardDeadlinePassed
	}

	entry := h.lookup(BidID(bidder, topic, detailsHash))
	if entry == nil {
		return Bid{}, nil, ErrBidNotPlaced
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bid.Status != StatusPlaced {
		return Bid{}, nil, ErrBidNotPlaced
	}
	if !now.Before(entry.bid.Expiration) {
		return Bid{}, nil, ErrBidExpired
	}

	locked := entry.bid.LockedAmount()
	if err := h.escrow.Lock(bidder, locked); err != nil {
		return Bid{}, nil, err
	}

	entry.bid.Status = StatusAwarded
	entry.bid.Expiration = now.Add(h.params.FulfillmentReportingPeriod)

	h.logger.Info().
		Str("bid_id", entry.bid.ID.Hex()).
		Str("bidder", bidder.Hex()).
		Str("locked", locked.String()).
		Time("report_deadline", entry.bid.Expiration).
		Msg("bid awarded")
	return entry.bid.clone(), locked, nil
}

// ReportFulfillment records the bidder's claim that the awarded update was
// executed. The caller address participates in the bid identity, so only the
// original bidder can reach its own bid here.
func (h *House) ReportFulfillment(bidder common.Address, topic, detailsHash common.Hash, details []byte) (Bid, error) {
	if len(details) == 0 {
		return Bid{}, ErrFulfillmentDetailsEmpty
	}
	if len(details) > h.params.MaximumBidderDataLength {
		return Bid{}, ErrFulfillmentDetailsTooLong
	}

	entry := h.lookup(BidID(bidder, topic, detailsHash))
	if entry == nil {
		return Bid{}, ErrNotAwaitingReport
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bid.Status != StatusAwarded {
		return Bid{}, ErrNotAwaitingReport
	}
	if !h.now().Before(entry.bid.Expiration) {
		return Bid{}, ErrBidExpired
	}

	entry.bid.Status = StatusFulfillmentReported
	return entry.bid.clone(), nil
}

// ConfirmFulfillment resolves a reported bid in the bidder's favor: the locked
// amount minus the protocol fee returns to the bidder, the fee is captured.
func (h *House) ConfirmFulfillment(bidder common.Address, topic, detailsHash common.Hash) (Bid, *big.Int, error) {
	return h.resolve(bidder, topic, detailsHash, true)
}

// ContradictFulfillment resolves a reported bid against the bidder: the locked
// amount minus the collateral returns to the bidder, the collateral is slashed.
func (h *House) ContradictFulfillment(bidder common.Address, topic, detailsHash common.Hash) (Bid, *big.Int, error) {
	return h.resolve(bidder, topic, detailsHash, false)
}

func (h *House) resolve(bidder common.Address, topic, detailsHash common.Hash, confirmed bool) (Bid, *big.Int, error) {
	entry := h.lookup(BidID(bidder, topic, detailsHash))
	if entry == nil {
		return Bid{}, nil, ErrNotAwaitingConfirmation
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bid.Status != StatusFulfillmentReported {
		return Bid{}, nil, ErrNotAwaitingConfirmation
	}

	locked := entry.bid.LockedAmount()
	var taken *big.Int
	if confirmed {
		taken = entry.bid.ProtocolFee
	} else {
		taken = entry.bid.Collateral
	}
	released := new(big.Int).Sub(locked, taken)
	if released.Sign() > 0 {
		h.escrow.Release(bidder, released)
	}
	if confirmed {
		entry.bid.Status = StatusFulfillmentConfirmed
		h.escrow.AccrueProtocolFees(taken)
	} else {
		entry.bid.Status = StatusFulfillmentContradicted
		h.escrow.AccrueSlashedCollateral(taken)
	}

	h.logger.Info().
		Str("bid_id", entry.bid.ID.Hex()).
		Str("bidder", bidder.Hex()).
		Bool("confirmed", confirmed).
		Str("released", released.String()).
		Str("taken", taken.String()).
		Msg("fulfillment resolved")
	return entry.bid.clone(), released, nil
}

// Get returns a snapshot of a bid, if it exists.
func (h *House) Get(bidder common.Address, topic, detailsHash common.Hash) (Bid, bool) {
	entry := h.lookup(BidID(bidder, topic, detailsHash))
	if entry == nil {
		return Bid{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.bid.clone(), true
}

func (h *House) lookup(id common.Hash) *bidEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bids[id]
}

func (b Bid) clone() Bid {
	c := b
	c.Amount = new(big.Int).Set(b.Amount)
	c.Collateral = new(big.Int).Set(b.Collateral)
	c.ProtocolFee = new(big.Int).Set(b.ProtocolFee)
	return c
}
