// Package service fronts the engine: every entry point passes through one
// authorization check, one engine call, one event emission, and best-effort
// snapshot persistence.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"oev-auction-house/internal/alerting"
	"oev-auction-house/internal/auction"
	"oev-auction-house/internal/events"
	"oev-auction-house/internal/ledger"
	"oev-auction-house/internal/rates"
	"oev-auction-house/internal/roles"
	"oev-auction-house/internal/storage"
)

// Options carry the optional collaborators.
type Options struct {
	Journal  storage.Journal
	Locker   storage.AdvisoryLocker
	LockKey  int64
	Sink     events.Sink
	Notifier alerting.Notifier
	Now      func() time.Time
}

// Service orchestrates authorization, the engine, journaling, and alerting.
type Service struct {
	policy    *roles.Policy
	house     *auction.House
	ledger    *ledger.Ledger
	converter *rates.Converter
	journal   storage.Journal
	locker    storage.AdvisoryLocker
	lockKey   int64
	sink      events.Sink
	notifier  alerting.Notifier
	now       func() time.Time
	logger    zerolog.Logger
}

// New constructs the service.
func New(policy *roles.Policy, house *auction.House, bank *ledger.Ledger, converter *rates.Converter, opts Options, logger zerolog.Logger) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		policy:    policy,
		house:     house,
		ledger:    bank,
		converter: converter,
		journal:   opts.Journal,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
		sink:      opts.Sink,
		notifier:  opts.Notifier,
		now:       now,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// SetCollateralBasisPoints overwrites the collateral requirement rate.
func (s *Service) SetCollateralBasisPoints(ctx context.Context, sender common.Address, bps uint64) error {
	if err := s.policy.RequireProxySetter(ctx, sender); err != nil {
		return err
	}
	s.converter.SetCollateralBasisPoints(bps)

	ev := events.New(events.KindCollateralBasisPointsSet, s.now(), sender)
	ev.BasisPoints = bps
	s.emit(ctx, ev)
	return nil
}

// SetProtocolFeeBasisPoints overwrites the protocol fee rate.
func (s *Service) SetProtocolFeeBasisPoints(ctx context.Context, sender common.Address, bps uint64) error {
	if err := s.policy.RequireProxySetter(ctx, sender); err != nil {
		return err
	}
	s.converter.SetProtocolFeeBasisPoints(bps)

	ev := events.New(events.KindProtocolFeeBasisPointsSet, s.now(), sender)
	ev.BasisPoints = bps
	s.emit(ctx, ev)
	return nil
}

// SetCollateralRateSource overwrites the collateral asset oracle.
func (s *Service) SetCollateralRateSource(ctx context.Context, sender common.Address, src rates.Source, label string) error {
	if err := s.policy.RequireProxySetter(ctx, sender); err != nil {
		return err
	}
	s.converter.SetCollateralSource(src)

	ev := events.New(events.KindCollateralRateSourceSet, s.now(), sender)
	ev.Source = label
	s.emit(ctx, ev)
	return nil
}

// SetNativeCurrencyRateSource overwrites a chain's native currency oracle.
func (s *Service) SetNativeCurrencyRateSource(ctx context.Context, sender common.Address, chainID uint64, src rates.Source, label string) error {
	if err := s.policy.RequireProxySetter(ctx, sender); err != nil {
		return err
	}
	s.converter.SetNativeCurrencySource(chainID, src)

	ev := events.New(events.KindNativeRateSourceSet, s.now(), sender)
	ev.ChainID = chainID
	ev.Source = label
	s.emit(ctx, ev)
	return nil
}

// Deposit credits a bidder's balance. A zero bidder address credits the
// sender; otherwise this is a deposit on the bidder's behalf with the sender
// as payer.
func (s *Service) Deposit(ctx context.Context, sender, bidder common.Address, amount *big.Int) (*big.Int, error) {
	if bidder == (common.Address{}) {
		bidder = sender
	}
	newBalance, err := s.ledger.Deposit(bidder, amount)
	if err != nil {
		return nil, err
	}

	ev := events.New(events.KindDeposited, s.now(), sender)
	ev.Bidder = bidder.Hex()
	ev.Amount = events.Amount(amount)
	ev.NewBalance = events.Amount(newBalance)
	s.emit(ctx, ev)
	s.persistBalance(ctx, bidder)
	return newBalance, nil
}

// InitiateWithdrawal opens the sender's withdrawal window.
func (s *Service) InitiateWithdrawal(ctx context.Context, sender common.Address) (time.Time, error) {
	earliest, err := s.ledger.InitiateWithdrawal(sender)
	if err != nil {
		return time.Time{}, err
	}

	ev := events.New(events.KindWithdrawalInitiated, s.now(), sender)
	ev.Bidder = sender.Hex()
	ev.Expiration = earliest
	s.emit(ctx, ev)
	s.persistBalance(ctx, sender)
	return earliest, nil
}

// CancelWithdrawal closes the sender's pending withdrawal window.
func (s *Service) CancelWithdrawal(ctx context.Context, sender common.Address) error {
	if err := s.ledger.CancelWithdrawal(sender); err != nil {
		return err
	}

	ev := events.New(events.KindWithdrawalCancelled, s.now(), sender)
	ev.Bidder = sender.Hex()
	s.emit(ctx, ev)
	s.persistBalance(ctx, sender)
	return nil
}

// Withdraw pays out part of the sender's balance after the waiting period.
func (s *Service) Withdraw(ctx context.Context, sender, recipient common.Address, amount *big.Int) (*big.Int, error) {
	newBalance, err := s.ledger.Withdraw(ctx, sender, recipient, amount)
	if err != nil {
		return nil, err
	}

	ev := events.New(events.KindWithdrawalCompleted, s.now(), sender)
	ev.Bidder = sender.Hex()
	ev.Recipient = recipient.Hex()
	ev.Amount = events.Amount(amount)
	ev.NewBalance = events.Amount(newBalance)
	s.emit(ctx, ev)
	s.persistBalance(ctx, sender)
	return newBalance, nil
}

// PlaceBid places a new bid for the sender.
func (s *Service) PlaceBid(ctx context.Context, sender common.Address, req auction.PlaceRequest) (auction.Bid, error) {
	bid, err := s.house.Place(ctx, sender, req)
	if err != nil {
		return auction.Bid{}, err
	}

	ev := events.New(events.KindBidPlaced, s.now(), sender)
	fillBidEvent(&ev, bid)
	ev.Amount = events.Amount(bid.Amount)
	ev.ChainID = bid.ChainID
	s.emit(ctx, ev)
	s.persistBid(ctx, bid)
	return bid, nil
}

// ExpediteBidExpiration moves the sender's bid deadline earlier.
func (s *Service) ExpediteBidExpiration(ctx context.Context, sender common.Address, topic, detailsHash common.Hash, newExpiration time.Time) (auction.Bid, error) {
	bid, err := s.house.ExpediteExpiration(sender, topic, detailsHash, newExpiration)
	if err != nil {
		return auction.Bid{}, err
	}

	ev := events.New(events.KindBidExpirationExpedited, s.now(), sender)
	fillBidEvent(&ev, bid)
	s.emit(ctx, ev)
	s.persistBid(ctx, bid)
	return bid, nil
}

// AwardBid locks the bidder's funds and awards the bid. Auctioneer only.
func (s *Service) AwardBid(ctx context.Context, sender, bidder common.Address, topic, detailsHash common.Hash, awardDetails []byte, deadline time.Time) (auction.Bid, error) {
	if err := s.policy.RequireAuctioneer(ctx, sender); err != nil {
		return auction.Bid{}, err
	}
	bid, locked, err := s.house.Award(ctx, bidder, topic, detailsHash, awardDetails, deadline)
	if err != nil {
		return auction.Bid{}, err
	}

	ev := events.New(events.KindBidAwarded, s.now(), sender)
	fillBidEvent(&ev, bid)
	ev.Locked = events.Amount(locked)
	ev.Details = common.Bytes2Hex(awardDetails)
	s.emit(ctx, ev)
	s.persistBid(ctx, bid)
	s.persistBalance(ctx, bidder)
	return bid, nil
}

// ReportFulfillment records the sender's fulfillment claim.
func (s *Service) ReportFulfillment(ctx context.Context, sender common.Address, topic, detailsHash common.Hash, details []byte) (auction.Bid, error) {
	bid, err := s.house.ReportFulfillment(sender, topic, detailsHash, details)
	if err != nil {
		return auction.Bid{}, err
	}

	ev := events.New(events.KindFulfillmentReported, s.now(), sender)
	fillBidEvent(&ev, bid)
	ev.Details = common.Bytes2Hex(details)
	s.emit(ctx, ev)
	s.persistBid(ctx, bid)
	return bid, nil
}

// ConfirmFulfillment resolves a reported bid in the bidder's favor. Auctioneer only.
func (s *Service) ConfirmFulfillment(ctx context.Context, sender, bidder common.Address, topic, detailsHash common.Hash) (auction.Bid, error) {
	if err := s.policy.RequireAuctioneer(ctx, sender); err != nil {
		return auction.Bid{}, err
	}
	bid, released, err := s.house.ConfirmFulfillment(bidder, topic, detailsHash)
	if err != nil {
		return auction.Bid{}, err
	}

	ev := events.New(events.KindFulfillmentConfirmed, s.now(), sender)
	fillBidEvent(&ev, bid)
	ev.Released = events.Amount(released)
	ev.ProtocolFee = events.Amount(bid.ProtocolFee)
	s.emit(ctx, ev)
	s.persistBid(ctx, bid)
	s.persistBalance(ctx, bidder)
	s.persistAccumulators(ctx)
	return bid, nil
}

// ContradictFulfillment resolves a reported bid against the bidder. Auctioneer only.
func (s *Service) ContradictFulfillment(ctx context.Context, sender, bidder common.Address, topic, detailsHash common.Hash) (auction.Bid, error) {
	if err := s.policy.RequireAuctioneer(ctx, sender); err != nil {
		return auction.Bid{}, err
	}
	bid, released, err := s.house.ContradictFulfillment(bidder, topic, detailsHash)
	if err != nil {
		return auction.Bid{}, err
	}

	ev := events.New(events.KindFulfillmentContradicted, s.now(), sender)
	fillBidEvent(&ev, bid)
	ev.Released = events.Amount(released)
	ev.Collateral = events.Amount(bid.Collateral)
	s.emit(ctx, ev)
	s.persistBid(ctx, bid)
	s.persistBalance(ctx, bidder)
	s.persistAccumulators(ctx)

	if s.notifier != nil {
		alert := alerting.Alert{
			Kind:    alerting.KindCollateralSlashed,
			At:      s.now(),
			Message: "fulfillment contradicted; collateral slashed",
			Bidder:  bidder.Hex(),
			BidID:   bid.ID.Hex(),
			Amount:  bid.Collateral,
		}
		if err := s.notifier.Notify(ctx, alert); err != nil {
			s.logger.Error().Err(err).Msg("failed to dispatch slash alert")
		}
	}
	return bid, nil
}

// Quote prices a prospective bid. Read-only and safe to call speculatively.
func (s *Service) Quote(ctx context.Context, chainID uint64, amount *big.Int) (collateral, protocolFee *big.Int, err error) {
	return s.converter.Quote(ctx, chainID, amount)
}

// WithdrawAccumulatedSlashedCollateral pays out slashed collateral. Withdrawer only.
func (s *Service) WithdrawAccumulatedSlashedCollateral(ctx context.Context, sender, recipient common.Address, amount *big.Int) (*big.Int, error) {
	return s.withdrawAccumulated(ctx, sender, ledger.SlashedCollateral, recipient, amount)
}

// WithdrawAccumulatedProtocolFees pays out captured protocol fees. Withdrawer only.
func (s *Service) WithdrawAccumulatedProtocolFees(ctx context.Context, sender, recipient common.Address, amount *big.Int) (*big.Int, error) {
	return s.withdrawAccumulated(ctx, sender, ledger.ProtocolFees, recipient, amount)
}

func (s *Service) withdrawAccumulated(ctx context.Context, sender common.Address, kind ledger.Accumulator, recipient common.Address, amount *big.Int) (*big.Int, error) {
	if err := s.policy.RequireWithdrawer(ctx, sender); err != nil {
		return nil, err
	}
	remaining, err := s.ledger.WithdrawAccumulated(ctx, kind, recipient, amount)
	if err != nil {
		return nil, err
	}

	ev := events.New(events.KindAccumulatedWithdrawn, s.now(), sender)
	ev.Accumulator = string(kind)
	ev.Recipient = recipient.Hex()
	ev.Amount = events.Amount(amount)
	ev.Remaining = events.Amount(remaining)
	s.emit(ctx, ev)
	s.persistAccumulators(ctx)
	return remaining, nil
}

// GetBid returns a bid snapshot.
func (s *Service) GetBid(bidder common.Address, topic, detailsHash common.Hash) (auction.Bid, bool) {
	return s.house.Get(bidder, topic, detailsHash)
}

// GetBalance returns a bidder's ledger snapshot.
func (s *Service) GetBalance(bidder common.Address) ledger.Account {
	return s.ledger.Balance(bidder)
}

// Accumulated returns the global pool totals.
func (s *Service) Accumulated() (slashedCollateral, protocolFees *big.Int) {
	return s.ledger.Accumulated()
}

// RateConfig returns the current rate configuration snapshot.
func (s *Service) RateConfig() rates.Config {
	return s.converter.ConfigSnapshot()
}

// ProbeRates is the background monitor tick: it checks every configured rate
// source, alerts on unhealthy ones, and snapshots the accumulators.
func (s *Service) ProbeRates(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip probe because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	for _, result := range s.converter.Probe(ctx) {
		if result.Err == nil {
			continue
		}
		s.logger.Warn().Err(result.Err).Str("source", result.Label).Msg("rate source unhealthy")
		if s.notifier != nil {
			alert := alerting.Alert{
				Kind:     alerting.KindRateSourceUnhealthy,
				At:       s.now(),
				Source:   result.Label,
				ProbeErr: result.Err.Error(),
			}
			if err := s.notifier.Notify(ctx, alert); err != nil {
				s.logger.Error().Err(err).Msg("failed to dispatch rate alert")
			}
		}
	}

	s.persistAccumulators(ctx)
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if s.sink != nil {
		if err := s.sink.Emit(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to emit event")
		}
	}
	if s.journal == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event")
		return
	}
	record := storage.EventRecord{
		ID:         ev.ID.String(),
		Kind:       string(ev.Kind),
		OccurredAt: ev.OccurredAt,
		Sender:     ev.Sender.Hex(),
		Bidder:     ev.Bidder,
		BidID:      ev.BidID,
		Payload:    payload,
	}
	if err := s.journal.InsertEvent(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to journal event")
	}
}

func (s *Service) persistBid(ctx context.Context, bid auction.Bid) {
	if s.journal == nil {
		return
	}
	record := storage.BidRecord{
		BidID:       bid.ID.Hex(),
		Bidder:      bid.Bidder.Hex(),
		Topic:       bid.Topic.Hex(),
		DetailsHash: bid.DetailsHash.Hex(),
		ChainID:     int64(bid.ChainID),
		Amount:      bid.Amount.String(),
		Status:      bid.Status.String(),
		Expiration:  bid.Expiration,
		Collateral:  bid.Collateral.String(),
		ProtocolFee: bid.ProtocolFee.String(),
		UpdatedAt:   s.now().UTC(),
	}
	if err := s.journal.UpsertBid(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("bid_id", record.BidID).Msg("failed to persist bid snapshot")
	}
}

func (s *Service) persistBalance(ctx context.Context, bidder common.Address) {
	if s.journal == nil {
		return
	}
	acct := s.ledger.Balance(bidder)
	record := storage.BalanceRecord{
		Bidder:    bidder.Hex(),
		Balance:   acct.Balance.String(),
		UpdatedAt: s.now().UTC(),
	}
	if !acct.EarliestWithdrawal.IsZero() {
		earliest := acct.EarliestWithdrawal
		record.EarliestWithdrawal = &earliest
	}
	if err := s.journal.UpsertBalance(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("bidder", record.Bidder).Msg("failed to persist balance snapshot")
	}
}

func (s *Service) persistAccumulators(ctx context.Context) {
	if s.journal == nil {
		return
	}
	slashed, fees := s.ledger.Accumulated()
	record := storage.AccumulatorRecord{
		SlashedCollateral: slashed.String(),
		ProtocolFees:      fees.String(),
		UpdatedAt:         s.now().UTC(),
	}
	if err := s.journal.UpsertAccumulators(ctx, record); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist accumulator snapshot")
	}
}

func fillBidEvent(ev *events.Event, bid auction.Bid) {
	ev.Bidder = bid.Bidder.Hex()
	ev.BidID = bid.ID.Hex()
	ev.Topic = bid.Topic.Hex()
	ev.DetailsHash = bid.DetailsHash.Hex()
	ev.Collateral = events.Amount(bid.Collateral)
	ev.ProtocolFee = events.Amount(bid.ProtocolFee)
	ev.Expiration = bid.Expiration
}
