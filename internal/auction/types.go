package auction

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status tracks a bid through its lifecycle. Transitions only move forward;
// a bid never returns to an earlier status.
type Status uint8

const (
	StatusNone Status = iota
	StatusPlaced
	StatusAwarded
	StatusFulfillmentReported
	StatusFulfillmentConfirmed
	StatusFulfillmentContradicted
)

// String renders the status for logs and API responses.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPlaced:
		return "placed"
	case StatusAwarded:
		return "awarded"
	case StatusFulfillmentReported:
		return "fulfillment_reported"
	case StatusFulfillmentConfirmed:
		return "fulfillment_confirmed"
	case StatusFulfillmentContradicted:
		return "fulfillment_contradicted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFulfillmentConfirmed || s == StatusFulfillmentContradicted
}

// Bid is a snapshot of a bid's stored state. Amounts are in the collateral
// asset except Amount, which is denominated in the target chain's native
// currency.
type Bid struct {
	ID          common.Hash
	Bidder      common.Address
	Topic       common.Hash
	DetailsHash common.Hash
	ChainID     uint64
	Amount      *big.Int
	Status      Status
	Expiration  time.Time
	Collateral  *big.Int
	ProtocolFee *big.Int
}

// LockedAmount is the amount escrowed at award time. Only the larger of the
// two amounts needs covering, since exactly one of them is ultimately taken.
func (b Bid) LockedAmount() *big.Int {
	if b.Collateral.Cmp(b.ProtocolFee) >= 0 {
		return new(big.Int).Set(b.Collateral)
	}
	return new(big.Int).Set(b.ProtocolFee)
}

// BidID derives the identity of a bid from its immutable components. The
// details blob itself stays off the identity; only its hash participates.
func BidID(bidder common.Address, topic common.Hash, detailsHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(bidder.Bytes(), topic.Bytes(), detailsHash.Bytes())
}

// DetailsHash hashes an opaque details blob.
func DetailsHash(details []byte) common.Hash {
	return crypto.Keccak256Hash(details)
}

// Topic computes the conventional topic for a chain/target pair. Callers are
// free to use any other opaque 32-byte scope value.
func Topic(chainID uint64, target common.Address) common.Hash {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(chainID).FillBytes(make([]byte, 32)), target.Bytes())
}

// Params bound bid lifetimes and payload sizes. Zero fields fall back to the
// reference deployment values via Normalize.
type Params struct {
	MinimumBidLifetime          time.Duration
	MaximumBidLifetime          time.Duration
	FulfillmentReportingPeriod  time.Duration
	MaximumBidderDataLength     int
	MaximumAuctioneerDataLength int
}

// DefaultParams returns the reference deployment parameters.
func DefaultParams() Params {
	return Params{
		MinimumBidLifetime:          15 * time.Second,
		MaximumBidLifetime:          24 * time.Hour,
		FulfillmentReportingPeriod:  24 * time.Hour,
		MaximumBidderDataLength:     1024,
		MaximumAuctioneerDataLength: 8192,
	}
}

// Normalize fills zero fields with defaults.
func (p Params) Normalize() Params {
	def := DefaultParams()
	if p.MinimumBidLifetime <= 0 {
		p.MinimumBidLifetime = def.MinimumBidLifetime
	}
	if p.MaximumBidLifetime <= 0 {
		p.MaximumBidLifetime = def.MaximumBidLifetime
	}
	if p.FulfillmentReportingPeriod <= 0 {
		p.FulfillmentReportingPeriod = def.FulfillmentReportingPeriod
	}
	if p.MaximumBidderDataLength <= 0 {
		p.MaximumBidderDataLength = def.MaximumBidderDataLength
	}
	if p.MaximumAuctioneerDataLength <= 0 {
		p.MaximumAuctioneerDataLength = def.MaximumAuctioneerDataLength
	}
	return p
}
