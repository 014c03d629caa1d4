// Package events defines the structured records emitted on every successful
// mutating call. Together they are sufficient for an off-chain indexer to
// reconstruct full bid history without reading engine state.
package events

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind enumerates the emitted event types.
type Kind string

const (
	KindCollateralBasisPointsSet  Kind = "collateral_basis_points_set"
	KindProtocolFeeBasisPointsSet Kind = "protocol_fee_basis_points_set"
	KindCollateralRateSourceSet   Kind = "collateral_rate_source_set"
	KindNativeRateSourceSet       Kind = "native_currency_rate_source_set"
	KindDeposited                 Kind = "deposited"
	KindWithdrawalInitiated       Kind = "withdrawal_initiated"
	KindWithdrawalCancelled       Kind = "withdrawal_cancelled"
	KindWithdrawalCompleted       Kind = "withdrawal_completed"
	KindBidPlaced                 Kind = "bid_placed"
	KindBidExpirationExpedited    Kind = "bid_expiration_expedited"
	KindBidAwarded                Kind = "bid_awarded"
	KindFulfillmentReported       Kind = "fulfillment_reported"
	KindFulfillmentConfirmed      Kind = "fulfillment_confirmed"
	KindFulfillmentContradicted   Kind = "fulfillment_contradicted"
	KindAccumulatedWithdrawn      Kind = "accumulated_withdrawn"
)

// Event is a flat record of one state change. Optional fields are omitted
// from the JSON payload when empty; amounts are decimal strings so indexers
// never lose precision to floating point.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`

	Sender common.Address `json:"sender"`
	Bidder string         `json:"bidder,omitempty"`

	BidID       string `json:"bid_id,omitempty"`
	Topic       string `json:"topic,omitempty"`
	DetailsHash string `json:"details_hash,omitempty"`
	ChainID     uint64 `json:"chain_id,omitempty"`

	Amount      string `json:"amount,omitempty"`
	Collateral  string `json:"collateral,omitempty"`
	ProtocolFee string `json:"protocol_fee,omitempty"`
	Locked      string `json:"locked,omitempty"`
	Released    string `json:"released,omitempty"`
	NewBalance  string `json:"new_balance,omitempty"`
	Remaining   string `json:"remaining,omitempty"`

	Recipient   string    `json:"recipient,omitempty"`
	Expiration  time.Time `json:"expiration,omitzero"`
	BasisPoints uint64    `json:"basis_points,omitempty"`
	Accumulator string    `json:"accumulator,omitempty"`
	Source      string    `json:"source,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// New starts an event with identity and timestamp filled in.
func New(kind Kind, at time.Time, sender common.Address) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		OccurredAt: at,
		Sender:     sender,
	}
}

// Amount renders a big integer for event payloads; nil becomes the empty string.
func Amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
