package storage

import (
	"encoding/json"
	"time"
)

// EventRecord is a persisted journal entry. Payload holds the full event JSON
// so indexers can replay history without schema churn.
type EventRecord struct {
	ID         string
	Kind       string
	OccurredAt time.Time
	Sender     string
	Bidder     string
	BidID      string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// BidRecord is the persisted snapshot of one bid. Amounts are decimal strings.
type BidRecord struct {
	BidID       string
	Bidder      string
	Topic       string
	DetailsHash string
	ChainID     int64
	Amount      string
	Status      string
	Expiration  time.Time
	Collateral  string
	ProtocolFee string
	UpdatedAt   time.Time
}

// BalanceRecord is the persisted snapshot of one bidder's ledger entry.
type BalanceRecord struct {
	Bidder             string
	Balance            string
	EarliestWithdrawal *time.Time
	UpdatedAt          time.Time
}

// AccumulatorRecord is the single-row snapshot of the two global pools.
type AccumulatorRecord struct {
	SlashedCollateral string
	ProtocolFees      string
	UpdatedAt         time.Time
}
