package ledger

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
	// ErrAmountZero rejects zero-amount deposits and withdrawals.
	ErrAmountZero = errors.New("ledger: amount must be positive")
	// ErrRecipientZero rejects the zero address as a funds destination.
	ErrRecipientZero = errors.New("ledger: recipient must not be the zero address")
	// ErrInsufficientBalance means the bidder's spendable balance cannot cover the amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrWithdrawalAlreadyInitiated means a withdrawal window is already pending.
	ErrWithdrawalAlreadyInitiated = errors.New("ledger: withdrawal already initiated")
	// ErrWithdrawalNotInitiated means no withdrawal window is pending.
	ErrWithdrawalNotInitiated = errors.New("ledger: withdrawal not initiated")
	// ErrWithdrawalTooEarly means the waiting period has not elapsed yet.
	ErrWithdrawalTooEarly = errors.New("ledger: withdrawal waiting period not elapsed")
	// ErrInsufficientAccumulated means a privileged withdrawal exceeds the accumulator.
	ErrInsufficientAccumulated = errors.New("ledger: insufficient accumulated amount")
)

// DefaultWithdrawalWaitingPeriod matches the reference deployment.
const DefaultWithdrawalWaitingPeriod = 15 * time.Second

// Transferor settles an outbound transfer of native-asset funds. A rejected
// transfer aborts the whole withdrawal; the ledger keeps the balance intact.
type Transferor interface {
	Transfer(ctx context.Context, recipient common.Address, amount *big.Int) error
}

// Accumulator names one of the two global pools.
type Accumulator string

const (
	SlashedCollateral Accumulator = "slashed_collateral"
	ProtocolFees      Accumulator = "protocol_fees"
)

// Account is a snapshot of a bidder's ledger entry. A zero
// EarliestWithdrawal means no withdrawal is pending.
type Account struct {
	Balance            *big.Int
	EarliestWithdrawal time.Time
}

// Options tune the ledger.
type Options struct {
	WithdrawalWaitingPeriod time.Duration
	Now                     func() time.Time
}

// Ledger tracks per-bidder balances and the two global accumulators. All
// mutations of one bidder's entry are serialized on that entry alone, so
// independent bidders never block on each other.
type Ledger struct {
	waitingPeriod time.Duration
	now           func() time.Time
	transferor    Transferor
	logger        zerolog.Logger

	mu       sync.Mutex
	accounts map[common.Address]*account

	accMu             sync.Mutex
	slashedCollateral *big.Int
	protocolFees      *big.Int
}

type account struct {
	mu                 sync.Mutex
	balance            *big.Int
	earliestWithdrawal time.Time
}

// New constructs a ledger. A nil transferor accepts every transfer, which is
// the right behavior when settlement happens outside the engine.
func New(transferor Transferor, opts Options, logger zerolog.Logger) *Ledger {
	waiting := opts.WithdrawalWaitingPeriod
	if waiting <= 0 {
		waiting = DefaultWithdrawalWaitingPeriod
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		waitingPeriod:     waiting,
		now:               now,
		transferor:        transferor,
		logger:            logger.With().Str("component", "ledger").Logger(),
		accounts:          make(map[common.Address]*account),
		slashedCollateral: new(big.Int),
		protocolFees:      new(big.Int),
	}
}

// Deposit credits the bidder's balance and returns the new balance. The payer
// may differ from the bidder (deposit-on-behalf); the ledger only tracks the
// credited party.
func (l *Ledger) Deposit(bidder common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrAmountZero
	}
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.balance.Add(acct.balance, amount)
	return new(big.Int).Set(acct.balance), nil
}

// InitiateWithdrawal opens a withdrawal window and returns the earliest time a
// withdrawal may execute.
func (l *Ledger) InitiateWithdrawal(bidder common.Address) (time.Time, error) {
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if !acct.earliestWithdrawal.IsZero() {
		return time.Time{}, ErrWithdrawalAlreadyInitiated
	}
	acct.earliestWithdrawal = l.now().Add(l.waitingPeriod)
	return acct.earliestWithdrawal, nil
}

// CancelWithdrawal closes a pending withdrawal window.
func (l *Ledger) CancelWithdrawal(bidder common.Address) error {
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.earliestWithdrawal.IsZero() {
		return ErrWithdrawalNotInitiated
	}
	acct.earliestWithdrawal = time.Time{}
	return nil
}

// Withdraw debits the bidder's balance and transfers to the recipient. Any
// successful withdrawal, even a partial one, consumes the waiting window; a
// further withdrawal needs a fresh InitiateWithdrawal. A failed transfer
// aborts the whole operation with the balance untouched.
func (l *Ledger) Withdraw(ctx context.Context, bidder, recipient common.Address, amount *big.Int) (*big.Int, error) {
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.earliestWithdrawal.IsZero() {
		return nil, ErrWithdrawalNotInitiated
	}
	if l.now().Before(acct.earliestWithdrawal) {
		return nil, ErrWithdrawalTooEarly
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrAmountZero
	}
	if amount.Cmp(acct.balance) > 0 {
		return nil, ErrInsufficientBalance
	}
	if recipient == (common.Address{}) {
		return nil, ErrRecipientZero
	}

	prevBalance := new(big.Int).Set(acct.balance)
	prevEarliest := acct.earliestWithdrawal
	acct.balance.Sub(acct.balance, amount)
	acct.earliestWithdrawal = time.Time{}

	if err := l.transfer(ctx, recipient, amount); err != nil {
		acct.balance.Set(prevBalance)
		acct.earliestWithdrawal = prevEarliest
		return nil, fmt.Errorf("transfer to recipient: %w", err)
	}

	l.logger.Info().
		Str("bidder", bidder.Hex()).
		Str("recipient", recipient.Hex()).
		Str("amount", amount.String()).
		Str("balance", acct.balance.String()).
		Msg("withdrawal completed")
	return new(big.Int).Set(acct.balance), nil
}

// Lock moves funds out of the spendable balance without the delayed path.
func (l *Ledger) Lock(bidder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrAmountZero
	}
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if amount.Cmp(acct.balance) > 0 {
		return ErrInsufficientBalance
	}
	acct.balance.Sub(acct.balance, amount)
	return nil
}

// Release returns previously locked funds to the spendable balance.
func (l *Ledger) Release(bidder common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.balance.Add(acct.balance, amount)
}

// AccrueSlashedCollateral grows the slashed-collateral accumulator.
func (l *Ledger) AccrueSlashedCollateral(amount *big.Int) {
	l.accrue(l.slashedCollateral, amount)
}

// AccrueProtocolFees grows the protocol-fee accumulator.
func (l *Ledger) AccrueProtocolFees(amount *big.Int) {
	l.accrue(l.protocolFees, amount)
}

func (l *Ledger) accrue(pool, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.accMu.Lock()
	defer l.accMu.Unlock()
	pool.Add(pool, amount)
}

// Accumulated returns snapshots of the two global pools.
func (l *Ledger) Accumulated() (slashedCollateral, protocolFees *big.Int) {
	l.accMu.Lock()
	defer l.accMu.Unlock()
	return new(big.Int).Set(l.slashedCollateral), new(big.Int).Set(l.protocolFees)
}

// WithdrawAccumulated pays out from one of the global pools. No waiting
// period applies; authorization is the caller's concern.
func (l *Ledger) WithdrawAccumulated(ctx context.Context, kind Accumulator, recipient common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrAmountZero
	}
	if recipient == (common.Address{}) {
		return nil, ErrRecipientZero
	}

	l.accMu.Lock()
	defer l.accMu.Unlock()

	pool := l.slashedCollateral
	if kind == ProtocolFees {
		pool = l.protocolFees
	}
	if amount.Cmp(pool) > 0 {
		return nil, ErrInsufficientAccumulated
	}

	prev := new(big.Int).Set(pool)
	pool.Sub(pool, amount)
	if err := l.transfer(ctx, recipient, amount); err != nil {
		pool.Set(prev)
		return nil, fmt.Errorf("transfer to recipient: %w", err)
	}

	l.logger.Info().
		Str("kind", string(kind)).
		Str("recipient", recipient.Hex()).
		Str("amount", amount.String()).
		Str("remaining", pool.String()).
		Msg("accumulated funds withdrawn")
	return new(big.Int).Set(pool), nil
}

// Balance returns a snapshot of the bidder's ledger entry.
func (l *Ledger) Balance(bidder common.Address) Account {
	acct := l.account(bidder)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return Account{
		Balance:            new(big.Int).Set(acct.balance),
		EarliestWithdrawal: acct.earliestWithdrawal,
	}
}

func (l *Ledger) transfer(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if l.transferor == nil {
		return nil
	}
	return l.transferor.Transfer(ctx, recipient, amount)
}

func (l *Ledger) account(bidder common.Address) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[bidder]
	if !ok {
		acct = &account{balance: new(big.Int)}
		l.accounts[bidder] = acct
	}
	return acct
}
