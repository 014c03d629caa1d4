package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	bidderA   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bidderB   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	recipient = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type failingTransferor struct {
	err error
}

func (t failingTransferor) Transfer(ctx context.Context, recipient common.Address, amount *big.Int) error {
	return t.err
}

func newTestLedger(transferor Transferor, clock *fakeClock) *Ledger {
	return New(transferor, Options{WithdrawalWaitingPeriod: 15 * time.Second, Now: clock.Now}, zerolog.Nop())
}

func TestDepositValidation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(nil, clock)

	if _, err := l.Deposit(bidderA, big.NewInt(0)); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("零金额存款应拒绝: %v", err)
	}
	if _, err := l.Deposit(bidderA, nil); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("nil 金额存款应拒绝: %v", err)
	}

	balance, err := l.Deposit(bidderA, big.NewInt(100))
	if err != nil {
		t.Fatalf("存款不应失败: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("余额应为 100, 实际 %s", balance)
	}
	balance, _ = l.Deposit(bidderA, big.NewInt(23))
	if balance.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("余额应累加到 123, 实际 %s", balance)
	}
	// 其他账户不受影响
	if acct := l.Balance(bidderB); acct.Balance.Sign() != 0 {
		t.Fatalf("未存款账户余额应为 0, 实际 %s", acct.Balance)
	}
}

func TestWithdrawalWaitingPeriod(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(nil, clock)
	if _, err := l.Deposit(bidderA, big.NewInt(123)); err != nil {
		t.Fatalf("存款不应失败: %v", err)
	}

	// 未发起即提现
	if _, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(1)); !errors.Is(err, ErrWithdrawalNotInitiated) {
		t.Fatalf("未发起的提现应拒绝: %v", err)
	}

	earliest, err := l.InitiateWithdrawal(bidderA)
	if err != nil {
		t.Fatalf("发起提现不应失败: %v", err)
	}
	if want := clock.now.Add(15 * time.Second); !earliest.Equal(want) {
		t.Fatalf("最早提现时刻应为 %v, 实际 %v", want, earliest)
	}
	if _, err := l.InitiateWithdrawal(bidderA); !errors.Is(err, ErrWithdrawalAlreadyInitiated) {
		t.Fatalf("重复发起应拒绝: %v", err)
	}

	// 等待期最后一秒仍不可提现
	clock.Advance(15*time.Second - time.Second)
	if _, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(123)); !errors.Is(err, ErrWithdrawalTooEarly) {
		t.Fatalf("等待期内提现应拒绝: %v", err)
	}

	clock.Advance(time.Second)
	balance, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(123))
	if err != nil {
		t.Fatalf("等待期满后提现不应失败: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("全额提现后余额应为 0, 实际 %s", balance)
	}

	// 提现消耗窗口, 再次提现需要重新发起
	if _, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(1)); !errors.Is(err, ErrWithdrawalNotInitiated) {
		t.Fatalf("窗口已消耗应拒绝: %v", err)
	}
}

func TestWithdrawValidationOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(nil, clock)
	if _, err := l.Deposit(bidderA, big.NewInt(10)); err != nil {
		t.Fatalf("存款不应失败: %v", err)
	}
	if _, err := l.InitiateWithdrawal(bidderA); err != nil {
		t.Fatalf("发起提现不应失败: %v", err)
	}
	clock.Advance(15 * time.Second)

	if _, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(0)); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("零金额提现应拒绝: %v", err)
	}
	if _, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("超额提现应拒绝: %v", err)
	}
	if _, err := l.Withdraw(context.Background(), bidderA, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrRecipientZero) {
		t.Fatalf("零地址收款人应拒绝: %v", err)
	}

	// 被拒绝的提现不应消耗窗口
	if acct := l.Balance(bidderA); acct.EarliestWithdrawal.IsZero() {
		t.Fatal("被拒绝的提现不应清除窗口")
	}
}

func TestCancelWithdrawal(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(nil, clock)

	if err := l.CancelWithdrawal(bidderA); !errors.Is(err, ErrWithdrawalNotInitiated) {
		t.Fatalf("无窗口可取消时应拒绝: %v", err)
	}
	if _, err := l.InitiateWithdrawal(bidderA); err != nil {
		t.Fatalf("发起提现不应失败: %v", err)
	}
	if err := l.CancelWithdrawal(bidderA); err != nil {
		t.Fatalf("取消提现不应失败: %v", err)
	}
	// 取消后可以立即重新发起
	if _, err := l.InitiateWithdrawal(bidderA); err != nil {
		t.Fatalf("取消后重新发起不应失败: %v", err)
	}
}

func TestWithdrawTransferFailureRollsBack(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(failingTransferor{err: errors.New("rpc down")}, clock)
	if _, err := l.Deposit(bidderA, big.NewInt(100)); err != nil {
		t.Fatalf("存款不应失败: %v", err)
	}
	if _, err := l.InitiateWithdrawal(bidderA); err != nil {
		t.Fatalf("发起提现不应失败: %v", err)
	}
	clock.Advance(15 * time.Second)

	if _, err := l.Withdraw(context.Background(), bidderA, recipient, big.NewInt(60)); err == nil {
		t.Fatal("转账失败时提现应失败")
	}
	acct := l.Balance(bidderA)
	if acct.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("失败的提现应回滚余额: %s", acct.Balance)
	}
	if acct.EarliestWithdrawal.IsZero() {
		t.Fatal("失败的提现应保留窗口")
	}
}

func TestLockAndRelease(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(nil, clock)
	if _, err := l.Deposit(bidderA, big.NewInt(100)); err != nil {
		t.Fatalf("存款不应失败: %v", err)
	}

	if err := l.Lock(bidderA, big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("超额锁定应拒绝: %v", err)
	}
	if err := l.Lock(bidderA, big.NewInt(80)); err != nil {
		t.Fatalf("锁定不应失败: %v", err)
	}
	if acct := l.Balance(bidderA); acct.Balance.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("锁定后可用余额应为 20, 实际 %s", acct.Balance)
	}

	l.Release(bidderA, big.NewInt(50))
	if acct := l.Balance(bidderA); acct.Balance.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("释放后余额应为 70, 实际 %s", acct.Balance)
	}
}

func TestAccumulators(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(nil, clock)

	l.AccrueSlashedCollateral(big.NewInt(50))
	l.AccrueSlashedCollateral(big.NewInt(25))
	l.AccrueProtocolFees(big.NewInt(30))
	l.AccrueProtocolFees(nil) // 忽略

	slashed, fees := l.Accumulated()
	if slashed.Cmp(big.NewInt(75)) != 0 || fees.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("累计值不正确: slashed=%s fees=%s", slashed, fees)
	}

	if _, err := l.WithdrawAccumulated(context.Background(), ProtocolFees, recipient, big.NewInt(31)); !errors.Is(err, ErrInsufficientAccumulated) {
		t.Fatalf("超额提取累计值应拒绝: %v", err)
	}
	if _, err := l.WithdrawAccumulated(context.Background(), ProtocolFees, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrRecipientZero) {
		t.Fatalf("零地址收款人应拒绝: %v", err)
	}

	remaining, err := l.WithdrawAccumulated(context.Background(), SlashedCollateral, recipient, big.NewInt(75))
	if err != nil {
		t.Fatalf("提取累计值不应失败: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("全额提取后应剩 0, 实际 %s", remaining)
	}
	// 两个池互不影响
	_, fees = l.Accumulated()
	if fees.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("fee 池不应被触碰: %s", fees)
	}
}

func TestWithdrawAccumulatedTransferFailureRollsBack(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLedger(failingTransferor{err: errors.New("rpc down")}, clock)
	l.AccrueProtocolFees(big.NewInt(40))

	if _, err := l.WithdrawAccumulated(context.Background(), ProtocolFees, recipient, big.NewInt(10)); err == nil {
		t.Fatal("转账失败时提取应失败")
	}
	_, fees := l.Accumulated()
	if fees.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("失败的提取应回滚累计值: %s", fees)
	}
}
