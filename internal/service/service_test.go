package service

import (
	"context"
	"math/big"
	"testing"
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

var (
	managerAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bidderAddr  = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type capturingSink struct {
	events []events.Event
}

func (s *capturingSink) Emit(ctx context.Context, ev events.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *capturingSink) kinds() []events.Kind {
	out := make([]events.Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type capturingNotifier struct {
	alerts []alerting.Alert
}

func (n *capturingNotifier) Notify(ctx context.Context, alert alerting.Alert) error {
	n.alerts = append(n.alerts, alert)
	return nil
}

type fakeJournal struct {
	eventRecords   []storage.EventRecord
	bidRecords     []storage.BidRecord
	balanceRecords []storage.BalanceRecord
	accRecords     []storage.AccumulatorRecord
}

func (j *fakeJournal) InsertEvent(ctx context.Context, record storage.EventRecord) error {
	j.eventRecords = append(j.eventRecords, record)
	return nil
}

func (j *fakeJournal) ListRecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	return j.eventRecords, nil
}

func (j *fakeJournal) CountEvents(ctx context.Context) (int64, error) {
	return int64(len(j.eventRecords)), nil
}

func (j *fakeJournal) UpsertBid(ctx context.Context, record storage.BidRecord) error {
	j.bidRecords = append(j.bidRecords, record)
	return nil
}

func (j *fakeJournal) UpsertBalance(ctx context.Context, record storage.BalanceRecord) error {
	j.balanceRecords = append(j.balanceRecords, record)
	return nil
}

func (j *fakeJournal) UpsertAccumulators(ctx context.Context, record storage.AccumulatorRecord) error {
	j.accRecords = append(j.accRecords, record)
	return nil
}

type fakeLocker struct {
	acquired bool
	calls    int
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	l.calls++
	if !l.acquired {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type stubSource struct {
	value     *big.Int
	updatedAt time.Time
}

func (s stubSource) Read(ctx context.Context) (*big.Int, time.Time, error) {
	return new(big.Int).Set(s.value), s.updatedAt, nil
}

type harness struct {
	svc      *Service
	sink     *capturingSink
	notifier *capturingNotifier
	journal  *fakeJournal
	locker   *fakeLocker
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	policy := roles.NewPolicy(managerAddr, roles.NewStaticRegistry(), logger)
	converter := rates.NewConverter(rates.Options{Now: clock}, logger)
	converter.SetCollateralBasisPoints(500)
	converter.SetProtocolFeeBasisPoints(30)
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	converter.SetCollateralSource(stubSource{value: one, updatedAt: now})
	converter.SetNativeCurrencySource(1, stubSource{value: one, updatedAt: now})

	bank := ledger.New(nil, ledger.Options{Now: clock}, logger)
	house := auction.NewHouse(converter, bank, auction.Options{Now: clock}, logger)

	h := &harness{
		sink:     &capturingSink{},
		notifier: &capturingNotifier{},
		journal:  &fakeJournal{},
		locker:   &fakeLocker{acquired: true},
		now:      now,
	}
	h.svc = New(policy, house, bank, converter, Options{
		Journal:  h.journal,
		Locker:   h.locker,
		LockKey:  42,
		Sink:     h.sink,
		Notifier: h.notifier,
		Now:      clock,
	}, logger)
	return h
}

func (h *harness) runLifecycle(t *testing.T, confirm bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.Deposit(ctx, bidderAddr, common.Address{}, big.NewInt(1000)); err != nil {
		t.Fatalf("存款不应失败: %v", err)
	}
	topic := auction.Topic(1, common.HexToAddress("0x5000000000000000000000000000000000000005"))
	details := []byte("payload")
	if _, err := h.svc.PlaceBid(ctx, bidderAddr, auction.PlaceRequest{
		Topic: topic, ChainID: 1, Amount: big.NewInt(10_000), Details: details,
	}); err != nil {
		t.Fatalf("放置出价不应失败: %v", err)
	}
	detailsHash := auction.DetailsHash(details)
	if _, err := h.svc.AwardBid(ctx, managerAddr, bidderAddr, topic, detailsHash, []byte("tx"), h.now.Add(time.Minute)); err != nil {
		t.Fatalf("授予不应失败: %v", err)
	}
	if _, err := h.svc.ReportFulfillment(ctx, bidderAddr, topic, detailsHash, []byte("receipt")); err != nil {
		t.Fatalf("报告不应失败: %v", err)
	}
	var err error
	if confirm {
		_, err = h.svc.ConfirmFulfillment(ctx, managerAddr, bidderAddr, topic, detailsHash)
	} else {
		_, err = h.svc.ContradictFulfillment(ctx, managerAddr, bidderAddr, topic, detailsHash)
	}
	if err != nil {
		t.Fatalf("结算不应失败: %v", err)
	}
}

func TestLifecycleEmitsEventTrail(t *testing.T) {
	h := newHarness(t)
	h.runLifecycle(t, true)

	want := []events.Kind{
		events.KindDeposited,
		events.KindBidPlaced,
		events.KindBidAwarded,
		events.KindFulfillmentReported,
		events.KindFulfillmentConfirmed,
	}
	got := h.sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("事件数不正确: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 个事件应为 %s, 实际 %s", i, want[i], got[i])
		}
	}

	// 每个事件同时进入 journal
	if len(h.journal.eventRecords) != len(want) {
		t.Fatalf("journal 事件数不正确: %d", len(h.journal.eventRecords))
	}
	// 出价快照随每次状态迁移更新
	if len(h.journal.bidRecords) != 4 {
		t.Fatalf("应有 4 次出价快照, 实际 %d", len(h.journal.bidRecords))
	}
	last := h.journal.bidRecords[len(h.journal.bidRecords)-1]
	if last.Status != "fulfillment_confirmed" {
		t.Fatalf("最后快照状态不正确: %s", last.Status)
	}
	// 确认结算不产生告警
	if len(h.notifier.alerts) != 0 {
		t.Fatalf("确认不应触发告警: %v", h.notifier.alerts)
	}
}

func TestContradictSendsSlashAlert(t *testing.T) {
	h := newHarness(t)
	h.runLifecycle(t, false)

	if len(h.notifier.alerts) != 1 {
		t.Fatalf("反驳应触发 1 条告警, 实际 %d", len(h.notifier.alerts))
	}
	alert := h.notifier.alerts[0]
	if alert.Kind != alerting.KindCollateralSlashed {
		t.Fatalf("告警类型不正确: %s", alert.Kind)
	}
	if alert.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("告警金额应为罚没的 500, 实际 %s", alert.Amount)
	}

	slashed, _ := h.svc.Accumulated()
	if slashed.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("罚没池应为 500, 实际 %s", slashed)
	}
}

func TestSetRateConfigRequiresProxySetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.SetCollateralBasisPoints(ctx, bidderAddr, 600); err == nil {
		t.Fatal("无角色者不应可修改费率")
	}
	if err := h.svc.SetCollateralBasisPoints(ctx, managerAddr, 600); err != nil {
		t.Fatalf("manager 修改费率不应失败: %v", err)
	}
	if cfg := h.svc.RateConfig(); cfg.CollateralBasisPoints != 600 {
		t.Fatalf("费率应已更新: %d", cfg.CollateralBasisPoints)
	}
}

func TestDepositOnBehalf(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := common.HexToAddress("0x3000000000000000000000000000000000000003")
	if _, err := h.svc.Deposit(ctx, managerAddr, other, big.NewInt(77)); err != nil {
		t.Fatalf("代存不应失败: %v", err)
	}
	if acct := h.svc.GetBalance(other); acct.Balance.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("代存应入账到 bidder: %s", acct.Balance)
	}
	if acct := h.svc.GetBalance(managerAddr); acct.Balance.Sign() != 0 {
		t.Fatalf("付款人不应入账: %s", acct.Balance)
	}
	// 事件记录受益人
	last := h.sink.events[len(h.sink.events)-1]
	if last.Bidder != other.Hex() {
		t.Fatalf("事件应记录受益人: %s", last.Bidder)
	}
}

func TestProbeRatesSkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.locker.acquired = false

	if err := h.svc.ProbeRates(context.Background(), h.now); err != nil {
		t.Fatalf("锁被占用时应静默跳过: %v", err)
	}
	if h.locker.calls != 1 {
		t.Fatalf("应尝试获取锁 1 次, 实际 %d", h.locker.calls)
	}
	if len(h.journal.accRecords) != 0 {
		t.Fatal("跳过的探测不应写快照")
	}
}

func TestProbeRatesAlertsOnStaleSource(t *testing.T) {
	h := newHarness(t)
	// collateral 源过期
	h.svc.converter.SetCollateralSource(stubSource{
		value:     big.NewInt(1),
		updatedAt: h.now.Add(-25 * time.Hour),
	})

	if err := h.svc.ProbeRates(context.Background(), h.now); err != nil {
		t.Fatalf("探测不应失败: %v", err)
	}
	if len(h.notifier.alerts) != 1 {
		t.Fatalf("过期源应触发 1 条告警, 实际 %d", len(h.notifier.alerts))
	}
	if h.notifier.alerts[0].Kind != alerting.KindRateSourceUnhealthy {
		t.Fatalf("告警类型不正确: %s", h.notifier.alerts[0].Kind)
	}
	if len(h.journal.accRecords) != 1 {
		t.Fatal("探测应写入累计池快照")
	}
}
