package rates

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubSource struct {
	value     *big.Int
	updatedAt time.Time
	err       error
	reads     int
}

func (s *stubSource) Read(ctx context.Context) (*big.Int, time.Time, error) {
	s.reads++
	if s.err != nil {
		return nil, time.Time{}, s.err
	}
	return new(big.Int).Set(s.value), s.updatedAt, nil
}

func ether(n int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), wei)
}

func newTestConverter(clock func() time.Time) *Converter {
	return NewConverter(Options{MaximumRateAge: 24 * time.Hour, Now: clock}, zerolog.Nop())
}

func TestQuoteZeroBpsSkipsOracles(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })

	// 两个费率都为零时, 即使源会失败也不应触碰
	broken := &stubSource{err: errors.New("rpc down")}
	c.SetCollateralSource(broken)
	c.SetNativeCurrencySource(1, broken)

	collateral, fee, err := c.Quote(context.Background(), 1, big.NewInt(1000))
	if err != nil {
		t.Fatalf("零费率报价不应失败: %v", err)
	}
	if collateral.Sign() != 0 || fee.Sign() != 0 {
		t.Fatalf("零费率应返回 (0,0): %s %s", collateral, fee)
	}
	if broken.reads != 0 {
		t.Fatalf("零费率不应读取任何源, 实际读取 %d 次", broken.reads)
	}
}

func TestQuoteRequiresSources(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(500)

	if _, _, err := c.Quote(context.Background(), 1, big.NewInt(1000)); !errors.Is(err, ErrNoSource) {
		t.Fatalf("缺少 collateral 源应报 ErrNoSource: %v", err)
	}
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now})
	if _, _, err := c.Quote(context.Background(), 1, big.NewInt(1000)); !errors.Is(err, ErrNoSource) {
		t.Fatalf("缺少 native 源应报 ErrNoSource: %v", err)
	}
}

func TestQuoteConversionMath(t *testing.T) {
	// native 2e18, collateral 1e18: 1 native 单位 = 2 collateral 单位
	// collateral 500bps(5%), fee 30bps(0.3%)
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(500)
	c.SetProtocolFeeBasisPoints(30)
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(1, &stubSource{value: ether(2), updatedAt: now})

	collateral, fee, err := c.Quote(context.Background(), 1, big.NewInt(10_000))
	if err != nil {
		t.Fatalf("报价不应失败: %v", err)
	}
	// 10000 * 2 * 500 / 10000 = 1000
	if collateral.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("collateral 应为 1000, 实际 %s", collateral)
	}
	// 10000 * 2 * 30 / 10000 = 60
	if fee.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("fee 应为 60, 实际 %s", fee)
	}
}

func TestQuoteMultipliesBeforeDividing(t *testing.T) {
	// amount=3, rate 1:1, 1bps: 3*1/10000 先除会得 0. 先乘后除只截断一次.
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(5000) // 50%
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(1, &stubSource{value: ether(1), updatedAt: now})

	collateral, _, err := c.Quote(context.Background(), 1, big.NewInt(3))
	if err != nil {
		t.Fatalf("报价不应失败: %v", err)
	}
	if collateral.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("3 的 50%% 截断后应为 1, 实际 %s", collateral)
	}
}

func TestQuoteStaleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(500)
	c.SetNativeCurrencySource(1, &stubSource{value: ether(1), updatedAt: now})

	// 恰好 24h 前更新的仍然可用
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now.Add(-24 * time.Hour)})
	if _, _, err := c.Quote(context.Background(), 1, big.NewInt(1000)); err != nil {
		t.Fatalf("恰好 24h 的汇率应可用: %v", err)
	}

	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now.Add(-24*time.Hour - time.Second)})
	if _, _, err := c.Quote(context.Background(), 1, big.NewInt(1000)); !errors.Is(err, ErrRateStale) {
		t.Fatalf("超过 24h 的汇率应报 ErrRateStale: %v", err)
	}
}

func TestQuoteRejectsNonPositiveRate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(500)
	c.SetCollateralSource(&stubSource{value: big.NewInt(0), updatedAt: now})
	c.SetNativeCurrencySource(1, &stubSource{value: ether(1), updatedAt: now})

	if _, _, err := c.Quote(context.Background(), 1, big.NewInt(1000)); !errors.Is(err, ErrRateNotPositive) {
		t.Fatalf("零汇率应报 ErrRateNotPositive: %v", err)
	}

	c.SetCollateralSource(&stubSource{value: big.NewInt(-5), updatedAt: now})
	if _, _, err := c.Quote(context.Background(), 1, big.NewInt(1000)); !errors.Is(err, ErrRateNotPositive) {
		t.Fatalf("负汇率应报 ErrRateNotPositive: %v", err)
	}
}

func TestQuoteOverflow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(BasisPointsDivisor) // 100%
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(1, &stubSource{value: ether(1), updatedAt: now})

	// MaxAmount 本身仍可表示
	if _, _, err := c.Quote(context.Background(), 1, new(big.Int).Set(MaxAmount)); err != nil {
		t.Fatalf("MaxAmount 不应溢出: %v", err)
	}
	over := new(big.Int).Add(MaxAmount, big.NewInt(1))
	if _, _, err := c.Quote(context.Background(), 1, over); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("超出 104 位范围应报 ErrAmountOverflow: %v", err)
	}
}

func TestConfigSnapshot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralBasisPoints(500)
	c.SetProtocolFeeBasisPoints(30)
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(10, &stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(1, &stubSource{value: ether(1), updatedAt: now})

	cfg := c.ConfigSnapshot()
	if cfg.CollateralBasisPoints != 500 || cfg.ProtocolFeeBasisPoints != 30 {
		t.Fatalf("费率快照不正确: %+v", cfg)
	}
	if !cfg.CollateralSourceSet {
		t.Fatal("collateral 源应已配置")
	}
	if len(cfg.ConfiguredChains) != 2 || cfg.ConfiguredChains[0] != 1 || cfg.ConfiguredChains[1] != 10 {
		t.Fatalf("链列表应升序: %v", cfg.ConfiguredChains)
	}
}

func TestProbeReportsEverySource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestConverter(func() time.Time { return now })
	c.SetCollateralSource(&stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(1, &stubSource{value: ether(1), updatedAt: now})
	c.SetNativeCurrencySource(10, &stubSource{err: errors.New("rpc down")})

	results := c.Probe(context.Background())
	if len(results) != 3 {
		t.Fatalf("应探测 3 个源, 实际 %d", len(results))
	}
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("应恰好 1 个源失败, 实际 %d", failed)
	}
}
