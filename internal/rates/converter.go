package rates

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrRateNotPositive means an oracle returned a zero or negative rate.
	ErrRateNotPositive = errors.New("rates: rate is not positive")
	// ErrRateStale means an oracle's timestamp is older than the maximum age.
	ErrRateStale = errors.New("rates: rate is stale")
	// ErrNoSource means no oracle is configured for the requested read.
	ErrNoSource = errors.New("rates: no rate source configured")
	// ErrAmountOverflow is an arithmetic fault, not a business rule: a computed
	// amount left the 104-bit unsigned range.
	ErrAmountOverflow = errors.New("rates: amount exceeds 104-bit range")
)

// DefaultMaximumRateAge matches the reference deployment.
const DefaultMaximumRateAge = 24 * time.Hour

// BasisPointsDivisor converts basis points to a fraction; 10000 = 100%.
const BasisPointsDivisor = 10_000

// MaxAmount is the largest value representable in the 104-bit unsigned range.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 104), big.NewInt(1))

// Source is an external price feed reporting a value and the time it was last
// updated. Values are fixed-point with 18 decimals.
type Source interface {
	Read(ctx context.Context) (value *big.Int, updatedAt time.Time, err error)
}

// Options tune the converter.
type Options struct {
	MaximumRateAge time.Duration
	Now            func() time.Time
}

// Converter prices bid commitments in the collateral asset. It is pure with
// respect to ledger state and safe to call speculatively.
type Converter struct {
	maxAge time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu             sync.RWMutex
	collateralBps  uint64
	protocolFeeBps uint64
	collateral     Source
	native         map[uint64]Source
}

// NewConverter constructs a converter with no sources configured.
func NewConverter(opts Options, logger zerolog.Logger) *Converter {
	maxAge := opts.MaximumRateAge
	if maxAge <= 0 {
		maxAge = DefaultMaximumRateAge
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Converter{
		maxAge: maxAge,
		now:    now,
		logger: logger.With().Str("component", "rate_converter").Logger(),
		native: make(map[uint64]Source),
	}
}

// SetCollateralBasisPoints overwrites the collateral requirement rate.
func (c *Converter) SetCollateralBasisPoints(bps uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collateralBps = bps
}

// SetProtocolFeeBasisPoints overwrites the protocol fee rate.
func (c *Converter) SetProtocolFeeBasisPoints(bps uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocolFeeBps = bps
}

// SetCollateralSource overwrites the collateral asset rate oracle.
func (c *Converter) SetCollateralSource(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collateral = src
}

// SetNativeCurrencySource overwrites the native currency rate oracle for a chain.
func (c *Converter) SetNativeCurrencySource(chainID uint64, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[chainID] = src
}

// Config is a snapshot of the mutable rate configuration.
type Config struct {
	CollateralBasisPoints  uint64
	ProtocolFeeBasisPoints uint64
	CollateralSourceSet    bool
	ConfiguredChains       []uint64
}

// ConfigSnapshot reports the current configuration.
func (c *Converter) ConfigSnapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chains := make([]uint64, 0, len(c.native))
	for id := range c.native {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return Config{
		CollateralBasisPoints:  c.collateralBps,
		ProtocolFeeBasisPoints: c.protocolFeeBps,
		CollateralSourceSet:    c.collateral != nil,
		ConfiguredChains:       chains,
	}
}

// Quote computes the collateral and protocol fee amounts required for a bid
// denominated in the target chain's native currency. When both basis-point
// rates are zero it returns (0, 0) without touching any oracle.
func (c *Converter) Quote(ctx context.Context, chainID uint64, amount *big.Int) (collateral, protocolFee *big.Int, err error) {
	c.mu.RLock()
	collateralBps := c.collateralBps
	protocolFeeBps := c.protocolFeeBps
	collateralSrc := c.collateral
	nativeSrc := c.native[chainID]
	c.mu.RUnlock()

	if collateralBps == 0 && protocolFeeBps == 0 {
		return new(big.Int), new(big.Int), nil
	}
	if collateralSrc == nil {
		return nil, nil, fmt.Errorf("%w: collateral rate", ErrNoSource)
	}
	if nativeSrc == nil {
		return nil, nil, fmt.Errorf("%w: native currency rate for chain %d", ErrNoSource, chainID)
	}

	collateralRate, err := c.readFresh(ctx, collateralSrc, "collateral")
	if err != nil {
		return nil, nil, err
	}
	nativeRate, err := c.readFresh(ctx, nativeSrc, fmt.Sprintf("chain %d native currency", chainID))
	if err != nil {
		return nil, nil, err
	}

	collateral, err = convert(amount, nativeRate, collateralRate, collateralBps)
	if err != nil {
		return nil, nil, err
	}
	protocolFee, err = convert(amount, nativeRate, collateralRate, protocolFeeBps)
	if err != nil {
		return nil, nil, err
	}
	return collateral, protocolFee, nil
}

// ProbeResult reports the health of one configured source.
type ProbeResult struct {
	Label string
	Err   error
}

// Probe reads every configured source and reports which ones would fail a
// quote right now. Intended for background freshness monitoring.
func (c *Converter) Probe(ctx context.Context) []ProbeResult {
	c.mu.RLock()
	collateralSrc := c.collateral
	native := make(map[uint64]Source, len(c.native))
	for id, src := range c.native {
		native[id] = src
	}
	c.mu.RUnlock()

	results := make([]ProbeResult, 0, len(native)+1)
	if collateralSrc != nil {
		_, err := c.readFresh(ctx, collateralSrc, "collateral")
		results = append(results, ProbeResult{Label: "collateral", Err: err})
	}
	chains := make([]uint64, 0, len(native))
	for id := range native {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	for _, id := range chains {
		label := fmt.Sprintf("chain %d native currency", id)
		_, err := c.readFresh(ctx, native[id], label)
		results = append(results, ProbeResult{Label: label, Err: err})
	}
	return results
}

func (c *Converter) readFresh(ctx context.Context, src Source, label string) (*big.Int, error) {
	value, updatedAt, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s rate: %w", label, err)
	}
	if value == nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrRateNotPositive, label)
	}
	if c.now().Sub(updatedAt) > c.maxAge {
		return nil, fmt.Errorf("%w: %s updated at %s", ErrRateStale, label, updatedAt.UTC().Format(time.RFC3339))
	}
	return value, nil
}

// convert multiplies before dividing so truncation happens once, at the end.
func convert(amount, nativeRate, collateralRate *big.Int, bps uint64) (*big.Int, error) {
	result := new(big.Int).Mul(amount, nativeRate)
	result.Mul(result, new(big.Int).SetUint64(bps))
	result.Div(result, collateralRate)
	result.Div(result, big.NewInt(BasisPointsDivisor))
	if result.Cmp(MaxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAmountOverflow, result.String())
	}
	return result, nil
}
