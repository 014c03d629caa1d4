package rates

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	dataFeedProxyABIJSON = `[{"inputs":[],"name":"read","outputs":[{"internalType":"int224","name":"value","type":"int224"},{"internalType":"uint32","name":"timestamp","type":"uint32"}],"stateMutability":"view","type":"function"}]`
)

var (
	dataFeedProxyABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(dataFeedProxyABIJSON))
	if err != nil {
		panic("failed to parse data feed proxy ABI: " + err.Error())
	}
	dataFeedProxyABI = parsed
}

// FeedOptions parameterise an on-chain data feed proxy read.
type FeedOptions struct {
	RPCURL  string
	Proxy   common.Address
	Timeout time.Duration
}

// FeedSource reads a (value, timestamp) pair from a data feed proxy contract
// over Ethereum RPC.
type FeedSource struct {
	opts      FeedOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewFeedSource builds a feed source for one proxy contract.
func NewFeedSource(opts FeedOptions, logger zerolog.Logger) *FeedSource {
	return &FeedSource{opts: opts, logger: logger.With().Str("component", "feed_source").Str("proxy", opts.Proxy.Hex()).Logger()}
}

// Read fetches the feed's current value and update timestamp.
func (f *FeedSource) Read(ctx context.Context) (*big.Int, time.Time, error) {
	if f.opts.RPCURL == "" {
		return nil, time.Time{}, errors.New("rates: rpc url not configured")
	}
	if f.opts.Proxy == (common.Address{}) {
		return nil, time.Time{}, errors.New("rates: proxy address not configured")
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	payload, err := dataFeedProxyABI.Pack("read")
	if err != nil {
		return nil, time.Time{}, err
	}

	addr := f.opts.Proxy
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, time.Time{}, err
	}

	outputs, err := dataFeedProxyABI.Unpack("read", res)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(outputs) != 2 {
		return nil, time.Time{}, errors.New("rates: unexpected read response")
	}

	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, time.Time{}, errors.New("rates: failed to decode feed value")
	}
	timestamp, ok := outputs[1].(uint32)
	if !ok {
		return nil, time.Time{}, errors.New("rates: failed to decode feed timestamp")
	}

	return value, time.Unix(int64(timestamp), 0), nil
}

func (f *FeedSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

var _ Source = (*FeedSource)(nil)

// StaticSource reports a fixed rate. Intended for development deployments and
// for the offline quote command; the timestamp tracks the wall clock so the
// staleness check always passes.
type StaticSource struct {
	Value *big.Int
}

// Read implements Source.
func (s StaticSource) Read(context.Context) (*big.Int, time.Time, error) {
	if s.Value == nil || s.Value.Sign() <= 0 {
		return nil, time.Time{}, errors.New("rates: static value not configured")
	}
	return new(big.Int).Set(s.Value), time.Now(), nil
}

var _ Source = StaticSource{}
