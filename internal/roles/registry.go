package roles

import (
	"context"
	"errors"
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
	accessRegistryABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"role","type":"bytes32"},{"internalType":"address","name":"account","type":"address"}],"name":"hasRole","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`
)

var (
	accessRegistryABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(accessRegistryABIJSON))
	if err != nil {
		panic("failed to parse access registry ABI: " + err.Error())
	}
	accessRegistryABI = parsed
}

// ContractRegistryOptions parameterise the on-chain registry adapter.
type ContractRegistryOptions struct {
	RPCURL   string
	Registry common.Address
	Timeout  time.Duration
}

// ContractRegistry answers role queries from an on-chain access control
// registry over Ethereum RPC.
type ContractRegistry struct {
	opts      ContractRegistryOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewContractRegistry builds the adapter.
func NewContractRegistry(opts ContractRegistryOptions, logger zerolog.Logger) *ContractRegistry {
	return &ContractRegistry{opts: opts, logger: logger.With().Str("component", "role_registry").Logger()}
}

// HasRole implements Registry against the contract's hasRole view.
func (r *ContractRegistry) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	if r.opts.RPCURL == "" {
		return false, errors.New("roles: rpc url not configured")
	}
	if r.opts.Registry == (common.Address{}) {
		return false, errors.New("roles: registry address not configured")
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return false, err
	}

	payload, err := accessRegistryABI.Pack("hasRole", [32]byte(role), account)
	if err != nil {
		return false, err
	}

	addr := r.opts.Registry
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return false, err
	}

	outputs, err := accessRegistryABI.Unpack("hasRole", res)
	if err != nil {
		return false, err
	}
	if len(outputs) != 1 {
		return false, errors.New("roles: unexpected hasRole response")
	}

	held, ok := outputs[0].(bool)
	if !ok {
		return false, errors.New("roles: failed to decode hasRole output")
	}
	return held, nil
}

func (r *ContractRegistry) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

var _ Registry = (*ContractRegistry)(nil)
