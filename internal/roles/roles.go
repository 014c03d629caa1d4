// Package roles resolves caller authorization against an external role
// registry. The registry is consumed, never administered; the manager is an
// implicit superuser for every delegated role.
package roles

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// Role descriptions, hashed into role identifiers under the manager's tree.
const (
	AdminRoleDescription       = "AuctionHouse admin"
	ProxySetterRoleDescription = "Proxy setter"
	WithdrawerRoleDescription  = "Withdrawer"
	AuctioneerRoleDescription  = "Auctioneer"
)

// Registry answers role membership queries. Implementations may be static
// (configuration-driven) or backed by an on-chain registry.
type Registry interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
}

// DeriveRole computes a role identifier: the manager's root role, narrowed by
// the admin role description, narrowed by the specific role description.
func DeriveRole(manager common.Address, description string) common.Hash {
	root := crypto.Keccak256Hash(manager.Bytes())
	admin := crypto.Keccak256Hash(root.Bytes(), crypto.Keccak256([]byte(AdminRoleDescription)))
	return crypto.Keccak256Hash(admin.Bytes(), crypto.Keccak256([]byte(description)))
}

// AuthorizationError names the role the sender was missing.
type AuthorizationError struct {
	Role   string
	Sender common.Address
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("sender %s not authorized: requires %s", e.Sender.Hex(), e.Role)
}

// Policy answers the four authorization questions the engine asks. Each
// predicate is true for the manager or for holders of the delegated role.
type Policy struct {
	manager         common.Address
	registry        Registry
	proxySetterRole common.Hash
	withdrawerRole  common.Hash
	auctioneerRole  common.Hash
	logger          zerolog.Logger
}

// NewPolicy derives the delegated role identifiers for the given manager.
func NewPolicy(manager common.Address, registry Registry, logger zerolog.Logger) *Policy {
	return &Policy{
		manager:         manager,
		registry:        registry,
		proxySetterRole: DeriveRole(manager, ProxySetterRoleDescription),
		withdrawerRole:  DeriveRole(manager, WithdrawerRoleDescription),
		auctioneerRole:  DeriveRole(manager, AuctioneerRoleDescription),
		logger:          logger.With().Str("component", "access_policy").Logger(),
	}
}

// Manager returns the configured manager address.
func (p *Policy) Manager() common.Address {
	return p.manager
}

// IsManager reports whether the caller is the manager.
func (p *Policy) IsManager(caller common.Address) bool {
	return caller == p.manager
}

// IsProxySetter reports whether the caller may mutate rate configuration.
func (p *Policy) IsProxySetter(ctx context.Context, caller common.Address) (bool, error) {
	return p.holds(ctx, p.proxySetterRole, caller)
}

// IsWithdrawer reports whether the caller may withdraw accumulated funds.
func (p *Policy) IsWithdrawer(ctx context.Context, caller common.Address) (bool, error) {
	return p.holds(ctx, p.withdrawerRole, caller)
}

// IsAuctioneer reports whether the caller may award and resolve bids.
func (p *Policy) IsAuctioneer(ctx context.Context, caller common.Address) (bool, error) {
	return p.holds(ctx, p.auctioneerRole, caller)
}

// RequireProxySetter returns an AuthorizationError unless the caller passes.
func (p *Policy) RequireProxySetter(ctx context.Context, caller common.Address) error {
	return p.require(ctx, p.proxySetterRole, ProxySetterRoleDescription, caller)
}

// RequireWithdrawer returns an AuthorizationError unless the caller passes.
func (p *Policy) RequireWithdrawer(ctx context.Context, caller common.Address) error {
	return p.require(ctx, p.withdrawerRole, WithdrawerRoleDescription, caller)
}

// RequireAuctioneer returns an AuthorizationError unless the caller passes.
func (p *Policy) RequireAuctioneer(ctx context.Context, caller common.Address) error {
	return p.require(ctx, p.auctioneerRole, AuctioneerRoleDescription, caller)
}

func (p *Policy) holds(ctx context.Context, role common.Hash, caller common.Address) (bool, error) {
	if caller == p.manager {
		return true, nil
	}
	if p.registry == nil {
		return false, nil
	}
	ok, err := p.registry.HasRole(ctx, role, caller)
	if err != nil {
		return false, fmt.Errorf("query role registry: %w", err)
	}
	return ok, nil
}

func (p *Policy) require(ctx context.Context, role common.Hash, description string, caller common.Address) error {
	ok, err := p.holds(ctx, role, caller)
	if err != nil {
		return err
	}
	if !ok {
		return &AuthorizationError{Role: description, Sender: caller}
	}
	return nil
}

// StaticRegistry is a configuration-driven registry. Grants are fixed at
// construction; concurrent reads are safe.
type StaticRegistry struct {
	grants map[common.Hash]map[common.Address]struct{}
}

// NewStaticRegistry builds an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{grants: make(map[common.Hash]map[common.Address]struct{})}
}

// Grant records a role membership.
func (r *StaticRegistry) Grant(role common.Hash, account common.Address) {
	members, ok := r.grants[role]
	if !ok {
		members = make(map[common.Address]struct{})
		r.grants[role] = members
	}
	members[account] = struct{}{}
}

// HasRole implements Registry.
func (r *StaticRegistry) HasRole(_ context.Context, role common.Hash, account common.Address) (bool, error) {
	members, ok := r.grants[role]
	if !ok {
		return false, nil
	}
	_, ok = members[account]
	return ok, nil
}

var _ Registry = (*StaticRegistry)(nil)
