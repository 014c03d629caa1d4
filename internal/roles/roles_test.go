package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	manager    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	auctioneer = common.HexToAddress("0x2000000000000000000000000000000000000002")
	outsider   = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func TestDeriveRoleDeterministic(t *testing.T) {
	a := DeriveRole(manager, AuctioneerRoleDescription)
	b := DeriveRole(manager, AuctioneerRoleDescription)
	if a != b {
		t.Fatal("相同输入应派生相同角色")
	}
	if a == DeriveRole(manager, WithdrawerRoleDescription) {
		t.Fatal("不同描述应派生不同角色")
	}
	other := common.HexToAddress("0x4000000000000000000000000000000000000004")
	if a == DeriveRole(other, AuctioneerRoleDescription) {
		t.Fatal("不同 manager 应派生不同角色")
	}
}

func TestManagerPassesEveryRole(t *testing.T) {
	p := NewPolicy(manager, NewStaticRegistry(), zerolog.Nop())

	ctx := context.Background()
	if err := p.RequireAuctioneer(ctx, manager); err != nil {
		t.Fatalf("manager 应通过 auctioneer 检查: %v", err)
	}
	if err := p.RequireProxySetter(ctx, manager); err != nil {
		t.Fatalf("manager 应通过 proxy setter 检查: %v", err)
	}
	if err := p.RequireWithdrawer(ctx, manager); err != nil {
		t.Fatalf("manager 应通过 withdrawer 检查: %v", err)
	}
}

func TestDelegatedRoleGrants(t *testing.T) {
	registry := NewStaticRegistry()
	registry.Grant(DeriveRole(manager, AuctioneerRoleDescription), auctioneer)
	p := NewPolicy(manager, registry, zerolog.Nop())

	ctx := context.Background()
	if err := p.RequireAuctioneer(ctx, auctioneer); err != nil {
		t.Fatalf("被授权者应通过检查: %v", err)
	}
	// 角色之间不互通
	if err := p.RequireWithdrawer(ctx, auctioneer); err == nil {
		t.Fatal("auctioneer 不应通过 withdrawer 检查")
	}

	err := p.RequireAuctioneer(ctx, outsider)
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("未授权者应返回 AuthorizationError: %v", err)
	}
	if authErr.Sender != outsider || authErr.Role != AuctioneerRoleDescription {
		t.Fatalf("错误应指明缺失的角色: %+v", authErr)
	}
}

func TestNilRegistryOnlyManager(t *testing.T) {
	p := NewPolicy(manager, nil, zerolog.Nop())
	ctx := context.Background()

	ok, err := p.IsAuctioneer(ctx, manager)
	if err != nil || !ok {
		t.Fatalf("manager 应始终通过: ok=%v err=%v", ok, err)
	}
	ok, err = p.IsAuctioneer(ctx, auctioneer)
	if err != nil || ok {
		t.Fatalf("无 registry 时其他人不应通过: ok=%v err=%v", ok, err)
	}
}

type erroringRegistry struct{}

func (erroringRegistry) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	return false, errors.New("rpc down")
}

func TestRegistryErrorPropagates(t *testing.T) {
	p := NewPolicy(manager, erroringRegistry{}, zerolog.Nop())

	err := p.RequireAuctioneer(context.Background(), auctioneer)
	if err == nil {
		t.Fatal("registry 错误应向上传播")
	}
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		t.Fatal("registry 错误不应伪装成授权拒绝")
	}
	// manager 不触碰 registry
	if err := p.RequireAuctioneer(context.Background(), manager); err != nil {
		t.Fatalf("manager 检查不应依赖 registry: %v", err)
	}
}
