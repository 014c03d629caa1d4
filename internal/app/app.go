package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"oev-auction-house/internal/alerting"
	"oev-auction-house/internal/auction"
	"oev-auction-house/internal/config"
	"oev-auction-house/internal/events"
	"oev-auction-house/internal/httpapi"
	"oev-auction-house/internal/ledger"
	"oev-auction-house/internal/rates"
	"oev-auction-house/internal/roles"
	"oev-auction-house/internal/scheduler"
	"oev-auction-house/internal/service"
	"oev-auction-house/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) sourceFor(proxy common.Address) rates.Source {
	return rates.NewFeedSource(rates.FeedOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Proxy:   proxy,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

// sourceForSpec resolves a configured rate source: a data feed proxy address,
// or a literal fixed-point value for development deployments without RPC.
func (a *App) sourceForSpec(spec string) (rates.Source, error) {
	if common.IsHexAddress(spec) {
		return a.sourceFor(common.HexToAddress(spec)), nil
	}
	value, ok := new(big.Int).SetString(spec, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("rate source %q is neither an address nor a positive integer", spec)
	}
	return rates.StaticSource{Value: value}, nil
}

func (a *App) newConverter() (*rates.Converter, error) {
	converter := rates.NewConverter(rates.Options{
		MaximumRateAge: a.Config.Auction.MaximumRateAge,
	}, a.Logger)
	converter.SetCollateralBasisPoints(a.Config.Auction.CollateralBasisPoints)
	converter.SetProtocolFeeBasisPoints(a.Config.Auction.ProtocolFeeBasisPoints)

	if spec := a.Config.Ethereum.CollateralRateProxy; spec != "" {
		src, err := a.sourceForSpec(spec)
		if err != nil {
			return nil, err
		}
		converter.SetCollateralSource(src)
	}
	for chain, spec := range a.Config.Ethereum.NativeRateProxies {
		chainID, err := strconv.ParseUint(chain, 10, 64)
		if err != nil || chainID == 0 {
			return nil, fmt.Errorf("ethereum.native_rate_proxies key %q is not a chain id", chain)
		}
		src, err := a.sourceForSpec(spec)
		if err != nil {
			return nil, err
		}
		converter.SetNativeCurrencySource(chainID, src)
	}
	return converter, nil
}

func (a *App) newPolicy() *roles.Policy {
	manager := common.HexToAddress(a.Config.Roles.Manager)

	var registry roles.Registry
	if a.Config.Ethereum.AccessRegistry != "" {
		registry = roles.NewContractRegistry(roles.ContractRegistryOptions{
			RPCURL:   a.Config.Ethereum.RPCURL,
			Registry: common.HexToAddress(a.Config.Ethereum.AccessRegistry),
			Timeout:  a.Config.Ethereum.RequestTimeout,
		}, a.Logger)
	} else {
		static := roles.NewStaticRegistry()
		grant := func(description string, accounts []string) {
			role := roles.DeriveRole(manager, description)
			for _, account := range accounts {
				static.Grant(role, common.HexToAddress(account))
			}
		}
		grant(roles.AuctioneerRoleDescription, a.Config.Roles.Auctioneers)
		grant(roles.ProxySetterRoleDescription, a.Config.Roles.ProxySetters)
		grant(roles.WithdrawerRoleDescription, a.Config.Roles.Withdrawers)
		registry = static
	}

	return roles.NewPolicy(manager, registry, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running auction house service: the HTTP API plus the
// background rate-freshness monitor.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	converter, err := a.newConverter()
	if err != nil {
		return err
	}
	policy := a.newPolicy()
	bank := ledger.New(nil, ledger.Options{
		WithdrawalWaitingPeriod: a.Config.Auction.WithdrawalWaitingPeriod,
	}, a.Logger)
	house := auction.NewHouse(converter, bank, auction.Options{
		Params: auction.Params{
			MinimumBidLifetime:          a.Config.Auction.MinimumBidLifetime,
			MaximumBidLifetime:          a.Config.Auction.MaximumBidLifetime,
			FulfillmentReportingPeriod:  a.Config.Auction.FulfillmentReportingPeriod,
			MaximumBidderDataLength:     a.Config.Auction.MaximumBidderDataLength,
			MaximumAuctioneerDataLength: a.Config.Auction.MaximumAuctioneerDataLength,
		},
	}, a.Logger)

	svcOpts := service.Options{
		Sink:     events.NewLogSink(a.Logger),
		Notifier: a.newNotifier(),
		LockKey:  a.Config.Monitor.AdvisoryLockKey,
	}
	if store != nil {
		svcOpts.Journal = store
		svcOpts.Locker = store
	}
	svc := service.New(policy, house, bank, converter, svcOpts, a.Logger)

	api := httpapi.New(svc, httpapi.Options{Sources: a.sourceFor}, a.Logger)
	srv := &http.Server{
		Addr:         a.Config.Server.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	monitor := scheduler.New(scheduler.Options{
		Interval:     a.Config.Monitor.Interval,
		StartupDelay: a.Config.Monitor.StartupDelay,
	}, a.Logger)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("starting http api")
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		if err := monitor.Run(ctx, svc.ProbeRates); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("monitor terminated with error")
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown failed")
	}

	a.Logger.Info().Msg("auction house service stopped")
	return nil
}

// QuoteOptions hold parameters for a one-off quote.
type QuoteOptions struct {
	ChainID uint64
	Amount  string
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Limit int
}
