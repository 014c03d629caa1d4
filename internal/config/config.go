package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oev-auction-house/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Auction  AuctionConfig  `mapstructure:"auction"`
	Roles    RolesConfig    `mapstructure:"roles"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alerting AlertingConfig `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig tunes the HTTP API listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// EthereumConfig covers on-chain data access: rate feed proxies and the
// access control registry.
type EthereumConfig struct {
	RPCURL              string            `mapstructure:"rpc_url"`
	RequestTimeout      time.Duration     `mapstructure:"request_timeout"`
	AccessRegistry      string            `mapstructure:"access_registry"`
	CollateralRateProxy string            `mapstructure:"collateral_rate_proxy"`
	NativeRateProxies   map[string]string `mapstructure:"native_rate_proxies"`
}

// AuctionConfig sets the engine's economic and temporal parameters.
type AuctionConfig struct {
	CollateralBasisPoints       uint64        `mapstructure:"collateral_basis_points"`
	ProtocolFeeBasisPoints      uint64        `mapstructure:"protocol_fee_basis_points"`
	MaximumRateAge              time.Duration `mapstructure:"maximum_rate_age"`
	WithdrawalWaitingPeriod     time.Duration `mapstructure:"withdrawal_waiting_period"`
	MinimumBidLifetime          time.Duration `mapstructure:"minimum_bid_lifetime"`
	MaximumBidLifetime          time.Duration `mapstructure:"maximum_bid_lifetime"`
	FulfillmentReportingPeriod  time.Duration `mapstructure:"fulfillment_reporting_period"`
	MaximumBidderDataLength     int           `mapstructure:"maximum_bidder_data_length"`
	MaximumAuctioneerDataLength int           `mapstructure:"maximum_auctioneer_data_length"`
}

// RolesConfig names the manager and static role grants used when no on-chain
// registry is configured.
type RolesConfig struct {
	Manager      string   `mapstructure:"manager"`
	Auctioneers  []string `mapstructure:"auctioneers"`
	ProxySetters []string `mapstructure:"proxy_setters"`
	Withdrawers  []string `mapstructure:"withdrawers"`
}

// MonitorConfig governs the background rate-freshness probe and snapshotting.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUCTIONHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "auction-house")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("auction.collateral_basis_points", uint64(0))
	v.SetDefault("auction.protocol_fee_basis_points", uint64(0))
	v.SetDefault("auction.maximum_rate_age", "24h")
	v.SetDefault("auction.withdrawal_waiting_period", "15s")
	v.SetDefault("auction.minimum_bid_lifetime", "15s")
	v.SetDefault("auction.maximum_bid_lifetime", "24h")
	v.SetDefault("auction.fulfillment_reporting_period", "24h")
	v.SetDefault("auction.maximum_bidder_data_length", 1024)
	v.SetDefault("auction.maximum_auctioneer_data_length", 8192)

	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.startup_delay", "0s")
	v.SetDefault("monitor.advisory_lock_key", int64(0x6f657668))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// validRateSourceSpec accepts a data feed proxy address or a literal
// fixed-point rate for development deployments.
func validRateSourceSpec(spec string) bool {
	if common.IsHexAddress(spec) {
		return true
	}
	value, ok := new(big.Int).SetString(spec, 10)
	return ok && value.Sign() > 0
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Auction.WithdrawalWaitingPeriod <= 0 {
		return fmt.Errorf("auction.withdrawal_waiting_period must be greater than zero")
	}
	if c.Auction.MinimumBidLifetime <= 0 || c.Auction.MaximumBidLifetime <= c.Auction.MinimumBidLifetime {
		return fmt.Errorf("auction bid lifetime bounds are malformed")
	}
	if c.Roles.Manager != "" && !common.IsHexAddress(c.Roles.Manager) {
		return fmt.Errorf("roles.manager is not a valid address")
	}
	for _, addr := range append(append(append([]string{}, c.Roles.Auctioneers...), c.Roles.ProxySetters...), c.Roles.Withdrawers...) {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("roles grant %q is not a valid address", addr)
		}
	}
	if c.Ethereum.CollateralRateProxy != "" && !validRateSourceSpec(c.Ethereum.CollateralRateProxy) {
		return fmt.Errorf("ethereum.collateral_rate_proxy is neither an address nor a fixed rate")
	}
	for chain, spec := range c.Ethereum.NativeRateProxies {
		if !validRateSourceSpec(spec) {
			return fmt.Errorf("ethereum.native_rate_proxies[%s] is neither an address nor a fixed rate", chain)
		}
	}
	if c.Ethereum.AccessRegistry != "" && !common.IsHexAddress(c.Ethereum.AccessRegistry) {
		return fmt.Errorf("ethereum.access_registry is not a valid address")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}
