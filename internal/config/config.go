// Package config defines the top-level configuration for flashhawk and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FLASHHAWK_* environment
// variables.
type Config struct {
	Risk      RiskConfig      `toml:"risk"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Settle    SettleConfig    `toml:"settle"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Venues    VenuesConfig    `toml:"venues"`
	Signer    SignerConfig    `toml:"signer"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// amount is a wrapper around *big.Int that supports TOML string decoding of
// integer amounts in the smallest currency unit (e.g. "250000000000").
type amount struct {
	*big.Int
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse amount strings.
func (a *amount) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		a.Int = new(big.Int)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("config: invalid amount %q", s)
	}
	a.Int = v
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (a amount) MarshalText() ([]byte, error) {
	if a.Int == nil {
		return []byte("0"), nil
	}
	return []byte(a.Int.String()), nil
}

// Value returns the wrapped big integer, substituting zero for unset amounts.
func (a amount) Value() *big.Int {
	if a.Int == nil {
		return new(big.Int)
	}
	return a.Int
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RiskConfig holds the admission-control tunables.
type RiskConfig struct {
	// MaxPositionSize is the per-opportunity principal ceiling.
	MaxPositionSize amount `toml:"max_position_size"`
	// MaxDailyVolume caps the rolling 24h admitted principal.
	MaxDailyVolume amount `toml:"max_daily_volume"`
	// MinProfit is the base estimated-profit floor before volatility scaling.
	MinProfit amount `toml:"min_profit"`
	// EmergencyLossThreshold trips the breaker immediately when a single
	// execution loses more than this.
	EmergencyLossThreshold amount `toml:"emergency_loss_threshold"`
	// MaxGasPriceWei rejects opportunities whose venue gas estimate exceeds it.
	MaxGasPriceWei amount `toml:"max_gas_price_wei"`
	// MaxSlippageBps is the default slippage tolerance assigned on admission.
	MaxSlippageBps int `toml:"max_slippage_bps"`
	// MaxFailureRate is the failed/total ratio that trips the breaker.
	MaxFailureRate float64 `toml:"max_failure_rate"`
	// MaxLossesPerHour rejects when more recorded losses than this land in
	// the trailing hour.
	MaxLossesPerHour int `toml:"max_losses_per_hour"`
	// MarketScoreThreshold is the composite market-condition score above
	// which the breaker trips.
	MarketScoreThreshold int `toml:"market_score_threshold"`
	// BreakerCooldown is the auto-expiry for a tripped breaker.
	BreakerCooldown duration `toml:"breaker_cooldown"`
	// AdjustScoreThreshold shrinks principal and tightens slippage at or
	// above this risk score; ApprovalScoreThreshold additionally forces HIGH
	// priority and flags the opportunity for approval.
	AdjustScoreThreshold   int `toml:"adjust_score_threshold"`
	ApprovalScoreThreshold int `toml:"approval_score_threshold"`
}

// SchedulerConfig holds the execution scheduler tunables.
type SchedulerConfig struct {
	MaxConcurrent  int      `toml:"max_concurrent"`
	PollInterval   duration `toml:"poll_interval"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
	MaxAge         duration `toml:"max_age"`
	// LockTTL bounds the distributed per-opportunity execution lock.
	LockTTL duration `toml:"lock_ttl"`
}

// FeeTier is one row of the platform fee discount schedule. Users whose
// cumulative volume reaches MinVolume receive DiscountBps off the base rate.
type FeeTier struct {
	Name        string `toml:"name"`
	MinVolume   amount `toml:"min_volume"`
	DiscountBps int    `toml:"discount_bps"`
}

// SettleConfig holds the settlement unit tunables.
type SettleConfig struct {
	// MinProfit is the in-unit gross profit floor, checked after repayment
	// is covered. Independent of the admission-side estimate check.
	MinProfit amount `toml:"min_profit"`
	// BorrowFeeBps is the lending source fee on the borrowed principal.
	BorrowFeeBps int `toml:"borrow_fee_bps"`
	// PlatformFeeBps is the base platform fee on gross profit.
	PlatformFeeBps int `toml:"platform_fee_bps"`
	// FeeRecipient receives the platform fee share.
	FeeRecipient string `toml:"fee_recipient"`
	// Tiers is the discount schedule, ordered by ascending MinVolume.
	Tiers []FeeTier `toml:"tiers"`
	// DryRun settles against the in-memory lender instead of a venue.
	DryRun bool `toml:"dry_run"`
}

// LedgerConfig holds analytics retention and breach thresholds.
type LedgerConfig struct {
	// MaxHistory bounds the in-memory execution record window.
	MaxHistory int `toml:"max_history"`
	// MaxDrawdown and MaxErrorRate are breach thresholds surfaced in reports.
	MaxDrawdown  float64 `toml:"max_drawdown"`
	MaxErrorRate float64 `toml:"max_error_rate"`
	// ArchiveRetention is how long records stay hot before the S3 archiver
	// moves them to cold storage.
	ArchiveRetention duration `toml:"archive_retention"`
	ArchiveInterval  duration `toml:"archive_interval"`
}

// VenueConfig holds per-venue connection and contract parameters.
type VenueConfig struct {
	RPCURL string `toml:"rpc_url"`
	// Contract is the deployed flash-loan executor contract address.
	Contract string `toml:"contract"`
	ChainID  int64  `toml:"chain_id"`
	// ConfirmTimeout bounds the wait for transaction confirmation.
	ConfirmTimeout duration `toml:"confirm_timeout"`
}

// VenuesConfig maps venue names to their configuration.
type VenuesConfig map[string]VenueConfig

// SignerConfig holds the execution key material.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// DiscoveryConfig holds the opportunity intake parameters.
type DiscoveryConfig struct {
	// Stream is the durable stream external scanners publish candidates to.
	Stream string `toml:"stream"`
	// ResultStream receives finalized execution records.
	ResultStream string `toml:"result_stream"`
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
}

// ServerConfig holds HTTP status server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey guards the API endpoints; empty disables authentication.
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			MaxPositionSize:        amount{big.NewInt(500_000_000_000)}, // 500k in 6-decimal units
			MaxDailyVolume:         amount{big.NewInt(5_000_000_000_000)},
			MinProfit:              amount{big.NewInt(50_000_000)},
			EmergencyLossThreshold: amount{big.NewInt(10_000_000_000)},
			MaxGasPriceWei:         amount{big.NewInt(300_000_000_000)}, // 300 gwei
			MaxSlippageBps:         100,
			MaxFailureRate:         0.25,
			MaxLossesPerHour:       3,
			MarketScoreThreshold:   75,
			BreakerCooldown:        duration{10 * time.Minute},
			AdjustScoreThreshold:   40,
			ApprovalScoreThreshold: 70,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  3,
			PollInterval:   duration{2 * time.Second},
			MaxRetries:     3,
			RetryBaseDelay: duration{1 * time.Second},
			MaxAge:         duration{5 * time.Minute},
			LockTTL:        duration{2 * time.Minute},
		},
		Settle: SettleConfig{
			MinProfit:      amount{big.NewInt(10_000_000)},
			BorrowFeeBps:   9, // Aave-style 0.09%
			PlatformFeeBps: 50,
			Tiers: []FeeTier{
				{Name: "BRONZE", MinVolume: amount{big.NewInt(0)}, DiscountBps: 0},
				{Name: "SILVER", MinVolume: amount{big.NewInt(1_000_000_000_000)}, DiscountBps: 1000},
				{Name: "GOLD", MinVolume: amount{big.NewInt(10_000_000_000_000)}, DiscountBps: 2500},
				{Name: "WHALE", MinVolume: amount{big.NewInt(100_000_000_000_000)}, DiscountBps: 5000},
			},
			DryRun: true,
		},
		Ledger: LedgerConfig{
			MaxHistory:       10_000,
			MaxDrawdown:      0.20,
			MaxErrorRate:     0.30,
			ArchiveRetention: duration{30 * 24 * time.Hour},
			ArchiveInterval:  duration{6 * time.Hour},
		},
		Venues: VenuesConfig{
			"ethereum": {RPCURL: "", ChainID: 1, ConfirmTimeout: duration{90 * time.Second}},
			"polygon":  {RPCURL: "", ChainID: 137, ConfirmTimeout: duration{60 * time.Second}},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flashhawk",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flashhawk-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Discovery: DiscoveryConfig{
			Stream:       "flashhawk:opportunities",
			ResultStream: "flashhawk:results",
			PollInterval: duration{1 * time.Second},
			BatchSize:    32,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_tripped", "breaker_cleared", "execution_settled", "execution_failed"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"monitor": true,
	"replay":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Risk
	if c.Risk.MaxPositionSize.Value().Sign() <= 0 {
		errs = append(errs, "risk: max_position_size must be > 0")
	}
	if c.Risk.MaxDailyVolume.Value().Sign() <= 0 {
		errs = append(errs, "risk: max_daily_volume must be > 0")
	}
	if c.Risk.MaxDailyVolume.Value().Cmp(c.Risk.MaxPositionSize.Value()) < 0 {
		errs = append(errs, "risk: max_daily_volume must not be below max_position_size")
	}
	if c.Risk.MaxFailureRate <= 0 || c.Risk.MaxFailureRate > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_failure_rate must be in (0,1], got %v", c.Risk.MaxFailureRate))
	}
	if c.Risk.MaxLossesPerHour < 1 {
		errs = append(errs, "risk: max_losses_per_hour must be >= 1")
	}
	if c.Risk.MarketScoreThreshold <= 0 || c.Risk.MarketScoreThreshold > 100 {
		errs = append(errs, "risk: market_score_threshold must be in (0,100]")
	}
	if c.Risk.BreakerCooldown.Duration <= 0 {
		errs = append(errs, "risk: breaker_cooldown must be > 0")
	}
	if c.Risk.AdjustScoreThreshold >= c.Risk.ApprovalScoreThreshold {
		errs = append(errs, "risk: adjust_score_threshold must be below approval_score_threshold")
	}

	// Scheduler
	if c.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, "scheduler: max_concurrent must be >= 1")
	}
	if c.Scheduler.PollInterval.Duration <= 0 {
		errs = append(errs, "scheduler: poll_interval must be > 0")
	}
	if c.Scheduler.MaxRetries < 1 {
		errs = append(errs, "scheduler: max_retries must be >= 1")
	}
	if c.Scheduler.MaxAge.Duration <= 0 {
		errs = append(errs, "scheduler: max_age must be > 0")
	}

	// Settle
	if c.Settle.BorrowFeeBps < 0 || c.Settle.BorrowFeeBps > 10_000 {
		errs = append(errs, "settle: borrow_fee_bps must be in [0,10000]")
	}
	if c.Settle.PlatformFeeBps < 0 || c.Settle.PlatformFeeBps > 10_000 {
		errs = append(errs, "settle: platform_fee_bps must be in [0,10000]")
	}
	for i, t := range c.Settle.Tiers {
		if t.DiscountBps < 0 || t.DiscountBps > 10_000 {
			errs = append(errs, fmt.Sprintf("settle: tier %q discount_bps must be in [0,10000]", t.Name))
		}
		if i > 0 && t.MinVolume.Value().Cmp(c.Settle.Tiers[i-1].MinVolume.Value()) < 0 {
			errs = append(errs, "settle: tiers must be ordered by ascending min_volume")
		}
	}
	if !c.Settle.DryRun && c.Settle.FeeRecipient == "" {
		errs = append(errs, "settle: fee_recipient is required unless dry_run is set")
	}

	// Ledger
	if c.Ledger.MaxHistory < 1 {
		errs = append(errs, "ledger: max_history must be >= 1")
	}
	if c.Ledger.MaxDrawdown <= 0 || c.Ledger.MaxDrawdown > 1 {
		errs = append(errs, "ledger: max_drawdown must be in (0,1]")
	}
	if c.Ledger.MaxErrorRate <= 0 || c.Ledger.MaxErrorRate > 1 {
		errs = append(errs, "ledger: max_error_rate must be in (0,1]")
	}

	// Venues and signer are only required when settling against real venues.
	if c.Mode == "run" && !c.Settle.DryRun {
		if len(c.Venues) == 0 {
			errs = append(errs, "venues: at least one venue is required when dry_run is off")
		}
		for name, v := range c.Venues {
			if v.RPCURL == "" {
				errs = append(errs, fmt.Sprintf("venues.%s: rpc_url must not be empty", name))
			}
			if v.Contract == "" {
				errs = append(errs, fmt.Sprintf("venues.%s: contract must not be empty", name))
			}
			if v.ChainID <= 0 {
				errs = append(errs, fmt.Sprintf("venues.%s: chain_id must be positive", name))
			}
		}
		if c.Signer.PrivateKey == "" && c.Signer.EncryptedKeyPath == "" {
			errs = append(errs, "signer: either private_key or encrypted_key_path must be set when dry_run is off")
		}
		if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
			errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Discovery
	if c.Discovery.Stream == "" {
		errs = append(errs, "discovery: stream must not be empty")
	}
	if c.Discovery.BatchSize < 1 {
		errs = append(errs, "discovery: batch_size must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
