package config

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLASHHAWK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHHAWK_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Risk ──
	setAmount(&cfg.Risk.MaxPositionSize, "FLASHHAWK_RISK_MAX_POSITION_SIZE")
	setAmount(&cfg.Risk.MaxDailyVolume, "FLASHHAWK_RISK_MAX_DAILY_VOLUME")
	setAmount(&cfg.Risk.MinProfit, "FLASHHAWK_RISK_MIN_PROFIT")
	setAmount(&cfg.Risk.EmergencyLossThreshold, "FLASHHAWK_RISK_EMERGENCY_LOSS_THRESHOLD")
	setAmount(&cfg.Risk.MaxGasPriceWei, "FLASHHAWK_RISK_MAX_GAS_PRICE_WEI")
	setInt(&cfg.Risk.MaxSlippageBps, "FLASHHAWK_RISK_MAX_SLIPPAGE_BPS")
	setFloat64(&cfg.Risk.MaxFailureRate, "FLASHHAWK_RISK_MAX_FAILURE_RATE")
	setInt(&cfg.Risk.MaxLossesPerHour, "FLASHHAWK_RISK_MAX_LOSSES_PER_HOUR")
	setInt(&cfg.Risk.MarketScoreThreshold, "FLASHHAWK_RISK_MARKET_SCORE_THRESHOLD")
	setDuration(&cfg.Risk.BreakerCooldown, "FLASHHAWK_RISK_BREAKER_COOLDOWN")

	// ── Scheduler ──
	setInt(&cfg.Scheduler.MaxConcurrent, "FLASHHAWK_SCHEDULER_MAX_CONCURRENT")
	setDuration(&cfg.Scheduler.PollInterval, "FLASHHAWK_SCHEDULER_POLL_INTERVAL")
	setInt(&cfg.Scheduler.MaxRetries, "FLASHHAWK_SCHEDULER_MAX_RETRIES")
	setDuration(&cfg.Scheduler.RetryBaseDelay, "FLASHHAWK_SCHEDULER_RETRY_BASE_DELAY")
	setDuration(&cfg.Scheduler.MaxAge, "FLASHHAWK_SCHEDULER_MAX_AGE")

	// ── Settle ──
	setAmount(&cfg.Settle.MinProfit, "FLASHHAWK_SETTLE_MIN_PROFIT")
	setInt(&cfg.Settle.BorrowFeeBps, "FLASHHAWK_SETTLE_BORROW_FEE_BPS")
	setInt(&cfg.Settle.PlatformFeeBps, "FLASHHAWK_SETTLE_PLATFORM_FEE_BPS")
	setStr(&cfg.Settle.FeeRecipient, "FLASHHAWK_SETTLE_FEE_RECIPIENT")
	setBool(&cfg.Settle.DryRun, "FLASHHAWK_SETTLE_DRY_RUN")

	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "FLASHHAWK_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "FLASHHAWK_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "FLASHHAWK_SIGNER_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHHAWK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLASHHAWK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHHAWK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHHAWK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHHAWK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHHAWK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHHAWK_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "FLASHHAWK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHHAWK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHHAWK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHHAWK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHHAWK_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "FLASHHAWK_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FLASHHAWK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHHAWK_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHHAWK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHHAWK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHHAWK_S3_SECRET_KEY")

	// ── Discovery ──
	setStr(&cfg.Discovery.Stream, "FLASHHAWK_DISCOVERY_STREAM")
	setStr(&cfg.Discovery.ResultStream, "FLASHHAWK_DISCOVERY_RESULT_STREAM")
	setDuration(&cfg.Discovery.PollInterval, "FLASHHAWK_DISCOVERY_POLL_INTERVAL")
	setInt(&cfg.Discovery.BatchSize, "FLASHHAWK_DISCOVERY_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLASHHAWK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLASHHAWK_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "FLASHHAWK_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHHAWK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHHAWK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHHAWK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHHAWK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FLASHHAWK_MODE")
	setStr(&cfg.LogLevel, "FLASHHAWK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setAmount(dst *amount, key string) {
	if v := os.Getenv(key); v != "" {
		if n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10); ok {
			dst.Int = n
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
