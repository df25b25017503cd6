package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	// Dry-run is the default, so no venues or signer are required.
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Settle.DryRun)
	assert.Equal(t, "run", cfg.Mode)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "monitor"

[risk]
max_position_size = "250000000000"
breaker_cooldown = "15m"

[scheduler]
max_concurrent = 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, big.NewInt(250_000_000_000), cfg.Risk.MaxPositionSize.Value())
	assert.Equal(t, 15*time.Minute, cfg.Risk.BreakerCooldown.Duration)
	assert.Equal(t, 7, cfg.Scheduler.MaxConcurrent)

	// Untouched keys keep their defaults.
	assert.Equal(t, 0.25, cfg.Risk.MaxFailureRate)
	assert.Equal(t, "flashhawk:opportunities", cfg.Discovery.Stream)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
[redis]
addr = "file-host:6379"
`)

	t.Setenv("FLASHHAWK_REDIS_ADDR", "env-host:6380")
	t.Setenv("FLASHHAWK_RISK_MIN_PROFIT", "123456789")
	t.Setenv("FLASHHAWK_SETTLE_DRY_RUN", "false")
	t.Setenv("FLASHHAWK_NOTIFY_EVENTS", "breaker_tripped, execution_failed")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-host:6380", cfg.Redis.Addr)
	assert.Equal(t, big.NewInt(123_456_789), cfg.Risk.MinProfit.Value())
	assert.False(t, cfg.Settle.DryRun)
	assert.Equal(t, []string{"breaker_tripped", "execution_failed"}, cfg.Notify.Events)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Risk.MaxFailureRate = 1.5
	cfg.Risk.MaxDailyVolume = amount{big.NewInt(1)} // below position size

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "max_failure_rate")
	assert.Contains(t, err.Error(), "max_daily_volume")
}

func TestValidateRequiresVenuesForLiveRun(t *testing.T) {
	cfg := Defaults()
	cfg.Settle.DryRun = false

	err := cfg.Validate()
	require.Error(t, err)

	cfg.Venues = VenuesConfig{
		"ethereum": {
			RPCURL:         "https://rpc.example.org",
			Contract:       "0x0000000000000000000000000000000000000001",
			ChainID:        1,
			ConfirmTimeout: duration{time.Minute},
		},
	}
	cfg.Signer.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Settle.FeeRecipient = "0x0000000000000000000000000000000000000002"
	require.NoError(t, cfg.Validate())
}
