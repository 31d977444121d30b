package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
dry_run: true
double_limit_enabled: true
market_hedge_mode:
  hedge_ratio: "1"
  max_slippage: "0.02"
  min_spread_for_entry: "0.05"
  cancel_spread: "0.01"
  max_order_age: 5m
  exposure_cap: "1000"
  cool_down: 2m
  notional: "100"
  safety_margin: "0.95"
  max_open_orders: 4
accounts:
  - id: a1
    venue: alpha
    balance: "1000"
  - id: b1
    venue: beta
    balance: "1000"
market_pairs:
  - pair_id: p1
    market_a: m-a
    market_b: m-b
    account_a: a1
    account_b: b1
    primary: alpha
    secondary: beta
    enabled: true
    taker_fee_a: "0.01"
    taker_fee_b: "0.01"
database:
  backend: sqlite
  dsn: ":memory:"
connectivity:
  alpha:
    use_websocket: true
    poll_interval: 250ms
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.DoubleLimitEnabled)
	assert.Len(t, cfg.EnabledPairs(), 1)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval("alpha"))
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval("beta"), "default poll interval")
	assert.True(t, cfg.UseWebsocket("alpha"))
	assert.False(t, cfg.UseWebsocket("beta"))

	feeA, feeB := cfg.MarketPairs[0].Fees()
	assert.Equal(t, "0.01", feeA.String())
	assert.Equal(t, "0.01", feeB.String())
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nsome_unknown_key: 1\n"))
	assert.Error(t, err)
}

func TestDuplicatePairRejected(t *testing.T) {
	bad := `
accounts:
  - id: a1
    venue: alpha
  - id: b1
    venue: beta
market_pairs:
  - pair_id: p1
    market_a: m-a
    market_b: m-b
    account_a: a1
    account_b: b1
    primary: alpha
    secondary: beta
  - pair_id: p1
    market_a: m-a2
    market_b: m-b2
    account_a: a1
    account_b: b1
    primary: alpha
    secondary: beta
`
	_, err := Load(writeConfig(t, bad))
	assert.ErrorContains(t, err, "duplicate pair_id")
}

func TestUnknownAccountRejected(t *testing.T) {
	bad := `
accounts:
  - id: a1
    venue: alpha
market_pairs:
  - pair_id: p1
    market_a: m-a
    market_b: m-b
    account_a: a1
    account_b: ghost
    primary: alpha
    secondary: beta
`
	_, err := Load(writeConfig(t, bad))
	assert.ErrorContains(t, err, "unknown account")
}

func TestSameVenueBothSidesRejected(t *testing.T) {
	bad := `
accounts:
  - id: a1
    venue: alpha
  - id: a2
    venue: alpha
market_pairs:
  - pair_id: p1
    market_a: m-a
    market_b: m-b
    account_a: a1
    account_b: a2
    primary: alpha
    secondary: alpha
`
	_, err := Load(writeConfig(t, bad))
	assert.ErrorContains(t, err, "must differ")
}

func TestBadBackendRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  backend: mongodb\n  dsn: x\n"))
	assert.ErrorContains(t, err, "database.backend")
}

func TestCancelSpreadAboveEntryRejected(t *testing.T) {
	bad := `
market_hedge_mode:
  min_spread_for_entry: "0.01"
  cancel_spread: "0.05"
`
	_, err := Load(writeConfig(t, bad))
	assert.ErrorContains(t, err, "cancel_spread")
}

func TestTelegramRequiresToken(t *testing.T) {
	_, err := Load(writeConfig(t, "telegram:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "bot token")
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.DryRun, "dry-run by default")
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, 3, cfg.PlaceRetries)
	assert.Equal(t, 2, cfg.HedgeMaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_BACKEND", "postgres")
	t.Setenv("DATABASE_DSN", "postgres://local/hedgebot")
	t.Setenv("DRY_RUN", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "postgres://local/hedgebot", cfg.Database.DSN)
	assert.False(t, cfg.DryRun)
}

func TestChildSizesValidated(t *testing.T) {
	_, err := Load(writeConfig(t, "market_hedge_mode:\n  child_sizes: [\"30\", \"nope\"]\n"))
	assert.ErrorContains(t, err, "invalid decimal")

	_, err = Load(writeConfig(t, "market_hedge_mode:\n  child_sizes: [\"30\", \"-5\"]\n"))
	assert.ErrorContains(t, err, "child_sizes")
}
