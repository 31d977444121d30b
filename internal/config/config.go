package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION - One validated struct, built once at startup
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sources, in precedence order:
//   1. environment (secrets: telegram token, database DSN, debug/dry-run)
//   2. YAML config file (strict: unknown keys rejected)
//   3. defaults below
//
// ═══════════════════════════════════════════════════════════════════════════════

// HedgeModeConfig tunes the spread-entry / hedge behavior.
type HedgeModeConfig struct {
	HedgeRatio        Decimal   `yaml:"hedge_ratio"`
	MaxSlippage       Decimal   `yaml:"max_slippage"`
	MinSpreadForEntry Decimal   `yaml:"min_spread_for_entry"`
	CancelSpread      Decimal   `yaml:"cancel_spread"`
	MaxOrderAge       Duration  `yaml:"max_order_age"`
	ExposureCap       Decimal   `yaml:"exposure_cap"`
	CoolDown          Duration  `yaml:"cool_down"`
	Notional          Decimal   `yaml:"notional"`
	SafetyMargin      Decimal   `yaml:"safety_margin"`
	MaxOpenOrders     int       `yaml:"max_open_orders"`
	ChildSizes        []Decimal `yaml:"child_sizes"` // multi-leg hedge split
}

// ChildSizeDecimals unwraps the multi-leg split sizes.
func (h HedgeModeConfig) ChildSizeDecimals() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(h.ChildSizes))
	for _, c := range h.ChildSizes {
		out = append(out, c.Decimal)
	}
	return out
}

// AccountConfig declares one venue account.
type AccountConfig struct {
	ID          string `yaml:"id"`
	Venue       string `yaml:"venue"`
	Credentials string `yaml:"credentials"` // opaque, never logged
	Proxy       string `yaml:"proxy"`
	Balance     string `yaml:"balance"` // starting available balance
}

// PairConfig declares one cross-venue event pair.
type PairConfig struct {
	PairID    string `yaml:"pair_id"`
	MarketA   string `yaml:"market_a"`
	MarketB   string `yaml:"market_b"`
	AccountA  string `yaml:"account_a"`
	AccountB  string `yaml:"account_b"`
	Primary   string `yaml:"primary"`   // venue name
	Secondary string `yaml:"secondary"` // venue name
	Enabled   bool   `yaml:"enabled"`
	TakerFeeA string `yaml:"taker_fee_a"`
	TakerFeeB string `yaml:"taker_fee_b"`
}

// Fees returns the per-leg taker fees for a pair.
func (p PairConfig) Fees() (feeA, feeB decimal.Decimal) {
	if p.TakerFeeA != "" {
		feeA, _ = decimal.NewFromString(p.TakerFeeA)
	}
	if p.TakerFeeB != "" {
		feeB, _ = decimal.NewFromString(p.TakerFeeB)
	}
	return feeA, feeB
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // "sqlite" | "postgres"
	DSN     string `yaml:"dsn"`
}

// RateLimitConfig is a per-venue token bucket budget.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ConnectivityConfig tunes fill sourcing for a venue.
type ConnectivityConfig struct {
	UseWebsocket bool     `yaml:"use_websocket"`
	PollInterval Duration `yaml:"poll_interval"`
}

// TelegramConfig gates the notifier.
type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BotToken  string   `yaml:"bot_token"`
	ChatID    int64    `yaml:"chat_id"`
	Heartbeat Duration `yaml:"heartbeat"`
}

// ExchangesConfig names the default primary/secondary venues.
type ExchangesConfig struct {
	Primary   string `yaml:"primary"`
	Secondary string `yaml:"secondary"`
}

type Config struct {
	DryRun             bool                          `yaml:"dry_run"`
	MarketHedgeMode    HedgeModeConfig               `yaml:"market_hedge_mode"`
	DoubleLimitEnabled bool                          `yaml:"double_limit_enabled"`
	AllowPartialHedge  bool                          `yaml:"allow_partial_hedge"`
	MultiLegEnabled    bool                          `yaml:"multi_leg_enabled"`
	HedgeMaxRetries    int                           `yaml:"hedge_max_retries"`
	Exchanges          ExchangesConfig               `yaml:"exchanges"`
	Accounts           []AccountConfig               `yaml:"accounts"`
	MarketPairs        []PairConfig                  `yaml:"market_pairs"`
	Database           DatabaseConfig                `yaml:"database"`
	RateLimits         map[string]RateLimitConfig    `yaml:"rate_limits"`
	Connectivity       map[string]ConnectivityConfig `yaml:"connectivity"`
	Telegram           TelegramConfig                `yaml:"telegram"`
	ListenAddr         string                        `yaml:"listen_addr"`
	PlaceRetries       int                           `yaml:"place_retries"`
	StaleThreshold     Duration                      `yaml:"stale_threshold"`
	Debug              bool                          `yaml:"debug"`
}

func defaults() *Config {
	return &Config{
		DryRun: true,
		MarketHedgeMode: HedgeModeConfig{
			HedgeRatio:        Dec("1"),
			MaxSlippage:       Dec("0.02"),
			MinSpreadForEntry: Dec("0.01"),
			CancelSpread:      Dec("0.003"),
			MaxOrderAge:       Duration(5 * time.Minute),
			ExposureCap:       Dec("1000"),
			CoolDown:          Duration(2 * time.Minute),
			Notional:          Dec("100"),
			SafetyMargin:      Dec("0.95"),
			MaxOpenOrders:     4,
		},
		DoubleLimitEnabled: false,
		AllowPartialHedge:  true,
		MultiLegEnabled:    false,
		HedgeMaxRetries:    2,
		Database:           DatabaseConfig{Backend: "sqlite", DSN: "data/hedgebot.db"},
		ListenAddr:         ":8088",
		PlaceRetries:       3,
		StaleThreshold:     Duration(2 * time.Second),
	}
}

// Load reads the YAML file (if path non-empty), overlays environment
// variables, and validates. Unknown YAML keys are an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_BACKEND"); v != "" {
		c.Database.Backend = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		c.DryRun = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = v == "true" || v == "1" || v == "yes"
	}
}

// Validate enforces startup invariants. Failures here abort with exit code 2.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.backend must be sqlite or postgres, got %q", c.Database.Backend)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if !c.MarketHedgeMode.HedgeRatio.IsPositive() {
		return fmt.Errorf("market_hedge_mode.hedge_ratio must be positive")
	}
	if c.MarketHedgeMode.MaxSlippage.IsNegative() {
		return fmt.Errorf("market_hedge_mode.max_slippage must be >= 0")
	}
	if c.MarketHedgeMode.CancelSpread.GreaterThan(c.MarketHedgeMode.MinSpreadForEntry.Decimal) {
		return fmt.Errorf("market_hedge_mode.cancel_spread above min_spread_for_entry would cancel every entry")
	}
	if c.HedgeMaxRetries < 0 {
		return fmt.Errorf("hedge_max_retries must be >= 0")
	}
	if c.PlaceRetries < 1 {
		return fmt.Errorf("place_retries must be >= 1")
	}
	for _, sz := range c.MarketHedgeMode.ChildSizes {
		if !sz.IsPositive() {
			return fmt.Errorf("market_hedge_mode.child_sizes entries must be positive")
		}
	}

	accounts := make(map[string]string, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" || a.Venue == "" {
			return fmt.Errorf("account entries need id and venue")
		}
		if _, dup := accounts[a.ID]; dup {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		if a.Balance != "" {
			if _, err := decimal.NewFromString(a.Balance); err != nil {
				return fmt.Errorf("account %s: bad balance %q: %w", a.ID, a.Balance, err)
			}
		}
		accounts[a.ID] = a.Venue
	}

	seen := make(map[string]bool, len(c.MarketPairs))
	for _, p := range c.MarketPairs {
		if p.PairID == "" {
			return fmt.Errorf("market_pairs entries need pair_id")
		}
		if seen[p.PairID] {
			return fmt.Errorf("duplicate pair_id %q", p.PairID)
		}
		seen[p.PairID] = true

		if p.Primary == p.Secondary {
			return fmt.Errorf("pair %s: primary and secondary venue must differ", p.PairID)
		}
		for _, acct := range []string{p.AccountA, p.AccountB} {
			if acct == "" {
				return fmt.Errorf("pair %s: both account assignments required", p.PairID)
			}
			if _, ok := accounts[acct]; !ok {
				return fmt.Errorf("pair %s references unknown account %q", p.PairID, acct)
			}
		}
		for _, fee := range []string{p.TakerFeeA, p.TakerFeeB} {
			if fee == "" {
				continue
			}
			if _, err := decimal.NewFromString(fee); err != nil {
				return fmt.Errorf("pair %s: bad fee %q: %w", p.PairID, fee, err)
			}
		}
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.enabled requires a bot token")
	}
	return nil
}

// EnabledPairs filters market_pairs down to the enabled set.
func (c *Config) EnabledPairs() []PairConfig {
	out := make([]PairConfig, 0, len(c.MarketPairs))
	for _, p := range c.MarketPairs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// PollInterval returns the configured poll cadence for a venue (default 500ms).
func (c *Config) PollInterval(venue string) time.Duration {
	if conn, ok := c.Connectivity[venue]; ok && conn.PollInterval > 0 {
		return conn.PollInterval.Std()
	}
	return 500 * time.Millisecond
}

// UseWebsocket reports whether push fills are enabled for a venue.
func (c *Config) UseWebsocket(venue string) bool {
	conn, ok := c.Connectivity[venue]
	return ok && conn.UseWebsocket
}
