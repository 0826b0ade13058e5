// Package config defines the top-level configuration for the listing
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LISTARB_* environment variables.
type Config struct {
	Engine    EngineConfig              `toml:"engine"`
	Evaluator EvaluatorConfig           `toml:"evaluator"`
	Position  PositionConfig            `toml:"position"`
	Ledger    LedgerConfig              `toml:"ledger"`
	Exchanges map[string]ExchangeConfig `toml:"exchanges"`
	Backtest  BacktestConfig            `toml:"backtest"`
	Postgres  PostgresConfig            `toml:"postgres"`
	Redis     RedisConfig               `toml:"redis"`
	S3        S3Config                  `toml:"s3"`
	Server    ServerConfig              `toml:"server"`
	Notify    NotifyConfig              `toml:"notify"`
	Mode      string                    `toml:"mode"`
	LogLevel  string                    `toml:"log_level"`
}

// EngineConfig drives the polling loop and quote fetching.
type EngineConfig struct {
	CycleInterval          duration `toml:"cycle_interval"`
	QuoteWaitInterval      duration `toml:"quote_wait_interval"`
	ListingWaitTimeout     duration `toml:"listing_wait_timeout"`
	ListingFetchTimeout    duration `toml:"listing_fetch_timeout"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions"`
	QuoteDepth             int      `toml:"quote_depth"`
	FetchTimeout           duration `toml:"fetch_timeout"`
	FetchRetries           int      `toml:"fetch_retries"`
	FetchBackoff           duration `toml:"fetch_backoff"`
	// LockTTL bounds the per-symbol distributed lock. Zero derives it from
	// listing_wait_timeout plus position.max_hold.
	LockTTL duration `toml:"lock_ttl"`
}

// EvaluatorConfig holds the entry policy.
type EvaluatorConfig struct {
	EntryThreshold float64  `toml:"entry_threshold"`
	ExitBuffer     float64  `toml:"exit_buffer"`
	FeeRate        float64  `toml:"fee_rate"`
	Level          int      `toml:"level"`
	MaxQuoteAge    duration `toml:"max_quote_age"`
}

// PositionConfig holds monitoring and exit parameters.
type PositionConfig struct {
	ExitTolerance float64  `toml:"exit_tolerance"`
	PollInterval  duration `toml:"poll_interval"`
	MaxHold       duration `toml:"max_hold"`
	OrderRetries  int      `toml:"order_retries"`
	RetryDelay    duration `toml:"retry_delay"`
	LongFirst     bool     `toml:"long_first"`
	SlippageBps   float64  `toml:"slippage_bps"`
}

// LedgerConfig controls balance persistence and the local trade log mirror.
type LedgerConfig struct {
	SnapshotInterval duration `toml:"snapshot_interval"`
	// TradeLogPath mirrors every trade record to a local CSV file when set.
	TradeLogPath string `toml:"trade_log_path"`
}

// ExchangeConfig configures one venue. The map key is the exchange name.
type ExchangeConfig struct {
	Enabled         bool     `toml:"enabled"`
	BaseURL         string   `toml:"base_url"`
	Timeout         duration `toml:"timeout"`
	StartingBalance float64  `toml:"starting_balance"`
	// FeeRate overrides evaluator.fee_rate for this venue. Zero inherits it.
	FeeRate float64 `toml:"fee_rate"`
	// RateLimit caps REST requests per RateWindow. Zero disables throttling.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// BacktestConfig selects the historical series replayed in backtest mode.
type BacktestConfig struct {
	Symbols []string `toml:"symbols"`
	// Source is "file" (SeriesDir/{SYMBOL}.csv holding every exchange) or "s3"
	// (ohlcv/{exchange}/{SYMBOL}.csv in the configured bucket).
	Source    string   `toml:"source"`
	SeriesDir string   `toml:"series_dir"`
	Delay     duration `toml:"delay"`
	Output    string   `toml:"output"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	QuoteTTL   duration `toml:"quote_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	Prefix          string   `toml:"prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with the engine's standard tuning.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			CycleInterval:          duration{20 * time.Second},
			QuoteWaitInterval:      duration{5 * time.Second},
			ListingWaitTimeout:     duration{8 * time.Hour},
			ListingFetchTimeout:    duration{10 * time.Second},
			MaxConcurrentPositions: 3,
			QuoteDepth:             3,
			FetchTimeout:           duration{5 * time.Second},
			FetchRetries:           2,
			FetchBackoff:           duration{250 * time.Millisecond},
		},
		Evaluator: EvaluatorConfig{
			EntryThreshold: 0.002,
			ExitBuffer:     0,
			FeeRate:        0.001,
			Level:          2,
			MaxQuoteAge:    duration{10 * time.Second},
		},
		Position: PositionConfig{
			ExitTolerance: 0.0005,
			PollInterval:  duration{5 * time.Second},
			MaxHold:       duration{30 * time.Minute},
			OrderRetries:  2,
			RetryDelay:    duration{time.Second},
		},
		Ledger: LedgerConfig{
			SnapshotInterval: duration{time.Minute},
		},
		Exchanges: map[string]ExchangeConfig{
			"binance": defaultExchange("https://api.binance.com"),
			"bybit":   defaultExchange("https://api.bybit.com"),
			"kucoin":  defaultExchange("https://api.kucoin.com"),
		},
		Backtest: BacktestConfig{
			Source:    "file",
			SeriesDir: "data/ohlcv",
			Delay:     duration{15 * time.Second},
			Output:    "backtest_trades.csv",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "listingarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "listarb:",
			QuoteTTL:   duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "listingarb-data",
			ForcePathStyle:  true,
			ArchiveInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"listing_detected", "position_settled", "position_failed", "partial_execution"},
		},
		Mode:     "live",
		LogLevel: "info",
	}
}

func defaultExchange(baseURL string) ExchangeConfig {
	return ExchangeConfig{
		Enabled:         true,
		BaseURL:         baseURL,
		Timeout:         duration{10 * time.Second},
		StartingBalance: 60,
		RateLimit:       10,
		RateWindow:      duration{time.Second},
	}
}

// EnabledExchanges returns the names of enabled exchanges in sorted order.
func (c *Config) EnabledExchanges() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// FeeRates returns the per-exchange fee overrides.
func (c *Config) FeeRates() map[string]float64 {
	out := make(map[string]float64)
	for name, ex := range c.Exchanges {
		if ex.FeeRate > 0 {
			out[name] = ex.FeeRate
		}
	}
	return out
}

// LockTTL returns the configured lock TTL, or one long enough to cover a
// full listing wait plus the maximum holding time.
func (c *Config) LockTTL() time.Duration {
	if c.Engine.LockTTL.Duration > 0 {
		return c.Engine.LockTTL.Duration
	}
	return c.Engine.ListingWaitTimeout.Duration + c.Position.MaxHold.Duration + 5*time.Minute
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":     true,
	"monitor":  true,
	"backtest": true,
	"server":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// knownExchanges are the venues with a REST adapter.
var knownExchanges = map[string]bool{
	"binance": true,
	"bybit":   true,
	"kucoin":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, monitor, backtest, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be > 0")
	}
	if c.Engine.QuoteWaitInterval.Duration <= 0 {
		errs = append(errs, "engine: quote_wait_interval must be > 0")
	}
	if c.Engine.ListingWaitTimeout.Duration <= 0 {
		errs = append(errs, "engine: listing_wait_timeout must be > 0")
	}
	if c.Engine.MaxConcurrentPositions < 1 {
		errs = append(errs, "engine: max_concurrent_positions must be >= 1")
	}
	if c.Engine.QuoteDepth < 1 {
		errs = append(errs, "engine: quote_depth must be >= 1")
	}
	if c.Engine.FetchRetries < 0 {
		errs = append(errs, "engine: fetch_retries must be >= 0")
	}

	// Evaluator
	if c.Evaluator.EntryThreshold <= 0 {
		errs = append(errs, "evaluator: entry_threshold must be > 0")
	}
	if c.Evaluator.FeeRate < 0 || c.Evaluator.FeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("evaluator: fee_rate must be in [0, 1), got %v", c.Evaluator.FeeRate))
	}
	if c.Evaluator.ExitBuffer < 0 {
		errs = append(errs, "evaluator: exit_buffer must be >= 0")
	}
	if c.Evaluator.Level < 1 {
		errs = append(errs, "evaluator: level must be >= 1")
	}
	if c.Evaluator.Level > c.Engine.QuoteDepth {
		errs = append(errs, fmt.Sprintf("evaluator: level %d exceeds engine.quote_depth %d", c.Evaluator.Level, c.Engine.QuoteDepth))
	}

	// Position
	if c.Position.ExitTolerance < 0 {
		errs = append(errs, "position: exit_tolerance must be >= 0")
	}
	if c.Position.PollInterval.Duration <= 0 {
		errs = append(errs, "position: poll_interval must be > 0")
	}
	if c.Position.MaxHold.Duration <= 0 {
		errs = append(errs, "position: max_hold must be > 0")
	}
	if c.Position.OrderRetries < 0 {
		errs = append(errs, "position: order_retries must be >= 0")
	}

	// Exchanges
	enabled := c.EnabledExchanges()
	if len(enabled) < 2 {
		errs = append(errs, fmt.Sprintf("exchanges: at least 2 must be enabled, got %d", len(enabled)))
	}
	for _, name := range enabled {
		ex := c.Exchanges[name]
		if !knownExchanges[name] {
			errs = append(errs, fmt.Sprintf("exchanges.%s: no adapter for this exchange (valid: binance, bybit, kucoin)", name))
		}
		if ex.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("exchanges.%s: base_url must not be empty", name))
		}
		if ex.StartingBalance < 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: starting_balance must be >= 0", name))
		}
		if ex.RateLimit > 0 && ex.RateWindow.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: rate_window must be > 0 when rate_limit is set", name))
		}
	}

	// Backtest
	if mode == "backtest" {
		switch c.Backtest.Source {
		case "file":
			// The s3 source discovers symbols from the ohlcv/ listing.
			if len(c.Backtest.Symbols) == 0 {
				errs = append(errs, "backtest: symbols must not be empty for source \"file\"")
			}
			if c.Backtest.SeriesDir == "" {
				errs = append(errs, "backtest: series_dir must be set for source \"file\"")
			}
		case "s3":
			if !c.S3.Enabled {
				errs = append(errs, "backtest: source \"s3\" requires s3.enabled")
			}
		default:
			errs = append(errs, fmt.Sprintf("backtest: unknown source %q (valid: file, s3)", c.Backtest.Source))
		}
		if c.Backtest.Delay.Duration < 0 {
			errs = append(errs, "backtest: delay must be >= 0")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}
	if mode == "server" && !c.Postgres.Enabled {
		errs = append(errs, "server: mode \"server\" reads from postgres; set postgres.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
