package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LISTARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	defaults := cfg.Exchanges
	cfg.Exchanges = nil

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	mergeExchanges(&cfg, defaults, md)

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// mergeExchanges fills exchange entries from defaults. A file that names no
// exchanges keeps the default set; a named exchange inherits every default
// the file leaves out.
func mergeExchanges(cfg *Config, defaults map[string]ExchangeConfig, md toml.MetaData) {
	if !md.IsDefined("exchanges") {
		cfg.Exchanges = defaults
		return
	}
	for name, ex := range cfg.Exchanges {
		def, ok := defaults[name]
		if !ok {
			def = defaultExchange("")
		}
		if !md.IsDefined("exchanges", name, "enabled") {
			ex.Enabled = def.Enabled
		}
		if !md.IsDefined("exchanges", name, "starting_balance") {
			ex.StartingBalance = def.StartingBalance
		}
		if !md.IsDefined("exchanges", name, "rate_limit") {
			ex.RateLimit = def.RateLimit
		}
		if ex.BaseURL == "" {
			ex.BaseURL = def.BaseURL
		}
		if ex.Timeout.Duration == 0 {
			ex.Timeout = def.Timeout
		}
		if ex.RateWindow.Duration == 0 {
			ex.RateWindow = def.RateWindow
		}
		cfg.Exchanges[name] = ex
	}
}

// applyEnvOverrides reads well-known LISTARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.CycleInterval, "LISTARB_ENGINE_CYCLE_INTERVAL")
	setDuration(&cfg.Engine.QuoteWaitInterval, "LISTARB_ENGINE_QUOTE_WAIT_INTERVAL")
	setDuration(&cfg.Engine.ListingWaitTimeout, "LISTARB_ENGINE_LISTING_WAIT_TIMEOUT")
	setInt(&cfg.Engine.MaxConcurrentPositions, "LISTARB_ENGINE_MAX_CONCURRENT_POSITIONS")
	setInt(&cfg.Engine.QuoteDepth, "LISTARB_ENGINE_QUOTE_DEPTH")
	setDuration(&cfg.Engine.FetchTimeout, "LISTARB_ENGINE_FETCH_TIMEOUT")
	setInt(&cfg.Engine.FetchRetries, "LISTARB_ENGINE_FETCH_RETRIES")

	// ── Evaluator ──
	setFloat64(&cfg.Evaluator.EntryThreshold, "LISTARB_EVALUATOR_ENTRY_THRESHOLD")
	setFloat64(&cfg.Evaluator.ExitBuffer, "LISTARB_EVALUATOR_EXIT_BUFFER")
	setFloat64(&cfg.Evaluator.FeeRate, "LISTARB_EVALUATOR_FEE_RATE")
	setInt(&cfg.Evaluator.Level, "LISTARB_EVALUATOR_LEVEL")

	// ── Position ──
	setFloat64(&cfg.Position.ExitTolerance, "LISTARB_POSITION_EXIT_TOLERANCE")
	setDuration(&cfg.Position.MaxHold, "LISTARB_POSITION_MAX_HOLD")
	setBool(&cfg.Position.LongFirst, "LISTARB_POSITION_LONG_FIRST")

	// ── Ledger ──
	setStr(&cfg.Ledger.TradeLogPath, "LISTARB_LEDGER_TRADE_LOG_PATH")

	// ── Exchanges ──
	// LISTARB_EXCHANGES restricts the enabled set, e.g. "binance,bybit".
	var only []string
	setStringSlice(&only, "LISTARB_EXCHANGES")
	if len(only) > 0 {
		keep := make(map[string]bool, len(only))
		for _, name := range only {
			keep[strings.ToLower(name)] = true
		}
		for name, ex := range cfg.Exchanges {
			ex.Enabled = keep[name]
			cfg.Exchanges[name] = ex
		}
	}
	for name, ex := range cfg.Exchanges {
		prefix := "LISTARB_EXCHANGES_" + strings.ToUpper(name) + "_"
		setStr(&ex.BaseURL, prefix+"BASE_URL")
		setFloat64(&ex.StartingBalance, prefix+"STARTING_BALANCE")
		setFloat64(&ex.FeeRate, prefix+"FEE_RATE")
		cfg.Exchanges[name] = ex
	}

	// ── Backtest ──
	setStringSlice(&cfg.Backtest.Symbols, "LISTARB_BACKTEST_SYMBOLS")
	setStr(&cfg.Backtest.Source, "LISTARB_BACKTEST_SOURCE")
	setStr(&cfg.Backtest.SeriesDir, "LISTARB_BACKTEST_SERIES_DIR")
	setDuration(&cfg.Backtest.Delay, "LISTARB_BACKTEST_DELAY")
	setStr(&cfg.Backtest.Output, "LISTARB_BACKTEST_OUTPUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "LISTARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "LISTARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LISTARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LISTARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LISTARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LISTARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LISTARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LISTARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LISTARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LISTARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LISTARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LISTARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LISTARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LISTARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LISTARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LISTARB_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "LISTARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LISTARB_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LISTARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LISTARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LISTARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "LISTARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LISTARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LISTARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LISTARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LISTARB_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LISTARB_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LISTARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LISTARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LISTARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LISTARB_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LISTARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LISTARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LISTARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LISTARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LISTARB_MODE")
	setStr(&cfg.LogLevel, "LISTARB_LOG_LEVEL")
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
