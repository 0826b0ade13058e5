package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/listingarb/internal/blob/s3"
	"github.com/alanyoungcy/listingarb/internal/cache/redis"
	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/config"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/notify"
	"github.com/alanyoungcy/listingarb/internal/platform/binance"
	"github.com/alanyoungcy/listingarb/internal/platform/bybit"
	"github.com/alanyoungcy/listingarb/internal/platform/exchange"
	"github.com/alanyoungcy/listingarb/internal/platform/kucoin"
	"github.com/alanyoungcy/listingarb/internal/server/handler"
	"github.com/alanyoungcy/listingarb/internal/store/postgres"
	"github.com/alanyoungcy/listingarb/internal/tradelog"
)

// TradeLog is the trade log as the modes use it: appendable, listable and
// rangeable for the archiver.
type TradeLog interface {
	domain.TradeLogStore
	s3blob.TradeRangeSource
}

// Dependencies bundles every concrete dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional backends are nil when disabled.
type Dependencies struct {
	Clock clock.Clock

	// Exchanges, keyed by name.
	Exchanges map[string]*exchange.Client
	Quotes    map[string]domain.QuoteSource
	Listings  []domain.ListingSource

	// Stores
	TradeLog      TradeLog
	Baselines     domain.BaselineStore
	Snapshots     domain.LedgerSnapshotStore
	PositionStore domain.PositionStore

	// Caches
	QuoteCache  domain.QuoteCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Notifier *notify.Notifier

	// Health holds one probe per connected backend.
	Health map[string]handler.Check
}

// newAdapter maps an exchange name onto its REST adapter.
func newAdapter(name string) (exchange.Adapter, error) {
	switch name {
	case binance.Name:
		return binance.New(), nil
	case bybit.Name:
		return bybit.New(), nil
	case kucoin.Name:
		return kucoin.New(), nil
	default:
		return nil, fmt.Errorf("%w: no adapter for exchange %q", domain.ErrConfig, name)
	}
}

// startingBalances returns the configured per-exchange capital.
func startingBalances(cfg *config.Config) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, name := range cfg.EnabledExchanges() {
		out[name] = decimal.NewFromFloat(cfg.Exchanges[name].StartingBalance)
	}
	return out
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Clock:     clock.Real(),
		Exchanges: make(map[string]*exchange.Client),
		Quotes:    make(map[string]domain.QuoteSource),
		Health:    make(map[string]handler.Check),
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.TradeLog = postgres.NewTradeLogStore(pool)
		deps.Baselines = postgres.NewBaselineStore(pool)
		deps.Snapshots = postgres.NewLedgerSnapshotStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.Health["postgres"] = pgClient.Ping
	}

	// Local trade log when Postgres is off, optionally mirrored to CSV.
	if deps.TradeLog == nil {
		if path := cfg.Ledger.TradeLogPath; path != "" {
			mem, err := tradelog.OpenFile(path)
			if err != nil {
				return fail(fmt.Errorf("wire: trade log: %w", err))
			}
			closers = append(closers, func() { _ = mem.Close() })
			deps.TradeLog = mem
		} else {
			deps.TradeLog = tradelog.NewMemory()
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteCache = redis.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Exchanges ---
	for _, name := range cfg.EnabledExchanges() {
		adapter, err := newAdapter(name)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		ex := cfg.Exchanges[name]
		client := exchange.NewClient(adapter, ex.BaseURL, ex.Timeout.Duration, exchange.Throttle{
			Limiter: deps.RateLimiter,
			Limit:   ex.RateLimit,
			Window:  ex.RateWindow.Duration,
		}, deps.Clock, logger)
		deps.Exchanges[name] = client
		deps.Quotes[name] = client
		deps.Listings = append(deps.Listings, client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
