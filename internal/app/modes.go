package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/listingarb/internal/blob/s3"
	"github.com/alanyoungcy/listingarb/internal/backtest"
	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/engine"
	"github.com/alanyoungcy/listingarb/internal/evaluator"
	"github.com/alanyoungcy/listingarb/internal/execution"
	"github.com/alanyoungcy/listingarb/internal/ledger"
	"github.com/alanyoungcy/listingarb/internal/listing"
	"github.com/alanyoungcy/listingarb/internal/position"
	"github.com/alanyoungcy/listingarb/internal/server"
	"github.com/alanyoungcy/listingarb/internal/server/handler"
	"github.com/alanyoungcy/listingarb/internal/server/ws"
	"github.com/alanyoungcy/listingarb/internal/service"
	"github.com/alanyoungcy/listingarb/internal/tradelog"
)

// LiveMode runs the engine against the configured exchanges with the paper
// gateway, plus the ledger recorder, the S3 archiver and the HTTP server
// when their backends are enabled.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	log := a.logger.With(slog.String("component", "app"))
	log.InfoContext(ctx, "starting live mode")

	starting, err := service.StartingBalances(ctx, deps.Snapshots, startingBalances(a.cfg))
	if err != nil {
		log.WarnContext(ctx, "using configured starting balances", slog.String("error", err.Error()))
	}
	ledg := ledger.New(starting, a.logger)
	tracker := service.NewTracker(deps.TradeLog, deps.PositionStore, deps.SignalBus, deps.Notifier, deps.Clock, a.logger)
	fetcher := a.newFetcher(deps)

	gateway := execution.NewPaperGateway(deps.Quotes, a.cfg.Position.SlippageBps, deps.Clock, a.logger)
	manager := position.NewManager(a.positionConfig(), deps.Quotes, gateway, ledg, deps.Clock, tracker, a.logger)
	eng := engine.New(
		engine.Config{
			CycleInterval:          a.cfg.Engine.CycleInterval.Duration,
			QuoteWaitInterval:      a.cfg.Engine.QuoteWaitInterval.Duration,
			ListingWaitTimeout:     a.cfg.Engine.ListingWaitTimeout.Duration,
			MaxConcurrentPositions: a.cfg.Engine.MaxConcurrentPositions,
			LockTTL:                a.cfg.LockTTL(),
		},
		a.newPoller(deps),
		listing.NewRegistry(deps.Baselines, a.logger),
		fetcher,
		evaluator.New(a.evaluatorConfig()),
		manager,
		deps.LockManager,
		tracker,
		deps.Clock,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	if deps.Snapshots != nil {
		recorder := service.NewLedgerRecorder(ledg, deps.Snapshots, a.cfg.Ledger.SnapshotInterval.Duration, deps.Clock, a.logger)
		g.Go(func() error {
			return recorder.Run(ctx)
		})
	}

	if deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(deps.BlobWriter, deps.TradeLog, tracker, deps.Clock, a.logger)
		g.Go(func() error {
			return archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, apiViews{
			positions: tracker,
			balances:  ledgerBalances(ledg),
			quotes:    a.quoteView(deps, fetcher),
			open:      openCount(tracker),
		})
	}

	return g.Wait()
}

// MonitorMode polls listings and reports cross-listings without trading.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	log := a.logger.With(slog.String("component", "monitor"))
	log.InfoContext(ctx, "starting monitor mode")

	poller := a.newPoller(deps)
	registry := listing.NewRegistry(deps.Baselines, a.logger)
	tracker := service.NewTracker(deps.TradeLog, deps.PositionStore, deps.SignalBus, deps.Notifier, deps.Clock, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := registry.Restore(ctx); err != nil {
			log.WarnContext(ctx, "starting without persisted baseline", slog.String("error", err.Error()))
		}
		for {
			if err := monitorCycle(ctx, poller, registry, tracker, log); err != nil {
				log.WarnContext(ctx, "monitor cycle failed", slog.String("error", err.Error()))
			}
			if err := clock.Sleep(ctx, deps.Clock, a.cfg.Engine.CycleInterval.Duration); err != nil {
				return err
			}
		}
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, apiViews{
			positions: tracker,
			balances:  ledgerBalances(ledger.New(startingBalances(a.cfg), a.logger)),
			quotes:    a.quoteView(deps, a.newFetcher(deps)),
		})
	}

	return g.Wait()
}

// monitorCycle takes one snapshot and reports a change, if any.
func monitorCycle(ctx context.Context, poller engine.Snapshotter, registry *listing.Registry, sink engine.EventSink, log *slog.Logger) error {
	snap, err := poller.Snapshot(ctx)
	if err != nil {
		return err
	}
	ev, ok := registry.DetectChange(snap)
	if err := registry.Persist(ctx); err != nil {
		log.WarnContext(ctx, "baseline not persisted", slog.String("error", err.Error()))
	}
	if ok {
		log.InfoContext(ctx, "cross-listing detected",
			slog.String("symbol", ev.Symbol),
			slog.Any("exchanges", ev.Exchanges),
			slog.Any("added", ev.Added),
		)
		sink.OnListing(ctx, ev)
	}
	return nil
}

// BacktestMode replays historical series for the configured symbols and
// writes the resulting trade log as CSV.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	log := a.logger.With(slog.String("component", "app"))
	log.InfoContext(ctx, "starting backtest mode",
		slog.Any("symbols", a.cfg.Backtest.Symbols),
		slog.String("source", a.cfg.Backtest.Source),
	)

	symbols := a.cfg.Backtest.Symbols
	if len(symbols) == 0 && a.cfg.Backtest.Source == "s3" && deps.BlobReader != nil {
		found, err := backtest.DiscoverSymbols(ctx, deps.BlobReader)
		if err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
		log.InfoContext(ctx, "discovered backtest symbols", slog.Any("symbols", found))
		symbols = found
	}

	series := make(map[string][]domain.Candle)
	for _, sym := range symbols {
		s, err := a.loadSeries(ctx, deps, sym)
		if err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
		for ex, candles := range s {
			series[ex] = append(series[ex], candles...)
		}
	}

	sim := backtest.NewSimulator(backtest.Config{
		Delay:            a.cfg.Backtest.Delay.Duration,
		ExitTolerance:    a.cfg.Position.ExitTolerance,
		MaxHold:          a.cfg.Position.MaxHold.Duration,
		StartingBalances: startingBalances(a.cfg),
	}, evaluator.New(a.evaluatorConfig()), a.logger)
	res, err := sim.Run(series)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	var buf bytes.Buffer
	if err := tradelog.WriteAll(&buf, res.Trades); err != nil {
		return fmt.Errorf("app: backtest: encode trades: %w", err)
	}
	if err := os.WriteFile(a.cfg.Backtest.Output, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("app: backtest: write %s: %w", a.cfg.Backtest.Output, err)
	}
	if deps.BlobWriter != nil {
		path := "backtest/" + filepath.Base(a.cfg.Backtest.Output)
		if err := deps.BlobWriter.Put(ctx, path, bytes.NewReader(buf.Bytes()), "text/csv"); err != nil {
			log.WarnContext(ctx, "backtest upload failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "backtest complete",
		slog.Int("positions", len(res.Positions)),
		slog.Int("trades", len(res.Trades)),
		slog.String("final_capital", res.FinalCapital.StringFixed(4)),
		slog.String("output", a.cfg.Backtest.Output),
	)
	return nil
}

func (a *App) loadSeries(ctx context.Context, deps *Dependencies, symbol string) (map[string][]domain.Candle, error) {
	symbol = strings.ToUpper(symbol)
	if a.cfg.Backtest.Source == "s3" {
		if deps.BlobReader == nil {
			return nil, fmt.Errorf("%w: s3 source without s3 backend", domain.ErrConfig)
		}
		return backtest.LoadSeriesBlob(ctx, deps.BlobReader, a.cfg.EnabledExchanges(), symbol)
	}
	return backtest.LoadSeriesFile(filepath.Join(a.cfg.Backtest.SeriesDir, symbol+".csv"), symbol)
}

// ServerMode serves the HTTP API from the persisted stores only.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode", slog.String("component", "app"))
	if deps.PositionStore == nil || deps.Snapshots == nil {
		return fmt.Errorf("app: server mode: %w: postgres is required", domain.ErrConfig)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, apiViews{
		positions: deps.PositionStore,
		balances:  deps.Snapshots.Latest,
		quotes:    a.quoteView(deps, a.newFetcher(deps)),
	})
	return g.Wait()
}

// apiViews are the read paths the HTTP API serves in a given mode.
type apiViews struct {
	positions handler.PositionReader
	balances  handler.BalanceFunc
	quotes    handler.QuoteFunc
	// open reports the number of non-terminal positions. Optional.
	open func() int
}

// startHTTPServer adds the API server and, with a signal bus, the WebSocket
// hub to g. The server shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, views apiViews) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Channels:      []string{service.ChannelPosition},
			Mode:          a.cfg.Mode,
			OpenPositions: views.open,
			StartedAt:     a.startedAt,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Positions: handler.NewPositionHandler(views.positions, a.logger),
		Trades:    handler.NewTradeHandler(deps.TradeLog, a.logger),
		Balances:  handler.NewBalanceHandler(views.balances, a.logger),
		Quotes:    handler.NewQuoteHandler(views.quotes, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Serve(ctx)
	})
}

// quoteView serves cached quotes when Redis holds them and fetches live
// books otherwise.
func (a *App) quoteView(deps *Dependencies, fetcher *engine.Fetcher) handler.QuoteFunc {
	exchanges := a.cfg.EnabledExchanges()
	return func(ctx context.Context, symbol string) ([]domain.Quote, error) {
		if deps.QuoteCache != nil {
			quotes, err := deps.QuoteCache.GetQuotes(ctx, symbol, exchanges)
			if err == nil && len(quotes) > 0 {
				return quotes, nil
			}
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				a.logger.WarnContext(ctx, "quote cache read failed", slog.String("error", err.Error()))
			}
		}
		fetched := fetcher.Fetch(ctx, symbol, exchanges)
		if len(fetched) == 0 {
			return nil, fmt.Errorf("app: quotes %s: %w", symbol, domain.ErrNotFound)
		}
		out := make([]domain.Quote, 0, len(fetched))
		for _, ex := range slices.Sorted(maps.Keys(fetched)) {
			out = append(out, fetched[ex])
		}
		return out, nil
	}
}

func ledgerBalances(l *ledger.Ledger) handler.BalanceFunc {
	return func(context.Context) ([]domain.LedgerEntry, error) {
		return l.Entries(), nil
	}
}

func openCount(t *service.Tracker) func() int {
	return func() int {
		n := 0
		for _, p := range t.Positions() {
			if !p.State.Terminal() {
				n++
			}
		}
		return n
	}
}

func (a *App) newPoller(deps *Dependencies) *listing.Poller {
	return listing.NewPoller(deps.Listings, a.cfg.Engine.ListingFetchTimeout.Duration, deps.Clock, a.logger)
}

func (a *App) newFetcher(deps *Dependencies) *engine.Fetcher {
	return engine.NewFetcher(engine.FetchConfig{
		Depth:   a.cfg.Engine.QuoteDepth,
		Timeout: a.cfg.Engine.FetchTimeout.Duration,
		Retries: a.cfg.Engine.FetchRetries,
		Backoff: a.cfg.Engine.FetchBackoff.Duration,
	}, deps.Quotes, deps.QuoteCache, deps.Clock, a.logger)
}

func (a *App) evaluatorConfig() evaluator.Config {
	return evaluator.Config{
		EntryThreshold: a.cfg.Evaluator.EntryThreshold,
		ExitBuffer:     a.cfg.Evaluator.ExitBuffer,
		DefaultFeeRate: a.cfg.Evaluator.FeeRate,
		FeeRates:       a.cfg.FeeRates(),
		Level:          a.cfg.Evaluator.Level,
		MaxQuoteAge:    a.cfg.Evaluator.MaxQuoteAge.Duration,
	}
}

func (a *App) positionConfig() position.Config {
	return position.Config{
		DefaultFeeRate: a.cfg.Evaluator.FeeRate,
		FeeRates:       a.cfg.FeeRates(),
		ExitTolerance:  a.cfg.Position.ExitTolerance,
		PollInterval:   a.cfg.Position.PollInterval.Duration,
		MaxHold:        a.cfg.Position.MaxHold.Duration,
		OrderRetries:   a.cfg.Position.OrderRetries,
		RetryDelay:     a.cfg.Position.RetryDelay.Duration,
		LongFirst:      a.cfg.Position.LongFirst,
		QuoteDepth:     a.cfg.Engine.QuoteDepth,
		QuoteTimeout:   a.cfg.Engine.FetchTimeout.Duration,
	}
}
