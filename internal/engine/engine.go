// Package engine drives the listing-arbitrage loop: poll listings, detect
// cross-listings, wait for tradable books, evaluate and launch positions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/evaluator"
	"github.com/alanyoungcy/listingarb/internal/listing"
)

// Config holds the engine's cadence and limits.
type Config struct {
	CycleInterval          time.Duration
	QuoteWaitInterval      time.Duration
	ListingWaitTimeout     time.Duration
	MaxConcurrentPositions int
	MinExchanges           int
	// LockTTL bounds the distributed per-symbol lock. It must outlive the
	// listing wait plus the maximum holding time.
	LockTTL time.Duration
}

// Snapshotter produces a complete listing snapshot per cycle.
type Snapshotter interface {
	Snapshot(ctx context.Context) (domain.ListingSnapshot, error)
}

// PositionRunner executes an accepted opportunity to a terminal state.
type PositionRunner interface {
	Run(ctx context.Context, opp domain.Opportunity) (domain.Position, error)
}

// EventSink is told about listing events and skipped opportunities.
type EventSink interface {
	OnListing(ctx context.Context, ev domain.ListingEvent)
	OnSkip(ctx context.Context, symbol, reason string)
}

// Engine owns the polling loop. The registry is touched only by Run's
// goroutine; event handling runs on separate goroutines.
type Engine struct {
	cfg       Config
	poller    Snapshotter
	registry  *listing.Registry
	fetcher   *Fetcher
	evaluator *evaluator.Evaluator
	runner    PositionRunner
	locks     domain.LockManager
	sink      EventSink
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	claimed map[string]bool
	running int
	wg      sync.WaitGroup
}

// New creates an Engine. locks and sink may be nil.
func New(
	cfg Config,
	poller Snapshotter,
	registry *listing.Registry,
	fetcher *Fetcher,
	eval *evaluator.Evaluator,
	runner PositionRunner,
	locks domain.LockManager,
	sink EventSink,
	clk clock.Clock,
	logger *slog.Logger,
) *Engine {
	if cfg.MinExchanges < 2 {
		cfg.MinExchanges = 2
	}
	if cfg.QuoteWaitInterval <= 0 {
		cfg.QuoteWaitInterval = 5 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		poller:    poller,
		registry:  registry,
		fetcher:   fetcher,
		evaluator: eval,
		runner:    runner,
		locks:     locks,
		sink:      sink,
		clock:     clk,
		logger:    logger.With(slog.String("component", "engine")),
		claimed:   make(map[string]bool),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight positions to
// reach a terminal state.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.registry.Restore(ctx); err != nil {
		e.logger.Warn("starting without persisted baseline", slog.String("error", err.Error()))
	}
	e.logger.Info("engine started",
		slog.Duration("cycle", e.cfg.CycleInterval),
		slog.Int("max_positions", e.cfg.MaxConcurrentPositions),
	)

	for {
		e.Cycle(ctx)
		if err := clock.Sleep(ctx, e.clock, e.cfg.CycleInterval); err != nil {
			e.logger.Info("engine stopping, waiting for open positions")
			e.wg.Wait()
			return err
		}
	}
}

// Cycle runs one poll: snapshot, detect, and hand at most one event off.
func (e *Engine) Cycle(ctx context.Context) {
	snap, err := e.poller.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("listing snapshot failed", slog.String("error", err.Error()))
		return
	}
	ev, ok := e.registry.DetectChange(snap)
	if err := e.registry.Persist(ctx); err != nil {
		e.logger.Warn("baseline not persisted", slog.String("error", err.Error()))
	}
	if !ok {
		return
	}

	e.logger.Info("cross-listing detected",
		slog.String("symbol", ev.Symbol),
		slog.Any("exchanges", ev.Exchanges),
		slog.Any("added", ev.Added),
	)
	if e.sink != nil {
		e.sink.OnListing(ctx, ev)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Positions are never cancelled once started.
		e.HandleEvent(context.WithoutCancel(ctx), ev)
	}()
}

// Wait blocks until every in-flight event and position has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// HandleEvent waits for tradable books, evaluates and runs a position for
// ev. It returns the terminal position when one was started.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.ListingEvent) (domain.Position, bool) {
	release, err := e.claim(ctx, ev.Symbol)
	if err != nil {
		e.skip(ctx, ev.Symbol, err.Error())
		return domain.Position{}, false
	}
	defer release()

	quotes, err := e.waitForQuotes(ctx, ev)
	if err != nil {
		e.skip(ctx, ev.Symbol, err.Error())
		return domain.Position{}, false
	}

	opp, ok := e.evaluator.Evaluate(quotes, e.clock.Now())
	if !ok {
		if opp.Symbol != "" {
			e.skip(ctx, ev.Symbol, fmt.Sprintf("net spread %.4f%% below threshold (%s/%s)",
				opp.NetSpread*100, opp.LongExchange, opp.ShortExchange))
		} else {
			e.skip(ctx, ev.Symbol, "no usable quote pair")
		}
		return domain.Position{}, false
	}

	e.logger.Info("opportunity accepted",
		slog.String("symbol", opp.Symbol),
		slog.String("long", opp.LongExchange),
		slog.Float64("long_price", opp.LongPrice),
		slog.String("short", opp.ShortExchange),
		slog.Float64("short_price", opp.ShortPrice),
		slog.Float64("gross_spread", opp.GrossSpread),
		slog.Float64("net_spread", opp.NetSpread),
	)
	vacate, err := e.occupy()
	if err != nil {
		e.skip(ctx, ev.Symbol, err.Error())
		return domain.Position{}, false
	}
	defer vacate()
	pos, err := e.runner.Run(ctx, opp)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			e.skip(ctx, ev.Symbol, err.Error())
			return pos, false
		}
		e.logger.Error("position ended in failure",
			slog.String("symbol", ev.Symbol),
			slog.String("position", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	return pos, true
}

// waitForQuotes polls until MinExchanges of the event's exchanges report a
// tradable book or ListingWaitTimeout elapses.
func (e *Engine) waitForQuotes(ctx context.Context, ev domain.ListingEvent) (map[string]domain.Quote, error) {
	deadline := e.clock.Now().Add(e.cfg.ListingWaitTimeout)
	for {
		quotes := e.fetcher.Fetch(ctx, ev.Symbol, ev.Exchanges)
		if Tradable(quotes) >= e.cfg.MinExchanges {
			return quotes, nil
		}
		if !e.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("engine: %s not tradable on %d exchanges within %s",
				ev.Symbol, e.cfg.MinExchanges, e.cfg.ListingWaitTimeout)
		}
		if err := clock.Sleep(ctx, e.clock, e.cfg.QuoteWaitInterval); err != nil {
			return nil, err
		}
	}
}

// claim reserves the symbol for the lifetime of one event. The returned
// func releases it.
func (e *Engine) claim(ctx context.Context, symbol string) (func(), error) {
	e.mu.Lock()
	if e.claimed[symbol] {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: %s already has an active position: %w", symbol, domain.ErrLockHeld)
	}
	e.claimed[symbol] = true
	e.mu.Unlock()

	unlock := func() {}
	if e.locks != nil {
		u, err := e.locks.Acquire(ctx, "symbol:"+symbol, e.cfg.LockTTL)
		if err != nil {
			e.unclaim(symbol)
			return nil, fmt.Errorf("engine: lock %s: %w", symbol, err)
		}
		unlock = u
	}

	return func() {
		unlock()
		e.unclaim(symbol)
	}, nil
}

func (e *Engine) unclaim(symbol string) {
	e.mu.Lock()
	delete(e.claimed, symbol)
	e.mu.Unlock()
}

// occupy takes a position slot. Only launched positions count against
// MaxConcurrentPositions; events still waiting for books do not.
func (e *Engine) occupy() (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.MaxConcurrentPositions > 0 && e.running >= e.cfg.MaxConcurrentPositions {
		return nil, fmt.Errorf("engine: %d positions already running", e.running)
	}
	e.running++
	return func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}, nil
}

// Running returns the number of launched positions not yet terminal.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Active returns the symbols currently claimed by an event or position.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.SortedKeys(e.claimed)
}

func (e *Engine) skip(ctx context.Context, symbol, reason string) {
	e.logger.Info("opportunity skipped", slog.String("symbol", symbol), slog.String("reason", reason))
	if e.sink != nil {
		e.sink.OnSkip(ctx, symbol, reason)
	}
}
