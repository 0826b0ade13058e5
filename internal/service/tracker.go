// Package service holds the glue between the engine, persistence, the
// signal bus and operator notifications.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/engine"
	"github.com/alanyoungcy/listingarb/internal/notify"
	"github.com/alanyoungcy/listingarb/internal/position"
)

// Bus channel and stream carrying position events.
const (
	ChannelPosition = "ch:position"
	StreamPosition  = "stream:position"
)

// Event kinds published on the bus.
const (
	KindTransition = "transition"
	KindTrade      = "trade"
	KindListing    = "listing"
	KindSkip       = "skip"
)

// Event is the JSON envelope published on ChannelPosition.
type Event struct {
	Kind     string               `json:"kind"`
	At       time.Time            `json:"at"`
	Symbol   string               `json:"symbol"`
	Position *domain.Position     `json:"position,omitempty"`
	From     domain.PositionState `json:"from,omitempty"`
	To       domain.PositionState `json:"to,omitempty"`
	Cause    string               `json:"cause,omitempty"`
	Trade    *domain.TradeRecord  `json:"trade,omitempty"`
	Listing  *domain.ListingEvent `json:"listing,omitempty"`
}

// Alerter is the subset of notify.Notifier the tracker uses.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Tracker records every position it observes, appends trades to the trade
// log, publishes events and raises alerts. store, bus and alerts may be nil.
type Tracker struct {
	trades domain.TradeLogStore
	store  domain.PositionStore
	bus    domain.SignalBus
	alerts Alerter
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	positions map[string]domain.Position
}

var (
	_ position.Observer = (*Tracker)(nil)
	_ engine.EventSink  = (*Tracker)(nil)
)

// NewTracker creates a Tracker. clk stamps events that carry no time of
// their own.
func NewTracker(trades domain.TradeLogStore, store domain.PositionStore, bus domain.SignalBus, alerts Alerter, clk clock.Clock, logger *slog.Logger) *Tracker {
	return &Tracker{
		trades:    trades,
		store:     store,
		bus:       bus,
		alerts:    alerts,
		clock:     clk,
		logger:    logger.With(slog.String("component", "tracker")),
		positions: make(map[string]domain.Position),
	}
}

// OnTransition stores the latest position state and alerts on terminal
// states.
func (t *Tracker) OnTransition(ctx context.Context, tr domain.Transition) {
	pos := tr.Position
	t.mu.Lock()
	t.positions[pos.ID] = pos
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Upsert(ctx, pos); err != nil {
			t.logger.Error("position not persisted",
				slog.String("position", pos.ID),
				slog.String("state", string(pos.State)),
				slog.String("error", err.Error()),
			)
		}
	}

	t.publish(ctx, Event{
		Kind:     KindTransition,
		At:       tr.At,
		Symbol:   pos.Symbol,
		Position: &pos,
		From:     tr.From,
		To:       tr.To,
		Cause:    tr.Cause,
	})

	switch tr.To {
	case domain.PositionSettled:
		t.alert(ctx, notify.EventPositionSettled,
			fmt.Sprintf("Position settled: %s", pos.Symbol),
			fmt.Sprintf("long %s short %s\nreason: %s\npnl: %s USDT (fees %s)",
				pos.LongExchange, pos.ShortExchange, pos.ExitReason, pos.RealizedPnL.StringFixed(4), pos.Fees.StringFixed(4)))
	case domain.PositionFailed:
		t.alert(ctx, notify.EventPositionFailed,
			fmt.Sprintf("Position failed: %s", pos.Symbol),
			fmt.Sprintf("long %s short %s\n%s", pos.LongExchange, pos.ShortExchange, pos.FailureReason))
	}
}

// OnTrade appends rec to the trade log. Unwinds mean one leg filled without
// the other, which operators hear about.
func (t *Tracker) OnTrade(ctx context.Context, rec domain.TradeRecord) {
	if err := t.trades.Append(ctx, rec); err != nil {
		t.logger.Error("trade log append failed",
			slog.String("position", rec.PositionID),
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
	t.publish(ctx, Event{Kind: KindTrade, At: rec.Timestamp, Symbol: rec.Symbol, Trade: &rec})

	if rec.Action == domain.TradeUnwind {
		t.alert(ctx, notify.EventPartialExecution,
			fmt.Sprintf("Partial execution: %s", rec.Symbol),
			fmt.Sprintf("%s leg on %s unwound at %g\nreason: %s", rec.Side, rec.Exchange, rec.Price, rec.Reason))
	}
}

// OnListing publishes and alerts a detected cross-listing.
func (t *Tracker) OnListing(ctx context.Context, ev domain.ListingEvent) {
	t.publish(ctx, Event{Kind: KindListing, At: ev.DetectedAt, Symbol: ev.Symbol, Listing: &ev})
	t.alert(ctx, notify.EventListingDetected,
		fmt.Sprintf("New cross-listing: %s", ev.Symbol),
		fmt.Sprintf("listed on %v, new on %v", ev.Exchanges, ev.Added))
}

// OnSkip publishes a skipped opportunity.
func (t *Tracker) OnSkip(ctx context.Context, symbol, reason string) {
	t.publish(ctx, Event{Kind: KindSkip, At: t.clock.Now(), Symbol: symbol, Cause: reason})
	t.alert(ctx, notify.EventOpportunitySkipped, fmt.Sprintf("Skipped: %s", symbol), reason)
}

// Positions returns every tracked position, most recently opened first.
func (t *Tracker) Positions() []domain.Position {
	t.mu.RLock()
	out := make([]domain.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// List pages through Positions, filtering on OpenedAt.
func (t *Tracker) List(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range t.Positions() {
		if opts.Since != nil && p.OpenedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.OpenedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, p)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Get is Position with a context, matching domain.PositionStore reads.
func (t *Tracker) Get(_ context.Context, id string) (domain.Position, error) {
	return t.Position(id)
}

// Position returns a tracked position by ID.
func (t *Tracker) Position(id string) (domain.Position, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("service: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (t *Tracker) publish(ctx context.Context, ev Event) {
	if t.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		t.logger.Error("marshal event", slog.String("error", err.Error()))
		return
	}
	if err := t.bus.Publish(ctx, ChannelPosition, payload); err != nil {
		t.logger.Warn("publish event failed", slog.String("error", err.Error()))
	}
	if err := t.bus.StreamAppend(ctx, StreamPosition, payload); err != nil {
		t.logger.Warn("stream append failed", slog.String("error", err.Error()))
	}
}

func (t *Tracker) alert(ctx context.Context, event, title, message string) {
	if t.alerts == nil {
		return
	}
	if err := t.alerts.Notify(ctx, event, title, message); err != nil {
		t.logger.Warn("alert not delivered",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
