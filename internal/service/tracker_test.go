package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/notify"
	"github.com/alanyoungcy/listingarb/internal/tradelog"
)

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, s string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[s] = append(b.streamed[s], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type alertLog struct{ events []string }

func (a *alertLog) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

func TestTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	trades := tradelog.NewMemory()
	bus := newMemBus()
	alerts := &alertLog{}
	tr := NewTracker(trades, nil, bus, alerts, clock.NewFake(now), discard())

	pos := domain.Position{ID: "p1", Symbol: "XYZ", LongExchange: "a", ShortExchange: "b", OpenedAt: now}
	pos.State = domain.PositionOpen
	tr.OnTransition(ctx, domain.Transition{Position: pos, From: domain.PositionEntryPending, To: domain.PositionOpen, At: now})
	tr.OnTrade(ctx, domain.TradeRecord{PositionID: "p1", Symbol: "XYZ", Action: domain.TradeOpen, Timestamp: now})

	pos.State = domain.PositionSettled
	pos.RealizedPnL = decimal.RequireFromString("1.25")
	tr.OnTransition(ctx, domain.Transition{Position: pos, From: domain.PositionExitPending, To: domain.PositionSettled, At: now})

	got, err := tr.Position("p1")
	if err != nil || got.State != domain.PositionSettled {
		t.Fatalf("position=%+v err=%v", got, err)
	}
	if len(alerts.events) != 1 || alerts.events[0] != notify.EventPositionSettled {
		t.Fatalf("alerts=%v", alerts.events)
	}
	logged, _ := trades.ListByPosition(ctx, "p1")
	if len(logged) != 1 {
		t.Fatalf("trade log=%d want 1", len(logged))
	}
	if n := len(bus.published[ChannelPosition]); n != 3 {
		t.Fatalf("published=%d want 3", n)
	}
	if n := len(bus.streamed[StreamPosition]); n != 3 {
		t.Fatalf("streamed=%d want 3", n)
	}

	var last Event
	if err := json.Unmarshal(bus.published[ChannelPosition][2], &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Kind != KindTransition || last.To != domain.PositionSettled || last.Position.ID != "p1" {
		t.Fatalf("event=%+v", last)
	}
}

func TestTrackerSkipUsesClock(t *testing.T) {
	bus := newMemBus()
	clk := clock.NewFake(now)
	clk.Advance(90 * time.Second)
	tr := NewTracker(tradelog.NewMemory(), nil, bus, nil, clk, discard())

	tr.OnSkip(context.Background(), "XYZ", "net spread below threshold")

	if n := len(bus.published[ChannelPosition]); n != 1 {
		t.Fatalf("published=%d want 1", n)
	}
	var ev Event
	if err := json.Unmarshal(bus.published[ChannelPosition][0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != KindSkip || !ev.At.Equal(now.Add(90*time.Second)) {
		t.Fatalf("event=%+v want skip at %s", ev, now.Add(90*time.Second))
	}
}

func TestTrackerAlertsOnUnwindAndFailure(t *testing.T) {
	ctx := context.Background()
	alerts := &alertLog{}
	tr := NewTracker(tradelog.NewMemory(), nil, nil, alerts, clock.NewFake(now), discard())

	tr.OnTrade(ctx, domain.TradeRecord{PositionID: "p1", Symbol: "XYZ", Action: domain.TradeUnwind})
	tr.OnTransition(ctx, domain.Transition{
		Position: domain.Position{ID: "p1", Symbol: "XYZ", FailureReason: "short leg rejected"},
		To:       domain.PositionFailed,
	})

	want := []string{notify.EventPartialExecution, notify.EventPositionFailed}
	if len(alerts.events) != len(want) {
		t.Fatalf("alerts=%v want %v", alerts.events, want)
	}
	for i := range want {
		if alerts.events[i] != want[i] {
			t.Fatalf("alerts=%v want %v", alerts.events, want)
		}
	}
}

func TestTrackerPositionsOrder(t *testing.T) {
	tr := NewTracker(tradelog.NewMemory(), nil, nil, nil, clock.NewFake(now), discard())
	for i, id := range []string{"old", "new"} {
		tr.OnTransition(context.Background(), domain.Transition{
			Position: domain.Position{ID: id, OpenedAt: now.Add(time.Duration(i) * time.Minute)},
			To:       domain.PositionOpen,
		})
	}
	got := tr.Positions()
	if len(got) != 2 || got[0].ID != "new" {
		t.Fatalf("positions=%+v", got)
	}
	if _, err := tr.Position("missing"); err == nil {
		t.Fatalf("expected not found")
	}
}

type snapStore struct {
	latest []domain.LedgerEntry
	saved  [][]domain.LedgerEntry
}

func (s *snapStore) Insert(_ context.Context, entries []domain.LedgerEntry, _ time.Time) error {
	s.saved = append(s.saved, entries)
	return nil
}

func (s *snapStore) Latest(context.Context) ([]domain.LedgerEntry, error) { return s.latest, nil }

func TestStartingBalances(t *testing.T) {
	store := &snapStore{latest: []domain.LedgerEntry{
		{Exchange: "binance", Balance: decimal.NewFromInt(50), Reserved: decimal.NewFromInt(12)},
		{Exchange: "okx", Balance: decimal.NewFromInt(99)},
	}}
	defaults := map[string]decimal.Decimal{
		"binance": decimal.NewFromInt(60),
		"bybit":   decimal.NewFromInt(60),
	}
	got, err := StartingBalances(context.Background(), store, defaults)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !got["binance"].Equal(decimal.NewFromInt(62)) || !got["bybit"].Equal(decimal.NewFromInt(60)) {
		t.Fatalf("got %v", got)
	}
	if _, ok := got["okx"]; ok {
		t.Fatalf("unconfigured exchange restored")
	}
}

type fixedBalances []domain.LedgerEntry

func (f fixedBalances) Entries() []domain.LedgerEntry { return f }

func TestLedgerRecorderSnapshot(t *testing.T) {
	store := &snapStore{}
	r := NewLedgerRecorder(fixedBalances{{Exchange: "a", Balance: decimal.NewFromInt(1)}}, store, time.Minute, clock.NewFake(now), discard())
	if err := r.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0][0].Exchange != "a" {
		t.Fatalf("saved=%v", store.saved)
	}
}

func TestTrackerListPaginates(t *testing.T) {
	tr := NewTracker(tradelog.NewMemory(), nil, nil, nil, clock.NewFake(now), discard())
	for i := 0; i < 5; i++ {
		tr.OnTransition(context.Background(), domain.Transition{
			Position: domain.Position{ID: string(rune('a' + i)), OpenedAt: now.Add(time.Duration(i) * time.Minute)},
			To:       domain.PositionOpen,
		})
	}
	got, err := tr.List(context.Background(), domain.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "c" {
		t.Fatalf("got %+v", got)
	}
	if got, _ := tr.List(context.Background(), domain.ListOpts{Offset: 10}); len(got) != 0 {
		t.Fatalf("offset past end returned %d", len(got))
	}
}
