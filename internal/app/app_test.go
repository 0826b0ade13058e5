package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/config"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/listing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAdapter(t *testing.T) {
	for _, name := range []string{"binance", "bybit", "kucoin"} {
		a, err := newAdapter(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if a.Name() != name {
			t.Fatalf("adapter name %q want %q", a.Name(), name)
		}
	}
	if _, err := newAdapter("okx"); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("got %v want ErrConfig", err)
	}
}

func TestStartingBalancesSkipsDisabled(t *testing.T) {
	cfg := config.Defaults()
	kc := cfg.Exchanges["kucoin"]
	kc.Enabled = false
	cfg.Exchanges["kucoin"] = kc
	bn := cfg.Exchanges["binance"]
	bn.StartingBalance = 100
	cfg.Exchanges["binance"] = bn

	got := startingBalances(&cfg)
	if len(got) != 2 {
		t.Fatalf("balances=%v want binance and bybit", got)
	}
	if !got["binance"].Equal(decimal.NewFromInt(100)) || !got["bybit"].Equal(decimal.NewFromInt(60)) {
		t.Fatalf("balances=%v", got)
	}
}

func TestBacktestModeWritesTradeLog(t *testing.T) {
	dir := t.TempDir()
	series := strings.Join([]string{
		"exchange,timestamp,open,high,low,close,volume",
		"binance,2024-07-01T12:00:00Z,1,1,1,1.000,100",
		"bybit,2024-07-01T12:00:00Z,1.05,1.05,1.05,1.050,100",
		"binance,2024-07-01T12:00:15Z,1,1,1,1.000,100",
		"bybit,2024-07-01T12:00:15Z,1.05,1.05,1.05,1.050,100",
		"binance,2024-07-01T12:01:00Z,1,1,1,1.002,100",
		"bybit,2024-07-01T12:01:00Z,1,1,1,1.0025,100",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "XYZ.csv"), []byte(series), 0o644); err != nil {
		t.Fatalf("write series: %v", err)
	}

	cfg := config.Defaults()
	kc := cfg.Exchanges["kucoin"]
	kc.Enabled = false
	cfg.Exchanges["kucoin"] = kc
	cfg.Mode = "backtest"
	cfg.Backtest.Symbols = []string{"xyz"}
	cfg.Backtest.SeriesDir = dir
	cfg.Backtest.Output = filepath.Join(dir, "trades.csv")

	a := New(&cfg, quietLogger())
	deps := &Dependencies{Clock: clock.NewFake(time.Unix(0, 0))}
	if err := a.BacktestMode(context.Background(), deps); err != nil {
		t.Fatalf("backtest: %v", err)
	}

	out, err := os.ReadFile(cfg.Backtest.Output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines=%d want header plus 4 trades:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("header %q", lines[0])
	}
}

func TestBacktestModeS3WithoutBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backtest.Symbols = []string{"XYZ"}
	cfg.Backtest.Source = "s3"
	a := New(&cfg, quietLogger())
	err := a.BacktestMode(context.Background(), &Dependencies{Clock: clock.Real()})
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("got %v want ErrConfig", err)
	}
}

type stubPoller struct {
	snaps []domain.ListingSnapshot
}

func (p *stubPoller) Snapshot(context.Context) (domain.ListingSnapshot, error) {
	if len(p.snaps) == 0 {
		return domain.ListingSnapshot{}, errors.New("no snapshot")
	}
	s := p.snaps[0]
	p.snaps = p.snaps[1:]
	return s, nil
}

type recordingSink struct {
	events []domain.ListingEvent
}

func (s *recordingSink) OnListing(_ context.Context, ev domain.ListingEvent) {
	s.events = append(s.events, ev)
}

func (s *recordingSink) OnSkip(context.Context, string, string) {}

func TestMonitorCycleReportsCrossListing(t *testing.T) {
	at := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	first := domain.NewListingSnapshot(at)
	first.Add("binance", "XYZ")
	second := domain.NewListingSnapshot(at.Add(20 * time.Second))
	second.Add("binance", "XYZ")
	second.Add("bybit", "XYZ")

	poller := &stubPoller{snaps: []domain.ListingSnapshot{first, second}}
	registry := listing.NewRegistry(nil, quietLogger())
	sink := &recordingSink{}
	log := quietLogger()

	for i := 0; i < 2; i++ {
		if err := monitorCycle(context.Background(), poller, registry, sink, log); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(sink.events) != 1 {
		t.Fatalf("events=%d want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Symbol != "XYZ" || strings.Join(ev.Exchanges, ",") != "binance,bybit" {
		t.Fatalf("event %+v", ev)
	}

	if err := monitorCycle(context.Background(), poller, registry, sink, log); err == nil {
		t.Fatalf("expected snapshot error")
	}
}

type stubCache struct {
	quotes []domain.Quote
}

func (c *stubCache) SetQuote(context.Context, domain.Quote) error { return nil }

func (c *stubCache) GetQuotes(context.Context, string, []string) ([]domain.Quote, error) {
	if len(c.quotes) == 0 {
		return nil, domain.ErrNotFound
	}
	return c.quotes, nil
}

func TestQuoteViewPrefersCache(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, quietLogger())
	cached := []domain.Quote{{Exchange: "binance", Symbol: "XYZ"}}
	deps := &Dependencies{
		Clock:      clock.Real(),
		Quotes:     map[string]domain.QuoteSource{},
		QuoteCache: &stubCache{quotes: cached},
	}
	view := a.quoteView(deps, a.newFetcher(deps))

	got, err := view(context.Background(), "XYZ")
	if err != nil || len(got) != 1 || got[0].Exchange != "binance" {
		t.Fatalf("got %v, %v", got, err)
	}

	deps.QuoteCache = &stubCache{}
	if _, err := view(context.Background(), "XYZ"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}
