package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/evaluator"
	"github.com/alanyoungcy/listingarb/internal/listing"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scriptedSnapshots returns one snapshot per call, repeating the last.
type scriptedSnapshots struct {
	mu    sync.Mutex
	snaps []map[string][]string
	calls int
}

func (s *scriptedSnapshots) Snapshot(context.Context) (domain.ListingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	s.calls++
	snap := domain.NewListingSnapshot(t0)
	for sym, exchanges := range s.snaps[i] {
		for _, ex := range exchanges {
			snap.Add(ex, sym)
		}
	}
	return snap, nil
}

// priceSource serves a flat book, an empty book (price 0) or an error.
// With hold set, each fetch signals entered and then waits for hold.
type priceSource struct {
	mu      sync.Mutex
	name    string
	price   float64
	err     error
	calls   int
	hold    chan struct{}
	entered chan struct{}
}

func (p *priceSource) Name() string { return p.name }

func (p *priceSource) FetchTopOfBook(_ context.Context, symbol string, _ int) (domain.Quote, error) {
	if p.hold != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		<-p.hold
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return domain.Quote{}, p.err
	}
	q := domain.Quote{Exchange: p.name, Symbol: symbol, ObservedAt: t0}
	if p.price > 0 {
		lv := []domain.PriceLevel{{Price: p.price, Size: 100}, {Price: p.price, Size: 100}}
		q.Bids, q.Asks = lv, lv
	}
	return q, nil
}

// gatedRunner records opportunities and blocks until gate is closed.
type gatedRunner struct {
	mu      sync.Mutex
	opps    []domain.Opportunity
	started chan struct{}
	gate    chan struct{}
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{started: make(chan struct{}, 8), gate: make(chan struct{})}
}

func (r *gatedRunner) Run(_ context.Context, opp domain.Opportunity) (domain.Position, error) {
	r.mu.Lock()
	r.opps = append(r.opps, opp)
	r.mu.Unlock()
	r.started <- struct{}{}
	<-r.gate
	return domain.Position{Symbol: opp.Symbol, State: domain.PositionSettled}, nil
}

type sinkRecorder struct {
	mu       sync.Mutex
	listings []domain.ListingEvent
	skips    []string
}

func (s *sinkRecorder) OnListing(_ context.Context, ev domain.ListingEvent) {
	s.mu.Lock()
	s.listings = append(s.listings, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) OnSkip(_ context.Context, _ string, reason string) {
	s.mu.Lock()
	s.skips = append(s.skips, reason)
	s.mu.Unlock()
}

type harness struct {
	engine  *Engine
	sources map[string]*priceSource
	runner  *gatedRunner
	sink    *sinkRecorder
}

func newHarness(snaps *scriptedSnapshots, prices map[string]float64) *harness {
	clk := clock.NewFake(t0)
	sources := make(map[string]*priceSource)
	quotes := make(map[string]domain.QuoteSource)
	for ex, p := range prices {
		src := &priceSource{name: ex, price: p}
		sources[ex] = src
		quotes[ex] = src
	}
	runner := newGatedRunner()
	sink := &sinkRecorder{}
	eng := New(
		Config{
			CycleInterval:          20 * time.Second,
			QuoteWaitInterval:      5 * time.Second,
			ListingWaitTimeout:     time.Minute,
			MaxConcurrentPositions: 2,
		},
		snaps,
		listing.NewRegistry(nil, discard()),
		NewFetcher(FetchConfig{Depth: 2, Timeout: 5 * time.Second, Retries: 1, Backoff: 100 * time.Millisecond}, quotes, nil, clk, discard()),
		evaluator.New(evaluator.Config{EntryThreshold: 0.002, DefaultFeeRate: 0.001, Level: 2}),
		runner,
		nil,
		sink,
		clk,
		discard(),
	)
	return &harness{engine: eng, sources: sources, runner: runner, sink: sink}
}

func TestCrossListingLaunchesPosition(t *testing.T) {
	snaps := &scriptedSnapshots{snaps: []map[string][]string{
		{"XYZ": {"binance"}},
		{"XYZ": {"binance", "bybit"}},
	}}
	h := newHarness(snaps, map[string]float64{"binance": 1.000, "bybit": 1.050})
	ctx := context.Background()

	h.engine.Cycle(ctx) // cold start
	h.engine.Cycle(ctx) // bybit joins
	<-h.runner.started
	close(h.runner.gate)
	h.engine.Wait()

	if len(h.runner.opps) != 1 {
		t.Fatalf("opps=%d want 1", len(h.runner.opps))
	}
	opp := h.runner.opps[0]
	if opp.LongExchange != "binance" || opp.ShortExchange != "bybit" {
		t.Fatalf("legs %s/%s", opp.LongExchange, opp.ShortExchange)
	}
	if len(h.sink.listings) != 1 || h.sink.listings[0].Symbol != "XYZ" {
		t.Fatalf("listings=%v", h.sink.listings)
	}
}

func TestOnePositionPerSymbol(t *testing.T) {
	h := newHarness(&scriptedSnapshots{snaps: []map[string][]string{{}}},
		map[string]float64{"binance": 1.000, "bybit": 1.050})
	ctx := context.Background()
	ev := domain.ListingEvent{Symbol: "XYZ", Exchanges: []string{"binance", "bybit"}}

	done := make(chan bool)
	go func() {
		_, started := h.engine.HandleEvent(ctx, ev)
		done <- started
	}()
	<-h.runner.started

	if _, started := h.engine.HandleEvent(ctx, ev); started {
		t.Fatalf("second position started while the first is open")
	}
	if got := h.engine.Active(); len(got) != 1 || got[0] != "XYZ" {
		t.Fatalf("active=%v", got)
	}

	close(h.runner.gate)
	if !<-done {
		t.Fatalf("first event should have started a position")
	}
	if got := h.engine.Active(); len(got) != 0 {
		t.Fatalf("symbol still claimed after completion: %v", got)
	}

	// Once closed, the symbol can trade again.
	if _, started := h.engine.HandleEvent(ctx, ev); !started {
		t.Fatalf("symbol should be free after the position settled")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	h := newHarness(&scriptedSnapshots{snaps: []map[string][]string{{}}},
		map[string]float64{"binance": 1.000, "bybit": 1.050})
	h.engine.cfg.MaxConcurrentPositions = 1
	ctx := context.Background()

	go h.engine.HandleEvent(ctx, domain.ListingEvent{Symbol: "AAA", Exchanges: []string{"binance", "bybit"}})
	<-h.runner.started

	if _, started := h.engine.HandleEvent(ctx, domain.ListingEvent{Symbol: "BBB", Exchanges: []string{"binance", "bybit"}}); started {
		t.Fatalf("limit of one concurrent position exceeded")
	}
	close(h.runner.gate)
}

func TestWaitingEventHoldsNoSlot(t *testing.T) {
	h := newHarness(&scriptedSnapshots{snaps: []map[string][]string{{}}},
		map[string]float64{"binance": 1.000, "bybit": 1.050, "kucoin": 0})
	h.engine.cfg.MaxConcurrentPositions = 1
	kucoin := h.sources["kucoin"]
	kucoin.hold = make(chan struct{})
	kucoin.entered = make(chan struct{}, 1)
	ctx := context.Background()

	waiting := make(chan bool)
	go func() {
		_, started := h.engine.HandleEvent(ctx, domain.ListingEvent{Symbol: "AAA", Exchanges: []string{"binance", "kucoin"}})
		waiting <- started
	}()
	<-kucoin.entered

	launched := make(chan bool)
	go func() {
		_, started := h.engine.HandleEvent(ctx, domain.ListingEvent{Symbol: "BBB", Exchanges: []string{"binance", "bybit"}})
		launched <- started
	}()
	<-h.runner.started
	if got := h.engine.Running(); got != 1 {
		t.Fatalf("running=%d want 1", got)
	}

	close(h.runner.gate)
	if !<-launched {
		t.Fatalf("BBB should launch while AAA waits for books")
	}
	close(kucoin.hold)
	if <-waiting {
		t.Fatalf("AAA has no second tradable book")
	}
	if got := h.engine.Running(); got != 0 {
		t.Fatalf("running=%d after both events finished", got)
	}
}

func TestListingWaitTimesOut(t *testing.T) {
	// bybit lists XYZ but its book stays empty.
	h := newHarness(&scriptedSnapshots{snaps: []map[string][]string{{}}},
		map[string]float64{"binance": 1.000, "bybit": 0})
	close(h.runner.gate)

	_, started := h.engine.HandleEvent(context.Background(), domain.ListingEvent{
		Symbol: "XYZ", Exchanges: []string{"binance", "bybit"},
	})
	if started {
		t.Fatalf("position started without two tradable books")
	}
	if len(h.sink.skips) != 1 {
		t.Fatalf("skips=%v", h.sink.skips)
	}
	// One minute of 5s polls plus the first attempt.
	if calls := h.sources["bybit"].calls; calls < 12 {
		t.Fatalf("bybit polled %d times, want >= 12", calls)
	}
}

func TestBelowThresholdSkipped(t *testing.T) {
	h := newHarness(&scriptedSnapshots{snaps: []map[string][]string{{}}},
		map[string]float64{"binance": 1.000, "bybit": 1.001})
	close(h.runner.gate)

	if _, started := h.engine.HandleEvent(context.Background(), domain.ListingEvent{
		Symbol: "XYZ", Exchanges: []string{"binance", "bybit"},
	}); started {
		t.Fatalf("0.1%% spread must not be traded")
	}
	if len(h.runner.opps) != 0 {
		t.Fatalf("runner called")
	}
}

func TestFetcherOmitsFailingExchanges(t *testing.T) {
	clk := clock.NewFake(t0)
	good := &priceSource{name: "binance", price: 1}
	flaky := &priceSource{name: "bybit", err: domain.ErrTransient}
	gone := &priceSource{name: "kucoin", err: domain.ErrUnavailable}
	f := NewFetcher(
		FetchConfig{Depth: 2, Timeout: 5 * time.Second, Retries: 2, Backoff: 100 * time.Millisecond},
		map[string]domain.QuoteSource{"binance": good, "bybit": flaky, "kucoin": gone},
		nil, clk, discard(),
	)

	got := f.Fetch(context.Background(), "XYZ", []string{"binance", "bybit", "kucoin", "unknown"})
	if len(got) != 1 {
		t.Fatalf("quotes=%v want only binance", got)
	}
	if _, ok := got["binance"]; !ok {
		t.Fatalf("binance missing")
	}
	if flaky.calls != 3 {
		t.Fatalf("transient source called %d times want 3", flaky.calls)
	}
	if gone.calls != 1 {
		t.Fatalf("unavailable source retried: %d calls", gone.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(&scriptedSnapshots{snaps: []map[string][]string{{"XYZ": {"binance"}}}},
		map[string]float64{"binance": 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.engine.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}
