package backtest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/execution"
	"github.com/alanyoungcy/listingarb/internal/ledger"
	"github.com/alanyoungcy/listingarb/internal/position"
)

// flatBook serves a one-price book that the test moves by hand.
type flatBook struct {
	mu    sync.Mutex
	name  string
	price float64
}

func (b *flatBook) Name() string { return b.name }

func (b *flatBook) set(price float64) {
	b.mu.Lock()
	b.price = price
	b.mu.Unlock()
}

func (b *flatBook) FetchTopOfBook(_ context.Context, symbol string, _ int) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lv := []domain.PriceLevel{{Price: b.price, Size: 1e6}}
	return domain.Quote{Exchange: b.name, Symbol: symbol, Bids: lv, Asks: lv, ObservedAt: t0}, nil
}

// liveTrades records trades and moves the books once the position opens.
type liveTrades struct {
	mu     sync.Mutex
	trades []domain.TradeRecord
	onOpen func()
}

func (l *liveTrades) OnTransition(_ context.Context, tr domain.Transition) {
	if tr.To == domain.PositionOpen && l.onOpen != nil {
		l.onOpen()
	}
}

func (l *liveTrades) OnTrade(_ context.Context, rec domain.TradeRecord) {
	l.mu.Lock()
	l.trades = append(l.trades, rec)
	l.mu.Unlock()
}

type rowKey struct {
	action domain.TradeAction
	side   domain.LegSide
}

func byRow(trades []domain.TradeRecord) map[rowKey]domain.TradeRecord {
	out := make(map[rowKey]domain.TradeRecord, len(trades))
	for _, tr := range trades {
		out[rowKey{tr.Action, tr.Side}] = tr
	}
	return out
}

func TestLiveAndBacktestRecordsAgree(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	balances := func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{"a": decimal.NewFromInt(60), "b": decimal.NewFromInt(60)}
	}

	a := &flatBook{name: "a", price: 1.000}
	b := &flatBook{name: "b", price: 1.050}
	quotes := map[string]domain.QuoteSource{"a": a, "b": b}
	clk := clock.NewFake(t0)
	liveLedger := ledger.New(balances(), logger)
	obs := &liveTrades{onOpen: func() {
		a.set(1.002)
		b.set(1.0025)
	}}
	mgr := position.NewManager(position.Config{
		DefaultFeeRate: 0.001,
		ExitTolerance:  0.0005,
		PollInterval:   5 * time.Second,
		MaxHold:        30 * time.Minute,
		OrderRetries:   1,
	}, quotes, execution.NewPaperGateway(quotes, 0, clk, logger), liveLedger, clk, obs, logger)

	live, err := mgr.Run(context.Background(), domain.Opportunity{
		Symbol:        "XYZ",
		LongExchange:  "a",
		LongPrice:     1.000,
		ShortExchange: "b",
		ShortPrice:    1.050,
		ObservedAt:    t0,
	})
	if err != nil {
		t.Fatalf("live run: %v", err)
	}

	res, err := newSim(30 * time.Minute).Run(convergingSeries())
	if err != nil {
		t.Fatalf("backtest run: %v", err)
	}
	sim := res.Positions[0]

	if !live.RealizedPnL.Equal(sim.RealizedPnL) {
		t.Fatalf("realized pnl live=%s backtest=%s", live.RealizedPnL, sim.RealizedPnL)
	}
	if !live.Notional.Equal(sim.Notional) {
		t.Fatalf("notional live=%s backtest=%s", live.Notional, sim.Notional)
	}
	if !live.Fees.Equal(sim.Fees) {
		t.Fatalf("fees live=%s backtest=%s", live.Fees, sim.Fees)
	}
	if !liveLedger.Total().Equal(res.FinalCapital) {
		t.Fatalf("capital live=%s backtest=%s", liveLedger.Total(), res.FinalCapital)
	}

	liveRows, simRows := byRow(obs.trades), byRow(res.Trades)
	if len(liveRows) != 4 || len(simRows) != 4 {
		t.Fatalf("rows live=%d backtest=%d want 4", len(liveRows), len(simRows))
	}
	for key, want := range simRows {
		got, ok := liveRows[key]
		if !ok {
			t.Fatalf("live has no %s %s row", key.action, key.side)
		}
		if got.Price != want.Price || !got.Amount.Equal(want.Amount) || !got.PnL.Equal(want.PnL) || !got.Fee.Equal(want.Fee) {
			t.Fatalf("%s %s row live=(%v %s %s) backtest=(%v %s %s)", key.action, key.side,
				got.Price, got.PnL, got.Fee, want.Price, want.PnL, want.Fee)
		}
	}
}
