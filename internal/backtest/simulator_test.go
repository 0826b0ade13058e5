package backtest

import (
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/evaluator"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func candles(exchange string, prices map[time.Duration]float64) []domain.Candle {
	var out []domain.Candle
	for off, px := range prices {
		out = append(out, domain.Candle{
			Exchange: exchange, Symbol: "XYZ", Time: t0.Add(off),
			Open: px, High: px, Low: px, Close: px, Volume: 1000,
		})
	}
	return out
}

func newSim(maxHold time.Duration) *Simulator {
	eval := evaluator.New(evaluator.Config{EntryThreshold: 0.002, DefaultFeeRate: 0.001, Level: 2})
	return NewSimulator(Config{
		Delay:         15 * time.Second,
		ExitTolerance: 0.0005,
		MaxHold:       maxHold,
		StartingBalances: map[string]decimal.Decimal{
			"a": decimal.NewFromInt(60),
			"b": decimal.NewFromInt(60),
		},
	}, eval, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func convergingSeries() map[string][]domain.Candle {
	return map[string][]domain.Candle{
		"a": candles("a", map[time.Duration]float64{0: 1.000, 15 * time.Second: 1.000, time.Minute: 1.002}),
		"b": candles("b", map[time.Duration]float64{0: 1.050, 15 * time.Second: 1.050, time.Minute: 1.0025}),
	}
}

func TestConvergingListing(t *testing.T) {
	res, err := newSim(30 * time.Minute).Run(convergingSeries())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("positions=%d want 1", len(res.Positions))
	}
	p := res.Positions[0]
	if p.LongExchange != "a" || p.ShortExchange != "b" {
		t.Fatalf("legs %s/%s", p.LongExchange, p.ShortExchange)
	}
	if p.State != domain.PositionSettled || p.ExitReason != domain.ExitConverged {
		t.Fatalf("state=%s reason=%s", p.State, p.ExitReason)
	}
	if !p.OpenedAt.Equal(t0.Add(15 * time.Second)) {
		t.Fatalf("opened at %s, want signal+delay", p.OpenedAt)
	}
	if !p.Notional.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("notional=%s want 60", p.Notional)
	}
	if !p.RealizedPnL.IsPositive() {
		t.Fatalf("pnl=%s want positive", p.RealizedPnL)
	}
	if len(res.Trades) != 4 {
		t.Fatalf("trades=%d want 4", len(res.Trades))
	}
	want := decimal.NewFromInt(120).Add(p.RealizedPnL).Sub(p.Fees)
	if !res.FinalCapital.Equal(want) {
		t.Fatalf("capital=%s want %s", res.FinalCapital, want)
	}
}

func TestExitFillsAfterDelay(t *testing.T) {
	series := map[string][]domain.Candle{
		"a": candles("a", map[time.Duration]float64{
			0: 1.000, 15 * time.Second: 1.000, time.Minute: 1.002, 75 * time.Second: 1.002,
		}),
		"b": candles("b", map[time.Duration]float64{
			0: 1.050, 15 * time.Second: 1.050, time.Minute: 1.0025, 75 * time.Second: 1.040,
		}),
	}
	res, err := newSim(30 * time.Minute).Run(series)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The 1m15s dislocation would fill after the last row, so it is not taken.
	if len(res.Positions) != 1 {
		t.Fatalf("positions=%d want 1", len(res.Positions))
	}
	p := res.Positions[0]
	if p.ExitReason != domain.ExitConverged {
		t.Fatalf("exit reason=%s", p.ExitReason)
	}
	// Convergence is seen at 1m; the short leg buys back 15s later at 1.040.
	if got := *p.ClosedAt; !got.Equal(t0.Add(75 * time.Second)) {
		t.Fatalf("closed at %s want signal+delay", got)
	}
	if p.ShortExitPrice != 1.040 || p.LongExitPrice != 1.002 {
		t.Fatalf("exit prices long=%v short=%v", p.LongExitPrice, p.ShortExitPrice)
	}
	for _, tr := range res.Trades {
		if tr.Action == domain.TradeClose && !tr.Timestamp.Equal(t0.Add(75*time.Second)) {
			t.Fatalf("close row at %s", tr.Timestamp)
		}
	}
}

func TestExitDelayClampedToEndOfData(t *testing.T) {
	res, err := newSim(30 * time.Minute).Run(convergingSeries())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := *res.Positions[0].ClosedAt; !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("closed at %s want last row", got)
	}
}

func TestRecordsCarryGrossPnLAndFillFees(t *testing.T) {
	res, err := newSim(30 * time.Minute).Run(convergingSeries())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	p := res.Positions[0]
	pnl, fees := decimal.Zero, decimal.Zero
	for _, tr := range res.Trades {
		pnl = pnl.Add(tr.PnL)
		fees = fees.Add(tr.Fee)
	}
	if !pnl.Equal(p.RealizedPnL) {
		t.Fatalf("row pnl=%s position pnl=%s", pnl, p.RealizedPnL)
	}
	if !fees.Equal(p.Fees) {
		t.Fatalf("row fees=%s position fees=%s", fees, p.Fees)
	}
	wantShort := decimal.NewFromFloat(1.050).Sub(decimal.NewFromFloat(1.0025)).
		Mul(decimal.NewFromFloat(p.ShortSize)).Round(8)
	if short := res.Trades[3]; short.Side != domain.LegShort || !short.PnL.Equal(wantShort) {
		t.Fatalf("short close row %+v want gross pnl %s", short, wantShort)
	}
}

func TestMaxHoldExit(t *testing.T) {
	series := map[string][]domain.Candle{
		"a": candles("a", map[time.Duration]float64{0: 1.0, 15 * time.Second: 1.0, 30 * time.Second: 1.0, time.Minute: 1.0}),
		"b": candles("b", map[time.Duration]float64{0: 1.05, 15 * time.Second: 1.05, 30 * time.Second: 1.05, time.Minute: 1.05}),
	}
	res, err := newSim(30 * time.Second).Run(series)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Positions) != 1 || res.Positions[0].ExitReason != domain.ExitMaxHold {
		t.Fatalf("positions=%+v", res.Positions)
	}
	if got := *res.Positions[0].ClosedAt; !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("closed at %s", got)
	}
}

func TestOpenPositionClosedAtEndOfData(t *testing.T) {
	series := map[string][]domain.Candle{
		"a": candles("a", map[time.Duration]float64{0: 1.0, 15 * time.Second: 1.0}),
		"b": candles("b", map[time.Duration]float64{0: 1.05, 15 * time.Second: 1.05}),
	}
	res, err := newSim(0).Run(series)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Positions) != 1 || res.Positions[0].ExitReason != ExitEndOfData {
		t.Fatalf("positions=%+v", res.Positions)
	}
}

func TestNoTradeBelowThreshold(t *testing.T) {
	series := map[string][]domain.Candle{
		"a": candles("a", map[time.Duration]float64{0: 1.0, time.Minute: 1.0}),
		"b": candles("b", map[time.Duration]float64{0: 1.001, time.Minute: 1.001}),
	}
	res, err := newSim(time.Hour).Run(series)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("trades=%d want 0", len(res.Trades))
	}
	if !res.FinalCapital.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("capital=%s", res.FinalCapital)
	}
}

func TestDeterministic(t *testing.T) {
	first, err := newSim(30 * time.Minute).Run(convergingSeries())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := newSim(30 * time.Minute).Run(convergingSeries())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestRunRejectsSingleExchange(t *testing.T) {
	_, err := newSim(0).Run(map[string][]domain.Candle{
		"a": candles("a", map[time.Duration]float64{0: 1}),
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestReadSeries(t *testing.T) {
	in := strings.Join([]string{
		"exchange,timestamp,open,high,low,close,volume",
		"binance,1719835200000,1,1.1,0.9,1.05,100",
		"KuCoin,2024-07-01T12:00:15Z,1,1,1,1.02,50",
		"bybit,2024-07-01 12:00:30,2,2,2,2,5",
	}, "\n")
	got, err := ReadSeries(strings.NewReader(in), "xyz")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("exchanges=%d want 3", len(got))
	}
	b := got["binance"][0]
	if !b.Time.Equal(t0) || b.Close != 1.05 || b.Symbol != "XYZ" {
		t.Fatalf("binance row %+v", b)
	}
	if k := got["kucoin"][0]; !k.Time.Equal(t0.Add(15 * time.Second)) {
		t.Fatalf("kucoin time %s", k.Time)
	}

	if _, err := ReadSeries(strings.NewReader("binance,yesterday,1,1,1,1,1"), "XYZ"); err == nil {
		t.Fatalf("expected timestamp error")
	}
}
