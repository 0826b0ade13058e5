// Package backtest replays historical candles through the live entry and
// exit policy with a simulated execution delay.
package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/evaluator"
	"github.com/alanyoungcy/listingarb/internal/ledger"
	"github.com/alanyoungcy/listingarb/internal/position"
)

// ExitEndOfData closes positions still open when the series run out.
const ExitEndOfData domain.ExitReason = "end_of_data"

// Config tunes a simulation run.
type Config struct {
	// Delay separates a signal row from the price lookup of the fills it
	// triggers, on entry and on exit.
	Delay            time.Duration
	ExitTolerance    float64
	MaxHold          time.Duration
	StartingBalances map[string]decimal.Decimal
}

// Result is the deterministic outcome of a run.
type Result struct {
	Trades        []domain.TradeRecord
	Positions     []domain.Position
	FinalBalances map[string]decimal.Decimal
	FinalCapital  decimal.Decimal
}

// Simulator runs the evaluator and position policy over candle series.
type Simulator struct {
	cfg    Config
	eval   *evaluator.Evaluator
	logger *slog.Logger
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg Config, eval *evaluator.Evaluator, logger *slog.Logger) *Simulator {
	return &Simulator{
		cfg:    cfg,
		eval:   eval,
		logger: logger.With(slog.String("component", "backtest")),
	}
}

// simPosition is a simulated position between entry and exit.
type simPosition struct {
	pos        domain.Position
	longAlloc  domain.Allocation
	shortAlloc domain.Allocation
	enteredAt  time.Time
	entryFees  [2]decimal.Decimal
}

// Run replays series, keyed by exchange, and returns the trades it would
// have made. Every run over the same input produces the same Result.
func (s *Simulator) Run(series map[string][]domain.Candle) (Result, error) {
	if len(series) < 2 {
		return Result{}, errors.New("backtest: need series from at least two exchanges")
	}
	tl, err := newTimeline(series)
	if err != nil {
		return Result{}, err
	}

	l := ledger.New(s.cfg.StartingBalances, s.logger)
	st := &state{
		sim:       s,
		tl:        tl,
		ledger:    l,
		open:      make(map[string]*simPosition),
		busyUntil: make(map[string]time.Time),
	}

	for _, ts := range tl.times {
		for _, sym := range tl.symbols {
			if p, ok := st.open[sym]; ok {
				if ts.After(p.enteredAt) {
					if err := st.monitor(sym, p, ts); err != nil {
						return Result{}, err
					}
				}
				continue
			}
			if ts.Before(st.busyUntil[sym]) {
				continue
			}
			if err := st.signal(sym, ts); err != nil {
				return Result{}, err
			}
		}
	}

	for _, sym := range domain.SortedKeys(boolSet(st.open)) {
		p := st.open[sym]
		if err := st.close(sym, p, tl.end, ExitEndOfData); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Trades:        st.trades,
		Positions:     st.closed,
		FinalBalances: make(map[string]decimal.Decimal),
		FinalCapital:  l.Total(),
	}
	for _, e := range l.Entries() {
		res.FinalBalances[e.Exchange] = e.Balance
	}
	s.logger.Info("backtest finished",
		slog.Int("positions", len(res.Positions)),
		slog.Int("trades", len(res.Trades)),
		slog.String("final_capital", res.FinalCapital.String()),
	)
	return res, nil
}

type state struct {
	sim    *Simulator
	tl     *timeline
	ledger *ledger.Ledger
	open   map[string]*simPosition

	// busyUntil is when the last exit of a symbol filled. No new signal is
	// taken before then.
	busyUntil map[string]time.Time
	closed    []domain.Position
	trades    []domain.TradeRecord
	seq       int
}

// signal evaluates sym at ts and, when accepted, enters at the prices seen
// Delay later. A signal whose fill would land after the last row is dropped.
func (st *state) signal(sym string, ts time.Time) error {
	quotes := st.tl.quotes(sym, ts)
	opp, ok := st.sim.eval.Evaluate(quotes, ts)
	if !ok {
		return nil
	}

	execAt := ts.Add(st.sim.cfg.Delay)
	if execAt.After(st.tl.end) {
		return nil
	}
	longPx, okL := st.tl.closeAt(opp.LongExchange, sym, execAt)
	shortPx, okS := st.tl.closeAt(opp.ShortExchange, sym, execAt)
	if !okL || !okS {
		return nil
	}

	longAvail, err := st.ledger.Available(opp.LongExchange)
	if err != nil {
		return nil
	}
	shortAvail, err := st.ledger.Available(opp.ShortExchange)
	if err != nil {
		return nil
	}
	amount := position.EntrySize(longAvail, shortAvail)
	if !amount.IsPositive() {
		return nil
	}

	longAlloc, err := st.ledger.Reserve(opp.LongExchange, amount)
	if err != nil {
		return nil
	}
	shortAlloc, err := st.ledger.Reserve(opp.ShortExchange, amount)
	if err != nil {
		return errors.Join(err, st.ledger.Release(longAlloc))
	}

	st.seq++
	p := &simPosition{
		pos: domain.Position{
			ID:              fmt.Sprintf("bt-%s-%d", sym, st.seq),
			Symbol:          sym,
			LongExchange:    opp.LongExchange,
			LongEntryPrice:  longPx,
			LongSize:        position.Units(amount, longPx),
			ShortExchange:   opp.ShortExchange,
			ShortEntryPrice: shortPx,
			ShortSize:       position.Units(amount, shortPx),
			Notional:        amount.Mul(decimal.NewFromInt(2)),
			State:           domain.PositionOpen,
			OpenedAt:        execAt,
		},
		longAlloc:  longAlloc,
		shortAlloc: shortAlloc,
		enteredAt:  execAt,
	}
	p.entryFees[0] = position.Fee(st.sim.eval.FeeRate(opp.LongExchange), longPx, p.pos.LongSize)
	p.entryFees[1] = position.Fee(st.sim.eval.FeeRate(opp.ShortExchange), shortPx, p.pos.ShortSize)
	st.open[sym] = p

	st.trade(p, execAt, domain.TradeOpen, domain.LegLong, longPx, decimal.Zero, p.entryFees[0], "")
	st.trade(p, execAt, domain.TradeOpen, domain.LegShort, shortPx, decimal.Zero, p.entryFees[1], "")
	return nil
}

// monitor checks sym at ts. An exit decided at ts fills Delay later, like
// the entry, but never past the end of the data.
func (st *state) monitor(sym string, p *simPosition, ts time.Time) error {
	longPx, okL := st.tl.closeAt(p.pos.LongExchange, sym, ts)
	shortPx, okS := st.tl.closeAt(p.pos.ShortExchange, sym, ts)
	if okL && okS && position.Converged(longPx, shortPx, st.sim.cfg.ExitTolerance) {
		return st.close(sym, p, st.execAt(ts), domain.ExitConverged)
	}
	if st.sim.cfg.MaxHold > 0 && ts.Sub(p.enteredAt) >= st.sim.cfg.MaxHold {
		return st.close(sym, p, st.execAt(ts), domain.ExitMaxHold)
	}
	return nil
}

func (st *state) execAt(ts time.Time) time.Time {
	at := ts.Add(st.sim.cfg.Delay)
	if at.After(st.tl.end) {
		return st.tl.end
	}
	return at
}

// close settles both legs at the prices seen at ts.
func (st *state) close(sym string, p *simPosition, ts time.Time, reason domain.ExitReason) error {
	longPx, _ := st.tl.closeAt(p.pos.LongExchange, sym, ts)
	shortPx, _ := st.tl.closeAt(p.pos.ShortExchange, sym, ts)

	long := position.SettleLeg(domain.LegLong, p.pos.LongEntryPrice, longPx, p.pos.LongSize,
		p.entryFees[0], st.sim.eval.FeeRate(p.pos.LongExchange))
	short := position.SettleLeg(domain.LegShort, p.pos.ShortEntryPrice, shortPx, p.pos.ShortSize,
		p.entryFees[1], st.sim.eval.FeeRate(p.pos.ShortExchange))

	longBal, err := st.ledger.Settle(p.longAlloc, long.PnL, long.Fees)
	if err != nil {
		return fmt.Errorf("backtest: settle %s long: %w", p.pos.ID, err)
	}
	shortBal, err := st.ledger.Settle(p.shortAlloc, short.PnL, short.Fees)
	if err != nil {
		return fmt.Errorf("backtest: settle %s short: %w", p.pos.ID, err)
	}

	closedAt := ts
	p.pos.LongExitPrice = longPx
	p.pos.ShortExitPrice = shortPx
	p.pos.RealizedPnL = long.PnL.Add(short.PnL)
	p.pos.Fees = long.Fees.Add(short.Fees)
	p.pos.State = domain.PositionSettled
	p.pos.ExitReason = reason
	p.pos.ClosedAt = &closedAt

	st.tradeWithBalance(p, ts, domain.TradeClose, domain.LegLong, longPx, long.PnL, long.ExitFee, longBal, string(reason))
	st.tradeWithBalance(p, ts, domain.TradeClose, domain.LegShort, shortPx, short.PnL, short.ExitFee, shortBal, string(reason))

	st.closed = append(st.closed, p.pos)
	delete(st.open, sym)
	st.busyUntil[sym] = ts
	return nil
}

func (st *state) trade(p *simPosition, ts time.Time, action domain.TradeAction, side domain.LegSide, price float64, pnl, fee decimal.Decimal, reason string) {
	ex := p.pos.LongExchange
	if side == domain.LegShort {
		ex = p.pos.ShortExchange
	}
	bal, _ := st.ledger.Available(ex)
	st.tradeWithBalance(p, ts, action, side, price, pnl, fee, bal, reason)
}

func (st *state) tradeWithBalance(p *simPosition, ts time.Time, action domain.TradeAction, side domain.LegSide, price float64, pnl, fee, balance decimal.Decimal, reason string) {
	ex := p.pos.LongExchange
	if side == domain.LegShort {
		ex = p.pos.ShortExchange
	}
	st.trades = append(st.trades, domain.TradeRecord{
		ID:           int64(len(st.trades) + 1),
		PositionID:   p.pos.ID,
		Timestamp:    ts,
		Action:       action,
		Exchange:     ex,
		Symbol:       p.pos.Symbol,
		Side:         side,
		Amount:       p.longAlloc.Amount,
		Price:        price,
		BalanceAfter: balance,
		PnL:          pnl,
		Fee:          fee,
		Reason:       reason,
	})
}

func boolSet[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// timeline indexes candles by exchange and symbol in time order.
type timeline struct {
	rows    map[string]map[string][]domain.Candle
	times   []time.Time
	symbols []string
	end     time.Time
}

func newTimeline(series map[string][]domain.Candle) (*timeline, error) {
	tl := &timeline{rows: make(map[string]map[string][]domain.Candle)}
	seen := make(map[time.Time]bool)
	syms := make(map[string]bool)

	for ex, candles := range series {
		bySym := make(map[string][]domain.Candle)
		for _, c := range candles {
			if c.Close <= 0 {
				return nil, fmt.Errorf("backtest: %s %s at %s: non-positive close", ex, c.Symbol, c.Time.Format(time.RFC3339))
			}
			bySym[c.Symbol] = append(bySym[c.Symbol], c)
			syms[c.Symbol] = true
			seen[c.Time] = true
		}
		for sym := range bySym {
			rows := bySym[sym]
			sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
		}
		tl.rows[ex] = bySym
	}

	for ts := range seen {
		tl.times = append(tl.times, ts)
	}
	sort.Slice(tl.times, func(i, j int) bool { return tl.times[i].Before(tl.times[j]) })
	tl.symbols = domain.SortedKeys(syms)
	if len(tl.times) > 0 {
		tl.end = tl.times[len(tl.times)-1]
	}
	return tl, nil
}

// at returns the last candle at or before ts.
func (tl *timeline) at(exchange, symbol string, ts time.Time) (domain.Candle, bool) {
	rows := tl.rows[exchange][symbol]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Time.After(ts) })
	if i == 0 {
		return domain.Candle{}, false
	}
	return rows[i-1], true
}

func (tl *timeline) closeAt(exchange, symbol string, ts time.Time) (float64, bool) {
	c, ok := tl.at(exchange, symbol, ts)
	return c.Close, ok
}

// quotes builds one-level books from the close price, bid equal to ask.
func (tl *timeline) quotes(symbol string, ts time.Time) map[string]domain.Quote {
	out := make(map[string]domain.Quote)
	for ex := range tl.rows {
		c, ok := tl.at(ex, symbol, ts)
		if !ok {
			continue
		}
		lv := []domain.PriceLevel{{Price: c.Close, Size: c.Volume}}
		out[ex] = domain.Quote{
			Exchange:   ex,
			Symbol:     symbol,
			Bids:       lv,
			Asks:       lv,
			ObservedAt: c.Time,
		}
	}
	return out
}
