// Package position runs the lifecycle of one paired arbitrage position:
// entry, convergence monitoring, exit and settlement.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/ledger"
)

// ExitForced labels an exit caused by the manager's context ending.
const ExitForced domain.ExitReason = "forced"

// Config tunes entry, monitoring and exit.
type Config struct {
	DefaultFeeRate float64
	FeeRates       map[string]float64
	// ExitTolerance is the convergence band: exit once the short venue's bid
	// is within ExitTolerance of the long venue's ask.
	ExitTolerance float64
	PollInterval  time.Duration
	MaxHold       time.Duration
	// OrderRetries is the number of extra attempts per order before the leg
	// is declared failed.
	OrderRetries int
	RetryDelay   time.Duration
	// LongFirst submits the long entry leg before the short one. The default
	// submits the short leg first.
	LongFirst    bool
	QuoteDepth   int
	QuoteTimeout time.Duration
}

// FeeRate returns the taker fee fraction for exchange.
func (c Config) FeeRate(exchange string) float64 {
	if r, ok := c.FeeRates[exchange]; ok {
		return r
	}
	return c.DefaultFeeRate
}

// Manager drives positions through their state machine. A Manager is safe
// to share: each Run call owns its own Position.
type Manager struct {
	cfg      Config
	quotes   map[string]domain.QuoteSource
	gateway  domain.OrderGateway
	ledger   *ledger.Ledger
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger
}

// NewManager creates a Manager. observer may be nil.
func NewManager(
	cfg Config,
	quotes map[string]domain.QuoteSource,
	gateway domain.OrderGateway,
	l *ledger.Ledger,
	clk clock.Clock,
	observer Observer,
	logger *slog.Logger,
) *Manager {
	if observer == nil {
		observer = NopObserver{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.QuoteDepth <= 0 {
		cfg.QuoteDepth = 1
	}
	return &Manager{
		cfg:      cfg,
		quotes:   quotes,
		gateway:  gateway,
		ledger:   l,
		clock:    clk,
		observer: observer,
		logger:   logger.With(slog.String("component", "position_manager")),
	}
}

// leg is one side of a live position.
type leg struct {
	side     domain.LegSide
	exchange string
	alloc    domain.Allocation
	entry    float64
	size     float64
	exit     float64
	pnl      decimal.Decimal
	fees     decimal.Decimal
}

// run holds the mutable state of one Run call.
type run struct {
	m      *Manager
	pos    domain.Position
	long   *leg
	short  *leg
	logger *slog.Logger
}

// Run executes opp to a terminal state. It returns the final position and,
// for Failed positions, the cause. An opportunity rejected for lack of
// capital returns domain.ErrInsufficientFunds with the position still Idle.
func (m *Manager) Run(ctx context.Context, opp domain.Opportunity) (domain.Position, error) {
	r := &run{
		m: m,
		pos: domain.Position{
			ID:            uuid.NewString(),
			Symbol:        opp.Symbol,
			LongExchange:  opp.LongExchange,
			ShortExchange: opp.ShortExchange,
			State:         domain.PositionIdle,
		},
		long:  &leg{side: domain.LegLong, exchange: opp.LongExchange},
		short: &leg{side: domain.LegShort, exchange: opp.ShortExchange},
	}
	r.logger = m.logger.With(
		slog.String("position", r.pos.ID),
		slog.String("symbol", opp.Symbol),
		slog.String("long", opp.LongExchange),
		slog.String("short", opp.ShortExchange),
	)

	if err := r.reserve(ctx, opp); err != nil {
		return r.pos, err
	}
	if err := r.enter(ctx, opp); err != nil {
		return r.pos, err
	}
	reason := r.monitor(ctx)
	return r.pos, r.exit(ctx, reason)
}

// reserve moves Idle -> EntryPending.
func (r *run) reserve(ctx context.Context, opp domain.Opportunity) error {
	l := r.m.ledger
	longAvail, err := l.Available(opp.LongExchange)
	if err != nil {
		return err
	}
	shortAvail, err := l.Available(opp.ShortExchange)
	if err != nil {
		return err
	}
	amount := EntrySize(longAvail, shortAvail)
	if !amount.IsPositive() {
		r.logger.Warn("opportunity skipped: no capital",
			slog.String("long_available", longAvail.String()),
			slog.String("short_available", shortAvail.String()),
		)
		return fmt.Errorf("position: size entry: %w", domain.ErrInsufficientFunds)
	}

	longAlloc, err := l.Reserve(opp.LongExchange, amount)
	if err != nil {
		r.logger.Warn("opportunity skipped", slog.String("error", err.Error()))
		return err
	}
	shortAlloc, err := l.Reserve(opp.ShortExchange, amount)
	if err != nil {
		r.releaseLogged(longAlloc)
		r.logger.Warn("opportunity skipped", slog.String("error", err.Error()))
		return err
	}
	r.long.alloc, r.short.alloc = longAlloc, shortAlloc
	r.pos.Notional = amount.Mul(decimal.NewFromInt(2))
	r.transition(ctx, domain.PositionEntryPending, fmt.Sprintf("net spread %.4f%%", opp.NetSpread*100))
	return nil
}

// enter moves EntryPending -> Open, or -> Failed with any filled leg unwound.
func (r *run) enter(ctx context.Context, opp domain.Opportunity) error {
	first, second := r.short, r.long
	firstPrice, secondPrice := opp.ShortPrice, opp.LongPrice
	if r.m.cfg.LongFirst {
		first, second = r.long, r.short
		firstPrice, secondPrice = opp.LongPrice, opp.ShortPrice
	}

	if err := r.open(ctx, first, firstPrice); err != nil {
		r.releaseLogged(first.alloc)
		r.releaseLogged(second.alloc)
		return r.fail(ctx, fmt.Errorf("position: %s entry on %s: %w", first.side, first.exchange, err))
	}
	if err := r.open(ctx, second, secondPrice); err != nil {
		r.releaseLogged(second.alloc)
		r.unwind(ctx, first)
		return r.fail(ctx, fmt.Errorf("position: %s entry on %s after %s filled: %w: %w",
			second.side, second.exchange, first.side, domain.ErrPartialExecution, err))
	}

	r.pos.LongEntryPrice, r.pos.LongSize = r.long.entry, r.long.size
	r.pos.ShortEntryPrice, r.pos.ShortSize = r.short.entry, r.short.size
	r.pos.OpenedAt = r.m.clock.Now()
	r.transition(ctx, domain.PositionOpen, "both legs filled")
	return nil
}

// open submits the entry order for lg sized from its reservation.
func (r *run) open(ctx context.Context, lg *leg, price float64) error {
	side := domain.OrderSideBuy
	if lg.side == domain.LegShort {
		side = domain.OrderSideSell
	}
	size := Units(lg.alloc.Amount, price)
	if size <= 0 {
		return fmt.Errorf("%w: non-positive size at price %v", domain.ErrOrderRejected, price)
	}
	fill, err := r.place(ctx, lg.exchange, side, size)
	if err != nil {
		return err
	}
	lg.entry = fill.Price
	lg.size = fill.Size
	lg.fees = Fee(r.m.cfg.FeeRate(lg.exchange), fill.Price, fill.Size)
	r.record(ctx, domain.TradeOpen, lg, fill.Price, decimal.Zero, lg.fees, "")
	return nil
}

// unwind reverses a filled entry leg and settles the result. A failed
// unwind leaves real exposure; the reservation is settled at the last mark
// so the ledger stays consistent.
func (r *run) unwind(ctx context.Context, lg *leg) {
	side := domain.OrderSideSell
	if lg.side == domain.LegShort {
		side = domain.OrderSideBuy
	}
	fill, err := r.place(ctx, lg.exchange, side, lg.size)
	exitPrice := fill.Price
	rate := r.m.cfg.FeeRate(lg.exchange)
	reason := "unwind after partial entry"
	if err != nil {
		exitPrice, rate = r.mark(ctx, lg), 0
		reason = "unwind failed, settled at mark: " + err.Error()
		r.logger.Error("unwind failed, exposure remains",
			slog.String("exchange", lg.exchange),
			slog.String("side", string(lg.side)),
			slog.Float64("size", lg.size),
			slog.String("error", err.Error()),
		)
	}
	lg.exit = exitPrice
	r.settleLeg(ctx, domain.TradeUnwind, lg, SettleLeg(lg.side, lg.entry, exitPrice, lg.size, lg.fees, rate), reason)
}

// monitor polls both legs until convergence or MaxHold.
func (r *run) monitor(ctx context.Context) domain.ExitReason {
	cfg := r.m.cfg
	deadline := r.pos.OpenedAt.Add(cfg.MaxHold)

	for {
		if r.converged(ctx) {
			return domain.ExitConverged
		}
		if cfg.MaxHold > 0 && !r.m.clock.Now().Before(deadline) {
			r.logger.Info("max hold reached, forcing exit", slog.Duration("max_hold", cfg.MaxHold))
			return domain.ExitMaxHold
		}
		if err := clock.Sleep(ctx, r.m.clock, cfg.PollInterval); err != nil {
			return ExitForced
		}
	}
}

// converged fetches both legs. Fetch errors are logged and retried on the
// next tick without changing state.
func (r *run) converged(ctx context.Context) bool {
	longQ, err := r.quote(ctx, r.long.exchange)
	if err != nil {
		r.logger.Debug("monitor: long quote unavailable", slog.String("error", err.Error()))
		return false
	}
	shortQ, err := r.quote(ctx, r.short.exchange)
	if err != nil {
		r.logger.Debug("monitor: short quote unavailable", slog.String("error", err.Error()))
		return false
	}
	if !longQ.Tradable() || !shortQ.Tradable() {
		return false
	}
	ok := Converged(longQ.BestAsk(), shortQ.BestBid(), r.m.cfg.ExitTolerance)
	if ok {
		r.logger.Info("spread converged",
			slog.Float64("long_ask", longQ.BestAsk()),
			slog.Float64("short_bid", shortQ.BestBid()),
		)
	}
	return ok
}

// exit moves Open -> ExitPending -> Settled, or -> Failed when a closing
// order cannot be placed.
func (r *run) exit(ctx context.Context, reason domain.ExitReason) error {
	r.pos.ExitReason = reason
	r.transition(ctx, domain.PositionExitPending, string(reason))

	// Exit orders run to completion even if ctx has ended.
	exitCtx := context.WithoutCancel(ctx)

	var errs []error
	for _, lg := range []*leg{r.short, r.long} {
		if err := r.close(exitCtx, lg); err != nil {
			errs = append(errs, err)
		}
	}

	r.pos.LongExitPrice = r.long.exit
	r.pos.ShortExitPrice = r.short.exit
	if len(errs) > 0 {
		err := errors.Join(errs...)
		if len(errs) < 2 {
			err = fmt.Errorf("%w: %w", domain.ErrPartialExecution, err)
		}
		return r.fail(exitCtx, fmt.Errorf("position: exit: %w", err))
	}

	now := r.m.clock.Now()
	r.pos.ClosedAt = &now
	r.transition(exitCtx, domain.PositionSettled, fmt.Sprintf("pnl %s fees %s", r.pos.RealizedPnL, r.pos.Fees))
	return nil
}

// close submits the closing order for lg and settles it.
func (r *run) close(ctx context.Context, lg *leg) error {
	side := domain.OrderSideSell
	if lg.side == domain.LegShort {
		side = domain.OrderSideBuy
	}
	fill, err := r.place(ctx, lg.exchange, side, lg.size)
	if err != nil {
		lg.exit = r.mark(ctx, lg)
		r.logger.Error("exit order failed, exposure remains",
			slog.String("exchange", lg.exchange),
			slog.String("side", string(lg.side)),
			slog.Float64("size", lg.size),
			slog.String("error", err.Error()),
		)
		r.settleLeg(ctx, domain.TradeFailed, lg, SettleLeg(lg.side, lg.entry, lg.exit, lg.size, lg.fees, 0),
			"exit failed, settled at mark: "+err.Error())
		return fmt.Errorf("%s close on %s: %w", lg.side, lg.exchange, err)
	}
	lg.exit = fill.Price
	r.settleLeg(ctx, domain.TradeClose, lg, SettleLeg(lg.side, lg.entry, fill.Price, lg.size, lg.fees, r.m.cfg.FeeRate(lg.exchange)),
		string(r.pos.ExitReason))
	return nil
}

// settleLeg credits lg's reservation with its pnl and fees and logs the row.
func (r *run) settleLeg(ctx context.Context, action domain.TradeAction, lg *leg, st LegSettlement, reason string) {
	lg.pnl, lg.fees = st.PnL, st.Fees
	balance, err := r.m.ledger.Settle(lg.alloc, lg.pnl, lg.fees)
	if err != nil {
		// Invariant violations abort this position only.
		r.logger.Error("ledger settle failed",
			slog.String("exchange", lg.exchange),
			slog.String("error", err.Error()),
		)
		r.releaseLogged(lg.alloc)
	}
	r.pos.RealizedPnL = r.pos.RealizedPnL.Add(lg.pnl)
	r.pos.Fees = r.pos.Fees.Add(lg.fees)
	r.recordWithBalance(ctx, action, lg, lg.exit, lg.pnl, st.ExitFee, balance, reason)
}

// place submits a market order with the configured retry budget.
func (r *run) place(ctx context.Context, exchange string, side domain.OrderSide, size float64) (domain.Fill, error) {
	order := domain.MarketOrder{
		ClientID: uuid.NewString(),
		Exchange: exchange,
		Symbol:   r.pos.Symbol,
		Side:     side,
		Size:     size,
	}
	var lastErr error
	for attempt := 0; attempt <= r.m.cfg.OrderRetries; attempt++ {
		if attempt > 0 {
			if err := clock.Sleep(ctx, r.m.clock, r.m.cfg.RetryDelay); err != nil {
				return domain.Fill{}, err
			}
		}
		fill, err := r.m.gateway.PlaceMarketOrder(ctx, order)
		if err == nil {
			return fill, nil
		}
		lastErr = err
		r.logger.Warn("order attempt failed",
			slog.String("exchange", exchange),
			slog.String("side", string(side)),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return domain.Fill{}, lastErr
}

// mark is the price a stuck leg would close at: the long leg's bid or the
// short leg's ask, falling back to the entry price.
func (r *run) mark(ctx context.Context, lg *leg) float64 {
	q, err := r.quote(ctx, lg.exchange)
	if err != nil || !q.Tradable() {
		return lg.entry
	}
	if lg.side == domain.LegLong {
		return q.BestBid()
	}
	return q.BestAsk()
}

func (r *run) quote(ctx context.Context, exchange string) (domain.Quote, error) {
	src, ok := r.m.quotes[exchange]
	if !ok {
		return domain.Quote{}, fmt.Errorf("no quote source for %s: %w", exchange, domain.ErrUnavailable)
	}
	if r.m.cfg.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.m.cfg.QuoteTimeout)
		defer cancel()
	}
	return src.FetchTopOfBook(ctx, r.pos.Symbol, r.m.cfg.QuoteDepth)
}

func (r *run) fail(ctx context.Context, cause error) error {
	now := r.m.clock.Now()
	r.pos.ClosedAt = &now
	r.pos.FailureReason = cause.Error()
	r.logger.Error("position failed", slog.String("error", cause.Error()))
	r.transition(ctx, domain.PositionFailed, cause.Error())
	return cause
}

func (r *run) transition(ctx context.Context, to domain.PositionState, cause string) {
	from := r.pos.State
	r.pos.State = to
	r.logger.Info("position transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("cause", cause),
	)
	r.m.observer.OnTransition(ctx, domain.Transition{
		Position: r.pos,
		From:     from,
		To:       to,
		Cause:    cause,
		At:       r.m.clock.Now(),
	})
}

func (r *run) releaseLogged(alloc domain.Allocation) {
	if alloc.ID == "" {
		return
	}
	if err := r.m.ledger.Release(alloc); err != nil {
		r.logger.Error("ledger release failed",
			slog.String("allocation", alloc.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *run) record(ctx context.Context, action domain.TradeAction, lg *leg, price float64, pnl, fee decimal.Decimal, reason string) {
	balance, _ := r.m.ledger.Available(lg.exchange)
	r.recordWithBalance(ctx, action, lg, price, pnl, fee, balance, reason)
}

func (r *run) recordWithBalance(ctx context.Context, action domain.TradeAction, lg *leg, price float64, pnl, fee, balance decimal.Decimal, reason string) {
	r.m.observer.OnTrade(ctx, domain.TradeRecord{
		PositionID:   r.pos.ID,
		Timestamp:    r.m.clock.Now(),
		Action:       action,
		Exchange:     lg.exchange,
		Symbol:       r.pos.Symbol,
		Side:         lg.side,
		Amount:       lg.alloc.Amount,
		Price:        price,
		BalanceAfter: balance,
		PnL:          pnl,
		Fee:          fee,
		Reason:       reason,
	})
}
