// Package evaluator selects the most profitable long/short exchange pair for
// a symbol from simultaneous quotes.
package evaluator

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Config tunes the entry policy.
type Config struct {
	// EntryThreshold is the minimum net spread fraction (0.002 = 0.2%).
	EntryThreshold float64
	// ExitBuffer is added to the fee model to cover the spread paid on exit.
	ExitBuffer float64
	// DefaultFeeRate is the per-fill taker fee fraction.
	DefaultFeeRate float64
	// FeeRates overrides DefaultFeeRate per exchange.
	FeeRates map[string]float64
	// Level is the 1-based book level priced. 2 prices the second-best ask,
	// 1 prices top-of-book.
	Level int
	// MaxQuoteAge drops quotes older than this. Zero disables the check.
	MaxQuoteAge time.Duration
}

// Evaluator is stateless; identical inputs always yield identical output.
type Evaluator struct {
	cfg Config
}

// New creates an Evaluator.
func New(cfg Config) *Evaluator {
	if cfg.Level < 1 {
		cfg.Level = 1
	}
	return &Evaluator{cfg: cfg}
}

// Config returns the evaluator's policy.
func (e *Evaluator) Config() Config { return e.cfg }

// FeeRate returns the taker fee fraction for exchange.
func (e *Evaluator) FeeRate(exchange string) float64 {
	if r, ok := e.cfg.FeeRates[exchange]; ok {
		return r
	}
	return e.cfg.DefaultFeeRate
}

// FeeModel is the round-trip taker cost of a long/short pair plus the exit
// buffer, as a fraction of notional.
func (e *Evaluator) FeeModel(longExchange, shortExchange string) float64 {
	return 2*e.FeeRate(longExchange) + 2*e.FeeRate(shortExchange) + e.cfg.ExitBuffer
}

// Evaluate returns the best pair when its net spread reaches the entry
// threshold.
func (e *Evaluator) Evaluate(quotes map[string]domain.Quote, now time.Time) (domain.Opportunity, bool) {
	opp, ok := e.BestPair(quotes, now)
	if !ok || opp.NetSpread < e.cfg.EntryThreshold {
		return opp, false
	}
	return opp, true
}

// BestPair returns the pair maximizing spread minus fees regardless of the
// entry threshold. It reports false when fewer than two usable quotes exist.
func (e *Evaluator) BestPair(quotes map[string]domain.Quote, now time.Time) (domain.Opportunity, bool) {
	usable := e.usable(quotes, now)
	if len(usable) < 2 {
		return domain.Opportunity{}, false
	}

	var (
		best  domain.Opportunity
		found bool
	)
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			opp := e.price(usable[i], usable[j])
			if !found || better(opp, best) {
				best = opp
				found = true
			}
		}
	}
	return best, found
}

// price builds the opportunity for one unordered pair. The cheaper exchange
// is the long leg.
func (e *Evaluator) price(a, b domain.Quote) domain.Opportunity {
	pa, pb := a.AskAt(e.cfg.Level), b.AskAt(e.cfg.Level)
	long, short := a, b
	lp, sp := pa, pb
	if pb < pa || (pb == pa && b.Exchange < a.Exchange) {
		long, short = b, a
		lp, sp = pb, pa
	}

	gross := Spread(lp, sp)
	observed := long.ObservedAt
	if short.ObservedAt.Before(observed) {
		observed = short.ObservedAt
	}
	return domain.Opportunity{
		Symbol:        long.Symbol,
		LongExchange:  long.Exchange,
		LongPrice:     lp,
		ShortExchange: short.Exchange,
		ShortPrice:    sp,
		GrossSpread:   gross,
		NetSpread:     gross - e.FeeModel(long.Exchange, short.Exchange),
		ObservedAt:    observed,
	}
}

func (e *Evaluator) usable(quotes map[string]domain.Quote, now time.Time) []domain.Quote {
	out := make([]domain.Quote, 0, len(quotes))
	for ex, q := range quotes {
		if !q.Tradable() || q.Crossed() {
			continue
		}
		if q.Exchange == "" {
			q.Exchange = ex
		}
		if q.AskAt(e.cfg.Level) <= 0 {
			continue
		}
		if e.cfg.MaxQuoteAge > 0 && now.Sub(q.ObservedAt) > e.cfg.MaxQuoteAge {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// better orders opportunities by net spread, then lexically by legs.
func better(a, b domain.Opportunity) bool {
	if a.NetSpread != b.NetSpread {
		return a.NetSpread > b.NetSpread
	}
	if a.LongExchange != b.LongExchange {
		return a.LongExchange < b.LongExchange
	}
	return a.ShortExchange < b.ShortExchange
}

// Spread is |p1-p2| divided by their midpoint.
func Spread(p1, p2 float64) float64 {
	mid := (p1 + p2) / 2
	if mid <= 0 {
		return 0
	}
	return math.Abs(p2-p1) / mid
}
