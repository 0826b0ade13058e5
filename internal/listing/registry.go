// Package listing tracks which exchanges list each symbol and detects
// cross-listing events between poll cycles.
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Registry holds the baseline exchange-set per symbol. It is owned by the
// engine loop goroutine and is not safe for concurrent use.
type Registry struct {
	baseline map[string]map[string]bool
	// unseen holds exchanges that have been absent since the baseline was
	// recorded. Their first report fills the baseline without an event.
	unseen map[string]bool
	store  domain.BaselineStore
	logger   *slog.Logger
}

// NewRegistry creates a Registry. store may be nil, in which case the
// baseline lives only in memory.
func NewRegistry(store domain.BaselineStore, logger *slog.Logger) *Registry {
	return &Registry{
		unseen: make(map[string]bool),
		store:  store,
		logger: logger.With(slog.String("component", "listing_registry")),
	}
}

// Restore loads the persisted baseline. A missing baseline leaves the
// registry cold.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	saved, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("listing: restore baseline: %w", err)
	}
	if len(saved) == 0 {
		return nil
	}
	r.baseline = make(map[string]map[string]bool, len(saved))
	for sym, exchanges := range saved {
		set := make(map[string]bool, len(exchanges))
		for _, ex := range exchanges {
			set[ex] = true
		}
		r.baseline[sym] = set
	}
	r.logger.Info("baseline restored", slog.Int("symbols", len(r.baseline)))
	return nil
}

// Warm reports whether a baseline has been recorded.
func (r *Registry) Warm() bool {
	return r.baseline != nil
}

// DetectChange diffs current against the baseline and returns at most one
// event: the lexically first symbol whose exchange-set gained an exchange
// while offered on two or more exchanges. The baseline is replaced on every
// call. Exchanges marked absent in current keep their previous membership,
// and an exchange absent since the cold start never counts as added on its
// first report.
func (r *Registry) DetectChange(current domain.ListingSnapshot) (domain.ListingEvent, bool) {
	merged := r.merge(current)

	if r.baseline == nil {
		r.baseline = merged
		for ex := range current.Absent {
			r.unseen[ex] = true
		}
		r.logger.Info("cold start, baseline recorded",
			slog.Int("symbols", len(merged)),
			slog.Any("absent", domain.SortedKeys(current.Absent)),
		)
		return domain.ListingEvent{}, false
	}

	symbols := make([]string, 0, len(merged))
	for sym := range merged {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var (
		event domain.ListingEvent
		found bool
	)
	for _, sym := range symbols {
		now := merged[sym]
		if len(now) < 2 {
			continue
		}
		prev := r.baseline[sym]
		var added []string
		for ex := range now {
			if !prev[ex] && !r.unseen[ex] {
				added = append(added, ex)
			}
		}
		if len(added) == 0 {
			continue
		}
		sort.Strings(added)
		if !found {
			event = domain.ListingEvent{
				Symbol:     sym,
				Exchanges:  domain.SortedKeys(now),
				Added:      added,
				DetectedAt: current.TakenAt,
			}
			found = true
			continue
		}
		r.logger.Warn("additional cross-listing dropped this cycle",
			slog.String("symbol", sym),
			slog.Any("added", added),
		)
	}

	for ex := range r.unseen {
		if !current.Absent[ex] {
			delete(r.unseen, ex)
			r.logger.Info("exchange reported for the first time", slog.String("exchange", ex))
		}
	}
	r.baseline = merged
	return event, found
}

// Persist writes the current baseline to the store.
func (r *Registry) Persist(ctx context.Context) error {
	if r.store == nil || r.baseline == nil {
		return nil
	}
	out := make(map[string][]string, len(r.baseline))
	for sym, set := range r.baseline {
		out[sym] = domain.SortedKeys(set)
	}
	if err := r.store.Save(ctx, out); err != nil {
		return fmt.Errorf("listing: persist baseline: %w", err)
	}
	return nil
}

// Exchanges returns the baseline exchanges for symbol.
func (r *Registry) Exchanges(symbol string) []string {
	return domain.SortedKeys(r.baseline[symbol])
}

// merge builds the next baseline: current membership for exchanges that
// reported, previous membership for exchanges marked absent.
func (r *Registry) merge(current domain.ListingSnapshot) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(current.Symbols))
	add := func(sym, ex string) {
		set, ok := out[sym]
		if !ok {
			set = make(map[string]bool)
			out[sym] = set
		}
		set[ex] = true
	}
	for sym, set := range current.Symbols {
		for ex := range set {
			if current.Absent[ex] {
				continue
			}
			add(sym, ex)
		}
	}
	for sym, set := range r.baseline {
		for ex := range set {
			if current.Absent[ex] {
				add(sym, ex)
			}
		}
	}
	return out
}
