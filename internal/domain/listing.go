package domain

import (
	"sort"
	"time"
)

// ListingSnapshot maps each symbol to the set of exchanges currently offering
// it. Absent lists exchanges whose membership could not be fetched this cycle;
// their previous membership is unknown, not empty.
type ListingSnapshot struct {
	Symbols map[string]map[string]bool
	Absent  map[string]bool
	TakenAt time.Time
}

// NewListingSnapshot returns an empty snapshot ready for Add calls.
func NewListingSnapshot(at time.Time) ListingSnapshot {
	return ListingSnapshot{
		Symbols: make(map[string]map[string]bool),
		Absent:  make(map[string]bool),
		TakenAt: at,
	}
}

// Add records that exchange lists symbol.
func (s ListingSnapshot) Add(exchange, symbol string) {
	set, ok := s.Symbols[symbol]
	if !ok {
		set = make(map[string]bool)
		s.Symbols[symbol] = set
	}
	set[exchange] = true
}

// MarkAbsent records that exchange could not be queried this cycle.
func (s ListingSnapshot) MarkAbsent(exchange string) {
	s.Absent[exchange] = true
}

// Exchanges returns the sorted exchange names offering symbol.
func (s ListingSnapshot) Exchanges(symbol string) []string {
	return SortedKeys(s.Symbols[symbol])
}

// ListingEvent is emitted when a symbol's exchange-set grows to include a
// new exchange while at least two exchanges offer it.
type ListingEvent struct {
	Symbol     string    `json:"symbol"`
	Exchanges  []string  `json:"exchanges"`
	Added      []string  `json:"added"`
	DetectedAt time.Time `json:"detected_at"`
}

// SortedKeys returns the keys of a string set in lexical order.
func SortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
