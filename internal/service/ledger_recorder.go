package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

// BalanceSource exposes the ledger balances to snapshot.
type BalanceSource interface {
	Entries() []domain.LedgerEntry
}

// LedgerRecorder periodically persists ledger balances.
type LedgerRecorder struct {
	ledger   BalanceSource
	store    domain.LedgerSnapshotStore
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

func NewLedgerRecorder(ledger BalanceSource, store domain.LedgerSnapshotStore, interval time.Duration, clk clock.Clock, logger *slog.Logger) *LedgerRecorder {
	return &LedgerRecorder{
		ledger:   ledger,
		store:    store,
		interval: interval,
		clock:    clk,
		logger:   logger.With(slog.String("component", "ledger_recorder")),
	}
}

// Run snapshots every interval until ctx ends, then takes a final snapshot.
func (r *LedgerRecorder) Run(ctx context.Context) error {
	for {
		if err := clock.Sleep(ctx, r.clock, r.interval); err != nil {
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if serr := r.Snapshot(final); serr != nil {
				r.logger.Warn("final ledger snapshot failed", slog.String("error", serr.Error()))
			}
			return nil
		}
		if err := r.Snapshot(ctx); err != nil {
			r.logger.Warn("ledger snapshot failed", slog.String("error", err.Error()))
		}
	}
}

// Snapshot writes the current balances once.
func (r *LedgerRecorder) Snapshot(ctx context.Context) error {
	entries := r.ledger.Entries()
	if err := r.store.Insert(ctx, entries, r.clock.Now()); err != nil {
		return fmt.Errorf("service: ledger snapshot: %w", err)
	}
	return nil
}

// StartingBalances returns the most recent persisted balances for the
// configured exchanges, falling back to defaults for any exchange without a
// snapshot. Reserved amounts at shutdown are returned to the balance.
func StartingBalances(ctx context.Context, store domain.LedgerSnapshotStore, defaults map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(defaults))
	for ex, amt := range defaults {
		out[ex] = amt
	}
	if store == nil {
		return out, nil
	}
	latest, err := store.Latest(ctx)
	if err != nil {
		return out, fmt.Errorf("service: load ledger snapshot: %w", err)
	}
	for _, e := range latest {
		if _, ok := out[e.Exchange]; ok {
			out[e.Exchange] = e.Balance.Add(e.Reserved)
		}
	}
	return out, nil
}
