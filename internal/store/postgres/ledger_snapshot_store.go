package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// LedgerSnapshotStore records ledger balances over time.
type LedgerSnapshotStore struct {
	pool *pgxpool.Pool
}

func NewLedgerSnapshotStore(pool *pgxpool.Pool) *LedgerSnapshotStore {
	return &LedgerSnapshotStore{pool: pool}
}

// Insert writes one row per exchange, all stamped at.
func (s *LedgerSnapshotStore) Insert(ctx context.Context, entries []domain.LedgerEntry, at time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO ledger_snapshots (exchange, balance, reserved, taken_at) VALUES ($1, $2, $3, $4)`,
			e.Exchange, e.Balance, e.Reserved, at)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert ledger snapshot: %w", err)
		}
	}
	return nil
}

// Latest returns the most recent snapshot row per exchange.
func (s *LedgerSnapshotStore) Latest(ctx context.Context) ([]domain.LedgerEntry, error) {
	const query = `
		SELECT DISTINCT ON (exchange) exchange, balance, reserved
		FROM ledger_snapshots
		ORDER BY exchange, taken_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest ledger snapshot: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.Exchange, &e.Balance, &e.Reserved); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger snapshot: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.LedgerSnapshotStore = (*LedgerSnapshotStore)(nil)
