package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// BaselineStore keeps the listing registry baseline so a restart does not
// replay every known listing as new.
type BaselineStore struct {
	pool *pgxpool.Pool
}

func NewBaselineStore(pool *pgxpool.Pool) *BaselineStore {
	return &BaselineStore{pool: pool}
}

// Save replaces the stored baseline in one transaction.
func (s *BaselineStore) Save(ctx context.Context, baseline map[string][]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save baseline: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM listing_baseline`); err != nil {
		return fmt.Errorf("postgres: save baseline: clear: %w", err)
	}

	batch := &pgx.Batch{}
	for sym, exchanges := range baseline {
		batch.Queue(`INSERT INTO listing_baseline (symbol, exchanges, updated_at) VALUES ($1, $2, NOW())`, sym, exchanges)
	}
	br := tx.SendBatch(ctx, batch)
	for range baseline {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: save baseline: insert: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: save baseline: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save baseline: commit: %w", err)
	}
	return nil
}

// Load returns the stored baseline, empty when none was saved.
func (s *BaselineStore) Load(ctx context.Context) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, exchanges FROM listing_baseline`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load baseline: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var (
			sym       string
			exchanges []string
		)
		if err := rows.Scan(&sym, &exchanges); err != nil {
			return nil, fmt.Errorf("postgres: scan baseline: %w", err)
		}
		out[sym] = exchanges
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: baseline rows: %w", err)
	}
	return out, nil
}

var _ domain.BaselineStore = (*BaselineStore)(nil)
