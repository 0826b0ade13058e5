package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// PositionStore keeps the latest state of each position.
type PositionStore struct {
	pool *pgxpool.Pool
}

func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, symbol,
	long_exchange, long_entry_price, long_size, long_exit_price,
	short_exchange, short_entry_price, short_size, short_exit_price,
	notional, realized_pnl, fees, state, exit_reason, failure_reason,
	opened_at, closed_at`

// Upsert writes p, replacing any earlier state of the same position.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionCols + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (id) DO UPDATE SET
			long_entry_price = EXCLUDED.long_entry_price,
			long_size = EXCLUDED.long_size,
			long_exit_price = EXCLUDED.long_exit_price,
			short_entry_price = EXCLUDED.short_entry_price,
			short_size = EXCLUDED.short_size,
			short_exit_price = EXCLUDED.short_exit_price,
			notional = EXCLUDED.notional,
			realized_pnl = EXCLUDED.realized_pnl,
			fees = EXCLUDED.fees,
			state = EXCLUDED.state,
			exit_reason = EXCLUDED.exit_reason,
			failure_reason = EXCLUDED.failure_reason,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol,
		p.LongExchange, p.LongEntryPrice, p.LongSize, p.LongExitPrice,
		p.ShortExchange, p.ShortEntryPrice, p.ShortSize, p.ShortExitPrice,
		p.Notional, p.RealizedPnL, p.Fees, string(p.State), string(p.ExitReason), p.FailureReason,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound for an unknown id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// List returns positions most recently opened first.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listQuery(`SELECT `+positionCols+` FROM positions WHERE 1=1`,
		"opened_at", "opened_at DESC, id", nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                 domain.Position
		state, exitReason string
	)
	err := row.Scan(
		&p.ID, &p.Symbol,
		&p.LongExchange, &p.LongEntryPrice, &p.LongSize, &p.LongExitPrice,
		&p.ShortExchange, &p.ShortEntryPrice, &p.ShortSize, &p.ShortExitPrice,
		&p.Notional, &p.RealizedPnL, &p.Fees, &state, &exitReason, &p.FailureReason,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.State = domain.PositionState(state)
	p.ExitReason = domain.ExitReason(exitReason)
	return p, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
