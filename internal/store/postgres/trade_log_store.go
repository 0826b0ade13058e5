package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// TradeLogStore is the append-only trade log.
type TradeLogStore struct {
	pool *pgxpool.Pool
}

func NewTradeLogStore(pool *pgxpool.Pool) *TradeLogStore {
	return &TradeLogStore{pool: pool}
}

const tradeLogCols = `id, position_id, symbol, action, exchange, side, amount, price,
	pnl, fee, balance_after, reason, created_at`

// Append inserts rec. The ID assigned by the database is discarded.
func (s *TradeLogStore) Append(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_log (
			position_id, symbol, action, exchange, side, amount, price,
			pnl, fee, balance_after, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query,
		rec.PositionID, rec.Symbol, string(rec.Action), rec.Exchange, string(rec.Side),
		rec.Amount, rec.Price, rec.PnL, rec.Fee, rec.BalanceAfter, rec.Reason, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade %s/%s: %w", rec.PositionID, rec.Action, err)
	}
	return nil
}

// List returns records newest first.
func (s *TradeLogStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := listQuery(`SELECT `+tradeLogCols+` FROM trade_log WHERE 1=1`,
		"created_at", "created_at DESC, id DESC", nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return scanTradeRecords(rows)
}

// ListByPosition returns one position's records in append order.
func (s *TradeLogStore) ListByPosition(ctx context.Context, positionID string) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeLogCols+` FROM trade_log WHERE position_id = $1 ORDER BY id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", positionID, err)
	}
	return scanTradeRecords(rows)
}

// ListBetween returns records in [from, to) in append order, for archiving.
func (s *TradeLogStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeLogCols+` FROM trade_log WHERE created_at >= $1 AND created_at < $2 ORDER BY id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades between: %w", err)
	}
	return scanTradeRecords(rows)
}

func scanTradeRecords(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()
	var out []domain.TradeRecord
	for rows.Next() {
		var (
			r            domain.TradeRecord
			action, side string
		)
		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.Symbol, &action, &r.Exchange, &side,
			&r.Amount, &r.Price, &r.PnL, &r.Fee, &r.BalanceAfter, &r.Reason, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		r.Action = domain.TradeAction(action)
		r.Side = domain.LegSide(side)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: trade rows: %w", err)
	}
	return out, nil
}

var _ domain.TradeLogStore = (*TradeLogStore)(nil)
