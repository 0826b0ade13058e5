package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeLogStore persists the append-only trade log.
type TradeLogStore interface {
	Append(ctx context.Context, rec TradeRecord) error
	List(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	ListByPosition(ctx context.Context, positionID string) ([]TradeRecord, error)
}

// BaselineStore persists the listing registry baseline for restart continuity.
type BaselineStore interface {
	Save(ctx context.Context, baseline map[string][]string) error
	Load(ctx context.Context) (map[string][]string, error)
}

// LedgerSnapshotStore records periodic ledger balances.
type LedgerSnapshotStore interface {
	Insert(ctx context.Context, entries []LedgerEntry, at time.Time) error
	Latest(ctx context.Context) ([]LedgerEntry, error)
}

// PositionStore persists the latest state of every position.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, id string) (Position, error)
	List(ctx context.Context, opts ListOpts) ([]Position, error)
}
