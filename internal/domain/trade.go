package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction labels a trade-log row.
type TradeAction string

const (
	TradeOpen   TradeAction = "open"
	TradeClose  TradeAction = "close"
	TradeUnwind TradeAction = "unwind"
	TradeFailed TradeAction = "failed"
)

// LegSide is the direction of a position leg.
type LegSide string

const (
	LegLong  LegSide = "long"
	LegShort LegSide = "short"
)

// TradeRecord is one append-only row of the trade log.
type TradeRecord struct {
	ID           int64           `json:"id"`
	PositionID   string          `json:"position_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       TradeAction     `json:"action"`
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Side         LegSide         `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Price        float64         `json:"price"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	// PnL is the gross leg pnl on closing rows. Fee is the fee of this
	// row's fill only.
	PnL          decimal.Decimal `json:"pnl"`
	Fee          decimal.Decimal `json:"fee"`
	Reason       string          `json:"reason,omitempty"`
}
