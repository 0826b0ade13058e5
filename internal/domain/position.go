package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is a node of the position lifecycle.
type PositionState string

const (
	PositionIdle         PositionState = "idle"
	PositionEntryPending PositionState = "entry_pending"
	PositionOpen         PositionState = "open"
	PositionExitPending  PositionState = "exit_pending"
	PositionSettled      PositionState = "settled"
	PositionFailed       PositionState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s PositionState) Terminal() bool {
	return s == PositionSettled || s == PositionFailed
}

// Active reports whether the position holds or is acquiring market exposure.
func (s PositionState) Active() bool {
	return s == PositionEntryPending || s == PositionOpen || s == PositionExitPending
}

// ExitReason explains why a position left the Open state.
type ExitReason string

const (
	ExitConverged ExitReason = "converged"
	ExitMaxHold   ExitReason = "max_hold"
)

// Position is a paired long/short arbitrage position on one symbol.
type Position struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	LongExchange    string          `json:"long_exchange"`
	LongEntryPrice  float64         `json:"long_entry_price"`
	LongSize        float64         `json:"long_size"`
	LongExitPrice   float64         `json:"long_exit_price,omitempty"`
	ShortExchange   string          `json:"short_exchange"`
	ShortEntryPrice float64         `json:"short_entry_price"`
	ShortSize       float64         `json:"short_size"`
	ShortExitPrice  float64         `json:"short_exit_price,omitempty"`
	// Notional is the USDT reserved across both legs.
	Notional        decimal.Decimal `json:"notional"`
	// RealizedPnL is gross of fees; Fees holds entry and exit fees of both
	// legs.
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Fees            decimal.Decimal `json:"fees"`
	State           PositionState   `json:"state"`
	ExitReason      ExitReason      `json:"exit_reason,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

// Transition describes one state change of a position.
type Transition struct {
	Position Position      `json:"position"`
	From     PositionState `json:"from"`
	To       PositionState `json:"to"`
	Cause    string        `json:"cause"`
	At       time.Time     `json:"at"`
}
