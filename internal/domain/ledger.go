package domain

import "github.com/shopspring/decimal"

// Allocation is an exclusive claim on capital held by the ledger until it is
// released or settled.
type Allocation struct {
	ID       string          `json:"id"`
	Exchange string          `json:"exchange"`
	Amount   decimal.Decimal `json:"amount"`
}

// LedgerEntry is the available balance of one exchange.
type LedgerEntry struct {
	Exchange string          `json:"exchange"`
	Balance  decimal.Decimal `json:"balance"`
	Reserved decimal.Decimal `json:"reserved"`
}
