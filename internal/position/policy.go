package position

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// moneyPlaces is the precision money amounts are rounded to.
const moneyPlaces = 8

// EntrySize returns the USDT amount reserved on each leg: half of the
// smaller available balance.
func EntrySize(longAvailable, shortAvailable decimal.Decimal) decimal.Decimal {
	return decimal.Min(longAvailable, shortAvailable).Div(decimal.NewFromInt(2)).RoundDown(moneyPlaces)
}

// Units converts a USDT amount into asset units at price.
func Units(amount decimal.Decimal, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return amount.InexactFloat64() / price
}

// convergenceEpsilon absorbs float rounding at the tolerance boundary.
const convergenceEpsilon = 1e-9

// Converged reports whether the short venue's bid has fallen to within
// tolerance of the long venue's ask, or below it. At entry the short venue
// is the dearer one, so this only holds once the gap has closed.
func Converged(longAsk, shortBid, tolerance float64) bool {
	if longAsk <= 0 || shortBid <= 0 {
		return false
	}
	return (shortBid-longAsk)/longAsk <= tolerance+convergenceEpsilon
}

// LegPnL is (exit-entry)*size for the long leg and (entry-exit)*size for the
// short leg.
func LegPnL(side domain.LegSide, entry, exit, size float64) decimal.Decimal {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == domain.LegShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(size)).Round(moneyPlaces)
}

// Fee is rate times the notional of a fill.
func Fee(rate, price, size float64) decimal.Decimal {
	return decimal.NewFromFloat(rate).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(size)).
		Round(moneyPlaces)
}

// LegSettlement is the outcome of closing one leg. PnL is gross. Fees is the
// entry fee plus ExitFee, the amount the ledger debits on settle.
type LegSettlement struct {
	PnL     decimal.Decimal
	ExitFee decimal.Decimal
	Fees    decimal.Decimal
}

// SettleLeg prices the close of a leg of size units entered at entry whose
// entry fee is already known. exitRate is the fee rate of the closing fill,
// zero when the leg is settled at mark without one.
func SettleLeg(side domain.LegSide, entry, exit, size float64, entryFee decimal.Decimal, exitRate float64) LegSettlement {
	exitFee := Fee(exitRate, exit, size)
	return LegSettlement{
		PnL:     LegPnL(side, entry, exit, size),
		ExitFee: exitFee,
		Fees:    entryFee.Add(exitFee),
	}
}
