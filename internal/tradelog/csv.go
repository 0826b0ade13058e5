// Package tradelog encodes trade records as CSV and keeps an in-process
// trade log for runs without a database.
package tradelog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Header is the CSV column order.
var Header = []string{
	"timestamp", "action", "exchange", "symbol", "side", "amount",
	"price", "balance_after", "pnl", "fee", "position_id", "reason",
}

const timeLayout = "2006-01-02 15:04:05"

// Encoder writes trade records as CSV rows.
type Encoder struct {
	w *csv.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: csv.NewWriter(w)}
}

// WriteHeader writes the column names.
func (e *Encoder) WriteHeader() error {
	if err := e.w.Write(Header); err != nil {
		return fmt.Errorf("tradelog: write header: %w", err)
	}
	e.w.Flush()
	return e.w.Error()
}

// Encode writes one record and flushes it.
func (e *Encoder) Encode(rec domain.TradeRecord) error {
	if err := e.w.Write(row(rec)); err != nil {
		return fmt.Errorf("tradelog: write row: %w", err)
	}
	e.w.Flush()
	return e.w.Error()
}

// WriteAll writes a header followed by recs.
func WriteAll(w io.Writer, recs []domain.TradeRecord) error {
	enc := NewEncoder(w)
	if err := enc.WriteHeader(); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := enc.w.Write(row(rec)); err != nil {
			return fmt.Errorf("tradelog: write row: %w", err)
		}
	}
	enc.w.Flush()
	return enc.w.Error()
}

func row(rec domain.TradeRecord) []string {
	pnl := ""
	if rec.Action == domain.TradeClose || rec.Action == domain.TradeUnwind || !rec.PnL.IsZero() {
		pnl = rec.PnL.StringFixed(6)
	}
	return []string{
		rec.Timestamp.UTC().Format(timeLayout),
		string(rec.Action),
		rec.Exchange,
		rec.Symbol,
		string(rec.Side),
		rec.Amount.StringFixed(6),
		strconv.FormatFloat(rec.Price, 'f', -1, 64),
		rec.BalanceAfter.StringFixed(2),
		pnl,
		rec.Fee.StringFixed(6),
		rec.PositionID,
		rec.Reason,
	}
}

// ParseTime reads a timestamp in the CSV layout.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
