package tradelog

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

var ts = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func rec(pos string, action domain.TradeAction, at time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		PositionID:   pos,
		Timestamp:    at,
		Action:       action,
		Exchange:     "binance",
		Symbol:       "XYZ",
		Side:         domain.LegLong,
		Amount:       decimal.NewFromInt(30),
		Price:        1.05,
		BalanceAfter: decimal.NewFromInt(30),
		PnL:          decimal.RequireFromString("0.25"),
		Fee:          decimal.RequireFromString("0.03"),
	}
}

func TestWriteAll(t *testing.T) {
	var buf bytes.Buffer
	open := rec("p1", domain.TradeOpen, ts)
	open.PnL = decimal.Zero
	if err := WriteAll(&buf, []domain.TradeRecord{open, rec("p1", domain.TradeClose, ts.Add(time.Minute))}); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d want 3", len(rows))
	}
	if rows[0][0] != "timestamp" || len(rows[0]) != len(Header) {
		t.Fatalf("header=%v", rows[0])
	}
	if got := rows[1]; got[0] != "2024-07-01 12:00:00" || got[1] != "open" || got[5] != "30.000000" || got[8] != "" {
		t.Fatalf("open row=%v", got)
	}
	if got := rows[2][8]; got != "0.250000" {
		t.Fatalf("close pnl=%q", got)
	}
	if _, err := ParseTime(rows[2][0]); err != nil {
		t.Fatalf("timestamp not parseable: %v", err)
	}
}

func TestMemoryListFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		pos := "p1"
		if i%2 == 1 {
			pos = "p2"
		}
		if err := m.Append(ctx, rec(pos, domain.TradeOpen, ts.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, _ := m.List(ctx, domain.ListOpts{})
	if len(all) != 5 || all[0].ID != 5 {
		t.Fatalf("list newest first: got %d records, first id %d", len(all), all[0].ID)
	}

	since := ts.Add(2 * time.Minute)
	recent, _ := m.List(ctx, domain.ListOpts{Since: &since, Limit: 2})
	if len(recent) != 2 || recent[1].ID != 4 {
		t.Fatalf("recent=%+v", recent)
	}

	byPos, _ := m.ListByPosition(ctx, "p2")
	if len(byPos) != 2 || byPos[0].ID != 2 || byPos[1].ID != 4 {
		t.Fatalf("byPos=%+v", byPos)
	}

	window, _ := m.ListBetween(ctx, ts.Add(time.Minute), ts.Add(3*time.Minute))
	if len(window) != 2 || window[0].ID != 2 || window[1].ID != 3 {
		t.Fatalf("window=%+v", window)
	}
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trade_log.csv")
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		m, err := OpenFile(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := m.Append(ctx, rec("p1", domain.TradeOpen, ts)); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := m.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// One header, then a row per run.
	if len(rows) != 3 {
		t.Fatalf("rows=%d want 3", len(rows))
	}
}
