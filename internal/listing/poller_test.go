package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

type stubSource struct {
	name    string
	symbols []string
	err     error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) ListSymbols(context.Context) ([]string, error) {
	return s.symbols, s.err
}

func TestPollerMarksFailedSourcesAbsent(t *testing.T) {
	p := NewPoller(
		[]domain.ListingSource{
			stubSource{name: "binance", symbols: []string{"xyz", "abc"}},
			stubSource{name: "bybit", err: errors.New("boom")},
		},
		time.Second,
		clock.NewFake(time.Unix(0, 0)),
		testLogger(),
	)
	snap, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Absent["bybit"] {
		t.Fatalf("bybit should be absent")
	}
	if snap.Absent["binance"] {
		t.Fatalf("binance should be present")
	}
	if !snap.Symbols["XYZ"]["binance"] {
		t.Fatalf("symbols not normalized: %v", snap.Symbols)
	}
}
