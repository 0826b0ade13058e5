package exchange

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

func TestParseLevelsStringAndNumber(t *testing.T) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal([]byte(`[["1.05","10"],[1.04,20.5],["1.03","1"]]`), &raw); err != nil {
		t.Fatal(err)
	}
	levels, err := ParseLevels(raw, 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("len=%d want 2", len(levels))
	}
	if levels[0].Price != 1.05 || levels[0].Size != 10 {
		t.Fatalf("level0=%+v", levels[0])
	}
	if levels[1].Price != 1.04 || levels[1].Size != 20.5 {
		t.Fatalf("level1=%+v", levels[1])
	}
}

func TestParseLevelsRejectsShortRow(t *testing.T) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal([]byte(`[["1.05"]]`), &raw); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseLevels(raw, 0); err == nil {
		t.Fatalf("expected error for single-field row")
	}
}

func TestCheckStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusBadRequest, domain.ErrUnavailable},
		{http.StatusNotFound, domain.ErrUnavailable},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusTooManyRequests, domain.ErrTransient},
		{http.StatusBadGateway, domain.ErrTransient},
	}
	for _, tc := range cases {
		err := checkStatus(tc.status, []byte(`{}`))
		if tc.want == nil {
			if err != nil {
				t.Fatalf("status %d: unexpected error %v", tc.status, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v want %v", tc.status, err, tc.want)
		}
	}
}
