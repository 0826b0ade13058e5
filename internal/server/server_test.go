package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/server/handler"
)

func TestRoutesAndAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	balances := func(context.Context) ([]domain.LedgerEntry, error) { return nil, nil }
	srv := NewServer(Config{APIKey: "k"}, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Balances: handler.NewBalanceHandler(balances, logger),
	}, nil, nil, logger)
	h := srv.Handler()

	cases := []struct {
		path string
		key  string
		want int
	}{
		{"/health", "", http.StatusOK},
		{"/api/balances", "", http.StatusUnauthorized},
		{"/api/balances", "k", http.StatusOK},
		{"/api/trades", "k", http.StatusNotFound},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, c.path, nil)
		if c.key != "" {
			r.Header.Set("X-API-Key", c.key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != c.want {
			t.Fatalf("%s key=%q: status = %d, want %d", c.path, c.key, rec.Code, c.want)
		}
	}
}
