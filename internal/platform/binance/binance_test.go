package binance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/platform/exchange"
)

func newClient(t *testing.T, h http.HandlerFunc) *exchange.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return exchange.NewClient(New(), srv.URL, time.Second, exchange.Throttle{}, clock.NewFake(time.Unix(0, 0)), logger)
}

func TestFetchTopOfBook(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "XYZUSDT" {
			t.Errorf("symbol=%s want XYZUSDT", got)
		}
		io.WriteString(w, `{"lastUpdateId":1,"bids":[["0.999","100"],["0.998","50"],["0.997","5"]],"asks":[["1.000","80"],["1.001","40"],["1.002","1"]]}`)
	})

	q, err := c.FetchTopOfBook(context.Background(), "XYZ", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Exchange != Name || q.Symbol != "XYZ" {
		t.Fatalf("quote identity %s/%s", q.Exchange, q.Symbol)
	}
	if len(q.Bids) != 2 || len(q.Asks) != 2 {
		t.Fatalf("depth bids=%d asks=%d want 2", len(q.Bids), len(q.Asks))
	}
	if q.BestBid() != 0.999 || q.AskAt(2) != 1.001 {
		t.Fatalf("bestBid=%v ask2=%v", q.BestBid(), q.AskAt(2))
	}
}

func TestInvalidSymbolIsUnavailable(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	})
	_, err := c.FetchTopOfBook(context.Background(), "NOPE", 2)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("got %v want ErrUnavailable", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.FetchTopOfBook(context.Background(), "XYZ", 2)
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("got %v want ErrTransient", err)
	}
}

func TestListSymbolsKeepsTradingUSDTPairs(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"symbols":[
			{"symbol":"XYZUSDT","status":"TRADING","baseAsset":"XYZ","quoteAsset":"USDT"},
			{"symbol":"XYZBTC","status":"TRADING","baseAsset":"XYZ","quoteAsset":"BTC"},
			{"symbol":"OLDUSDT","status":"BREAK","baseAsset":"OLD","quoteAsset":"USDT"}
		]}`)
	})
	got, err := c.ListSymbols(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0] != "XYZ" {
		t.Fatalf("symbols=%v want [XYZ]", got)
	}
}
