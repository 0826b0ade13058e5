// Package binance adapts the Binance spot REST API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/platform/exchange"
)

// Name is the exchange identifier used across the engine.
const Name = "binance"

// DefaultBaseURL is the public Binance REST root.
const DefaultBaseURL = "https://api.binance.com"

// codeInvalidSymbol is returned by Binance for unknown trading pairs.
const codeInvalidSymbol = -1121

// Adapter implements exchange.Adapter for Binance.
type Adapter struct{}

// New returns a Binance adapter.
func New() Adapter { return Adapter{} }

func (Adapter) Name() string { return Name }

// FormatSymbol maps "XYZ" to "XYZUSDT".
func (Adapter) FormatSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}

func (a Adapter) BuildRequest(ctx context.Context, baseURL, symbol string, depth int) (*http.Request, error) {
	params := url.Values{}
	params.Set("symbol", a.FormatSymbol(symbol))
	params.Set("limit", strconv.Itoa(limitFor(depth)))
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v3/depth?"+params.Encode(), nil)
}

type depthResponse struct {
	Code int                 `json:"code"`
	Msg  string              `json:"msg"`
	Bids [][]json.RawMessage `json:"bids"`
	Asks [][]json.RawMessage `json:"asks"`
}

func (Adapter) ParseResponse(body []byte) ([]domain.PriceLevel, []domain.PriceLevel, error) {
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Code == codeInvalidSymbol {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnavailable, resp.Msg)
	}
	if resp.Code != 0 {
		return nil, nil, fmt.Errorf("binance error %d: %s", resp.Code, resp.Msg)
	}
	bids, err := exchange.ParseLevels(resp.Bids, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := exchange.ParseLevels(resp.Asks, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("asks: %w", err)
	}
	return bids, asks, nil
}

func (Adapter) BuildListingsRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v3/exchangeInfo?permissions=SPOT", nil)
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

func (Adapter) ParseListings(body []byte) ([]string, error) {
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset == "USDT" && s.Status == "TRADING" {
			out = append(out, strings.ToUpper(s.BaseAsset))
		}
	}
	return out, nil
}

// limitFor rounds depth up to a limit Binance accepts.
func limitFor(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100} {
		if depth <= l {
			return l
		}
	}
	return 100
}

var _ exchange.Adapter = Adapter{}
