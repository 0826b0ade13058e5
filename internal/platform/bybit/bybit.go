// Package bybit adapts the Bybit v5 REST API for USDT linear perpetuals.
package bybit

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

const (
	Name           = "bybit"
	DefaultBaseURL = "https://api.bybit.com"
	category       = "linear"
	// retCodeInvalidSymbol is Bybit's "params error: symbol invalid".
	retCodeInvalidSymbol = 10001
)

// Adapter implements exchange.Adapter for Bybit.
type Adapter struct{}

func New() Adapter { return Adapter{} }

func (Adapter) Name() string { return Name }

func (Adapter) FormatSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}

func (a Adapter) BuildRequest(ctx context.Context, baseURL, symbol string, depth int) (*http.Request, error) {
	if depth <= 0 {
		depth = 1
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", a.FormatSymbol(symbol))
	params.Set("limit", strconv.Itoa(depth))
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v5/market/orderbook?"+params.Encode(), nil)
}

type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

type bookResult struct {
	Symbol string              `json:"s"`
	Bids   [][]json.RawMessage `json:"b"`
	Asks   [][]json.RawMessage `json:"a"`
}

func (Adapter) ParseResponse(body []byte) ([]domain.PriceLevel, []domain.PriceLevel, error) {
	var resp envelope[bookResult]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, err
	}
	switch {
	case resp.RetCode == retCodeInvalidSymbol:
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnavailable, resp.RetMsg)
	case resp.RetCode != 0:
		return nil, nil, fmt.Errorf("bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
	case resp.Result.Symbol == "":
		return nil, nil, fmt.Errorf("%w: empty result", domain.ErrUnavailable)
	}
	bids, err := exchange.ParseLevels(resp.Result.Bids, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := exchange.ParseLevels(resp.Result.Asks, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("asks: %w", err)
	}
	return bids, asks, nil
}

func (Adapter) BuildListingsRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("limit", "1000")
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v5/market/instruments-info?"+params.Encode(), nil)
}

type instrumentsResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		BaseCoin  string `json:"baseCoin"`
		QuoteCoin string `json:"quoteCoin"`
		Status    string `json:"status"`
	} `json:"list"`
}

func (Adapter) ParseListings(body []byte) ([]string, error) {
	var resp envelope[instrumentsResult]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	out := make([]string, 0, len(resp.Result.List))
	for _, inst := range resp.Result.List {
		if inst.QuoteCoin == "USDT" && inst.Status == "Trading" {
			out = append(out, strings.ToUpper(inst.BaseCoin))
		}
	}
	return out, nil
}

var _ exchange.Adapter = Adapter{}
