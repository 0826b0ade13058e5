// Package kucoin adapts the KuCoin spot REST API.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/platform/exchange"
)

const (
	Name           = "kucoin"
	DefaultBaseURL = "https://api.kucoin.com"
	codeOK         = "200000"
)

// Adapter implements exchange.Adapter for KuCoin.
type Adapter struct{}

func New() Adapter { return Adapter{} }

func (Adapter) Name() string { return Name }

// FormatSymbol maps "XYZ" to "XYZ-USDT".
func (Adapter) FormatSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "-USDT"
}

func (a Adapter) BuildRequest(ctx context.Context, baseURL, symbol string, depth int) (*http.Request, error) {
	path := "/api/v1/market/orderbook/level2_20"
	if depth > 20 {
		path = "/api/v1/market/orderbook/level2_100"
	}
	params := url.Values{}
	params.Set("symbol", a.FormatSymbol(symbol))
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path+"?"+params.Encode(), nil)
}

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type bookData struct {
	Bids [][]json.RawMessage `json:"bids"`
	Asks [][]json.RawMessage `json:"asks"`
}

func (Adapter) ParseResponse(body []byte) ([]domain.PriceLevel, []domain.PriceLevel, error) {
	var resp envelope[*bookData]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Code != codeOK {
		if strings.HasPrefix(resp.Code, "400") {
			return nil, nil, fmt.Errorf("%w: %s %s", domain.ErrUnavailable, resp.Code, resp.Msg)
		}
		return nil, nil, fmt.Errorf("kucoin code %s: %s", resp.Code, resp.Msg)
	}
	// KuCoin answers unknown symbols with a null book.
	if resp.Data == nil || (resp.Data.Bids == nil && resp.Data.Asks == nil) {
		return nil, nil, fmt.Errorf("%w: null book", domain.ErrUnavailable)
	}
	bids, err := exchange.ParseLevels(resp.Data.Bids, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := exchange.ParseLevels(resp.Data.Asks, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("asks: %w", err)
	}
	return bids, asks, nil
}

func (Adapter) BuildListingsRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v2/symbols", nil)
}

type symbolInfo struct {
	BaseCurrency  string `json:"baseCurrency"`
	QuoteCurrency string `json:"quoteCurrency"`
	EnableTrading bool   `json:"enableTrading"`
}

func (Adapter) ParseListings(body []byte) ([]string, error) {
	var resp envelope[[]symbolInfo]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Code != codeOK {
		return nil, fmt.Errorf("kucoin code %s: %s", resp.Code, resp.Msg)
	}
	out := make([]string, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.QuoteCurrency == "USDT" && s.EnableTrading {
			out = append(out, strings.ToUpper(s.BaseCurrency))
		}
	}
	return out, nil
}

var _ exchange.Adapter = Adapter{}
