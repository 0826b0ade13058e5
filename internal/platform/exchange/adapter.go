// Package exchange runs per-exchange REST adapters behind the domain
// QuoteSource and ListingSource interfaces.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// BookAdapter captures how one exchange spells symbols, requests an
// orderbook and shapes its response.
type BookAdapter interface {
	Name() string
	FormatSymbol(symbol string) string
	BuildRequest(ctx context.Context, baseURL, symbol string, depth int) (*http.Request, error)
	// ParseResponse returns levels best-first. It returns domain.ErrUnavailable
	// when the body reports an unknown symbol.
	ParseResponse(body []byte) (bids, asks []domain.PriceLevel, err error)
}

// ListingAdapter captures how one exchange publishes its tradable symbols.
type ListingAdapter interface {
	BuildListingsRequest(ctx context.Context, baseURL string) (*http.Request, error)
	// ParseListings returns normalized base symbols quoted in USDT.
	ParseListings(body []byte) ([]string, error)
}

// Adapter is the full capability set of an exchange.
type Adapter interface {
	BookAdapter
	ListingAdapter
}

// ParseLevels converts [["price","size"], ...] string pairs into levels,
// truncated to depth when depth > 0.
func ParseLevels(raw [][]json.RawMessage, depth int) ([]domain.PriceLevel, error) {
	n := len(raw)
	if depth > 0 && n > depth {
		n = depth
	}
	out := make([]domain.PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		row := raw[i]
		if len(row) < 2 {
			return nil, fmt.Errorf("level %d: want [price, size], got %d fields", i, len(row))
		}
		price, err := parseNumber(row[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := parseNumber(row[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// parseNumber accepts both "1.23" and 1.23 encodings.
func parseNumber(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
