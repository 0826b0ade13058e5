package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// QuoteCache keeps the latest quote per exchange and symbol at
// quote:{exchange}:{SYMBOL} for the HTTP API and other instances.
type QuoteCache struct {
	client *Client
	ttl    time.Duration
}

// NewQuoteCache creates a QuoteCache whose entries expire after ttl.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{client: c, ttl: ttl}
}

func (qc *QuoteCache) key(exchange, symbol string) string {
	return qc.client.Key("quote", exchange, strings.ToUpper(symbol))
}

// SetQuote stores q as JSON.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s/%s: %w", q.Exchange, q.Symbol, err)
	}
	if err := qc.client.Underlying().Set(ctx, qc.key(q.Exchange, q.Symbol), data, qc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", q.Exchange, q.Symbol, err)
	}
	return nil
}

// GetQuotes returns the cached quotes for symbol on exchanges, skipping
// exchanges with no entry. It returns domain.ErrNotFound when none exist.
func (qc *QuoteCache) GetQuotes(ctx context.Context, symbol string, exchanges []string) ([]domain.Quote, error) {
	if len(exchanges) == 0 {
		return nil, domain.ErrNotFound
	}
	keys := make([]string, len(exchanges))
	for i, ex := range exchanges {
		keys[i] = qc.key(ex, symbol)
	}

	vals, err := qc.client.Underlying().MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes %s: %w", symbol, err)
	}

	var out []domain.Quote
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var q domain.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			return nil, fmt.Errorf("redis: decode quote %s: %w", keys[i], err)
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
