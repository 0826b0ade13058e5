package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 8 << 20

// Throttle bounds request rate per exchange through a shared RateLimiter.
type Throttle struct {
	Limiter domain.RateLimiter
	Limit   int
	Window  time.Duration
}

// Client executes an Adapter's requests over HTTP. It implements
// domain.QuoteSource and domain.ListingSource and never retries.
type Client struct {
	adapter    Adapter
	baseURL    string
	httpClient *http.Client
	throttle   Throttle
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates a REST client for adapter rooted at baseURL.
func NewClient(adapter Adapter, baseURL string, timeout time.Duration, throttle Throttle, clk clock.Clock, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		adapter:    adapter,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		throttle:   throttle,
		clock:      clk,
		logger:     logger.With(slog.String("component", "exchange"), slog.String("exchange", adapter.Name())),
	}
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return c.adapter.Name() }

// FetchTopOfBook fetches depth levels per side for symbol.
func (c *Client) FetchTopOfBook(ctx context.Context, symbol string, depth int) (domain.Quote, error) {
	req, err := c.adapter.BuildRequest(ctx, c.baseURL, symbol, depth)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%s: build request %s: %w", c.Name(), symbol, err)
	}

	body, err := c.do(req)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%s: orderbook %s: %w", c.Name(), symbol, err)
	}

	bids, asks, err := c.adapter.ParseResponse(body)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			return domain.Quote{}, fmt.Errorf("%s: orderbook %s: %w", c.Name(), symbol, err)
		}
		return domain.Quote{}, fmt.Errorf("%s: decode orderbook %s: %w", c.Name(), symbol, err)
	}
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}

	return domain.Quote{
		Exchange:   c.Name(),
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: c.clock.Now(),
	}, nil
}

// ListSymbols returns the USDT-quoted symbols currently tradable.
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	req, err := c.adapter.BuildListingsRequest(ctx, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: build listings request: %w", c.Name(), err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: listings: %w", c.Name(), err)
	}
	symbols, err := c.adapter.ParseListings(body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode listings: %w", c.Name(), err)
	}
	return symbols, nil
}

// do sends req after the throttle admits it and maps failures onto the
// domain error taxonomy.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.admit(req.Context()); err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransient, ctxErr)
		}
		return nil, fmt.Errorf("%w: http request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) admit(ctx context.Context) error {
	t := c.throttle
	if t.Limiter == nil || t.Limit <= 0 {
		return nil
	}
	ok, err := t.Limiter.Allow(ctx, "exchange:"+c.Name(), t.Limit, t.Window)
	if err != nil {
		// Limiter outage must not stop market data.
		c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %w", domain.ErrTransient, domain.ErrRateLimited)
	}
	return nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot:
		return fmt.Errorf("%w: %w: status %d", domain.ErrTransient, domain.ErrRateLimited, statusCode)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnavailable, statusCode, snippet)
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrTransient, statusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", domain.ErrTransient, statusCode, snippet)
	}
}

var (
	_ domain.QuoteSource   = (*Client)(nil)
	_ domain.ListingSource = (*Client)(nil)
)
