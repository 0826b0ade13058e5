package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

// FetchConfig bounds a parallel quote fan-out.
type FetchConfig struct {
	Depth   int
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Fetcher queries several exchanges for one symbol in parallel under a
// shared timeout.
type Fetcher struct {
	cfg    FetchConfig
	quotes map[string]domain.QuoteSource
	cache  domain.QuoteCache
	clock  clock.Clock
	logger *slog.Logger
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(cfg FetchConfig, quotes map[string]domain.QuoteSource, cache domain.QuoteCache, clk clock.Clock, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		quotes: quotes,
		cache:  cache,
		clock:  clk,
		logger: logger.With(slog.String("component", "quote_fetcher")),
	}
}

// Fetch returns the quotes that arrived in time. Exchanges that report the
// symbol unavailable, keep failing, or exceed the timeout are omitted.
func (f *Fetcher) Fetch(ctx context.Context, symbol string, exchanges []string) map[string]domain.Quote {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	var (
		mu  sync.Mutex
		out = make(map[string]domain.Quote, len(exchanges))
	)
	var g errgroup.Group
	for _, ex := range exchanges {
		src, ok := f.quotes[ex]
		if !ok {
			continue
		}
		g.Go(func() error {
			q, err := f.fetchOne(ctx, src, symbol)
			if err != nil {
				if !errors.Is(err, domain.ErrUnavailable) {
					f.logger.Debug("quote missing this cycle",
						slog.String("exchange", ex),
						slog.String("symbol", symbol),
						slog.String("error", err.Error()),
					)
				}
				return nil
			}
			mu.Lock()
			out[ex] = q
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if f.cache != nil {
		for _, q := range out {
			if err := f.cache.SetQuote(ctx, q); err != nil {
				f.logger.Debug("quote cache write failed", slog.String("error", err.Error()))
			}
		}
	}
	return out
}

// fetchOne retries transient failures with exponential backoff until the
// retry budget or the shared deadline runs out.
func (f *Fetcher) fetchOne(ctx context.Context, src domain.QuoteSource, symbol string) (domain.Quote, error) {
	delay := f.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := clock.Sleep(ctx, f.clock, delay); err != nil {
				return domain.Quote{}, errors.Join(lastErr, err)
			}
			delay *= 2
		}
		q, err := src.FetchTopOfBook(ctx, symbol, f.cfg.Depth)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return domain.Quote{}, err
		}
		lastErr = err
	}
	return domain.Quote{}, lastErr
}

// Tradable counts quotes with both book sides populated.
func Tradable(quotes map[string]domain.Quote) int {
	n := 0
	for _, q := range quotes {
		if q.Tradable() {
			n++
		}
	}
	return n
}
