package listing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Poller assembles a complete ListingSnapshot by querying every listing
// source in parallel.
type Poller struct {
	sources []domain.ListingSource
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewPoller creates a Poller. timeout bounds each source call.
func NewPoller(sources []domain.ListingSource, timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Poller {
	return &Poller{
		sources: sources,
		timeout: timeout,
		clock:   clk,
		logger:  logger.With(slog.String("component", "listing_poller")),
	}
}

// Snapshot queries all sources. A source that fails is marked absent rather
// than empty. Snapshot only returns an error when ctx is done.
func (p *Poller) Snapshot(ctx context.Context) (domain.ListingSnapshot, error) {
	snap := domain.NewListingSnapshot(p.clock.Now())
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range p.sources {
		g.Go(func() error {
			callCtx := gctx
			if p.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, p.timeout)
				defer cancel()
			}
			symbols, err := src.ListSymbols(callCtx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.MarkAbsent(src.Name())
				p.logger.Warn("listing source unavailable",
					slog.String("exchange", src.Name()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			for _, sym := range symbols {
				snap.Add(src.Name(), strings.ToUpper(sym))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return domain.ListingSnapshot{}, err
	}
	return snap, nil
}
