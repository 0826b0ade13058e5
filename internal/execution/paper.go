// Package execution provides order gateways.
package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

// PaperGateway fills market orders against the live book without sending
// anything to the exchange: buys at the best ask, sells at the best bid,
// adjusted by a fixed slippage.
type PaperGateway struct {
	quotes      map[string]domain.QuoteSource
	slippageBps float64
	clock       clock.Clock
	logger      *slog.Logger
}

// NewPaperGateway creates a PaperGateway over the given quote sources.
func NewPaperGateway(quotes map[string]domain.QuoteSource, slippageBps float64, clk clock.Clock, logger *slog.Logger) *PaperGateway {
	return &PaperGateway{
		quotes:      quotes,
		slippageBps: slippageBps,
		clock:       clk,
		logger:      logger.With(slog.String("component", "paper_gateway")),
	}
}

// PlaceMarketOrder fills order at the current top of book.
func (g *PaperGateway) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.Fill, error) {
	if order.Size <= 0 {
		return domain.Fill{}, fmt.Errorf("paper: %s %s: %w: size %v", order.Side, order.Symbol, domain.ErrOrderRejected, order.Size)
	}
	src, ok := g.quotes[order.Exchange]
	if !ok {
		return domain.Fill{}, fmt.Errorf("paper: unknown exchange %q: %w", order.Exchange, domain.ErrOrderRejected)
	}
	q, err := src.FetchTopOfBook(ctx, order.Symbol, 1)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("paper: quote %s on %s: %w", order.Symbol, order.Exchange, err)
	}
	if !q.Tradable() {
		return domain.Fill{}, fmt.Errorf("paper: %s on %s has no book: %w", order.Symbol, order.Exchange, domain.ErrOrderRejected)
	}

	slip := g.slippageBps / 10_000
	var price float64
	switch order.Side {
	case domain.OrderSideBuy:
		price = q.BestAsk() * (1 + slip)
	case domain.OrderSideSell:
		price = q.BestBid() * (1 - slip)
	default:
		return domain.Fill{}, fmt.Errorf("paper: side %q: %w", order.Side, domain.ErrOrderRejected)
	}

	fill := domain.Fill{
		OrderID:  uuid.NewString(),
		Exchange: order.Exchange,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Price:    price,
		Size:     order.Size,
		FilledAt: g.clock.Now(),
	}
	g.logger.Info("paper fill",
		slog.String("exchange", fill.Exchange),
		slog.String("symbol", fill.Symbol),
		slog.String("side", string(fill.Side)),
		slog.Float64("price", fill.Price),
		slog.Float64("size", fill.Size),
	)
	return fill, nil
}

var _ domain.OrderGateway = (*PaperGateway)(nil)
