package position

import (
	"context"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Observer receives every state transition and trade-log row of a position.
// Implementations must not block for long; they run on the position's
// goroutine.
type Observer interface {
	OnTransition(ctx context.Context, tr domain.Transition)
	OnTrade(ctx context.Context, rec domain.TradeRecord)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) OnTransition(context.Context, domain.Transition) {}
func (NopObserver) OnTrade(context.Context, domain.TradeRecord)     {}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) OnTransition(ctx context.Context, tr domain.Transition) {
	for _, ob := range o {
		ob.OnTransition(ctx, tr)
	}
}

func (o Observers) OnTrade(ctx context.Context, rec domain.TradeRecord) {
	for _, ob := range o {
		ob.OnTrade(ctx, rec)
	}
}
