package domain

import "context"

// QuoteSource fetches a fixed-depth book for one exchange. It returns
// ErrUnavailable when the symbol is not listed and ErrTransient for network
// or rate-limit failures. Implementations never retry.
type QuoteSource interface {
	Name() string
	FetchTopOfBook(ctx context.Context, symbol string, depth int) (Quote, error)
}

// ListingSource reports the symbols an exchange currently lists against
// USDT. Parsing announcements or titles is the source's concern.
type ListingSource interface {
	Name() string
	ListSymbols(ctx context.Context) ([]string, error)
}

// OrderGateway submits market orders to an exchange.
type OrderGateway interface {
	PlaceMarketOrder(ctx context.Context, order MarketOrder) (Fill, error)
}
