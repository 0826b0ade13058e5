package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Quote is a fixed-depth orderbook snapshot for one symbol on one exchange.
// Bids and Asks are ordered best-first. Empty sides mean the symbol is not
// tradable on the exchange yet.
type Quote struct {
	Exchange   string       `json:"exchange"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Tradable reports whether both sides of the book carry at least one level.
func (q Quote) Tradable() bool {
	return len(q.Bids) > 0 && len(q.Asks) > 0
}

// BestBid returns the top bid price, or 0 when the bid side is empty.
func (q Quote) BestBid() float64 {
	if len(q.Bids) == 0 {
		return 0
	}
	return q.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the ask side is empty.
func (q Quote) BestAsk() float64 {
	if len(q.Asks) == 0 {
		return 0
	}
	return q.Asks[0].Price
}

// AskAt returns the ask price at the 1-based book level. When the book is
// shallower than level, the deepest available level is used.
func (q Quote) AskAt(level int) float64 {
	return levelPrice(q.Asks, level)
}

// BidAt is the bid-side counterpart of AskAt.
func (q Quote) BidAt(level int) float64 {
	return levelPrice(q.Bids, level)
}

func levelPrice(levels []PriceLevel, level int) float64 {
	if len(levels) == 0 {
		return 0
	}
	if level < 1 {
		level = 1
	}
	if level > len(levels) {
		level = len(levels)
	}
	return levels[level-1].Price
}

// Crossed reports a book whose best bid is above its best ask.
func (q Quote) Crossed() bool {
	return q.Tradable() && q.BestBid() > q.BestAsk()
}

// Candle is one OHLCV row of a historical series.
type Candle struct {
	Exchange string
	Symbol   string
	Time     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}
