package domain

import "time"

// Opportunity is a long/short exchange pair for one symbol whose spread
// clears fees and the entry threshold.
type Opportunity struct {
	Symbol        string    `json:"symbol"`
	LongExchange  string    `json:"long_exchange"`
	LongPrice     float64   `json:"long_price"`
	ShortExchange string    `json:"short_exchange"`
	ShortPrice    float64   `json:"short_price"`
	GrossSpread   float64   `json:"gross_spread"`
	NetSpread     float64   `json:"net_spread"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Fresh reports whether the quotes behind the opportunity are younger than
// maxAge at now.
func (o Opportunity) Fresh(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(o.ObservedAt) <= maxAge
}
