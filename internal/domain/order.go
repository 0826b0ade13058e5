package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// MarketOrder asks an exchange to buy or sell Size units of Symbol at market.
type MarketOrder struct {
	ClientID string
	Exchange string
	Symbol   string
	Side     OrderSide
	Size     float64
}

// Fill is the execution result of a MarketOrder.
type Fill struct {
	OrderID  string
	Exchange string
	Symbol   string
	Side     OrderSide
	Price    float64
	Size     float64
	FilledAt time.Time
}
