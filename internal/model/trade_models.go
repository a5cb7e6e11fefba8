package model

import (
	"time"
)

type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that offsets s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

type TimeInForce string

const (
	Day TimeInForce = "DAY"
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPending         OrderStatus = "PENDING"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderTracker is the local view of one order.
type OrderTracker struct {
	OrderID       string      `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	Symbol        string      `json:"symbol"`
	Exchange      string      `json:"exchange"`
	Side          OrderSide   `json:"side"`
	OrderType     OrderType   `json:"orderType"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stopPrice,omitempty"`
	TimeInForce   TimeInForce `json:"timeInForce"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filledQuantity"`
	RemainingQty  float64     `json:"remainingQuantity"`
	AvgFillPrice  float64     `json:"averageFillPrice"`
	Text          string      `json:"text,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// OrderUpdateReport is a server-side order state change.
type OrderUpdateReport struct {
	OrderID       string      `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	Symbol        string      `json:"symbol"`
	Exchange      string      `json:"exchange"`
	Status        OrderStatus `json:"status"`
	Side          OrderSide   `json:"side,omitempty"`
	OrderType     OrderType   `json:"orderType,omitempty"`
	Quantity      float64     `json:"quantity"`
	FilledQty     float64     `json:"filledQuantity"`
	RemainingQty  float64     `json:"remainingQuantity"`
	AvgFillPrice  float64     `json:"averageFillPrice"`
	Text          string      `json:"text,omitempty"`
}

// PositionData is the server's view of one position. Quantity is signed:
// positive long, negative short.
type PositionData struct {
	Symbol        string    `json:"symbol"`
	Exchange      string    `json:"exchange"`
	Account       string    `json:"account"`
	Quantity      float64   `json:"quantity"`
	AveragePrice  float64   `json:"averagePrice"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	RealizedPnL   float64   `json:"realizedPnl"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type TradeAccount struct {
	Account           string  `json:"account"`
	Balance           float64 `json:"balance"`
	AvailableFunds    float64 `json:"availableFunds"`
	Currency          string  `json:"currency"`
	MarginRequirement float64 `json:"marginRequirement,omitempty"`
}
