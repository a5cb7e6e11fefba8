package dtc

import (
	"fmt"

	"sierrachart-bridge/internal/model"
)

// MessageType is the first header field of every frame.
type MessageType uint16

const (
	TypeLogonRequest         MessageType = 1
	TypeLogonResponse        MessageType = 2
	TypeHeartbeat            MessageType = 3
	TypeMarketDataRequest    MessageType = 10
	TypeMarketDataUpdate     MessageType = 11
	TypeMarketDataReject     MessageType = 12
	TypeTradeAccountRequest  MessageType = 20
	TypeTradeAccountResponse MessageType = 21
	TypeOrderActionRequest   MessageType = 30
	TypeOrderUpdateReport    MessageType = 31
	TypePositionUpdateReport MessageType = 32
	TypeGeneralError         MessageType = 100
)

var typeNames = map[MessageType]string{
	TypeLogonRequest:         "LogonRequest",
	TypeLogonResponse:        "LogonResponse",
	TypeHeartbeat:            "Heartbeat",
	TypeMarketDataRequest:    "MarketDataRequest",
	TypeMarketDataUpdate:     "MarketDataUpdate",
	TypeMarketDataReject:     "MarketDataReject",
	TypeTradeAccountRequest:  "TradeAccountRequest",
	TypeTradeAccountResponse: "TradeAccountResponse",
	TypeOrderActionRequest:   "OrderActionRequest",
	TypeOrderUpdateReport:    "OrderUpdateReport",
	TypePositionUpdateReport: "PositionUpdateReport",
	TypeGeneralError:         "GeneralError",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// Message is a fixed-layout protocol message.
type Message interface {
	Type() MessageType
	// Size is the full frame length, header included.
	Size() int
	encode(b []byte)
	decode(b []byte) error
}

type LogonRequest struct {
	Username             string
	Password             string
	HeartbeatIntervalSec uint32
}

type LogonResponse struct {
	Success      bool
	RejectReason uint8
	Text         string
}

// Heartbeat carries the sender's clock in unix milliseconds.
type Heartbeat struct {
	Timestamp int64
}

type MarketDataRequest struct {
	RequestID uint32
	Symbol    string
	Exchange  string
	Interval  uint16 // seconds
	Flags     uint16
}

type MarketDataUpdate struct {
	model.MarketDataUpdate
}

type MarketDataReject struct {
	RequestID  uint32
	ReasonCode uint16
	Text       string
}

type TradeAccountRequest struct {
	RequestID uint32
}

type TradeAccountResponse struct {
	model.TradeAccount
}

// OrderAction selects what an OrderActionRequest does.
type OrderAction uint8

const (
	ActionNew    OrderAction = 1
	ActionCancel OrderAction = 2
)

// OrderActionRequest submits or cancels an order. Price1 is the limit or
// stop price; Price2 is the limit price of a stop-limit order.
type OrderActionRequest struct {
	RequestID     uint32
	Action        OrderAction
	Side          model.OrderSide
	OrderType     model.OrderType
	TimeInForce   model.TimeInForce
	Symbol        string
	Exchange      string
	Account       string
	OrderID       string
	ClientOrderID string
	Quantity      float64
	Price1        float64
	Price2        float64
}

type OrderUpdateReport struct {
	model.OrderUpdateReport
}

type PositionUpdateReport struct {
	model.PositionData
}

type GeneralError struct {
	Code uint16
	Text string
}

func (*LogonRequest) Type() MessageType         { return TypeLogonRequest }
func (*LogonResponse) Type() MessageType        { return TypeLogonResponse }
func (*Heartbeat) Type() MessageType            { return TypeHeartbeat }
func (*MarketDataRequest) Type() MessageType    { return TypeMarketDataRequest }
func (*MarketDataUpdate) Type() MessageType     { return TypeMarketDataUpdate }
func (*MarketDataReject) Type() MessageType     { return TypeMarketDataReject }
func (*TradeAccountRequest) Type() MessageType  { return TypeTradeAccountRequest }
func (*TradeAccountResponse) Type() MessageType { return TypeTradeAccountResponse }
func (*OrderActionRequest) Type() MessageType   { return TypeOrderActionRequest }
func (*OrderUpdateReport) Type() MessageType    { return TypeOrderUpdateReport }
func (*PositionUpdateReport) Type() MessageType { return TypePositionUpdateReport }
func (*GeneralError) Type() MessageType         { return TypeGeneralError }

func (*LogonRequest) Size() int         { return 140 }
func (*LogonResponse) Size() int        { return 140 }
func (*Heartbeat) Size() int            { return 16 }
func (*MarketDataRequest) Size() int    { return 112 }
func (*MarketDataUpdate) Size() int     { return 212 }
func (*MarketDataReject) Size() int     { return 112 }
func (*TradeAccountRequest) Size() int  { return 12 }
func (*TradeAccountResponse) Size() int { return 72 }
func (*OrderActionRequest) Size() int   { return 232 }
func (*OrderUpdateReport) Size() int    { return 300 }
func (*PositionUpdateReport) Size() int { return 168 }
func (*GeneralError) Size() int         { return 140 }

func newMessage(t MessageType) Message {
	switch t {
	case TypeLogonRequest:
		return &LogonRequest{}
	case TypeLogonResponse:
		return &LogonResponse{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeMarketDataRequest:
		return &MarketDataRequest{}
	case TypeMarketDataUpdate:
		return &MarketDataUpdate{}
	case TypeMarketDataReject:
		return &MarketDataReject{}
	case TypeTradeAccountRequest:
		return &TradeAccountRequest{}
	case TypeTradeAccountResponse:
		return &TradeAccountResponse{}
	case TypeOrderActionRequest:
		return &OrderActionRequest{}
	case TypeOrderUpdateReport:
		return &OrderUpdateReport{}
	case TypePositionUpdateReport:
		return &PositionUpdateReport{}
	case TypeGeneralError:
		return &GeneralError{}
	}
	return nil
}

// wire enumerations

var sideCodes = map[model.OrderSide]uint8{model.Buy: 1, model.Sell: 2}

var orderTypeCodes = map[model.OrderType]uint8{
	model.Market:    1,
	model.Limit:     2,
	model.Stop:      3,
	model.StopLimit: 4,
}

var tifCodes = map[model.TimeInForce]uint8{
	model.Day: 1,
	model.GTC: 2,
	model.IOC: 3,
	model.FOK: 4,
}

var statusCodes = map[model.OrderStatus]uint16{
	model.StatusNew:             1,
	model.StatusPending:         2,
	model.StatusFilled:          3,
	model.StatusCancelled:       4,
	model.StatusRejected:        5,
	model.StatusPartiallyFilled: 6,
}

func reverse[K comparable, V comparable](m map[K]V) map[V]K {
	out := make(map[V]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

var (
	sideByCode      = reverse(sideCodes)
	orderTypeByCode = reverse(orderTypeCodes)
	tifByCode       = reverse(tifCodes)
	statusByCode    = reverse(statusCodes)
)
