package dtc

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/assert"

	"sierrachart-bridge/internal/model"
)

func sampleMessages() []Message {
	ts := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	trades := uint32(42)
	return []Message{
		&LogonRequest{Username: "trader", Password: "pw", HeartbeatIntervalSec: 10},
		&LogonResponse{Success: true, Text: "welcome"},
		&LogonResponse{Success: false, RejectReason: 3, Text: "bad password"},
		&Heartbeat{Timestamp: 1717338600123},
		&MarketDataRequest{RequestID: 7, Symbol: "ESZ25", Exchange: "CME", Interval: 60, Flags: 1},
		&MarketDataUpdate{model.MarketDataUpdate{
			RequestID: 7, Symbol: "ESZ25", Exchange: "CME",
			LastPrice: model.Float(5012.25), BidPrice: model.Float(5012), AskPrice: model.Float(5012.5),
			Volume: model.Float(1200), NumTrades: &trades, DateTime: &ts,
		}},
		&MarketDataReject{RequestID: 8, ReasonCode: 2, Text: "unknown symbol"},
		&TradeAccountRequest{RequestID: 9},
		&TradeAccountResponse{model.TradeAccount{
			Account: "SIM1", Balance: 100000, AvailableFunds: 95000, Currency: "USD", MarginRequirement: 5000,
		}},
		&OrderActionRequest{
			RequestID: 10, Action: ActionNew, Side: model.Buy, OrderType: model.StopLimit,
			TimeInForce: model.GTC, Symbol: "ESZ25", Exchange: "CME", Account: "SIM1",
			OrderID: "0123456789abcdef0123456789abcdef", ClientOrderID: "c-1",
			Quantity: 2, Price1: 5000, Price2: 5001,
		},
		&OrderUpdateReport{model.OrderUpdateReport{
			OrderID: "o-1", ClientOrderID: "c-1", Symbol: "ESZ25", Exchange: "CME",
			Status: model.StatusPartiallyFilled, Side: model.Sell, OrderType: model.Limit,
			Quantity: 3, FilledQty: 1, RemainingQty: 2, AvgFillPrice: 5010.5, Text: "partial",
		}},
		&PositionUpdateReport{model.PositionData{
			Symbol: "ESZ25", Exchange: "CME", Account: "SIM1",
			Quantity: -2, AveragePrice: 5010, UnrealizedPnL: -125.5, RealizedPnL: 300,
		}},
		&GeneralError{Code: 500, Text: "internal"},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.Type().String(), func(t *testing.T) {
			frame := Encode(m)
			assert.Equal(t, len(frame), m.Size())

			h := ParseHeader(frame)
			assert.Equal(t, h.Type, m.Type())
			assert.Equal(t, h.Version, uint16(ProtocolVersion))
			assert.Equal(t, int(h.Length), m.Size())

			got, err := Decode(frame)
			assert.NilError(t, err)
			assert.DeepEqual(t, got, m)
		})
	}
}

func TestMarketDataUpdateAbsentFields(t *testing.T) {
	in := &MarketDataUpdate{model.MarketDataUpdate{Symbol: "NQZ25", Exchange: "CME", BidPrice: model.Float(0)}}
	got, err := Decode(Encode(in))
	assert.NilError(t, err)

	u := got.(*MarketDataUpdate)
	assert.Assert(t, u.LastPrice == nil)
	assert.Assert(t, u.Close == nil)
	assert.Assert(t, u.NumTrades == nil)
	assert.Assert(t, u.DateTime == nil)
	// a reported zero is still reported
	assert.Assert(t, u.BidPrice != nil)
	assert.Equal(t, *u.BidPrice, 0.0)
}

func TestLogonRequestLayout(t *testing.T) {
	frame := Encode(&LogonRequest{Username: "abc", Password: "xyz", HeartbeatIntervalSec: 5})
	assert.DeepEqual(t, frame[0:8], []byte{1, 0, 1, 0, 140, 0, 0, 0})
	assert.Equal(t, string(frame[8:11]), "abc")
	assert.Equal(t, frame[11], byte(0))
	assert.Equal(t, string(frame[72:75]), "xyz")
	assert.Equal(t, frame[136], byte(5))
}

func TestStringTruncation(t *testing.T) {
	long := strings.Repeat("X", 100)
	got, err := Decode(Encode(&MarketDataRequest{Symbol: long, Exchange: long}))
	assert.NilError(t, err)
	req := got.(*MarketDataRequest)
	assert.Equal(t, req.Symbol, long[:64])
	assert.Equal(t, req.Exchange, long[:32])
}

func TestDecodeErrors(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		_, err := Decode([]byte{1, 0, 1})
		var perr *ProtocolError
		assert.Assert(t, errors.As(err, &perr))
	})

	t.Run("unknown type", func(t *testing.T) {
		frame := make([]byte, 16)
		le.PutUint16(frame, 999)
		le.PutUint32(frame[4:], 16)
		_, err := Decode(frame)
		assert.ErrorContains(t, err, "unknown message type")
	})

	t.Run("truncated body", func(t *testing.T) {
		frame := Encode(&OrderUpdateReport{model.OrderUpdateReport{Status: model.StatusNew}})
		_, err := Decode(frame[:100])
		assert.ErrorContains(t, err, "truncated frame")
	})

	t.Run("unknown order status", func(t *testing.T) {
		frame := Encode(&OrderUpdateReport{model.OrderUpdateReport{Status: model.StatusNew}})
		le.PutUint16(frame[168:], 77)
		_, err := Decode(frame)
		assert.ErrorContains(t, err, "unknown order status")
	})
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	bad := make([]byte, HeaderSize)
	le.PutUint16(bad, uint16(TypeHeartbeat))
	le.PutUint32(bad[4:], 3) // shorter than the header itself
	buf.Write(bad)
	buf.Write(Encode(&Heartbeat{Timestamp: 1}))

	r := bufio.NewReader(&buf)
	_, err := ReadFrame(r)
	var perr *ProtocolError
	assert.Assert(t, errors.As(err, &perr))

	frame, err := ReadFrame(r)
	assert.NilError(t, err)
	msg, err := Decode(frame)
	assert.NilError(t, err)
	assert.DeepEqual(t, msg, &Heartbeat{Timestamp: 1})
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	assert.Equal(t, Backoff(0, base, max), time.Second)
	assert.Equal(t, Backoff(1, base, max), 2*time.Second)
	assert.Equal(t, Backoff(4, base, max), 16*time.Second)
	assert.Equal(t, Backoff(5, base, max), 30*time.Second)
	assert.Equal(t, Backoff(40, base, max), 30*time.Second)
}
