package dtc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"sierrachart-bridge/internal/model"
)

const (
	HeaderSize      = 8
	ProtocolVersion = 1
	MaxFrameSize    = 65535
)

var le = binary.LittleEndian

// Header is the 8-byte prefix of every frame.
type Header struct {
	Type    MessageType
	Version uint16
	Length  uint32
}

func ParseHeader(b []byte) Header {
	return Header{
		Type:    MessageType(le.Uint16(b[0:])),
		Version: le.Uint16(b[2:]),
		Length:  le.Uint32(b[4:]),
	}
}

// Encode renders m as a complete frame.
func Encode(m Message) []byte {
	b := make([]byte, m.Size())
	le.PutUint16(b[0:], uint16(m.Type()))
	le.PutUint16(b[2:], ProtocolVersion)
	le.PutUint32(b[4:], uint32(len(b)))
	m.encode(b)
	return b
}

// Decode parses one complete frame. Frames longer than the fixed layout are
// accepted; trailing bytes are ignored.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, &ProtocolError{Reason: "frame shorter than header"}
	}
	h := ParseHeader(frame)
	m := newMessage(h.Type)
	if m == nil {
		return nil, &ProtocolError{Type: h.Type, Reason: "unknown message type"}
	}
	if len(frame) < m.Size() {
		return nil, &ProtocolError{Type: h.Type, Reason: "truncated frame"}
	}
	if err := m.decode(frame); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFrame reads one frame from r. A header with an impossible length is
// consumed and reported as a *ProtocolError so the caller can keep reading;
// any other error comes from the underlying reader.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h := ParseHeader(hdr[:])
	if h.Length < HeaderSize || h.Length > MaxFrameSize {
		return nil, &ProtocolError{Type: h.Type, Reason: "invalid frame length"}
	}
	frame := make([]byte, h.Length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// fixed-width field helpers

func putString(b []byte, off, width int, s string) {
	copy(b[off:off+width], s)
}

func getString(b []byte, off, width int) string {
	field := b[off : off+width]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func putF64(b []byte, off int, v float64) { le.PutUint64(b[off:], math.Float64bits(v)) }
func getF64(b []byte, off int) float64    { return math.Float64frombits(le.Uint64(b[off:])) }

// LogonRequest: username 8:64, password 72:64, heartbeat interval u32 136.
func (m *LogonRequest) encode(b []byte) {
	putString(b, 8, 64, m.Username)
	putString(b, 72, 64, m.Password)
	le.PutUint32(b[136:], m.HeartbeatIntervalSec)
}

func (m *LogonRequest) decode(b []byte) error {
	m.Username = getString(b, 8, 64)
	m.Password = getString(b, 72, 64)
	m.HeartbeatIntervalSec = le.Uint32(b[136:])
	return nil
}

// LogonResponse: result u8 8, reason u8 9, text 12:128.
func (m *LogonResponse) encode(b []byte) {
	if m.Success {
		b[8] = 1
	}
	b[9] = m.RejectReason
	putString(b, 12, 128, m.Text)
}

func (m *LogonResponse) decode(b []byte) error {
	m.Success = b[8] == 1
	m.RejectReason = b[9]
	m.Text = getString(b, 12, 128)
	return nil
}

func (m *Heartbeat) encode(b []byte) { le.PutUint64(b[8:], uint64(m.Timestamp)) }

func (m *Heartbeat) decode(b []byte) error {
	m.Timestamp = int64(le.Uint64(b[8:]))
	return nil
}

// MarketDataRequest: request id u32 8, symbol 12:64, exchange 76:32,
// interval u16 108, flags u16 110.
func (m *MarketDataRequest) encode(b []byte) {
	le.PutUint32(b[8:], m.RequestID)
	putString(b, 12, 64, m.Symbol)
	putString(b, 76, 32, m.Exchange)
	le.PutUint16(b[108:], m.Interval)
	le.PutUint16(b[110:], m.Flags)
}

func (m *MarketDataRequest) decode(b []byte) error {
	m.RequestID = le.Uint32(b[8:])
	m.Symbol = getString(b, 12, 64)
	m.Exchange = getString(b, 76, 32)
	m.Interval = le.Uint16(b[108:])
	m.Flags = le.Uint16(b[110:])
	return nil
}

// presence bits of MarketDataUpdate, in field order starting at offset 112
const (
	hasLastPrice = 1 << iota
	hasLastVolume
	hasBidPrice
	hasBidVolume
	hasAskPrice
	hasAskVolume
	hasOpen
	hasHigh
	hasLow
	hasClose
	hasVolume
	hasDateTime
	hasNumTrades
)

func (m *MarketDataUpdate) floatFields() []**float64 {
	return []**float64{
		&m.LastPrice, &m.LastVolume,
		&m.BidPrice, &m.BidVolume,
		&m.AskPrice, &m.AskVolume,
		&m.Open, &m.High, &m.Low, &m.Close,
		&m.Volume,
	}
}

func (m *MarketDataUpdate) encode(b []byte) {
	le.PutUint32(b[8:], m.RequestID)
	putString(b, 12, 64, m.Symbol)
	putString(b, 76, 32, m.Exchange)

	var mask uint32
	for i, f := range m.floatFields() {
		if *f != nil {
			mask |= 1 << i
			putF64(b, 112+8*i, **f)
		}
	}
	if m.DateTime != nil {
		mask |= hasDateTime
		putF64(b, 200, model.ToSCDateTime(*m.DateTime))
	}
	if m.NumTrades != nil {
		mask |= hasNumTrades
		le.PutUint32(b[208:], *m.NumTrades)
	}
	le.PutUint32(b[108:], mask)
}

func (m *MarketDataUpdate) decode(b []byte) error {
	m.RequestID = le.Uint32(b[8:])
	m.Symbol = getString(b, 12, 64)
	m.Exchange = getString(b, 76, 32)

	mask := le.Uint32(b[108:])
	for i, f := range m.floatFields() {
		if mask&(1<<i) != 0 {
			v := getF64(b, 112+8*i)
			*f = &v
		}
	}
	if mask&hasDateTime != 0 {
		t := model.FromSCDateTime(getF64(b, 200))
		m.DateTime = &t
	}
	if mask&hasNumTrades != 0 {
		n := le.Uint32(b[208:])
		m.NumTrades = &n
	}
	return nil
}

// MarketDataReject: request id u32 8, reason u16 12, text 16:96.
func (m *MarketDataReject) encode(b []byte) {
	le.PutUint32(b[8:], m.RequestID)
	le.PutUint16(b[12:], m.ReasonCode)
	putString(b, 16, 96, m.Text)
}

func (m *MarketDataReject) decode(b []byte) error {
	m.RequestID = le.Uint32(b[8:])
	m.ReasonCode = le.Uint16(b[12:])
	m.Text = getString(b, 16, 96)
	return nil
}

func (m *TradeAccountRequest) encode(b []byte) { le.PutUint32(b[8:], m.RequestID) }

func (m *TradeAccountRequest) decode(b []byte) error {
	m.RequestID = le.Uint32(b[8:])
	return nil
}

// TradeAccountResponse: account 8:32, balance 40, available 48, margin 56,
// currency 64:8.
func (m *TradeAccountResponse) encode(b []byte) {
	putString(b, 8, 32, m.Account)
	putF64(b, 40, m.Balance)
	putF64(b, 48, m.AvailableFunds)
	putF64(b, 56, m.MarginRequirement)
	putString(b, 64, 8, m.Currency)
}

func (m *TradeAccountResponse) decode(b []byte) error {
	m.Account = getString(b, 8, 32)
	m.Balance = getF64(b, 40)
	m.AvailableFunds = getF64(b, 48)
	m.MarginRequirement = getF64(b, 56)
	m.Currency = getString(b, 64, 8)
	return nil
}

func (m *OrderActionRequest) encode(b []byte) {
	le.PutUint32(b[8:], m.RequestID)
	b[12] = uint8(m.Action)
	b[13] = sideCodes[m.Side]
	b[14] = orderTypeCodes[m.OrderType]
	b[15] = tifCodes[m.TimeInForce]
	putString(b, 16, 64, m.Symbol)
	putString(b, 80, 32, m.Exchange)
	putString(b, 112, 32, m.Account)
	putString(b, 144, 32, m.OrderID)
	putString(b, 176, 32, m.ClientOrderID)
	putF64(b, 208, m.Quantity)
	putF64(b, 216, m.Price1)
	putF64(b, 224, m.Price2)
}

func (m *OrderActionRequest) decode(b []byte) error {
	m.RequestID = le.Uint32(b[8:])
	m.Action = OrderAction(b[12])
	if m.Action != ActionNew && m.Action != ActionCancel {
		return &ProtocolError{Type: TypeOrderActionRequest, Reason: "unknown order action"}
	}
	m.Side = sideByCode[b[13]]
	m.OrderType = orderTypeByCode[b[14]]
	m.TimeInForce = tifByCode[b[15]]
	m.Symbol = getString(b, 16, 64)
	m.Exchange = getString(b, 80, 32)
	m.Account = getString(b, 112, 32)
	m.OrderID = getString(b, 144, 32)
	m.ClientOrderID = getString(b, 176, 32)
	m.Quantity = getF64(b, 208)
	m.Price1 = getF64(b, 216)
	m.Price2 = getF64(b, 224)
	return nil
}

func (m *OrderUpdateReport) encode(b []byte) {
	putString(b, 8, 32, m.OrderID)
	putString(b, 40, 32, m.ClientOrderID)
	putString(b, 72, 64, m.Symbol)
	putString(b, 136, 32, m.Exchange)
	le.PutUint16(b[168:], statusCodes[m.Status])
	b[170] = sideCodes[m.Side]
	b[171] = orderTypeCodes[m.OrderType]
	putF64(b, 172, m.Quantity)
	putF64(b, 180, m.FilledQty)
	putF64(b, 188, m.RemainingQty)
	putF64(b, 196, m.AvgFillPrice)
	putString(b, 204, 96, m.Text)
}

func (m *OrderUpdateReport) decode(b []byte) error {
	status, ok := statusByCode[le.Uint16(b[168:])]
	if !ok {
		return &ProtocolError{Type: TypeOrderUpdateReport, Reason: "unknown order status"}
	}
	m.Status = status
	m.OrderID = getString(b, 8, 32)
	m.ClientOrderID = getString(b, 40, 32)
	m.Symbol = getString(b, 72, 64)
	m.Exchange = getString(b, 136, 32)
	m.Side = sideByCode[b[170]]
	m.OrderType = orderTypeByCode[b[171]]
	m.Quantity = getF64(b, 172)
	m.FilledQty = getF64(b, 180)
	m.RemainingQty = getF64(b, 188)
	m.AvgFillPrice = getF64(b, 196)
	m.Text = getString(b, 204, 96)
	return nil
}

func (m *PositionUpdateReport) encode(b []byte) {
	putString(b, 8, 64, m.Symbol)
	putString(b, 72, 32, m.Exchange)
	putString(b, 104, 32, m.Account)
	putF64(b, 136, m.Quantity)
	putF64(b, 144, m.AveragePrice)
	putF64(b, 152, m.UnrealizedPnL)
	putF64(b, 160, m.RealizedPnL)
}

func (m *PositionUpdateReport) decode(b []byte) error {
	m.Symbol = getString(b, 8, 64)
	m.Exchange = getString(b, 72, 32)
	m.Account = getString(b, 104, 32)
	m.Quantity = getF64(b, 136)
	m.AveragePrice = getF64(b, 144)
	m.UnrealizedPnL = getF64(b, 152)
	m.RealizedPnL = getF64(b, 160)
	return nil
}

func (m *GeneralError) encode(b []byte) {
	le.PutUint16(b[8:], m.Code)
	putString(b, 12, 128, m.Text)
}

func (m *GeneralError) decode(b []byte) error {
	m.Code = le.Uint16(b[8:])
	m.Text = getString(b, 12, 128)
	return nil
}
