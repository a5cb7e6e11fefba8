package model

import "time"

// DataType tells which SierraChart file a symbol was cataloged from.
type DataType string

const (
	Intraday DataType = "intraday" // .scid
	Daily    DataType = "daily"    // .dly
)

// SymbolInfo describes one data file found in the SierraChart data directory.
type SymbolInfo struct {
	Symbol       string    `json:"symbol"`
	FilePath     string    `json:"filePath"`
	FileSize     int64     `json:"fileSize"`
	TotalRecords int64     `json:"totalRecords"`
	LastModified time.Time `json:"lastModified"`
	DataType     DataType  `json:"dataType"`
	IsActive     bool      `json:"isActive"`
}

// TickData is one decoded .scid record.
type TickData struct {
	Symbol    string    `json:"symbol"`
	DateTime  time.Time `json:"dateTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    uint32    `json:"volume"`
	NumTrades uint32    `json:"numTrades"`
	BidVolume uint32    `json:"bidVolume"`
	AskVolume uint32    `json:"askVolume"`
	IsRecent  bool      `json:"isRecent"`
}

// DailyData is one decoded .dly record.
type DailyData struct {
	Symbol       string    `json:"symbol"`
	Date         time.Time `json:"date"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	OpenInterest *float64  `json:"openInterest,omitempty"`
}

// MarketDataUpdate is a partial quote/trade snapshot pushed by the server.
// A nil field was not reported in this update.
type MarketDataUpdate struct {
	RequestID  uint32     `json:"requestId"`
	Symbol     string     `json:"symbol"`
	Exchange   string     `json:"exchange"`
	LastPrice  *float64   `json:"lastPrice,omitempty"`
	LastVolume *float64   `json:"lastVolume,omitempty"`
	BidPrice   *float64   `json:"bidPrice,omitempty"`
	BidVolume  *float64   `json:"bidVolume,omitempty"`
	AskPrice   *float64   `json:"askPrice,omitempty"`
	AskVolume  *float64   `json:"askVolume,omitempty"`
	Open       *float64   `json:"open,omitempty"`
	High       *float64   `json:"high,omitempty"`
	Low        *float64   `json:"low,omitempty"`
	Close      *float64   `json:"close,omitempty"`
	Volume     *float64   `json:"volume,omitempty"`
	NumTrades  *uint32    `json:"numTrades,omitempty"`
	DateTime   *time.Time `json:"dateTime,omitempty"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// ClosePrice returns the best available closing price: Close, then LastPrice.
func (u MarketDataUpdate) ClosePrice() (float64, bool) {
	if u.Close != nil {
		return *u.Close, true
	}
	if u.LastPrice != nil {
		return *u.LastPrice, true
	}
	return 0, false
}

// TotalVolume returns Volume, falling back to LastVolume.
func (u MarketDataUpdate) TotalVolume() (float64, bool) {
	if u.Volume != nil {
		return *u.Volume, true
	}
	if u.LastVolume != nil {
		return *u.LastVolume, true
	}
	return 0, false
}

// Float returns a pointer to v, for building partial updates.
func Float(v float64) *float64 { return &v }

// ConnectionStatus is the health view of the protocol client.
type ConnectionStatus struct {
	Connected         bool      `json:"connected"`
	LastHeartbeat     time.Time `json:"lastHeartbeat"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastError         string    `json:"lastError,omitempty"`
}
