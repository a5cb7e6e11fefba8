package server

import (
	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/scfile"
	"sierrachart-bridge/internal/trading"
)

type errorEvent struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ClientHandlers forwards connection status and protocol errors.
func (h *Hub) ClientHandlers() dtc.Handlers {
	return dtc.Handlers{
		OnStatusChange: func(st model.ConnectionStatus) { h.Publish(EventConnectionStatus, st) },
		OnError:        func(err error) { h.Publish(EventError, errorEvent{"dtc", err.Error()}) },
	}
}

// FileHandlers forwards symbol file changes and read errors.
func (h *Hub) FileHandlers() scfile.Handlers {
	return scfile.Handlers{
		OnSymbolUpdated: func(info model.SymbolInfo) { h.Publish(EventSymbolUpdated, info) },
		OnError:         func(err error) { h.Publish(EventError, errorEvent{"scfile", err.Error()}) },
	}
}

func (h *Hub) TradingHandlers() trading.Handlers {
	return trading.Handlers{
		OnOrderUpdate:    func(o model.OrderTracker) { h.Publish(EventOrderUpdate, o) },
		OnPositionUpdate: func(p model.PositionData) { h.Publish(EventPositionUpdate, p) },
		OnAccount:        func(a model.TradeAccount) { h.Publish(EventAccount, a) },
	}
}

// MarketData is a subscription callback that publishes every update.
func (h *Hub) MarketData(u model.MarketDataUpdate) {
	h.Publish(EventMarketData, u)
}
