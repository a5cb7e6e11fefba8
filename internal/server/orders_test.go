package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
	"sierrachart-bridge/internal/simulator"
	"sierrachart-bridge/internal/trading"
)

func send(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func paperTrading(t *testing.T) (*Server, *simulator.Exchange, *trading.Manager) {
	logger := zaptest.NewLogger(t)
	ex := simulator.New(service.SimulatorConfig{InitialBalance: 100000, MarginRate: 0.1}, logger)
	tm := trading.NewManager(ex, service.TradingConfig{Enabled: true, AccountTimeout: time.Second}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, tm.Initialize(ctx))

	return New(":0", Sources{Trading: tm}, NewHub(logger), logger), ex, tm
}

func tradeAt(ex *simulator.Exchange, price float64) {
	ex.OnMarketData(model.MarketDataUpdate{Symbol: "ESZ25", Exchange: "CME", LastPrice: model.Float(price)})
}

func TestPlaceAndCloseOverHTTP(t *testing.T) {
	s, ex, _ := paperTrading(t)
	tradeAt(ex, 5000)

	rec := send(t, s, http.MethodPost, "/api/orders",
		`{"symbol":"ESZ25","exchange":"CME","side":"BUY","orderType":"MARKET","quantity":2}`)
	assert.Equal(t, rec.Code, http.StatusAccepted)
	var placed model.OrderTracker
	decode(t, rec, &placed)
	assert.Assert(t, placed.OrderID != "")
	assert.Equal(t, len(placed.OrderID), 32)

	var positions []model.PositionData
	decode(t, get(t, s, "/api/positions"), &positions)
	assert.Equal(t, len(positions), 1)
	assert.Equal(t, positions[0].Quantity, 2.0)

	var history []model.OrderTracker
	decode(t, get(t, s, "/api/orders?history=true"), &history)
	assert.Equal(t, len(history), 1)
	assert.Equal(t, history[0].Status, model.StatusFilled)

	tradeAt(ex, 5005)
	rec = send(t, s, http.MethodPost, "/api/positions/close", "")
	assert.Equal(t, rec.Code, http.StatusAccepted)
	var closed struct {
		Orders []model.OrderTracker `json:"orders"`
	}
	decode(t, rec, &closed)
	assert.Equal(t, len(closed.Orders), 1)
	assert.Equal(t, closed.Orders[0].Side, model.Sell)

	decode(t, get(t, s, "/api/positions"), &positions)
	assert.Equal(t, positions[0].Quantity, 0.0)
	assert.Equal(t, positions[0].RealizedPnL, 10.0)
}

func TestWorkingOrderOverHTTP(t *testing.T) {
	s, ex, _ := paperTrading(t)
	tradeAt(ex, 5000)

	rec := send(t, s, http.MethodPost, "/api/orders",
		`{"symbol":"ESZ25","exchange":"CME","side":"BUY","orderType":"LIMIT","quantity":1,"price":4900}`)
	assert.Equal(t, rec.Code, http.StatusAccepted)
	var placed model.OrderTracker
	decode(t, rec, &placed)

	var active []model.OrderTracker
	decode(t, get(t, s, "/api/orders"), &active)
	assert.Equal(t, len(active), 1)
	assert.Equal(t, active[0].Status, model.StatusPending)

	rec = send(t, s, http.MethodPatch, "/api/orders/"+placed.OrderID, `{"price":4950}`)
	assert.Equal(t, rec.Code, http.StatusAccepted)
	var replaced model.OrderTracker
	decode(t, rec, &replaced)
	assert.Equal(t, replaced.Price, 4950.0)

	rec = send(t, s, http.MethodDelete, "/api/orders/"+replaced.OrderID, "")
	assert.Equal(t, rec.Code, http.StatusAccepted)
	decode(t, get(t, s, "/api/orders"), &active)
	assert.Equal(t, len(active), 0)

	// already cancelled
	rec = send(t, s, http.MethodDelete, "/api/orders/"+replaced.OrderID, "")
	assert.Equal(t, rec.Code, http.StatusConflict)
}

func TestOrderRouteErrors(t *testing.T) {
	s, _, tm := paperTrading(t)

	for _, tc := range []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/orders", `{"symbol":`, http.StatusBadRequest},
		{"zero quantity", http.MethodPost, "/api/orders",
			`{"symbol":"ESZ25","exchange":"CME","side":"BUY","orderType":"MARKET","quantity":0}`, http.StatusBadRequest},
		{"limit without price", http.MethodPost, "/api/orders",
			`{"symbol":"ESZ25","exchange":"CME","side":"SELL","orderType":"LIMIT","quantity":1}`, http.StatusBadRequest},
		{"unknown cancel", http.MethodDelete, "/api/orders/nope", "", http.StatusNotFound},
		{"unknown modify", http.MethodPatch, "/api/orders/nope", `{"price":1}`, http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, send(t, s, tc.method, tc.path, tc.body).Code, tc.want)
		})
	}

	tm.SetTradingEnabled(false)
	rec := send(t, s, http.MethodPost, "/api/orders",
		`{"symbol":"ESZ25","exchange":"CME","side":"BUY","orderType":"MARKET","quantity":1}`)
	assert.Equal(t, rec.Code, http.StatusConflict)
}
