package marketdata

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	nextID    uint32
	requests  []dtc.MarketDataRequest
	sendErr   error
	beforeErr func()
	handlers  []dtc.Handlers
}

func (f *fakeTransport) NextRequestID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *fakeTransport) RequestMarketData(r dtc.MarketDataRequest) error {
	if hook := f.beforeErr; hook != nil {
		f.beforeErr = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.requests = append(f.requests, r)
	return nil
}

func (f *fakeTransport) Status() model.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.ConnectionStatus{Connected: f.connected}
}

func (f *fakeTransport) AddHandlers(h dtc.Handlers) { f.handlers = append(f.handlers, h) }

func (f *fakeTransport) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
	for _, h := range f.handlers {
		h.OnStatusChange(model.ConnectionStatus{Connected: c})
	}
}

func (f *fakeTransport) push(u model.MarketDataUpdate) {
	for _, h := range f.handlers {
		h.OnMarketData(u)
	}
}

func (f *fakeTransport) sent() []dtc.MarketDataRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dtc.MarketDataRequest(nil), f.requests...)
}

func newTestManager(t *testing.T, connected bool, cfg service.MarketDataConfig) (*Manager, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{connected: connected}
	m, err := NewManager(ft, cfg, zaptest.NewLogger(t))
	assert.NilError(t, err)
	return m, ft
}

func nop(model.MarketDataUpdate) {}

func trade(symbol string, price, volume float64) model.MarketDataUpdate {
	return model.MarketDataUpdate{
		Symbol:     symbol,
		Exchange:   "CME",
		LastPrice:  model.Float(price),
		LastVolume: model.Float(volume),
	}
}

func TestSubscribeIssuesOneRequestPerKey(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})

	_, err := m.Subscribe("ESZ25", "CME", nop, "5s")
	assert.NilError(t, err)
	_, err = m.Subscribe("ESZ25", "CME", nop, "1m")
	assert.NilError(t, err)
	_, err = m.Subscribe("NQZ25", "CME", nop, "")
	assert.NilError(t, err)

	reqs := ft.sent()
	assert.Equal(t, len(reqs), 2)
	assert.Equal(t, reqs[0].Symbol, "ESZ25")
	assert.Equal(t, reqs[0].Interval, uint16(5))
	assert.Equal(t, reqs[1].Interval, uint16(1))
	assert.Assert(t, reqs[1].RequestID > reqs[0].RequestID)

	st := m.Stats()
	assert.Equal(t, st.SymbolsSubscribed, 2)
	assert.Equal(t, st.TotalSubscribers, 3)
}

func TestUnsubscribeRemovesKeyWithLastSubscriber(t *testing.T) {
	m, _ := newTestManager(t, true, service.MarketDataConfig{})

	a, err := m.Subscribe("ESZ25", "CME", nop, "")
	assert.NilError(t, err)
	b, err := m.Subscribe("ESZ25", "CME", nop, "")
	assert.NilError(t, err)

	assert.NilError(t, m.Unsubscribe(a))
	assert.DeepEqual(t, m.SubscribedSymbols(), []Key{{"ESZ25", "CME"}})
	assert.NilError(t, m.Unsubscribe(b))
	assert.Equal(t, len(m.SubscribedSymbols()), 0)

	assert.Assert(t, errors.Is(m.Unsubscribe(b), ErrNotSubscribed))
}

func TestSubscribeValidation(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})
	_, err := m.Subscribe("", "CME", nop, "")
	assert.ErrorContains(t, err, "symbol")
	_, err = m.Subscribe("ES", "CME", nil, "")
	assert.ErrorContains(t, err, "callback")
	_, err = m.Subscribe("ES", "CME", nop, "soon")
	assert.ErrorContains(t, err, "invalid interval")
	assert.Equal(t, len(ft.sent()), 0)

	_, err = NewManager(ft, service.MarketDataConfig{DefaultInterval: "bad"}, zap.NewNop())
	assert.ErrorContains(t, err, "default interval")
}

func TestSubscribeSendFailureRemovesOnlyThatSubscriber(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})
	ft.sendErr = errors.New("write: broken pipe")

	var joined SubscriptionID
	ft.beforeErr = func() {
		// joins the key while the first request is in flight
		var err error
		joined, err = m.Subscribe("ES", "CME", nop, "")
		assert.NilError(t, err)
	}
	_, err := m.Subscribe("ES", "CME", nop, "")
	assert.ErrorContains(t, err, "broken pipe")

	assert.DeepEqual(t, m.SubscribedSymbols(), []Key{{"ES", "CME"}})
	assert.Equal(t, m.Stats().TotalSubscribers, 1)
	assert.NilError(t, m.Unsubscribe(joined))
	assert.Equal(t, len(m.SubscribedSymbols()), 0)

	_, err = m.Subscribe("NQ", "CME", nop, "")
	assert.ErrorContains(t, err, "broken pipe")
	assert.Equal(t, len(m.SubscribedSymbols()), 0)
}

func TestSubscribeDefersWhenConnectionDrops(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})
	ft.sendErr = dtc.ErrNotConnected

	_, err := m.Subscribe("ES", "CME", nop, "")
	assert.NilError(t, err)
	assert.DeepEqual(t, m.SubscribedSymbols(), []Key{{"ES", "CME"}})

	ft.sendErr = nil
	ft.setConnected(true)
	reqs := ft.sent()
	assert.Equal(t, len(reqs), 1)
	assert.Equal(t, reqs[0].Symbol, "ES")
}

func TestDeferredUntilConnected(t *testing.T) {
	m, ft := newTestManager(t, false, service.MarketDataConfig{})
	_, err := m.Subscribe("ES", "CME", nop, "10s")
	assert.NilError(t, err)
	assert.Equal(t, len(ft.sent()), 0)

	ft.setConnected(true)
	reqs := ft.sent()
	assert.Equal(t, len(reqs), 1)
	assert.Equal(t, reqs[0].Interval, uint16(10))
}

func TestReconnectResubscribesOncePerKey(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})
	for _, s := range []string{"ES", "ES", "ES", "NQ"} {
		_, err := m.Subscribe(s, "CME", nop, "")
		assert.NilError(t, err)
	}
	assert.Equal(t, len(ft.sent()), 2)

	const cycles = 3
	for i := 0; i < cycles; i++ {
		before := len(ft.sent())
		ft.setConnected(false)
		ft.setConnected(true)
		assert.Equal(t, len(ft.sent())-before, 2, "cycle %d", i)
	}

	seen := map[uint32]bool{}
	for _, r := range ft.sent() {
		assert.Assert(t, !seen[r.RequestID], "request id %d reused", r.RequestID)
		seen[r.RequestID] = true
	}
}

func TestUpdatesReachEverySubscriberDespitePanics(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})

	var got []string
	_, err := m.Subscribe("ES", "CME", func(model.MarketDataUpdate) { got = append(got, "first") }, "")
	assert.NilError(t, err)
	_, err = m.Subscribe("ES", "CME", func(model.MarketDataUpdate) { panic("boom") }, "")
	assert.NilError(t, err)
	_, err = m.Subscribe("ES", "CME", func(model.MarketDataUpdate) { got = append(got, "third") }, "")
	assert.NilError(t, err)

	ft.push(trade("ES", 5000, 1))
	ft.push(trade("NQ", 18000, 1))
	assert.DeepEqual(t, got, []string{"first", "third"})

	cur, ok := m.Current("ES", "CME")
	assert.Assert(t, ok)
	assert.Equal(t, *cur.LastPrice, 5000.0)
	_, ok = m.Current("NQ", "CME")
	assert.Assert(t, ok)
	st := m.Stats()
	assert.Equal(t, st.Updates, uint64(2))
	assert.Equal(t, st.TotalDataPoints, 2)
	assert.Assert(t, !st.LastUpdate.IsZero())
}

func TestUpdateWithoutSymbolRoutedByRequestID(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})
	var got model.MarketDataUpdate
	_, err := m.Subscribe("ES", "CME", func(u model.MarketDataUpdate) { got = u }, "")
	assert.NilError(t, err)

	ft.push(model.MarketDataUpdate{RequestID: ft.sent()[0].RequestID, BidPrice: model.Float(1)})
	assert.Equal(t, got.Symbol, "ES")
	assert.Equal(t, got.Exchange, "CME")
}

func TestHistoryIsCappedFIFO(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{HistoryCap: 5})
	for i := 1; i <= 8; i++ {
		ft.push(trade("ES", float64(i), 1))
	}

	h := m.Historical("ES", "CME", 0)
	assert.Equal(t, len(h), 5)
	assert.Equal(t, *h[0].LastPrice, 4.0)
	assert.Equal(t, *h[4].LastPrice, 8.0)

	last2 := m.Historical("ES", "CME", 2)
	assert.Equal(t, len(last2), 2)
	assert.Equal(t, *last2[0].LastPrice, 7.0)

	m.ClearHistorical("ES", "CME")
	assert.Equal(t, len(m.Historical("ES", "CME", 0)), 0)
}

func TestIndicators(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})

	_, err := m.Indicators("ES", "CME", 5)
	assert.Assert(t, errors.Is(err, ErrNoHistory))
	_, err = m.Indicators("ES", "CME", 0)
	assert.ErrorContains(t, err, "invalid period")

	for i := 0; i < 3; i++ {
		ft.push(trade("ES", 100, 10))
	}
	ind, err := m.Indicators("ES", "CME", 5)
	assert.NilError(t, err)
	assert.Assert(t, ind.SMA == nil)

	for i := 0; i < 10; i++ {
		ft.push(trade("ES", 100, 10))
	}
	ind, err = m.Indicators("ES", "CME", 5)
	assert.NilError(t, err)
	assert.Equal(t, *ind.SMA, 100.0)
	assert.Equal(t, *ind.VolumeSMA, 10.0)
	assert.Equal(t, ind.Bollinger.Upper, 100.0)
	assert.Equal(t, ind.Bollinger.Lower, 100.0)
	assert.Assert(t, ind.RSI == nil)
}

func TestIndicatorsSkipMissingPrices(t *testing.T) {
	m, ft := newTestManager(t, true, service.MarketDataConfig{})
	for i := 0; i < 3; i++ {
		ft.push(trade("ES", 100, 10))
	}
	for i := 0; i < 5; i++ {
		ft.push(model.MarketDataUpdate{Symbol: "ES", Exchange: "CME", BidPrice: model.Float(99)})
	}
	ind, err := m.Indicators("ES", "CME", 4)
	assert.NilError(t, err)
	assert.Assert(t, ind.SMA == nil)

	ft.push(trade("ES", 100, 10))
	ind, err = m.Indicators("ES", "CME", 4)
	assert.NilError(t, err)
	assert.Assert(t, ind.SMA == nil, "oldest trade fell out of the window")
}
