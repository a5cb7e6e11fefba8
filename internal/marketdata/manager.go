package marketdata

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
	"sierrachart-bridge/pkg/ta"
)

const DefaultHistoryCap = 1000

var (
	ErrNotSubscribed = errors.New("marketdata: no such subscription")
	ErrNoHistory     = errors.New("marketdata: no history")
)

// Transport is the part of the DTC client the manager needs.
type Transport interface {
	NextRequestID() uint32
	RequestMarketData(dtc.MarketDataRequest) error
	Status() model.ConnectionStatus
	AddHandlers(dtc.Handlers)
}

// Key identifies one wire subscription.
type Key struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

func (k Key) String() string { return k.Symbol + "@" + k.Exchange }

type Callback func(model.MarketDataUpdate)

// SubscriptionID identifies one subscriber, for Unsubscribe.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	cb Callback
}

type subscription struct {
	key         Key
	requestID   uint32
	interval    uint16
	subscribers []subscriber
}

type Stats struct {
	SymbolsSubscribed int       `json:"symbolsSubscribed"`
	TotalSubscribers  int       `json:"totalSubscribers"`
	TotalDataPoints   int       `json:"totalDataPoints"`
	Updates           uint64    `json:"updates"`
	Rejects           uint64    `json:"rejects"`
	LastUpdate        time.Time `json:"lastUpdate"`
}

// Manager fans market data from one DTC connection out to subscribers and
// keeps a bounded per-key history for indicators.
type Manager struct {
	transport       Transport
	logger          *zap.Logger
	historyCap      int
	defaultInterval uint16

	mu        sync.Mutex
	subs      map[Key]*subscription
	byRequest map[uint32]Key
	history   map[Key][]model.MarketDataUpdate
	last      time.Time

	nextSubID atomic.Uint64
	updates   atomic.Uint64
	rejects   atomic.Uint64
}

func NewManager(t Transport, cfg service.MarketDataConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		transport:  t,
		logger:     logger.With(zap.String("component", "marketdata")),
		historyCap: cfg.HistoryCap,
		subs:       make(map[Key]*subscription),
		byRequest:  make(map[uint32]Key),
		history:    make(map[Key][]model.MarketDataUpdate),
	}
	if m.historyCap <= 0 {
		m.historyCap = DefaultHistoryCap
	}
	def := cfg.DefaultInterval
	if def == "" {
		def = "1s"
	}
	iv, err := service.ParseInterval(def)
	if err != nil {
		return nil, errors.Wrap(err, "default interval")
	}
	m.defaultInterval = iv

	t.AddHandlers(dtc.Handlers{
		OnMarketData:       m.onUpdate,
		OnMarketDataReject: m.onReject,
		OnStatusChange:     m.onStatus,
	})
	return m, nil
}

// Subscribe registers cb for updates on (symbol, exchange). Only the first
// subscriber of a key causes a wire request; its interval sticks to the key.
// While disconnected the request is deferred until the next logon.
func (m *Manager) Subscribe(symbol, exchange string, cb Callback, interval string) (SubscriptionID, error) {
	if symbol == "" {
		return 0, errors.New("marketdata: symbol is required")
	}
	if cb == nil {
		return 0, errors.New("marketdata: callback is required")
	}
	iv := m.defaultInterval
	if interval != "" {
		var err error
		if iv, err = service.ParseInterval(interval); err != nil {
			return 0, err
		}
	}

	key := Key{Symbol: symbol, Exchange: exchange}
	id := SubscriptionID(m.nextSubID.Add(1))

	m.mu.Lock()
	sub, exists := m.subs[key]
	if exists {
		sub.subscribers = append(sub.subscribers, subscriber{id, cb})
		n := len(sub.subscribers)
		m.mu.Unlock()
		m.logger.Debug("Added subscriber", zap.Stringer("key", key), zap.Int("subscribers", n))
		return id, nil
	}
	sub = &subscription{key: key, interval: iv, subscribers: []subscriber{{id, cb}}}
	m.subs[key] = sub
	var req dtc.MarketDataRequest
	connected := m.transport.Status().Connected
	if connected {
		req = m.assignRequestLocked(sub)
	}
	m.mu.Unlock()
	activeSubscriptions.Inc()

	if !connected {
		m.logger.Info("Not connected, deferring market data request", zap.Stringer("key", key))
		return id, nil
	}
	if err := m.transport.RequestMarketData(req); err != nil {
		if errors.Is(err, dtc.ErrNotConnected) {
			m.logger.Info("Connection dropped, deferring market data request", zap.Stringer("key", key))
			return id, nil
		}
		m.mu.Lock()
		m.removeLocked(id)
		m.mu.Unlock()
		return 0, errors.Wrapf(err, "subscribe %s", key)
	}
	requestsSent.Inc()
	m.logger.Info("Subscribed to market data",
		zap.Stringer("key", key),
		zap.Uint32("request_id", req.RequestID),
		zap.String("interval", service.FormatInterval(iv)))
	return id, nil
}

func (m *Manager) assignRequestLocked(sub *subscription) dtc.MarketDataRequest {
	if sub.requestID != 0 {
		delete(m.byRequest, sub.requestID)
	}
	sub.requestID = m.transport.NextRequestID()
	m.byRequest[sub.requestID] = sub.key
	return dtc.MarketDataRequest{
		RequestID: sub.requestID,
		Symbol:    sub.key.Symbol,
		Exchange:  sub.key.Exchange,
		Interval:  sub.interval,
	}
}

// Unsubscribe removes one subscriber. The key is dropped with its last
// subscriber; history is kept until ClearHistorical.
func (m *Manager) Unsubscribe(id SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.removeLocked(id) {
		return ErrNotSubscribed
	}
	return nil
}

func (m *Manager) removeLocked(id SubscriptionID) bool {
	for key, sub := range m.subs {
		for i, s := range sub.subscribers {
			if s.id != id {
				continue
			}
			sub.subscribers = append(sub.subscribers[:i], sub.subscribers[i+1:]...)
			if len(sub.subscribers) == 0 {
				delete(m.subs, key)
				delete(m.byRequest, sub.requestID)
				activeSubscriptions.Dec()
				m.logger.Info("Unsubscribed from market data", zap.Stringer("key", key))
			}
			return true
		}
	}
	return false
}

func (m *Manager) onStatus(st model.ConnectionStatus) {
	if st.Connected {
		m.resubscribe()
	}
}

// resubscribe issues exactly one request per subscribed key.
func (m *Manager) resubscribe() {
	m.mu.Lock()
	reqs := make([]dtc.MarketDataRequest, 0, len(m.subs))
	for _, sub := range m.subs {
		reqs = append(reqs, m.assignRequestLocked(sub))
	}
	m.mu.Unlock()

	if len(reqs) == 0 {
		return
	}
	m.logger.Info("Resubscribing market data", zap.Int("keys", len(reqs)))
	for _, req := range reqs {
		if err := m.transport.RequestMarketData(req); err != nil {
			m.logger.Warn("Resubscribe failed",
				zap.String("symbol", req.Symbol),
				zap.String("exchange", req.Exchange),
				zap.Error(err))
			continue
		}
		requestsSent.Inc()
	}
}

func (m *Manager) onUpdate(u model.MarketDataUpdate) {
	key := Key{Symbol: u.Symbol, Exchange: u.Exchange}

	m.mu.Lock()
	if key.Symbol == "" {
		if k, ok := m.byRequest[u.RequestID]; ok {
			key = k
			u.Symbol, u.Exchange = k.Symbol, k.Exchange
		}
	}
	h := append(m.history[key], u)
	if over := len(h) - m.historyCap; over > 0 {
		h = h[over:]
	}
	m.history[key] = h
	m.last = u.ReceivedAt
	if m.last.IsZero() {
		m.last = time.Now()
	}
	var subs []subscriber
	if sub, ok := m.subs[key]; ok {
		subs = append(subs, sub.subscribers...)
	}
	m.mu.Unlock()

	m.updates.Add(1)
	updatesReceived.Inc()
	for _, s := range subs {
		m.deliver(key, s, u)
	}
}

func (m *Manager) deliver(key Key, s subscriber, u model.MarketDataUpdate) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Market data callback panicked",
				zap.Stringer("key", key),
				zap.Uint64("subscription", uint64(s.id)),
				zap.Any("panic", r))
		}
	}()
	s.cb(u)
}

func (m *Manager) onReject(r dtc.MarketDataReject) {
	m.rejects.Add(1)
	m.mu.Lock()
	key, ok := m.byRequest[r.RequestID]
	m.mu.Unlock()
	fields := []zap.Field{zap.Uint32("request_id", r.RequestID), zap.String("text", r.Text)}
	if ok {
		fields = append(fields, zap.Stringer("key", key))
	}
	m.logger.Warn("Market data subscription rejected", fields...)
}

// Current returns the newest update seen for the key.
func (m *Manager) Current(symbol, exchange string) (model.MarketDataUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[Key{symbol, exchange}]
	if len(h) == 0 {
		return model.MarketDataUpdate{}, false
	}
	return h[len(h)-1], true
}

// Historical returns up to limit of the newest updates, oldest first. A
// non-positive limit returns everything retained.
func (m *Manager) Historical(symbol, exchange string, limit int) []model.MarketDataUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[Key{symbol, exchange}]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]model.MarketDataUpdate(nil), h...)
}

func (m *Manager) ClearHistorical(symbol, exchange string) {
	m.mu.Lock()
	delete(m.history, Key{symbol, exchange})
	m.mu.Unlock()
}

func (m *Manager) SubscribedSymbols() []Key {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Exchange < keys[j].Exchange
	})
	return keys
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		SymbolsSubscribed: len(m.subs),
		Updates:           m.updates.Load(),
		Rejects:           m.rejects.Load(),
		LastUpdate:        m.last,
	}
	for _, sub := range m.subs {
		st.TotalSubscribers += len(sub.subscribers)
	}
	for _, h := range m.history {
		st.TotalDataPoints += len(h)
	}
	return st
}

// Indicators computes indicators over the last 2*period updates of a key.
// Indicators without enough history are left nil.
func (m *Manager) Indicators(symbol, exchange string, period int) (ta.Indicators, error) {
	if period <= 0 {
		return ta.Indicators{}, errors.Errorf("marketdata: invalid period %d", period)
	}
	h := m.Historical(symbol, exchange, 2*period)
	if len(h) == 0 {
		return ta.Indicators{}, errors.Wrapf(ErrNoHistory, "%s@%s", symbol, exchange)
	}

	var closes, volumes []float64
	for _, u := range h {
		if p, ok := u.ClosePrice(); ok && p > 0 {
			closes = append(closes, p)
		}
		if v, ok := u.TotalVolume(); ok && v > 0 {
			volumes = append(volumes, v)
		}
	}
	if len(closes) < period {
		return ta.Indicators{}, nil
	}
	return ta.Compute(closes, volumes, period), nil
}
