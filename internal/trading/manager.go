package trading

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
)

// Transport is the part of the DTC client the manager needs.
type Transport interface {
	Status() model.ConnectionStatus
	RequestAccount() (uint32, error)
	SendOrderAction(dtc.OrderActionRequest) error
	AddHandlers(dtc.Handlers)
}

// OrderParams describes a new order. StopLimitPrice is the limit leg of a
// STOP_LIMIT order.
type OrderParams struct {
	Symbol         string            `json:"symbol"`
	Exchange       string            `json:"exchange"`
	Side           model.OrderSide   `json:"side"`
	OrderType      model.OrderType   `json:"orderType"`
	Quantity       float64           `json:"quantity"`
	Price          float64           `json:"price,omitempty"`
	StopPrice      float64           `json:"stopPrice,omitempty"`
	StopLimitPrice float64           `json:"stopLimitPrice,omitempty"`
	TimeInForce    model.TimeInForce `json:"timeInForce,omitempty"`
	ClientOrderID  string            `json:"clientOrderId,omitempty"`
}

// Modification holds the fields ModifyOrder may change. Zero keeps the
// original value.
type Modification struct {
	Quantity       float64 `json:"quantity,omitempty"`
	Price          float64 `json:"price,omitempty"`
	StopPrice      float64 `json:"stopPrice,omitempty"`
	StopLimitPrice float64 `json:"stopLimitPrice,omitempty"`
}

type Handlers struct {
	OnOrderUpdate    func(model.OrderTracker)
	OnPositionUpdate func(model.PositionData)
	OnAccount        func(model.TradeAccount)
}

type Statistics struct {
	TotalOrders        int     `json:"totalOrders"`
	ActiveOrders       int     `json:"activeOrders"`
	FilledOrders       int     `json:"filledOrders"`
	CancelledOrders    int     `json:"cancelledOrders"`
	RejectedOrders     int     `json:"rejectedOrders"`
	FilledVolume       float64 `json:"filledVolume"`
	FillRate           float64 `json:"fillRate"`
	TotalPositions     int     `json:"totalPositions"`
	TotalUnrealizedPnL float64 `json:"totalUnrealizedPnl"`
	TotalRealizedPnL   float64 `json:"totalRealizedPnl"`
	NetPnL             float64 `json:"netPnl"`
}

type positionKey struct {
	symbol, exchange, account string
}

// Manager tracks orders, positions and the trade account of one DTC
// connection.
type Manager struct {
	transport Transport
	cfg       service.TradingConfig
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu         sync.RWMutex
	enabled    bool
	account    *model.TradeAccount
	loaded     chan struct{}
	loadedOnce sync.Once
	orders     map[string]*model.OrderTracker
	history    []model.OrderTracker
	positions  map[positionKey]model.PositionData

	hmu      sync.RWMutex
	handlers []Handlers
}

func NewManager(t Transport, cfg service.TradingConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		transport: t,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "trading")),
		now:       time.Now,
		newID:     newOrderID,
		loaded:    make(chan struct{}),
		orders:    make(map[string]*model.OrderTracker),
		positions: make(map[positionKey]model.PositionData),
	}
	t.AddHandlers(dtc.Handlers{
		OnAccount:        m.onAccount,
		OnOrderUpdate:    m.onOrderUpdate,
		OnPositionUpdate: m.onPosition,
	})
	return m
}

func newOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Manager) AddHandlers(h Handlers) {
	m.hmu.Lock()
	m.handlers = append(m.handlers, h)
	m.hmu.Unlock()
}

// Initialize requests the trade account and waits for it. Trading is then
// enabled according to configuration.
func (m *Manager) Initialize(ctx context.Context) error {
	if _, err := m.transport.RequestAccount(); err != nil {
		return errors.Wrap(err, "request account")
	}

	timeout := m.cfg.AccountTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.loaded:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrAccountTimeout
	}

	m.mu.Lock()
	m.enabled = m.cfg.Enabled
	m.mu.Unlock()
	m.logger.Info("Trading manager ready", zap.Bool("enabled", m.cfg.Enabled))
	return nil
}

func (m *Manager) SetTradingEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
	m.logger.Info("Trading toggled", zap.Bool("enabled", enabled))
}

func (m *Manager) TradingEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Ready reports whether the account is loaded and trading is enabled.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled && m.account != nil
}

// Close disables trading. The connection itself belongs to the client.
func (m *Manager) Close() {
	m.SetTradingEnabled(false)
}

func validate(p OrderParams) error {
	if p.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if p.Side != model.Buy && p.Side != model.Sell {
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if !(p.Quantity > 0) || math.IsInf(p.Quantity, 0) {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	switch p.OrderType {
	case model.Market:
	case model.Limit:
		if p.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "required for limit orders"}
		}
	case model.Stop:
		if p.StopPrice <= 0 {
			return &ValidationError{Field: "stopPrice", Reason: "required for stop orders"}
		}
	case model.StopLimit:
		if p.StopPrice <= 0 || p.StopLimitPrice <= 0 {
			return &ValidationError{Field: "stopPrice", Reason: "stop and stop limit prices required for stop limit orders"}
		}
	default:
		return &ValidationError{Field: "orderType", Reason: "unknown " + string(p.OrderType)}
	}
	switch p.TimeInForce {
	case "", model.Day, model.GTC, model.IOC, model.FOK:
	default:
		return &ValidationError{Field: "timeInForce", Reason: "unknown " + string(p.TimeInForce)}
	}
	return nil
}

// wirePrices maps order prices onto the two DTC price fields: the limit
// or stop price first, the limit leg of a stop limit second.
func wirePrices(p OrderParams) (float64, float64) {
	switch p.OrderType {
	case model.Limit:
		return p.Price, 0
	case model.Stop:
		return p.StopPrice, 0
	case model.StopLimit:
		return p.StopPrice, p.StopLimitPrice
	}
	return 0, 0
}

// PlaceOrder validates p, records an optimistic NEW tracker and sends the
// order. It returns once the request is written; fills arrive later as
// order updates. If the write fails the tracker is discarded.
func (m *Manager) PlaceOrder(p OrderParams) (model.OrderTracker, error) {
	return m.place(p, m.cfg.EnforceRiskChecks)
}

// place runs the risk gate only when checkRisk is set; offsetting closes
// never do.
func (m *Manager) place(p OrderParams, checkRisk bool) (model.OrderTracker, error) {
	if err := validate(p); err != nil {
		return model.OrderTracker{}, err
	}
	if p.TimeInForce == "" {
		p.TimeInForce = model.Day
	}

	m.mu.RLock()
	enabled, acct := m.enabled, m.account
	m.mu.RUnlock()
	if !enabled {
		return model.OrderTracker{}, ErrTradingDisabled
	}
	if acct == nil {
		return model.OrderTracker{}, ErrNotReady
	}
	if !m.transport.Status().Connected {
		return model.OrderTracker{}, dtc.ErrNotConnected
	}
	if checkRisk {
		if r := evaluateRisk(p, acct, m.cfg); !r.Valid {
			riskRejections.Inc()
			return model.OrderTracker{}, errors.WithMessage(ErrRiskRejected, r.Reason)
		}
	}

	now := m.now()
	tr := &model.OrderTracker{
		OrderID:       m.newID(),
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Exchange:      p.Exchange,
		Side:          p.Side,
		OrderType:     p.OrderType,
		Quantity:      p.Quantity,
		Price:         p.Price,
		StopPrice:     p.StopPrice,
		TimeInForce:   p.TimeInForce,
		Status:        model.StatusNew,
		RemainingQty:  p.Quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tr.ClientOrderID == "" {
		tr.ClientOrderID = m.newID()
	}
	if p.OrderType == model.StopLimit {
		tr.Price = p.StopLimitPrice
	}

	m.mu.Lock()
	m.orders[tr.OrderID] = tr
	snapshot := *tr
	m.mu.Unlock()

	price1, price2 := wirePrices(p)
	err := m.transport.SendOrderAction(dtc.OrderActionRequest{
		Action:        dtc.ActionNew,
		Side:          p.Side,
		OrderType:     p.OrderType,
		TimeInForce:   p.TimeInForce,
		Symbol:        p.Symbol,
		Exchange:      p.Exchange,
		Account:       acct.Account,
		OrderID:       tr.OrderID,
		ClientOrderID: tr.ClientOrderID,
		Quantity:      p.Quantity,
		Price1:        price1,
		Price2:        price2,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.orders, tr.OrderID)
		m.mu.Unlock()
		return model.OrderTracker{}, errors.Wrap(err, "send order")
	}

	ordersPlaced.WithLabelValues(string(p.OrderType)).Inc()
	m.logger.Info("Order placed",
		zap.String("order_id", tr.OrderID),
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.String("type", string(p.OrderType)),
		zap.Float64("quantity", p.Quantity))
	return snapshot, nil
}

// CancelOrder asks the server to cancel an active order. The order moves to
// CANCELLED only when the server reports it.
func (m *Manager) CancelOrder(orderID string) error {
	m.mu.RLock()
	tr, ok := m.orders[orderID]
	var snapshot model.OrderTracker
	if ok {
		snapshot = *tr
	}
	inHistory := !ok && m.inHistoryLocked(orderID)
	acct := m.account
	m.mu.RUnlock()

	switch {
	case inHistory:
		return errors.Wrap(ErrOrderTerminal, orderID)
	case !ok:
		return errors.Wrap(ErrUnknownOrder, orderID)
	case snapshot.Status.Terminal():
		return errors.Wrap(ErrOrderTerminal, orderID)
	}

	req := dtc.OrderActionRequest{
		Action:        dtc.ActionCancel,
		Side:          snapshot.Side,
		OrderType:     snapshot.OrderType,
		TimeInForce:   snapshot.TimeInForce,
		Symbol:        snapshot.Symbol,
		Exchange:      snapshot.Exchange,
		OrderID:       snapshot.OrderID,
		ClientOrderID: snapshot.ClientOrderID,
		Quantity:      snapshot.RemainingQty,
	}
	if acct != nil {
		req.Account = acct.Account
	}
	if err := m.transport.SendOrderAction(req); err != nil {
		return errors.Wrap(err, "send cancel")
	}
	m.logger.Info("Cancel requested", zap.String("order_id", orderID))
	return nil
}

// ModifyOrder replaces a NEW or PENDING order: it cancels the original and
// places a new order with the changes applied.
func (m *Manager) ModifyOrder(orderID string, mod Modification) (model.OrderTracker, error) {
	m.mu.RLock()
	tr, ok := m.orders[orderID]
	var orig model.OrderTracker
	if ok {
		orig = *tr
	}
	m.mu.RUnlock()
	if !ok {
		return model.OrderTracker{}, errors.Wrap(ErrUnknownOrder, orderID)
	}
	if orig.Status != model.StatusNew && orig.Status != model.StatusPending {
		return model.OrderTracker{}, errors.Wrapf(ErrNotModifiable, "%s is %s", orderID, orig.Status)
	}

	p := OrderParams{
		Symbol:        orig.Symbol,
		Exchange:      orig.Exchange,
		Side:          orig.Side,
		OrderType:     orig.OrderType,
		Quantity:      firstPositive(mod.Quantity, orig.Quantity),
		Price:         firstPositive(mod.Price, orig.Price),
		StopPrice:     firstPositive(mod.StopPrice, orig.StopPrice),
		TimeInForce:   orig.TimeInForce,
		ClientOrderID: orig.ClientOrderID,
	}
	if orig.OrderType == model.StopLimit {
		p.Price = 0
		p.StopLimitPrice = firstPositive(mod.StopLimitPrice, orig.Price)
	}
	if err := validate(p); err != nil {
		return model.OrderTracker{}, err
	}

	if err := m.CancelOrder(orderID); err != nil {
		return model.OrderTracker{}, err
	}
	return m.PlaceOrder(p)
}

func (m *Manager) inHistoryLocked(orderID string) bool {
	for i := range m.history {
		if m.history[i].OrderID == orderID {
			return true
		}
	}
	return false
}

func (m *Manager) onAccount(a model.TradeAccount) {
	m.mu.Lock()
	m.account = &a
	m.mu.Unlock()
	m.loadedOnce.Do(func() { close(m.loaded) })

	m.logger.Info("Trade account loaded",
		zap.String("account", a.Account),
		zap.Float64("balance", a.Balance),
		zap.Float64("available", a.AvailableFunds))
	m.each(func(h Handlers) {
		if h.OnAccount != nil {
			h.OnAccount(a)
		}
	})
}

// findLocked resolves a report to an active tracker by order id, then by
// client order id.
func (m *Manager) findLocked(r model.OrderUpdateReport) *model.OrderTracker {
	if tr, ok := m.orders[r.OrderID]; ok {
		return tr
	}
	if r.ClientOrderID == "" {
		return nil
	}
	for _, tr := range m.orders {
		if tr.ClientOrderID == r.ClientOrderID {
			return tr
		}
	}
	return nil
}

func (m *Manager) onOrderUpdate(r model.OrderUpdateReport) {
	now := m.now()

	m.mu.Lock()
	tr := m.findLocked(r)
	if tr == nil {
		if m.inHistoryLocked(r.OrderID) {
			m.mu.Unlock()
			m.logger.Warn("Ignoring update for finished order",
				zap.String("order_id", r.OrderID),
				zap.String("status", r.Status.String()))
			return
		}
		tr = &model.OrderTracker{
			OrderID:       r.OrderID,
			ClientOrderID: r.ClientOrderID,
			Symbol:        r.Symbol,
			Exchange:      r.Exchange,
			Side:          r.Side,
			OrderType:     r.OrderType,
			Quantity:      r.Quantity,
			Status:        model.StatusNew,
			CreatedAt:     now,
		}
		if tr.Quantity == 0 {
			tr.Quantity = r.FilledQty + r.RemainingQty
		}
		m.orders[tr.OrderID] = tr
		m.logger.Info("Tracking order placed elsewhere", zap.String("order_id", r.OrderID))
	}

	if !canTransition(tr.Status, r.Status) {
		from := tr.Status
		m.mu.Unlock()
		m.logger.Warn("Ignoring illegal order transition",
			zap.String("order_id", r.OrderID),
			zap.String("from", from.String()),
			zap.String("to", r.Status.String()))
		return
	}

	tr.Status = r.Status
	tr.FilledQty = r.FilledQty
	tr.RemainingQty = r.RemainingQty
	tr.AvgFillPrice = r.AvgFillPrice
	if r.Text != "" {
		tr.Text = r.Text
	}
	tr.UpdatedAt = now
	snapshot := *tr
	if tr.Status.Terminal() {
		delete(m.orders, tr.OrderID)
		m.history = append(m.history, snapshot)
	}
	m.mu.Unlock()

	orderUpdates.WithLabelValues(snapshot.Status.String()).Inc()
	log := m.logger.Info
	if snapshot.Status == model.StatusRejected {
		log = m.logger.Warn
	}
	log("Order update",
		zap.String("order_id", snapshot.OrderID),
		zap.String("status", snapshot.Status.String()),
		zap.Float64("filled", snapshot.FilledQty),
		zap.Float64("remaining", snapshot.RemainingQty),
		zap.String("text", snapshot.Text))

	m.each(func(h Handlers) {
		if h.OnOrderUpdate != nil {
			h.OnOrderUpdate(snapshot)
		}
	})
}

func (m *Manager) onPosition(p model.PositionData) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now()
	}
	m.mu.Lock()
	m.positions[positionKey{p.Symbol, p.Exchange, p.Account}] = p
	m.mu.Unlock()

	m.logger.Info("Position update",
		zap.String("symbol", p.Symbol),
		zap.Float64("quantity", p.Quantity),
		zap.Float64("average_price", p.AveragePrice))
	m.each(func(h Handlers) {
		if h.OnPositionUpdate != nil {
			h.OnPositionUpdate(p)
		}
	})
}

func (m *Manager) each(fn func(Handlers)) {
	m.hmu.RLock()
	hs := append([]Handlers(nil), m.handlers...)
	m.hmu.RUnlock()
	for _, h := range hs {
		fn(h)
	}
}

// EvaluateRisk checks p against the loaded account. It never fails; a
// violation is reported in the result.
func (m *Manager) EvaluateRisk(p OrderParams) RiskResult {
	m.mu.RLock()
	acct := m.account
	m.mu.RUnlock()
	return evaluateRisk(p, acct, m.cfg)
}

// ClosePosition sends a MARKET order offsetting the open quantity of
// (symbol, exchange).
func (m *Manager) ClosePosition(symbol, exchange string) (model.OrderTracker, error) {
	pos, ok := m.Position(symbol, exchange)
	if !ok || pos.Quantity == 0 {
		return model.OrderTracker{}, errors.Wrapf(ErrNoPosition, "%s@%s", symbol, exchange)
	}
	return m.closeOut(pos)
}

func (m *Manager) closeOut(pos model.PositionData) (model.OrderTracker, error) {
	side := model.Sell
	if pos.Quantity < 0 {
		side = model.Buy
	}
	return m.place(OrderParams{
		Symbol:    pos.Symbol,
		Exchange:  pos.Exchange,
		Side:      side,
		OrderType: model.Market,
		Quantity:  math.Abs(pos.Quantity),
	}, false)
}

// CloseAllPositions offsets every open position. Failures do not stop the
// remaining closes and are returned combined.
func (m *Manager) CloseAllPositions() ([]model.OrderTracker, error) {
	var placed []model.OrderTracker
	var errs error
	for _, pos := range m.Positions() {
		if pos.Quantity == 0 {
			continue
		}
		tr, err := m.closeOut(pos)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "close %s@%s", pos.Symbol, pos.Exchange))
			continue
		}
		placed = append(placed, tr)
	}
	return placed, errs
}

// ActiveOrders returns open orders, oldest first.
func (m *Manager) ActiveOrders() []model.OrderTracker {
	m.mu.RLock()
	out := make([]model.OrderTracker, 0, len(m.orders))
	for _, tr := range m.orders {
		out = append(out, *tr)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OrderHistory returns finished orders, most recent first, at most limit
// when limit is positive.
func (m *Manager) OrderHistory(limit int) []model.OrderTracker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.OrderTracker, 0, n)
	for i := len(m.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Order looks up an order by order id or client order id, active first.
func (m *Manager) Order(id string) (model.OrderTracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tr, ok := m.orders[id]; ok {
		return *tr, true
	}
	for _, tr := range m.orders {
		if tr.ClientOrderID == id {
			return *tr, true
		}
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if h := m.history[i]; h.OrderID == id || h.ClientOrderID == id {
			return h, true
		}
	}
	return model.OrderTracker{}, false
}

func (m *Manager) Positions() []model.PositionData {
	m.mu.RLock()
	out := make([]model.PositionData, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// Position returns the position in (symbol, exchange) for the loaded
// account, or for any account when none is loaded.
func (m *Manager) Position(symbol, exchange string) (model.PositionData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account != nil {
		p, ok := m.positions[positionKey{symbol, exchange, m.account.Account}]
		if ok {
			return p, true
		}
	}
	for k, p := range m.positions {
		if k.symbol == symbol && k.exchange == exchange {
			return p, true
		}
	}
	return model.PositionData{}, false
}

func (m *Manager) Account() (model.TradeAccount, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return model.TradeAccount{}, false
	}
	return *m.account, true
}

func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Statistics{ActiveOrders: len(m.orders)}
	st.TotalOrders = len(m.orders) + len(m.history)
	for _, tr := range m.orders {
		st.FilledVolume += tr.FilledQty
	}
	for _, h := range m.history {
		st.FilledVolume += h.FilledQty
		switch h.Status {
		case model.StatusFilled:
			st.FilledOrders++
		case model.StatusCancelled:
			st.CancelledOrders++
		case model.StatusRejected:
			st.RejectedOrders++
		}
	}
	for _, p := range m.positions {
		if p.Quantity != 0 {
			st.TotalPositions++
		}
		st.TotalUnrealizedPnL += p.UnrealizedPnL
		st.TotalRealizedPnL += p.RealizedPnL
	}
	st.NetPnL = st.TotalUnrealizedPnL + st.TotalRealizedPnL
	if st.TotalOrders > 0 {
		st.FillRate = float64(st.FilledOrders) / float64(st.TotalOrders) * 100
	}
	return st
}
