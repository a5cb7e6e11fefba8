package simulator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
)

// position is signed: positive long, negative short.
type position struct {
	symbol   string
	exchange string
	qty      float64
	avgPrice float64
	realized float64
	upl      float64
}

// Exchange is an in-process paper exchange. It accepts the same order
// actions as the DTC client, fills them against the last traded price it
// has seen and reports back through dtc.Handlers.
type Exchange struct {
	cfg    service.SimulatorConfig
	logger *zap.Logger
	now    func() time.Time

	hmu      sync.RWMutex
	handlers []dtc.Handlers

	mu        sync.Mutex
	balance   float64
	fees      float64
	lastPrice map[string]float64
	resting   map[string]*dtc.OrderActionRequest
	triggered map[string]bool
	positions map[string]*position
}

func New(cfg service.SimulatorConfig, logger *zap.Logger) *Exchange {
	if cfg.Account == "" {
		cfg.Account = "PAPER"
	}
	return &Exchange{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "simulator"), zap.String("account", cfg.Account)),
		now:       time.Now,
		balance:   cfg.InitialBalance,
		lastPrice: make(map[string]float64),
		resting:   make(map[string]*dtc.OrderActionRequest),
		triggered: make(map[string]bool),
		positions: make(map[string]*position),
	}
}

func key(symbol, exchange string) string { return symbol + "@" + exchange }

func (e *Exchange) AddHandlers(h dtc.Handlers) {
	e.hmu.Lock()
	e.handlers = append(e.handlers, h)
	e.hmu.Unlock()
}

// Status always reports a live session.
func (e *Exchange) Status() model.ConnectionStatus {
	return model.ConnectionStatus{Connected: true, LastHeartbeat: e.now()}
}

// RequestAccount answers immediately with the paper account.
func (e *Exchange) RequestAccount() (uint32, error) {
	e.mu.Lock()
	acct := e.accountLocked()
	e.mu.Unlock()
	e.each(func(h dtc.Handlers) {
		if h.OnAccount != nil {
			h.OnAccount(acct)
		}
	})
	return 0, nil
}

type events struct {
	orders    []model.OrderUpdateReport
	positions []model.PositionData
	account   *model.TradeAccount
}

func (e *Exchange) SendOrderAction(req dtc.OrderActionRequest) error {
	var ev events
	e.mu.Lock()
	switch req.Action {
	case dtc.ActionNew:
		e.acceptLocked(req, &ev)
	case dtc.ActionCancel:
		if _, ok := e.resting[req.OrderID]; !ok {
			e.mu.Unlock()
			return errors.Errorf("simulator: no working order %s", req.OrderID)
		}
		delete(e.resting, req.OrderID)
		delete(e.triggered, req.OrderID)
		ev.orders = append(ev.orders, report(req, model.StatusCancelled, 0, 0, ""))
	default:
		e.mu.Unlock()
		return errors.Errorf("simulator: unsupported order action %d", req.Action)
	}
	e.mu.Unlock()

	e.publish(ev)
	return nil
}

// OnMarketData records the trade price and works resting orders against it.
// Register it on the DTC client to drive fills from live data.
func (e *Exchange) OnMarketData(u model.MarketDataUpdate) {
	price, ok := u.ClosePrice()
	if !ok || price <= 0 {
		return
	}
	var ev events
	e.mu.Lock()
	k := key(u.Symbol, u.Exchange)
	e.lastPrice[k] = price
	if p, ok := e.positions[k]; ok {
		p.upl = unrealized(p, price)
	}

	ids := make([]string, 0, len(e.resting))
	for id, r := range e.resting {
		if key(r.Symbol, r.Exchange) == k {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := e.resting[id]
		if fillPrice, ok := e.matchLocked(r, price); ok {
			delete(e.resting, id)
			delete(e.triggered, id)
			e.fillLocked(*r, fillPrice, &ev)
		}
	}
	e.mu.Unlock()

	e.publish(ev)
}

func (e *Exchange) acceptLocked(req dtc.OrderActionRequest, ev *events) {
	if req.Quantity <= 0 {
		ev.orders = append(ev.orders, report(req, model.StatusRejected, 0, 0, "quantity must be positive"))
		return
	}
	last, haveLast := e.lastPrice[key(req.Symbol, req.Exchange)]

	marginPrice := req.Price1
	if marginPrice <= 0 {
		marginPrice = last
	}
	required := req.Quantity * marginPrice * e.cfg.MarginRate
	if avail := e.availableLocked(); !e.reducesLocked(req) && required > avail {
		e.logger.Info("Paper order rejected: insufficient margin",
			zap.String("order_id", req.OrderID),
			zap.Float64("required", required),
			zap.Float64("available", avail))
		ev.orders = append(ev.orders, report(req, model.StatusRejected, 0, 0, "insufficient margin"))
		return
	}

	if req.OrderType == model.Market {
		if !haveLast {
			ev.orders = append(ev.orders, report(req, model.StatusRejected, 0, 0, "no market price"))
			return
		}
		e.fillLocked(req, last, ev)
		return
	}

	ev.orders = append(ev.orders, report(req, model.StatusPending, 0, req.Quantity, ""))
	r := req
	if haveLast {
		if fillPrice, ok := e.matchLocked(&r, last); ok {
			delete(e.triggered, r.OrderID)
			e.fillLocked(r, fillPrice, ev)
			return
		}
	}
	if req.TimeInForce == model.IOC || req.TimeInForce == model.FOK {
		delete(e.triggered, r.OrderID)
		ev.orders = append(ev.orders, report(req, model.StatusCancelled, 0, 0, "not immediately fillable"))
		return
	}
	e.resting[req.OrderID] = &r
}

// reducesLocked reports whether req only shrinks an open position.
func (e *Exchange) reducesLocked(req dtc.OrderActionRequest) bool {
	p, ok := e.positions[key(req.Symbol, req.Exchange)]
	if !ok || p.qty == 0 {
		return false
	}
	if (p.qty > 0) == (req.Side == model.Buy) {
		return false
	}
	return req.Quantity <= math.Abs(p.qty)
}

// matchLocked decides whether a working order trades at price. Stops fill
// at the trade price once crossed; a stop limit then works as a limit at
// its second price.
func (e *Exchange) matchLocked(r *dtc.OrderActionRequest, price float64) (float64, bool) {
	buy := r.Side == model.Buy
	switch r.OrderType {
	case model.Limit:
		if limitCrossed(buy, r.Price1, price) {
			return price, true
		}
	case model.Stop:
		if stopCrossed(buy, r.Price1, price) {
			return price, true
		}
	case model.StopLimit:
		if !e.triggered[r.OrderID] {
			if !stopCrossed(buy, r.Price1, price) {
				return 0, false
			}
			e.triggered[r.OrderID] = true
		}
		if limitCrossed(buy, r.Price2, price) {
			return price, true
		}
	}
	return 0, false
}

func limitCrossed(buy bool, limit, price float64) bool {
	if buy {
		return price <= limit
	}
	return price >= limit
}

func stopCrossed(buy bool, stop, price float64) bool {
	if buy {
		return price >= stop
	}
	return price <= stop
}

func (e *Exchange) fillLocked(req dtc.OrderActionRequest, price float64, ev *events) {
	k := key(req.Symbol, req.Exchange)
	p, ok := e.positions[k]
	if !ok {
		p = &position{symbol: req.Symbol, exchange: req.Exchange}
		e.positions[k] = p
	}

	fee := req.Quantity * price * e.cfg.FeeRate
	e.balance -= fee
	e.fees += fee

	delta := req.Quantity
	if req.Side == model.Sell {
		delta = -delta
	}
	switch {
	case p.qty == 0 || sameSign(p.qty, delta):
		total := math.Abs(p.qty) + req.Quantity
		p.avgPrice = (p.avgPrice*math.Abs(p.qty) + price*req.Quantity) / total
		p.qty += delta
	default:
		closed := math.Min(math.Abs(p.qty), req.Quantity)
		pnl := closedPnL(p, price, closed)
		p.realized += pnl
		e.balance += pnl
		p.qty += delta
		switch {
		case p.qty == 0:
			p.avgPrice = 0
		case !sameSign(p.qty, p.qty-delta):
			// flipped through flat; the remainder opened at this price
			p.avgPrice = price
		}
	}
	p.upl = unrealized(p, price)

	e.logger.Info("Paper order filled",
		zap.String("order_id", req.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("price", price),
		zap.Float64("fee", fee),
		zap.Float64("position", p.qty))

	fill := report(req, model.StatusFilled, req.Quantity, 0, "")
	fill.AvgFillPrice = price
	ev.orders = append(ev.orders, fill)
	ev.positions = append(ev.positions, e.positionLocked(p))
	acct := e.accountLocked()
	ev.account = &acct
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }

func closedPnL(p *position, price, qty float64) float64 {
	if p.qty > 0 {
		return (price - p.avgPrice) * qty
	}
	return (p.avgPrice - price) * qty
}

func unrealized(p *position, price float64) float64 {
	if p.qty == 0 {
		return 0
	}
	return closedPnL(p, price, math.Abs(p.qty))
}

func (e *Exchange) marginUsedLocked() float64 {
	var used float64
	for _, p := range e.positions {
		used += math.Abs(p.qty) * p.avgPrice * e.cfg.MarginRate
	}
	return used
}

func (e *Exchange) availableLocked() float64 {
	return e.balance - e.marginUsedLocked()
}

func (e *Exchange) accountLocked() model.TradeAccount {
	return model.TradeAccount{
		Account:           e.cfg.Account,
		Balance:           e.balance,
		AvailableFunds:    e.availableLocked(),
		Currency:          "USD",
		MarginRequirement: e.marginUsedLocked(),
	}
}

func (e *Exchange) positionLocked(p *position) model.PositionData {
	return model.PositionData{
		Symbol:        p.symbol,
		Exchange:      p.exchange,
		Account:       e.cfg.Account,
		Quantity:      p.qty,
		AveragePrice:  p.avgPrice,
		UnrealizedPnL: p.upl,
		RealizedPnL:   p.realized,
		UpdatedAt:     e.now(),
	}
}

// Equity is the balance plus open profit.
func (e *Exchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	eq := e.balance
	for _, p := range e.positions {
		eq += p.upl
	}
	return eq
}

// Fees returns the total commission charged so far.
func (e *Exchange) Fees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

func report(req dtc.OrderActionRequest, status model.OrderStatus, filled, remaining float64, text string) model.OrderUpdateReport {
	return model.OrderUpdateReport{
		OrderID:       req.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Status:        status,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		FilledQty:     filled,
		RemainingQty:  remaining,
		Text:          text,
	}
}

func (e *Exchange) publish(ev events) {
	for _, r := range ev.orders {
		r := r
		e.each(func(h dtc.Handlers) {
			if h.OnOrderUpdate != nil {
				h.OnOrderUpdate(r)
			}
		})
	}
	for _, p := range ev.positions {
		p := p
		e.each(func(h dtc.Handlers) {
			if h.OnPositionUpdate != nil {
				h.OnPositionUpdate(p)
			}
		})
	}
	if ev.account != nil {
		acct := *ev.account
		e.each(func(h dtc.Handlers) {
			if h.OnAccount != nil {
				h.OnAccount(acct)
			}
		})
	}
}

func (e *Exchange) each(fn func(dtc.Handlers)) {
	e.hmu.RLock()
	hs := make([]dtc.Handlers, len(e.handlers))
	copy(hs, e.handlers)
	e.hmu.RUnlock()
	for _, h := range hs {
		fn(h)
	}
}
