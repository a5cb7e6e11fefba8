package dtc

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
)

// Config describes one DTC server connection.
type Config struct {
	Host              string
	Port              int
	Username          string
	Password          string
	AutoReconnect     bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Timeout           time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// NewConfig maps the loaded settings onto a client Config.
func NewConfig(sc service.SierraChartConfig) Config {
	return Config{
		Host:              sc.Host,
		Port:              sc.Port,
		Username:          sc.Username,
		Password:          sc.Password,
		AutoReconnect:     sc.AutoReconnect,
		HeartbeatInterval: sc.HeartbeatInterval,
		HeartbeatTimeout:  sc.HeartbeatTimeout,
		Timeout:           sc.Timeout,
	}
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Backoff returns the delay before reconnect attempt n (counting from 0):
// base doubled n times, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Handlers receives client events. Nil fields are skipped. Handlers run on
// the connection's reader goroutine and must not block for long.
type Handlers struct {
	OnMarketData       func(model.MarketDataUpdate)
	OnMarketDataReject func(MarketDataReject)
	OnAccount          func(model.TradeAccount)
	OnOrderUpdate      func(model.OrderUpdateReport)
	OnPositionUpdate   func(model.PositionData)
	OnStatusChange     func(model.ConnectionStatus)
	OnError            func(error)
}

type session struct {
	conn  net.Conn
	logon chan *LogonResponse
	done  chan struct{}
	once  sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Client owns a single DTC connection: logon, heartbeats, reconnects and
// event fan-out.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	sess           *session
	status         model.ConnectionStatus
	lastRecv       time.Time
	stopped        bool
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers []Handlers

	requestID atomic.Uint32
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dtc"), zap.String("addr", cfg.addr())),
	}
}

// AddHandlers registers another event listener.
func (c *Client) AddHandlers(h Handlers) {
	c.hmu.Lock()
	c.handlers = append(c.handlers, h)
	c.hmu.Unlock()
}

// Status returns a snapshot of the connection health.
func (c *Client) Status() model.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) NextRequestID() uint32 {
	return c.requestID.Add(1)
}

// Connect dials the server and blocks until the logon is accepted, rejected
// or the configured timeout passes. A failed Connect is not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.cancelReconnectLocked()
	c.mu.Unlock()
	return c.connect(ctx, false)
}

// Disconnect closes the connection and cancels heartbeat and reconnect timers.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.cancelReconnectLocked()
	sess := c.sess
	c.sess = nil
	wasConnected := c.status.Connected
	c.status.Connected = false
	status := c.status
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if wasConnected {
		connectedState.Set(0)
		c.logger.Info("Disconnected from DTC server")
		c.emitStatus(status)
	}
}

func (c *Client) RequestMarketData(req MarketDataRequest) error {
	return c.send(&req)
}

// RequestAccount asks for the trade account; the answer arrives via OnAccount.
func (c *Client) RequestAccount() (uint32, error) {
	id := c.NextRequestID()
	return id, c.send(&TradeAccountRequest{RequestID: id})
}

func (c *Client) SendOrderAction(req OrderActionRequest) error {
	if req.RequestID == 0 {
		req.RequestID = c.NextRequestID()
	}
	return c.send(&req)
}

func (c *Client) connect(ctx context.Context, reconnecting bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.logger.Info("Connecting to DTC server")
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		return c.fail(&TransportError{Op: "dial", Err: err})
	}

	sess := &session{
		conn:  conn,
		logon: make(chan *LogonResponse, 1),
		done:  make(chan struct{}),
	}
	c.mu.Lock()
	if reconnecting && c.stopped {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	old := c.sess
	c.sess = sess
	c.lastRecv = time.Now()
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	go c.readLoop(sess)

	logon := &LogonRequest{
		Username:             c.cfg.Username,
		Password:             c.cfg.Password,
		HeartbeatIntervalSec: uint32(c.cfg.HeartbeatInterval / time.Second),
	}
	if err := c.writeTo(sess, logon); err != nil {
		c.drop(sess)
		return c.fail(&TransportError{Op: "logon", Err: err})
	}

	select {
	case resp := <-sess.logon:
		if !resp.Success {
			c.drop(sess)
			return c.fail(&AuthenticationError{Reason: resp.RejectReason, Text: resp.Text})
		}
	case <-sess.done:
		c.drop(sess)
		return c.fail(&TransportError{Op: "logon", Err: errors.New("connection closed")})
	case <-ctx.Done():
		c.drop(sess)
		return c.fail(errors.WithMessage(ErrLogonTimeout, ctx.Err().Error()))
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.status.Connected = true
	c.status.LastHeartbeat = time.Now()
	c.status.ReconnectAttempts = 0
	c.status.LastError = ""
	status := c.status
	c.mu.Unlock()

	connectedState.Set(1)
	c.logger.Info("Logged on to DTC server")
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(sess)
	}
	c.emitStatus(status)
	return nil
}

// drop discards a session that never finished logging on.
func (c *Client) drop(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	sess.close()
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
	c.logger.Error("DTC connect failed", zap.Error(err))
	c.emitError(err)
	return err
}

func (c *Client) handleDisconnect(sess *session, err error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	wasConnected := c.status.Connected
	c.status.Connected = false
	c.status.LastError = err.Error()
	status := c.status
	if wasConnected && c.cfg.AutoReconnect && !c.stopped {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	sess.close()
	if wasConnected {
		connectedState.Set(0)
		c.logger.Warn("Connection to DTC server lost", zap.Error(err))
		c.emitStatus(status)
		c.emitError(err)
	}
}

func (c *Client) scheduleReconnectLocked() {
	delay := Backoff(c.status.ReconnectAttempts, c.cfg.BackoffBase, c.cfg.BackoffMax)
	c.logger.Info("Scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.status.ReconnectAttempts+1))
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.stopped || c.sess != nil {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.status.ReconnectAttempts++
	c.mu.Unlock()
	reconnectAttempts.Inc()

	err := c.connect(context.Background(), true)
	if err == nil {
		return
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		c.logger.Error("Logon rejected while reconnecting, giving up")
		return
	}

	c.mu.Lock()
	if !c.stopped && c.sess == nil && c.cfg.AutoReconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

func (c *Client) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case now := <-ticker.C:
			if c.cfg.HeartbeatTimeout > 0 {
				c.mu.Lock()
				silent := now.Sub(c.lastRecv)
				c.mu.Unlock()
				if silent > c.cfg.HeartbeatTimeout {
					c.logger.Warn("Server silent past heartbeat timeout, closing connection",
						zap.Duration("silent", silent))
					// the reader sees the close and takes the reconnect path
					sess.conn.Close()
					return
				}
			}
			if err := c.writeTo(sess, &Heartbeat{Timestamp: now.UnixMilli()}); err != nil {
				c.logger.Debug("Heartbeat send failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) readLoop(sess *session) {
	r := bufio.NewReader(sess.conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.dropFrame(perr)
				continue
			}
			c.handleDisconnect(sess, &TransportError{Op: "read", Err: err})
			return
		}

		c.mu.Lock()
		c.lastRecv = time.Now()
		c.mu.Unlock()

		msg, err := Decode(frame)
		if err != nil {
			c.dropFrame(err)
			continue
		}
		frameCounters.WithLabelValues("in", msg.Type().String()).Inc()
		c.dispatch(sess, msg)
	}
}

func (c *Client) dropFrame(err error) {
	protocolErrors.Inc()
	c.logger.Warn("Dropping malformed frame", zap.Error(err))
	c.emitError(err)
}

func (c *Client) dispatch(sess *session, msg Message) {
	switch m := msg.(type) {
	case *LogonResponse:
		select {
		case sess.logon <- m:
		default:
		}
	case *Heartbeat:
		c.mu.Lock()
		c.status.LastHeartbeat = time.Now()
		c.mu.Unlock()
	case *MarketDataUpdate:
		u := m.MarketDataUpdate
		u.ReceivedAt = time.Now()
		c.each("marketData", func(h Handlers) {
			if h.OnMarketData != nil {
				h.OnMarketData(u)
			}
		})
	case *MarketDataReject:
		c.logger.Warn("Market data request rejected",
			zap.Uint32("request_id", m.RequestID),
			zap.Uint16("code", m.ReasonCode),
			zap.String("text", m.Text))
		reject := *m
		c.each("marketDataReject", func(h Handlers) {
			if h.OnMarketDataReject != nil {
				h.OnMarketDataReject(reject)
			}
		})
	case *TradeAccountResponse:
		acct := m.TradeAccount
		c.each("account", func(h Handlers) {
			if h.OnAccount != nil {
				h.OnAccount(acct)
			}
		})
	case *OrderUpdateReport:
		report := m.OrderUpdateReport
		c.each("orderUpdate", func(h Handlers) {
			if h.OnOrderUpdate != nil {
				h.OnOrderUpdate(report)
			}
		})
	case *PositionUpdateReport:
		pos := m.PositionData
		pos.UpdatedAt = time.Now()
		c.each("positionUpdate", func(h Handlers) {
			if h.OnPositionUpdate != nil {
				h.OnPositionUpdate(pos)
			}
		})
	case *GeneralError:
		err := &ServerError{Code: m.Code, Text: m.Text}
		c.logger.Warn("Server reported error", zap.Error(err))
		c.emitError(err)
	default:
		c.logger.Debug("Ignoring unexpected message", zap.Stringer("type", msg.Type()))
	}
}

func (c *Client) emitStatus(status model.ConnectionStatus) {
	c.each("statusChange", func(h Handlers) {
		if h.OnStatusChange != nil {
			h.OnStatusChange(status)
		}
	})
}

func (c *Client) emitError(err error) {
	c.each("error", func(h Handlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

// each calls fn for every registered listener. A panicking listener is
// logged and does not stop delivery to the rest.
func (c *Client) each(event string, fn func(Handlers)) {
	c.hmu.RLock()
	hs := append([]Handlers(nil), c.handlers...)
	c.hmu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Event handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			fn(h)
		}()
	}
}

func (c *Client) send(m Message) error {
	c.mu.Lock()
	sess := c.sess
	connected := c.status.Connected
	c.mu.Unlock()
	if sess == nil || !connected {
		return ErrNotConnected
	}
	if err := c.writeTo(sess, m); err != nil {
		sess.conn.Close()
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Client) writeTo(sess *session, m Message) error {
	frame := Encode(m)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := sess.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return err
	}
	if _, err := sess.conn.Write(frame); err != nil {
		return err
	}
	frameCounters.WithLabelValues("out", m.Type().String()).Inc()
	c.logger.Debug("Frame sent", zap.Stringer("type", m.Type()))
	return nil
}
