package dtc

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gotest.tools/assert"

	"sierrachart-bridge/internal/model"
)

type logonMode int

const (
	logonAccept logonMode = iota
	logonReject
	logonSilent
)

// fakeServer speaks just enough DTC to log clients on and record what
// they send.
type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	mode logonMode

	mu       sync.Mutex
	conns    []net.Conn
	received []Message
}

func newFakeServer(t *testing.T, mode logonMode) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	s := &fakeServer{t: t, ln: ln, mode: mode}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			return
		}
		msg, err := Decode(frame)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		if _, ok := msg.(*LogonRequest); ok {
			switch s.mode {
			case logonAccept:
				conn.Write(Encode(&LogonResponse{Success: true}))
			case logonReject:
				conn.Write(Encode(&LogonResponse{RejectReason: 1, Text: "invalid credentials"}))
			}
		}
	}
}

func (s *fakeServer) config() Config {
	addr := s.ln.Addr().(*net.TCPAddr)
	return Config{
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Username:    "user",
		Password:    "pass",
		Timeout:     time.Second,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
	}
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) lastConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) count(mt MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m.Type() == mt {
			n++
		}
	}
	return n
}

func (s *fakeServer) push(m Message) {
	_, err := s.lastConn().Write(Encode(m))
	assert.NilError(s.t, err)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectLogon(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	c := NewClient(srv.config(), zap.NewNop())
	defer c.Disconnect()

	var statuses []model.ConnectionStatus
	var mu sync.Mutex
	c.AddHandlers(Handlers{OnStatusChange: func(s model.ConnectionStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}})

	assert.NilError(t, c.Connect(context.Background()))
	st := c.Status()
	assert.Assert(t, st.Connected)
	assert.Equal(t, st.ReconnectAttempts, 0)
	assert.Assert(t, !st.LastHeartbeat.IsZero())

	waitFor(t, "logon request", func() bool { return srv.count(TypeLogonRequest) == 1 })
	srv.mu.Lock()
	logon := srv.received[0].(*LogonRequest)
	srv.mu.Unlock()
	assert.Equal(t, logon.Username, "user")
	assert.Equal(t, logon.Password, "pass")

	mu.Lock()
	assert.Equal(t, len(statuses), 1)
	assert.Assert(t, statuses[0].Connected)
	mu.Unlock()
}

func TestConnectRejected(t *testing.T) {
	srv := newFakeServer(t, logonReject)
	cfg := srv.config()
	cfg.AutoReconnect = true
	c := NewClient(cfg, zap.NewNop())
	defer c.Disconnect()

	err := c.Connect(context.Background())
	var authErr *AuthenticationError
	assert.Assert(t, errors.As(err, &authErr))
	assert.Equal(t, authErr.Text, "invalid credentials")
	assert.Assert(t, !c.Status().Connected)
	assert.Assert(t, strings.Contains(c.Status().LastError, "invalid credentials"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, srv.connCount(), 1)
}

func TestConnectLogonTimeout(t *testing.T) {
	srv := newFakeServer(t, logonSilent)
	cfg := srv.config()
	cfg.Timeout = 100 * time.Millisecond
	c := NewClient(cfg, zap.NewNop())
	defer c.Disconnect()

	err := c.Connect(context.Background())
	assert.Assert(t, errors.Is(err, ErrLogonTimeout), err)
	assert.Assert(t, !c.Status().Connected)
}

func TestConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewClient(Config{Host: "127.0.0.1", Port: port, Timeout: time.Second}, zap.NewNop())
	err = c.Connect(context.Background())
	var terr *TransportError
	assert.Assert(t, errors.As(err, &terr))
	assert.Equal(t, terr.Op, "dial")
}

func TestSendRequiresConnection(t *testing.T) {
	c := NewClient(Config{Host: "127.0.0.1", Port: 1}, zap.NewNop())
	assert.Assert(t, errors.Is(c.RequestMarketData(MarketDataRequest{Symbol: "ES"}), ErrNotConnected))
	_, err := c.RequestAccount()
	assert.Assert(t, errors.Is(err, ErrNotConnected))
	assert.Assert(t, errors.Is(c.SendOrderAction(OrderActionRequest{Action: ActionNew}), ErrNotConnected))
}

func TestDispatch(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	c := NewClient(srv.config(), zap.NewNop())
	defer c.Disconnect()

	updates := make(chan model.MarketDataUpdate, 4)
	orders := make(chan model.OrderUpdateReport, 1)
	positions := make(chan model.PositionData, 1)
	accounts := make(chan model.TradeAccount, 1)
	errs := make(chan error, 8)

	c.AddHandlers(Handlers{OnMarketData: func(model.MarketDataUpdate) { panic("boom") }})
	c.AddHandlers(Handlers{
		OnMarketData:     func(u model.MarketDataUpdate) { updates <- u },
		OnOrderUpdate:    func(r model.OrderUpdateReport) { orders <- r },
		OnPositionUpdate: func(p model.PositionData) { positions <- p },
		OnAccount:        func(a model.TradeAccount) { accounts <- a },
		OnError:          func(err error) { errs <- err },
	})
	assert.NilError(t, c.Connect(context.Background()))

	// malformed frames first: the connection must survive them
	unknown := make([]byte, 12)
	le.PutUint16(unknown, 999)
	le.PutUint32(unknown[4:], 12)
	short := make([]byte, 20)
	le.PutUint16(short, uint16(TypeMarketDataUpdate))
	le.PutUint32(short[4:], 20)
	conn := srv.lastConn()
	_, err := conn.Write(append(unknown, short...))
	assert.NilError(t, err)

	srv.push(&MarketDataUpdate{model.MarketDataUpdate{Symbol: "ESZ25", Exchange: "CME", LastPrice: model.Float(5000)}})
	srv.push(&OrderUpdateReport{model.OrderUpdateReport{OrderID: "o1", Status: model.StatusFilled}})
	srv.push(&PositionUpdateReport{model.PositionData{Symbol: "ESZ25", Exchange: "CME", Account: "A", Quantity: 1}})
	srv.push(&TradeAccountResponse{model.TradeAccount{Account: "A", Balance: 10}})
	srv.push(&GeneralError{Code: 9, Text: "oops"})

	select {
	case u := <-updates:
		assert.Equal(t, u.Symbol, "ESZ25")
		assert.Equal(t, *u.LastPrice, 5000.0)
		assert.Assert(t, !u.ReceivedAt.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("no market data update")
	}
	assert.Equal(t, (<-orders).Status, model.StatusFilled)
	assert.Equal(t, (<-positions).Quantity, 1.0)
	assert.Equal(t, (<-accounts).Account, "A")

	var protocolErrs int
	var serverErr *ServerError
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			var perr *ProtocolError
			if errors.As(err, &perr) {
				protocolErrs++
			}
			errors.As(err, &serverErr)
		case <-time.After(3 * time.Second):
			t.Fatal("missing error event")
		}
	}
	assert.Equal(t, protocolErrs, 2)
	assert.Assert(t, serverErr != nil)
	assert.Equal(t, serverErr.Code, uint16(9))
	assert.Assert(t, c.Status().Connected)
}

func TestInboundHeartbeatUpdatesStatus(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	c := NewClient(srv.config(), zap.NewNop())
	defer c.Disconnect()
	assert.NilError(t, c.Connect(context.Background()))

	before := c.Status().LastHeartbeat
	time.Sleep(10 * time.Millisecond)
	srv.push(&Heartbeat{Timestamp: time.Now().UnixMilli()})
	waitFor(t, "heartbeat", func() bool { return c.Status().LastHeartbeat.After(before) })
}

func TestHeartbeatsSent(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	cfg := srv.config()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c := NewClient(cfg, zap.NewNop())
	defer c.Disconnect()
	assert.NilError(t, c.Connect(context.Background()))

	waitFor(t, "heartbeats", func() bool { return srv.count(TypeHeartbeat) >= 2 })
}

func TestReconnectAfterServerClose(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	cfg := srv.config()
	cfg.AutoReconnect = true
	c := NewClient(cfg, zap.NewNop())
	defer c.Disconnect()

	var mu sync.Mutex
	var seen []bool
	c.AddHandlers(Handlers{OnStatusChange: func(s model.ConnectionStatus) {
		mu.Lock()
		seen = append(seen, s.Connected)
		mu.Unlock()
	}})
	assert.NilError(t, c.Connect(context.Background()))

	for cycle := 1; cycle <= 3; cycle++ {
		srv.lastConn().Close()
		waitFor(t, "reconnect "+strconv.Itoa(cycle), func() bool {
			return srv.connCount() == cycle+1 && c.Status().Connected
		})
		assert.Equal(t, c.Status().ReconnectAttempts, 0)
	}

	mu.Lock()
	assert.DeepEqual(t, seen, []bool{true, false, true, false, true, false, true})
	mu.Unlock()
	assert.Equal(t, srv.count(TypeLogonRequest), 4)
}

func TestLivenessTimeout(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	cfg := srv.config()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	c := NewClient(cfg, zap.NewNop())
	defer c.Disconnect()

	assert.NilError(t, c.Connect(context.Background()))
	waitFor(t, "liveness close", func() bool { return !c.Status().Connected })
	assert.Equal(t, srv.connCount(), 1)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	srv := newFakeServer(t, logonAccept)
	cfg := srv.config()
	cfg.AutoReconnect = true
	cfg.BackoffBase = 50 * time.Millisecond
	c := NewClient(cfg, zap.NewNop())
	assert.NilError(t, c.Connect(context.Background()))

	srv.lastConn().Close()
	waitFor(t, "disconnect", func() bool { return !c.Status().Connected })
	c.Disconnect()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, srv.connCount(), 1)
	assert.Assert(t, !c.Status().Connected)
}
