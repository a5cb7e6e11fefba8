package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"sierrachart-bridge/internal/dtc"
)

type fakeConn struct {
	mu           sync.Mutex
	err          error
	connects     int
	disconnected bool
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.err
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

type fakeLoader struct {
	mu          sync.Mutex
	initialized int
	closed      bool
}

func (f *fakeLoader) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initialized++
	f.mu.Unlock()
	return nil
}

func (f *fakeLoader) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func runUntilCancelled(t *testing.T, conn *fakeConn, tm *fakeLoader, paper bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runTrading(ctx, conn, tm, paper, zaptest.NewLogger(t)) }()

	// a failed logon must not end the goroutine early
	select {
	case err := <-done:
		t.Fatalf("runTrading returned before shutdown: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("runTrading did not stop")
		return nil
	}
}

func TestRunTradingSurvivesFailedLogon(t *testing.T) {
	conn := &fakeConn{err: &dtc.TransportError{Op: "dial", Err: errors.New("connection refused")}}
	tm := &fakeLoader{}

	assert.NilError(t, runUntilCancelled(t, conn, tm, false))
	assert.Equal(t, conn.connects, 1)
	assert.Equal(t, tm.initialized, 0)
	assert.Assert(t, tm.closed)
	assert.Assert(t, conn.disconnected)
}

func TestRunTradingPaperLoadsWithoutLogon(t *testing.T) {
	conn := &fakeConn{err: &dtc.TransportError{Op: "dial", Err: errors.New("connection refused")}}
	tm := &fakeLoader{}

	assert.NilError(t, runUntilCancelled(t, conn, tm, true))
	assert.Equal(t, tm.initialized, 1)
}

func TestRunTradingInitializesAfterLogon(t *testing.T) {
	conn := &fakeConn{}
	tm := &fakeLoader{}

	assert.NilError(t, runUntilCancelled(t, conn, tm, false))
	assert.Equal(t, tm.initialized, 1)
	assert.Assert(t, conn.disconnected)
}
