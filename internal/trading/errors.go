package trading

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTradingDisabled = errors.New("trading: disabled")
	ErrNotReady        = errors.New("trading: account not loaded")
	ErrUnknownOrder    = errors.New("trading: order not found")
	ErrOrderTerminal   = errors.New("trading: order already final")
	ErrNotModifiable   = errors.New("trading: order cannot be modified")
	ErrNoPosition      = errors.New("trading: no open position")
	ErrRiskRejected    = errors.New("trading: rejected by risk check")
	ErrAccountTimeout  = errors.New("trading: timed out waiting for account")
)

// ValidationError is a bad order parameter, caught before anything is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trading: invalid %s: %s", e.Field, e.Reason)
}
