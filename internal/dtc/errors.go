package dtc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected = errors.New("dtc: not connected")
	ErrLogonTimeout = errors.New("dtc: logon timed out")
)

// TransportError is a socket-level failure. It drives the reconnect path.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dtc transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a frame that could not be decoded. The frame is
// dropped; the connection stays up.
type ProtocolError struct {
	Type   MessageType
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dtc protocol error (%s): %s", e.Type, e.Reason)
}

// AuthenticationError is returned when the server rejects the logon.
type AuthenticationError struct {
	Reason uint8
	Text   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("dtc logon rejected (reason %d): %s", e.Reason, e.Text)
}

// ServerError is a GeneralError message pushed by the server.
type ServerError struct {
	Code uint16
	Text string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("dtc server error %d: %s", e.Code, e.Text)
}
