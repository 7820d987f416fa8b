package ble

import (
	"errors"
	"fmt"
)

// Connection error kinds. Timeout is retryable and leaves the connection
// up; link loss triggers the reconnect loop.
var (
	ErrTimeout          = errors.New("operation timed out")
	ErrLinkLost         = errors.New("link lost")
	ErrNotFound         = errors.New("device not found")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrPermissionDenied = errors.New("permission denied")
)

// Protocol error kinds: the wire responded, but not with what the protocol
// state machine expected.
var (
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrUnsupportedParam   = errors.New("parameter not supported by device type")
	ErrCountMismatch      = errors.New("history count mismatch")
)

// ConnError wraps a connection-level failure with the operation that hit it.
type ConnError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Kind)
}

func (e *ConnError) Unwrap() error { return e.Kind }

func connErr(op string, kind, cause error) *ConnError {
	return &ConnError{Op: op, Kind: kind, Err: cause}
}

// ProtocolError wraps an unexpected-response failure from the history or
// settings protocol.
type ProtocolError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Kind)
}

func (e *ProtocolError) Unwrap() error { return e.Kind }

func protoErr(op string, kind, cause error) *ProtocolError {
	return &ProtocolError{Op: op, Kind: kind, Err: cause}
}
