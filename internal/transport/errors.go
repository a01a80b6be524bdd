package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send after Close or after the peer went away.
	ErrClosed = errors.New("transport: connection closed")
	// ErrInvalidEndpoint marks endpoints that can never be dialed.
	ErrInvalidEndpoint = errors.New("transport: invalid endpoint")
)

// ConnectError reports a failed Open. Fatal errors (rejected handshake,
// malformed endpoint) will not succeed on retry.
type ConnectError struct {
	Endpoint   string
	StatusCode int // HTTP status of a rejected handshake, 0 otherwise
	Fatal      bool
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: connect %s: handshake rejected with status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed outbound frame.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("transport: send: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a ConnectError that must not be retried.
func IsFatal(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Fatal
}
