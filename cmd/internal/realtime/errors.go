package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Recv once the stream is closed by either side.
	ErrClosed = errors.New("realtime: stream closed")

	// ErrSubprotocol is returned when the server does not select the price protocol.
	ErrSubprotocol = errors.New("realtime: subprotocol not negotiated")

	// ErrHandshake is returned when the hello exchange fails.
	ErrHandshake = errors.New("realtime: handshake failed")
)

// ServerError is an error envelope sent by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("realtime: server error %s: %s", e.Code, e.Message)
}
