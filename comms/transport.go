package comms

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when an operation requires an open
	// connection and there is none.
	ErrNotConnected = errors.New("comms: not connected")

	// ErrClosed is returned from blocked operations when the
	// connection is torn down underneath them.
	ErrClosed = errors.New("comms: connection closed")
)

// ConnectionParams selects the device endpoint for a Transport.
type ConnectionParams struct {
	// Port is a serial device path, a host:port pair, or a ws:// URL
	// depending on the transport.
	Port string

	BaudRate int

	Timeout time.Duration
}

// A Transport moves raw bytes to and from a controller. It has no
// knowledge of the wire protocol.
type Transport interface {
	Connect(p ConnectionParams) error
	Disconnect() error
	IsConnected() bool

	Send(p []byte) (int, error)
	Receive() ([]byte, error)
}
