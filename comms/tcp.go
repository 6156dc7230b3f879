package comms

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport talks to a networked controller (Smoothieware telnet,
// FluidNC on port 23) over a plain TCP stream.
type TCPTransport struct {
	mx   sync.Mutex
	conn net.Conn
	buf  []byte
}

var _ Transport = &TCPTransport{}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{buf: make([]byte, 4096)}
}

func (t *TCPTransport) Connect(p ConnectionParams) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn != nil {
		return fmt.Errorf("dial %s: already connected", p.Port)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", p.Port, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Port, err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Disconnect() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) IsConnected() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.conn != nil
}

func (t *TCPTransport) Send(p []byte) (int, error) {
	t.mx.Lock()
	conn := t.conn
	t.mx.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(p)
}

func (t *TCPTransport) Receive() ([]byte, error) {
	t.mx.Lock()
	conn := t.conn
	t.mx.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	n, err := conn.Read(t.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, t.buf[:n])
		return out, nil
	}
	return nil, err
}
