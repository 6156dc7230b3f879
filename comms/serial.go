package comms

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// SerialTransport talks to a controller over a local serial port.
type SerialTransport struct {
	mx   sync.Mutex
	port *serial.Port
	buf  []byte
}

var _ Transport = &SerialTransport{}

func NewSerialTransport() *SerialTransport {
	return &SerialTransport{buf: make([]byte, 4096)}
}

func (s *SerialTransport) Connect(p ConnectionParams) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.port != nil {
		return fmt.Errorf("open %s: already connected", p.Port)
	}

	baud := p.BaudRate
	if baud == 0 {
		baud = 115200
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        p.Port,
		Baud:        baud,
		ReadTimeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", p.Port, err)
	}
	s.port = port
	return nil
}

func (s *SerialTransport) Disconnect() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialTransport) IsConnected() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.port != nil
}

func (s *SerialTransport) Send(p []byte) (int, error) {
	s.mx.Lock()
	port := s.port
	s.mx.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	return port.Write(p)
}

// Receive returns the next chunk of bytes from the port. Read timeouts
// are retried so a call blocks until data arrives or the port closes.
func (s *SerialTransport) Receive() ([]byte, error) {
	for {
		s.mx.Lock()
		port := s.port
		s.mx.Unlock()
		if port == nil {
			return nil, ErrNotConnected
		}

		n, err := port.Read(s.buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, s.buf[:n])
			return out, nil
		}
		if err == nil || err == io.EOF {
			// read timeout, poll again
			continue
		}
		return nil, err
	}
}
