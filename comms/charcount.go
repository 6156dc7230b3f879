package comms

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// DefaultRxBufferSize is the grbl serial receive buffer size.
const DefaultRxBufferSize = 128

// Realtime command bytes understood outside the line-buffered stream.
const (
	RealtimeStatusQuery = '?'
	RealtimeFeedHold    = '!'
	RealtimeCycleStart  = '~'
	RealtimeSoftReset   = 0x18
	RealtimeJogCancel   = 0x85
)

// ErrCommandTooLong is returned for a command that can never fit the
// device receive buffer.
var ErrCommandTooLong = errors.New("comms: command exceeds device buffer")

// CharCountConn wraps a Transport with character-counting flow control:
// it tracks every byte sent but not yet acknowledged and refuses to let
// the total exceed the device receive buffer. Single-byte realtime
// commands bypass the accounting entirely.
//
// The caller is responsible for feeding acknowledgments back via
// AckOldest as "ok"/"error:" lines are observed.
type CharCountConn struct {
	t        Transport
	rxBuffer int

	mx   sync.Mutex
	cond *sync.Cond

	pending int
	acked   int
	ledger  []int
	closed  bool

	readBuf []byte
}

func NewCharCountConn(t Transport, rxBuffer int) *CharCountConn {
	if rxBuffer <= 0 {
		rxBuffer = DefaultRxBufferSize
	}
	c := &CharCountConn{t: t, rxBuffer: rxBuffer}
	c.cond = sync.NewCond(&c.mx)
	return c
}

func (c *CharCountConn) Transport() Transport { return c.t }

// Pending returns the number of bytes sent but not yet acknowledged.
func (c *CharCountConn) Pending() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.pending
}

// Acked returns the total number of bytes acknowledged since the last
// Clear.
func (c *CharCountConn) Acked() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.acked
}

// Available returns the device buffer space not consumed by pending
// bytes.
func (c *CharCountConn) Available() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.rxBuffer - c.pending
}

// Ready reports whether a command of n bytes (terminator included)
// could be sent right now without overrunning the device buffer.
func (c *CharCountConn) Ready(n int) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.pending+n <= c.rxBuffer
}

// Send transmits one command line, blocking until the device buffer has
// room for it. A trailing newline is added if missing. A transport
// failure leaves the counters untouched.
func (c *CharCountConn) Send(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n := len(line)
	if n > c.rxBuffer {
		return ErrCommandTooLong
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	for !c.closed && c.pending+n > c.rxBuffer {
		c.cond.Wait()
	}
	if c.closed {
		return ErrClosed
	}

	_, err := c.t.Send([]byte(line))
	if err != nil {
		return err
	}
	c.pending += n
	c.ledger = append(c.ledger, n)
	return nil
}

// TrySend is like Send but fails immediately with ok=false instead of
// blocking when the buffer is full.
func (c *CharCountConn) TrySend(line string) (ok bool, err error) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n := len(line)
	if n > c.rxBuffer {
		return false, ErrCommandTooLong
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if c.pending+n > c.rxBuffer {
		return false, nil
	}

	_, err = c.t.Send([]byte(line))
	if err != nil {
		return false, err
	}
	c.pending += n
	c.ledger = append(c.ledger, n)
	return true, nil
}

// SendRealtime writes a single realtime byte immediately, with no
// buffer accounting.
func (c *CharCountConn) SendRealtime(b byte) error {
	_, err := c.t.Send([]byte{b})
	return err
}

// AckOldest consumes one acknowledgment: the oldest outstanding line is
// removed from the ledger and its length freed from the pending count.
// It returns the number of bytes freed, or 0 if nothing was pending.
func (c *CharCountConn) AckOldest() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.ledger) == 0 {
		return 0
	}
	n := c.ledger[0]
	c.ledger = c.ledger[1:]
	if n > c.pending {
		n = c.pending
	}
	c.pending -= n
	c.acked += n
	c.cond.Broadcast()
	return n
}

// Clear resets all counters and wakes blocked senders. Used after a
// soft reset or reconnect, when the device buffer is known empty.
func (c *CharCountConn) Clear() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.pending = 0
	c.acked = 0
	c.ledger = nil
	c.cond.Broadcast()
}

// Close wakes any blocked senders and disconnects the transport.
func (c *CharCountConn) Close() error {
	c.mx.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mx.Unlock()
	return c.t.Disconnect()
}

// ReadLine assembles and returns the next newline-terminated line from
// the transport, with line endings stripped.
func (c *CharCountConn) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(c.readBuf, '\n'); i >= 0 {
			line := c.readBuf[:i]
			c.readBuf = c.readBuf[i+1:]
			return string(bytes.TrimRight(line, "\r")), nil
		}

		chunk, err := c.t.Receive()
		if err != nil {
			return "", err
		}
		c.readBuf = append(c.readBuf, chunk...)
	}
}
