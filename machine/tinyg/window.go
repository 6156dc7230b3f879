package tinyg

import (
	"errors"
	"sync"
)

var errWindowClosed = errors.New("tinyg: send window closed")

// window is line-mode flow control: at most size lines may be in
// flight at once, regardless of their byte length.
type window struct {
	mx   sync.Mutex
	cond *sync.Cond

	used, size int
	closed     bool
}

func newWindow(size int) *window {
	w := &window{size: size}
	w.cond = sync.NewCond(&w.mx)
	return w
}

// acquire blocks until a slot is free.
func (w *window) acquire() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	for !w.closed && w.used >= w.size {
		w.cond.Wait()
	}
	if w.closed {
		return errWindowClosed
	}
	w.used++
	return nil
}

// release frees one slot as a response is observed.
func (w *window) release() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.used > 0 {
		w.used--
		w.cond.Broadcast()
	}
}

// inFlight returns the occupied slot count.
func (w *window) inFlight() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.used
}

// clear empties the window after a reset or queue flush.
func (w *window) clear() {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.used = 0
	w.cond.Broadcast()
}

// close wakes blocked senders with an error.
func (w *window) close() {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.closed = true
	w.cond.Broadcast()
}
