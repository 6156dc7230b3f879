package event

import (
	"fmt"
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Dispatcher fans events and messages out to subscribers. Publishing
// never blocks: a full subscriber buffer drops the event for that
// subscriber only (at-most-once, best effort).
type Dispatcher struct {
	mx sync.Mutex

	nextID int
	events map[int]chan Event
	msgs   map[int]chan Message
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		events: make(map[int]chan Event),
		msgs:   make(map[int]chan Message),
	}
}

// Subscribe returns a channel of future events and a cancel func. The
// channel is closed on cancel.
func (d *Dispatcher) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan Event, buf)

	d.mx.Lock()
	d.nextID++
	id := d.nextID
	d.events[id] = ch
	d.mx.Unlock()

	return ch, func() {
		d.mx.Lock()
		defer d.mx.Unlock()
		if _, ok := d.events[id]; !ok {
			return
		}
		delete(d.events, id)
		close(ch)
	}
}

// SubscribeMessages is Subscribe for the log message stream.
func (d *Dispatcher) SubscribeMessages(buf int) (<-chan Message, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan Message, buf)

	d.mx.Lock()
	d.nextID++
	id := d.nextID
	d.msgs[id] = ch
	d.mx.Unlock()

	return ch, func() {
		d.mx.Lock()
		defer d.mx.Unlock()
		if _, ok := d.msgs[id]; !ok {
			return
		}
		delete(d.msgs, id)
		close(ch)
	}
}

// Publish delivers e to every subscriber that has room for it.
func (d *Dispatcher) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mx.Lock()
	defer d.mx.Unlock()
	for _, ch := range d.events {
		select {
		case ch <- e:
		default:
		}
	}
}

// Log formats and delivers a Message to message subscribers.
func (d *Dispatcher) Log(level Level, source, format string, args ...interface{}) {
	m := Message{
		Time:   time.Now(),
		Level:  level,
		Source: source,
		Text:   fmt.Sprintf(format, args...),
	}

	d.mx.Lock()
	defer d.mx.Unlock()
	for _, ch := range d.msgs {
		select {
		case ch <- m:
		default:
		}
	}
}
