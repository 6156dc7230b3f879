package command

import (
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrNotPending is returned when MarkSent finds the command in the
	// wrong state.
	ErrNotPending = errors.New("command: not pending")

	// ErrNoneInFlight is returned by Resolve when no Sent command
	// remains to attribute a response to.
	ErrNoneInFlight = errors.New("command: no command in flight")
)

// Tracker owns the ordered queue of in-flight commands for one
// connection. Firmware responses carry no command identity, so
// resolution is strictly FIFO against the Sent subset of the queue.
type Tracker struct {
	mx sync.Mutex

	nextID  int64
	nextSeq int64

	queue     []*Command
	listeners []Listener
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// AddListener registers l for all future transitions.
func (t *Tracker) AddListener(l Listener) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.listeners = append(t.listeners, l)
}

// RemoveListener unregisters a previously added listener.
func (t *Tracker) RemoveListener(l Listener) {
	t.mx.Lock()
	defer t.mx.Unlock()
	for i, reg := range t.listeners {
		if reg == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Enqueue creates a Pending command for text and returns its ID.
func (t *Tracker) Enqueue(text string) int64 {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.nextID++
	t.nextSeq++
	cmd := &Command{
		ID:        t.nextID,
		Seq:       t.nextSeq,
		Text:      text,
		State:     StatePending,
		CreatedAt: time.Now(),
	}
	t.queue = append(t.queue, cmd)
	return cmd.ID
}

// MarkSent transitions a Pending command to Sent.
func (t *Tracker) MarkSent(id int64) error {
	t.mx.Lock()
	defer t.mx.Unlock()

	cmd := t.byID(id)
	if cmd == nil || cmd.State != StatePending {
		return ErrNotPending
	}
	cmd.State = StateSent
	cmd.SentAt = time.Now()
	t.notify(cmd, func(l Listener, c Command) { l.OnCommandSent(c) })
	return nil
}

// Resolve attributes resp to the oldest Sent command, moving it to its
// terminal state. Responses arrive in submission order, so the oldest
// Sent command is always the right one.
func (t *Tracker) Resolve(resp Response) (Command, error) {
	t.mx.Lock()
	defer t.mx.Unlock()

	cmd := t.oldestSent()
	if cmd == nil {
		return Command{}, ErrNoneInFlight
	}
	if cmd.State.Terminal() {
		// should be unreachable; resolving twice is a logic error
		log.Printf("ERROR: command %d resolved twice (state %s)", cmd.ID, cmd.State)
		return *cmd, errors.New("command: already resolved")
	}

	r := resp
	cmd.Response = &r
	if resp.Success {
		cmd.State = StateOk
		t.notify(cmd, func(l Listener, c Command) { l.OnCommandOk(c) })
		cmd.State = StateDone
	} else {
		cmd.State = StateError
		t.notify(cmd, func(l Listener, c Command) { l.OnCommandError(c) })
	}
	t.complete(cmd)
	t.drop(cmd.ID)
	return *cmd, nil
}

// SkipPending moves every non-terminal command to Skipped. Used on
// disconnect and reset: the firmware never evaluated these commands, so
// they end Skipped rather than Error.
func (t *Tracker) SkipPending() []Command {
	t.mx.Lock()
	defer t.mx.Unlock()

	var skipped []Command
	for _, cmd := range t.queue {
		if cmd.State.Terminal() {
			continue
		}
		cmd.State = StateSkipped
		t.notify(cmd, func(l Listener, c Command) { l.OnCommandSkipped(c) })
		t.complete(cmd)
		skipped = append(skipped, *cmd)
	}
	t.queue = t.queue[:0]
	return skipped
}

// InFlight returns the number of commands not yet in a terminal state.
func (t *Tracker) InFlight() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	var n int
	for _, cmd := range t.queue {
		if !cmd.State.Terminal() {
			n++
		}
	}
	return n
}

// Get returns a snapshot of a queued command.
func (t *Tracker) Get(id int64) (Command, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	cmd := t.byID(id)
	if cmd == nil {
		return Command{}, false
	}
	return *cmd, true
}

func (t *Tracker) byID(id int64) *Command {
	for _, cmd := range t.queue {
		if cmd.ID == id {
			return cmd
		}
	}
	return nil
}

func (t *Tracker) oldestSent() *Command {
	for _, cmd := range t.queue {
		if cmd.State == StateSent {
			return cmd
		}
	}
	return nil
}

// complete stamps CompletedAt exactly once, on first arrival at a
// terminal state.
func (t *Tracker) complete(cmd *Command) {
	if !cmd.CompletedAt.IsZero() {
		return
	}
	cmd.CompletedAt = time.Now()
	t.notify(cmd, func(l Listener, c Command) { l.OnCommandCompleted(c) })
}

func (t *Tracker) drop(id int64) {
	for i, cmd := range t.queue {
		if cmd.ID == id {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

func (t *Tracker) notify(cmd *Command, fn func(Listener, Command)) {
	snap := *cmd
	for _, l := range t.listeners {
		fn(l, snap)
		l.OnCommandStateChanged(snap)
	}
}
