package command

import (
	"time"
)

// State is the lifecycle state of a queued command.
type State int

const (
	StatePending State = iota
	StateSent
	StateOk
	StateDone
	StateError
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateSent:
		return "Sent"
	case StateOk:
		return "Ok"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	case StateSkipped:
		return "Skipped"
	}
	return "Unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateSkipped:
		return true
	}
	return false
}

// Response is the firmware's answer to a command.
type Response struct {
	Success   bool
	Message   string
	ErrorCode int
}

// Command is one G-code line moving through the send pipeline. All
// state transitions go through a Tracker; nothing mutates a Command
// directly.
type Command struct {
	ID   int64
	Text string

	// Seq is the monotonic submission order within a connection.
	Seq int64

	State State

	CreatedAt   time.Time
	SentAt      time.Time
	CompletedAt time.Time

	Response *Response
}

// A Listener is notified on every command transition. Callbacks run on
// the goroutine driving the tracker and receive a snapshot copy.
type Listener interface {
	OnCommandSent(Command)
	OnCommandOk(Command)
	OnCommandError(Command)
	OnCommandCompleted(Command)
	OnCommandSkipped(Command)
	OnCommandStateChanged(Command)
}

// NopListener may be embedded to implement only some callbacks.
type NopListener struct{}

func (NopListener) OnCommandSent(Command)         {}
func (NopListener) OnCommandOk(Command)           {}
func (NopListener) OnCommandError(Command)        {}
func (NopListener) OnCommandCompleted(Command)    {}
func (NopListener) OnCommandSkipped(Command)      {}
func (NopListener) OnCommandStateChanged(Command) {}
