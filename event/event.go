package event

import (
	"fmt"
	"time"

	"github.com/mastercactapus/cnclink/coord"
)

// Type tags an Event.
type Type string

const (
	TypeConnected      Type = "connected"
	TypeDisconnected   Type = "disconnected"
	TypeStateChanged   Type = "state-changed"
	TypeStatusChanged  Type = "status-changed"
	TypeAlarm          Type = "alarm"
	TypeError          Type = "error"
	TypeCommandDone    Type = "command-complete"
	TypePosition       Type = "position"
	TypeFeedRate       Type = "feed-rate"
	TypeSpindleSpeed   Type = "spindle-speed"
	TypeProbe          Type = "probe"
	TypeStreamProgress Type = "stream-progress"
)

// Event is a state-change notification fanned out to subscribers.
// Delivery is best effort: a subscriber that cannot keep up misses
// events, and late subscribers never see earlier ones.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	State  string `json:"state,omitempty"`
	Status string `json:"status,omitempty"`

	AlarmCode int    `json:"alarmCode,omitempty"`
	AlarmDesc string `json:"alarmDesc,omitempty"`
	Error     string `json:"error,omitempty"`

	CommandID int64 `json:"commandId,omitempty"`

	MachinePos coord.Position `json:"machinePos,omitempty"`
	WorkPos    coord.Position `json:"workPos,omitempty"`

	FeedRate     float64 `json:"feedRate,omitempty"`
	SpindleSpeed float64 `json:"spindleSpeed,omitempty"`

	Sent      int `json:"sent,omitempty"`
	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`
}

// Level classifies log messages.
type Level int

const (
	LevelVerbose Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelVerbose:
		return "VERBOSE"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Message is a log line for passive consumers (console panes, files).
type Message struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}
