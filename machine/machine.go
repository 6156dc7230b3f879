package machine

import (
	"errors"
	"fmt"
	"io"

	"github.com/mastercactapus/cnclink/command"
	"github.com/mastercactapus/cnclink/coord"
	"github.com/mastercactapus/cnclink/event"
)

// State is the connection-level state of a controller. It is distinct
// from the firmware-reported Status.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateIdle         State = "Idle"
	StateRun          State = "Run"
	StateHold         State = "Hold"
	StateHome         State = "Home"
	StateAlarm        State = "Alarm"
)

// Status is the machine status as reported by the firmware.
type Status string

const (
	StatusIdle  Status = "Idle"
	StatusRun   Status = "Run"
	StatusHold  Status = "Hold"
	StatusAlarm Status = "Alarm"
	StatusError Status = "Error"
)

// Firmware names the supported controller firmwares. The set is
// closed: every member maps onto one of the two protocol families.
type Firmware string

const (
	FirmwareGrbl     Firmware = "grbl"
	FirmwareFluidNC  Firmware = "fluidnc"
	FirmwareSmoothie Firmware = "smoothieware"
	FirmwareTinyG    Firmware = "tinyg"
	FirmwareG2Core   Firmware = "g2core"
)

var (
	ErrNotConnected = errors.New("machine: not connected")
	ErrNotIdle      = errors.New("machine: machine not idle")
	ErrAlarmed      = errors.New("machine: alarm active, unlock first")
	ErrUnsupported  = errors.New("machine: not supported by this firmware")
)

// BufferState is the firmware's planner/serial buffer occupancy from a
// status report.
type BufferState struct {
	PlannerBlocks int
	RxBytes       int
}

// Overrides holds feed/rapid/spindle override percentages.
type Overrides struct {
	Feed    int
	Rapid   int
	Spindle int
}

// ValidateFeedOverride bounds feed/spindle override targets.
func ValidateFeedOverride(pct int) error {
	if pct < 0 || pct > 200 {
		return fmt.Errorf("machine: override %d%% out of range 0-200", pct)
	}
	return nil
}

// ValidateRapidOverride restricts rapid override to the discrete set
// the firmware accepts.
func ValidateRapidOverride(pct int) error {
	switch pct {
	case 25, 50, 100:
		return nil
	}
	return fmt.Errorf("machine: rapid override %d%% not one of 25, 50, 100", pct)
}

// StatusReport is the last full machine snapshot. It is replaced
// atomically; sparse wire updates are merged before it is stored.
type StatusReport struct {
	Status string

	MPos coord.Position
	WPos coord.Position
	WCO  coord.Position

	Buffer *BufferState

	FeedRate     float64
	SpindleSpeed float64

	Overrides Overrides
	Pins      string
}

// ProbeResult is the outcome of a G38.x probe cycle.
type ProbeResult struct {
	coord.Position
	Valid bool
}

// ProbeOptions configure a straight probe move.
type ProbeOptions struct {
	Axis     byte
	FeedRate float64

	// MaxTravel is the signed probe distance.
	MaxTravel float64

	// ZeroAxis sets the work zero of the probed axis on contact.
	ZeroAxis bool
	Offset   float64
}

// StreamProgress summarizes an in-flight program stream.
type StreamProgress struct {
	Active    bool
	Sent      int
	Completed int
	Total     int
	Err       error
}

// Controller is the uniform command/state surface over a firmware
// backend. Implementations live in machine/grbl and machine/tinyg.
type Controller interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	State() State
	Status() Status
	Report() StatusReport
	MachinePos() coord.Position
	WorkPos() coord.Position

	// SendCommand queues one line and returns its command ID without
	// waiting for the firmware response.
	SendCommand(text string) (int64, error)

	Home() error
	Reset() error
	ClearAlarm() error
	Unlock() error

	JogStart(axis byte, positive bool, feedRate float64) error
	JogStop() error
	JogIncremental(axis byte, dist, feedRate float64) error

	StartStreaming(r io.Reader) error
	PauseStreaming() error
	ResumeStreaming() error
	CancelStreaming() error
	Progress() StreamProgress

	Probe(opt ProbeOptions) (*ProbeResult, error)

	SetFeedOverride(pct int) error
	SetRapidOverride(pct int) error
	SetSpindleOverride(pct int) error

	SetWorkZero(axes ...byte) error
	GoToWorkZero() error
	SetWCS(n int) error
	WCSOffset() coord.Position

	QueryStatus() error
	QuerySettings() error
	QueryParserState() error

	Events() *event.Dispatcher
	RegisterListener(l command.Listener)
	UnregisterListener(l command.Listener)
}
