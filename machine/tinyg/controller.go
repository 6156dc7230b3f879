package tinyg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mastercactapus/cnclink/command"
	"github.com/mastercactapus/cnclink/comms"
	"github.com/mastercactapus/cnclink/coord"
	"github.com/mastercactapus/cnclink/event"
	"github.com/mastercactapus/cnclink/machine"
)

const (
	connectTimeout   = 5 * time.Second
	ackTimeout       = 10 * time.Second
	homingTimeout    = 60 * time.Second
	probeTimeout     = 30 * time.Second
	resetSettleDelay = 500 * time.Millisecond

	// queueFlush empties buffered motion after a feedhold.
	queueFlush = '%'
)

// Controller drives a TinyG or g2core over a Transport. The firmware
// speaks JSON both ways; flow control is a fixed window of
// unacknowledged lines rather than byte counting.
type Controller struct {
	dialect Dialect
	params  comms.ConnectionParams

	transport comms.Transport
	conn      *comms.CharCountConn
	win       *window

	tracker *command.Tracker
	events  *event.Dispatcher

	sendMx sync.Mutex

	mx     sync.RWMutex
	state  machine.State
	report machine.StatusReport

	readyCh  chan struct{}
	readDone chan struct{}
	pollStop context.CancelFunc
	pollDone chan struct{}

	probeCh chan machine.ProbeResult

	stream       *streamJob
	lastProgress machine.StreamProgress
}

var _ machine.Controller = &Controller{}

// New creates a disconnected controller for the given dialect.
func New(d Dialect, t comms.Transport, params comms.ConnectionParams) *Controller {
	return &Controller{
		dialect:   d,
		params:    params,
		transport: t,
		tracker:   command.NewTracker(),
		events:    event.NewDispatcher(),
		state:     machine.StateDisconnected,
		probeCh:   make(chan machine.ProbeResult, 1),
	}
}

func (c *Controller) Events() *event.Dispatcher             { return c.events }
func (c *Controller) RegisterListener(l command.Listener)   { c.tracker.AddListener(l) }
func (c *Controller) UnregisterListener(l command.Listener) { c.tracker.RemoveListener(l) }

func (c *Controller) State() machine.State {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.state
}

func (c *Controller) IsConnected() bool {
	return c.State() != machine.StateDisconnected
}

func (c *Controller) Status() machine.Status {
	c.mx.RLock()
	defer c.mx.RUnlock()
	stat, err := strconv.Atoi(c.report.Status)
	if err != nil {
		return machine.StatusError
	}
	return StatusOf(stat)
}

func (c *Controller) Report() machine.StatusReport {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.report
}

func (c *Controller) MachinePos() coord.Position { return c.Report().MPos }
func (c *Controller) WorkPos() coord.Position    { return c.Report().WPos }
func (c *Controller) WCSOffset() coord.Position  { return c.Report().WCO }

// gcLine wraps a gcode command in the JSON envelope the firmware
// expects in line mode.
func gcLine(text string) string {
	b, _ := json.Marshal(struct {
		GC string `json:"gc"`
	}{GC: text})
	return string(b)
}

const statusQuery = `{"sr":""}`

// Connect opens the transport and waits for the firmware to answer a
// status request.
func (c *Controller) Connect() error {
	c.mx.Lock()
	if c.state != machine.StateDisconnected {
		c.mx.Unlock()
		return fmt.Errorf("connect: already %s", c.state)
	}
	c.state = machine.StateConnecting
	c.readyCh = make(chan struct{})
	c.readDone = make(chan struct{})
	readyCh := c.readyCh
	c.mx.Unlock()
	c.publishState(machine.StateConnecting)

	err := c.transport.Connect(c.params)
	if err != nil {
		c.setState(machine.StateDisconnected)
		return err
	}
	// generous byte budget; the real limit is the line window
	c.conn = comms.NewCharCountConn(c.transport, 4096)
	c.win = newWindow(c.dialect.Window)

	go c.readLoop(c.readDone)

	_, err = c.sendLine(statusQuery)
	if err != nil {
		c.teardown(false)
		return err
	}

	timeout := c.params.Timeout
	if timeout == 0 {
		timeout = connectTimeout
	}
	select {
	case <-readyCh:
	case <-time.After(timeout):
		c.teardown(false)
		return fmt.Errorf("connect: no response from controller after %s", timeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mx.Lock()
	c.pollStop = cancel
	c.pollDone = make(chan struct{})
	pollDone := c.pollDone
	c.mx.Unlock()
	go c.pollLoop(ctx, pollDone)

	c.events.Publish(event.Event{Type: event.TypeConnected})
	c.events.Log(event.LevelInfo, c.dialect.Name, "connected to %s", c.params.Port)
	return nil
}

// Disconnect cancels polling, skips in-flight commands, and closes
// the transport.
func (c *Controller) Disconnect() error {
	if !c.IsConnected() {
		return nil
	}
	c.teardown(false)
	return nil
}

func (c *Controller) teardown(fromReader bool) {
	c.mx.Lock()
	if c.state == machine.StateDisconnected {
		c.mx.Unlock()
		return
	}
	c.state = machine.StateDisconnected
	stop := c.pollStop
	pollDone := c.pollDone
	readDone := c.readDone
	c.pollStop = nil
	c.pollDone = nil
	stream := c.stream
	c.stream = nil
	c.mx.Unlock()

	if stream != nil {
		stream.cancel()
	}
	if stop != nil {
		stop()
	}
	// The poller may be blocked waiting on a window slot; closing the
	// window and transport wakes it, so only then is waiting on it safe.
	if c.win != nil {
		c.win.close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if stop != nil {
		<-pollDone
	}
	if !fromReader && readDone != nil {
		<-readDone
	}
	c.tracker.SkipPending()
	if c.conn != nil {
		c.conn.Clear()
	}

	c.publishState(machine.StateDisconnected)
	c.events.Publish(event.Event{Type: event.TypeDisconnected})
	c.events.Log(event.LevelInfo, c.dialect.Name, "disconnected from %s", c.params.Port)
}

func (c *Controller) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.dialect.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sendLine(statusQuery)
		}
	}
}

func (c *Controller) readLoop(done chan struct{}) {
	defer close(done)
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			if c.State() != machine.StateDisconnected {
				c.events.Log(event.LevelError, c.dialect.Name, "connection lost: %v", err)
				c.teardown(true)
			}
			return
		}
		c.handleLine(line)
	}
}

func (c *Controller) handleLine(line string) {
	resp := Parse(line)
	if resp == nil {
		return
	}

	switch resp.Kind {
	case KindAck, KindError, KindProbe:
		c.win.release()
		c.conn.AckOldest()

		if resp.Kind == KindProbe && resp.Probe != nil {
			select {
			case c.probeCh <- *resp.Probe:
			default:
			}
			c.events.Publish(event.Event{Type: event.TypeProbe, MachinePos: resp.Probe.Position})
		}

		success := resp.Kind != KindError
		r := command.Response{Success: success, Message: resp.Raw}
		if !success {
			r.ErrorCode = resp.Code
			r.Message = StatusDescription(resp.Code)
		}
		cmd, err := c.tracker.Resolve(r)
		if err == nil {
			if success {
				c.events.Publish(event.Event{Type: event.TypeCommandDone, CommandID: cmd.ID})
			} else {
				c.events.Publish(event.Event{Type: event.TypeError, CommandID: cmd.ID, Error: r.Message})
				c.events.Log(event.LevelWarning, c.dialect.Name, "status %d (%s) for %q", resp.Code, r.Message, cmd.Text)
			}
		}
		if resp.Status != nil {
			c.applyStatus(resp.Status)
		}
		c.signalReady(machine.StateIdle)
	case KindStatus:
		c.applyStatus(resp.Status)
	case KindException:
		c.events.Publish(event.Event{Type: event.TypeError, Error: resp.Message})
		c.events.Log(event.LevelError, c.dialect.Name, "exception %d: %s", resp.Code, resp.Message)
	default:
		c.events.Log(event.LevelVerbose, c.dialect.Name, "%s", resp.Raw)
	}
}

// signalReady completes the Connecting handshake with the first state
// the firmware reports; a machine that wakes up alarmed must not pass
// through Idle.
func (c *Controller) signalReady(s machine.State) {
	c.mx.Lock()
	ready := c.readyCh
	wasConnecting := c.state == machine.StateConnecting
	if wasConnecting {
		c.state = s
	}
	c.readyCh = nil
	c.mx.Unlock()

	if ready != nil {
		close(ready)
	}
	if wasConnecting {
		c.publishState(s)
	}
}

func (c *Controller) applyStatus(stat *StatusUpdate) {
	if stat == nil {
		return
	}

	c.mx.Lock()
	prev := c.report
	rep := c.report
	if stat.Stat != nil {
		rep.Status = strconv.Itoa(*stat.Stat)
	}
	if !stat.WPos.Empty() {
		rep.WPos = stat.WPos.Merge(rep.WPos)
	}
	if !stat.MPos.Empty() {
		rep.MPos = stat.MPos.Merge(rep.MPos)
	}
	if stat.Feed != nil {
		rep.FeedRate = *stat.Feed
	}
	c.report = rep

	connecting := c.state == machine.StateConnecting
	var newState machine.State
	if stat.Stat != nil {
		switch StatusOf(*stat.Stat) {
		case machine.StatusAlarm:
			newState = machine.StateAlarm
		case machine.StatusRun:
			if *stat.Stat == StatHoming {
				newState = machine.StateHome
			} else {
				newState = machine.StateRun
			}
		case machine.StatusHold:
			newState = machine.StateHold
		case machine.StatusIdle:
			newState = machine.StateIdle
		}
	}
	var stateChanged bool
	if !connecting && newState != "" && newState != c.state {
		c.state = newState
		stateChanged = true
	}
	alarmed := newState == machine.StateAlarm && stateChanged
	c.mx.Unlock()

	if connecting {
		s := newState
		if s == "" {
			s = machine.StateIdle
		}
		c.signalReady(s)
	}
	if stateChanged {
		c.publishState(newState)
	}
	if alarmed {
		c.haltStream(errors.New("machine alarm halted the stream"))
		c.events.Publish(event.Event{Type: event.TypeAlarm})
		c.events.Log(event.LevelError, c.dialect.Name, "machine alarmed")
	}
	if prev.Status != rep.Status {
		c.events.Publish(event.Event{Type: event.TypeStatusChanged, Status: rep.Status})
	}
	if !prev.MPos.Equal(rep.MPos) || !prev.WPos.Equal(rep.WPos) {
		c.events.Publish(event.Event{Type: event.TypePosition, MachinePos: rep.MPos, WorkPos: rep.WPos})
	}
	if prev.FeedRate != rep.FeedRate {
		c.events.Publish(event.Event{Type: event.TypeFeedRate, FeedRate: rep.FeedRate})
	}
}

func (c *Controller) setState(s machine.State) {
	c.mx.Lock()
	changed := c.state != s
	c.state = s
	c.mx.Unlock()
	if changed {
		c.publishState(s)
	}
}

func (c *Controller) publishState(s machine.State) {
	c.events.Publish(event.Event{Type: event.TypeStateChanged, State: string(s)})
}

func (c *Controller) requireReady() error {
	switch c.State() {
	case machine.StateDisconnected, machine.StateConnecting:
		return machine.ErrNotConnected
	case machine.StateAlarm:
		return machine.ErrAlarmed
	}
	return nil
}

func (c *Controller) requireConnected() error {
	switch c.State() {
	case machine.StateDisconnected, machine.StateConnecting:
		return machine.ErrNotConnected
	}
	return nil
}

// sendLine queues one wire line and writes it once a window slot is
// free.
func (c *Controller) sendLine(line string) (int64, error) {
	c.sendMx.Lock()
	defer c.sendMx.Unlock()

	err := c.win.acquire()
	if err != nil {
		return 0, comms.ErrClosed
	}
	id := c.tracker.Enqueue(line)
	c.tracker.MarkSent(id)
	err = c.conn.Send(line)
	if err != nil {
		c.win.release()
		if err != comms.ErrClosed {
			c.events.Log(event.LevelError, c.dialect.Name, "send %q: %v", line, err)
			c.teardown(false)
		}
		return id, err
	}
	return id, nil
}

type cmdWaiter struct {
	command.NopListener
	id int64
	ch chan command.Command
}

func (w *cmdWaiter) OnCommandCompleted(cmd command.Command) {
	if cmd.ID != w.id {
		return
	}
	select {
	case w.ch <- cmd:
	default:
	}
}

// sendWait sends one wire line and blocks for its response.
func (c *Controller) sendWait(line string, timeout time.Duration) error {
	w := &cmdWaiter{ch: make(chan command.Command, 1)}
	c.tracker.AddListener(w)
	defer c.tracker.RemoveListener(w)

	c.sendMx.Lock()
	err := c.win.acquire()
	if err != nil {
		c.sendMx.Unlock()
		return comms.ErrClosed
	}
	id := c.tracker.Enqueue(line)
	w.id = id
	c.tracker.MarkSent(id)
	err = c.conn.Send(line)
	c.sendMx.Unlock()
	if err != nil {
		c.win.release()
		if err != comms.ErrClosed {
			c.events.Log(event.LevelError, c.dialect.Name, "send %q: %v", line, err)
			c.teardown(false)
		}
		return err
	}

	select {
	case cmd := <-w.ch:
		switch cmd.State {
		case command.StateError:
			return fmt.Errorf("%s: status %d %s", line, cmd.Response.ErrorCode, cmd.Response.Message)
		case command.StateSkipped:
			return fmt.Errorf("%s: skipped before the firmware answered", line)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: no response after %s", line, timeout)
	}
}

// SendCommand queues one gcode line without waiting for its response.
func (c *Controller) SendCommand(text string) (int64, error) {
	if err := c.requireReady(); err != nil {
		return 0, err
	}
	return c.sendLine(gcLine(text))
}

// Home runs the homing cycle on the linear axes.
func (c *Controller) Home() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	c.setState(machine.StateHome)
	err := c.sendWait(gcLine("G28.2X0Y0Z0"), homingTimeout)
	if err != nil {
		return fmt.Errorf("home: %w", err)
	}
	return nil
}

// Unlock clears an alarm condition with the firmware's clear command.
func (c *Controller) Unlock() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	err := c.sendWait(`{"clear":null}`, ackTimeout)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	c.setState(machine.StateIdle)
	return nil
}

func (c *Controller) softReset() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	c.mx.Lock()
	stream := c.stream
	c.stream = nil
	c.mx.Unlock()
	if stream != nil {
		stream.cancel()
	}

	err := c.conn.SendRealtime(comms.RealtimeSoftReset)
	if err != nil {
		return err
	}
	c.tracker.SkipPending()
	c.win.clear()
	c.conn.Clear()
	time.Sleep(resetSettleDelay)
	return nil
}

// Reset soft-resets the firmware.
func (c *Controller) Reset() error {
	err := c.softReset()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.setState(machine.StateConnecting)
	return nil
}

// ClearAlarm recovers from an alarm with the clear command, falling
// back on a soft reset when the firmware does not answer.
func (c *Controller) ClearAlarm() error {
	if c.State() != machine.StateAlarm {
		return fmt.Errorf("clear alarm: state is %s", c.State())
	}
	err := c.sendWait(`{"clear":null}`, ackTimeout)
	if err != nil {
		err = c.softReset()
		if err != nil {
			return fmt.Errorf("clear alarm: %w", err)
		}
	}
	c.setState(machine.StateIdle)
	return nil
}

func fnum(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// JogIncremental moves one axis by a relative distance.
func (c *Controller) JogIncremental(axis byte, dist, feedRate float64) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.sendLine(gcLine(fmt.Sprintf("G91G1%c%sF%s", axis, fnum(dist), fnum(feedRate))))
	if err != nil {
		return err
	}
	_, err = c.sendLine(gcLine("G90"))
	return err
}

// JogStart is unsupported: the firmware has no jog-cancel primitive,
// so a continuous jog could not be stopped cleanly.
func (c *Controller) JogStart(axis byte, positive bool, feedRate float64) error {
	return machine.ErrUnsupported
}

func (c *Controller) JogStop() error {
	return machine.ErrUnsupported
}

// Probe runs a straight probe and waits for the prb response.
func (c *Controller) Probe(opt machine.ProbeOptions) (*machine.ProbeResult, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	axis := opt.Axis
	if axis == 0 {
		axis = 'Z'
	}

	select {
	case <-c.probeCh:
	default:
	}

	err := c.sendWait(gcLine(fmt.Sprintf("G38.2%c%sF%s", axis, fnum(opt.MaxTravel), fnum(opt.FeedRate))), probeTimeout)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	var res machine.ProbeResult
	select {
	case res = <-c.probeCh:
	case <-time.After(ackTimeout):
		return nil, fmt.Errorf("probe: no probe report received")
	}
	if !res.Valid {
		return &res, fmt.Errorf("probe: probe did not make contact")
	}

	if opt.ZeroAxis {
		err = c.sendWait(gcLine(fmt.Sprintf("G10L20P0%c%s", axis, fnum(opt.Offset))), ackTimeout)
		if err != nil {
			return &res, fmt.Errorf("probe: zero axis: %w", err)
		}
	}
	return &res, nil
}

// Overrides are unsupported: the firmware has no realtime override
// bytes.
func (c *Controller) SetFeedOverride(pct int) error    { return machine.ErrUnsupported }
func (c *Controller) SetRapidOverride(pct int) error   { return machine.ErrUnsupported }
func (c *Controller) SetSpindleOverride(pct int) error { return machine.ErrUnsupported }

// SetWorkZero zeroes the work offset for the given axes.
func (c *Controller) SetWorkZero(axes ...byte) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if len(axes) == 0 {
		axes = []byte{'X', 'Y', 'Z'}
	}
	cmd := "G10L20P0"
	for _, a := range axes {
		cmd += fmt.Sprintf("%c0", a)
	}
	return c.sendWait(gcLine(cmd), ackTimeout)
}

// GoToWorkZero rapids to X0 Y0, then drops Z.
func (c *Controller) GoToWorkZero() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.sendLine(gcLine("G90G0X0Y0"))
	if err != nil {
		return err
	}
	_, err = c.sendLine(gcLine("G90G0Z0"))
	return err
}

// SetWCS selects a work coordinate system, G54 through G59.
func (c *Controller) SetWCS(n int) error {
	if n < 54 || n > 59 {
		return fmt.Errorf("wcs: G%d out of range G54-G59", n)
	}
	if err := c.requireReady(); err != nil {
		return err
	}
	return c.sendWait(gcLine(fmt.Sprintf("G%d", n)), ackTimeout)
}

func (c *Controller) QueryStatus() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	_, err := c.sendLine(statusQuery)
	return err
}

func (c *Controller) QuerySettings() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.sendLine(`{"sys":""}`)
	return err
}

// QueryParserState is unsupported: the firmware has no parser state
// report comparable to $G.
func (c *Controller) QueryParserState() error {
	return machine.ErrUnsupported
}
