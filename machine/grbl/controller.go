package grbl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
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
)

// Controller drives a grbl-family firmware over a Transport. One
// reader goroutine feeds acknowledgments and status back in; one
// polling goroutine requests status reports while connected.
type Controller struct {
	dialect Dialect
	params  comms.ConnectionParams

	transport comms.Transport
	conn      *comms.CharCountConn

	tracker *command.Tracker
	events  *event.Dispatcher

	// sendMx serializes the enqueue-write-ack pipeline so responses
	// always match wire order.
	sendMx sync.Mutex

	mx          sync.RWMutex
	state       machine.State
	report      machine.StatusReport
	settings    map[int]string
	parserState string

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
		settings:  make(map[int]string),
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

// Status maps the last firmware-reported state name onto the coarse
// status enum.
func (c *Controller) Status() machine.Status {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return statusOf(c.report.Status)
}

func statusOf(name string) machine.Status {
	switch {
	case name == "Idle", name == "Check", name == "Sleep":
		return machine.StatusIdle
	case name == "Run", name == "Jog", name == "Home", name == "Homing":
		return machine.StatusRun
	case strings.HasPrefix(name, "Hold"), strings.HasPrefix(name, "Door"), name == "Queue":
		return machine.StatusHold
	case strings.HasPrefix(name, "Alarm"):
		return machine.StatusAlarm
	}
	return machine.StatusError
}

func (c *Controller) Report() machine.StatusReport {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.report
}

func (c *Controller) MachinePos() coord.Position { return c.Report().MPos }
func (c *Controller) WorkPos() coord.Position    { return c.Report().WPos }
func (c *Controller) WCSOffset() coord.Position  { return c.Report().WCO }

// Settings returns the last values seen from a settings dump.
func (c *Controller) Settings() map[int]string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	out := make(map[int]string, len(c.settings))
	for k, v := range c.settings {
		out[k] = v
	}
	return out
}

// ParserState returns the last [GC:...] report.
func (c *Controller) ParserState() string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.parserState
}

// Connect opens the transport and waits for the firmware to become
// ready (banner or first status report).
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
	c.conn = comms.NewCharCountConn(c.transport, c.dialect.RxBufferSize)

	go c.readLoop(c.readDone)

	// grbl resets and prints its banner when a serial port opens; a
	// network endpoint needs a poke to prove it is alive.
	c.conn.SendRealtime(comms.RealtimeStatusQuery)

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

// Disconnect cancels polling, skips in-flight commands, and closes the
// transport. Pending commands end Skipped: the firmware never saw a
// response for them.
func (c *Controller) Disconnect() error {
	if !c.IsConnected() {
		return nil
	}
	c.teardown(false)
	return nil
}

// teardown is the single shutdown path. fromReader is set when called
// off the read loop itself, which must not wait for its own exit.
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
		<-pollDone
	}
	if c.conn != nil {
		c.conn.Close()
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
			c.conn.SendRealtime(comms.RealtimeStatusQuery)
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
	case KindOk:
		c.conn.AckOldest()
		cmd, err := c.tracker.Resolve(command.Response{Success: true, Message: resp.Raw})
		if err == nil {
			c.events.Publish(event.Event{Type: event.TypeCommandDone, CommandID: cmd.ID})
		}
	case KindError:
		c.conn.AckOldest()
		desc := ErrorDescription(resp.Code)
		cmd, err := c.tracker.Resolve(command.Response{
			Success:   false,
			ErrorCode: resp.Code,
			Message:   desc,
		})
		if err == nil {
			c.events.Publish(event.Event{Type: event.TypeError, CommandID: cmd.ID, Error: desc})
			c.events.Log(event.LevelWarning, c.dialect.Name, "error:%d (%s) for %q", resp.Code, desc, cmd.Text)
		}
	case KindAlarm:
		desc := AlarmDescription(resp.Code)
		c.setState(machine.StateAlarm)
		c.haltStream(fmt.Errorf("ALARM:%d %s", resp.Code, desc))
		c.events.Publish(event.Event{Type: event.TypeAlarm, AlarmCode: resp.Code, AlarmDesc: desc})
		c.events.Log(event.LevelError, c.dialect.Name, "ALARM:%d %s", resp.Code, desc)
	case KindStatus:
		c.applyStatus(resp.Status)
	case KindVersion:
		c.handleBanner(resp.Version)
	case KindProbe:
		select {
		case c.probeCh <- *resp.Probe:
		default:
		}
		c.events.Publish(event.Event{Type: event.TypeProbe, MachinePos: resp.Probe.Position})
	case KindSetting:
		c.mx.Lock()
		c.settings[resp.Setting.Num] = resp.Setting.Value
		c.mx.Unlock()
		c.events.Log(event.LevelVerbose, c.dialect.Name, "$%d=%s", resp.Setting.Num, resp.Setting.Value)
	case KindParserState:
		c.mx.Lock()
		c.parserState = resp.Message
		c.mx.Unlock()
		c.events.Log(event.LevelVerbose, c.dialect.Name, "[GC:%s]", resp.Message)
	default:
		c.events.Log(event.LevelVerbose, c.dialect.Name, "%s", resp.Raw)
	}
}

// handleBanner runs on the firmware welcome banner, which also marks a
// completed reset: the device buffer is empty and any in-flight
// command will never be answered.
func (c *Controller) handleBanner(version string) {
	c.conn.Clear()
	c.tracker.SkipPending()
	c.events.Log(event.LevelInfo, c.dialect.Name, "firmware ready: %s", version)
	c.signalReady(machine.StateIdle)
}

// signalReady completes the Connecting handshake with the first state
// the firmware reports; a machine that wakes up alarmed must not pass
// through Idle. A banner carries Idle: it only prints after a reset,
// which also releases an alarm.
func (c *Controller) signalReady(s machine.State) {
	c.mx.Lock()
	ready := c.readyCh
	ok := c.state == machine.StateConnecting || (s == machine.StateIdle && c.state == machine.StateAlarm)
	changed := ok && c.state != s
	if ok {
		c.state = s
	}
	c.readyCh = nil
	c.mx.Unlock()

	if ready != nil {
		close(ready)
	}
	if changed {
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
	rep.Status = stat.State
	if !stat.WCO.Empty() {
		rep.WCO = stat.WCO.Merge(rep.WCO)
	}
	if !stat.MPos.Empty() {
		rep.MPos = stat.MPos.Merge(rep.MPos)
		rep.WPos = rep.MPos.Sub(rep.WCO)
	}
	if !stat.WPos.Empty() {
		rep.WPos = stat.WPos.Merge(rep.WPos)
		rep.MPos = rep.WPos.Add(rep.WCO)
	}
	if stat.Buffer != nil {
		rep.Buffer = stat.Buffer
	}
	if stat.Feed != nil {
		rep.FeedRate = *stat.Feed
	}
	if stat.Spindle != nil {
		rep.SpindleSpeed = *stat.Spindle
	}
	if stat.Override != nil {
		rep.Overrides = *stat.Override
	}
	if stat.Pins != "" {
		rep.Pins = stat.Pins
	}
	c.report = rep

	connecting := c.state == machine.StateConnecting
	var newState machine.State
	switch statusOf(stat.State) {
	case machine.StatusAlarm:
		newState = machine.StateAlarm
	case machine.StatusRun:
		if stat.State == "Home" || stat.State == "Homing" {
			newState = machine.StateHome
		} else {
			newState = machine.StateRun
		}
	case machine.StatusHold:
		newState = machine.StateHold
	case machine.StatusIdle:
		newState = machine.StateIdle
	}
	var stateChanged bool
	if !connecting && newState != "" && newState != c.state {
		c.state = newState
		stateChanged = true
	}
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
		if newState == machine.StateAlarm {
			c.haltStream(errors.New("machine alarm halted the stream"))
		}
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
	if prev.SpindleSpeed != rep.SpindleSpeed {
		c.events.Publish(event.Event{Type: event.TypeSpindleSpeed, SpindleSpeed: rep.SpindleSpeed})
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

// requireReady rejects operations while disconnected or alarmed.
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

// send queues one line and writes it under flow control. A transport
// failure tears the connection down rather than corrupting counters.
func (c *Controller) send(text string) (int64, error) {
	c.sendMx.Lock()
	defer c.sendMx.Unlock()

	id := c.tracker.Enqueue(text)
	c.tracker.MarkSent(id)
	err := c.conn.Send(text)
	if err != nil {
		if err != comms.ErrClosed {
			c.events.Log(event.LevelError, c.dialect.Name, "send %q: %v", text, err)
			c.teardown(false)
		}
		return id, err
	}
	return id, nil
}

// cmdWaiter resolves a wait on one command reaching a terminal state.
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

// sendWait sends one line and blocks until the firmware answers it,
// the command is skipped, or the timeout passes.
func (c *Controller) sendWait(text string, timeout time.Duration) error {
	w := &cmdWaiter{ch: make(chan command.Command, 1)}
	c.tracker.AddListener(w)
	defer c.tracker.RemoveListener(w)

	c.sendMx.Lock()
	id := c.tracker.Enqueue(text)
	w.id = id
	c.tracker.MarkSent(id)
	err := c.conn.Send(text)
	c.sendMx.Unlock()
	if err != nil {
		if err != comms.ErrClosed {
			c.events.Log(event.LevelError, c.dialect.Name, "send %q: %v", text, err)
			c.teardown(false)
		}
		return err
	}

	select {
	case cmd := <-w.ch:
		switch cmd.State {
		case command.StateError:
			return fmt.Errorf("%s: error:%d %s", text, cmd.Response.ErrorCode, cmd.Response.Message)
		case command.StateSkipped:
			return fmt.Errorf("%s: skipped before the firmware answered", text)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: no response after %s", text, timeout)
	}
}

// SendCommand queues one line without waiting for its response.
func (c *Controller) SendCommand(text string) (int64, error) {
	if err := c.requireReady(); err != nil {
		return 0, err
	}
	return c.send(text)
}

// Home runs the homing cycle and waits for it to complete.
func (c *Controller) Home() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	c.setState(machine.StateHome)
	err := c.sendWait("$H", homingTimeout)
	if err != nil {
		return fmt.Errorf("home: %w", err)
	}
	return nil
}

// Unlock sends $X to release an alarm lock. Unlike most operations it
// is legal while alarmed.
func (c *Controller) Unlock() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	err := c.sendWait("$X", ackTimeout)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	c.setState(machine.StateIdle)
	return nil
}

// softReset sends the realtime reset byte and zeroes all streaming
// state; whatever was in flight will never be acknowledged.
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
	c.conn.Clear()
	time.Sleep(resetSettleDelay)
	return nil
}

// Reset soft-resets the firmware. The controller drops back to
// Connecting until the fresh banner proves the firmware is up again.
func (c *Controller) Reset() error {
	err := c.softReset()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.setState(machine.StateConnecting)
	return nil
}

// ClearAlarm recovers from an alarm with a soft reset. Follow with
// Unlock if the firmware still refuses motion.
func (c *Controller) ClearAlarm() error {
	if c.State() != machine.StateAlarm {
		return fmt.Errorf("clear alarm: state is %s", c.State())
	}
	err := c.softReset()
	if err != nil {
		return fmt.Errorf("clear alarm: %w", err)
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
	if c.dialect.HasJog {
		_, err := c.send(fmt.Sprintf("$J=G21G91%c%sF%s", axis, fnum(dist), fnum(feedRate)))
		return err
	}
	_, err := c.send(fmt.Sprintf("G91G0%c%s", axis, fnum(dist)))
	if err != nil {
		return err
	}
	_, err = c.send("G90")
	return err
}

// jogStartDistance is far beyond any real machine envelope; JogStop
// cancels the move long before it completes.
const jogStartDistance = 10000

// JogStart begins a continuous jog on one axis.
func (c *Controller) JogStart(axis byte, positive bool, feedRate float64) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if !c.dialect.HasJog {
		return machine.ErrUnsupported
	}
	dist := float64(jogStartDistance)
	if !positive {
		dist = -dist
	}
	_, err := c.send(fmt.Sprintf("$J=G21G91%c%sF%s", axis, fnum(dist), fnum(feedRate)))
	return err
}

// JogStop cancels an active jog without raising an alarm.
func (c *Controller) JogStop() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if !c.dialect.HasJog {
		return machine.ErrUnsupported
	}
	return c.conn.SendRealtime(comms.RealtimeJogCancel)
}

// Probe runs a straight probe toward the workpiece and returns the
// contact point from the firmware's [PRB:...] report.
func (c *Controller) Probe(opt machine.ProbeOptions) (*machine.ProbeResult, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	axis := opt.Axis
	if axis == 0 {
		axis = 'Z'
	}

	// drop any stale result
	select {
	case <-c.probeCh:
	default:
	}

	err := c.sendWait(fmt.Sprintf("G38.2%c%sF%s", axis, fnum(opt.MaxTravel), fnum(opt.FeedRate)), probeTimeout)
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
		err = c.sendWait(fmt.Sprintf("G10L20P0%c%s", axis, fnum(opt.Offset)), ackTimeout)
		if err != nil {
			return &res, fmt.Errorf("probe: zero axis: %w", err)
		}
	}
	return &res, nil
}

// SetWorkZero zeroes the work offset for the given axes (all linear
// axes when none given).
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
	return c.sendWait(cmd, ackTimeout)
}

// GoToWorkZero rapids to X0 Y0 in the active work coordinate system,
// then drops Z.
func (c *Controller) GoToWorkZero() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.send("G90G0X0Y0")
	if err != nil {
		return err
	}
	_, err = c.send("G90G0Z0")
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
	return c.sendWait(fmt.Sprintf("G%d", n), ackTimeout)
}

func (c *Controller) QueryStatus() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	return c.conn.SendRealtime(comms.RealtimeStatusQuery)
}

func (c *Controller) QuerySettings() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.send("$$")
	return err
}

func (c *Controller) QueryParserState() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.send("$G")
	return err
}
