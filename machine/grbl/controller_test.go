package grbl

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/cnclink/command"
	"github.com/mastercactapus/cnclink/comms"
	"github.com/mastercactapus/cnclink/machine"
)

// fakeTransport records writes and replays scripted responses. An
// optional respond hook answers complete lines, mimicking firmware
// acknowledgment order.
type fakeTransport struct {
	mx        sync.Mutex
	sent      []string
	recv      chan []byte
	connected bool
	closeOnce sync.Once

	respond func(line string) []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan []byte, 100)}
}

func (f *fakeTransport) Connect(p comms.ConnectionParams) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mx.Lock()
	f.connected = false
	f.mx.Unlock()
	f.closeOnce.Do(func() { close(f.recv) })
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(p []byte) (int, error) {
	f.mx.Lock()
	f.sent = append(f.sent, string(p))
	respond := f.respond
	f.mx.Unlock()

	if respond != nil && strings.HasSuffix(string(p), "\n") {
		for _, line := range respond(strings.TrimSpace(string(p))) {
			f.recv <- []byte(line + "\r\n")
		}
	}
	return len(p), nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	b, ok := <-f.recv
	if !ok {
		return nil, comms.ErrClosed
	}
	return b, nil
}

func (f *fakeTransport) sentLines() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) didSend(s string) bool {
	for _, line := range f.sentLines() {
		if line == s {
			return true
		}
	}
	return false
}

func okResponder(line string) []string { return []string{"ok"} }

// stateRecorder captures terminal command states by text.
type stateRecorder struct {
	command.NopListener

	mx    sync.Mutex
	order []string
	final map[string]command.Command
}

func (r *stateRecorder) OnCommandCompleted(cmd command.Command) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.final == nil {
		r.final = make(map[string]command.Command)
	}
	r.order = append(r.order, cmd.Text)
	r.final[cmd.Text] = cmd
}

func (r *stateRecorder) get(text string) (command.Command, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	cmd, ok := r.final[text]
	return cmd, ok
}

func (r *stateRecorder) completions() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestController(t *testing.T, ft *fakeTransport) *Controller {
	t.Helper()
	d := DialectGrbl
	d.PollInterval = time.Hour // keep the poller out of the scripts

	c := New(d, ft, comms.ConnectionParams{Port: "test", Timeout: time.Second})
	ft.recv <- []byte("Grbl 1.1h ['$' for help]\r\n")
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestController_Connect(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	assert.True(t, c.IsConnected())
	assert.Equal(t, machine.StateIdle, c.State())

	assert.NoError(t, c.Disconnect())
	assert.Equal(t, machine.StateDisconnected, c.State())
	assert.False(t, c.IsConnected())

	_, err := c.SendCommand("G0X1")
	assert.Equal(t, machine.ErrNotConnected, err)
}

func TestController_ConnectTimeout(t *testing.T) {
	ft := newFakeTransport()
	c := New(DialectGrbl, ft, comms.ConnectionParams{Port: "test", Timeout: 50 * time.Millisecond})

	err := c.Connect()
	assert.Error(t, err)
	assert.Equal(t, machine.StateDisconnected, c.State())
}

func TestController_ConnectAlarmed(t *testing.T) {
	ft := newFakeTransport()
	d := DialectGrbl
	d.PollInterval = time.Hour

	c := New(d, ft, comms.ConnectionParams{Port: "test", Timeout: time.Second})
	// first proof of life is a status report from an alarmed machine
	ft.recv <- []byte("<Alarm|MPos:0.000,0.000,0.000>\r\n")
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.Equal(t, machine.StateAlarm, c.State())
	_, err := c.SendCommand("G0X1")
	assert.Equal(t, machine.ErrAlarmed, err)
}

func TestController_ResolvesFIFO(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	rec := &stateRecorder{}
	c.RegisterListener(rec)

	_, err := c.SendCommand("G90")
	require.NoError(t, err)
	_, err = c.SendCommand("G0X99Q")
	require.NoError(t, err)
	_, err = c.SendCommand("G0X2")
	require.NoError(t, err)

	ft.recv <- []byte("ok\r\nerror:2\r\nok\r\n")

	waitFor(t, func() bool { return len(rec.completions()) == 3 }, "not all commands resolved")
	assert.Equal(t, []string{"G90", "G0X99Q", "G0X2"}, rec.completions())

	cmd, _ := rec.get("G90")
	assert.Equal(t, command.StateDone, cmd.State)

	cmd, _ = rec.get("G0X99Q")
	assert.Equal(t, command.StateError, cmd.State)
	assert.Equal(t, 2, cmd.Response.ErrorCode)
	assert.Equal(t, "Bad number format", cmd.Response.Message)

	cmd, _ = rec.get("G0X2")
	assert.Equal(t, command.StateDone, cmd.State)
}

func TestController_StartupBlockError(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	rec := &stateRecorder{}
	c.RegisterListener(rec)

	_, err := c.SendCommand("$N0=G20")
	require.NoError(t, err)
	ft.recv <- []byte("error:23\r\n")

	waitFor(t, func() bool { _, ok := rec.get("$N0=G20"); return ok }, "command not resolved")
	cmd, _ := rec.get("$N0=G20")
	assert.Equal(t, command.StateError, cmd.State)
	assert.Equal(t, "Failed to execute startup block", cmd.Response.Message)
}

func TestController_StatusUpdates(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	ft.recv <- []byte("<Idle|MPos:1.000,2.000,3.000|WCO:0.000,0.000,0.500>\r\n")
	waitFor(t, func() bool { return c.Report().MPos.X == 1.0 }, "status not applied")

	rep := c.Report()
	assert.Equal(t, 0.5, rep.WCO.Z)
	// work position derived from MPos - WCO
	assert.Equal(t, 2.5, rep.WPos.Z)
	assert.Equal(t, 2.0, rep.WPos.Y)

	// sparse update keeps unreported values
	ft.recv <- []byte("<Run|MPos:4.000,2.000,3.000|FS:500.0,8000>\r\n")
	waitFor(t, func() bool { return c.State() == machine.StateRun }, "state did not follow status")

	rep = c.Report()
	assert.Equal(t, 4.0, rep.MPos.X)
	assert.Equal(t, 0.5, rep.WCO.Z)
	assert.Equal(t, 4.0, rep.WPos.X)
	assert.Equal(t, 500.0, rep.FeedRate)
	assert.Equal(t, 8000.0, rep.SpindleSpeed)
	assert.Equal(t, machine.StatusRun, c.Status())
}

func TestController_AlarmRecovery(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	ft.recv <- []byte("ALARM:1\r\n")
	waitFor(t, func() bool { return c.State() == machine.StateAlarm }, "alarm not raised")

	// motion is refused while alarmed
	assert.Equal(t, machine.ErrAlarmed, c.Home())
	_, err := c.SendCommand("G0X1")
	assert.Equal(t, machine.ErrAlarmed, err)

	require.NoError(t, c.ClearAlarm())
	assert.Equal(t, machine.StateIdle, c.State())
	assert.True(t, ft.didSend(string([]byte{comms.RealtimeSoftReset})))

	require.NoError(t, c.Unlock())
	assert.True(t, ft.didSend("$X\n"))
	assert.Equal(t, machine.StateIdle, c.State())
}

func TestController_ClearAlarmRequiresAlarm(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	assert.Error(t, c.ClearAlarm())
}

func TestController_DisconnectSkipsInFlight(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	rec := &stateRecorder{}
	c.RegisterListener(rec)

	_, err := c.SendCommand("G0X5")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())

	cmd, ok := rec.get("G0X5")
	require.True(t, ok, "in-flight command was not completed")
	assert.Equal(t, command.StateSkipped, cmd.State)
	assert.Nil(t, cmd.Response)
}

func TestController_ConnectionLoss(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	rec := &stateRecorder{}
	c.RegisterListener(rec)

	_, err := c.SendCommand("G0X5")
	require.NoError(t, err)

	// the wire drops with a command in flight
	ft.closeOnce.Do(func() { close(ft.recv) })

	waitFor(t, func() bool { return c.State() == machine.StateDisconnected }, "loss not detected")
	cmd, ok := rec.get("G0X5")
	require.True(t, ok)
	assert.Equal(t, command.StateSkipped, cmd.State)
}

func TestController_DisconnectStopsPolling(t *testing.T) {
	ft := newFakeTransport()
	d := DialectGrbl
	d.PollInterval = 10 * time.Millisecond

	c := New(d, ft, comms.ConnectionParams{Port: "test", Timeout: time.Second})
	ft.recv <- []byte("Grbl 1.1h ['$' for help]\r\n")
	require.NoError(t, c.Connect())

	queries := func() int {
		var n int
		for _, s := range ft.sentLines() {
			if s == "?" {
				n++
			}
		}
		return n
	}
	// the connect handshake sends one query itself
	waitFor(t, func() bool { return queries() >= 2 }, "poller never queried status")

	require.NoError(t, c.Disconnect())
	base := len(ft.sentLines())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, base, len(ft.sentLines()), "poller still writing after disconnect")
}

func TestController_Home(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	require.NoError(t, c.Home())
	assert.True(t, ft.didSend("$H\n"))
}

func TestController_Jog(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	require.NoError(t, c.JogIncremental('X', 5, 1000))
	assert.True(t, ft.didSend("$J=G21G91X5.000F1000.000\n"))

	require.NoError(t, c.JogStart('Y', false, 500))
	assert.True(t, ft.didSend("$J=G21G91Y-10000.000F500.000\n"))

	require.NoError(t, c.JogStop())
	assert.True(t, ft.didSend(string([]byte{comms.RealtimeJogCancel})))
}

func TestController_JogUnsupported(t *testing.T) {
	ft := newFakeTransport()
	d := DialectSmoothie
	d.PollInterval = time.Hour

	c := New(d, ft, comms.ConnectionParams{Port: "test", Timeout: time.Second})
	ft.recv <- []byte("Smoothie\r\n")
	require.NoError(t, c.Connect())
	defer c.Disconnect()
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	assert.Equal(t, machine.ErrUnsupported, c.JogStart('X', true, 500))
	assert.Equal(t, machine.ErrUnsupported, c.JogStop())

	// incremental jog falls back to a relative move
	require.NoError(t, c.JogIncremental('X', 1, 500))
	assert.True(t, ft.didSend("G91G0X1.000\n"))
	assert.True(t, ft.didSend("G90\n"))
}

func TestController_Streaming(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	require.NoError(t, c.StartStreaming(strings.NewReader("G90\nG0X1 ; rapid\nG0X2\n")))

	waitFor(t, func() bool { return !c.Progress().Active && c.Progress().Total == 3 }, "stream did not finish")

	p := c.Progress()
	assert.NoError(t, p.Err)
	assert.Equal(t, 3, p.Sent)
	assert.Equal(t, 3, p.Completed)
	assert.True(t, ft.didSend("G90\n"))
	assert.True(t, ft.didSend("G0X1\n"))
	assert.True(t, ft.didSend("G0X2\n"))
}

func TestController_StreamingRejectsBadProgram(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	// G1 and G2 share the motion modal group
	err := c.StartStreaming(strings.NewReader("G1G2X1\n"))
	assert.Error(t, err)
	assert.False(t, c.Progress().Active)

	err = c.StartStreaming(strings.NewReader("\n\n"))
	assert.Error(t, err)

	// a feed move before any feed rate would be rejected on the wire
	err = c.StartStreaming(strings.NewReader("G1X5\n"))
	assert.Error(t, err)

	require.NoError(t, c.StartStreaming(strings.NewReader("G1X5F100\n")))
	waitFor(t, func() bool { return c.Progress().Sent == 1 }, "line not sent")
	ft.recv <- []byte("ok\r\n")
	waitFor(t, func() bool { return !c.Progress().Active }, "stream did not finish")
}

func TestController_StreamingPauseResume(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	require.NoError(t, c.StartStreaming(strings.NewReader("G90\nG0X1\n")))
	waitFor(t, func() bool { return c.Progress().Sent == 2 }, "lines not sent")

	require.NoError(t, c.PauseStreaming())
	assert.True(t, ft.didSend(string([]byte{comms.RealtimeFeedHold})))

	require.NoError(t, c.ResumeStreaming())
	assert.True(t, ft.didSend(string([]byte{comms.RealtimeCycleStart})))

	ft.recv <- []byte("ok\r\nok\r\n")
	waitFor(t, func() bool { return !c.Progress().Active }, "stream did not finish")
	assert.NoError(t, c.Progress().Err)
	assert.Equal(t, 2, c.Progress().Completed)

	// nothing to pause anymore
	assert.Error(t, c.PauseStreaming())
}

func TestController_StreamingError(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	require.NoError(t, c.StartStreaming(strings.NewReader("G90\nG0X1\nG0X2\n")))
	waitFor(t, func() bool { return c.Progress().Sent == 3 }, "lines not sent")

	ft.recv <- []byte("ok\r\nerror:20\r\n")

	waitFor(t, func() bool { return !c.Progress().Active }, "stream did not stop")
	p := c.Progress()
	assert.Error(t, p.Err)
	assert.Contains(t, p.Err.Error(), "Unsupported command")
}

func TestController_StreamingAlarmHalts(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	// enough short lines to overflow the 128-byte device buffer, so the
	// tail is waiting on acknowledgments
	var prog strings.Builder
	prog.WriteString("G90\n")
	for i := 0; i < 30; i++ {
		prog.WriteString("G0X1Y2\n")
	}
	require.NoError(t, c.StartStreaming(strings.NewReader(prog.String())))
	waitFor(t, func() bool { return c.Progress().Sent > 0 }, "no lines sent")

	ft.recv <- []byte("ALARM:1\r\n")
	waitFor(t, func() bool { return c.State() == machine.StateAlarm }, "alarm not raised")

	moves := func() int {
		var n int
		for _, s := range ft.sentLines() {
			if s == "G0X1Y2\n" {
				n++
			}
		}
		return n
	}
	before := moves()

	// buffer space freeing up must not restart the feed
	for i := 0; i < 10; i++ {
		ft.recv <- []byte("ok\r\n")
	}
	waitFor(t, func() bool { return !c.Progress().Active }, "stream did not stop after alarm")

	p := c.Progress()
	assert.Error(t, p.Err)
	assert.Contains(t, p.Err.Error(), "ALARM:1")
	// at most the write already in flight may still go out
	assert.True(t, moves() <= before+1, "stream kept feeding after alarm")
}

func TestController_Probe(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = func(line string) []string {
		if strings.HasPrefix(line, "G38.2") {
			return []string{"[PRB:1.000,2.000,3.000:1]", "ok"}
		}
		return []string{"ok"}
	}
	ft.mx.Unlock()

	res, err := c.Probe(machine.ProbeOptions{Axis: 'Z', FeedRate: 100, MaxTravel: -10})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3.0, res.Position.Z)
	assert.True(t, ft.didSend("G38.2Z-10.000F100.000\n"))
}

func TestController_ProbeZeroAxis(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = func(line string) []string {
		if strings.HasPrefix(line, "G38.2") {
			return []string{"[PRB:0.000,0.000,-5.250:1]", "ok"}
		}
		return []string{"ok"}
	}
	ft.mx.Unlock()

	res, err := c.Probe(machine.ProbeOptions{
		Axis: 'Z', FeedRate: 50, MaxTravel: -25,
		ZeroAxis: true, Offset: 1.5,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, ft.didSend("G10L20P0Z1.500\n"))
}

func TestController_ProbeMiss(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = func(line string) []string {
		if strings.HasPrefix(line, "G38.2") {
			return []string{"[PRB:0.000,0.000,-25.000:0]", "ok"}
		}
		return []string{"ok"}
	}
	ft.mx.Unlock()

	res, err := c.Probe(machine.ProbeOptions{Axis: 'Z', FeedRate: 50, MaxTravel: -25})
	assert.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Valid)
}

func TestController_Overrides(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	ft.recv <- []byte("<Idle|MPos:0.000,0.000,0.000|Ov:100,100,100>\r\n")
	waitFor(t, func() bool { return c.Report().Overrides.Feed == 100 }, "overrides not applied")

	require.NoError(t, c.SetFeedOverride(120))
	sent := ft.sentLines()
	var plus10 int
	for _, s := range sent {
		if s == string([]byte{rtFeedPlus10}) {
			plus10++
		}
	}
	assert.Equal(t, 2, plus10)

	require.NoError(t, c.SetFeedOverride(100))
	assert.True(t, ft.didSend(string([]byte{rtFeedReset})))

	require.NoError(t, c.SetRapidOverride(50))
	assert.True(t, ft.didSend(string([]byte{rtRapid50})))
	assert.Error(t, c.SetRapidOverride(60))

	require.NoError(t, c.SetSpindleOverride(90))
	assert.True(t, ft.didSend(string([]byte{rtSpindleMinus10})))

	assert.Error(t, c.SetFeedOverride(250))
}

func TestController_WorkOffsets(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	require.NoError(t, c.SetWorkZero())
	assert.True(t, ft.didSend("G10L20P0X0Y0Z0\n"))

	require.NoError(t, c.SetWorkZero('Z'))
	assert.True(t, ft.didSend("G10L20P0Z0\n"))

	require.NoError(t, c.GoToWorkZero())
	assert.True(t, ft.didSend("G90G0X0Y0\n"))
	assert.True(t, ft.didSend("G90G0Z0\n"))

	require.NoError(t, c.SetWCS(55))
	assert.True(t, ft.didSend("G55\n"))
	assert.Error(t, c.SetWCS(60))
}

func TestController_Queries(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.mx.Lock()
	ft.respond = okResponder
	ft.mx.Unlock()

	require.NoError(t, c.QueryStatus())
	assert.True(t, ft.didSend("?"))

	require.NoError(t, c.QuerySettings())
	assert.True(t, ft.didSend("$$\n"))
	ft.recv <- []byte("$110=5000.000\r\n")
	waitFor(t, func() bool { return c.Settings()[110] == "5000.000" }, "setting not recorded")

	require.NoError(t, c.QueryParserState())
	assert.True(t, ft.didSend("$G\n"))
	ft.recv <- []byte("[GC:G0 G54 G17 G21 G90 G94]\r\n")
	waitFor(t, func() bool { return c.ParserState() != "" }, "parser state not recorded")
	assert.Equal(t, "G0 G54 G17 G21 G90 G94", c.ParserState())
}
