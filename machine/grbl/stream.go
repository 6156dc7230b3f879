package grbl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mastercactapus/cnclink/command"
	"github.com/mastercactapus/cnclink/comms"
	"github.com/mastercactapus/cnclink/event"
	"github.com/mastercactapus/cnclink/gcode"
	"github.com/mastercactapus/cnclink/machine"
)

// streamJob tracks one program stream. It doubles as a command
// listener so completions count themselves off as responses arrive.
type streamJob struct {
	command.NopListener

	ctx    context.Context
	cancel context.CancelFunc

	mx        sync.Mutex
	total     int
	sent      int
	completed int
	err       error
	paused    bool
	resume    chan struct{}
	ids       map[int64]bool

	// notify is poked on every counted completion
	notify chan struct{}
	done   chan struct{}
}

func newStreamJob(total int) *streamJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamJob{
		ctx:    ctx,
		cancel: cancel,
		total:  total,
		ids:    make(map[int64]bool),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (j *streamJob) OnCommandCompleted(cmd command.Command) {
	j.mx.Lock()
	if !j.ids[cmd.ID] {
		j.mx.Unlock()
		return
	}
	delete(j.ids, cmd.ID)
	j.completed++
	var fail bool
	switch cmd.State {
	case command.StateError:
		if j.err == nil {
			j.err = fmt.Errorf("grbl rejected %q: %s", cmd.Text, cmd.Response.Message)
		}
		fail = true
	case command.StateSkipped:
		if j.err == nil {
			j.err = errors.New("stream interrupted before completion")
		}
		fail = true
	}
	j.mx.Unlock()

	if fail {
		j.cancel()
	}
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// fail records the terminal error and cancels the job.
func (j *streamJob) fail(err error) {
	j.mx.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mx.Unlock()
	j.cancel()
}

func (j *streamJob) progress() machine.StreamProgress {
	j.mx.Lock()
	defer j.mx.Unlock()
	return machine.StreamProgress{
		Active:    true,
		Sent:      j.sent,
		Completed: j.completed,
		Total:     j.total,
		Err:       j.err,
	}
}

// haltStream fails the active stream, if any. An alarm must stop the
// feed here: buffer space freeing up would otherwise let the rest of
// the program go out against a locked machine.
func (c *Controller) haltStream(err error) {
	c.mx.RLock()
	job := c.stream
	c.mx.RUnlock()
	if job != nil {
		job.fail(err)
	}
}

// parseProgram reads and validates a whole program before a single
// line goes out. A modal-group violation or a feed move ahead of any
// feed rate fails the stream up front instead of mid-cut.
func parseProgram(r io.Reader) ([]string, error) {
	p := gcode.NewParser(r)
	vm := gcode.NewVM()
	var lines []string
	for {
		block, err := p.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse program: %w", err)
		}
		err = block.Validate()
		if err != nil {
			return nil, fmt.Errorf("validate %q: %w", block.String(), err)
		}
		// codes the VM does not model still advance its modal state
		vm.Run(block)
		if vm.Modal(gcode.ModalGroupMotion) != 0 && len(block.Args()) > 0 && vm.FeedRate() == 0 {
			return nil, fmt.Errorf("validate %q: feed move before any feed rate", block.String())
		}
		lines = append(lines, block.String())
	}
	if len(lines) == 0 {
		return nil, errors.New("program is empty")
	}
	return lines, nil
}

// StartStreaming begins streaming a program. It returns once the
// stream is running; progress is reported through events and
// Progress.
func (c *Controller) StartStreaming(r io.Reader) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if c.State() != machine.StateIdle {
		return machine.ErrNotIdle
	}

	lines, err := parseProgram(r)
	if err != nil {
		return err
	}

	job := newStreamJob(len(lines))
	c.mx.Lock()
	if c.stream != nil {
		c.mx.Unlock()
		job.cancel()
		return errors.New("a stream is already active")
	}
	c.stream = job
	c.mx.Unlock()

	c.tracker.AddListener(job)
	c.events.Log(event.LevelInfo, c.dialect.Name, "streaming %d lines", len(lines))
	go c.runStream(job, lines)
	return nil
}

func (c *Controller) runStream(job *streamJob, lines []string) {
	defer func() {
		c.tracker.RemoveListener(job)

		p := job.progress()
		p.Active = false
		c.mx.Lock()
		if c.stream == job {
			c.stream = nil
		}
		c.lastProgress = p
		c.mx.Unlock()

		close(job.done)
		c.events.Publish(event.Event{
			Type:      event.TypeStreamProgress,
			Sent:      p.Sent,
			Completed: p.Completed,
			Total:     p.Total,
		})
		if p.Err != nil {
			c.events.Log(event.LevelError, c.dialect.Name, "stream failed: %v", p.Err)
		} else {
			c.events.Log(event.LevelInfo, c.dialect.Name, "stream finished: %d lines", p.Total)
		}
	}()

	for _, line := range lines {
		// pause gate
		for {
			job.mx.Lock()
			paused := job.paused
			resume := job.resume
			job.mx.Unlock()
			if !paused {
				break
			}
			select {
			case <-job.ctx.Done():
				return
			case <-resume:
			}
		}
		select {
		case <-job.ctx.Done():
			return
		default:
		}

		// The command ID must be in the job's set before a response
		// can resolve it, so the set is updated between enqueue and
		// the wire write.
		c.sendMx.Lock()
		id := c.tracker.Enqueue(line)
		job.mx.Lock()
		job.ids[id] = true
		job.sent++
		job.mx.Unlock()
		c.tracker.MarkSent(id)
		err := c.conn.Send(line)
		c.sendMx.Unlock()
		if err != nil {
			job.mx.Lock()
			if job.err == nil {
				job.err = err
			}
			job.mx.Unlock()
			if err != comms.ErrClosed {
				c.events.Log(event.LevelError, c.dialect.Name, "stream send: %v", err)
				c.teardown(false)
			}
			return
		}

		p := job.progress()
		c.events.Publish(event.Event{
			Type:      event.TypeStreamProgress,
			Sent:      p.Sent,
			Completed: p.Completed,
			Total:     p.Total,
		})
	}

	// all sent, wait for the tail of acknowledgments
	for {
		job.mx.Lock()
		finished := job.completed >= job.total || job.err != nil
		job.mx.Unlock()
		if finished {
			return
		}
		select {
		case <-job.ctx.Done():
			return
		case <-job.notify:
		}
	}
}

func (c *Controller) activeStream() *streamJob {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.stream
}

// PauseStreaming feed-holds the machine and stops feeding lines. The
// firmware decelerates; already-buffered motion stays buffered.
func (c *Controller) PauseStreaming() error {
	job := c.activeStream()
	if job == nil {
		return errors.New("no active stream")
	}
	err := c.conn.SendRealtime(comms.RealtimeFeedHold)
	if err != nil {
		return err
	}
	job.mx.Lock()
	if !job.paused {
		job.paused = true
		job.resume = make(chan struct{})
	}
	job.mx.Unlock()
	c.events.Log(event.LevelInfo, c.dialect.Name, "stream paused")
	return nil
}

// ResumeStreaming releases a feed hold and resumes feeding lines.
func (c *Controller) ResumeStreaming() error {
	job := c.activeStream()
	if job == nil {
		return errors.New("no active stream")
	}
	err := c.conn.SendRealtime(comms.RealtimeCycleStart)
	if err != nil {
		return err
	}
	job.mx.Lock()
	if job.paused {
		job.paused = false
		close(job.resume)
	}
	job.mx.Unlock()
	c.events.Log(event.LevelInfo, c.dialect.Name, "stream resumed")
	return nil
}

// CancelStreaming aborts the stream: feed hold to decelerate, then a
// soft reset to flush buffered motion. Unsent lines end Skipped.
func (c *Controller) CancelStreaming() error {
	job := c.activeStream()
	if job == nil {
		return errors.New("no active stream")
	}
	job.cancel()

	err := c.conn.SendRealtime(comms.RealtimeFeedHold)
	if err != nil {
		return err
	}

	// softReset clears the flow-control counters, which also wakes a
	// sender blocked on buffer space so the job can wind down.
	err = c.softReset()
	if err != nil {
		return fmt.Errorf("cancel stream: %w", err)
	}
	<-job.done
	c.setState(machine.StateConnecting)
	c.events.Log(event.LevelInfo, c.dialect.Name, "stream cancelled")
	return nil
}

// Progress reports the active stream, or the final counts of the last
// one.
func (c *Controller) Progress() machine.StreamProgress {
	job := c.activeStream()
	if job != nil {
		return job.progress()
	}
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.lastProgress
}
