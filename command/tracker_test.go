package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordListener struct {
	NopListener
	events []string
}

func (r *recordListener) OnCommandSent(c Command)      { r.events = append(r.events, "sent:"+c.Text) }
func (r *recordListener) OnCommandOk(c Command)        { r.events = append(r.events, "ok:"+c.Text) }
func (r *recordListener) OnCommandError(c Command)     { r.events = append(r.events, "error:"+c.Text) }
func (r *recordListener) OnCommandCompleted(c Command) { r.events = append(r.events, "done:"+c.Text) }
func (r *recordListener) OnCommandSkipped(c Command)   { r.events = append(r.events, "skip:"+c.Text) }

func TestTracker_FIFOResolution(t *testing.T) {
	tr := NewTracker()

	ids := []int64{
		tr.Enqueue("G0 X1"),
		tr.Enqueue("G0 X2"),
		tr.Enqueue("G0 X3"),
	}
	for _, id := range ids {
		assert.NoError(t, tr.MarkSent(id))
	}

	// three consecutive oks resolve in submission order
	for i := 0; i < 3; i++ {
		cmd, err := tr.Resolve(Response{Success: true})
		assert.NoError(t, err)
		assert.Equal(t, ids[i], cmd.ID)
		assert.Equal(t, StateDone, cmd.State)
		assert.False(t, cmd.CompletedAt.IsZero())
	}

	_, err := tr.Resolve(Response{Success: true})
	assert.Equal(t, ErrNoneInFlight, err)
}

func TestTracker_ErrorResponse(t *testing.T) {
	tr := NewTracker()
	rec := &recordListener{}
	tr.AddListener(rec)

	id := tr.Enqueue("G0 X-999")
	assert.NoError(t, tr.MarkSent(id))

	cmd, err := tr.Resolve(Response{Success: false, ErrorCode: 23, Message: "error:23"})
	assert.NoError(t, err)
	assert.Equal(t, StateError, cmd.State)
	assert.Equal(t, 23, cmd.Response.ErrorCode)
	assert.Equal(t, []string{"sent:G0 X-999", "error:G0 X-999", "done:G0 X-999"}, rec.events)
}

func TestTracker_SkipPending(t *testing.T) {
	tr := NewTracker()
	rec := &recordListener{}
	tr.AddListener(rec)

	a := tr.Enqueue("G0 X1")
	tr.Enqueue("G0 X2")
	assert.NoError(t, tr.MarkSent(a))

	skipped := tr.SkipPending()
	assert.Len(t, skipped, 2)
	for _, cmd := range skipped {
		assert.Equal(t, StateSkipped, cmd.State)
		assert.False(t, cmd.CompletedAt.IsZero())
	}
	assert.Equal(t, 0, tr.InFlight())
}

func TestTracker_MarkSentWrongState(t *testing.T) {
	tr := NewTracker()
	id := tr.Enqueue("G4 P0")
	assert.NoError(t, tr.MarkSent(id))
	assert.Equal(t, ErrNotPending, tr.MarkSent(id))
	assert.Equal(t, ErrNotPending, tr.MarkSent(9999))
}

func TestTracker_RemoveListener(t *testing.T) {
	tr := NewTracker()
	rec := &recordListener{}
	tr.AddListener(rec)
	tr.RemoveListener(rec)

	id := tr.Enqueue("G0 X1")
	assert.NoError(t, tr.MarkSent(id))
	assert.Empty(t, rec.events)
}
