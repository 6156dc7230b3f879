package tinyg

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mastercactapus/cnclink/machine"
)

func TestParse_Ack(t *testing.T) {
	resp := Parse(`{"r":{"gc":"G0X1"},"f":[1,0,6]}`)
	assert.Equal(t, KindAck, resp.Kind)
	assert.Equal(t, 0, resp.Code)

	// missing footer reads as OK
	resp = Parse(`{"r":{}}`)
	assert.Equal(t, KindAck, resp.Kind)
}

func TestParse_Error(t *testing.T) {
	resp := Parse(`{"r":{},"f":[1,108,2]}`)
	assert.Equal(t, KindError, resp.Kind)
	assert.Equal(t, 108, resp.Code)
	assert.Equal(t, "Gcode command unsupported", StatusDescription(resp.Code))

	assert.Equal(t, "Status code 999", StatusDescription(999))
}

func TestParse_Status(t *testing.T) {
	resp := Parse(`{"sr":{"stat":5,"posx":10.0,"posy":5.0,"posz":2.5,"vel":350.5,"feed":400.0}}`)
	assert.Equal(t, KindStatus, resp.Kind)

	st := resp.Status
	assert.Equal(t, StatRun, *st.Stat)
	assert.Equal(t, 10.0, *st.WPos.X)
	assert.Equal(t, 2.5, *st.WPos.Z)
	assert.Equal(t, 350.5, *st.Velocity)
	assert.Equal(t, 400.0, *st.Feed)
	assert.True(t, st.MPos.Empty())
}

func TestParse_StatusSparse(t *testing.T) {
	// TinyG only reports fields that changed
	resp := Parse(`{"sr":{"posx":3.0}}`)
	assert.Equal(t, KindStatus, resp.Kind)
	assert.Nil(t, resp.Status.Stat)
	assert.Equal(t, 3.0, *resp.Status.WPos.X)
	assert.Nil(t, resp.Status.WPos.Y)
}

func TestParse_InlineStatus(t *testing.T) {
	resp := Parse(`{"r":{"sr":{"stat":3}},"f":[1,0,4]}`)
	assert.Equal(t, KindAck, resp.Kind)
	assert.NotNil(t, resp.Status)
	assert.Equal(t, StatStop, *resp.Status.Stat)
}

func TestParse_Probe(t *testing.T) {
	resp := Parse(`{"r":{"prb":{"e":1,"x":1.0,"y":2.0,"z":3.0}},"f":[1,0,5]}`)
	assert.Equal(t, KindProbe, resp.Kind)
	assert.True(t, resp.Probe.Valid)
	assert.Equal(t, 3.0, resp.Probe.Position.Z)

	resp = Parse(`{"r":{"prb":{"e":0,"x":0,"y":0,"z":-25.0}},"f":[1,0,5]}`)
	assert.Equal(t, KindProbe, resp.Kind)
	assert.False(t, resp.Probe.Valid)
}

func TestParse_Exception(t *testing.T) {
	resp := Parse(`{"er":{"fb":100.11,"st":29,"msg":"Generic error"}}`)
	assert.Equal(t, KindException, resp.Kind)
	assert.Equal(t, 29, resp.Code)
	assert.Equal(t, "Generic error", resp.Message)
}

func TestParse_NonJSON(t *testing.T) {
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("  \r"))

	resp := Parse("SYSTEM READY")
	assert.Equal(t, KindMessage, resp.Kind)
	assert.Equal(t, "SYSTEM READY", resp.Message)

	resp = Parse("{not valid json")
	assert.Equal(t, KindMessage, resp.Kind)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, machine.StatusIdle, StatusOf(StatInit))
	assert.Equal(t, machine.StatusIdle, StatusOf(StatReady))
	assert.Equal(t, machine.StatusIdle, StatusOf(StatStop))
	assert.Equal(t, machine.StatusIdle, StatusOf(StatEnd))
	assert.Equal(t, machine.StatusRun, StatusOf(StatRun))
	assert.Equal(t, machine.StatusRun, StatusOf(StatHoming))
	assert.Equal(t, machine.StatusHold, StatusOf(StatHold))
	assert.Equal(t, machine.StatusAlarm, StatusOf(StatAlarm))
	assert.Equal(t, machine.StatusError, StatusOf(42))
}

func TestGCLine(t *testing.T) {
	assert.Equal(t, `{"gc":"G0X1"}`, gcLine("G0X1"))
	// quoting is handled by the encoder
	assert.Equal(t, `{"gc":"G0 X1 \"odd\""}`, gcLine(`G0 X1 "odd"`))
}
