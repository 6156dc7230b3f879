package tinyg

import (
	"encoding/json"
	"strings"

	"github.com/mastercactapus/cnclink/coord"
	"github.com/mastercactapus/cnclink/machine"
)

// ResponseKind tags a parsed firmware line.
type ResponseKind int

const (
	// KindAck is an {"r":...} response with an OK footer.
	KindAck ResponseKind = iota
	KindError
	KindStatus
	KindException
	KindProbe
	KindMessage
)

// Stat codes reported in the sr "stat" field.
const (
	StatInit    = 0
	StatReady   = 1
	StatAlarm   = 2
	StatStop    = 3
	StatEnd     = 4
	StatRun     = 5
	StatHold    = 6
	StatProbe   = 7
	StatCycle   = 8
	StatHoming  = 9
	StatJogging = 10
)

// StatusOf maps a stat code onto the coarse status enum.
func StatusOf(stat int) machine.Status {
	switch stat {
	case StatInit, StatReady, StatStop, StatEnd:
		return machine.StatusIdle
	case StatRun, StatProbe, StatCycle, StatHoming, StatJogging:
		return machine.StatusRun
	case StatHold:
		return machine.StatusHold
	case StatAlarm:
		return machine.StatusAlarm
	}
	return machine.StatusError
}

// StatusUpdate is one parsed {"sr":...} report. Fields the firmware
// omitted stay nil; TinyG only reports what changed.
type StatusUpdate struct {
	Stat *int

	WPos coord.PartialPosition
	MPos coord.PartialPosition

	Velocity *float64
	Feed     *float64
}

// Response is a typed firmware line.
type Response struct {
	Kind ResponseKind
	Raw  string

	// Code is the footer status for KindError, or the exception code
	// for KindException.
	Code int

	Status  *StatusUpdate
	Probe   *machine.ProbeResult
	Message string
}

type rawStatus struct {
	Stat *int `json:"stat"`

	Posx *float64 `json:"posx"`
	Posy *float64 `json:"posy"`
	Posz *float64 `json:"posz"`
	Posa *float64 `json:"posa"`

	Mpox *float64 `json:"mpox"`
	Mpoy *float64 `json:"mpoy"`
	Mpoz *float64 `json:"mpoz"`
	Mpoa *float64 `json:"mpoa"`

	Vel  *float64 `json:"vel"`
	Feed *float64 `json:"feed"`
}

type rawProbe struct {
	E int     `json:"e"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	A float64 `json:"a"`
}

type rawException struct {
	St  int    `json:"st"`
	Msg string `json:"msg"`
}

type rawLine struct {
	R  map[string]json.RawMessage `json:"r"`
	F  []json.Number              `json:"f"`
	SR *rawStatus                 `json:"sr"`
	ER *rawException              `json:"er"`
}

// Parse classifies one firmware line. Blank input and non-JSON
// chatter both come back as nil and KindMessage respectively.
func Parse(line string) *Response {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	resp := &Response{Raw: line}

	if !strings.HasPrefix(line, "{") {
		resp.Kind = KindMessage
		resp.Message = line
		return resp
	}

	var raw rawLine
	err := json.Unmarshal([]byte(line), &raw)
	if err != nil {
		resp.Kind = KindMessage
		resp.Message = line
		return resp
	}

	switch {
	case raw.ER != nil:
		resp.Kind = KindException
		resp.Code = raw.ER.St
		resp.Message = raw.ER.Msg
	case raw.SR != nil:
		resp.Kind = KindStatus
		resp.Status = convertStatus(raw.SR)
	case raw.R != nil:
		resp.Kind = KindAck
		resp.Code = footerStatus(raw.F)
		if resp.Code != 0 {
			resp.Kind = KindError
		}
		if prb, ok := raw.R["prb"]; ok {
			var p rawProbe
			if json.Unmarshal(prb, &p) == nil {
				resp.Kind = KindProbe
				resp.Probe = &machine.ProbeResult{
					Position: coord.Position{
						Point: coord.Point{X: p.X, Y: p.Y, Z: p.Z},
						A:     p.A,
					},
					Valid: p.E == 1,
				}
			}
		}
		// a response can also carry an inline status report
		if sr, ok := raw.R["sr"]; ok {
			var s rawStatus
			if json.Unmarshal(sr, &s) == nil {
				resp.Status = convertStatus(&s)
			}
		}
	default:
		resp.Kind = KindMessage
		resp.Message = line
	}
	return resp
}

// footerStatus extracts the status code from an f:[protocol, status,
// ...] footer. A missing or short footer reads as OK.
func footerStatus(f []json.Number) int {
	if len(f) < 2 {
		return 0
	}
	n, err := f[1].Int64()
	if err != nil {
		return 0
	}
	return int(n)
}

func convertStatus(raw *rawStatus) *StatusUpdate {
	st := &StatusUpdate{
		Stat:     raw.Stat,
		Velocity: raw.Vel,
		Feed:     raw.Feed,
	}
	st.WPos = coord.PartialPosition{X: raw.Posx, Y: raw.Posy, Z: raw.Posz, A: raw.Posa}
	st.MPos = coord.PartialPosition{X: raw.Mpox, Y: raw.Mpoy, Z: raw.Mpoz, A: raw.Mpoa}
	return st
}
