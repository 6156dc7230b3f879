package grbl

import (
	"strconv"
	"strings"

	"github.com/mastercactapus/cnclink/coord"
	"github.com/mastercactapus/cnclink/machine"
)

// ResponseKind tags a parsed firmware line.
type ResponseKind int

const (
	KindOk ResponseKind = iota
	KindError
	KindAlarm
	KindStatus
	KindSetting
	KindVersion
	KindProbe
	KindParserState
	KindFeedback
	KindMessage
)

// StatusUpdate is one parsed status report. Positions are sparse:
// axes the firmware omitted stay nil and keep their previous value
// when merged by the controller.
type StatusUpdate struct {
	State string

	MPos coord.PartialPosition
	WPos coord.PartialPosition
	WCO  coord.PartialPosition

	Buffer *machine.BufferState

	Feed    *float64
	Spindle *float64

	Override *machine.Overrides
	Pins     string
}

// Setting is one `$N=value` line.
type Setting struct {
	Num   int
	Value string
}

// Response is a typed firmware line.
type Response struct {
	Kind ResponseKind
	Raw  string

	// Code is set for KindError and KindAlarm.
	Code int

	Status  *StatusUpdate
	Setting *Setting
	Probe   *machine.ProbeResult

	// Version is the banner text after the firmware name.
	Version string

	// Message carries feedback, parser state, or unclassified text.
	Message string
}

var versionBanners = []string{"Grbl ", "GrblHAL ", "FluidNC ", "Smoothie"}

// Parse classifies one firmware line. It is a pure function; blank
// input yields nil. Dispatch order matters since the patterns overlap.
func Parse(line string) *Response {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	resp := &Response{Raw: line}

	if line == "ok" {
		resp.Kind = KindOk
		return resp
	}
	if rest := prefixAfterFold(line, "error:"); rest != "" {
		code, err := strconv.Atoi(strings.TrimSpace(rest))
		if err == nil {
			resp.Kind = KindError
			resp.Code = code
			return resp
		}
	}
	if rest := prefixAfterFold(line, "alarm:"); rest != "" {
		code, err := strconv.Atoi(strings.TrimSpace(rest))
		if err == nil {
			resp.Kind = KindAlarm
			resp.Code = code
			return resp
		}
	}
	if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") && strings.Contains(line, "|") {
		resp.Kind = KindStatus
		resp.Status = parseStatus(line)
		return resp
	}
	if strings.HasPrefix(line, "$") && strings.Contains(line, "=") {
		parts := strings.SplitN(line[1:], "=", 2)
		num, err := strconv.Atoi(parts[0])
		if err == nil {
			resp.Kind = KindSetting
			resp.Setting = &Setting{Num: num, Value: parts[1]}
			return resp
		}
	}
	for _, banner := range versionBanners {
		if strings.HasPrefix(line, banner) {
			resp.Kind = KindVersion
			resp.Version = strings.TrimSpace(strings.TrimPrefix(line, banner))
			return resp
		}
	}
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		return parseFeedback(resp, line[1:len(line)-1])
	}

	resp.Kind = KindMessage
	resp.Message = line
	return resp
}

// prefixAfterFold returns the text after a case-insensitive prefix, or
// "" when the prefix does not match. Grbl emits "error:"/"ALARM:".
func prefixAfterFold(line, prefix string) string {
	if len(line) <= len(prefix) {
		return ""
	}
	if !strings.EqualFold(line[:len(prefix)], prefix) {
		return ""
	}
	return line[len(prefix):]
}

func parseFeedback(resp *Response, body string) *Response {
	parts := strings.SplitN(body, ":", 2)
	switch parts[0] {
	case "PRB":
		// [PRB:1.000,2.000,3.000:1]
		if len(parts) == 2 {
			fields := strings.Split(parts[1], ":")
			var res machine.ProbeResult
			if len(fields) >= 2 {
				res.Valid = fields[1] == "1"
			}
			if p, ok := parsePosition(fields[0]); ok {
				res.Position = p.Merge(coord.Position{})
				resp.Kind = KindProbe
				resp.Probe = &res
				return resp
			}
		}
	case "GC":
		if len(parts) == 2 {
			resp.Kind = KindParserState
			resp.Message = parts[1]
			return resp
		}
	case "MSG":
		if len(parts) == 2 {
			resp.Kind = KindFeedback
			resp.Message = parts[1]
			return resp
		}
	}

	resp.Kind = KindFeedback
	resp.Message = body
	return resp
}

// parsePosition accepts 3-6 comma-separated axis values.
func parsePosition(data string) (coord.PartialPosition, bool) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return coord.PartialPosition{}, false
	}
	vals := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return coord.PartialPosition{}, false
		}
		vals = append(vals, v)
	}
	return coord.FromList(vals), true
}

// parseStatus splits a `<State|Key:val|...>` report. A field that
// fails to parse is skipped; the rest of the report stays usable.
func parseStatus(line string) *StatusUpdate {
	line = strings.TrimPrefix(line, "<")
	line = strings.TrimSuffix(line, ">")
	parts := strings.Split(line, "|")

	stat := &StatusUpdate{State: parts[0]}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "MPos":
			if p, ok := parsePosition(kv[1]); ok {
				stat.MPos = p
			}
		case "WPos":
			if p, ok := parsePosition(kv[1]); ok {
				stat.WPos = p
			}
		case "WCO":
			if p, ok := parsePosition(kv[1]); ok {
				stat.WCO = p
			}
		case "Buf":
			// legacy form plan:exec
			if buf := parseBuffer(kv[1], ":"); buf != nil {
				stat.Buffer = buf
			}
		case "Bf":
			if buf := parseBuffer(kv[1], ","); buf != nil {
				stat.Buffer = buf
			}
		case "F":
			if v, err := strconv.ParseFloat(kv[1], 64); err == nil {
				stat.Feed = &v
			}
		case "FS":
			fs := strings.Split(kv[1], ",")
			if len(fs) == 2 {
				if v, err := strconv.ParseFloat(fs[0], 64); err == nil {
					stat.Feed = &v
				}
				if v, err := strconv.ParseFloat(fs[1], 64); err == nil {
					stat.Spindle = &v
				}
			}
		case "Ov":
			ov := strings.Split(kv[1], ",")
			if len(ov) == 3 {
				f, err1 := strconv.Atoi(ov[0])
				r, err2 := strconv.Atoi(ov[1])
				s, err3 := strconv.Atoi(ov[2])
				if err1 == nil && err2 == nil && err3 == nil {
					stat.Override = &machine.Overrides{Feed: f, Rapid: r, Spindle: s}
				}
			}
		case "Pn":
			stat.Pins = kv[1]
		}
		// unknown keys are ignored for forward compatibility
	}
	return stat
}

func parseBuffer(data, sep string) *machine.BufferState {
	parts := strings.Split(data, sep)
	if len(parts) != 2 {
		return nil
	}
	plan, err1 := strconv.Atoi(parts[0])
	rx, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return nil
	}
	return &machine.BufferState{PlannerBlocks: plan, RxBytes: rx}
}
