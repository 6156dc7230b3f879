package tinyg

import "fmt"

// statusDescriptions maps the footer status codes the firmware
// reports most often. The full table is much larger; unknown codes
// fall back to the numeric form.
var statusDescriptions = map[int]string{
	1:   "Internal error",
	2:   "Command rejected, try again",
	3:   "No operation performed",
	20:  "Internal error",
	21:  "Internal range error",
	23:  "Divide by zero",
	100: "Unrecognized name",
	101: "Invalid or malformed command",
	102: "Bad number format",
	104: "Parameter is read-only",
	108: "Gcode command unsupported",
	109: "Gcode modal group violation",
	130: "Soft limit exceeded",
	136: "Homing cycle failed",
	203: "Machine alarmed, command not processed",
}

// StatusDescription returns the text for a footer status code.
func StatusDescription(code int) string {
	if d, ok := statusDescriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("Status code %d", code)
}
