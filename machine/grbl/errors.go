package grbl

import "fmt"

// errorDescriptions maps firmware error:N codes to readable text.
var errorDescriptions = map[int]string{
	1:  "Expected command letter",
	2:  "Bad number format",
	3:  "Invalid statement",
	4:  "Value < 0",
	5:  "Setting disabled",
	6:  "Value < 3 usec",
	7:  "EEPROM read fail. Using defaults",
	8:  "Not idle",
	9:  "G-code lock",
	10: "Homing not enabled",
	11: "Line overflow",
	12: "Step rate > 30kHz",
	13: "Check Door",
	14: "Line length exceeded",
	15: "Travel exceeded",
	16: "Invalid jog command",
	17: "Setting disabled",
	20: "Unsupported command",
	21: "Modal group violation",
	22: "Undefined feed rate",
	23: "Failed to execute startup block",
	24: "Invalid gcode ID:24",
	25: "Invalid gcode ID:25",
	26: "Invalid gcode ID:26",
	27: "Invalid gcode ID:27",
	28: "Invalid gcode ID:28",
	29: "Invalid gcode ID:29",
	30: "Invalid gcode ID:30",
	31: "Invalid gcode ID:31",
	32: "Invalid gcode ID:32",
	33: "Invalid gcode ID:33",
	34: "Invalid gcode ID:34",
	35: "Invalid gcode ID:35",
	36: "Invalid gcode ID:36",
	37: "Invalid gcode ID:37",
	38: "Invalid gcode ID:38",
}

// alarmDescriptions maps ALARM:N codes to readable text.
var alarmDescriptions = map[int]string{
	1:  "Hard limit triggered",
	2:  "G-code motion target exceeds machine travel",
	3:  "Reset while in motion",
	4:  "Probe fail. The probe is not in the expected initial state",
	5:  "Probe fail. Probe did not contact the workpiece",
	6:  "Homing fail. Reset during active homing cycle",
	7:  "Homing fail. Safety door was opened during active homing cycle",
	8:  "Homing fail. Cycle failed to clear limit switch when pulling off",
	9:  "Homing fail. Could not find limit switch within search distance",
	10: "Homing fail. On dual axis machines, could not find the second limit switch",
}

// ErrorDescription returns the text for a firmware error code.
func ErrorDescription(code int) string {
	if d, ok := errorDescriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("Unknown error code %d", code)
}

// AlarmDescription returns the text for a firmware alarm code.
func AlarmDescription(code int) string {
	if d, ok := alarmDescriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("Unknown alarm code %d", code)
}
