package tinyg

import "time"

// Dialect captures the differences between TinyG and g2core. Both
// speak the same JSON protocol; the line-mode window differs.
type Dialect struct {
	Name string

	// Window is the number of unacknowledged lines the firmware
	// accepts in line mode.
	Window int

	PollInterval time.Duration
}

var (
	DialectTinyG = Dialect{
		Name:         "tinyg",
		Window:       4,
		PollInterval: 250 * time.Millisecond,
	}

	DialectG2Core = Dialect{
		Name:         "g2core",
		Window:       8,
		PollInterval: 250 * time.Millisecond,
	}
)
