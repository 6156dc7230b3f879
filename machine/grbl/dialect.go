package grbl

import "time"

// Dialect captures the differences between grbl-family firmwares. All
// of them speak the same line protocol; buffer sizes, poll rates and
// jog support vary.
type Dialect struct {
	Name string

	// RxBufferSize is the firmware serial receive buffer in bytes.
	RxBufferSize int

	PollInterval time.Duration

	// HasJog is true when the firmware accepts $J= jog commands and
	// the 0x85 jog-cancel byte.
	HasJog bool
}

var (
	DialectGrbl = Dialect{
		Name:         "grbl",
		RxBufferSize: 128,
		PollInterval: 100 * time.Millisecond,
		HasJog:       true,
	}

	DialectFluidNC = Dialect{
		Name:         "fluidnc",
		RxBufferSize: 128,
		PollInterval: 100 * time.Millisecond,
		HasJog:       true,
	}

	DialectSmoothie = Dialect{
		Name:         "smoothieware",
		RxBufferSize: 64,
		PollInterval: 200 * time.Millisecond,
		HasJog:       false,
	}
)
