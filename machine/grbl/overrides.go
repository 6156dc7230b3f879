package grbl

import "github.com/mastercactapus/cnclink/machine"

// grbl 1.1 realtime override bytes.
const (
	rtFeedReset   = 0x90
	rtFeedPlus10  = 0x91
	rtFeedMinus10 = 0x92
	rtFeedPlus1   = 0x93
	rtFeedMinus1  = 0x94

	rtRapid100 = 0x95
	rtRapid50  = 0x96
	rtRapid25  = 0x97

	rtSpindleReset   = 0x99
	rtSpindlePlus10  = 0x9A
	rtSpindleMinus10 = 0x9B
	rtSpindlePlus1   = 0x9C
	rtSpindleMinus1  = 0x9D
)

type overrideBytes struct {
	reset, plus10, minus10, plus1, minus1 byte
}

var (
	feedOverride    = overrideBytes{rtFeedReset, rtFeedPlus10, rtFeedMinus10, rtFeedPlus1, rtFeedMinus1}
	spindleOverride = overrideBytes{rtSpindleReset, rtSpindlePlus10, rtSpindleMinus10, rtSpindlePlus1, rtSpindleMinus1}
)

// stepOverride walks the firmware's override value from cur to target
// using the coarse/fine adjust bytes. The wire protocol has no
// absolute set, only reset-to-100 and relative steps.
func (c *Controller) stepOverride(cur, target int, b overrideBytes) error {
	if target == 100 {
		return c.conn.SendRealtime(b.reset)
	}
	delta := target - cur
	for delta != 0 {
		var send byte
		switch {
		case delta >= 10:
			send = b.plus10
			delta -= 10
		case delta <= -10:
			send = b.minus10
			delta += 10
		case delta > 0:
			send = b.plus1
			delta--
		default:
			send = b.minus1
			delta++
		}
		err := c.conn.SendRealtime(send)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetFeedOverride steps the feed override to pct. The new value shows
// up in the next status report's Ov field.
func (c *Controller) SetFeedOverride(pct int) error {
	if err := machine.ValidateFeedOverride(pct); err != nil {
		return err
	}
	if err := c.requireConnected(); err != nil {
		return err
	}
	cur := c.Report().Overrides.Feed
	if cur == 0 {
		cur = 100
	}
	return c.stepOverride(cur, pct, feedOverride)
}

// SetRapidOverride selects one of the fixed rapid override levels.
func (c *Controller) SetRapidOverride(pct int) error {
	if err := machine.ValidateRapidOverride(pct); err != nil {
		return err
	}
	if err := c.requireConnected(); err != nil {
		return err
	}
	var b byte
	switch pct {
	case 100:
		b = rtRapid100
	case 50:
		b = rtRapid50
	case 25:
		b = rtRapid25
	}
	return c.conn.SendRealtime(b)
}

// SetSpindleOverride steps the spindle override to pct.
func (c *Controller) SetSpindleOverride(pct int) error {
	if err := machine.ValidateFeedOverride(pct); err != nil {
		return err
	}
	if err := c.requireConnected(); err != nil {
		return err
	}
	cur := c.Report().Overrides.Spindle
	if cur == 0 {
		cur = 100
	}
	return c.stepOverride(cur, pct, spindleOverride)
}
