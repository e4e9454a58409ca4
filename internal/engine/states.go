package engine

import "github.com/looplab/fsm"

// The machine is the eight-state Bollinger cycle. S0/S1/S3 are flat,
// S2/S4/S5/S7 hold a position, S6 holds a short or nothing.
const (
	StateIdle           = "S0"
	StateAboveUpper     = "S1"
	StateHoldingShort   = "S2"
	StateShortStopped   = "S3"
	StateBelowMidShort  = "S4"
	StateHoldingLong    = "S5"
	StateBelowLowerWait = "S6"
	StateAboveMidWait   = "S7"
)

var stateNames = map[string]string{
	StateIdle:           "IDLE",
	StateAboveUpper:     "ABOVE_UPPER",
	StateHoldingShort:   "HOLDING_SHORT",
	StateShortStopped:   "SHORT_STOPPED",
	StateBelowMidShort:  "BELOW_MID_SHORT",
	StateHoldingLong:    "HOLDING_LONG",
	StateBelowLowerWait: "BELOW_LOWER_WAIT",
	StateAboveMidWait:   "ABOVE_MID_WAIT",
}

// StateName returns the display name for a state id.
func StateName(state string) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return state
}

// stateIndex feeds the engine-state gauge.
var stateIndex = map[string]int{
	StateIdle:           0,
	StateAboveUpper:     1,
	StateHoldingShort:   2,
	StateShortStopped:   3,
	StateBelowMidShort:  4,
	StateHoldingLong:    5,
	StateBelowLowerWait: 6,
	StateAboveMidWait:   7,
}

const (
	evMarkAbove       = "mark_above_upper"
	evEnterShort      = "enter_short"
	evStopShort       = "stop_short"
	evShortBelowMid   = "short_below_mid"
	evShortBelowLower = "short_below_lower"
	evFlipLong        = "flip_long"
	evStopLong        = "stop_long"
	evFlipShort       = "flip_short"
	evLongAboveUpper  = "long_above_upper"
)

// eventDst mirrors the machine's Dst column so trade rows can carry the
// destination state before the event fires.
var eventDst = map[string]string{
	evMarkAbove:       StateAboveUpper,
	evEnterShort:      StateHoldingShort,
	evStopShort:       StateShortStopped,
	evShortBelowMid:   StateBelowMidShort,
	evShortBelowLower: StateBelowLowerWait,
	evFlipLong:        StateHoldingLong,
	evStopLong:        StateIdle,
	evFlipShort:       StateHoldingShort,
	evLongAboveUpper:  StateAboveUpper,
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evMarkAbove, Src: []string{StateIdle}, Dst: StateAboveUpper},
			{Name: evEnterShort, Src: []string{StateAboveUpper, StateShortStopped}, Dst: StateHoldingShort},
			{Name: evStopShort, Src: []string{StateHoldingShort}, Dst: StateShortStopped},
			{Name: evShortBelowMid, Src: []string{StateHoldingShort}, Dst: StateBelowMidShort},
			{Name: evShortBelowLower, Src: []string{StateBelowMidShort}, Dst: StateBelowLowerWait},
			{Name: evFlipLong, Src: []string{StateBelowMidShort, StateBelowLowerWait}, Dst: StateHoldingLong},
			{Name: evStopLong, Src: []string{StateHoldingLong}, Dst: StateIdle},
			{Name: evFlipShort, Src: []string{StateHoldingLong, StateAboveMidWait}, Dst: StateHoldingShort},
			{Name: evLongAboveUpper, Src: []string{StateAboveMidWait}, Dst: StateAboveUpper},
		},
		fsm.Callbacks{},
	)
}
