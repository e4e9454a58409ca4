package engine

import (
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/indicator"
)

// decision is one evaluated transition: the machine event to fire plus
// the order legs it requires. No legs means a pure state move.
type decision struct {
	event    string
	reason   string
	closeLeg database.TradeSide
	openLeg  database.TradeSide
}

// decide maps the current state and the bar's close against its bands to
// at most one transition. Comparisons are strict: a close sitting exactly
// on a band is not a cross.
func decide(state string, c float64, b indicator.Bands, pos *database.Position) *decision {
	up, mid, dn := b.Upper, b.Middle, b.Lower
	switch state {
	case StateIdle:
		if c > up {
			return &decision{event: evMarkAbove, reason: "close above upper band"}
		}

	case StateAboveUpper:
		if c < up {
			return &decision{
				event:   evEnterShort,
				reason:  "re-entry below upper band",
				openLeg: database.TradeSideSell,
			}
		}

	case StateHoldingShort:
		if c > up {
			return &decision{
				event:    evStopShort,
				reason:   "short stop-loss",
				closeLeg: database.TradeSideCloseShort,
			}
		}
		if c < mid {
			return &decision{event: evShortBelowMid, reason: "short below middle band"}
		}

	case StateShortStopped:
		if c < up {
			return &decision{
				event:   evEnterShort,
				reason:  "re-entry below upper band",
				openLeg: database.TradeSideSell,
			}
		}

	case StateBelowMidShort:
		if c > mid {
			return &decision{
				event:    evFlipLong,
				reason:   "short take-profit, flip long",
				closeLeg: database.TradeSideCloseShort,
				openLeg:  database.TradeSideBuy,
			}
		}
		if c < dn {
			return &decision{event: evShortBelowLower, reason: "short below lower band"}
		}

	case StateHoldingLong:
		if c < mid {
			return &decision{
				event:    evStopLong,
				reason:   "long stop-loss",
				closeLeg: database.TradeSideCloseLong,
			}
		}
		if c > up {
			return &decision{
				event:    evFlipShort,
				reason:   "long take-profit, flip short",
				closeLeg: database.TradeSideCloseLong,
				openLeg:  database.TradeSideSell,
			}
		}

	case StateBelowLowerWait:
		if c > dn {
			d := &decision{
				event:   evFlipLong,
				reason:  "rebound above lower band",
				openLeg: database.TradeSideBuy,
			}
			if pos != nil {
				d.closeLeg = database.TradeSideCloseShort
				d.reason = "short take-profit, flip long"
			}
			return d
		}

	case StateAboveMidWait:
		if c > up {
			return &decision{event: evLongAboveUpper, reason: "close above upper band"}
		}
		if c < mid {
			return &decision{
				event:    evFlipShort,
				reason:   "long take-profit, flip short",
				closeLeg: database.TradeSideCloseLong,
				openLeg:  database.TradeSideSell,
			}
		}
	}
	return nil
}
