package indicator

import "math"

// Bands holds one Bollinger computation. Middle is the SMA of the window,
// Upper/Lower sit Mult standard deviations away.
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// SMA returns the simple moving average of the last period values. ok is
// false while fewer than period values exist.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// Bollinger computes bands over the last period closes using the population
// standard deviation (divide by period). ok is false while the window has
// not filled.
func Bollinger(closes []float64, period int, mult float64) (Bands, bool) {
	middle, ok := SMA(closes, period)
	if !ok {
		return Bands{}, false
	}

	window := closes[len(closes)-period:]
	variance := 0.0
	for _, c := range window {
		diff := c - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return Bands{
		Upper:  middle + mult*stdDev,
		Middle: middle,
		Lower:  middle - mult*stdDev,
	}, true
}

// Preview recomputes bands with price substituted into the window's final
// slot, approximating where the bands sit if the forming bar closed now.
func Preview(closes []float64, period int, mult float64, price float64) (Bands, bool) {
	if len(closes) < period {
		return Bands{}, false
	}
	window := make([]float64, period)
	copy(window, closes[len(closes)-period:])
	window[period-1] = price
	return Bollinger(window, period, mult)
}

// Window accumulates closes and yields bands once the period has filled.
// It keeps only the closes it needs.
type Window struct {
	period int
	mult   float64
	closes []float64
}

// NewWindow creates a rolling Bollinger window.
func NewWindow(period int, mult float64) *Window {
	return &Window{
		period: period,
		mult:   mult,
		closes: make([]float64, 0, period),
	}
}

// Push appends a close and returns the bands for the window ending at it.
// ok is false for the first period-1 closes.
func (w *Window) Push(close float64) (Bands, bool) {
	w.closes = append(w.closes, close)
	if len(w.closes) > w.period {
		w.closes = w.closes[1:]
	}
	if len(w.closes) < w.period {
		return Bands{}, false
	}
	return Bollinger(w.closes, w.period, w.mult)
}

// Ready reports whether the window has seen at least period closes.
func (w *Window) Ready() bool {
	return len(w.closes) >= w.period
}

// Len returns the number of closes currently held.
func (w *Window) Len() int {
	return len(w.closes)
}

// Closes returns a copy of the currently held closes, oldest first.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.closes))
	copy(out, w.closes)
	return out
}
