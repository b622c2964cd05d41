package market

import (
	"errors"
	"math"
)

// ErrInsufficientData is returned when a series is too short for the requested window.
// Callers fall back to a default (fixed spacing, neutral trend) rather than failing.
var ErrInsufficientData = errors.New("insufficient candle data")

// DefaultSpikeWindow is the number of true-range samples averaged for spike detection.
const DefaultSpikeWindow = 30

// TrueRanges computes the true range of every candle. The first candle uses its own
// close as the previous close.
func TrueRanges(candles []Kline) []float64 {
	if len(candles) == 0 {
		return nil
	}
	trs := make([]float64, len(candles))
	for i, c := range candles {
		prevClose := c.Close
		if i > 0 {
			prevClose = candles[i-1].Close
		}
		trs[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return trs
}

// AverageTrueRange returns the mean of the last period true ranges together with the full
// true-range series.
func AverageTrueRange(candles []Kline, period int) (float64, []float64, error) {
	if period <= 0 || len(candles) < period {
		return 0, nil, ErrInsufficientData
	}
	trs := TrueRanges(candles)
	return mean(trs[len(trs)-period:]), trs, nil
}

// VolatilitySpike reports whether the latest true range exceeds multiplier times the mean
// of the last DefaultSpikeWindow true ranges. Too few samples never count as a spike.
func VolatilitySpike(candles []Kline, multiplier float64) bool {
	return VolatilitySpikeWindow(TrueRanges(candles), multiplier, DefaultSpikeWindow)
}

// VolatilitySpikeWindow is VolatilitySpike over a precomputed true-range series.
func VolatilitySpikeWindow(trs []float64, multiplier float64, window int) bool {
	if window <= 0 || len(trs) < window {
		return false
	}
	avg := mean(trs[len(trs)-window:])
	if avg <= 0 {
		return false
	}
	return trs[len(trs)-1] > multiplier*avg
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
