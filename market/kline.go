package market

import "time"

// Kline represents one OHLC candle, oldest first in every slice this package accepts.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Closes extracts the close series.
func Closes(candles []Kline) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
