package market

// Trend classifies the direction of the slow candle series.
type Trend string

const (
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendNeutral Trend = "neutral"
)

// TrendConfig tunes DetectTrend.
type TrendConfig struct {
	FastPeriod int     // default 20
	SlowPeriod int     // default 50
	Deadband   float64 // fraction of the slow EMA, default 0.01
}

// DefaultTrendConfig returns EMA(20) vs EMA(50) with a 1% deadband.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{FastPeriod: 20, SlowPeriod: 50, Deadband: 0.01}
}

func (c TrendConfig) withDefaults() TrendConfig {
	d := DefaultTrendConfig()
	if c.FastPeriod <= 0 {
		c.FastPeriod = d.FastPeriod
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = d.SlowPeriod
	}
	if c.Deadband < 0 {
		c.Deadband = d.Deadband
	}
	return c
}

// ExponentialMovingAverage seeds with the simple average of the first period closes and
// then applies k = 2/(period+1) to the rest.
func ExponentialMovingAverage(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period {
		return 0, ErrInsufficientData
	}
	ema := mean(closes[:period])
	k := 2.0 / float64(period+1)
	for _, c := range closes[period:] {
		ema = c*k + ema*(1-k)
	}
	return ema, nil
}

// DetectTrend compares the fast and slow EMA of closes. Insufficient data is neutral.
func DetectTrend(candles []Kline, cfg TrendConfig) Trend {
	cfg = cfg.withDefaults()
	closes := Closes(candles)
	fast, err := ExponentialMovingAverage(closes, cfg.FastPeriod)
	if err != nil {
		return TrendNeutral
	}
	slow, err := ExponentialMovingAverage(closes, cfg.SlowPeriod)
	if err != nil {
		return TrendNeutral
	}
	switch {
	case fast > slow*(1+cfg.Deadband):
		return TrendUp
	case fast < slow*(1-cfg.Deadband):
		return TrendDown
	default:
		return TrendNeutral
	}
}
