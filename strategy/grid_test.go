package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/market"
)

type fakeCandles struct {
	byInterval map[string][]market.Kline
	err        error
	calls      []string
}

func (f *fakeCandles) FetchCandles(_ context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	f.calls = append(f.calls, interval)
	if f.err != nil {
		return nil, f.err
	}
	return f.byInterval[interval], nil
}

func calmCandles(n int) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		out[i] = market.Kline{Open: 100, High: 101, Low: 100, Close: 100.5}
	}
	return out
}

func withSpike(candles []market.Kline) []market.Kline {
	return append(candles, market.Kline{Open: 100, High: 110, Low: 100, Close: 105})
}

func trendCandles(n int, start, step float64) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = market.Kline{Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func newTestGrid(levels int) *Grid {
	cfg := DefaultConfig()
	cfg.Levels = levels
	return NewGrid("BTCNOK", cfg)
}

func TestGenerateLadderUsesATRSpacing(t *testing.T) {
	g := newTestGrid(2)
	g.SetBasePrice(100000)
	g.mu.Lock()
	g.cond.ATR, g.cond.ATRAvailable = 1000, true
	g.mu.Unlock()

	l, err := g.GenerateLadder()
	require.NoError(t, err)
	assert.Equal(t, 500.0, l.Spacing)
	assert.Equal(t, 750.0, l.TakeProfitOffset)
	assert.Equal(t, map[int]float64{1: 99500, 2: 99000}, l.Buy)
	assert.Equal(t, map[int]float64{1: 100250, 2: 99750}, l.Sell)
}

func TestGenerateLadderFallbackSpacing(t *testing.T) {
	g := newTestGrid(3)
	g.SetBasePrice(1000)

	l, err := g.GenerateLadder()
	require.NoError(t, err)
	assert.InDelta(t, 20.0, l.Spacing, 1e-9)
	assert.Equal(t, 980.0, l.Buy[1])
	assert.Equal(t, 1010.0, l.Sell[1])
	assert.Equal(t, 940.0, l.Buy[3])
}

func TestGenerateLadderOrdering(t *testing.T) {
	g := newTestGrid(10)
	g.SetBasePrice(123.457)
	g.mu.Lock()
	g.cond.ATR, g.cond.ATRAvailable = 3.3, true
	g.mu.Unlock()

	l, err := g.GenerateLadder()
	require.NoError(t, err)
	levels := l.Levels()
	require.Len(t, levels, 10)
	for i, lvl := range levels {
		assert.Equal(t, i+1, lvl, "levels are contiguous from 1")
		assert.Greater(t, l.Sell[lvl], l.Buy[lvl])
		if i > 0 {
			assert.Less(t, l.Buy[lvl], l.Buy[levels[i-1]])
		}
	}
}

func TestGenerateLadderRoundsHalfUp(t *testing.T) {
	g := newTestGrid(1)
	g.SetBasePrice(100.015)
	g.mu.Lock()
	g.cond.ATR, g.cond.ATRAvailable = 0.02, true // spacing 0.01
	g.mu.Unlock()

	l, err := g.GenerateLadder()
	require.NoError(t, err)
	assert.Equal(t, 100.01, l.Buy[1])  // 100.005
	assert.Equal(t, 100.03, l.Sell[1]) // 100.01 + 0.015 = 100.025
}

func TestGenerateLadderAlignsToTickSize(t *testing.T) {
	cases := []struct {
		name string
		tick float64
		base float64
		atr  float64
		buy  map[int]float64
		sell map[int]float64
	}{
		{
			name: "整数步长",
			tick: 1,
			base: 612345.67,
			atr:  1234.5, // spacing 617.25, offset 925.875
			buy:  map[int]float64{1: 611728, 2: 611111, 3: 610494},
			sell: map[int]float64{1: 612654, 2: 612037, 3: 611420},
		},
		{
			name: "半单位步长",
			tick: 0.5,
			base: 100.3,
			atr:  4.012, // spacing 2.006, offset 3.009
			buy:  map[int]float64{1: 98.5, 2: 96.5, 3: 94.5},
			sell: map[int]float64{1: 101.5, 2: 99.5, 3: 97.5},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Levels = 3
			cfg.TickSize = tc.tick
			g := NewGrid("BTCNOK", cfg)
			g.SetBasePrice(tc.base)
			g.mu.Lock()
			g.cond.ATR, g.cond.ATRAvailable = tc.atr, true
			g.mu.Unlock()

			l, err := g.GenerateLadder()
			require.NoError(t, err)
			for lvl, want := range tc.buy {
				assert.InDelta(t, want, l.Buy[lvl], 1e-9, "buy L%d", lvl)
				assert.InDelta(t, tc.sell[lvl], l.Sell[lvl], 1e-9, "sell L%d", lvl)
			}
			assert.Len(t, l.Buy, len(tc.buy))
		})
	}
}

func TestGenerateLadderSpacingBelowPriceUnit(t *testing.T) {
	cases := []struct {
		name string
		tick float64
		base float64
		atr  float64
	}{
		{name: "间距小于两位小数", base: 1, atr: 0.01},
		{name: "基准价未对齐", base: 1.004, atr: 0.001},
		{name: "间距小于步长", tick: 1, base: 10, atr: 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Levels = 5
			cfg.TickSize = tc.tick
			g := NewGrid("BTCNOK", cfg)
			g.SetBasePrice(tc.base)
			g.mu.Lock()
			g.cond.ATR, g.cond.ATRAvailable = tc.atr, true
			g.mu.Unlock()

			l, err := g.GenerateLadder()
			require.NoError(t, err)
			levels := l.Levels()
			require.NotEmpty(t, levels)
			assert.Less(t, l.Buy[1], tc.base)
			for i, lvl := range levels {
				assert.Equal(t, i+1, lvl)
				assert.Greater(t, l.Sell[lvl], l.Buy[lvl])
				if i > 0 {
					assert.Less(t, l.Buy[lvl], l.Buy[levels[i-1]], "L%d", lvl)
				}
			}
		})
	}

	g := newTestGrid(3)
	g.SetBasePrice(1)
	g.mu.Lock()
	g.cond.ATR, g.cond.ATRAvailable = 0.01, true
	g.mu.Unlock()
	l, err := g.GenerateLadder()
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 0.99, 2: 0.98, 3: 0.97}, l.Buy)
	assert.Equal(t, 0.01, l.Spacing)
}

func TestGenerateLadderStopsAtNonPositivePrices(t *testing.T) {
	g := newTestGrid(60)
	g.SetBasePrice(100)

	l, err := g.GenerateLadder()
	require.NoError(t, err)
	assert.Len(t, l.Buy, 49)
	for _, p := range l.Buy {
		assert.Positive(t, p)
	}
}

func TestGenerateLadderInvalidBase(t *testing.T) {
	g := newTestGrid(3)
	_, err := g.GenerateLadder()
	assert.ErrorIs(t, err, ErrInvalidBasePrice)
}

func TestRefreshConditions(t *testing.T) {
	cases := []struct {
		name       string
		fast       []market.Kline
		slow       []market.Kline
		wantTrend  market.Trend
		wantSpike  bool
		wantActive bool
		wantLevels int
	}{
		{"平稳", calmCandles(40), trendCandles(60, 150, 0), market.TrendNeutral, false, true, 5},
		{"中性趋势的尖峰保持活跃", withSpike(calmCandles(40)), trendCandles(60, 150, 0), market.TrendNeutral, true, true, 5},
		{"上升趋势尖峰保留两档", withSpike(calmCandles(40)), trendCandles(60, 100, 1), market.TrendUp, true, false, 2},
		{"下降趋势尖峰清空", withSpike(calmCandles(40)), trendCandles(60, 200, -1), market.TrendDown, true, false, 0},
		{"上升趋势无尖峰", calmCandles(40), trendCandles(60, 100, 1), market.TrendUp, false, true, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeCandles{byInterval: map[string][]market.Kline{"1h": tc.fast, "4h": tc.slow}}
			g := newTestGrid(5)
			g.SetBasePrice(1000)
			require.NoError(t, g.RefreshConditions(context.Background(), src))

			c := g.Conditions()
			assert.Equal(t, tc.wantTrend, c.Trend)
			assert.Equal(t, tc.wantSpike, c.Spike)
			assert.Equal(t, tc.wantActive, c.Active)
			assert.True(t, c.ATRAvailable)

			l, err := g.GenerateLadder()
			require.NoError(t, err)
			assert.Len(t, l.Buy, tc.wantLevels)
			assert.Len(t, g.BuyOrders(), tc.wantLevels)
			assert.Len(t, g.SellOrders(), tc.wantLevels)
		})
	}
}

func TestRefreshConditionsTracksPreviousATR(t *testing.T) {
	src := &fakeCandles{byInterval: map[string][]market.Kline{"1h": calmCandles(20), "4h": nil}}
	g := newTestGrid(3)

	require.NoError(t, g.RefreshConditions(context.Background(), src))
	first := g.Conditions()
	assert.False(t, first.PreviousATRAvailable)
	assert.InDelta(t, 1.0, first.ATR, 1e-9)
	assert.Equal(t, 100.5, g.BasePrice(), "base seeded from last close")

	require.NoError(t, g.RefreshConditions(context.Background(), src))
	second := g.Conditions()
	assert.True(t, second.PreviousATRAvailable)
	assert.InDelta(t, 1.0, second.PreviousATR, 1e-9)
}

func TestRefreshConditionsInsufficientDataFallsBack(t *testing.T) {
	src := &fakeCandles{byInterval: map[string][]market.Kline{"1h": calmCandles(5)}}
	g := newTestGrid(1)
	g.SetBasePrice(500)
	require.NoError(t, g.RefreshConditions(context.Background(), src))
	assert.False(t, g.Conditions().ATRAvailable)

	l, err := g.GenerateLadder()
	require.NoError(t, err)
	assert.Equal(t, 490.0, l.Buy[1])
}

func TestRefreshConditionsPropagatesFetchError(t *testing.T) {
	boom := errors.New("venue down")
	g := newTestGrid(1)
	err := g.RefreshConditions(context.Background(), &fakeCandles{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, market.TrendNeutral, g.Conditions().Trend)
}

func TestProposalsCarryTakeProfit(t *testing.T) {
	g := newTestGrid(2)
	assert.Empty(t, g.BuyOrders(), "no ladder yet")

	g.SetBasePrice(1000)
	_, err := g.GenerateLadder()
	require.NoError(t, err)

	buys := g.BuyOrders()
	require.Len(t, buys, 2)
	assert.Equal(t, Proposal{Symbol: "BTCNOK", Side: "BUY", Level: 1, Price: 980, TakeProfit: 1010}, buys[0])
	sells := g.SellOrders()
	assert.Equal(t, 1010.0, sells[0].Price)
}

func TestRestoreLadder(t *testing.T) {
	g := newTestGrid(2)
	g.Restore(Ladder{Symbol: "BTCNOK", BasePrice: 1000, Buy: map[int]float64{1: 980}, Sell: map[int]float64{1: 1010}, Active: true, Trend: market.TrendUp})
	l, ok := g.Ladder()
	require.True(t, ok)
	assert.Equal(t, 980.0, l.Buy[1])
	assert.Equal(t, 1000.0, g.BasePrice())
	assert.Equal(t, market.TrendUp, g.Conditions().Trend)
}
