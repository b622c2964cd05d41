package posttrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/order"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func filledBuy(id, tp string, level int, price, qty float64) order.Order {
	return order.Order{
		ID: id, Symbol: "BTCNOK", Side: order.SideBuy, GridLevel: level,
		Price: price, Quantity: qty, FilledQty: qty, Status: order.StatusFilled,
		TakeProfitOrderID: tp, UpdatedAt: t0,
	}
}

func filledSell(id string, level int, price, qty float64, at time.Time) order.Order {
	return order.Order{
		ID: id, Symbol: "BTCNOK", Side: order.SideSell, GridLevel: level,
		Price: price, Quantity: qty, FilledQty: qty, Status: order.StatusFilled,
		UpdatedAt: at,
	}
}

func TestAnalyzer_Record(t *testing.T) {
	a := NewAnalyzer()
	buy := filledBuy("b1", "s1", 1, 98000, 0.05)
	sell := filledSell("s1", 1, 101000, 0.05, t0.Add(2*time.Hour))

	rt, ok := a.Record(buy, sell)
	require.True(t, ok)
	assert.InDelta(t, 150.0, rt.PnL, 1e-9)
	assert.InDelta(t, 3000.0/98000, rt.Return, 1e-12)
	assert.Equal(t, 2*time.Hour, rt.HoldTime)
	assert.Equal(t, 1, rt.Level)

	// 重复登记
	_, ok = a.Record(buy, sell)
	assert.False(t, ok)
	assert.Len(t, a.Trips(""), 1)
}

func TestAnalyzer_RecordRejects(t *testing.T) {
	sell := filledSell("s1", 1, 101000, 0.05, t0)
	tests := []struct {
		name string
		buy  order.Order
		sell order.Order
	}{
		{"买单未成交", func() order.Order { b := filledBuy("b1", "s1", 1, 98000, 0.05); b.Status = order.StatusOpen; return b }(), sell},
		{"卖单未成交", filledBuy("b1", "s1", 1, 98000, 0.05), func() order.Order { s := sell; s.Status = order.StatusPartiallyFilled; return s }()},
		{"止盈单不匹配", filledBuy("b1", "other", 1, 98000, 0.05), sell},
		{"方向颠倒", sell, filledBuy("b1", "s1", 1, 98000, 0.05)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := NewAnalyzer().Record(tt.buy, tt.sell)
			assert.False(t, ok)
		})
	}
}

func TestAnalyzer_RebuildAndStats(t *testing.T) {
	orders := []order.Order{
		filledBuy("b1", "s1", 1, 98000, 0.05),
		filledSell("s1", 1, 101000, 0.05, t0.Add(time.Hour)),
		filledBuy("b2", "s2", 2, 96000, 0.05),
		filledSell("s2", 2, 95000, 0.05, t0.Add(3*time.Hour)),
		filledBuy("b3", "s3", 3, 94000, 0.05),
		{ID: "s3", Symbol: "BTCNOK", Side: order.SideSell, Price: 97000, Quantity: 0.05, Status: order.StatusOpen},
	}

	a := NewAnalyzer()
	assert.Equal(t, 2, a.Rebuild(orders))

	stats := a.Stats()["BTCNOK"]
	assert.Equal(t, 2, stats.RoundTrips)
	assert.InDelta(t, 150.0-50.0, stats.RealizedPnL, 1e-9)
	assert.InDelta(t, 150.0, stats.BestPnL, 1e-9)
	assert.InDelta(t, -50.0, stats.WorstPnL, 1e-9)
	assert.Equal(t, 2*time.Hour, stats.AvgHoldTime)

	trips := a.Trips("BTCNOK")
	require.Len(t, trips, 2)
	assert.Equal(t, "s1", trips[0].SellOrderID)
	assert.Empty(t, a.Trips("ETHNOK"))

	// 重算会覆盖旧记录
	assert.Equal(t, 0, a.Rebuild(nil))
	assert.Empty(t, a.Stats())
}

func TestAnalyzer_CleanOldRecords(t *testing.T) {
	a := NewAnalyzer()
	a.Record(filledBuy("b1", "s1", 1, 98000, 0.05), filledSell("s1", 1, 101000, 0.05, t0))
	a.Record(filledBuy("b2", "s2", 2, 96000, 0.05), filledSell("s2", 2, 99000, 0.05, t0.Add(48*time.Hour)))

	assert.Equal(t, 1, a.CleanOldRecords(24*time.Hour, t0.Add(49*time.Hour)))
	trips := a.Trips("")
	require.Len(t, trips, 1)
	assert.Equal(t, "s2", trips[0].SellOrderID)
}
