package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerWeightedCost(t *testing.T) {
	var tr Tracker
	tr.Update(1, 100)
	tr.Update(1, 200)
	assert.Equal(t, 2.0, tr.NetExposure())
	assert.Equal(t, 150.0, tr.AvgCost())

	tr.Update(-1, 300)
	assert.Equal(t, 1.0, tr.NetExposure())
	assert.Equal(t, 150.0, tr.AvgCost(), "selling keeps the cost basis")

	net, pnl := tr.Valuation(170)
	assert.Equal(t, 1.0, net)
	assert.Equal(t, 20.0, pnl)

	tr.Update(-5, 300)
	assert.Equal(t, 0.0, tr.NetExposure())
	assert.Equal(t, 0.0, tr.AvgCost())
}

func TestBookApplyFill(t *testing.T) {
	b := NewBook()
	b.ApplyFill("ETHNOK", "BUY", 2, 10)
	b.ApplyFill("BTCNOK", "BUY", 1, 100)
	b.ApplyFill("BTCNOK", "SELL", 0.5, 120)
	b.ApplyFill("BTCNOK", "BUY", 0, 1)

	pos := b.Positions()
	require.Len(t, pos, 2)
	assert.Equal(t, Position{Symbol: "BTCNOK", Net: 0.5, AvgCost: 100}, pos[0])
	assert.Equal(t, Position{Symbol: "ETHNOK", Net: 2, AvgCost: 10}, pos[1])

	b.Restore([]Position{{Symbol: "XRPNOK", Net: 3, AvgCost: 5}})
	assert.Equal(t, []Position{{Symbol: "XRPNOK", Net: 3, AvgCost: 5}}, b.Positions())
}

func TestValuate(t *testing.T) {
	prices := map[string]float64{"BTCNOK": 100000, "ETHNOK": 20000}
	lookup := func(s string) (float64, bool) {
		p, ok := prices[s]
		return p, ok
	}
	p := Valuate([]Holding{
		{Asset: "NOK", Quantity: 5000, Quote: true},
		{Asset: "BTC", Symbol: "BTCNOK", Quantity: 0.02},
		{Asset: "ETH", Symbol: "ETHNOK", Quantity: 0.1},
		{Asset: "XRP", Symbol: "XRPNOK", Quantity: 10},
		{Asset: "ADA", Symbol: "ADANOK", Quantity: 0},
	}, lookup)

	assert.InDelta(t, 9000, p.TotalValue, 1e-6)
	assert.Equal(t, 5000.0, p.QuoteValue)
	assert.InDelta(t, 2000, p.Values["BTCNOK"], 1e-6)
	assert.InDelta(t, 2000, p.Values["ETHNOK"], 1e-6)
	_, ok := p.Values["XRPNOK"]
	assert.False(t, ok, "unpriced assets are skipped")
}
