package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/market"
	"grid-trader-go/order"
)

type staticMarket struct {
	last float64
}

func (s *staticMarket) FetchCandles(context.Context, string, string, int) ([]market.Kline, error) {
	return []market.Kline{{Close: s.last}}, nil
}

func (s *staticMarket) FetchTicker(_ context.Context, symbol string) (Ticker, error) {
	return Ticker{Symbol: symbol, Last: s.last, Bid: s.last - 1, Ask: s.last + 1}, nil
}

func TestPaperVenueLifecycle(t *testing.T) {
	md := &staticMarket{last: 1000}
	p := NewPaperVenue(md, "nok", map[string]float64{"NOK": 10000, "BTC": 1})
	ctx := context.Background()

	buyID, err := p.SubmitOrder(ctx, SubmitRequest{Symbol: "BTCNOK", Side: order.SideBuy, Quantity: 2, Price: 990, ClientID: "b1"})
	require.NoError(t, err)
	sellID, err := p.SubmitOrder(ctx, SubmitRequest{Symbol: "BTCNOK", Side: order.SideSell, Quantity: 0.5, Price: 1100})
	require.NoError(t, err)

	bal, _ := p.ListBalances(ctx)
	assert.Equal(t, 10000.0, bal["NOK"])
	assert.Equal(t, 1.0, bal["BTC"])
	assert.Equal(t, 10000.0-1980, p.Available("NOK"))
	assert.Equal(t, 0.5, p.Available("btc"))

	// 价格未触及，不成交
	_, err = p.FetchTicker(ctx, "BTCNOK")
	require.NoError(t, err)
	open, _ := p.ListOrders(ctx, order.VenueStatusOpen)
	assert.Len(t, open, 2)

	require.NoError(t, p.Fill(buyID, 0.5))
	open, _ = p.ListOrders(ctx, order.VenueStatusOpen)
	assert.Equal(t, order.StatusPartiallyFilled, open[0].Status)

	md.last = 980
	_, err = p.FetchTicker(ctx, "BTCNOK")
	require.NoError(t, err)
	done, _ := p.ListOrders(ctx, order.VenueStatusFilled)
	require.Len(t, done, 1)
	assert.Equal(t, buyID, done[0].ID)
	assert.Equal(t, order.StatusFilled, done[0].Status)
	assert.Equal(t, 2.0, done[0].FilledQty)

	bal, _ = p.ListBalances(ctx)
	assert.Equal(t, 3.0, bal["BTC"])
	assert.Equal(t, 10000.0-1980, bal["NOK"])
	assert.Equal(t, 2.5, p.Available("BTC"))

	require.NoError(t, p.CancelOrder(ctx, "BTCNOK", sellID))
	bal, _ = p.ListBalances(ctx)
	assert.Equal(t, 3.0, bal["BTC"])
	assert.Equal(t, 3.0, p.Available("BTC"))
	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCNOK", sellID), ErrOrderNotFound)
}

func TestPaperVenueRejects(t *testing.T) {
	p := NewPaperVenue(&staticMarket{last: 100}, "NOK", map[string]float64{"NOK": 100})
	ctx := context.Background()

	_, err := p.SubmitOrder(ctx, SubmitRequest{Symbol: "BTCNOK", Side: order.SideBuy, Quantity: 2, Price: 100})
	assert.ErrorIs(t, err, ErrPermanent)

	_, err = p.SubmitOrder(ctx, SubmitRequest{Symbol: "BTCNOK", Side: order.SideSell, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrPermanent)

	_, err = p.SubmitOrder(ctx, SubmitRequest{Symbol: "BTCNOK", Side: order.SideBuy, Quantity: 0.5, Price: 100, ClientID: "x"})
	require.NoError(t, err)
	_, err = p.SubmitOrder(ctx, SubmitRequest{Symbol: "BTCNOK", Side: order.SideBuy, Quantity: 0.1, Price: 100, ClientID: "x"})
	assert.ErrorIs(t, err, ErrDuplicateClientID)

	assert.ErrorIs(t, p.Fill("nope", 1), ErrOrderNotFound)
}

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", BaseAsset("BTCNOK", "NOK"))
	assert.Equal(t, "ETH", BaseAsset("eth-nok", "nok"))
}
