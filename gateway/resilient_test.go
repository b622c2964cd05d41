package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/market"
)

type flakyMarket struct {
	fails int
	calls int
}

func (m *flakyMarket) FetchCandles(context.Context, string, string, int) ([]market.Kline, error) {
	m.calls++
	if m.calls <= m.fails {
		return nil, &HTTPStatusError{StatusCode: 503}
	}
	return []market.Kline{{Close: 1}}, nil
}

func (m *flakyMarket) FetchTicker(_ context.Context, symbol string) (Ticker, error) {
	m.calls++
	if m.calls <= m.fails {
		return Ticker{}, &HTTPStatusError{StatusCode: 429}
	}
	return Ticker{Symbol: symbol, Last: 10}, nil
}

func TestResilientRetriesReads(t *testing.T) {
	r, delays := newTestRetrier(DefaultRetryConfig())
	md := &flakyMarket{fails: 2}
	res := NewResilient(md, &flakyVenue{}, r)

	tk, err := res.FetchTicker(context.Background(), "BTCNOK")
	require.NoError(t, err)
	assert.Equal(t, 10.0, tk.Last)
	assert.Len(t, *delays, 2)

	candles, err := res.FetchCandles(context.Background(), "BTCNOK", "1h", 10)
	require.NoError(t, err)
	assert.Len(t, candles, 1)
}

func TestResilientSurfacesPermanentListErrors(t *testing.T) {
	r, delays := newTestRetrier(DefaultRetryConfig())
	res := NewResilient(&flakyMarket{}, &flakyVenue{listErr: &HTTPStatusError{StatusCode: 401}}, r)

	_, err := res.ListOrders(context.Background(), "open")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, *delays)

	bal, err := res.ListBalances(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, bal)
}
