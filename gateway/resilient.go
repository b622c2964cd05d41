package gateway

import (
	"context"

	"grid-trader-go/market"
	"grid-trader-go/order"
)

// Resilient 为只读调用（行情、余额、订单查询）加上重试；下单与撤单走 Submitter。
type Resilient struct {
	md      MarketData
	venue   Venue
	retrier *Retrier
}

// NewResilient 包装行情源与交易所。
func NewResilient(md MarketData, venue Venue, retrier *Retrier) *Resilient {
	return &Resilient{md: md, venue: venue, retrier: retrier}
}

func (r *Resilient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	return Call(ctx, r.retrier, "fetch_candles", func(ctx context.Context) ([]market.Kline, error) {
		return r.md.FetchCandles(ctx, symbol, interval, limit)
	})
}

func (r *Resilient) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	return Call(ctx, r.retrier, "fetch_ticker", func(ctx context.Context) (Ticker, error) {
		return r.md.FetchTicker(ctx, symbol)
	})
}

func (r *Resilient) ListBalances(ctx context.Context) (map[string]float64, error) {
	return Call(ctx, r.retrier, "list_balances", r.venue.ListBalances)
}

func (r *Resilient) ListOrders(ctx context.Context, status string) ([]order.Snapshot, error) {
	return Call(ctx, r.retrier, "list_orders", func(ctx context.Context) ([]order.Snapshot, error) {
		return r.venue.ListOrders(ctx, status)
	})
}
