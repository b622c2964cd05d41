package gateway

import (
	"context"
	"time"

	"grid-trader-go/market"
	"grid-trader-go/order"
)

// Ticker 最新成交价与买一卖一。
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// SubmitRequest 限价单请求。ClientID 为本地生成的关联 ID，交易所支持时原样回传。
type SubmitRequest struct {
	Symbol   string
	Side     string // BUY/SELL
	Quantity float64
	Price    float64
	ClientID string
}

// MarketData 行情数据源。
type MarketData interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
}

// Venue 交易执行接口。ListOrders 的 status 取 order.VenueStatusOpen 或 order.VenueStatusFilled。
type Venue interface {
	ListBalances(ctx context.Context) (map[string]float64, error)
	ListOrders(ctx context.Context, status string) ([]order.Snapshot, error)
	SubmitOrder(ctx context.Context, req SubmitRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Exchange 同时提供行情与执行。
type Exchange interface {
	MarketData
	Venue
}
