package order

import "time"

// Status 订单生命周期状态。
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order 本地订单视图；注册表是其唯一权威来源。
type Order struct {
	ID                string    `json:"id"`
	ClientID          string    `json:"clientId,omitempty"`
	Symbol            string    `json:"symbol"`
	Side              string    `json:"side"`
	Quantity          float64   `json:"quantity"`
	FilledQty         float64   `json:"filledQty"`
	Price             float64   `json:"price"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	GridLevel         int       `json:"gridLevel"`
	TakeProfitPrice   float64   `json:"takeProfitPrice,omitempty"`
	TakeProfitOrderID string    `json:"takeProfitOrderId,omitempty"`
	ParentOrderID     string    `json:"parentOrderId,omitempty"` // 止盈卖单对应的买单
	Reason            string    `json:"reason,omitempty"`
}

// Remaining 未成交数量。
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Snapshot 交易所侧订单的规范化视图，由 gateway 翻译而来。
// Status 为空表示交易所未给出明确状态，仅按成交量推断。
type Snapshot struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      string
	Price     float64
	Quantity  float64
	FilledQty float64
	Status    Status
	UpdatedAt time.Time
}

// Transition 一次对账产生的状态变化。
type Transition struct {
	OrderID     string
	Symbol      string
	Side        string
	Level       int
	From        Status
	To          Status
	FilledDelta float64
}

// Changed 是否发生了状态或成交量变化。
func (t Transition) Changed() bool {
	return t.From != t.To || t.FilledDelta > 0
}

// Summary 订单计数。
type Summary struct {
	Total           int `json:"total"`
	Open            int `json:"open"`
	PartiallyFilled int `json:"partiallyFilled"`
	Filled          int `json:"filled"`
	Cancelled       int `json:"cancelled"`
	Expired         int `json:"expired"`
}
