package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/order"
	"grid-trader-go/risk"
	"grid-trader-go/strategy"
)

const priceEpsilon = 1e-9

// processSymbol 单个交易对的一轮：市场状态 → 熔断/价差 → 网格 → 止盈 → 买单。
func (e *Engine) processSymbol(ctx context.Context, sym string, t gateway.Ticker, canPlace bool) error {
	sc, ok := e.symbolSettings(sym)
	if !ok || !sc.Enabled {
		return nil
	}
	grid := e.grids[sym]

	if err := grid.RefreshConditions(ctx, e.market); err != nil {
		return fmt.Errorf("refresh conditions: %w", err)
	}
	cond := grid.Conditions()
	if cond.ATRAvailable && cond.PreviousATRAvailable {
		if err := e.risk.CheckATR(cond.ATR, cond.PreviousATR); err != nil {
			e.deny(sym, err, map[string]interface{}{"atr": cond.ATR, "previous_atr": cond.PreviousATR})
			_ = e.alerts.CircuitBreakerTripped(sym, risk.Reason(err))
			return nil
		}
	}
	if err := e.risk.CheckBidAsk(t.Bid, t.Ask); err != nil {
		e.deny(sym, err, map[string]interface{}{"bid": t.Bid, "ask": t.Ask})
		return nil
	}

	grid.SetBasePrice(e.basePriceFor(sym, grid, t))
	prev, hadPrev := grid.Ladder()
	ladder, err := grid.GenerateLadder()
	if err != nil {
		return fmt.Errorf("generate ladder: %w", err)
	}
	if !hadPrev || !sameLadder(prev, ladder) {
		e.logger.LogGrid(sym, map[string]interface{}{
			"base_price":  ladder.BasePrice,
			"spacing":     ladder.Spacing,
			"tp_offset":   ladder.TakeProfitOffset,
			"levels":      len(ladder.Buy),
			"active":      ladder.Active,
			"trend":       ladder.Trend,
			"atr":         ladder.ATR,
			"buy_prices":  ladder.Buy,
			"sell_prices": ladder.Sell,
		})
	}

	if !canPlace {
		return nil
	}
	if err := e.placeTakeProfits(ctx, sym, sc, ladder); err != nil {
		return err
	}
	return e.placeBuys(ctx, sym, sc, grid, t.Last)
}

// basePriceFor 持仓时以持仓均价为基准，否则沿用已有基准价，都没有时用最新价。
func (e *Engine) basePriceFor(sym string, grid *strategy.Grid, t gateway.Ticker) float64 {
	for _, p := range e.positions.Positions() {
		if p.Symbol == sym && p.Net > 0 && p.AvgCost > 0 {
			return p.AvgCost
		}
	}
	if base := grid.BasePrice(); base > 0 {
		return base
	}
	return t.Last
}

// placeBuys 为未成交、未挂单的档位下买单。
// 资金占比按 当前持仓市值 + 挂单中的买单 + 本单 计算，被拒后停止本轮后续档位。
// 结果不明、等待认领的买单同样占用档位并计入挂单金额。
func (e *Engine) placeBuys(ctx context.Context, sym string, sc SymbolConfig, grid *strategy.Grid, last float64) error {
	occupied := make(map[int]bool)
	pending := 0.0
	buys := append(e.orders.OpenOrdersBySymbol(sym), e.pendingBySymbol(sym)...)
	for _, o := range buys {
		if o.Side != order.SideBuy {
			continue
		}
		if o.GridLevel > 0 {
			occupied[o.GridLevel] = true
		}
		pending += o.Remaining() * o.Price
	}
	e.mu.RLock()
	current := e.portfolio.Values[sym]
	e.mu.RUnlock()

	for _, p := range grid.BuyOrders() {
		if occupied[p.Level] || e.orders.HasFilledLevel(sym, p.Level) {
			continue
		}
		qty := sc.Constraints.QuantityFor(sc.OrderValue, p.Price)
		notional := qty * p.Price
		proposed := current + pending + notional
		if err := e.risk.CheckTradeSymbol(sym, proposed); err != nil {
			e.deny(sym, err, map[string]interface{}{"level": p.Level, "proposed_value": proposed})
			break
		}
		if err := e.risk.CheckOrder(sym, qty, p.Price, order.SideBuy); err != nil {
			e.deny(sym, err, map[string]interface{}{"level": p.Level, "price": p.Price, "quantity": qty})
			continue
		}
		if err := e.risk.CheckSlippage(order.SideBuy, p.Price, last); err != nil {
			e.deny(sym, err, map[string]interface{}{"level": p.Level, "price": p.Price, "last": last})
			continue
		}
		if err := sc.Constraints.Validate(p.Price, qty); err != nil {
			e.monitor.RecordOrderRejected(sym)
			e.logger.Warn("Order violates symbol constraints",
				zap.String("symbol", sym), zap.Int("level", p.Level), zap.Error(err))
			continue
		}

		id, err := e.submit(ctx, order.Order{
			Symbol:          sym,
			Side:            order.SideBuy,
			Quantity:        qty,
			Price:           p.Price,
			GridLevel:       p.Level,
			TakeProfitPrice: p.TakeProfit,
		})
		if err != nil {
			return fmt.Errorf("submit buy level %d: %w", p.Level, err)
		}
		if id != "" {
			pending += notional
		}
	}
	return nil
}

// placeTakeProfits 已成交的网格买单挂出配对卖单，数量为成交量。
// 止盈卖出为减仓，不受资金占比与总敞口上限约束。
func (e *Engine) placeTakeProfits(ctx context.Context, sym string, sc SymbolConfig, ladder strategy.Ladder) error {
	awaiting := make(map[string]bool)
	for _, p := range e.pendingBySymbol(sym) {
		if p.Side == order.SideSell && p.ParentOrderID != "" {
			awaiting[p.ParentOrderID] = true
		}
	}
	for _, o := range e.orders.Orders() {
		if o.Symbol != sym || o.Side != order.SideBuy || o.Status != order.StatusFilled ||
			o.GridLevel == 0 || o.TakeProfitOrderID != "" || awaiting[o.ID] {
			continue
		}
		if err := e.risk.CheckReduce(sym); err != nil {
			e.deny(sym, err, map[string]interface{}{"buy_order_id": o.ID})
			return nil
		}
		price := o.TakeProfitPrice
		if price <= 0 {
			price = ladder.Sell[o.GridLevel]
		}
		qty := o.FilledQty
		if err := e.risk.CheckOrder(sym, qty, price, order.SideSell); err != nil {
			e.deny(sym, err, map[string]interface{}{"buy_order_id": o.ID, "price": price, "quantity": qty})
			continue
		}
		if err := sc.Constraints.Validate(price, qty); err != nil {
			e.monitor.RecordOrderRejected(sym)
			e.logger.Warn("Take-profit violates symbol constraints",
				zap.String("symbol", sym), zap.String("buy_order_id", o.ID), zap.Error(err))
			continue
		}
		sellID, err := e.submit(ctx, order.Order{
			Symbol:        sym,
			Side:          order.SideSell,
			Quantity:      qty,
			Price:         price,
			GridLevel:     o.GridLevel,
			ParentOrderID: o.ID,
		})
		if err != nil {
			return fmt.Errorf("submit take-profit for %s: %w", o.ID, err)
		}
		if sellID == "" {
			continue
		}
		if err := e.orders.LinkTakeProfit(o.ID, sellID); err != nil {
			e.logger.Warn("Failed to link take-profit order",
				zap.String("buy_order_id", o.ID), zap.String("sell_order_id", sellID), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) pendingBySymbol(sym string) []order.Order {
	var out []order.Order
	for _, o := range e.orders.PendingOrders() {
		if o.Symbol == sym {
			out = append(out, o)
		}
	}
	return out
}

// submit 下单并登记到注册表，返回订单 ID。
// 交易所返回的订单已在注册表中（幂等重试采用了已有订单）时返回空 ID。
// 结果不明（超时、重试用尽）时按客户端 ID 记为待认领，由对账认领或放弃。
func (e *Engine) submit(ctx context.Context, o order.Order) (string, error) {
	res, err := e.submitter.Submit(ctx, gateway.SubmitRequest{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    o.Price,
	})
	if err != nil {
		e.monitor.RecordOrderRejected(o.Symbol)
		if ambiguousSubmit(err) && res.ClientID != "" {
			o.ClientID = res.ClientID
			if pendErr := e.orders.AddPending(o); pendErr == nil {
				e.logger.Warn("Submit outcome unknown, holding level until reconciliation",
					zap.String("client_id", o.ClientID),
					zap.String("symbol", o.Symbol),
					zap.String("side", o.Side),
					zap.Int("level", o.GridLevel),
					zap.Error(err))
			}
		}
		return "", err
	}
	o.ID = res.OrderID
	o.ClientID = res.ClientID
	if err := e.orders.Register(o); err != nil {
		if errors.Is(err, order.ErrDuplicateOrder) {
			e.logger.Warn("Submitted order already registered", zap.String("order_id", o.ID))
			return "", nil
		}
		return "", fmt.Errorf("register order: %w", err)
	}

	e.logger.LogOrder(logger.EventOrderPlaced, o.ID, map[string]interface{}{
		"client_id": o.ClientID,
		"symbol":    o.Symbol,
		"side":      o.Side,
		"price":     o.Price,
		"quantity":  o.Quantity,
		"level":     o.GridLevel,
		"adopted":   res.Adopted,
	})
	e.monitor.RecordOrderPlaced(o.Symbol, o.Side)
	e.mu.Lock()
	e.stats.OrdersPlaced++
	e.mu.Unlock()
	return o.ID, nil
}

func ambiguousSubmit(err error) bool {
	return gateway.IsTransient(err) || errors.Is(err, gateway.ErrRetriesExhausted)
}

// deny 记录风控拒绝；拒绝不是错误，不影响其他交易对。
func (e *Engine) deny(sym string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["kind"] = risk.Kind(err)
	e.logger.LogRisk(sym, false, risk.Reason(err), fields)
	e.monitor.RecordRiskDenial(risk.Kind(err))
}

func sameLadder(a, b strategy.Ladder) bool {
	if a.Active != b.Active || len(a.Buy) != len(b.Buy) || len(a.Sell) != len(b.Sell) {
		return false
	}
	for lvl, p := range a.Buy {
		if q, ok := b.Buy[lvl]; !ok || math.Abs(p-q) > priceEpsilon {
			return false
		}
	}
	for lvl, p := range a.Sell {
		if q, ok := b.Sell[lvl]; !ok || math.Abs(p-q) > priceEpsilon {
			return false
		}
	}
	return true
}

func (e *Engine) symbolSettings(sym string) (SymbolConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sc, ok := e.settings[sym]
	if !ok {
		return SymbolConfig{}, false
	}
	return *sc, true
}
