package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/market"
	"grid-trader-go/order"
)

// 交易所返回的字段名与类型不稳定，所有形态差异都在这里收敛为规范结构。

var (
	orderIDKeys    = []string{"id", "orderId", "order_id"}
	clientIDKeys   = []string{"clientOrderId", "client_order_id", "clientId", "client_id"}
	marketKeys     = []string{"market", "symbol"}
	sideKeys       = []string{"side", "type"}
	amountKeys     = []string{"amount", "quantity", "qty", "origQty"}
	filledKeys     = []string{"matched", "amount_filled", "filled", "filledQty", "executedQty"}
	remainingKeys  = []string{"remaining", "amount_remaining"}
	priceKeys      = []string{"price", "limit_price"}
	statusKeys     = []string{"status", "state"}
	timestampKeys  = []string{"updated_at", "updatedAt", "created_at", "createdAt", "time"}
	envelopeKeys   = []string{"orders", "data", "result", "items"}
	tickerLastKeys = []string{"last", "lastPrice", "last_price", "price"}
	tickerBidKeys  = []string{"bid", "bestBid", "best_bid"}
	tickerAskKeys  = []string{"ask", "bestAsk", "best_ask"}
)

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
	}
	return v, nil
}

// unwrapList 接受裸数组或 {"orders"|"data"|...: [...]} 包装。
func unwrapList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case map[string]any:
		for _, k := range envelopeKeys {
			if inner, ok := t[k]; ok {
				return unwrapList(inner)
			}
		}
	}
	return nil, false
}

func pick(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}
	}
	// 毫秒或秒
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

func floatField(raw map[string]any, keys []string) (float64, bool) {
	v, ok := pick(raw, keys)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// NormalizeSide 将 buy/bid、sell/ask 统一为 BUY/SELL。
func NormalizeSide(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid":
		return order.SideBuy
	case "sell", "ask":
		return order.SideSell
	}
	return ""
}

func normalizeStatus(s string, amount, filled float64, filledKnown bool) order.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "active", "new", "pending", "live":
		return order.StatusOpen
	case "partially_filled", "partial", "partially-filled", "partiallyfilled":
		return order.StatusPartiallyFilled
	case "filled", "matched", "done", "closed", "completed", "executed":
		if filledKnown && amount > 0 && filled < amount {
			return order.StatusCancelled
		}
		return order.StatusFilled
	case "cancelled", "canceled", "cancel":
		return order.StatusCancelled
	case "expired":
		return order.StatusExpired
	}
	return ""
}

// TranslateOrder 将单条交易所订单记录转换为 order.Snapshot。
func TranslateOrder(raw map[string]any) (order.Snapshot, error) {
	idv, ok := pick(raw, orderIDKeys)
	if !ok || toString(idv) == "" {
		return order.Snapshot{}, fmt.Errorf("%w: order record without id", ErrPermanent)
	}
	s := order.Snapshot{ID: toString(idv)}
	if v, ok := pick(raw, clientIDKeys); ok {
		s.ClientID = toString(v)
	}
	if v, ok := pick(raw, marketKeys); ok {
		s.Symbol = strings.ToUpper(toString(v))
	}
	if v, ok := pick(raw, sideKeys); ok {
		s.Side = NormalizeSide(toString(v))
	}
	s.Quantity, _ = floatField(raw, amountKeys)
	s.Price, _ = floatField(raw, priceKeys)

	filled, filledKnown := floatField(raw, filledKeys)
	if !filledKnown {
		if rem, ok := floatField(raw, remainingKeys); ok && s.Quantity > 0 {
			filled, filledKnown = s.Quantity-rem, true
		}
	}
	if filled < 0 {
		filled = 0
	}
	s.FilledQty = filled
	if v, ok := pick(raw, statusKeys); ok {
		s.Status = normalizeStatus(toString(v), s.Quantity, filled, filledKnown)
	}
	if v, ok := pick(raw, timestampKeys); ok {
		s.UpdatedAt = toTime(v)
	}
	return s, nil
}

// TranslateOrders 解析订单列表响应；无法识别的单条记录被跳过并计数。
func TranslateOrders(body []byte) ([]order.Snapshot, int, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return nil, 0, err
	}
	list, ok := unwrapList(v)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unexpected orders payload", ErrPermanent)
	}
	out := make([]order.Snapshot, 0, len(list))
	skipped := 0
	for _, item := range list {
		raw, ok := item.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		s, err := TranslateOrder(raw)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, s)
	}
	return out, skipped, nil
}

// TranslateOrderID 解析下单响应中的订单 ID。
func TranslateOrderID(body []byte) (string, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case map[string]any:
		if id, ok := pick(t, orderIDKeys); ok && toString(id) != "" {
			return toString(id), nil
		}
	case json.Number, string:
		if id := toString(t); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: empty order id in response", ErrPermanent)
}

// TranslateTicker 解析行情快照。
func TranslateTicker(symbol string, body []byte) (Ticker, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return Ticker{}, err
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return Ticker{}, fmt.Errorf("%w: unexpected ticker payload", ErrPermanent)
	}
	if inner, ok := raw["data"].(map[string]any); ok {
		raw = inner
	}
	t := Ticker{Symbol: symbol, Time: time.Now().UTC()}
	t.Bid, _ = floatField(raw, tickerBidKeys)
	t.Ask, _ = floatField(raw, tickerAskKeys)
	t.Last, _ = floatField(raw, tickerLastKeys)
	if t.Last <= 0 && t.Bid > 0 && t.Ask > 0 {
		t.Last = (t.Bid + t.Ask) / 2
	}
	if t.Last <= 0 {
		return Ticker{}, fmt.Errorf("%w: ticker for %s without price", ErrPermanent, symbol)
	}
	return t, nil
}

// TranslateBalances 解析余额列表，按币种汇总。
func TranslateBalances(body []byte) (map[string]float64, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	if list, ok := unwrapList(v); ok {
		for _, item := range list {
			raw, ok := item.(map[string]any)
			if !ok {
				continue
			}
			cur, ok := pick(raw, []string{"currency", "asset", "coin"})
			if !ok {
				continue
			}
			bal, ok := floatField(raw, []string{"balance", "total", "free", "available"})
			if !ok {
				continue
			}
			out[strings.ToUpper(toString(cur))] += bal
		}
		return out, nil
	}
	if raw, ok := v.(map[string]any); ok {
		for k, val := range raw {
			if f, ok := toFloat(val); ok {
				out[strings.ToUpper(k)] = f
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unexpected balances payload", ErrPermanent)
}

// TranslateCandles 解析 K 线：对象数组或 [time, open, high, low, close, volume] 数组，结果按时间升序。
func TranslateCandles(body []byte) ([]market.Kline, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	list, ok := unwrapList(v)
	if !ok {
		if m, isMap := v.(map[string]any); isMap {
			list, ok = unwrapList(m["candles"])
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: unexpected candles payload", ErrPermanent)
	}
	out := make([]market.Kline, 0, len(list))
	for _, item := range list {
		var k market.Kline
		switch t := item.(type) {
		case []any:
			if len(t) < 5 {
				continue
			}
			k.OpenTime = toTime(t[0])
			k.Open, _ = toFloat(t[1])
			k.High, _ = toFloat(t[2])
			k.Low, _ = toFloat(t[3])
			k.Close, _ = toFloat(t[4])
			if len(t) > 5 {
				k.Volume, _ = toFloat(t[5])
			}
		case map[string]any:
			if ts, ok := pick(t, []string{"time", "timestamp", "openTime", "start"}); ok {
				k.OpenTime = toTime(ts)
			}
			k.Open, _ = floatField(t, []string{"open", "o"})
			k.High, _ = floatField(t, []string{"high", "h"})
			k.Low, _ = floatField(t, []string{"low", "l"})
			k.Close, _ = floatField(t, []string{"close", "c"})
			k.Volume, _ = floatField(t, []string{"volume", "v"})
		default:
			continue
		}
		if k.Close <= 0 {
			continue
		}
		out = append(out, k)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}
