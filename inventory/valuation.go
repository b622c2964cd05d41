package inventory

// Holding 账户中的一项资产余额。Quote 为计价货币本身，按 1 计价且不计入敞口。
type Holding struct {
	Asset    string
	Symbol   string
	Quantity float64
	Quote    bool
}

// PriceLookup 返回交易对的最新价格。
type PriceLookup func(symbol string) (float64, bool)

// Portfolio 一次完整估值的结果。
type Portfolio struct {
	TotalValue float64
	QuoteValue float64
	// Values 非计价资产按交易对的市值
	Values map[string]float64
}

// Valuate 对全部余额重新估值；无价格的资产按 0 计。
func Valuate(holdings []Holding, prices PriceLookup) Portfolio {
	p := Portfolio{Values: make(map[string]float64)}
	for _, h := range holdings {
		if h.Quantity <= 0 {
			continue
		}
		if h.Quote {
			p.QuoteValue += h.Quantity
			p.TotalValue += h.Quantity
			continue
		}
		price, ok := 0.0, false
		if prices != nil {
			price, ok = prices(h.Symbol)
		}
		if !ok || price <= 0 {
			continue
		}
		v := h.Quantity * price
		p.Values[h.Symbol] += v
		p.TotalValue += v
	}
	return p
}
