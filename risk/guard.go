package risk

// Guard 是通用接口，开关、状态、资金占比等检查都可实现。
type Guard interface {
	PreOrder(symbol string, proposedValue float64) error
}

// GuardFunc 函数适配器。
type GuardFunc func(symbol string, proposedValue float64) error

func (f GuardFunc) PreOrder(symbol string, proposedValue float64) error {
	return f(symbol, proposedValue)
}

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreOrder(symbol string, proposedValue float64) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreOrder(symbol, proposedValue); err != nil {
			return err
		}
	}
	return nil
}
