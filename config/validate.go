package config

import (
	"fmt"
	"sort"

	"grid-trader-go/gateway"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalidf(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present and limits are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if cfg.Engine.TickInterval <= 0 {
		return ErrInvalid("engine.tickInterval must be > 0")
	}
	if cfg.Engine.OrderMaxAge <= 0 {
		return ErrInvalid("engine.orderMaxAge must be > 0")
	}
	if _, err := gateway.ParseSubmitMode(cfg.Engine.SubmitMode); err != nil {
		return invalidf("engine.submitMode: %v", err)
	}
	if cfg.Engine.QuoteCurrency == "" {
		return ErrInvalid("engine.quoteCurrency is required")
	}
	if err := ValidateRisk(cfg); err != nil {
		return err
	}
	if cfg.Gateway.BaseURL == "" {
		return ErrInvalid("gateway.baseURL is required")
	}
	if !cfg.Risk.DryRun && (cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "") {
		return ErrInvalid("gateway.apiKey/apiSecret is required (or env overrides) unless risk.dryRun")
	}
	if cfg.Retry.MaxRetries < 0 {
		return ErrInvalid("retry.maxRetries must be >= 0")
	}
	if cfg.Store.Dir == "" {
		return ErrInvalid("store.dir is required")
	}
	if len(cfg.Symbols) == 0 {
		return ErrInvalid("symbols config is required")
	}
	names := make([]string, 0, len(cfg.Symbols))
	for sym := range cfg.Symbols {
		names = append(names, sym)
	}
	sort.Strings(names)
	for _, sym := range names {
		sc := cfg.Symbols[sym]
		if sc.Levels < 0 {
			return invalidf("symbol %s levels must be >= 0", sym)
		}
		if sc.OrderValue <= 0 {
			return invalidf("symbol %s orderValue must be > 0", sym)
		}
		if sc.Constraints.TickSize < 0 || sc.Constraints.StepSize < 0 {
			return invalidf("symbol %s tickSize/stepSize must be >= 0", sym)
		}
		if sc.Constraints.MinQty < 0 || sc.Constraints.MaxQty < 0 {
			return invalidf("symbol %s qty bounds must be >= 0", sym)
		}
	}
	return nil
}

// ValidateRisk 校验风控参数；热更新时单独调用。
func ValidateRisk(cfg AppConfig) error {
	r := cfg.Risk
	if r.MaxCapitalPerSymbol <= 0 || r.MaxCapitalPerSymbol > 1 {
		return invalidf("risk.maxCapitalPerSymbol must be in (0, 1], got %v", r.MaxCapitalPerSymbol)
	}
	if r.MaxTotalExposure <= 0 || r.MaxTotalExposure > 1 {
		return invalidf("risk.maxTotalExposure must be in (0, 1], got %v", r.MaxTotalExposure)
	}
	if r.MaxSpreadPct <= 0 {
		return ErrInvalid("risk.maxSpreadPct must be > 0")
	}
	if r.ATRSpikeThreshold <= 0 {
		return ErrInvalid("risk.atrSpikeThreshold must be > 0")
	}
	if r.MaxSlippagePct < 0 {
		return ErrInvalid("risk.maxSlippagePct must be >= 0")
	}
	if r.MinOrderValue < 0 {
		return ErrInvalid("risk.minOrderValue must be >= 0")
	}
	return nil
}
