package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/order"
	"grid-trader-go/risk"
	"grid-trader-go/strategy"
)

// 敏感字段的环境变量覆盖。
const (
	EnvAPIKey    = "GRID_GATEWAY_API_KEY"
	EnvAPISecret = "GRID_GATEWAY_API_SECRET"
	EnvClientID  = "GRID_GATEWAY_CLIENT_ID"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string                  `yaml:"env"`
	Engine    EngineConfig            `yaml:"engine"`
	Risk      risk.Config             `yaml:"risk"`
	Grid      strategy.Config         `yaml:"grid"`
	Gateway   GatewayConfig           `yaml:"gateway"`
	Retry     gateway.RetryConfig     `yaml:"retry"`
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
	Store     StoreConfig             `yaml:"store"`
	Logging   logger.Config           `yaml:"logging"`
	Metrics   monitor.Config          `yaml:"metrics"`
	Alert     alert.Config            `yaml:"alert"`
	API       APIConfig               `yaml:"api"`
	HotReload HotReloadConfig         `yaml:"hotReload"`
}

// EngineConfig 控制循环参数。
type EngineConfig struct {
	TickInterval   time.Duration      `yaml:"tickInterval"`
	OrderMaxAge    time.Duration      `yaml:"orderMaxAge"`
	SubmitMode     string             `yaml:"submitMode"` // idempotent, at_most_once, at_least_once
	QuoteCurrency  string             `yaml:"quoteCurrency"`
	TradingEnabled bool               `yaml:"tradingEnabled"`
	PaperBalances  map[string]float64 `yaml:"paperBalances"` // dry-run 初始余额
}

type GatewayConfig struct {
	APIKey    string  `yaml:"apiKey"`
	APISecret string  `yaml:"apiSecret"`
	ClientID  string  `yaml:"clientId"`
	BaseURL   string  `yaml:"baseURL"`
	WSURL     string  `yaml:"wsURL"` // 为空时只用 REST 行情
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
}

// SymbolConfig 交易对的网格规模与精度限制。
type SymbolConfig struct {
	Enabled     bool                    `yaml:"enabled"`
	Levels      int                     `yaml:"levels"`     // 0 表示使用 grid.levels
	OrderValue  float64                 `yaml:"orderValue"` // 每档下单金额（计价货币）
	Constraints order.SymbolConstraints `yaml:"constraints"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default 返回默认配置；Load 在其基础上覆盖文件中的字段。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Engine: EngineConfig{
			TickInterval:   5 * time.Second,
			OrderMaxAge:    24 * time.Hour,
			SubmitMode:     string(gateway.SubmitIdempotent),
			QuoteCurrency:  "NOK",
			TradingEnabled: true,
		},
		Risk:  risk.DefaultConfig(),
		Grid:  strategy.DefaultConfig(),
		Retry: gateway.DefaultRetryConfig(),
		Gateway: GatewayConfig{
			BaseURL:   "https://api.firi.com",
			RateLimit: 5,
			RateBurst: 5,
		},
		Store:   StoreConfig{Dir: "data"},
		Logging: logger.DefaultConfig(),
		Metrics: monitor.DefaultConfig(),
		Alert:   alert.Config{Throttle: 5 * time.Minute},
		API:     APIConfig{Addr: ":8080"},
		HotReload: HotReloadConfig{
			Enabled:  true,
			Debounce: 200 * time.Millisecond,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Gateway.APISecret = v
	}
	if v := os.Getenv(EnvClientID); v != "" {
		cfg.Gateway.ClientID = v
	}
	return cfg, Validate(cfg)
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.Grid = cfg.Grid.WithDefaults()
	return cfg, nil
}

// LevelsFor 交易对生效的网格档位数。
func (c AppConfig) LevelsFor(symbol string) int {
	if sc, ok := c.Symbols[symbol]; ok && sc.Levels > 0 {
		return sc.Levels
	}
	return c.Grid.Levels
}
