package logger

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 事件名称，日志检索与告警规则依赖这些固定字符串。
const (
	EventOrderPlaced    = "order_placed"
	EventOrderFilled    = "order_filled"
	EventOrderCancelled = "order_cancelled"
	EventRoundTrip      = "round_trip_completed"
	EventGridGenerated  = "grid_generated"
	EventRiskCheck      = "risk_check"
	EventError          = "error"
)

// Logger 封装zap日志器，提供结构化事件日志
type Logger struct {
	*zap.Logger
	config Config
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
	MaxSize    int      `yaml:"max_size"`    // 单个日志文件最大MB
	MaxBackups int      `yaml:"max_backups"` // 保留的旧日志文件数
	MaxAge     int      `yaml:"max_age"`     // 保留天数
	Compress   bool     `yaml:"compress"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Outputs:    []string{"stdout"},
		Format:     "json",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

// New 创建新的Logger实例；文件输出通过 lumberjack 轮转
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cores := []zapcore.Core{}

	if contains(cfg.Outputs, "stdout") {
		var encoder zapcore.Encoder
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	if contains(cfg.Outputs, "file") {
		if cfg.OutputFile == "" {
			return nil, fmt.Errorf("file output requires output_file")
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotating(cfg, cfg.OutputFile)),
			level,
		))
	}

	// 错误日志单独文件
	if cfg.ErrorFile != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotating(cfg, cfg.ErrorFile)),
			zapcore.ErrorLevel,
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{Logger: zapLogger, config: cfg}, nil
}

// NewWithCore 用给定 core 构建 Logger，测试中配合 zaptest/observer 使用
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{Logger: zap.New(core)}
}

// NewNop 不输出任何内容的 Logger
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func rotating(cfg Config, filename string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
}

// Named 返回带组件名的子 logger
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name), config: l.config}
}

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(toFields(fields)...), config: l.config}
}

// LogOrder 记录订单事件：order_placed / order_filled / order_cancelled
func (l *Logger) LogOrder(event string, orderID string, fields map[string]interface{}) {
	fields = withEvent(event, fields)
	fields["order_id"] = orderID
	l.Info(event, toFields(fields)...)
}

// LogGrid 记录网格生成
func (l *Logger) LogGrid(symbol string, fields map[string]interface{}) {
	fields = withEvent(EventGridGenerated, fields)
	fields["symbol"] = symbol
	l.Info(EventGridGenerated, toFields(fields)...)
}

// LogRisk 记录风控检查结果；拒绝时使用 warn 级别
func (l *Logger) LogRisk(symbol string, allowed bool, reason string, fields map[string]interface{}) {
	fields = withEvent(EventRiskCheck, fields)
	fields["symbol"] = symbol
	fields["allowed"] = allowed
	fields["reason"] = reason
	if allowed {
		l.Debug(EventRiskCheck, toFields(fields)...)
		return
	}
	l.Warn(EventRiskCheck, toFields(fields)...)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	context = withEvent(EventError, context)
	if err != nil {
		context["error"] = err.Error()
	}
	l.Error(EventError, toFields(context)...)
}

// Close 刷新缓冲；stdout 上的 sync 错误忽略
func (l *Logger) Close() error {
	_ = l.Sync()
	return nil
}

func withEvent(event string, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["event"] = event
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}

func toFields(fields map[string]interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
