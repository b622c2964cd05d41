package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-trader-go/market"
)

// TickerStream 通过 WebSocket 订阅行情并缓存最新 ticker；缓存过期或缺失时回退到 REST。
type TickerStream struct {
	URL     string
	Symbols []string
	Dialer  *websocket.Dialer
	MaxAge  time.Duration

	// OnReconnect 断线后重新订阅成功时回调，首次连接不触发
	OnReconnect func()

	fallback MarketData
	connects int
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]Ticker
	now   func() time.Time
}

// NewTickerStream 创建行情流；fallback 负责 K 线与缓存失效时的 ticker。
func NewTickerStream(url string, symbols []string, fallback MarketData, logger *zap.Logger) *TickerStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerStream{
		URL:      url,
		Symbols:  symbols,
		Dialer:   websocket.DefaultDialer,
		MaxAge:   15 * time.Second,
		fallback: fallback,
		logger:   logger,
		cache:    make(map[string]Ticker),
		now:      time.Now,
	}
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Markets  []string `json:"markets"`
}

// Run 连接并读取消息，断线后按指数退避重连，直到 ctx 取消。
func (s *TickerStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Ticker stream disconnected", zap.Error(err), zap.Duration("reconnect_in", backoff))
		if err := sleepContext(ctx, backoff); err != nil {
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *TickerStream) runOnce(ctx context.Context) error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("no symbols subscribed")
	}
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Channels: []string{"ticker"}, Markets: s.Symbols}); err != nil {
		return err
	}
	s.logger.Info("Ticker stream connected", zap.String("url", s.URL), zap.Strings("symbols", s.Symbols))
	s.connects++
	if s.connects > 1 && s.OnReconnect != nil {
		s.OnReconnect()
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.OnRawMessage(message)
	}
}

// OnRawMessage 解析单条 ticker 消息并更新缓存；无法识别的消息被忽略。
func (s *TickerStream) OnRawMessage(message []byte) bool {
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(string(message)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return false
	}
	if inner, ok := raw["data"].(map[string]any); ok {
		if _, has := pick(inner, marketKeys); has {
			raw = inner
		}
	}
	sym, ok := pick(raw, marketKeys)
	if !ok {
		return false
	}
	t := Ticker{Symbol: strings.ToUpper(toString(sym)), Time: s.now()}
	t.Bid, _ = floatField(raw, tickerBidKeys)
	t.Ask, _ = floatField(raw, tickerAskKeys)
	t.Last, _ = floatField(raw, tickerLastKeys)
	if t.Last <= 0 && t.Bid > 0 && t.Ask > 0 {
		t.Last = (t.Bid + t.Ask) / 2
	}
	if t.Last <= 0 {
		return false
	}
	s.mu.Lock()
	s.cache[t.Symbol] = t
	s.mu.Unlock()
	return true
}

// FetchTicker 优先返回新鲜的缓存值。
func (s *TickerStream) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	s.mu.RLock()
	t, ok := s.cache[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if ok && s.now().Sub(t.Time) <= s.MaxAge {
		return t, nil
	}
	if s.fallback == nil {
		return Ticker{}, fmt.Errorf("%w: no fresh ticker for %s", ErrTransient, symbol)
	}
	return s.fallback.FetchTicker(ctx, symbol)
}

// FetchCandles 由 fallback 提供。
func (s *TickerStream) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	if s.fallback == nil {
		return nil, fmt.Errorf("%w: ticker stream has no candle source", ErrPermanent)
	}
	return s.fallback.FetchCandles(ctx, symbol, interval, limit)
}
