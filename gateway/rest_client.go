package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/market"
	"grid-trader-go/order"
)

// DefaultValidityMillis 签名有效期（毫秒）。
const DefaultValidityMillis = "2000"

// RESTClient 签名 REST 客户端：HMAC-SHA256 作用于紧凑 JSON {timestamp, validity, ...body}。
// HTTPClient 可注入 httptest。
type RESTClient struct {
	BaseURL    string
	APIKey     string
	Secret     string
	ClientID   string
	HTTPClient *http.Client
	Limiter    RateLimiter

	now func() time.Time
}

// NewRESTClient 创建客户端；limiter 为 nil 时不限速。
func NewRESTClient(baseURL, apiKey, secret, clientID string, limiter RateLimiter) *RESTClient {
	return &RESTClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Secret:     secret,
		ClientID:   clientID,
		HTTPClient: NewDefaultHTTPClient(),
		Limiter:    limiter,
		now:        time.Now,
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。单次调用另有 context 超时。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// Sign 计算签名：对按键排序的紧凑 JSON 做 HMAC-SHA256，返回 hex。
func Sign(secret string, payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(payload[k])
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body map[string]string) ([]byte, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, fmt.Errorf("%w: http client not set", ErrPermanent)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := strconv.FormatInt(now().Unix(), 10)
	signed := map[string]string{"timestamp": ts, "validity": DefaultValidityMillis}
	for k, v := range body {
		signed[k] = v
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", ts)
	query.Set("validity", DefaultValidityMillis)

	var reader io.Reader
	if len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrPermanent, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path+"?"+query.Encode(), reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		req.Header.Set("miraiex-user-signature", Sign(c.Secret, signed))
		req.Header.Set("miraiex-user-clientid", c.ClientID)
	}
	if c.APIKey != "" {
		req.Header.Set("miraiex-access-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(payload)}
	}
	return payload, nil
}

// FetchCandles GET /v2/markets/{symbol}/candles
func (c *RESTClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	q := url.Values{}
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, "/v2/markets/"+url.PathEscape(symbol)+"/candles", q, nil)
	if err != nil {
		return nil, err
	}
	candles, err := TranslateCandles(body)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// FetchTicker GET /v2/markets/{symbol}/ticker
func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/markets/"+url.PathEscape(symbol)+"/ticker", nil, nil)
	if err != nil {
		return Ticker{}, err
	}
	return TranslateTicker(symbol, body)
}

// ListBalances GET /v2/balances
func (c *RESTClient) ListBalances(ctx context.Context) (map[string]float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/balances", nil, nil)
	if err != nil {
		return nil, err
	}
	return TranslateBalances(body)
}

// ListOrders GET /v2/orders（活跃）或 /v2/orders/history（历史）。
func (c *RESTClient) ListOrders(ctx context.Context, status string) ([]order.Snapshot, error) {
	path := "/v2/orders"
	if status == order.VenueStatusFilled {
		path = "/v2/orders/history"
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	snaps, _, err := TranslateOrders(body)
	if err != nil {
		return nil, err
	}
	if status == order.VenueStatusOpen {
		for i := range snaps {
			if snaps[i].Status == "" {
				snaps[i].Status = order.StatusOpen
				if snaps[i].FilledQty > 0 {
					snaps[i].Status = order.StatusPartiallyFilled
				}
			}
		}
	}
	return snaps, nil
}

// SubmitOrder POST /v2/orders，type 为 bid/ask。
func (c *RESTClient) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	side := "bid"
	if req.Side == order.SideSell {
		side = "ask"
	}
	body := map[string]string{
		"market": req.Symbol,
		"type":   side,
		"amount": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"price":  strconv.FormatFloat(req.Price, 'f', -1, 64),
	}
	if req.ClientID != "" {
		body["clientOrderId"] = req.ClientID
	}
	resp, err := c.do(ctx, http.MethodPost, "/v2/orders", nil, body)
	if err != nil {
		return "", err
	}
	return TranslateOrderID(resp)
}

// CancelOrder DELETE /v2/orders/{id}
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	q := url.Values{}
	if symbol != "" {
		q.Set("market", symbol)
	}
	_, err := c.do(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), q, nil)
	return err
}
