package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrTransient 可重试的失败：超时、连接错误、限流、5xx。
	ErrTransient = errors.New("transient venue error")
	// ErrPermanent 不可重试的失败。
	ErrPermanent = errors.New("permanent venue error")
	// ErrRetriesExhausted 重试次数用尽，包装最后一次错误。
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrDuplicateClientID 交易所拒绝重复的客户端订单 ID。
	ErrDuplicateClientID = errors.New("duplicate client order id")
	// ErrOrderNotFound 交易所不存在该订单。
	ErrOrderNotFound = errors.New("order not found")
)

// HTTPStatusError 非 2xx 响应。
type HTTPStatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// Is 按状态码归类，使 errors.Is(err, ErrTransient) 等判断生效。
func (e *HTTPStatusError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return transientStatus(e.StatusCode)
	case ErrPermanent:
		return !transientStatus(e.StatusCode)
	case ErrDuplicateClientID:
		return e.StatusCode == http.StatusConflict ||
			(e.StatusCode < 500 && strings.Contains(strings.ToLower(e.Body), "duplicate"))
	case ErrOrderNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// IsTransient 判断错误是否值得重试。父 context 取消不算。
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
