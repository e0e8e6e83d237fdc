package telegram

import (
	"errors"
	"fmt"
	"time"
)

// TransportError 网络层失败（连接、超时、响应无法解析）
type TransportError struct {
	Method string
	Err    error
	msg    string // 已脱敏的错误信息
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telegram %s: transport: %s", e.Method, e.msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError 平台返回 ok=false
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: api error %d: %s", e.Method, e.Code, e.Description)
}

// RateLimitedError 平台限流（HTTP 429 或 error_code=429）
type RateLimitedError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("telegram %s: rate limited, retry after %s", e.Method, e.RetryAfter)
}

// IsRateLimited 判断是否为限流结果
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
