// Package venue 定义两个交易所共用的错误分类。
//
// 重试监督器只看 Kind：timeout / rate_limited / unavailable 可重试，
// 其余（auth / invalid / rejected / not_found）为终态，立即返回。
package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind 错误类别
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable" // 5xx / 连接失败
	KindAuth        Kind = "auth"
	KindInvalid     Kind = "invalid"   // 参数错误
	KindRejected    Kind = "rejected"  // 交易所业务拒绝（余额不足、价格越界等）
	KindNotFound    Kind = "not_found" // 订单不存在
)

// Retryable 可重试类别
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	}
	return false
}

// Ambiguous 调用结果未知：写操作可能已被交易所接受（超时 / 5xx / 连接中断）
func (k Kind) Ambiguous() bool {
	return k == KindTimeout || k == KindUnavailable
}

// Error 交易所调用错误
type Error struct {
	Kind Kind
	Op   string // 调用名，如 place_order
	Code int    // HTTP 状态码或交易所错误码（可选）
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code=%d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E 构造错误
func E(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromHTTPStatus 按 HTTP 状态码归类
func FromHTTPStatus(op string, status int, err error) *Error {
	kind := KindUnavailable
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		kind = KindRejected
	case status >= 400 && status < 500:
		kind = KindInvalid
	}
	e := E(kind, op, err)
	e.Code = status
	return e
}

// KindOf 返回错误类别；未知错误按网络层特征推断，无法判断时归为 unavailable。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// IsNotFound 订单已不存在
func IsNotFound(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindNotFound
}
