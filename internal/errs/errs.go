// Package errs 定义设备会话链路共用的错误分类。
//
// 各业务包返回的具体错误都通过 %w 包装这里的哨兵错误，
// 上层只需要 errors.Is 即可判断影响范围（连接级 / 单轮对话级）。
package errs

import (
	"context"
	"errors"
)

// Sentinel errors for the device pipeline.
var (
	// ErrProtocol 线路数据结构不合法，连接级错误。
	ErrProtocol = errors.New("protocol error")

	// ErrAuth 设备凭证无效或儿童年龄不在支持范围，连接级错误。
	ErrAuth = errors.New("auth error")

	// ErrSafetyViolation 内容被安全策略拦截，仅终止当前轮次。
	ErrSafetyViolation = errors.New("safety violation")

	// ErrUpstreamUnavailable 外部服务重试耗尽或熔断打开，仅终止当前轮次。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStageTimeout 某个处理阶段超时，仅终止当前轮次。
	ErrStageTimeout = errors.New("stage timeout")

	// ErrResourceExhausted 并发池或会话容量已满，调用方应稍后重试。
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Code 返回发送给设备的机器可读错误码。
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrSafetyViolation):
		return "safety_violation"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrStageTimeout):
		return "stage_timeout"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal_error"
	}
}

// IsConnectionFatal reports whether the error must close the device link.
func IsConnectionFatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrAuth)
}

// IsTurnFatal reports whether the error only aborts the current turn.
func IsTurnFatal(err error) bool {
	return errors.Is(err, ErrSafetyViolation) ||
		errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrStageTimeout) ||
		errors.Is(err, ErrResourceExhausted)
}

// IsRetryLater reports whether the device should back off and retry.
func IsRetryLater(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
