package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 错误类别
type ErrorKind string

const (
	// KindProtocol 协议错误（帧格式非法/未知类型），连接级致命
	KindProtocol ErrorKind = "protocol"
	// KindAuth 认证错误（共享密钥不匹配），连接级致命
	KindAuth ErrorKind = "auth"
	// KindIdentityMismatch 帧内 gateway_id 与已认证身份不符，仅该帧失败
	KindIdentityMismatch ErrorKind = "identity_mismatch"
	// KindUpstreamAPI 平台/媒体接口调用失败
	KindUpstreamAPI ErrorKind = "upstream_api"
	// KindDeliveryMiss 无绑定或目标连接不在线，消息按 at-most-once 丢弃
	KindDeliveryMiss ErrorKind = "delivery_miss"
	// KindTimeout 认证/回复/心跳超时
	KindTimeout ErrorKind = "timeout"
	// KindNetwork 网络错误
	KindNetwork ErrorKind = "network"
	// KindUnknown 未知错误
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable 判断错误类别是否可重试
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindUpstreamAPI:
		return true
	default:
		return false
	}
}

// RelayError 带类别的错误，供分发层决定是回 error 帧、丢弃还是断开连接
type RelayError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error 实现 error 接口
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap 返回底层错误
func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewProtocolError 创建协议错误
func NewProtocolError(msg string, err error) *RelayError {
	return &RelayError{Kind: KindProtocol, Msg: msg, Err: err}
}

// NewAuthError 创建认证错误
func NewAuthError(msg string) *RelayError {
	return &RelayError{Kind: KindAuth, Msg: msg}
}

// NewIdentityMismatchError 创建身份不匹配错误
func NewIdentityMismatchError(claimed, authenticated string) *RelayError {
	return &RelayError{
		Kind: KindIdentityMismatch,
		Msg:  fmt.Sprintf("frame gateway_id %q does not match authenticated %q", claimed, authenticated),
	}
}

// NewUpstreamAPIError 创建平台接口错误
func NewUpstreamAPIError(msg string, err error) *RelayError {
	return &RelayError{Kind: KindUpstreamAPI, Msg: msg, Err: err}
}

// NewDeliveryMiss 创建投递失败错误
func NewDeliveryMiss(msg string) *RelayError {
	return &RelayError{Kind: KindDeliveryMiss, Msg: msg}
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(msg string) *RelayError {
	return &RelayError{Kind: KindTimeout, Msg: msg}
}

// NewNetworkError 创建网络错误
func NewNetworkError(msg string, err error) *RelayError {
	return &RelayError{Kind: KindNetwork, Msg: msg, Err: err}
}

// KindOf 返回错误的类别；非 RelayError 时按文本模式推断
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return classifyByPattern(err.Error())
}

var (
	timeoutPatterns = []string{
		"timeout", "timed out", "deadline exceeded", "context deadline exceeded",
	}
	networkPatterns = []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"network is unreachable", "eof", "use of closed network connection",
	}
	authPatterns = []string{
		"unauthorized", "invalid token", "access denied", "401", "403",
	}
	upstreamPatterns = []string{
		"errcode", "bad gateway", "service unavailable", "500", "502", "503",
	}
)

// classifyByPattern 按错误文本匹配类别
func classifyByPattern(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
		return false
	}
	switch {
	case match(timeoutPatterns):
		return KindTimeout
	case match(networkPatterns):
		return KindNetwork
	case match(authPatterns):
		return KindAuth
	case match(upstreamPatterns):
		return KindUpstreamAPI
	default:
		return KindUnknown
	}
}
