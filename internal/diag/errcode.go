package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"aspacesort/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeAuth      Code = "auth"
	CodeNotFound  Code = "not_found"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrUnauthorized) || errors.Is(err, contract.ErrAuthAbandoned) {
		return CodeAuth
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrNotFound) {
		return CodeNotFound
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrRefMissing) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx 等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// UpstreamKV 提取上游诊断字段（若错误链中存在 contract.UpstreamError）。
func UpstreamKV(err error, kv map[string]string) map[string]string {
	var ue contract.UpstreamError
	if !errors.As(err, &ue) {
		return kv
	}
	if kv == nil {
		kv = map[string]string{}
	}
	if st := ue.UpstreamStatus(); st > 0 {
		kv["http_status"] = strconv.Itoa(st)
	}
	if msg := ue.UpstreamMessage(); msg != "" {
		kv["upstream_msg"] = msg
	}
	return kv
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
