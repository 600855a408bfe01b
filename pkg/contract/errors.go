package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志 code 归类）。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")

	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrRefMissing: 行内引用列缺失或为空。
	ErrRefMissing = errors.New("ref missing")
	// ErrNotFound: 上游不存在该记录。
	ErrNotFound = errors.New("record not found")
	// ErrUnauthorized: 会话无效/过期或凭据被拒绝。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAuthAbandoned: 登录重试次数用尽（或无法继续交互），放弃认证。
	ErrAuthAbandoned = errors.New("authentication abandoned")
)
