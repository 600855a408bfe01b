// Package auth 在单次登录之上实现有界重试：失败后重新询问凭据，次数耗尽返回 ErrAuthAbandoned。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"aspacesort/internal/diag"
	"aspacesort/internal/prompt"
	"aspacesort/pkg/contract"
)

// 用户可见反馈。
const (
	MsgSuccess = "Login successful!"
	MsgFailed  = "Login failed! Check credentials and try again."
)

// DefaultMaxAttempts: 未配置时的最大登录尝试次数。
const DefaultMaxAttempts = 3

// Login 以 c 尝试登录；失败后经 p 重新询问全部凭据，最多 maxAttempts 次。
// p 为 nil 时不再询问，首次失败即放弃。返回成功会话与最终使用的凭据。
func Login(ctx context.Context, a contract.Authenticator, p prompt.Prompter, c contract.Credentials, maxAttempts int, logger *diag.Logger) (contract.Session, contract.Credentials, error) {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	tried := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return contract.Session{}, c, err
		}
		if attempt > 1 {
			if p == nil {
				break
			}
			nc, err := prompt.AskCredentials(p)
			if err != nil {
				logger.Error("auth", string(diag.CodeAuth), "credential prompt failed", nil)
				return contract.Session{}, c, fmt.Errorf("%w: %w", contract.ErrAuthAbandoned, err)
			}
			c = nc
		}
		t := logger.StartWithKV("auth", "login", "", "", map[string]string{
			"attempt": strconv.Itoa(attempt),
			"user":    c.Username,
		})
		tried++
		s, err := a.Login(ctx, c)
		if err == nil {
			t.Finish("login", int64(attempt))
			diag.IncOp("auth", "finish", "success")
			say(p, MsgSuccess)
			return s, c, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return contract.Session{}, c, err
		}
		lastErr = err
		code := diag.Classify(err)
		logger.ErrorWithKV("auth", string(code), "login failed", t.Since(), "", "", diag.UpstreamKV(err, map[string]string{
			"attempt": strconv.Itoa(attempt),
		}))
		diag.IncOp("auth", "error", "error")
		diag.IncError("auth", string(code))
		say(p, MsgFailed)
		var ue contract.UpstreamError
		if errors.As(err, &ue) && ue.UpstreamMessage() != "" {
			say(p, ue.UpstreamMessage())
		} else {
			say(p, err.Error())
		}
	}
	return contract.Session{}, c, fmt.Errorf("%w after %d attempt(s): %w", contract.ErrAuthAbandoned, tried, lastErr)
}

func say(p prompt.Prompter, msg string) {
	if p != nil {
		p.Say("%s", msg)
	}
}
