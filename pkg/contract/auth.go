package contract

import "context"

// Credentials: 登录所需的最小信息。
type Credentials struct {
	APIURL   string
	Username string
	Password string
}

// Session: 认证成功后的只读会话，整个运行期内被所有 worker 共享。
type Session struct {
	BaseURL string
	Token   string
}

// HeaderSession: 会话令牌请求头。
const HeaderSession = "X-ArchivesSpace-Session"

// Headers 返回已认证请求需要携带的头部。
func (s Session) Headers() map[string]string {
	return map[string]string{
		HeaderSession:  s.Token,
		"Content-Type": "application/json",
	}
}

// Authenticator: 单次登录尝试。失败时返回错误（凭据错误应包装 ErrUnauthorized）。
// 重试策略不属于本契约，由调用方（internal/auth）决定。
type Authenticator interface {
	Login(ctx context.Context, c Credentials) (Session, error)
}
