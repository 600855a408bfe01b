package aspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"aspacesort/pkg/contract"
)

// LoginError: 服务端拒绝登录（携带 error 字段原文）。
type LoginError struct {
	Status  int
	Message string
}

func (e *LoginError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("login rejected (%d)", e.Status)
	}
	return fmt.Sprintf("login rejected (%d): %s", e.Status, e.Message)
}
func (e *LoginError) Unwrap() error            { return contract.ErrUnauthorized }
func (e *LoginError) UpstreamStatus() int     { return e.Status }
func (e *LoginError) UpstreamMessage() string { return e.Message }

// Authenticator 执行单次登录尝试。
type Authenticator struct {
	hc  *http.Client
	ua  string
	do  func(*http.Request) (*http.Response, error)
	max int64
}

// NewAuthenticator 从原样 JSON 选项构造（与 Client 共用 Options）。
func NewAuthenticator(raw json.RawMessage) (contract.Authenticator, error) {
	opts, err := decodeOptions(raw)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Authenticator{hc: hc, ua: opts.UserAgent, do: hc.Do, max: opts.MaxBodyBytes}, nil
}

type loginResp struct {
	Session string          `json:"session"`
	Error   json.RawMessage `json:"error"`
}

// Login: POST {api_url}/users/{username}/login?password={password}。
// 成功响应含 session；失败响应含 error。
func (a *Authenticator) Login(ctx context.Context, c contract.Credentials) (contract.Session, error) {
	base, err := normalizeBaseURL(c.APIURL)
	if err != nil {
		return contract.Session{}, err
	}
	if c.Username == "" {
		return contract.Session{}, fmt.Errorf("aspace: empty username: %w", contract.ErrInvalidInput)
	}
	endpoint := fmt.Sprintf("%s/users/%s/login?password=%s", base, url.PathEscape(c.Username), url.QueryEscape(c.Password))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return contract.Session{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.ua)
	resp, err := a.do(req)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return contract.Session{}, ctx.Err()
		}
		// url.Error 会回显带口令的完整 URL；仅保留底层原因
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return contract.Session{}, fmt.Errorf("login %s: %w", base, uerr.Err)
		}
		return contract.Session{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, a.max))
	var lr loginResp
	_ = json.Unmarshal(body, &lr)
	if resp.StatusCode/100 == 2 && lr.Session != "" {
		return contract.Session{BaseURL: base, Token: lr.Session}, nil
	}
	if resp.StatusCode/100 == 5 || resp.StatusCode == http.StatusRequestTimeout {
		return contract.Session{}, upstreamError{status: resp.StatusCode, msg: upstreamMessage(body)}
	}
	if resp.StatusCode/100 == 2 && len(lr.Error) == 0 {
		return contract.Session{}, fmt.Errorf("login response without session: %w", contract.ErrResponseInvalid)
	}
	return contract.Session{}, &LoginError{Status: resp.StatusCode, Message: upstreamMessage(body)}
}

var _ contract.Authenticator = (*Authenticator)(nil)
