// Package aspace 实现 ArchivesSpace REST API 的记录读取与登录。
package aspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aspacesort/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	TimeoutSeconds int               `json:"timeout_seconds"` // client 级超时（秒），默认 60
	MaxBodyBytes   int64             `json:"max_body_bytes"`  // 单个响应体上限，默认 8MiB
	UserAgent      string            `json:"user_agent"`
	ExtraHeaders   map[string]string `json:"extra_headers"` // 追加/覆盖请求头（例如反向代理所需）
}

func (o *Options) defaults() {
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 8 << 20
	}
	if o.UserAgent == "" {
		o.UserAgent = "aspacesort/1"
	}
}

func decodeOptions(raw json.RawMessage) (Options, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return opts, fmt.Errorf("aspace options: %w", err)
		}
	}
	opts.defaults()
	return opts, nil
}

// Client 以共享只读会话读取记录；并发安全。
type Client struct {
	hc      *http.Client
	base    string
	headers map[string]string
	maxBody int64
	do      func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项与已认证会话构造客户端。
func New(raw json.RawMessage, s contract.Session) (contract.Fetcher, error) {
	opts, err := decodeOptions(raw)
	if err != nil {
		return nil, err
	}
	base, err := normalizeBaseURL(s.BaseURL)
	if err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, fmt.Errorf("aspace: empty session token: %w", contract.ErrUnauthorized)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	h := s.Headers()
	h["Accept"] = "application/json"
	h["User-Agent"] = opts.UserAgent
	for k, v := range opts.ExtraHeaders {
		if k != "" {
			h[k] = v
		}
	}
	return &Client{hc: hc, base: base, headers: h, maxBody: opts.MaxBodyBytes, do: hc.Do}, nil
}

// normalizeBaseURL 校验 http(s) 绝对地址并去掉尾部斜杠。
func normalizeBaseURL(s string) (string, error) {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("aspace: api url %q: %w", s, contract.ErrInvalidInput)
	}
	return strings.TrimRight(s, "/"), nil
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("aspace upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// statusError 携带状态码与上游片段，并包装一个哨兵错误供分类。
type statusError struct {
	status int
	msg    string
	kind   error
}

func (e statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("aspace upstream %d: %v", e.status, e.kind)
	}
	return fmt.Sprintf("aspace upstream %d: %v: %s", e.status, e.kind, e.msg)
}
func (e statusError) Unwrap() error            { return e.kind }
func (e statusError) UpstreamStatus() int     { return e.status }
func (e statusError) UpstreamMessage() string { return e.msg }

// Fetch: GET {base}{ref}，单次调用、同步返回原始响应体。
func (c *Client) Fetch(ctx context.Context, ref contract.RecordRef) (contract.Raw, error) {
	if !strings.HasPrefix(string(ref), "/") {
		return contract.Raw{}, fmt.Errorf("ref %q: %w", ref, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+string(ref), nil)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Raw{}, ctx.Err()
			}
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return contract.Raw{}, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return contract.Raw{}, err
	}
	if int64(len(body)) > c.maxBody {
		return contract.Raw{}, fmt.Errorf("body exceeds %d bytes: %w", c.maxBody, contract.ErrResponseInvalid)
	}
	return contract.Raw{Body: body}, nil
}

// statusToError 将非 2xx 映射为分类错误；2xx 返回 nil。
func statusToError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := upstreamMessage(slurp)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return statusError{status: resp.StatusCode, msg: msg, kind: contract.ErrRateLimited}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return statusError{status: resp.StatusCode, msg: msg, kind: contract.ErrUnauthorized}
	case resp.StatusCode == http.StatusNotFound:
		return statusError{status: resp.StatusCode, msg: msg, kind: contract.ErrNotFound}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
		return upstreamError{status: resp.StatusCode, msg: msg}
	default:
		return statusError{status: resp.StatusCode, msg: msg, kind: contract.ErrInvalidInput}
	}
}

// upstreamMessage 优先取 JSON 的 error 字段，否则返回裁剪后的原文。
func upstreamMessage(b []byte) string {
	var e struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && len(e.Error) > 0 {
		var s string
		if json.Unmarshal(e.Error, &s) == nil {
			return s
		}
		return string(e.Error)
	}
	return strings.TrimSpace(string(b))
}

var _ contract.Fetcher = (*Client)(nil)
