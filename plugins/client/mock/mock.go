// Package mock 提供无网络的记录读取与登录实现（联调与测试使用）。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"aspacesort/pkg/contract"
)

// Options: 记录夹具来源（二选一或合并，内联优先）。
type Options struct {
	// Records: ref → 原始 JSON 响应体。
	Records map[string]json.RawMessage `json:"records,omitempty"`
	// FixturePath: 同结构的 JSON 文件路径。
	FixturePath string `json:"fixture_path,omitempty"`
	// Token/Password: 登录模拟；Password 为空时接受任意口令。
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

func decode(raw json.RawMessage) (Options, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return o, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Token == "" {
		o.Token = "MOCK_SESSION"
	}
	return o, nil
}

// Client 以内存夹具应答 Fetch；并发安全（只读 map + 原子计数）。
type Client struct {
	records map[contract.RecordRef][]byte
	calls   atomic.Int64
}

// New 构造 Client；会话仅做形参占位。
func New(raw json.RawMessage, _ contract.Session) (contract.Fetcher, error) {
	o, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return newClient(o)
}

func newClient(o Options) (*Client, error) {
	recs := make(map[contract.RecordRef][]byte, len(o.Records))
	if o.FixturePath != "" {
		b, err := os.ReadFile(o.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("mock fixture: %w", err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("mock fixture %s: %v: %w", o.FixturePath, err, contract.ErrInvalidInput)
		}
		for k, v := range m {
			recs[contract.RecordRef(k)] = append([]byte(nil), v...)
		}
	}
	for k, v := range o.Records {
		recs[contract.RecordRef(k)] = append([]byte(nil), v...)
	}
	return &Client{records: recs}, nil
}

// Fetch 返回夹具原文；不存在时返回 ErrNotFound。
func (c *Client) Fetch(ctx context.Context, ref contract.RecordRef) (contract.Raw, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	b, ok := c.records[ref]
	if !ok {
		return contract.Raw{}, fmt.Errorf("mock %s: %w", ref, contract.ErrNotFound)
	}
	return contract.Raw{Body: append([]byte(nil), b...)}, nil
}

// Calls 返回累计 Fetch 次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

// Authenticator 模拟登录。
type Authenticator struct {
	token    string
	password string
	attempts atomic.Int32
}

// NewAuthenticator 构造模拟登录器。
func NewAuthenticator(raw json.RawMessage) (contract.Authenticator, error) {
	o, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return &Authenticator{token: o.Token, password: o.Password}, nil
}

// Login 校验口令（若配置）并返回固定会话。
func (a *Authenticator) Login(ctx context.Context, c contract.Credentials) (contract.Session, error) {
	a.attempts.Add(1)
	if err := ctx.Err(); err != nil {
		return contract.Session{}, err
	}
	if a.password != "" && c.Password != a.password {
		return contract.Session{}, fmt.Errorf("mock login: %w", contract.ErrUnauthorized)
	}
	base := strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if base == "" {
		base = "mock://aspace"
	}
	return contract.Session{BaseURL: base, Token: a.token}, nil
}

// Attempts 返回累计登录次数。
func (a *Authenticator) Attempts() int32 { return a.attempts.Load() }

var (
	_ contract.Fetcher       = (*Client)(nil)
	_ contract.Authenticator = (*Authenticator)(nil)
)
