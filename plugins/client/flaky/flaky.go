// Package flaky 在 mock 夹具之上注入可控故障（压力与容错测试使用）。
package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"aspacesort/pkg/contract"
	"aspacesort/plugins/client/mock"
)

// Options 定义可选项。
type Options struct {
	// Mock: 透传给 mock 的夹具配置。
	Mock json.RawMessage `json:"mock"`
	// FailRefs: 命中即失败的 ref。
	FailRefs []string `json:"fail_refs"`
	// FailTimes: 每个 FailRefs 失败的次数；0 表示永远失败。
	FailTimes int `json:"fail_times"`
	// Mode: 失败类型 network|rate_limited|invalid（默认 network）。
	Mode string `json:"mode"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 包装 mock.Client，对指定 ref 返回错误。
type Client struct {
	inner   contract.Fetcher
	fail    map[contract.RecordRef]*atomic.Int32
	times   int32
	mode    string
	logPath string
	logMu   sync.Mutex
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage, s contract.Session) (contract.Fetcher, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	switch o.Mode {
	case "":
		o.Mode = "network"
	case "network", "rate_limited", "invalid":
	default:
		return nil, fmt.Errorf("flaky mode %q: %w", o.Mode, contract.ErrInvalidInput)
	}
	inner, err := mock.New(o.Mock, s)
	if err != nil {
		return nil, err
	}
	fail := make(map[contract.RecordRef]*atomic.Int32, len(o.FailRefs))
	for _, r := range o.FailRefs {
		fail[contract.RecordRef(r)] = new(atomic.Int32)
	}
	return &Client{inner: inner, fail: fail, times: int32(o.FailTimes), mode: o.Mode, logPath: o.LogPath}, nil
}

// NewAuthenticator 使用 options.mock 子对象构造 mock 登录；故障仅作用于读取。
func NewAuthenticator(raw json.RawMessage) (contract.Authenticator, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	return mock.NewAuthenticator(o.Mock)
}

// netErr 模拟连接类错误（实现 net.Error）。
type netErr struct{ ref contract.RecordRef }

func (e netErr) Error() string   { return fmt.Sprintf("flaky: connection reset fetching %s", e.ref) }
func (e netErr) Timeout() bool   { return false }
func (e netErr) Temporary() bool { return true }

// Fetch 实现 contract.Fetcher。
func (c *Client) Fetch(ctx context.Context, ref contract.RecordRef) (contract.Raw, error) {
	c.count.Add(1)
	if n, ok := c.fail[ref]; ok {
		k := n.Add(1)
		if c.times == 0 || k <= c.times {
			c.log(fmt.Sprintf("%s %s", c.mode, ref))
			switch c.mode {
			case "rate_limited":
				return contract.Raw{}, contract.ErrRateLimited
			case "invalid":
				return contract.Raw{Body: []byte("invalid")}, nil
			default:
				return contract.Raw{}, netErr{ref: ref}
			}
		}
	}
	c.log(fmt.Sprintf("ok %s", ref))
	return c.inner.Fetch(ctx, ref)
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int32 { return c.count.Load() }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

var _ contract.Fetcher = (*Client)(nil)
