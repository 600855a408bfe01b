package rate

import (
	"context"
	"math"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"aspacesort/pkg/contract"
)

// LimitKey: 限流分组键（例如 API 主机）。
type LimitKey string

// Limits: 每分组的限额配置。RPS<=0 表示不限速。
type Limits struct {
	RPS   float64 // requests per second
	Burst int     // 令牌桶容量；<=0 时取 max(1, ceil(RPS))
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；申请量超过桶容量时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (avail float64)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*xrate.Limiter, len(m))}
	for k, lim := range m {
		g.m[k] = newLimiter(lim)
	}
	return g
}

func newLimiter(lim Limits) *xrate.Limiter {
	if lim.RPS <= 0 {
		return xrate.NewLimiter(xrate.Inf, 0)
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(lim.RPS)))
	}
	return xrate.NewLimiter(xrate.Limit(lim.RPS), burst)
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*xrate.Limiter
}

func (g *gate) get(key LimitKey) *xrate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.m[key]
	if l == nil {
		// 未配置的 key 视为不限额
		l = newLimiter(Limits{})
		g.m[key] = l
	}
	return l
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 {
		return false
	}
	return g.get(a.Key).AllowN(g.clk(), a.Requests)
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 {
		return contract.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l := g.get(a.Key)
	now := g.clk()
	r := l.ReserveN(now, a.Requests)
	if !r.OK() {
		return contract.ErrInvalidInput
	}
	if err := sleepCtx(ctx, r.DelayFrom(now)); err != nil {
		r.CancelAt(g.clk())
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 若 d 很长，分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用令牌数（仅诊断；不限速时为 +Inf）。
func (g *gate) Snapshot(key LimitKey) float64 {
	l := g.get(key)
	if l.Limit() == xrate.Inf {
		return math.Inf(1)
	}
	return l.TokensAt(g.clk())
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
