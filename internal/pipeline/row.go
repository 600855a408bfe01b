package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"aspacesort/internal/diag"
	"aspacesort/internal/rate"
	"aspacesort/internal/sortorder"
	"aspacesort/pkg/contract"
)

// rowProcessor 处理单行：取 ref → 读取记录 → 逐级读取祖先 position → 拼装输出行。
// 并发安全：仅持有只读组件与（可选）加锁缓存。
type rowProcessor struct {
	comp   Components
	set    Settings
	fileID string
	logger *diag.Logger
	cache  *positionCache
}

func newRowProcessor(comp Components, set Settings, fileID string, logger *diag.Logger) *rowProcessor {
	p := &rowProcessor{comp: comp, set: set, fileID: fileID, logger: logger}
	if set.CachePositions {
		p.cache = newPositionCache()
	}
	return p
}

// process 返回输出行；失败时返回带行号与 ref 的错误，并记录诊断。
func (p *rowProcessor) process(ctx context.Context, row contract.Row) ([]string, error) {
	rowKV := func() map[string]string {
		return map[string]string{"row": strconv.FormatInt(int64(row.Index), 10)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw string
	if p.set.RefColumn < len(row.Fields) {
		raw = row.Fields[p.set.RefColumn]
	}
	ref, err := contract.NormalizeRef(raw)
	if err != nil {
		p.rowFailed(err, "", rowKV(), nil)
		return nil, fmt.Errorf("row %d: %w", row.Index, err)
	}

	p.logger.DebugStart("row", "process", p.fileID, string(ref), rowKV())
	t0 := time.Now()
	rec, err := p.fetchRecord(ctx, ref)
	if err != nil {
		p.rowFailed(err, ref, rowKV(), &t0)
		return nil, fmt.Errorf("row %d %s: %w", row.Index, ref, err)
	}
	so, err := sortorder.ForRecord(ctx, rec, p.position)
	if err != nil {
		p.rowFailed(err, ref, rowKV(), &t0)
		return nil, fmt.Errorf("row %d %s: %w", row.Index, ref, err)
	}
	diag.IncOp("row", "finish", "success")
	diag.ObserveDuration("row", "process", time.Since(t0).Milliseconds())
	return p.comp.Assembler.Row(row.Fields, so), nil
}

// position 是 sortorder 的 PositionLookup：读取祖先记录并返回其 position。
func (p *rowProcessor) position(ctx context.Context, ref contract.RecordRef) (*int64, error) {
	if p.cache != nil {
		if pos, ok := p.cache.get(ref); ok {
			return pos, nil
		}
	}
	rec, err := p.fetchRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.put(ref, rec.Position)
	}
	return rec.Position, nil
}

// fetchRecord: (Gate) → Fetch → Decode。仅限流/网络类错误按 MaxRetries 重试。
func (p *rowProcessor) fetchRecord(ctx context.Context, ref contract.RecordRef) (contract.Record, error) {
	attempts := p.set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if p.set.Gate != nil {
			// Gate 错误不重试（通常为取消或输入非法）
			if err := p.admit(ctx, ref); err != nil {
				return contract.Record{}, fmt.Errorf("gate: %w", err)
			}
		}
		raw, err := p.comp.Fetcher.Fetch(ctx, ref)
		if err != nil {
			lastErr = fmt.Errorf("fetch: %w", err)
			if attempt+1 < attempts && shouldRetryFetch(err) {
				code := diag.Classify(err)
				p.logger.Warn("client", string(code), "fetch retry", diag.UpstreamKV(err, map[string]string{
					"ref":     string(ref),
					"attempt": strconv.Itoa(attempt + 1),
				}))
				diag.IncOp("client", "retry", "error")
				if serr := sleepWithCtx(ctx, time.Duration(attempt+1)*p.set.RetryBackoff); serr != nil {
					return contract.Record{}, serr
				}
				continue
			}
			return contract.Record{}, lastErr
		}
		diag.IncOp("client", "finish", "success")
		rec, err := p.comp.Decoder.Decode(ctx, ref, raw)
		if err != nil {
			return contract.Record{}, fmt.Errorf("decode: %w", err)
		}
		return rec, nil
	}
	return contract.Record{}, lastErr
}

// admit: 令牌充足时直接放行；否则记录一次限流等待并阻塞到额度可用。
func (p *rowProcessor) admit(ctx context.Context, ref contract.RecordRef) error {
	ask := rate.Ask{Key: p.set.GateKey, Requests: 1}
	if p.set.Gate.Try(ask) {
		return nil
	}
	kv := map[string]string{"key": string(p.set.GateKey)}
	if s, ok := p.set.Gate.(rate.Snapshoter); ok {
		kv["tokens"] = strconv.FormatFloat(s.Snapshot(p.set.GateKey), 'f', 2, 64)
	}
	p.logger.DebugStart("gate", "throttled", p.fileID, string(ref), kv)
	diag.IncOp("gate", "wait", "throttled")
	t0 := time.Now()
	if err := p.set.Gate.Wait(ctx, ask); err != nil {
		return err
	}
	diag.ObserveDuration("gate", "wait", time.Since(t0).Milliseconds())
	return nil
}

func (p *rowProcessor) rowFailed(err error, ref contract.RecordRef, kv map[string]string, t0 *time.Time) {
	code := diag.Classify(err)
	if code == diag.CodeCancel {
		return
	}
	kv["err"] = err.Error()
	p.logger.ErrorWithKV("row", string(code), "row failed", t0, p.fileID, string(ref), diag.UpstreamKV(err, kv))
	diag.IncOp("row", "error", "error")
	diag.IncError("row", string(code))
}

// shouldRetryFetch: 限流与网络类错误可重试；取消、鉴权、404、协议错误不重试。
func shouldRetryFetch(err error) bool {
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
