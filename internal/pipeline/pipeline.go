package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"aspacesort/internal/diag"
	"aspacesort/internal/rate"
	"aspacesort/pkg/contract"
)

// - 单点并发：仅此层管理并发与背压；原子组件均为同步、无内部并发。
// - 顺序门闩：结果按提交序号严格递增输出；乱序结果暂存，连续冲刷。
// - 行级失败：单行失败只丢弃该行并计数，不影响整体；仅搭建期错误与写出错误致命。
// - 取消：父 ctx 取消后尽快排空并返回 ctx.Err()，覆盖模式下不产生半成品文件。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader    contract.Reader
	Splitter  contract.Splitter
	Fetcher   contract.Fetcher
	Decoder   contract.Decoder
	Assembler contract.Assembler
	Writer    contract.Writer
}

// Settings 运行期配置。
type Settings struct {
	// Input 为输入 CSV 路径（"-" 表示 STDIN）；Output 为输出工件。
	Input  string
	Output contract.ArtifactID
	// Concurrency: 固定 worker 数（<1 按 1）。
	Concurrency int
	// RefColumn: 行内 ref 所在列（0 起）。
	RefColumn int
	// MaxRetries: 限流/网络类错误的最大重试次数。0 表示不重试。
	MaxRetries int
	// CachePositions: 运行期内缓存祖先 position。
	CachePositions bool
	// 限流闸门（可选）：若非空，则每次读取前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// RetryBackoff: 重试基础间隔，默认 200ms，按尝试次数线性增长。
	RetryBackoff time.Duration
}

// Summary: 行级汇总。Total = Succeeded + Failed + Skipped。
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// Tally 转为终端汇总结构。
func (s Summary) Tally() diag.Tally {
	return diag.Tally{Total: s.Total, Succeeded: s.Succeeded, Failed: s.Failed, Skipped: s.Skipped}
}

// Run 执行完整流水线：Reader → Splitter → (Resume) → workers[Fetch → Decode → Resolve] → 顺序门闩 → Assembler → Writer。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Summary, error) {
	var sum Summary
	if err := sanity(comp, &set); err != nil {
		return sum, fmt.Errorf("sanity: %w", err)
	}
	runStart := time.Now()

	table, err := readTable(ctx, comp, set.Input, logger)
	if err != nil {
		return sum, err
	}
	fileID := string(table.FileID)
	sum.Total = len(table.Rows)

	// 追加模式：读取既有输出，跳过已写出的 ref，避免重复表头
	seen, hasExisting, err := loadExisting(ctx, comp, set, table.Header, logger)
	if err != nil {
		return sum, err
	}
	work := make([]contract.Row, 0, len(table.Rows))
	for _, r := range table.Rows {
		if ref, ok := rowRef(r.Fields, set.RefColumn); ok {
			if _, dup := seen[ref]; dup {
				sum.Skipped++
				continue
			}
		}
		work = append(work, r)
	}
	if sum.Skipped > 0 {
		logger.Warn("pipeline", "", "rows already in output skipped", map[string]string{"skipped": strconv.Itoa(sum.Skipped)})
	}

	term := diag.GetTerminal()
	term.FileStart(fileID, len(work))
	ok := false
	defer func() {
		term.FileFinish(ok, sum.Tally(), time.Since(runStart))
	}()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc := newRowProcessor(comp, set, fileID, logger)

	type job struct {
		seq int
		row contract.Row
	}
	type res struct {
		seq    int
		fields []string
		err    error
	}
	// 有界通道：2×并发度，形成自然背压
	inCh := make(chan job, set.Concurrency*2)
	outCh := make(chan res, set.Concurrency*2)

	// 进度计数：每次尝试（成功或失败）恰好推进一次；done/failed 同锁更新，快照单调
	var (
		progMu       sync.Mutex
		done, failed int
	)
	total := len(work)

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for j := range inCh {
			fields, err := proc.process(ctx, j.row)
			progMu.Lock()
			done++
			if err != nil {
				failed++
			}
			term.FileProgress(done, total, failed)
			progMu.Unlock()
			outCh <- res{seq: j.seq, fields: fields, err: err}
		}
	}
	wg.Add(set.Concurrency)
	for i := 0; i < set.Concurrency; i++ {
		go worker()
	}
	go func() {
		defer close(inCh)
		for i, r := range work {
			select {
			case <-ctx.Done():
				return
			case inCh <- job{seq: i, row: r}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	// 单次调用 Writer.Write，以流式方式落盘
	pr, pw := io.Pipe()
	wdone := make(chan error, 1)
	wtimer := logger.StartWith("writer", "write", fileID, "")
	go func() {
		err := comp.Writer.Write(ctx, set.Output, pr)
		// Writer 提前返回时关闭读端，避免写侧永久阻塞
		if err != nil {
			_ = pr.CloseWithError(err)
		} else {
			_ = pr.Close()
		}
		wdone <- err
	}()
	cw := csv.NewWriter(pw)

	var firstErr error
	fatal := func(err error) {
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if !hasExisting {
		if err := cw.Write(comp.Assembler.Header(table.Header)); err != nil {
			fatal(fmt.Errorf("write header: %w", err))
		}
	}

	// 提交门闩：按 seq 连续冲刷
	expect := 0
	buf := make(map[int]res)
	for r := range outCh {
		if firstErr != nil {
			continue
		}
		buf[r.seq] = r
		for {
			cur, ready := buf[expect]
			if !ready {
				break
			}
			delete(buf, expect)
			expect++
			if cur.err != nil {
				if errors.Is(cur.err, context.Canceled) && parent.Err() != nil {
					continue
				}
				sum.Failed++
				continue
			}
			if err := cw.Write(cur.fields); err != nil {
				fatal(fmt.Errorf("write row: %w", err))
				break
			}
			sum.Succeeded++
		}
	}
	if firstErr == nil {
		cw.Flush()
		if err := cw.Error(); err != nil {
			fatal(fmt.Errorf("flush: %w", err))
		}
	}
	if firstErr == nil && parent.Err() != nil {
		firstErr = parent.Err()
	}
	if firstErr != nil {
		_ = pw.CloseWithError(firstErr)
	} else {
		_ = pw.Close()
	}
	werr := <-wdone

	if firstErr != nil {
		code := diag.Classify(firstErr)
		logger.ErrorWith("writer", string(code), "run aborted", wtimer.Since(), fileID, "")
		diag.IncOp("writer", "error", "error")
		diag.IncError("writer", string(code))
		return sum, fmt.Errorf("pipeline: %w", firstErr)
	}
	if werr != nil {
		code := diag.Classify(werr)
		logger.ErrorWith("writer", string(code), "write failed", wtimer.Since(), fileID, "")
		diag.IncOp("writer", "error", "error")
		diag.IncError("writer", string(code))
		return sum, fmt.Errorf("writer write: %w", werr)
	}
	wtimer.Finish("write", int64(sum.Succeeded))
	diag.IncOp("writer", "finish", "success")
	diag.ObserveDuration("pipeline", "run", time.Since(runStart).Milliseconds())
	logger.InfoFinishKV("pipeline", "run summary", runStart, int64(sum.Total), map[string]string{
		"succeeded": strconv.Itoa(sum.Succeeded),
		"failed":    strconv.Itoa(sum.Failed),
		"skipped":   strconv.Itoa(sum.Skipped),
	})
	ok = true
	return sum, nil
}

// readTable 通过 Reader 打开输入并交给 Splitter；输入须恰好一个文件。
func readTable(ctx context.Context, comp Components, input string, logger *diag.Logger) (contract.Table, error) {
	var table contract.Table
	n := 0
	rtimer := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, []string{input}, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		n++
		if n > 1 {
			return fmt.Errorf("multiple inputs: %w", contract.ErrInvalidInput)
		}
		stimer := logger.StartWith("splitter", "split", string(fid), "")
		t, err := comp.Splitter.Split(ctx, fid, rc)
		if err != nil {
			code := diag.Classify(err)
			logger.ErrorWith("splitter", string(code), "split failed", stimer.Since(), string(fid), "")
			diag.IncOp("splitter", "error", "error")
			diag.IncError("splitter", string(code))
			return fmt.Errorf("splitter split: %w", err)
		}
		stimer.Finish("split", int64(len(t.Rows)))
		diag.IncOp("splitter", "finish", "success")
		table = t
		return nil
	})
	if err != nil {
		code := diag.Classify(err)
		logger.Error("reader", string(code), "iterate failed", rtimer.Since())
		diag.IncOp("reader", "error", "error")
		diag.IncError("reader", string(code))
		return table, fmt.Errorf("reader iterate: %w", err)
	}
	if n == 0 {
		return table, fmt.Errorf("no input: %w", contract.ErrInvalidInput)
	}
	rtimer.Finish("iterate", 1)
	diag.IncOp("reader", "finish", "success")
	return table, nil
}

func sanity(c Components, s *Settings) error {
	if c.Reader == nil || c.Splitter == nil || c.Fetcher == nil || c.Decoder == nil || c.Assembler == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if s.Input == "" || s.Output == "" {
		return fmt.Errorf("pipeline: empty input or output: %w", contract.ErrInvalidInput)
	}
	if s.RefColumn < 0 {
		return fmt.Errorf("pipeline: ref column %d: %w", s.RefColumn, contract.ErrInvalidInput)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 200 * time.Millisecond
	}
	return nil
}

// rowRef 取出并规范化行内 ref；越界或非法返回 false。
func rowRef(fields []string, col int) (contract.RecordRef, bool) {
	if col < 0 || col >= len(fields) {
		return "", false
	}
	ref, err := contract.NormalizeRef(fields[col])
	return ref, err == nil
}
