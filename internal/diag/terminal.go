package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Tally: 单次运行的行级汇总。
type Tally struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	client      string
	runStart    time.Time

	curFileID string // 短名（base + 截断）
	rowsTotal int
	rowsDone  int
	errCount  int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	current *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); current = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return current }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = term.IsTerminal(int(f.Fd()))
		}
	}
	return t
}

// RunStart: 记录运行上下文（并发、客户端）。
func (t *Terminal) RunStart(concurrency int, client string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.client = client
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 并发=%d | client=%s", concurrency, safe(client)))
}

// FileStart: 标记当前输入文件与待处理行数。
func (t *Terminal) FileStart(fileID string, rowsTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curFileID = shortenBase(fileID, 48)
	t.rowsTotal = rowsTotal
	t.rowsDone = 0
	t.errCount = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[file] %s | 待处理行=%d", t.curFileID, rowsTotal))
	}
}

// FileProgress: 周期性进度（≥100ms 节流，仅 TTY）。
func (t *Terminal) FileProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.rowsDone = done
	t.rowsTotal = total
	t.errCount = errs
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("[file] %s | 进度 %d/%d | 错误 %d | 并发 %d | 用时 %s",
		t.curFileID, t.rowsDone, t.rowsTotal, t.errCount, t.concurrency, formatSince(t.runStart))
	t.printInline(line)
}

// Progress 返回最近一次上报的进度（已尝试/总数/失败）。
func (t *Terminal) Progress() (done, total, errs int) {
	if t == nil {
		return 0, 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsDone, t.rowsTotal, t.errCount
}

// FileFinish: 完成当前文件并打印行级汇总。
func (t *Terminal) FileFinish(ok bool, tally Tally, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	status := "done"
	if !ok {
		status = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] %s | 行 %d | 成功 %d | 失败 %d | 跳过 %d | 总用时 %s",
		status, t.curFileID, tally.Total, tally.Succeeded, tally.Failed, tally.Skipped, formatDur(dur)))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, output string, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 输出 %s | 总用时 %s", tag, safe(output), formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if visLen(base) <= max {
		return base
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(base)
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
