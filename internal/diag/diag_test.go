package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"aspacesort/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	for i := 0; i < 5; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == currentLogName {
			hasCurrent = true
		} else if strings.HasPrefix(e.Name(), rotatedPrefix) && strings.HasSuffix(e.Name(), ".log") {
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("expect both current and rotated files, got current=%v rotated=%v", hasCurrent, hasRotated)
	}
}

func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	if w.maxBytes != 10*1024*1024 {
		t.Fatalf("默认 maxBytes 错误: %d", w.maxBytes)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("未打开时 Sync 应为 no-op: %v", err)
	}
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if w.f == nil {
		t.Fatalf("rotate 在 f==nil 时应打开文件")
	}
	_ = w.Close()
}

func TestMetricsExported(t *testing.T) {
	IncOp("comp", "stage", "success")
	IncError("comp", "network")
	ObserveDuration("comp", "stage", 12)
	mfs, err := Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"aspacesort_op_total", "aspacesort_error_total", "aspacesort_op_duration_ms"} {
		if !names[want] {
			t.Fatalf("缺少指标 %s: %v", want, names)
		}
	}
	path := filepath.Join(t.TempDir(), "m.prom")
	if err := WriteMetrics(path); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || !bytes.Contains(b, []byte("aspacesort_op_total")) {
		t.Fatalf("textfile 内容异常: %v %s", err, b)
	}
	if err := WriteMetrics(""); err != nil {
		t.Fatalf("空路径应 no-op: %v", err)
	}
}

type upErr struct{}

func (upErr) Error() string           { return "upstream 502" }
func (upErr) UpstreamStatus() int     { return 502 }
func (upErr) UpstreamMessage() string { return "bad gateway" }

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrResponseInvalid, CodeProtocol},
		{fmt.Errorf("wrap: %w", context.Canceled), CodeCancel},
		{context.DeadlineExceeded, CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrUnauthorized, CodeAuth},
		{contract.ErrAuthAbandoned, CodeAuth},
		{fmt.Errorf("ancestor /a: %w", contract.ErrNotFound), CodeNotFound},
		{contract.ErrRefMissing, CodeInvariant},
		{contract.ErrPathInvalid, CodeInvariant},
		{errors.New("other"), CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v)=%s want %s", c.err, got, c.want)
		}
	}
}

func TestUpstreamKV(t *testing.T) {
	kv := UpstreamKV(fmt.Errorf("fetch: %w", upErr{}), nil)
	if kv["http_status"] != "502" || kv["upstream_msg"] != "bad gateway" {
		t.Fatalf("unexpected kv: %v", kv)
	}
	in := map[string]string{"row": "1"}
	if out := UpstreamKV(errors.New("plain"), in); len(out) != 1 {
		t.Fatalf("非上游错误不应添加字段: %v", out)
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("非 JSON 行: %q", sc.Text())
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerEventShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr-1", "debug", zapcore.AddSync(&buf))
	timer := l.StartWith("row", "process", "in.csv", "/repositories/2/archival_objects/1")
	timer.Finish("ok", 1)
	l.ErrorWithKV("row", "network", "fetch failed", timer.Since(), "in.csv", "/r/1", map[string]string{"row": "3", "http_status": "502"})
	l.DebugStart("fetch", "get", "", "/r/1", nil)
	_ = l.Sync()

	evs := decodeLines(t, &buf)
	if len(evs) != 4 {
		t.Fatalf("want 4 events got %d", len(evs))
	}
	start := evs[0]
	if start["level"] != "info" || start["corr_id"] != "corr-1" || start["comp"] != "row" ||
		start["stage"] != "start" || start["msg"] != "process" || start["file_id"] != "in.csv" {
		t.Fatalf("unexpected start event: %v", start)
	}
	if _, ok := start["ts"].(string); !ok {
		t.Fatalf("缺少 ts: %v", start)
	}
	if _, ok := start["code"]; ok {
		t.Fatalf("空 code 不应输出: %v", start)
	}
	errEv := evs[2]
	kv, ok := errEv["kv"].(map[string]any)
	if !ok || kv["row"] != "3" || kv["http_status"] != "502" {
		t.Fatalf("unexpected kv: %v", errEv)
	}
	if errEv["level"] != "error" || errEv["code"] != "network" || errEv["ref"] != "/r/1" {
		t.Fatalf("unexpected error event: %v", errEv)
	}
	if evs[3]["level"] != "debug" {
		t.Fatalf("debug 事件缺失: %v", evs[3])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("c", "warn", zapcore.AddSync(&buf))
	l.Start("comp", "msg").Finish("ok", 0)
	l.DebugStart("comp", "msg", "f", "r", nil)
	l.Warn("comp", "budget", "retry", map[string]string{"attempt": "1"})
	start := time.Now().Add(-10 * time.Millisecond)
	l.Error("comp", "code", "msg", &start)
	_ = l.Sync()
	evs := decodeLines(t, &buf)
	if len(evs) != 2 {
		t.Fatalf("warn 级别应仅输出 warn/error, got %d", len(evs))
	}
	if d, _ := evs[1]["dur_ms"].(float64); d < 10 {
		t.Fatalf("dur_ms 应 >=10: %v", evs[1])
	}
	if !l.Enabled(zapcore.ErrorLevel) || l.Enabled(zapcore.InfoLevel) {
		t.Fatalf("Enabled 判定错误")
	}
	if parseLevel("ERROR") != zapcore.ErrorLevel || parseLevel("bogus") != zapcore.InfoLevel {
		t.Fatalf("parseLevel 错误")
	}
}

func TestLoggerNilSafe(t *testing.T) {
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	if tnil.Since() != nil {
		t.Fatalf("nil timer Since 应为 nil")
	}
	var l *Logger
	l.Error("c", "x", "y", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func TestLoggerWithSink(t *testing.T) {
	chdir(t, t.TempDir())
	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	l.InfoFinishKV("comp", "done", time.Now(), 2, map[string]string{"failed": "0"})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(DefaultLogDir, currentLogName))
	if err != nil {
		t.Fatalf("log file not found: %v", err)
	}
	if !bytes.Contains(b, []byte(`"corr_id":"corr"`)) {
		t.Fatalf("日志缺少 corr_id: %s", b)
	}
}

// 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	tm := NewTerminal(&sb, true)
	if tm.isTTY {
		t.Fatalf("expect non-tty")
	}
	tm.RunStart(4, "aspace")
	tm.FileStart("exports/report.csv", 12)
	tm.FileProgress(6, 12, 0) // 非 TTY：不输出进度
	tm.FileFinish(true, Tally{Total: 12, Succeeded: 11, Failed: 1}, 5100*time.Millisecond)
	tm.RunFinish(true, "report_output.csv", 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | client=aspace",
		"[file] report.csv | 待处理行=12",
		"[done] report.csv | 行 12 | 成功 11 | 失败 1 | 跳过 0 | 总用时 5.1s",
		"[ok] 全部完成 | 输出 report_output.csv | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	tm := NewTerminal(&sb, true)
	tm.isTTY = true
	tm.RunStart(2, "mock")
	tm.FileStart("/a/b/c/longfilename.csv", 3)

	tm.FileProgress(1, 3, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	tm.FileProgress(2, 3, 1)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	tm.FileProgress(2, 3, 1)
	if len(sb.String()) <= len(first) {
		t.Fatalf("third progress should append output")
	}
	tm.FileFinish(false, Tally{Total: 3, Succeeded: 2, Failed: 1}, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	tm := NewTerminal(&flakyWriter{fail: true}, true)
	tm.RunStart(1, "x")
	if tm.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	tm.FileStart("a", 0)
	tm.FileProgress(0, 0, 0)
	tm.FileFinish(true, Tally{}, 0)
	tm.RunFinish(true, "", 0)
}

func TestTerminalInlineWriteError(t *testing.T) {
	tm := NewTerminal(&flakyWriter{fail: true}, true)
	tm.isTTY = true
	tm.FileStart("f.csv", 2)
	tm.FileProgress(1, 2, 0)
	if tm.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	tm := NewTerminal(os.Stderr, true)
	if tm.isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.RunStart(1, "x")
	tn.FileStart("a", 1)
	tn.FileProgress(0, 0, 0)
	tn.FileFinish(true, Tally{}, 0)
	tn.RunFinish(true, "", 0)
}

func TestHelpers(t *testing.T) {
	if got := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.csv", 10); visLen(got) != 10 {
		t.Fatalf("shortenBase 截断宽度错误: %q", got)
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur failed")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			panic("testing.Chdir: " + err.Error())
		}
	})
}
