package diag

import (
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化事件日志器（zap JSON 编码）。
// 事件形如 {level, ts, corr_id, comp, stage, code, dur_ms, count, file_id, ref, msg, kv}。
type Logger struct {
	corrID string
	level  zap.AtomicLevel
	z      *zap.Logger
	sink   *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile(DefaultLogDir, 10*1024*1024)
	l := NewLoggerTo(corrID, level, sink)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写到任意 WriteSyncer（stderr、测试缓冲等）。
func NewLoggerTo(corrID, level string, ws zapcore.WriteSyncer) *Logger {
	lvl := zap.NewAtomicLevelAt(parseLevel(level))
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     utcRFC3339,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(ws), lvl)
	// sink 写失败时 zap 将内部错误写到 stderr
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).With(zap.String("corr_id", corrID))
	return &Logger{corrID: corrID, level: lvl, z: z}
}

func utcRFC3339(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string { return l.corrID }

// Enabled 报告给定级别是否会输出。
func (l *Logger) Enabled(lv zapcore.Level) bool { return l.level.Enabled(lv) }

// event 描述一条事件的可选字段；零值字段不输出。
type event struct {
	comp   string
	stage  string
	code   string
	durMS  int64
	count  int64
	fileID string
	ref    string
	kv     map[string]string
}

func (e event) fields() []zap.Field {
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", e.comp), zap.String("stage", e.stage))
	if e.code != "" {
		fs = append(fs, zap.String("code", e.code))
	}
	if e.durMS > 0 {
		fs = append(fs, zap.Int64("dur_ms", e.durMS))
	}
	if e.count > 0 {
		fs = append(fs, zap.Int64("count", e.count))
	}
	if e.fileID != "" {
		fs = append(fs, zap.String("file_id", e.fileID))
	}
	if e.ref != "" {
		fs = append(fs, zap.String("ref", e.ref))
	}
	if len(e.kv) > 0 {
		keys := make([]string, 0, len(e.kv))
		for k := range e.kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kvs := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, zap.String(k, e.kv[k]))
		}
		fs = append(fs, zap.Dict("kv", kvs...))
	}
	return fs
}

func (l *Logger) log(lv zapcore.Level, msg string, ev event) {
	if l == nil || l.z == nil {
		return
	}
	if ce := l.z.Check(lv, msg); ce != nil {
		ce.Write(ev.fields()...)
	}
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "start"})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file_id/ref 的 start。
func (l *Logger) StartWith(comp, msg, fileID, ref string) *Timer {
	return l.StartWithKV(comp, msg, fileID, ref, nil)
}

// StartWithKV 记录带 file_id/ref 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, ref string, kv map[string]string) *Timer {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", fileID: fileID, ref: ref, kv: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, ref: ref, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, durMS: since(durSince)})
}

// ErrorWith 支持 file_id/ref。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, ref string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, ref, nil)
}

// ErrorWithKV 支持附带键值对（例如行号、HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, ref string, kv map[string]string) {
	l.log(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, durMS: since(durSince), fileID: fileID, ref: ref, kv: kv})
}

// Warn 记录可恢复的异常（重试、跳过等）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(zapcore.WarnLevel, msg, event{comp: comp, stage: "retry", code: code, kv: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "finish", durMS: time.Since(start).Milliseconds(), count: count})
}

// InfoFinishKV 同 InfoFinish，附带键值对（例如汇总计数）。
func (l *Logger) InfoFinishKV(comp, msg string, start time.Time, count int64, kv map[string]string) {
	l.log(zapcore.InfoLevel, msg, event{comp: comp, stage: "finish", durMS: time.Since(start).Milliseconds(), count: count, kv: kv})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, ref string, kv map[string]string) {
	l.log(zapcore.DebugLevel, msg, event{comp: comp, stage: "start", fileID: fileID, ref: ref, kv: kv})
}

// Sync 刷新缓冲。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

// Close 刷新并关闭文件 sink（若有）。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	ref    string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(zapcore.InfoLevel, msg, event{comp: t.comp, stage: "finish", durMS: time.Since(t.t0).Milliseconds(), count: count, fileID: t.fileID, ref: t.ref})
}

// Since 返回计时起点，供 Error 的 durSince 使用。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	t0 := t.t0
	return &t0
}
