package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aspacesort/pkg/contract"
)

func noTmp(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// 默认：原子覆盖，ArtifactID 即目标路径
func TestWriteAtomicReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "export_output.csv")
	w, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if w.Mode() != ModeOverwrite {
		t.Fatalf("默认模式应为 overwrite")
	}
	for _, v := range []string{"v1", "v2"} {
		if err := w.Write(context.Background(), contract.ArtifactID(dest), bytes.NewBufferString(v)); err != nil {
			t.Fatalf("write %s: %v", v, err)
		}
	}
	b, err := os.ReadFile(dest)
	if err != nil || string(b) != "v2" {
		t.Fatalf("expect replaced content v2, got %q %v", b, err)
	}
	noTmp(t, dir)
	if rc, err := w.Existing(context.Background(), contract.ArtifactID(dest)); rc != nil || err != nil {
		t.Fatalf("覆盖模式 Existing 应返回 nil")
	}
}

func TestWriteAppend(t *testing.T) {
	dir := t.TempDir()
	dest := contract.ArtifactID(filepath.Join(dir, "sub", "out.csv"))
	w, err := New(&Options{Mode: "append"})
	if err != nil {
		t.Fatal(err)
	}
	rc, err := w.Existing(context.Background(), dest)
	if rc != nil || err != nil {
		t.Fatalf("不存在时应返回 (nil,nil): %v", err)
	}
	for _, v := range []string{"a\n", "b\n"} {
		if err := w.Write(context.Background(), dest, strings.NewReader(v)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rc, err = w.Existing(context.Background(), dest)
	if err != nil || rc == nil {
		t.Fatalf("应能读取已存在输出: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "a\nb\n" {
		t.Fatalf("append 内容错误: %q", b)
	}
}

func TestExistingEmptyAndDir(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Mode: ModeAppend})
	empty := filepath.Join(dir, "empty.csv")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if rc, err := w.Existing(context.Background(), contract.ArtifactID(empty)); rc != nil || err != nil {
		t.Fatalf("空文件应视为不存在")
	}
	sub := filepath.Join(dir, "d.csv")
	_ = os.Mkdir(sub, 0o755)
	if _, err := w.Existing(context.Background(), contract.ArtifactID(sub)); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("目录应报 ErrPathInvalid: %v", err)
	}
}

// 路径越界
func TestWritePathInvalid(t *testing.T) {
	dir := t.TempDir()
	flat := false
	w, _ := New(&Options{OutputDir: dir, Flat: &flat})
	if err := w.Write(context.Background(), "../bad", bytes.NewBufferString("x")); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("expect path invalid, got %v", err)
	}
	if _, err := w.Path(""); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("空 id 应无效")
	}
}

// OutputDir + Flat 仅保留文件名
func TestWriteFlatIntoOutputDir(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "exports/2024/in_output.csv", strings.NewReader("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "in_output.csv")); err != nil {
		t.Fatalf("flat 输出缺失: %v", err)
	}
}

// 非原子覆盖写入
func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	flat, atomic := false, false
	w, _ := New(&Options{OutputDir: dir, Flat: &flat, Atomic: &atomic})
	if err := w.Write(context.Background(), "sub/out.csv", bytes.NewBufferString("long content")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(context.Background(), "sub/out.csv", bytes.NewBufferString("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "sub", "out.csv"))
	if string(b) != "v" {
		t.Fatalf("应截断旧内容: %q", b)
	}
}

func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, contract.ArtifactID(filepath.Join(t.TempDir(), "a.csv")), strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx error, got %v", err)
	}
}

func TestNewInvalidMode(t *testing.T) {
	if _, err := New(&Options{Mode: "merge"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知模式应失败: %v", err)
	}
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

// 原子写入时拷贝失败，不残留临时文件
func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(nil)
	if err := w.Write(context.Background(), contract.ArtifactID(filepath.Join(dir, "a.csv")), errReader{}); err == nil {
		t.Fatalf("expect copy error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("temp files left %v", entries)
	}
}

// 追加中途失败：回退到最后一个完整记录，下次追加从行首开始
func TestWriteAppendInterruptedKeepsWholeRecords(t *testing.T) {
	dest := contract.ArtifactID(filepath.Join(t.TempDir(), "out.csv"))
	w, _ := New(&Options{Mode: ModeAppend})
	ctx := context.Background()
	in := io.MultiReader(strings.NewReader("h\n00001,a,b,c,/r/1\n00002,a,b,c,/r/"), errReader{})
	if err := w.Write(ctx, dest, in); err == nil {
		t.Fatalf("expect copy error")
	}
	b, _ := os.ReadFile(string(dest))
	if string(b) != "h\n00001,a,b,c,/r/1\n" {
		t.Fatalf("半行应被回退: %q", b)
	}
	if err := w.Write(ctx, dest, strings.NewReader("00003,a,b,c,/r/3\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	b, _ = os.ReadFile(string(dest))
	if string(b) != "h\n00001,a,b,c,/r/1\n00003,a,b,c,/r/3\n" {
		t.Fatalf("append 内容错误: %q", b)
	}
}

// 进程被杀留下的残缺尾行：Existing 与追加前都会裁掉；引号内换行不算记录结束
func TestAppendTrimsPartialTail(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.csv")
	if err := os.WriteFile(dest, []byte("h\n\"x\ny\",/r/1\n\"open\nquote,/r/"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, _ := New(&Options{Mode: ModeAppend})
	ctx := context.Background()
	rc, err := w.Existing(ctx, contract.ArtifactID(dest))
	if err != nil || rc == nil {
		t.Fatalf("existing: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "h\n\"x\ny\",/r/1\n" {
		t.Fatalf("Existing 应裁掉残缺记录: %q", b)
	}
	if err := w.Write(ctx, contract.ArtifactID(dest), strings.NewReader("z,/r/2\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	b, _ = os.ReadFile(dest)
	if string(b) != "h\n\"x\ny\",/r/1\nz,/r/2\n" {
		t.Fatalf("append 内容错误: %q", b)
	}

	// 只有残缺表头：视为空目标
	if err := os.WriteFile(dest, []byte("sort_or"), 0o644); err != nil {
		t.Fatal(err)
	}
	if rc, err := w.Existing(ctx, contract.ArtifactID(dest)); rc != nil || err != nil {
		t.Fatalf("残缺表头应视为空: %v", err)
	}
	if st, _ := os.Stat(dest); st.Size() != 0 {
		t.Fatalf("残缺表头应被截断, size=%d", st.Size())
	}
}

func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	if _, err := r.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expect ctx error")
	}
}
