//go:build !windows

package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"aspacesort/pkg/contract"
)

// 指向常规文件的符号链接可读，FileID 保留链接路径
func TestIterateSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.csv")
	_ = os.WriteFile(target, []byte("ok"), 0o644)
	link := filepath.Join(dir, "l.csv")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	got, err := collect(t, New(nil), []string{link})
	if err != nil || got[contract.NormalizeFileID(link)] != "ok" {
		t.Fatalf("symlink not read: %v %#v", err, got)
	}
}

func TestIterateSymlinkDangling(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling.csv")
	_ = os.Symlink(filepath.Join(dir, "no.csv"), link)
	if _, err := collect(t, New(nil), []string{link}); err == nil {
		t.Fatalf("expect error for dangling symlink")
	}
}

func TestIterateFifoRejected(t *testing.T) {
	fifo := filepath.Join(t.TempDir(), "fifo.csv")
	if err := syscall.Mkfifo(fifo, 0o644); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	if _, err := collect(t, New(nil), []string{fifo}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("fifo should be invalid, got %v", err)
	}
}
