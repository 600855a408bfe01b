package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"aspacesort/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// AllowExts: 允许读取的扩展名（大小写不敏感，含点）。
	// 为 nil 时默认 [".csv"]；显式空切片表示不限制。
	AllowExts []string `json:"allow_exts"`
}

// FileSystem 实现基于单个报表文件与 STDIN 的 Reader。
type FileSystem struct {
	bufSize int
	allow   map[string]struct{}
}

// StdinID: "-" 输入对应的 FileID。
const StdinID contract.FileID = "stdin"

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	b := defaultBuf
	if opts != nil && opts.BufSize > 0 {
		b = opts.BufSize
	}
	var allow map[string]struct{}
	switch {
	case opts == nil || opts.AllowExts == nil:
		allow = map[string]struct{}{".csv": {}}
	case len(opts.AllowExts) > 0:
		allow = make(map[string]struct{}, len(opts.AllowExts))
		for _, e := range opts.AllowExts {
			if e == "" {
				continue
			}
			allow[strings.ToLower(e)] = struct{}{}
		}
	}
	return &FileSystem{bufSize: b, allow: allow}
}

// Iterate 依次对 roots 中的每个文件调用 yield；"-" 表示 STDIN，且不得与其他输入混用。
// 目录与非常规文件视为无效输入。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(StdinID, newBufferedCloser(io.NopCloser(os.Stdin), r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return errors.New("stdin '-' cannot be mixed with other inputs")
		}
	}
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.openOne(root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) openOne(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("input path empty: %w", contract.ErrInvalidInput)
	}
	if r.allow != nil {
		if _, ok := r.allow[strings.ToLower(filepath.Ext(p))]; !ok {
			return fmt.Errorf("input %s: unsupported extension: %w", p, contract.ErrInvalidInput)
		}
	}
	// os.Stat 跟随符号链接，仅接受常规文件
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("input %s: not a regular file: %w", p, contract.ErrInvalidInput)
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
