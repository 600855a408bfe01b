// Package filesystem 将输出表写入本地文件：默认原子覆盖，显式开启时追加。
package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"aspacesort/pkg/contract"
)

// 写入模式。
const (
	ModeOverwrite = "overwrite"
	ModeAppend    = "append"
)

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 可选输出根目录；为空时 ArtifactID 即目标路径。
	OutputDir string `json:"output_dir,omitempty"`
	// Mode: overwrite（默认）| append。
	Mode string `json:"mode,omitempty"`
	// Atomic: 覆盖模式下是否使用原子替换（同目录临时文件 + rename）。默认 true。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 设置 OutputDir 时是否仅保留文件名。默认 true。
	Flat *bool `json:"flat,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用默认。
	BufSize int `json:"buf_size,omitempty"`
}

type FS struct {
	root    string
	mode    string
	atomic  bool
	flat    bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建文件系统 Writer 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil {
		opts = &Options{}
	}
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "":
		mode = ModeOverwrite
	case ModeOverwrite, ModeAppend:
	default:
		return nil, fmt.Errorf("writer mode %q: %w", opts.Mode, contract.ErrInvalidInput)
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	flat := true
	if opts.Flat != nil {
		flat = *opts.Flat
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &FS{root: strings.TrimSpace(opts.OutputDir), mode: mode, atomic: atomic, flat: flat, permF: pf, permD: pd, bufSize: bsz}, nil
}

var (
	_ contract.Writer  = (*FS)(nil)
	_ contract.Resumer = (*FS)(nil)
)

// Mode 返回写入模式。
func (w *FS) Mode() string { return w.mode }

// Path 返回 id 映射后的目标路径。
func (w *FS) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// Write 将 r 的全部字节写入到基于 id 映射的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	switch {
	case w.mode == ModeAppend:
		return w.writeAppend(ctx, dest, r)
	case w.atomic:
		return w.writeAtomic(ctx, dest, r)
	default:
		return w.writeFlags(ctx, dest, r, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	}
}

// Existing 追加模式下打开已存在且非空的目标；其他情况返回 (nil, nil)。
// 打开前裁掉尾部不完整的记录（上次运行中断所致），读到的内容与随后追加的位置一致。
func (w *FS) Existing(ctx context.Context, id contract.ArtifactID) (io.ReadCloser, error) {
	if w.mode != ModeAppend {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", dest, contract.ErrPathInvalid)
	}
	if st.Size() == 0 {
		return nil, nil
	}
	f, err := os.OpenFile(dest, os.O_RDWR, w.permF)
	if err != nil {
		return nil, err
	}
	end, err := trimPartial(f)
	if err == nil && end > 0 {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil || end == 0 {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// mapPath: 无根目录时直接使用清理后的路径；有根目录时 Clean + Join + 越界校验。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	if rel == "." || rel == ".." || strings.HasSuffix(string(id), "/") || strings.HasSuffix(string(id), string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	if w.root == "" {
		return rel, nil
	}
	if w.flat {
		rel = filepath.Base(rel)
		if rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator) {
			return "", contract.ErrPathInvalid
		}
		return filepath.Join(w.root, rel), nil
	}
	// 非扁平：禁止绝对路径、父级逃逸、Windows 卷名
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", contract.ErrPathInvalid
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *FS) writeFlags(ctx context.Context, dest string, r io.Reader, flags int) error {
	f, err := os.OpenFile(dest, flags, w.permF)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		_ = bw.Flush()
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeAppend: 从目标最后一个完整记录之后写入。
// 输入流中途失败时回退到本次写入的最后一个完整记录，不留半行。
func (w *FS) writeAppend(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_RDWR, w.permF)
	if err != nil {
		return err
	}
	base, err := trimPartial(f)
	if err == nil {
		_, err = f.Seek(base, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		return err
	}
	var rec recordEnd
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, io.TeeReader(readerWithCtx(ctx, r), &rec)); err != nil {
		keep := base + rec.last
		if ferr := bw.Flush(); ferr != nil {
			keep = base
		}
		_ = f.Truncate(keep)
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Truncate(base)
		_ = f.Close()
		return err
	}
	return f.Close()
}

// trimPartial 截掉文件尾部不完整的 CSV 记录，返回保留的长度。
func trimPartial(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var rec recordEnd
	if _, err := io.Copy(&rec, f); err != nil {
		return 0, err
	}
	if rec.last < rec.n {
		if err := f.Truncate(rec.last); err != nil {
			return 0, err
		}
	}
	return rec.last, nil
}

// recordEnd 跟踪 CSV 字节流中最后一个完整记录的结束偏移；引号内的换行不算记录结束。
type recordEnd struct {
	n, last int64
	quoted  bool
}

func (e *recordEnd) Write(p []byte) (int, error) {
	for i, c := range p {
		switch c {
		case '"':
			e.quoted = !e.quoted
		case '\n':
			if !e.quoted {
				e.last = e.n + int64(i) + 1
			}
		}
	}
	e.n += int64(len(p))
	return len(p), nil
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// os.Rename 在 Windows 上使用 MoveFileEx(REPLACE_EXISTING)
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// syncDir 最佳努力 fsync 父目录；Windows 上为 no-op。
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
