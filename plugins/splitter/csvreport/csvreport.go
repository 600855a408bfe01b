// Package csvreport 将 CSV 导出（可带报表前导行）解析为 Table。
package csvreport

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"aspacesort/pkg/contract"
)

const bom = "\ufeff"

// Options 为 CSV Splitter 的可选配置（最小必要）。
type Options struct {
	// Delimiter: 单字符分隔符，默认 ","。
	Delimiter string `json:"delimiter"`
	// LazyQuotes: 宽松引号解析（容忍字段内裸引号）。
	LazyQuotes bool `json:"lazy_quotes"`
	// PreambleMarker: 报表前导首行的首字段，默认 "total_count"。
	PreambleMarker string `json:"preamble_marker"`
	// PreambleRows: 标记行之后额外跳过的物理行数，默认 2。
	PreambleRows *int `json:"preamble_rows"`
}

// Splitter 实现 CSV 解析。
type Splitter struct {
	comma    rune
	lazy     bool
	marker   string
	skipRows int
}

// New 创建 CSV Splitter。
func New(opts *Options) (*Splitter, error) {
	s := &Splitter{comma: ',', marker: "total_count", skipRows: 2}
	if opts == nil {
		return s, nil
	}
	if opts.Delimiter != "" {
		r, n := utf8.DecodeRuneInString(opts.Delimiter)
		if n != len(opts.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return nil, fmt.Errorf("csvreport: bad delimiter %q: %w", opts.Delimiter, contract.ErrInvalidInput)
		}
		s.comma = r
	}
	s.lazy = opts.LazyQuotes
	if opts.PreambleMarker != "" {
		s.marker = opts.PreambleMarker
	}
	if opts.PreambleRows != nil {
		if *opts.PreambleRows < 0 {
			return nil, fmt.Errorf("csvreport: preamble_rows < 0: %w", contract.ErrInvalidInput)
		}
		s.skipRows = *opts.PreambleRows
	}
	return s, nil
}

// Split 解析单个 CSV 输入：
// - 首行首字段为标记（默认 total_count）时，跳过该行及其后 skipRows 个物理行（可为空行），下一行为表头；
// - 否则首行即表头；
// - 行长度允许不一致，字段原样保留。
func (s *Splitter) Split(ctx context.Context, fileID contract.FileID, r io.Reader) (contract.Table, error) {
	br := bufio.NewReader(r)
	if err := skipBOM(br); err != nil {
		return contract.Table{}, err
	}
	pre, err := s.hasPreamble(br)
	if err != nil {
		return contract.Table{}, err
	}
	if pre {
		// 前导行可能含空行；encoding/csv 会吞掉空行，故按物理行跳过
		for i := 0; i < s.skipRows+1; i++ {
			if _, err := br.ReadString('\n'); err != nil {
				if errors.Is(err, io.EOF) {
					return contract.Table{}, fmt.Errorf("%s: truncated report preamble: %w", fileID, contract.ErrInvalidInput)
				}
				return contract.Table{}, err
			}
		}
	}

	cr := csv.NewReader(br)
	cr.Comma = s.comma
	cr.LazyQuotes = s.lazy
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return contract.Table{}, fmt.Errorf("%s: missing header row: %w", fileID, contract.ErrInvalidInput)
		}
		return contract.Table{}, fmt.Errorf("%s: %v: %w", fileID, err, contract.ErrInvalidInput)
	}
	t := contract.Table{FileID: fileID, Header: header}
	var idx contract.Index
	for {
		if err := ctx.Err(); err != nil {
			return contract.Table{}, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return contract.Table{}, fmt.Errorf("%s: %v: %w", fileID, err, contract.ErrInvalidInput)
		}
		t.Rows = append(t.Rows, contract.Row{Index: idx, Fields: rec})
		idx++
	}
	return t, contract.ValidateTable(t)
}

func skipBOM(br *bufio.Reader) error {
	b, err := br.Peek(len(bom))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return err
	}
	if string(b) == bom {
		_, _ = br.Discard(len(bom))
	}
	return nil
}

// hasPreamble 预读首行开头，判断是否为报表前导（允许首字段带引号）。
func (s *Splitter) hasPreamble(br *bufio.Reader) (bool, error) {
	for _, m := range []string{s.marker, `"` + s.marker + `"`} {
		b, err := br.Peek(len(m) + 1)
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		if len(b) < len(m) || string(b[:len(m)]) != m {
			continue
		}
		if len(b) == len(m) {
			return true, nil // EOF 紧随标记
		}
		switch rune(b[len(m)]) {
		case s.comma, '\r', '\n':
			return true, nil
		}
	}
	return false, nil
}

var _ contract.Splitter = (*Splitter)(nil)
