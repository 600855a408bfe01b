package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"aspacesort/internal/diag"
	"aspacesort/pkg/contract"
)

// loadExisting 读取追加目标中已写出的 ref 集合。
// Writer 未实现 Resumer 或目标不存在时返回 (nil, false, nil)。
func loadExisting(ctx context.Context, comp Components, set Settings, inHeader []string, logger *diag.Logger) (map[contract.RecordRef]struct{}, bool, error) {
	rs, ok := comp.Writer.(contract.Resumer)
	if !ok {
		return nil, false, nil
	}
	rc, err := rs.Existing(ctx, set.Output)
	if err != nil {
		return nil, false, fmt.Errorf("resume: %w", err)
	}
	if rc == nil {
		return nil, false, nil
	}
	defer rc.Close()
	t := logger.StartWith("resume", "scan", string(set.Output), "")
	col := comp.Assembler.Column(set.RefColumn)
	seen := make(map[contract.RecordRef]struct{})
	cr := csv.NewReader(rc)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			code := diag.Classify(err)
			logger.ErrorWith("resume", string(code), "scan failed", t.Since(), string(set.Output), "")
			return nil, false, fmt.Errorf("resume scan: %w", err)
		}
		if header {
			header = false
			c, known := resumeColumn(rec, inHeader, set.RefColumn, comp.Assembler)
			if !known {
				logger.Warn("resume", "", "existing output header not recognized; assuming current placement", map[string]string{"header": strings.Join(rec, ",")})
			}
			col = c
			continue
		}
		if ref, ok := rowRef(rec, col); ok {
			seen[ref] = struct{}{}
		}
	}
	t.Finish("scan", int64(len(seen)))
	return seen, true, nil
}

// resumeColumn 按既有表头中 sort_order 列的位置定位 ref 列；
// 既有文件可能以另一种放置方式写出。无法识别时沿用当前放置方式。
func resumeColumn(existing, inHeader []string, refColumn int, asm contract.Assembler) (int, bool) {
	cur := asm.Column(refColumn)
	expected := asm.Header(inHeader)
	if len(existing) == 0 || len(expected) == 0 {
		return cur, false
	}
	leading := asm.Column(0) == 1
	name := expected[len(expected)-1]
	if leading {
		name = expected[0]
	}
	first, last := existing[0] == name, existing[len(existing)-1] == name
	switch {
	case leading && first, !leading && last:
		return cur, true
	case first:
		return refColumn + 1, true
	case last:
		return refColumn, true
	}
	return cur, false
}
