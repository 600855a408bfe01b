// Package columns 将 sort_order 列放到输出行首或行尾。
package columns

import (
	"bytes"
	"encoding/json"
	"fmt"

	"aspacesort/pkg/contract"
)

// Options: 列放置与列名。
type Options struct {
	Placement contract.Placement `json:"placement"` // leading|trailing，默认 leading
	Column    string             `json:"column"`    // 默认 sort_order
}

type assembler struct {
	placement contract.Placement
	column    string
}

// New 从原样 JSON Options 创建装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("columns options: %w", err)
		}
	}
	return NewWith(o.Placement, o.Column)
}

// NewWith 直接以参数构造。
func NewWith(p contract.Placement, column string) (contract.Assembler, error) {
	switch p {
	case "":
		p = contract.PlacementLeading
	case contract.PlacementLeading, contract.PlacementTrailing:
	default:
		return nil, fmt.Errorf("columns: placement %q: %w", p, contract.ErrInvalidInput)
	}
	if column == "" {
		column = contract.SortOrderColumn
	}
	return &assembler{placement: p, column: column}, nil
}

func (a *assembler) Header(header []string) []string {
	return a.join(header, a.column)
}

func (a *assembler) Row(fields []string, so contract.SortOrder) []string {
	return a.join(fields, string(so))
}

func (a *assembler) Column(i int) int {
	if a.placement == contract.PlacementLeading {
		return i + 1
	}
	return i
}

// join 返回新切片；入参不被修改。
func (a *assembler) join(fields []string, extra string) []string {
	out := make([]string, 0, len(fields)+1)
	if a.placement == contract.PlacementLeading {
		out = append(out, extra)
		return append(out, fields...)
	}
	out = append(out, fields...)
	return append(out, extra)
}

var _ contract.Assembler = (*assembler)(nil)
