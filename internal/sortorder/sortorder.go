// Package sortorder 根据祖先链与自身 position 计算层级排序号。
//
// 除 PositionLookup 外无 I/O：同样的输入恒得同样的输出。
package sortorder

import (
	"context"
	"fmt"
	"strings"

	"aspacesort/pkg/contract"
)

// SegmentWidth: 每段最小宽度（左侧零填充，不截断）。
const SegmentWidth = 5

// NullSegment: position 缺失时的占位段（"None" 左侧补零至 SegmentWidth）。
const NullSegment = "0None"

// PositionLookup 读取 ref 对应记录的 position（nil 表示缺失）。
type PositionLookup func(ctx context.Context, ref contract.RecordRef) (*int64, error)

// FormatSegment 将 position 格式化为一段。负数符号在前，例如 -7 → "-0007"。
func FormatSegment(p *int64) string {
	if p == nil {
		return NullSegment
	}
	return fmt.Sprintf("%0*d", SegmentWidth, *p)
}

// RootFirst 返回祖先链的反转副本（叶 → 根 变为 根 → 叶），不修改入参。
func RootFirst(leafFirst []contract.AncestorRef) []contract.AncestorRef {
	out := make([]contract.AncestorRef, len(leafFirst))
	for i, a := range leafFirst {
		out[len(leafFirst)-1-i] = a
	}
	return out
}

// Resolve 计算排序号。rootFirst 必须已是 根 → 叶 顺序。
// collection 层级不产生段；其余祖先各查询一次 position。
// 任一查询失败即中止并返回带祖先 ref 的包装错误。
func Resolve(ctx context.Context, rootFirst []contract.AncestorRef, own *int64, lookup PositionLookup) (contract.SortOrder, error) {
	segs := make([]string, 0, len(rootFirst)+1)
	for _, a := range rootFirst {
		if a.Level == contract.LevelCollection {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p, err := lookup(ctx, a.Ref)
		if err != nil {
			return "", fmt.Errorf("ancestor %s: %w", a.Ref, err)
		}
		segs = append(segs, FormatSegment(p))
	}
	segs = append(segs, FormatSegment(own))
	return contract.SortOrder(strings.Join(segs, ".")), nil
}

// ForRecord 以 API 交付顺序的记录直接计算排序号。
func ForRecord(ctx context.Context, rec contract.Record, lookup PositionLookup) (contract.SortOrder, error) {
	return Resolve(ctx, RootFirst(rec.Ancestors), rec.Position, lookup)
}
