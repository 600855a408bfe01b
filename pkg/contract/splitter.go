package contract

import (
	"context"
	"io"
)

// Splitter: 将单个输入文件解析为 Table，并为数据行分配 Index（0..n-1）。
// 约束：
// 1) 剥离报表前导行，仅保留表头与数据行；
// 2) Index 严格递增且稳定；
// 3) 字段原样保留（允许行长度不一）；
// 4) 无内部并发、幂等。
type Splitter interface {
	Split(ctx context.Context, fileID FileID, r io.Reader) (Table, error)
}
