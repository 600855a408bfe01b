package contract

import (
	"fmt"
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	s := strings.ReplaceAll(p, "\\", "/")
	return FileID(path.Clean(s))
}

// NormalizeRef 校验并规范化行内引用。
// 空白 → ErrRefMissing；非 '/' 开头、含空白或查询串 → ErrInvalidInput。
func NormalizeRef(s string) (RecordRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrRefMissing
	}
	if !strings.HasPrefix(s, "/") || strings.ContainsAny(s, " \t\r\n?#") {
		return "", fmt.Errorf("ref %q: %w", s, ErrInvalidInput)
	}
	return RecordRef(s), nil
}
