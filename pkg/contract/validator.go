package contract

import "fmt"

// 校验库函数（纯函数，无 I/O）：
// - ValidateTable:  Index 自 0 连续递增，表头非空
// - ValidateRecord: 祖先节点 Ref 非空
func ValidateTable(t Table) error {
	if len(t.Header) == 0 {
		return fmt.Errorf("empty header: %w", ErrInvalidInput)
	}
	for i, r := range t.Rows {
		if r.Index != Index(i) {
			return fmt.Errorf("row %d has index %d: %w", i, r.Index, ErrInvariantViolation)
		}
	}
	return nil
}

func ValidateRecord(rec Record) error {
	for i, a := range rec.Ancestors {
		if a.Ref == "" {
			return fmt.Errorf("ancestor %d without ref: %w", i, ErrResponseInvalid)
		}
	}
	return nil
}

// CloneFields 复制字段切片，避免调用方共享底层数组。
func CloneFields(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
