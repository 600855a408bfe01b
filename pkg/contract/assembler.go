package contract

// Placement: sort_order 列的放置位置。
type Placement string

const (
	PlacementLeading  Placement = "leading"
	PlacementTrailing Placement = "trailing"
)

// SortOrderColumn: 输出表新增列名。
const SortOrderColumn = "sort_order"

// Assembler: 将 SortOrder 与原始字段拼装为输出行。
// 约束：原始字段按原顺序逐字保留，仅新增一列；不得修改入参切片。
type Assembler interface {
	Header(header []string) []string
	Row(fields []string, so SortOrder) []string
	// Column 返回 原始第 i 列 在输出行中的位置。
	Column(i int) int
}
