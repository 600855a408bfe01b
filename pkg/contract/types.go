package contract

// FileID: 逻辑输入/输出文件标识（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 数据行在表内的稳定序号（0..n-1，不含表头与报表前导行）。
type Index int64

// RecordRef: 记录在 API 中的相对路径（如 /repositories/2/archival_objects/17）。
type RecordRef string

// LevelCollection: 排序号计算时被跳过的层级。
const LevelCollection = "collection"

// AncestorRef: 祖先链上的一个节点；本身不携带 position，需要再次读取。
type AncestorRef struct {
	Ref   RecordRef
	Level string
}

// Record: 解码后的单条记录（仅保留排序相关字段）。
// 约束：
// - Position 为 nil 表示上游缺失或为 null；
// - Ancestors 保持上游顺序（叶 → 根），由调用方负责反转。
type Record struct {
	Ref       RecordRef
	Position  *int64
	Ancestors []AncestorRef
}

// Row: 输入表中的一行数据，Fields 原样保留（不裁剪、不归一化）。
type Row struct {
	Index  Index
	Fields []string
}

// Table: 已剥离报表前导行的表格。Rows 按 Index 严格升序。
type Table struct {
	FileID FileID
	Header []string
	Rows   []Row
}

// SortOrder: 以 '.' 连接、每段至少 5 位零填充的层级排序号。
type SortOrder string
