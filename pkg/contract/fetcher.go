package contract

import "context"

// Raw: 上游返回的原始响应体。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Body []byte
}

// Fetcher: 以单个 RecordRef 为单位读取记录原始内容。
// 单次调用、同步返回；应尊重 ctx 取消/超时。实现需并发安全（多 worker 共享）。
type Fetcher interface {
	Fetch(ctx context.Context, ref RecordRef) (Raw, error)
}

// Decoder: 将 Raw 解码为 Record；字段提取策略由具体实现自决。
type Decoder interface {
	Decode(ctx context.Context, ref RecordRef, raw Raw) (Record, error)
}
