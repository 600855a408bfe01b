package contract

import (
	"context"
	"io"
)

// ArtifactID: 与 FileID 等价的输出工件标识（语义别名）。
type ArtifactID = FileID

// Writer: 将输出表以流式方式持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入，按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Resumer: 可选扩展。追加模式下的 Writer 实现该接口，以便编排层读取已存在的输出，
// 跳过已写出的行并避免重复表头。
// 非追加模式或工件不存在时返回 (nil, nil)。
type Resumer interface {
	Existing(ctx context.Context, id ArtifactID) (io.ReadCloser, error)
}
