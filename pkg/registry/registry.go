package registry

import (
	"bytes"
	"encoding/json"

	"aspacesort/pkg/contract"
	acol "aspacesort/plugins/assembler/columns"
	casp "aspacesort/plugins/client/aspace"
	flaky "aspacesort/plugins/client/flaky"
	mock "aspacesort/plugins/client/mock"
	djson "aspacesort/plugins/decoder/aspacejson"
	rfs "aspacesort/plugins/reader/filesystem"
	scsv "aspacesort/plugins/splitter/csvreport"
	wfs "aspacesort/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewClient 工厂签名：接收原样 JSON Options 与已认证会话。
type NewClient func(raw json.RawMessage, s contract.Session) (contract.Fetcher, error)

// NewAuthenticator 工厂签名：与 Client 同名注册，共享同一份 Options。
type NewAuthenticator func(raw json.RawMessage) (contract.Authenticator, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 单文件/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// csvreport: 带 total_count 前导行的报表 CSV
	"csvreport": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts scsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return scsv.New(&opts)
	},
}

// Client 工厂注册表。
var Client = map[string]NewClient{
	"aspace": casp.New,
	"mock":   mock.New,
	"flaky":  flaky.New,
}

// Authenticator 工厂注册表。flaky 复用 mock 登录（其 options.mock 子对象）。
var Authenticator = map[string]NewAuthenticator{
	"aspace": casp.NewAuthenticator,
	"mock":   mock.NewAuthenticator,
	"flaky":  flaky.NewAuthenticator,
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// aspacejson: ArchivesSpace 记录 JSON（position + ancestors）
	"aspacejson": djson.New,
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// columns: 在首列或末列插入 sort_order
	"columns": acol.New,
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖/追加，原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
