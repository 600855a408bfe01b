// Package aspacejson 解码 ArchivesSpace 记录 JSON，仅提取 position 与 ancestors。
package aspacejson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"aspacesort/pkg/contract"
)

// Options: 解码宽松度。
type Options struct {
	// RequirePosition: position 缺失或为 null 时视为失败（默认保留为 "0None" 段）。
	RequirePosition bool `json:"require_position"`
}

type decoder struct {
	requirePos bool
}

// New 从原样 JSON Options 创建解码器。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("aspacejson options: %w", err)
		}
	}
	return &decoder{requirePos: opts.RequirePosition}, nil
}

type wireAncestor struct {
	Ref   string `json:"ref"`
	Level string `json:"level"`
}

type wireRecord struct {
	Position  json.RawMessage `json:"position"`
	Ancestors []wireAncestor  `json:"ancestors"`
	Error     json.RawMessage `json:"error"`
}

// Decode 期望 raw.Body 为 JSON 对象；其他字段忽略。
func (d *decoder) Decode(ctx context.Context, ref contract.RecordRef, raw contract.Raw) (contract.Record, error) {
	if err := ctx.Err(); err != nil {
		return contract.Record{}, err
	}
	body := bytes.TrimSpace(raw.Body)
	if len(body) == 0 || body[0] != '{' {
		return contract.Record{}, fmt.Errorf("%s: body is not a json object: %w", ref, contract.ErrResponseInvalid)
	}
	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return contract.Record{}, fmt.Errorf("%s: decode: %v: %w", ref, err, contract.ErrResponseInvalid)
	}
	if len(w.Error) > 0 && string(w.Error) != "null" {
		return contract.Record{}, fmt.Errorf("%s: upstream error %s: %w", ref, strings.TrimSpace(string(w.Error)), contract.ErrResponseInvalid)
	}
	pos, err := parsePosition(w.Position)
	if err != nil {
		return contract.Record{}, fmt.Errorf("%s: %w", ref, err)
	}
	if pos == nil && d.requirePos {
		return contract.Record{}, fmt.Errorf("%s: position missing: %w", ref, contract.ErrResponseInvalid)
	}
	rec := contract.Record{Ref: ref, Position: pos}
	if len(w.Ancestors) > 0 {
		rec.Ancestors = make([]contract.AncestorRef, 0, len(w.Ancestors))
		for _, a := range w.Ancestors {
			rec.Ancestors = append(rec.Ancestors, contract.AncestorRef{Ref: contract.RecordRef(strings.TrimSpace(a.Ref)), Level: a.Level})
		}
	}
	if err := contract.ValidateRecord(rec); err != nil {
		return contract.Record{}, fmt.Errorf("%s: %w", ref, err)
	}
	return rec, nil
}

// parsePosition: 缺失/null → nil；整数 → 值；其他 → ErrResponseInvalid。
func parsePosition(raw json.RawMessage) (*int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", s, contract.ErrResponseInvalid)
	}
	return &v, nil
}

var _ contract.Decoder = (*decoder)(nil)
