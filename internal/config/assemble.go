package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"aspacesort/internal/pipeline"
	"aspacesort/internal/rate"
	"aspacesort/pkg/contract"
	"aspacesort/pkg/registry"
)

// Validate 对最小必要边界做静态校验。凭据不在此校验（缺失时交互补齐）。
func Validate(cfg Config) error {
	in := strings.TrimSpace(cfg.InputCSV)
	if in == "" {
		return errors.New("config: input_csv empty")
	}
	if OutputPath(cfg) == "" {
		return errors.New("config: output_csv required when reading from stdin")
	}
	if in != "-" && filepath.Clean(in) == filepath.Clean(OutputPath(cfg)) {
		return errors.New("config: output_csv must differ from input_csv")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	switch contract.Placement(cfg.ColumnPlacement) {
	case contract.PlacementLeading, contract.PlacementTrailing:
	default:
		return fmt.Errorf("config: column_placement %q (want leading|trailing)", cfg.ColumnPlacement)
	}
	switch cfg.OutputMode {
	case OutputOverwrite, OutputAppend:
	default:
		return fmt.Errorf("config: output_mode %q (want overwrite|append)", cfg.OutputMode)
	}
	if cfg.RefColumn < 0 {
		return errors.New("config: ref_column must be >= 0")
	}
	if cfg.MaxLoginAttempts < 1 {
		return errors.New("config: max_login_attempts must be >= 1")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.Limits.RPS < 0 || cfg.Limits.Burst < 0 {
		return errors.New("config: limits must be >= 0")
	}
	if registry.Client[cfg.Client] == nil || registry.Authenticator[cfg.Client] == nil {
		return fmt.Errorf("config: client %q not registered", cfg.Client)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Splitter, d.Splitter); registry.Splitter[name] == nil {
		return fmt.Errorf("config: splitter %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return fmt.Errorf("config: assembler %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	return nil
}

// NewAuthenticator 按 client 名构造单次登录实现（共享 options.client）。
func NewAuthenticator(cfg Config) (contract.Authenticator, error) {
	f := registry.Authenticator[cfg.Client]
	if f == nil {
		return nil, fmt.Errorf("config: client %q not registered", cfg.Client)
	}
	return f(cfg.Options.Client)
}

// Assemble 以已认证会话构造 Components 与 Settings（含限流 Gate+Key）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 顶层 column_placement/output_mode 注入到 columns/fs 的 options 中（顶层优先）。
func Assemble(cfg Config, s contract.Session) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	d := Defaults().Components
	rn := effName(cfg.Components.Reader, d.Reader)
	sn := effName(cfg.Components.Splitter, d.Splitter)
	dn := effName(cfg.Components.Decoder, d.Decoder)
	an := effName(cfg.Components.Assembler, d.Assembler)
	wn := effName(cfg.Components.Writer, d.Writer)

	fail := func(err error) (pipeline.Components, pipeline.Settings, error) {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	r, err := registry.Reader[rn](cfg.Options.Reader)
	if err != nil {
		return fail(fmt.Errorf("reader %s: %w", rn, err))
	}
	sp, err := registry.Splitter[sn](cfg.Options.Splitter)
	if err != nil {
		return fail(fmt.Errorf("splitter %s: %w", sn, err))
	}
	f, err := registry.Client[cfg.Client](cfg.Options.Client, s)
	if err != nil {
		return fail(fmt.Errorf("client %s: %w", cfg.Client, err))
	}
	dec, err := registry.Decoder[dn](cfg.Options.Decoder)
	if err != nil {
		return fail(fmt.Errorf("decoder %s: %w", dn, err))
	}
	aopts := cfg.Options.Assembler
	if an == "columns" {
		if aopts, err = withKey(aopts, "placement", cfg.ColumnPlacement); err != nil {
			return fail(fmt.Errorf("assembler %s: %w", an, err))
		}
	}
	asm, err := registry.Assembler[an](aopts)
	if err != nil {
		return fail(fmt.Errorf("assembler %s: %w", an, err))
	}
	wopts := cfg.Options.Writer
	if wn == "fs" {
		if wopts, err = withKey(wopts, "mode", cfg.OutputMode); err != nil {
			return fail(fmt.Errorf("writer %s: %w", wn, err))
		}
	}
	w, err := registry.Writer[wn](wopts)
	if err != nil {
		return fail(fmt.Errorf("writer %s: %w", wn, err))
	}

	// 限流 Gate：按 API 主机分组；无法派生时退化为 client 名。
	key, derr := rate.DeriveKeyFromBaseURL(cfg.Client, s.BaseURL)
	if derr != nil {
		key = rate.LimitKey(cfg.Client)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPS: cfg.Limits.RPS, Burst: cfg.Limits.Burst},
	}, nil)

	comp := pipeline.Components{Reader: r, Splitter: sp, Fetcher: f, Decoder: dec, Assembler: asm, Writer: w}
	set := pipeline.Settings{
		Input:          strings.TrimSpace(cfg.InputCSV),
		Output:         contract.ArtifactID(OutputPath(cfg)),
		Concurrency:    cfg.Concurrency,
		RefColumn:      cfg.RefColumn,
		MaxRetries:     cfg.MaxRetries,
		CachePositions: cfg.CachePositions,
		Gate:           gate,
		GateKey:        key,
	}
	return comp, set, nil
}

// withKey 在原样 JSON 对象上设置一个字符串键（空值不改动）。
func withKey(raw json.RawMessage, key, val string) (json.RawMessage, error) {
	if val == "" {
		return raw, nil
	}
	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	m[key] = b
	return json.Marshal(m)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
