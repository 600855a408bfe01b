package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"aspacesort/pkg/contract"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "ASPACE_SORT_"

// 输出模式。
const (
	OutputOverwrite = "overwrite"
	OutputAppend    = "append"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：凭据与输入不设默认（缺失时由交互提示补齐）。
func Defaults() Config {
	return Config{
		Concurrency:      4,
		ColumnPlacement:  string(contract.PlacementLeading),
		OutputMode:       OutputOverwrite,
		RefColumn:        3,
		MaxLoginAttempts: 3,
		MaxRetries:       0,
		Client:           "aspace",
		Logging:          Logging{Level: "info"},
		Components: Components{
			Reader:    "fs",
			Splitter:  "csvreport",
			Decoder:   "aspacejson",
			Assembler: "columns",
			Writer:    "fs",
		},
	}
}

// unset 返回“全部未设置”的覆盖层，供 Merge 区分 0 与缺省。
func unset() Config {
	return Config{RefColumn: -1, MaxRetries: -1}
}

// Load 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 路径以 .yaml/.yml 结尾时按 YAML 解析，再以同一套严格 JSON 规则校验。
func Load(path string, raw []byte) (Config, error) {
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return unset(), err
		}
		if isYAML(path) {
			jb, err := yamlToJSON(b)
			if err != nil {
				return unset(), fmt.Errorf("config %s: %w", path, err)
			}
			b = jb
		}
		r = bytes.NewReader(b)
	default:
		return unset(), errors.New("no config source provided")
	}
	fc := fileConfig{Config: unset()}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return unset(), err
	}
	return fc.resolve(), nil
}

// fileConfig 额外接受早期 config.json 的 aspace_* 键；同时给出时以新键为准。
type fileConfig struct {
	Config
	LegacyAPIURL   string `json:"aspace_api_url"`
	LegacyUsername string `json:"aspace_username"`
	LegacyPassword string `json:"aspace_password"`
}

func (fc fileConfig) resolve() Config {
	cfg := fc.Config
	if cfg.APIURL == "" {
		cfg.APIURL = fc.LegacyAPIURL
	}
	if cfg.Username == "" {
		cfg.Username = fc.LegacyUsername
	}
	if cfg.Password == "" {
		cfg.Password = fc.LegacyPassword
	}
	return cfg
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON: yaml.v3 解码为通用树后转为 JSON；空文档视为空对象。
func yamlToJSON(b []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("yaml root must be a mapping: %w", contract.ErrInvalidInput)
	}
	return json.Marshal(v)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	setStr := func(dst *string, v string) {
		if t := strings.TrimSpace(v); t != "" {
			*dst = t
		}
	}
	setStr(&out.APIURL, over.APIURL)
	setStr(&out.Username, over.Username)
	// 口令不裁剪空白
	if over.Password != "" {
		out.Password = over.Password
	}
	setStr(&out.InputCSV, over.InputCSV)
	setStr(&out.OutputCSV, over.OutputCSV)
	setStr(&out.ColumnPlacement, over.ColumnPlacement)
	setStr(&out.OutputMode, over.OutputMode)
	setStr(&out.Client, over.Client)
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.MetricsPath, over.MetricsPath)

	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxLoginAttempts != 0 {
		out.MaxLoginAttempts = over.MaxLoginAttempts
	}
	// RefColumn/MaxRetries 的 0 具有语义；约定 -1 为未覆盖。
	if over.RefColumn >= 0 {
		out.RefColumn = over.RefColumn
	}
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.CachePositions {
		out.CachePositions = true
	}
	if over.Limits.RPS != 0 {
		out.Limits.RPS = over.Limits.RPS
	}
	if over.Limits.Burst != 0 {
		out.Limits.Burst = over.Limits.Burst
	}

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Splitter, over.Components.Splitter)
	setStr(&out.Components.Decoder, over.Components.Decoder)
	setStr(&out.Components.Assembler, over.Components.Assembler)
	setStr(&out.Components.Writer, over.Components.Writer)

	// Options（完整替换对应键）
	setRaw := func(dst *json.RawMessage, v json.RawMessage) {
		if len(v) > 0 {
			*dst = cloneRaw(v)
		}
	}
	setRaw(&out.Options.Reader, over.Options.Reader)
	setRaw(&out.Options.Splitter, over.Options.Splitter)
	setRaw(&out.Options.Client, over.Options.Client)
	setRaw(&out.Options.Decoder, over.Options.Decoder)
	setRaw(&out.Options.Assembler, over.Options.Assembler)
	setRaw(&out.Options.Writer, over.Options.Writer)
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 前缀 ASPACE_SORT_；未知键忽略；数值解析失败视为配置错误。
// 支持：API_URL, USERNAME, PASSWORD, INPUT_CSV, OUTPUT_CSV, CONCURRENCY,
// COLUMN_PLACEMENT, OUTPUT_MODE, REF_COLUMN, MAX_LOGIN_ATTEMPTS, MAX_RETRIES,
// CACHE_POSITIONS, CLIENT, LIMITS_RPS, LIMITS_BURST, LOG_LEVEL, METRICS_PATH,
// COMPONENTS_* 以及 OPTIONS_<COMPONENT>_JSON。
func EnvOverlay(environ []string) (Config, error) {
	over := unset()
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			continue
		}
		var err error
		switch key {
		case "API_URL":
			over.APIURL = val
		case "USERNAME":
			over.Username = val
		case "PASSWORD":
			over.Password = val
		case "INPUT_CSV":
			over.InputCSV = val
		case "OUTPUT_CSV":
			over.OutputCSV = val
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "COLUMN_PLACEMENT":
			over.ColumnPlacement = val
		case "OUTPUT_MODE":
			over.OutputMode = val
		case "REF_COLUMN":
			over.RefColumn, err = atoi(val)
		case "MAX_LOGIN_ATTEMPTS":
			over.MaxLoginAttempts, err = atoi(val)
		case "MAX_RETRIES":
			over.MaxRetries, err = atoi(val)
		case "CACHE_POSITIONS":
			over.CachePositions, err = strconv.ParseBool(strings.TrimSpace(val))
		case "CLIENT":
			over.Client = val
		case "LIMITS_RPS":
			over.Limits.RPS, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
		case "LIMITS_BURST":
			over.Limits.Burst, err = atoi(val)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "METRICS_PATH":
			over.MetricsPath = val
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = val
		case "COMPONENTS_DECODER":
			over.Components.Decoder = val
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		case "OPTIONS_READER_JSON":
			over.Options.Reader, err = rawJSON(val)
		case "OPTIONS_SPLITTER_JSON":
			over.Options.Splitter, err = rawJSON(val)
		case "OPTIONS_CLIENT_JSON":
			over.Options.Client, err = rawJSON(val)
		case "OPTIONS_DECODER_JSON":
			over.Options.Decoder, err = rawJSON(val)
		case "OPTIONS_ASSEMBLER_JSON":
			over.Options.Assembler, err = rawJSON(val)
		case "OPTIONS_WRITER_JSON":
			over.Options.Writer, err = rawJSON(val)
		default:
			// CONFIG_FILE/CONFIG_JSON 由 CLI 处理；其余忽略
		}
		if err != nil {
			return unset(), fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	return over, nil
}

// DefaultOutputPath: <输入去掉 .csv>_output.csv；STDIN 输入无默认。
func DefaultOutputPath(input string) string {
	in := strings.TrimSpace(input)
	if in == "" || in == "-" {
		return ""
	}
	if ext := filepath.Ext(in); strings.EqualFold(ext, ".csv") {
		in = strings.TrimSuffix(in, ext)
	}
	return in + "_output.csv"
}

// OutputPath 返回最终输出路径。
func OutputPath(cfg Config) string {
	if s := strings.TrimSpace(cfg.OutputCSV); s != "" {
		return s
	}
	return DefaultOutputPath(cfg.InputCSV)
}

func rawJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("invalid json: %w", contract.ErrInvalidInput)
	}
	return json.RawMessage(s), nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
