package config

import (
	"encoding/json"
	"strings"
)

// DefaultTemplateConfig 返回一个可直接编辑的默认配置模板：
// - 凭据留空（运行时交互询问；口令建议经 .env 提供）；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值，确保所有键存在。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.APIURL = "http://localhost:8089"
	cfg.InputCSV = "report.csv"
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "allow_exts": [".csv"]
}`)
	cfg.Options.Splitter = json.RawMessage(`{
  "delimiter": ",",
  "lazy_quotes": false,
  "preamble_marker": "total_count",
  "preamble_rows": 2
}`)
	cfg.Options.Client = json.RawMessage(`{
  "timeout_seconds": 60,
  "max_body_bytes": 8388608,
  "user_agent": "aspacesort/1",
  "extra_headers": {}
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "require_position": false
}`)
	// placement 由顶层 column_placement 注入
	cfg.Options.Assembler = json.RawMessage(`{
  "column": "sort_order"
}`)
	// mode 由顶层 output_mode 注入
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true,
  "buf_size": 65536
}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板内容（覆盖项全部留空）。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# aspacesort .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(EnvPrefix + "CONFIG_FILE=\n")
	b.WriteString(EnvPrefix + "CONFIG_JSON=\n\n")

	b.WriteString("# 凭据\n")
	for _, k := range []string{"API_URL", "USERNAME", "PASSWORD"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUT_CSV", "OUTPUT_CSV", "CONCURRENCY", "COLUMN_PLACEMENT", "OUTPUT_MODE",
		"REF_COLUMN", "MAX_LOGIN_ATTEMPTS", "MAX_RETRIES", "CACHE_POSITIONS", "CLIENT",
		"LIMITS_RPS", "LIMITS_BURST", "LOG_LEVEL", "METRICS_PATH",
	} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "SPLITTER", "DECODER", "ASSEMBLER", "WRITER"} {
		b.WriteString(EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	b.WriteString("\n# 组件 options（原样 JSON）\n")
	for _, k := range []string{"READER", "SPLITTER", "CLIENT", "DECODER", "ASSEMBLER", "WRITER"} {
		b.WriteString(EnvPrefix + "OPTIONS_" + k + "_JSON=\n")
	}
	return b.String()
}
