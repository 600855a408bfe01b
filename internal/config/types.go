package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
// 整数字段中 -1 表示“未设置”（仅 RefColumn/MaxRetries 使用，0 有语义）。
type Config struct {
	APIURL   string `json:"api_url"`
	Username string `json:"username"`
	// Password 不会出现在 dump/模板中（见 Redacted）。
	Password string `json:"password"`

	InputCSV  string `json:"input_csv"`
	OutputCSV string `json:"output_csv"`

	Concurrency     int    `json:"concurrency"`
	ColumnPlacement string `json:"column_placement"`
	OutputMode      string `json:"output_mode"`
	// RefColumn: ref 所在列（0 起，默认 3）。
	RefColumn        int `json:"ref_column"`
	MaxLoginAttempts int `json:"max_login_attempts"`
	// MaxRetries: 限流/网络类读取错误的最大重试次数（>=0）。0 表示不重试。
	MaxRetries     int  `json:"max_retries"`
	CachePositions bool `json:"cache_positions"`

	// Client: 读取/登录实现名（aspace|mock|flaky）。
	Client string `json:"client"`
	Limits Limits `json:"limits"`

	Logging     Logging `json:"logging"`
	MetricsPath string  `json:"metrics_path"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。0 表示不限。
type Limits struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader    string `json:"reader"`
	Splitter  string `json:"splitter"`
	Decoder   string `json:"decoder"`
	Assembler string `json:"assembler"`
	Writer    string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader    json.RawMessage `json:"reader"`
	Splitter  json.RawMessage `json:"splitter"`
	Client    json.RawMessage `json:"client"`
	Decoder   json.RawMessage `json:"decoder"`
	Assembler json.RawMessage `json:"assembler"`
	Writer    json.RawMessage `json:"writer"`
}

// Redacted 返回去除口令的副本（用于打印与日志）。
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "******"
	}
	return c
}
