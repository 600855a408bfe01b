package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"aspacesort/internal/auth"
	cfgpkg "aspacesort/internal/config"
	"aspacesort/internal/diag"
	"aspacesort/internal/pipeline"
	"aspacesort/internal/prompt"
	"aspacesort/pkg/contract"
)

// 退出码。
const (
	exitOK        = 0
	exitRun       = 1
	exitAuth      = 2
	exitSetup     = 3
	exitInterrupt = 130
)

var (
	pipelineRun = pipeline.Run
	// newPrompter 可替换（测试）。
	newPrompter = func() prompt.Prompter { return prompt.NewConsole(os.Stdin, os.Stderr) }
)

// CLI：位置参数为输入 CSV（"-" 表示 STDIN）；其余均为可选覆盖。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 先以 info 建立 logger，合并配置后按最终 level 重建
	logger := diag.NewLogger(corrID, "info")
	defer func() { _ = logger.Close() }()

	var (
		flagConfig      string
		flagAPIURL      string
		flagUsername    string
		flagOutput      string
		flagClient      string
		flagPlacement   string
		flagLogLevel    string
		flagMetrics     string
		flagInitDir     string
		flagConcurrency int
		flagRefColumn   int
		flagMaxRetries  int
		flagMaxLogin    int
		flagAppend      bool
		flagCache       bool
		flagStatus      bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON 或 YAML）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	flag.StringVar(&flagAPIURL, "api-url", "", "ArchivesSpace API 地址（覆盖配置）")
	flag.StringVar(&flagUsername, "username", "", "登录用户名（覆盖配置）")
	flag.StringVar(&flagOutput, "output", "", "输出 CSV 路径；缺省为 <输入>_output.csv")
	flag.StringVar(&flagClient, "client", "", "读取实现：aspace|mock|flaky")
	flag.StringVar(&flagPlacement, "placement", "", "sort_order 列位置：leading|trailing")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志等级：debug|info|warn|error")
	flag.StringVar(&flagMetrics, "metrics", "", "运行结束时写出 Prometheus 文本指标的路径")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认 config.json 和 .env 模板（已存在则跳过）；不带值时默认当前目录")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "并发 worker 数（覆盖配置）")
	// 0 有语义；默认 -1 表示“未覆盖”。
	flag.IntVar(&flagRefColumn, "ref-column", -1, "ref 所在列（0 起）")
	flag.IntVar(&flagMaxRetries, "max-retries", -1, "限流/网络错误的最大重试次数（0 表示不重试）")
	flag.IntVar(&flagMaxLogin, "max-login-attempts", 0, "最大登录尝试次数")
	flag.BoolVar(&flagAppend, "append", false, "追加到已有输出（跳过已写出的 ref）；默认覆盖")
	flag.BoolVar(&flagCache, "cache-positions", false, "运行期内缓存祖先 position")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	setupFail := func(msg string, err error) int {
		fprintf(os.Stderr, "%s: %v\n", msg, err)
		logger.Error("setup", string(diag.Classify(err)), msg, &start)
		return exitSetup
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			return setupFail("failed to create config directory", err)
		}
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil && !errors.Is(err, os.ErrExist) {
			return setupFail("failed to write config template", err)
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "note: .env template skipped: %v\n", err)
		}
		return exitOK
	}

	// 配置来源：--config > ENV 文件路径 > ./config.json|yaml；内联 JSON 优先于文件
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(name); err == nil {
				flagConfig = name
				break
			}
		}
	}
	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.Load(flagConfig, cfgJSON)
		if err != nil {
			return setupFail("failed to parse config", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return setupFail("failed to parse environment", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	overCLI := cfgpkg.Config{
		APIURL:           flagAPIURL,
		Username:         flagUsername,
		OutputCSV:        flagOutput,
		Client:           flagClient,
		ColumnPlacement:  flagPlacement,
		Concurrency:      flagConcurrency,
		RefColumn:        flagRefColumn,
		MaxRetries:       flagMaxRetries,
		MaxLoginAttempts: flagMaxLogin,
		CachePositions:   flagCache,
		MetricsPath:      flagMetrics,
		Logging:          cfgpkg.Logging{Level: flagLogLevel},
	}
	if flagAppend {
		overCLI.OutputMode = cfgpkg.OutputAppend
	}
	if args := flag.Args(); len(args) > 0 {
		if len(args) > 1 {
			return setupFail("invalid arguments", fmt.Errorf("expected one input CSV, got %d: %w", len(args), contract.ErrInvalidInput))
		}
		overCLI.InputCSV = args[0]
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	logger.Close()
	logger = diag.NewLogger(corrID, cfg.Logging.Level)

	p := newPrompter()
	if strings.TrimSpace(cfg.InputCSV) == "" {
		in, err := prompt.AskInput(p)
		if err != nil {
			return setupFail("no input CSV", err)
		}
		cfg.InputCSV = in
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		_ = dumpConfig(cfg)
		return setupFail("invalid config", err)
	}
	if err := preflightCheckOutput(cfgpkg.OutputPath(cfg)); err != nil {
		return setupFail("output location not writable", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 认证：缺失凭据交互补齐；失败有界重试
	creds := contract.Credentials{APIURL: cfg.APIURL, Username: cfg.Username, Password: cfg.Password}
	if cfg.InputCSV == "-" && (creds.APIURL == "" || creds.Username == "" || creds.Password == "") {
		return setupFail("invalid config", errors.New("credentials must be configured when reading input from stdin"))
	}
	authn, err := cfgpkg.NewAuthenticator(cfg)
	if err != nil {
		return setupFail("failed to build authenticator", err)
	}
	if err := prompt.FillCredentials(p, &creds); err != nil {
		fprintf(os.Stderr, "authentication abandoned: %v\n", err)
		logger.Error("auth", string(diag.CodeAuth), "credentials unavailable", &start)
		return exitAuth
	}
	session, creds, err := auth.Login(ctx, authn, p, creds, cfg.MaxLoginAttempts, logger)
	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupt
		}
		fprintf(os.Stderr, "%v\n", err)
		return exitAuth
	}
	cfg.APIURL, cfg.Username, cfg.Password = creds.APIURL, creds.Username, creds.Password

	comp, set, err := cfgpkg.Assemble(cfg, session)
	if err != nil {
		return setupFail("failed to assemble components", err)
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.Client)

	logger.DebugStart("config", "effective", "", "", map[string]string{
		"api_url":          cfg.APIURL,
		"user":             cfg.Username,
		"input":            set.Input,
		"output":           string(set.Output),
		"concurrency":      strconv.Itoa(cfg.Concurrency),
		"column_placement": cfg.ColumnPlacement,
		"output_mode":      cfg.OutputMode,
		"ref_column":       strconv.Itoa(cfg.RefColumn),
		"max_retries":      strconv.Itoa(cfg.MaxRetries),
		"client":           cfg.Client,
		"gate_key":         string(set.GateKey),
	})

	t := logger.Start("pipeline", "run")
	sum, err := pipelineRun(ctx, comp, set, logger)
	if merr := diag.WriteMetrics(cfg.MetricsPath); merr != nil {
		fprintf(os.Stderr, "note: metrics not written: %v\n", merr)
	}
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "run failed", &start)
		diag.IncOp("pipeline", "error", "error")
		diag.IncError("pipeline", code)
		term.RunFinish(false, string(set.Output), time.Since(start))
		if errors.Is(err, context.Canceled) {
			if done, total, _ := term.Progress(); total > 0 {
				fprintf(os.Stderr, "interrupted after %d of %d rows; %d written\n", done, total, sum.Succeeded)
			} else {
				fprintf(os.Stderr, "interrupted; %d of %d rows written\n", sum.Succeeded, sum.Total)
			}
			return exitInterrupt
		}
		fprintf(os.Stderr, "run failed: %v\n", err)
		return exitRun
	}
	t.Finish("run", int64(sum.Total))
	diag.IncOp("pipeline", "finish", "success")
	term.RunFinish(true, string(set.Output), time.Since(start))
	fmt.Printf("Processed %d rows: %d succeeded, %d failed, %d skipped. Output: %s\n",
		sum.Total, sum.Succeeded, sum.Failed, sum.Skipped, set.Output)
	return exitOK
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

// dumpConfig 打印有效配置（口令已脱敏）。
func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("effective config:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

// writeConfig 写出配置模板；已存在时返回 os.ErrExist，不覆盖。
func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(cfgpkg.DotEnvTemplate())
	return err
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与 # 注释；支持可选前缀 "export "；
// - 仅按首个 '=' 分割；成对单/双引号去除，双引号内处理 \n \t \" \\；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			q := val[0]
			if (q == '\'' || q == '"') && val[len(val)-1] == q {
				val = val[1 : len(val)-1]
				if q == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: --init-config 不带值（末尾或后随其他开关）时补默认值 "."。
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// preflightCheckOutput: 启动前确认输出所在目录存在且可写，避免处理完全部行后才失败。
func preflightCheckOutput(out string) error {
	dir := filepath.Dir(out)
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	f, err := os.CreateTemp(dir, ".wcheck-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
