package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"aspacesort/internal/diag"
	"aspacesort/internal/pipeline"
	"aspacesort/internal/prompt"
)

func resetFlag(t *testing.T, args ...string) {
	t.Helper()
	oldArgs, oldFlags := os.Args, flag.CommandLine
	t.Cleanup(func() { os.Args, flag.CommandLine = oldArgs, oldFlags })
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

func scripted(t *testing.T, input string) {
	t.Helper()
	orig := newPrompter
	t.Cleanup(func() { newPrompter = orig })
	newPrompter = func() prompt.Prompter { return prompt.NewScripted(strings.NewReader(input), nil) }
}

func stubPipeline(t *testing.T, fn func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error)) {
	t.Helper()
	orig := pipelineRun
	t.Cleanup(func() { pipelineRun = orig })
	pipelineRun = fn
}

const report = "total_count,2\n\nrepository,,,\n" +
	"title,level,id,uri\n" +
	"A,file,1,/repositories/2/archival_objects/500\n" +
	"B,file,2,/repositories/2/archival_objects/501\n"

// mockConfig 返回使用 mock 客户端的内联配置（password 为服务端期望口令）。
func mockConfig(t *testing.T, password string, extra map[string]any) string {
	t.Helper()
	records := map[string]any{
		"/repositories/2/archival_objects/500": map[string]any{"position": 3, "ancestors": []map[string]string{
			{"ref": "/repositories/2/archival_objects/499", "level": "file"},
			{"ref": "/repositories/2/resources/10", "level": "collection"},
		}},
		"/repositories/2/archival_objects/501": map[string]any{"position": 0},
		"/repositories/2/archival_objects/499": map[string]any{"position": 1},
	}
	cfg := map[string]any{
		"client":  "mock",
		"options": map[string]any{"client": map[string]any{"records": records, "password": password}},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	return string(b)
}

func TestRunInitConfig(t *testing.T) {
	chdir(t, t.TempDir())
	resetFlag(t, "aspacesort", "--init-config", "out")
	require.Equal(t, exitOK, run())
	b, err := os.ReadFile(filepath.Join("out", "config.json"))
	require.NoError(t, err)
	require.Contains(t, string(b), `"column_placement": "leading"`)
	_, err = os.Stat(filepath.Join("out", ".env"))
	require.NoError(t, err)

	// 已存在：不覆盖，仍成功
	require.NoError(t, os.WriteFile(filepath.Join("out", "config.json"), []byte("{}"), 0o644))
	resetFlag(t, "aspacesort", "--init-config", "out")
	require.Equal(t, exitOK, run())
	b, _ = os.ReadFile(filepath.Join("out", "config.json"))
	require.Equal(t, "{}", string(b))
}

func TestRunInitConfigDefaultDir(t *testing.T) {
	chdir(t, t.TempDir())
	resetFlag(t, "aspacesort", "--init-config")
	require.Equal(t, exitOK, run())
	_, err := os.Stat("config.json")
	require.NoError(t, err)
}

// 端到端（mock 客户端）：凭据来自 ENV，输出默认路径
func TestRunSuccessMock(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("in.csv", []byte(report), 0o644))
	t.Setenv("ASPACE_SORT_CONFIG_JSON", mockConfig(t, "pw", map[string]any{"api_url": "mock://aspace", "username": "u"}))
	t.Setenv("ASPACE_SORT_PASSWORD", "pw")
	scripted(t, "")
	resetFlag(t, "aspacesort", "--status=false", "--metrics", "metrics.prom", "in.csv")
	require.Equal(t, exitOK, run())

	out, err := os.ReadFile("in_output.csv")
	require.NoError(t, err)
	require.Equal(t, "sort_order,title,level,id,uri\n"+
		"00001.00003,A,file,1,/repositories/2/archival_objects/500\n"+
		"00000,B,file,2,/repositories/2/archival_objects/501\n", string(out))
	m, err := os.ReadFile("metrics.prom")
	require.NoError(t, err)
	require.Contains(t, string(m), "aspacesort_op_total")
}

// 缺失的输入与凭据通过交互补齐；首次口令错误后重新询问
func TestRunPromptsAndRetriesLogin(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("in.csv", []byte(report), 0o644))
	t.Setenv("ASPACE_SORT_CONFIG_JSON", mockConfig(t, "good", nil))
	scripted(t, "in.csv\nmock://aspace\nu\nbad\nmock://aspace\nu\ngood\n")
	resetFlag(t, "aspacesort", "--status=false", "--placement", "trailing", "--output", "sorted.csv")
	require.Equal(t, exitOK, run())
	out, err := os.ReadFile("sorted.csv")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(out), "title,level,id,uri,sort_order\n"))
}

func TestRunAuthAbandoned(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("in.csv", []byte(report), 0o644))
	t.Setenv("ASPACE_SORT_CONFIG_JSON", mockConfig(t, "good", map[string]any{"api_url": "mock://aspace", "username": "u", "password": "bad"}))
	scripted(t, "")
	called := false
	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		called = true
		return pipeline.Summary{}, nil
	})
	resetFlag(t, "aspacesort", "--status=false", "in.csv")
	require.Equal(t, exitAuth, run())
	require.False(t, called)
}

func TestRunSetupErrors(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("in.csv", []byte(report), 0o644))
	scripted(t, "")

	resetFlag(t, "aspacesort", "--config", "missing.json", "in.csv")
	require.Equal(t, exitSetup, run())

	resetFlag(t, "aspacesort", "--placement", "middle", "in.csv")
	require.Equal(t, exitSetup, run())

	resetFlag(t, "aspacesort", "a.csv", "b.csv")
	require.Equal(t, exitSetup, run())

	// 无输入可读
	resetFlag(t, "aspacesort")
	require.Equal(t, exitSetup, run())

	t.Setenv("ASPACE_SORT_CONCURRENCY", "lots")
	resetFlag(t, "aspacesort", "in.csv")
	require.Equal(t, exitSetup, run())
}

func TestRunYAMLConfigFile(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("in.csv", []byte(report), 0o644))
	yml := "client: mock\napi_url: mock://aspace\nusername: u\npassword: p\nref_column: 3\nmax_retries: 2\n"
	require.NoError(t, os.WriteFile("config.yaml", []byte(yml), 0o644))
	scripted(t, "")
	var got pipeline.Settings
	stubPipeline(t, func(_ context.Context, _ pipeline.Components, set pipeline.Settings, _ *diag.Logger) (pipeline.Summary, error) {
		got = set
		return pipeline.Summary{Total: 2, Succeeded: 2}, nil
	})
	resetFlag(t, "aspacesort", "--status=false", "--append", "--max-retries", "0", "in.csv")
	require.Equal(t, exitOK, run())
	require.Equal(t, 0, got.MaxRetries, "CLI 显式 0 覆盖配置文件")
	require.Equal(t, "in.csv", got.Input)
	require.Equal(t, "mock:aspace", string(got.GateKey))
}

func TestRunPipelineErrors(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("in.csv", []byte(report), 0o644))
	t.Setenv("ASPACE_SORT_CONFIG_JSON", mockConfig(t, "", map[string]any{"api_url": "mock://aspace", "username": "u", "password": "p"}))
	scripted(t, "")

	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		return pipeline.Summary{}, errors.New("boom")
	})
	resetFlag(t, "aspacesort", "--status=false", "in.csv")
	require.Equal(t, exitRun, run())

	stubPipeline(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		return pipeline.Summary{}, context.Canceled
	})
	resetFlag(t, "aspacesort", "--status=false", "in.csv")
	require.Equal(t, exitInterrupt, run())
}

// STDIN 输入时凭据必须预先配置
func TestRunStdinNeedsCredentials(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ASPACE_SORT_CONFIG_JSON", mockConfig(t, "", nil))
	scripted(t, "")
	resetFlag(t, "aspacesort", "--output", "out.csv", "-")
	require.Equal(t, exitSetup, run())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	content := "# c\nexport ASPACE_SORT_TEST_A=\"x\\ty\"\nASPACE_SORT_TEST_B='raw\\n'\nASPACE_SORT_TEST_C=keep\nbad line\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	t.Setenv("ASPACE_SORT_TEST_C", "preset")
	for _, k := range []string{"ASPACE_SORT_TEST_A", "ASPACE_SORT_TEST_B"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	require.NoError(t, loadDotEnv(p))
	require.Equal(t, "x\ty", os.Getenv("ASPACE_SORT_TEST_A"))
	require.Equal(t, `raw\n`, os.Getenv("ASPACE_SORT_TEST_B"))
	require.Equal(t, "preset", os.Getenv("ASPACE_SORT_TEST_C"))
	require.NoError(t, loadDotEnv(filepath.Join(dir, "missing")))
}

func TestNormalizeInitArg(t *testing.T) {
	resetFlag(t, "aspacesort", "--init-config", "--status=false")
	normalizeInitArg()
	require.Equal(t, []string{"aspacesort", "--init-config", ".", "--status=false"}, os.Args)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			panic("testing.Chdir: " + err.Error())
		}
	})
}
