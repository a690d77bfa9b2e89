package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxpool/config"
	"github.com/isdmx/sandboxpool/logger"
	"github.com/isdmx/sandboxpool/mcpserver"
	"github.com/isdmx/sandboxpool/pool"
	"github.com/isdmx/sandboxpool/sandbox"
)

const integrationConfig = `
runner:
  max_concurrent_test_runners: 4
  transpilers: [babel]
  test_framework: mocha
  test_framework_settings:
    timeout: "2000"
  files:
    - spec/math.spec.js
    - package.json
sandbox:
  backend: local
  work_dir: sandboxes
logging:
  mode: development
  level: info
`

// setupWorkspace writes a config file and the input files into a fresh
// working directory and loads the configuration from it.
func setupWorkspace(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())

	require.NoError(t, os.MkdirAll("spec", 0o755))
	require.NoError(t, os.MkdirAll("sandboxes", 0o755))
	require.NoError(t, os.WriteFile("spec/math.spec.js", []byte("it('adds', () => {})"), 0o600))
	require.NoError(t, os.WriteFile("package.json", []byte(`{"name":"math"}`), 0o600))
	require.NoError(t, os.WriteFile("config.yaml", []byte(integrationConfig), 0o600))

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	return cfg
}

// TestIntegrationLocalPool drives a pool on the local backend from config to teardown
func TestIntegrationLocalPool(t *testing.T) {
	ctx := context.Background()
	cfg := setupWorkspace(t)

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)

	factory, err := sandbox.NewFactory(log, cfg)
	require.NoError(t, err)
	files, err := sandbox.NewInputFiles(cfg)
	require.NoError(t, err)
	framework := sandbox.NewTestFramework(cfg)
	require.NotNil(t, framework)

	metrics := pool.NewMetrics(prometheus.NewRegistry())
	// min(4 runners, 4 CPUs) minus one CPU for the transpiler
	p := pool.New(log, cfg, framework, files, factory,
		pool.WithMetrics(metrics),
		pool.WithCPUCounter(func() int { return 4 }))

	sandboxes, err := p.StreamSandboxes(ctx)
	require.NoError(t, err)

	var dirs []string
	slots := map[int]bool{}
	for sb, err := range sandboxes {
		require.NoError(t, err)
		dirs = append(dirs, sb.WorkDir())
		slots[sb.Slot()] = true

		content, err := os.ReadFile(filepath.Join(sb.WorkDir(), "spec", "math.spec.js"))
		require.NoError(t, err)
		assert.Equal(t, "it('adds', () => {})", string(content))

		manifest, err := sandbox.ReadManifest(sandbox.RealFileSystem{}, sb.WorkDir())
		require.NoError(t, err)
		assert.Equal(t, sb.ID(), manifest.ID)
		assert.Equal(t, sb.Slot(), manifest.Slot)
		assert.Equal(t, "mocha", manifest.TestFramework)
		assert.Equal(t, map[string]string{"timeout": "2000"}, manifest.FrameworkSettings)
		assert.Equal(t, []string{"babel"}, manifest.Transpilers)
		assert.Equal(t, []string{"spec/math.spec.js", "package.json"}, manifest.Files)
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, slots)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Created))

	require.NoError(t, p.DisposeAll(ctx))
	for _, dir := range dirs {
		assert.NoDirExists(t, dir)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Disposed))
}

// TestIntegrationMCPServer exercises the MCP tools against a real local pool
func TestIntegrationMCPServer(t *testing.T) {
	ctx := context.Background()
	cfg := setupWorkspace(t)
	cfg.Runner.MaxConcurrentTestRunners = 3

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	factory, err := sandbox.NewFactory(log, cfg)
	require.NoError(t, err)
	files, err := sandbox.NewInputFiles(cfg)
	require.NoError(t, err)

	// min(3 runners, 8 CPUs) minus one CPU for the transpiler
	p := pool.New(log, cfg, sandbox.NewTestFramework(cfg), files, factory,
		pool.WithCPUCounter(func() int { return 8 }))
	server, err := mcpserver.New(cfg, log, p)
	require.NoError(t, err)

	tools := server.GetMCPServer().ListTools()
	for _, name := range []string{
		mcpserver.ToolConcurrencyLimit,
		mcpserver.ToolStreamSandboxes,
		mcpserver.ToolPoolStatus,
		mcpserver.ToolDisposeSandboxes,
	} {
		assert.Contains(t, tools, name)
	}

	tool, ok := tools[mcpserver.ToolStreamSandboxes]
	require.True(t, ok)
	result, err := tool.Handler(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report mcpserver.StreamReport
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(text.Text), &report))
	require.Len(t, report.Sandboxes, 2)
	for _, sb := range report.Sandboxes {
		assert.DirExists(t, sb.WorkDir)
	}

	dispose, ok := tools[mcpserver.ToolDisposeSandboxes]
	require.True(t, ok)
	result, err = dispose.Handler(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	for _, sb := range report.Sandboxes {
		assert.NoDirExists(t, sb.WorkDir)
	}
}
