package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxpool/config"
	"github.com/isdmx/sandboxpool/future"
	"github.com/isdmx/sandboxpool/pool"
	"github.com/isdmx/sandboxpool/sandbox"
)

type stubSandbox struct {
	slot       int
	disposeErr error
	disposed   bool
}

func (s *stubSandbox) ID() string      { return fmt.Sprintf("stub-%d", s.slot) }
func (s *stubSandbox) Slot() int       { return s.slot }
func (s *stubSandbox) WorkDir() string { return fmt.Sprintf("/tmp/stub-%d", s.slot) }

func (s *stubSandbox) Dispose(context.Context) error {
	s.disposed = true
	return s.disposeErr
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Runner: config.RunnerConfig{
			MaxConcurrentTestRunners: 4,
			Transpilers:              []string{"babel"},
		},
		Sandbox: config.SandboxConfig{Backend: config.BackendLocal, Image: "alpine:3.20", MemoryMB: 512},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

// newTestServer builds a server over a pool running on four CPUs with a
// maximum of four runners, so the limit is 3 after the transpiler reservation.
func newTestServer(t *testing.T, create sandbox.FactoryFunc) (*MCPServer, *pool.Pool) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	p := pool.New(logger, cfg, nil, nil, create, pool.WithCPUCounter(func() int { return 4 }))

	s, err := New(cfg, logger, p)
	require.NoError(t, err)
	return s, p
}

func stubFactory(sandboxes map[int]*stubSandbox, failSlot int) sandbox.FactoryFunc {
	return func(_ context.Context, _ *config.Config, slot int, _ []sandbox.InputFile, _ *sandbox.TestFramework) (sandbox.Sandbox, error) {
		if slot == failSlot {
			return nil, errors.New("no space left on device")
		}
		return sandboxes[slot], nil
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	p := pool.New(logger, cfg, nil, nil, stubFactory(nil, -1))

	server, err := New(cfg, logger, p)
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, logger, server.logger)
	assert.Same(t, p, server.pool)
	assert.NotNil(t, server.GetMCPServer())
}

func TestNewMCPServerRequiresPool(t *testing.T) {
	_, err := New(testConfig(), zaptest.NewLogger(t), nil)
	require.Error(t, err)
}

func TestHandleConcurrencyLimit(t *testing.T) {
	s, _ := newTestServer(t, stubFactory(nil, -1))

	result, err := s.handleConcurrencyLimit(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var report LimitReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &report))
	assert.Equal(t, LimitReport{Limit: 3, MaxConcurrentTestRunners: 4, Transpilers: []string{"babel"}}, report)
}

func TestHandleStreamSandboxes(t *testing.T) {
	ctx := context.Background()
	sandboxes := map[int]*stubSandbox{0: {slot: 0}, 1: {slot: 1}, 2: {slot: 2}}
	s, _ := newTestServer(t, stubFactory(sandboxes, -1))

	result, err := s.handleStreamSandboxes(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var report StreamReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &report))
	assert.Empty(t, report.Error)
	assert.ElementsMatch(t, []SandboxReport{
		{Slot: 0, ID: "stub-0", WorkDir: "/tmp/stub-0"},
		{Slot: 1, ID: "stub-1", WorkDir: "/tmp/stub-1"},
		{Slot: 2, ID: "stub-2", WorkDir: "/tmp/stub-2"},
	}, report.Sandboxes)

	// a pool streams once
	result, err = s.handleStreamSandboxes(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), pool.ErrAlreadyStreaming.Error())
}

func TestHandleStreamSandboxesCreationFailure(t *testing.T) {
	sandboxes := map[int]*stubSandbox{0: {slot: 0}, 2: {slot: 2}}
	s, _ := newTestServer(t, stubFactory(sandboxes, 1))

	result, err := s.handleStreamSandboxes(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var report StreamReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &report))
	assert.Contains(t, report.Error, "creating sandbox 1")
	assert.Contains(t, report.Error, "no space left on device")
}

func TestHandlePoolStatus(t *testing.T) {
	ctx := context.Background()
	sandboxes := map[int]*stubSandbox{0: {slot: 0}, 2: {slot: 2}}
	s, p := newTestServer(t, stubFactory(sandboxes, 1))

	result, err := s.handlePoolStatus(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, resultText(t, result))

	_, err = s.handleStreamSandboxes(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	// wait until every slot settled
	require.NoError(t, p.DisposeAll(ctx))

	result, err = s.handlePoolStatus(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)

	var reports []SlotReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &reports))
	require.Len(t, reports, 3)
	assert.Equal(t, SlotReport{Slot: 0, Settled: true, Ready: true, ID: "stub-0", WorkDir: "/tmp/stub-0"}, reports[0])
	assert.False(t, reports[1].Ready)
	assert.Contains(t, reports[1].Error, "no space left on device")
	assert.True(t, reports[2].Ready)
}

func TestHandleDisposeSandboxes(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		sandboxes := map[int]*stubSandbox{0: {slot: 0}, 1: {slot: 1}, 2: {slot: 2}}
		s, _ := newTestServer(t, stubFactory(sandboxes, -1))
		_, err := s.handleStreamSandboxes(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)

		result, err := s.handleDisposeSandboxes(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Equal(t, "All sandboxes disposed", resultText(t, result))
		for slot, sb := range sandboxes {
			assert.True(t, sb.disposed, "slot %d", slot)
		}

		// streaming is refused once the pool is torn down
		result, err = s.handleStreamSandboxes(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), pool.ErrPoolDisposed.Error())
	})

	t.Run("Failure", func(t *testing.T) {
		sandboxes := map[int]*stubSandbox{
			0: {slot: 0},
			1: {slot: 1, disposeErr: errors.New("device busy")},
			2: {slot: 2},
		}
		s, _ := newTestServer(t, stubFactory(sandboxes, -1))
		_, err := s.handleStreamSandboxes(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)

		result, err := s.handleDisposeSandboxes(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "disposing sandbox 1: device busy")
		assert.True(t, sandboxes[0].disposed)
		assert.True(t, sandboxes[2].disposed)
	})
}

func TestHandleDisposeSandboxesCancelled(t *testing.T) {
	ctx := context.Background()
	release := future.New[struct{}]()
	sandboxes := map[int]*stubSandbox{0: {slot: 0}, 1: {slot: 1}, 2: {slot: 2}}
	s, p := newTestServer(t, func(_ context.Context, _ *config.Config, slot int, _ []sandbox.InputFile, _ *sandbox.TestFramework) (sandbox.Sandbox, error) {
		if slot == 2 {
			_, _ = release.Wait()
		}
		return sandboxes[slot], nil
	})
	_, err := p.StreamSandboxes(ctx)
	require.NoError(t, err)

	// slot 2 is still being created, so disposal cannot finish before the request is cancelled
	reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	result, err := s.handleDisposeSandboxes(reqCtx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), context.DeadlineExceeded.Error())

	// the disposal started by the cancelled request still completes
	release.Resolve(struct{}{})
	require.NoError(t, p.DisposeAll(ctx))
	for slot, sb := range sandboxes {
		assert.True(t, sb.disposed, "slot %d", slot)
	}
}
