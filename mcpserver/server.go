// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes a sandbox pool over MCP using the
// mark3labs/mcp-go library. Clients can inspect the concurrency limit, start
// streaming sandboxes, look at every slot and tear the pool down.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
	"github.com/isdmx/sandboxpool/future"
	"github.com/isdmx/sandboxpool/pool"
)

// Tool names
const (
	ToolConcurrencyLimit = "concurrency_limit"
	ToolStreamSandboxes  = "stream_sandboxes"
	ToolPoolStatus       = "pool_status"
	ToolDisposeSandboxes = "dispose_sandboxes"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	pool      *pool.Pool
	mcpServer *server.MCPServer
}

// LimitReport is the result of the concurrency_limit tool
type LimitReport struct {
	Limit                    int      `json:"limit"`
	MaxConcurrentTestRunners int      `json:"max_concurrent_test_runners"`
	Transpilers              []string `json:"transpilers"`
}

// SandboxReport describes one sandbox handed out by the pool
type SandboxReport struct {
	Slot    int    `json:"slot"`
	ID      string `json:"id"`
	WorkDir string `json:"work_dir"`
}

// StreamReport is the result of the stream_sandboxes tool
type StreamReport struct {
	Sandboxes []SandboxReport `json:"sandboxes"`
	Error     string          `json:"error,omitempty"`
}

// SlotReport is one entry of the pool_status tool
type SlotReport struct {
	Slot    int    `json:"slot"`
	Settled bool   `json:"settled"`
	Ready   bool   `json:"ready"`
	ID      string `json:"id,omitempty"`
	WorkDir string `json:"work_dir,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, p *pool.Pool) (*MCPServer, error) {
	if p == nil {
		return nil, errors.New("sandbox pool is required")
	}

	s := &MCPServer{
		config: cfg,
		logger: logger,
		pool:   p,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("runner.max_concurrent_test_runners", cfg.Runner.MaxConcurrentTestRunners),
		zap.Strings("runner.transpilers", cfg.Runner.Transpilers),
		zap.String("runner.test_framework", cfg.Runner.TestFramework),
		zap.Int("runner.files", len(cfg.Runner.Files)),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
	)

	s.mcpServer = server.NewMCPServer("sandboxpool", "A bounded pool of test runner sandboxes")

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	noArgs := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{},
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolConcurrencyLimit,
		Description: "Report how many sandboxes the pool creates on this host",
		InputSchema: noArgs,
	}, s.handleConcurrencyLimit)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolStreamSandboxes,
		Description: "Create every sandbox concurrently and report each one as it becomes ready. Can only be called once.",
		InputSchema: noArgs,
	}, s.handleStreamSandboxes)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolPoolStatus,
		Description: "Report the state of every sandbox slot",
		InputSchema: noArgs,
	}, s.handlePoolStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolDisposeSandboxes,
		Description: "Wait for pending sandboxes and dispose all of them. Disposal continues if the request is cancelled.",
		InputSchema: noArgs,
	}, s.handleDisposeSandboxes)
}

func (s *MCPServer) handleConcurrencyLimit(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := LimitReport{
		Limit:                    s.pool.PlannedLimit(),
		MaxConcurrentTestRunners: s.config.Runner.MaxConcurrentTestRunners,
		Transpilers:              s.config.Runner.Transpilers,
	}
	return jsonResult(report, false)
}

func (s *MCPServer) handleStreamSandboxes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("sandbox streaming requested")

	sandboxes, err := s.pool.StreamSandboxes(ctx)
	if err != nil {
		s.logger.Warn("cannot stream sandboxes", zap.Error(err))
		return errorResult(fmt.Sprintf("Streaming failed: %v", err)), nil
	}

	report := StreamReport{Sandboxes: []SandboxReport{}}
	for sb, err := range sandboxes {
		if err != nil {
			s.logger.Error("sandbox streaming failed", zap.Error(err))
			report.Error = err.Error()
			return jsonResult(report, true)
		}
		report.Sandboxes = append(report.Sandboxes, SandboxReport{
			Slot:    sb.Slot(),
			ID:      sb.ID(),
			WorkDir: sb.WorkDir(),
		})
	}

	s.logger.Info("sandbox streaming completed", zap.Int("sandboxes", len(report.Sandboxes)))
	return jsonResult(report, false)
}

func (s *MCPServer) handlePoolStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slots := s.pool.Slots()
	reports := make([]SlotReport, 0, len(slots))
	for _, slot := range slots {
		r := SlotReport{
			Slot:    slot.Index,
			Settled: slot.Settled,
			Ready:   slot.Ready,
			ID:      slot.SandboxID,
			WorkDir: slot.WorkDir,
		}
		if slot.Err != nil {
			r.Error = slot.Err.Error()
		}
		reports = append(reports, r)
	}
	return jsonResult(reports, false)
}

func (s *MCPServer) handleDisposeSandboxes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("sandbox disposal requested")

	// Disposal outlives the request: a client that gives up only stops waiting.
	disposal := future.Go(func() (struct{}, error) {
		return struct{}{}, s.pool.DisposeAll(context.WithoutCancel(ctx))
	})
	if _, err := disposal.Await(ctx); err != nil {
		s.logger.Error("sandbox disposal failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Disposal failed: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: "All sandboxes disposed",
			},
		},
	}, nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Serve starts the transport selected by server.transport
func (s *MCPServer) Serve() error {
	if s.config.Server.Transport == "http" {
		return s.ServeHTTP()
	}
	return s.ServeStdio()
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
