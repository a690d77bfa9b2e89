// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by the pool, the sandbox
// backends and the servers. Logs are written to stderr so they never mix
// with the MCP stdio stream.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("pool started", zap.Int("limit", 4))
package logger
