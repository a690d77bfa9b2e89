// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server wraps a single pool.Pool and registers four tools:
// concurrency_limit, stream_sandboxes, pool_status and dispose_sandboxes.
// stream_sandboxes can only succeed once per pool.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, sandboxPool)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
