// Package main is the entry point for the sandboxpool command.
//
// sandboxpool creates a bounded set of sandboxes for a parallel test runner,
// one per concurrency slot, and disposes them together. The serve command
// exposes the pool over MCP (stdio or HTTP), warm creates every sandbox once
// and tears them down, and limit prints how many sandboxes would be created.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, cobra for the command line, zap for structured logging and viper
// for configuration.
package main
