// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers the test runner settings that
// bound the sandbox pool, the sandbox backend, the server transport,
// logging and metrics.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Max runners: %d\n", cfg.Runner.MaxConcurrentTestRunners)
package config
