// Package sandbox defines the sandbox contract consumed by the pool and
// provides the backends that implement it.
//
// A Sandbox is an isolated environment hosting one test runner. Sandboxes
// are created by a Factory and released with Dispose. Each sandbox gets a
// private working directory holding the input files and a .sandbox.yaml
// manifest. Backends:
//
//   - local: the working directory alone (development only)
//   - docker, podman: a detached container with the working directory
//     mounted at /workdir
//
// Usage:
//
//	factory, err := sandbox.NewFactory(logger, cfg)
//	sb, err := factory.Create(ctx, cfg, 0, files, sandbox.NewTestFramework(cfg))
//	defer sb.Dispose(ctx)
package sandbox
