// Package pool orchestrates a bounded set of concurrently created sandboxes
// for a parallel test runner.
//
// The concurrency limit is computed on the first StreamSandboxes call from
// the live CPU count, runner.max_concurrent_test_runners and whether a
// transpiler is configured (see ComputeLimit). All sandboxes are then created
// at once and yielded in completion order.
//
// Teardown is race-free: every creation is registered before it settles, and
// DisposeAll first waits for all of them, so a sandbox that is still being
// created when teardown starts is disposed rather than leaked.
//
// Usage:
//
//	p := pool.New(logger, cfg, framework, files, factory)
//	defer p.DisposeAll(ctx)
//
//	sandboxes, err := p.StreamSandboxes(ctx)
//	if err != nil {
//	    return err
//	}
//	for sb, err := range sandboxes {
//	    if err != nil {
//	        return err
//	    }
//	    go runTests(sb)
//	}
package pool
