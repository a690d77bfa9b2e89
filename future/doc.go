// Package future provides a single-assignment synchronization handle.
//
// A Future is created unsettled and is settled exactly once by its producer,
// either with a value (Resolve) or an error (Reject). Any number of goroutines
// may wait on it; they all observe the same outcome. Settling an already
// settled Future is a no-op.
//
// Usage:
//
//	f := future.Go(func() (*Conn, error) {
//	    return dial(addr)
//	})
//	conn, err := f.Await(ctx)
package future
