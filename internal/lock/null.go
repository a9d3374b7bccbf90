package lock

import "context"

// NullLocker acquires unconditionally. Single-process deployments remain
// correct without a remote store because the Execution Engine also checks
// its in-memory position table before acquiring.
type NullLocker struct{}

// Acquire always succeeds.
func (NullLocker) Acquire(context.Context, string, int) (bool, error) { return true, nil }

// Release is a no-op.
func (NullLocker) Release(context.Context, string) error { return nil }
