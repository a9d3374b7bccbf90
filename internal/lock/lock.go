// Package lock implements the Distributed Lock Service:
// per-asset mutual exclusion keyed by (asset_id, signal_id) with a TTL, to
// prevent duplicate orders on the same asset across workers.
package lock

import "context"

// Locker is the Distributed Lock Service contract.
type Locker interface {
	// Acquire attempts a single atomic set-if-absent with expiry. It
	// returns true iff the lock was newly acquired.
	Acquire(ctx context.Context, key string, ttl int) (bool, error)
	// Release deletes key, best-effort.
	Release(ctx context.Context, key string) error
}
