package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same contract as
// RedisQueue. It is the "no remote store configured" backend for
// single-process deployments and tests, mirroring the Distributed Lock
// Service's null backend.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Entry
	nextID  int64
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Put enqueues a signal, assigning it a monotonically increasing message ID.
func (q *MemoryQueue) Put(_ context.Context, s Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.pending = append(q.pending, Entry{MsgID: strconv.FormatInt(q.nextID, 10), Signal: s})
	return nil
}

// ReadNew drains up to count pending entries, blocking up to blockMs if
// none are immediately available.
func (q *MemoryQueue) ReadNew(ctx context.Context, count int64, blockMs int) ([]Entry, error) {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			n := int64(len(q.pending))
			if n > count {
				n = count
			}
			out := make([]Entry, n)
			copy(out, q.pending[:n])
			q.pending = q.pending[n:]
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Ack is a no-op: the memory queue removes entries from the pending set on
// read, so there is nothing further to acknowledge.
func (q *MemoryQueue) Ack(context.Context, string) error { return nil }

// Trim is a no-op for the in-memory backend.
func (q *MemoryQueue) Trim(context.Context, int64) error { return nil }

// Close is a no-op for the in-memory backend.
func (q *MemoryQueue) Close() error { return nil }
