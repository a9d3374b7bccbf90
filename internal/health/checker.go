// Package health runs a periodic component health checker against the
// system's external dependencies: the RPC Gateway (reachable via a
// blockhash fetch) and the Signal Queue (reachable via a Redis ping).
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/spbarathg/callsbotsimp/internal/queue"
	"github.com/spbarathg/callsbotsimp/internal/rpcgateway"
)

// Status represents the health status of a component
type Status struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Error   string
}

// pinger is satisfied by queue.RedisQueue; fakes and the in-memory queue
// used outside production may omit it, in which case the queue check is
// skipped rather than reported unhealthy.
type pinger interface {
	Ping(ctx context.Context) error
}

// Checker periodically checks health of system components
type Checker struct {
	mu       sync.RWMutex
	statuses []Status
	rpc      *rpcgateway.Client
	queue    queue.Queue
	bundleURL string // optional; empty disables the bundle relay check

	// blockhash, when set, degrades the rpc_gateway status if the
	// prefetcher has gone stale even while the endpoint is reachable.
	blockhash *rpcgateway.BlockhashCache
}

// NewChecker creates a new health checker over the RPC Gateway and Signal
// Queue, plus an optional bundle relay endpoint.
func NewChecker(rpc *rpcgateway.Client, q queue.Queue, bundleURL string) *Checker {
	return &Checker{rpc: rpc, queue: q, bundleURL: bundleURL}
}

// SetBlockhashCache adds the blockhash prefetcher's staleness to the RPC
// Gateway health signal.
func (c *Checker) SetBlockhashCache(cache *rpcgateway.BlockhashCache) {
	c.blockhash = cache
}

// Start begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check(ctx)
			}
		}
	}()

	c.check(ctx)
}

func (c *Checker) check(ctx context.Context) {
	var statuses []Status
	statuses = append(statuses, c.checkRPC(ctx))
	if s, ok := c.checkQueue(ctx); ok {
		statuses = append(statuses, s)
	}
	if c.bundleURL != "" {
		statuses = append(statuses, c.checkBundleRelay())
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) checkRPC(ctx context.Context) Status {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.rpc.GetLatestBlockhash(reqCtx)
	status := Status{Name: "rpc_gateway", Latency: time.Since(start), Healthy: err == nil}
	if err != nil {
		status.Error = err.Error()
	}
	if status.Healthy && c.blockhash != nil && c.blockhash.Stale() {
		status.Healthy = false
		status.Error = "blockhash prefetcher stale"
	}
	return status
}

func (c *Checker) checkQueue(ctx context.Context) (Status, bool) {
	p, ok := c.queue.(pinger)
	if !ok {
		return Status{}, false
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.Ping(reqCtx)
	status := Status{Name: "signal_queue", Latency: time.Since(start), Healthy: err == nil}
	if err != nil {
		status.Error = err.Error()
	}
	return status, true
}

func (c *Checker) checkBundleRelay() Status {
	start := time.Now()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(c.bundleURL)
	if resp != nil {
		resp.Body.Close()
	}
	status := Status{Name: "bundle_relay", Latency: time.Since(start), Healthy: err == nil}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// GetStatuses returns current health statuses
func (c *Checker) GetStatuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses
}
