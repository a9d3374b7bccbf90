package rpcgateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/metrics"
)

// blockhashEntry is one prefetched getLatestBlockhash result.
type blockhashEntry struct {
	hash                 string
	lastValidBlockHeight uint64
	fetchedAt            time.Time
}

// BlockhashCache keeps a recent blockhash on hand so nothing on the
// order path ever waits on a getLatestBlockhash round trip. A background
// loop refreshes the entry on a fixed interval; Get serves whatever is
// on hand while it is younger than the TTL, kicking off an asynchronous
// refresh once the entry passes half that age, and only fetches
// synchronously when the prefetcher has been failing for a full TTL.
//
// The entry's lastValidBlockHeight doubles as the expiry horizon the
// confirmation poll uses to abandon transactions whose blockhash can no
// longer land (see Client.Confirm). Served/fetched/failed counts and the
// current horizon are exported through the metrics package; staleness is
// surfaced by the health checker via Stale.
type BlockhashCache struct {
	client   *Client
	ttl      time.Duration
	interval time.Duration

	entry      atomic.Pointer[blockhashEntry]
	refreshing atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBlockhashCache builds a cache refreshed every interval whose entry
// is servable for ttl.
func NewBlockhashCache(client *Client, interval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{client: client, interval: interval, ttl: ttl, stopCh: make(chan struct{})}
}

// Start performs the initial synchronous fetch and launches the
// background refresh loop.
func (c *BlockhashCache) Start() error {
	if err := c.refresh(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.loop()
	log.Info().Dur("interval", c.interval).Dur("ttl", c.ttl).Msg("blockhash prefetcher started")
	return nil
}

// Stop halts the refresh loop and waits for it to exit.
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns a servable blockhash. Past half the TTL the entry is still
// served but a refresh starts in the background; past the full TTL the
// caller pays a synchronous fetch.
func (c *BlockhashCache) Get(ctx context.Context) (string, error) {
	if entry := c.entry.Load(); entry != nil {
		age := time.Since(entry.fetchedAt)
		if age < c.ttl {
			if age > c.ttl/2 && c.refreshing.CompareAndSwap(false, true) {
				go func() {
					defer c.refreshing.Store(false)
					if err := c.refresh(); err != nil {
						metrics.BlockhashRefreshFailures.Inc()
						log.Warn().Err(err).Msg("refresh-ahead blockhash fetch failed")
					}
				}()
			}
			metrics.BlockhashServedCached.Inc()
			return entry.hash, nil
		}
	}

	metrics.BlockhashSyncFetches.Inc()
	log.Warn().Msg("blockhash entry aged out, fetching synchronously")
	if err := c.refresh(); err != nil {
		return "", err
	}
	return c.entry.Load().hash, nil
}

// ExpiryHorizon returns the lastValidBlockHeight of the entry on hand,
// or 0 when nothing has been fetched yet. A transaction submitted
// against the current hash cannot land once the chain passes this
// height.
func (c *BlockhashCache) ExpiryHorizon() uint64 {
	if entry := c.entry.Load(); entry != nil {
		return entry.lastValidBlockHeight
	}
	return 0
}

// Stale reports whether the refresh loop has let the entry age past the
// TTL, the condition the health checker marks the RPC Gateway degraded
// on.
func (c *BlockhashCache) Stale() bool {
	entry := c.entry.Load()
	return entry == nil || time.Since(entry.fetchedAt) >= c.ttl
}

func (c *BlockhashCache) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.refresh(); err != nil {
				metrics.BlockhashRefreshFailures.Inc()
				log.Warn().Err(err).Msg("blockhash prefetch failed")
			}
		}
	}
}

func (c *BlockhashCache) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := c.client.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}

	c.entry.Store(&blockhashEntry{
		hash:                 result.Blockhash,
		lastValidBlockHeight: result.LastValidBlockHeight,
		fetchedAt:            time.Now(),
	})
	metrics.BlockhashExpiryHeight.Set(float64(result.LastValidBlockHeight))
	return nil
}
