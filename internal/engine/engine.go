// Package engine implements the Execution Engine: the orchestrator that
// drives signals through the Order FSM and open positions through the
// Risk Manager's exit ladder. Three long-running loops (signal, position,
// maintenance) share one process: panic-recovered background goroutines,
// semaphore-bounded concurrent checks, and ticker-driven monitor loops.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/config"
	"github.com/spbarathg/callsbotsimp/internal/console"
	"github.com/spbarathg/callsbotsimp/internal/lock"
	"github.com/spbarathg/callsbotsimp/internal/position"
	"github.com/spbarathg/callsbotsimp/internal/priceoracle"
	"github.com/spbarathg/callsbotsimp/internal/queue"
	"github.com/spbarathg/callsbotsimp/internal/risk"
	"github.com/spbarathg/callsbotsimp/internal/router"
	"github.com/spbarathg/callsbotsimp/internal/rpcgateway"
	"github.com/spbarathg/callsbotsimp/internal/signing"
	"github.com/spbarathg/callsbotsimp/internal/store"
)

// nativeDecimals is the atomic-unit exponent for wrapped SOL, the base
// asset every quote/swap is denominated against.
const nativeDecimals = 9

// RouterClient is the subset of *router.Client the engine drives. A
// fake satisfying this interface is enough to exercise the engine in
// tests without a network.
type RouterClient interface {
	Quote(ctx context.Context, inMint, outMint string, amountAtomic uint64) (*router.Quote, error)
	BuildSwap(ctx context.Context, q *router.Quote, payerPubkey string, priorityFeeLamports uint64) (string, error)
	SpotPrice(ctx context.Context, mint string) (float64, error)
}

// RPCClient is the subset of *rpcgateway.Client the engine drives.
type RPCClient interface {
	SubmitSignedTx(ctx context.Context, signedTxBase64 string, opts rpcgateway.SubmitOpts) (string, error)
	Confirm(ctx context.Context, txID string, deadline time.Duration) (*rpcgateway.ConfirmOutcome, error)
	HolderConcentration(ctx context.Context, mint string) (top1Pct, top10Pct float64, err error)
	GetTokenLargestAccounts(ctx context.Context, mint string) ([]rpcgateway.LargestHolder, error)
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
}

// Engine wires every component into the three cooperating loops: the
// signal loop, the position loop, and the maintenance loop.
type Engine struct {
	cfg    *config.Manager
	queue  queue.Queue
	store  *store.Store
	locker lock.Locker
	router RouterClient
	rpc    RPCClient
	signer signing.Oracle
	risk   *risk.Manager
	pos    *position.Tracker

	// fastConfirm optionally races the RPC Gateway's polling Confirm
	// against a push-based signatureSubscribe notification. Nil unless SetFastConfirmer is called.
	fastConfirm *priceoracle.FastConfirmer

	// priceFeed optionally tracks each held token's pool vault over the
	// WebSocket client, keeping the Router Client's spot-price cache warm
	// between polls. Nil unless SetPriceFeed is called.
	priceFeed *priceoracle.Feed

	baseMint string

	nativePriceMu      sync.Mutex
	nativePriceUSD     float64
	nativePriceFetched time.Time

	turbo sync.Map // assetID -> struct{}, guards against duplicate turbo loops

	// pendingAssets reserves an asset_id for the duration of one entry
	// attempt, closing the window between the position-table check and
	// the position-table insert when two signals for the same asset
	// arrive milliseconds apart.
	pendingAssets sync.Map

	wg sync.WaitGroup
}

// New builds an Engine, restoring the Position Manager and the Risk
// Manager's rolling PortfolioStats from the store.
func New(cfg *config.Manager, q queue.Queue, st *store.Store, locker lock.Locker, rc RouterClient, rpc RPCClient, signer signing.Oracle) (*Engine, error) {
	riskCfg := cfg.Get().Risk
	riskMgr := risk.NewManager(riskCfg)

	positions := position.NewTracker(st, riskCfg.MaxConcurrentPositions)
	if err := positions.Recover(); err != nil {
		return nil, fmt.Errorf("recover positions: %w", err)
	}

	since := time.Now().Add(-24 * time.Hour)
	trades, err := st.LoadTradesSince(float64(since.Unix()))
	if err != nil {
		return nil, fmt.Errorf("load trades for restore: %w", err)
	}
	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnLUSD
	}
	riskMgr.Restore(pnls, positions.Count())

	return &Engine{
		cfg:      cfg,
		queue:    q,
		store:    st,
		locker:   locker,
		router:   rc,
		rpc:      rpc,
		signer:   signer,
		risk:     riskMgr,
		pos:      positions,
		baseMint: cfg.Get().Wallet.BaseMint,
	}, nil
}

// SetFastConfirmer attaches an optional push-based confirmation path.
// Safe to call once before Run; confirmSubmission checks for nil.
func (e *Engine) SetFastConfirmer(fc *priceoracle.FastConfirmer) {
	e.fastConfirm = fc
}

// SetPriceFeed attaches an optional WebSocket price feed. Safe to call
// once before Run; every use checks for nil.
func (e *Engine) SetPriceFeed(feed *priceoracle.Feed) {
	e.priceFeed = feed
}

// trackPositionPrice subscribes the price feed to a freshly opened
// position's pool vault. On a bonding-curve/AMM token the largest token
// account is the pool's vault, so the concentration guard's RPC method
// doubles as the vault resolver. Anchoring the feed on the entry price
// lets every vault change produce a USD mark.
func (e *Engine) trackPositionPrice(assetID string, entryPriceUSD float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holders, err := e.rpc.GetTokenLargestAccounts(ctx, assetID)
	if err != nil || len(holders) == 0 {
		log.Debug().Err(err).Str("asset_id", assetID).Msg("no pool vault resolved, price feed skipped")
		return
	}

	e.priceFeed.SetPrice(assetID, entryPriceUSD)
	if err := e.priceFeed.Track(assetID, holders[0].Address); err != nil {
		log.Debug().Err(err).Str("asset_id", assetID).Msg("pool vault subscription failed")
	}
}

// Run starts the signal, position and maintenance loops and blocks
// until ctx is cancelled, then waits (bounded) for background work to
// drain.
func (e *Engine) Run(ctx context.Context) {
	console.Banner(e.signer.Address(), e.cfg.Get().Risk.MaxConcurrentPositions, !e.cfg.Get().Engine.SimulationMode)

	e.wg.Add(3)
	go e.runGuarded("signal loop", func() { e.signalLoop(ctx) })
	go e.runGuarded("position loop", func() { e.positionLoop(ctx) })
	go e.runGuarded("maintenance loop", func() { e.maintenanceLoop(ctx) })

	<-ctx.Done()
	log.Info().Msg("shutdown requested, draining loops")

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("loops did not drain within 10s, exiting anyway")
	}
}

func (e *Engine) runGuarded(name string, fn func()) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("loop", name).Msg("loop panicked, exiting")
		}
	}()
	fn()
}

// cachedNativePrice returns the USD price of the base mint, refreshed
// at most once every 10s — a dedicated cache separate from the Router
// Client's 5s quote-price cache.
func (e *Engine) cachedNativePrice(ctx context.Context) (float64, error) {
	e.nativePriceMu.Lock()
	if time.Since(e.nativePriceFetched) < 10*time.Second && e.nativePriceUSD > 0 {
		price := e.nativePriceUSD
		e.nativePriceMu.Unlock()
		return price, nil
	}
	e.nativePriceMu.Unlock()

	price, err := e.router.SpotPrice(ctx, e.baseMint)
	if err != nil {
		return 0, err
	}

	e.nativePriceMu.Lock()
	e.nativePriceUSD = price
	e.nativePriceFetched = time.Now()
	e.nativePriceMu.Unlock()
	return price, nil
}
