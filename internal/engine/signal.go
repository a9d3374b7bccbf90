package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/config"
	"github.com/spbarathg/callsbotsimp/internal/console"
	"github.com/spbarathg/callsbotsimp/internal/metrics"
	"github.com/spbarathg/callsbotsimp/internal/order"
	"github.com/spbarathg/callsbotsimp/internal/position"
	"github.com/spbarathg/callsbotsimp/internal/queue"
	"github.com/spbarathg/callsbotsimp/internal/router"
	"github.com/spbarathg/callsbotsimp/internal/rpcgateway"
)

// signalLoop reads batches off the Signal Queue and hands each entry to
// processSignal in its own goroutine, bounded by max_concurrent_checks
// — the concurrency shape that lets dozens of independent position
// lifecycles proceed in parallel while per-asset mutual exclusion
// (the in-memory Position check plus the Distributed Lock Service)
// keeps duplicate signals for the same asset from racing each other.
func (e *Engine) signalLoop(ctx context.Context) {
	sem := make(chan struct{}, e.cfg.Get().Engine.MaxConcurrentChecks)
	var inflight sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return
		default:
		}

		cfg := e.cfg.Get()
		entries, err := e.queue.ReadNew(ctx, cfg.Queue.BatchSize, cfg.Queue.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				inflight.Wait()
				return
			}
			log.Warn().Err(err).Msg("signal queue read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, entry := range entries {
			entry := entry
			sem <- struct{}{}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("signal_id", entry.Signal.SignalID).Msg("signal processing panicked")
					}
				}()
				e.handleEntry(ctx, entry)
			}()
		}
	}
}

// handleEntry enforces the ack invariant: the signal is only acked
// after a durable terminal or processed-marker record exists for it.
func (e *Engine) handleEntry(ctx context.Context, entry queue.Entry) {
	sig := entry.Signal

	already, err := e.store.HasProcessed(sig.SignalID)
	if err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("idempotency check failed, leaving unacked")
		return
	}
	if already {
		_ = e.queue.Ack(ctx, entry.MsgID)
		return
	}

	if err := e.processSignal(ctx, sig); err != nil {
		log.Warn().Err(err).Str("signal_id", sig.SignalID).Str("asset_id", sig.AssetID).Msg("signal processing failed")
	}

	if err := e.store.MarkProcessed(sig.SignalID); err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("failed to mark signal processed, leaving unacked")
		return
	}
	_ = e.queue.Ack(ctx, entry.MsgID)
}

// processSignal runs the full entry pipeline: admission, lock, pre-trade
// gates, quote, build, sign, submit, optimistic confirmation, and a
// background confirmer. A non-nil error is only logged by the caller; it
// never represents a retryable condition the caller should act on. Most
// error paths take the order to FAILED first; when persisting a forward
// transition fails, the order is left at its last persisted state.
func (e *Engine) processSignal(ctx context.Context, sig queue.Signal) error {
	tracker := metrics.NewLatencyTracker()

	if e.pos.Has(sig.AssetID) {
		return nil // already holding this asset; skip silently
	}
	if _, busy := e.pendingAssets.LoadOrStore(sig.AssetID, struct{}{}); busy {
		return nil // a concurrent entry attempt for this asset is in flight
	}
	defer e.pendingAssets.Delete(sig.AssetID)

	cfg := e.cfg.Get()
	ok, reason := e.risk.CanOpen(sig, cfg.Risk.EstimatedAccountValueUSD)
	if !ok {
		log.Debug().Str("asset_id", sig.AssetID).Str("reason", reason).Msg("entry rejected by risk manager")
		return nil
	}

	fsm, err := order.New(e.store, sig.SignalID, sig.AssetID)
	if err != nil {
		return fmt.Errorf("build order fsm: %w", err)
	}
	switch {
	case fsm.IsTerminal():
		return nil
	case fsm.Current() == "":
		if err := fsm.Transition(order.StatePending); err != nil {
			return fmt.Errorf("transition to PENDING: %w", err)
		}
		metrics.OrdersStarted.Inc()
	default:
		// A persisted non-terminal state means a previous run crashed
		// mid-flight. Without a durable CONFIRMED there is no position to
		// resume, and re-running the pipeline risks a second submit, so
		// the order resolves to FAILED.
		stale := fsm.Current()
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		log.Warn().Str("signal_id", sig.SignalID).Str("state", string(stale)).
			Msg("order found mid-flight from a previous run, failing it")
		return nil
	}

	lockKey := sig.AssetID + ":" + sig.SignalID
	acquired, err := e.locker.Acquire(ctx, lockKey, cfg.Lock.TTLMs)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil // another worker already owns this asset/signal pair
	}
	defer e.locker.Release(ctx, lockKey)

	if fail, reason := e.preTradeGates(ctx, sig, cfg); fail {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		log.Info().Str("asset_id", sig.AssetID).Str("reason", reason).Msg("entry rejected by pre-trade gate")
		return nil
	}

	nativePriceUSD, err := e.cachedNativePrice(ctx)
	if err != nil || nativePriceUSD <= 0 {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("fetch native price: %w", err)
	}

	sizeUSD := cfg.Risk.BasePositionSizeUSD
	amountAtomic := uint64(math.Floor(sizeUSD / nativePriceUSD * math.Pow10(nativeDecimals)))
	if amountAtomic == 0 {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("computed zero-size entry for %.2f USD", sizeUSD)
	}

	tracker.MarkQuoteRequested()
	quote, err := e.router.Quote(ctx, e.baseMint, sig.AssetID, amountAtomic)
	tracker.MarkQuoteReceived()
	if err != nil || quote == nil {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("quote: %w", err)
	}

	maxImpactPct := float64(cfg.Router.MaxImpactBps) / 100.0
	if err := router.Validate(quote, maxImpactPct); err != nil {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("quote validation: %w", err)
	}
	if err := fsm.Transition(order.StateQuoted); err != nil {
		return fmt.Errorf("transition to QUOTED: %w", err)
	}

	unsignedTx, err := e.router.BuildSwap(ctx, quote, e.signer.Address(), cfg.Fees.PriorityFeeLamports)
	if err != nil {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("build swap: %w", err)
	}

	if tracker.HotPathMsSoFar() > float64(cfg.Engine.HotPathBudgetMs) {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		metrics.OrdersAbortedLatency.Inc()
		return fmt.Errorf("hot path budget exceeded before signing")
	}

	signedTx, err := e.signer.Sign(unsignedTx)
	tracker.MarkSigned()
	if err != nil {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("sign: %w", err)
	}
	if err := fsm.Transition(order.StateSigned); err != nil {
		return fmt.Errorf("transition to SIGNED: %w", err)
	}

	var txID string
	if cfg.Engine.SimulationMode {
		txID = "sim-" + sig.SignalID
	} else {
		txID, err = e.rpc.SubmitSignedTx(ctx, signedTx, rpcgateway.SubmitOpts{})
	}
	tracker.MarkSubmitted()
	if err != nil {
		_ = fsm.Transition(order.StateFailed)
		metrics.OrdersFailed.Inc()
		return fmt.Errorf("submit: %w", err)
	}
	if err := fsm.Transition(order.StateSubmitted); err != nil {
		return fmt.Errorf("transition to SUBMITTED: %w", err)
	}

	entryPriceUSD := (sizeUSD / float64(quote.OutAmount)) * math.Pow10(quote.OutputDecimals)

	pos := &position.Position{
		AssetID:               sig.AssetID,
		SignalID:              sig.SignalID,
		EntryPriceUSD:         entryPriceUSD,
		EntryTime:             time.Now(),
		SizeUSD:               sizeUSD,
		SizeTokensAtomic:      quote.OutAmount,
		RemainingTokensAtomic: quote.OutAmount,
		TokenDecimals:         quote.OutputDecimals,
		EntryTxID:             txID,
		PeakPriceUSD:          entryPriceUSD,
		PeakMultiple:          1.0,
		TiersHit:              make(map[int]bool),
		Status:                position.StatusActive,
		RiskScore:             sig.RiskScore,
		RiskFlags:             sig.RiskFlags,
		LPLocked:              sig.IsLPLocked(),
	}
	pos.StopLossPriceUSD = e.risk.StopLossPrice(entryPriceUSD, sig)
	pos.TimeStopMinutes = e.risk.TimeStopMinutes(sig)

	if err := e.pos.Add(pos); err != nil {
		log.Error().Err(err).Str("asset_id", sig.AssetID).Msg("failed to persist new position")
	}

	// CONFIRMED is applied optimistically right after submit; a
	// background confirmer may still downgrade it to FAILED if the
	// transaction never lands.
	if err := fsm.Transition(order.StateConfirmed); err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("failed to persist optimistic CONFIRMED")
	}
	metrics.OrdersConfirmed.Inc()
	e.risk.RecordPositionOpened()
	console.PositionOpened(sig.AssetID, sizeUSD, entryPriceUSD)

	if e.priceFeed != nil {
		e.wg.Add(1)
		go e.runGuarded("feed:"+sig.AssetID, func() {
			e.trackPositionPrice(sig.AssetID, entryPriceUSD)
		})
	}

	if cfg.Engine.SimulationMode {
		tracker.MarkConfirmed()
		tracker.Finish()
		return nil
	}

	e.wg.Add(1)
	go e.runGuarded("confirmer:"+sig.SignalID, func() {
		e.confirmSubmission(sig.SignalID, sig.AssetID, txID, tracker)
	})

	return nil
}

// preTradeGates checks the upstream risk flags (honeypot, blacklist,
// high_tax) and, when enabled, the on-chain top-holder concentration
// micro-guard.
func (e *Engine) preTradeGates(ctx context.Context, sig queue.Signal, cfg *config.Config) (bool, string) {
	for _, flag := range []string{"honeypot", "blacklist", "high_tax"} {
		if sig.HasRiskFlag(flag) {
			return true, "risk flag: " + flag
		}
	}

	if !cfg.PreTrade.Enabled {
		return false, ""
	}

	guardCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PreTrade.BudgetMs)*time.Millisecond)
	defer cancel()

	top1Pct, top10Pct, err := e.rpc.HolderConcentration(guardCtx, sig.AssetID)
	if err != nil {
		if strings.EqualFold(cfg.PreTrade.FailMode, "hard") {
			return true, "concentration guard unavailable: " + err.Error()
		}
		log.Debug().Err(err).Str("asset_id", sig.AssetID).Msg("concentration guard failed open (soft fail mode)")
		return false, ""
	}

	if top1Pct >= cfg.PreTrade.Top1MaxPct {
		return true, fmt.Sprintf("top holder owns %.1f%% of supply", top1Pct)
	}
	if top10Pct >= cfg.PreTrade.Top10MaxPct {
		return true, fmt.Sprintf("top 10 holders own %.1f%% of supply", top10Pct)
	}
	return false, ""
}

// confirmSubmission is the background confirmer spawned after an
// optimistic CONFIRMED: it polls the RPC Gateway until the transaction
// lands or the confirm deadline elapses, downgrading the Order FSM and
// evicting the Position if it never confirms.
func (e *Engine) confirmSubmission(signalID, assetID, txID string, tracker *metrics.LatencyTracker) {
	cfg := e.cfg.Get()
	deadline := time.Duration(cfg.Engine.ConfirmDeadlineSec) * time.Second

	confirmed, err := e.waitConfirmed(txID, deadline)
	if err != nil {
		log.Warn().Err(err).Str("signal_id", signalID).Msg("confirm poll errored")
		return
	}

	if confirmed {
		tracker.MarkConfirmed()
		tracker.Finish()
		return
	}

	tracker.Finish()
	log.Warn().Str("signal_id", signalID).Str("asset_id", assetID).
		Msg("submitted transaction never confirmed, reverting position")

	fsm, err := order.New(e.store, signalID, assetID)
	if err == nil {
		_ = fsm.Transition(order.StateFailed)
	}
	metrics.OrdersFailed.Inc()

	if p := e.pos.Remove(assetID); p != nil {
		p.Close(position.StatusFailed, 0)
		_ = e.pos.PersistStatus(p)
		e.risk.RecordPositionClosed(0)
		if e.priceFeed != nil {
			e.priceFeed.Untrack(assetID)
		}
	}
}

// waitConfirmed reports whether txID confirmed within deadline, racing
// the RPC Gateway's polling Confirm against the Price Oracle's
// push-based signature subscription when one is attached — whichever
// resolves first wins.
func (e *Engine) waitConfirmed(txID string, deadline time.Duration) (bool, error) {
	if e.fastConfirm == nil {
		outcome, err := e.rpc.Confirm(context.Background(), txID, deadline)
		if err != nil {
			return false, err
		}
		return outcome.Confirmed, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	type result struct {
		confirmed bool
		err       error
	}
	results := make(chan result, 2)

	go func() {
		outcome, err := e.rpc.Confirm(ctx, txID, deadline)
		if err != nil {
			results <- result{err: err}
			return
		}
		results <- result{confirmed: outcome.Confirmed}
	}()
	go func() {
		outcome, err := e.fastConfirm.Wait(ctx, txID)
		if err != nil {
			results <- result{err: err}
			return
		}
		results <- result{confirmed: outcome.Confirmed}
	}()

	first := <-results
	if first.err == nil {
		return first.confirmed, nil
	}
	// First path errored (e.g. fast-confirm subscribe failure or ctx
	// cancellation); fall back to the second result before giving up.
	second := <-results
	return second.confirmed, second.err
}
