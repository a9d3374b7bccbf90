package engine

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/console"
	"github.com/spbarathg/callsbotsimp/internal/metrics"
	"github.com/spbarathg/callsbotsimp/internal/order"
	"github.com/spbarathg/callsbotsimp/internal/position"
	"github.com/spbarathg/callsbotsimp/internal/risk"
	"github.com/spbarathg/callsbotsimp/internal/router"
	"github.com/spbarathg/callsbotsimp/internal/rpcgateway"
	"github.com/spbarathg/callsbotsimp/internal/store"
)

// positionLoop polls every open position at price_check_interval_ms,
// evaluating the exit ladder and firing sells through the same
// quote/build/sign/submit pipeline as entries. Checks across positions
// run concurrently, bounded by max_concurrent_checks.
func (e *Engine) positionLoop(ctx context.Context) {
	for {
		cfg := e.cfg.Get()
		interval := time.Duration(cfg.Engine.PriceCheckIntervalMs) * time.Millisecond

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		positions := e.pos.All()
		if len(positions) == 0 {
			continue
		}

		sem := make(chan struct{}, cfg.Engine.MaxConcurrentChecks)
		for _, pos := range positions {
			pos := pos
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("asset_id", pos.AssetID).Msg("position check panicked")
					}
				}()
				e.checkPosition(ctx, pos)
			}()
		}
	}
}

// checkPosition fetches the current price, evaluates the exit ladder
// once, and — if the price sits within near_stop_delta_pct of the
// active stop — hands the position to a tighter turbo loop instead of
// waiting for the next regular tick.
func (e *Engine) checkPosition(ctx context.Context, pos *position.Position) {
	cfg := e.cfg.Get()
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	price, err := e.router.SpotPrice(reqCtx, pos.AssetID)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("asset_id", pos.AssetID).Msg("spot price fetch failed")
		return
	}
	if e.priceFeed != nil {
		// Re-anchor the vault-derived feed on every polled mark so its
		// constant-product extrapolation never drifts far from a real
		// quote.
		e.priceFeed.SetPrice(pos.AssetID, price)
	}

	if e.evaluateExit(ctx, pos, price) {
		return
	}

	snap := pos.Snapshot()
	if snap.StopLossPriceUSD <= 0 {
		return
	}
	delta := math.Abs(price-snap.StopLossPriceUSD) / snap.StopLossPriceUSD
	if delta <= cfg.Engine.NearStopDeltaPct {
		e.maybeStartTurbo(ctx, pos)
	}
}

// maybeStartTurbo launches a tight near_stop_check_ms polling loop for
// pos, exiting once the position closes or the price moves back out of
// the near-stop band. Only one turbo loop runs per asset at a time.
func (e *Engine) maybeStartTurbo(ctx context.Context, pos *position.Position) {
	if _, already := e.turbo.LoadOrStore(pos.AssetID, struct{}{}); already {
		return
	}

	e.wg.Add(1)
	go e.runGuarded("turbo:"+pos.AssetID, func() {
		defer e.turbo.Delete(pos.AssetID)
		e.turboLoop(ctx, pos)
	})
}

func (e *Engine) turboLoop(ctx context.Context, pos *position.Position) {
	for {
		cfg := e.cfg.Get()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(cfg.Engine.NearStopCheckMs) * time.Millisecond):
		}

		if !e.pos.Has(pos.AssetID) {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		price, err := e.router.SpotPrice(reqCtx, pos.AssetID)
		cancel()
		if err != nil {
			continue
		}

		if e.evaluateExit(ctx, pos, price) {
			return
		}

		snap := pos.Snapshot()
		if snap.StopLossPriceUSD <= 0 {
			return
		}
		delta := math.Abs(price-snap.StopLossPriceUSD) / snap.StopLossPriceUSD
		if delta > cfg.Engine.NearStopDeltaPct {
			return // price moved back out of the near-stop band
		}
	}
}

// evaluateExit applies one round of the exit ladder to pos at price,
// executing a sell if the ladder fires. Returns true if the position
// was fully closed (no further checks should run against it).
func (e *Engine) evaluateExit(ctx context.Context, pos *position.Position, price float64) bool {
	pos.UpdatePrice(price)
	snap := pos.Snapshot()

	decision := e.risk.ShouldExit(risk.PositionView{
		EntryPrice:        snap.EntryPriceUSD,
		StopLossPrice:     snap.StopLossPriceUSD,
		PeakPrice:         snap.PeakPriceUSD,
		EntryTime:         snap.EntryTime,
		IsDerisked:        snap.IsDerisked,
		RunnerPeakPrice:   snap.RunnerPeakPrice,
		TiersHit:          snap.TiersHit,
		LastPartialSellTS: snap.LastPartialSellTS,
		RemainingFraction: pos.RemainingFraction(),
		TimeStopMinutes:   snap.TimeStopMinutes,
	}, price)

	if decision.NewRunnerPeak > 0 {
		pos.UpdateRunnerPeak(decision.NewRunnerPeak)
	}

	if !decision.ShouldExit {
		return false
	}

	return e.executeSell(ctx, pos, decision, price)
}

// executeSell runs a partial or full exit through the same
// quote/build/sign/submit pipeline as an entry, then folds the result
// back into the Position, the Risk Manager and the Store.
func (e *Engine) executeSell(ctx context.Context, pos *position.Position, decision risk.ExitDecision, currentPrice float64) bool {
	cfg := e.cfg.Get()

	if pos.RemainingFraction() <= 0 {
		return true
	}

	// decision.Fraction is relative to the REMAINING tokens: 1.0 always
	// means a full exit of whatever is left.
	fraction := decision.Fraction
	if fraction > 1 {
		fraction = 1
	}

	snap := pos.Snapshot()
	sellAtomic := uint64(math.Floor(float64(snap.RemainingTokensAtomic) * fraction))
	if sellAtomic == 0 {
		return false
	}

	quote, err := e.router.Quote(ctx, pos.AssetID, e.baseMint, sellAtomic)
	if err != nil || quote == nil {
		log.Warn().Err(err).Str("asset_id", pos.AssetID).Msg("sell quote failed")
		return false
	}
	if err := router.Validate(quote, float64(cfg.Router.MaxImpactBps)/100.0); err != nil {
		log.Warn().Err(err).Str("asset_id", pos.AssetID).Msg("sell quote validation failed")
		return false
	}

	unsignedTx, err := e.router.BuildSwap(ctx, quote, e.signer.Address(), cfg.Fees.PriorityFeeLamports)
	if err != nil {
		log.Warn().Err(err).Str("asset_id", pos.AssetID).Msg("sell build failed")
		return false
	}
	signedTx, err := e.signer.Sign(unsignedTx)
	if err != nil {
		log.Warn().Err(err).Str("asset_id", pos.AssetID).Msg("sell sign failed")
		return false
	}
	if !cfg.Engine.SimulationMode {
		if _, err := e.rpc.SubmitSignedTx(ctx, signedTx, rpcgateway.SubmitOpts{}); err != nil {
			log.Warn().Err(err).Str("asset_id", pos.AssetID).Msg("sell submit failed")
			return false
		}
	}

	// A failed sell leaves the position untouched and retriable on the
	// next tick, so the de-risking flag only flips once the sell landed.
	if decision.MarkDerisked {
		pos.MarkDerisked(currentPrice)
	}

	soldValueUSD := float64(sellAtomic) / math.Pow10(snap.TokenDecimals) * currentPrice
	if nativePriceUSD, err := e.cachedNativePrice(ctx); err == nil && nativePriceUSD > 0 {
		// Price the fill at what the swap actually returned rather than
		// the last observed spot mark, when the native-token price is
		// available.
		soldValueUSD = float64(quote.OutAmount) / math.Pow10(quote.OutputDecimals) * nativePriceUSD
	}
	costBasisUSD := snap.SizeUSD * float64(sellAtomic) / float64(snap.SizeTokensAtomic)
	realizedPnL := soldValueUSD - costBasisUSD

	pos.RecordPartialSell(decision.TierHit, sellAtomic)
	pos.AddRealizedPnL(realizedPnL)

	// Exit fills are recorded as the fraction of the ORIGINAL size so
	// the per-signal sum stays <= 1.0 across the whole ladder.
	fractionOfOriginal := float64(sellAtomic) / float64(snap.SizeTokensAtomic)
	_ = e.store.RecordExit(snap.SignalID, snap.AssetID, fractionOfOriginal)

	if pos.RemainingFraction() > 0 {
		_ = e.pos.PersistStatus(pos)
		return false
	}

	final := pos.Snapshot()
	pos.Close(position.StatusCompleted, final.RealizedPnLUSD)
	e.pos.Remove(snap.AssetID)
	_ = e.pos.PersistStatus(pos)
	if e.priceFeed != nil {
		e.priceFeed.Untrack(snap.AssetID)
	}

	e.risk.RecordPositionClosed(final.RealizedPnLUSD)
	metrics.TradesTotal.Inc()
	if final.RealizedPnLUSD > 0 {
		metrics.TradesWon.Inc()
	}

	now := time.Now()
	_ = e.store.RecordTrade(store.TradeRow{
		SignalID:        final.SignalID,
		AssetID:         final.AssetID,
		EntryTime:       float64(final.EntryTime.Unix()),
		ExitTime:        float64(now.Unix()),
		EntryPrice:      final.EntryPriceUSD,
		ExitPrice:       currentPrice,
		SizeUSD:         final.SizeUSD,
		PnLUSD:          final.RealizedPnLUSD,
		PnLPct:          final.RealizedPnLUSD / final.SizeUSD,
		ExitReason:      string(decision.Reason),
		DurationMinutes: now.Sub(final.EntryTime).Minutes(),
		PeakMultiple:    final.PeakMultiple,
	})

	fsm, err := order.New(e.store, final.SignalID, final.AssetID)
	if err == nil {
		_ = fsm.Transition(order.StateClosed)
	}

	console.PositionClosed(final.AssetID, string(decision.Reason), final.RealizedPnLUSD)
	return true
}
