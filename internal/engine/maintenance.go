package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/console"
	"github.com/spbarathg/callsbotsimp/internal/metrics"
)

// priceCacheClearer is satisfied by *router.Client; fakes used in tests
// may omit it, in which case maintenanceLoop simply skips that step.
type priceCacheClearer interface {
	ClearPriceCache()
}

// maintenanceLoop runs housekeeping every maintenance_every_min
// minutes: trimming the Signal Queue, clearing the Router Client's
// spot-price cache, and printing a status line.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	for {
		cfg := e.cfg.Get()
		interval := time.Duration(cfg.Engine.MaintenanceEveryMin) * time.Minute

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := e.queue.Trim(ctx, cfg.Queue.TrimMaxLen); err != nil {
			log.Warn().Err(err).Msg("queue trim failed")
		}

		if clearer, ok := e.router.(priceCacheClearer); ok {
			clearer.ClearPriceCache()
		}

		if e.risk.ResetDailyIfDue() {
			log.Info().Msg("daily portfolio stats reset")
		}

		stats := e.risk.Stats()
		log.Info().
			Int("active_positions", e.pos.Count()).
			Float64("daily_pnl_usd", stats.DailyRealizedPnL).
			Int("consecutive_losses", stats.ConsecutiveLosses).
			Msg("maintenance tick")

		balanceSOL := -1.0
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if lamports, err := e.rpc.GetBalance(reqCtx, e.signer.Address()); err == nil {
			balanceSOL = float64(lamports) / 1e9
		} else {
			log.Debug().Err(err).Msg("balance fetch for status line failed")
		}
		cancel()

		haltedFor := ""
		if now := time.Now(); now.Before(stats.TradingHaltedUntil) {
			haltedFor = stats.TradingHaltedUntil.Sub(now).Round(time.Minute).String()
		}
		p50, p95, p99, _ := metrics.HotPathQuantiles()
		console.Status(e.signer.Address(), balanceSOL, e.pos.Count(), haltedFor, p50, p95, p99)
	}
}
