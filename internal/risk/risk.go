// Package risk implements the Risk Manager: pure decision logic for entry
// admission, stop-loss/time-stop pricing, and the ordered exit ladder
// ("Capture the Runner"), expressed as Go's explicit struct-return idiom.
package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spbarathg/callsbotsimp/internal/config"
	"github.com/spbarathg/callsbotsimp/internal/queue"
)

// epsilon tolerates floating point rounding at exit-ladder boundaries.
const epsilon = 1e-12

// ExitReason names why should_exit triggered.
type ExitReason string

const (
	ExitNone         ExitReason = ""
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTimeStop     ExitReason = "TIME_STOP"
	ExitProfitTake   ExitReason = "PROFIT_TAKE"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitDisaster     ExitReason = "DISASTER"
)

// PortfolioStats tracks the rolling admission-gate state.
type PortfolioStats struct {
	DailyRealizedPnL   float64
	ConsecutiveLosses  int
	ActivePositions    int
	TradingHaltedUntil time.Time
	dayStartedAt       time.Time
}

// ShouldResetDaily reports whether 24h have elapsed since the stats
// window opened.
func (p *PortfolioStats) ShouldResetDaily(now time.Time) bool {
	return p.dayStartedAt.IsZero() || now.Sub(p.dayStartedAt) >= 24*time.Hour
}

// ResetDaily zeroes the rolling daily PnL counter and rebases the window.
func (p *PortfolioStats) ResetDaily(now time.Time) {
	p.DailyRealizedPnL = 0
	p.dayStartedAt = now
}

// Manager is the Risk Manager. The decision methods are pure; the
// portfolio counters they consult are the one piece of mutable state,
// guarded by mu because entries and exits land from different
// goroutines.
type Manager struct {
	cfg config.RiskConfig

	mu    sync.Mutex
	stats PortfolioStats
}

// NewManager builds a Risk Manager from the live risk configuration.
func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg, stats: PortfolioStats{dayStartedAt: time.Now()}}
}

// RecordPositionOpened increments the active-position counter.
func (m *Manager) RecordPositionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ActivePositions++
}

// RecordPositionClosed decrements the active-position counter and folds
// realizedPnL into the daily total and consecutive-loss streak.
func (m *Manager) RecordPositionClosed(realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.ActivePositions > 0 {
		m.stats.ActivePositions--
	}
	m.stats.DailyRealizedPnL += realizedPnL
	if realizedPnL > 0 {
		m.stats.ConsecutiveLosses = 0
	} else {
		m.stats.ConsecutiveLosses++
	}
}

// CanOpen implements the entry-admission gate.
func (m *Manager) CanOpen(signal queue.Signal, estimatedAccountValueUSD float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.stats.ShouldResetDaily(now) {
		m.stats.ResetDaily(now)
	}

	if now.Before(m.stats.TradingHaltedUntil) {
		remaining := m.stats.TradingHaltedUntil.Sub(now)
		return false, fmt.Sprintf("trading halted for %.1f more minutes", remaining.Minutes())
	}

	dailyLossLimit := estimatedAccountValueUSD * m.cfg.DailyLossLimitPct
	if m.stats.DailyRealizedPnL < -dailyLossLimit {
		m.halt(6 * time.Hour)
		return false, "daily loss limit exceeded"
	}

	if m.stats.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit {
		m.halt(2 * time.Hour)
		return false, fmt.Sprintf("too many consecutive losses (%d)", m.stats.ConsecutiveLosses)
	}

	if m.stats.ActivePositions >= m.cfg.MaxConcurrentPositions {
		return false, fmt.Sprintf("too many active positions (%d)", m.stats.ActivePositions)
	}

	quality := signal.EffectiveQualityScore()
	floor := m.cfg.QualityScoreFloor
	if floor == 0 {
		floor = 0.6
	}
	if quality < floor {
		return false, fmt.Sprintf("signal quality too low (%.3f)", quality)
	}

	return true, "ok"
}

// ResetDailyIfDue rebases the rolling daily window when 24h have
// elapsed, called from the maintenance loop so the reset also happens
// on quiet days with no admission attempts.
func (m *Manager) ResetDailyIfDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if !m.stats.ShouldResetDaily(now) {
		return false
	}
	m.stats.ResetDaily(now)
	return true
}

// Restore rebuilds the rolling daily PnL and consecutive-loss counters
// from trades closed within the current 24h window, the recommended
// (but optional) boot-time recovery path for PortfolioStats.
func (m *Manager) Restore(tradePnLsOldestFirst []float64, activePositions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.dayStartedAt = time.Now()
	m.stats.DailyRealizedPnL = 0
	m.stats.ConsecutiveLosses = 0
	for _, pnl := range tradePnLsOldestFirst {
		m.stats.DailyRealizedPnL += pnl
		if pnl > 0 {
			m.stats.ConsecutiveLosses = 0
		} else {
			m.stats.ConsecutiveLosses++
		}
	}
	m.stats.ActivePositions = activePositions
}

// Stats returns a copy of the current portfolio counters, for status
// reporting.
func (m *Manager) Stats() PortfolioStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// halt must be called with mu held.
func (m *Manager) halt(d time.Duration) {
	m.stats.TradingHaltedUntil = time.Now().Add(d)
}

// riskMultiplier derives the stop-loss/time-stop multiplier from a
// signal's rugcheck risk profile.
func riskMultiplier(score string, risksLower string, lpLocked bool) float64 {
	multiplier := 1.0

	switch {
	case score == "pending" || score == "n/a" || score == "":
		multiplier = 0.7
	default:
		var numeric float64
		if _, err := fmt.Sscanf(score, "%f", &numeric); err != nil {
			numeric = 10.0
		}
		switch {
		case numeric <= 3:
			multiplier = 1.4
		case numeric <= 6:
			multiplier = 1.2
		case numeric >= 8:
			multiplier = 0.8
		}
	}

	switch {
	case contains(risksLower, "honeypot"):
		multiplier = 2.0
	case contains(risksLower, "blacklist"):
		multiplier = 1.8
	case contains(risksLower, "high_tax"):
		multiplier = 1.3
	}

	if !lpLocked {
		multiplier *= 1.2
	}
	return multiplier
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// StopLossPrice computes the entry-time stop-loss price for a signal.
func (m *Manager) StopLossPrice(entryPrice float64, s queue.Signal) float64 {
	mult := riskMultiplier(s.RiskScore, toLower(s.RiskFlags), s.IsLPLocked())
	stopPct := m.cfg.StopLossBasePct * mult
	if stopPct < 0.10 {
		stopPct = 0.10
	}
	if stopPct > 0.90 {
		stopPct = 0.90
	}
	return entryPrice * (1 - stopPct)
}

// TimeStopMinutes computes the time-stop deadline for a signal.
func (m *Manager) TimeStopMinutes(s queue.Signal) float64 {
	base := m.cfg.TimeStopMinutes
	switch {
	case s.RiskScore == "pending":
		return base * 0.5
	case contains(toLower(s.RiskFlags), "honeypot"):
		return base * 0.3
	case !s.IsLPLocked():
		return base * 0.7
	default:
		return base
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// PositionView is the subset of Position state the exit ladder consumes,
// decoupling risk from the concrete Position struct.
type PositionView struct {
	EntryPrice        float64
	StopLossPrice     float64
	PeakPrice         float64
	EntryTime         time.Time
	IsDerisked        bool
	RunnerPeakPrice   float64
	TiersHit          map[int]bool
	LastPartialSellTS time.Time
	RemainingFraction float64 // 1.0 == full size still held
	TimeStopMinutes   float64 // risk-adjusted minutes computed at entry via Manager.TimeStopMinutes
}

// ExitDecision is the result of the exit ladder.
type ExitDecision struct {
	ShouldExit bool
	Reason     ExitReason
	Fraction   float64
	// MarkDerisked and NewStopLossPrice request state changes the caller
	// must apply to its Position on a PROFIT_TAKE at the de-risking step.
	// NewRunnerPeak, when >0, is the runner peak the caller records; the
	// de-risking and trailing-stop steps set it.
	MarkDerisked     bool
	NewStopLossPrice float64
	NewRunnerPeak    float64
	TierHit          int // >0 when a tiered profit take fired
}

// ShouldExit evaluates the ordered exit ladder: disaster
// stop, base stop, time stop, de-risking, tiered profit takes, runner
// trailing stop.
func (m *Manager) ShouldExit(pos PositionView, currentPrice float64) ExitDecision {
	currentMultiple := currentPrice / pos.EntryPrice
	minutesHeld := time.Since(pos.EntryTime).Minutes()

	disasterStopPrice := pos.EntryPrice * (1 - m.cfg.DisasterStopPct)
	if currentPrice <= disasterStopPrice+epsilon {
		return ExitDecision{ShouldExit: true, Reason: ExitDisaster, Fraction: 1.0}
	}

	if pos.StopLossPrice > 0 && currentPrice <= pos.StopLossPrice {
		return ExitDecision{ShouldExit: true, Reason: ExitStopLoss, Fraction: 1.0}
	}

	profitTarget := 1.0 + m.cfg.TimeStopProfitTargetPct
	timeStopLimit := pos.TimeStopMinutes
	if timeStopLimit <= 0 {
		timeStopLimit = m.cfg.TimeStopMinutes
	}
	if minutesHeld >= timeStopLimit && currentMultiple < profitTarget {
		return ExitDecision{ShouldExit: true, Reason: ExitTimeStop, Fraction: 1.0}
	}

	if !pos.IsDerisked && currentMultiple >= m.cfg.DeriskingMultiple {
		return ExitDecision{
			ShouldExit:       true,
			Reason:           ExitProfitTake,
			Fraction:         m.cfg.DeriskingSellPct,
			MarkDerisked:     true,
			NewStopLossPrice: pos.EntryPrice,
			NewRunnerPeak:    currentPrice,
		}
	}

	if pos.IsDerisked && pos.RemainingFraction > 0 {
		if time.Since(pos.LastPartialSellTS).Seconds() >= m.cfg.PartialSellCooldownSec {
			tiers := sortedTiers(m.cfg.ProfitTiers)
			for _, tier := range tiers {
				multipleInt := int(tier.Multiple)
				if pos.TiersHit[multipleInt] || currentMultiple < tier.Multiple {
					continue
				}
				// sellPct applies to the remaining tokens; the runner
				// floor applies to the remaining fraction of the
				// ORIGINAL size, so cap the sale to leave at least
				// min_runner_pct of the original behind.
				sellPct := tier.Fraction
				minRunner := m.cfg.MinRunnerPct
				if pos.RemainingFraction*(1.0-sellPct) < minRunner {
					sellPct = 0
					if pos.RemainingFraction > minRunner {
						sellPct = 1.0 - minRunner/pos.RemainingFraction
					}
				}
				if sellPct > 0 {
					return ExitDecision{ShouldExit: true, Reason: ExitProfitTake, Fraction: sellPct, TierHit: multipleInt}
				}
			}
		}
	}

	if pos.IsDerisked {
		runnerPeak := pos.RunnerPeakPrice
		if runnerPeak <= 0 {
			runnerPeak = maxFloat(pos.PeakPrice, pos.EntryPrice)
		}
		if currentPrice > runnerPeak {
			runnerPeak = currentPrice
		}

		trailPct := m.cfg.RunnerTrailingStopPct
		for _, zone := range sortedZones(m.cfg.TrailingZones) {
			if currentMultiple >= zone.MultipleThreshold {
				trailPct = zone.Pct
			}
		}

		trailingStopPrice := runnerPeak * (1 - trailPct)
		finalStopPrice := maxFloat(trailingStopPrice, pos.EntryPrice)
		if currentPrice <= finalStopPrice+epsilon {
			return ExitDecision{ShouldExit: true, Reason: ExitTrailingStop, Fraction: 1.0, NewRunnerPeak: runnerPeak}
		}
		return ExitDecision{ShouldExit: false, NewRunnerPeak: runnerPeak}
	}

	return ExitDecision{ShouldExit: false}
}

func sortedTiers(tiers []config.TierConfig) []config.TierConfig {
	out := make([]config.TierConfig, len(tiers))
	copy(out, tiers)
	sort.Slice(out, func(i, j int) bool { return out[i].Multiple < out[j].Multiple })
	return out
}

func sortedZones(zones []config.ZoneConfig) []config.ZoneConfig {
	out := make([]config.ZoneConfig, len(zones))
	copy(out, zones)
	sort.Slice(out, func(i, j int) bool { return out[i].MultipleThreshold < out[j].MultipleThreshold })
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
