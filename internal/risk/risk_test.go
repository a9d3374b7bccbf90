package risk

import (
	"testing"
	"time"

	"github.com/spbarathg/callsbotsimp/internal/config"
	"github.com/spbarathg/callsbotsimp/internal/queue"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		StopLossBasePct:         0.50,
		DailyLossLimitPct:       0.10,
		ConsecutiveLossLimit:    5,
		DisasterStopPct:         0.80,
		TimeStopMinutes:         60,
		TimeStopProfitTargetPct: 0.50,
		DeriskingMultiple:       3.0,
		DeriskingSellPct:        0.33,
		RunnerTrailingStopPct:   0.30,
		MinRunnerPct:            0.10,
		MaxConcurrentPositions:  8,
		QualityScoreFloor:       0.6,
		ProfitTiers: []config.TierConfig{
			{Multiple: 5, Fraction: 0.15},
			{Multiple: 8, Fraction: 0.15},
		},
		TrailingZones: []config.ZoneConfig{
			{MultipleThreshold: 3, Pct: 0.40},
			{MultipleThreshold: 8, Pct: 0.20},
		},
	}
}

func TestCanOpenRejectsBelowQualityFloor(t *testing.T) {
	m := NewManager(testRiskConfig())
	sig := queue.Signal{QualityScore: 0.4}
	ok, reason := m.CanOpen(sig, 1000)
	if ok {
		t.Errorf("expected rejection, got accept (reason=%s)", reason)
	}
}

func TestCanOpenRejectsAtMaxConcurrent(t *testing.T) {
	m := NewManager(testRiskConfig())
	for i := 0; i < 8; i++ {
		m.RecordPositionOpened()
	}
	ok, _ := m.CanOpen(queue.Signal{QualityScore: 0.9}, 1000)
	if ok {
		t.Error("expected rejection at max concurrent positions")
	}
}

func TestCanOpenHaltsAfterConsecutiveLosses(t *testing.T) {
	m := NewManager(testRiskConfig())
	for i := 0; i < 5; i++ {
		m.RecordPositionClosed(-1)
	}
	ok, reason := m.CanOpen(queue.Signal{QualityScore: 0.9}, 1000)
	if ok {
		t.Errorf("expected halt, got accept: %s", reason)
	}
}

func TestStopLossPriceHoneypotOverridesScore(t *testing.T) {
	m := NewManager(testRiskConfig())
	sig := queue.Signal{RiskScore: "9", RiskFlags: "honeypot", LPStatus: "100%"}
	stop := m.StopLossPrice(1.0, sig)
	// honeypot -> multiplier 2.0 -> stop_pct = clamp(0.5*2.0, 0.1, 0.9) = 0.9
	want := 1.0 * (1 - 0.9)
	if diff := stop - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("StopLossPrice = %v, want %v", stop, want)
	}
}

func TestShouldExitDisasterStop(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60}
	decision := m.ShouldExit(pos, 0.19) // <= 1 - 0.80
	if !decision.ShouldExit || decision.Reason != ExitDisaster {
		t.Errorf("expected disaster stop, got %+v", decision)
	}
}

func TestShouldExitDerisksAt3x(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60, RemainingFraction: 1.0}
	decision := m.ShouldExit(pos, 3.0)
	if !decision.ShouldExit || decision.Reason != ExitProfitTake || !decision.MarkDerisked {
		t.Errorf("expected de-risking profit take, got %+v", decision)
	}
	if decision.Fraction != 0.33 {
		t.Errorf("expected 0.33 fraction, got %v", decision.Fraction)
	}
}

func TestShouldExitTieredProfitTake(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{
		EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60,
		IsDerisked: true, RemainingFraction: 1.0, TiersHit: map[int]bool{},
		LastPartialSellTS: time.Now().Add(-1 * time.Hour),
	}
	decision := m.ShouldExit(pos, 5.0)
	if !decision.ShouldExit || decision.Reason != ExitProfitTake || decision.TierHit != 5 {
		t.Errorf("expected tier-5 profit take, got %+v", decision)
	}
}

func TestShouldExitTierCappedByRunnerFloor(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{
		EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60,
		IsDerisked: true, RemainingFraction: 0.11, TiersHit: map[int]bool{},
		LastPartialSellTS: time.Now().Add(-1 * time.Hour),
		RunnerPeakPrice:   5.0,
	}
	// Tier 5 asks for 0.15 of the remaining 0.11, which would leave
	// 0.0935 of the original — below the 0.10 floor. Only the excess
	// above the floor may be sold: 1 - 0.10/0.11.
	decision := m.ShouldExit(pos, 5.0)
	if !decision.ShouldExit || decision.Reason != ExitProfitTake {
		t.Fatalf("expected capped profit take, got %+v", decision)
	}
	want := 1.0 - 0.10/0.11
	if diff := decision.Fraction - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Fraction = %v, want %v", decision.Fraction, want)
	}
}

func TestShouldExitNoTierAtRunnerFloor(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{
		EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60,
		IsDerisked: true, RemainingFraction: 0.10, TiersHit: map[int]bool{},
		LastPartialSellTS: time.Now().Add(-1 * time.Hour),
		RunnerPeakPrice:   5.0,
	}
	// Exactly at the floor nothing may be sold by a tier; the runner
	// rides the trailing stop instead.
	decision := m.ShouldExit(pos, 5.0)
	if decision.ShouldExit {
		t.Errorf("expected no exit at the runner floor, got %+v", decision)
	}
}

func TestShouldExitTrailingStopNeverBelowEntry(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{
		EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60,
		IsDerisked: true, RunnerPeakPrice: 1.2, TiersHit: map[int]bool{},
		RemainingFraction: 0.5,
	}
	// Peak 1.2 with the base 0.30 trail computes 0.84, but the trailing
	// stop is floored at the entry price.
	decision := m.ShouldExit(pos, 0.99)
	if !decision.ShouldExit || decision.Reason != ExitTrailingStop {
		t.Errorf("expected trailing stop floored at entry, got %+v", decision)
	}
}

func TestShouldExitRunnerTrailingStop(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{
		EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60,
		IsDerisked: true, RunnerPeakPrice: 4.0, TiersHit: map[int]bool{},
	}
	// current multiple 2.3 is below every zone threshold, so the base 0.30
	// trail applies: peak 4.0 -> stop at 4.0*0.7=2.8
	decision := m.ShouldExit(pos, 2.3)
	if !decision.ShouldExit || decision.Reason != ExitTrailingStop {
		t.Errorf("expected trailing stop, got %+v", decision)
	}
}

func TestShouldExitNoneWhenHealthy(t *testing.T) {
	m := NewManager(testRiskConfig())
	pos := PositionView{EntryPrice: 1.0, EntryTime: time.Now(), TimeStopMinutes: 60}
	decision := m.ShouldExit(pos, 1.1)
	if decision.ShouldExit {
		t.Errorf("expected no exit, got %+v", decision)
	}
}
