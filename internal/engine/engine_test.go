package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"github.com/spbarathg/callsbotsimp/internal/config"
	"github.com/spbarathg/callsbotsimp/internal/lock"
	"github.com/spbarathg/callsbotsimp/internal/position"
	"github.com/spbarathg/callsbotsimp/internal/queue"
	"github.com/spbarathg/callsbotsimp/internal/router"
	"github.com/spbarathg/callsbotsimp/internal/rpcgateway"
	"github.com/spbarathg/callsbotsimp/internal/signing"
	"github.com/spbarathg/callsbotsimp/internal/store"
)

const testConfigYAML = `
wallet:
  private_key_env: TEST_WALLET_KEY
  base_mint: "So11111111111111111111111111111111111111112"
rpc:
  primary_url: "http://127.0.0.1:1/primary"
  fallback_url: "http://127.0.0.1:1/fallback"
router:
  quote_api_url: "http://127.0.0.1:1/quote"
  swap_api_url: "http://127.0.0.1:1/swap"
  price_api_url: "http://127.0.0.1:1/price"
  max_impact_bps: 500
risk:
  base_position_size_usd: 10
  max_concurrent_positions: 5
  quality_score_floor: 0.1
  stop_loss_base_pct: 0.5
  disaster_stop_pct: 0.8
  time_stop_minutes: 60
  derisking_multiple: 3.0
  derisking_sell_pct: 0.33
  min_runner_pct: 0.07
  partial_sell_cooldown_sec: 0
lock:
  ttl_ms: 1000
engine:
  price_check_interval_ms: 50
  near_stop_delta_pct: 0.03
  near_stop_check_ms: 10
  hot_path_budget_ms: 100000
  confirm_deadline_sec: 5
  maintenance_every_min: 60
  max_concurrent_checks: 4
pretrade:
  enabled: false
`

func newTestConfig(t *testing.T) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("new config manager: %v", err)
	}
	return m
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestSigner(t *testing.T) signing.Oracle {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	oracle, err := signing.NewStaticKeyOracle(base58.Encode(priv))
	if err != nil {
		t.Fatalf("new static key oracle: %v", err)
	}
	return oracle
}

// fakeRouter is a deterministic stand-in for *router.Client.
type fakeRouter struct {
	outAmount      uint64
	outputDecimals int
	priceImpactPct float64
	prices         map[string]float64
	quoteErr       error
}

func (f *fakeRouter) Quote(ctx context.Context, inMint, outMint string, amountAtomic uint64) (*router.Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &router.Quote{
		InAmount:       amountAtomic,
		OutAmount:      f.outAmount,
		PriceImpactPct: f.priceImpactPct,
		OutputDecimals: f.outputDecimals,
	}, nil
}

func (f *fakeRouter) BuildSwap(ctx context.Context, q *router.Quote, payerPubkey string, priorityFeeLamports uint64) (string, error) {
	raw := append([]byte{0}, []byte("fake-unsigned-message")...)
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (f *fakeRouter) SpotPrice(ctx context.Context, mint string) (float64, error) {
	if price, ok := f.prices[mint]; ok {
		return price, nil
	}
	return 1.0, nil
}

// fakeRPC is a deterministic stand-in for *rpcgateway.Client.
type fakeRPC struct {
	top1Pct, top10Pct float64
	concentrationErr  error
}

func (f *fakeRPC) SubmitSignedTx(ctx context.Context, signedTxBase64 string, opts rpcgateway.SubmitOpts) (string, error) {
	return "fake-tx-signature", nil
}

func (f *fakeRPC) Confirm(ctx context.Context, txID string, deadline time.Duration) (*rpcgateway.ConfirmOutcome, error) {
	return &rpcgateway.ConfirmOutcome{Confirmed: true}, nil
}

func (f *fakeRPC) HolderConcentration(ctx context.Context, mint string) (float64, float64, error) {
	return f.top1Pct, f.top10Pct, f.concentrationErr
}

func (f *fakeRPC) GetTokenLargestAccounts(ctx context.Context, mint string) ([]rpcgateway.LargestHolder, error) {
	return nil, nil
}

func (f *fakeRPC) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	return 1_000_000_000, nil
}

// fakeQueue satisfies queue.Queue without a real Redis dependency.
type fakeQueue struct{}

func (fakeQueue) ReadNew(ctx context.Context, count int64, blockMs int) ([]queue.Entry, error) {
	return nil, nil
}
func (fakeQueue) Ack(ctx context.Context, msgID string) error  { return nil }
func (fakeQueue) Trim(ctx context.Context, maxLen int64) error { return nil }
func (fakeQueue) Close() error                                { return nil }

func newTestEngine(t *testing.T, rc RouterClient, rpc RPCClient) *Engine {
	t.Helper()
	cfg := newTestConfig(t)
	st := newTestStore(t)
	e, err := New(cfg, fakeQueue{}, st, lock.NullLocker{}, rc, rpc, newTestSigner(t))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func baseSignal(assetID string) queue.Signal {
	return queue.Signal{
		SignalID:     assetID + ":1",
		AssetID:      assetID,
		Timestamp:    1000,
		Kind:         "fast",
		QualityScore: 0.9,
		LPStatus:     "100%",
		RiskScore:    "8",
	}
}

func TestProcessSignal_OpensPositionOnAcceptedSignal(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, priceImpactPct: 1.0, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	rpc := &fakeRPC{}
	e := newTestEngine(t, rc, rpc)

	sig := baseSignal("MINT1111111111111111111111111111111111111")
	if err := e.processSignal(context.Background(), sig); err != nil {
		t.Fatalf("processSignal: %v", err)
	}

	if !e.pos.Has(sig.AssetID) {
		t.Fatalf("expected position to be opened for %s", sig.AssetID)
	}
	if e.risk.Stats().ActivePositions != 1 {
		t.Fatalf("expected 1 active position in risk stats, got %d", e.risk.Stats().ActivePositions)
	}
}

func TestProcessSignal_SkipsWhenAlreadyHoldingAsset(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	rpc := &fakeRPC{}
	e := newTestEngine(t, rc, rpc)

	sig := baseSignal("MINT2222222222222222222222222222222222222")
	if err := e.processSignal(context.Background(), sig); err != nil {
		t.Fatalf("first processSignal: %v", err)
	}

	// A second, distinct signal for the same asset must not open a
	// second position: the in-memory Position check rejects it before any lock, quote or submit occurs.
	dup := sig
	dup.SignalID = sig.AssetID + ":2"
	dup.Timestamp = 2000
	if err := e.processSignal(context.Background(), dup); err != nil {
		t.Fatalf("second processSignal: %v", err)
	}

	if e.risk.Stats().ActivePositions != 1 {
		t.Fatalf("expected exactly 1 active position after duplicate signal, got %d", e.risk.Stats().ActivePositions)
	}
}

func TestProcessSignal_RiskFlagRejectsEntry(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6}
	rpc := &fakeRPC{}
	e := newTestEngine(t, rc, rpc)

	sig := baseSignal("MINT3333333333333333333333333333333333333")
	sig.RiskFlags = "honeypot"

	if err := e.processSignal(context.Background(), sig); err != nil {
		t.Fatalf("processSignal: %v", err)
	}
	if e.pos.Has(sig.AssetID) {
		t.Fatalf("expected honeypot-flagged signal to be rejected")
	}
}

func TestProcessSignal_PreTradeConcentrationGuardHardFailRejects(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	rpc := &fakeRPC{top1Pct: 90, top10Pct: 95}
	e := newTestEngine(t, rc, rpc)
	e.cfg.Get().PreTrade.Enabled = true
	e.cfg.Get().PreTrade.Top1MaxPct = 50
	e.cfg.Get().PreTrade.Top10MaxPct = 80
	e.cfg.Get().PreTrade.FailMode = "hard"

	sig := baseSignal("MINT4444444444444444444444444444444444444")
	if err := e.processSignal(context.Background(), sig); err != nil {
		t.Fatalf("processSignal: %v", err)
	}
	if e.pos.Has(sig.AssetID) {
		t.Fatalf("expected concentrated holder distribution to reject entry")
	}
}

func TestHandleEntry_RedeliveredMessageProcessedOnce(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	e := newTestEngine(t, rc, &fakeRPC{})

	sig := baseSignal("MINT7777777777777777777777777777777777777")
	entry := queue.Entry{MsgID: "1-0", Signal: sig}

	e.handleEntry(context.Background(), entry)
	if !e.pos.Has(sig.AssetID) {
		t.Fatalf("expected position after first delivery")
	}
	processed, err := e.store.HasProcessed(sig.SignalID)
	if err != nil || !processed {
		t.Fatalf("expected signal marked processed, got processed=%v err=%v", processed, err)
	}

	// At-least-once delivery: the identical message arriving again must
	// not traverse the pipeline a second time.
	e.handleEntry(context.Background(), entry)
	if e.risk.Stats().ActivePositions != 1 {
		t.Fatalf("expected exactly 1 active position after redelivery, got %d", e.risk.Stats().ActivePositions)
	}
}

func TestProcessSignal_ConcurrentDuplicatesOpenOnePosition(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	e := newTestEngine(t, rc, &fakeRPC{})

	sig1 := baseSignal("MINT8888888888888888888888888888888888888")
	sig2 := sig1
	sig2.SignalID = sig1.AssetID + ":2"

	var wg sync.WaitGroup
	for _, sig := range []queue.Signal{sig1, sig2} {
		sig := sig
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.processSignal(context.Background(), sig)
		}()
	}
	wg.Wait()

	if e.risk.Stats().ActivePositions != 1 {
		t.Fatalf("expected exactly 1 active position from near-simultaneous duplicates, got %d", e.risk.Stats().ActivePositions)
	}
}

func TestProcessSignal_MidFlightOrderFromPreviousRunFails(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	e := newTestEngine(t, rc, &fakeRPC{})

	sig := baseSignal("MINT9999999999999999999999999999999999999")

	// Simulate a crash after SIGNED on a previous run: the transitions
	// are durable but no position or processed marker exists.
	for _, state := range []string{"PENDING", "QUOTED", "SIGNED"} {
		if err := e.store.RecordTransition(sig.SignalID, sig.AssetID, state); err != nil {
			t.Fatalf("seed transition %s: %v", state, err)
		}
	}

	if err := e.processSignal(context.Background(), sig); err != nil {
		t.Fatalf("processSignal: %v", err)
	}
	if e.pos.Has(sig.AssetID) {
		t.Fatalf("expected no position for a mid-flight order from a previous run")
	}
	last, err := e.store.LastState(sig.SignalID)
	if err != nil {
		t.Fatalf("LastState: %v", err)
	}
	if last != "FAILED" {
		t.Fatalf("expected mid-flight order resolved to FAILED, got %s", last)
	}
}

func TestEvaluateExit_CleanWinnerLadder(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	e := newTestEngine(t, rc, &fakeRPC{})

	pos := &position.Position{
		AssetID:               "MINTAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		SignalID:              "sig-winner",
		EntryPriceUSD:         1.0,
		EntryTime:             time.Now(),
		SizeUSD:               10,
		SizeTokensAtomic:      1_000_000,
		RemainingTokensAtomic: 1_000_000,
		TokenDecimals:         6,
		Status:                position.StatusActive,
		TiersHit:              make(map[int]bool),
		StopLossPriceUSD:      0.5,
		TimeStopMinutes:       60,
	}
	if err := e.pos.Add(pos); err != nil {
		t.Fatalf("add position: %v", err)
	}
	e.risk.RecordPositionOpened()

	ctx := context.Background()

	// 3.1x: de-risking partial sale of 0.33, stop to breakeven.
	if e.evaluateExit(ctx, pos, 3.10) {
		t.Fatalf("de-risking sale must not fully close the position")
	}
	snap := pos.Snapshot()
	if !snap.IsDerisked {
		t.Fatalf("expected position de-risked after 3.1x")
	}
	if snap.StopLossPriceUSD != 1.0 {
		t.Errorf("expected stop moved to breakeven, got %v", snap.StopLossPriceUSD)
	}
	if snap.RemainingTokensAtomic != 670_000 {
		t.Errorf("expected 670000 tokens after 0.33 de-risk, got %d", snap.RemainingTokensAtomic)
	}

	// A 55x print walks the whole default tier ladder, one tier per tick.
	for i := 0; i < 6; i++ {
		if e.evaluateExit(ctx, pos, 55.0) {
			t.Fatalf("tier sale %d must not fully close the position", i+1)
		}
	}
	snap = pos.Snapshot()
	for _, tier := range []int{5, 8, 13, 21, 34, 55} {
		if !snap.TiersHit[tier] {
			t.Errorf("expected tier %dx hit", tier)
		}
	}
	remainingFrac := float64(snap.RemainingTokensAtomic) / float64(snap.SizeTokensAtomic)
	if remainingFrac < 0.07 {
		t.Fatalf("runner fraction %v fell below the floor", remainingFrac)
	}

	// One more tick at the peak with no tier left lifts the runner peak.
	if e.evaluateExit(ctx, pos, 55.0) {
		t.Fatalf("peak tick with all tiers hit must not exit")
	}

	// Retrace to 38: the >=20x zone trails 20% off the 55 peak (stop 44),
	// so the runner exits in full.
	if !e.evaluateExit(ctx, pos, 38.0) {
		t.Fatalf("expected trailing stop to fully close the runner at 38")
	}
	if e.pos.Has(pos.AssetID) {
		t.Fatalf("expected position removed after trailing-stop exit")
	}

	sum, err := e.store.SumExitFractions("sig-winner")
	if err != nil {
		t.Fatalf("SumExitFractions: %v", err)
	}
	if sum > 1.0+1e-9 || sum < 0.999 {
		t.Errorf("expected exit fills to sum to ~1.0 of the original size, got %v", sum)
	}
}

func TestEvaluateExit_DisasterStopClosesPosition(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	rpc := &fakeRPC{}
	e := newTestEngine(t, rc, rpc)

	pos := &position.Position{
		AssetID:               "MINT5555555555555555555555555555555555555",
		SignalID:              "sig-5",
		EntryPriceUSD:         1.0,
		EntryTime:             time.Now(),
		SizeUSD:               10,
		SizeTokensAtomic:      1_000_000,
		RemainingTokensAtomic: 1_000_000,
		TokenDecimals:         6,
		Status:                position.StatusActive,
		TiersHit:              make(map[int]bool),
		StopLossPriceUSD:      0.5,
	}
	if err := e.pos.Add(pos); err != nil {
		t.Fatalf("add position: %v", err)
	}
	e.risk.RecordPositionOpened()

	// 80% below entry trips the disaster stop regardless of the base
	// stop-loss price.
	closed := e.evaluateExit(context.Background(), pos, 0.15)
	if !closed {
		t.Fatalf("expected disaster stop to fully close the position")
	}
	if e.pos.Has(pos.AssetID) {
		t.Fatalf("expected position to be removed from the active table")
	}
}

func TestEvaluateExit_TimeStopClosesPositionWhenFlat(t *testing.T) {
	rc := &fakeRouter{outAmount: 1_000_000, outputDecimals: 6, prices: map[string]float64{
		"So11111111111111111111111111111111111111112": 100.0,
	}}
	rpc := &fakeRPC{}
	e := newTestEngine(t, rc, rpc)

	pos := &position.Position{
		AssetID:               "MINT6666666666666666666666666666666666666",
		SignalID:              "sig-6",
		EntryPriceUSD:         1.0,
		EntryTime:             time.Now().Add(-90 * time.Minute),
		SizeUSD:               10,
		SizeTokensAtomic:      1_000_000,
		RemainingTokensAtomic: 1_000_000,
		TokenDecimals:         6,
		Status:                position.StatusActive,
		TiersHit:              make(map[int]bool),
		StopLossPriceUSD:      0.5,
		TimeStopMinutes:       60,
	}
	if err := e.pos.Add(pos); err != nil {
		t.Fatalf("add position: %v", err)
	}
	e.risk.RecordPositionOpened()

	closed := e.evaluateExit(context.Background(), pos, 1.02) // held past the deadline, barely above entry
	if !closed {
		t.Fatalf("expected time stop to fire once past time_stop_minutes without reaching profit target")
	}
}
