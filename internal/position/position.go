// Package position implements the Position Manager: a thread-safe,
// concurrently-accessed table of active positions. Each Position is
// mutated only by the worker that owns its asset; Snapshot holds the read
// lock only long enough to copy the state, and the copy can then be used
// without any lock.
package position

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/store"
)

// Status is a Position's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	// StatusFailed marks a position whose entry transaction was
	// submitted (and optimistically tracked) but never confirmed
	// on-chain.
	StatusFailed Status = "failed"
)

// Position is a single open (or just-closed) execution position.
type Position struct {
	mu sync.RWMutex

	AssetID               string
	SignalID              string
	EntryPriceUSD         float64
	EntryTime             time.Time
	SizeUSD               float64
	SizeTokensAtomic      uint64
	RemainingTokensAtomic uint64
	TokenDecimals         int
	EntryTxID             string

	StopLossPriceUSD float64
	PeakPriceUSD     float64
	PeakMultiple     float64

	IsDerisked        bool
	DeriskedPrice     float64
	RunnerPeakPrice   float64
	TiersHit          map[int]bool
	LastPartialSellTS time.Time

	RealizedPnLUSD float64
	Status         Status

	// Persisted risk metadata snapshot.
	RiskScore string
	RiskFlags string
	LPLocked  bool

	// TimeStopMinutes is the risk-adjusted deadline computed at entry by
	// the Risk Manager.
	TimeStopMinutes float64
}

// Snapshot is a point-in-time copy of a Position's state, safe to hold
// across lock boundaries.
type Snapshot struct {
	AssetID               string
	SignalID              string
	EntryPriceUSD         float64
	EntryTime             time.Time
	SizeUSD               float64
	SizeTokensAtomic      uint64
	RemainingTokensAtomic uint64
	TokenDecimals         int
	EntryTxID             string

	StopLossPriceUSD float64
	PeakPriceUSD     float64
	PeakMultiple     float64

	IsDerisked        bool
	DeriskedPrice     float64
	RunnerPeakPrice   float64
	TiersHit          map[int]bool
	LastPartialSellTS time.Time

	RealizedPnLUSD float64
	Status         Status

	RiskScore string
	RiskFlags string
	LPLocked  bool

	TimeStopMinutes float64
}

// Snapshot returns a consistent copy safe for concurrent reads (e.g. by
// a status reporter).
func (p *Position) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tiersCopy := make(map[int]bool, len(p.TiersHit))
	for k, v := range p.TiersHit {
		tiersCopy[k] = v
	}

	return Snapshot{
		AssetID:               p.AssetID,
		SignalID:              p.SignalID,
		EntryPriceUSD:         p.EntryPriceUSD,
		EntryTime:             p.EntryTime,
		SizeUSD:               p.SizeUSD,
		SizeTokensAtomic:      p.SizeTokensAtomic,
		RemainingTokensAtomic: p.RemainingTokensAtomic,
		TokenDecimals:         p.TokenDecimals,
		EntryTxID:             p.EntryTxID,
		StopLossPriceUSD:      p.StopLossPriceUSD,
		PeakPriceUSD:          p.PeakPriceUSD,
		PeakMultiple:          p.PeakMultiple,
		IsDerisked:            p.IsDerisked,
		DeriskedPrice:         p.DeriskedPrice,
		RunnerPeakPrice:       p.RunnerPeakPrice,
		TiersHit:              tiersCopy,
		LastPartialSellTS:     p.LastPartialSellTS,
		RealizedPnLUSD:        p.RealizedPnLUSD,
		Status:                p.Status,
		RiskScore:             p.RiskScore,
		RiskFlags:             p.RiskFlags,
		LPLocked:              p.LPLocked,
		TimeStopMinutes:       p.TimeStopMinutes,
	}
}

// UpdatePrice folds a new observed price into peak tracking and returns
// the current multiple over entry price.
func (p *Position) UpdatePrice(currentPrice float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if currentPrice > p.PeakPriceUSD {
		p.PeakPriceUSD = currentPrice
	}
	if p.EntryPriceUSD <= 0 {
		return 0
	}
	multiple := currentPrice / p.EntryPriceUSD
	if multiple > p.PeakMultiple {
		p.PeakMultiple = multiple
	}
	return multiple
}

// MarkDerisked records the de-risking transition.
func (p *Position) MarkDerisked(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IsDerisked = true
	p.DeriskedPrice = price
	p.RunnerPeakPrice = price
	p.StopLossPriceUSD = p.EntryPriceUSD
}

// RecordPartialSell marks tier as hit, updates the cooldown timestamp,
// and reduces RemainingTokensAtomic by soldAtomic.
func (p *Position) RecordPartialSell(tier int, soldAtomic uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tier > 0 {
		p.TiersHit[tier] = true
	}
	p.LastPartialSellTS = time.Now()
	if soldAtomic > p.RemainingTokensAtomic {
		soldAtomic = p.RemainingTokensAtomic
	}
	p.RemainingTokensAtomic -= soldAtomic
}

// AddRealizedPnL folds one sell's realized PnL into the running total.
// The engine calls it after every fill, including the one that closes the
// position.
func (p *Position) AddRealizedPnL(deltaUSD float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RealizedPnLUSD += deltaUSD
}

// UpdateRunnerPeak records the exit ladder's running runner-peak price
// without otherwise touching de-risking state.
func (p *Position) UpdateRunnerPeak(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price > p.RunnerPeakPrice {
		p.RunnerPeakPrice = price
	}
}

// Close finalizes a position after full exit.
func (p *Position) Close(status Status, realizedPnLUSD float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = status
	p.RealizedPnLUSD = realizedPnLUSD
	p.RemainingTokensAtomic = 0
}

// RemainingFraction returns RemainingTokensAtomic / SizeTokensAtomic, the
// shape the Risk Manager's exit ladder expects.
func (p *Position) RemainingFraction() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.SizeTokensAtomic == 0 {
		return 0
	}
	return float64(p.RemainingTokensAtomic) / float64(p.SizeTokensAtomic)
}

// Tracker is the concurrent-safe table of active positions, keyed by
// asset_id.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*Position
	store     *store.Store
	maxActive int
}

// NewTracker builds a Tracker backed by store for persistence, with a
// cap of maxActive concurrently active positions.
func NewTracker(st *store.Store, maxActive int) *Tracker {
	return &Tracker{positions: make(map[string]*Position), store: st, maxActive: maxActive}
}

// Recover reloads active positions from the store on startup,
// subtracting any exit fills recorded before the crash so the remaining
// token count survives a restart mid-ladder.
func (t *Tracker) Recover() error {
	rows, err := t.store.LoadPositionsByStatus(string(StatusActive))
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		sold, err := t.store.SumExitFractions(row.SignalID)
		if err != nil {
			return err
		}
		remainingFrac := 1.0 - sold
		if remainingFrac < 0 {
			remainingFrac = 0
		}
		t.positions[row.AssetID] = &Position{
			AssetID:               row.AssetID,
			SignalID:              row.SignalID,
			EntryPriceUSD:         row.EntryPrice,
			EntryTime:             time.Unix(int64(row.EntryTime), 0),
			SizeUSD:               row.SizeUSD,
			SizeTokensAtomic:      uint64(row.SizeTokens),
			TokenDecimals:         row.TokenDecimals,
			EntryTxID:             row.EntryTxID,
			Status:                Status(row.Status),
			TiersHit:              make(map[int]bool),
			IsDerisked:            sold > 0,
			RemainingTokensAtomic: uint64(row.SizeTokens * remainingFrac),
		}
	}
	log.Info().Int("count", len(rows)).Msg("recovered active positions from store")
	return nil
}

// Has reports whether an active position exists for assetID.
func (t *Tracker) Has(assetID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.positions[assetID]
	return ok
}

// Get retrieves the live Position pointer for assetID, or nil.
func (t *Tracker) Get(assetID string) *Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[assetID]
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// CanOpen reports whether a new position would stay within maxActive.
func (t *Tracker) CanOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions) < t.maxActive
}

// Add registers a new position and persists its initial snapshot.
func (t *Tracker) Add(p *Position) error {
	t.mu.Lock()
	t.positions[p.AssetID] = p
	t.mu.Unlock()

	return t.store.UpsertPosition(store.PositionRow{
		SignalID:      p.SignalID,
		AssetID:       p.AssetID,
		EntryTxID:     p.EntryTxID,
		EntryTime:     float64(p.EntryTime.Unix()),
		SizeUSD:       p.SizeUSD,
		SizeTokens:    float64(p.SizeTokensAtomic),
		TokenDecimals: p.TokenDecimals,
		EntryPrice:    p.EntryPriceUSD,
		Status:        string(StatusActive),
	})
}

// Remove deletes assetID from the active table (does not touch the
// store; callers persist the terminal status separately via
// PersistStatus).
func (t *Tracker) Remove(assetID string) *Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.positions[assetID]
	delete(t.positions, assetID)
	return p
}

// PersistStatus writes p's current status to the store.
func (t *Tracker) PersistStatus(p *Position) error {
	snap := p.Snapshot()
	return t.store.UpsertPosition(store.PositionRow{
		SignalID: snap.SignalID,
		AssetID:  snap.AssetID,
		Status:   string(snap.Status),
	})
}

// All returns live pointers to every tracked position, for the Position
// Manager's poll loop to range over.
func (t *Tracker) All() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}
