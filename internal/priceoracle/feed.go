package priceoracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// PriceUpdate is a single pool-derived price observation.
type PriceUpdate struct {
	Mint        string
	PriceUSD    float64
	VaultTokens uint64 // pool vault token-side reserve, atomic units
	Slot        uint64
}

// PriceHandler is called on every price update, typically to warm the
// Router Client's spot-price cache for an actively-held position between
// its regular polls.
type PriceHandler func(update PriceUpdate)

// trackState is the per-mint constant-product reference frame: the USD
// price observed at refBase vault tokens anchors every later derivation.
type trackState struct {
	subID    uint64
	vault    string
	refPrice float64
	refBase  uint64
	lastBase uint64
	lastUSD  float64
}

// Feed subscribes to each held token's AMM pool vault over the WebSocket
// Client and derives price moves from the token-side reserve alone: in a
// constant-product pool quote = k/base, so price = k/base^2 and a reserve
// change from base0 to base1 moves the price by (base0/base1)^2. Anchored
// on the entry price, that turns every vault account change into a fresh
// USD mark without an HTTP round trip.
type Feed struct {
	client *Client

	mu     sync.Mutex
	tracks map[string]*trackState

	handlers   []PriceHandler
	handlersMu sync.RWMutex
}

// NewFeed builds a Feed over an already-dialed Client.
func NewFeed(client *Client) *Feed {
	return &Feed{client: client, tracks: make(map[string]*trackState)}
}

// OnPriceUpdate registers a price update handler.
func (f *Feed) OnPriceUpdate(handler PriceHandler) {
	f.handlersMu.Lock()
	f.handlers = append(f.handlers, handler)
	f.handlersMu.Unlock()
}

// SetPrice anchors (or re-anchors) mint's reference frame to priceUSD at
// the most recently observed vault reserve. Called with the entry price
// before Track, and again whenever a REST poll produces a fresher mark.
func (f *Feed) SetPrice(mint string, priceUSD float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.tracks[mint]
	if st == nil {
		st = &trackState{}
		f.tracks[mint] = st
	}
	st.refPrice = priceUSD
	st.refBase = st.lastBase
	st.lastUSD = priceUSD
}

// GetPrice returns the last derived or anchored price for mint, or 0.
func (f *Feed) GetPrice(mint string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st := f.tracks[mint]; st != nil {
		return st.lastUSD
	}
	return 0
}

// Track subscribes to mint's pool vault account. SetPrice must have been
// called first so the first vault observation can fix the reference frame.
func (f *Feed) Track(mint, vaultAddr string) error {
	f.mu.Lock()
	st := f.tracks[mint]
	if st == nil {
		st = &trackState{}
		f.tracks[mint] = st
	}
	if st.subID != 0 {
		f.mu.Unlock()
		return nil
	}
	st.vault = vaultAddr
	f.mu.Unlock()

	subID, err := f.client.AccountSubscribe(vaultAddr, func(data json.RawMessage) {
		f.handleVaultUpdate(mint, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to pool vault: %w", err)
	}

	f.mu.Lock()
	st.subID = subID
	f.mu.Unlock()

	log.Debug().Str("mint", mint).Str("vault", vaultAddr).Uint64("sub_id", subID).Msg("tracking token via pool vault")
	return nil
}

// Untrack stops tracking mint.
func (f *Feed) Untrack(mint string) {
	f.mu.Lock()
	st := f.tracks[mint]
	delete(f.tracks, mint)
	f.mu.Unlock()

	if st != nil && st.subID != 0 {
		f.client.Unsubscribe("accountUnsubscribe", st.subID)
	}
}

// TrackedCount returns the number of mints currently tracked.
func (f *Feed) TrackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

func (f *Feed) handleVaultUpdate(mint string, data json.RawMessage) {
	var note struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &note); err != nil {
		log.Warn().Err(err).Str("mint", mint).Msg("failed to parse vault update")
		return
	}
	base, err := strconv.ParseUint(note.Value.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
	if err != nil || base == 0 {
		return
	}

	f.mu.Lock()
	st := f.tracks[mint]
	if st == nil {
		f.mu.Unlock()
		return
	}
	st.lastBase = base
	if st.refBase == 0 {
		// First observation after an anchor fixes the reference frame;
		// there is nothing to derive yet.
		if st.refPrice > 0 {
			st.refBase = base
		}
		f.mu.Unlock()
		return
	}
	ratio := float64(st.refBase) / float64(base)
	price := st.refPrice * ratio * ratio
	st.lastUSD = price
	f.mu.Unlock()

	f.notifyHandlers(PriceUpdate{Mint: mint, PriceUSD: price, VaultTokens: base, Slot: note.Context.Slot})
}

func (f *Feed) notifyHandlers(update PriceUpdate) {
	f.handlersMu.RLock()
	handlers := f.handlers
	f.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(update)
	}
}
