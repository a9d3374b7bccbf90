package priceoracle

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func vaultNotification(amount uint64, slot uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"context":{"slot":%d},"value":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"%d","decimals":6}}}}}}`,
		slot, amount))
}

func TestFeedSetAndGetPrice(t *testing.T) {
	f := NewFeed(nil)
	if got := f.GetPrice("mint1"); got != 0 {
		t.Fatalf("expected 0 for untracked mint, got %v", got)
	}

	f.SetPrice("mint1", 1.23)
	if got := f.GetPrice("mint1"); got != 1.23 {
		t.Errorf("GetPrice = %v, want 1.23", got)
	}
}

func TestFeedDerivesPriceFromVaultReserve(t *testing.T) {
	f := NewFeed(nil)
	received := make(chan PriceUpdate, 1)
	f.OnPriceUpdate(func(u PriceUpdate) { received <- u })

	// Anchor at $2, then fix the frame with the first vault observation.
	f.SetPrice("mint1", 2.0)
	f.handleVaultUpdate("mint1", vaultNotification(1000, 10))

	select {
	case u := <-received:
		t.Fatalf("frame-fixing observation must not emit an update, got %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	// Half the token reserve left the pool: constant product quadruples
	// the price.
	f.handleVaultUpdate("mint1", vaultNotification(500, 11))
	select {
	case u := <-received:
		if u.Mint != "mint1" || u.PriceUSD != 8.0 || u.Slot != 11 {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a derived price update")
	}

	if got := f.GetPrice("mint1"); got != 8.0 {
		t.Errorf("GetPrice after derivation = %v, want 8.0", got)
	}
}

func TestFeedReanchorRebasesFrame(t *testing.T) {
	f := NewFeed(nil)
	f.SetPrice("mint1", 2.0)
	f.handleVaultUpdate("mint1", vaultNotification(1000, 10))
	f.handleVaultUpdate("mint1", vaultNotification(500, 11)) // derives 8.0

	// A REST poll reports $10 at the current 500-token reserve; future
	// derivations start from there.
	f.SetPrice("mint1", 10.0)
	f.handleVaultUpdate("mint1", vaultNotification(1000, 12))
	if got := f.GetPrice("mint1"); got != 2.5 {
		t.Errorf("expected 10.0 * (500/1000)^2 = 2.5 after re-anchor, got %v", got)
	}
}

func TestFeedIgnoresUpdatesForUntrackedMint(t *testing.T) {
	f := NewFeed(nil)
	f.handleVaultUpdate("ghost", vaultNotification(1000, 1))
	if f.TrackedCount() != 0 {
		t.Errorf("expected no track state for unanchored mint, got %d", f.TrackedCount())
	}
}

func TestFeedUntrackDropsState(t *testing.T) {
	f := NewFeed(nil)
	f.SetPrice("mint1", 1.0)
	if f.TrackedCount() != 1 {
		t.Fatalf("expected 1 tracked mint, got %d", f.TrackedCount())
	}
	f.Untrack("mint1")
	if f.TrackedCount() != 0 {
		t.Errorf("expected 0 tracked mints after Untrack, got %d", f.TrackedCount())
	}
	if got := f.GetPrice("mint1"); got != 0 {
		t.Errorf("expected price dropped with state, got %v", got)
	}
}
