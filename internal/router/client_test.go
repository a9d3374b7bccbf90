package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQuoteFallsBackWhenNoDirectRoute(t *testing.T) {
	var sawOnlyDirect []bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		onlyDirect := r.URL.Query().Get("onlyDirectRoutes")
		sawOnlyDirect = append(sawOnlyDirect, onlyDirect == "true")

		if onlyDirect == "true" {
			fmt.Fprint(w, `{"data": []}`)
			return
		}
		fmt.Fprint(w, `{"data": [{"inAmount":"1000000","outAmount":"5000000","priceImpactPct":"0.01","outToken":{"decimals":6}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL+"/swap", srv.URL+"/price", 150, nil)
	q, err := c.Quote(context.Background(), "in", "out", 1_000_000)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q == nil || q.OutAmount != 5_000_000 {
		t.Fatalf("expected fallback quote with outAmount 5000000, got %+v", q)
	}
	if len(sawOnlyDirect) != 2 || !sawOnlyDirect[0] || sawOnlyDirect[1] {
		t.Errorf("expected direct-first-then-fallback, got %v", sawOnlyDirect)
	}
}

func TestValidateRejectsZeroOutAmount(t *testing.T) {
	q := &Quote{InAmount: 1000, OutAmount: 0}
	if err := Validate(q, 250); err == nil {
		t.Error("expected error for zero out_amount")
	}
}

func TestValidateRejectsExcessiveImpact(t *testing.T) {
	q := &Quote{InAmount: 1000, OutAmount: 2000, PriceImpactPct: 10.0}
	if err := Validate(q, 2.5); err == nil {
		t.Error("expected error for impact above max")
	}
}

func TestValidateAccepts(t *testing.T) {
	q := &Quote{InAmount: 1000, OutAmount: 2000, PriceImpactPct: 0.1}
	if err := Validate(q, 2.5); err != nil {
		t.Errorf("expected valid quote to pass, got %v", err)
	}
}

func TestSpotPriceCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"data": {"mint123": {"price": 1.5}}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL+"/swap", srv.URL, 150, nil)
	p1, err := c.SpotPrice(context.Background(), "mint123")
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	p2, err := c.SpotPrice(context.Background(), "mint123")
	if err != nil {
		t.Fatalf("SpotPrice (cached): %v", err)
	}
	if p1 != 1.5 || p2 != 1.5 {
		t.Errorf("expected both calls to return 1.5, got %v %v", p1, p2)
	}
	if calls != 1 {
		t.Errorf("expected 1 HTTP call due to caching, got %d", calls)
	}
}
