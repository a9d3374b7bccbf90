// Package router implements the Router Client: a pooled HTTP client to
// the off-chain route-quoting service, with HTTP/2 connection pooling,
// API-key rotation, and a direct-route-first-then-fallback quote
// strategy, exposing a quote/build_swap/spot_price contract.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// hardcodedDynamicSlippageMaxBps matches the source's intentional
// hard-coding of dynamicSlippage.maxBps to 300 regardless of the
// configured max_slippage_bps.
const hardcodedDynamicSlippageMaxBps = 300

// Quote is the subset of the routing API's quote response the engine acts
// on.
type Quote struct {
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	OutputDecimals int
	raw            json.RawMessage
}

// Client is the Router Client.
type Client struct {
	quoteURL    string
	swapURL     string
	priceURL    string
	slippageBps int

	pool    *httpClientPool
	apiKeys []string
	keyIdx  atomic.Uint32

	priceMu    sync.Mutex
	priceCache map[string]cachedPrice
}

type cachedPrice struct {
	usd     float64
	fetched time.Time
}

// httpClientPool provides HTTP/2 connection pooling over a small rotating
// set of clients.
type httpClientPool struct {
	clients []*http.Client
	idx     atomic.Uint32
}

func newHTTPClientPool(size int, timeout time.Duration) *httpClientPool {
	pool := &httpClientPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 25,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   2 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   2 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	return pool
}

func (p *httpClientPool) get() *http.Client {
	idx := p.idx.Add(1) % uint32(len(p.clients))
	return p.clients[idx]
}

// NewClient builds a Router Client with a 4-wide HTTP/2 connection pool,
// 10s total / 2s connect / 5s read timeouts, and an
// optional set of API keys rotated round-robin.
func NewClient(quoteURL, swapURL, priceURL string, slippageBps int, apiKeys []string) *Client {
	return &Client{
		quoteURL:    quoteURL,
		swapURL:     swapURL,
		priceURL:    priceURL,
		slippageBps: slippageBps,
		pool:        newHTTPClientPool(4, 10*time.Second),
		apiKeys:     apiKeys,
		priceCache:  make(map[string]cachedPrice),
	}
}

func (c *Client) apiKey() string {
	if len(c.apiKeys) == 0 {
		return ""
	}
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// Quote requests a route, trying only_direct_routes=true first and falling
// back to the unrestricted search if no direct route exists.
func (c *Client) Quote(ctx context.Context, inMint, outMint string, amountAtomic uint64) (*Quote, error) {
	q, err := c.quote(ctx, inMint, outMint, amountAtomic, true)
	if err == nil && q != nil {
		return q, nil
	}
	return c.quote(ctx, inMint, outMint, amountAtomic, false)
}

func (c *Client) quote(ctx context.Context, inMint, outMint string, amountAtomic uint64, onlyDirect bool) (*Quote, error) {
	url := fmt.Sprintf("%s?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d&onlyDirectRoutes=%t&asLegacyTransaction=false",
		c.quoteURL, inMint, outMint, amountAtomic, c.slippageBps, onlyDirect)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := c.apiKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	start := time.Now()
	resp, err := c.pool.get().Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}

	// The first route is the best one; its raw JSON is carried through
	// unchanged as the /swap request's quoteResponse.
	entryRaw := envelope.Data[0]
	var entry struct {
		InAmount       string `json:"inAmount"`
		OutAmount      string `json:"outAmount"`
		PriceImpactPct string `json:"priceImpactPct"`
		OutToken       *struct {
			Decimals int `json:"decimals"`
		} `json:"outToken"`
	}
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return nil, fmt.Errorf("decode quote route: %w", err)
	}

	inAmt, _ := strconv.ParseUint(entry.InAmount, 10, 64)
	outAmt, _ := strconv.ParseUint(entry.OutAmount, 10, 64)
	impact, _ := strconv.ParseFloat(entry.PriceImpactPct, 64)

	decimals := 9
	if entry.OutToken != nil {
		decimals = entry.OutToken.Decimals
	}

	log.Debug().Dur("latency", time.Since(start)).Uint64("outAmount", outAmt).Bool("onlyDirect", onlyDirect).Msg("router quote")

	return &Quote{
		InAmount:       inAmt,
		OutAmount:      outAmt,
		PriceImpactPct: impact,
		OutputDecimals: decimals,
		raw:            entryRaw,
	}, nil
}

// Validate rejects a quote with non-positive output, impact above
// maxImpactPct, or an exchange rate outside the sanity bound (0, 1e12].
func Validate(q *Quote, maxImpactPct float64) error {
	if q == nil || q.OutAmount == 0 {
		return fmt.Errorf("quote has zero or missing out_amount")
	}
	if q.PriceImpactPct > maxImpactPct {
		return fmt.Errorf("price impact %.4f exceeds max %.4f", q.PriceImpactPct, maxImpactPct)
	}
	if q.InAmount == 0 {
		return fmt.Errorf("quote has zero in_amount")
	}
	rate := float64(q.OutAmount) / float64(q.InAmount)
	if rate <= 0 || rate > 1e12 {
		return fmt.Errorf("exchange rate %.6f outside sanity bounds", rate)
	}
	return nil
}

// BuildSwap builds an unsigned serialized transaction for quote, to be
// signed by the Signing Oracle. dynamicSlippage.maxBps is hard-coded to
// 300 regardless of the configured slippage.
func (c *Client) BuildSwap(ctx context.Context, q *Quote, payerPubkey string, priorityFeeLamports uint64) (string, error) {
	reqBody := map[string]interface{}{
		"quoteResponse":             json.RawMessage(q.raw),
		"userPublicKey":             payerPubkey,
		"asLegacyTransaction":       false,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": priorityFeeLamports,
		"dynamicSlippage": map[string]int{
			"maxBps": hardcodedDynamicSlippageMaxBps,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.swapURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := c.apiKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return "", fmt.Errorf("swap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("swap failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var swapResp struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&swapResp); err != nil {
		return "", fmt.Errorf("decode swap response: %w", err)
	}
	return swapResp.SwapTransaction, nil
}

// SpotPrice returns the USD price of mint, cached for 5s.
func (c *Client) SpotPrice(ctx context.Context, mint string) (float64, error) {
	c.priceMu.Lock()
	if cached, ok := c.priceCache[mint]; ok && time.Since(cached.fetched) < 5*time.Second {
		c.priceMu.Unlock()
		return cached.usd, nil
	}
	c.priceMu.Unlock()

	url := fmt.Sprintf("%s?mints=%s", c.priceURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return 0, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data map[string]struct {
			Price float64 `json:"price"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}

	entry, ok := parsed.Data[mint]
	if !ok {
		return 0, fmt.Errorf("no price data for %s", mint)
	}

	c.priceMu.Lock()
	c.priceCache[mint] = cachedPrice{usd: entry.Price, fetched: time.Now()}
	c.priceMu.Unlock()

	return entry.Price, nil
}

// WarmPrice injects a price into the cache without a round trip, used by
// the WebSocket price feed to keep SpotPrice hot between polls.
func (c *Client) WarmPrice(mint string, usd float64) {
	c.priceMu.Lock()
	c.priceCache[mint] = cachedPrice{usd: usd, fetched: time.Now()}
	c.priceMu.Unlock()
}

// ClearPriceCache drops all cached prices, called from the maintenance
// loop.
func (c *Client) ClearPriceCache() {
	c.priceMu.Lock()
	c.priceCache = make(map[string]cachedPrice)
	c.priceMu.Unlock()
}
