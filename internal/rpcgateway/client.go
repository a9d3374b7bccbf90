// Package rpcgateway implements the RPC Gateway: a
// JSON-RPC 2.0 client to the Solana cluster with primary/fallback
// failover, a failure-counter circuit breaker, a refresh-ahead blockhash
// prefetcher, and an optional fire-and-forget bundle relay.
package rpcgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/metrics"
)

// Client is the RPC Gateway.
type Client struct {
	primaryURL  string
	fallbackURL string
	bundleURL   string // optional; empty disables the bundle relay
	apiKey      string
	httpClient  *http.Client

	// blockhashes optionally provides the expiry horizon Confirm uses to
	// abandon transactions whose blockhash can no longer land.
	blockhashes *BlockhashCache

	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// NewClient builds an RPC Gateway client with a shared keep-alive
// connection pool. bundleURL may be empty to disable the bundle relay.
func NewClient(primaryURL, fallbackURL, bundleURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		bundleURL:   bundleURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// BlockhashResult is the result of getLatestBlockhash.
type BlockhashResult struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// GetLatestBlockhash fetches the current blockhash, bypassing the
// prefetch cache — callers on the hot path should use BlockhashCache.Get
// instead.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*BlockhashResult, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getLatestBlockhash",
		Params: []interface{}{map[string]string{"commitment": "confirmed"}}}

	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return &BlockhashResult{Blockhash: result.Value.Blockhash, LastValidBlockHeight: result.Value.LastValidBlockHeight}, nil
}

// AttachBlockhashCache lets Confirm consult the prefetcher's expiry
// horizon for fail-fast confirmation.
func (c *Client) AttachBlockhashCache(cache *BlockhashCache) {
	c.blockhashes = cache
}

// GetBlockHeight returns the chain's current block height.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBlockHeight",
		Params: []interface{}{map[string]string{"commitment": "confirmed"}}}
	var height uint64
	if err := c.call(ctx, req, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBalance fetches the SOL balance (in lamports) for pubkey.
func (c *Client) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBalance",
		Params: []interface{}{pubkey, map[string]string{"commitment": "confirmed"}}}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// SubmitOpts configures SubmitSignedTx.
type SubmitOpts struct {
	SkipPreflight       bool
	PreflightCommitment string
	Encoding            string
	MaxRetries          int
}

// SubmitSignedTx submits a signed, base64-encoded transaction and returns
// its signature (tx_id). If a bundle relay is configured, the same bytes
// are also fired off in parallel; the bundle's outcome never affects
// control flow, only metrics.
func (c *Client) SubmitSignedTx(ctx context.Context, signedTxBase64 string, opts SubmitOpts) (string, error) {
	if opts.Encoding == "" {
		opts.Encoding = "base64"
	}
	if opts.PreflightCommitment == "" {
		opts.PreflightCommitment = "processed"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "sendTransaction",
		Params: []interface{}{signedTxBase64, map[string]interface{}{
			"encoding":            opts.Encoding,
			"skipPreflight":       opts.SkipPreflight,
			"preflightCommitment": opts.PreflightCommitment,
			"maxRetries":          opts.MaxRetries,
		}}}

	if c.bundleURL != "" {
		go c.fireBundle(signedTxBase64)
	} else {
		metrics.BundleFallback.Inc()
	}

	var result string
	if err := c.call(ctx, req, &result); err != nil {
		return "", err
	}
	return result, nil
}

func (c *Client) fireBundle(signedTxBase64 string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "sendBundle",
		"params": []interface{}{[]string{signedTxBase64}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.bundleURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.BundleFallback.Inc()
		log.Debug().Err(err).Msg("bundle relay submit failed (non-fatal)")
		return
	}
	resp.Body.Close()
	metrics.BundleSuccess.Inc()
}

// ConfirmOutcome is the terminal result of a Confirm poll.
type ConfirmOutcome struct {
	Confirmed bool
	Failed    bool
	Timeout   bool
	Err       interface{}
}

// Confirm polls getSignatureStatuses every 2s until txID reaches
// confirmed/finalized or deadline elapses. With a blockhash cache
// attached, the poll also abandons the transaction once the chain's
// block height passes the expiry horizon captured at poll start: the
// router stamps the transaction with its own hash, but both hashes are
// minted within the same few slots, so the prefetcher's horizon is a
// faithful proxy for when the transaction becomes undeliverable.
func (c *Client) Confirm(ctx context.Context, txID string, deadline time.Duration) (*ConfirmOutcome, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var expiryHeight uint64
	if c.blockhashes != nil {
		expiryHeight = c.blockhashes.ExpiryHorizon()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		statuses, err := c.GetSignatureStatuses(timeoutCtx, []string{txID})
		if err == nil && len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				if st.Err == nil {
					return &ConfirmOutcome{Confirmed: true}, nil
				}
				return &ConfirmOutcome{Failed: true, Err: st.Err}, nil
			}
		}

		if expiryHeight > 0 {
			if height, err := c.GetBlockHeight(timeoutCtx); err == nil && height > expiryHeight {
				return &ConfirmOutcome{Failed: true, Err: "blockhash expired before confirmation"}, nil
			}
		}

		select {
		case <-timeoutCtx.Done():
			return &ConfirmOutcome{Timeout: true}, nil
		case <-ticker.C:
		}
	}
}

// SignatureStatus is a single getSignatureStatuses entry.
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// GetSignatureStatuses checks the status of one or more signatures.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getSignatureStatuses",
		Params: []interface{}{signatures, map[string]bool{"searchTransactionHistory": true}}}

	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// TokenAccount is a single SPL token account owned by a wallet.
type TokenAccount struct {
	Address  string
	Mint     string
	Amount   uint64
	Decimals uint8
}

const (
	tokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// GetTokenAccountsByOwner returns every token account held by owner
// across both the classic Token Program and Token-2022.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner string) ([]TokenAccount, error) {
	classic, err := c.fetchTokenAccounts(ctx, owner, tokenProgramID)
	if err != nil {
		return nil, err
	}
	token2022, err := c.fetchTokenAccounts(ctx, owner, token2022ProgramID)
	if err != nil {
		return nil, fmt.Errorf("fetch token-2022 accounts: %w", err)
	}
	return append(classic, token2022...), nil
}

func (c *Client) fetchTokenAccounts(ctx context.Context, owner, programID string) ([]TokenAccount, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getTokenAccountsByOwner",
		Params: []interface{}{owner, map[string]string{"programId": programID}, map[string]string{"encoding": "jsonParsed"}}}

	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccount, 0, len(result.Value))
	for _, v := range result.Value {
		amount, _ := strconv.ParseUint(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		accounts = append(accounts, TokenAccount{
			Address:  v.Pubkey,
			Mint:     v.Account.Data.Parsed.Info.Mint,
			Amount:   amount,
			Decimals: v.Account.Data.Parsed.Info.TokenAmount.Decimals,
		})
	}
	return accounts, nil
}

// GetTokenSupply returns the total circulating supply of mint in atomic
// units, used by the pre-trade concentration micro-guard.
func (c *Client) GetTokenSupply(ctx context.Context, mint string) (uint64, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getTokenSupply", Params: []interface{}{mint}}
	var result struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}
	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token supply: %w", err)
	}
	return amount, nil
}

// LargestHolder is a single entry of getTokenLargestAccounts.
type LargestHolder struct {
	Address string
	Amount  uint64
}

// GetTokenLargestAccounts returns the top holders of mint (Solana caps
// this at 20), used by the pre-trade concentration micro-guard.
func (c *Client) GetTokenLargestAccounts(ctx context.Context, mint string) ([]LargestHolder, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getTokenLargestAccounts", Params: []interface{}{mint}}
	var result struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	out := make([]LargestHolder, 0, len(result.Value))
	for _, v := range result.Value {
		amount, _ := strconv.ParseUint(v.Amount, 10, 64)
		out = append(out, LargestHolder{Address: v.Address, Amount: amount})
	}
	return out, nil
}

// HolderConcentration computes the fraction of supply held by the single
// largest holder and by the top 10 combined, the two figures the
// pre-trade micro-guard compares against pretrade.top1_max_pct and
// pretrade.top10_max_pct.
func (c *Client) HolderConcentration(ctx context.Context, mint string) (top1Pct, top10Pct float64, err error) {
	supply, err := c.GetTokenSupply(ctx, mint)
	if err != nil {
		return 0, 0, fmt.Errorf("get token supply: %w", err)
	}
	if supply == 0 {
		return 0, 0, fmt.Errorf("token %s has zero supply", mint)
	}

	holders, err := c.GetTokenLargestAccounts(ctx, mint)
	if err != nil {
		return 0, 0, fmt.Errorf("get largest accounts: %w", err)
	}
	if len(holders) == 0 {
		return 0, 0, nil
	}

	var top10 uint64
	for i, h := range holders {
		if i >= 10 {
			break
		}
		top10 += h.Amount
	}

	top1Pct = float64(holders[0].Amount) / float64(supply) * 100
	top10Pct = float64(top10) / float64(supply) * 100
	return top1Pct, top10Pct, nil
}

// call runs one request through the failover pair, retrying transient
// failures (timeouts, rate limits, 5xx) with a small linear backoff
// before surfacing the error. Validation and contract errors are
// returned immediately.
func (c *Client) call(ctx context.Context, req rpcRequest, result interface{}) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = c.callWithFailover(ctx, req, result)
		if err == nil {
			return nil
		}
		if Classify(err).Kind != KindTransient {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 400 * time.Millisecond):
		}
	}
	return err
}

func (c *Client) callWithFailover(ctx context.Context, req rpcRequest, result interface{}) error {
	if c.isCircuitOpen() {
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	err := c.callURL(ctx, c.primaryURL, req, result)
	if err != nil {
		c.recordFailure()
		log.Warn().Err(err).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, req, result)
	}
	c.recordSuccess()
	return nil
}

func (c *Client) callURL(ctx context.Context, url string, rpcReq rpcRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil || rpcResp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// isCircuitOpen reports whether the primary endpoint's circuit breaker is
// open (5 consecutive failures, resets after 30s).
func (c *Client) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.circuitOpen {
		return false
	}
	return time.Since(c.lastFailure) <= 30*time.Second
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now()
	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("RPC gateway circuit breaker opened")
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.circuitOpen = false
}
