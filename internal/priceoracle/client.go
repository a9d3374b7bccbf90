// Package priceoracle implements the Price Feed: a WebSocket subscription
// client that keeps the Router Client's spot-price cache warm for
// actively-held positions between polls, using an AMM-pool/token-account
// subscription shape and reserve-to-price math.
package priceoracle

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client is a minimal Solana JSON-RPC WebSocket subscription client:
// subscribe/unsubscribe by method name, one dispatcher goroutine,
// callback-per-subscription.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	mu        sync.Mutex
	callbacks map[uint64]func(json.RawMessage) // keyed by subscription ID
	pending   map[uint64]chan uint64           // keyed by request ID, resolves to subscription ID

	closeOnce sync.Once
}

// Dial connects to a Solana WebSocket RPC endpoint and starts the read
// loop.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:      conn,
		callbacks: make(map[uint64]func(json.RawMessage)),
		pending:   make(map[uint64]chan uint64),
	}
	go c.readLoop()
	return c, nil
}

type rpcCall struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type subscribeResponse struct {
	ID     uint64 `json:"id"`
	Result uint64 `json:"result"`
}

type notification struct {
	Method string `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// AccountSubscribe subscribes to account-change notifications for
// pubkey, invoking handler on every update. Returns the subscription ID
// for later Unsubscribe.
func (c *Client) AccountSubscribe(pubkey string, handler func(json.RawMessage)) (uint64, error) {
	return c.subscribe("accountSubscribe", []interface{}{pubkey, map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"}}, handler)
}

// SignatureSubscribe subscribes to confirmation notifications for a
// transaction signature.
func (c *Client) SignatureSubscribe(signature string, handler func(json.RawMessage)) (uint64, error) {
	return c.subscribe("signatureSubscribe", []interface{}{signature, map[string]string{"commitment": "confirmed"}}, handler)
}

func (c *Client) subscribe(method string, params []interface{}, handler func(json.RawMessage)) (uint64, error) {
	id := c.nextID.Add(1)
	wait := make(chan uint64, 1)

	c.mu.Lock()
	c.pending[id] = wait
	c.mu.Unlock()

	call := rpcCall{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.conn.WriteJSON(call); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case subID := <-wait:
		c.mu.Lock()
		c.callbacks[subID] = handler
		c.mu.Unlock()
		return subID, nil
	case <-time.After(10 * time.Second):
		return 0, fmt.Errorf("%s: subscription confirmation timed out", method)
	}
}

// Unsubscribe cancels subID via unsubscribeMethod (e.g.
// "accountUnsubscribe").
func (c *Client) Unsubscribe(unsubscribeMethod string, subID uint64) {
	c.mu.Lock()
	delete(c.callbacks, subID)
	c.mu.Unlock()

	id := c.nextID.Add(1)
	call := rpcCall{JSONRPC: "2.0", ID: id, Method: unsubscribeMethod, Params: []interface{}{subID}}
	if err := c.conn.WriteJSON(call); err != nil {
		log.Warn().Err(err).Str("method", unsubscribeMethod).Msg("unsubscribe write failed")
	}
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("price feed websocket closed")
			return
		}

		var sub subscribeResponse
		if err := json.Unmarshal(raw, &sub); err == nil && sub.ID != 0 {
			c.mu.Lock()
			if wait, ok := c.pending[sub.ID]; ok {
				delete(c.pending, sub.ID)
				wait <- sub.Result
			}
			c.mu.Unlock()
			continue
		}

		var note notification
		if err := json.Unmarshal(raw, &note); err != nil || note.Method == "" {
			continue
		}
		c.mu.Lock()
		handler := c.callbacks[note.Params.Subscription]
		c.mu.Unlock()
		if handler != nil {
			handler(note.Params.Result)
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}
