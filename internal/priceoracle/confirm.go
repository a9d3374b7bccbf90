package priceoracle

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// SignatureOutcome is the terminal result of a signatureSubscribe
// notification.
type SignatureOutcome struct {
	Confirmed bool
	Err       string
}

// FastConfirmer supplements the RPC Gateway's polling Confirm with a
// push-based signatureSubscribe path: the notification usually lands
// within one slot, well inside the RPC Gateway's 2s poll interval.
type FastConfirmer struct {
	client *Client

	mu   sync.Mutex
	subs map[string]uint64 // signature -> subscription ID
}

// NewFastConfirmer builds a FastConfirmer over an already-dialed Client.
func NewFastConfirmer(client *Client) *FastConfirmer {
	return &FastConfirmer{client: client, subs: make(map[string]uint64)}
}

// Wait blocks until signature is confirmed/failed, ctx is cancelled, or
// the subscribe call itself fails.
func (f *FastConfirmer) Wait(ctx context.Context, signature string) (SignatureOutcome, error) {
	result := make(chan SignatureOutcome, 1)

	subID, err := f.client.SignatureSubscribe(signature, func(data json.RawMessage) {
		var note struct {
			Value struct {
				Err interface{} `json:"err"`
			} `json:"value"`
		}
		if err := json.Unmarshal(data, &note); err != nil {
			log.Warn().Err(err).Str("sig", signature).Msg("failed to parse fast-confirm notification")
			return
		}
		outcome := SignatureOutcome{Confirmed: note.Value.Err == nil}
		if note.Value.Err != nil {
			errBytes, _ := json.Marshal(note.Value.Err)
			outcome.Err = string(errBytes)
		}
		select {
		case result <- outcome:
		default:
		}
	})
	if err != nil {
		return SignatureOutcome{}, err
	}

	f.mu.Lock()
	f.subs[signature] = subID
	f.mu.Unlock()
	defer f.cleanup(signature, subID)

	select {
	case outcome := <-result:
		return outcome, nil
	case <-ctx.Done():
		return SignatureOutcome{}, ctx.Err()
	}
}

func (f *FastConfirmer) cleanup(signature string, subID uint64) {
	f.mu.Lock()
	delete(f.subs, signature)
	f.mu.Unlock()
	f.client.Unsubscribe("signatureUnsubscribe", subID)
}
