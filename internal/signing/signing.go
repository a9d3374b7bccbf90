// Package signing implements the Signing Oracle: the sole
// component that holds key material. sign(unsigned_tx_bytes) deserializes
// the versioned transaction, attaches the ed25519 signature, and
// re-serializes — no key bytes ever leave the component, and no key bytes
// are ever logged.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Oracle signs serialized Solana transactions. A remote-HSM implementation
// satisfies the same contract.
type Oracle interface {
	// Sign takes a base64-encoded unsigned (or partially signed) versioned
	// transaction and returns the base64-encoded signed transaction.
	Sign(unsignedTxBase64 string) (string, error)

	// Address returns the base58-encoded public key used for signing.
	Address() string

	// PublicKey returns the raw public key bytes.
	PublicKey() []byte
}

// StaticKeyOracle holds a single operator-supplied keypair for the
// lifetime of the process.
type StaticKeyOracle struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewStaticKeyOracle builds an Oracle from a base58-encoded private key,
// accepting either the 64-byte (seed+public) or 32-byte (seed-only)
// encoding.
//
// The private key must come from a secure source at runtime (environment
// variable or secret manager) — never from a config file checked into
// version control.
func NewStaticKeyOracle(privateKeyBase58 string) (*StaticKeyOracle, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case 64:
		priv = ed25519.PrivateKey(raw)
	case 32:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("invalid private key length: %d (expected 32 or 64)", len(raw))
	}

	pub := priv.Public().(ed25519.PublicKey)
	addr := base58.Encode(pub)

	log.Info().Str("address", addr).Msg("signing oracle loaded static key")

	return &StaticKeyOracle{privateKey: priv, publicKey: pub, address: addr}, nil
}

// Address returns the base58 public key.
func (o *StaticKeyOracle) Address() string { return o.address }

// PublicKey returns the raw public key bytes.
func (o *StaticKeyOracle) PublicKey() []byte { return o.publicKey }

// Sign deserializes unsignedTxBase64, attaches our ed25519 signature over
// the message portion, and returns the re-serialized transaction.
func (o *StaticKeyOracle) Sign(unsignedTxBase64 string) (string, error) {
	return signVersionedTx(unsignedTxBase64, o.privateKey)
}

// signVersionedTx implements the Solana versioned-transaction signature
// splice: [compact-u16 sig count][signatures...][message]. Jupiter-built
// swap transactions carry a single empty signature slot reserved for the
// fee payer, so we fill slot 0 and leave the rest of the wire format
// untouched.
func signVersionedTx(txBase64 string, priv ed25519.PrivateKey) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(raw) < 1 {
		return "", fmt.Errorf("empty transaction")
	}

	sigCount := int(raw[0])
	if sigCount == 0 {
		message := raw[1:]
		sig := ed25519.Sign(priv, message)

		signed := make([]byte, 1+64+len(message))
		signed[0] = 1
		copy(signed[1:65], sig)
		copy(signed[65:], message)
		return base64.StdEncoding.EncodeToString(signed), nil
	}

	sigOffset := 1
	messageOffset := sigOffset + sigCount*64
	if messageOffset > len(raw) {
		return "", fmt.Errorf("malformed transaction: sig count %d exceeds buffer", sigCount)
	}

	message := raw[messageOffset:]
	sig := ed25519.Sign(priv, message)
	copy(raw[sigOffset:sigOffset+64], sig)

	return base64.StdEncoding.EncodeToString(raw), nil
}
