package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// CachedOracle is the default Signing Oracle backend for environments with
// no operator-supplied key: it generates an ed25519 keypair, persists it
// to a local JSON cache file, and reuses it until refreshEvery elapses.
type CachedOracle struct {
	keyPath      string
	refreshEvery time.Duration

	mu          sync.RWMutex
	privateKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	address     string
	lastRefresh time.Time
}

type cachedKeyFile struct {
	PrivateKey  string    `json:"private_key"`
	Address     string    `json:"address"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewCachedOracle builds a CachedOracle whose cache file lives under
// cacheDir and whose key is rotated after refreshEvery.
func NewCachedOracle(cacheDir string, refreshEvery time.Duration) *CachedOracle {
	return &CachedOracle{
		keyPath:      filepath.Join(cacheDir, "signing_key_cache.json"),
		refreshEvery: refreshEvery,
	}
}

// LoadOrGenerate loads a non-expired cached key, or generates and caches a
// fresh one.
func (o *CachedOracle) LoadOrGenerate() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.loadFromCache() {
		log.Info().Str("address", o.address).Time("generatedAt", o.lastRefresh).Msg("signing oracle loaded cached key")
		return nil
	}

	if err := o.generate(); err != nil {
		return err
	}
	if err := o.saveToCache(); err != nil {
		log.Warn().Err(err).Msg("failed to persist signing key cache")
	}
	log.Info().Str("address", o.address).Msg("signing oracle generated new key")
	return nil
}

// ShouldRefresh reports whether refreshEvery has elapsed since the last
// key generation.
func (o *CachedOracle) ShouldRefresh() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return time.Since(o.lastRefresh) > o.refreshEvery
}

// Refresh forces generation of a new key, overwriting the cache.
func (o *CachedOracle) Refresh() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.generate(); err != nil {
		return err
	}
	if err := o.saveToCache(); err != nil {
		return err
	}
	log.Info().Str("address", o.address).Msg("signing oracle key refreshed")
	return nil
}

// Address returns the current base58 public key.
func (o *CachedOracle) Address() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.address
}

// PublicKey returns the raw current public key bytes.
func (o *CachedOracle) PublicKey() []byte {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.publicKey
}

// Sign signs unsignedTxBase64 with the currently cached key.
func (o *CachedOracle) Sign(unsignedTxBase64 string) (string, error) {
	o.mu.RLock()
	priv := o.privateKey
	o.mu.RUnlock()
	return signVersionedTx(unsignedTxBase64, priv)
}

func (o *CachedOracle) loadFromCache() bool {
	data, err := os.ReadFile(o.keyPath)
	if err != nil {
		return false
	}

	var cached cachedKeyFile
	if err := json.Unmarshal(data, &cached); err != nil {
		return false
	}
	if time.Since(cached.GeneratedAt) > o.refreshEvery {
		return false
	}

	raw, err := base58.Decode(cached.PrivateKey)
	if err != nil || len(raw) != 64 {
		return false
	}

	o.privateKey = ed25519.PrivateKey(raw)
	o.publicKey = ed25519.PublicKey(raw[32:64])
	o.address = cached.Address
	o.lastRefresh = cached.GeneratedAt
	return true
}

func (o *CachedOracle) saveToCache() error {
	if err := os.MkdirAll(filepath.Dir(o.keyPath), 0700); err != nil {
		return err
	}
	cached := cachedKeyFile{
		PrivateKey:  base58.Encode(o.privateKey),
		Address:     o.address,
		GeneratedAt: o.lastRefresh,
	}
	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(o.keyPath, data, 0600)
}

func (o *CachedOracle) generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	o.publicKey = pub
	o.privateKey = priv
	o.address = base58.Encode(pub)
	o.lastRefresh = time.Now()
	return nil
}
