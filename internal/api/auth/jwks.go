package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
)

// jwksDocument is the JSON Web Key Set published by the identity provider
// at {issuer}/.well-known/jwks.json.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet caches RSA public keys fetched from a JWKS endpoint. Keys are
// refreshed when an unknown kid is seen, rate limited to one upstream
// fetch per refresh interval.
type KeySet struct {
	url             string
	client          *http.Client
	refreshInterval time.Duration

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

// NewKeySet creates a key set backed by the given JWKS URL.
func NewKeySet(url string, client *http.Client, refreshInterval time.Duration) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &KeySet{
		url:             url,
		client:          client,
		refreshInterval: refreshInterval,
		keys:            make(map[string]*rsa.PublicKey),
	}
}

// Key returns the RSA public key for kid, refreshing the set from the
// JWKS endpoint if the kid is unknown and the refresh interval allows.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := ks.refresh(ctx); err != nil {
		return nil, err
	}

	ks.mu.RLock()
	key, ok = ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidToken, kid)
	}
	return key, nil
}

func (ks *KeySet) refresh(ctx context.Context) error {
	ks.mu.Lock()
	if time.Since(ks.lastRefresh) < ks.refreshInterval && len(ks.keys) > 0 {
		ks.mu.Unlock()
		return nil
	}
	ks.lastRefresh = time.Now()
	ks.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to parse JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			logger.Warn("skipping unparseable JWKS key", "kid", k.Kid, logger.KeyError, err.Error())
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS document contains no usable RSA signing keys")
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()

	logger.Debug("refreshed JWKS key set", "url", ks.url, "keys", len(keys))
	return nil
}

func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("non-positive exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// SetKey injects a key directly. Test helper.
func (ks *KeySet) SetKey(kid string, key *rsa.PublicKey) {
	ks.mu.Lock()
	ks.keys[kid] = key
	ks.lastRefresh = time.Now()
	ks.mu.Unlock()
}
