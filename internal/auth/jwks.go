package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/apperr"
)

// jwk is one RFC 7517 key. Only EC P-256 verification keys are accepted.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func (k jwk) publicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("point not on curve for kid %s", k.Kid)
	}
	return pub, nil
}

// MarshalJWK encodes an ECDSA public key as an RFC 7517 JWK.
func MarshalJWK(pub *ecdsa.PublicKey, kid string) map[string]string {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	x := pub.X.FillBytes(make([]byte, byteLen))
	y := pub.Y.FillBytes(make([]byte, byteLen))
	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
		"kid": kid,
		"use": "sig",
		"alg": "ES256",
	}
}

// JWKSCache fetches and caches a remote JWKS. Keys are re-fetched on
// unknown kid and refreshed on a soft interval; past the hard TTL with no
// successful refresh, lookups fail closed.
type JWKSCache struct {
	url     string
	client  *http.Client
	refresh time.Duration
	hardTTL time.Duration
	log     zerolog.Logger

	mu        sync.RWMutex
	keys      map[string]*ecdsa.PublicKey
	fetchedAt time.Time

	now func() time.Time
}

func NewJWKSCache(url string, refresh, hardTTL time.Duration, log zerolog.Logger) *JWKSCache {
	return &JWKSCache{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		refresh: refresh,
		hardTTL: hardTTL,
		log:     log.With().Str("component", "jwks").Logger(),
		keys:    make(map[string]*ecdsa.PublicKey),
		now:     time.Now,
	}
}

// Key resolves a verification key by kid, re-fetching once when unknown.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	stale := c.now().Sub(c.fetchedAt) > c.refresh
	expired := c.now().Sub(c.fetchedAt) > c.hardTTL
	c.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}
	if err := c.Fetch(ctx); err != nil {
		// Stale-optimistic: keep serving the last good key set up to the
		// hard TTL, then fail closed.
		if ok && !expired {
			c.log.Warn().Err(err).Msg("jwks refresh failed; serving stale keys")
			return key, nil
		}
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "jwks unavailable")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, apperr.New(apperr.KindUnauthenticated, "unknown signing key")
	}
	return key, nil
}

// Fetch retrieves the JWKS from the remote URL and swaps the key set.
func (c *JWKSCache) Fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return c.load(body)
}

// LoadFile bootstraps the key set from a local JWKS file. Used on isolated
// deployments without a reachable issuer; the file is written by atomic
// rename so a partial read cannot happen.
func (c *JWKSCache) LoadFile(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.load(body)
}

func (c *JWKSCache) load(body []byte) error {
	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("jwks parse: %w", err)
	}
	if len(set.Keys) == 0 {
		return fmt.Errorf("jwks contains no keys")
	}
	keys := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.log.Warn().Err(err).Str("kid", k.Kid).Msg("skipping unusable jwk")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks contains no usable keys")
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Healthy reports whether the key set is within its hard TTL.
func (c *JWKSCache) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) <= c.hardTTL
}
