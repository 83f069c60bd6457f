// Package secrets provides signing keys and HMAC peppers to the rest of
// the gateway.
//
// The Provider interface abstracts the external vault. The shipped
// implementation reads key material from the environment (PEM for the
// signing key, raw strings for peppers) and keeps it in an in-memory cache
// with an explicit rotation hook. There are NO default peppers: a missing
// pepper is a startup-fatal condition, never a silent fallback.
package secrets

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/arrakis/backend/internal/apperr"
)

// Pepper names used across the gateway.
const (
	PepperAPIKey    = "API_KEY_PEPPER"
	PepperRateLimit = "RATE_LIMIT_SALT"
)

// SigningKey is the current outbound signing key plus its key id.
type SigningKey struct {
	Key *ecdsa.PrivateKey
	Kid string
}

// Provider is the capability interface over the secret backend.
type Provider interface {
	// CurrentSigningKey returns the active ES256 signing key.
	CurrentSigningKey() (*SigningKey, error)
	// PreviousSigningKey returns the pre-rotation key while it is still
	// within its publication window, or nil.
	PreviousSigningKey() *SigningKey
	// HMACPepper returns the named pepper. Unknown names are errors.
	HMACPepper(name string) ([]byte, error)
	// Rotate generates a fresh signing key. The previous key stays
	// published (for JWKS verification of in-flight tokens) until the
	// grace window lapses.
	Rotate() error
}

// EnvProvider implements Provider from environment-sourced material.
type EnvProvider struct {
	mu         sync.RWMutex
	current    *SigningKey
	previous   *SigningKey
	prevUntil  time.Time
	graceDelay time.Duration
	peppers    map[string][]byte
}

// EnvProviderConfig configures NewEnvProvider.
type EnvProviderConfig struct {
	// SigningKeyPEM is an optional PKCS#8 or EC PEM private key. When
	// empty a fresh P-256 key is generated at startup (keys are
	// short-lived by design; restarts mint new ones).
	SigningKeyPEM string
	// Peppers maps pepper name to value. Both well-known peppers must be
	// present.
	Peppers map[string]string
	// RotationGrace is how long a rotated-out key stays published.
	RotationGrace time.Duration
}

// NewEnvProvider builds the provider, failing hard on missing peppers.
func NewEnvProvider(cfg EnvProviderConfig) (*EnvProvider, error) {
	peppers := make(map[string][]byte, len(cfg.Peppers))
	for name, val := range cfg.Peppers {
		if val == "" {
			return nil, fmt.Errorf("pepper %s is empty", name)
		}
		peppers[name] = []byte(val)
	}
	for _, required := range []string{PepperAPIKey, PepperRateLimit} {
		if _, ok := peppers[required]; !ok {
			return nil, fmt.Errorf("pepper %s is required and has no default", required)
		}
	}

	var key *ecdsa.PrivateKey
	var err error
	if cfg.SigningKeyPEM != "" {
		key, err = parseECPrivateKeyPEM(cfg.SigningKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}

	grace := cfg.RotationGrace
	if grace <= 0 {
		grace = 10 * time.Minute
	}

	return &EnvProvider{
		current:    &SigningKey{Key: key, Kid: KidFor(&key.PublicKey)},
		graceDelay: grace,
		peppers:    peppers,
	}, nil
}

// CurrentSigningKey implements Provider.
func (p *EnvProvider) CurrentSigningKey() (*SigningKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil, apperr.New(apperr.KindDependencyUnavailable, "signing key unavailable")
	}
	return p.current, nil
}

// PreviousSigningKey implements Provider.
func (p *EnvProvider) PreviousSigningKey() *SigningKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.previous == nil || time.Now().After(p.prevUntil) {
		return nil
	}
	return p.previous
}

// HMACPepper implements Provider.
func (p *EnvProvider) HMACPepper(name string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pepper, ok := p.peppers[name]
	if !ok {
		return nil, apperr.New(apperr.KindDependencyUnavailable, "unknown pepper %q", name)
	}
	return pepper, nil
}

// Rotate implements Provider.
func (p *EnvProvider) Rotate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("rotate signing key: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.previous = p.current
	p.prevUntil = time.Now().Add(p.graceDelay)
	p.current = &SigningKey{Key: key, Kid: KidFor(&key.PublicKey)}
	return nil
}

// KidFor derives a stable key id from the public key material.
func KidFor(pub *ecdsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

func parseECPrivateKeyPEM(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}
	return key, nil
}
