// Package auth verifies inbound client JWTs, mints outbound peer tokens,
// and validates signed usage reports. All tokens are ES256 compact JWS;
// verification keys come from remote JWKS, signing keys from the secret
// provider.
package auth

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/secrets"
)

// PeerAudience is the audience claim on tokens minted for the downstream
// inference service.
const PeerAudience = "loa-finn"

// Claims carried on gateway tokens in both directions. The subject is the
// billing account id.
type Claims struct {
	jwt.RegisteredClaims
	AccessLevel        string `json:"access_level"`
	TenantID           string `json:"tenant_id"`
	PoolID             string `json:"pool_id,omitempty"`
	EnsembleStrategy   string `json:"ensemble_strategy,omitempty"`
	BYOK               bool   `json:"byok,omitempty"`
	PoolMappingVersion string `json:"pool_mapping_version"`

	// Outbound-only claims binding the token to one dispatch.
	ReservationID string `json:"reservation_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// ReplayStore remembers seen jti values for their token lifetime.
type ReplayStore interface {
	// Seen marks jti and reports whether it had been marked before.
	Seen(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// VerifierConfig pins the expectations for one verification surface.
type VerifierConfig struct {
	Issuer        string
	Audience      string
	ContractMajor int // 0 disables the pool-mapping version check
	Leeway        time.Duration
}

// Verifier validates ES256 tokens against a JWKS and a replay store.
type Verifier struct {
	cfg    VerifierConfig
	jwks   *JWKSCache
	replay ReplayStore
	log    zerolog.Logger
}

func NewVerifier(cfg VerifierConfig, jwks *JWKSCache, replay ReplayStore, log zerolog.Logger) *Verifier {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &Verifier{cfg: cfg, jwks: jwks, replay: replay, log: log.With().Str("component", "auth").Logger()}
}

// Verify parses and validates a compact JWS. Failures return 401-grade
// errors with machine-readable codes; signing-key outages fail closed.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	claims := &Claims{}
	var keyErr error
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, apperr.New(apperr.KindUnauthenticated, "missing kid")
		}
		key, err := v.jwks.Key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		// A JWKS outage is a 503, not a bad token.
		if keyErr != nil && apperr.IsKind(keyErr, apperr.KindDependencyUnavailable) {
			return nil, keyErr
		}
		return nil, apperr.Wrap(err, apperr.KindUnauthenticated, "invalid token")
	}
	if !parsed.Valid {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid token")
	}

	if claims.ID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing jti")
	}
	ttl := time.Until(claims.ExpiresAt.Time) + v.cfg.Leeway
	seen, err := v.replay.Seen(ctx, claims.ID, ttl)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "replay store unavailable")
	}
	if seen {
		return nil, apperr.New(apperr.KindUnauthenticated, "token replay")
	}

	if claims.TenantID == "" || claims.AccessLevel == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing tenancy claims")
	}
	if v.cfg.ContractMajor > 0 {
		major, err := majorOf(claims.PoolMappingVersion)
		if err != nil || major != v.cfg.ContractMajor {
			return nil, apperr.New(apperr.KindContractIncompatible,
				"pool mapping version %q incompatible with contract", claims.PoolMappingVersion)
		}
	}
	return claims, nil
}

func majorOf(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	return strconv.Atoi(head)
}

// Signer mints short-lived single-use ES256 tokens for the peer.
type Signer struct {
	provider secrets.Provider
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

func NewSigner(provider secrets.Provider, issuer string, ttl time.Duration) *Signer {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{provider: provider, issuer: issuer, ttl: ttl, now: time.Now}
}

// MintPeerToken signs the dispatch claims for the downstream service.
func (s *Signer) MintPeerToken(base *Claims, reservationID, requestID string) (string, error) {
	sk, err := s.provider.CurrentSigningKey()
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindDependencyUnavailable, "signing key unavailable")
	}
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   base.Subject,
			Audience:  jwt.ClaimStrings{PeerAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		AccessLevel:        base.AccessLevel,
		TenantID:           base.TenantID,
		PoolID:             base.PoolID,
		EnsembleStrategy:   base.EnsembleStrategy,
		BYOK:               base.BYOK,
		PoolMappingVersion: base.PoolMappingVersion,
		ReservationID:      reservationID,
		RequestID:          requestID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = sk.Kid
	signed, err := token.SignedString(sk.Key)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "sign peer token")
	}
	return signed, nil
}

// PublicJWKS returns the gateway's own verification keys as a JWKS
// document, including the pre-rotation key during its grace window.
func (s *Signer) PublicJWKS() (map[string]interface{}, error) {
	sk, err := s.provider.CurrentSigningKey()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "signing key unavailable")
	}
	keys := []map[string]string{MarshalJWK(&sk.Key.PublicKey, sk.Kid)}
	if prev := s.provider.PreviousSigningKey(); prev != nil {
		keys = append(keys, MarshalJWK(&prev.Key.PublicKey, prev.Kid))
	}
	return map[string]interface{}{"keys": keys}, nil
}

// MemoryReplay is an in-process ReplayStore for tests and single-node runs.
type MemoryReplay struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplay() *MemoryReplay {
	return &MemoryReplay{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryReplay) Seen(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.seen[jti]; ok && exp.After(now) {
		return true, nil
	}
	m.seen[jti] = now.Add(ttl)
	return false, nil
}
