package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/secrets"
)

func testProvider(t *testing.T) *secrets.EnvProvider {
	t.Helper()
	p, err := secrets.NewEnvProvider(secrets.EnvProviderConfig{
		Peppers: map[string]string{
			secrets.PepperAPIKey:    "pepper-a",
			secrets.PepperRateLimit: "pepper-b",
		},
	})
	require.NoError(t, err)
	return p
}

func jwksFromSigner(t *testing.T, s *Signer) *JWKSCache {
	t.Helper()
	doc, err := s.PublicJWKS()
	require.NoError(t, err)
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwks.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cache := NewJWKSCache("http://unreachable.invalid/jwks", time.Hour, 24*time.Hour, zerolog.Nop())
	require.NoError(t, cache.LoadFile(path))
	return cache
}

func signClaims(t *testing.T, key *ecdsa.PrivateKey, kid string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func baseClaims(issuer, audience string) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "acct-1",
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		AccessLevel:        "pro",
		TenantID:           "tenant-1",
		PoolMappingVersion: "2.1",
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer := NewSigner(testProvider(t), "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{
		Issuer:        "arrakis",
		Audience:      PeerAudience,
		ContractMajor: 2,
	}, jwks, NewMemoryReplay(), zerolog.Nop())

	token, err := signer.MintPeerToken(baseClaims("ignored", "ignored"), "res-1", "req-1")
	require.NoError(t, err)

	claims, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "res-1", claims.ReservationID)
	assert.Equal(t, "req-1", claims.RequestID)
}

func TestVerifyRejectsReplay(t *testing.T) {
	signer := NewSigner(testProvider(t), "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{Issuer: "arrakis", Audience: PeerAudience}, jwks, NewMemoryReplay(), zerolog.Nop())

	token, err := signer.MintPeerToken(baseClaims("", ""), "res-1", "req-1")
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), token)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))
	assert.Contains(t, err.Error(), "replay")
}

func TestVerifyRejectsExpired(t *testing.T) {
	provider := testProvider(t)
	signer := NewSigner(provider, "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{
		Issuer:   "arrakis",
		Audience: PeerAudience,
		Leeway:   time.Second,
	}, jwks, NewMemoryReplay(), zerolog.Nop())

	sk, err := provider.CurrentSigningKey()
	require.NoError(t, err)
	claims := baseClaims("arrakis", PeerAudience)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := signClaims(t, sk.Key, sk.Kid, claims)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	provider := testProvider(t)
	signer := NewSigner(provider, "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{Issuer: "arrakis", Audience: PeerAudience}, jwks, NewMemoryReplay(), zerolog.Nop())

	sk, err := provider.CurrentSigningKey()
	require.NoError(t, err)
	token := signClaims(t, sk.Key, sk.Kid, baseClaims("arrakis", "someone-else"))

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	signer := NewSigner(testProvider(t), "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{Issuer: "arrakis", Audience: PeerAudience}, jwks, NewMemoryReplay(), zerolog.Nop())

	rogue, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	token := signClaims(t, rogue, "rogue-kid", baseClaims("arrakis", PeerAudience))

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))
}

func TestVerifyRejectsMissingJTI(t *testing.T) {
	provider := testProvider(t)
	signer := NewSigner(provider, "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{Issuer: "arrakis", Audience: PeerAudience}, jwks, NewMemoryReplay(), zerolog.Nop())

	sk, err := provider.CurrentSigningKey()
	require.NoError(t, err)
	claims := baseClaims("arrakis", PeerAudience)
	claims.ID = ""
	token := signClaims(t, sk.Key, sk.Kid, claims)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jti")
}

func TestVerifyContractMajorMismatch(t *testing.T) {
	provider := testProvider(t)
	signer := NewSigner(provider, "arrakis", 5*time.Minute)
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{
		Issuer:        "arrakis",
		Audience:      PeerAudience,
		ContractMajor: 2,
	}, jwks, NewMemoryReplay(), zerolog.Nop())

	sk, err := provider.CurrentSigningKey()
	require.NoError(t, err)
	claims := baseClaims("arrakis", PeerAudience)
	claims.PoolMappingVersion = "1.4"
	token := signClaims(t, sk.Key, sk.Kid, claims)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindContractIncompatible))
}

func TestRotationKeepsPreviousKeyVerifiable(t *testing.T) {
	provider := testProvider(t)
	signer := NewSigner(provider, "arrakis", 5*time.Minute)

	token, err := signer.MintPeerToken(baseClaims("", ""), "res-1", "req-1")
	require.NoError(t, err)

	require.NoError(t, provider.Rotate())

	// JWKS published after rotation still carries the old key.
	jwks := jwksFromSigner(t, signer)
	verifier := NewVerifier(VerifierConfig{Issuer: "arrakis", Audience: PeerAudience}, jwks, NewMemoryReplay(), zerolog.Nop())

	_, err = verifier.Verify(context.Background(), token)
	require.NoError(t, err)
}

func TestMemoryReplayExpiry(t *testing.T) {
	replay := NewMemoryReplay()
	base := time.Now()
	replay.now = func() time.Time { return base }

	seen, err := replay.Seen(context.Background(), "jti-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = replay.Seen(context.Background(), "jti-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	base = base.Add(2 * time.Minute)
	seen, err = replay.Seen(context.Background(), "jti-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}
