package usage

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"math/big"
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
	"github.com/arrakis/backend/internal/auth"
	"github.com/arrakis/backend/internal/cache"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/store"
)

const tenant = "tenant-1"

type spySink struct {
	metrics.Nop
	disagreements int
}

func (s *spySink) UsageDisagreement(string) { s.disagreements++ }

type fixture struct {
	verifier *Verifier
	ledger   *ledger.Ledger
	store    *store.Memory
	sink     *spySink
	acct     *store.Account
	peerKey  *ecdsa.PrivateKey
	peerKid  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	c := cache.NewMemoryCache()
	sink := &spySink{}
	led := ledger.New(st, c, sink, zerolog.Nop(), ledger.Config{
		ReservationTTL: 10 * time.Minute,
		DefaultMode:    store.ModeLive,
	})
	acct, err := led.CreateAccount(context.Background(), tenant, store.EntityAgent, "agent-1")
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid := "peer-key-1"
	doc := map[string]interface{}{"keys": []map[string]string{auth.MarshalJWK(&key.PublicKey, kid)}}
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "peer-jwks.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	jwks := auth.NewJWKSCache("http://unreachable.invalid/jwks", time.Hour, 24*time.Hour, zerolog.Nop())
	require.NoError(t, jwks.LoadFile(path))

	v := NewVerifier(Config{Issuer: "loa-finn", Audience: "arrakis"},
		jwks, auth.NewMemoryReplay(), led, st, sink, zerolog.Nop())

	return &fixture{verifier: v, ledger: led, store: st, sink: sink, acct: acct, peerKey: key, peerKid: kid}
}

func (f *fixture) mintAndReserve(t *testing.T, mintMicro, reserveMicro int64, poolID string) *store.Reservation {
	t.Helper()
	ctx := context.Background()
	_, minted, err := f.ledger.Mint(ctx, tenant, ledger.MintParams{
		AccountID:   f.acct.ID,
		AmountMicro: big.NewInt(mintMicro),
		Source:      store.SourceGrant,
	})
	require.NoError(t, err)
	require.True(t, minted)

	res, err := f.ledger.Reserve(ctx, tenant, ledger.ReserveParams{
		AccountID:      f.acct.ID,
		PoolID:         poolID,
		EstimatedMicro: big.NewInt(reserveMicro),
		RequestID:      uuid.NewString(),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) signReport(t *testing.T, claims *ReportClaims) string {
	t.Helper()
	if claims.Issuer == "" {
		claims.Issuer = "loa-finn"
	}
	if len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{"arrakis"}
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(5 * time.Minute))
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = f.peerKid
	signed, err := token.SignedString(f.peerKey)
	require.NoError(t, err)
	return signed
}

// The literal end-to-end figures: 100 prompt at $10/M plus 200 completion
// at $30/M is 7_000 micro.
func TestProcessFinalizesAtRecomputedCost(t *testing.T) {
	f := newFixture(t)
	res := f.mintAndReserve(t, 10_000_000, 2_000_000, "fast-code")

	jws := f.signReport(t, &ReportClaims{
		ReservationID:     res.ID,
		PromptTokens:      100,
		CompletionTokens:  200,
		ReportedCostMicro: "7000",
		Mode:              ModePlatformBudget,
	})

	result, err := f.verifier.Process(context.Background(), tenant, jws)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), result.CostMicro.Int64())
	assert.Equal(t, int64(7000), result.Outcome.FinalizedMicro.Int64())
	assert.Equal(t, int64(1_993_000), result.Outcome.ReleasedMicro.Int64())
	assert.Zero(t, f.sink.disagreements)
}

func TestProcessDisagreementStillUsesRecomputed(t *testing.T) {
	f := newFixture(t)
	res := f.mintAndReserve(t, 10_000_000, 2_000_000, "fast-code")

	jws := f.signReport(t, &ReportClaims{
		ReservationID:     res.ID,
		PromptTokens:      100,
		CompletionTokens:  200,
		ReportedCostMicro: "9999",
		Mode:              ModePlatformBudget,
	})

	result, err := f.verifier.Process(context.Background(), tenant, jws)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), result.Outcome.FinalizedMicro.Int64())
	assert.Equal(t, 1, f.sink.disagreements)
}

func TestProcessBYOKWritesZeroAmountUsage(t *testing.T) {
	f := newFixture(t)
	res := f.mintAndReserve(t, 10_000_000, 2_000_000, "fast-code")

	jws := f.signReport(t, &ReportClaims{
		ReservationID:    res.ID,
		PromptTokens:     500,
		CompletionTokens: 800,
		Mode:             ModeBYOKNoBudget,
	})

	result, err := f.verifier.Process(context.Background(), tenant, jws)
	require.NoError(t, err)
	assert.Zero(t, result.Outcome.FinalizedMicro.Int64())
	assert.Equal(t, int64(2_000_000), result.Outcome.ReleasedMicro.Int64())

	bal, err := f.ledger.Balance(context.Background(), tenant, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal.RemainingMicro.Int64())
}

func TestProcessRejectsReplayedReport(t *testing.T) {
	f := newFixture(t)
	res := f.mintAndReserve(t, 10_000_000, 2_000_000, "fast-code")

	jws := f.signReport(t, &ReportClaims{
		ReservationID:    res.ID,
		PromptTokens:     100,
		CompletionTokens: 200,
		Mode:             ModePlatformBudget,
	})

	_, err := f.verifier.Process(context.Background(), tenant, jws)
	require.NoError(t, err)

	_, err = f.verifier.Process(context.Background(), tenant, jws)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))
}

func TestProcessRejectsUnsignedReport(t *testing.T) {
	f := newFixture(t)
	res := f.mintAndReserve(t, 10_000_000, 2_000_000, "fast-code")

	rogue, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	claims := &ReportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "loa-finn",
			Audience:  jwt.ClaimStrings{"arrakis"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			ID:        uuid.NewString(),
		},
		ReservationID: res.ID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = f.peerKid
	jws, err := token.SignedString(rogue)
	require.NoError(t, err)

	_, err = f.verifier.Process(context.Background(), tenant, jws)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthenticated))
}

func TestProcessConflictsOnFinalizedReservation(t *testing.T) {
	f := newFixture(t)
	res := f.mintAndReserve(t, 10_000_000, 2_000_000, "fast-code")

	_, err := f.ledger.Finalize(context.Background(), tenant, ledger.FinalizeParams{
		ReservationID: res.ID,
		ActualMicro:   big.NewInt(5000),
	})
	require.NoError(t, err)

	jws := f.signReport(t, &ReportClaims{
		ReservationID:    res.ID,
		PromptTokens:     100,
		CompletionTokens: 200,
		Mode:             ModePlatformBudget,
	})
	_, err = f.verifier.Process(context.Background(), tenant, jws)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}
