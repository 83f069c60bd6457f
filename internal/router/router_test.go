package router

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/backend/internal/apperr"
)

func TestTierDefaults(t *testing.T) {
	cases := map[string]string{
		"free":       "cheap",
		"pro":        "fast-code",
		"enterprise": "frontier",
	}
	for level, want := range cases {
		p, err := Resolve(Route{AccessLevel: level})
		require.NoError(t, err, level)
		assert.Equal(t, want, p.ID)
		assert.Equal(t, 1, p.BestOfN)
	}
}

func TestExplicitPoolClaimWithinTier(t *testing.T) {
	p, err := Resolve(Route{AccessLevel: "pro", PoolClaim: "cheap"})
	require.NoError(t, err)
	assert.Equal(t, "cheap", p.ID)
}

func TestPoolClaimOutsideTierRejected(t *testing.T) {
	_, err := Resolve(Route{AccessLevel: "free", PoolClaim: "frontier"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestUnknownAccessLevelRejected(t *testing.T) {
	_, err := Resolve(Route{AccessLevel: "vip"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestBYOKWinsOverEverything(t *testing.T) {
	p, err := Resolve(Route{
		AccessLevel:      "free",
		PoolClaim:        "frontier",
		EnsembleStrategy: "best_of_3",
		BYOK:             true,
	})
	require.NoError(t, err)
	assert.Equal(t, "byok", p.ID)
	assert.Equal(t, int64(0), p.Pricing.PromptMicroPerMillion)
}

func TestEnsembleMultipliesReservation(t *testing.T) {
	p, err := Resolve(Route{AccessLevel: "enterprise", EnsembleStrategy: "best_of_3"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.BestOfN)

	got := p.ReserveEstimate(big.NewInt(2_000_000))
	assert.Equal(t, int64(6_000_000), got.Int64())
}

func TestReserveEstimateDefaultsWhenUnset(t *testing.T) {
	p, err := Resolve(Route{AccessLevel: "pro"})
	require.NoError(t, err)
	got := p.ReserveEstimate(nil)
	assert.Equal(t, p.DefaultReserveMicro, got.Int64())
}

func TestEnsembleStrategyValidation(t *testing.T) {
	for _, bad := range []string{"best_of_1", "best_of_9", "best_of_x", "majority"} {
		_, err := Resolve(Route{AccessLevel: "pro", EnsembleStrategy: bad})
		require.Error(t, err, bad)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
	}
}

func TestPricingLookup(t *testing.T) {
	pricing, err := Pricing("fast-code")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), pricing.PromptMicroPerMillion)
	assert.Equal(t, int64(30_000_000), pricing.CompletionMicroPerMillion)

	_, err = Pricing("nope")
	require.Error(t, err)
}
