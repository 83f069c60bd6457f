// Package router maps the caller's access level and routing claims onto a
// dispatch pool. The mapping table is code-embedded and versioned; clients
// carrying an incompatible major version are rejected at the auth layer.
package router

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/arith"
)

// ContractVersion is the embedded pool-mapping contract version. Clients
// present their own in the pool_mapping_version claim; a differing major is
// an upgrade-required condition.
const ContractVersion = "2.1.0"

// ContractMajor is the major component of ContractVersion.
const ContractMajor = 2

// ResolvedPool is the routing decision for one request.
type ResolvedPool struct {
	ID      string
	Model   string
	Pricing arith.PoolPricing
	// BestOfN is the ensemble parallelism; reservations scale by it.
	BestOfN int
	// DefaultReserveMicro is the per-dispatch reservation when the caller
	// does not supply an estimate, before the BestOfN multiplier.
	DefaultReserveMicro int64
}

// ReserveEstimate returns the amount to reserve for one request, scaling
// the caller's estimate (or the pool default) by the ensemble width.
func (p *ResolvedPool) ReserveEstimate(estimateMicro *big.Int) *big.Int {
	base := estimateMicro
	if base == nil || base.Sign() <= 0 {
		base = big.NewInt(p.DefaultReserveMicro)
	}
	return new(big.Int).Mul(base, big.NewInt(int64(p.BestOfN)))
}

// pool price vectors, in micro-units per one million tokens.
var pools = map[string]ResolvedPool{
	"cheap": {
		ID:    "cheap",
		Model: "loa-finn/small",
		Pricing: arith.PoolPricing{
			PromptMicroPerMillion:     2_000_000,
			CompletionMicroPerMillion: 6_000_000,
			ReasoningMicroPerMillion:  6_000_000,
		},
		BestOfN:             1,
		DefaultReserveMicro: 100_000,
	},
	"fast-code": {
		ID:    "fast-code",
		Model: "loa-finn/coder",
		Pricing: arith.PoolPricing{
			PromptMicroPerMillion:     10_000_000,
			CompletionMicroPerMillion: 30_000_000,
			ReasoningMicroPerMillion:  30_000_000,
		},
		BestOfN:             1,
		DefaultReserveMicro: 500_000,
	},
	"frontier": {
		ID:    "frontier",
		Model: "loa-finn/frontier",
		Pricing: arith.PoolPricing{
			PromptMicroPerMillion:     30_000_000,
			CompletionMicroPerMillion: 120_000_000,
			ReasoningMicroPerMillion:  120_000_000,
		},
		BestOfN:             1,
		DefaultReserveMicro: 2_000_000,
	},
	// byok callers bring their own upstream key; no budget is consumed but
	// usage is still recorded for accounting.
	"byok": {
		ID:                  "byok",
		Model:               "loa-finn/passthrough",
		Pricing:             arith.PoolPricing{},
		BestOfN:             1,
		DefaultReserveMicro: 0,
	},
}

// tiers lists the pools each access level may claim, and its default.
var tiers = map[string]struct {
	allowed []string
	def     string
}{
	"free":       {allowed: []string{"cheap"}, def: "cheap"},
	"pro":        {allowed: []string{"cheap", "fast-code"}, def: "fast-code"},
	"enterprise": {allowed: []string{"cheap", "fast-code", "frontier"}, def: "frontier"},
}

// Route is the routing-relevant slice of the verified claims.
type Route struct {
	AccessLevel      string
	PoolClaim        string
	EnsembleStrategy string
	BYOK             bool
}

// Resolve picks the pool for a request. Specificity, first match wins:
// BYOK flag, ensemble strategy, explicit pool claim within the tier, tier
// default. Unknown access levels and out-of-tier pool claims are invalid
// arguments, not auth failures.
func Resolve(r Route) (*ResolvedPool, error) {
	if r.BYOK {
		p := pools["byok"]
		return &p, nil
	}

	tier, ok := tiers[r.AccessLevel]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown access level %q", r.AccessLevel)
	}

	poolID := tier.def
	if r.PoolClaim != "" {
		if !contains(tier.allowed, r.PoolClaim) {
			return nil, apperr.New(apperr.KindInvalidArgument,
				"pool %q not available at access level %q", r.PoolClaim, r.AccessLevel)
		}
		poolID = r.PoolClaim
	}

	p := pools[poolID]
	if r.EnsembleStrategy != "" {
		n, err := ensembleWidth(r.EnsembleStrategy)
		if err != nil {
			return nil, err
		}
		p.BestOfN = n
	}
	return &p, nil
}

// Pricing returns the price vector for a known pool id. Used by the usage
// verifier, which sees only the reservation's pool id.
func Pricing(poolID string) (arith.PoolPricing, error) {
	p, ok := pools[poolID]
	if !ok {
		return arith.PoolPricing{}, apperr.New(apperr.KindInvalidArgument, "unknown pool %q", poolID)
	}
	return p.Pricing, nil
}

// ensembleWidth parses strategies of the form best_of_<n>, n in [2,5].
func ensembleWidth(strategy string) (int, error) {
	rest, ok := strings.CutPrefix(strategy, "best_of_")
	if !ok {
		return 0, apperr.New(apperr.KindInvalidArgument, "unknown ensemble strategy %q", strategy)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 2 || n > 5 {
		return 0, apperr.New(apperr.KindInvalidArgument, "unsupported ensemble width in %q", strategy)
	}
	return n, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
