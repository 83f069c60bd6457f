// Package usage consumes signed usage reports from the inference peer and
// turns them into ledger finalizations. The gateway's recomputed cost is
// authoritative; the peer's reported figure is only compared for drift
// detection.
package usage

import (
	"context"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/arith"
	"github.com/arrakis/backend/internal/auth"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/router"
	"github.com/arrakis/backend/internal/store"
)

// Accounting modes carried on peer reports.
const (
	ModePlatformBudget = "PLATFORM_BUDGET"
	ModeBYOKNoBudget   = "BYOK_NO_BUDGET"
)

// ReportClaims is the peer's signed usage report payload.
type ReportClaims struct {
	jwt.RegisteredClaims
	ReservationID    string `json:"reservation_id"`
	RequestID        string `json:"request_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ReasoningTokens  int64  `json:"reasoning_tokens"`
	// ReportedCostMicro is the peer's own cost figure as a decimal string.
	ReportedCostMicro string `json:"cost_micro"`
	Mode              string `json:"mode"`
}

// Config pins the verification surface for peer reports.
type Config struct {
	Issuer   string // expected iss, the peer's identity
	Audience string // expected aud, this gateway
	Leeway   time.Duration
}

// Verifier validates peer usage reports and finalizes their reservations.
type Verifier struct {
	cfg    Config
	jwks   *auth.JWKSCache
	replay auth.ReplayStore
	ledger *ledger.Ledger
	store  store.Store
	sink   metrics.Sink
	log    zerolog.Logger
}

func NewVerifier(cfg Config, jwks *auth.JWKSCache, replay auth.ReplayStore, led *ledger.Ledger, st store.Store, sink metrics.Sink, log zerolog.Logger) *Verifier {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Verifier{
		cfg:    cfg,
		jwks:   jwks,
		replay: replay,
		ledger: led,
		store:  st,
		sink:   sink,
		log:    log.With().Str("component", "usage").Logger(),
	}
}

// Result is what a verified and finalized report produced.
type Result struct {
	ReservationID    string
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
	CostMicro        *big.Int
	Outcome          *ledger.Outcome
}

// Process verifies a compact JWS usage report and finalizes the matching
// reservation at the recomputed cost.
func (v *Verifier) Process(ctx context.Context, tenantID, jws string) (*Result, error) {
	claims, err := v.verify(ctx, jws)
	if err != nil {
		return nil, err
	}

	var res *store.Reservation
	err = v.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		res, err = tx.GetReservation(ctx, claims.ReservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Status != store.ReservationPending {
		return nil, apperr.New(apperr.KindConflict,
			"reservation %s is %s, not pending", res.ID, res.Status)
	}

	pricing, err := router.Pricing(res.PoolID)
	if err != nil {
		return nil, err
	}
	recomputed, _, err := arith.Total(claims.PromptTokens, claims.CompletionTokens, claims.ReasoningTokens, pricing)
	if err != nil {
		return nil, err
	}

	if claims.ReportedCostMicro != "" {
		reported, perr := arith.ParseMicro(claims.ReportedCostMicro, false)
		if perr != nil || reported.Cmp(recomputed) != 0 {
			v.sink.UsageDisagreement(res.PoolID)
			v.log.Warn().
				Str("reservation_id", res.ID).
				Str("pool_id", res.PoolID).
				Str("reported_micro", claims.ReportedCostMicro).
				Str("recomputed_micro", recomputed.String()).
				Msg("peer cost disagrees with recomputed cost")
		}
	}

	actual := recomputed
	source := store.UsageInference
	if claims.Mode == ModeBYOKNoBudget {
		// The customer's own key paid the provider; record tokens with a
		// zero-amount usage event.
		actual = big.NewInt(0)
		source = store.UsageBYOK
		v.log.Info().
			Str("reservation_id", res.ID).
			Int64("prompt_tokens", claims.PromptTokens).
			Int64("completion_tokens", claims.CompletionTokens).
			Int64("reasoning_tokens", claims.ReasoningTokens).
			Msg("byok usage recorded without budget debit")
	}

	outcome, err := v.ledger.Finalize(ctx, tenantID, ledger.FinalizeParams{
		ReservationID: res.ID,
		ActualMicro:   actual,
		Source:        source,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		ReservationID:    res.ID,
		PromptTokens:     claims.PromptTokens,
		CompletionTokens: claims.CompletionTokens,
		ReasoningTokens:  claims.ReasoningTokens,
		CostMicro:        recomputed,
		Outcome:          outcome,
	}, nil
}

func (v *Verifier) verify(ctx context.Context, jws string) (*ReportClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	claims := &ReportClaims{}
	var keyErr error
	_, err := parser.ParseWithClaims(jws, claims, func(t *jwt.Token) (interface{}, error) {
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
		if keyErr != nil && apperr.IsKind(keyErr, apperr.KindDependencyUnavailable) {
			return nil, keyErr
		}
		return nil, apperr.Wrap(err, apperr.KindUnauthenticated, "invalid usage report")
	}
	if claims.ID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "usage report missing jti")
	}
	ttl := time.Until(claims.ExpiresAt.Time) + v.cfg.Leeway
	seen, err := v.replay.Seen(ctx, claims.ID, ttl)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "replay store unavailable")
	}
	if seen {
		return nil, apperr.New(apperr.KindUnauthenticated, "usage report replay")
	}
	if claims.ReservationID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "usage report missing reservation_id")
	}
	return claims, nil
}
