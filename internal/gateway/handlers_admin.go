package gateway

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/arith"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/store"
)

const tenantKey ctxKey = 1

// hmacClaims is the HS256 claim set on admin and internal bearer tokens.
type hmacClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// hmacAuthMiddleware verifies an HS256 bearer token and binds its tenant
// to the request context.
func (s *Server) hmacAuthMiddleware(secret []byte) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			claims := &hmacClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
			if err != nil || !parsed.Valid {
				s.writeError(w, r, apperr.New(apperr.KindUnauthenticated, "invalid token"))
				return
			}
			if claims.TenantID == "" {
				s.writeError(w, r, apperr.New(apperr.KindUnauthenticated, "missing tenant claim"))
				return
			}
			ctx := contextWithTenant(r.Context(), claims.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func tenantOf(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok {
		return t
	}
	return ""
}

// --- accounts ---

type createAccountRequest struct {
	EntityType string `json:"entityType" validate:"required"`
	EntityID   string `json:"entityId" validate:"required"`
}

type accountResponse struct {
	AccountID  string `json:"accountId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	CreatedAt  string `json:"createdAt"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body createAccountRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.ledger.CreateAccount(r.Context(), tenantOf(r.Context()), body.EntityType, body.EntityID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, accountResponse{
		AccountID:  acct.ID,
		EntityType: acct.EntityType,
		EntityID:   acct.EntityID,
		CreatedAt:  acct.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// --- mint ---

type mintRequest struct {
	AmountMicro string `json:"amountMicro" validate:"required"`
	SourceType  string `json:"sourceType" validate:"required"`
	Description string `json:"description,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	PoolID      string `json:"poolId,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"` // RFC3339
}

type mintResponse struct {
	LotID          string `json:"lotId"`
	Minted         bool   `json:"minted"`
	RemainingMicro string `json:"remainingMicro"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var body mintRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := arith.ParseMicro(body.AmountMicro, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params := ledger.MintParams{
		AccountID:   accountID,
		AmountMicro: amount,
		Source:      body.SourceType,
		PaymentID:   body.PaymentID,
		PoolID:      body.PoolID,
	}
	if body.ExpiresAt != "" {
		exp, perr := time.Parse(time.RFC3339, body.ExpiresAt)
		if perr != nil {
			s.writeError(w, r, apperr.Wrap(perr, apperr.KindInvalidArgument, "malformed expiresAt"))
			return
		}
		params.ExpiresAt = &exp
	}

	lot, minted, err := s.ledger.Mint(r.Context(), tenantOf(r.Context()), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mintResponse{
		LotID:          lot.ID,
		Minted:         minted,
		RemainingMicro: lot.RemainingMicro.String(),
	})
}

// --- balance ---

type balanceResponse struct {
	AvailableMicro string `json:"availableMicro"`
	ReservedMicro  string `json:"reservedMicro"`
	CommittedMicro string `json:"committedMicro"`
	Period         string `json:"period"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	bal, err := s.ledger.Balance(r.Context(), tenantOf(r.Context()), accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reserved := arith.CentsToMicro(bal.ReservedCents)
	available := new(big.Int).Sub(bal.RemainingMicro, reserved)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		AvailableMicro: available.String(),
		ReservedMicro:  reserved.String(),
		CommittedMicro: arith.CentsToMicro(bal.CommittedCents).String(),
		Period:         bal.Period,
	})
}

// --- reconciliation ---

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rec.LastReport())
}

// --- identity anchors ---

type bindAnchorRequest struct {
	IdentityAnchor string `json:"identityAnchor" validate:"required"`
	ChainID        string `json:"chainId"`
	Contract       string `json:"contract"`
	TokenID        string `json:"tokenId"`
	Owner          string `json:"owner"`
}

func (s *Server) handleBindAnchor(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var body bindAnchorRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.ledger.BindAnchor(r.Context(), tenantOf(r.Context()), &store.IdentityAnchor{
		AgentAccountID: accountID,
		AnchorHash:     body.IdentityAnchor,
		ChainID:        body.ChainID,
		Contract:       body.Contract,
		TokenID:        body.TokenID,
		Owner:          body.Owner,
		CreatedBy:      tenantOf(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

// --- revenue rules ---

type revenueShareView struct {
	Recipient string `json:"recipient"`
	Bps       int64  `json:"bps"`
}

type revenueRuleView struct {
	SchemaVersion int64              `json:"schema_version"`
	Active        bool               `json:"active"`
	Shares        []revenueShareView `json:"shares"`
}

func (s *Server) handleRevenueRules(w http.ResponseWriter, r *http.Request) {
	var rules []*store.RevenueRule
	err := s.store.WithinTx(r.Context(), tenantOf(r.Context()), func(tx store.Tx) error {
		var terr error
		rules, terr = tx.ListRevenueRules(r.Context())
		return terr
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]revenueRuleView, 0, len(rules))
	for _, rule := range rules {
		view := revenueRuleView{SchemaVersion: rule.SchemaVersion, Active: rule.Active}
		for _, share := range rule.Shares {
			view.Shares = append(view.Shares, revenueShareView{Recipient: share.Recipient, Bps: share.Bps})
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": out})
}

// --- S2S reserve / finalize ---

type internalReserveRequest struct {
	AccountID          string `json:"accountId" validate:"required"`
	EstimatedCostMicro string `json:"estimatedCostMicro" validate:"required"`
	PoolID             string `json:"poolId" validate:"required"`
	RequestID          string `json:"requestId" validate:"required"`
	IdentityAnchor     string `json:"identity_anchor,omitempty"`
}

type internalReserveResponse struct {
	ReservationID string `json:"reservationId"`
	ReservedMicro string `json:"reservedMicro"`
	BillingMode   string `json:"billingMode"`
	ExpiresAt     string `json:"expiresAt"`
}

func (s *Server) handleInternalReserve(w http.ResponseWriter, r *http.Request) {
	var body internalReserveRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	estimate, err := arith.ParseMicro(body.EstimatedCostMicro, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.reserveBreakerAllows(body.AccountID) {
		s.writeError(w, r, apperr.New(apperr.KindDependencyUnavailable,
			"account billing suspended pending reconciliation"))
		return
	}

	res, err := s.ledger.Reserve(r.Context(), tenantOf(r.Context()), ledger.ReserveParams{
		AccountID:      body.AccountID,
		PoolID:         body.PoolID,
		EstimatedMicro: estimate,
		RequestID:      body.RequestID,
		IdentityAnchor: body.IdentityAnchor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, internalReserveResponse{
		ReservationID: res.ID,
		ReservedMicro: res.ReservedMicro.String(),
		BillingMode:   res.BillingMode,
		ExpiresAt:     res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type internalFinalizeRequest struct {
	ReservationID   string `json:"reservationId" validate:"required"`
	ActualCostMicro string `json:"actualCostMicro" validate:"required"`
	AccountID       string `json:"accountId" validate:"required"`
	IdentityAnchor  string `json:"identity_anchor,omitempty"`
}

type internalFinalizeResponse struct {
	FinalizedMicro string `json:"finalizedMicro"`
	ReleasedMicro  string `json:"releasedMicro"`
	UsageMicro     string `json:"usageMicro"`
}

func (s *Server) handleInternalFinalize(w http.ResponseWriter, r *http.Request) {
	var body internalFinalizeRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	actual, err := arith.ParseMicro(body.ActualCostMicro, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := s.ledger.Finalize(r.Context(), tenantOf(r.Context()), ledger.FinalizeParams{
		ReservationID: body.ReservationID,
		ActualMicro:   actual,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, internalFinalizeResponse{
		FinalizedMicro: outcome.FinalizedMicro.String(),
		ReleasedMicro:  outcome.ReleasedMicro.String(),
		UsageMicro:     outcome.UsageMicro.String(),
	})
}
