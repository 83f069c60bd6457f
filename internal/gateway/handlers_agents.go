package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/arith"
	"github.com/arrakis/backend/internal/auth"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/peer"
	"github.com/arrakis/backend/internal/router"
)

type invokeRequest struct {
	Prompt  string          `json:"prompt" validate:"required"`
	Options json.RawMessage `json:"options,omitempty"`
	// EstimatedCostMicro overrides the pool's default reservation.
	EstimatedCostMicro string `json:"estimatedCostMicro,omitempty"`
}

type usagePayload struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CostMicro        string `json:"cost_micro"`
}

type invokeResponse struct {
	Content string       `json:"content"`
	Usage   usagePayload `json:"usage"`
}

// dispatch is the shared AUTH -> RESOLVE -> RESERVE preamble.
type dispatch struct {
	claims    *auth.Claims
	pool      *router.ResolvedPool
	res       reservationRef
	requestID string
	peerToken string
}

type reservationRef struct {
	ID string
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "missing bearer token")
	}
	return token, nil
}

// prepare authenticates, resolves the pool, reserves budget, and mints the
// outbound peer token.
func (s *Server) prepare(r *http.Request, body *invokeRequest) (*dispatch, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	claims, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, err
	}

	pool, err := router.Resolve(router.Route{
		AccessLevel:      claims.AccessLevel,
		PoolClaim:        claims.PoolID,
		EnsembleStrategy: claims.EnsembleStrategy,
		BYOK:             claims.BYOK,
	})
	if err != nil {
		return nil, err
	}

	if !claims.BYOK && !s.reserveBreakerAllows(claims.Subject) {
		return nil, apperr.New(apperr.KindDependencyUnavailable,
			"account billing suspended pending reconciliation")
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	params := ledger.ReserveParams{
		AccountID: claims.Subject,
		PoolID:    pool.ID,
		RequestID: requestID,
		NoBudget:  claims.BYOK,
	}
	if !claims.BYOK {
		estimate := pool.ReserveEstimate(nil)
		if body.EstimatedCostMicro != "" {
			base, err := arith.ParseMicro(body.EstimatedCostMicro, false)
			if err != nil {
				return nil, err
			}
			estimate = pool.ReserveEstimate(base)
		}
		params.EstimatedMicro = estimate
	}
	res, err := s.ledger.Reserve(r.Context(), claims.TenantID, params)
	if err != nil {
		return nil, err
	}

	peerToken, err := s.signer.MintPeerToken(claims, res.ID, requestID)
	if err != nil {
		// The reservation would otherwise sit until the sweeper.
		s.cancelQuietly(r, claims.TenantID, res.ID, "token_mint_failed")
		return nil, err
	}

	return &dispatch{
		claims:    claims,
		pool:      pool,
		res:       reservationRef{ID: res.ID},
		requestID: requestID,
		peerToken: peerToken,
	}, nil
}

func (s *Server) cancelQuietly(r *http.Request, tenantID, reservationID, reason string) {
	// A cancel triggered by the client going away must not itself die
	// with the client's context.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.ledger.Cancel(ctx, tenantID, reservationID, reason); err != nil {
		if !apperr.IsKind(err, apperr.KindConflict) {
			s.log.Error().Err(err).
				Str("reservation_id", reservationID).
				Str("reason", reason).
				Msg("reservation cancel failed; sweeper will collect it")
		}
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.prepare(r, &body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	started := time.Now()
	resp, err := s.peer.Invoke(r.Context(), d.peerToken, correlationID(r.Context()), &peer.InvokeRequest{
		Model:     d.pool.Model,
		Prompt:    body.Prompt,
		Options:   body.Options,
		RequestID: d.requestID,
		BestOfN:   d.pool.BestOfN,
	})
	if err != nil {
		s.sink.PeerRequest("error", time.Since(started))
		s.cancelQuietly(r, d.claims.TenantID, d.res.ID, "peer_failure")
		s.writeError(w, r, err)
		return
	}
	s.sink.PeerRequest("ok", time.Since(started))

	result, err := s.usage.Process(r.Context(), d.claims.TenantID, resp.UsageReport)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, invokeResponse{
		Content: resp.Content,
		Usage: usagePayload{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			CostMicro:        result.CostMicro.String(),
		},
	})
}

// streamDrainGrace bounds how long the peer stream is drained after the
// client goes away, so a usage frame already in flight still lands.
const streamDrainGrace = 3 * time.Second

// handleStream proxies the peer's SSE stream, enforcing the event order
// content* -> usage -> done. Usage events finalize the reservation before
// the done frame reaches the client. On client abort the peer stream is
// drained for a short grace window: a usage frame that arrives settles
// the tokens the peer actually spent, and only a silent peer gets the
// full cancel.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body invokeRequest
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.prepare(r, &body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.cancelQuietly(r, d.claims.TenantID, d.res.ID, "no_streaming_support")
		s.writeError(w, r, apperr.New(apperr.KindInternal, "streaming unsupported"))
		return
	}

	// The peer transport deliberately outlives the client connection;
	// tying it to r.Context() would destroy in-flight usage frames on
	// abort. The watchdog below bounds the detached lifetime.
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancelStream()

	started := time.Now()
	stream, err := s.peer.OpenStream(streamCtx, d.peerToken, correlationID(r.Context()), &peer.InvokeRequest{
		Model:     d.pool.Model,
		Prompt:    body.Prompt,
		Options:   body.Options,
		RequestID: d.requestID,
		BestOfN:   d.pool.BestOfN,
	})
	if err != nil {
		s.sink.PeerRequest("error", time.Since(started))
		s.cancelQuietly(r, d.claims.TenantID, d.res.ID, "peer_failure")
		s.writeError(w, r, err)
		return
	}

	go func() {
		<-r.Context().Done()
		timer := time.AfterFunc(streamDrainGrace, cancelStream)
		<-streamCtx.Done()
		timer.Stop()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		finalized bool
		sawDone   bool
		stage     = "content"
	)
	defer func() {
		stream.Close(sawDone)
		if !finalized {
			// The drain window closed without a usage frame: the peer
			// reported nothing, release the whole reservation.
			s.sink.StreamAborted(stage)
			s.cancelQuietly(r, d.claims.TenantID, d.res.ID, "stream_aborted")
		}
	}()

	for {
		ev, err := stream.Next()
		if err != nil {
			if err != io.EOF {
				s.sink.PeerRequest("error", time.Since(started))
			}
			return
		}
		switch ev.Type {
		case "content":
			if stage != "content" {
				s.log.Warn().Str("stage", stage).Msg("peer sent content after usage; dropping")
				continue
			}
			writeSSE(w, flusher, "content", ev.Data)
		case "usage":
			if stage != "content" {
				continue
			}
			stage = "usage"
			// Finalize on a context that survives client abort; the
			// usage frame is the peer's bill either way.
			result, perr := s.usage.Process(context.WithoutCancel(r.Context()), d.claims.TenantID, string(ev.Data))
			if perr != nil {
				s.log.Error().Err(perr).
					Str("reservation_id", d.res.ID).
					Msg("usage report rejected mid-stream")
				writeSSE(w, flusher, "error", []byte(`{"code":"USAGE_REJECTED"}`))
				return
			}
			finalized = true
			payload, _ := json.Marshal(usagePayload{
				PromptTokens:     result.PromptTokens,
				CompletionTokens: result.CompletionTokens,
				CostMicro:        result.CostMicro.String(),
			})
			writeSSE(w, flusher, "usage", payload)
		case "done":
			if stage != "usage" {
				// Peer ended without reporting usage; the deferred cancel
				// releases the reservation.
				s.log.Warn().Str("reservation_id", d.res.ID).Msg("peer stream ended without usage event")
				return
			}
			stage = "done"
			sawDone = true
			s.sink.PeerRequest("ok", time.Since(started))
			writeSSE(w, flusher, "done", ev.Data)
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
}
