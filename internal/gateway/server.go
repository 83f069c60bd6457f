// Package gateway is the public HTTP surface: agent invocation, streaming,
// admin billing operations, S2S reserve/finalize, and health probes. Every
// handler follows the same shape: authenticate, resolve, act through the
// ledger, and map errors onto the closed kind taxonomy.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	validator "gopkg.in/go-playground/validator.v9"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/auth"
	"github.com/arrakis/backend/internal/cache"
	"github.com/arrakis/backend/internal/circuitbreaker"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/peer"
	"github.com/arrakis/backend/internal/reconciler"
	"github.com/arrakis/backend/internal/router"
	"github.com/arrakis/backend/internal/secrets"
	"github.com/arrakis/backend/internal/store"
	"github.com/arrakis/backend/internal/usage"
	"github.com/arrakis/backend/internal/webhookintake"
)

const correlationHeader = peer.CorrelationHeader

type ctxKey int

const correlationKey ctxKey = iota

// Config tunes the HTTP surface.
type Config struct {
	// MaxInFlight bounds concurrent agent requests; saturation is a 503.
	MaxInFlight int
	// AdminSecret and InternalSecret verify the HS256 bearer tokens on the
	// admin and S2S surfaces.
	AdminSecret    []byte
	InternalSecret []byte
	// Issuer is this gateway's identity on outbound tokens.
	Issuer string
}

// Server wires the HTTP handlers to the domain components.
type Server struct {
	cfg      Config
	verifier *auth.Verifier
	signer   *auth.Signer
	ledger   *ledger.Ledger
	usage    *usage.Verifier
	peer     *peer.Client
	breakers *circuitbreaker.Manager
	rec      *reconciler.Reconciler
	intake   *webhookintake.Intake
	store    store.Store
	cache    cache.Cache
	secrets  secrets.Provider
	jwks     *auth.JWKSCache
	sink     metrics.Sink
	log      zerolog.Logger

	admission chan struct{}
}

// Deps collects the constructor dependencies.
type Deps struct {
	Verifier *auth.Verifier
	Signer   *auth.Signer
	Ledger   *ledger.Ledger
	Usage    *usage.Verifier
	Peer     *peer.Client
	Breakers *circuitbreaker.Manager
	Rec      *reconciler.Reconciler
	Intake   *webhookintake.Intake
	Store    store.Store
	Cache    cache.Cache
	Secrets  secrets.Provider
	PeerJWKS *auth.JWKSCache
	Sink     metrics.Sink
	Log      zerolog.Logger
}

func NewServer(cfg Config, d Deps) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 512
	}
	sink := d.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Server{
		cfg:       cfg,
		verifier:  d.Verifier,
		signer:    d.Signer,
		ledger:    d.Ledger,
		usage:     d.Usage,
		peer:      d.Peer,
		breakers:  d.Breakers,
		rec:       d.Rec,
		intake:    d.Intake,
		store:     d.Store,
		cache:     d.Cache,
		secrets:   d.Secrets,
		jwks:      d.PeerJWKS,
		sink:      sink,
		log:       d.Log.With().Str("component", "gateway").Logger(),
		admission: make(chan struct{}, cfg.MaxInFlight),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)

	// Agent surface, behind admission control.
	agents := r.PathPrefix("/v1/agents").Subrouter()
	agents.Use(s.admissionMiddleware)
	agents.HandleFunc("/invoke", s.handleInvoke).Methods(http.MethodPost)
	agents.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost)

	// Discovery and probes.
	r.HandleFunc("/.well-known/jwks.json", s.handleJWKS).Methods(http.MethodGet)
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/security", s.handleSecurityHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Admin billing surface.
	admin := r.PathPrefix("/admin/billing").Subrouter()
	admin.Use(s.hmacAuthMiddleware(s.cfg.AdminSecret))
	admin.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/mint", s.handleMint).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/balance", s.handleBalance).Methods(http.MethodGet)
	admin.HandleFunc("/reconciliation", s.handleReconciliation).Methods(http.MethodGet)
	admin.HandleFunc("/agents/{id}/bind-anchor", s.handleBindAnchor).Methods(http.MethodPost)
	admin.HandleFunc("/revenue-rules", s.handleRevenueRules).Methods(http.MethodGet)

	// Peer-facing S2S surface.
	internal := r.PathPrefix("/api/internal").Subrouter()
	internal.Use(s.hmacAuthMiddleware(s.cfg.InternalSecret))
	internal.HandleFunc("/reserve", s.handleInternalReserve).Methods(http.MethodPost)
	internal.HandleFunc("/finalize", s.handleInternalFinalize).Methods(http.MethodPost)

	// Provider webhooks mount their own rate limiting.
	if s.intake != nil {
		s.intake.Register(r)
	}
	return r
}

// --- middleware ---

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(correlationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set(correlationHeader, cid)
		w.Header().Set("X-Contract-Version", router.ContractVersion)
		ctx := context.WithValue(r.Context(), correlationKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admissionMiddleware sheds load instead of queueing when the worker
// budget is exhausted.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.admission <- struct{}{}:
			defer func() { <-s.admission }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, apperr.New(apperr.KindDependencyUnavailable, "gateway at capacity"))
		}
	})
}

func correlationID(ctx context.Context) string {
	if cid, ok := ctx.Value(correlationKey).(string); ok {
		return cid
	}
	return ""
}

// --- response helpers ---

type errorBody struct {
	Error struct {
		Code          string            `json:"code"`
		Message       string            `json:"message"`
		CorrelationID string            `json:"correlationId,omitempty"`
		Meta          map[string]string `json:"meta,omitempty"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", "5")
		}
	}

	var body errorBody
	body.Error.Code = kind.String()
	body.Error.Message = apperr.MessageOf(err)
	body.Error.CorrelationID = correlationID(r.Context())
	body.Error.Meta = apperr.MetaOf(err)

	if status >= 500 {
		s.log.Error().Err(err).
			Str("correlation_id", body.Error.CorrelationID).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

var validate = validator.New()

func (s *Server) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(err, apperr.KindInvalidArgument, "malformed request body")
	}
	if err := validate.Struct(v); err != nil {
		return apperr.Wrap(err, apperr.KindInvalidArgument, "missing or invalid fields")
	}
	return nil
}

// reserveBreakerAllows reports whether the drift policy permits reserving
// for this account.
func (s *Server) reserveBreakerAllows(accountID string) bool {
	b := s.breakers.Get(reconciler.ReserveBreakerPrefix + accountID)
	return b.State() != circuitbreaker.StateOpen
}
