package gateway

import (
	"net/http"
)

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := s.signer.PublicJWKS()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	s.writeJSON(w, http.StatusOK, doc)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "cache": "ok"}
	healthy := true

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "down"
		healthy = false
	}
	if err := s.cache.Ping(r.Context()); err != nil {
		checks["cache"] = "down"
		healthy = false
	}

	status := http.StatusOK
	body := healthResponse{Status: "ok", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		body.Status = "degraded"
		w.Header().Set("Retry-After", "5")
	}
	s.writeJSON(w, status, body)
}

// handleSecurityHealth surfaces the fail-closed dependencies. Any of them
// down means the gateway is refusing money-path traffic, and probes should
// know why.
func (s *Server) handleSecurityHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"signing_key": "ok",
		"peer_jwks":   "ok",
		"cache":       "ok",
		"store":       "ok",
	}
	healthy := true

	if _, err := s.secrets.CurrentSigningKey(); err != nil {
		checks["signing_key"] = "down"
		healthy = false
		s.sink.SecurityDependencyDown("signing_key")
	}
	if s.jwks != nil && !s.jwks.Healthy() {
		checks["peer_jwks"] = "stale"
		healthy = false
		s.sink.SecurityDependencyDown("jwks")
	}
	if err := s.cache.Ping(r.Context()); err != nil {
		checks["cache"] = "down"
		healthy = false
		s.sink.SecurityDependencyDown("cache")
	}
	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "down"
		healthy = false
		s.sink.SecurityDependencyDown("store")
	}

	status := http.StatusOK
	body := healthResponse{Status: "ok", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		body.Status = "fail_closed"
		w.Header().Set("Retry-After", "10")
	}
	s.writeJSON(w, status, body)
}
