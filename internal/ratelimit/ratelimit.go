// Package ratelimit enforces per-source request limits on the webhook
// intake surface. Keys are salted hashes of the caller IP so the map never
// stores raw addresses and limits survive deploys with the same salt.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Limiter is a fixed-window counter per hashed source key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	perMin  int
	salt    []byte
	log     zerolog.Logger
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// New creates a limiter allowing perMin requests per source per minute.
// The salt comes from RATE_LIMIT_SALT and must not be empty.
func New(perMin int, salt []byte, log zerolog.Logger) *Limiter {
	if perMin <= 0 {
		perMin = 1000
	}
	return &Limiter{
		windows: make(map[string]*window),
		perMin:  perMin,
		salt:    salt,
		log:     log.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Allow counts a request from ip and reports whether it is within limit.
func (l *Limiter) Allow(ip string) bool {
	key := l.hash(ip)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		l.windows[key] = &window{count: 1, start: now}
		l.maybeSweep(now)
		return true
	}
	w.count++
	if w.count > l.perMin {
		l.log.Warn().Str("key", key[:12]).Int("count", w.count).Msg("rate limit exceeded")
		return false
	}
	return true
}

// Middleware rejects over-limit requests with 429 and a Retry-After.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.Allow(ip) {
			rw.Header().Set("Content-Type", "application/json")
			rw.Header().Set("Retry-After", "60")
			rw.WriteHeader(http.StatusTooManyRequests)
			rw.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"rate limit exceeded"}}`))
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (l *Limiter) hash(ip string) string {
	h := sha256.New()
	h.Write(l.salt)
	h.Write([]byte("|"))
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}

// maybeSweep drops stale windows opportunistically; called under the lock
// when a new window is created so there is no background goroutine to stop.
func (l *Limiter) maybeSweep(now time.Time) {
	if len(l.windows) < 10_000 {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.start) > 2*time.Minute {
			delete(l.windows, k)
		}
	}
}
