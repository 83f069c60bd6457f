package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, []byte("salt"), zerolog.Nop())

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestSourcesAreIndependent(t *testing.T) {
	l := New(1, []byte("salt"), zerolog.Nop())

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestWindowResets(t *testing.T) {
	l := New(1, []byte("salt"), zerolog.Nop())
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	l.SetClock(func() time.Time { return base.Add(61 * time.Second) })
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestSaltChangesKeys(t *testing.T) {
	a := New(1, []byte("salt-a"), zerolog.Nop())
	b := New(1, []byte("salt-b"), zerolog.Nop())
	assert.NotEqual(t, a.hash("10.0.0.1"), b.hash("10.0.0.1"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := New(1, []byte("salt"), zerolog.Nop())
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = "10.0.0.1:40000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareKeysOnHostOnly(t *testing.T) {
	l := New(1, []byte("salt"), zerolog.Nop())
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	first.RemoteAddr = "10.0.0.1:40000"
	second := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	second.RemoteAddr = "10.0.0.1:40001"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same host, different ephemeral port: still the same window.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
