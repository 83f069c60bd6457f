package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("pq: deadlock detected")
	err := Wrap(cause, KindConflict, "reservation already settled")

	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, IsKind(err, KindConflict))
	assert.ErrorIs(t, err, cause)

	// Another layer of stdlib wrapping keeps the kind reachable.
	outer := fmt.Errorf("finalize: %w", err)
	assert.Equal(t, KindConflict, KindOf(outer))
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	err := errors.New("something leaked")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal error", MessageOf(err))
	assert.Nil(t, MetaOf(err))
}

func TestMessageNeverIncludesCause(t *testing.T) {
	err := Wrap(errors.New("dial tcp 10.0.0.5:5432: refused"), KindDependencyUnavailable, "store unavailable")
	assert.Equal(t, "store unavailable", MessageOf(err))
}

func TestWithMeta(t *testing.T) {
	err := New(KindInsufficientCredit, "insufficient credit").
		WithMeta("account_id", "acct-1").
		WithMeta("required_micro", "7000")

	meta := MetaOf(err)
	assert.Equal(t, "acct-1", meta["account_id"])
	assert.Equal(t, "7000", meta["required_micro"])
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidArgument:       http.StatusBadRequest,
		KindUnauthenticated:       http.StatusUnauthorized,
		KindForbidden:             http.StatusForbidden,
		KindAnchorMissing:         http.StatusForbidden,
		KindAnchorMismatch:        http.StatusForbidden,
		KindNotFound:              http.StatusNotFound,
		KindConflict:              http.StatusConflict,
		KindInsufficientCredit:    http.StatusPaymentRequired,
		KindContractIncompatible:  http.StatusUpgradeRequired,
		KindRateLimited:           http.StatusTooManyRequests,
		KindPeerUnavailable:       http.StatusBadGateway,
		KindTimeout:               http.StatusGatewayTimeout,
		KindDependencyUnavailable: http.StatusServiceUnavailable,
		KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestStableCodes(t *testing.T) {
	assert.Equal(t, "INSUFFICIENT_CREDIT", KindInsufficientCredit.String())
	assert.Equal(t, "CONTRACT_INCOMPATIBLE", KindContractIncompatible.String())
	assert.Equal(t, "INTERNAL", KindInternal.String())
}
