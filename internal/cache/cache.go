// Package cache provides the low-latency budget counters backing admission
// decisions. Counters are cents; the durable store keeps the micro-exact
// ledger. Every mutating operation is atomic and idempotent: the caller
// passes a key derived from the durable row (lot or reservation id) and
// retries become no-ops.
package cache

import "context"

// ReserveResult is the outcome of a reserve attempt.
type ReserveResult struct {
	OK bool
	// ShortfallCents is how many cents were missing when OK is false.
	ShortfallCents int64
}

// FinalizeResult is the outcome of a finalize.
type FinalizeResult struct {
	// Applied is false when the idempotence key had already been consumed.
	Applied bool
	// OverrunCents is actual minus reserved when actual exceeded the
	// reservation. In live mode the committed increment is capped at the
	// reservation; in shadow mode the full actual is committed.
	OverrunCents int64
}

// Cache is the budget counter surface. Implementations must fail closed:
// an unreachable backend returns a dependency error, never a silent OK.
type Cache interface {
	// InitLimit raises the account's limit by deltaCents, gated by the
	// mint idempotence key. Returns false when the key was already used.
	InitLimit(ctx context.Context, account string, deltaCents int64, mintKey string) (bool, error)

	// Reserve atomically claims cents against available =
	// limit - committed - reserved.
	Reserve(ctx context.Context, account, period string, cents int64) (*ReserveResult, error)

	// Finalize releases the reservation and commits the actual cost.
	// mode is "live" or "shadow".
	Finalize(ctx context.Context, account, period string, reservedCents, actualCents int64, mode, idemKey string) (*FinalizeResult, error)

	// Cancel releases a reservation without committing anything.
	Cancel(ctx context.Context, account, period string, cents int64, idemKey string) (bool, error)

	// CreditBack raises the limit for a settled conservative quote.
	CreditBack(ctx context.Context, account string, cents int64, idemKey string) (bool, error)

	// Counter reads, used by the reconciler and budget endpoints.
	LimitCents(ctx context.Context, account string) (int64, error)
	ReservedCents(ctx context.Context, account, period string) (int64, error)
	CommittedCents(ctx context.Context, account, period string) (int64, error)

	Ping(ctx context.Context) error
}
