// Package store provides durable ACID storage for accounts, lots, entries,
// reservations and webhook events.
//
// The Store interface is the only way the rest of the gateway touches the
// database. Money tables have exactly one writer (the ledger) and lot
// entries have exactly one write path: Tx.AppendLotEntry, which is backed
// by the ledger_append_entry stored function re-checking the per-lot
// conservation equation under row lock. Raw inserts into lot_entries from
// anywhere else are a schema-level violation, not just a convention.
package store

import (
	"context"
	"math/big"
	"time"
)

// SystemTenant opens a transaction without tenant scoping. Only the
// reconciler and migrations use it; request paths always pass the caller's
// tenant.
const SystemTenant = "*"

// Store is the capability interface over the durable backend.
type Store interface {
	// WithinTx runs fn inside a transaction bound to tenantID. The tenant
	// context is set at the start of the transaction; reads outside the
	// tenant come back empty rather than erroring. fn returning an error
	// rolls the transaction back.
	WithinTx(ctx context.Context, tenantID string, fn func(Tx) error) error

	// Ping reports backend reachability for health probes.
	Ping(ctx context.Context) error
}

// Tx is the per-transaction surface.
type Tx interface {
	// --- accounts ---

	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// GetAccountForUpdate takes the account row lock used to serialize
	// mint cache/store coordination.
	GetAccountForUpdate(ctx context.Context, id string) (*Account, error)
	BumpAccountVersion(ctx context.Context, id string) error

	// --- lots ---

	// InsertLot inserts idempotently on payment_id. When the payment was
	// already minted it returns inserted=false and the existing lot.
	InsertLot(ctx context.Context, lot *Lot) (inserted bool, existing *Lot, err error)
	GetLot(ctx context.Context, id string) (*Lot, error)
	GetLotForUpdate(ctx context.Context, id string) (*Lot, error)
	// GetLotByPaymentID resolves the lot minted for a provider payment.
	GetLotByPaymentID(ctx context.Context, paymentID string) (*Lot, error)
	// ActiveLotsFIFO returns debit-able lots for the account ordered by
	// (expires_at ASC NULLS LAST, created_at ASC), locked with
	// FOR UPDATE SKIP LOCKED.
	ActiveLotsFIFO(ctx context.Context, accountID string) ([]*Lot, error)
	SetLotStatus(ctx context.Context, lotID, status string) error

	// --- lot entries (canonical path) ---

	// AppendLotEntry writes a credit/debit/credit_back entry AND adjusts
	// the lot's remaining_micro, re-checking the per-lot conservation
	// equation under lock. A violation aborts the enclosing transaction.
	AppendLotEntry(ctx context.Context, e *LotEntry) error
	// EntryExistsByReference reports whether an entry of the given type
	// already carries reference_id (credit_back replay defense).
	EntryExistsByReference(ctx context.Context, entryType, referenceID string) (bool, error)
	// SumEntriesForLot returns Σcredit + Σcredit_back − Σdebit for the lot.
	SumEntriesForLot(ctx context.Context, lotID string) (*big.Int, error)

	// --- reservations ---

	InsertReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	GetReservationForUpdate(ctx context.Context, id string) (*Reservation, error)
	GetReservationByRequestID(ctx context.Context, accountID, requestID string) (*Reservation, error)
	SetReservationStatus(ctx context.Context, id, status string) error
	// ExpiredReservations returns pending reservations past their TTL.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)

	// --- allocations ---

	InsertAllocation(ctx context.Context, a *LotAllocation) error
	AllocationsForReservation(ctx context.Context, reservationID string) ([]*LotAllocation, error)

	// --- usage events ---

	InsertUsageEvent(ctx context.Context, u *UsageEvent) error
	SumUsageMicro(ctx context.Context, accountID, period string) (*big.Int, error)
	UsageByPeriod(ctx context.Context, period string) ([]AccountPeriodUsage, error)

	// --- webhook events ---

	// InsertWebhookEvent returns inserted=false on (provider,event_id)
	// replay.
	InsertWebhookEvent(ctx context.Context, w *WebhookEvent) (inserted bool, err error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID string) error

	// --- identity anchors ---

	BindIdentityAnchor(ctx context.Context, a *IdentityAnchor) error
	GetIdentityAnchor(ctx context.Context, agentAccountID string) (*IdentityAnchor, error)

	// --- revenue rules & distributions ---

	ActiveRevenueRule(ctx context.Context) (*RevenueRule, error)
	ListRevenueRules(ctx context.Context) ([]*RevenueRule, error)
	InsertDistributionEntry(ctx context.Context, d *DistributionEntry) error

	// --- drift & compensation journal ---

	InsertDriftEvent(ctx context.Context, d *DriftEvent) error
	AppendJournal(ctx context.Context, j *JournalEntry) error
	DeleteJournal(ctx context.Context, id string) error
	BumpJournalAttempts(ctx context.Context, id string) error
	PendingJournal(ctx context.Context, limit int) ([]*JournalEntry, error)

	// --- sweeps ---

	// ExpiredLots returns active lots whose expires_at has passed.
	ExpiredLots(ctx context.Context, now time.Time, limit int) ([]*Lot, error)
	// SampleActiveLots returns up to limit active lots for the rolling
	// invariant check.
	SampleActiveLots(ctx context.Context, limit int) ([]*Lot, error)
}
