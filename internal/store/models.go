package store

import (
	"math/big"
	"time"
)

// Entity types an account can belong to.
const (
	EntityAgent = "agent"
	EntityUser  = "user"
	EntityOrg   = "org"
)

// Lot sources.
const (
	SourceGrant       = "grant"
	SourcePurchase    = "purchase"
	SourceX402        = "x402"
	SourceNowPayments = "nowpayments"
	SourceCreditBack  = "creditback"
)

// Lot statuses.
const (
	LotActive    = "active"
	LotExhausted = "exhausted"
	LotExpired   = "expired"
)

// Lot entry types. Entries are append-only and only ever written through
// the canonical ledger_append_entry path.
const (
	EntryCredit     = "credit"
	EntryDebit      = "debit"
	EntryCreditBack = "credit_back"
)

// Reservation statuses.
const (
	ReservationPending   = "pending"
	ReservationFinalized = "finalized"
	ReservationCanceled  = "canceled"
	ReservationExpired   = "expired"
)

// Billing modes.
const (
	ModeLive   = "live"
	ModeShadow = "shadow"
)

// Usage event sources.
const (
	UsageInference = "inference"
	UsageX402      = "x402"
	UsageBYOK      = "byok"
)

// Account is a billing account. Never deleted; version bumps on every
// balance-changing write for optimistic concurrency.
type Account struct {
	ID         string
	TenantID   string
	EntityType string
	EntityID   string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Lot is a credit bucket minted from a single source.
type Lot struct {
	ID             string
	AccountID      string
	Source         string
	PaymentID      string // empty when unset; UNIQUE where set
	OriginalMicro  *big.Int
	RemainingMicro *big.Int
	PoolID         string
	Status         string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// LotEntry is one append-only double-entry row against a lot.
type LotEntry struct {
	ID          string
	LotID       string
	AccountID   string
	Type        string
	AmountMicro *big.Int
	ReferenceID string
	CreatedAt   time.Time
}

// Reservation is a pending claim against one or more lots.
type Reservation struct {
	ID            string
	AccountID     string
	PoolID        string
	RequestID     string
	ReservedMicro *big.Int
	ReservedCents int64
	Status        string
	BillingMode   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// LotAllocation records how a reservation is split across lots.
type LotAllocation struct {
	ID             string
	ReservationID  string
	LotID          string
	AllocatedMicro *big.Int
	CreatedAt      time.Time
}

// UsageEvent is the authoritative committed cost of one request.
type UsageEvent struct {
	ID          string
	AccountID   string
	ReferenceID string
	AmountMicro *big.Int
	Source      string
	Period      string // YYYY-MM, UTC
	CreatedAt   time.Time
}

// WebhookEvent records a received provider callback for replay defense.
type WebhookEvent struct {
	ID          string
	Provider    string
	EventID     string
	EventType   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// IdentityAnchor binds an agent account to an ownership tuple hash.
type IdentityAnchor struct {
	AgentAccountID string
	AnchorHash     string
	ChainID        string
	Contract       string
	TokenID        string
	Owner          string
	CreatedBy      string
	CreatedAt      time.Time
}

// RevenueShare is one recipient's slice of a revenue rule, in basis points.
type RevenueShare struct {
	Recipient string
	Bps       int64
}

// RevenueRule is a versioned revenue split. Rules are immutable; changes
// create a new schema version.
type RevenueRule struct {
	SchemaVersion int64
	Shares        []RevenueShare
	Active        bool
	CreatedAt     time.Time
}

// DistributionEntry is the revenue split captured at finalize time.
type DistributionEntry struct {
	ID            string
	UsageEventID  string
	Recipient     string
	ShareMicro    *big.Int
	SchemaVersion int64
	CreatedAt     time.Time
}

// DriftEvent records a billing discrepancy that needs operator review:
// cache-vs-store divergence found by the reconciler, or a shadow-mode
// finalize whose actual cost exceeded the reservation.
type DriftEvent struct {
	ID         string
	AccountID  string
	Period     string
	DriftMicro *big.Int
	CreatedAt  time.Time
	Resolved   bool
}

// JournalKind values for the compensation journal.
const (
	JournalCacheFinalize   = "cache_finalize"
	JournalCacheCancel     = "cache_cancel"
	JournalCacheCreditBack = "cache_credit_back"
)

// JournalEntry is a write-ahead record for a cache mutation that must
// eventually happen. Written in the same store transaction as the durable
// change; deleted once the cache write succeeds; replayed by the reconciler.
type JournalEntry struct {
	ID            string
	Kind          string
	AccountID     string
	Period        string
	ReservationID string
	LotID         string
	ReservedCents int64
	ActualCents   int64
	Mode          string
	CreatedAt     time.Time
	Attempts      int
}

// AccountPeriodUsage is one row of the reconciler's drift scan.
type AccountPeriodUsage struct {
	AccountID  string
	Period     string
	TotalMicro *big.Int
}

// Period returns the YYYY-MM usage period for t in UTC.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
