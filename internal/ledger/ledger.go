// Package ledger is the sole writer for lots, entries, reservations and
// usage events. Every operation pairs a durable store transaction with an
// idempotent cache mutation; the cache write is journaled write-ahead in
// the same transaction so a crash between commit and cache apply is
// repaired by the reconciler, never lost.
package ledger

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/arith"
	"github.com/arrakis/backend/internal/cache"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/store"
)

// Config carries the ledger's policy knobs.
type Config struct {
	ReservationTTL     time.Duration
	HighValueThreshold *big.Int
	DefaultMode        string // live or shadow
}

// Ledger coordinates the durable store and the budget cache.
type Ledger struct {
	store store.Store
	cache cache.Cache
	sink  metrics.Sink
	log   zerolog.Logger
	cfg   Config

	now   func() time.Time
	newID func() string
}

func New(st store.Store, c cache.Cache, sink metrics.Sink, log zerolog.Logger, cfg Config) *Ledger {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = store.ModeLive
	}
	return &Ledger{
		store: st,
		cache: c,
		sink:  sink,
		log:   log.With().Str("component", "ledger").Logger(),
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetClock overrides the time source, for TTL tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

var validSources = map[string]bool{
	store.SourceGrant:       true,
	store.SourcePurchase:    true,
	store.SourceX402:        true,
	store.SourceNowPayments: true,
	store.SourceCreditBack:  true,
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// CreateAccount provisions a billing account. ID is generated when empty.
func (l *Ledger) CreateAccount(ctx context.Context, tenantID, entityType, entityID string) (*store.Account, error) {
	switch entityType {
	case store.EntityAgent, store.EntityUser, store.EntityOrg:
	default:
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown entity type %q", entityType)
	}
	a := &store.Account{
		ID:         l.newID(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
	}
	err := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		return tx.CreateAccount(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// BindAnchor attaches an identity anchor to an agent account. Binding is
// write-once; rebinding is a conflict handled by an operator.
func (l *Ledger) BindAnchor(ctx context.Context, tenantID string, anchor *store.IdentityAnchor) error {
	if anchor.AnchorHash == "" {
		return apperr.New(apperr.KindInvalidArgument, "anchor hash required")
	}
	return l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, anchor.AgentAccountID); err != nil {
			return err
		}
		return tx.BindIdentityAnchor(ctx, anchor)
	})
}

// ---------------------------------------------------------------------------
// Mint
// ---------------------------------------------------------------------------

// MintParams describes a credit lot to create.
type MintParams struct {
	AccountID   string
	AmountMicro *big.Int
	Source      string
	PaymentID   string // optional; idempotence key when set
	PoolID      string // optional pool restriction
	ExpiresAt   *time.Time
}

// Mint creates a credit lot and raises the cache limit. A second call with
// the same PaymentID returns the existing lot with no side effects.
func (l *Ledger) Mint(ctx context.Context, tenantID string, p MintParams) (*store.Lot, bool, error) {
	if p.AmountMicro == nil || p.AmountMicro.Sign() <= 0 {
		return nil, false, apperr.New(apperr.KindInvalidArgument, "mint amount must be positive")
	}
	if !validSources[p.Source] {
		return nil, false, apperr.New(apperr.KindInvalidArgument, "unknown lot source %q", p.Source)
	}
	limitCents, err := floorCents(p.AmountMicro)
	if err != nil {
		return nil, false, err
	}

	lot := &store.Lot{
		ID:             l.newID(),
		AccountID:      p.AccountID,
		Source:         p.Source,
		PaymentID:      p.PaymentID,
		OriginalMicro:  new(big.Int).Set(p.AmountMicro),
		RemainingMicro: big.NewInt(0),
		PoolID:         p.PoolID,
		Status:         store.LotActive,
		ExpiresAt:      p.ExpiresAt,
	}
	journal := &store.JournalEntry{
		ID:          l.newID(),
		Kind:        store.JournalCacheCreditBack,
		AccountID:   p.AccountID,
		Period:      store.Period(l.now()),
		LotID:       lot.ID,
		ActualCents: limitCents,
		Mode:        l.cfg.DefaultMode,
	}

	var existing *store.Lot
	err = l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		// Account row lock serializes cache/store coordination for mints.
		if _, err := tx.GetAccountForUpdate(ctx, p.AccountID); err != nil {
			return err
		}
		inserted, ex, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		if !inserted {
			existing = ex
			return nil
		}
		if err := tx.AppendLotEntry(ctx, &store.LotEntry{
			ID:          l.newID(),
			LotID:       lot.ID,
			AccountID:   p.AccountID,
			Type:        store.EntryCredit,
			AmountMicro: p.AmountMicro,
			ReferenceID: "mint:" + lot.ID,
		}); err != nil {
			return err
		}
		if err := tx.BumpAccountVersion(ctx, p.AccountID); err != nil {
			return err
		}
		return tx.AppendJournal(ctx, journal)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	lot.RemainingMicro = new(big.Int).Set(p.AmountMicro)
	l.applyJournal(ctx, tenantID, journal)
	l.sink.MintApplied(p.Source)
	l.log.Info().
		Str("account_id", p.AccountID).
		Str("lot_id", lot.ID).
		Str("source", p.Source).
		Str("amount_micro", arith.FormatMicro(p.AmountMicro)).
		Msg("lot minted")
	return lot, true, nil
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

// ReserveParams describes a budget reservation request.
type ReserveParams struct {
	AccountID      string
	PoolID         string
	EstimatedMicro *big.Int
	RequestID      string
	Mode           string // empty means the ledger default
	IdentityAnchor string // presented anchor hash, required above threshold
	// NoBudget tracks the request lifecycle without holding credit. Used
	// for BYOK dispatches, where the caller's own upstream key pays.
	NoBudget bool
}

// Reserve claims budget for a request. Idempotent on RequestID.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, p ReserveParams) (*store.Reservation, error) {
	if p.NoBudget {
		return l.reserveNoBudget(ctx, tenantID, p)
	}
	if p.EstimatedMicro == nil || p.EstimatedMicro.Sign() <= 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "estimated cost must be positive")
	}
	if p.RequestID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "request id required")
	}
	mode := p.Mode
	if mode == "" {
		mode = l.cfg.DefaultMode
	}
	if mode != store.ModeLive && mode != store.ModeShadow {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown billing mode %q", mode)
	}
	// Ceiling so the cache never under-reserves; the sub-cent remainder is
	// settled micro-exact at finalize.
	cents, err := arith.MicroToCentsCeil(p.EstimatedMicro)
	if err != nil {
		return nil, err
	}

	var existing *store.Reservation
	err = l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, p.AccountID); err != nil {
			return err
		}
		if r, err := tx.GetReservationByRequestID(ctx, p.AccountID, p.RequestID); err == nil {
			existing = r
			return nil
		} else if !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}
		return l.checkAnchor(ctx, tx, p)
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindAnchorMissing) || apperr.IsKind(err, apperr.KindAnchorMismatch) {
			l.sink.ReservationRejected("anchor")
		}
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	period := store.Period(l.now())
	res, err := l.cache.Reserve(ctx, p.AccountID, period, cents)
	if err != nil {
		l.sink.SecurityDependencyDown("cache")
		return nil, err
	}
	if !res.OK {
		l.sink.ReservationRejected("insufficient")
		return nil, apperr.New(apperr.KindInsufficientCredit, "insufficient credit").
			WithMeta("shortfall_cents", strconv.FormatInt(res.ShortfallCents, 10))
	}

	reservation := &store.Reservation{
		ID:            l.newID(),
		AccountID:     p.AccountID,
		PoolID:        p.PoolID,
		RequestID:     p.RequestID,
		ReservedMicro: new(big.Int).Set(p.EstimatedMicro),
		ReservedCents: cents,
		Status:        store.ReservationPending,
		BillingMode:   mode,
		ExpiresAt:     l.now().Add(l.cfg.ReservationTTL),
	}
	err = l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		lots, err := tx.ActiveLotsFIFO(ctx, p.AccountID)
		if err != nil {
			return err
		}
		remaining := new(big.Int).Set(p.EstimatedMicro)
		var allocs []*store.LotAllocation
		for _, lot := range lots {
			if remaining.Sign() == 0 {
				break
			}
			if lot.PoolID != "" && lot.PoolID != p.PoolID {
				continue
			}
			take := arith.Min(remaining, lot.RemainingMicro)
			if take.Sign() <= 0 {
				continue
			}
			allocs = append(allocs, &store.LotAllocation{
				ID:             l.newID(),
				ReservationID:  reservation.ID,
				LotID:          lot.ID,
				AllocatedMicro: take,
			})
			remaining.Sub(remaining, take)
		}
		if remaining.Sign() > 0 {
			// Cache admitted but lots cannot cover: the counters have
			// drifted ahead of the store. Fail the reserve; the
			// reconciler will surface the drift.
			return apperr.New(apperr.KindInsufficientCredit, "insufficient credit").
				WithMeta("shortfall_micro", arith.FormatMicro(remaining))
		}
		if err := tx.InsertReservation(ctx, reservation); err != nil {
			return err
		}
		for _, a := range allocs {
			if err := tx.InsertAllocation(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Release the cache claim; idempotence key derives from the
		// never-persisted reservation id so a retry reserves afresh.
		if _, cerr := l.cache.Cancel(ctx, p.AccountID, period, cents, "cancel:"+reservation.ID); cerr != nil {
			l.log.Error().Err(cerr).
				Str("account_id", p.AccountID).
				Int64("cents", cents).
				Msg("failed to release cache reservation after store error")
		}
		if apperr.IsKind(err, apperr.KindConflict) {
			// Lost a request_id race; the winner's reservation is the answer.
			var winner *store.Reservation
			rerr := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
				r, err := tx.GetReservationByRequestID(ctx, p.AccountID, p.RequestID)
				if err != nil {
					return err
				}
				winner = r
				return nil
			})
			if rerr == nil {
				return winner, nil
			}
		}
		if apperr.IsKind(err, apperr.KindInsufficientCredit) {
			l.sink.ReservationRejected("insufficient")
		}
		return nil, err
	}

	l.sink.ReservationCreated(p.PoolID, mode)
	return reservation, nil
}

// reserveNoBudget creates a zero-amount reservation so finalize can still
// record usage for requests that consume no platform credit.
func (l *Ledger) reserveNoBudget(ctx context.Context, tenantID string, p ReserveParams) (*store.Reservation, error) {
	if p.RequestID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "request id required")
	}
	mode := p.Mode
	if mode == "" {
		mode = l.cfg.DefaultMode
	}
	reservation := &store.Reservation{
		ID:            l.newID(),
		AccountID:     p.AccountID,
		PoolID:        p.PoolID,
		RequestID:     p.RequestID,
		ReservedMicro: big.NewInt(0),
		Status:        store.ReservationPending,
		BillingMode:   mode,
		ExpiresAt:     l.now().Add(l.cfg.ReservationTTL),
	}
	err := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, p.AccountID); err != nil {
			return err
		}
		if r, err := tx.GetReservationByRequestID(ctx, p.AccountID, p.RequestID); err == nil {
			reservation = r
			return nil
		} else if !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}
		return tx.InsertReservation(ctx, reservation)
	})
	if err != nil {
		return nil, err
	}
	l.sink.ReservationCreated(p.PoolID, mode)
	return reservation, nil
}

func (l *Ledger) checkAnchor(ctx context.Context, tx store.Tx, p ReserveParams) error {
	if l.cfg.HighValueThreshold == nil || p.EstimatedMicro.Cmp(l.cfg.HighValueThreshold) <= 0 {
		return nil
	}
	anchor, err := tx.GetIdentityAnchor(ctx, p.AccountID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		// Unanchored accounts stay on graduated trust.
		return nil
	}
	if err != nil {
		return err
	}
	if p.IdentityAnchor == "" {
		return apperr.New(apperr.KindAnchorMissing, "identity anchor required for high-value reservation")
	}
	if p.IdentityAnchor != anchor.AnchorHash {
		return apperr.New(apperr.KindAnchorMismatch, "identity anchor does not match binding")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Finalize
// ---------------------------------------------------------------------------

// FinalizeParams describes a settlement of a pending reservation.
type FinalizeParams struct {
	ReservationID string
	ActualMicro   *big.Int
	Source        string // usage event source; defaults to inference
}

// Outcome reports what finalize committed and released.
type Outcome struct {
	FinalizedMicro *big.Int
	ReleasedMicro  *big.Int
	UsageMicro     *big.Int
}

// Finalize settles a reservation: debits lots FIFO-proportionally, records
// the usage event and revenue distributions, and commits the cache.
// Finalizing twice is a conflict, never a double charge.
func (l *Ledger) Finalize(ctx context.Context, tenantID string, p FinalizeParams) (*Outcome, error) {
	start := l.now()
	if p.ActualMicro == nil || p.ActualMicro.Sign() < 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "actual cost must be non-negative")
	}
	source := p.Source
	if source == "" {
		source = store.UsageInference
	}

	var (
		outcome Outcome
		journal *store.JournalEntry
		poolID  string
	)
	err := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		r, err := tx.GetReservationForUpdate(ctx, p.ReservationID)
		if err != nil {
			return err
		}
		poolID = r.PoolID
		switch r.Status {
		case store.ReservationPending:
		case store.ReservationFinalized:
			return apperr.New(apperr.KindConflict, "reservation already finalized")
		default:
			return apperr.New(apperr.KindConflict, "reservation is %s", r.Status)
		}
		if r.ExpiresAt.Before(l.now()) {
			return apperr.New(apperr.KindConflict, "reservation expired")
		}

		period := store.Period(r.CreatedAt)
		committed := arith.Min(p.ActualMicro, r.ReservedMicro)
		usage := committed
		if r.BillingMode == store.ModeShadow {
			usage = new(big.Int).Set(p.ActualMicro)
			if p.ActualMicro.Cmp(r.ReservedMicro) > 0 {
				overrun := new(big.Int).Sub(p.ActualMicro, r.ReservedMicro)
				// The overrun survives as an audit row; a log line alone
				// disappears with rotation.
				if err := tx.InsertDriftEvent(ctx, &store.DriftEvent{
					ID:         l.newID(),
					AccountID:  r.AccountID,
					Period:     period,
					DriftMicro: overrun,
				}); err != nil {
					return err
				}
				l.log.Warn().
					Str("reservation_id", r.ID).
					Str("account_id", r.AccountID).
					Str("overrun_micro", arith.FormatMicro(overrun)).
					Msg("shadow overrun")
			}
		}

		if err := l.debitAllocations(ctx, tx, r, committed); err != nil {
			return err
		}
		usageEvent := &store.UsageEvent{
			ID:          l.newID(),
			AccountID:   r.AccountID,
			ReferenceID: r.ID,
			AmountMicro: usage,
			Source:      source,
			Period:      period,
		}
		if err := tx.InsertUsageEvent(ctx, usageEvent); err != nil {
			return err
		}
		if err := tx.SetReservationStatus(ctx, r.ID, store.ReservationFinalized); err != nil {
			return err
		}
		if err := l.distribute(ctx, tx, usageEvent); err != nil {
			return err
		}
		if err := tx.BumpAccountVersion(ctx, r.AccountID); err != nil {
			return err
		}

		actualCents, err := arith.MicroToCentsCeil(usage)
		if err != nil {
			return err
		}
		journal = &store.JournalEntry{
			ID:            l.newID(),
			Kind:          store.JournalCacheFinalize,
			AccountID:     r.AccountID,
			Period:        period,
			ReservationID: r.ID,
			ReservedCents: r.ReservedCents,
			ActualCents:   actualCents,
			Mode:          r.BillingMode,
		}
		if err := tx.AppendJournal(ctx, journal); err != nil {
			return err
		}

		outcome = Outcome{
			FinalizedMicro: committed,
			ReleasedMicro:  new(big.Int).Sub(r.ReservedMicro, committed),
			UsageMicro:     usage,
		}
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindInvariantViolation) {
			l.sink.InvariantViolation("conservation")
		}
		return nil, err
	}

	l.applyJournal(ctx, tenantID, journal)
	l.sink.ReservationFinalized(poolID, l.now().Sub(start))
	return &outcome, nil
}

// debitAllocations splits committed across the reservation's allocations
// proportionally; the last allocation absorbs integer-division rounding.
func (l *Ledger) debitAllocations(ctx context.Context, tx store.Tx, r *store.Reservation, committed *big.Int) error {
	if committed.Sign() == 0 {
		return nil
	}
	allocs, err := tx.AllocationsForReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	if len(allocs) == 0 {
		return apperr.New(apperr.KindInternal, "reservation has no allocations")
	}
	distributed := new(big.Int)
	for i, a := range allocs {
		var share *big.Int
		if i == len(allocs)-1 {
			share = new(big.Int).Sub(committed, distributed)
		} else {
			share = new(big.Int).Mul(committed, a.AllocatedMicro)
			share.Quo(share, r.ReservedMicro)
		}
		if share.Sign() <= 0 {
			continue
		}
		if err := tx.AppendLotEntry(ctx, &store.LotEntry{
			ID:          l.newID(),
			LotID:       a.LotID,
			AccountID:   r.AccountID,
			Type:        store.EntryDebit,
			AmountMicro: share,
			ReferenceID: r.ID,
		}); err != nil {
			return err
		}
		distributed.Add(distributed, share)

		lot, err := tx.GetLot(ctx, a.LotID)
		if err != nil {
			return err
		}
		if lot.RemainingMicro.Sign() == 0 {
			if err := tx.SetLotStatus(ctx, a.LotID, store.LotExhausted); err != nil {
				return err
			}
		}
	}
	return nil
}

// distribute writes revenue split entries for the usage event under the
// active rule, pinning the rule's schema version.
func (l *Ledger) distribute(ctx context.Context, tx store.Tx, u *store.UsageEvent) error {
	if u.AmountMicro.Sign() == 0 {
		return nil
	}
	rule, err := tx.ActiveRevenueRule(ctx)
	if err != nil {
		return err
	}
	shares := make([]*big.Int, len(rule.Shares))
	total := new(big.Int)
	for i, s := range rule.Shares {
		v := new(big.Int).Mul(u.AmountMicro, big.NewInt(s.Bps))
		v.Quo(v, big.NewInt(10_000))
		shares[i] = v
		total.Add(total, v)
	}
	// Integer-division remainder goes to the first recipient so the split
	// always sums to the usage amount exactly.
	if rem := new(big.Int).Sub(u.AmountMicro, total); rem.Sign() > 0 && len(shares) > 0 {
		shares[0].Add(shares[0], rem)
	}
	for i, s := range rule.Shares {
		if err := tx.InsertDistributionEntry(ctx, &store.DistributionEntry{
			ID:            l.newID(),
			UsageEventID:  u.ID,
			Recipient:     s.Recipient,
			ShareMicro:    shares[i],
			SchemaVersion: rule.SchemaVersion,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

// Cancel releases a pending reservation without charging anything.
func (l *Ledger) Cancel(ctx context.Context, tenantID, reservationID, reason string) (*big.Int, error) {
	var (
		journal  *store.JournalEntry
		released *big.Int
	)
	err := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		r, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != store.ReservationPending {
			return apperr.New(apperr.KindConflict, "reservation is %s", r.Status)
		}
		if err := tx.SetReservationStatus(ctx, r.ID, store.ReservationCanceled); err != nil {
			return err
		}
		journal = &store.JournalEntry{
			ID:            l.newID(),
			Kind:          store.JournalCacheCancel,
			AccountID:     r.AccountID,
			Period:        store.Period(r.CreatedAt),
			ReservationID: r.ID,
			ReservedCents: r.ReservedCents,
			Mode:          r.BillingMode,
		}
		released = new(big.Int).Set(r.ReservedMicro)
		return tx.AppendJournal(ctx, journal)
	})
	if err != nil {
		return nil, err
	}

	l.applyJournal(ctx, tenantID, journal)
	l.sink.ReservationCanceled(reason)
	l.log.Info().
		Str("reservation_id", reservationID).
		Str("reason", reason).
		Msg("reservation_canceled")
	return released, nil
}

// ---------------------------------------------------------------------------
// Credit back
// ---------------------------------------------------------------------------

// CreditBack raises a lot's remaining for a settled conservative quote.
// Duplicate reference ids are no-ops.
func (l *Ledger) CreditBack(ctx context.Context, tenantID, lotID string, amountMicro *big.Int, referenceID string) (bool, error) {
	if amountMicro == nil || amountMicro.Sign() <= 0 {
		return false, apperr.New(apperr.KindInvalidArgument, "credit back amount must be positive")
	}
	if referenceID == "" {
		return false, apperr.New(apperr.KindInvalidArgument, "reference id required")
	}
	cents, err := floorCents(amountMicro)
	if err != nil {
		return false, err
	}

	var (
		journal *store.JournalEntry
		applied bool
	)
	err = l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		exists, err := tx.EntryExistsByReference(ctx, store.EntryCreditBack, referenceID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		lot, err := tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if err := tx.AppendLotEntry(ctx, &store.LotEntry{
			ID:          l.newID(),
			LotID:       lotID,
			AccountID:   lot.AccountID,
			Type:        store.EntryCreditBack,
			AmountMicro: amountMicro,
			ReferenceID: referenceID,
		}); err != nil {
			return err
		}
		if lot.Status == store.LotExhausted {
			if err := tx.SetLotStatus(ctx, lotID, store.LotActive); err != nil {
				return err
			}
		}
		journal = &store.JournalEntry{
			ID:            l.newID(),
			Kind:          store.JournalCacheCreditBack,
			AccountID:     lot.AccountID,
			Period:        store.Period(l.now()),
			ReservationID: referenceID,
			LotID:         lotID,
			ActualCents:   cents,
			Mode:          l.cfg.DefaultMode,
		}
		applied = true
		return tx.AppendJournal(ctx, journal)
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	l.applyJournal(ctx, tenantID, journal)
	return true, nil
}

// ---------------------------------------------------------------------------
// Balance
// ---------------------------------------------------------------------------

// BalanceView is the budget snapshot returned by the admin surface.
type BalanceView struct {
	AccountID      string
	RemainingMicro *big.Int
	LimitCents     int64
	ReservedCents  int64
	CommittedCents int64
	Period         string
}

// Balance reports durable remaining credit and the cache counters.
func (l *Ledger) Balance(ctx context.Context, tenantID, accountID string) (*BalanceView, error) {
	view := &BalanceView{AccountID: accountID, Period: store.Period(l.now())}
	err := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		lots, err := tx.ActiveLotsFIFO(ctx, accountID)
		if err != nil {
			return err
		}
		total := new(big.Int)
		for _, lot := range lots {
			total.Add(total, lot.RemainingMicro)
		}
		view.RemainingMicro = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	if view.LimitCents, err = l.cache.LimitCents(ctx, accountID); err != nil {
		return nil, err
	}
	if view.ReservedCents, err = l.cache.ReservedCents(ctx, accountID, view.Period); err != nil {
		return nil, err
	}
	if view.CommittedCents, err = l.cache.CommittedCents(ctx, accountID, view.Period); err != nil {
		return nil, err
	}
	return view, nil
}

// ---------------------------------------------------------------------------
// Journal plumbing
// ---------------------------------------------------------------------------

// JournalIdemKey derives the cache idempotence key for a journal entry.
// Deterministic so a replay after a crash hits the same processed marker.
func JournalIdemKey(j *store.JournalEntry) string {
	switch j.Kind {
	case store.JournalCacheFinalize:
		return "finalize:" + j.ReservationID
	case store.JournalCacheCancel:
		return "cancel:" + j.ReservationID
	default:
		if j.ReservationID != "" {
			return "creditback:" + j.ReservationID
		}
		return "mint:" + j.LotID
	}
}

// ApplyJournal performs the cache mutation a journal entry describes.
func ApplyJournal(ctx context.Context, c cache.Cache, j *store.JournalEntry) error {
	switch j.Kind {
	case store.JournalCacheFinalize:
		_, err := c.Finalize(ctx, j.AccountID, j.Period, j.ReservedCents, j.ActualCents, j.Mode, JournalIdemKey(j))
		return err
	case store.JournalCacheCancel:
		_, err := c.Cancel(ctx, j.AccountID, j.Period, j.ReservedCents, JournalIdemKey(j))
		return err
	case store.JournalCacheCreditBack:
		_, err := c.CreditBack(ctx, j.AccountID, j.ActualCents, JournalIdemKey(j))
		return err
	default:
		return apperr.New(apperr.KindInternal, "unknown journal kind %q", j.Kind)
	}
}

// applyJournal runs the cache write for a just-committed transaction and
// clears the journal record on success. On failure the record stays for
// the reconciler to replay.
func (l *Ledger) applyJournal(ctx context.Context, tenantID string, j *store.JournalEntry) {
	if j == nil {
		return
	}
	if err := ApplyJournal(ctx, l.cache, j); err != nil {
		l.sink.SecurityDependencyDown("cache")
		l.log.Error().Err(err).
			Str("journal_id", j.ID).
			Str("kind", j.Kind).
			Msg("cache write failed after commit; journal retained for reconciler")
		return
	}
	if err := l.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		return tx.DeleteJournal(ctx, j.ID)
	}); err != nil {
		// Harmless: the replayed cache op is idempotent.
		l.log.Warn().Err(err).Str("journal_id", j.ID).Msg("journal cleanup failed")
	}
}

func floorCents(micro *big.Int) (int64, error) {
	c := new(big.Int).Quo(micro, big.NewInt(arith.MicroPerCent))
	if !c.IsInt64() {
		return 0, apperr.New(apperr.KindInvalidArgument, "amount exceeds cache counter range")
	}
	return c.Int64(), nil
}
