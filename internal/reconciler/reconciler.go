// Package reconciler is the periodic safety net: it replays the
// compensation journal, detects cache-vs-store drift, sweeps expired
// reservations and lots, and spot-checks lot conservation on a sample.
// Everything it does is idempotent; running twice is harmless.
package reconciler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/arith"
	"github.com/arrakis/backend/internal/cache"
	"github.com/arrakis/backend/internal/circuitbreaker"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/store"
)

// ReserveBreakerPrefix names the per-account reserve breakers the drift
// policy trips. The gateway checks the same name before reserving.
const ReserveBreakerPrefix = "reserve:"

// Config tunes the reconciler.
type Config struct {
	// Interval between runs. Defaults to 5 minutes.
	Interval time.Duration
	// DriftThresholdMicro is the policy line above which an account's
	// reserve path is circuit-broken until an operator resolves it.
	DriftThresholdMicro *big.Int
	// SweepLimit bounds how many rows one run touches per sweep.
	SweepLimit int
	// SampleSize is the rolling conservation sample per run.
	SampleSize int
}

// Reconciler owns the periodic run loop.
type Reconciler struct {
	cfg      Config
	store    store.Store
	cache    cache.Cache
	breakers *circuitbreaker.Manager
	sink     metrics.Sink
	log      zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last Report
}

// Report summarizes one run for the admin surface.
type Report struct {
	RanAt               time.Time      `json:"ranAt"`
	Duration            time.Duration  `json:"durationNs"`
	JournalReplayed     int            `json:"journalReplayed"`
	JournalFailed       int            `json:"journalFailed"`
	DriftAccounts       []DriftSummary `json:"driftAccounts"`
	ExpiredReservations int            `json:"expiredReservations"`
	ExpiredLots         int            `json:"expiredLots"`
	SampleChecked       int            `json:"sampleChecked"`
	SampleViolations    int            `json:"sampleViolations"`
	AuditRoot           string         `json:"auditRoot,omitempty"`
	Errors              []string       `json:"errors,omitempty"`
}

// DriftSummary is one drifting (account, period) pair.
type DriftSummary struct {
	AccountID  string `json:"accountId"`
	Period     string `json:"period"`
	DriftMicro string `json:"driftMicro"`
	Tripped    bool   `json:"tripped"`
}

func New(cfg Config, st store.Store, c cache.Cache, breakers *circuitbreaker.Manager, sink metrics.Sink, log zerolog.Logger) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SweepLimit == 0 {
		cfg.SweepLimit = 500
	}
	if cfg.SampleSize == 0 {
		cfg.SampleSize = 50
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		cache:    c,
		breakers: breakers,
		sink:     sink,
		log:      log.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Run blocks until ctx is done, reconciling on the configured interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// LastReport returns the most recent run summary.
func (r *Reconciler) LastReport() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunOnce executes one full reconciliation cycle.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	started := r.now()
	rep := Report{RanAt: started}

	r.replayJournal(ctx, &rep)
	r.checkDrift(ctx, &rep)
	r.sweepReservations(ctx, &rep)
	r.sweepLots(ctx, &rep)
	r.sampleConservation(ctx, &rep)

	rep.Duration = r.now().Sub(started)
	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	r.log.Info().
		Int("journal_replayed", rep.JournalReplayed).
		Int("drift_accounts", len(rep.DriftAccounts)).
		Int("expired_reservations", rep.ExpiredReservations).
		Int("expired_lots", rep.ExpiredLots).
		Int("sample_violations", rep.SampleViolations).
		Dur("duration", rep.Duration).
		Msg("reconciliation run complete")
	return rep
}

// replayJournal retries compensation entries whose cache write failed
// after the store commit.
func (r *Reconciler) replayJournal(ctx context.Context, rep *Report) {
	var pending []*store.JournalEntry
	err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		var terr error
		pending, terr = tx.PendingJournal(ctx, r.cfg.SweepLimit)
		return terr
	})
	if err != nil {
		rep.Errors = append(rep.Errors, "journal scan: "+err.Error())
		return
	}

	for _, j := range pending {
		if err := ledger.ApplyJournal(ctx, r.cache, j); err != nil {
			rep.JournalFailed++
			r.bumpJournal(ctx, j.ID)
			continue
		}
		err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
			return tx.DeleteJournal(ctx, j.ID)
		})
		if err != nil {
			rep.Errors = append(rep.Errors, "journal delete: "+err.Error())
			continue
		}
		rep.JournalReplayed++
	}
}

func (r *Reconciler) bumpJournal(ctx context.Context, id string) {
	_ = r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		return tx.BumpJournalAttempts(ctx, id)
	})
}

// checkDrift compares the cache's committed counters against the store's
// usage events, for the current period and, just after a rollover, the
// prior one.
func (r *Reconciler) checkDrift(ctx context.Context, rep *Report) {
	for _, period := range r.driftPeriods(r.now()) {
		r.checkDriftPeriod(ctx, rep, period)
	}
}

// driftPeriods keeps the prior period under comparison for one grace
// interval after rollover: finalizes of reservations created before the
// boundary still land there, and divergence accrued late in a period
// would otherwise never be seen.
func (r *Reconciler) driftPeriods(now time.Time) []string {
	now = now.UTC()
	periods := []string{store.Period(now)}
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if now.Sub(start) <= r.cfg.Interval {
		periods = append(periods, store.Period(start.Add(-time.Hour)))
	}
	return periods
}

func (r *Reconciler) checkDriftPeriod(ctx context.Context, rep *Report, period string) {
	var rows []store.AccountPeriodUsage
	err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		var terr error
		rows, terr = tx.UsageByPeriod(ctx, period)
		return terr
	})
	if err != nil {
		rep.Errors = append(rep.Errors, "drift scan: "+err.Error())
		return
	}

	for _, row := range rows {
		committedCents, err := r.cache.CommittedCents(ctx, row.AccountID, period)
		if err != nil {
			rep.Errors = append(rep.Errors, "drift read: "+err.Error())
			continue
		}
		cacheMicro := arith.CentsToMicro(committedCents)
		drift := new(big.Int).Sub(cacheMicro, row.TotalMicro)
		// The cache counts in whole cents; sub-cent residue from the
		// ceiling conversion is expected, not drift.
		if absCmp(drift, big.NewInt(arith.MicroPerCent)) < 0 {
			continue
		}

		driftF, _ := new(big.Float).SetInt(drift).Float64()
		r.sink.LedgerDrift(row.AccountID, driftF)

		tripped := false
		if r.cfg.DriftThresholdMicro != nil && absCmp(drift, r.cfg.DriftThresholdMicro) > 0 {
			r.breakers.Get(ReserveBreakerPrefix + row.AccountID).ForceOpen()
			tripped = true
		}

		err = r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
			return tx.InsertDriftEvent(ctx, &store.DriftEvent{
				ID:         uuid.NewString(),
				AccountID:  row.AccountID,
				Period:     period,
				DriftMicro: drift,
			})
		})
		if err != nil {
			rep.Errors = append(rep.Errors, "drift record: "+err.Error())
		}

		rep.DriftAccounts = append(rep.DriftAccounts, DriftSummary{
			AccountID:  row.AccountID,
			Period:     period,
			DriftMicro: drift.String(),
			Tripped:    tripped,
		})
		r.log.Warn().
			Str("account_id", row.AccountID).
			Str("period", period).
			Str("drift_micro", drift.String()).
			Bool("tripped", tripped).
			Msg("ledger drift detected")
	}
}

// sweepReservations expires pending reservations past their TTL and
// releases their cache hold.
func (r *Reconciler) sweepReservations(ctx context.Context, rep *Report) {
	now := r.now()
	var expired []*store.Reservation
	err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		var terr error
		expired, terr = tx.ExpiredReservations(ctx, now, r.cfg.SweepLimit)
		return terr
	})
	if err != nil {
		rep.Errors = append(rep.Errors, "reservation sweep: "+err.Error())
		return
	}

	for _, res := range expired {
		journal := &store.JournalEntry{
			ID:            uuid.NewString(),
			Kind:          store.JournalCacheCancel,
			AccountID:     res.AccountID,
			Period:        store.Period(res.CreatedAt),
			ReservationID: res.ID,
			ReservedCents: res.ReservedCents,
			Mode:          res.BillingMode,
		}
		err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
			locked, terr := tx.GetReservationForUpdate(ctx, res.ID)
			if terr != nil {
				return terr
			}
			if locked.Status != store.ReservationPending {
				journal = nil
				return nil
			}
			if terr := tx.SetReservationStatus(ctx, res.ID, store.ReservationExpired); terr != nil {
				return terr
			}
			return tx.AppendJournal(ctx, journal)
		})
		if err != nil {
			rep.Errors = append(rep.Errors, "reservation expire: "+err.Error())
			continue
		}
		if journal == nil {
			continue
		}
		if err := ledger.ApplyJournal(ctx, r.cache, journal); err == nil {
			_ = r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
				return tx.DeleteJournal(ctx, journal.ID)
			})
		}
		rep.ExpiredReservations++
		r.sink.ReservationCanceled("expired")
	}
}

// sweepLots writes a terminal expiry debit for lots past expires_at. The
// debit flows through the canonical entry path so conservation holds.
func (r *Reconciler) sweepLots(ctx context.Context, rep *Report) {
	now := r.now()
	var lots []*store.Lot
	err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		var terr error
		lots, terr = tx.ExpiredLots(ctx, now, r.cfg.SweepLimit)
		return terr
	})
	if err != nil {
		rep.Errors = append(rep.Errors, "lot sweep: "+err.Error())
		return
	}

	for _, lot := range lots {
		err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
			locked, terr := tx.GetLotForUpdate(ctx, lot.ID)
			if terr != nil {
				return terr
			}
			if locked.Status != store.LotActive {
				return nil
			}
			if locked.RemainingMicro.Sign() > 0 {
				terr = tx.AppendLotEntry(ctx, &store.LotEntry{
					ID:          uuid.NewString(),
					LotID:       locked.ID,
					AccountID:   locked.AccountID,
					Type:        store.EntryDebit,
					AmountMicro: new(big.Int).Set(locked.RemainingMicro),
					ReferenceID: "expiry:" + locked.ID,
				})
				if terr != nil {
					return terr
				}
			}
			return tx.SetLotStatus(ctx, locked.ID, store.LotExpired)
		})
		if err != nil {
			rep.Errors = append(rep.Errors, "lot expire: "+err.Error())
			continue
		}
		rep.ExpiredLots++
	}
}

// sampleConservation verifies the per-lot entry sum on a rolling sample and
// stamps the report with a Merkle root over what it checked.
func (r *Reconciler) sampleConservation(ctx context.Context, rep *Report) {
	var leaves []string
	err := r.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		lots, terr := tx.SampleActiveLots(ctx, r.cfg.SampleSize)
		if terr != nil {
			return terr
		}
		for _, lot := range lots {
			sum, terr := tx.SumEntriesForLot(ctx, lot.ID)
			if terr != nil {
				return terr
			}
			rep.SampleChecked++
			leaves = append(leaves, lot.ID+"|"+sum.String()+"|"+lot.RemainingMicro.String())
			if sum.Cmp(lot.RemainingMicro) != 0 {
				rep.SampleViolations++
				r.sink.InvariantViolation("conservation")
				r.log.Error().
					Str("lot_id", lot.ID).
					Str("entry_sum", sum.String()).
					Str("remaining_micro", lot.RemainingMicro.String()).
					Msg("lot conservation mismatch")
			}
		}
		return nil
	})
	if err != nil {
		rep.Errors = append(rep.Errors, "conservation sample: "+err.Error())
		return
	}
	rep.AuditRoot = ledger.AuditRoot(leaves)
}

func absCmp(v, bound *big.Int) int {
	return new(big.Int).Abs(v).Cmp(bound)
}
