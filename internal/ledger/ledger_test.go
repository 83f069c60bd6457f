package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/cache"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/store"
)

const tenant = "tenant-a"

type fixture struct {
	ledger *Ledger
	store  *store.Memory
	cache  *cache.MemoryCache
	acct   *store.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	c := cache.NewMemoryCache()
	l := New(st, c, metrics.Nop{}, zerolog.Nop(), Config{
		ReservationTTL:     10 * time.Minute,
		HighValueThreshold: big.NewInt(100_000_000),
		DefaultMode:        store.ModeLive,
	})
	acct, err := l.CreateAccount(context.Background(), tenant, store.EntityAgent, "agent-1")
	require.NoError(t, err)
	return &fixture{ledger: l, store: st, cache: c, acct: acct}
}

func (f *fixture) mint(t *testing.T, micro int64) *store.Lot {
	t.Helper()
	lot, minted, err := f.ledger.Mint(context.Background(), tenant, MintParams{
		AccountID:   f.acct.ID,
		AmountMicro: big.NewInt(micro),
		Source:      store.SourceGrant,
	})
	require.NoError(t, err)
	require.True(t, minted)
	return lot
}

func TestMintIdempotentOnPaymentID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := MintParams{
		AccountID:   f.acct.ID,
		AmountMicro: big.NewInt(5_000_000),
		Source:      store.SourceNowPayments,
		PaymentID:   "nowpayments:evt-1",
	}
	lot, minted, err := f.ledger.Mint(ctx, tenant, p)
	require.NoError(t, err)
	assert.True(t, minted)

	again, minted, err := f.ledger.Mint(ctx, tenant, p)
	require.NoError(t, err)
	assert.False(t, minted)
	assert.Equal(t, lot.ID, again.ID)

	// Cache limit raised exactly once: $5 = 500 cents.
	limit, err := f.cache.LimitCents(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), limit)
}

func TestMintRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.Mint(ctx, tenant, MintParams{
		AccountID: f.acct.ID, AmountMicro: big.NewInt(0), Source: store.SourceGrant,
	})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, _, err = f.ledger.Mint(ctx, tenant, MintParams{
		AccountID: f.acct.ID, AmountMicro: big.NewInt(100), Source: "lottery",
	})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestReserveFinalizeHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.mint(t, 5_000_000) // $5

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID:      f.acct.ID,
		PoolID:         "fast-code",
		EstimatedMicro: big.NewInt(7_000),
		RequestID:      "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ReservationPending, res.Status)
	assert.Equal(t, int64(1), res.ReservedCents, "7000 micro ceils to 1 cent")

	out, err := f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID,
		ActualMicro:   big.NewInt(7_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "7000", out.FinalizedMicro.String())
	assert.Equal(t, "0", out.ReleasedMicro.String())

	// Lot conservation: remaining = 5_000_000 - 7_000.
	err = f.store.WithinTx(ctx, tenant, func(tx store.Tx) error {
		got, err := tx.GetLot(ctx, lot.ID)
		require.NoError(t, err)
		assert.Equal(t, "4993000", got.RemainingMicro.String())
		sum, err := tx.SumEntriesForLot(ctx, lot.ID)
		require.NoError(t, err)
		assert.Equal(t, got.RemainingMicro.String(), sum.String())

		usage, err := tx.SumUsageMicro(ctx, f.acct.ID, store.Period(time.Now()))
		require.NoError(t, err)
		assert.Equal(t, "7000", usage.String())
		return nil
	})
	require.NoError(t, err)

	committed, err := f.cache.CommittedCents(ctx, f.acct.ID, store.Period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed)
	reserved, err := f.cache.ReservedCents(ctx, f.acct.ID, store.Period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), reserved)
}

func TestRevenueDistributionSumsExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "fast-code",
		EstimatedMicro: big.NewInt(7_001), RequestID: "req-1",
	})
	require.NoError(t, err)
	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(7_001),
	})
	require.NoError(t, err)

	dists := f.store.Distributions()
	require.Len(t, dists, 3)
	total := new(big.Int)
	for _, d := range dists {
		total.Add(total, d.ShareMicro)
		assert.Equal(t, int64(1), d.SchemaVersion)
	}
	// 7001 does not divide evenly; the remainder lands on the first
	// recipient and the split still sums exactly.
	assert.Equal(t, "7001", total.String())
	assert.Equal(t, "platform", dists[0].Recipient)
	assert.Equal(t, "4901", dists[0].ShareMicro.String()) // 4900 + remainder 1
	assert.Equal(t, "1400", dists[1].ShareMicro.String())
	assert.Equal(t, "700", dists[2].ShareMicro.String())
}

func TestReserveIdempotentOnRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)

	p := ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-1",
	}
	r1, err := f.ledger.Reserve(ctx, tenant, p)
	require.NoError(t, err)
	r2, err := f.ledger.Reserve(ctx, tenant, p)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	reserved, err := f.cache.ReservedCents(ctx, f.acct.ID, store.Period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reserved, "retry must not reserve twice")
}

func TestReserveInsufficientCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 20_000) // 2 cents

	_, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(50_000), RequestID: "req-1",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientCredit, apperr.KindOf(err))
	assert.Equal(t, "3", apperr.MetaOf(err)["shortfall_cents"])
}

func TestReserveCancelRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)
	period := store.Period(time.Now())

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(100_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	released, err := f.ledger.Cancel(ctx, tenant, res.ID, "client")
	require.NoError(t, err)
	assert.Equal(t, "100000", released.String())

	reserved, err := f.cache.ReservedCents(ctx, f.acct.ID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reserved)

	// Canceling again is a conflict, not a double release.
	_, err = f.ledger.Cancel(ctx, tenant, res.ID, "client")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestDoubleFinalizeConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(8_000),
	})
	require.NoError(t, err)

	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(8_000),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// Only one usage event and one cache commit.
	committed, err := f.cache.CommittedCents(ctx, f.acct.ID, store.Period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed)
}

func TestFinalizeExpiredReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	f.ledger.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })
	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(8_000),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestLiveFinalizeCapsAtReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	out, err := f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(15_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "10000", out.FinalizedMicro.String())
	assert.Equal(t, "10000", out.UsageMicro.String())
	assert.Equal(t, "0", out.ReleasedMicro.String())
}

func TestShadowFinalizeRecordsOverrun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-1",
		Mode: store.ModeShadow,
	})
	require.NoError(t, err)

	out, err := f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(15_000),
	})
	require.NoError(t, err)
	// Lots are debited only up to the reservation; the usage event keeps
	// the full actual for shadow analysis.
	assert.Equal(t, "10000", out.FinalizedMicro.String())
	assert.Equal(t, "15000", out.UsageMicro.String())

	committed, err := f.cache.CommittedCents(ctx, f.acct.ID, store.Period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed, "shadow commits the uncapped actual (ceil 15000 micro)")

	// The overrun survives as an audit row, not just a log line.
	events := f.store.DriftEvents()
	require.Len(t, events, 1)
	assert.Equal(t, f.acct.ID, events[0].AccountID)
	assert.Equal(t, "5000", events[0].DriftMicro.String())
}

func TestNoBudgetReservePersistsZeroHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "byok", RequestID: "req-1",
		NoBudget: true,
	})
	require.NoError(t, err)

	// The persisted row carries the zero amounts; the store accepts them
	// the same way the schema does.
	err = f.store.WithinTx(ctx, tenant, func(tx store.Tx) error {
		r, err := tx.GetReservation(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, "0", r.ReservedMicro.String())
		assert.Zero(t, r.ReservedCents)
		assert.Equal(t, store.ReservationPending, r.Status)
		return nil
	})
	require.NoError(t, err)

	// No cache hold either.
	reserved, err := f.cache.ReservedCents(ctx, f.acct.ID, store.Period(time.Now()))
	require.NoError(t, err)
	assert.Zero(t, reserved)

	out, err := f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(0), Source: store.UsageBYOK,
	})
	require.NoError(t, err)
	assert.Equal(t, "0", out.FinalizedMicro.String())
	assert.Equal(t, "0", out.UsageMicro.String())
}

func TestMultiLotFIFOAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot1 := f.mint(t, 30_000)
	lot2 := f.mint(t, 50_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(40_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(40_000),
	})
	require.NoError(t, err)

	err = f.store.WithinTx(ctx, tenant, func(tx store.Tx) error {
		l1, err := tx.GetLot(ctx, lot1.ID)
		require.NoError(t, err)
		l2, err := tx.GetLot(ctx, lot2.ID)
		require.NoError(t, err)
		// Oldest lot drained first, remainder from the second.
		assert.Equal(t, "0", l1.RemainingMicro.String())
		assert.Equal(t, store.LotExhausted, l1.Status)
		assert.Equal(t, "40000", l2.RemainingMicro.String())
		return nil
	})
	require.NoError(t, err)
}

func TestProportionalDebitLastBucketAbsorbsRounding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot1 := f.mint(t, 10_000)
	lot2 := f.mint(t, 10_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(20_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	// 13_333 split across 10_000+10_000 proportionally:
	// first share = 13333*10000/20000 = 6666 (floor), last absorbs 6667.
	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(13_333),
	})
	require.NoError(t, err)

	err = f.store.WithinTx(ctx, tenant, func(tx store.Tx) error {
		l1, err := tx.GetLot(ctx, lot1.ID)
		require.NoError(t, err)
		l2, err := tx.GetLot(ctx, lot2.ID)
		require.NoError(t, err)
		assert.Equal(t, "3334", l1.RemainingMicro.String())
		assert.Equal(t, "3333", l2.RemainingMicro.String())
		total := new(big.Int).Add(l1.RemainingMicro, l2.RemainingMicro)
		assert.Equal(t, "6667", total.String())
		return nil
	})
	require.NoError(t, err)
}

func TestAnchorEnforcementAboveThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 500_000_000) // $500

	require.NoError(t, f.ledger.BindAnchor(ctx, tenant, &store.IdentityAnchor{
		AgentAccountID: f.acct.ID,
		AnchorHash:     "anchor-hash-1",
		CreatedBy:      "admin",
	}))

	// Above threshold without the anchor: forbidden.
	_, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "frontier",
		EstimatedMicro: big.NewInt(200_000_000), RequestID: "req-1",
	})
	assert.Equal(t, apperr.KindAnchorMissing, apperr.KindOf(err))

	// Wrong anchor: mismatch.
	_, err = f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "frontier",
		EstimatedMicro: big.NewInt(200_000_000), RequestID: "req-2",
		IdentityAnchor: "other-hash",
	})
	assert.Equal(t, apperr.KindAnchorMismatch, apperr.KindOf(err))

	// Matching anchor passes.
	_, err = f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "frontier",
		EstimatedMicro: big.NewInt(200_000_000), RequestID: "req-3",
		IdentityAnchor: "anchor-hash-1",
	})
	require.NoError(t, err)

	// Below threshold the anchor stays optional.
	_, err = f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-4",
	})
	require.NoError(t, err)
}

func TestCreditBackIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.mint(t, 100_000)

	applied, err := f.ledger.CreditBack(ctx, tenant, lot.ID, big.NewInt(30_000), "x402:settle-1")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.ledger.CreditBack(ctx, tenant, lot.ID, big.NewInt(30_000), "x402:settle-1")
	require.NoError(t, err)
	assert.False(t, applied, "duplicate reference is a no-op")

	err = f.store.WithinTx(ctx, tenant, func(tx store.Tx) error {
		got, err := tx.GetLot(ctx, lot.ID)
		require.NoError(t, err)
		assert.Equal(t, "130000", got.RemainingMicro.String())
		return nil
	})
	require.NoError(t, err)

	limit, err := f.cache.LimitCents(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), limit, "10 cents mint + 3 cents credit back")
}

func TestCacheFailureAfterCommitJournals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mint(t, 5_000_000)
	period := store.Period(time.Now())

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(10_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	// Cache goes down between commit and apply.
	f.cache.Unavailable = assert.AnError
	_, err = f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(8_000),
	})
	require.NoError(t, err, "durable commit succeeds; cache repair is deferred")

	// The journal entry survived for the reconciler.
	var pending []*store.JournalEntry
	err = f.store.WithinTx(ctx, store.SystemTenant, func(tx store.Tx) error {
		pending, err = tx.PendingJournal(ctx, 10)
		return err
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.JournalCacheFinalize, pending[0].Kind)

	// Replay after the cache recovers heals the counters.
	f.cache.Unavailable = nil
	require.NoError(t, ApplyJournal(ctx, f.cache, pending[0]))

	committed, err := f.cache.CommittedCents(ctx, f.acct.ID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed)
	reserved, err := f.cache.ReservedCents(ctx, f.acct.ID, period)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reserved)
}

func TestZeroActualFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.mint(t, 100_000)

	res, err := f.ledger.Reserve(ctx, tenant, ReserveParams{
		AccountID: f.acct.ID, PoolID: "cheap",
		EstimatedMicro: big.NewInt(50_000), RequestID: "req-1",
	})
	require.NoError(t, err)

	out, err := f.ledger.Finalize(ctx, tenant, FinalizeParams{
		ReservationID: res.ID, ActualMicro: big.NewInt(0), Source: store.UsageBYOK,
	})
	require.NoError(t, err)
	assert.Equal(t, "0", out.FinalizedMicro.String())
	assert.Equal(t, "50000", out.ReleasedMicro.String())

	// No debits written for a zero-cost settle.
	err = f.store.WithinTx(ctx, tenant, func(tx store.Tx) error {
		got, err := tx.GetLot(ctx, lot.ID)
		require.NoError(t, err)
		assert.Equal(t, "100000", got.RemainingMicro.String())
		return nil
	})
	require.NoError(t, err)
}
