package store

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/backend/internal/apperr"
)

const testTenant = "tenant-a"

func seedAccount(t *testing.T, m *Memory, id string) {
	t.Helper()
	err := m.WithinTx(context.Background(), testTenant, func(tx Tx) error {
		return tx.CreateAccount(context.Background(), &Account{
			ID:         id,
			TenantID:   testTenant,
			EntityType: EntityAgent,
			EntityID:   "agent-" + id,
		})
	})
	require.NoError(t, err)
}

func TestTenantIsolation(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")

	err := m.WithinTx(context.Background(), "tenant-b", func(tx Tx) error {
		_, err := tx.GetAccount(context.Background(), "acct-1")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = m.WithinTx(context.Background(), testTenant, func(tx Tx) error {
		a, err := tx.GetAccount(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertLotIdempotentOnPaymentID(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()

	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		inserted, existing, err := tx.InsertLot(ctx, &Lot{
			ID:             "lot-1",
			AccountID:      "acct-1",
			Source:         SourceNowPayments,
			PaymentID:      "nowpayments:evt-1",
			OriginalMicro:  big.NewInt(5_000_000),
			RemainingMicro: big.NewInt(5_000_000),
			Status:         LotActive,
		})
		require.NoError(t, err)
		require.True(t, inserted)
		require.Nil(t, existing)

		inserted, existing, err = tx.InsertLot(ctx, &Lot{
			ID:             "lot-2",
			AccountID:      "acct-1",
			Source:         SourceNowPayments,
			PaymentID:      "nowpayments:evt-1",
			OriginalMicro:  big.NewInt(5_000_000),
			RemainingMicro: big.NewInt(5_000_000),
		})
		require.NoError(t, err)
		assert.False(t, inserted)
		require.NotNil(t, existing)
		assert.Equal(t, "lot-1", existing.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestAppendLotEntryConservation(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()

	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		_, _, err := tx.InsertLot(ctx, &Lot{
			ID:             "lot-1",
			AccountID:      "acct-1",
			Source:         SourceGrant,
			OriginalMicro:  big.NewInt(10_000),
			RemainingMicro: big.NewInt(0),
			Status:         LotActive,
		})
		require.NoError(t, err)
		return tx.AppendLotEntry(ctx, &LotEntry{
			ID: "e-credit", LotID: "lot-1", AccountID: "acct-1",
			Type: EntryCredit, AmountMicro: big.NewInt(10_000), ReferenceID: "mint-1",
		})
	})
	require.NoError(t, err)

	// Debit beyond remaining must fail and roll the whole tx back.
	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		err := tx.AppendLotEntry(ctx, &LotEntry{
			ID: "e-ok", LotID: "lot-1", AccountID: "acct-1",
			Type: EntryDebit, AmountMicro: big.NewInt(4_000), ReferenceID: "res-1",
		})
		require.NoError(t, err)
		return tx.AppendLotEntry(ctx, &LotEntry{
			ID: "e-over", LotID: "lot-1", AccountID: "acct-1",
			Type: EntryDebit, AmountMicro: big.NewInt(7_000), ReferenceID: "res-1",
		})
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvariantViolation, apperr.KindOf(err))

	// Rollback restored the pre-transaction remaining.
	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		l, err := tx.GetLot(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, "10000", l.RemainingMicro.String())
		sum, err := tx.SumEntriesForLot(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, l.RemainingMicro.String(), sum.String())
		return nil
	})
	require.NoError(t, err)
}

func TestActiveLotsFIFOOrder(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	soon := base.Add(24 * time.Hour)
	later := base.Add(72 * time.Hour)
	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		for _, l := range []*Lot{
			{ID: "lot-never", CreatedAt: base, OriginalMicro: big.NewInt(1), RemainingMicro: big.NewInt(1)},
			{ID: "lot-later", CreatedAt: base.Add(time.Hour), ExpiresAt: &later, OriginalMicro: big.NewInt(1), RemainingMicro: big.NewInt(1)},
			{ID: "lot-soon", CreatedAt: base.Add(2 * time.Hour), ExpiresAt: &soon, OriginalMicro: big.NewInt(1), RemainingMicro: big.NewInt(1)},
		} {
			l.AccountID = "acct-1"
			l.Source = SourceGrant
			l.Status = LotActive
			if _, _, err := tx.InsertLot(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		lots, err := tx.ActiveLotsFIFO(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, lots, 3)
		assert.Equal(t, "lot-soon", lots[0].ID)
		assert.Equal(t, "lot-later", lots[1].ID)
		assert.Equal(t, "lot-never", lots[2].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestReservationRequestIDUnique(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()

	mk := func(id string) *Reservation {
		return &Reservation{
			ID: id, AccountID: "acct-1", PoolID: "cheap-fast", RequestID: "req-1",
			ReservedMicro: big.NewInt(10_000), ReservedCents: 1,
			Status: ReservationPending, BillingMode: ModeLive,
			ExpiresAt: time.Now().Add(10 * time.Minute),
		}
	}
	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		return tx.InsertReservation(ctx, mk("res-1"))
	})
	require.NoError(t, err)

	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		return tx.InsertReservation(ctx, mk("res-2"))
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		r, err := tx.GetReservationByRequestID(ctx, "acct-1", "req-1")
		require.NoError(t, err)
		assert.Equal(t, "res-1", r.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestWebhookEventReplay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		inserted, err := tx.InsertWebhookEvent(ctx, &WebhookEvent{
			ID: "wh-1", Provider: "nowpayments", EventID: "evt-1", EventType: "payment.finished",
		})
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertWebhookEvent(ctx, &WebhookEvent{
			ID: "wh-2", Provider: "nowpayments", EventID: "evt-1", EventType: "payment.finished",
		})
		require.NoError(t, err)
		assert.False(t, inserted)

		inserted, err = tx.InsertWebhookEvent(ctx, &WebhookEvent{
			ID: "wh-3", Provider: "stripe", EventID: "evt-1", EventType: "checkout.session.completed",
		})
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	})
	require.NoError(t, err)
}

func TestSeededRevenueRule(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		rule, err := tx.ActiveRevenueRule(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rule.SchemaVersion)
		require.Len(t, rule.Shares, 3)
		var total int64
		for _, s := range rule.Shares {
			total += s.Bps
		}
		assert.Equal(t, int64(10_000), total)
		return nil
	})
	require.NoError(t, err)
}

func TestPeriodFormat(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	// Local time before midnight still lands in the next UTC month.
	assert.Equal(t, "2026-04", Period(time.Date(2026, 3, 31, 23, 30, 0, 0, est)))
	assert.Equal(t, "2026-03", Period(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)))
}

func TestJournalLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		require.NoError(t, tx.AppendJournal(ctx, &JournalEntry{
			ID: "j-1", Kind: JournalCacheFinalize, AccountID: "acct-1",
			Period: "2026-03", ReservationID: "res-1", ReservedCents: 5, ActualCents: 3, Mode: ModeLive,
		}))
		require.NoError(t, tx.AppendJournal(ctx, &JournalEntry{
			ID: "j-2", Kind: JournalCacheCancel, AccountID: "acct-1",
			Period: "2026-03", ReservationID: "res-2", ReservedCents: 2, Mode: ModeLive,
		}))
		return nil
	})
	require.NoError(t, err)

	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		pending, err := tx.PendingJournal(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "j-1", pending[0].ID)

		require.NoError(t, tx.BumpJournalAttempts(ctx, "j-1"))
		require.NoError(t, tx.DeleteJournal(ctx, "j-2"))

		pending, err = tx.PendingJournal(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Attempts)
		return nil
	})
	require.NoError(t, err)
}

func TestSystemTenantSpansTenants(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()

	err := m.WithinTx(ctx, "tenant-b", func(tx Tx) error {
		return tx.CreateAccount(ctx, &Account{
			ID:         "acct-2",
			TenantID:   "tenant-b",
			EntityType: EntityAgent,
			EntityID:   "agent-acct-2",
		})
	})
	require.NoError(t, err)

	// The reconciler's tenant sees every account; an ordinary tenant
	// still sees only its own.
	err = m.WithinTx(ctx, SystemTenant, func(tx Tx) error {
		if _, err := tx.GetAccount(ctx, "acct-1"); err != nil {
			return err
		}
		_, err := tx.GetAccount(ctx, "acct-2")
		return err
	})
	require.NoError(t, err)

	err = m.WithinTx(ctx, "tenant-b", func(tx Tx) error {
		_, err := tx.GetAccount(ctx, "acct-1")
		return err
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestReservationAmountBounds(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	// Zero is a legal no-budget hold.
	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		return tx.InsertReservation(ctx, &Reservation{
			ID: "res-0", AccountID: "acct-1", PoolID: "byok", RequestID: "req-0",
			ReservedMicro: big.NewInt(0), ExpiresAt: expires,
		})
	})
	require.NoError(t, err)

	// Negative amounts never persist, same as the schema checks.
	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		return tx.InsertReservation(ctx, &Reservation{
			ID: "res-1", AccountID: "acct-1", PoolID: "cheap", RequestID: "req-1",
			ReservedMicro: big.NewInt(-1), ExpiresAt: expires,
		})
	})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	err = m.WithinTx(ctx, testTenant, func(tx Tx) error {
		return tx.InsertReservation(ctx, &Reservation{
			ID: "res-2", AccountID: "acct-1", PoolID: "cheap", RequestID: "req-2",
			ReservedMicro: big.NewInt(1), ReservedCents: -1, ExpiresAt: expires,
		})
	})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestSchemaMatchesStoreContract(t *testing.T) {
	raw, err := migrationsFS.ReadFile("migrations/000001_init.up.sql")
	require.NoError(t, err)
	schema := string(raw)

	// Zero-amount no-budget reservations must pass the row checks.
	assert.Contains(t, schema, "CHECK (reserved_micro >= 0)")
	assert.Contains(t, schema, "CHECK (reserved_cents >= 0)")

	// Row security must bind the owning role too, and every policy must
	// admit the system tenant the reconciler runs as.
	tables := []string{"accounts", "lots", "reservations", "usage_events"}
	for _, table := range tables {
		assert.Contains(t, schema, "ALTER TABLE "+table+" FORCE ROW LEVEL SECURITY")
	}
	bypass := "current_setting('app.tenant_id', true) = '" + SystemTenant + "'"
	assert.Equal(t, len(tables), strings.Count(schema, bypass))
}

func TestAppendLotEntryRejectsUnknownType(t *testing.T) {
	m := NewMemory()
	seedAccount(t, m, "acct-1")
	ctx := context.Background()

	err := m.WithinTx(ctx, testTenant, func(tx Tx) error {
		_, _, err := tx.InsertLot(ctx, &Lot{
			ID:             "lot-1",
			AccountID:      "acct-1",
			Source:         SourceGrant,
			OriginalMicro:  big.NewInt(10_000),
			RemainingMicro: big.NewInt(10_000),
			Status:         LotActive,
		})
		require.NoError(t, err)
		return tx.AppendLotEntry(ctx, &LotEntry{
			ID: "e-1", LotID: "lot-1", AccountID: "acct-1",
			Type: "transfer", AmountMicro: big.NewInt(1_000), ReferenceID: "ref-1",
		})
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "transfer")
}

func TestSerializationFailureClassification(t *testing.T) {
	assert.True(t, serializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, serializationFailure(&pq.Error{Code: "40P01"}))
	assert.False(t, serializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, serializationFailure(errors.New("broken pipe")))
	assert.False(t, serializationFailure(nil))

	// Errors wrapped by the query helpers still classify.
	wrapped := apperr.Wrap(&pq.Error{Code: "40001"}, apperr.KindDependencyUnavailable, "upsert")
	assert.True(t, serializationFailure(wrapped))
}
