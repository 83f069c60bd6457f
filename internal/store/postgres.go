package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/arrakis/backend/internal/apperr"
)

// PostgresStore implements Store on a *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, verifies reachability and returns a Store.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "open postgres")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.Wrap(err, apperr.KindDependencyUnavailable, "ping postgres")
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle (used by the migrator and tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for the migration runner.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Wrap(err, apperr.KindDependencyUnavailable, "postgres ping")
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// txRetries bounds how often a serialization failure is retried before
// the error surfaces to the caller.
const txRetries = 3

// WithinTx opens a SERIALIZABLE transaction, pins the tenant for
// row-level security, runs fn and commits. Any error from fn rolls
// back. Serialization failures rerun fn on a fresh transaction, so fn
// must be safe to execute more than once.
func (s *PostgresStore) WithinTx(ctx context.Context, tenantID string, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= txRetries; attempt++ {
		err = s.runTx(ctx, tenantID, fn)
		if err == nil || !serializationFailure(err) {
			return err
		}
	}
	return apperr.Wrap(err, apperr.KindDependencyUnavailable, "tx retries exhausted")
}

func (s *PostgresStore) runTx(ctx context.Context, tenantID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apperr.Wrap(err, apperr.KindDependencyUnavailable, "begin tx")
	}
	// SET LOCAL cannot take bind parameters; set_config with is_local=true
	// scopes the setting to this transaction.
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		tx.Rollback()
		return apperr.Wrap(err, apperr.KindInternal, "set tenant")
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if serializationFailure(err) {
			return err
		}
		return apperr.Wrap(err, apperr.KindDependencyUnavailable, "commit tx")
	}
	return nil
}

// serializationFailure matches the SQLSTATE codes SERIALIZABLE raises
// when concurrent transactions conflict: 40001 (serialization_failure)
// and 40P01 (deadlock_detected). Both resolve by rerunning.
func serializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type pgTx struct {
	tx *sql.Tx
}

// ---------------------------------------------------------------------------
// NUMERIC <-> big.Int helpers
// ---------------------------------------------------------------------------

func bigArg(v *big.Int) interface{} {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "non-integer numeric from store: %q", s)
	}
	return v, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func notFound(entity, id string) error {
	return apperr.New(apperr.KindNotFound, "%s not found", entity).WithMeta("id", id)
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (t *pgTx) CreateAccount(ctx context.Context, a *Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, entity_type, entity_id, version)
		VALUES ($1, $2, $3, $4, 1)`,
		a.ID, a.TenantID, a.EntityType, a.EntityID)
	if err != nil {
		if isUnique(err) {
			return apperr.Wrap(err, apperr.KindConflict, "account already exists")
		}
		return apperr.Wrap(err, apperr.KindInternal, "create account")
	}
	return nil
}

const accountCols = `id, tenant_id, entity_type, entity_id, version, created_at, updated_at`

func (t *pgTx) scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.TenantID, &a.EntityType, &a.EntityID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := t.scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("account", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "get account")
	}
	return a, nil
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (*Account, error) {
	a, err := t.scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("account", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "lock account")
	}
	return a, nil
}

func (t *pgTx) BumpAccountVersion(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET version = version + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "bump account version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("account", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lots
// ---------------------------------------------------------------------------

const lotCols = `id, account_id, source, payment_id, original_micro::text,
	remaining_micro::text, pool_id, status, created_at, expires_at`

func scanLot(scan func(dest ...interface{}) error) (*Lot, error) {
	var (
		l         Lot
		paymentID sql.NullString
		orig      string
		remain    string
		poolID    sql.NullString
		expires   sql.NullTime
	)
	if err := scan(&l.ID, &l.AccountID, &l.Source, &paymentID, &orig,
		&remain, &poolID, &l.Status, &l.CreatedAt, &expires); err != nil {
		return nil, err
	}
	var err error
	if l.OriginalMicro, err = parseBig(orig); err != nil {
		return nil, err
	}
	if l.RemainingMicro, err = parseBig(remain); err != nil {
		return nil, err
	}
	l.PaymentID = paymentID.String
	l.PoolID = poolID.String
	if expires.Valid {
		e := expires.Time
		l.ExpiresAt = &e
	}
	return &l, nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot *Lot) (bool, *Lot, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO lots (id, account_id, source, payment_id, original_micro,
			remaining_micro, pool_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_id) WHERE payment_id IS NOT NULL DO NOTHING`,
		lot.ID, lot.AccountID, lot.Source, nullStr(lot.PaymentID),
		bigArg(lot.OriginalMicro), bigArg(lot.RemainingMicro),
		nullStr(lot.PoolID), lot.Status, nullTime(lot.ExpiresAt))
	if err != nil {
		return false, nil, apperr.Wrap(err, apperr.KindInternal, "insert lot")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil, nil
	}
	existing, err := scanLot(t.tx.QueryRowContext(ctx,
		`SELECT `+lotCols+` FROM lots WHERE payment_id = $1`, lot.PaymentID).Scan)
	if err != nil {
		return false, nil, apperr.Wrap(err, apperr.KindInternal, "load existing lot")
	}
	return false, existing, nil
}

func (t *pgTx) GetLot(ctx context.Context, id string) (*Lot, error) {
	l, err := scanLot(t.tx.QueryRowContext(ctx,
		`SELECT `+lotCols+` FROM lots WHERE id = $1`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lot", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "get lot")
	}
	return l, nil
}

func (t *pgTx) GetLotByPaymentID(ctx context.Context, paymentID string) (*Lot, error) {
	l, err := scanLot(t.tx.QueryRowContext(ctx,
		`SELECT `+lotCols+` FROM lots WHERE payment_id = $1`, paymentID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lot", paymentID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "get lot by payment id")
	}
	return l, nil
}

func (t *pgTx) GetLotForUpdate(ctx context.Context, id string) (*Lot, error) {
	l, err := scanLot(t.tx.QueryRowContext(ctx,
		`SELECT `+lotCols+` FROM lots WHERE id = $1 FOR UPDATE`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lot", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "lock lot")
	}
	return l, nil
}

func (t *pgTx) ActiveLotsFIFO(ctx context.Context, accountID string) ([]*Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+lotCols+` FROM lots
		WHERE account_id = $1 AND status = 'active' AND remaining_micro > 0
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
		FOR UPDATE SKIP LOCKED`, accountID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "list active lots")
	}
	defer rows.Close()
	var lots []*Lot
	for rows.Next() {
		l, err := scanLot(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan lot")
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (t *pgTx) SetLotStatus(ctx context.Context, lotID, status string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE lots SET status = $2 WHERE id = $1`, lotID, status)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "set lot status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("lot", lotID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lot entries
// ---------------------------------------------------------------------------

func (t *pgTx) AppendLotEntry(ctx context.Context, e *LotEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`SELECT ledger_append_entry($1, $2, $3, $4, $5, $6)`,
		e.ID, e.LotID, e.AccountID, e.Type, bigArg(e.AmountMicro), e.ReferenceID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && strings.Contains(pqErr.Message, "conservation") {
			return apperr.Wrap(err, apperr.KindInvariantViolation, "lot conservation violated")
		}
		return apperr.Wrap(err, apperr.KindInternal, "append lot entry")
	}
	return nil
}

func (t *pgTx) EntryExistsByReference(ctx context.Context, entryType, referenceID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM lot_entries WHERE type = $1 AND reference_id = $2)`,
		entryType, referenceID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindInternal, "entry lookup")
	}
	return exists, nil
}

func (t *pgTx) SumEntriesForLot(ctx context.Context, lotID string) (*big.Int, error) {
	var sum string
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount_micro ELSE amount_micro END), 0)::text
		FROM lot_entries WHERE lot_id = $1`, lotID).Scan(&sum)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "sum lot entries")
	}
	return parseBig(sum)
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

const reservationCols = `id, account_id, pool_id, request_id, reserved_micro::text,
	reserved_cents, status, billing_mode, created_at, expires_at`

func scanReservation(scan func(dest ...interface{}) error) (*Reservation, error) {
	var (
		r       Reservation
		reserve string
	)
	if err := scan(&r.ID, &r.AccountID, &r.PoolID, &r.RequestID, &reserve,
		&r.ReservedCents, &r.Status, &r.BillingMode, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	var err error
	if r.ReservedMicro, err = parseBig(reserve); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r *Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, pool_id, request_id,
			reserved_micro, reserved_cents, status, billing_mode, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AccountID, r.PoolID, r.RequestID, bigArg(r.ReservedMicro),
		r.ReservedCents, r.Status, r.BillingMode, r.ExpiresAt)
	if err != nil {
		if isUnique(err) {
			return apperr.Wrap(err, apperr.KindConflict, "duplicate reservation request")
		}
		return apperr.Wrap(err, apperr.KindInternal, "insert reservation")
	}
	return nil
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reservation", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "get reservation")
	}
	return r, nil
}

func (t *pgTx) GetReservationForUpdate(ctx context.Context, id string) (*Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1 FOR UPDATE`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reservation", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "lock reservation")
	}
	return r, nil
}

func (t *pgTx) GetReservationByRequestID(ctx context.Context, accountID, requestID string) (*Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE account_id = $1 AND request_id = $2`,
		accountID, requestID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reservation", requestID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "get reservation by request")
	}
	return r, nil
}

func (t *pgTx) SetReservationStatus(ctx context.Context, id, status string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE reservations SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "set reservation status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("reservation", id)
	}
	return nil
}

func (t *pgTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "list expired reservations")
	}
	defer rows.Close()
	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan reservation")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Allocations
// ---------------------------------------------------------------------------

func (t *pgTx) InsertAllocation(ctx context.Context, a *LotAllocation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO lot_allocations (id, reservation_id, lot_id, allocated_micro)
		VALUES ($1, $2, $3, $4)`,
		a.ID, a.ReservationID, a.LotID, bigArg(a.AllocatedMicro))
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "insert allocation")
	}
	return nil
}

func (t *pgTx) AllocationsForReservation(ctx context.Context, reservationID string) ([]*LotAllocation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, reservation_id, lot_id, allocated_micro::text, created_at
		FROM lot_allocations WHERE reservation_id = $1
		ORDER BY created_at ASC, id ASC`, reservationID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "list allocations")
	}
	defer rows.Close()
	var out []*LotAllocation
	for rows.Next() {
		var (
			a   LotAllocation
			amt string
		)
		if err := rows.Scan(&a.ID, &a.ReservationID, &a.LotID, &amt, &a.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan allocation")
		}
		if a.AllocatedMicro, err = parseBig(amt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Usage events
// ---------------------------------------------------------------------------

func (t *pgTx) InsertUsageEvent(ctx context.Context, u *UsageEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, account_id, reference_id, amount_micro, source, period)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.AccountID, u.ReferenceID, bigArg(u.AmountMicro), u.Source, u.Period)
	if err != nil {
		if isUnique(err) {
			return apperr.Wrap(err, apperr.KindConflict, "usage event already recorded")
		}
		return apperr.Wrap(err, apperr.KindInternal, "insert usage event")
	}
	return nil
}

func (t *pgTx) SumUsageMicro(ctx context.Context, accountID, period string) (*big.Int, error) {
	var sum string
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro), 0)::text
		FROM usage_events WHERE account_id = $1 AND period = $2`,
		accountID, period).Scan(&sum)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "sum usage")
	}
	return parseBig(sum)
}

func (t *pgTx) UsageByPeriod(ctx context.Context, period string) ([]AccountPeriodUsage, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT account_id, period, COALESCE(SUM(amount_micro), 0)::text
		FROM usage_events WHERE period = $1
		GROUP BY account_id, period`, period)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "usage by period")
	}
	defer rows.Close()
	var out []AccountPeriodUsage
	for rows.Next() {
		var (
			u   AccountPeriodUsage
			sum string
		)
		if err := rows.Scan(&u.AccountID, &u.Period, &sum); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan usage row")
		}
		if u.TotalMicro, err = parseBig(sum); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Webhook events
// ---------------------------------------------------------------------------

func (t *pgTx) InsertWebhookEvent(ctx context.Context, w *WebhookEvent) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		w.ID, w.Provider, w.EventID, w.EventType)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindInternal, "insert webhook event")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (t *pgTx) MarkWebhookProcessed(ctx context.Context, provider, eventID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_events SET processed_at = now()
		WHERE provider = $1 AND event_id = $2`, provider, eventID)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "mark webhook processed")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Identity anchors
// ---------------------------------------------------------------------------

func (t *pgTx) BindIdentityAnchor(ctx context.Context, a *IdentityAnchor) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO identity_anchors (agent_account_id, anchor_hash, chain_id,
			contract, token_id, owner, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.AgentAccountID, a.AnchorHash, nullStr(a.ChainID),
		nullStr(a.Contract), nullStr(a.TokenID), nullStr(a.Owner), a.CreatedBy)
	if err != nil {
		if isUnique(err) {
			return apperr.Wrap(err, apperr.KindConflict, "anchor already bound")
		}
		return apperr.Wrap(err, apperr.KindInternal, "bind anchor")
	}
	return nil
}

func (t *pgTx) GetIdentityAnchor(ctx context.Context, agentAccountID string) (*IdentityAnchor, error) {
	var (
		a                                 IdentityAnchor
		chainID, contract, tokenID, owner sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT agent_account_id, anchor_hash, chain_id, contract, token_id, owner, created_by, created_at
		FROM identity_anchors WHERE agent_account_id = $1`, agentAccountID).
		Scan(&a.AgentAccountID, &a.AnchorHash, &chainID, &contract, &tokenID, &owner, &a.CreatedBy, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("identity anchor", agentAccountID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "get anchor")
	}
	a.ChainID = chainID.String
	a.Contract = contract.String
	a.TokenID = tokenID.String
	a.Owner = owner.String
	return &a, nil
}

// ---------------------------------------------------------------------------
// Revenue rules & distributions
// ---------------------------------------------------------------------------

func (t *pgTx) ActiveRevenueRule(ctx context.Context) (*RevenueRule, error) {
	r, err := scanRevenueRule(t.tx.QueryRowContext(ctx, `
		SELECT schema_version, shares, active, created_at
		FROM revenue_rules WHERE active = true
		ORDER BY schema_version DESC LIMIT 1`).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("revenue rule", "active")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "active revenue rule")
	}
	return r, nil
}

func (t *pgTx) ListRevenueRules(ctx context.Context) ([]*RevenueRule, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT schema_version, shares, active, created_at
		FROM revenue_rules ORDER BY schema_version ASC`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "list revenue rules")
	}
	defer rows.Close()
	var out []*RevenueRule
	for rows.Next() {
		r, err := scanRevenueRule(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan revenue rule")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRevenueRule(scan func(dest ...interface{}) error) (*RevenueRule, error) {
	var (
		r      RevenueRule
		shares []byte
	)
	if err := scan(&r.SchemaVersion, &shares, &r.Active, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalShares(shares, &r.Shares); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) InsertDistributionEntry(ctx context.Context, d *DistributionEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO distribution_entries (id, usage_event_id, recipient, share_micro, schema_version)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.UsageEventID, d.Recipient, bigArg(d.ShareMicro), d.SchemaVersion)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "insert distribution entry")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Drift & compensation journal
// ---------------------------------------------------------------------------

func (t *pgTx) InsertDriftEvent(ctx context.Context, d *DriftEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO drift_events (id, account_id, period, drift_micro, resolved)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.AccountID, d.Period, bigArg(d.DriftMicro), d.Resolved)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "insert drift event")
	}
	return nil
}

func (t *pgTx) AppendJournal(ctx context.Context, j *JournalEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO compensation_journal (id, kind, account_id, period,
			reservation_id, lot_id, reserved_cents, actual_cents, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID, j.Kind, j.AccountID, j.Period, nullStr(j.ReservationID),
		nullStr(j.LotID), j.ReservedCents, j.ActualCents, j.Mode)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "append journal")
	}
	return nil
}

func (t *pgTx) DeleteJournal(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM compensation_journal WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "delete journal")
	}
	return nil
}

func (t *pgTx) BumpJournalAttempts(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE compensation_journal SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "bump journal attempts")
	}
	return nil
}

func (t *pgTx) PendingJournal(ctx context.Context, limit int) ([]*JournalEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, kind, account_id, period, reservation_id, lot_id,
			reserved_cents, actual_cents, mode, created_at, attempts
		FROM compensation_journal
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "pending journal")
	}
	defer rows.Close()
	var out []*JournalEntry
	for rows.Next() {
		var (
			j                    JournalEntry
			reservationID, lotID sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.AccountID, &j.Period,
			&reservationID, &lotID, &j.ReservedCents, &j.ActualCents,
			&j.Mode, &j.CreatedAt, &j.Attempts); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan journal entry")
		}
		j.ReservationID = reservationID.String
		j.LotID = lotID.String
		out = append(out, &j)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Sweeps
// ---------------------------------------------------------------------------

func (t *pgTx) ExpiredLots(ctx context.Context, now time.Time, limit int) ([]*Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+lotCols+` FROM lots
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "list expired lots")
	}
	defer rows.Close()
	var out []*Lot
	for rows.Next() {
		l, err := scanLot(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan lot")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) SampleActiveLots(ctx context.Context, limit int) ([]*Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+lotCols+` FROM lots
		WHERE status = 'active'
		ORDER BY random()
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "sample lots")
	}
	defer rows.Close()
	var out []*Lot
	for rows.Next() {
		l, err := scanLot(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "scan lot")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type shareRow struct {
	Recipient string `json:"recipient"`
	Bps       int64  `json:"bps"`
}

func unmarshalShares(raw []byte, out *[]RevenueShare) error {
	var rows []shareRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "decode revenue shares")
	}
	*out = make([]RevenueShare, len(rows))
	for i, r := range rows {
		(*out)[i] = RevenueShare{Recipient: r.Recipient, Bps: r.Bps}
	}
	return nil
}

// isUnique reports whether err is a postgres unique_violation (23505).
func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
var _ Tx = (*pgTx)(nil)
