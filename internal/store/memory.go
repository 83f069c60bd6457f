package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/arrakis/backend/internal/apperr"
)

// Memory is an in-memory Store used by unit tests. It mirrors the
// backend's observable behavior: tenant-scoped reads, idempotent lot
// inserts, the canonical entry path with its conservation re-check, and
// snapshot rollback on transaction failure.
type Memory struct {
	mu    sync.Mutex
	state *memState

	// Now is injectable for TTL and sweep tests.
	Now func() time.Time
}

type memState struct {
	accounts      map[string]*Account
	lots          map[string]*Lot
	lotOrder      []string
	entries       []*LotEntry
	reservations  map[string]*Reservation
	allocations   []*LotAllocation
	usage         map[string]*UsageEvent // keyed by reference_id
	webhooks      map[string]*WebhookEvent
	anchors       map[string]*IdentityAnchor
	rules         map[int64]*RevenueRule
	distributions []*DistributionEntry
	drift         []*DriftEvent
	journal       map[string]*JournalEntry
	journalOrder  []string
}

// NewMemory returns an empty store seeded with the version 1 revenue rule,
// matching the schema migration seed.
func NewMemory() *Memory {
	m := &Memory{
		state: &memState{
			accounts:     make(map[string]*Account),
			lots:         make(map[string]*Lot),
			reservations: make(map[string]*Reservation),
			usage:        make(map[string]*UsageEvent),
			webhooks:     make(map[string]*WebhookEvent),
			anchors:      make(map[string]*IdentityAnchor),
			rules:        make(map[int64]*RevenueRule),
			journal:      make(map[string]*JournalEntry),
		},
		Now: time.Now,
	}
	m.state.rules[1] = &RevenueRule{
		SchemaVersion: 1,
		Shares: []RevenueShare{
			{Recipient: "platform", Bps: 7000},
			{Recipient: "developer_pool", Bps: 2000},
			{Recipient: "protocol_treasury", Bps: 1000},
		},
		Active:    true,
		CreatedAt: time.Now(),
	}
	return m
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// WithinTx snapshots the state, runs fn, and restores the snapshot when fn
// fails. The mutex serializes transactions, which is enough for tests.
func (m *Memory) WithinTx(ctx context.Context, tenantID string, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	tx := &memTx{m: m, tenantID: tenantID}
	if err := fn(tx); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts:      make(map[string]*Account, len(s.accounts)),
		lots:          make(map[string]*Lot, len(s.lots)),
		lotOrder:      append([]string(nil), s.lotOrder...),
		entries:       make([]*LotEntry, len(s.entries)),
		reservations:  make(map[string]*Reservation, len(s.reservations)),
		allocations:   make([]*LotAllocation, len(s.allocations)),
		usage:         make(map[string]*UsageEvent, len(s.usage)),
		webhooks:      make(map[string]*WebhookEvent, len(s.webhooks)),
		anchors:       make(map[string]*IdentityAnchor, len(s.anchors)),
		rules:         make(map[int64]*RevenueRule, len(s.rules)),
		distributions: make([]*DistributionEntry, len(s.distributions)),
		drift:         make([]*DriftEvent, len(s.drift)),
		journal:       make(map[string]*JournalEntry, len(s.journal)),
		journalOrder:  append([]string(nil), s.journalOrder...),
	}
	for k, v := range s.accounts {
		cp := *v
		c.accounts[k] = &cp
	}
	for k, v := range s.lots {
		c.lots[k] = cloneLot(v)
	}
	for i, v := range s.entries {
		cp := *v
		cp.AmountMicro = cloneBig(v.AmountMicro)
		c.entries[i] = &cp
	}
	for k, v := range s.reservations {
		cp := *v
		cp.ReservedMicro = cloneBig(v.ReservedMicro)
		c.reservations[k] = &cp
	}
	for i, v := range s.allocations {
		cp := *v
		cp.AllocatedMicro = cloneBig(v.AllocatedMicro)
		c.allocations[i] = &cp
	}
	for k, v := range s.usage {
		cp := *v
		cp.AmountMicro = cloneBig(v.AmountMicro)
		c.usage[k] = &cp
	}
	for k, v := range s.webhooks {
		cp := *v
		c.webhooks[k] = &cp
	}
	for k, v := range s.anchors {
		cp := *v
		c.anchors[k] = &cp
	}
	for k, v := range s.rules {
		cp := *v
		cp.Shares = append([]RevenueShare(nil), v.Shares...)
		c.rules[k] = &cp
	}
	for i, v := range s.distributions {
		cp := *v
		cp.ShareMicro = cloneBig(v.ShareMicro)
		c.distributions[i] = &cp
	}
	for i, v := range s.drift {
		cp := *v
		cp.DriftMicro = cloneBig(v.DriftMicro)
		c.drift[i] = &cp
	}
	for k, v := range s.journal {
		cp := *v
		c.journal[k] = &cp
	}
	return c
}

func cloneLot(l *Lot) *Lot {
	cp := *l
	cp.OriginalMicro = cloneBig(l.OriginalMicro)
	cp.RemainingMicro = cloneBig(l.RemainingMicro)
	if l.ExpiresAt != nil {
		e := *l.ExpiresAt
		cp.ExpiresAt = &e
	}
	return &cp
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

type memTx struct {
	m        *Memory
	tenantID string
}

func (t *memTx) now() time.Time { return t.m.Now().UTC() }

// visible reports whether accountID belongs to the transaction's tenant.
func (t *memTx) visible(accountID string) bool {
	if t.tenantID == SystemTenant {
		return true
	}
	a, ok := t.m.state.accounts[accountID]
	return ok && a.TenantID == t.tenantID
}

// --- accounts ---

func (t *memTx) CreateAccount(ctx context.Context, a *Account) error {
	s := t.m.state
	if _, ok := s.accounts[a.ID]; ok {
		return apperr.New(apperr.KindConflict, "account already exists")
	}
	for _, ex := range s.accounts {
		if ex.TenantID == a.TenantID && ex.EntityType == a.EntityType && ex.EntityID == a.EntityID {
			return apperr.New(apperr.KindConflict, "account already exists")
		}
	}
	cp := *a
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.accounts[a.ID] = &cp
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, ok := t.m.state.accounts[id]
	if !ok || !t.visible(id) {
		return nil, notFound("account", id)
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) GetAccountForUpdate(ctx context.Context, id string) (*Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *memTx) BumpAccountVersion(ctx context.Context, id string) error {
	a, ok := t.m.state.accounts[id]
	if !ok || !t.visible(id) {
		return notFound("account", id)
	}
	a.Version++
	a.UpdatedAt = t.now()
	return nil
}

// --- lots ---

func (t *memTx) InsertLot(ctx context.Context, lot *Lot) (bool, *Lot, error) {
	s := t.m.state
	if lot.PaymentID != "" {
		for _, ex := range s.lots {
			if ex.PaymentID == lot.PaymentID {
				return false, cloneLot(ex), nil
			}
		}
	}
	if _, ok := s.lots[lot.ID]; ok {
		return false, nil, apperr.New(apperr.KindConflict, "lot id already exists")
	}
	cp := cloneLot(lot)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	if cp.Status == "" {
		cp.Status = LotActive
	}
	s.lots[lot.ID] = cp
	s.lotOrder = append(s.lotOrder, lot.ID)
	return true, nil, nil
}

func (t *memTx) GetLot(ctx context.Context, id string) (*Lot, error) {
	l, ok := t.m.state.lots[id]
	if !ok || !t.visible(l.AccountID) {
		return nil, notFound("lot", id)
	}
	return cloneLot(l), nil
}

func (t *memTx) GetLotForUpdate(ctx context.Context, id string) (*Lot, error) {
	return t.GetLot(ctx, id)
}

func (t *memTx) GetLotByPaymentID(ctx context.Context, paymentID string) (*Lot, error) {
	for _, id := range t.m.state.lotOrder {
		l := t.m.state.lots[id]
		if paymentID != "" && l.PaymentID == paymentID && t.visible(l.AccountID) {
			return cloneLot(l), nil
		}
	}
	return nil, notFound("lot", paymentID)
}

func (t *memTx) ActiveLotsFIFO(ctx context.Context, accountID string) ([]*Lot, error) {
	var out []*Lot
	for _, id := range t.m.state.lotOrder {
		l := t.m.state.lots[id]
		if l.AccountID != accountID || l.Status != LotActive || l.RemainingMicro.Sign() <= 0 {
			continue
		}
		out = append(out, cloneLot(l))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.CreatedAt.Before(b.CreatedAt)
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
	return out, nil
}

func (t *memTx) SetLotStatus(ctx context.Context, lotID, status string) error {
	l, ok := t.m.state.lots[lotID]
	if !ok {
		return notFound("lot", lotID)
	}
	l.Status = status
	return nil
}

// --- lot entries ---

func (t *memTx) AppendLotEntry(ctx context.Context, e *LotEntry) error {
	s := t.m.state
	if e.AmountMicro == nil || e.AmountMicro.Sign() <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "entry amount must be positive")
	}
	l, ok := s.lots[e.LotID]
	if !ok {
		return notFound("lot", e.LotID)
	}
	remaining := new(big.Int).Set(l.RemainingMicro)
	switch e.Type {
	case EntryDebit:
		remaining.Sub(remaining, e.AmountMicro)
	case EntryCredit, EntryCreditBack:
		remaining.Add(remaining, e.AmountMicro)
	default:
		return apperr.New(apperr.KindInvalidArgument, "unknown entry type %s", e.Type)
	}
	if remaining.Sign() < 0 {
		return apperr.New(apperr.KindInvariantViolation, "lot conservation violated")
	}
	cp := *e
	cp.AmountMicro = cloneBig(e.AmountMicro)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	s.entries = append(s.entries, &cp)
	l.RemainingMicro = remaining
	return nil
}

func (t *memTx) EntryExistsByReference(ctx context.Context, entryType, referenceID string) (bool, error) {
	for _, e := range t.m.state.entries {
		if e.Type == entryType && e.ReferenceID == referenceID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SumEntriesForLot(ctx context.Context, lotID string) (*big.Int, error) {
	sum := new(big.Int)
	for _, e := range t.m.state.entries {
		if e.LotID != lotID {
			continue
		}
		if e.Type == EntryDebit {
			sum.Sub(sum, e.AmountMicro)
		} else {
			sum.Add(sum, e.AmountMicro)
		}
	}
	return sum, nil
}

// --- reservations ---

func (t *memTx) InsertReservation(ctx context.Context, r *Reservation) error {
	s := t.m.state
	// Same constraints the schema enforces: zero is a no-budget
	// reservation, negative never persists.
	if r.ReservedMicro == nil || r.ReservedMicro.Sign() < 0 {
		return apperr.New(apperr.KindInvalidArgument, "reserved amount must be non-negative")
	}
	if r.ReservedCents < 0 {
		return apperr.New(apperr.KindInvalidArgument, "reserved cents must be non-negative")
	}
	if _, ok := s.reservations[r.ID]; ok {
		return apperr.New(apperr.KindConflict, "duplicate reservation id")
	}
	for _, ex := range s.reservations {
		if ex.AccountID == r.AccountID && ex.RequestID == r.RequestID {
			return apperr.New(apperr.KindConflict, "duplicate reservation request")
		}
	}
	cp := *r
	cp.ReservedMicro = cloneBig(r.ReservedMicro)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	if cp.Status == "" {
		cp.Status = ReservationPending
	}
	s.reservations[r.ID] = &cp
	return nil
}

func (t *memTx) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r, ok := t.m.state.reservations[id]
	if !ok || !t.visible(r.AccountID) {
		return nil, notFound("reservation", id)
	}
	cp := *r
	cp.ReservedMicro = cloneBig(r.ReservedMicro)
	return &cp, nil
}

func (t *memTx) GetReservationForUpdate(ctx context.Context, id string) (*Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *memTx) GetReservationByRequestID(ctx context.Context, accountID, requestID string) (*Reservation, error) {
	for _, r := range t.m.state.reservations {
		if r.AccountID == accountID && r.RequestID == requestID {
			cp := *r
			cp.ReservedMicro = cloneBig(r.ReservedMicro)
			return &cp, nil
		}
	}
	return nil, notFound("reservation", requestID)
}

func (t *memTx) SetReservationStatus(ctx context.Context, id, status string) error {
	r, ok := t.m.state.reservations[id]
	if !ok {
		return notFound("reservation", id)
	}
	r.Status = status
	return nil
}

func (t *memTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*Reservation, error) {
	var out []*Reservation
	for _, r := range t.m.state.reservations {
		if r.Status == ReservationPending && r.ExpiresAt.Before(now) {
			cp := *r
			cp.ReservedMicro = cloneBig(r.ReservedMicro)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- allocations ---

func (t *memTx) InsertAllocation(ctx context.Context, a *LotAllocation) error {
	cp := *a
	cp.AllocatedMicro = cloneBig(a.AllocatedMicro)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.m.state.allocations = append(t.m.state.allocations, &cp)
	return nil
}

func (t *memTx) AllocationsForReservation(ctx context.Context, reservationID string) ([]*LotAllocation, error) {
	var out []*LotAllocation
	for _, a := range t.m.state.allocations {
		if a.ReservationID == reservationID {
			cp := *a
			cp.AllocatedMicro = cloneBig(a.AllocatedMicro)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- usage events ---

func (t *memTx) InsertUsageEvent(ctx context.Context, u *UsageEvent) error {
	s := t.m.state
	if _, ok := s.usage[u.ReferenceID]; ok {
		return apperr.New(apperr.KindConflict, "usage event already recorded")
	}
	cp := *u
	cp.AmountMicro = cloneBig(u.AmountMicro)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	s.usage[u.ReferenceID] = &cp
	return nil
}

func (t *memTx) SumUsageMicro(ctx context.Context, accountID, period string) (*big.Int, error) {
	sum := new(big.Int)
	for _, u := range t.m.state.usage {
		if u.AccountID == accountID && u.Period == period {
			sum.Add(sum, u.AmountMicro)
		}
	}
	return sum, nil
}

func (t *memTx) UsageByPeriod(ctx context.Context, period string) ([]AccountPeriodUsage, error) {
	totals := make(map[string]*big.Int)
	for _, u := range t.m.state.usage {
		if u.Period != period {
			continue
		}
		if totals[u.AccountID] == nil {
			totals[u.AccountID] = new(big.Int)
		}
		totals[u.AccountID].Add(totals[u.AccountID], u.AmountMicro)
	}
	var out []AccountPeriodUsage
	for id, total := range totals {
		out = append(out, AccountPeriodUsage{AccountID: id, Period: period, TotalMicro: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// --- webhook events ---

func (t *memTx) InsertWebhookEvent(ctx context.Context, w *WebhookEvent) (bool, error) {
	key := w.Provider + "|" + w.EventID
	if _, ok := t.m.state.webhooks[key]; ok {
		return false, nil
	}
	cp := *w
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = t.now()
	}
	t.m.state.webhooks[key] = &cp
	return true, nil
}

func (t *memTx) MarkWebhookProcessed(ctx context.Context, provider, eventID string) error {
	w, ok := t.m.state.webhooks[provider+"|"+eventID]
	if !ok {
		return notFound("webhook event", eventID)
	}
	now := t.now()
	w.ProcessedAt = &now
	return nil
}

// --- identity anchors ---

func (t *memTx) BindIdentityAnchor(ctx context.Context, a *IdentityAnchor) error {
	if _, ok := t.m.state.anchors[a.AgentAccountID]; ok {
		return apperr.New(apperr.KindConflict, "anchor already bound")
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.m.state.anchors[a.AgentAccountID] = &cp
	return nil
}

func (t *memTx) GetIdentityAnchor(ctx context.Context, agentAccountID string) (*IdentityAnchor, error) {
	a, ok := t.m.state.anchors[agentAccountID]
	if !ok {
		return nil, notFound("identity anchor", agentAccountID)
	}
	cp := *a
	return &cp, nil
}

// --- revenue rules & distributions ---

func (t *memTx) ActiveRevenueRule(ctx context.Context) (*RevenueRule, error) {
	var best *RevenueRule
	for _, r := range t.m.state.rules {
		if r.Active && (best == nil || r.SchemaVersion > best.SchemaVersion) {
			best = r
		}
	}
	if best == nil {
		return nil, notFound("revenue rule", "active")
	}
	cp := *best
	cp.Shares = append([]RevenueShare(nil), best.Shares...)
	return &cp, nil
}

func (t *memTx) ListRevenueRules(ctx context.Context) ([]*RevenueRule, error) {
	var out []*RevenueRule
	for _, r := range t.m.state.rules {
		cp := *r
		cp.Shares = append([]RevenueShare(nil), r.Shares...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SchemaVersion < out[j].SchemaVersion })
	return out, nil
}

func (t *memTx) InsertDistributionEntry(ctx context.Context, d *DistributionEntry) error {
	cp := *d
	cp.ShareMicro = cloneBig(d.ShareMicro)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.m.state.distributions = append(t.m.state.distributions, &cp)
	return nil
}

// --- drift & compensation journal ---

func (t *memTx) InsertDriftEvent(ctx context.Context, d *DriftEvent) error {
	cp := *d
	cp.DriftMicro = cloneBig(d.DriftMicro)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.m.state.drift = append(t.m.state.drift, &cp)
	return nil
}

func (t *memTx) AppendJournal(ctx context.Context, j *JournalEntry) error {
	if _, ok := t.m.state.journal[j.ID]; ok {
		return apperr.New(apperr.KindConflict, "duplicate journal id")
	}
	cp := *j
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.m.state.journal[j.ID] = &cp
	t.m.state.journalOrder = append(t.m.state.journalOrder, j.ID)
	return nil
}

func (t *memTx) DeleteJournal(ctx context.Context, id string) error {
	delete(t.m.state.journal, id)
	return nil
}

func (t *memTx) BumpJournalAttempts(ctx context.Context, id string) error {
	j, ok := t.m.state.journal[id]
	if !ok {
		return notFound("journal entry", id)
	}
	j.Attempts++
	return nil
}

func (t *memTx) PendingJournal(ctx context.Context, limit int) ([]*JournalEntry, error) {
	var out []*JournalEntry
	for _, id := range t.m.state.journalOrder {
		j, ok := t.m.state.journal[id]
		if !ok {
			continue
		}
		cp := *j
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- sweeps ---

func (t *memTx) ExpiredLots(ctx context.Context, now time.Time, limit int) ([]*Lot, error) {
	var out []*Lot
	for _, id := range t.m.state.lotOrder {
		l := t.m.state.lots[id]
		if l.Status == LotActive && l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			out = append(out, cloneLot(l))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) SampleActiveLots(ctx context.Context, limit int) ([]*Lot, error) {
	var out []*Lot
	for _, id := range t.m.state.lotOrder {
		l := t.m.state.lots[id]
		if l.Status == LotActive {
			out = append(out, cloneLot(l))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Distributions returns a snapshot of all distribution entries, in insert
// order. Test-only inspection hook.
func (m *Memory) Distributions() []*DistributionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DistributionEntry, len(m.state.distributions))
	for i, d := range m.state.distributions {
		cp := *d
		cp.ShareMicro = cloneBig(d.ShareMicro)
		out[i] = &cp
	}
	return out
}

// DriftEvents returns a snapshot of recorded drift events, in insert
// order. Test-only inspection hook.
func (m *Memory) DriftEvents() []*DriftEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DriftEvent, len(m.state.drift))
	for i, d := range m.state.drift {
		cp := *d
		cp.DriftMicro = cloneBig(d.DriftMicro)
		out[i] = &cp
	}
	return out
}

var _ Store = (*Memory)(nil)
var _ Tx = (*memTx)(nil)
