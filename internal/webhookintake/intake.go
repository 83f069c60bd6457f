// Package webhookintake receives payment-provider callbacks and converts
// them into credit lots. The flow is uniform across providers: lock, verify
// the HMAC over the byte-exact body, check the timestamp window, then mint
// through the ledger. Replay defense is layered: a short-lived delivery
// lock, the webhook_events unique constraint, and the lot payment_id
// constraint each stop a different class of duplicate.
package webhookintake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/ratelimit"
	"github.com/arrakis/backend/internal/store"
)

const (
	ProviderNowPayments = "nowpayments"
	ProviderX402        = "x402"
	ProviderStripe      = "stripe"

	maxBodyBytes = 1 << 20
)

// Config holds the per-provider HMAC secrets and the freshness window.
type Config struct {
	NowPaymentsSecret []byte
	StripeSecret      []byte
	X402Secret        []byte
	// Window rejects events older than this. Defaults to 5 minutes.
	Window time.Duration
	// LockTTL bounds how long one delivery excludes its duplicates.
	LockTTL time.Duration
}

// Intake owns the webhook HTTP surface.
type Intake struct {
	cfg     Config
	ledger  *ledger.Ledger
	store   store.Store
	locker  Locker
	limiter *ratelimit.Limiter
	sink    metrics.Sink
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, led *ledger.Ledger, st store.Store, locker Locker, limiter *ratelimit.Limiter, sink metrics.Sink, log zerolog.Logger) *Intake {
	if cfg.Window == 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Intake{
		cfg:     cfg,
		ledger:  led,
		store:   st,
		locker:  locker,
		limiter: limiter,
		sink:    sink,
		log:     log.With().Str("component", "webhookintake").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (in *Intake) SetClock(now func() time.Time) { in.now = now }

// Register mounts the webhook routes behind the rate limiter.
func (in *Intake) Register(r *mux.Router) {
	sub := r.PathPrefix("/webhooks").Subrouter()
	if in.limiter != nil {
		sub.Use(in.limiter.Middleware)
	}
	sub.HandleFunc("/nowpayments", in.handleNowPayments).Methods(http.MethodPost)
	sub.HandleFunc("/x402", in.handleX402).Methods(http.MethodPost)
	sub.HandleFunc("/stripe", in.handleStripe).Methods(http.MethodPost)
}

// readAndLock slurps the raw body and takes the delivery lock keyed on its
// digest. The lock is taken before signature verification so a burst of
// identical deliveries does only one HMAC and one ledger round trip.
func (in *Intake) readAndLock(w http.ResponseWriter, r *http.Request, provider string) ([]byte, string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		in.reply(w, http.StatusBadRequest, "unreadable body")
		in.sink.WebhookReceived(provider, "malformed")
		return nil, "", false
	}
	digest := sha256.Sum256(body)
	key := provider + ":" + hex.EncodeToString(digest[:])
	ok, err := in.locker.Acquire(r.Context(), key, in.cfg.LockTTL)
	if err != nil {
		w.Header().Set("Retry-After", "5")
		in.reply(w, http.StatusServiceUnavailable, "lock unavailable")
		in.sink.WebhookReceived(provider, "error")
		return nil, "", false
	}
	if !ok {
		// Another worker is mid-flight on the same delivery.
		in.reply(w, http.StatusOK, "in_progress")
		in.sink.WebhookReceived(provider, "locked")
		return nil, "", false
	}
	return body, key, true
}

func (in *Intake) reply(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": msg})
}

// --- nowpayments ---

type nowPaymentsEvent struct {
	PaymentID     int64  `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	PriceAmount   string `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
	OrderID       string `json:"order_id"` // "<tenant>/<account>"
	CreatedAt     string `json:"created_at"`
}

func (in *Intake) handleNowPayments(w http.ResponseWriter, r *http.Request) {
	body, key, ok := in.readAndLock(w, r, ProviderNowPayments)
	if !ok {
		return
	}
	defer in.locker.Release(context.Background(), key)

	sig := r.Header.Get("x-nowpayments-sig")
	if !verifyHMAC(sha512.New, in.cfg.NowPaymentsSecret, body, sig) {
		in.reply(w, http.StatusUnauthorized, "invalid signature")
		in.sink.WebhookReceived(ProviderNowPayments, "invalid_signature")
		return
	}

	var ev nowPaymentsEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.PaymentID == 0 {
		in.reply(w, http.StatusBadRequest, "malformed event")
		in.sink.WebhookReceived(ProviderNowPayments, "malformed")
		return
	}
	if created, err := time.Parse(time.RFC3339, ev.CreatedAt); err != nil || in.stale(created) {
		in.reply(w, http.StatusBadRequest, "stale event")
		in.sink.WebhookReceived(ProviderNowPayments, "stale")
		return
	}
	if ev.PaymentStatus != "finished" {
		// Partial and waiting states are acknowledged but never credited.
		in.reply(w, http.StatusOK, "ignored")
		in.sink.WebhookReceived(ProviderNowPayments, "ignored")
		return
	}
	if !strings.EqualFold(ev.PriceCurrency, "usd") {
		in.reply(w, http.StatusBadRequest, "unsupported currency")
		in.sink.WebhookReceived(ProviderNowPayments, "malformed")
		return
	}

	tenantID, accountID, ok := splitOrderID(ev.OrderID)
	if !ok {
		in.reply(w, http.StatusBadRequest, "malformed order id")
		in.sink.WebhookReceived(ProviderNowPayments, "malformed")
		return
	}
	amount, err := usdToMicro(ev.PriceAmount)
	if err != nil {
		in.reply(w, http.StatusBadRequest, "malformed amount")
		in.sink.WebhookReceived(ProviderNowPayments, "malformed")
		return
	}

	eventID := strconv.FormatInt(ev.PaymentID, 10)
	in.settleMint(w, r.Context(), mintIntent{
		provider:  ProviderNowPayments,
		eventID:   eventID,
		eventType: ev.PaymentStatus,
		tenantID:  tenantID,
		accountID: accountID,
		amount:    amount,
		source:    store.SourceNowPayments,
	})
}

// --- stripe ---

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			AmountPaid int64             `json:"amount_paid"` // cents
			Metadata   map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (in *Intake) handleStripe(w http.ResponseWriter, r *http.Request) {
	body, key, ok := in.readAndLock(w, r, ProviderStripe)
	if !ok {
		return
	}
	defer in.locker.Release(context.Background(), key)

	ts, ok := in.verifyStripeSignature(r.Header.Get("Stripe-Signature"), body)
	if !ok {
		in.reply(w, http.StatusUnauthorized, "invalid signature")
		in.sink.WebhookReceived(ProviderStripe, "invalid_signature")
		return
	}
	if in.stale(time.Unix(ts, 0)) {
		in.reply(w, http.StatusBadRequest, "stale event")
		in.sink.WebhookReceived(ProviderStripe, "stale")
		return
	}

	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		in.reply(w, http.StatusBadRequest, "malformed event")
		in.sink.WebhookReceived(ProviderStripe, "malformed")
		return
	}
	if ev.Type != "invoice.paid" {
		in.reply(w, http.StatusOK, "ignored")
		in.sink.WebhookReceived(ProviderStripe, "ignored")
		return
	}
	tenantID := ev.Data.Object.Metadata["tenant_id"]
	accountID := ev.Data.Object.Metadata["account_id"]
	if tenantID == "" || accountID == "" || ev.Data.Object.AmountPaid <= 0 {
		in.reply(w, http.StatusBadRequest, "missing billing metadata")
		in.sink.WebhookReceived(ProviderStripe, "malformed")
		return
	}

	amount := new(big.Int).Mul(big.NewInt(ev.Data.Object.AmountPaid), big.NewInt(10_000))
	in.settleMint(w, r.Context(), mintIntent{
		provider:  ProviderStripe,
		eventID:   ev.ID,
		eventType: ev.Type,
		tenantID:  tenantID,
		accountID: accountID,
		amount:    amount,
		source:    store.SourcePurchase,
	})
}

// verifyStripeSignature checks the t=..,v1=.. scheme: HMAC-SHA256 over
// "<t>.<body>". Returns the embedded timestamp.
func (in *Intake) verifyStripeSignature(header string, body []byte) (int64, bool) {
	var ts int64
	var v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, false
			}
			ts = parsed
		case "v1":
			v1 = v
		}
	}
	if ts == 0 || v1 == "" {
		return 0, false
	}
	mac := hmac.New(sha256.New, in.cfg.StripeSecret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(v1)) != 1 {
		return 0, false
	}
	return ts, true
}

// --- x402 ---

type x402Event struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"` // payment_proof | settlement
	Timestamp int64  `json:"timestamp"`
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	// QuotedAmountMicro is the conservative pre-inference quote.
	QuotedAmountMicro string `json:"quoted_amount_micro,omitempty"`
	// SettledAmountMicro is the actual spend reported at settlement.
	SettledAmountMicro string `json:"settled_amount_micro,omitempty"`
	// PaymentRef points a settlement at its original payment_proof event.
	PaymentRef string `json:"payment_ref,omitempty"`
	Nonce      string `json:"nonce"`
}

func (in *Intake) handleX402(w http.ResponseWriter, r *http.Request) {
	body, key, ok := in.readAndLock(w, r, ProviderX402)
	if !ok {
		return
	}
	defer in.locker.Release(context.Background(), key)

	sig := r.Header.Get("x-402-signature")
	if !verifyHMAC(sha256.New, in.cfg.X402Secret, body, sig) {
		in.reply(w, http.StatusUnauthorized, "invalid signature")
		in.sink.WebhookReceived(ProviderX402, "invalid_signature")
		return
	}

	var ev x402Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.EventID == "" || ev.Nonce == "" {
		in.reply(w, http.StatusBadRequest, "malformed event")
		in.sink.WebhookReceived(ProviderX402, "malformed")
		return
	}
	if in.stale(time.Unix(ev.Timestamp, 0)) {
		in.reply(w, http.StatusBadRequest, "stale event")
		in.sink.WebhookReceived(ProviderX402, "stale")
		return
	}

	switch ev.Type {
	case "payment_proof":
		amount, err := parseMicroString(ev.QuotedAmountMicro)
		if err != nil || ev.TenantID == "" || ev.AccountID == "" {
			in.reply(w, http.StatusBadRequest, "malformed amount")
			in.sink.WebhookReceived(ProviderX402, "malformed")
			return
		}
		in.settleMint(w, r.Context(), mintIntent{
			provider:  ProviderX402,
			eventID:   ev.EventID,
			eventType: ev.Type,
			tenantID:  ev.TenantID,
			accountID: ev.AccountID,
			amount:    amount,
			source:    store.SourceX402,
		})
	case "settlement":
		in.handleX402Settlement(w, r.Context(), &ev)
	default:
		in.reply(w, http.StatusOK, "ignored")
		in.sink.WebhookReceived(ProviderX402, "ignored")
	}
}

// handleX402Settlement credits back the unspent remainder of a
// conservative x402 mint. The nonce makes the credit_back reference unique
// so a replayed settlement is a no-op.
func (in *Intake) handleX402Settlement(w http.ResponseWriter, ctx context.Context, ev *x402Event) {
	if ev.PaymentRef == "" || ev.TenantID == "" {
		in.reply(w, http.StatusBadRequest, "missing payment_ref")
		in.sink.WebhookReceived(ProviderX402, "malformed")
		return
	}
	settled, err := parseMicroString(ev.SettledAmountMicro)
	if err != nil {
		in.reply(w, http.StatusBadRequest, "malformed amount")
		in.sink.WebhookReceived(ProviderX402, "malformed")
		return
	}

	paymentID := ProviderX402 + ":" + ev.PaymentRef
	var lot *store.Lot
	err = in.store.WithinTx(ctx, ev.TenantID, func(tx store.Tx) error {
		var terr error
		lot, terr = tx.GetLotByPaymentID(ctx, paymentID)
		return terr
	})
	if err != nil {
		in.replyErr(w, ProviderX402, err)
		return
	}

	remainder := new(big.Int).Sub(lot.OriginalMicro, settled)
	if remainder.Sign() <= 0 {
		in.reply(w, http.StatusOK, "nothing to settle")
		in.sink.WebhookReceived(ProviderX402, "settled")
		return
	}

	ref := "x402-settle:" + ev.PaymentRef + ":" + ev.Nonce
	applied, err := in.ledger.CreditBack(ctx, ev.TenantID, lot.ID, remainder, ref)
	if err != nil {
		in.replyErr(w, ProviderX402, err)
		return
	}
	if !applied {
		in.reply(w, http.StatusOK, "duplicate")
		in.sink.WebhookReceived(ProviderX402, "duplicate")
		return
	}

	in.recordEvent(ctx, ev.TenantID, ProviderX402, ev.EventID, ev.Type)
	in.reply(w, http.StatusOK, "settled")
	in.sink.WebhookReceived(ProviderX402, "settled")
}

// --- shared mint path ---

type mintIntent struct {
	provider  string
	eventID   string
	eventType string
	tenantID  string
	accountID string
	amount    *big.Int
	source    string
}

// settleMint mints the lot (idempotent on payment_id) and then records the
// webhook event. Mint runs first so a crash between the two steps retries
// into the payment_id constraint instead of losing credit.
func (in *Intake) settleMint(w http.ResponseWriter, ctx context.Context, m mintIntent) {
	_, minted, err := in.ledger.Mint(ctx, m.tenantID, ledger.MintParams{
		AccountID:   m.accountID,
		AmountMicro: m.amount,
		Source:      m.source,
		PaymentID:   m.provider + ":" + m.eventID,
	})
	if err != nil {
		in.replyErr(w, m.provider, err)
		return
	}

	inserted := in.recordEvent(ctx, m.tenantID, m.provider, m.eventID, m.eventType)
	if !minted || !inserted {
		in.reply(w, http.StatusOK, "duplicate")
		in.sink.WebhookReceived(m.provider, "duplicate")
		return
	}
	in.reply(w, http.StatusOK, "minted")
	in.sink.WebhookReceived(m.provider, "minted")
}

func (in *Intake) recordEvent(ctx context.Context, tenantID, provider, eventID, eventType string) bool {
	inserted := true
	err := in.store.WithinTx(ctx, tenantID, func(tx store.Tx) error {
		var terr error
		inserted, terr = tx.InsertWebhookEvent(ctx, &store.WebhookEvent{
			ID:         uuid.NewString(),
			Provider:   provider,
			EventID:    eventID,
			EventType:  eventType,
			ReceivedAt: in.now(),
		})
		if terr != nil {
			return terr
		}
		return tx.MarkWebhookProcessed(ctx, provider, eventID)
	})
	if err != nil {
		in.log.Error().Err(err).Str("provider", provider).Str("event_id", eventID).
			Msg("record webhook event failed after mint")
		return true
	}
	return inserted
}

func (in *Intake) replyErr(w http.ResponseWriter, provider string, err error) {
	status := http.StatusBadGateway
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidArgument:
		status = http.StatusBadRequest
	case apperr.KindDependencyUnavailable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	}
	in.log.Error().Err(err).Str("provider", provider).Msg("webhook processing failed")
	in.reply(w, status, "processing failed")
	in.sink.WebhookReceived(provider, "error")
}

// --- helpers ---

func (in *Intake) stale(eventTime time.Time) bool {
	age := in.now().Sub(eventTime)
	return age > in.cfg.Window || age < -in.cfg.Window
}

func verifyHMAC(newHash func() hash.Hash, secret, body []byte, sigHex string) bool {
	if len(secret) == 0 || sigHex == "" {
		return false
	}
	mac := hmac.New(newHash, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(sigHex))) == 1
}

// usdToMicro converts a decimal USD string to micro-units exactly,
// rejecting precision finer than one micro.
func usdToMicro(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInvalidArgument, "malformed amount %q", s)
	}
	scaled := d.Mul(decimal.New(1, 6))
	if !scaled.IsInteger() || scaled.Sign() <= 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "amount %q is not a positive micro-unit value", s)
	}
	return scaled.BigInt(), nil
}

func parseMicroString(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "malformed micro amount %q", s)
	}
	return v, nil
}

// splitOrderID splits "<tenant>/<account>" order references.
func splitOrderID(orderID string) (tenantID, accountID string, ok bool) {
	tenantID, accountID, ok = strings.Cut(orderID, "/")
	return tenantID, accountID, ok && tenantID != "" && accountID != ""
}
