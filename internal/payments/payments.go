// Package payments manages credit purchases: checkout creation, payment
// verification, and the pending -> completed transition that grants credits.
//
// Credits for a payment are granted at most once. The verify endpoint and
// the webhook can both trigger reconciliation for the same session; a
// per-payment mutex plus a status check on the stored record make the
// second path a no-op.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/analytics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/ledger"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metrics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/models"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/pricing"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

const (
	paymentsBucket = "payments"
	sessionsBucket = "payment_sessions"
)

var (
	ErrPaymentNotFound = errors.New("payments: payment not found")
	ErrUnknownTier     = errors.New("payments: unknown pricing tier")
	ErrSessionUnpaid   = errors.New("payments: session not paid")
	ErrInvalidPayload  = errors.New("payments: invalid webhook payload")
)

type sessionIndex struct {
	PaymentID string `json:"payment_id"`
}

// Service owns payment records and drives reconciliation.
type Service struct {
	kv       storage.Store
	ledger   *ledger.Store
	pricing  *pricing.Table
	events   *analytics.Recorder
	metrics  *metrics.Metrics
	client   Client
	currency string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(kv storage.Store, l *ledger.Store, p *pricing.Table, events *analytics.Recorder, m *metrics.Metrics, client Client, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		kv:       kv,
		ledger:   l,
		pricing:  p,
		events:   events,
		metrics:  m,
		client:   client,
		currency: currency,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) paymentLock(paymentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[paymentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[paymentID] = lock
	}
	return lock
}

// CreateCheckout creates a pending payment record and a provider checkout
// session for the named tier. It returns the record and the hosted checkout
// URL the client should redirect to.
func (s *Service) CreateCheckout(ctx context.Context, userID, tierID, successURL, cancelURL string) (models.PaymentRecord, string, error) {
	tier, ok := s.pricing.TierByID(tierID)
	if !ok {
		return models.PaymentRecord{}, "", fmt.Errorf("%w: %q", ErrUnknownTier, tierID)
	}

	rec := models.PaymentRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		TierID:      tier.ID,
		Credits:     tier.Credits,
		AmountCents: tier.PriceCents,
		Status:      models.PaymentPending,
		CreatedAt:   time.Now().UTC(),
	}

	sess, err := s.client.CreateCheckoutSession(ctx, CheckoutParams{
		PaymentID:   rec.ID,
		UserID:      userID,
		TierID:      tier.ID,
		TierName:    tier.Name,
		Credits:     tier.Credits,
		AmountCents: tier.PriceCents,
		Currency:    s.currency,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
	})
	if err != nil {
		return models.PaymentRecord{}, "", err
	}
	rec.ExternalSessionID = sess.ID

	if err := s.persist(ctx, rec); err != nil {
		return models.PaymentRecord{}, "", err
	}
	idx, err := json.Marshal(sessionIndex{PaymentID: rec.ID})
	if err != nil {
		return models.PaymentRecord{}, "", err
	}
	if err := s.kv.Put(ctx, sessionsBucket, sess.ID, idx); err != nil {
		return models.PaymentRecord{}, "", err
	}
	s.metrics.PaymentRecorded(string(models.PaymentPending))
	return rec, sess.URL, nil
}

// VerifySession asks the provider whether a checkout session was paid and,
// if so, reconciles the matching payment. Safe to call repeatedly.
func (s *Service) VerifySession(ctx context.Context, sessionID string) (models.PaymentRecord, error) {
	status, err := s.client.RetrieveSession(ctx, sessionID)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	if !status.Paid {
		return models.PaymentRecord{}, ErrSessionUnpaid
	}
	return s.reconcile(ctx, sessionID)
}

// HandleWebhook verifies a provider webhook and reconciles completed
// checkout sessions. Unrecognized event types are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := s.client.VerifyWebhook(payload, sigHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.Type != "checkout.session.completed" {
		return nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := s.reconcile(ctx, sess.ID); err != nil {
		return err
	}
	return nil
}

// History returns a user's payment records, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]models.PaymentRecord, error) {
	docs, err := s.kv.List(ctx, paymentsBucket)
	if err != nil {
		return nil, err
	}
	out := make([]models.PaymentRecord, 0)
	for key, doc := range docs {
		var rec models.PaymentRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode payment %s: %w", key, err)
		}
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get returns one payment record by id.
func (s *Service) Get(ctx context.Context, paymentID string) (models.PaymentRecord, error) {
	doc, err := s.kv.Get(ctx, paymentsBucket, paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.PaymentRecord{}, ErrPaymentNotFound
	}
	if err != nil {
		return models.PaymentRecord{}, err
	}
	var rec models.PaymentRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return models.PaymentRecord{}, fmt.Errorf("decode payment %s: %w", paymentID, err)
	}
	return rec, nil
}

// reconcile moves a payment to completed and grants its credits. The record
// is stamped completed before the ledger credit so a crash in between loses
// the grant rather than doubling it.
func (s *Service) reconcile(ctx context.Context, sessionID string) (models.PaymentRecord, error) {
	idxDoc, err := s.kv.Get(ctx, sessionsBucket, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.PaymentRecord{}, ErrPaymentNotFound
	}
	if err != nil {
		return models.PaymentRecord{}, err
	}
	var idx sessionIndex
	if err := json.Unmarshal(idxDoc, &idx); err != nil {
		return models.PaymentRecord{}, fmt.Errorf("decode session index %s: %w", sessionID, err)
	}

	lock := s.paymentLock(idx.PaymentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(ctx, idx.PaymentID)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	if rec.Status == models.PaymentCompleted {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.Status = models.PaymentCompleted
	rec.CompletedAt = &now
	if err := s.persist(ctx, rec); err != nil {
		return models.PaymentRecord{}, err
	}

	if _, err := s.ledger.Credit(ctx, rec.UserID, rec.Credits); err != nil {
		return models.PaymentRecord{}, fmt.Errorf("grant credits for payment %s: %w", rec.ID, err)
	}
	s.metrics.PaymentRecorded(string(models.PaymentCompleted))
	s.metrics.CreditsGranted(rec.Credits)
	if _, err := s.events.Record(ctx, models.EventPurchased, rec.UserID, map[string]any{
		"tier":         rec.TierID,
		"credits":      rec.Credits,
		"amount_cents": rec.AmountCents,
	}); err != nil {
		log.Printf("[ERROR] record purchased event: %v", err)
	}
	return rec, nil
}

func (s *Service) persist(ctx context.Context, rec models.PaymentRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, paymentsBucket, rec.ID, doc)
}
