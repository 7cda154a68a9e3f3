// Package ledger owns per-user credit balances and lifetime counters.
//
// All mutations to one user's record are serialized by a per-user mutex, so
// concurrent debits can never lose updates. The Reserve/Commit/Release
// triple lets the metering gate hold a provisional debit while an external
// generation call is in flight: the persisted balance only moves on commit,
// but reserved credits are unavailable to other requests in the meantime.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/models"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

const bucket = "ledger"

// DefaultStarterCredits is granted to every user on first contact.
const DefaultStarterCredits = 5

var ErrInvalidAmount = errors.New("ledger: amount must be non-negative")

// Store is the credit ledger. Construct one per process and inject it.
type Store struct {
	kv      storage.Store
	starter int

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	reserved map[string]int
}

func New(kv storage.Store, starterCredits int) *Store {
	if starterCredits < 0 {
		starterCredits = DefaultStarterCredits
	}
	return &Store{
		kv:       kv,
		starter:  starterCredits,
		locks:    make(map[string]*sync.Mutex),
		reserved: make(map[string]int),
	}
}

// userLock returns the mutex serializing all mutations for one user.
func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

func (s *Store) reservedFor(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved[userID]
}

func (s *Store) addReserved(userID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.reserved[userID] + delta
	if next <= 0 {
		delete(s.reserved, userID)
		return
	}
	s.reserved[userID] = next
}

// Get returns the user's record, creating it with the starter balance on
// first contact. Records are never deleted.
func (s *Store) Get(ctx context.Context, userID string) (models.LedgerRecord, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadOrCreate(ctx, userID)
}

// Credit adds purchased credits to the balance and lifetime total.
func (s *Store) Credit(ctx context.Context, userID string, amount int) (models.LedgerRecord, error) {
	if amount < 0 {
		return models.LedgerRecord{}, ErrInvalidAmount
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return models.LedgerRecord{}, err
	}
	rec.Balance += amount
	rec.TotalPurchased += amount
	rec.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, rec); err != nil {
		return models.LedgerRecord{}, err
	}
	return rec, nil
}

// Debit atomically checks and decrements the balance. It reports false with
// no mutation when the spendable balance (net of outstanding reservations)
// is short.
func (s *Store) Debit(ctx context.Context, userID string, amount int) (models.LedgerRecord, bool, error) {
	if amount < 0 {
		return models.LedgerRecord{}, false, ErrInvalidAmount
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return models.LedgerRecord{}, false, err
	}
	if rec.Balance-s.reservedFor(userID) < amount {
		return rec, false, nil
	}
	rec, err = s.debitLocked(ctx, rec, amount)
	if err != nil {
		return models.LedgerRecord{}, false, err
	}
	return rec, true, nil
}

// Reserve holds amount credits against the user's balance without touching
// the persisted record. It reports false with no reservation when the
// spendable balance is short.
func (s *Store) Reserve(ctx context.Context, userID string, amount int) (models.LedgerRecord, bool, error) {
	if amount < 0 {
		return models.LedgerRecord{}, false, ErrInvalidAmount
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return models.LedgerRecord{}, false, err
	}
	if rec.Balance-s.reservedFor(userID) < amount {
		return rec, false, nil
	}
	s.addReserved(userID, amount)
	return rec, true, nil
}

// CommitReservation releases a reservation and debits the amount actually
// consumed. actual may be anywhere from 0 (nothing succeeded, nothing
// charged) to the reserved amount.
func (s *Store) CommitReservation(ctx context.Context, userID string, reserved, actual int) (models.LedgerRecord, error) {
	if reserved < 0 || actual < 0 || actual > reserved {
		return models.LedgerRecord{}, fmt.Errorf("%w: reserved=%d actual=%d", ErrInvalidAmount, reserved, actual)
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.addReserved(userID, -reserved)
	rec, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return models.LedgerRecord{}, err
	}
	if actual == 0 {
		return rec, nil
	}
	return s.debitLocked(ctx, rec, actual)
}

// ReleaseReservation drops a reservation without charging anything.
func (s *Store) ReleaseReservation(userID string, amount int) {
	if amount <= 0 {
		return
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	s.addReserved(userID, -amount)
}

// debitLocked mutates and persists; caller holds the user lock and has
// already verified the balance covers the amount.
func (s *Store) debitLocked(ctx context.Context, rec models.LedgerRecord, amount int) (models.LedgerRecord, error) {
	rec.Balance -= amount
	rec.TotalUsed += amount
	rec.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, rec); err != nil {
		return models.LedgerRecord{}, err
	}
	return rec, nil
}

func (s *Store) loadOrCreate(ctx context.Context, userID string) (models.LedgerRecord, error) {
	doc, err := s.kv.Get(ctx, bucket, userID)
	if errors.Is(err, storage.ErrNotFound) {
		rec := models.LedgerRecord{
			UserID:    userID,
			Balance:   s.starter,
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.persist(ctx, rec); err != nil {
			return models.LedgerRecord{}, err
		}
		return rec, nil
	}
	if err != nil {
		return models.LedgerRecord{}, err
	}
	var rec models.LedgerRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return models.LedgerRecord{}, fmt.Errorf("decode ledger record %s: %w", userID, err)
	}
	return rec, nil
}

func (s *Store) persist(ctx context.Context, rec models.LedgerRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, bucket, rec.UserID, doc)
}
