package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

func newTestStore(t *testing.T, starter int) *Store {
	t.Helper()
	return New(storage.NewMemoryStore(), starter)
}

func TestGetCreatesStarterBalance(t *testing.T) {
	s := newTestStore(t, 5)
	rec, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 5, rec.Balance)
	require.Equal(t, 0, rec.TotalPurchased)
	require.Equal(t, 0, rec.TotalUsed)

	// second Get returns the same record, no second grant
	again, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 5, again.Balance)
}

func TestCreditAndDebitKeepInvariant(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	rec, err := s.Credit(ctx, "alice", 20)
	require.NoError(t, err)
	require.Equal(t, 25, rec.Balance)
	require.Equal(t, 20, rec.TotalPurchased)

	rec, ok, err := s.Debit(ctx, "alice", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 15, rec.Balance)
	require.Equal(t, 10, rec.TotalUsed)

	require.Equal(t, rec.Balance, 5+rec.TotalPurchased-rec.TotalUsed)
}

func TestDebitInsufficientLeavesRecordUntouched(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	rec, ok, err := s.Debit(ctx, "alice", 6)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 5, rec.Balance)
	require.Equal(t, 0, rec.TotalUsed)

	// exact balance is spendable
	rec, ok, err = s.Debit(ctx, "alice", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, rec.Balance)
}

func TestNegativeAmountsRejected(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	_, err := s.Credit(ctx, "alice", -1)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = s.Debit(ctx, "alice", -1)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = s.Reserve(ctx, "alice", -1)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReserveHoldsCreditsWithoutPersisting(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	rec, ok, err := s.Reserve(ctx, "alice", 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, rec.Balance)

	// only 1 credit is spendable while the hold is out
	_, ok, err = s.Reserve(ctx, "alice", 2)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Debit(ctx, "alice", 2)
	require.NoError(t, err)
	require.False(t, ok)

	rec, err = s.CommitReservation(ctx, "alice", 4, 2)
	require.NoError(t, err)
	require.Equal(t, 3, rec.Balance)
	require.Equal(t, 2, rec.TotalUsed)

	// hold is gone, remaining balance is spendable again
	_, ok, err = s.Debit(ctx, "alice", 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCommitZeroChargesNothing(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	_, ok, err := s.Reserve(ctx, "alice", 5)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := s.CommitReservation(ctx, "alice", 5, 0)
	require.NoError(t, err)
	require.Equal(t, 5, rec.Balance)
	require.Equal(t, 0, rec.TotalUsed)
}

func TestCommitValidatesActual(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	_, ok, err := s.Reserve(ctx, "alice", 3)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.CommitReservation(ctx, "alice", 3, 4)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReleaseReservation(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	_, ok, err := s.Reserve(ctx, "alice", 5)
	require.NoError(t, err)
	require.True(t, ok)
	s.ReleaseReservation("alice", 5)

	rec, ok, err := s.Debit(ctx, "alice", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, rec.Balance)
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	_, err := s.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	const workers = 50
	const amount = 3
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Debit(ctx, "alice", amount)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 33, successes)
	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Balance)
	require.Equal(t, 99, rec.TotalUsed)
}

func TestRecordsSurviveNewInstance(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()

	first := New(kv, 5)
	_, err := first.Credit(ctx, "alice", 10)
	require.NoError(t, err)

	second := New(kv, 5)
	rec, err := second.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 15, rec.Balance)
	require.Equal(t, 10, rec.TotalPurchased)
}
