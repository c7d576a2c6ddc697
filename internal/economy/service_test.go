package economy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/ratelimit"
	"github.com/minichat/chat-app/internal/store"
)

const keyA = "0123456789abcdef0123456789abcdef"

type stubActivator struct {
	st  store.Store
	cat *catalog.Catalog
}

func (a stubActivator) ApplyPrefixActivation(ctx context.Context, key, prefixID string) (store.Profile, error) {
	p, err := a.cat.Lookup(prefixID)
	if err != nil {
		return store.Profile{}, err
	}
	return a.st.ActivatePrefix(ctx, key, p.ID, p.Label, time.Now())
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

func (denyAll) Remaining(context.Context, string) (int, error) { return 0, nil }

func newService(t *testing.T, limiter ratelimit.AccrualLimiter) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cat := catalog.Default()
	_, _, err := st.EnsureProfile(context.Background(), store.Profile{Key: keyA, Nick: "a", Lang: "en"})
	require.NoError(t, err)
	return NewService(st, cat, limiter, stubActivator{st: st, cat: cat}, zap.NewNop()), st
}

func TestShop(t *testing.T) {
	svc, st := newService(t, nil)
	ctx := context.Background()

	_, err := st.AddBalance(ctx, keyA, 100, time.Now())
	require.NoError(t, err)
	_, err = svc.Buy(ctx, keyA, "p1")
	require.NoError(t, err)

	shop, err := svc.Shop(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, int64(40), shop.Balance)
	require.Len(t, shop.Prefixes, 30)
	assert.True(t, shop.Prefixes[0].Owned)
	assert.False(t, shop.Prefixes[1].Owned)
	assert.Equal(t, "Ghost", shop.Prefixes[0].Label)

	_, err = svc.Shop(ctx, "ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Balance 0, five increments, a 60-price purchase fails, then succeeds once
// the balance reaches 60 and debits exactly 60.
func TestAccrueThenBuyScenario(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	var balance int64
	var err error
	for i := 0; i < 5; i++ {
		balance, err = svc.Accrue(ctx, keyA)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), balance)

	_, err = svc.Buy(ctx, keyA, "p1")
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)

	for i := 0; i < 60; i++ {
		balance, err = svc.Accrue(ctx, keyA)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(65), balance)

	res, err := svc.Buy(ctx, keyA, "p1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyOwned)
	assert.Equal(t, int64(5), res.Balance)

	res, err = svc.Buy(ctx, keyA, "p1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyOwned)
	assert.Equal(t, int64(5), res.Balance, "owned prefix is not charged twice")
}

func TestAccrue_Limited(t *testing.T) {
	svc, st := newService(t, denyAll{})
	ctx := context.Background()

	_, err := svc.Accrue(ctx, keyA)
	assert.ErrorIs(t, err, ErrTooFrequent)

	p, err := st.GetProfile(ctx, keyA)
	require.NoError(t, err)
	assert.Zero(t, p.Balance)
}

func TestAccrue_MemoryGuardCapsParallelSessions(t *testing.T) {
	svc, _ := newService(t, ratelimit.NewBalanceMemoryLimiter())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Accrue(ctx, keyA); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, granted, 3, "burst of two plus at most one refill")
}

func TestAccrue_UnknownIdentity(t *testing.T) {
	svc, _ := newService(t, nil)
	_, err := svc.Accrue(context.Background(), "ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuy_UnknownPrefix(t *testing.T) {
	svc, _ := newService(t, nil)
	_, err := svc.Buy(context.Background(), keyA, "nope")
	assert.ErrorIs(t, err, catalog.ErrUnknownPrefix)
}

func TestBuy_ConcurrentNoDoubleSpend(t *testing.T) {
	svc, st := newService(t, nil)
	ctx := context.Background()
	_, err := st.AddBalance(ctx, keyA, 60, time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Buy(ctx, keyA, "p1")
		}()
	}
	wg.Wait()

	p, err := st.GetProfile(ctx, keyA)
	require.NoError(t, err)
	assert.Zero(t, p.Balance)
}

func TestActivate(t *testing.T) {
	svc, st := newService(t, nil)
	ctx := context.Background()

	_, err := svc.Activate(ctx, keyA, "p1")
	assert.ErrorIs(t, err, store.ErrNotOwned)

	_, err = st.AddBalance(ctx, keyA, 60, time.Now())
	require.NoError(t, err)
	_, err = svc.Buy(ctx, keyA, "p1")
	require.NoError(t, err)

	p, err := svc.Activate(ctx, keyA, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ActivePrefixID)
	assert.Equal(t, "Ghost", svc.Label(p.ActivePrefixID))
}
