package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "0123456789abcdef0123456789abcdef"
	keyB = "fedcba9876543210fedcba9876543210"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn against the in-memory store and, when
// TEST_DATABASE_URL is set, against a freshly truncated Postgres database.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, newPostgresTestStore(t))
	})
}

func newPostgresTestStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	s := NewPostgresStore(db)
	truncate := func(db *sql.DB) {
		_, _ = db.ExecContext(ctx, `TRUNCATE user_prefixes, messages, users RESTART IDENTITY`)
	}
	truncate(s.db)
	t.Cleanup(func() {
		truncate(s.db)
		s.Close()
	})
	return s
}

func seed(t *testing.T, s Store, key, nick string) Profile {
	t.Helper()
	p, created, err := s.EnsureProfile(context.Background(), Profile{
		Key: key, Nick: nick, Lang: "en", LastSeen: t0, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func post(t *testing.T, s Store, p Profile, text string) Message {
	t.Helper()
	m, err := s.InsertMessage(context.Background(), Message{
		UserKey: p.Key, Nick: p.Nick, AvatarURL: p.AvatarURL, Text: text, CreatedAt: t0,
	})
	require.NoError(t, err)
	return m
}

func TestEnsureProfile_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, keyA, "ghost_1a")

		p, created, err := s.EnsureProfile(ctx, Profile{Key: keyA, Nick: "other", Lang: "ru", CreatedAt: t0})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "ghost_1a", p.Nick)
		assert.Equal(t, "en", p.Lang)
	})
}

func TestGetProfile_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetProfile(context.Background(), keyB)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateProfile_RewritesNickInHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seed(t, s, keyA, "ghost_1a")
		b := seed(t, s, keyB, "bystander")
		post(t, s, a, "hello")
		post(t, s, b, "hi")

		nick := "root2"
		updated, err := s.UpdateProfile(ctx, keyA, ProfileEdit{Nick: &nick}, t0.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "root2", updated.Nick)
		assert.Equal(t, "en", updated.Lang, "unset fields stay unchanged")

		history, err := s.History(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "root2", history[0].Nick)
		assert.Equal(t, "bystander", history[1].Nick)
	})
}

func TestSetAvatar_VersionStrictlyIncreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seed(t, s, keyA, "ghost")
		post(t, s, a, "before upload")

		urlFor := func(ver int64) string { return fmt.Sprintf("/avatars/%s.png?v=%d", keyA, ver) }

		first, err := s.SetAvatar(ctx, keyA, t0, urlFor)
		require.NoError(t, err)
		second, err := s.SetAvatar(ctx, keyA, t0, urlFor)
		require.NoError(t, err)
		third, err := s.SetAvatar(ctx, keyA, t0.Add(-time.Hour), urlFor)
		require.NoError(t, err)

		assert.Equal(t, t0.UnixMilli(), first.AvatarVer)
		assert.Equal(t, first.AvatarVer+1, second.AvatarVer)
		assert.Equal(t, second.AvatarVer+1, third.AvatarVer)
		assert.Equal(t, urlFor(third.AvatarVer), third.AvatarURL)

		history, err := s.History(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, third.AvatarURL, history[0].AvatarURL)
	})
}

func TestActivatePrefix_RequiresOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seed(t, s, keyA, "ghost")
		post(t, s, a, "msg")

		_, err := s.ActivatePrefix(ctx, keyA, "p1", "Ghost", t0)
		require.ErrorIs(t, err, ErrNotOwned)

		p, err := s.GetProfile(ctx, keyA)
		require.NoError(t, err)
		assert.Empty(t, p.ActivePrefixID, "rejected activation leaves state unchanged")

		_, err = s.AddBalance(ctx, keyA, 100, t0)
		require.NoError(t, err)
		_, _, err = s.Purchase(ctx, keyA, "p1", 60, t0)
		require.NoError(t, err)

		p, err = s.ActivatePrefix(ctx, keyA, "p1", "Ghost", t0)
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ActivePrefixID)

		history, err := s.History(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, "Ghost", history[0].Prefix)
	})
}

func TestPurchase_BalanceRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, keyA, "ghost")

		for i := 0; i < 5; i++ {
			_, err := s.AddBalance(ctx, keyA, 1, t0)
			require.NoError(t, err)
		}

		balance, _, err := s.Purchase(ctx, keyA, "p1", 60, t0)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, int64(5), balance)

		_, err = s.AddBalance(ctx, keyA, 55, t0)
		require.NoError(t, err)

		balance, owned, err := s.Purchase(ctx, keyA, "p1", 60, t0)
		require.NoError(t, err)
		assert.False(t, owned)
		assert.Equal(t, int64(0), balance)

		balance, owned, err = s.Purchase(ctx, keyA, "p1", 60, t0)
		require.NoError(t, err)
		assert.True(t, owned, "second purchase is an idempotent success")
		assert.Equal(t, int64(0), balance)

		set, err := s.OwnedPrefixes(ctx, keyA)
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"p1": true}, set)
	})
}

func TestPurchase_ConcurrentNoDoubleSpend(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, keyA, "ghost")
		_, err := s.AddBalance(ctx, keyA, 100, t0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, id := range []string{"p1", "p2", "p3", "p4"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _, _ = s.Purchase(ctx, keyA, id, 60, t0)
			}(id)
		}
		wg.Wait()

		p, err := s.GetProfile(ctx, keyA)
		require.NoError(t, err)
		owned, err := s.OwnedPrefixes(ctx, keyA)
		require.NoError(t, err)
		assert.Len(t, owned, 1)
		assert.Equal(t, int64(40), p.Balance)
	})
}

func TestAddBalance_NeverNegative(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, keyA, "ghost")

		_, err := s.AddBalance(ctx, keyA, -1, t0)
		require.ErrorIs(t, err, ErrInsufficientFunds)

		_, err = s.AddBalance(ctx, keyB, 1, t0)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPrune_KeepsNewest(t *testing.T) {
	tests := []struct {
		name   string
		posted int
		limit  int
	}{
		{"under limit", 3, 5},
		{"at limit", 5, 5},
		{"over limit", 12, 5},
		{"limit one", 4, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, s Store) {
				ctx := context.Background()
				a := seed(t, s, keyA, "ghost")
				var last int64
				for i := 0; i < tt.posted; i++ {
					last = post(t, s, a, fmt.Sprintf("m%d", i)).ID
				}

				_, err := s.Prune(ctx, tt.limit)
				require.NoError(t, err)

				history, err := s.History(ctx, 1000)
				require.NoError(t, err)
				want := min(tt.limit, tt.posted)
				require.Len(t, history, want)
				assert.Equal(t, last, history[len(history)-1].ID)
				for i := 1; i < len(history); i++ {
					assert.Less(t, history[i-1].ID, history[i].ID)
				}
				assert.Equal(t, fmt.Sprintf("m%d", tt.posted-want), history[0].Text)
			})
		})
	}
}

func TestHistory_Limit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seed(t, s, keyA, "ghost")
		for i := 0; i < 5; i++ {
			post(t, s, a, fmt.Sprintf("m%d", i))
		}

		history, err := s.History(ctx, 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "m3", history[0].Text)
		assert.Equal(t, "m4", history[1].Text)
	})
}

func TestNotifyCandidates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, keyA, "sender")
		seed(t, s, keyB, "reader")
		seed(t, s, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "no_mail")

		for _, key := range []string{keyA, keyB} {
			email := "user@example.com"
			_, err := s.UpdateProfile(ctx, key, ProfileEdit{Email: &email}, t0)
			require.NoError(t, err)
		}

		got, err := s.NotifyCandidates(ctx, keyA)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, keyB, got[0].Key)

		at := t0.Add(time.Minute)
		require.NoError(t, s.SetLastNotified(ctx, keyB, at))
		p, err := s.GetProfile(ctx, keyB)
		require.NoError(t, err)
		assert.True(t, p.LastNotified.Equal(at))
	})
}

func TestNextAvatarVersion(t *testing.T) {
	now := time.UnixMilli(1_000)
	assert.Equal(t, int64(1_000), NextAvatarVersion(now, 0))
	assert.Equal(t, int64(1_001), NextAvatarVersion(now, 1_000))
	assert.Equal(t, int64(5_001), NextAvatarVersion(now, 5_000))
}
