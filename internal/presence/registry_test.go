package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes map[string][]time.Time
	err    error
}

func (w *recordingWriter) TouchLastSeen(_ context.Context, key string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes == nil {
		w.writes = make(map[string][]time.Time)
	}
	w.writes[key] = append(w.writes[key], at)
	return w.err
}

func (w *recordingWriter) count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes[key])
}

func TestRegistry_MultipleTabsCoalesce(t *testing.T) {
	w := &recordingWriter{}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(w, zap.NewNop(), WithClock(func() time.Time { return at }))
	ctx := context.Background()

	assert.False(t, r.IsOnline("k"))
	assert.Equal(t, 1, r.Add("k"))
	assert.Equal(t, 2, r.Add("k"))
	assert.True(t, r.IsOnline("k"))

	n, err := r.Remove(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.IsOnline("k"))
	assert.Equal(t, 0, w.count("k"), "no last-seen write while another tab is open")

	n, err = r.Remove(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, r.IsOnline("k"))
	assert.Equal(t, 1, w.count("k"))
	assert.Equal(t, at, w.writes["k"][0])
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	w := &recordingWriter{}
	r := NewRegistry(w, zap.NewNop())

	n, err := r.Remove(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, w.count("ghost"))
}

func TestRegistry_WriteFailureStillGoesOffline(t *testing.T) {
	w := &recordingWriter{err: errors.New("db down")}
	r := NewRegistry(w, zap.NewNop())
	r.Add("k")

	_, err := r.Remove(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, r.IsOnline("k"))
}

func TestRegistry_ConcurrentBalanced(t *testing.T) {
	w := &recordingWriter{}
	r := NewRegistry(w, zap.NewNop())
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		r.Add("k")
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Remove(ctx, "k")
		}()
	}
	wg.Wait()

	assert.False(t, r.IsOnline("k"))
	assert.Equal(t, 1, w.count("k"), "exactly one offline transition")
}
