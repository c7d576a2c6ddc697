package profile

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/avatar"
	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/protocol"
	"github.com/minichat/chat-app/internal/store"
)

const keyA = "0123456789abcdef0123456789abcdef"

type event struct {
	Type    string
	Payload interface{}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []event
}

func (c *capturePublisher) Publish(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{Type: msgType, Payload: payload})
	return nil
}

func (c *capturePublisher) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	pub   *capturePublisher
	dir   string
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	disk, err := avatar.NewDiskStorage(dir)
	require.NoError(t, err)

	f := &fixture{
		store: store.NewMemoryStore(),
		pub:   &capturePublisher{},
		dir:   dir,
		now:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.svc = NewService(Deps{
		Store:     f.store,
		Catalog:   catalog.Default(),
		Pipeline:  avatar.NewPipeline(300 << 10),
		Storage:   disk,
		URLs:      avatar.URLBuilder{Base: "/avatars"},
		Publisher: f.pub,
		Now:       func() time.Time { return f.now },
	}, zap.NewNop())
	return f
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func strPtr(s string) *string { return &s }

func TestSanitizeNick(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ghost_1a", "ghost_1a"},
		{"  spaced  ", "spaced"},
		{"hé llo!", "h__llo_"},
		{"", "anon"},
		{"   ", "anon"},
		{"abcdefghijklmnopqrstuvwxyz0123456789", "abcdefghijklmnopqrstuvwxyz012345"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeNick(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeLangAndEmail(t *testing.T) {
	assert.Equal(t, "en", SanitizeLang("EN"))
	assert.Equal(t, "zh", SanitizeLang("zh"))
	assert.Equal(t, "ru", SanitizeLang("de"))
	assert.Equal(t, "ru", SanitizeLang(""))

	assert.Equal(t, "a@b.co", SanitizeEmail("  A@B.co "))
	assert.Equal(t, "", SanitizeEmail("not-an-email"))
	assert.Equal(t, "", SanitizeEmail("a b@c.d"))
	assert.Equal(t, "", SanitizeEmail(""))
}

func TestHello_CreatesOnceAndRefreshesLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Hello(ctx, keyA, "ghost 1a", "en")
	require.NoError(t, err)
	assert.Equal(t, "ghost_1a", p.Nick)
	assert.Equal(t, "en", p.Lang)
	assert.Zero(t, p.Balance)
	assert.Equal(t, f.now, p.LastSeen)

	f.now = f.now.Add(time.Hour)
	p, err = f.svc.Hello(ctx, keyA, "someone_else", "zh")
	require.NoError(t, err)
	assert.Equal(t, "ghost_1a", p.Nick, "existing profile keeps its nick")
	assert.Equal(t, "en", p.Lang)

	stored, err := f.store.GetProfile(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, f.now, stored.LastSeen)
}

func TestApplyEdit_RewritesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Hello(ctx, keyA, "ghost_1a", "en")
	require.NoError(t, err)
	_, err = f.store.InsertMessage(ctx, store.Message{UserKey: keyA, Nick: p.Nick, Text: "hello", CreatedAt: f.now})
	require.NoError(t, err)

	updated, err := f.svc.ApplyEdit(ctx, keyA, Edit{Nick: strPtr("root2")})
	require.NoError(t, err)
	assert.Equal(t, "root2", updated.Nick)
	assert.Equal(t, "en", updated.Lang, "absent fields are untouched")

	history, err := f.store.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "root2", history[0].Nick)

	require.Equal(t, 1, f.pub.Len())
	assert.Equal(t, protocol.TypeUserProfile, f.pub.events[0].Type)
	assert.Equal(t, "root2", f.pub.events[0].Payload.(protocol.UserProfileMsg).Nick)
}

func TestApplyEdit_SanitizesFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Hello(ctx, keyA, "a", "en")
	require.NoError(t, err)

	p, err := f.svc.ApplyEdit(ctx, keyA, Edit{Lang: strPtr("xx"), Email: strPtr("broken")})
	require.NoError(t, err)
	assert.Equal(t, "ru", p.Lang)
	assert.Empty(t, p.Email)

	p, err = f.svc.ApplyEdit(ctx, keyA, Edit{Email: strPtr("Me@Example.com")})
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", p.Email)
}

func TestApplyEdit_UnknownIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyEdit(context.Background(), keyA, Edit{Nick: strPtr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.pub.Len())
}

func TestApplyAvatarUpload_RejectsFakePNG(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Hello(ctx, keyA, "a", "en")
	require.NoError(t, err)

	_, err = f.svc.ApplyAvatarUpload(ctx, keyA, "image/png", []byte("GIF89a not really a png"))
	assert.ErrorIs(t, err, avatar.ErrBadSignature)

	_, statErr := os.Stat(filepath.Join(f.dir, avatar.FileName(keyA)))
	assert.True(t, os.IsNotExist(statErr), "no file written")

	p, err := f.store.GetProfile(ctx, keyA)
	require.NoError(t, err)
	assert.Zero(t, p.AvatarVer, "no version bump")
	assert.Zero(t, f.pub.Len())
}

func TestApplyAvatarUpload_StoresAndRewrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Hello(ctx, keyA, "a", "en")
	require.NoError(t, err)
	_, err = f.store.InsertMessage(ctx, store.Message{UserKey: keyA, Nick: "a", Text: "hi"})
	require.NoError(t, err)

	p, err := f.svc.ApplyAvatarUpload(ctx, keyA, "image/png", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, f.now.UnixMilli(), p.AvatarVer)
	assert.Equal(t, avatar.URLBuilder{Base: "/avatars"}.URL(keyA, p.AvatarVer), p.AvatarURL)

	_, err = os.Stat(filepath.Join(f.dir, avatar.FileName(keyA)))
	assert.NoError(t, err)

	history, err := f.store.History(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, p.AvatarURL, history[0].AvatarURL)
	assert.Equal(t, 1, f.pub.Len())
}

func TestApplyAvatarUpload_VersionStrictlyIncreasesWithinOneTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Hello(ctx, keyA, "a", "en")
	require.NoError(t, err)

	data := pngBytes(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyAvatarUpload(ctx, keyA, "image/png", data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := f.store.GetProfile(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, f.now.UnixMilli()+3, p.AvatarVer)
}

func TestApplyAvatarUpload_UnknownIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyAvatarUpload(context.Background(), keyA, "image/png", pngBytes(t))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyPrefixActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Hello(ctx, keyA, "a", "en")
	require.NoError(t, err)
	_, err = f.store.InsertMessage(ctx, store.Message{UserKey: keyA, Nick: "a", Text: "hi"})
	require.NoError(t, err)

	_, err = f.svc.ApplyPrefixActivation(ctx, keyA, "p999")
	assert.ErrorIs(t, err, catalog.ErrUnknownPrefix)

	_, err = f.svc.ApplyPrefixActivation(ctx, keyA, "p1")
	assert.ErrorIs(t, err, store.ErrNotOwned)
	p, err := f.store.GetProfile(ctx, keyA)
	require.NoError(t, err)
	assert.Empty(t, p.ActivePrefixID, "rejected activation leaves state unchanged")

	_, err = f.store.AddBalance(ctx, keyA, 60, f.now)
	require.NoError(t, err)
	_, _, err = f.store.Purchase(ctx, keyA, "p1", 60, f.now)
	require.NoError(t, err)

	p, err = f.svc.ApplyPrefixActivation(ctx, keyA, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ActivePrefixID)
	assert.Equal(t, "Ghost", f.svc.ProfileMessage(p).Prefix)

	history, err := f.store.History(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Ghost", history[0].Prefix)
	assert.Equal(t, 1, f.pub.Len())
}

func TestProfileMessage_OmitsUnsetTimes(t *testing.T) {
	f := newFixture(t)
	msg := f.svc.ProfileMessage(store.Profile{Key: keyA, Nick: "n"})
	assert.Nil(t, msg.LastSeen)
	assert.Nil(t, msg.LastNotified)
	assert.Empty(t, msg.Prefix)
}
