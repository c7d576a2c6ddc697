// Package profile owns profile mutations and keeps every view of a profile
// in step: the owner's connection, all other connections, and the copies of
// nick, avatar URL and prefix stored with historical messages.
package profile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/avatar"
	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/keylock"
	"github.com/minichat/chat-app/internal/metrics"
	"github.com/minichat/chat-app/internal/protocol"
	"github.com/minichat/chat-app/internal/store"
)

// Publisher delivers a server event to every connection.
type Publisher interface {
	Publish(msgType string, payload interface{}) error
}

// Edit is a partial profile edit as received from a client. Nil fields are
// left unchanged.
type Edit struct {
	Nick  *string
	Lang  *string
	Email *string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Pipeline  *avatar.Pipeline
	Storage   avatar.Storage
	URLs      avatar.URLBuilder
	Publisher Publisher
	Locks     *keylock.Locker
	Now       func() time.Time
}

// Service applies profile mutations.
type Service struct {
	store    store.Store
	catalog  *catalog.Catalog
	pipeline *avatar.Pipeline
	storage  avatar.Storage
	urls     avatar.URLBuilder
	pub      Publisher
	locks    *keylock.Locker
	now      func() time.Time
	log      *zap.Logger
}

// NewService wires a Service. Locks and Now default to a fresh locker and
// time.Now.
func NewService(deps Deps, logger *zap.Logger) *Service {
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		store:    deps.Store,
		catalog:  deps.Catalog,
		pipeline: deps.Pipeline,
		storage:  deps.Storage,
		urls:     deps.URLs,
		pub:      deps.Publisher,
		locks:    deps.Locks,
		now:      deps.Now,
		log:      logger,
	}
}

// Hello returns the profile for key, creating it from the suggested nick and
// language on first sight, and refreshes its last-seen time.
func (s *Service) Hello(ctx context.Context, key, nick, lang string) (store.Profile, error) {
	now := s.now()
	p, created, err := s.store.EnsureProfile(ctx, store.Profile{
		Key:       key,
		Nick:      SanitizeNick(nick),
		Lang:      SanitizeLang(lang),
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return store.Profile{}, fmt.Errorf("profile: hello %s: %w", key, err)
	}
	if created {
		s.log.Info("profile created", zap.String("key", key), zap.String("nick", p.Nick))
		return p, nil
	}

	if err := s.store.TouchLastSeen(ctx, key, now); err != nil {
		return store.Profile{}, fmt.Errorf("profile: hello %s: %w", key, err)
	}
	p.LastSeen = now
	return p, nil
}

// ApplyEdit sanitizes and stores the edited fields, rewrites the nick on the
// identity's messages and announces the change.
func (s *Service) ApplyEdit(ctx context.Context, key string, edit Edit) (store.Profile, error) {
	var clean store.ProfileEdit
	if edit.Nick != nil {
		v := SanitizeNick(*edit.Nick)
		clean.Nick = &v
	}
	if edit.Lang != nil {
		v := SanitizeLang(*edit.Lang)
		clean.Lang = &v
	}
	if edit.Email != nil {
		v := SanitizeEmail(*edit.Email)
		clean.Email = &v
	}

	p, err := s.store.UpdateProfile(ctx, key, clean, s.now())
	if err != nil {
		return store.Profile{}, fmt.Errorf("profile: edit %s: %w", key, err)
	}
	s.announce(p)
	return p, nil
}

// ApplyAvatarUpload validates and shrinks data, stores the result, bumps the
// avatar version and announces the new URL. Uploads for one identity are
// serialized so the stored file always matches the newest version.
func (s *Service) ApplyAvatarUpload(ctx context.Context, key, mimeType string, data []byte) (store.Profile, error) {
	if _, err := s.store.GetProfile(ctx, key); err != nil {
		return store.Profile{}, fmt.Errorf("profile: avatar %s: %w", key, err)
	}

	out, err := s.pipeline.Process(mimeType, data)
	if err != nil {
		metrics.AvatarUploads.WithLabelValues("rejected").Inc()
		return store.Profile{}, fmt.Errorf("profile: avatar %s: %w", key, err)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.storage.Put(ctx, key, out); err != nil {
		metrics.AvatarUploads.WithLabelValues("error").Inc()
		return store.Profile{}, fmt.Errorf("profile: avatar %s: %w", key, err)
	}

	p, err := s.store.SetAvatar(ctx, key, s.now(), func(ver int64) string {
		return s.urls.URL(key, ver)
	})
	if err != nil {
		metrics.AvatarUploads.WithLabelValues("error").Inc()
		return store.Profile{}, fmt.Errorf("profile: avatar %s: %w", key, err)
	}

	metrics.AvatarUploads.WithLabelValues("ok").Inc()
	s.log.Info("avatar updated",
		zap.String("key", key),
		zap.Int64("ver", p.AvatarVer),
		zap.Int("bytes", len(out)))
	s.announce(p)
	return p, nil
}

// ApplyPrefixActivation makes an owned prefix active, rewrites the prefix
// label on the identity's messages and announces the change.
func (s *Service) ApplyPrefixActivation(ctx context.Context, key, prefixID string) (store.Profile, error) {
	prefix, err := s.catalog.Lookup(prefixID)
	if err != nil {
		return store.Profile{}, fmt.Errorf("profile: activate %s: %w", key, err)
	}

	p, err := s.store.ActivatePrefix(ctx, key, prefix.ID, prefix.Label, s.now())
	if err != nil {
		return store.Profile{}, fmt.Errorf("profile: activate %s: %w", key, err)
	}
	s.announce(p)
	return p, nil
}

// PrefixLabel returns the display label of the profile's active prefix.
func (s *Service) PrefixLabel(p store.Profile) string {
	return s.catalog.Label(p.ActivePrefixID)
}

// ProfileMessage renders the owner's view of p.
func (s *Service) ProfileMessage(p store.Profile) protocol.ProfileMsg {
	msg := protocol.ProfileMsg{
		Key:            p.Key,
		Nick:           p.Nick,
		Lang:           p.Lang,
		Email:          p.Email,
		AvatarURL:      p.AvatarURL,
		AvatarVer:      p.AvatarVer,
		Balance:        p.Balance,
		ActivePrefixID: p.ActivePrefixID,
		Prefix:         s.PrefixLabel(p),
	}
	if !p.LastSeen.IsZero() {
		t := p.LastSeen
		msg.LastSeen = &t
	}
	if !p.LastNotified.IsZero() {
		t := p.LastNotified
		msg.LastNotified = &t
	}
	return msg
}

// UserProfileMessage renders the public view of p.
func (s *Service) UserProfileMessage(p store.Profile) protocol.UserProfileMsg {
	return protocol.UserProfileMsg{
		Key:       p.Key,
		Nick:      p.Nick,
		AvatarURL: p.AvatarURL,
		Prefix:    s.PrefixLabel(p),
	}
}

// announce broadcasts user_profile. The mutation is already committed, so a
// delivery failure is only logged.
func (s *Service) announce(p store.Profile) {
	if err := s.pub.Publish(protocol.TypeUserProfile, s.UserProfileMessage(p)); err != nil {
		s.log.Warn("user_profile broadcast failed", zap.String("key", p.Key), zap.Error(err))
	}
}
