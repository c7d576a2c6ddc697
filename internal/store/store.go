// Package store persists profiles, chat messages and prefix ownership.
//
// Profile mutations that change a field copied into message rows (nick,
// avatar URL, prefix label) rewrite those rows in the same transaction, so a
// reader never observes a profile that disagrees with its own history.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no profile exists for a key.
	ErrNotFound = errors.New("store: profile not found")

	// ErrNotOwned is returned when activating a prefix the identity never bought.
	ErrNotOwned = errors.New("store: prefix not owned")

	// ErrInsufficientFunds is returned when a purchase exceeds the balance.
	ErrInsufficientFunds = errors.New("store: insufficient balance")
)

// Profile is one identity's durable record. Zero times mean "never".
type Profile struct {
	Key            string
	Nick           string
	Lang           string
	Email          string
	AvatarURL      string
	AvatarVer      int64
	Balance        int64
	ActivePrefixID string
	LastSeen       time.Time
	LastNotified   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a stored chat line with the sender's profile snapshot. UserKey is
// empty for rows that have no owning identity.
type Message struct {
	ID        int64
	UserKey   string
	Nick      string
	AvatarURL string
	Prefix    string
	Text      string
	CreatedAt time.Time
}

// ProfileEdit carries already-sanitized field updates. Nil fields are left
// unchanged.
type ProfileEdit struct {
	Nick  *string
	Lang  *string
	Email *string
}

// Store is the persistence contract shared by the Postgres and in-memory
// implementations.
type Store interface {
	// GetProfile returns the profile for key or ErrNotFound.
	GetProfile(ctx context.Context, key string) (Profile, error)

	// EnsureProfile inserts p when no profile exists for p.Key and returns the
	// stored profile. created reports whether the insert happened.
	EnsureProfile(ctx context.Context, p Profile) (stored Profile, created bool, err error)

	// TouchLastSeen records the last time the identity was present.
	TouchLastSeen(ctx context.Context, key string, at time.Time) error

	// UpdateProfile applies edit and rewrites the nick on every message owned
	// by key, atomically.
	UpdateProfile(ctx context.Context, key string, edit ProfileEdit, at time.Time) (Profile, error)

	// SetAvatar bumps the avatar version using NextAvatarVersion, stores the
	// URL built by urlFor and rewrites the avatar URL on every owned message,
	// atomically.
	SetAvatar(ctx context.Context, key string, at time.Time, urlFor func(ver int64) string) (Profile, error)

	// ActivatePrefix sets the active prefix after checking ownership and
	// rewrites the prefix label on every owned message, atomically.
	ActivatePrefix(ctx context.Context, key, prefixID, label string, at time.Time) (Profile, error)

	// AddBalance adds delta to the balance and returns the new total.
	AddBalance(ctx context.Context, key string, delta int64, at time.Time) (int64, error)

	// Purchase records ownership of prefixID and debits price. Buying an
	// already owned prefix succeeds without a debit and reports alreadyOwned.
	Purchase(ctx context.Context, key, prefixID string, price int64, at time.Time) (balance int64, alreadyOwned bool, err error)

	// OwnedPrefixes returns the set of prefix ids bought by key.
	OwnedPrefixes(ctx context.Context, key string) (map[string]bool, error)

	// NotifyCandidates returns every profile with an email except excludeKey.
	NotifyCandidates(ctx context.Context, excludeKey string) ([]Profile, error)

	// SetLastNotified records a successful notification delivery.
	SetLastNotified(ctx context.Context, key string, at time.Time) error

	// InsertMessage stores m and returns it with its assigned id.
	InsertMessage(ctx context.Context, m Message) (Message, error)

	// History returns up to limit newest messages in ascending id order.
	History(ctx context.Context, limit int) ([]Message, error)

	// Prune keeps only the newest limit messages and returns how many rows
	// were deleted.
	Prune(ctx context.Context, limit int) (int64, error)

	Close() error
}

// NextAvatarVersion returns max(now in milliseconds, prev+1) so versions stay
// strictly increasing even when two uploads land in the same millisecond.
func NextAvatarVersion(now time.Time, prev int64) int64 {
	next := now.UnixMilli()
	if next <= prev {
		next = prev + 1
	}
	return next
}

func applyEdit(p *Profile, edit ProfileEdit) {
	if edit.Nick != nil {
		p.Nick = *edit.Nick
	}
	if edit.Lang != nil {
		p.Lang = *edit.Lang
	}
	if edit.Email != nil {
		p.Email = *edit.Email
	}
}
