package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. A single mutex makes every method
// one serializable transaction.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	owned    map[string]map[string]time.Time // user_key -> prefix_id -> purchased_at
	messages []Message                       // ascending by id
	nextID   int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		owned:    make(map[string]map[string]time.Time),
		nextID:   1,
	}
}

func (s *MemoryStore) GetProfile(_ context.Context, key string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("store: get %s: %w", key, ErrNotFound)
	}
	return *p, nil
}

func (s *MemoryStore) EnsureProfile(_ context.Context, p Profile) (Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.profiles[p.Key]; ok {
		return *existing, false, nil
	}
	stored := p
	s.profiles[p.Key] = &stored
	return stored, true, nil
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return fmt.Errorf("store: touch %s: %w", key, ErrNotFound)
	}
	p.LastSeen = at
	p.UpdatedAt = at
	return nil
}

func (s *MemoryStore) UpdateProfile(_ context.Context, key string, edit ProfileEdit, at time.Time) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("store: update %s: %w", key, ErrNotFound)
	}
	applyEdit(p, edit)
	p.UpdatedAt = at
	s.rewriteMessages(key, func(m *Message) { m.Nick = p.Nick })
	return *p, nil
}

func (s *MemoryStore) SetAvatar(_ context.Context, key string, at time.Time, urlFor func(ver int64) string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("store: set avatar %s: %w", key, ErrNotFound)
	}
	p.AvatarVer = NextAvatarVersion(at, p.AvatarVer)
	p.AvatarURL = urlFor(p.AvatarVer)
	p.UpdatedAt = at
	s.rewriteMessages(key, func(m *Message) { m.AvatarURL = p.AvatarURL })
	return *p, nil
}

func (s *MemoryStore) ActivatePrefix(_ context.Context, key, prefixID, label string, at time.Time) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("store: activate %s: %w", key, ErrNotFound)
	}
	if _, owns := s.owned[key][prefixID]; !owns {
		return Profile{}, fmt.Errorf("store: activate %s for %s: %w", prefixID, key, ErrNotOwned)
	}
	p.ActivePrefixID = prefixID
	p.UpdatedAt = at
	s.rewriteMessages(key, func(m *Message) { m.Prefix = label })
	return *p, nil
}

func (s *MemoryStore) AddBalance(_ context.Context, key string, delta int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return 0, fmt.Errorf("store: add balance %s: %w", key, ErrNotFound)
	}
	if p.Balance+delta < 0 {
		return p.Balance, fmt.Errorf("store: add balance %s: %w", key, ErrInsufficientFunds)
	}
	p.Balance += delta
	p.UpdatedAt = at
	return p.Balance, nil
}

func (s *MemoryStore) Purchase(_ context.Context, key, prefixID string, price int64, at time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return 0, false, fmt.Errorf("store: purchase %s: %w", key, ErrNotFound)
	}
	if _, owns := s.owned[key][prefixID]; owns {
		return p.Balance, true, nil
	}
	if p.Balance < price {
		return p.Balance, false, fmt.Errorf("store: purchase %s for %s: %w", prefixID, key, ErrInsufficientFunds)
	}
	if s.owned[key] == nil {
		s.owned[key] = make(map[string]time.Time)
	}
	s.owned[key][prefixID] = at
	p.Balance -= price
	p.UpdatedAt = at
	return p.Balance, false, nil
}

func (s *MemoryStore) OwnedPrefixes(_ context.Context, key string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.owned[key]))
	for id := range s.owned[key] {
		out[id] = true
	}
	return out, nil
}

func (s *MemoryStore) NotifyCandidates(_ context.Context, excludeKey string) ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Profile
	for key, p := range s.profiles {
		if key == excludeKey || p.Email == "" {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) SetLastNotified(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[key]
	if !ok {
		return fmt.Errorf("store: set last notified %s: %w", key, ErrNotFound)
	}
	p.LastNotified = at
	p.UpdatedAt = at
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.nextID
	s.nextID++
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *MemoryStore) History(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return []Message{}, nil
	}
	start := len(s.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 0 {
		limit = 0
	}
	excess := len(s.messages) - limit
	if excess <= 0 {
		return 0, nil
	}
	kept := make([]Message, limit)
	copy(kept, s.messages[excess:])
	s.messages = kept
	return int64(excess), nil
}

func (s *MemoryStore) Close() error { return nil }

// rewriteMessages applies fn to every message owned by key. Callers hold mu.
func (s *MemoryStore) rewriteMessages(key string, fn func(m *Message)) {
	for i := range s.messages {
		if s.messages[i].UserKey == key {
			fn(&s.messages[i])
		}
	}
}
