// Package keylock provides a mutex per string key. Entries are reference
// counted and dropped once no goroutine holds or waits for them.
package keylock

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out per-key mutual exclusion.
type Locker struct {
	entries *xsync.Map[string, *entry]
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{entries: xsync.NewMap[string, *entry]()}
}

// Lock blocks until the caller holds key and returns the matching unlock.
func (l *Locker) Lock(key string) (unlock func()) {
	e, _ := l.entries.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.entries.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
			if !loaded {
				return nil, xsync.CancelOp
			}
			old.refs--
			if old.refs <= 0 {
				return nil, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Locker) Len() int {
	return l.entries.Size()
}
