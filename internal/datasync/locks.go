package datasync

import "sync"

// Locks holds the per-repository sync locks. A repository's working
// directory and owned artifacts are only touched while its lock is held.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryLock acquires the lock for name without blocking and reports whether it
// succeeded.
func (l *Locks) TryLock(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[name]; ok {
		return false
	}
	l.held[name] = struct{}{}
	return true
}

func (l *Locks) Unlock(name string) {
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()
}

// Held reports whether a sync of name is in flight.
func (l *Locks) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[name]
	return ok
}
