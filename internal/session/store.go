package session

import (
	"sync"
	"time"
)

// Store is the process-wide session table. It keeps the latest session per
// key; retired sessions stay until Sweep evicts them so late callbacks on an
// old prompt still resolve against them.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[Key]*Session)}
}

// Get returns the current session for key, or nil.
func (st *Store) Get(key Key) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[key]
}

// Install makes s the current session for its key. A previous session that
// is still Created or Polling is moved to Superseded before s becomes
// visible, and is returned so the caller can cancel its poller. Otherwise
// Install returns nil.
func (st *Store) Install(s *Session) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.sessions[s.Key]
	st.sessions[s.Key] = s
	if prev == nil || prev == s {
		return nil
	}
	for {
		cur := prev.State()
		if cur != Created && cur != Polling {
			return nil
		}
		if prev.Transition(cur, Superseded) {
			return prev
		}
	}
}

// Replace makes s the current session for its key only while the key still
// maps to old, where a nil old means no session at all. old is expected to
// be retired, so nothing is superseded. It reports whether s was installed.
func (st *Store) Replace(old, s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.Key] != old {
		return false
	}
	st.sessions[s.Key] = s
	return true
}

// Sweep evicts sessions retired more than retention ago and returns how
// many were removed.
func (st *Store) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for key, s := range st.sessions {
		at, ok := s.RetiredAt()
		if ok && at.Before(cutoff) {
			delete(st.sessions, key)
			n++
		}
	}
	return n
}

// Len returns the number of sessions held, retired ones included.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Active returns the number of sessions not yet retired.
func (st *Store) Active() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, s := range st.sessions {
		if !s.State().Retired() {
			n++
		}
	}
	return n
}
