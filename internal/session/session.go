// Package session tracks connected interactive clients: their three pipe
// paths, subscription slots, and membership in the bounded sessions table
// the notifier scans on every publish.
package session

import (
	"fmt"
	"sync"
)

// MaxSubscriptions is the number of subscription slots a session owns.
const MaxSubscriptions = 16

// MaxSessions bounds the sessions table to a fixed number of concurrent
// connected clients.
const MaxSessions = 8

// ErrTableFull is returned by Table.Add when no slot is free.
var ErrTableFull = fmt.Errorf("session: sessions table is full")

// Subscription is a single key slot owned by a Session; its notifications
// go to the owning Session's NotifPipePath. It becomes Active only if the
// key existed at subscribe time.
type Subscription struct {
	Key    string
	Active bool
}

// Session is a connected interactive client and its private pipes.
type Session struct {
	ID               string
	RequestPipePath  string
	ResponsePipePath string
	NotifPipePath    string

	mu   sync.Mutex
	subs [MaxSubscriptions]Subscription
}

// NewSession builds a Session for the three pipe paths the client opened.
func NewSession(id, requestPath, responsePath, notifPath string) *Session {
	return &Session{
		ID:               id,
		RequestPipePath:  requestPath,
		ResponsePipePath: responsePath,
		NotifPipePath:    notifPath,
	}
}

// firstInactiveSlot returns the index of the first inactive slot, or -1.
// Caller must hold s.mu.
func (s *Session) firstInactiveSlot() int {
	for i := range s.subs {
		if !s.subs[i].Active {
			return i
		}
	}
	return -1
}

// hasActiveSub reports whether key is already actively subscribed. Caller
// must hold s.mu.
func (s *Session) hasActiveSub(key string) bool {
	for i := range s.subs {
		if s.subs[i].Active && s.subs[i].Key == key {
			return true
		}
	}
	return false
}

// AddSubscription activates a slot for key if one is free and key is not
// already subscribed. Returns false on NACK (already subscribed or full).
func (s *Session) AddSubscription(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasActiveSub(key) {
		return false
	}
	slot := s.firstInactiveSlot()
	if slot < 0 {
		return false
	}
	s.subs[slot] = Subscription{Key: key, Active: true}
	return true
}

// RemoveSubscription deactivates the slot matching key. Returns true if a
// matching active slot was found and cleared.
func (s *Session) RemoveSubscription(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.subs {
		if s.subs[i].Active && s.subs[i].Key == key {
			s.subs[i].Active = false
			return true
		}
	}
	return false
}

// ClearAllSubscriptions deactivates every slot.
func (s *Session) ClearAllSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		s.subs[i].Active = false
	}
}

// ActiveKeys returns a snapshot of every currently-subscribed key, used by
// the notifier's fan-out scan.
func (s *Session) ActiveKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for i := range s.subs {
		if s.subs[i].Active {
			out = append(out, s.subs[i].Key)
		}
	}
	return out
}

// Table is the bounded sessions table, protected by a read/write lock so
// the notifier's scan (a reader) never blocks on another reader.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTable constructs an empty, bounded sessions table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session, MaxSessions)}
}

// Add inserts session, failing with ErrTableFull once MaxSessions is
// reached — there is always "the first empty slot" semantics even though
// the backing store here is a map rather than a fixed array.
func (t *Table) Add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) >= MaxSessions {
		return ErrTableFull
	}
	t.sessions[s.ID] = s
	return nil
}

// Remove clears session s's slot, if present.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Len reports the number of connected sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ForEach calls fn for every session currently in the table. The notifier
// uses this to scan for active subscriptions matching a changed key.
func (t *Table) ForEach(fn func(*Session)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		fn(s)
	}
}
