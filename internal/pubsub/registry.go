// Package pubsub implements the subscription registry and notifier: it
// decides whether a SUBSCRIBE/UNSUBSCRIBE should succeed and fans out
// change/delete events to every session with a matching active
// subscription, skipping (not dropping) a recipient whose pipe write fails
// so one broken subscriber never stalls delivery to the rest.
package pubsub

import (
	"log"
	"os"

	"kvsd/internal/metrics"
	"kvsd/internal/protocol"
	"kvsd/internal/session"
)

// KeyExistence is satisfied by the store: subscribing to an absent key
// must fail.
type KeyExistence interface {
	Exists(key string) bool
}

// PipeOpener abstracts opening a session's notification pipe for writing.
// Production code opens the real named pipe; tests substitute an in-memory
// fake so they don't need actual FIFOs on disk.
type PipeOpener interface {
	OpenNotifWriter(path string) (WriteCloser, error)
}

// WriteCloser is the minimal surface Notify needs from an opened pipe.
type WriteCloser interface {
	Write([]byte) (int, error)
	Close() error
}

// Registry owns subscribe/unsubscribe decisions and notification fan-out
// across every session in the sessions table.
type Registry struct {
	store    KeyExistence
	sessions *session.Table
	opener   PipeOpener
	logger   *log.Logger
	metrics  *metrics.Metrics
}

// New builds a Registry backed by store (for existence checks) and table
// (the sessions to scan on Notify).
func New(store KeyExistence, table *session.Table, opener PipeOpener, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[kvsd-pubsub] ", log.LstdFlags)
	}
	return &Registry{store: store, sessions: table, opener: opener, logger: logger}
}

// SetMetrics attaches the counters Subscribe/Unsubscribe/Notify report
// to. Optional: a Registry with no metrics attached behaves identically,
// just silently.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Subscribe activates a slot on sess for key, after verifying key exists.
// Returns true ("subscribed") or false on NACK (absent key, duplicate
// subscription, or no free slot) — see protocol.SubscribeSubscribed /
// protocol.SubscribeFailed for the wire-level status byte convention.
func (r *Registry) Subscribe(sess *session.Session, key string) bool {
	ok := r.store.Exists(key) && sess.AddSubscription(key)
	if r.metrics != nil {
		r.metrics.RecordSubscribe(ok)
	}
	return ok
}

// Unsubscribe deactivates sess's slot for key. Idempotent: returns
// protocol.UnsubscribeRemoved/UnsubscribeNotFound semantics via the bool
// (true = removed, false = not found).
func (r *Registry) Unsubscribe(sess *session.Session, key string) bool {
	if r.metrics != nil {
		r.metrics.RecordUnsubscribe()
	}
	return sess.RemoveSubscription(key)
}

// UnsubscribeAll clears every slot on sess and removes it from the
// sessions table — called on DISCONNECT and on shutdown-driven teardown.
func (r *Registry) UnsubscribeAll(sess *session.Session) {
	sess.ClearAllSubscriptions()
	r.sessions.Remove(sess.ID)
}

// Notify fans a change (deleted=false) or deletion (deleted=true) event for
// key out to every session with an active subscription on it. A session
// whose notification pipe is broken is skipped, not dropped — the
// subscription stays active until DISCONNECT, matching §4.8's failure
// semantics for notification writes.
func (r *Registry) Notify(key, value string, deleted bool) {
	frame, err := protocol.EncodeNotification(key, value, deleted)
	if err != nil {
		r.logger.Printf("notify: failed to encode frame for key %q: %v", key, err)
		return
	}

	r.sessions.ForEach(func(sess *session.Session) {
		matched := false
		for _, k := range sess.ActiveKeys() {
			if k == key {
				matched = true
				break
			}
		}
		if !matched {
			return
		}

		w, err := r.opener.OpenNotifWriter(sess.NotifPipePath)
		if err != nil {
			r.logger.Printf("notify: session %s notification pipe unavailable: %v", sess.ID, err)
			if r.metrics != nil {
				r.metrics.RecordNotificationDropped()
			}
			return
		}
		defer w.Close()

		if err := protocol.WriteFull(w, frame); err != nil {
			r.logger.Printf("notify: session %s write failed: %v", sess.ID, err)
			if r.metrics != nil {
				r.metrics.RecordNotificationDropped()
			}
			return
		}
		if r.metrics != nil {
			r.metrics.RecordNotificationSent()
		}
	})
}
