package pubsub

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"kvsd/internal/session"
)

type fakeStore struct {
	mu     sync.Mutex
	exists map[string]bool
}

func (f *fakeStore) Exists(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[key]
}

type fakeWriteCloser struct {
	buf    bytes.Buffer
	closed bool
}

func (w *fakeWriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriteCloser) Close() error                { w.closed = true; return nil }

type fakeOpener struct {
	mu      sync.Mutex
	writers map[string]*fakeWriteCloser
	failOn  map[string]bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{writers: make(map[string]*fakeWriteCloser), failOn: make(map[string]bool)}
}

func (o *fakeOpener) OpenNotifWriter(path string) (WriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failOn[path] {
		return nil, fmt.Errorf("broken pipe: %s", path)
	}
	w := &fakeWriteCloser{}
	o.writers[path] = w
	return w, nil
}

func TestSubscribeRequiresExistingKey(t *testing.T) {
	store := &fakeStore{exists: map[string]bool{}}
	table := session.NewTable()
	reg := New(store, table, newFakeOpener(), nil)

	sess := session.NewSession("s1", "/tmp/req", "/tmp/resp", "/tmp/notif")
	if reg.Subscribe(sess, "missing") {
		t.Fatalf("subscribing to an absent key should fail")
	}

	store.exists["k"] = true
	if !reg.Subscribe(sess, "k") {
		t.Fatalf("subscribing to an existing key should succeed")
	}
}

func TestSubscribeDuplicateFails(t *testing.T) {
	store := &fakeStore{exists: map[string]bool{"k": true}}
	table := session.NewTable()
	reg := New(store, table, newFakeOpener(), nil)
	sess := session.NewSession("s1", "/tmp/req", "/tmp/resp", "/tmp/notif")

	if !reg.Subscribe(sess, "k") {
		t.Fatalf("first subscribe should succeed")
	}
	if reg.Subscribe(sess, "k") {
		t.Fatalf("duplicate subscribe should fail")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	store := &fakeStore{exists: map[string]bool{"k": true}}
	table := session.NewTable()
	reg := New(store, table, newFakeOpener(), nil)
	sess := session.NewSession("s1", "/tmp/req", "/tmp/resp", "/tmp/notif")

	reg.Subscribe(sess, "k")
	if !reg.Unsubscribe(sess, "k") {
		t.Fatalf("first unsubscribe should report removed")
	}
	if reg.Unsubscribe(sess, "k") {
		t.Fatalf("second unsubscribe should report not-found")
	}
}

func TestNotifyDeliversOnlyToMatchingSubscribers(t *testing.T) {
	store := &fakeStore{exists: map[string]bool{"k": true}}
	table := session.NewTable()
	opener := newFakeOpener()
	reg := New(store, table, opener, nil)

	subscribed := session.NewSession("subscribed", "/tmp/req1", "/tmp/resp1", "/tmp/notif1")
	other := session.NewSession("other", "/tmp/req2", "/tmp/resp2", "/tmp/notif2")
	table.Add(subscribed)
	table.Add(other)
	reg.Subscribe(subscribed, "k")

	reg.Notify("k", "v1", false)

	w, ok := opener.writers["/tmp/notif1"]
	if !ok {
		t.Fatalf("expected a notification write to the subscribed session's pipe")
	}
	if !w.closed {
		t.Fatalf("notification pipe should be closed after writing")
	}
	text, _ := unpadTestHelper(w.buf.Bytes())
	if text != "(k,v1)" {
		t.Fatalf("want %q, got %q", "(k,v1)", text)
	}

	if _, ok := opener.writers["/tmp/notif2"]; ok {
		t.Fatalf("non-subscribed session should not receive a notification")
	}
}

func TestNotifyDeletedTombstone(t *testing.T) {
	store := &fakeStore{exists: map[string]bool{"k": true}}
	table := session.NewTable()
	opener := newFakeOpener()
	reg := New(store, table, opener, nil)

	sess := session.NewSession("s1", "/tmp/req", "/tmp/resp", "/tmp/notif")
	table.Add(sess)
	reg.Subscribe(sess, "k")

	reg.Notify("k", "", true)

	w := opener.writers["/tmp/notif"]
	text, _ := unpadTestHelper(w.buf.Bytes())
	if text != "(k,DELETED)" {
		t.Fatalf("want %q, got %q", "(k,DELETED)", text)
	}
}

func TestNotifySkipsBrokenPipeWithoutDroppingSubscription(t *testing.T) {
	store := &fakeStore{exists: map[string]bool{"k": true}}
	table := session.NewTable()
	opener := newFakeOpener()
	opener.failOn["/tmp/notif"] = true
	reg := New(store, table, opener, nil)

	sess := session.NewSession("s1", "/tmp/req", "/tmp/resp", "/tmp/notif")
	table.Add(sess)
	reg.Subscribe(sess, "k")

	reg.Notify("k", "v1", false) // should not panic, and subscription survives

	found := false
	for _, k := range sess.ActiveKeys() {
		if k == "k" {
			found = true
		}
	}
	if !found {
		t.Fatalf("subscription should survive a broken notification pipe")
	}
}

func unpadTestHelper(buf []byte) (string, error) {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}
