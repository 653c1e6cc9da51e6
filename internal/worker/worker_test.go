package worker

import (
	"context"
	"errors"
	"io"
	"testing"

	"kvsd/internal/drain"
	"kvsd/internal/protocol"
	"kvsd/internal/session"
)

type pipeOpener struct {
	respW io.WriteCloser
	reqR  io.ReadCloser
}

func (o *pipeOpener) OpenResponseWriter(path string) (io.WriteCloser, error) { return o.respW, nil }
func (o *pipeOpener) OpenRequestReader(path string) (io.ReadCloser, error)   { return o.reqR, nil }

type fakeRegistry struct {
	exists map[string]bool
	unsubbedAll bool
}

func (r *fakeRegistry) Subscribe(sess *session.Session, key string) bool {
	if !r.exists[key] {
		return false
	}
	return sess.AddSubscription(key)
}
func (r *fakeRegistry) Unsubscribe(sess *session.Session, key string) bool {
	return sess.RemoveSubscription(key)
}
func (r *fakeRegistry) UnsubscribeAll(sess *session.Session) {
	r.unsubbedAll = true
	sess.ClearAllSubscriptions()
}

type fakeTable struct{ added []*session.Session }

func (t *fakeTable) Add(s *session.Session) error {
	t.added = append(t.added, s)
	return nil
}

type oneShotQueue struct {
	item *session.Session
	sent bool
}

func (q *oneShotQueue) Dequeue(ctx context.Context) (any, error) {
	if q.sent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	q.sent = true
	return q.item, nil
}

func readAck(t *testing.T, r io.Reader) (byte, byte) {
	t.Helper()
	buf := make([]byte, 2)
	if err := protocol.ReadFull(r, buf); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	return buf[0], buf[1]
}

func TestWorkerDispatchesSubscribeAndDisconnect(t *testing.T) {
	respR, respW := io.Pipe()
	reqR, reqW := io.Pipe()

	sess := session.NewSession("s1", "req", "resp", "notif")
	q := &oneShotQueue{item: sess}
	reg := &fakeRegistry{exists: map[string]bool{"k": true}}
	tbl := &fakeTable{}

	pool := &Pool{
		Size:     1,
		Queue:    q,
		Table:    tbl,
		Registry: reg,
		Opener:   &pipeOpener{respW: respW, reqR: reqR},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	op, status := readAck(t, respR)
	if protocol.Opcode(op) != protocol.OpConnect || status != protocol.StatusOK {
		t.Fatalf("want CONNECT ack ok, got (%d,%d)", op, status)
	}

	keyFrame, err := protocol.EncodeKeyFrame("k")
	if err != nil {
		t.Fatalf("EncodeKeyFrame: %v", err)
	}
	if _, err := reqW.Write([]byte{byte(protocol.OpSubscribe)}); err != nil {
		t.Fatalf("write subscribe op: %v", err)
	}
	if _, err := reqW.Write(keyFrame); err != nil {
		t.Fatalf("write subscribe key: %v", err)
	}

	op, status = readAck(t, respR)
	if protocol.Opcode(op) != protocol.OpSubscribe || status != protocol.SubscribeSubscribed {
		t.Fatalf("want SUBSCRIBE ack subscribed, got (%d,%d)", op, status)
	}

	if _, err := reqW.Write([]byte{byte(protocol.OpDisconnect)}); err != nil {
		t.Fatalf("write disconnect op: %v", err)
	}
	op, status = readAck(t, respR)
	if protocol.Opcode(op) != protocol.OpDisconnect || status != protocol.StatusOK {
		t.Fatalf("want DISCONNECT ack ok, got (%d,%d)", op, status)
	}

	cancel()
	<-done

	if !reg.unsubbedAll {
		t.Fatalf("expected UnsubscribeAll to have been called on disconnect")
	}
	if len(tbl.added) != 1 || tbl.added[0] != sess {
		t.Fatalf("expected session to be admitted into the table exactly once")
	}
}

func TestWorkerDropsSessionOnUnknownOpcode(t *testing.T) {
	respR, respW := io.Pipe()
	reqR, reqW := io.Pipe()

	sess := session.NewSession("s1", "req", "resp", "notif")
	q := &oneShotQueue{item: sess}
	reg := &fakeRegistry{exists: map[string]bool{}}
	tbl := &fakeTable{}

	pool := &Pool{
		Size: 1, Queue: q, Table: tbl, Registry: reg,
		Opener: &pipeOpener{respW: respW, reqR: reqR},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	readAck(t, respR) // CONNECT ack

	if _, err := reqW.Write([]byte{99}); err != nil {
		t.Fatalf("write unknown op: %v", err)
	}

	// The session is dropped: no further ack is sent for the unknown
	// opcode, and UnsubscribeAll still runs on the way out.
	buf := make([]byte, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := respR.Read(buf)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected no further ack after unknown opcode, got a byte")
		}
	case <-done:
	}

	cancel()
	<-done

	if !reg.unsubbedAll {
		t.Fatalf("expected UnsubscribeAll to run when the session is dropped")
	}
}

func TestWorkerDisconnectsSessionOnDrainTrigger(t *testing.T) {
	respR, respW := io.Pipe()
	reqR, _ := io.Pipe() // never written to; drain must not require client input

	sess := session.NewSession("s1", "req", "resp", "notif")
	q := &oneShotQueue{item: sess}
	reg := &fakeRegistry{exists: map[string]bool{}}
	tbl := &fakeTable{}
	gate := drain.New()

	pool := &Pool{
		Size: 1, Queue: q, Table: tbl, Registry: reg,
		Opener: &pipeOpener{respW: respW, reqR: reqR},
		Drain:  gate,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	readAck(t, respR) // CONNECT ack

	gate.Trigger()

	op, status := readAck(t, respR)
	if protocol.Opcode(op) != protocol.OpDisconnect || status != protocol.StatusOK {
		t.Fatalf("want DISCONNECT ack ok on drain, got (%d,%d)", op, status)
	}

	gate.Reset()
	cancel()
	<-done

	if !reg.unsubbedAll {
		t.Fatalf("expected UnsubscribeAll to run when a session is drained")
	}
}

type failingOpener struct{ err error }

func (o *failingOpener) OpenResponseWriter(path string) (io.WriteCloser, error) {
	return nil, o.err
}
func (o *failingOpener) OpenRequestReader(path string) (io.ReadCloser, error) {
	return nil, o.err
}

func TestWorkerReportsErrorWhenResponsePipeFailsToOpen(t *testing.T) {
	sess := session.NewSession("s1", "req", "resp", "notif")
	q := &oneShotQueue{item: sess}
	reg := &fakeRegistry{exists: map[string]bool{}}
	tbl := &fakeTable{}

	var reported []string
	pool := &Pool{
		Size: 1, Queue: q, Table: tbl, Registry: reg,
		Opener:  &failingOpener{err: errors.New("boom")},
		OnError: func(errorType string) { reported = append(reported, errorType) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	if len(reported) != 1 || reported[0] != "open_response_pipe" {
		t.Fatalf("want exactly one open_response_pipe error, got %+v", reported)
	}
	if len(tbl.added) != 0 {
		t.Fatalf("session should never be admitted when its response pipe can't open")
	}
}
