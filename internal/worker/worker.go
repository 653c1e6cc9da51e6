// Package worker implements the fixed-size pool that dequeues sessions
// from the acceptor and dispatches their request-pipe opcodes: CONNECT
// acknowledgment, SUBSCRIBE, UNSUBSCRIBE, and DISCONNECT.
package worker

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"kvsd/internal/drain"
	"kvsd/internal/protocol"
	"kvsd/internal/session"
)

// Dequeuer is the subset of queue.Queue the pool needs.
type Dequeuer interface {
	Dequeue(ctx context.Context) (any, error)
}

// Registry is the subset of pubsub.Registry a worker needs to dispatch
// SUBSCRIBE/UNSUBSCRIBE/DISCONNECT.
type Registry interface {
	Subscribe(sess *session.Session, key string) bool
	Unsubscribe(sess *session.Session, key string) bool
	UnsubscribeAll(sess *session.Session)
}

// SessionTable is the subset of session.Table a worker needs to admit a
// newly dequeued session before opening its pipes.
type SessionTable interface {
	Add(s *session.Session) error
}

// PipeOpener abstracts opening a session's response and request pipes.
// Production code opens real named pipes; tests substitute fakes.
type PipeOpener interface {
	OpenResponseWriter(path string) (io.WriteCloser, error)
	OpenRequestReader(path string) (io.ReadCloser, error)
}

// OSPipeOpener opens real named pipes via the filesystem. Both ends must
// already exist as FIFOs and the open blocks until the peer end is also
// opened, matching the wire protocol's handshake.
type OSPipeOpener struct{}

func (OSPipeOpener) OpenResponseWriter(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}

func (OSPipeOpener) OpenRequestReader(path string) (io.ReadCloser, error) {
	return os.OpenFile(path, os.O_RDONLY, 0)
}

// Pool is a fixed-size set of worker goroutines, sized to the maximum
// number of concurrent sessions and started once at boot.
type Pool struct {
	Size     int
	Queue    Dequeuer
	Table    SessionTable
	Registry Registry
	Opener   PipeOpener
	Logger   *log.Logger

	// Drain, when set, makes every in-flight session's dispatch loop send
	// a DISCONNECT ack and return as soon as it's triggered, without
	// tearing down the worker goroutine itself — the goroutine loops back
	// to Dequeue and picks up new sessions once Drain resets.
	Drain *drain.Gate

	// OnSessionStart/OnSessionEnd/OnSessionRejected/OnSubscribe/
	// OnUnsubscribe/OnError, when set, observe dispatch outcomes — used to
	// drive metrics without coupling this package to internal/metrics
	// directly.
	OnSessionStart    func(*session.Session)
	OnSessionEnd      func(sess *session.Session, duration time.Duration)
	OnSessionRejected func(*session.Session)
	OnSubscribe       func(ok bool)
	OnUnsubscribe     func()
	OnError           func(errorType string)
}

func (p *Pool) recordError(errorType string) {
	if p.OnError != nil {
		p.OnError(errorType)
	}
}

func (p *Pool) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.New(os.Stderr, "[kvsd-worker] ", log.LstdFlags)
}

func (p *Pool) opener() PipeOpener {
	if p.Opener != nil {
		return p.Opener
	}
	return OSPipeOpener{}
}

// Run starts Size worker goroutines and blocks until ctx is done and
// every worker has returned from its current dequeue.
func (p *Pool) Run(ctx context.Context) {
	n := p.Size
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		item, err := p.Queue.Dequeue(ctx)
		if err != nil {
			return
		}
		sess, ok := item.(*session.Session)
		if !ok || sess == nil {
			continue
		}
		p.handleSession(ctx, sess)
	}
}

// handleSession drives one session end-to-end: admit it into the
// sessions table, acknowledge CONNECT, then dispatch opcodes off its
// request pipe until DISCONNECT, a protocol error, or shutdown.
func (p *Pool) handleSession(ctx context.Context, sess *session.Session) {
	respW, err := p.opener().OpenResponseWriter(sess.ResponsePipePath)
	if err != nil {
		p.logger().Printf("session %s: opening response pipe: %v", sess.ID, err)
		p.recordError("open_response_pipe")
		return
	}
	defer respW.Close()

	if err := p.Table.Add(sess); err != nil {
		protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpConnect, protocol.StatusFail))
		if p.OnSessionRejected != nil {
			p.OnSessionRejected(sess)
		}
		return
	}
	started := time.Now()
	if p.OnSessionStart != nil {
		p.OnSessionStart(sess)
	}
	defer func() {
		p.Registry.UnsubscribeAll(sess)
		if p.OnSessionEnd != nil {
			p.OnSessionEnd(sess, time.Since(started))
		}
	}()

	if err := protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpConnect, protocol.StatusOK)); err != nil {
		p.logger().Printf("session %s: CONNECT ack failed: %v", sess.ID, err)
		p.recordError("connect_ack")
		return
	}

	reqR, err := p.opener().OpenRequestReader(sess.RequestPipePath)
	if err != nil {
		p.logger().Printf("session %s: opening request pipe: %v", sess.ID, err)
		p.recordError("open_request_pipe")
		return
	}
	defer reqR.Close()

	p.dispatch(ctx, sess, reqR, respW)
}

// dispatch reads opcodes off reqR and writes <opcode, status> acks to
// respW until DISCONNECT, a malformed frame (ClientProtocolError — drop
// the session), EOF, or ctx is cancelled (graceful shutdown drain).
func (p *Pool) dispatch(ctx context.Context, sess *session.Session, reqR io.Reader, respW io.Writer) {
	for {
		select {
		case <-ctx.Done():
			protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpDisconnect, protocol.StatusOK))
			return
		default:
		}
		if p.Drain != nil && p.Drain.Triggered() {
			protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpDisconnect, protocol.StatusOK))
			return
		}

		// Wait for the next opcode while still watching ctx and Drain, so an
		// idle session is disconnected without having to send anything.
		var drained <-chan struct{}
		if p.Drain != nil {
			drained = p.Drain.Wait()
		}
		var op [1]byte
		readErr := make(chan error, 1)
		go func() { readErr <- protocol.ReadFull(reqR, op[:]) }()
		select {
		case err := <-readErr:
			if err != nil {
				return
			}
		case <-ctx.Done():
			protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpDisconnect, protocol.StatusOK))
			return
		case <-drained:
			protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpDisconnect, protocol.StatusOK))
			return
		}

		switch protocol.Opcode(op[0]) {
		case protocol.OpDisconnect:
			protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpDisconnect, protocol.StatusOK))
			return

		case protocol.OpSubscribe:
			key, ok := p.readKey(reqR)
			if !ok {
				return
			}
			subscribed := p.Registry.Subscribe(sess, key)
			if p.OnSubscribe != nil {
				p.OnSubscribe(subscribed)
			}
			status := protocol.SubscribeFailed
			if subscribed {
				status = protocol.SubscribeSubscribed
			}
			if err := protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpSubscribe, status)); err != nil {
				return
			}

		case protocol.OpUnsubscribe:
			key, ok := p.readKey(reqR)
			if !ok {
				return
			}
			removed := p.Registry.Unsubscribe(sess, key)
			if p.OnUnsubscribe != nil {
				p.OnUnsubscribe()
			}
			status := protocol.UnsubscribeNotFound
			if removed {
				status = protocol.UnsubscribeRemoved
			}
			if err := protocol.WriteFull(respW, protocol.EncodeResponse(protocol.OpUnsubscribe, status)); err != nil {
				return
			}

		default:
			// Unknown opcode: ClientProtocolError, drop the session.
			return
		}
	}
}

func (p *Pool) readKey(reqR io.Reader) (string, bool) {
	buf := make([]byte, protocol.KeyWidth)
	if err := protocol.ReadFull(reqR, buf); err != nil {
		return "", false
	}
	key, err := protocol.UnpadString(buf)
	if err != nil {
		return "", false
	}
	return key, true
}
