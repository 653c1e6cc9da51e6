// Package acceptor implements the server FIFO read loop: it owns the
// well-known server pipe, decodes CONNECT records off it, and hands
// newly allocated sessions to the bounded queue the worker pool drains.
package acceptor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"kvsd/internal/drain"
	"kvsd/internal/protocol"
	"kvsd/internal/session"
)

// drainPollInterval is how often a paused acceptor rechecks whether
// draining has ended.
const drainPollInterval = 50 * time.Millisecond

// Enqueuer is the subset of queue.Queue the acceptor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, item any) error
}

// Acceptor owns the server FIFO and turns CONNECT records into Sessions.
type Acceptor struct {
	Path   string
	Mode   os.FileMode
	Queue  Enqueuer
	Logger *log.Logger

	// Drain, when set, pauses accepting while triggered: Run waits for it
	// to clear before reopening the server FIFO. A nil Drain never pauses.
	Drain *drain.Gate

	// OnError, when set, observes a classified error type each time the
	// accept loop logs and continues instead of propagating — used to
	// drive metrics without coupling this package to internal/metrics.
	OnError func(errorType string)

	nextID uint64
}

func (a *Acceptor) recordError(errorType string) {
	if a.OnError != nil {
		a.OnError(errorType)
	}
}

func (a *Acceptor) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.New(os.Stderr, "[kvsd-acceptor] ", log.LstdFlags)
}

// Run creates the server FIFO and loops: open for reading, decode
// CONNECT records until EOF or a non-CONNECT opcode, then reopen. Any
// other opcode or EOF on the acceptor pipe is discarded per the wire
// protocol's accept loop contract.
func (a *Acceptor) Run(ctx context.Context) error {
	mode := a.Mode
	if mode == 0 {
		mode = 0640
	}
	if err := protocol.MakeFIFO(a.Path, uint32(mode)); err != nil {
		return err
	}
	defer os.Remove(a.Path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if a.Drain != nil && a.Drain.Triggered() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(drainPollInterval):
			}
			continue
		}

		f, err := os.OpenFile(a.Path, os.O_RDONLY, 0)
		if err != nil {
			a.logger().Printf("opening server fifo %s: %v", a.Path, err)
			a.recordError("fifo_open")
			continue
		}
		a.drainConnects(ctx, f)
		f.Close()
	}
}

// drainConnects reads CONNECT records off r until EOF, a truncated record,
// or a non-CONNECT opcode, at which point it returns so Run reopens the
// pipe (or pauses, if draining has been triggered in the meantime). A
// complete record that fails to decode is logged and skipped.
func (a *Acceptor) drainConnects(ctx context.Context, r io.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if a.Drain != nil && a.Drain.Triggered() {
			return
		}

		var op [1]byte
		if err := protocol.ReadFull(r, op[:]); err != nil {
			return
		}
		if protocol.Opcode(op[0]) != protocol.OpConnect {
			return
		}

		body := make([]byte, 3*protocol.PipePathWidth)
		if err := protocol.ReadFull(r, body); err != nil {
			a.logger().Printf("truncated CONNECT record: %v", err)
			a.recordError("truncated_connect")
			return
		}
		rec, err := protocol.DecodeConnectBody(body)
		if err != nil {
			a.logger().Printf("malformed CONNECT record: %v", err)
			a.recordError("malformed_connect")
			continue
		}

		id := atomic.AddUint64(&a.nextID, 1)
		sess := session.NewSession(fmt.Sprintf("sess-%d", id), rec.RequestPipe, rec.ResponsePipe, rec.NotifPipe)
		if err := a.Queue.Enqueue(ctx, sess); err != nil {
			return
		}
	}
}
