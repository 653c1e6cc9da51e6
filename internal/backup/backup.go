// Package backup implements the point-in-time snapshot engine. A forking
// design would rely on the OS's copy-on-write page tables for a free,
// consistent snapshot without pausing writers; kvsd is a single Go process,
// so it instead copies the table under the store's coarse read lock
// (store.Store.Snapshot) and writes the copy from a goroutine — concurrency
// with that goroutine never blocks new mutations, only the initial copy
// does.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"kvsd/internal/metrics"
	"kvsd/internal/store"
)

// Snapshotter is anything that can produce a consistent point-in-time copy
// of the store's contents. store.Store satisfies this.
type Snapshotter interface {
	Snapshot() []store.Pair
}

// Engine bounds the number of backup snapshots writing to disk at once,
// the Go analogue of "active_backups <= max_backups always".
type Engine struct {
	store   Snapshotter
	sem     chan struct{}
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// SetMetrics attaches the counters Backup reports to. Optional.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// New builds an Engine that allows at most maxBackups concurrent snapshot
// writes. maxBackups must be > 0; callers should validate this at startup.
func New(store Snapshotter, maxBackups int) *Engine {
	if maxBackups <= 0 {
		maxBackups = 1
	}
	return &Engine{
		store: store,
		sem:   make(chan struct{}, maxBackups),
	}
}

// Backup snapshots the store and writes it to
// <dir>/<base>-<seq>.bck. It blocks until a concurrency slot is free — the
// Go equivalent of a parent blocking on a child reap once
// active_backups == max_backups — then takes the snapshot synchronously
// (so callers observe a copy consistent as of the moment Backup is called)
// and writes it from a background goroutine. Backup returns once the
// snapshot has been taken, not once the file is fully written; callers that
// must observe the file on disk should call Wait afterward.
func (e *Engine) Backup(ctx context.Context, base string, seq int, dir string) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	snap := e.store.Snapshot()
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.bck", base, seq))

	if e.metrics != nil {
		e.metrics.RecordBackupStart()
	}
	started := time.Now()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		err := writeSnapshot(path, snap)
		if e.metrics != nil {
			e.metrics.RecordBackupComplete(time.Since(started), err)
		}
		// A write failure here is silent to the caller: there is no
		// channel back once Backup has returned, only the metrics counter.
	}()

	return nil
}

// Wait blocks until every outstanding backup write has completed. The
// server calls this during shutdown to reap outstanding backups.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// writeSnapshotHook is a test seam invoked at the start of every snapshot
// write; production code leaves it nil.
var writeSnapshotHook func()

func writeSnapshot(path string, pairs []store.Pair) error {
	if writeSnapshotHook != nil {
		writeSnapshotHook()
	}
	var buf bytes.Buffer
	for _, p := range pairs {
		fmt.Fprintf(&buf, "(%s, %s)\n", p.Key, p.Value)
	}
	return atomic.WriteFile(path, &buf)
}
