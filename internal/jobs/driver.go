// Package jobs implements the job-file driver: a bounded pool of worker
// goroutines that share a directory scan and feed commands into the same
// store and backup engine the interactive session layer uses.
package jobs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"kvsd/internal/metrics"
	"kvsd/internal/store"
)

// Store is the subset of store.Store the driver needs.
type Store interface {
	Write(pairs []store.Pair)
	Read(keys []string) []store.Pair
	Delete(keys []string) (missing []string)
	Show(fn func(key, value string))
}

// BackupEngine is the subset of backup.Engine the driver needs.
type BackupEngine interface {
	Backup(ctx context.Context, base string, seq int, dir string) error
}

// Sleeper abstracts the WAIT command's delay, letting tests run instantly.
type Sleeper func(ms uint64)

// Job is a single (input, output) file pair derived from a *.job entry.
type Job struct {
	InPath, OutPath, Base string
}

// Scan enumerates dir for *.job files, excluding *.out and *.bck, and
// returns them sorted by input path for deterministic test fixtures.
func Scan(dir string) ([]Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("jobs: scanning %s: %w", dir, err)
	}
	var jobs []Job
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".job" {
			continue
		}
		base := strings.TrimSuffix(name, ".job")
		jobs = append(jobs, Job{
			InPath:  filepath.Join(dir, name),
			OutPath: filepath.Join(dir, base+".out"),
			Base:    base,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].InPath < jobs[j].InPath })
	return jobs, nil
}

// cursor hands out unclaimed jobs one at a time under a mutex, the Go
// analogue of the directory_mutex shared by get_file's worker threads.
type cursor struct {
	mu   sync.Mutex
	jobs []Job
	next int
}

func (c *cursor) take() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.jobs) {
		return Job{}, false
	}
	j := c.jobs[c.next]
	c.next++
	return j, true
}

// Driver runs every *.job file in a directory across a fixed pool of
// worker goroutines, sharing Store and Backups with the session layer.
type Driver struct {
	Store      Store
	Backups    BackupEngine
	Dir        string
	MaxThreads int
	Sleep      Sleeper
	Logger     *log.Logger
	Metrics    *metrics.Metrics
}

func (d *Driver) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.New(os.Stderr, "[kvsd-jobs] ", log.LstdFlags)
}

// Run scans Dir and processes every job file across MaxThreads worker
// goroutines, blocking until all jobs complete.
func (d *Driver) Run(ctx context.Context) error {
	jobs, err := Scan(d.Dir)
	if err != nil {
		return err
	}
	c := &cursor{jobs: jobs}

	n := d.MaxThreads
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := c.take()
				if !ok {
					return
				}
				if err := d.runJob(ctx, job); err != nil {
					d.logger().Printf("job %s failed: %v", job.InPath, err)
					if d.Metrics != nil {
						d.Metrics.RecordError("job_failed")
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (d *Driver) runJob(ctx context.Context, job Job) error {
	data, err := os.ReadFile(job.InPath)
	if err != nil {
		return fmt.Errorf("opening input file %s: %w", job.InPath, err)
	}

	var out bytes.Buffer
	w := bufio.NewWriter(&out)

	fileBackups := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		cmd := ParseLine(scanner.Text())
		switch cmd.Kind {
		case CmdEmpty:
			// comment or blank line

		case CmdInvalid:
			d.logger().Printf("%s: invalid command, see HELP for usage", job.Base)
			if d.Metrics != nil {
				d.Metrics.RecordError("invalid_command")
			}

		case CmdWrite:
			pairs := make([]store.Pair, len(cmd.Keys))
			for i := range cmd.Keys {
				pairs[i] = store.Pair{Key: cmd.Keys[i], Value: cmd.Values[i]}
			}
			start := time.Now()
			d.Store.Write(pairs)
			if d.Metrics != nil {
				d.Metrics.RecordWrite(len(pairs), time.Since(start))
			}

		case CmdRead:
			start := time.Now()
			results := d.Store.Read(cmd.Keys)
			if d.Metrics != nil {
				d.Metrics.RecordRead(len(cmd.Keys), time.Since(start))
			}
			writeReadOutput(w, results)

		case CmdDelete:
			start := time.Now()
			missing := d.Store.Delete(cmd.Keys)
			if d.Metrics != nil {
				d.Metrics.RecordDelete(len(cmd.Keys), time.Since(start))
			}
			writeDeleteOutput(w, missing)

		case CmdShow:
			start := time.Now()
			d.Store.Show(func(k, v string) {
				fmt.Fprintf(w, "(%s, %s)\n", k, v)
			})
			if d.Metrics != nil {
				d.Metrics.RecordShow(time.Since(start))
			}

		case CmdWait:
			if cmd.DelayMs > 0 {
				if d.Sleep != nil {
					d.Sleep(cmd.DelayMs)
				} else {
					time.Sleep(time.Duration(cmd.DelayMs) * time.Millisecond)
				}
			}

		case CmdBackup:
			fileBackups++
			if err := d.Backups.Backup(ctx, job.Base, fileBackups, d.Dir); err != nil {
				d.logger().Printf("%s: backup failed: %v", job.Base, err)
				if d.Metrics != nil {
					d.Metrics.RecordError("backup_failed")
				}
			}

		case CmdHelp:
			w.WriteString("Available commands:\n" +
				"  WRITE [(key,value)(key2,value2),...]\n" +
				"  READ [key,key2,...]\n" +
				"  DELETE [key,key2,...]\n" +
				"  SHOW\n" +
				"  WAIT <delay_ms>\n" +
				"  BACKUP\n" +
				"  HELP\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", job.InPath, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if err := atomic.WriteFile(job.OutPath, bytes.NewReader(out.Bytes())); err != nil {
		return fmt.Errorf("writing output file %s: %w", job.OutPath, err)
	}
	return nil
}

// writeReadOutput renders READ results as "[(k,v)(k,KVSERROR)...]\n".
func writeReadOutput(w *bufio.Writer, pairs []store.Pair) {
	w.WriteByte('[')
	for _, p := range pairs {
		if p.Present {
			fmt.Fprintf(w, "(%s,%s)", p.Key, p.Value)
		} else {
			fmt.Fprintf(w, "(%s,KVSERROR)", p.Key)
		}
	}
	w.WriteString("]\n")
}

// writeDeleteOutput renders missing keys as "[(k,KVSMISSING)...]\n", or
// nothing at all if none were missing, rather than an empty "[]\n" line.
func writeDeleteOutput(w *bufio.Writer, missing []string) {
	if len(missing) == 0 {
		return
	}
	w.WriteByte('[')
	for _, k := range missing {
		fmt.Fprintf(w, "(%s,KVSMISSING)", k)
	}
	w.WriteString("]\n")
}
