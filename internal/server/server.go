// Package server wires the store, subscription registry, backup engine,
// job-file driver, and session acceptor/worker pool into one running
// process, with the same start/signal/shutdown lifecycle as any other
// long-running daemon: build every component, start their goroutines,
// block on signals, then cancel and drain with a timeout.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kvsd/internal/acceptor"
	"kvsd/internal/backup"
	"kvsd/internal/drain"
	"kvsd/internal/jobs"
	"kvsd/internal/metrics"
	"kvsd/internal/pubsub"
	"kvsd/internal/queue"
	"kvsd/internal/session"
	"kvsd/internal/store"
	"kvsd/internal/worker"
)

// Config is the subset of internal/config.Config the server needs to boot.
type Config struct {
	JobsDir     string
	MaxThreads  int
	MaxBackups  int
	PipeName    string
	MetricsAddr string
}

// drainPollInterval is how often drainSessions (the SIGUSR1 handler)
// rechecks whether every in-flight session has disconnected.
const drainPollInterval = 50 * time.Millisecond

// Server owns every long-lived component and their lifecycles.
type Server struct {
	cfg Config

	store     *store.Store
	backups   *backup.Engine
	sessions  *session.Table
	registry  *pubsub.Registry
	queue     *queue.Queue
	accept    *acceptor.Acceptor
	pool      *worker.Pool
	driver    *jobs.Driver
	drainGate *drain.Gate

	metrics    *metrics.Metrics
	sysMetrics *metrics.SystemMetrics
	httpServer *http.Server

	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component but starts nothing.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(os.Stdout, "[kvsd] ", log.LstdFlags|log.Lshortfile)

	st := store.New(store.DefaultTableSize)
	sessions := session.NewTable()
	m := metrics.NewMetrics()
	opener := pubsub.OSPipeOpener{}
	registry := pubsub.New(st, sessions, opener, log.New(os.Stdout, "[kvsd-pubsub] ", log.LstdFlags))
	registry.SetMetrics(m)
	st.SetNotifier(registry.Notify)

	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 1
	}
	backups := backup.New(st, maxBackups)
	backups.SetMetrics(m)

	q := queue.New(session.MaxSessions)
	gate := drain.New()

	pipePath := filepath.Join("/tmp", cfg.PipeName)
	acc := &acceptor.Acceptor{
		Path:    pipePath,
		Mode:    0640,
		Queue:   q,
		Logger:  log.New(os.Stdout, "[kvsd-acceptor] ", log.LstdFlags),
		Drain:   gate,
		OnError: func(errorType string) { m.RecordError(errorType) },
	}

	pool := &worker.Pool{
		Size:              session.MaxSessions,
		Queue:             q,
		Table:             sessions,
		Registry:          registry,
		Logger:            log.New(os.Stdout, "[kvsd-worker] ", log.LstdFlags),
		Drain:             gate,
		OnSessionStart:    func(*session.Session) { m.IncrementSessions() },
		OnSessionRejected: func(*session.Session) { m.RecordSessionRejected() },
		OnSessionEnd: func(_ *session.Session, d time.Duration) {
			m.DecrementSessions()
			m.RecordSessionDuration(d)
		},
		OnError: func(errorType string) { m.RecordError(errorType) },
	}

	maxThreads := cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 1
	}
	driver := &jobs.Driver{
		Store:      st,
		Backups:    backups,
		Dir:        cfg.JobsDir,
		MaxThreads: maxThreads,
		Logger:     log.New(os.Stdout, "[kvsd-jobs] ", log.LstdFlags),
		Metrics:    m,
	}

	return &Server{
		cfg:        cfg,
		store:      st,
		backups:    backups,
		sessions:   sessions,
		registry:   registry,
		queue:      q,
		accept:     acc,
		pool:       pool,
		driver:     driver,
		drainGate:  gate,
		metrics:    m,
		sysMetrics: metrics.NewSystemMetrics(),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the job-file driver, the acceptor, the worker pool, and the
// metrics/health HTTP server, then blocks waiting for a shutdown signal.
func (s *Server) Start() error {
	s.logger.Printf("starting kvsd: jobs_dir=%s max_threads=%d max_backups=%d pipe=%s",
		s.cfg.JobsDir, s.cfg.MaxThreads, s.cfg.MaxBackups, s.cfg.PipeName)

	if s.cfg.JobsDir != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.driver.Run(s.ctx); err != nil {
				s.logger.Printf("job driver error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.accept.Run(s.ctx); err != nil && err != context.Canceled {
			s.logger.Printf("acceptor error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collectSystemMetrics()
	}()

	if s.cfg.MetricsAddr != "" {
		s.setupHTTPServer()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Printf("metrics server listening on %s", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Printf("metrics server error: %v", err)
			}
		}()
	}

	s.waitForShutdown()
	return nil
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/metrics/system", s.handleSystemMetrics)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.cfg.MetricsAddr,
		Handler: mux,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": s.metrics.GetActiveSessions(),
		"uptime_seconds":  s.metrics.GetUptime().Seconds(),
	})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.sysMetrics.GetSystemInfo())
}

func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sysMetrics.Update()
			s.metrics.UpdateMemoryUsage(uint64(s.sysMetrics.GetMemoryMB() * 1024 * 1024))
			s.metrics.UpdateCPUUsage(s.sysMetrics.GetCPUPercent())
			s.metrics.UpdateGoroutinesCount(runtime.NumGoroutine())
		}
	}
}

// waitForShutdown blocks on SIGUSR1 (drain every session, then resume
// accepting) or SIGINT/SIGTERM (full teardown). SIGPIPE is ignored — a
// broken notification or response pipe is handled per write, not fatal.
func (s *Server) waitForShutdown() {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			s.logger.Printf("received SIGUSR1, draining sessions...")
			s.drainSessions()
			s.logger.Printf("drain complete, resuming accepting")
		default:
			s.logger.Printf("received %v, shutting down...", sig)
			signal.Stop(sigCh)
			s.Shutdown()
			return
		}
	}
}

// drainSessions triggers the shared gate, blocks until every connected
// session has disconnected, then resets the gate so the acceptor and
// worker pool resume normal operation.
func (s *Server) drainSessions() {
	s.drainGate.Trigger()
	for s.sessions.Len() > 0 {
		time.Sleep(drainPollInterval)
	}
	s.drainGate.Reset()
}

// Shutdown cancels every component's context, waits for goroutines to
// return, reaps outstanding backups, and stops the HTTP server.
func (s *Server) Shutdown() {
	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("metrics server shutdown: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Printf("shutdown timed out waiting for workers")
	}

	s.backups.Wait()
	s.logger.Printf("shutdown complete")
}
