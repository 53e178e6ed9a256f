// Package server is the failover daemon: it accepts replication connections
// and runs one session per connection against the configured partitions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
	"github.com/paulschiretz/pgl-failover/pkg/chunking"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/dataindex"
	"github.com/paulschiretz/pgl-failover/pkg/hook"
	"github.com/paulschiretz/pgl-failover/pkg/limiter"
	"github.com/paulschiretz/pgl-failover/pkg/lockfile"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/preflight"
	"github.com/paulschiretz/pgl-failover/pkg/replication"
	"github.com/paulschiretz/pgl-failover/pkg/sharded"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// ErrPassInProgress is returned when a second pass for the same server root
// arrives while the first one is still running.
var ErrPassInProgress = errors.New("a pass for this server root is already in progress")

// Server owns everything sessions share: the per-root locks, the content
// index registry and the partition lock files.
type Server struct {
	cfg       config.Config
	engine    *chunking.Engine
	locks     *sharded.Locks
	budget    *limiter.Budget
	restarter *hook.RestartExecutor

	indexes *dataindex.Registry

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	// sessions tracks connection handlers, cleanups tracks background retention jobs.
	sessions sync.WaitGroup
	cleanups sync.WaitGroup
}

// New creates a daemon for cfg. restarter may be nil.
func New(cfg config.Config, restarter *hook.RestartExecutor) *Server {
	return &Server{
		cfg:       cfg,
		engine:    chunking.New(chunking.ChunkSize),
		locks:     sharded.NewLocks(),
		budget:    limiter.NewBudget(int64(cfg.Engine.Performance.SessionMemoryMB) << 20),
		restarter: restarter,
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On return every
// session has ended, background cleanups have finished and the partition
// locks are released.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	if err := preflight.Run(s.cfg.Partitions, &preflight.Plan{
		Writable:     true,
		RequireMount: s.cfg.RequireMountedPartitions,
	}); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	release, err := s.acquirePartitions()
	if err != nil {
		return err
	}
	defer release()

	// Sweepers must outlive a single session but not the daemon.
	indexCtx, stopIndexes := context.WithCancel(ctx)
	defer stopIndexes()
	if s.cfg.DataIndex.Enabled {
		interval := time.Duration(s.cfg.DataIndex.SweepIntervalHours) * time.Hour
		s.indexes = dataindex.NewRegistry(indexCtx, s.cfg.DataIndex.MaxLinkCount, interval)
		for _, p := range s.cfg.Partitions {
			if _, err := s.indexes.Get(p); err != nil {
				plog.Warn("Content index unavailable", "partition", p, "error", err)
			}
		}
		plog.Debug("Content indexes opened", "count", s.indexes.Count())
	}

	plog.Info("Daemon listening", "address", ln.Addr().String(), "partitions", s.cfg.Partitions)

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				plog.Warn("Temporary accept failure", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			s.shutdown(stopIndexes)
			return fmt.Errorf("accept failed: %w", err)
		}
		s.track(conn)
		s.sessions.Add(1)
		go s.handle(ctx, conn)
	}

	s.shutdown(stopIndexes)
	plog.Info("Daemon stopped")
	return nil
}

func (s *Server) shutdown(stopIndexes context.CancelFunc) {
	s.closeConns()
	s.sessions.Wait()
	s.cleanups.Wait()
	stopIndexes()
	if s.indexes != nil {
		s.indexes.Wait()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.sessions.Done()
	defer s.untrack(conn)

	remote := conn.RemoteAddr().String()
	plog.Debug("Connection accepted", "remote", remote)

	release, ok := s.budget.Reserve(s.sessionCost())
	if !ok {
		plog.Warn("Refusing connection, session memory budget exhausted", "remote", remote, "sessions", s.budget.Holders())
		refuse(conn, "daemon busy, retry later")
		return
	}
	defer release()

	opts := &replication.Options{
		Config:    s.cfg,
		Engine:    s.engine,
		Acquire:   s.acquireRoot,
		Restarter: s.restarter,
	}
	if s.indexes != nil {
		opts.Index = s.indexes.Get
	}

	res, err := replication.Serve(ctx, conn, opts)
	if err != nil {
		// Serve already logged the failure with its session id.
		plog.Debug("Connection closed without commit", "remote", remote)
		return
	}
	if res.Retention != nil {
		s.cleanups.Add(1)
		go func() {
			defer s.cleanups.Done()
			if err := res.Retention.Wait(); err != nil {
				plog.Warn("Retention delete incomplete", "session", res.SessionID, "error", err)
			}
		}()
	}
}

// sessionCost estimates the memory one session pins: its socket reader and
// writer plus the chunk buffers of one transfer.
func (s *Server) sessionCost() int64 {
	buf := int64(s.cfg.Engine.Performance.BufferSizeKB) * 1024
	return 2*buf + 2*int64(s.engine.ChunkSize())
}

// refuse reports msg to a peer that has not been served.
func refuse(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	w := wire.NewWriter(conn, 256)
	if err := w.WriteError(msg); err == nil {
		w.Flush()
	}
}

// acquireRoot serializes passes per server root. A second pass is refused
// rather than queued; its sender retries on its own schedule.
func (s *Server) acquireRoot(serverRoot string) (func(), error) {
	unlock, ok := s.locks.TryLock(serverRoot)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPassInProgress, serverRoot)
	}
	return unlock, nil
}

// acquirePartitions takes the lock file of every partition so two daemons
// never write the same backup tree.
func (s *Server) acquirePartitions() (func(), error) {
	var held []*lockfile.Lock
	releaseAll := func() {
		for _, l := range held {
			l.Release()
		}
	}
	for _, p := range s.cfg.Partitions {
		appID := fmt.Sprintf("%s:%s", buildinfo.AppID, p)
		plog.Debug("Attempting to acquire lock", "path", p)
		lock, err := lockfile.Acquire(p, appID)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("failed to lock partition %s: %w", p, err)
		}
		held = append(held, lock)
	}
	return releaseAll, nil
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
