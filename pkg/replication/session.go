// Package replication is the receiving side of a replication pass: it reads
// the entry stream from a sender and reconciles it into a backup set.
//
// Entries are processed strictly in arrival order. Directories stay open on a
// stack until an entry outside of them arrives; only then are their extra
// children deleted and their modify time set, so a whole tree is mirrored in
// one streaming pass without holding it in memory.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-failover/pkg/chunking"
	"github.com/paulschiretz/pgl-failover/pkg/config"
	"github.com/paulschiretz/pgl-failover/pkg/dataindex"
	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/hook"
	"github.com/paulschiretz/pgl-failover/pkg/lifecycle"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/replicationmetrics"
	"github.com/paulschiretz/pgl-failover/pkg/retention"
	"github.com/paulschiretz/pgl-failover/pkg/statcache"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// errorReplyTimeout bounds the error report sent to a failing peer.
const errorReplyTimeout = 5 * time.Second

// Options carries what a session needs from the daemon.
type Options struct {
	Config config.Config
	// Engine is shared by all sessions; nil uses a default chunk size.
	Engine *chunking.Engine
	// Acquire serializes passes per server root. nil disables locking.
	Acquire func(serverRoot string) (release func(), err error)
	// Index returns the content index of a partition. nil disables sharing.
	Index func(partition string) (*dataindex.Index, error)
	// Restarter runs MySQL restarts; nil uses the real commands.
	Restarter *hook.RestartExecutor
}

// Result describes a finished session.
type Result struct {
	SessionID string
	Handshake *wire.Handshake
	Layout    *lifecycle.Layout
	// Retention is the background delete started after the pass; nil if
	// nothing needed cleaning.
	Retention *retention.Job
}

type session struct {
	ctx     context.Context
	opts    *Options
	id      string
	log     *plog.Logger
	r       *wire.Reader
	w       *wire.Writer
	hs      *wire.Handshake
	layout  *lifecycle.Layout
	codec   *wire.Codec
	engine  *chunking.Engine
	cache   *statcache.Cache
	index   *dataindex.Index
	metrics replicationmetrics.Metrics
	mysql   *mysqlTracker
	skip    []string

	stack  []*frame
	closed []*frame
	rooted bool
}

// Serve runs one replication session over conn. Any returned error means the
// pass was not committed; the working directory is left for the next attempt.
func Serve(ctx context.Context, conn io.ReadWriter, opts *Options) (*Result, error) {
	bufSize := opts.Config.Engine.Performance.BufferSizeKB * 1024
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	engine := opts.Engine
	if engine == nil {
		engine = chunking.New(chunking.ChunkSize)
	}

	s := &session{
		ctx:    ctx,
		opts:   opts,
		id:     uuid.NewString(),
		r:      wire.NewReader(conn, bufSize),
		w:      wire.NewWriter(conn, bufSize),
		engine: engine,
		cache:  statcache.New(),
	}
	s.log = plog.With("session", s.id)
	if opts.Config.Engine.Metrics {
		s.metrics = &replicationmetrics.ReplicationMetrics{}
	} else {
		s.metrics = &replicationmetrics.NoopMetrics{}
	}

	res, err := s.run()
	if err != nil {
		s.log.Error("Replication session failed", "error", err)
		// Best effort: the peer may already be gone or still be writing.
		if dc, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			dc.SetWriteDeadline(time.Now().Add(errorReplyTimeout))
		}
		if werr := s.w.WriteError(err.Error()); werr == nil {
			s.w.Flush()
		}
	}
	return res, err
}

func (s *session) run() (*Result, error) {
	hs, err := s.r.ReadHandshake()
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	if err := hs.Validate(); err != nil {
		return nil, err
	}
	s.hs = hs
	s.log = plog.With("session", s.id, "server", hs.FromServer)
	res := &Result{SessionID: s.id, Handshake: hs}

	cfg := &s.opts.Config
	if !cfg.ValidRetention(hs.Retention) {
		return res, wire.ProtocolErrorf("retention %d is not one of the configured levels", hs.Retention)
	}
	partition, err := cfg.PartitionFor(hs.ToPath)
	if err != nil {
		return res, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	serverRoot := filepath.Clean(hs.ToPath)

	if s.opts.Acquire != nil {
		release, err := s.opts.Acquire(serverRoot)
		if err != nil {
			return res, err
		}
		defer release()
	}

	if s.codec, err = wire.NewCodec(hs.UseCompression); err != nil {
		return res, err
	}
	defer s.codec.Close()

	s.mysql = newMySQLTracker(hs.MySQLNames, hs.MySQLMinorVersions)
	s.skip = append([]string(nil), staticSkip...)
	if hs.Retention == 1 {
		s.skip = append(s.skip, s.mysql.skipPaths()...)
		defer s.restartMySQL(serverRoot)
	}

	if s.layout, err = lifecycle.Prepare(serverRoot, hs.Date(), hs.Retention); err != nil {
		return res, err
	}
	res.Layout = s.layout

	if hs.Retention > 1 && cfg.DataIndex.Enabled && s.opts.Index != nil {
		if s.index, err = s.opts.Index(partition); err != nil {
			s.log.Warn("Content index unavailable, continuing without sharing", "partition", partition, "error", err)
			s.index = nil
		}
	}

	s.log.Info("Replication pass started",
		"root", s.layout.WorkingRoot,
		"linkTo", s.layout.LinkToRoot,
		"recycling", s.layout.Recycling,
		"retention", hs.Retention,
		"compression", hs.UseCompression)

	if err := s.w.WriteByte(wire.Proceed); err != nil {
		return res, err
	}
	if err := s.w.Flush(); err != nil {
		return res, err
	}

	start := time.Now()
	if err := s.stream(); err != nil {
		return res, err
	}

	if err := s.layout.Promote(); err != nil {
		return res, err
	}
	if err := s.w.WriteByte(wire.Done); err != nil {
		return res, err
	}
	if err := s.w.Flush(); err != nil {
		return res, err
	}
	s.log.Info("Replication pass finished", "root", s.layout.FinalRoot, "duration", time.Since(start).Round(time.Millisecond))
	s.metrics.LogSummary(s.log, "Replication summary")

	res.Retention = s.cleanup(serverRoot)
	return res, nil
}

// stream consumes batches until the end-of-stream marker.
func (s *session) stream() error {
	maxBatch := s.opts.Config.Engine.Performance.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		entries, end, err := s.r.ReadBatch(maxBatch)
		if err != nil {
			return err
		}
		if end {
			s.closeAll()
			s.finalizeClosed()
			return nil
		}
		if err := s.batch(entries); err != nil {
			return err
		}
	}
}

// batch answers one batch: one status per present entry, then the payloads of
// every entry that asked for data, in entry order.
func (s *session) batch(entries []*wire.FileEntry) error {
	for _, e := range entries {
		if e != nil {
			if err := wire.ValidatePath(e.Path); err != nil {
				return err
			}
		}
	}

	statuses := make([]byte, len(entries))
	pendings := make([]*pending, len(entries))
	for i, e := range entries {
		if e == nil {
			continue
		}
		status, p, err := s.process(e)
		if err != nil {
			if !isTransient(err) {
				return fmt.Errorf("failed to process %s: %w", e.Path, err)
			}
			s.log.Warn("Skipping entry", "path", e.Path, "error", err)
			status, p = wire.Modified, nil
		}
		statuses[i], pendings[i] = status, p
		s.count(e, status)
	}

	for i, e := range entries {
		if e == nil {
			continue
		}
		if err := s.w.WriteByte(statuses[i]); err != nil {
			return err
		}
		if statuses[i] == wire.ModifiedRequestDataChunked {
			if err := s.w.WriteHashes(pendings[i].hashes); err != nil {
				return err
			}
		}
	}
	if err := s.w.Flush(); err != nil {
		return err
	}

	for _, p := range pendings {
		if p == nil {
			continue
		}
		if err := s.receive(p); err != nil {
			if !isTransient(err) {
				return fmt.Errorf("failed to receive %s: %w", p.entry.Path, err)
			}
			s.log.Warn("Transfer incomplete", "path", p.entry.Path, "error", err)
		}
	}

	s.finalizeClosed()
	return nil
}

// process reconciles one entry and returns the status to report.
func (s *session) process(e *wire.FileEntry) (byte, *pending, error) {
	if err := s.enter(e.Path); err != nil {
		return 0, nil, err
	}

	target := filepath.Join(s.layout.WorkingRoot, filepath.FromSlash(e.Path))
	linkTo := ""
	if s.layout.LinkToRoot != "" {
		linkTo = filepath.Join(s.layout.LinkToRoot, filepath.FromSlash(e.Path))
	}

	a := attrs{perm: e.Perm(), uid: e.UID, gid: e.GID, modTime: e.ModTime}
	if s.hs.QuotaGID != wire.NoQuotaGID {
		a.gid = s.hs.QuotaGID
	}
	if e.Type() == wire.TypeSymlink {
		a.keepTime = true
	}

	if e.Path == "/" && e.Type() != wire.TypeDirectory {
		return 0, nil, wire.ProtocolErrorf("root entry is a %s, not a directory", e.Type())
	}

	if e.Type() == wire.TypeRegular {
		return s.regular(e, target, linkTo, a)
	}
	status, err := s.special(e, target, linkTo, a)
	if err != nil {
		return 0, nil, err
	}
	if e.Type() == wire.TypeDirectory {
		s.push(&frame{rel: e.Path, target: target, linkTo: linkTo, attrs: a})
	}
	return status, nil, nil
}

func (s *session) count(e *wire.FileEntry, status byte) {
	s.metrics.AddEntries(1)
	if status == wire.NoChange {
		s.metrics.AddNoChange(1)
		return
	}
	s.metrics.AddModified(1)
	if s.hs.Retention == 1 {
		s.mysql.note(e.Path)
	}
}

// cleanup runs the retention policy after a committed pass. Failures are
// logged; the pass itself is already final.
func (s *session) cleanup(serverRoot string) *retention.Job {
	cfg := &s.opts.Config
	job, err := retention.Apply(s.ctx, serverRoot, s.hs.Date(), &retention.Plan{
		Retention:     s.hs.Retention,
		Levels:        cfg.RetentionLevels,
		DeleteWorkers: cfg.Engine.Performance.DeleteWorkers,
		Metrics:       cfg.Engine.Metrics,
	})
	if err != nil {
		if !hints.IsHint(err) {
			s.log.Warn("Retention cleanup failed", "root", serverRoot, "error", err)
		}
		return nil
	}
	return job
}

// restartMySQL restarts the servers a live-mirror pass touched. It runs even
// when the pass failed, and never fails the session.
func (s *session) restartMySQL(serverRoot string) {
	cfg := &s.opts.Config
	servers := s.mysql.servers()
	if !cfg.MySQL.RestartEnabled || len(servers) == 0 {
		return
	}
	ex := s.opts.Restarter
	if ex == nil {
		ex = hook.NewRestartExecutor(nil)
	}
	// The session context may already be canceled; restarts still have to happen.
	ctx := context.WithoutCancel(s.ctx)
	err := ex.Run(ctx, &hook.Plan{
		Enabled:       true,
		Root:          serverRoot,
		InitScriptDir: cfg.MySQL.InitScriptDir,
		Servers:       servers,
	})
	if err != nil && !errors.Is(err, hook.ErrNothingToExecute) {
		s.log.Warn("MySQL restart incomplete", "error", err)
	}
}
