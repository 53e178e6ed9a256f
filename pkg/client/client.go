// Package client is the sending side of a replication pass. It walks a local
// tree, streams it to a failover daemon in batches and answers the daemon's
// data requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-failover/pkg/chunking"
	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/util"
	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

// readDir lists a directory sorted by name.
var readDir = os.ReadDir

// DefaultExcludes are never descended into when pushing a whole system.
var DefaultExcludes = []string{"/proc", "/sys", "/dev/pts"}

type Options struct {
	// Source is the local directory mirrored as "/".
	Source    string
	Handshake wire.Handshake
	BatchSize int
	// BufferSize is the socket buffer size in bytes.
	BufferSize int
	// Exclude lists directories sent as empty directories.
	Exclude []string
	Engine  *chunking.Engine
}

// Summary counts what a push did.
type Summary struct {
	Entries          int64
	NoChange         int64
	Modified         int64
	FullTransfers    int64
	ChunkedTransfers int64
	ChunksReused     int64
	LiteralBytes     int64
	WireBytes        int64
	Failed           int64
	Duration         time.Duration
}

type pusher struct {
	ctx    context.Context
	opts   *Options
	r      *wire.Reader
	w      *wire.Writer
	codec  *wire.Codec
	engine *chunking.Engine
	sum    Summary

	batch []*wire.FileEntry
}

// Push runs one pass over conn and returns its summary. A non-nil error means
// the daemon did not commit the pass.
func Push(ctx context.Context, conn io.ReadWriter, opts *Options) (*Summary, error) {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	engine := opts.Engine
	if engine == nil {
		engine = chunking.New(chunking.ChunkSize)
	}

	if fi, err := os.Stat(opts.Source); err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("invalid source: %s is not a directory", opts.Source)
	}

	codec, err := wire.NewCodec(opts.Handshake.UseCompression)
	if err != nil {
		return nil, err
	}
	defer codec.Close()

	p := &pusher{
		ctx:    ctx,
		opts:   opts,
		r:      wire.NewReader(conn, bufSize),
		w:      wire.NewWriter(conn, bufSize),
		codec:  codec,
		engine: engine,
		batch:  make([]*wire.FileEntry, 0, batchSize),
	}

	start := time.Now()
	err = p.run()
	p.sum.Duration = time.Since(start)
	return &p.sum, err
}

func (p *pusher) run() error {
	hs := p.opts.Handshake
	hs.Version = wire.ProtocolVersion
	if err := p.w.WriteHandshake(&hs); err != nil {
		return err
	}
	if err := p.w.Flush(); err != nil {
		return err
	}
	status, err := p.r.ReadStatus()
	if err != nil {
		return fmt.Errorf("daemon refused pass: %w", err)
	}
	if status != wire.Proceed {
		return wire.ProtocolErrorf("unexpected handshake reply 0x%02x", status)
	}
	plog.Info("Pass accepted by daemon", "to", hs.ToPath, "retention", hs.Retention)

	if err := p.walk(filepath.Clean(p.opts.Source), "/"); err != nil {
		return err
	}
	if err := p.flushBatch(); err != nil {
		return err
	}

	if err := p.w.WriteEndOfStream(); err != nil {
		return err
	}
	if err := p.w.Flush(); err != nil {
		return err
	}
	status, err = p.r.ReadStatus()
	if err != nil {
		return err
	}
	if status != wire.Done {
		return wire.ProtocolErrorf("unexpected end-of-pass reply 0x%02x", status)
	}
	return nil
}

// walk sends abs and, below a directory, its children in lexical order.
// A directory is listed before its entry goes out: the daemon deletes every
// child of a directory that the pass does not mention, so a directory that
// cannot be listed aborts the pass rather than reaching the daemon empty.
func (p *pusher) walk(abs, rel string) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	e, err := entryFor(abs, rel)
	if err != nil {
		switch {
		case rel == "/":
			return err
		case errors.Is(err, errUnsupported):
			plog.Debug("Skipping unsupported file type", "path", rel)
		default:
			plog.Warn("Skipping path", "path", rel, "error", err)
			p.sum.Failed++
		}
		return nil
	}
	if e.Type() != wire.TypeDirectory || (rel != "/" && p.excluded(rel)) {
		return p.add(e)
	}

	children, err := readDir(abs)
	if err != nil {
		if rel != "/" && errors.Is(err, fs.ErrNotExist) {
			plog.Warn("Directory vanished during walk", "path", rel)
			p.sum.Failed++
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", rel, err)
	}
	if err := p.add(e); err != nil {
		return err
	}
	for _, c := range children {
		if err := p.walk(filepath.Join(abs, c.Name()), path.Join(rel, c.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (p *pusher) excluded(rel string) bool {
	for _, x := range p.opts.Exclude {
		if rel == x {
			return true
		}
	}
	return false
}

func (p *pusher) add(e *wire.FileEntry) error {
	p.batch = append(p.batch, e)
	if len(p.batch) == cap(p.batch) {
		return p.flushBatch()
	}
	return nil
}

// flushBatch sends the current batch, reads one status per entry and then
// streams the payloads the daemon asked for, in entry order.
func (p *pusher) flushBatch() error {
	if len(p.batch) == 0 {
		return nil
	}
	if err := p.w.WriteBatch(p.batch); err != nil {
		return err
	}
	if err := p.w.Flush(); err != nil {
		return err
	}

	type request struct {
		entry   *wire.FileEntry
		chunked bool
		hashes  []wire.Hash
	}
	var requests []request
	for _, e := range p.batch {
		status, err := p.r.ReadStatus()
		if err != nil {
			return fmt.Errorf("failed to read status for %s: %w", e.Path, err)
		}
		p.sum.Entries++
		switch status {
		case wire.NoChange:
			p.sum.NoChange++
		case wire.Modified:
			p.sum.Modified++
		case wire.ModifiedRequestData:
			p.sum.Modified++
			requests = append(requests, request{entry: e})
		case wire.ModifiedRequestDataChunked:
			p.sum.Modified++
			hashes, err := p.r.ReadHashes()
			if err != nil {
				return err
			}
			requests = append(requests, request{entry: e, chunked: true, hashes: hashes})
		default:
			return wire.ProtocolErrorf("unexpected status 0x%02x for %s", status, e.Path)
		}
	}

	for _, req := range requests {
		if err := p.send(req.entry, req.chunked, req.hashes); err != nil {
			return err
		}
	}
	if err := p.w.Flush(); err != nil {
		return err
	}
	p.batch = p.batch[:0]
	return nil
}

// send streams one file. A source that cannot be read costs only that file.
func (p *pusher) send(e *wire.FileEntry, chunked bool, hashes []wire.Hash) error {
	abs := filepath.Join(p.opts.Source, filepath.FromSlash(e.Path))
	f, err := os.Open(abs)
	if err != nil {
		plog.Warn("Failed to open source file", "path", e.Path, "error", err)
		p.sum.Failed++
		return p.w.WriteError(err.Error())
	}
	defer f.Close()

	var st chunking.Stats
	if chunked {
		st, err = p.engine.SendChunked(p.w, p.codec, f, hashes)
	} else {
		st, err = p.engine.SendFull(p.w, p.codec, f)
	}
	p.sum.ChunksReused += int64(st.ReusedChunks)
	p.sum.LiteralBytes += st.LiteralBytes
	p.sum.WireBytes += st.WireBytes
	if err != nil {
		if hints.IsTransient(err) {
			plog.Warn("Source file read failed, daemon keeps the partial copy", "path", e.Path, "error", err)
			p.sum.Failed++
			return nil
		}
		return err
	}
	if chunked {
		p.sum.ChunkedTransfers++
	} else {
		p.sum.FullTransfers++
	}
	return nil
}

var errUnsupported = errors.New("unsupported file type")

// entryFor builds the wire entry of the object at abs.
func entryFor(abs, rel string) (*wire.FileEntry, error) {
	st, err := util.Lstat(abs)
	if err != nil {
		return nil, err
	}
	e := &wire.FileEntry{
		Path:    rel,
		Mode:    st.Mode,
		UID:     st.UID,
		GID:     st.GID,
		ModTime: st.ModTimeMillis(),
	}
	switch st.Type() {
	case unix.S_IFREG:
		e.Length = st.Size
	case unix.S_IFLNK:
		if e.LinkTarget, err = os.Readlink(abs); err != nil {
			return nil, err
		}
		e.ModTime = 0
	case unix.S_IFCHR, unix.S_IFBLK:
		e.Rdev = st.Rdev
	case unix.S_IFDIR, unix.S_IFIFO:
	default:
		return nil, errUnsupported
	}
	return e, nil
}

// Log prints the summary the way the daemon logs its metrics.
func (s *Summary) Log(msg string) {
	plog.Info(msg,
		"entries", s.Entries,
		"unchanged", s.NoChange,
		"modified", s.Modified,
		"full", s.FullTransfers,
		"chunked", s.ChunkedTransfers,
		"chunksReused", s.ChunksReused,
		"literalBytes", s.LiteralBytes,
		"wireBytes", s.WireBytes,
		"failed", s.Failed,
		"duration", s.Duration.Round(time.Millisecond))
}
