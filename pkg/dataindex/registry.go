package dataindex

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/sharded"
)

// DefaultSweepInterval is how often each index is swept for orphans.
const DefaultSweepInterval = 7 * 24 * time.Hour

// Registry hands out one Index per canonical partition directory and runs the
// orphan sweep of every index it created. It is owned by the daemon and passed
// to whatever needs an index.
type Registry struct {
	ctx           context.Context
	maxLinks      uint64
	sweepInterval time.Duration

	group     singleflight.Group
	instances *sharded.Map[*Index]
	wg        sync.WaitGroup
}

// NewRegistry creates a registry. Sweepers stop when ctx is cancelled.
// A non-positive sweepInterval disables background sweeps.
func NewRegistry(ctx context.Context, maxLinks uint64, sweepInterval time.Duration) *Registry {
	return &Registry{
		ctx:           ctx,
		maxLinks:      maxLinks,
		sweepInterval: sweepInterval,
		instances:     sharded.NewMap[*Index](),
	}
}

// Get returns the index of partition, creating it and starting its sweeper on
// first use. Concurrent first calls for the same partition build one instance.
func (r *Registry) Get(partition string) (*Index, error) {
	key, err := canonical(partition)
	if err != nil {
		return nil, err
	}
	if ix, ok := r.instances.Load(key); ok {
		return ix, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if ix, ok := r.instances.Load(key); ok {
			return ix, nil
		}
		ix, err := Open(key, r.maxLinks)
		if err != nil {
			return nil, err
		}
		r.instances.Store(key, ix)
		if r.sweepInterval > 0 {
			r.wg.Add(1)
			go r.sweepLoop(ix)
		}
		return ix, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Count returns the number of open indexes.
func (r *Registry) Count() int { return r.instances.Count() }

// Wait blocks until every sweeper has stopped.
func (r *Registry) Wait() { r.wg.Wait() }

// sweepLoop sweeps once immediately, then on every tick.
func (r *Registry) sweepLoop(ix *Index) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		Sweep(r.ctx, ix)
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one orphan sweep and logs its outcome.
func Sweep(ctx context.Context, ix *Index) {
	start := time.Now()
	removed, err := ix.CleanOrphans(ctx)
	switch {
	case err == nil:
		plog.Info("Content index sweep finished", "dir", ix.Dir(), "removed", removed, "duration", time.Since(start))
	case hints.IsHint(err):
		plog.Debug("Content index sweep finished", "dir", ix.Dir(), "reason", err)
	case ctx.Err() != nil:
		plog.Debug("Content index sweep cancelled", "dir", ix.Dir())
	default:
		plog.Warn("Content index sweep failed", "dir", ix.Dir(), "error", err)
	}
}

func canonical(partition string) (string, error) {
	abs, err := filepath.Abs(partition)
	if err != nil {
		return "", fmt.Errorf("invalid partition %s: %w", partition, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}
