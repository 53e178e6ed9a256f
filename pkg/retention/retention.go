// Package retention decays the dated backup sets under a server root.
//
// Superseded complete passes are renamed to .recycled so a later pass can
// refill them instead of starting from an empty directory. Everything else
// the policy drops, and recycled sets beyond the cap, are renamed to .deleted
// and removed in the background, oldest first.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
	"github.com/paulschiretz/pgl-failover/pkg/lifecycle"
	"github.com/paulschiretz/pgl-failover/pkg/plog"
	"github.com/paulschiretz/pgl-failover/pkg/retentionmetrics"
)

var ErrNothingToClean = hints.New("nothing to clean")

// Job is the background physical delete started by Apply.
type Job struct {
	Decision Decision
	g        *errgroup.Group
	metrics  retentionmetrics.Metrics
	done     chan struct{}
	err      error
}

// Wait blocks until every .deleted set has been removed. It returns the
// joined per-directory failures.
func (j *Job) Wait() error {
	if j == nil {
		return nil
	}
	<-j.done
	return j.err
}

// Apply classifies the sets under serverRoot, renames them to their new state
// and starts the physical delete. Renames happen before Apply returns, so the
// next pass already sees the new layout while deletion is still running.
func Apply(ctx context.Context, serverRoot string, date time.Time, p *Plan) (*Job, error) {
	if p.Retention <= 1 {
		// A live mirror's server root is the mirrored tree itself.
		return nil, ErrNothingToClean
	}

	sets, err := lifecycle.List(serverRoot)
	if err != nil {
		return nil, err
	}

	d := Decide(sets, date, p.Retention, p.Levels)
	if len(d.Recycle) == 0 && len(d.Delete) == 0 {
		plog.Debug("No backup sets need recycling or deletion", "root", serverRoot)
		return nil, ErrNothingToClean
	}

	var m retentionmetrics.Metrics
	if p.Metrics {
		m = &retentionmetrics.RetentionMetrics{}
	} else {
		m = &retentionmetrics.NoopMetrics{}
	}

	for _, s := range d.Recycle {
		if err := mark(serverRoot, s, lifecycle.Recycled, p.DryRun); err != nil {
			plog.Warn("Failed to recycle backup set", "root", serverRoot, "set", s.Name, "error", err)
			m.AddSetsFailed(1)
			continue
		}
		m.AddSetsRecycled(1)
	}

	var toDelete []lifecycle.Set
	queued := make(map[string]bool)
	for _, s := range d.Delete {
		if s.State != lifecycle.Deleted {
			if err := mark(serverRoot, s, lifecycle.Deleted, p.DryRun); err != nil {
				plog.Warn("Failed to mark backup set for deletion", "root", serverRoot, "set", s.Name, "error", err)
				m.AddSetsFailed(1)
				continue
			}
			s.Name = lifecycle.NameFor(s.Date, lifecycle.Deleted)
			s.State = lifecycle.Deleted
		}
		if !queued[s.Name] {
			queued[s.Name] = true
			toDelete = append(toDelete, s)
		}
	}
	sort.SliceStable(toDelete, func(i, j int) bool { return toDelete[i].Date.Before(toDelete[j].Date) })

	job := &Job{Decision: d, metrics: m, done: make(chan struct{})}
	job.g, ctx = errgroup.WithContext(ctx)
	job.g.SetLimit(max(1, p.DeleteWorkers))

	go job.run(ctx, serverRoot, toDelete, p.DryRun)
	return job, nil
}

func (j *Job) run(ctx context.Context, serverRoot string, toDelete []lifecycle.Set, dryRun bool) {
	defer close(j.done)

	if len(toDelete) > 0 {
		plog.Info("Deleting outdated backup sets", "root", serverRoot, "count", len(toDelete))
		j.metrics.StartProgress("Delete progress", 10*time.Second)
		defer func() {
			j.metrics.StopProgress()
			j.metrics.LogSummary("Delete finished")
		}()
	}

	var failed []error
	errs := make(chan error, len(toDelete))

	// Go blocks once DeleteWorkers deletes are running, which keeps the order oldest first.
	for _, s := range toDelete {
		if ctx.Err() != nil {
			plog.Debug("Cancellation received, stopping retention delete feed")
			break
		}
		path := filepath.Join(serverRoot, s.Name)
		j.g.Go(func() error {
			if dryRun {
				plog.Notice("[DRY RUN] DELETE", "path", path)
				return nil
			}
			plog.Notice("DELETE", "path", path)
			if err := os.RemoveAll(path); err != nil {
				j.metrics.AddSetsFailed(1)
				plog.Warn("Failed to delete backup set", "path", path, "error", err)
				errs <- fmt.Errorf("delete %s: %w", path, err)
				return nil
			}
			j.metrics.AddSetsDeleted(1)
			plog.Notice("DELETED", "path", path)
			return nil
		})
	}

	j.g.Wait()
	close(errs)
	for err := range errs {
		failed = append(failed, err)
	}
	j.err = errors.Join(failed...)
}

// mark renames set s into state to. An existing directory with the target name
// is removed first; it can only be the leftover of an earlier interrupted run.
func mark(serverRoot string, s lifecycle.Set, to lifecycle.State, dryRun bool) error {
	from := filepath.Join(serverRoot, s.Name)
	target := filepath.Join(serverRoot, lifecycle.NameFor(s.Date, to))
	verb := "RECYCLE"
	if to == lifecycle.Deleted {
		verb = "MARK DELETED"
	}

	if dryRun {
		plog.Notice("[DRY RUN] "+verb, "from", from, "to", target)
		return nil
	}
	plog.Notice(verb, "from", from, "to", target)

	if _, err := os.Lstat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}
	return os.Rename(from, target)
}
