package replicationmetrics

import (
	"sync/atomic"

	"github.com/paulschiretz/pgl-failover/pkg/plog"
)

// Metrics defines the interface for collecting and reporting replication statistics.
type Metrics interface {
	AddEntries(n int64)
	AddNoChange(n int64)
	AddModified(n int64)
	AddFullTransfers(n int64)
	AddChunkedTransfers(n int64)
	AddChunksReused(n int64)
	AddBytesReceived(n int64)
	AddHardLinks(n int64)
	AddExtrasDeleted(n int64)
	AddIndexShared(n int64)
	LogSummary(log *plog.Logger, msg string)
}

// ReplicationMetrics holds the atomic counters of one replication pass.
type ReplicationMetrics struct {
	Entries          atomic.Int64
	NoChange         atomic.Int64
	Modified         atomic.Int64
	FullTransfers    atomic.Int64
	ChunkedTransfers atomic.Int64
	ChunksReused     atomic.Int64
	BytesReceived    atomic.Int64
	HardLinks        atomic.Int64
	ExtrasDeleted    atomic.Int64
	IndexShared      atomic.Int64
}

func (m *ReplicationMetrics) AddEntries(n int64)          { m.Entries.Add(n) }
func (m *ReplicationMetrics) AddNoChange(n int64)         { m.NoChange.Add(n) }
func (m *ReplicationMetrics) AddModified(n int64)         { m.Modified.Add(n) }
func (m *ReplicationMetrics) AddFullTransfers(n int64)    { m.FullTransfers.Add(n) }
func (m *ReplicationMetrics) AddChunkedTransfers(n int64) { m.ChunkedTransfers.Add(n) }
func (m *ReplicationMetrics) AddChunksReused(n int64)     { m.ChunksReused.Add(n) }
func (m *ReplicationMetrics) AddBytesReceived(n int64)    { m.BytesReceived.Add(n) }
func (m *ReplicationMetrics) AddHardLinks(n int64)        { m.HardLinks.Add(n) }
func (m *ReplicationMetrics) AddExtrasDeleted(n int64)    { m.ExtrasDeleted.Add(n) }
func (m *ReplicationMetrics) AddIndexShared(n int64)      { m.IndexShared.Add(n) }

// LogSummary prints the counters through log.
func (m *ReplicationMetrics) LogSummary(log *plog.Logger, msg string) {
	log.Info(msg,
		"entries", m.Entries.Load(),
		"no_change", m.NoChange.Load(),
		"modified", m.Modified.Load(),
		"full_transfers", m.FullTransfers.Load(),
		"chunked_transfers", m.ChunkedTransfers.Load(),
		"chunks_reused", m.ChunksReused.Load(),
		"bytes_received", m.BytesReceived.Load(),
		"hard_links", m.HardLinks.Load(),
		"extras_deleted", m.ExtrasDeleted.Load(),
		"index_shared", m.IndexShared.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddEntries(n int64)                      {}
func (m *NoopMetrics) AddNoChange(n int64)                     {}
func (m *NoopMetrics) AddModified(n int64)                     {}
func (m *NoopMetrics) AddFullTransfers(n int64)                {}
func (m *NoopMetrics) AddChunkedTransfers(n int64)             {}
func (m *NoopMetrics) AddChunksReused(n int64)                 {}
func (m *NoopMetrics) AddBytesReceived(n int64)                {}
func (m *NoopMetrics) AddHardLinks(n int64)                    {}
func (m *NoopMetrics) AddExtrasDeleted(n int64)                {}
func (m *NoopMetrics) AddIndexShared(n int64)                  {}
func (m *NoopMetrics) LogSummary(log *plog.Logger, msg string) {}

// Statically assert that our types implement the interface.
var _ Metrics = (*ReplicationMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
