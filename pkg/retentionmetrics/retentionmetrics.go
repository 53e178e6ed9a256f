package retentionmetrics

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/plog"
)

// Metrics defines the interface for collecting and reporting retention statistics.
type Metrics interface {
	AddSetsRecycled(n int64)
	AddSetsDeleted(n int64)
	AddSetsFailed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RetentionMetrics holds the atomic counters for tracking the retention operation's progress.
type RetentionMetrics struct {
	SetsRecycled atomic.Int64
	SetsDeleted  atomic.Int64
	SetsFailed   atomic.Int64

	stopChan chan struct{}
	doneChan chan struct{}
}

func (m *RetentionMetrics) AddSetsRecycled(n int64) { m.SetsRecycled.Add(n) }
func (m *RetentionMetrics) AddSetsDeleted(n int64)  { m.SetsDeleted.Add(n) }
func (m *RetentionMetrics) AddSetsFailed(n int64)   { m.SetsFailed.Add(n) }

func (m *RetentionMetrics) StartProgress(msg string, interval time.Duration) {
	stop, done := make(chan struct{}), make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *RetentionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		<-m.doneChan
		m.stopChan = nil
	}
}

func (m *RetentionMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"sets_recycled", m.SetsRecycled.Load(),
		"sets_deleted", m.SetsDeleted.Load(),
		"sets_failed", m.SetsFailed.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddSetsRecycled(n int64)                          {}
func (m *NoopMetrics) AddSetsDeleted(n int64)                           {}
func (m *NoopMetrics) AddSetsFailed(n int64)                            {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RetentionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
