package replicationmetrics

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-failover/pkg/plog"
)

func TestReplicationMetrics_LogSummary(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &ReplicationMetrics{}
	m.AddEntries(10)
	m.AddNoChange(7)
	m.AddModified(3)
	m.AddChunkedTransfers(1)
	m.AddChunksReused(4)
	m.AddBytesReceived(1024)
	m.LogSummary(plog.With("session", "s1"), "Pass summary")

	output := logBuf.String()
	for _, want := range []string{`msg="Pass summary"`, "session=s1", "entries=10", "no_change=7", "modified=3", "chunks_reused=4", "bytes_received=1024"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %q. Got: %s", want, output)
		}
	}
}

func TestNoopMetrics(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	var m Metrics = &NoopMetrics{}
	m.AddEntries(1)
	m.LogSummary(plog.With(), "nothing")
	if logBuf.Len() != 0 {
		t.Errorf("NoopMetrics should not log, got %q", logBuf.String())
	}
}
