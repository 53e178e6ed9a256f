package replication

import (
	"path"
	"slices"

	"github.com/paulschiretz/pgl-failover/pkg/util"
)

// staticSkip lists paths whose on-disk children are never deleted as extras.
var staticSkip = []string{"/proc", "/sys", "/dev/pts"}

// mysqlDataDir and friends locate a MySQL server inside a mirrored tree.
func mysqlDataDir(name string) string    { return path.Join("/var/lib/mysql", name) }
func mysqlLockFile(name string) string   { return path.Join("/var/lock/subsys", "mysql-"+name) }
func mysqlBinaryDir(minor string) string { return path.Join("/opt", "mysql-"+minor) }

// mysqlTracker records which MySQL servers a live-mirror pass touched.
type mysqlTracker struct {
	names   []string
	minors  []string
	touched map[string]bool
}

func newMySQLTracker(names, minors []string) *mysqlTracker {
	return &mysqlTracker{names: names, minors: minors, touched: make(map[string]bool)}
}

// skipPaths returns the live data and lock paths of every replicated server.
func (m *mysqlTracker) skipPaths() []string {
	var out []string
	for _, name := range m.names {
		out = append(out, mysqlDataDir(name), mysqlLockFile(name))
	}
	return out
}

// note marks the servers owning rel after rel changed.
func (m *mysqlTracker) note(rel string) {
	for i, name := range m.names {
		if util.IsUnder(rel, mysqlDataDir(name)) || util.IsUnder(rel, mysqlBinaryDir(m.minors[i])) {
			m.touched[name] = true
		}
	}
}

// servers returns the touched server names in handshake order.
func (m *mysqlTracker) servers() []string {
	var out []string
	for _, name := range m.names {
		if m.touched[name] && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
