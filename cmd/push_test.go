package cmd

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/wire"
)

func TestPassDate(t *testing.T) {
	got, err := passDate(map[string]interface{}{"date": "2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 2, 28, 0, 0, 0, 0, time.Local); !got.Equal(want) {
		t.Errorf("passDate = %v, want %v", got, want)
	}

	today, err := passDate(map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if today.Hour() != 0 || today.Format("2006-01-02") != time.Now().Format("2006-01-02") {
		t.Errorf("default date = %v", today)
	}

	for _, bad := range []string{"2026-2-28", "28.02.2026", "2026-02-30"} {
		if _, err := passDate(map[string]interface{}{"date": bad}); err == nil {
			t.Errorf("passDate(%q) accepted", bad)
		}
	}
}

func TestPushHandshake(t *testing.T) {
	hs, err := pushHandshake(map[string]interface{}{
		"to-path":     "/backup/web1",
		"from-server": "web1",
		"retention":   1,
		"date":        "2026-10-19",
		"mysql":       []string{"main:5.7", "stats:8.0"},
		"quota-gid":   500,
	}, true)
	if err != nil {
		t.Fatalf("pushHandshake: %v", err)
	}
	if hs.Version != wire.ProtocolVersion || hs.FromServer != "web1" || hs.Retention != 1 || !hs.UseCompression || hs.QuotaGID != 500 {
		t.Errorf("handshake = %+v", hs)
	}
	if hs.Year != 2026 || hs.Month != 10 || hs.Day != 19 {
		t.Errorf("date = %d-%d-%d", hs.Year, hs.Month, hs.Day)
	}
	if !slices.Equal(hs.MySQLNames, []string{"main", "stats"}) || !slices.Equal(hs.MySQLMinorVersions, []string{"5.7", "8.0"}) {
		t.Errorf("mysql = %v %v", hs.MySQLNames, hs.MySQLMinorVersions)
	}
}

func TestPushHandshake_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		flagMap map[string]interface{}
		proto   bool
	}{
		{"missing to-path", map[string]interface{}{"from-server": "web1"}, false},
		{"mysql without version", map[string]interface{}{"to-path": "/b/web1", "from-server": "web1", "mysql": []string{"main"}}, false},
		{"mysql name escapes", map[string]interface{}{"to-path": "/b/web1", "from-server": "web1", "mysql": []string{"../x:5.7"}}, true},
		{"server name escapes", map[string]interface{}{"to-path": "/b/web1", "from-server": "a/b"}, true},
		{"zero retention", map[string]interface{}{"to-path": "/b/web1", "from-server": "web1", "retention": 0}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pushHandshake(tc.flagMap, false)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.proto && !errors.Is(err, wire.ErrProtocol) {
				t.Errorf("error = %v, want a protocol validation error", err)
			}
		})
	}
}
