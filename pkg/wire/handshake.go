package wire

import (
	"fmt"
	"strings"
	"time"
)

// NoQuotaGID means the target does not remap group ownership.
const NoQuotaGID = -1

// Handshake is the session header sent by the replication sender.
type Handshake struct {
	Version            int
	FromServer         string
	UseCompression     bool
	Retention          int
	ToPath             string
	Year, Month, Day   int
	MySQLNames         []string
	MySQLMinorVersions []string
	QuotaGID           int
}

// Date returns the pass date in the local time zone.
func (h *Handshake) Date() time.Time {
	return time.Date(h.Year, time.Month(h.Month), h.Day, 0, 0, 0, 0, time.Local)
}

// SetDate fills the year, month and day fields from t.
func (h *Handshake) SetDate(t time.Time) {
	h.Year, h.Month, h.Day = t.Year(), int(t.Month()), t.Day()
}

func validName(kind, v string) error {
	if v == "" || strings.Contains(v, "/") || strings.Contains(v, "..") {
		return ProtocolErrorf("invalid %s %q", kind, v)
	}
	return nil
}

// Validate checks the handshake fields a daemon must trust before touching disk.
func (h *Handshake) Validate() error {
	if h.Version != ProtocolVersion {
		return ProtocolErrorf("unsupported protocol version %d (want %d)", h.Version, ProtocolVersion)
	}
	if err := validName("server name", h.FromServer); err != nil {
		return err
	}
	if h.Retention < 1 {
		return ProtocolErrorf("retention %d must be at least 1", h.Retention)
	}
	if h.Month < 1 || h.Month > 12 || h.Day < 1 || h.Day > 31 || h.Year < 1970 {
		return ProtocolErrorf("invalid pass date %04d-%02d-%02d", h.Year, h.Month, h.Day)
	}
	if d := h.Date(); d.Day() != h.Day || int(d.Month()) != h.Month {
		return ProtocolErrorf("invalid pass date %04d-%02d-%02d", h.Year, h.Month, h.Day)
	}
	if len(h.MySQLNames) != len(h.MySQLMinorVersions) {
		return ProtocolErrorf("mysql names (%d) and versions (%d) differ in length", len(h.MySQLNames), len(h.MySQLMinorVersions))
	}
	for i := range h.MySQLNames {
		if err := validName("mysql server name", h.MySQLNames[i]); err != nil {
			return err
		}
		if err := validName("mysql minor version", h.MySQLMinorVersions[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteHandshake encodes h.
func (w *Writer) WriteHandshake(h *Handshake) error {
	ints := func(vals ...int64) error {
		for _, v := range vals {
			if err := w.WriteInt(v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := w.WriteInt(int64(h.Version)); err != nil {
		return err
	}
	if err := w.WriteString(h.FromServer); err != nil {
		return err
	}
	if err := w.WriteBool(h.UseCompression); err != nil {
		return err
	}
	if err := w.WriteInt(int64(h.Retention)); err != nil {
		return err
	}
	if err := w.WriteString(h.ToPath); err != nil {
		return err
	}
	if err := ints(int64(h.Year), int64(h.Month), int64(h.Day), int64(len(h.MySQLNames))); err != nil {
		return err
	}
	for i, name := range h.MySQLNames {
		if err := w.WriteString(name); err != nil {
			return err
		}
		var version string
		if i < len(h.MySQLMinorVersions) {
			version = h.MySQLMinorVersions[i]
		}
		if err := w.WriteString(version); err != nil {
			return err
		}
	}
	return w.WriteInt(int64(h.QuotaGID))
}

// maxMySQLServers bounds the list read from the peer.
const maxMySQLServers = 256

// ReadHandshake decodes a handshake. It does not validate it.
func (r *Reader) ReadHandshake() (*Handshake, error) {
	h := &Handshake{}
	readInt := func(dst *int) error {
		v, err := r.ReadInt()
		if err != nil {
			return err
		}
		*dst = int(v)
		return nil
	}
	var err error
	if err = readInt(&h.Version); err != nil {
		return nil, fmt.Errorf("failed to read protocol version: %w", err)
	}
	if h.FromServer, err = r.ReadString(); err != nil {
		return nil, err
	}
	if h.UseCompression, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if err = readInt(&h.Retention); err != nil {
		return nil, err
	}
	if h.ToPath, err = r.ReadString(); err != nil {
		return nil, err
	}
	for _, dst := range []*int{&h.Year, &h.Month, &h.Day} {
		if err = readInt(dst); err != nil {
			return nil, err
		}
	}
	var n int
	if err = readInt(&n); err != nil {
		return nil, err
	}
	if n < 0 || n > maxMySQLServers {
		return nil, ProtocolErrorf("mysql server count %d out of range", n)
	}
	for range n {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		version, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		h.MySQLNames = append(h.MySQLNames, name)
		h.MySQLMinorVersions = append(h.MySQLMinorVersions, version)
	}
	if err = readInt(&h.QuotaGID); err != nil {
		return nil, err
	}
	return h, nil
}
