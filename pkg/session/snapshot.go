package session

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Snapshot file format identifiers. The envelope is self-describing so a
// loader can reject foreign or future files before touching the payload.
const (
	snapshotFormat  = "piloteer-session"
	snapshotVersion = 1
)

// snapshotEnvelope is the on-disk shape: format metadata plus the full
// session aggregate, gzip-compressed as a whole.
type snapshotEnvelope struct {
	Format        string    `json:"format"`
	FormatVersion int       `json:"format_version"`
	SavedAt       time.Time `json:"saved_at"`
	Session       *Session  `json:"session"`
}

// CorruptionError marks a snapshot that cannot be loaded. The load fails in
// isolation: the snapshot bytes and any prior in-memory session are left
// untouched.
type CorruptionError struct {
	Reason string
	err    error
}

func (e *CorruptionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("corrupt snapshot: %s: %v", e.Reason, e.err)
	}
	return fmt.Sprintf("corrupt snapshot: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.err }

func corrupt(reason string, err error) *CorruptionError {
	return &CorruptionError{Reason: reason, err: err}
}

// Snapshot serializes the full session aggregate into a compressed,
// self-describing byte blob. Purely structural data; no handles.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	payload, err := json.Marshal(snapshotEnvelope{
		Format:        snapshotFormat,
		FormatVersion: snapshotVersion,
		SavedAt:       time.Now().UTC(),
		Session:       s,
	})
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reconstructs a session from snapshot bytes. The result is observably
// equal to the session that produced the snapshot. Any defect in the input
// surfaces as a CorruptionError.
func Load(data []byte) (*Session, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt("not a gzip stream", err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, corrupt("truncated gzip stream", err)
	}
	if err := zr.Close(); err != nil {
		return nil, corrupt("bad gzip checksum", err)
	}

	var probe struct {
		Format        string `json:"format"`
		FormatVersion int    `json:"format_version"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, corrupt("invalid envelope", err)
	}
	if probe.Format != snapshotFormat {
		return nil, corrupt(fmt.Sprintf("unrecognized format %q", probe.Format), nil)
	}
	if probe.FormatVersion != snapshotVersion {
		return nil, corrupt(fmt.Sprintf("unsupported format version %d", probe.FormatVersion), nil)
	}

	if err := validateSnapshot(payload); err != nil {
		return nil, err
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, corrupt("invalid session payload", err)
	}
	if env.Session == nil {
		return nil, corrupt("envelope has no session", nil)
	}

	sess := env.Session
	if sess.Hosts == nil {
		sess.Hosts = make(map[string]*HostRecord)
	}
	if sess.Unreachable == nil {
		sess.Unreachable = make(map[string]bool)
	}
	if sess.Failures == nil {
		sess.Failures = make(map[string]FailureContext)
	}
	return sess, nil
}

// SaveFile writes a snapshot to disk.
func (s *Session) SaveFile(path string) error {
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadFile reads a snapshot from disk.
func LoadFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Load(data)
}
