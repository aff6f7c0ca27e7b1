// Package session holds the durable data model of a debugging session: the
// ordered task history, the host registry, the active failure contexts, the
// quota ledger, and the raw log lines. The execution coordinator is the only
// writer; the query engine and exporters read an immutable view.
package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HostStatus is the last observed state of a host in the batch.
type HostStatus string

const (
	HostOK          HostStatus = "ok"
	HostChanged     HostStatus = "changed"
	HostFailed      HostStatus = "failed"
	HostUnreachable HostStatus = "unreachable"
)

// TaskRecord is one completed task on one host. Records are immutable once
// appended; a retry appends a new record instead of mutating the old one.
// Analysis is the single exception: it is attached once when the advisory
// response for the failure arrives, and never mutated afterward.
type TaskRecord struct {
	Name     string          `json:"name"`
	Host     string          `json:"host"`
	Changed  bool            `json:"changed"`
	Failed   bool            `json:"failed"`
	Duration float64         `json:"duration"` // seconds
	Error    string          `json:"error,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
	Analysis *Analysis       `json:"analysis,omitempty"`
}

// HostRecord tracks one host across the run.
type HostRecord struct {
	Name    string     `json:"name"`
	Status  HostStatus `json:"status"`
	OK      int        `json:"ok_tasks"`
	Changed int        `json:"changed_tasks"`
	Failed  int        `json:"failed_tasks"`
}

// FailureContext is the currently unresolved failure for one host. It exists
// only while the coordinator is paused on that host and is cleared on
// resolution. Breakpoint marks a conditional-breakpoint pause rather than a
// real task failure.
type FailureContext struct {
	Task         string          `json:"task"`
	Host         string          `json:"host"`
	Error        string          `json:"error"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	CandidateFix map[string]any  `json:"candidate_fix,omitempty"`
	Breakpoint   bool            `json:"breakpoint,omitempty"`
}

// Analysis is an advisory-service verdict attached to a failed TaskRecord.
type Analysis struct {
	Model       string         `json:"model"`
	Explanation string         `json:"explanation"`
	Fix         map[string]any `json:"fix,omitempty"`
	Tokens      int            `json:"tokens"`
	Cost        float64        `json:"cost"`
}

// QuotaLedger carries the running token and cost counters gating advisory
// calls. Counters are monotone; they never decrease within a process
// lifetime.
type QuotaLedger struct {
	TokensUsed int      `json:"tokens_used"`
	CostUsed   float64  `json:"cost_used"`
	TokenLimit *int     `json:"token_limit,omitempty"`
	CostLimit  *float64 `json:"cost_limit,omitempty"`
}

// RecapCounts is a per-host tally from the final recap.
type RecapCounts struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failed"`
	Unreachable int `json:"unreachable"`
	Skipped     int `json:"skipped"`
}

// LogLine is one append-only session log entry.
type LogLine struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// maxLogLines bounds the in-memory log ring, matching the live view.
const maxLogLines = 1000

// Session is the root aggregate. All fields are exported for serialization;
// mutation goes through the accessor methods below, which the coordinator
// alone may call during a live run.
type Session struct {
	mu sync.Mutex

	ID          string                    `json:"id"`
	CreatedAt   time.Time                 `json:"created_at"`
	History     []TaskRecord              `json:"task_history"`
	Hosts       map[string]*HostRecord    `json:"hosts"`
	Unreachable map[string]bool           `json:"unreachable_hosts"`
	Failures    map[string]FailureContext `json:"failures,omitempty"`
	Logs        []LogLine                 `json:"logs"`
	Quota       QuotaLedger               `json:"quota"`
	Recap       map[string]RecapCounts    `json:"play_recap,omitempty"`
	Replay      bool                      `json:"replay,omitempty"`
}

// New creates an empty live session.
func New() *Session {
	return &Session{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		History:     []TaskRecord{},
		Hosts:       make(map[string]*HostRecord),
		Unreachable: make(map[string]bool),
		Failures:    make(map[string]FailureContext),
		Logs:        []LogLine{},
	}
}

// UnreachableHostError is returned when a successful record is appended for
// a host already marked unreachable. Unreachable is sticky for the rest of
// the run; such hosts only take failure markers.
type UnreachableHostError struct {
	Host string
}

func (e *UnreachableHostError) Error() string {
	return fmt.Sprintf("host %q is unreachable and cannot record a successful task", e.Host)
}

// AppendTask appends one task record and updates the host registry. History
// order is arrival order; callers never reorder.
func (s *Session) AppendTask(rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Unreachable[rec.Host] && !rec.Failed {
		return &UnreachableHostError{Host: rec.Host}
	}

	s.History = append(s.History, rec)

	h := s.host(rec.Host)
	switch {
	case rec.Failed:
		h.Failed++
		if h.Status != HostUnreachable {
			h.Status = HostFailed
		}
	case rec.Changed:
		h.Changed++
		h.Status = HostChanged
	default:
		h.OK++
		h.Status = HostOK
	}
	return nil
}

// MarkUnreachable adds a host to the sticky unreachable set and appends a
// synthetic failed record so the drop-out shows up in the history.
func (s *Session) MarkUnreachable(host, task, reason string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Unreachable[host] = true
	h := s.host(host)
	h.Status = HostUnreachable
	h.Failed++
	s.History = append(s.History, TaskRecord{
		Name:   task,
		Host:   host,
		Failed: true,
		Error:  reason,
		Raw:    raw,
	})
	s.appendLog("warn", fmt.Sprintf("host %s unreachable during task %q: %s", host, task, reason))
}

// EnterReplay marks the session as a loaded post-mortem copy. The flag is
// serialized, so a re-archived replay session stays identifiable.
func (s *Session) EnterReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Replay = true
}

// InReplay reports whether the session is a loaded post-mortem copy.
func (s *Session) InReplay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Replay
}

// IsUnreachable reports whether a host has dropped out of the run.
func (s *Session) IsUnreachable(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Unreachable[host]
}

// SetFailure records the unresolved failure for a host.
func (s *Session) SetFailure(fc FailureContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failures[fc.Host] = fc
}

// Failure returns the open failure context for a host, if any.
func (s *Session) Failure(host string) (FailureContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, ok := s.Failures[host]
	return fc, ok
}

// ClearFailure resolves the open failure for a host and reports whether one
// was present.
func (s *Session) ClearFailure(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Failures[host]; !ok {
		return false
	}
	delete(s.Failures, host)
	return true
}

// OpenFailures lists hosts with unresolved failures, sorted for stable
// operator output.
func (s *Session) OpenFailures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, 0, len(s.Failures))
	for h := range s.Failures {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

// StageFix stores a candidate variable fix on the open failure for a host.
func (s *Session) StageFix(host string, vars map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, ok := s.Failures[host]
	if !ok {
		return false
	}
	if fc.CandidateFix == nil {
		fc.CandidateFix = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		fc.CandidateFix[k] = v
	}
	s.Failures[host] = fc
	return true
}

// AttachAnalysis attaches an advisory verdict to the most recent failed
// record for the given host and task. Reports whether a record matched.
func (s *Session) AttachAnalysis(host, task string, a *Analysis) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.History) - 1; i >= 0; i-- {
		rec := &s.History[i]
		if rec.Host == host && rec.Name == task && rec.Failed && rec.Analysis == nil {
			rec.Analysis = a
			return true
		}
	}
	return false
}

// AppendLog appends one line to the session log ring.
func (s *Session) AppendLog(level, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLog(level, text)
}

func (s *Session) appendLog(level, text string) {
	s.Logs = append(s.Logs, LogLine{Time: time.Now().UTC(), Level: level, Text: text})
	if len(s.Logs) > maxLogLines {
		s.Logs = s.Logs[len(s.Logs)-maxLogLines:]
	}
}

// SetRecap stores the terminal per-host counts.
func (s *Session) SetRecap(stats map[string]RecapCounts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Recap = stats
}

// AddUsage bumps the quota counters. Counters only ever increase.
func (s *Session) AddUsage(tokens int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokens > 0 {
		s.Quota.TokensUsed += tokens
	}
	if cost > 0 {
		s.Quota.CostUsed += cost
	}
}

// Ledger returns a copy of the current quota ledger.
func (s *Session) Ledger() QuotaLedger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Quota
}

// View renders the session as a JSON-shaped value (maps, slices, float64,
// string, bool, nil) for the query engine. The lock is held only for the
// duration of the copy; the returned value is detached from the live store.
func (s *Session) View() (any, error) {
	s.mu.Lock()
	data, err := json.Marshal(s)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("marshal session view: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode session view: %w", err)
	}
	return v, nil
}

func (s *Session) host(name string) *HostRecord {
	h, ok := s.Hosts[name]
	if !ok {
		h = &HostRecord{Name: name, Status: HostOK}
		s.Hosts[name] = h
	}
	return h
}
