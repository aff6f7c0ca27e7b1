package session

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestAppendTaskOrdering verifies history keeps arrival order.
func TestAppendTaskOrdering(t *testing.T) {
	s := New()
	names := []string{"Gather facts", "Install nginx", "Copy config", "Restart service"}
	for i, name := range names {
		host := "web1"
		if i%2 == 1 {
			host = "web2"
		}
		if err := s.AppendTask(TaskRecord{Name: name, Host: host}); err != nil {
			t.Fatalf("append %q: %v", name, err)
		}
	}
	if len(s.History) != len(names) {
		t.Fatalf("history length %d, want %d", len(s.History), len(names))
	}
	for i, name := range names {
		if s.History[i].Name != name {
			t.Errorf("history[%d] = %q, want %q", i, s.History[i].Name, name)
		}
	}
}

// TestHostStatusTracking verifies the registry follows the last result but
// keeps cumulative counters.
func TestHostStatusTracking(t *testing.T) {
	s := New()
	s.AppendTask(TaskRecord{Name: "a", Host: "web1", Changed: true})
	s.AppendTask(TaskRecord{Name: "b", Host: "web1", Failed: true, Error: "boom"})
	s.AppendTask(TaskRecord{Name: "c", Host: "web1"})

	h := s.Hosts["web1"]
	if h == nil {
		t.Fatal("missing host record for web1")
	}
	if h.Status != HostOK {
		t.Errorf("status = %s, want ok after recovery", h.Status)
	}
	if h.OK != 1 || h.Changed != 1 || h.Failed != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1", h.OK, h.Changed, h.Failed)
	}
}

// TestUnreachableSticky verifies the unreachable invariant: once marked, a
// host accepts only failure markers.
func TestUnreachableSticky(t *testing.T) {
	s := New()
	s.AppendTask(TaskRecord{Name: "a", Host: "db1"})
	s.MarkUnreachable("db1", "Install postgres", "connection timed out", nil)

	if !s.IsUnreachable("db1") {
		t.Fatal("db1 should be unreachable")
	}
	if got := s.Hosts["db1"].Status; got != HostUnreachable {
		t.Errorf("status = %s, want unreachable", got)
	}

	// Synthetic failed record was appended.
	last := s.History[len(s.History)-1]
	if !last.Failed || last.Host != "db1" {
		t.Errorf("expected synthetic failed record for db1, got %+v", last)
	}

	// A success for an unreachable host is rejected.
	err := s.AppendTask(TaskRecord{Name: "b", Host: "db1"})
	var ue *UnreachableHostError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnreachableHostError, got %v", err)
	}

	// A failure marker is still accepted.
	if err := s.AppendTask(TaskRecord{Name: "b", Host: "db1", Failed: true}); err != nil {
		t.Errorf("failed marker for unreachable host rejected: %v", err)
	}
	for _, rec := range s.History {
		if rec.Host == "db1" && !rec.Failed && rec.Name != "a" {
			t.Errorf("unreachable host recorded a success: %+v", rec)
		}
	}
}

// TestFailureLifecycle verifies set/stage/clear on failure contexts.
func TestFailureLifecycle(t *testing.T) {
	s := New()
	s.SetFailure(FailureContext{Task: "Install nginx", Host: "web1", Error: "No package found"})
	s.SetFailure(FailureContext{Task: "Install nginx", Host: "web2", Error: "No package found"})

	if got := s.OpenFailures(); len(got) != 2 || got[0] != "web1" || got[1] != "web2" {
		t.Fatalf("open failures = %v, want [web1 web2]", got)
	}

	if !s.StageFix("web1", map[string]any{"nginx_version": "1.24"}) {
		t.Fatal("stage fix on open failure should succeed")
	}
	fc, ok := s.Failure("web1")
	if !ok || fc.CandidateFix["nginx_version"] != "1.24" {
		t.Errorf("candidate fix not staged: %+v", fc)
	}

	if !s.ClearFailure("web1") {
		t.Error("clear of open failure should report true")
	}
	if s.ClearFailure("web1") {
		t.Error("second clear should report false")
	}
	if got := s.OpenFailures(); len(got) != 1 || got[0] != "web2" {
		t.Errorf("open failures = %v, want [web2]", got)
	}
}

// TestAttachAnalysis verifies the verdict lands on the newest matching
// failed record and is attached at most once.
func TestAttachAnalysis(t *testing.T) {
	s := New()
	s.AppendTask(TaskRecord{Name: "Install nginx", Host: "web1", Failed: true, Error: "boom"})
	s.AppendTask(TaskRecord{Name: "Install nginx", Host: "web1", Failed: true, Error: "boom again"})

	a := &Analysis{Model: "gpt-4o", Explanation: "package repo misconfigured", Tokens: 120, Cost: 0.002}
	if !s.AttachAnalysis("web1", "Install nginx", a) {
		t.Fatal("attach should find the failed record")
	}
	if s.History[1].Analysis == nil {
		t.Error("analysis should attach to the newest matching record")
	}
	if s.History[0].Analysis != nil {
		t.Error("older record must stay untouched")
	}

	b := &Analysis{Model: "gpt-4o", Explanation: "second opinion"}
	if !s.AttachAnalysis("web1", "Install nginx", b) {
		t.Fatal("second attach should fall back to the older record")
	}
	if s.History[0].Analysis != b {
		t.Error("second analysis should land on the remaining bare record")
	}
}

// TestQuotaMonotone verifies ledger counters never decrease.
func TestQuotaMonotone(t *testing.T) {
	s := New()
	s.AddUsage(100, 0.01)
	s.AddUsage(-50, -1.0) // ignored
	s.AddUsage(25, 0.005)

	led := s.Ledger()
	if led.TokensUsed != 125 {
		t.Errorf("tokens_used = %d, want 125", led.TokensUsed)
	}
	if led.CostUsed != 0.015 {
		t.Errorf("cost_used = %v, want 0.015", led.CostUsed)
	}
}

// TestView verifies the query view is detached and JSON-shaped.
func TestView(t *testing.T) {
	s := New()
	s.AppendTask(TaskRecord{Name: "a", Host: "web1", Raw: json.RawMessage(`{"rc":0}`)})

	v, err := s.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	root, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("view root is %T, want map", v)
	}
	hist, ok := root["task_history"].([]any)
	if !ok || len(hist) != 1 {
		t.Fatalf("task_history missing from view: %v", root["task_history"])
	}

	// Mutating the live session must not affect the returned view.
	s.AppendTask(TaskRecord{Name: "b", Host: "web1"})
	if len(root["task_history"].([]any)) != 1 {
		t.Error("view should be detached from the live store")
	}
}
