package repl

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ormasoftchile/piloteer/pkg/coordinator"
	"github.com/ormasoftchile/piloteer/pkg/session"
)

func replayShell(t *testing.T) (*REPL, *bytes.Buffer) {
	t.Helper()
	sess := session.New()
	sess.AppendTask(session.TaskRecord{Name: "Gather facts", Host: "web1"})
	sess.AppendTask(session.TaskRecord{Name: "Install nginx", Host: "web1", Changed: true})
	sess.AppendTask(session.TaskRecord{Name: "Install nginx", Host: "web2", Failed: true, Error: "No package found"})
	sess.SetFailure(session.FailureContext{Task: "Install nginx", Host: "web2", Error: "No package found"})

	coord := coordinator.NewReplay(sess, nil, nil, zerolog.Nop())
	r := New(coord)
	out := &bytes.Buffer{}
	r.out = out
	return r, out
}

// TestQueryDispatch verifies a plain line is evaluated as a query against
// the session view.
func TestQueryDispatch(t *testing.T) {
	r, out := replayShell(t)
	r.dispatch("count(task_history[?failed == true])")
	if got := strings.TrimSpace(out.String()); got != "1" {
		t.Errorf("output = %q, want 1", got)
	}
}

// TestQueryErrorReported verifies a bad expression prints an error instead
// of panicking or exiting.
func TestQueryErrorReported(t *testing.T) {
	r, out := replayShell(t)
	r.dispatch("task_history[")
	if !strings.Contains(out.String(), "error") {
		t.Errorf("output = %q, want error message", out.String())
	}
}

// TestControlRejectedInReplay verifies replay mode refuses control commands
// through the shell.
func TestControlRejectedInReplay(t *testing.T) {
	r, out := replayShell(t)
	r.dispatch("retry web2")
	if !strings.Contains(out.String(), "replay") {
		t.Errorf("output = %q, want replay-mode rejection", out.String())
	}
}

// TestFailuresListing verifies open failure contexts are shown.
func TestFailuresListing(t *testing.T) {
	r, out := replayShell(t)
	r.dispatch("failures")
	text := out.String()
	if !strings.Contains(text, "web2") || !strings.Contains(text, "No package found") {
		t.Errorf("output = %q", text)
	}
}

// TestHostsTable verifies the hosts table includes every host with its
// counters.
func TestHostsTable(t *testing.T) {
	r, out := replayShell(t)
	r.dispatch("hosts")
	text := out.String()
	if !strings.Contains(text, "web1") || !strings.Contains(text, "web2") {
		t.Errorf("output = %q", text)
	}
}

// TestFormatSwitching verifies the meta commands change the query output
// format.
func TestFormatSwitching(t *testing.T) {
	r, out := replayShell(t)
	r.dispatch(".yaml")
	out.Reset()
	r.dispatch(`task_history[0].{task: name}`)
	if !strings.Contains(out.String(), "task: Gather facts") {
		t.Errorf("yaml output = %q", out.String())
	}

	r.dispatch(".json")
	out.Reset()
	r.dispatch(`task_history[0].{task: name}`)
	if got := strings.TrimSpace(out.String()); got != `{"task":"Gather facts"}` {
		t.Errorf("json output = %q", got)
	}
}

// TestParseAssignments covers key=value parsing with JSON and string values.
func TestParseAssignments(t *testing.T) {
	vars, err := parseAssignments([]string{"port=8080", "name=nginx", "debug=true", `tags=["a","b"]`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if vars["port"] != 8080.0 {
		t.Errorf("port = %#v, want 8080", vars["port"])
	}
	if vars["name"] != "nginx" {
		t.Errorf("name = %#v", vars["name"])
	}
	if vars["debug"] != true {
		t.Errorf("debug = %#v", vars["debug"])
	}
	if tags, ok := vars["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %#v", vars["tags"])
	}

	if _, err := parseAssignments([]string{"noequals"}); err == nil {
		t.Error("expected error for malformed assignment")
	}
}

// TestFormatValue covers the three output formats.
func TestFormatValue(t *testing.T) {
	v := map[string]any{"host": "web1"}
	if got, _ := formatValue(v, "json"); got != `{"host":"web1"}` {
		t.Errorf("json = %q", got)
	}
	if got, _ := formatValue(v, "yaml"); got != "host: web1" {
		t.Errorf("yaml = %q", got)
	}
	if got, _ := formatValue(v, "pretty"); !strings.Contains(got, "\n") {
		t.Errorf("pretty = %q", got)
	}
}

// TestRenderTable verifies column alignment.
func TestRenderTable(t *testing.T) {
	got := renderTable([][]string{
		{"HOST", "STATUS"},
		{"a-very-long-host", "ok"},
		{"b", "failed"},
	})
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d", len(lines))
	}
	if !strings.Contains(lines[1], "a-very-long-host  ok") {
		t.Errorf("row = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "b                 ") {
		t.Errorf("row not padded: %q", lines[2])
	}
}
