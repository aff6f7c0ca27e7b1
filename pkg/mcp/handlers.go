package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/piloteer/pkg/config"
	"github.com/ormasoftchile/piloteer/pkg/query"
	"github.com/ormasoftchile/piloteer/pkg/session"
)

// HandleQuery implements the piloteer/query MCP tool.
func HandleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	input, _ := args["input"].(string)
	if input == "" {
		return errorResult("input argument is required"), nil
	}
	src, _ := args["query"].(string)
	if src == "" {
		return errorResult("query argument is required"), nil
	}

	sess, err := session.LoadFile(input)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	doc, err := sess.View()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	result, err := query.Search(src, doc)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleStatus implements the piloteer/status MCP tool.
func HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	input, _ := args["input"].(string)
	if input == "" {
		return errorResult("input argument is required"), nil
	}

	sess, err := session.LoadFile(input)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(summarize(sess)), nil
}

// HandleSessions implements the piloteer/sessions MCP tool.
func HandleSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	dir, _ := args["dir"].(string)
	if dir == "" {
		dir = config.Default().SessionDir
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json.gz") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return textResult(fmt.Sprintf("no session snapshots in %s", dir)), nil
	}
	// Snapshot names embed the creation timestamp, so reverse
	// lexicographic order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return textResult(strings.Join(names, "\n")), nil
}

// HandleInspect implements the piloteer/inspect MCP tool.
func HandleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	input, _ := args["input"].(string)
	if input == "" {
		return errorResult("input argument is required"), nil
	}
	host, _ := args["host"].(string)
	if host == "" {
		return errorResult("host argument is required"), nil
	}

	sess, err := session.LoadFile(input)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	rec, ok := sess.Hosts[host]
	if !ok {
		return errorResult(fmt.Sprintf("host %q not found in session %s", host, sess.ID)), nil
	}

	var tasks []session.TaskRecord
	for _, t := range sess.History {
		if t.Host == host {
			tasks = append(tasks, t)
		}
	}
	report := struct {
		Host        *session.HostRecord     `json:"host"`
		Unreachable bool                    `json:"unreachable"`
		Tasks       []session.TaskRecord    `json:"tasks"`
		Failure     *session.FailureContext `json:"failure,omitempty"`
	}{
		Host:        rec,
		Unreachable: sess.IsUnreachable(host),
		Tasks:       tasks,
	}
	if fc, ok := sess.Failure(host); ok {
		report.Failure = &fc
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleSchema implements the piloteer/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := session.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// summarize renders the short status report for a loaded snapshot.
func summarize(sess *session.Session) string {
	var ok, changed, failed int
	for _, t := range sess.History {
		switch {
		case t.Failed:
			failed++
		case t.Changed:
			changed++
		default:
			ok++
		}
	}

	var unreachable []string
	for h, u := range sess.Unreachable {
		if u {
			unreachable = append(unreachable, h)
		}
	}
	sort.Strings(unreachable)

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", sess.ID)
	fmt.Fprintf(&b, "Created: %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "Hosts:   %d\n", len(sess.Hosts))
	fmt.Fprintf(&b, "Tasks:   %d (%d ok, %d changed, %d failed)\n", len(sess.History), ok, changed, failed)
	if len(unreachable) > 0 {
		fmt.Fprintf(&b, "Unreachable: %s\n", strings.Join(unreachable, ", "))
	}
	if open := sess.OpenFailures(); len(open) > 0 {
		fmt.Fprintf(&b, "Open failures: %s\n", strings.Join(open, ", "))
	}
	fmt.Fprintf(&b, "Quota:   %d tokens, $%.4f\n", sess.Quota.TokensUsed, sess.Quota.CostUsed)
	fmt.Fprintf(&b, "Logs:    %d lines", len(sess.Logs))
	return b.String()
}

// SnapshotName builds the archive file name for a session, embedding the
// creation timestamp so directory listings sort chronologically.
func SnapshotName(sess *session.Session) string {
	return fmt.Sprintf("%s-%s.json.gz", sess.CreatedAt.Format("20060102T150405Z"), sess.ID)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
