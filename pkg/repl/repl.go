// Package repl implements the interactive operator shell. One loop serves
// both roles: control commands (retry, continue, vars, ask, fix) drive the
// coordinator during a live run, and everything else is evaluated as a query
// expression against the session. Replay sessions get the same shell with
// control commands disabled by the coordinator.
package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/mattn/go-runewidth"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/piloteer/pkg/coordinator"
	"github.com/ormasoftchile/piloteer/pkg/protocol"
	"github.com/ormasoftchile/piloteer/pkg/query"
	"github.com/ormasoftchile/piloteer/pkg/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// REPL is the interactive shell around one coordinator.
type REPL struct {
	coord  *coordinator.Coordinator
	sess   *session.Session
	out    io.Writer
	format string
}

// New builds a shell for a live or replay coordinator.
func New(coord *coordinator.Coordinator) *REPL {
	return &REPL{
		coord:  coord,
		sess:   coord.Session(),
		out:    os.Stdout,
		format: "pretty",
	}
}

// Run reads and dispatches lines until exit or EOF.
func (r *REPL) Run(ctx context.Context) error {
	commands := []string{"retry", "continue", "vars", "ask", "fix", "status",
		"hosts", "failures", "save", ".json", ".pretty", ".yaml", ".templates", ".help", ".exit"}

	completer := readline.NewPrefixCompleter()
	for _, cmd := range commands {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          r.prompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(r.out, "piloteer session %s. Type '.help' for commands; anything else is a query.\n\n", r.sess.ID)

	for {
		if ctx.Err() != nil {
			return nil
		}
		rl.SetPrompt(r.prompt())
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == ".exit" || line == ".quit" {
			return nil
		}
		r.dispatch(line)
	}
}

// prompt renders the control state into the prompt, e.g. piloteer[frozen]>.
func (r *REPL) prompt() string {
	state := string(r.coord.State())
	styled := state
	switch coordinator.State(state) {
	case coordinator.StateFrozen:
		styled = errorStyle.Render(state)
	case coordinator.StateRunning:
		styled = okStyle.Render(state)
	case coordinator.StateDisconnected:
		styled = warnStyle.Render(state)
	default:
		styled = dimStyle.Render(state)
	}
	return fmt.Sprintf("piloteer[%s]> ", styled)
}

func (r *REPL) dispatch(line string) {
	if strings.HasPrefix(line, ".") {
		r.handleMeta(line)
		return
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "retry":
		r.control(protocol.ControlCommand{Command: protocol.CmdRetry, Host: argHost(parts)})
	case "continue", "c":
		r.control(protocol.ControlCommand{Command: protocol.CmdContinue, Host: argHost(parts)})
	case "ask":
		r.control(protocol.ControlCommand{Command: protocol.CmdAskAdvisor, Host: argHost(parts)})
	case "fix":
		r.control(protocol.ControlCommand{Command: protocol.CmdApplyFix, Host: argHost(parts)})
	case "vars":
		r.handleVars(parts[1:])
	case "status":
		r.handleStatus()
	case "hosts":
		r.handleHosts()
	case "failures":
		r.handleFailures()
	case "save":
		r.handleSave(parts[1:])
	default:
		r.handleQuery(line)
	}
}

func argHost(parts []string) string {
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

func (r *REPL) control(cmd protocol.ControlCommand) {
	if err := r.coord.Submit(cmd); err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	fmt.Fprintf(r.out, "%s submitted\n", cmd.Command)
}

// handleVars parses `vars <host> key=value ...` and stages the overrides.
// Values are decoded as JSON when possible, otherwise taken as strings.
func (r *REPL) handleVars(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(r.out, errorStyle.Render("usage: vars <host> key=value [key=value ...]"))
		return
	}
	vars, err := parseAssignments(args[1:])
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	r.control(protocol.ControlCommand{Command: protocol.CmdEditVars, Host: args[0], Vars: vars})
}

func parseAssignments(args []string) (map[string]any, error) {
	vars := make(map[string]any, len(args))
	for _, a := range args {
		key, raw, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}

func (r *REPL) handleStatus() {
	ledger := r.sess.Ledger()
	rows := [][2]string{
		{"state", string(r.coord.State())},
		{"current task", orDash(r.coord.CurrentTask())},
		{"open failures", strings.Join(r.sess.OpenFailures(), ", ")},
		{"tokens used", fmt.Sprintf("%d%s", ledger.TokensUsed, limitSuffix(ledger.TokenLimit))},
		{"cost used", fmt.Sprintf("$%.4f%s", ledger.CostUsed, costSuffix(ledger.CostLimit))},
	}
	fmt.Fprint(r.out, renderPairs(rows))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func limitSuffix(limit *int) string {
	if limit == nil {
		return ""
	}
	return fmt.Sprintf(" / %d", *limit)
}

func costSuffix(limit *float64) string {
	if limit == nil {
		return ""
	}
	return fmt.Sprintf(" / $%.2f", *limit)
}

func (r *REPL) handleHosts() {
	v, err := r.sess.View()
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	hosts, _ := v.(map[string]any)["hosts"].(map[string]any)
	if len(hosts) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no hosts yet"))
		return
	}
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	table := [][]string{{"HOST", "STATUS", "OK", "CHANGED", "FAILED"}}
	for _, name := range names {
		h := hosts[name].(map[string]any)
		table = append(table, []string{
			name,
			fmt.Sprint(h["status"]),
			fmt.Sprint(h["ok_tasks"]),
			fmt.Sprint(h["changed_tasks"]),
			fmt.Sprint(h["failed_tasks"]),
		})
	}
	fmt.Fprint(r.out, renderTable(table))
}

func (r *REPL) handleFailures() {
	open := r.sess.OpenFailures()
	if len(open) == 0 {
		fmt.Fprintln(r.out, okStyle.Render("no open failures"))
		return
	}
	for _, host := range open {
		fc, _ := r.sess.Failure(host)
		fmt.Fprintf(r.out, "%s %s\n", headerStyle.Render(host+":"), fc.Task)
		fmt.Fprintf(r.out, "  %s\n", errorStyle.Render(fc.Error))
		if len(fc.CandidateFix) > 0 {
			fix, _ := json.Marshal(fc.CandidateFix)
			fmt.Fprintf(r.out, "  candidate fix: %s\n", fix)
		}
	}
}

func (r *REPL) handleSave(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.out, errorStyle.Render("usage: save <path>"))
		return
	}
	if err := r.sess.SaveFile(args[0]); err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	fmt.Fprintf(r.out, "snapshot written to %s\n", args[0])
}

func (r *REPL) handleQuery(line string) {
	doc, err := r.sess.View()
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	result, err := query.Search(line, doc)
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	text, err := formatValue(result, r.format)
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
		return
	}
	fmt.Fprintln(r.out, text)
}

// formatValue renders a query result in the selected output format.
func formatValue(v any, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.Marshal(v)
		return string(data), err
	case "yaml":
		data, err := yaml.Marshal(v)
		return strings.TrimRight(string(data), "\n"), err
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		return string(data), err
	}
}

func (r *REPL) handleMeta(line string) {
	switch line {
	case ".json":
		r.format = "json"
		fmt.Fprintln(r.out, "output format set to compact JSON")
	case ".pretty", ".pretty-json":
		r.format = "pretty"
		fmt.Fprintln(r.out, "output format set to pretty JSON")
	case ".yaml":
		r.format = "yaml"
		fmt.Fprintln(r.out, "output format set to YAML")
	case ".templates":
		fmt.Fprint(r.out, templatesText)
	case ".help":
		fmt.Fprint(r.out, helpText)
	default:
		fmt.Fprintf(r.out, "unknown command: %s\n", line)
	}
}

const helpText = `Control commands:
  retry [host]           Re-run the failed task, with staged variables
  continue [host]        Accept the failure and move on
  vars <host> k=v ...    Stage variable overrides for the next retry
  ask [host]             Request an advisory analysis of the failure
  fix [host]             Retry with the advisory's suggested fix
  status                 Show state, current task and quota
  hosts                  Show per-host task counters
  failures               Show open failure contexts
  save <path>            Write a session snapshot

Shell commands:
  .json / .pretty / .yaml   Select query output format
  .templates                Show example query expressions
  .help                     Show this help
  .exit                     Leave the shell

Anything else is evaluated as a query expression against the session.
Functions: count, sum, avg, min, max, unique, group_by(arr, &expr),
replace, split, matches.
`

const templatesText = `Query templates:

1. Failed tasks:
   task_history[?failed == ` + "`true`" + `]

2. Changed hosts:
   task_history[?changed == ` + "`true`" + `].host | unique(@)

3. Task execution count:
   count(task_history[*])

4. Failed tasks by host:
   group_by(task_history[?failed == ` + "`true`" + `], &host)

5. Tasks with errors:
   task_history[?error != null].{name: name, error: error}

6. Quota ledger:
   quota
`

// renderPairs lays out label/value rows with the labels padded to one width.
func renderPairs(rows [][2]string) string {
	width := 0
	for _, row := range rows {
		if w := runewidth.StringWidth(row[0]); w > width {
			width = w
		}
	}
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString(runewidth.FillRight(row[0], width))
		sb.WriteString("  ")
		sb.WriteString(row[1])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// renderTable pads each column to its widest cell. The first row is the
// header.
func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var sb strings.Builder
	for ri, row := range rows {
		for i, cell := range row {
			if i > 0 {
				sb.WriteString("  ")
			}
			text := runewidth.FillRight(cell, widths[i])
			if ri == 0 {
				text = headerStyle.Render(text)
			}
			sb.WriteString(text)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
