// Package protocol defines the wire messages exchanged between the
// controller and the executor adapter, and the codec that frames them.
package protocol

import "encoding/json"

// Version is the protocol version this build speaks. A peer declaring a
// different major version is rejected at handshake.
const Version = 1

// Message is the closed set of protocol messages. Implemented only by the
// types in this package; unknown type tags are rejected at decode time.
type Message interface {
	messageType() string
}

// Hello opens a connection. It must be the first message the executor sends.
type Hello struct {
	Secret  string `json:"secret"`
	Version int    `json:"version"`
}

// TaskStart announces that a task has begun on a host. No record is appended
// yet; it only moves the current-task pointer.
type TaskStart struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// TaskResult reports a completed task on one host.
type TaskResult struct {
	Name     string          `json:"name"`
	Host     string          `json:"host"`
	Changed  bool            `json:"changed"`
	Failed   bool            `json:"failed"`
	Duration float64         `json:"duration"` // seconds
	Error    string          `json:"error,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// TaskFail reports a task failure that requires operator resolution before
// the batch can advance. Raw carries the executor's structured result.
type TaskFail struct {
	Name string          `json:"name"`
	Host string          `json:"host"`
	Err  string          `json:"error"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// HostUnreachable reports that a host dropped out of the batch. Unlike
// TaskFail it never pauses the run; the batch proceeds without the host.
type HostUnreachable struct {
	Host   string          `json:"host"`
	Task   string          `json:"task"`
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// HostCounts is a per-host tally in the final recap.
type HostCounts struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failed"`
	Unreachable int `json:"unreachable"`
	Skipped     int `json:"skipped"`
}

// PlayRecap is the terminal message of a run.
type PlayRecap struct {
	Stats map[string]HostCounts `json:"stats"`
}

// Heartbeat is sent periodically by the executor so the controller can detect
// a dead transport.
type Heartbeat struct{}

// Command names the control operations an operator can issue.
type Command string

const (
	CmdRetry      Command = "retry"
	CmdContinue   Command = "continue"
	CmdEditVars   Command = "edit_vars"
	CmdAskAdvisor Command = "ask_advisor"
	CmdApplyFix   Command = "apply_fix"
)

// ControlCommand is a tagged operator instruction. Vars is set for
// edit_vars, and for retry when staged overrides accompany the retry.
// Host scopes the command when several hosts hold open failures.
type ControlCommand struct {
	Command Command        `json:"command"`
	Host    string         `json:"host,omitempty"`
	Vars    map[string]any `json:"vars,omitempty"`
}

// Control carries a ControlCommand. Outbound (controller to executor) it
// instructs the runner to retry or continue; it is never stored.
type Control struct {
	Cmd ControlCommand `json:"cmd"`
}

func (Hello) messageType() string           { return TypeHello }
func (TaskStart) messageType() string       { return TypeTaskStart }
func (TaskResult) messageType() string      { return TypeTaskResult }
func (TaskFail) messageType() string        { return TypeTaskFail }
func (HostUnreachable) messageType() string { return TypeHostUnreachable }
func (PlayRecap) messageType() string       { return TypePlayRecap }
func (Heartbeat) messageType() string       { return TypeHeartbeat }
func (Control) messageType() string         { return TypeControl }

// Wire type tags.
const (
	TypeHello           = "hello"
	TypeTaskStart       = "task_start"
	TypeTaskResult      = "task_result"
	TypeTaskFail        = "task_fail"
	TypeHostUnreachable = "host_unreachable"
	TypePlayRecap       = "play_recap"
	TypeHeartbeat       = "heartbeat"
	TypeControl         = "control"
)

// TypeOf returns the wire tag for a message.
func TypeOf(m Message) string { return m.messageType() }
