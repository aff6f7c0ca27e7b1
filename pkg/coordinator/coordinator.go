// Package coordinator drives the execution state machine. A single event
// loop multiplexes inbound transport events, operator control commands and
// advisory-call completions; it is the only writer to the session store.
//
// States: RUNNING while the executor streams results, FROZEN while one or
// more hosts hold an unresolved failure, DISCONNECTED while the transport is
// down, and REPLAY for a read-only session loaded from a snapshot. A frozen
// batch releases only when every host with an open failure has been resolved
// by Retry or Continue.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/ormasoftchile/piloteer/pkg/advisor"
	"github.com/ormasoftchile/piloteer/pkg/protocol"
	"github.com/ormasoftchile/piloteer/pkg/quota"
	"github.com/ormasoftchile/piloteer/pkg/session"
	"github.com/ormasoftchile/piloteer/pkg/transport"
)

// State is the coordinator's control state.
type State string

const (
	StateRunning      State = "running"
	StateFrozen       State = "frozen"
	StateDisconnected State = "disconnected"
	StateReplay       State = "replay"
)

// Transport is the outbound side of the wire, satisfied by
// *transport.Supervisor.
type Transport interface {
	Send(protocol.Message) error
}

// Quota gates advisory calls, satisfied by *quota.Tracker.
type Quota interface {
	Check(estimatedTokens int) error
	Add(tokens int, model string) error
}

const defaultEstimateTokens = 1500

// Config wires a live coordinator.
type Config struct {
	Session   *session.Session
	Events    <-chan transport.Event
	Transport Transport
	Advisor   advisor.Advisor
	Quota     Quota

	// Breakpoint, when non-empty, freezes the run after any completed task
	// for which the expression is true. The environment exposes name, host,
	// changed, failed, duration and error.
	Breakpoint string

	// EstimateTokens is the per-call estimate the quota gate charges against
	// before dispatching an advisory request.
	EstimateTokens int

	Logger zerolog.Logger
}

type advisoryResult struct {
	host     string
	task     string
	gen      int
	analysis *advisor.Analysis
	err      error
}

type pendingAdvisory struct {
	cancel context.CancelFunc
	gen    int
}

// Coordinator owns the session for the duration of a run. All handlers
// execute on the Run goroutine; State and CurrentTask are the only
// cross-goroutine reads.
type Coordinator struct {
	cfg        Config
	breakpoint *vm.Program

	controls   chan protocol.ControlCommand
	advisories chan advisoryResult

	mu      sync.RWMutex
	state   State
	prev    State
	current string

	staged  map[string]map[string]any
	pending map[string]pendingAdvisory
	gen     int
}

// New builds a live coordinator. The session starts DISCONNECTED; the first
// valid handshake moves it to RUNNING.
func New(cfg Config) (*Coordinator, error) {
	if cfg.EstimateTokens == 0 {
		cfg.EstimateTokens = defaultEstimateTokens
	}
	c := &Coordinator{
		cfg:        cfg,
		controls:   make(chan protocol.ControlCommand, 16),
		advisories: make(chan advisoryResult, 16),
		state:      StateDisconnected,
		prev:       StateRunning,
		staged:     make(map[string]map[string]any),
		pending:    make(map[string]pendingAdvisory),
	}
	if cfg.Breakpoint != "" {
		program, err := expr.Compile(cfg.Breakpoint, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile breakpoint %q: %w", cfg.Breakpoint, err)
		}
		c.breakpoint = program
	}
	return c, nil
}

// NewReplay wraps a session loaded from a snapshot. Transport events never
// arrive and every control except AskAdvisor is rejected at Submit.
func NewReplay(sess *session.Session, adv advisor.Advisor, q Quota, logger zerolog.Logger) *Coordinator {
	sess.EnterReplay()
	return &Coordinator{
		cfg:        Config{Session: sess, Advisor: adv, Quota: q, EstimateTokens: defaultEstimateTokens, Logger: logger},
		controls:   make(chan protocol.ControlCommand, 16),
		advisories: make(chan advisoryResult, 16),
		state:      StateReplay,
		prev:       StateReplay,
		staged:     make(map[string]map[string]any),
		pending:    make(map[string]pendingAdvisory),
	}
}

// State returns the current control state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentTask returns the name of the task the executor last announced.
func (c *Coordinator) CurrentTask() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Session exposes the store for read-only consumers (query, REPL, export).
func (c *Coordinator) Session() *session.Session { return c.cfg.Session }

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Submit queues an operator command for the event loop. In replay mode only
// AskAdvisor is accepted.
func (c *Coordinator) Submit(cmd protocol.ControlCommand) error {
	if c.State() == StateReplay && cmd.Command != protocol.CmdAskAdvisor {
		return fmt.Errorf("%s is not available in replay mode", cmd.Command)
	}
	select {
	case c.controls <- cmd:
		return nil
	default:
		return errors.New("control queue is full")
	}
}

// Run is the event loop. It returns when the context is cancelled or the
// transport event stream closes.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.cancelAllAdvisories()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.cfg.Events:
			if !ok {
				return nil
			}
			c.handleTransport(ev)
		case cmd := <-c.controls:
			c.handleControl(ctx, cmd)
		case res := <-c.advisories:
			c.handleAdvisory(res)
		}
	}
}

func (c *Coordinator) handleTransport(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Connected:
		c.mu.Lock()
		c.state = c.prev
		restored := c.state
		c.mu.Unlock()
		c.cfg.Logger.Info().Str("remote", ev.RemoteAddr).Str("state", string(restored)).Msg("executor attached")
		c.cfg.Session.AppendLog("info", "executor connected from "+ev.RemoteAddr)
	case transport.Disconnected:
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.prev = c.state
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.cfg.Logger.Warn().Err(ev.Reason).Msg("transport lost, session preserved")
		c.cfg.Session.AppendLog("warn", "executor disconnected: "+ev.Reason.Error())
	case transport.Received:
		c.handleMessage(ev.Msg)
	}
}

func (c *Coordinator) handleMessage(msg protocol.Message) {
	sess := c.cfg.Session
	switch m := msg.(type) {
	case *protocol.TaskStart:
		c.mu.Lock()
		c.current = m.Name
		c.mu.Unlock()
		c.cfg.Logger.Debug().Str("task", m.Name).Str("host", m.Host).Msg("task started")

	case *protocol.TaskResult:
		rec := session.TaskRecord{
			Name:     m.Name,
			Host:     m.Host,
			Changed:  m.Changed,
			Failed:   m.Failed,
			Duration: m.Duration,
			Error:    m.Error,
			Raw:      m.Raw,
		}
		if err := sess.AppendTask(rec); err != nil {
			var ue *session.UnreachableHostError
			if errors.As(err, &ue) {
				// An unreachable host only accepts failure markers.
				rec.Failed = true
				if rec.Error == "" {
					rec.Error = "result ignored: host is unreachable"
				}
				sess.AppendTask(rec)
			} else {
				c.cfg.Logger.Error().Err(err).Str("host", m.Host).Msg("dropping task result")
			}
			return
		}
		c.checkBreakpoint(rec)

	case *protocol.TaskFail:
		rec := session.TaskRecord{Name: m.Name, Host: m.Host, Failed: true, Error: m.Err, Raw: m.Raw}
		if err := sess.AppendTask(rec); err != nil {
			c.cfg.Logger.Error().Err(err).Str("host", m.Host).Msg("dropping task failure")
			return
		}
		sess.SetFailure(session.FailureContext{Task: m.Name, Host: m.Host, Error: m.Err, Raw: m.Raw})
		// A newer failure supersedes any advisory still running for the host.
		c.cancelAdvisory(m.Host)
		c.setState(StateFrozen)
		c.cfg.Logger.Warn().Str("task", m.Name).Str("host", m.Host).Str("error", m.Err).Msg("task failed, run frozen")
		sess.AppendLog("warn", fmt.Sprintf("task %q failed on %s: %s", m.Name, m.Host, m.Err))

	case *protocol.HostUnreachable:
		sess.MarkUnreachable(m.Host, m.Task, m.Reason, m.Raw)
		c.cfg.Logger.Warn().Str("host", m.Host).Str("reason", m.Reason).Msg("host unreachable, batch proceeds without it")

	case *protocol.PlayRecap:
		stats := make(map[string]session.RecapCounts, len(m.Stats))
		for host, counts := range m.Stats {
			stats[host] = session.RecapCounts{
				OK:          counts.OK,
				Changed:     counts.Changed,
				Failed:      counts.Failed,
				Unreachable: counts.Unreachable,
				Skipped:     counts.Skipped,
			}
		}
		sess.SetRecap(stats)
		c.cfg.Logger.Info().Int("hosts", len(stats)).Msg("run complete")
		sess.AppendLog("info", "play recap received, run complete")

	case *protocol.Heartbeat:
		// Keepalive only; the transport already consumed its effect.

	default:
		c.cfg.Logger.Warn().Str("type", protocol.TypeOf(msg)).Msg("ignoring unexpected message")
	}
}

func (c *Coordinator) handleControl(ctx context.Context, cmd protocol.ControlCommand) {
	sess := c.cfg.Session
	switch cmd.Command {
	case protocol.CmdContinue:
		host, err := c.targetHost(cmd.Host)
		if err != nil {
			c.reportControlError(err)
			return
		}
		if _, ok := sess.Failure(host); !ok {
			c.reportControlError(fmt.Errorf("no open failure for host %s", host))
			return
		}
		if err := c.send(protocol.ControlCommand{Command: protocol.CmdContinue, Host: host}); err != nil {
			// Keep the failure open; the executor is still paused.
			c.reportControlError(fmt.Errorf("continue for %s not delivered: %w", host, err))
			return
		}
		sess.ClearFailure(host)
		delete(c.staged, host)
		sess.AppendLog("info", "failure on "+host+" accepted, continuing")
		c.releaseIfResolved()

	case protocol.CmdRetry:
		c.retry(cmd.Host, cmd.Vars)

	case protocol.CmdEditVars:
		host, err := c.targetHost(cmd.Host)
		if err != nil {
			c.reportControlError(err)
			return
		}
		if len(cmd.Vars) == 0 {
			c.reportControlError(errors.New("edit_vars requires at least one variable"))
			return
		}
		c.stageVars(host, cmd.Vars)
		sess.StageFix(host, c.staged[host])
		sess.AppendLog("info", fmt.Sprintf("staged %d variable override(s) for %s", len(cmd.Vars), host))

	case protocol.CmdAskAdvisor:
		c.askAdvisor(ctx, cmd.Host)

	case protocol.CmdApplyFix:
		host, err := c.targetHost(cmd.Host)
		if err != nil {
			c.reportControlError(err)
			return
		}
		fc, ok := sess.Failure(host)
		if !ok || len(fc.CandidateFix) == 0 {
			c.reportControlError(fmt.Errorf("no candidate fix staged for host %s", host))
			return
		}
		c.retry(host, fc.CandidateFix)

	default:
		c.reportControlError(fmt.Errorf("unknown control command %q", cmd.Command))
	}
}

// retry clears the failure optimistically and instructs the executor to run
// the task again, carrying any staged variable overrides.
func (c *Coordinator) retry(host string, vars map[string]any) {
	sess := c.cfg.Session
	target, err := c.targetHost(host)
	if err != nil {
		c.reportControlError(err)
		return
	}
	if _, ok := sess.Failure(target); !ok {
		c.reportControlError(fmt.Errorf("no open failure for host %s", target))
		return
	}
	c.stageVars(target, vars)
	out := protocol.ControlCommand{Command: protocol.CmdRetry, Host: target, Vars: c.staged[target]}
	if err := c.send(out); err != nil {
		// Keep the failure open; the retry never reached the executor.
		c.reportControlError(fmt.Errorf("retry for %s not delivered: %w", target, err))
		return
	}
	sess.ClearFailure(target)
	delete(c.staged, target)
	sess.AppendLog("info", "retry issued for "+target)
	c.releaseIfResolved()
}

// releaseIfResolved moves FROZEN back to RUNNING once no host holds an open
// failure. Until then the state stays FROZEN with a reduced outstanding set.
func (c *Coordinator) releaseIfResolved() {
	if c.State() != StateFrozen {
		return
	}
	if open := c.cfg.Session.OpenFailures(); len(open) > 0 {
		c.cfg.Logger.Info().Strs("outstanding", open).Msg("batch still frozen")
		return
	}
	c.setState(StateRunning)
	c.cfg.Logger.Info().Msg("all failures resolved, batch released")
	c.cfg.Session.AppendLog("info", "all failures resolved, batch released")
}

// askAdvisor runs the quota gate synchronously, then dispatches the advisory
// call in the background. Its completion re-enters the loop as an event; a
// denied quota leaves the pause state untouched.
func (c *Coordinator) askAdvisor(ctx context.Context, host string) {
	sess := c.cfg.Session
	target, err := c.targetHost(host)
	if err != nil {
		c.reportControlError(err)
		return
	}
	fc, ok := sess.Failure(target)
	if !ok {
		c.reportControlError(fmt.Errorf("no open failure for host %s", target))
		return
	}
	if c.cfg.Advisor == nil {
		c.reportControlError(errors.New("no advisory service configured"))
		return
	}
	if err := c.cfg.Quota.Check(c.cfg.EstimateTokens); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("advisory call denied")
		sess.AppendLog("warn", "advisory call denied: "+err.Error())
		return
	}

	c.cancelAdvisory(target)
	c.gen++
	gen := c.gen
	actx, cancel := context.WithCancel(ctx)
	c.pending[target] = pendingAdvisory{cancel: cancel, gen: gen}

	req := advisor.Request{Task: fc.Task, Host: target, Error: fc.Error, Vars: c.staged[target]}
	if len(fc.Raw) > 0 {
		var facts map[string]any
		if json.Unmarshal(fc.Raw, &facts) == nil {
			req.Facts = facts
		}
	}
	sess.AppendLog("info", "advisory analysis requested for "+target)
	go func() {
		analysis, err := c.cfg.Advisor.Analyze(actx, req)
		select {
		case c.advisories <- advisoryResult{host: target, task: fc.Task, gen: gen, analysis: analysis, err: err}:
		case <-actx.Done():
		}
	}()
}

func (c *Coordinator) handleAdvisory(res advisoryResult) {
	p, ok := c.pending[res.host]
	if !ok || p.gen != res.gen {
		c.cfg.Logger.Debug().Str("host", res.host).Msg("discarding stale advisory result")
		return
	}
	p.cancel()
	delete(c.pending, res.host)

	sess := c.cfg.Session
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}
		c.cfg.Logger.Warn().Err(res.err).Str("host", res.host).Msg("advisory call failed")
		sess.AppendLog("warn", "advisory call failed: "+res.err.Error())
		return
	}

	a := res.analysis
	cost := quota.Cost(a.Tokens, a.Model)
	if err := c.cfg.Quota.Add(a.Tokens, a.Model); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("recording advisory usage")
	}
	sess.AddUsage(a.Tokens, cost)
	sess.AttachAnalysis(res.host, res.task, &session.Analysis{
		Model:       a.Model,
		Explanation: a.Explanation,
		Fix:         a.Fix,
		Tokens:      a.Tokens,
		Cost:        cost,
	})
	if len(a.Fix) > 0 {
		sess.StageFix(res.host, a.Fix)
		c.stageVars(res.host, a.Fix)
	}
	c.cfg.Logger.Info().Str("host", res.host).Int("tokens", a.Tokens).Bool("fix", len(a.Fix) > 0).Msg("advisory analysis attached")
	sess.AppendLog("info", "advisory analysis attached for "+res.host)
}

// checkBreakpoint freezes the run when the configured expression is true
// for a completed task.
func (c *Coordinator) checkBreakpoint(rec session.TaskRecord) {
	if c.breakpoint == nil || c.State() != StateRunning {
		return
	}
	env := map[string]any{
		"name":     rec.Name,
		"host":     rec.Host,
		"changed":  rec.Changed,
		"failed":   rec.Failed,
		"duration": rec.Duration,
		"error":    rec.Error,
	}
	out, err := expr.Run(c.breakpoint, env)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("breakpoint expression failed")
		return
	}
	hit, _ := out.(bool)
	if !hit {
		return
	}
	c.cfg.Session.SetFailure(session.FailureContext{
		Task:       rec.Name,
		Host:       rec.Host,
		Error:      "breakpoint: " + c.cfg.Breakpoint,
		Breakpoint: true,
	})
	c.setState(StateFrozen)
	c.cfg.Logger.Warn().Str("task", rec.Name).Str("host", rec.Host).Str("condition", c.cfg.Breakpoint).Msg("breakpoint hit, run frozen")
	c.cfg.Session.AppendLog("warn", fmt.Sprintf("breakpoint hit after %q on %s", rec.Name, rec.Host))
}

// targetHost resolves which host a control command addresses. With exactly
// one open failure the host may be omitted.
func (c *Coordinator) targetHost(host string) (string, error) {
	if host != "" {
		return host, nil
	}
	open := c.cfg.Session.OpenFailures()
	switch len(open) {
	case 0:
		return "", errors.New("no open failures")
	case 1:
		return open[0], nil
	default:
		return "", fmt.Errorf("multiple hosts have open failures (%v), specify one", open)
	}
}

func (c *Coordinator) stageVars(host string, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	staged := c.staged[host]
	if staged == nil {
		staged = make(map[string]any, len(vars))
		c.staged[host] = staged
	}
	for k, v := range vars {
		staged[k] = v
	}
}

func (c *Coordinator) send(cmd protocol.ControlCommand) error {
	if c.cfg.Transport == nil {
		return errors.New("no transport attached")
	}
	if err := c.cfg.Transport.Send(&protocol.Control{Cmd: cmd}); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("command", string(cmd.Command)).Msg("outbound control not delivered")
		return err
	}
	return nil
}

func (c *Coordinator) reportControlError(err error) {
	c.cfg.Logger.Warn().Err(err).Msg("control command rejected")
	c.cfg.Session.AppendLog("warn", "control rejected: "+err.Error())
}

func (c *Coordinator) cancelAdvisory(host string) {
	if p, ok := c.pending[host]; ok {
		p.cancel()
		delete(c.pending, host)
	}
}

func (c *Coordinator) cancelAllAdvisories() {
	for host, p := range c.pending {
		p.cancel()
		delete(c.pending, host)
	}
}
