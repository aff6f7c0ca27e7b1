// Package quota enforces token and cost ceilings on advisory calls. A
// Tracker keeps daily counters that reset at the UTC day boundary plus
// all-time totals, persists them as JSON, and answers the one question the
// coordinator asks before dispatching an advisory request: is there budget
// left.
package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/piloteer/pkg/session"
)

// Limits are the optional daily ceilings. A nil field means unlimited.
type Limits struct {
	Tokens  *int     `json:"tokens,omitempty"`
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// ExceededError reports a quota denial. The advisory call it would have
// gated is never dispatched.
type ExceededError struct {
	Kind  string // "tokens" or "cost"
	Used  float64
	Limit float64
}

func (e *ExceededError) Error() string {
	if e.Kind == "tokens" {
		return fmt.Sprintf("daily token quota exceeded (%.0f / %.0f)", e.Used, e.Limit)
	}
	return fmt.Sprintf("daily cost quota exceeded ($%.2f / $%.2f)", e.Used, e.Limit)
}

// ledgerState is the persisted shape of the tracker.
type ledgerState struct {
	TokensToday    int       `json:"tokens_today"`
	CostTodayUSD   float64   `json:"cost_today_usd"`
	LastReset      time.Time `json:"last_reset"`
	TokensAllTime  int       `json:"tokens_all_time"`
	CostAllTimeUSD float64   `json:"cost_all_time_usd"`
}

// Tracker is safe for concurrent use. Counters only ever grow within a day;
// the daily pair resets when the UTC date of LastReset differs from now.
type Tracker struct {
	mu     sync.Mutex
	path   string
	limits Limits
	state  ledgerState
	now    func() time.Time
}

// Load reads the tracker state from path, starting fresh if the file does
// not exist yet. The daily counters are reset immediately if the stored
// LastReset falls on an earlier UTC day.
func Load(path string, limits Limits) (*Tracker, error) {
	t := &Tracker{
		path:   path,
		limits: limits,
		state:  ledgerState{LastReset: time.Now().UTC()},
		now:    func() time.Time { return time.Now().UTC() },
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading quota file: %w", err)
	}
	if err := json.Unmarshal(data, &t.state); err != nil {
		return nil, fmt.Errorf("parsing quota file %s: %w", path, err)
	}
	t.rollover()
	return t, nil
}

// rollover zeroes the daily counters when the UTC day has changed.
// Callers must hold mu (or own the tracker exclusively).
func (t *Tracker) rollover() {
	now := t.now()
	ly, lm, ld := t.state.LastReset.UTC().Date()
	ny, nm, nd := now.Date()
	if ly != ny || lm != nm || ld != nd {
		t.state.TokensToday = 0
		t.state.CostTodayUSD = 0
		t.state.LastReset = now
	}
}

// Check reports whether an advisory call estimated at the given token count
// fits within the remaining daily budget. It returns *ExceededError on
// denial and never mutates the counters.
func (t *Tracker) Check(estimatedTokens int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if lim := t.limits.Tokens; lim != nil && t.state.TokensToday+estimatedTokens >= *lim {
		return &ExceededError{Kind: "tokens", Used: float64(t.state.TokensToday), Limit: float64(*lim)}
	}
	if lim := t.limits.CostUSD; lim != nil && t.state.CostTodayUSD >= *lim {
		return &ExceededError{Kind: "cost", Used: t.state.CostTodayUSD, Limit: *lim}
	}
	return nil
}

// Add records actual usage after an advisory call completes, computing cost
// from the model's blended rate, and persists the updated ledger. Negative
// token counts are ignored.
func (t *Tracker) Add(tokens int, model string) error {
	if tokens < 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	cost := Cost(tokens, model)
	t.state.TokensToday += tokens
	t.state.CostTodayUSD += cost
	t.state.TokensAllTime += tokens
	t.state.CostAllTimeUSD += cost
	return t.save()
}

// Cost estimates the USD cost of a call from a blended per-token rate.
// Rates are a rough blend of input and output pricing; unrecognized models
// (local inference included) are free.
func Cost(tokens int, model string) float64 {
	var rate float64
	switch {
	case strings.Contains(model, "gpt-4"):
		rate = 0.00002
	case strings.Contains(model, "gpt-3.5"):
		rate = 0.000001
	}
	return float64(tokens) * rate
}

// save writes the ledger to disk. Callers must hold mu. A missing parent
// directory is created on first save.
func (t *Tracker) save() error {
	if t.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding quota ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("creating quota directory: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("writing quota file: %w", err)
	}
	return nil
}

// Ledger returns the tracker's counters in the session's ledger shape, for
// embedding in a snapshot.
func (t *Tracker) Ledger() session.QuotaLedger {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return session.QuotaLedger{
		TokensUsed: t.state.TokensToday,
		CostUsed:   t.state.CostTodayUSD,
		TokenLimit: t.limits.Tokens,
		CostLimit:  t.limits.CostUSD,
	}
}

// Totals returns the all-time counters.
func (t *Tracker) Totals() (tokens int, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.TokensAllTime, t.state.CostAllTimeUSD
}
