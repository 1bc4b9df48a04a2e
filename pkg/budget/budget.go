// Package budget implements the budget tracker:
// per-session and per-workspace monetary accumulators, a per-action cap,
// and a token-based preflight estimate for LLM calls.
package budget

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// Config holds the cap configuration. A zero cap means "no limit".
type Config struct {
	SessionCap           float64 `yaml:"session_cap"`
	WorkspaceCap         float64 `yaml:"workspace_cap"`
	PerActionCap         float64 `yaml:"per_action_cap"`
	WarnThresholdPercent float64 `yaml:"warn_threshold_percent"` // e.g. 80 means warn at 80% of any cap
}

// DefaultConfig is a conservative starting budget: session-only by
// default, with no implicit workspace or daily/monthly caps.
func DefaultConfig() Config {
	return Config{
		SessionCap:           5.00,
		WorkspaceCap:         0,
		PerActionCap:         0,
		WarnThresholdPercent: 80,
	}
}

type accumulator struct {
	cost         float64
	inputTokens  int
	outputTokens int
}

// Status reports current accumulator state against configured caps.
type Status struct {
	SessionCost      float64
	WorkspaceCost    float64
	SessionCap       float64
	WorkspaceCap     float64
	SessionExceeded  bool
	WorkspaceExceeded bool
	ShouldWarn       bool
}

// CostCalculator abstracts token-to-dollar conversion, an explicit
// extension point for non-linear (volume-discount, tiered) pricing models
// per the open question on the cost model.
type CostCalculator interface {
	CalculateCost(modelID string, promptTokens, completionTokens int) (float64, error)
}

// Tracker accumulates cost per session and per workspace, keyed by their
// respective ids, and enforces the configured caps.
type Tracker struct {
	mu         sync.Mutex
	cfg        Config
	sessions   map[string]*accumulator
	workspaces map[string]*accumulator
	calc       CostCalculator
	encoding   *tiktoken.Tiktoken
}

// NewTracker creates a Tracker. calc may be nil if only manual Charge
// calls (not token-based preflight estimates) are needed.
func NewTracker(cfg Config, calc CostCalculator) *Tracker {
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Tracker{
		cfg:        cfg,
		sessions:   make(map[string]*accumulator),
		workspaces: make(map[string]*accumulator),
		calc:       calc,
		encoding:   enc,
	}
}

func (t *Tracker) acc(m map[string]*accumulator, key string) *accumulator {
	if key == "" {
		return nil
	}
	a, ok := m[key]
	if !ok {
		a = &accumulator{}
		m[key] = a
	}
	return a
}

// Preflight checks whether a charge of amount would fit within the
// per-action cap and the remaining session/workspace headroom, without
// committing it. Returns *Error with CodeBudgetExhausted on failure.
func (t *Tracker) Preflight(sessionID, workspaceID string, amount float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.PerActionCap > 0 && amount > t.cfg.PerActionCap {
		return kernelerrors.New(kernelerrors.CodeBudgetExhausted, "action cost exceeds per-action cap").
			WithContext("amount", amount).WithContext("cap", t.cfg.PerActionCap).WithContext("scope", "per-action")
	}

	sessCost := 0.0
	if a := t.sessions[sessionID]; a != nil {
		sessCost = a.cost
	}
	if t.cfg.SessionCap > 0 && sessCost+amount > t.cfg.SessionCap {
		return kernelerrors.New(kernelerrors.CodeBudgetExhausted, "action would exceed session budget cap").
			WithContext("remaining", t.cfg.SessionCap-sessCost).WithContext("scope", "session")
	}

	if workspaceID != "" && t.cfg.WorkspaceCap > 0 {
		wsCost := 0.0
		if a := t.workspaces[workspaceID]; a != nil {
			wsCost = a.cost
		}
		if wsCost+amount > t.cfg.WorkspaceCap {
			return kernelerrors.New(kernelerrors.CodeBudgetExhausted, "action would exceed workspace budget cap").
				WithContext("remaining", t.cfg.WorkspaceCap-wsCost).WithContext("scope", "workspace")
		}
	}
	return nil
}

// Charge commits amount against sessionID and, if non-empty, workspaceID.
// It re-validates the session and workspace caps (a charge is only ever
// committed after Preflight has succeeded and the action has been
// decided allowed) and returns whether session usage is at or above the
// warning threshold after this charge; every charge made while usage
// stays above the threshold reports warn again.
func (t *Tracker) Charge(sessionID, workspaceID string, amount float64) (warn bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.acc(t.sessions, sessionID)
	if t.cfg.SessionCap > 0 && sess.cost+amount > t.cfg.SessionCap {
		return false, kernelerrors.New(kernelerrors.CodeBudgetExhausted, "charge would exceed session budget cap").
			WithContext("scope", "session")
	}
	sess.cost += amount

	if workspaceID != "" {
		ws := t.acc(t.workspaces, workspaceID)
		if t.cfg.WorkspaceCap > 0 && ws.cost+amount > t.cfg.WorkspaceCap {
			sess.cost -= amount
			return false, kernelerrors.New(kernelerrors.CodeBudgetExhausted, "charge would exceed workspace budget cap").
				WithContext("scope", "workspace")
		}
		ws.cost += amount
	}

	if t.cfg.WarnThresholdPercent > 0 {
		if t.cfg.SessionCap > 0 && percent(sess.cost, t.cfg.SessionCap) >= t.cfg.WarnThresholdPercent {
			warn = true
		}
	}
	return warn, nil
}

// ChargeTokens charges the dollar cost of promptTokens/completionTokens
// for modelID, using the configured CostCalculator, and records token
// counts on the session accumulator.
func (t *Tracker) ChargeTokens(sessionID, workspaceID, modelID string, promptTokens, completionTokens int) (cost float64, warn bool, err error) {
	if t.calc == nil {
		return 0, false, kernelerrors.New(kernelerrors.CodeConfigInvalid, "budget tracker has no cost calculator configured")
	}
	cost, err = t.calc.CalculateCost(modelID, promptTokens, completionTokens)
	if err != nil {
		return 0, false, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "calculate token cost")
	}

	warn, err = t.Charge(sessionID, workspaceID, cost)
	if err != nil {
		return cost, warn, err
	}

	t.mu.Lock()
	sess := t.acc(t.sessions, sessionID)
	sess.inputTokens += promptTokens
	sess.outputTokens += completionTokens
	t.mu.Unlock()
	return cost, warn, nil
}

// EstimateTokens counts the tokens text would consume using a cl100k_base
// encoding, for preflight cost estimation before an LLM call is made.
func (t *Tracker) EstimateTokens(text string) int {
	if t.encoding == nil {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// Status returns the current accumulator state for sessionID/workspaceID.
func (t *Tracker) Status(sessionID, workspaceID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessCost, wsCost := 0.0, 0.0
	if a := t.sessions[sessionID]; a != nil {
		sessCost = a.cost
	}
	if a := t.workspaces[workspaceID]; a != nil {
		wsCost = a.cost
	}

	status := Status{
		SessionCost:   sessCost,
		WorkspaceCost: wsCost,
		SessionCap:    t.cfg.SessionCap,
		WorkspaceCap:  t.cfg.WorkspaceCap,
	}
	if t.cfg.SessionCap > 0 && sessCost >= t.cfg.SessionCap {
		status.SessionExceeded = true
	}
	if t.cfg.WorkspaceCap > 0 && wsCost >= t.cfg.WorkspaceCap {
		status.WorkspaceExceeded = true
	}
	if t.cfg.WarnThresholdPercent > 0 {
		if percent(sessCost, t.cfg.SessionCap) >= t.cfg.WarnThresholdPercent ||
			percent(wsCost, t.cfg.WorkspaceCap) >= t.cfg.WarnThresholdPercent {
			status.ShouldWarn = true
		}
	}
	return status
}

// WarningMessage renders a human-readable warning for a Status, or "" if
// nothing is notable.
func (s Status) WarningMessage() string {
	if s.SessionExceeded {
		return fmt.Sprintf("session budget exceeded ($%.2f / $%.2f)", s.SessionCost, s.SessionCap)
	}
	if s.WorkspaceExceeded {
		return fmt.Sprintf("workspace budget exceeded ($%.2f / $%.2f)", s.WorkspaceCost, s.WorkspaceCap)
	}
	if s.ShouldWarn {
		return fmt.Sprintf("budget warning: session $%.2f / $%.2f", s.SessionCost, s.SessionCap)
	}
	return ""
}

func percent(current, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return (current / limit) * 100
}
