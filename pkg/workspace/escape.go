package workspace

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Operation is the filesystem operation an escape request names.
type Operation string

const (
	OperationRead    Operation = "read"
	OperationWrite   Operation = "write"
	OperationCreate  Operation = "create"
	OperationDelete  Operation = "delete"
	OperationExecute Operation = "execute"
	OperationList    Operation = "list"
)

// Request is a request to step outside the workspace boundary.
type Request struct {
	RequestID  string
	Path       string
	Operation  Operation
	Reason     string
	CreatedAt  time.Time
	ToolName   string
	ServerName string
}

// NewRequest creates a Request with a fresh ID and timestamp.
func NewRequest(path string, op Operation, reason string) Request {
	return Request{
		RequestID: uuid.NewString(),
		Path:      path,
		Operation: op,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

// WithTool returns a copy of r with ToolName set.
func (r Request) WithTool(tool string) Request {
	r.ToolName = tool
	return r
}

// WithServer returns a copy of r with ServerName set.
func (r Request) WithServer(server string) Request {
	r.ServerName = server
	return r
}

// Decision is the outcome a human or policy gives to an escape Request.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow-once"
	DecisionAllowSession Decision = "allow-session"
	DecisionAllowAlways  Decision = "allow-always"
	DecisionDeny         Decision = "deny"
)

// IsAllowed reports whether d grants access at all.
func (d Decision) IsAllowed() bool { return d != DecisionDeny }

// ShouldRemember reports whether d should be persisted across restarts.
func (d Decision) ShouldRemember() bool { return d == DecisionAllowAlways }

// State is the serialisable form of a Handler, for persistence.
type State struct {
	RememberedPaths []string `json:"remembered_paths"`
}

// Handler tracks escape decisions: paths remembered permanently
// (AllowAlways) and paths allowed for the current session only.
//
// Paths are canonicalised via filepath.Abs before storage so comparisons
// are stable regardless of how a path was originally spelled; an
// EvalSymlinks-resolved form is used when available, matching the Rust
// original's std::fs::canonicalize, and falling back to the absolute,
// unresolved form when symlinks cannot be resolved (e.g. the path does
// not exist yet), or to the literal input if filepath.Abs fails.
type Handler struct {
	resolve         func(string) (string, error)
	rememberedPaths map[string]bool
	sessionPaths    map[string]bool
}

// NewHandler creates an empty Handler using filepath.Abs+EvalSymlinks as
// its path canonicaliser.
func NewHandler() *Handler {
	return &Handler{
		resolve:         canonicalize,
		rememberedPaths: make(map[string]bool),
		sessionPaths:    make(map[string]bool),
	}
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs, nil
	}
	return resolved, nil
}

func (h *Handler) canon(path string) string {
	if resolved, err := h.resolve(path); err == nil {
		return resolved
	}
	return path
}

// ProcessDecision records decision against request.Path.
func (h *Handler) ProcessDecision(request Request, decision Decision) {
	canonical := h.canon(request.Path)
	switch decision {
	case DecisionAllowAlways:
		h.rememberedPaths[canonical] = true
	case DecisionAllowSession:
		h.sessionPaths[canonical] = true
	}
}

// IsAllowed reports whether path has previously been allowed, either
// permanently or for the current session.
func (h *Handler) IsAllowed(path string) bool {
	canonical := h.canon(path)
	return h.rememberedPaths[canonical] || h.sessionPaths[canonical]
}

// ClearSession forgets all session-scoped allowances.
func (h *Handler) ClearSession() {
	h.sessionPaths = make(map[string]bool)
}

// ClearAll forgets both session and permanently remembered allowances.
func (h *Handler) ClearAll() {
	h.rememberedPaths = make(map[string]bool)
	h.sessionPaths = make(map[string]bool)
}

// ExportState snapshots the permanently remembered paths for persistence.
func (h *Handler) ExportState() State {
	paths := make([]string, 0, len(h.rememberedPaths))
	for p := range h.rememberedPaths {
		paths = append(paths, p)
	}
	return State{RememberedPaths: paths}
}

// RestoreState loads a previously exported State. Only absolute paths
// that still canonicalize successfully are restored; relative or
// non-resolvable paths are dropped silently. This prevents a tampered or
// stale persisted state from reintroducing a workspace-boundary bypass
// via an injected relative path.
func (h *Handler) RestoreState(state State) {
	for _, path := range state.RememberedPaths {
		if !filepath.IsAbs(path) {
			continue
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			continue
		}
		h.rememberedPaths[resolved] = true
	}
}

// Flow is the result of running a Check through the escape policy.
type FlowKind string

const (
	FlowAllowed       FlowKind = "allowed"
	FlowDenied        FlowKind = "denied"
	FlowNeedsApproval FlowKind = "needs-approval"
)

// Flow pairs a FlowKind with the Request to route when approval is
// needed.
type Flow struct {
	Kind    FlowKind
	Request *Request
}

// FlowFromCheck maps a Boundary Check into the escape flow.
func FlowFromCheck(check Check, path string, op Operation, reason string) Flow {
	switch check {
	case CheckAllowed, CheckAutoAllowed:
		return Flow{Kind: FlowAllowed}
	case CheckNeverAllowed:
		return Flow{Kind: FlowDenied}
	default: // CheckRequiresApproval
		req := NewRequest(path, op, reason)
		return Flow{Kind: FlowNeedsApproval, Request: &req}
	}
}
