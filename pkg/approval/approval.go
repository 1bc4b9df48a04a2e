// Package approval implements the approval manager (step 4,
// §3 "Approval manager"): consulting the allowance store first, then a
// pluggable human-facing handler, translating a granted scope
// (once/session/workspace/always) into an allowance-store grant, and
// holding requests whose decision arrives out of band in a deferred
// queue (Defer/Resolve). A request made while no handler is registered
// is denied.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentineld/kernel/pkg/action"
	"github.com/sentineld/kernel/pkg/allowance"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// Scope is the grant the requester (or human) chose when approving a
// request. It controls whether and how the decision is remembered.
type Scope string

const (
	ScopeOnce      Scope = "once"
	ScopeSession   Scope = "session"
	ScopeWorkspace Scope = "workspace"
	ScopeAlways    Scope = "always"
	ScopeDeny      Scope = "deny"
)

// Request is what gets handed to an ApprovalHandler.
type Request struct {
	RequestID     string
	SessionID     string
	WorkspaceRoot string
	Action        action.Action
	Description   string
	CreatedAt     time.Time
}

// Response is what an ApprovalHandler returns for a Request.
type Response struct {
	Scope  Scope
	UserID string
}

// Handler resolves an approval Request, normally by prompting a human.
// Implementations may block; callers should pass a context with a
// deadline when prompting interactively.
//
//go:generate mockgen -package=approval -destination=mock_handler_test.go github.com/sentineld/kernel/pkg/approval Handler
type Handler interface {
	Resolve(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Resolve calls f.
func (f HandlerFunc) Resolve(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// pending tracks a request awaiting resolution from a deferred caller
// (e.g. a daemon RPC client resuming a decision made out-of-band, rather
// than an in-process Handler).
type pending struct {
	request Request
	done    chan Response
}

// Manager mediates approval requests against the allowance store.
type Manager struct {
	mu        sync.Mutex
	allowance *allowance.Store
	handler   Handler
	pending   map[string]*pending
	now       func() time.Time
}

// New creates a Manager backed by allowanceStore. handler may be nil, in
// which case every request needing a human decision is denied at once;
// there is no waiting period before the denial.
func New(allowanceStore *allowance.Store, handler Handler) *Manager {
	return &Manager{
		allowance: allowanceStore,
		handler:   handler,
		pending:   make(map[string]*pending),
		now:       time.Now,
	}
}

// SetHandler replaces the active handler (e.g. once a client attaches to
// the daemon).
func (m *Manager) SetHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Consult checks the allowance store for a as a pre-existing allowance;
// if one matches, its id is returned directly without invoking the
// handler. This is the "allowance-first" fast path ahead of any approval
// prompt.
func (m *Manager) Consult(a action.Action, workspaceRoot string) (allowanceID string, ok bool) {
	id, err := m.allowance.Match(a, workspaceRoot)
	if err != nil {
		return "", false
	}
	return id, true
}

// Request resolves whether a is approved, consulting the allowance
// store first and falling back to the registered Handler. A granted
// response is translated into an allowance grant per its Scope so
// future matching actions skip the handler.
func (m *Manager) Request(ctx context.Context, sessionID, workspaceRoot string, a action.Action, description string) (Response, error) {
	if id, ok := m.Consult(a, workspaceRoot); ok {
		return Response{Scope: ScopeAlways, UserID: allowanceIDMarker(id)}, nil
	}

	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return Response{Scope: ScopeDeny}, kernelerrors.New(kernelerrors.CodeApprovalDenied, "no approval handler registered")
	}

	req := Request{
		RequestID:     uuid.NewString(),
		SessionID:     sessionID,
		WorkspaceRoot: workspaceRoot,
		Action:        a,
		Description:   description,
		CreatedAt:     m.now(),
	}

	resp, err := handler.Resolve(ctx, req)
	if err != nil {
		return Response{Scope: ScopeDeny}, kernelerrors.Wrap(err, kernelerrors.CodeApprovalCancelled, "approval handler failed")
	}
	if resp.Scope == ScopeDeny || resp.Scope == "" {
		return resp, kernelerrors.New(kernelerrors.CodeApprovalDenied, "approval denied")
	}

	if err := m.remember(req, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// remember translates a granted Response into an allowance-store grant,
// scoped by the response's grant scope:
//   - once: not remembered at all
//   - session: SessionOnly allowance tied to sessionID
//   - workspace: allowance scoped to WorkspaceRoot, survives session clear
//   - always: unscoped, unexpiring allowance
func (m *Manager) remember(req Request, resp Response) error {
	if resp.Scope == ScopeOnce {
		return nil
	}

	pattern := allowance.ExactActionPattern(req.Action)
	input := allowance.GrantInput{Pattern: pattern}

	switch resp.Scope {
	case ScopeSession:
		input.SessionOnly = true
		input.SessionID = req.SessionID
	case ScopeWorkspace:
		input.WorkspaceRoot = req.WorkspaceRoot
	case ScopeAlways:
		// unscoped, unexpiring
	default:
		return kernelerrors.New(kernelerrors.CodeApprovalDenied, fmt.Sprintf("unknown approval scope %q", resp.Scope))
	}

	_, err := m.allowance.Grant(input)
	if err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodeInternal, "failed to persist approval as allowance")
	}
	return nil
}

func allowanceIDMarker(id string) string {
	return "allowance:" + id
}

// Defer registers req as awaiting an out-of-band decision (e.g. pushed to
// a connected daemon client) and blocks until Resolve is called for its
// RequestID or ctx is cancelled. On cancellation the request is dropped
// from the pending table and treated as denied.
func (m *Manager) Defer(ctx context.Context, req Request) (Response, error) {
	done := make(chan Response, 1)

	m.mu.Lock()
	m.pending[req.RequestID] = &pending{request: req, done: done}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.RequestID)
		m.mu.Unlock()
	}()

	select {
	case resp := <-done:
		if resp.Scope == ScopeDeny || resp.Scope == "" {
			return resp, kernelerrors.New(kernelerrors.CodeApprovalDenied, "approval denied")
		}
		if err := m.remember(req, resp); err != nil {
			return resp, err
		}
		return resp, nil
	case <-ctx.Done():
		return Response{Scope: ScopeDeny}, kernelerrors.New(kernelerrors.CodeApprovalCancelled, "approval request cancelled before a decision arrived")
	}
}

// Resolve delivers resp for a request previously registered via Defer. It
// reports whether a matching pending request was found.
func (m *Manager) Resolve(requestID string, resp Response) bool {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.done <- resp:
		return true
	default:
		return false
	}
}

// PendingRequests lists every request currently awaiting a deferred
// decision, for a daemon to push to a newly connected client.
func (m *Manager) PendingRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.request)
	}
	return out
}
