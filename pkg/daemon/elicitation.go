package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// ElicitationRequest asks a connected client for free-form input (a
// tool server mid-call prompt, not a yes/no approval decision).
type ElicitationRequest struct {
	RequestID string    `json:"requestId"`
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Schema    any       `json:"schema,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ElicitationResponse is the client's answer, or a cancellation.
type ElicitationResponse struct {
	RequestID string `json:"requestId"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Value     string `json:"value,omitempty"`
}

type pendingElicitation struct {
	request ElicitationRequest
	done    chan ElicitationResponse
}

// elicitationManager tracks elicitation requests awaiting an
// out-of-band answer from a connected daemon client, mirroring the
// approval manager's defer/resolve pattern for a request shape that
// asks for data rather than a grant decision.
type elicitationManager struct {
	mu      sync.Mutex
	pending map[string]*pendingElicitation
}

func newElicitationManager() *elicitationManager {
	return &elicitationManager{pending: make(map[string]*pendingElicitation)}
}

// Request registers a new elicitation and blocks until Resolve is
// called for it or ctx is cancelled.
func (m *elicitationManager) Request(ctx context.Context, sessionID, prompt string, schema any, onRegistered func(ElicitationRequest)) (ElicitationResponse, ElicitationRequest, error) {
	req := ElicitationRequest{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Schema:    schema,
		CreatedAt: time.Now().UTC(),
	}
	done := make(chan ElicitationResponse, 1)

	m.mu.Lock()
	m.pending[req.RequestID] = &pendingElicitation{request: req, done: done}
	m.mu.Unlock()

	if onRegistered != nil {
		onRegistered(req)
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.RequestID)
		m.mu.Unlock()
	}()

	select {
	case resp := <-done:
		if resp.Cancelled {
			return resp, req, kernelerrors.New(kernelerrors.CodeCancelled, "elicitation cancelled by client")
		}
		return resp, req, nil
	case <-ctx.Done():
		return ElicitationResponse{RequestID: req.RequestID, Cancelled: true}, req, kernelerrors.Wrap(ctx.Err(), kernelerrors.CodeCancelled, "elicitation request cancelled")
	}
}

// Resolve delivers resp for a request previously registered via
// Request. It reports whether a matching pending request was found.
func (m *elicitationManager) Resolve(requestID string, resp ElicitationResponse) bool {
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

// PendingRequests lists every elicitation currently awaiting a
// response, for a daemon to push to a newly connected client.
func (m *elicitationManager) PendingRequests() []ElicitationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ElicitationRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.request)
	}
	return out
}
