package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/action"
	"github.com/sentineld/kernel/pkg/allowance"
	"github.com/sentineld/kernel/pkg/approval"
	"github.com/sentineld/kernel/pkg/audit"
	"github.com/sentineld/kernel/pkg/budget"
	"github.com/sentineld/kernel/pkg/capability"
	"github.com/sentineld/kernel/pkg/eventbus"
	"github.com/sentineld/kernel/pkg/interceptor"
	"github.com/sentineld/kernel/pkg/policy"
	"github.com/sentineld/kernel/pkg/runtime"
	"github.com/sentineld/kernel/pkg/session"
	"github.com/sentineld/kernel/pkg/signer"
)

type fixedCost struct{}

func (fixedCost) CalculateCost(modelID string, promptTokens, completionTokens int) (float64, error) {
	return 0.01, nil
}

type echoLLM struct{ text string }

func (e echoLLM) Complete(ctx context.Context, systemPrompt string, history []session.Message) (runtime.LLMResponse, error) {
	return runtime.LLMResponse{Text: e.text}, nil
}

type noopTools struct{}

func (noopTools) Execute(ctx context.Context, call runtime.ToolCall) (runtime.ToolResult, error) {
	return runtime.ToolResult{Content: "ok"}, nil
}

type serverFixture struct {
	srv *Server
	rt  *runtime.Runtime
	ic  *interceptor.Interceptor
	bus eventbus.Bus
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	sign, err := signer.New()
	require.NoError(t, err)

	policyEngine := policy.NewEngine(policy.DefaultConfig())
	capStore := capability.NewStore(sign)
	allowStore := allowance.NewStore(sign)
	approvalMgr := approval.New(allowStore, nil)
	budgetTracker := budget.NewTracker(budget.DefaultConfig(), fixedCost{})
	auditLog, err := audit.New(audit.NewMemoryStorage(), sign)
	require.NoError(t, err)

	ic := interceptor.New(policyEngine, capStore, allowStore, approvalMgr, budgetTracker, auditLog, nil, nil)
	bus := eventbus.NewMemoryBus()
	rt := runtime.New(runtime.DefaultConfig(), ic, echoLLM{text: "hi"}, noopTools{}, nil, bus, nil)

	cfg := Config{SocketPath: t.TempDir() + "/sentineld.sock", ApprovalTimeout: time.Second}
	srv := New(cfg, rt, nil, ic, nil, nil, bus, nil)
	return serverFixture{srv: srv, rt: rt, ic: ic, bus: bus}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func callMethod(t *testing.T, fx serverFixture, method string, params any) (json.RawMessage, *ErrorObject) {
	t.Helper()
	handler, ok := methods[method]
	require.True(t, ok, "method %q not registered", method)
	var raw json.RawMessage
	if params != nil {
		raw = mustMarshal(t, params)
	}
	result, err := handler(fx.srv, &connState{out: make(chan Response, 8)}, raw)
	if err != nil {
		return nil, translateError(err)
	}
	return mustMarshal(t, result), nil
}

func TestCreateSessionRequiresWorkspaceRoot(t *testing.T) {
	fx := newServerFixture(t)
	_, errObj := callMethod(t, fx, "createSession", createSessionParams{})
	require.NotNil(t, errObj)
	assert.Equal(t, CodeInternal, errObj.Code)
}

func TestCreateSessionThenSendInputCompletesTurn(t *testing.T) {
	fx := newServerFixture(t)

	result, errObj := callMethod(t, fx, "createSession", createSessionParams{WorkspaceRoot: "/w"})
	require.Nil(t, errObj)
	var ref sessionRef
	require.NoError(t, json.Unmarshal(result, &ref))
	assert.NotEmpty(t, ref.SessionID)

	done := make(chan eventbus.Event, 4)
	sub, err := fx.bus.Subscribe(context.Background(), string(kindTurnComplete), func(ev eventbus.Event) {
		done <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, errObj = callMethod(t, fx, "sendInput", sendInputParams{SessionID: ref.SessionID, Input: "hello"})
	require.Nil(t, errObj)

	select {
	case ev := <-done:
		assert.Equal(t, ref.SessionID, ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not complete in time")
	}
}

func TestSendInputUnknownSessionReturnsSessionNotFound(t *testing.T) {
	fx := newServerFixture(t)
	_, errObj := callMethod(t, fx, "sendInput", sendInputParams{SessionID: "nope", Input: "hi"})
	require.NotNil(t, errObj)
	assert.Equal(t, CodeSessionNotFound, errObj.Code)
}

func TestResumeSessionWithoutStoreReturnsSessionNotFound(t *testing.T) {
	fx := newServerFixture(t)
	_, errObj := callMethod(t, fx, "resumeSession", resumeSessionParams{SessionID: "ghost"})
	require.NotNil(t, errObj)
	assert.Equal(t, CodeSessionNotFound, errObj.Code)
}

func TestResumeSessionAlreadyActiveReturnsSessionExists(t *testing.T) {
	fx := newServerFixture(t)
	result, errObj := callMethod(t, fx, "createSession", createSessionParams{WorkspaceRoot: "/w"})
	require.Nil(t, errObj)
	var ref sessionRef
	require.NoError(t, json.Unmarshal(result, &ref))

	_, errObj = callMethod(t, fx, "resumeSession", resumeSessionParams{SessionID: ref.SessionID})
	require.NotNil(t, errObj)
	assert.Equal(t, CodeSessionExists, errObj.Code)
}

func TestListSessionsReturnsActiveSessions(t *testing.T) {
	fx := newServerFixture(t)
	result, errObj := callMethod(t, fx, "createSession", createSessionParams{WorkspaceRoot: "/w"})
	require.Nil(t, errObj)
	var ref sessionRef
	require.NoError(t, json.Unmarshal(result, &ref))

	result, errObj = callMethod(t, fx, "listSessions", nil)
	require.Nil(t, errObj)
	var listed listSessionsResult
	require.NoError(t, json.Unmarshal(result, &listed))
	assert.Contains(t, listed.Active, ref.SessionID)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	fx := newServerFixture(t)
	c := &connState{out: make(chan Response, 1)}
	fx.srv.dispatch(c, Request{JSONRPC: "2.0", ID: mustMarshal(t, 1), Method: "doesNotExist"})
	resp := <-c.out
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDispatchRejectsRequestsWhileShuttingDown(t *testing.T) {
	fx := newServerFixture(t)
	fx.srv.shuttingDown.Store(true)

	c := &connState{out: make(chan Response, 1)}
	fx.srv.dispatch(c, Request{JSONRPC: "2.0", ID: mustMarshal(t, 1), Method: "listSessions"})
	resp := <-c.out
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeShuttingDown, resp.Error.Code)

	c2 := &connState{out: make(chan Response, 1)}
	fx.srv.dispatch(c2, Request{JSONRPC: "2.0", ID: mustMarshal(t, 2), Method: "status"})
	resp2 := <-c2.out
	assert.Nil(t, resp2.Error)
}

func TestDispatchNotificationSendsNoReply(t *testing.T) {
	fx := newServerFixture(t)
	c := &connState{out: make(chan Response, 1)}
	fx.srv.dispatch(c, Request{JSONRPC: "2.0", Method: "listSessions"})
	select {
	case resp := <-c.out:
		t.Fatalf("expected no reply for a notification, got %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelTurnReportsWhetherATurnWasTracked(t *testing.T) {
	fx := newServerFixture(t)
	result, errObj := callMethod(t, fx, "cancelTurn", cancelTurnParams{SessionID: "nope"})
	require.Nil(t, errObj)
	var resolved resolvedResult
	require.NoError(t, json.Unmarshal(result, &resolved))
	assert.False(t, resolved.Resolved)

	ctx, cancel := context.WithCancel(context.Background())
	fx.srv.trackTurn("sess-1", cancel)
	defer cancel()

	result, errObj = callMethod(t, fx, "cancelTurn", cancelTurnParams{SessionID: "sess-1"})
	require.Nil(t, errObj)
	require.NoError(t, json.Unmarshal(result, &resolved))
	assert.True(t, resolved.Resolved)
	assert.Error(t, ctx.Err())
}

func TestApprovalHandlerPublishesAndResolvesThroughTheDaemon(t *testing.T) {
	fx := newServerFixture(t)

	requests := make(chan eventbus.Event, 1)
	sub, err := fx.bus.Subscribe(context.Background(), string(kindApprovalNeeded), func(ev eventbus.Event) {
		requests <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	respCh := make(chan approval.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := fx.ic.Approval().Request(context.Background(), "sess-1", "/w",
			action.Action{Kind: action.KindWriteFileOutsideSandbox, Path: "/etc/passwd"}, "write /etc/passwd")
		respCh <- resp
		errCh <- err
	}()

	var published eventbus.Event
	select {
	case published = <-requests:
	case <-time.After(time.Second):
		t.Fatal("expected approval.needed event to be published")
	}
	assert.Equal(t, "sess-1", published.SessionID)
	requestID, _ := published.Payload["requestId"].(string)
	require.NotEmpty(t, requestID)
	require.Eventually(t, func() bool {
		return len(fx.ic.Approval().PendingRequests()) == 1
	}, time.Second, time.Millisecond)

	_, errObj := callMethod(t, fx, "approvalResponse", approvalResponseParams{RequestID: requestID, Scope: string(approval.ScopeOnce), UserID: "alice"})
	require.Nil(t, errObj)

	require.NoError(t, <-errCh)
	resp := <-respCh
	assert.Equal(t, approval.ScopeOnce, resp.Scope)
	assert.Equal(t, "alice", resp.UserID)
}
