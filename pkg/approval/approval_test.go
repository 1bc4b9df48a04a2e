package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/action"
	"github.com/sentineld/kernel/pkg/allowance"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/signer"
)

func newTestManager(t *testing.T, handler Handler) (*Manager, *allowance.Store) {
	t.Helper()
	sign, err := signer.New()
	require.NoError(t, err)
	store := allowance.NewStore(sign)
	return New(store, handler), store
}

func readAction(path string) action.Action {
	return action.Action{Kind: action.KindReadFile, Path: path}
}

func TestRequestSkipsHandlerWhenAllowanceAlreadyMatches(t *testing.T) {
	handlerCalled := false
	handler := HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		handlerCalled = true
		return Response{Scope: ScopeAlways}, nil
	})
	mgr, store := newTestManager(t, handler)

	_, err := store.Grant(allowance.GrantInput{Pattern: allowance.Pattern{
		Kind: allowance.PatternFile, Glob: "/w/*.txt", Permission: action.PermissionRead,
	}})
	require.NoError(t, err)

	resp, err := mgr.Request(context.Background(), "sess-1", "/w", readAction("/w/data.txt"), "read")
	require.NoError(t, err)
	assert.Equal(t, ScopeAlways, resp.Scope)
	assert.False(t, handlerCalled)
}

func TestRequestDeniesWhenNoHandlerRegistered(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	resp, err := mgr.Request(context.Background(), "sess-1", "/w", readAction("/outside/x.txt"), "read")
	assert.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeApprovalDenied))
	assert.Equal(t, ScopeDeny, resp.Scope)
}

func TestRequestOnceScopeIsNotRemembered(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Scope: ScopeOnce, UserID: "u1"}, nil
	})
	mgr, store := newTestManager(t, handler)

	a := readAction("/outside/x.txt")
	resp, err := mgr.Request(context.Background(), "sess-1", "/w", a, "read")
	require.NoError(t, err)
	assert.Equal(t, ScopeOnce, resp.Scope)
	assert.Equal(t, 0, store.Count())

	_, ok := mgr.Consult(a, "/w")
	assert.False(t, ok)
}

func TestRequestSessionScopeGrantsSessionOnlyAllowance(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Scope: ScopeSession, UserID: "u1"}, nil
	})
	mgr, store := newTestManager(t, handler)

	a := readAction("/outside/x.txt")
	_, err := mgr.Request(context.Background(), "sess-1", "/w", a, "read")
	require.NoError(t, err)

	id, ok := mgr.Consult(a, "/w")
	require.True(t, ok)

	store.ClearSession("sess-1")
	_, ok2 := mgr.Consult(a, "/w")
	assert.False(t, ok2)
	assert.NotEmpty(t, id)
}

func TestRequestWorkspaceScopeSurvivesSessionClear(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Scope: ScopeWorkspace}, nil
	})
	mgr, store := newTestManager(t, handler)

	a := readAction("/outside/x.txt")
	_, err := mgr.Request(context.Background(), "sess-1", "/w", a, "read")
	require.NoError(t, err)

	store.ClearSession("sess-1")

	_, ok := mgr.Consult(a, "/w")
	assert.True(t, ok)

	_, ok2 := mgr.Consult(a, "/other-workspace")
	assert.False(t, ok2)
}

func TestRequestHandlerDenyIsNotRemembered(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Scope: ScopeDeny}, nil
	})
	mgr, store := newTestManager(t, handler)

	a := readAction("/outside/x.txt")
	_, err := mgr.Request(context.Background(), "sess-1", "/w", a, "read")
	assert.Error(t, err)
	assert.Equal(t, 0, store.Count())
}

func TestDeferResolvesWhenResolveCalled(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	req := Request{RequestID: "req-1", SessionID: "sess-1", Action: readAction("/x")}

	resultC := make(chan Response, 1)
	errC := make(chan error, 1)
	go func() {
		resp, err := mgr.Defer(context.Background(), req)
		resultC <- resp
		errC <- err
	}()

	require.Eventually(t, func() bool {
		return len(mgr.PendingRequests()) == 1
	}, time.Second, time.Millisecond)

	assert.True(t, mgr.Resolve("req-1", Response{Scope: ScopeOnce}))

	resp := <-resultC
	err := <-errC
	require.NoError(t, err)
	assert.Equal(t, ScopeOnce, resp.Scope)
}

func TestDeferDeniesOnContextCancel(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	req := Request{RequestID: "req-2", SessionID: "sess-1", Action: readAction("/x")}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	resp, err := mgr.Defer(ctx, req)
	assert.Error(t, err)
	assert.Equal(t, ScopeDeny, resp.Scope)
}
