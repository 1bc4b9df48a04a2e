package runtime

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/action"
	"github.com/sentineld/kernel/pkg/allowance"
	"github.com/sentineld/kernel/pkg/approval"
	"github.com/sentineld/kernel/pkg/audit"
	"github.com/sentineld/kernel/pkg/budget"
	"github.com/sentineld/kernel/pkg/capability"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/interceptor"
	"github.com/sentineld/kernel/pkg/policy"
	"github.com/sentineld/kernel/pkg/session"
	"github.com/sentineld/kernel/pkg/signer"
)

type fixedCost struct{ cost float64 }

func (f fixedCost) CalculateCost(modelID string, promptTokens, completionTokens int) (float64, error) {
	return f.cost, nil
}

type fixture struct {
	ic     *interceptor.Interceptor
	budget *budget.Tracker
	audit  *audit.Log
}

func newFixture(t *testing.T, budgetCfg budget.Config) fixture {
	t.Helper()
	sign, err := signer.New()
	require.NoError(t, err)

	policyEngine := policy.NewEngine(policy.DefaultConfig())
	capStore := capability.NewStore(sign)
	allowStore := allowance.NewStore(sign)
	approvalMgr := approval.New(allowStore, nil)
	budgetTracker := budget.NewTracker(budgetCfg, fixedCost{cost: 0.01})
	auditLog, err := audit.New(audit.NewMemoryStorage(), sign)
	require.NoError(t, err)

	ic := interceptor.New(policyEngine, capStore, allowStore, approvalMgr, budgetTracker, auditLog, nil, nil)
	return fixture{ic: ic, budget: budgetTracker, audit: auditLog}
}

type scriptedLLM struct {
	responses []LLMResponse
	calls     atomic.Int32
}

func (s *scriptedLLM) Complete(ctx context.Context, systemPrompt string, history []session.Message) (LLMResponse, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.responses) {
		return LLMResponse{Text: "done"}, nil
	}
	return s.responses[i], nil
}

type echoTool struct{}

func (echoTool) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	return ToolResult{Content: "ok: " + call.ToolName}, nil
}

func readCall(path string) ToolCall {
	return ToolCall{ID: "tc1", ToolName: "read_file", Action: action.Action{Kind: action.KindReadFile, Path: path}}
}

func TestRunTurnDispatchesToolCallThenStopsOnPlainText(t *testing.T) {
	fx := newFixture(t, budget.DefaultConfig())
	llm := &scriptedLLM{responses: []LLMResponse{
		{ToolCalls: []ToolCall{readCall("/w/a.txt")}},
		{Text: "all done"},
	}}
	rt := New(DefaultConfig(), fx.ic, llm, echoTool{}, nil, nil, nil)
	sess := rt.CreateSession("t", "/w")

	result, err := rt.RunTurn(context.Background(), sess, "system", "please read a.txt", "")
	require.NoError(t, err)
	assert.Equal(t, "all done", result.FinalText)
	assert.Equal(t, 2, result.Iterations)

	history := sess.History()
	require.Len(t, history, 3) // user, tool, assistant
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleTool, history[1].Role)
	assert.Equal(t, "ok: read_file", history[1].Content)
	assert.False(t, history[1].IsError)
	assert.Equal(t, session.RoleAssistant, history[2].Role)
}

func TestRunTurnPreToolHookBlocksCallAndAuditsSystemReason(t *testing.T) {
	fx := newFixture(t, budget.DefaultConfig())
	llm := &scriptedLLM{responses: []LLMResponse{
		{ToolCalls: []ToolCall{readCall("/w/secret.txt")}},
		{Text: "finished"},
	}}
	rt := New(DefaultConfig(), fx.ic, llm, echoTool{}, nil, nil, nil)
	rt.AddHook(func(ctx context.Context, event HookEvent, call ToolCall) HookResult {
		return HookResult{Block: true, Reason: "denylisted path"}
	})
	sess := rt.CreateSession("t", "/w")

	_, err := rt.RunTurn(context.Background(), sess, "system", "read secret", "")
	require.NoError(t, err)

	history := sess.History()
	require.Len(t, history, 3)
	assert.True(t, history[1].IsError)

	entries, err := fx.audit.Iterate(sess.ID(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeFailure, entries[0].Outcome.Kind)
	assert.Equal(t, audit.ProofSystem, entries[0].Proof.Kind)
	assert.Contains(t, entries[0].Proof.Reason, "hook-blocked")
}

func TestSpawnSubagentExceedingDepthIsRateLimited(t *testing.T) {
	fx := newFixture(t, budget.DefaultConfig())
	llm := &scriptedLLM{responses: []LLMResponse{{Text: "child done"}}}
	cfg := DefaultConfig()
	cfg.MaxDelegationDepth = 2
	rt := New(cfg, fx.ic, llm, echoTool{}, nil, nil, nil)

	_, _, err := rt.SpawnSubagent(context.Background(), SpawnRequest{
		ParentSessionID: "parent",
		WorkspaceRoot:   "/w",
		Depth:           2,
		SpawnAction:     action.Action{Kind: action.KindInvokeNamedTool, ToolName: "spawn_subagent"},
		SystemPrompt:    "sub",
	})
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeRateLimited))

	entries, err := fx.audit.Iterate("parent", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeFailure, entries[0].Outcome.Kind)
}

func TestSpawnSubagentExceedingConcurrencyIsRateLimited(t *testing.T) {
	fx := newFixture(t, budget.DefaultConfig())
	llm := &scriptedLLM{responses: []LLMResponse{{Text: "child done"}}}
	cfg := DefaultConfig()
	cfg.MaxConcurrentSubagents = 1
	rt := New(cfg, fx.ic, llm, echoTool{}, nil, nil, nil)

	rt.subagentSem.TryAcquire(1) // occupy the only slot
	defer rt.subagentSem.Release(1)

	_, _, err := rt.SpawnSubagent(context.Background(), SpawnRequest{
		ParentSessionID: "parent",
		WorkspaceRoot:   "/w",
		SpawnAction:     action.Action{Kind: action.KindInvokeNamedTool, ToolName: "spawn_subagent"},
		SystemPrompt:    "sub",
	})
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeRateLimited))
}

func TestSpawnSubagentChargesParentBudgetAccumulator(t *testing.T) {
	fx := newFixture(t, budget.DefaultConfig())
	llm := &scriptedLLM{responses: []LLMResponse{
		{Text: "child done", ModelID: "gpt", PromptTokens: 100, CompletionTokens: 50},
	}}
	rt := New(DefaultConfig(), fx.ic, llm, echoTool{}, nil, nil, nil)

	child, _, err := rt.SpawnSubagent(context.Background(), SpawnRequest{
		ParentSessionID: "parent",
		WorkspaceRoot:   "/w",
		SpawnAction:     action.Action{Kind: action.KindInvokeNamedTool, ToolName: "spawn_subagent"},
		SystemPrompt:    "sub",
	})
	require.NoError(t, err)

	parentStatus := fx.budget.Status("parent", "")
	assert.InDelta(t, 0.01, parentStatus.SessionCost, 1e-9)

	childStatus := fx.budget.Status(child.ID(), "")
	assert.Equal(t, 0.0, childStatus.SessionCost)
}
