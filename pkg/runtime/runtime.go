// Package runtime implements the agent session runtime:
// the turn-dispatch loop wrapping every tool call with `intercept`,
// subagent spawning under a concurrency/depth limit, and pre/post-tool
// hooks.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sentineld/kernel/pkg/action"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/eventbus"
	"github.com/sentineld/kernel/pkg/interceptor"
	"github.com/sentineld/kernel/pkg/logging"
	"github.com/sentineld/kernel/pkg/session"
)

// ToolCall is one tool invocation the LLM emitted in a single turn.
type ToolCall struct {
	ID         string
	ToolName   string
	ServerName string
	Arguments  map[string]string
	Action     action.Action
}

// ToolResult is the outcome of dispatching a ToolCall, appended to the
// session history as a tool-role message.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// LLMResponse is what the LLM returned for one completion: either plain
// text (the turn's stop condition) or a batch of tool calls to dispatch.
type LLMResponse struct {
	Text             string
	ToolCalls        []ToolCall
	ModelID          string
	PromptTokens     int
	CompletionTokens int
}

// LLMClient is the non-goal external collaborator (Non-goals:
// "LLM provider client"); the runtime only depends on this interface.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt string, history []session.Message) (LLMResponse, error)
}

// ToolExecutor performs the effect of an allowed tool call: a built-in
// tool, an MCP server round-trip, or a plugin host function. Dispatched
// only after Intercept has returned a Proof.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
}

// HookEvent names a point in the turn loop a hook can observe.
type HookEvent string

const PreToolCall HookEvent = "pre-tool-call"

// HookResult lets a hook veto the upcoming action.
type HookResult struct {
	Block  bool
	Reason string
}

// Hook observes event for call before it reaches Intercept.
type Hook func(ctx context.Context, event HookEvent, call ToolCall) HookResult

// PostHook observes a tool call's outcome after it has executed;
// blocking has no effect at this point since the effect already ran.
// A daemon control surface typically uses this to mirror tool call
// results out to subscribed clients.
type PostHook func(ctx context.Context, call ToolCall, result ToolResult)

// Config bounds subagent concurrency, delegation depth, and spawn rate
// (resource quotas).
type Config struct {
	MaxConcurrentSubagents int64      `yaml:"max_concurrent_subagents"`
	MaxDelegationDepth     int        `yaml:"max_delegation_depth"`
	SpawnRateLimit         rate.Limit `yaml:"spawn_rate_limit"`
	SpawnBurst             int        `yaml:"spawn_burst"`
	MaxTurnIterations      int        `yaml:"max_turn_iterations"`
}

// DefaultConfig matches the stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSubagents: 8,
		MaxDelegationDepth:     4,
		SpawnRateLimit:         rate.Limit(4), // 4 spawns/sec sustained
		SpawnBurst:             8,
		MaxTurnIterations:      64,
	}
}

// Runtime owns a session registry and dispatches turns through the
// interceptor. It back-references no Session; Sessions are looked up by
// id, matching the non-cyclic owner-handle design.
type Runtime struct {
	cfg         Config
	interceptor *interceptor.Interceptor
	llm         LLMClient
	tools       ToolExecutor
	store       *session.Store
	bus         eventbus.Bus
	log         *logging.Logger

	mu        sync.RWMutex
	sessions  map[string]*session.Session
	hooks     []Hook
	postHooks []PostHook

	subagentSem  *semaphore.Weighted
	spawnLimiter *rate.Limiter
}

// New assembles a Runtime. store and bus may be nil (session persistence
// and eventing become no-ops respectively); log may be nil.
func New(cfg Config, ic *interceptor.Interceptor, llm LLMClient, tools ToolExecutor, store *session.Store, bus eventbus.Bus, log *logging.Logger) *Runtime {
	if cfg.MaxConcurrentSubagents <= 0 {
		cfg.MaxConcurrentSubagents = 8
	}
	if cfg.MaxDelegationDepth <= 0 {
		cfg.MaxDelegationDepth = 4
	}
	if cfg.MaxTurnIterations <= 0 {
		cfg.MaxTurnIterations = 64
	}
	if cfg.SpawnRateLimit <= 0 {
		cfg.SpawnRateLimit = rate.Limit(4)
	}
	if cfg.SpawnBurst <= 0 {
		cfg.SpawnBurst = 8
	}
	return &Runtime{
		cfg:          cfg,
		interceptor:  ic,
		llm:          llm,
		tools:        tools,
		store:        store,
		bus:          bus,
		log:          log,
		sessions:     make(map[string]*session.Session),
		subagentSem:  semaphore.NewWeighted(cfg.MaxConcurrentSubagents),
		spawnLimiter: rate.NewLimiter(cfg.SpawnRateLimit, cfg.SpawnBurst),
	}
}

// AddHook registers a hook invoked before every tool call reaches
// Intercept, in registration order. A blocking hook short-circuits the
// rest.
func (r *Runtime) AddHook(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// AddPostHook registers a hook invoked after every tool call's result is
// known, in registration order.
func (r *Runtime) AddPostHook(h PostHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postHooks = append(r.postHooks, h)
}

// CreateSession starts a new session rooted at workspaceRoot and
// registers it with the runtime.
func (r *Runtime) CreateSession(base, workspaceRoot string) *session.Session {
	sess := session.New(base, workspaceRoot)
	r.registerSession(sess)
	r.publish(context.Background(), eventbus.KindSessionStarted, sess.ID(), nil)
	return sess
}

// ResumeSession loads a persisted session by id and registers it.
func (r *Runtime) ResumeSession(id string) (*session.Session, error) {
	if r.store == nil {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "runtime has no session store configured")
	}
	sess, err := r.store.Load(id)
	if err != nil {
		return nil, err
	}
	r.registerSession(sess)
	return sess, nil
}

// GetSession returns a registered session by id.
func (r *Runtime) GetSession(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Sessions returns the ids of all sessions currently registered with
// the runtime.
func (r *Runtime) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// EndSession unregisters a session and publishes session.ended.
func (r *Runtime) EndSession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.publish(context.Background(), eventbus.KindSessionEnded, id, nil)
}

func (r *Runtime) registerSession(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = sess
}

func (r *Runtime) publish(ctx context.Context, kind eventbus.Kind, sessionID string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, string(kind), eventbus.Event{Kind: kind, SessionID: sessionID, Payload: payload})
}

// TurnResult summarizes one dispatched turn.
type TurnResult struct {
	FinalText  string
	Iterations int
}

// RunTurn dispatches one agent turn against sess: compose
// messages and call the LLM, intercept and execute every tool call the
// LLM emits, loop until plain text or a stop condition, then persist the
// session. budgetSessionID, if non-empty, is the session whose budget
// accumulator this turn charges against (the top-level session for a
// root turn, or the spawning ancestor's session id for a subagent turn).
func (r *Runtime) RunTurn(ctx context.Context, sess *session.Session, systemPrompt, userInput, budgetSessionID string) (TurnResult, error) {
	if userInput != "" {
		sess.AppendMessage(session.Message{Role: session.RoleUser, Content: userInput})
	}

	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, kernelerrors.Wrap(err, kernelerrors.CodeCancelled, "turn cancelled")
		}
		if iter >= r.cfg.MaxTurnIterations {
			return TurnResult{}, kernelerrors.New(kernelerrors.CodeInternal, "turn exceeded max iterations without reaching a stop condition")
		}

		resp, err := r.llm.Complete(ctx, systemPrompt, sess.History())
		if err != nil {
			return TurnResult{}, kernelerrors.Wrap(err, kernelerrors.CodeInternal, "llm completion failed")
		}

		if resp.PromptTokens > 0 || resp.CompletionTokens > 0 {
			key := budgetSessionID
			if key == "" {
				key = sess.ID()
			}
			if _, _, err := r.interceptor.ChargeTokens(key, sess.WorkspaceRoot(), resp.ModelID, resp.PromptTokens, resp.CompletionTokens); err != nil {
				return TurnResult{}, err
			}
		}

		if len(resp.ToolCalls) == 0 {
			sess.AppendMessage(session.Message{Role: session.RoleAssistant, Content: resp.Text})
			if err := r.persist(sess); err != nil {
				return TurnResult{}, err
			}
			return TurnResult{FinalText: resp.Text, Iterations: iter + 1}, nil
		}

		if resp.Text != "" {
			sess.AppendMessage(session.Message{Role: session.RoleAssistant, Content: resp.Text})
		}

		for _, call := range resp.ToolCalls {
			result := r.dispatchToolCall(ctx, sess, call, budgetSessionID)
			sess.AppendMessage(session.Message{
				Role:       session.RoleTool,
				Content:    result.Content,
				ToolName:   call.ToolName,
				ToolCallID: result.ToolCallID,
				IsError:    result.IsError,
			})
		}
	}
}

func (r *Runtime) dispatchToolCall(ctx context.Context, sess *session.Session, call ToolCall, budgetSessionID string) ToolResult {
	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		res := hook(ctx, PreToolCall, call)
		if res.Block {
			reason := res.Reason
			if reason == "" {
				reason = "hook-blocked"
			}
			_ = r.interceptor.DenySystem(sess.ID(), call.Action, kernelerrors.CodeRateLimited, "hook-blocked: "+reason)
			return ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool call blocked: %s", reason), IsError: true}
		}
	}

	icCtx := interceptor.Context{
		SessionID:       sess.ID(),
		WorkspaceRoot:   sess.WorkspaceRoot(),
		BudgetSessionID: budgetSessionID,
	}
	if _, err := r.interceptor.Intercept(ctx, call.Action, icCtx); err != nil {
		if r.log != nil {
			_ = r.log.Warn(logging.CategoryInterceptor, "tool-call-denied", err.Error(), map[string]any{"session": sess.ID(), "tool": call.ToolName})
		}
		return ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}

	result, err := r.tools.Execute(ctx, call)
	if err != nil {
		result = ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	result.ToolCallID = call.ID

	r.mu.RLock()
	postHooks := append([]PostHook(nil), r.postHooks...)
	r.mu.RUnlock()
	for _, hook := range postHooks {
		hook(ctx, call, result)
	}
	return result
}

func (r *Runtime) persist(sess *session.Session) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(sess); err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodeInternal, "session persist failed")
	}
	return nil
}

// SpawnRequest describes a subagent spawn attempt.
type SpawnRequest struct {
	ParentSessionID string
	WorkspaceRoot   string
	Depth           int // delegation depth of the parent, 0 for a root session
	SpawnAction     action.Action
	SystemPrompt    string
	Input           string
}

// SpawnSubagent launches a nested runtime turn under the concurrency
// semaphore, spawn rate limiter, and delegation depth limit. Exceeding
// the configured concurrency or depth returns rate-limited and records
// an audit entry. The child gets its own session and audit chain segment
// but charges the parent's budget accumulator.
func (r *Runtime) SpawnSubagent(ctx context.Context, req SpawnRequest) (*session.Session, TurnResult, error) {
	if req.Depth+1 > r.cfg.MaxDelegationDepth {
		err := r.interceptor.DenySystem(req.ParentSessionID, req.SpawnAction, kernelerrors.CodeRateLimited,
			fmt.Sprintf("delegation depth %d exceeds max %d", req.Depth+1, r.cfg.MaxDelegationDepth))
		return nil, TurnResult{}, err
	}

	if !r.spawnLimiter.Allow() {
		err := r.interceptor.DenySystem(req.ParentSessionID, req.SpawnAction, kernelerrors.CodeRateLimited, "subagent spawn rate exceeded")
		return nil, TurnResult{}, err
	}

	if !r.subagentSem.TryAcquire(1) {
		err := r.interceptor.DenySystem(req.ParentSessionID, req.SpawnAction, kernelerrors.CodeRateLimited,
			fmt.Sprintf("concurrent subagent limit (%d) reached", r.cfg.MaxConcurrentSubagents))
		return nil, TurnResult{}, err
	}
	defer r.subagentSem.Release(1)

	child := r.CreateSession(req.ParentSessionID+"-sub", req.WorkspaceRoot)
	defer r.EndSession(child.ID())

	result, err := r.RunTurn(ctx, child, req.SystemPrompt, req.Input, req.ParentSessionID)
	return child, result, err
}

// SpawnSubagentsConcurrently runs several subagent spawns concurrently,
// stopping at the first failure and cancelling the rest, using the same
// errgroup-based fan-out pattern as the parallel backend dispatch.
func (r *Runtime) SpawnSubagentsConcurrently(ctx context.Context, reqs []SpawnRequest) ([]*session.Session, error) {
	results := make([]*session.Session, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			child, _, err := r.SpawnSubagent(gctx, req)
			if err != nil {
				return err
			}
			results[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
