package daemon

import (
	"context"
	"encoding/json"

	"github.com/sentineld/kernel/pkg/allowance"
	"github.com/sentineld/kernel/pkg/approval"
	"github.com/sentineld/kernel/pkg/audit"
	"github.com/sentineld/kernel/pkg/budget"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/eventbus"
	"github.com/sentineld/kernel/pkg/mcpserver"
)

type methodFunc func(d *Server, c *connState, params json.RawMessage) (any, error)

var methods = map[string]methodFunc{
	"createSession":       handleCreateSession,
	"resumeSession":       handleResumeSession,
	"sendInput":           handleSendInput,
	"approvalResponse":    handleApprovalResponse,
	"elicitationResponse": handleElicitationResponse,
	"listSessions":        handleListSessions,
	"endSession":          handleEndSession,
	"status":              handleStatus,
	"listServers":         handleListServers,
	"startServer":         handleStartServer,
	"stopServer":          handleStopServer,
	"listTools":           handleListTools,
	"listPlugins":         handleListPlugins,
	"loadPlugin":          handleLoadPlugin,
	"unloadPlugin":        handleUnloadPlugin,
	"sessionBudget":       handleSessionBudget,
	"sessionAllowances":   handleSessionAllowances,
	"sessionAudit":        handleSessionAudit,
	"saveSession":         handleSaveSession,
	"cancelTurn":          handleCancelTurn,
	"shutdown":            handleShutdown,
	"subscribeEvents":     handleSubscribeEvents,
}

func decodeParams(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "invalid request parameters")
	}
	return nil
}

type createSessionParams struct {
	Base          string `json:"base"`
	WorkspaceRoot string `json:"workspaceRoot"`
}

type sessionRef struct {
	SessionID     string `json:"sessionId"`
	WorkspaceRoot string `json:"workspaceRoot"`
}

func handleCreateSession(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p createSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.WorkspaceRoot == "" {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "workspaceRoot is required")
	}
	base := p.Base
	if base == "" {
		base = "session"
	}
	sess := d.runtime.CreateSession(base, p.WorkspaceRoot)
	return sessionRef{SessionID: sess.ID(), WorkspaceRoot: sess.WorkspaceRoot()}, nil
}

type resumeSessionParams struct {
	SessionID string `json:"sessionId"`
}

type resumeSessionResult struct {
	sessionRef
	HistoryLength int `json:"historyLength"`
}

func handleResumeSession(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p resumeSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, active := d.runtime.GetSession(p.SessionID); active {
		return nil, newDaemonError(CodeSessionExists, "session is already active")
	}
	sess, err := d.runtime.ResumeSession(p.SessionID)
	if err != nil {
		return nil, newDaemonError(CodeSessionNotFound, "session not found")
	}
	return resumeSessionResult{
		sessionRef:    sessionRef{SessionID: sess.ID(), WorkspaceRoot: sess.WorkspaceRoot()},
		HistoryLength: len(sess.History()),
	}, nil
}

type sendInputParams struct {
	SessionID       string `json:"sessionId"`
	SystemPrompt    string `json:"systemPrompt"`
	Input           string `json:"input"`
	BudgetSessionID string `json:"budgetSessionId"`
}

// handleSendInput dispatches a turn and returns immediately; the turn's
// progress and outcome arrive as events over subscribeEvents, not as
// this call's result, matching a daemon whose clients are interactive
// frontends that stay connected for the life of a session rather than
// waiting synchronously on a single request.
func handleSendInput(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p sendInputParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, ok := d.runtime.GetSession(p.SessionID)
	if !ok {
		return nil, newDaemonError(CodeSessionNotFound, "session not found")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.trackTurn(p.SessionID, cancel)

	go func() {
		defer cancel()
		defer d.untrackTurn(p.SessionID)

		d.publish(ctx, kindTurnStarted, p.SessionID, nil)
		result, err := d.runtime.RunTurn(ctx, sess, p.SystemPrompt, p.Input, p.BudgetSessionID)
		if err != nil {
			d.publish(ctx, kindTurnError, p.SessionID, map[string]any{"error": err.Error()})
			return
		}
		d.publish(ctx, kindTurnText, p.SessionID, map[string]any{"text": result.FinalText})
		d.publish(ctx, kindTurnComplete, p.SessionID, map[string]any{"iterations": result.Iterations})
	}()

	return resolvedResult{Resolved: true}, nil
}

type approvalResponseParams struct {
	RequestID string `json:"requestId"`
	Scope     string `json:"scope"`
	UserID    string `json:"userId"`
}

type resolvedResult struct {
	Resolved bool `json:"resolved"`
}

func handleApprovalResponse(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p approvalResponseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ok := d.interceptor.Approval().Resolve(p.RequestID, approval.Response{Scope: approval.Scope(p.Scope), UserID: p.UserID})
	return resolvedResult{Resolved: ok}, nil
}

type elicitationResponseParams struct {
	RequestID string `json:"requestId"`
	Value     string `json:"value"`
	Cancelled bool   `json:"cancelled"`
}

func handleElicitationResponse(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p elicitationResponseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ok := d.elicitations.Resolve(p.RequestID, ElicitationResponse{RequestID: p.RequestID, Value: p.Value, Cancelled: p.Cancelled})
	return resolvedResult{Resolved: ok}, nil
}

type listSessionsResult struct {
	Active    []string `json:"active"`
	Persisted []string `json:"persisted"`
}

func handleListSessions(d *Server, c *connState, params json.RawMessage) (any, error) {
	result := listSessionsResult{Active: d.runtime.Sessions()}
	if d.sessionStore != nil {
		if persisted, err := d.sessionStore.List(); err == nil {
			result.Persisted = persisted
		}
	}
	return result, nil
}

type endSessionParams struct {
	SessionID string `json:"sessionId"`
}

func handleEndSession(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p endSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	d.runtime.EndSession(p.SessionID)
	return resolvedResult{Resolved: true}, nil
}

type statusResult struct {
	ShuttingDown   bool `json:"shuttingDown"`
	ActiveSessions int  `json:"activeSessions"`
}

func handleStatus(d *Server, c *connState, params json.RawMessage) (any, error) {
	return statusResult{
		ShuttingDown:   d.shuttingDown.Load(),
		ActiveSessions: len(d.runtime.Sessions()),
	}, nil
}

type listServersResult struct {
	Servers []mcpserver.ServerStatus `json:"servers"`
}

func handleListServers(d *Server, c *connState, params json.RawMessage) (any, error) {
	if d.servers == nil {
		return listServersResult{}, nil
	}
	return listServersResult{Servers: d.servers.Status()}, nil
}

type serverNameParams struct {
	Name string `json:"name"`
}

func handleStartServer(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p serverNameParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if d.servers == nil {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "no tool server manager configured")
	}
	if err := d.servers.ConnectServer(context.Background(), p.Name); err != nil {
		return nil, err
	}
	return resolvedResult{Resolved: true}, nil
}

func handleStopServer(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p serverNameParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if d.servers == nil {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "no tool server manager configured")
	}
	if err := d.servers.DisconnectServer(p.Name); err != nil {
		return nil, err
	}
	return resolvedResult{Resolved: true}, nil
}

type listToolsResult struct {
	Tools []mcpserver.ToolWithServer `json:"tools"`
}

func handleListTools(d *Server, c *connState, params json.RawMessage) (any, error) {
	if d.servers == nil {
		return listToolsResult{}, nil
	}
	return listToolsResult{Tools: d.servers.AllTools()}, nil
}

type pluginSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier"`
	Dir  string `json:"dir"`
}

type listPluginsResult struct {
	Plugins []pluginSummary `json:"plugins"`
}

func handleListPlugins(d *Server, c *connState, params json.RawMessage) (any, error) {
	if d.plugins == nil {
		return listPluginsResult{}, nil
	}
	var out []pluginSummary
	for _, id := range d.plugins.List() {
		inst, ok := d.plugins.Get(id)
		if !ok {
			continue
		}
		out = append(out, pluginSummary{ID: inst.ID, Name: inst.Manifest.DisplayName(), Tier: string(inst.Tier), Dir: inst.Dir})
	}
	return listPluginsResult{Plugins: out}, nil
}

type loadPluginParams struct {
	Dir string `json:"dir"`
}

type loadPluginResult struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}

func handleLoadPlugin(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p loadPluginParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if d.plugins == nil {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "no plugin registry configured")
	}
	inst, err := d.plugins.Load(context.Background(), p.Dir, d.cfg.PluginLoad)
	if err != nil {
		return nil, err
	}
	return loadPluginResult{ID: inst.ID, Tier: string(inst.Tier)}, nil
}

type unloadPluginParams struct {
	ID string `json:"id"`
}

func handleUnloadPlugin(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p unloadPluginParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if d.plugins == nil {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "no plugin registry configured")
	}
	if err := d.plugins.Unload(p.ID); err != nil {
		return nil, err
	}
	return resolvedResult{Resolved: true}, nil
}

type sessionBudgetParams struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
}

func handleSessionBudget(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p sessionBudgetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	tracker := d.interceptor.Budget()
	if tracker == nil {
		return budget.Status{}, nil
	}
	return tracker.Status(p.SessionID, p.WorkspaceID), nil
}

type sessionAllowancesResult struct {
	Allowances []allowance.Allowance `json:"allowances"`
}

func handleSessionAllowances(d *Server, c *connState, params json.RawMessage) (any, error) {
	store := d.interceptor.Allowance()
	if store == nil {
		return sessionAllowancesResult{}, nil
	}
	return sessionAllowancesResult{Allowances: store.List()}, nil
}

type sessionAuditParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

type sessionAuditResult struct {
	Entries []audit.Entry     `json:"entries"`
	Chain   audit.VerifyResult `json:"chain"`
}

func handleSessionAudit(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p sessionAuditParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	log := d.interceptor.Audit()
	if log == nil {
		return sessionAuditResult{}, nil
	}
	entries, err := log.Iterate(p.SessionID, p.Limit)
	if err != nil {
		return nil, err
	}
	// The chain is verified from genesis: a session-filtered slice has
	// no genesis entry and breaks the hash links.
	all, err := log.Iterate("", 0)
	if err != nil {
		return nil, err
	}
	return sessionAuditResult{Entries: entries, Chain: audit.VerifyChain(all)}, nil
}

type saveSessionParams struct {
	SessionID string `json:"sessionId"`
}

func handleSaveSession(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p saveSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, ok := d.runtime.GetSession(p.SessionID)
	if !ok {
		return nil, newDaemonError(CodeSessionNotFound, "session not found")
	}
	if d.sessionStore == nil {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "no session store configured")
	}
	if err := d.sessionStore.Save(sess); err != nil {
		return nil, err
	}
	return resolvedResult{Resolved: true}, nil
}

type cancelTurnParams struct {
	SessionID string `json:"sessionId"`
}

func handleCancelTurn(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p cancelTurnParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return resolvedResult{Resolved: d.cancelTurn(p.SessionID)}, nil
}

func handleShutdown(d *Server, c *connState, params json.RawMessage) (any, error) {
	go d.Shutdown()
	return resolvedResult{Resolved: true}, nil
}

type subscribeEventsParams struct {
	Subjects []string `json:"subjects"`
}

func handleSubscribeEvents(d *Server, c *connState, params json.RawMessage) (any, error) {
	var p subscribeEventsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Subjects) == 0 {
		p.Subjects = []string{"*"}
	}
	if d.bus == nil {
		return resolvedResult{Resolved: false}, nil
	}
	for _, subject := range p.Subjects {
		sub, err := d.bus.Subscribe(context.Background(), subject, func(ev eventbus.Event) {
			data, merr := json.Marshal(ev)
			if merr != nil {
				return
			}
			c.enqueue(Response{JSONRPC: "2.0", Method: "event", Result: data})
		})
		if err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodeInternal, "subscribe to event bus")
		}
		c.subs = append(c.subs, sub)
	}
	return resolvedResult{Resolved: true}, nil
}
