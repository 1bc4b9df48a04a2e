package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentineld/kernel/pkg/approval"
	"github.com/sentineld/kernel/pkg/eventbus"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/interceptor"
	"github.com/sentineld/kernel/pkg/logging"
	"github.com/sentineld/kernel/pkg/mcpserver"
	"github.com/sentineld/kernel/pkg/plugin"
	"github.com/sentineld/kernel/pkg/runtime"
	"github.com/sentineld/kernel/pkg/session"
)

// outboxSize bounds the per-connection event backlog; once a
// connection's outbox is full, further replies and events for it are
// dropped rather than stalling the publisher (the same trade-off the
// kernel event bus makes internally).
const outboxSize = 256

// Config bounds daemon-level behavior not owned by any one mediated
// subsystem: where requests arrive and how long an approval stays
// outstanding before timing out.
type Config struct {
	SocketPath      string        `yaml:"socket_path"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	PluginLoad      plugin.LoadOptions
}

// Server is the daemon control surface: it owns the local socket
// listener, dispatches JSON-RPC requests onto the runtime and its
// constituent stores, and fans out kernel events to subscribed
// connections.
type Server struct {
	cfg Config

	runtime      *runtime.Runtime
	sessionStore *session.Store
	interceptor  *interceptor.Interceptor
	plugins      *plugin.Registry
	servers      *mcpserver.Manager
	bus          eventbus.Bus
	log          *logging.Logger
	elicitations *elicitationManager

	listener net.Listener

	mu          sync.Mutex
	turnCancels map[string]context.CancelFunc

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New assembles a Server. Any of servers/bus/log may be nil; a nil bus
// makes subscribeEvents a no-op subscription that never delivers.
func New(cfg Config, rt *runtime.Runtime, sessionStore *session.Store, ic *interceptor.Interceptor, plugins *plugin.Registry, servers *mcpserver.Manager, bus eventbus.Bus, log *logging.Logger) *Server {
	d := &Server{
		cfg:          cfg,
		runtime:      rt,
		sessionStore: sessionStore,
		interceptor:  ic,
		plugins:      plugins,
		servers:      servers,
		bus:          bus,
		log:          log,
		elicitations: newElicitationManager(),
		turnCancels:  make(map[string]context.CancelFunc),
	}
	if ic != nil && ic.Approval() != nil {
		ic.Approval().SetHandler(approval.HandlerFunc(d.resolveApproval))
	}
	if rt != nil {
		rt.AddHook(d.onPreToolCall)
		rt.AddPostHook(d.onPostToolCall)
	}
	return d
}

// onPreToolCall publishes a tool-call-started event for every in-flight
// turn's tool calls; it never blocks the call (runtime.HookResult.Block
// stays false) since gating already happens inside Intercept.
func (d *Server) onPreToolCall(ctx context.Context, event runtime.HookEvent, call runtime.ToolCall) runtime.HookResult {
	d.publish(ctx, kindToolCallStarted, "", map[string]any{"callId": call.ID, "tool": call.ToolName, "server": call.ServerName})
	return runtime.HookResult{}
}

// onPostToolCall publishes a tool-call-result event once a call's
// outcome is known.
func (d *Server) onPostToolCall(ctx context.Context, call runtime.ToolCall, result runtime.ToolResult) {
	d.publish(ctx, kindToolCallResult, "", map[string]any{"callId": call.ID, "content": result.Content, "isError": result.IsError})
}

// resolveApproval is installed as the approval manager's Handler: it
// publishes the request for any subscribed client to observe, then
// defers to an out-of-band decision delivered through the
// approvalResponse RPC, bounded by the configured approval timeout.
func (d *Server) resolveApproval(ctx context.Context, req approval.Request) (approval.Response, error) {
	d.publish(ctx, kindApprovalNeeded, req.SessionID, map[string]any{
		"requestId":   req.RequestID,
		"description": req.Description,
	})
	if d.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ApprovalTimeout)
		defer cancel()
	}
	return d.interceptor.Approval().Defer(ctx, req)
}

func (d *Server) publish(ctx context.Context, kind eventbus.Kind, sessionID string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(ctx, string(kind), eventbus.Event{Kind: kind, SessionID: sessionID, Timestamp: time.Now().UTC(), Payload: payload})
}

// RequestElicitation asks a connected client for free-form input mid
// tool-call (an MCP elicitation round-trip, or a plugin host function
// prompting for a secret). It publishes an elicitation-needed event and
// blocks until elicitationResponse resolves it or ctx is cancelled.
func (d *Server) RequestElicitation(ctx context.Context, sessionID, prompt string, schema any) (ElicitationResponse, error) {
	resp, _, err := d.elicitations.Request(ctx, sessionID, prompt, schema, func(req ElicitationRequest) {
		d.publish(ctx, kindElicitNeeded, sessionID, map[string]any{"requestId": req.RequestID, "prompt": req.Prompt})
	})
	return resp, err
}

// ListenAndServe opens the configured socket and serves connections
// until ctx is cancelled or Shutdown is called. A stale socket file
// left by a crashed prior instance is removed before binding, the same
// cleanup the tool server subprocess transport performs on its own
// pipes.
func (d *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(d.cfg.SocketPath)
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodeInternal, "listen on daemon socket")
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return kernelerrors.Wrap(err, kernelerrors.CodeInternal, "restrict daemon socket permissions")
	}
	d.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if d.shuttingDown.Load() {
				d.wg.Wait()
				return nil
			}
			select {
			case <-ctx.Done():
				d.wg.Wait()
				return nil
			default:
				return kernelerrors.Wrap(err, kernelerrors.CodeInternal, "accept daemon connection")
			}
		}
		d.wg.Add(1)
		go d.serveConn(nc)
	}
}

// Shutdown marks the daemon as shutting down and closes its listener,
// letting in-flight connections drain.
func (d *Server) Shutdown() {
	d.shuttingDown.Store(true)
	if d.listener != nil {
		_ = d.listener.Close()
	}
}

// connState is the per-connection handle passed to method handlers: its
// outbox is how subscribeEvents and any RPC reply reach the writer
// goroutine.
type connState struct {
	nc   net.Conn
	out  chan Response
	subs []eventbus.Subscription
}

func (d *Server) serveConn(nc net.Conn) {
	defer d.wg.Done()
	defer nc.Close()

	c := &connState{nc: nc, out: make(chan Response, outboxSize)}
	defer func() {
		for _, s := range c.subs {
			s.Unsubscribe()
		}
		close(c.out)
	}()

	go c.writeLoop()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.enqueue(Response{JSONRPC: "2.0", Error: errorObject(CodeParseError, err.Error())})
			continue
		}
		go d.dispatch(c, req)
	}
}

func (c *connState) writeLoop() {
	enc := json.NewEncoder(c.nc)
	for resp := range c.out {
		_ = enc.Encode(resp)
	}
}

// enqueue drops resp if the connection's outbox is full rather than
// blocking the caller; a stalled client should not stall the daemon.
func (c *connState) enqueue(resp Response) {
	select {
	case c.out <- resp:
	default:
	}
}

func (d *Server) dispatch(c *connState, req Request) {
	if d.shuttingDown.Load() && req.Method != "status" {
		c.enqueue(Response{JSONRPC: "2.0", ID: req.ID, Error: errorObject(CodeShuttingDown, "daemon is shutting down")})
		return
	}

	handler, ok := methods[req.Method]
	if !ok {
		c.enqueue(Response{JSONRPC: "2.0", ID: req.ID, Error: errorObject(CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))})
		return
	}

	result, err := handler(d, c, req.Params)
	if req.ID == nil {
		return // notification: no reply
	}
	c.enqueue(resultOrError(req.ID, result, err))
}

func (d *Server) trackTurn(sessionID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.turnCancels[sessionID] = cancel
	d.mu.Unlock()
}

func (d *Server) untrackTurn(sessionID string) {
	d.mu.Lock()
	delete(d.turnCancels, sessionID)
	d.mu.Unlock()
}

func (d *Server) cancelTurn(sessionID string) bool {
	d.mu.Lock()
	cancel, ok := d.turnCancels[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
