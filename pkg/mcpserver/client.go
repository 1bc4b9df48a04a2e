package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// Message is a JSON-RPC 2.0 envelope exchanged with a tool server.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorResponse  `json:"error,omitempty"`
}

// ErrorResponse is a JSON-RPC error object.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ServerInfo describes a connected tool server.
type ServerInfo struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	ProtocolVer  string `json:"protocolVersion"`
	Instructions string `json:"instructions,omitempty"`
}

// ToolDefinition describes one tool a server exposes.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolCallResult is the outcome of invoking a tool.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of a tool result or resource body.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Resource describes a resource a server exposes.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// Client speaks JSON-RPC to a single external tool server, over either
// a subprocess's stdio pipes or a network stream.
type Client struct {
	name string
	cmd  *exec.Cmd
	conn net.Conn
	w    io.WriteCloser
	r    io.ReadCloser

	mu      sync.Mutex
	pending map[int64]chan *Message
	msgID   atomic.Int64
	closed  bool

	serverInfo *ServerInfo
	tools      []ToolDefinition
	resources  []Resource
}

// NewClient starts or dials the server named by cfg and begins reading
// its JSON-RPC responses in the background. It does not perform the
// initialize handshake; call Initialize for that.
func NewClient(cfg ServerConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	switch cfg.Transport {
	case TransportNetwork:
		conn, err := net.Dial("tcp", cfg.NetworkAddress)
		if err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "dial tool server")
		}
		c := newClientWithPipes(cfg.Name, conn, conn)
		c.conn = conn
		return c, nil
	default:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = cfg.Env
		cmd.Dir = cfg.Dir

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "open tool server stdin")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "open tool server stdout")
		}
		if err := cmd.Start(); err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "start tool server")
		}
		c := newClientWithPipes(cfg.Name, stdin, stdout)
		c.cmd = cmd
		return c, nil
	}
}

// newClientWithPipes wires a Client directly to a transport's read/write
// ends and starts the background response reader. Exercised directly by
// tests to simulate a tool server without spawning a real subprocess.
func newClientWithPipes(name string, w io.WriteCloser, r io.ReadCloser) *Client {
	c := &Client{name: name, w: w, r: r, pending: make(map[int64]chan *Message)}
	go c.readResponses()
	return c
}

func (c *Client) readResponses() {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (*Message, error) {
	id := c.msgID.Add(1)

	var paramsBytes json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "marshal tool server call params")
		}
		paramsBytes = b
	}
	data, err := json.Marshal(Message{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsBytes})
	if err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "marshal tool server call")
	}

	respCh := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, kernelerrors.New(kernelerrors.CodePluginExecFailed, "tool server connection closed")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "write tool server call")
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, kernelerrors.Wrap(ctx.Err(), kernelerrors.CodePluginExecFailed, "tool server call timed out or cancelled")
	}
}

// Initialize performs the MCP handshake and caches the server's
// self-reported identity.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo":      map[string]any{"name": "sentineld", "version": "1.0.0"},
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return kernelerrors.New(kernelerrors.CodePluginExecFailed, fmt.Sprintf("initialize error: %s", resp.Error.Message))
	}

	var result struct {
		ServerInfo  ServerInfo `json:"serverInfo"`
		ProtocolVer string     `json:"protocolVersion"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "parse initialize result")
	}
	result.ServerInfo.ProtocolVer = result.ProtocolVer
	c.serverInfo = &result.ServerInfo

	notif, _ := json.Marshal(Message{JSONRPC: "2.0", Method: "notifications/initialized"})
	_, _ = c.w.Write(append(notif, '\n'))
	return nil
}

// ListTools fetches and caches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, kernelerrors.New(kernelerrors.CodePluginExecFailed, fmt.Sprintf("tools/list error: %s", resp.Error.Message))
	}
	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "parse tools/list result")
	}
	c.tools = result.Tools
	return result.Tools, nil
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := map[string]any{"name": name, "arguments": arguments}
	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, kernelerrors.New(kernelerrors.CodePluginExecFailed, fmt.Sprintf("tools/call error: %s", resp.Error.Message))
	}
	var result ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "parse tools/call result")
	}
	return &result, nil
}

// ListResources fetches and caches the server's resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, kernelerrors.New(kernelerrors.CodePluginExecFailed, fmt.Sprintf("resources/list error: %s", resp.Error.Message))
	}
	var result resourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "parse resources/list result")
	}
	c.resources = result.Resources
	return result.Resources, nil
}

// ReadResource reads the content of a single resource.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ContentBlock, error) {
	resp, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, kernelerrors.New(kernelerrors.CodePluginExecFailed, fmt.Sprintf("resources/read error: %s", resp.Error.Message))
	}
	var result struct {
		Contents []ContentBlock `json:"contents"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "parse resource content")
	}
	return result.Contents, nil
}

// ServerInfo returns the server's self-reported identity, or nil before
// Initialize has completed.
func (c *Client) ServerInfo() *ServerInfo { return c.serverInfo }

// Tools returns the most recently cached tool catalog.
func (c *Client) Tools() []ToolDefinition { return c.tools }

// Resources returns the most recently cached resource catalog.
func (c *Client) Resources() []Resource { return c.resources }

// Name returns the server's configured name.
func (c *Client) Name() string { return c.name }

// Closed reports whether the process exited or the connection was shut
// down, used by the manager's restart supervisor.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close terminates the connection (and, for subprocess transport, waits
// for the child process to exit).
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.mu.Unlock()

	_ = c.w.Close()
	if c.r != c.w {
		_ = c.r.Close()
	}
	if c.cmd != nil {
		return c.cmd.Wait()
	}
	return nil
}
