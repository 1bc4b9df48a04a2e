package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// RPCMessage is a JSON-RPC 2.0 envelope exchanged with a subprocess
// plugin over stdio ("the agent speaks to them over a
// JSON-RPC channel").
type RPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// SubprocessConfig configures how a subprocess-tier plugin is launched
// and sandboxed.
type SubprocessConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration // 0 disables the per-call timeout
}

// Subprocess manages a sandboxed plugin child process and its JSON-RPC
// channel. Isolation is OS-level process-group containment (teacher's
// pkg/sandbox.Execute Setpgid pattern); namespace/Landlock or
// profile-based confinement is a further per-OS hook this leaves as an
// extension point (names it but the original provides no
// portable Go equivalent to port).
type Subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      sync.Mutex
	pending map[int64]chan RPCMessage
	nextID  atomic.Int64
	closed  bool
}

// StartSubprocess launches the plugin child process and begins reading
// its JSON-RPC responses in the background.
func StartSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, kernelerrors.New(kernelerrors.CodePluginLoadFailed, "subprocess plugin command is empty")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "open plugin stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "open plugin stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "start plugin subprocess")
	}

	sp := &Subprocess{cmd: cmd, stdin: stdin, stdout: stdout, pending: make(map[int64]chan RPCMessage)}
	go sp.readLoop()
	return sp, nil
}

func (sp *Subprocess) readLoop() {
	scanner := bufio.NewScanner(sp.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg RPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			continue
		}
		sp.mu.Lock()
		ch, ok := sp.pending[*msg.ID]
		if ok {
			delete(sp.pending, *msg.ID)
		}
		sp.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// Call sends method/params and blocks for the matching response, or
// until ctx is done or the configured timeout elapses.
func (sp *Subprocess) Call(ctx context.Context, cfg SubprocessConfig, method string, params any) (RPCMessage, error) {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return RPCMessage{}, kernelerrors.New(kernelerrors.CodePluginExecFailed, "subprocess plugin closed")
	}
	id := sp.nextID.Add(1)
	respCh := make(chan RPCMessage, 1)
	sp.pending[id] = respCh
	sp.mu.Unlock()

	var paramsBytes json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return RPCMessage{}, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "marshal plugin call params")
		}
		paramsBytes = b
	}
	data, err := json.Marshal(RPCMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsBytes})
	if err != nil {
		return RPCMessage{}, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "marshal plugin call")
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if _, err := sp.stdin.Write(append(data, '\n')); err != nil {
		sp.mu.Lock()
		delete(sp.pending, id)
		sp.mu.Unlock()
		return RPCMessage{}, kernelerrors.Wrap(err, kernelerrors.CodePluginExecFailed, "write plugin call")
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp, kernelerrors.New(kernelerrors.CodePluginExecFailed, fmt.Sprintf("plugin error %d: %s", resp.Error.Code, resp.Error.Message))
		}
		return resp, nil
	case <-ctx.Done():
		sp.mu.Lock()
		delete(sp.pending, id)
		sp.mu.Unlock()
		return RPCMessage{}, kernelerrors.Wrap(ctx.Err(), kernelerrors.CodePluginExecFailed, "plugin call timed out or cancelled")
	}
}

// Close terminates the subprocess and its process group.
func (sp *Subprocess) Close() error {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return nil
	}
	sp.closed = true
	sp.mu.Unlock()

	_ = sp.stdin.Close()
	if sp.cmd.Process != nil {
		_ = syscall.Kill(-sp.cmd.Process.Pid, syscall.SIGTERM)
	}
	return sp.cmd.Wait()
}
