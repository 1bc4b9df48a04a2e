package mcpserver

import (
	"context"
	"strings"

	"github.com/sentineld/kernel/pkg/runtime"
)

// Executor adapts a Manager to runtime.ToolExecutor, so a tool call the
// agent runtime has already cleared through the interceptor can be
// dispatched to the right external tool server.
type Executor struct {
	manager *Manager
}

// NewExecutor wraps manager as a runtime.ToolExecutor.
func NewExecutor(manager *Manager) *Executor {
	return &Executor{manager: manager}
}

// Execute calls the tool named by call.ServerName/call.ToolName and
// flattens the result into a single text blob for the session history.
func (e *Executor) Execute(ctx context.Context, call runtime.ToolCall) (runtime.ToolResult, error) {
	args := make(map[string]any, len(call.Arguments))
	for k, v := range call.Arguments {
		args[k] = v
	}

	result, err := e.manager.CallTool(ctx, call.ServerName, call.ToolName, args)
	if err != nil {
		return runtime.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, nil
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(block.Text)
		}
	}
	return runtime.ToolResult{ToolCallID: call.ID, Content: sb.String(), IsError: result.IsError}, nil
}
