// Package daemon implements the daemon control surface: a JSON-RPC 2.0
// transport over a local stream (a Unix domain socket), newline-framed
// the same way the external tool server transport frames its own
// requests, plus a server-push subscription delivering kernel events to
// connected clients.
package daemon

import (
	"encoding/json"
	"fmt"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// Code is the daemon's small, stable integer error code space. Values
// from -32700 to -32603 are the JSON-RPC 2.0 predefined transport-level
// errors; the kernel-specific values -32001 to -32003 sit in the
// range JSON-RPC 2.0 leaves to server-defined errors.
type Code int

const (
	CodeParseError     Code = -32700
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternal       Code = -32603

	CodeSessionNotFound Code = -32001
	CodeSessionExists   Code = -32002
	CodeShuttingDown    Code = -32003
)

// Request is one incoming JSON-RPC call. ID is opaque and echoed back
// verbatim on the matching Response; a notification (no reply expected)
// carries a nil ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a Request, or a server-pushed event framed
// as a notification (Method set, ID empty).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is a JSON-RPC error object carrying a Code from the
// daemon's stable code space.
type ErrorObject struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func errorObject(code Code, message string) *ErrorObject {
	return &ErrorObject{Code: code, Message: message}
}

// daemonError carries a specific Code across the method-handler
// boundary for the cases the daemon itself distinguishes (session
// lookup failures, session collisions); everything else collapses to
// CodeInternal in translateError.
type daemonError struct {
	code    Code
	message string
}

func (e *daemonError) Error() string { return e.message }

func newDaemonError(code Code, message string) error {
	return &daemonError{code: code, message: message}
}

// translateError maps a kernel *errors.Error (or any other error) onto
// the daemon's stable code space. Every kernel failure mode that isn't
// specifically a session-lookup problem surfaces as internal: the RPC
// boundary doesn't re-expose the full security error taxonomy, only
// enough to let a client distinguish retryable transport problems from
// kernel-level denials.
func translateError(err error) *ErrorObject {
	if err == nil {
		return nil
	}
	if derr, ok := err.(*daemonError); ok {
		return errorObject(derr.code, derr.message)
	}
	var kerr *kernelerrors.Error
	if asKernelError(err, &kerr) {
		return errorObject(CodeInternal, kerr.Message)
	}
	return errorObject(CodeInternal, err.Error())
}

func asKernelError(err error, target **kernelerrors.Error) bool {
	k, ok := err.(*kernelerrors.Error)
	if !ok {
		return false
	}
	*target = k
	return true
}

func resultOrError(id json.RawMessage, result any, err error) Response {
	if err != nil {
		return Response{JSONRPC: "2.0", ID: id, Error: translateError(err)}
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		return Response{JSONRPC: "2.0", ID: id, Error: errorObject(CodeInternal, fmt.Sprintf("marshal result: %v", merr))}
	}
	return Response{JSONRPC: "2.0", ID: id, Result: data}
}
