package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestSetsToolAndServer(t *testing.T) {
	req := NewRequest("/etc/passwd", OperationRead, "need config").WithTool("read_file").WithServer("fs")
	assert.Equal(t, OperationRead, req.Operation)
	assert.Equal(t, "read_file", req.ToolName)
	assert.Equal(t, "fs", req.ServerName)
	assert.NotEmpty(t, req.RequestID)
}

func TestDecisionIsAllowedAndShouldRemember(t *testing.T) {
	assert.True(t, DecisionAllowOnce.IsAllowed())
	assert.True(t, DecisionAllowSession.IsAllowed())
	assert.True(t, DecisionAllowAlways.IsAllowed())
	assert.False(t, DecisionDeny.IsAllowed())

	assert.True(t, DecisionAllowAlways.ShouldRemember())
	assert.False(t, DecisionAllowOnce.ShouldRemember())
}

func TestHandlerAllowAlwaysPersistsUntilClearAll(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler()
	req := NewRequest(dir, OperationRead, "test")

	assert.False(t, h.IsAllowed(dir))
	h.ProcessDecision(req, DecisionAllowAlways)
	assert.True(t, h.IsAllowed(dir))

	h.ClearAll()
	assert.False(t, h.IsAllowed(dir))
}

func TestHandlerAllowSessionClearedBySessionClear(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler()
	req := NewRequest(dir, OperationRead, "test")

	h.ProcessDecision(req, DecisionAllowSession)
	assert.True(t, h.IsAllowed(dir))

	h.ClearSession()
	assert.False(t, h.IsAllowed(dir))
}

func TestHandlerAllowOnceIsNotRemembered(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler()
	req := NewRequest(dir, OperationRead, "test")

	h.ProcessDecision(req, DecisionAllowOnce)
	assert.False(t, h.IsAllowed(dir))
}

func TestRestoreStateSkipsRelativePaths(t *testing.T) {
	h := NewHandler()
	h.RestoreState(State{RememberedPaths: []string{"relative/path", "../also/relative"}})
	assert.Empty(t, h.rememberedPaths)
}

func TestRestoreStateSkipsNonExistentAbsolutePaths(t *testing.T) {
	h := NewHandler()
	h.RestoreState(State{RememberedPaths: []string{"/this/path/almost/certainly/does/not/exist/xyz"}})
	assert.Empty(t, h.rememberedPaths)
}

func TestExportThenRestoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	h1 := NewHandler()
	h1.ProcessDecision(NewRequest(dir, OperationRead, "test"), DecisionAllowAlways)
	state := h1.ExportState()
	require.Len(t, state.RememberedPaths, 1)

	h2 := NewHandler()
	h2.RestoreState(state)
	assert.True(t, h2.IsAllowed(dir))
}

func TestFlowFromCheck(t *testing.T) {
	allowed := FlowFromCheck(CheckAllowed, "/w/x", OperationRead, "r")
	assert.Equal(t, FlowAllowed, allowed.Kind)
	assert.Nil(t, allowed.Request)

	denied := FlowFromCheck(CheckNeverAllowed, "/etc/x", OperationRead, "r")
	assert.Equal(t, FlowDenied, denied.Kind)

	needsApproval := FlowFromCheck(CheckRequiresApproval, "/opt/x", OperationWrite, "r")
	assert.Equal(t, FlowNeedsApproval, needsApproval.Kind)
	require.NotNil(t, needsApproval.Request)
	assert.Equal(t, OperationWrite, needsApproval.Request.Operation)
}
