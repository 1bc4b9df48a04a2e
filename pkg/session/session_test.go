package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/workspace"
)

func TestNewSessionGeneratesIDAndEmptyHistory(t *testing.T) {
	s := New("proj", "/w")
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "/w", s.WorkspaceRoot())
	assert.Empty(t, s.History())
}

func TestAppendMessageStampsTimestampWhenZero(t *testing.T) {
	s := New("proj", "/w")
	s.AppendMessage(Message{Role: RoleUser, Content: "hi"})
	history := s.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Timestamp.IsZero())
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	s := New("proj", "/w")
	s.AppendMessage(Message{Role: RoleUser, Content: "hello"})
	s.AppendMessage(Message{Role: RoleAssistant, Content: "hi there"})

	dir := t.TempDir()
	s.Escape().ProcessDecision(workspace.NewRequest(dir, workspace.OperationRead, "test"), workspace.DecisionAllowAlways)

	snap := s.Snapshot()
	restored := Restore(snap)

	assert.Equal(t, s.ID(), restored.ID())
	assert.Equal(t, s.WorkspaceRoot(), restored.WorkspaceRoot())
	assert.Len(t, restored.History(), 2)
	assert.True(t, restored.Escape().IsAllowed(dir))
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	s := New("proj", "/w")
	s.AppendMessage(Message{Role: RoleUser, Content: "hello"})
	require.NoError(t, store.Save(s))

	loaded, err := store.Load(s.ID())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), loaded.ID())
	assert.Len(t, loaded.History(), 1)
	assert.Equal(t, "hello", loaded.History()[0].Content)
}

func TestStoreDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	s := New("proj", "/w")
	require.NoError(t, store.Save(s))
	require.NoError(t, store.Delete(s.ID()))

	_, err = store.Load(s.ID())
	assert.Error(t, err)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	assert.NoError(t, store.Delete("does-not-exist"))
}
