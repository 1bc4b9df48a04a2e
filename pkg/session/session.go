// Package session implements the agent session: the
// owner of conversation state and escape-decision memory. Budget and
// allowance scopes are keyed by the session id; a Session holds no
// handle to the interceptor.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentineld/kernel/pkg/workspace"
)

// Role discriminates a conversation message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the persistable snapshot of a Session.
type State struct {
	ID            string          `json:"id"`
	WorkspaceRoot string          `json:"workspace_root"`
	CreatedAt     time.Time       `json:"created_at"`
	History       []Message       `json:"history"`
	EscapeState   workspace.State `json:"escape_state"`
}

// envelope is the versioned on-disk wrapper around State, allowing the
// persistence format to evolve without breaking old session files.
type envelope struct {
	Version int   `json:"version"`
	Data    State `json:"data"`
}

const currentVersion = 1

// Session owns one agent conversation: its history, its workspace's
// escape-decision memory, and identifiers threading it through the
// interceptor, budget tracker, and audit log. Session itself holds no
// reference to those stores directly; callers pass Session.ID and
// Session.WorkspaceRoot into Interceptor.Intercept.
type Session struct {
	mu            sync.Mutex
	id            string
	workspaceRoot string
	createdAt     time.Time
	history       []Message
	escape        *workspace.Handler
}

// New creates a Session rooted at workspaceRoot with a freshly generated
// id derived from base.
func New(base, workspaceRoot string) *Session {
	return &Session{
		id:            GenerateID(base),
		workspaceRoot: workspaceRoot,
		createdAt:     time.Now().UTC(),
		escape:        workspace.NewHandler(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// WorkspaceRoot returns the session's workspace root.
func (s *Session) WorkspaceRoot() string { return s.workspaceRoot }

// Escape returns the session's escape-decision handler.
func (s *Session) Escape() *workspace.Handler { return s.escape }

// AppendMessage appends msg to the conversation history.
func (s *Session) AppendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.history = append(s.history, msg)
}

// History returns a copy of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot captures the current session state for persistence.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]Message, len(s.history))
	copy(history, s.history)
	return State{
		ID:            s.id,
		WorkspaceRoot: s.workspaceRoot,
		CreatedAt:     s.createdAt,
		History:       history,
		EscapeState:   s.escape.ExportState(),
	}
}

// Restore loads state into a Session, replacing its conversation history
// and escape-decision memory. The escape state is restored through
// Handler.RestoreState, which rejects relative or non-canonicalisable
// paths.
func Restore(state State) *Session {
	s := &Session{
		id:            state.ID,
		workspaceRoot: state.WorkspaceRoot,
		createdAt:     state.CreatedAt,
		history:       append([]Message(nil), state.History...),
		escape:        workspace.NewHandler(),
	}
	s.escape.RestoreState(state.EscapeState)
	return s
}

// Store persists Session snapshots to and loads them from a directory,
// one JSON file per session, via atomic write-to-temp-then-rename.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, creating the directory if
// needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// Save persists s atomically.
func (st *Store) Save(s *Session) error {
	env := envelope{Version: currentVersion, Data: s.Snapshot()}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	path := st.path(s.ID())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session file into place: %w", err)
	}
	return nil
}

// Load reads a previously saved session by id.
func (st *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(st.path(id))
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return Restore(env.Data), nil
}

// List returns the ids of all sessions persisted in the store.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

// Delete removes a session's persisted state.
func (st *Store) Delete(id string) error {
	err := os.Remove(st.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}
