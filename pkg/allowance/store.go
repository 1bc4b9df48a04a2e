package allowance

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentineld/kernel/pkg/action"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/signer"
)

// Allowance is the persisted tuple: allowance id, action
// pattern, created-at, optional expiry, optional max-uses, optional
// remaining-uses, session-only flag, optional workspace root, issuer
// signature.
type Allowance struct {
	ID             string
	Pattern        Pattern
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	MaxUses        *int
	RemainingUses  *int
	SessionOnly    bool
	SessionID      string // which session created/owns a session-only allowance
	WorkspaceRoot  string // empty means not workspace-scoped
	Signature      []byte
}

func (a Allowance) signingPayload() []byte {
	return []byte(a.ID + "|" + a.Pattern.String() + "|" + a.WorkspaceRoot)
}

func (a Allowance) expired(now time.Time) bool {
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return true
	}
	if a.RemainingUses != nil && *a.RemainingUses <= 0 {
		return true
	}
	return false
}

// Store holds all live allowances for the kernel. Readers may run in
// parallel; grants and revocations serialize.
type Store struct {
	mu         sync.RWMutex
	allowances map[string]*Allowance
	signer     *signer.Signer
	now        func() time.Time
}

// NewStore creates an empty allowance store signed by sign.
func NewStore(sign *signer.Signer) *Store {
	return &Store{
		allowances: make(map[string]*Allowance),
		signer:     sign,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// GrantInput describes a new allowance to create.
type GrantInput struct {
	Pattern       Pattern
	ExpiresAt     *time.Time
	MaxUses       *int
	SessionOnly   bool
	SessionID     string
	WorkspaceRoot string
}

// Grant creates and signs a new allowance.
func (s *Store) Grant(in GrantInput) (*Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Allowance{
		ID:            uuid.NewString(),
		Pattern:       in.Pattern,
		CreatedAt:     s.now(),
		ExpiresAt:     in.ExpiresAt,
		SessionOnly:   in.SessionOnly,
		SessionID:     in.SessionID,
		WorkspaceRoot: in.WorkspaceRoot,
	}
	if in.MaxUses != nil {
		uses := *in.MaxUses
		a.MaxUses = &uses
		remaining := uses
		a.RemainingUses = &remaining
	}
	a.Signature = s.signer.Sign(signer.Hash(a.signingPayload()))
	s.allowances[a.ID] = a

	cp := *a
	return &cp, nil
}

// Match finds a non-expired allowance covering a within workspaceRoot
// (empty string if the session has no known workspace), consumes one use,
// and returns its id. Workspace-scoped allowances whose WorkspaceRoot does
// not equal the supplied workspaceRoot never match — this is what keeps an
// allowance created in workspace A from authorising an action in workspace B
// ( testable property "workspace scope does not leak").
func (s *Store) Match(a action.Action, workspaceRoot string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, allow := range s.allowances {
		if allow.expired(now) {
			continue
		}
		if allow.WorkspaceRoot != "" && allow.WorkspaceRoot != workspaceRoot {
			continue
		}
		if !allow.Pattern.Matches(a, workspaceRoot) {
			continue
		}
		if allow.RemainingUses != nil {
			*allow.RemainingUses--
			if *allow.RemainingUses <= 0 {
				delete(s.allowances, id)
			}
		}
		return id, nil
	}
	return "", kernelerrors.New(kernelerrors.CodeAllowanceMissing, "no allowance matches action")
}

// Revoke removes an allowance by id.
func (s *Store) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowances, id)
}

// ClearSession discards every session-only allowance owned by sessionID.
// Workspace-scoped (non-session-only) allowances survive.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.allowances {
		if a.SessionOnly && a.SessionID == sessionID {
			delete(s.allowances, id)
		}
	}
}

// List returns all live allowances, opportunistically evicting expired
// ones.
func (s *Store) List() []Allowance {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Allowance, 0, len(s.allowances))
	for id, a := range s.allowances {
		if a.expired(now) {
			delete(s.allowances, id)
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Count returns the number of live allowances.
func (s *Store) Count() int {
	return len(s.List())
}

// Verify checks an allowance's issuer signature against pub.
func (a Allowance) Verify(pub ed25519.PublicKey) bool {
	return signer.Verify(pub, signer.Hash(a.signingPayload()), a.Signature)
}
