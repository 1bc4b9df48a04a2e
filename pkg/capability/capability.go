// Package capability implements the capability token store: time- or
// use-bounded grants on a specific resource pattern, signed by the kernel's
// signer and checked against incoming actions by the security interceptor.
package capability

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentineld/kernel/pkg/action"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/signer"
)

// Token is the persisted tuple ("Capability token"): capability
// id, resource pattern, permission set, issued-at, optional expiry,
// optional remaining-use counter, issuer signature.
type Token struct {
	ID             string
	ResourcePattern string
	Permissions    []action.Permission
	IssuedAt       time.Time
	ExpiresAt      *time.Time
	RemainingUses  *int
	Signature      []byte
}

// signingPayload returns the bytes signed over when the token was issued.
func (t Token) signingPayload() []byte {
	expires := ""
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	uses := ""
	if t.RemainingUses != nil {
		uses = fmt.Sprintf("%d", *t.RemainingUses)
	}
	perms := ""
	for _, p := range t.Permissions {
		perms += string(p) + ","
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		t.ID, t.ResourcePattern, perms, t.IssuedAt.UTC().Format(time.RFC3339Nano), expires, uses))
}

// Verify checks the token's issuer signature against pub.
func (t Token) Verify(pub ed25519.PublicKey) bool {
	return signer.Verify(pub, signer.Hash(t.signingPayload()), t.Signature)
}

func (t Token) expired(now time.Time) bool {
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return true
	}
	if t.RemainingUses != nil && *t.RemainingUses <= 0 {
		return true
	}
	return false
}

func (t Token) hasPermission(p action.Permission) bool {
	for _, got := range t.Permissions {
		if got == p {
			return true
		}
	}
	return false
}

// Matcher decides whether a resource pattern matches an action's resource
// identity. Callers supply one (path/glob-aware, host-aware, etc.); the
// default matcher accepts only a pattern equal to the action's
// Fingerprint or the wildcard "*", keeping the store generic over action
// kinds.
type Matcher func(resourcePattern string, a action.Action) bool

// Store grants, checks, consumes, revokes, lists, and counts capability
// tokens. Readers may run in parallel; grants and revocations serialize
// (concurrency).
type Store struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	signer *signer.Signer
	now    func() time.Time
	match  Matcher
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMatcher overrides the default exact-fingerprint matcher with a caller-supplied
// pattern matcher (e.g. glob-aware for file paths).
func WithMatcher(m Matcher) Option {
	return func(s *Store) { s.match = m }
}

// NewStore creates an empty capability store signed by sign.
func NewStore(sign *signer.Signer, opts ...Option) *Store {
	s := &Store{
		tokens: make(map[string]*Token),
		signer: sign,
		now:    time.Now,
		match:  defaultMatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultMatch(pattern string, a action.Action) bool {
	return pattern == a.Fingerprint() || pattern == "*"
}

// GrantInput describes a new capability to issue.
type GrantInput struct {
	ResourcePattern string
	Permissions     []action.Permission
	ExpiresAt       *time.Time
	MaxUses         *int
}

// Grant issues a fresh, signed capability token.
func (s *Store) Grant(in GrantInput) (*Token, error) {
	if in.ResourcePattern == "" {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid, "capability grant requires a resource pattern")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := &Token{
		ID:              uuid.NewString(),
		ResourcePattern: in.ResourcePattern,
		Permissions:     in.Permissions,
		IssuedAt:        s.now(),
		ExpiresAt:       in.ExpiresAt,
	}
	if in.MaxUses != nil {
		uses := *in.MaxUses
		tok.RemainingUses = &uses
	}
	tok.Signature = s.signer.Sign(signer.Hash(tok.signingPayload()))
	s.tokens[tok.ID] = tok

	cp := *tok
	return &cp, nil
}

// Check scans issued capabilities for one whose resource pattern matches a
// and whose permission set contains a's implied permission and whose
// lifetime is still valid, returning its id.
func (s *Store) Check(a action.Action) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	needed := a.ImpliedPermission()
	for id, tok := range s.tokens {
		if tok.expired(now) {
			continue
		}
		if !tok.hasPermission(needed) {
			continue
		}
		if !s.match(tok.ResourcePattern, a) {
			continue
		}
		return id, nil
	}
	return "", kernelerrors.New(kernelerrors.CodeCapabilityMissing, "no capability matches action")
}

// Consume decrements the use counter of the named capability atomically,
// revoking it if it reaches zero.
func (s *Store) Consume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok {
		return kernelerrors.New(kernelerrors.CodeCapabilityMissing, "capability not found").WithContext("id", id)
	}
	if tok.expired(s.now()) {
		delete(s.tokens, id)
		return kernelerrors.New(kernelerrors.CodeCapabilityExpired, "capability expired").WithContext("id", id)
	}
	if tok.RemainingUses != nil {
		*tok.RemainingUses--
		if *tok.RemainingUses <= 0 {
			delete(s.tokens, id)
		}
	}
	return nil
}

// Revoke removes a capability by id. It is not an error to revoke a
// capability that no longer exists.
func (s *Store) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
}

// List returns all non-expired capabilities, opportunistically evicting
// expired ones.
func (s *Store) List() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Token, 0, len(s.tokens))
	for id, tok := range s.tokens {
		if tok.expired(now) {
			delete(s.tokens, id)
			continue
		}
		out = append(out, *tok)
	}
	return out
}

// Count returns the number of live (non-expired) capabilities.
func (s *Store) Count() int {
	return len(s.List())
}
