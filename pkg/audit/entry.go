// Package audit implements the append-only, hash-chained, signed audit
// log: every mediation decision the interceptor makes is
// recorded here, and every allowed action carries exactly one proof.
package audit

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"
)

// ProofKind discriminates the authorization-proof variants.
type ProofKind string

const (
	ProofCapabilityToken ProofKind = "capability-token"
	ProofUserApproval    ProofKind = "user-approval"
	ProofAllowance       ProofKind = "allowance"
	ProofSystem          ProofKind = "system"
)

// Proof is the evidence recorded for why an action was allowed (or why it
// was not).
type Proof struct {
	Kind ProofKind

	// capability-token
	CapabilityID string

	// user-approval
	UserID     string
	ApprovalID string

	// allowance
	AllowanceID string

	// system
	Reason string
}

func (p Proof) String() string {
	switch p.Kind {
	case ProofCapabilityToken:
		return fmt.Sprintf("capability(%s)", p.CapabilityID)
	case ProofUserApproval:
		return fmt.Sprintf("user-approval(%s,%s)", p.UserID, p.ApprovalID)
	case ProofAllowance:
		return fmt.Sprintf("allowance(%s)", p.AllowanceID)
	case ProofSystem:
		return fmt.Sprintf("system(reason=%s)", p.Reason)
	default:
		return string(p.Kind)
	}
}

// OutcomeKind discriminates an audit entry's result.
type OutcomeKind string

const (
	OutcomeAllowed   OutcomeKind = "allowed"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome describes the result of an intercepted action.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // populated for failure/cancelled
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// Entry is a single audit record. Genesis (sequence 0) carries the
// signer's public key instead of action/proof/outcome data.
type Entry struct {
	Sequence      uint64
	Timestamp     time.Time
	SessionID     string
	ActionDesc    string
	Proof         Proof
	Outcome       Outcome
	PreviousHash  string
	SelfHash      string
	Signature     []byte
	GenesisPubKey ed25519.PublicKey `json:",omitempty"`
	DomainTag     string            `json:",omitempty"`
}

const domainTag = "sentineld-audit-chain-v1"

// canonicalBytes returns the deterministic byte representation hashed to
// produce SelfHash. It intentionally excludes SelfHash and Signature.
func (e Entry) canonicalBytes() []byte {
	type canon struct {
		Sequence      uint64
		Timestamp     string
		SessionID     string
		ActionDesc    string
		Proof         string
		Outcome       string
		PreviousHash  string
		GenesisPubKey string
		DomainTag     string
	}
	c := canon{
		Sequence:      e.Sequence,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:     e.SessionID,
		ActionDesc:    e.ActionDesc,
		Proof:         e.Proof.String(),
		Outcome:       e.Outcome.String(),
		PreviousHash:  e.PreviousHash,
		GenesisPubKey: string(e.GenesisPubKey),
		DomainTag:     e.DomainTag,
	}
	data, _ := json.Marshal(c)
	return data
}
