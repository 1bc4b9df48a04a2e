package audit

import (
	"fmt"
	"sync"
	"time"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/signer"
)

// Storage is the pluggable persistence surface for the audit chain.
// Implementations need not be safe for concurrent writers: Log itself
// serializes all Append calls ("single writer, many
// readers").
type Storage interface {
	Append(e Entry) error
	Iterate(sessionID string, limit int) ([]Entry, error)
	All() ([]Entry, error)
	LastSequence() (uint64, bool, error)
}

// Log is the hash-chained, signed audit chain. The zero value is not
// usable; construct with New.
type Log struct {
	mu      sync.Mutex
	storage Storage
	signer  *signer.Signer
	now     func() time.Time

	lastHash string
	lastSeq  uint64
	hasHead  bool
}

// New creates a Log backed by storage, bootstrapping a genesis entry
// signed by sign if the storage is empty, or resuming from the existing
// chain head otherwise.
func New(storage Storage, sign *signer.Signer) (*Log, error) {
	l := &Log{storage: storage, signer: sign, now: time.Now}

	seq, ok, err := storage.LastSequence()
	if err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodeAuditAppendFailed, "read audit chain head")
	}
	if ok {
		entries, err := storage.All()
		if err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodeAuditAppendFailed, "load audit chain")
		}
		if len(entries) == 0 {
			return nil, kernelerrors.New(kernelerrors.CodeAuditAppendFailed, "audit storage reports a head but has no entries")
		}
		last := entries[len(entries)-1]
		l.lastHash = last.SelfHash
		l.lastSeq = seq
		l.hasHead = true
		return l, nil
	}

	genesis := Entry{
		Sequence:      0,
		Timestamp:     l.now(),
		GenesisPubKey: sign.PublicKey(),
		DomainTag:     domainTag,
	}
	genesis.SelfHash = signer.HashHex(genesis.canonicalBytes())
	genesis.Signature = sign.Sign(signer.Hash(genesis.canonicalBytes()))
	if err := storage.Append(genesis); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodeAuditAppendFailed, "write genesis entry")
	}
	l.lastHash = genesis.SelfHash
	l.lastSeq = 0
	l.hasHead = true
	return l, nil
}

// Append computes sequence, timestamp, predecessor hash, self hash, and
// signature, writes the entry to storage, and returns it. This is the
// interceptor's commit point: if Append fails, the caller must treat the
// action as denied (fail-closed).
func (l *Log) Append(sessionID, actionDesc string, proof Proof, outcome Outcome) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:     l.lastSeq + 1,
		Timestamp:    l.now(),
		SessionID:    sessionID,
		ActionDesc:   actionDesc,
		Proof:        proof,
		Outcome:      outcome,
		PreviousHash: l.lastHash,
	}
	entry.SelfHash = signer.HashHex(entry.canonicalBytes())
	entry.Signature = l.signer.Sign(signer.Hash(entry.canonicalBytes()))

	if err := l.storage.Append(entry); err != nil {
		return Entry{}, kernelerrors.Wrap(err, kernelerrors.CodeAuditAppendFailed, "append audit entry")
	}
	l.lastHash = entry.SelfHash
	l.lastSeq = entry.Sequence
	return entry, nil
}

// Iterate reads up to limit entries for sessionID, most recent last.
func (l *Log) Iterate(sessionID string, limit int) ([]Entry, error) {
	return l.storage.Iterate(sessionID, limit)
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	OK               bool
	FirstBadSequence uint64
	Reason           string
}

// VerifyChain validates entries in order: genesis must be sequence 0 and
// carry a public key; every subsequent entry's PreviousHash must equal
// the prior entry's SelfHash, its SelfHash must match a fresh recompute,
// and its signature must verify against the genesis public key.
func VerifyChain(entries []Entry) VerifyResult {
	if len(entries) == 0 {
		return VerifyResult{OK: true}
	}
	genesis := entries[0]
	if genesis.Sequence != 0 || len(genesis.GenesisPubKey) == 0 {
		return VerifyResult{OK: false, FirstBadSequence: 0, Reason: "missing or malformed genesis entry"}
	}
	if recomputed := signer.HashHex(genesis.canonicalBytes()); recomputed != genesis.SelfHash {
		return VerifyResult{OK: false, FirstBadSequence: 0, Reason: "genesis self hash mismatch"}
	}
	if !signer.Verify(genesis.GenesisPubKey, signer.Hash(genesis.canonicalBytes()), genesis.Signature) {
		return VerifyResult{OK: false, FirstBadSequence: 0, Reason: "genesis signature invalid"}
	}

	pub := genesis.GenesisPubKey
	prevHash := genesis.SelfHash
	for i := 1; i < len(entries); i++ {
		e := entries[i]
		if e.PreviousHash != prevHash {
			return VerifyResult{OK: false, FirstBadSequence: e.Sequence, Reason: fmt.Sprintf("chain broken at sequence %d: previous hash mismatch", e.Sequence)}
		}
		if recomputed := signer.HashHex(e.canonicalBytes()); recomputed != e.SelfHash {
			return VerifyResult{OK: false, FirstBadSequence: e.Sequence, Reason: fmt.Sprintf("chain broken at sequence %d: self hash mismatch", e.Sequence)}
		}
		if !signer.Verify(pub, signer.Hash(e.canonicalBytes()), e.Signature) {
			return VerifyResult{OK: false, FirstBadSequence: e.Sequence, Reason: fmt.Sprintf("chain broken at sequence %d: signature invalid", e.Sequence)}
		}
		prevHash = e.SelfHash
	}
	return VerifyResult{OK: true}
}
