// Package interceptor implements the security interceptor: the central
// mediator every sensitive action flows through.
package interceptor

import (
	"context"

	"github.com/sentineld/kernel/pkg/action"
	"github.com/sentineld/kernel/pkg/allowance"
	"github.com/sentineld/kernel/pkg/approval"
	"github.com/sentineld/kernel/pkg/audit"
	"github.com/sentineld/kernel/pkg/budget"
	"github.com/sentineld/kernel/pkg/capability"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/eventbus"
	"github.com/sentineld/kernel/pkg/logging"
	"github.com/sentineld/kernel/pkg/metrics"
	"github.com/sentineld/kernel/pkg/policy"
	"github.com/sentineld/kernel/pkg/tracing"
)

// Context carries the per-call information intercept needs beyond the
// action itself.
type Context struct {
	SessionID      string
	WorkspaceRoot  string
	ArgumentSize   int
	EstimatedCost  float64 // 0 means no preflight is performed
	ApprovalReason string

	// BudgetSessionID, if set, is charged instead of SessionID for the
	// budget preflight check. A subagent session audits under its own
	// SessionID but shares its parent's budget accumulator, so the
	// runtime sets this to the parent's session id.
	BudgetSessionID string
}

func (c Context) budgetKey() string {
	if c.BudgetSessionID != "" {
		return c.BudgetSessionID
	}
	return c.SessionID
}

// Proof is returned to the caller on success: the evidence used to grant
// the action, paired with the audit entry that recorded it.
type Proof struct {
	AuditEntry audit.Entry
	ProofKind  audit.ProofKind
}

// Interceptor wires policy, capability, allowance, approval, budget and
// audit into the single `Intercept` mediator call.
type Interceptor struct {
	policy     *policy.Engine
	capability *capability.Store
	allowance  *allowance.Store
	approval   *approval.Manager
	budget     *budget.Tracker
	auditLog   *audit.Log
	log        *logging.Logger
	bus        eventbus.Bus
}

// New assembles an Interceptor from its constituent stores. bus may be
// nil, in which case no events are published.
func New(
	policyEngine *policy.Engine,
	capabilityStore *capability.Store,
	allowanceStore *allowance.Store,
	approvalManager *approval.Manager,
	budgetTracker *budget.Tracker,
	auditLog *audit.Log,
	log *logging.Logger,
	bus eventbus.Bus,
) *Interceptor {
	return &Interceptor{
		policy:     policyEngine,
		capability: capabilityStore,
		allowance:  allowanceStore,
		approval:   approvalManager,
		budget:     budgetTracker,
		auditLog:   auditLog,
		log:        log,
		bus:        bus,
	}
}

// Budget returns the tracker backing this interceptor's budget
// preflight/charge steps, for read-only status queries (session budget
// introspection) that don't belong on the mediation path itself.
func (ic *Interceptor) Budget() *budget.Tracker { return ic.budget }

// Allowance returns the store backing this interceptor's allowance
// checks, for listing and revoking allowances from outside the
// mediation path.
func (ic *Interceptor) Allowance() *allowance.Store { return ic.allowance }

// Audit returns the log backing this interceptor's audit appends, for
// read-only iteration and chain verification.
func (ic *Interceptor) Audit() *audit.Log { return ic.auditLog }

// Approval returns the manager backing this interceptor's approval
// step, for resolving pending requests from outside the mediation path.
func (ic *Interceptor) Approval() *approval.Manager { return ic.approval }

func (ic *Interceptor) publish(ctx context.Context, kind eventbus.Kind, sessionID string, payload map[string]any) {
	if ic.bus == nil {
		return
	}
	_ = ic.bus.Publish(ctx, string(kind), eventbus.Event{Kind: kind, SessionID: sessionID, Payload: payload})
}

// Intercept mediates a, performing, in order: policy check, capability
// check, allowance check, approval (if required), budget preflight,
// audit append, and proof return.
func (ic *Interceptor) Intercept(ctx context.Context, a action.Action, callCtx Context) (Proof, error) {
	ctx, span := tracing.StartSpan(ctx, "mediation.intercept")
	tracing.SetAttributes(ctx,
		tracing.AttrSessionID.String(callCtx.SessionID),
		tracing.AttrWorkspaceRoot.String(callCtx.WorkspaceRoot),
		tracing.AttrActionKind.String(a.Description()),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		tracing.RecordError(ctx, err)
		return ic.appendCancelled(callCtx.SessionID, a)
	}

	// Step 1: policy check.
	policyCtx, policySpan := tracing.StartSpan(ctx, tracing.StagePolicy)
	evalResult, err := ic.policy.Evaluate(a, callCtx.ArgumentSize)
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues(a.Description(), "error").Inc()
		tracing.RecordError(policyCtx, err)
		policySpan.End()
		ic.appendFailure(callCtx.SessionID, a, audit.Proof{Kind: audit.ProofSystem, Reason: err.Error()}, "policy evaluation error")
		return Proof{}, err
	}
	metrics.PolicyDecisions.WithLabelValues(a.Description(), string(evalResult.Decision)).Inc()
	tracing.SetAttributes(policyCtx, tracing.AttrDecision.String(string(evalResult.Decision)))
	policySpan.End()
	if evalResult.Decision == policy.DecisionBlock {
		blockErr := kernelerrors.New(kernelerrors.CodePolicyViolation, evalResult.Reason)
		ic.appendFailure(callCtx.SessionID, a, audit.Proof{Kind: audit.ProofSystem, Reason: evalResult.Reason}, "blocked by policy")
		return Proof{}, blockErr
	}

	var proof audit.Proof
	needsApproval := evalResult.Decision == policy.DecisionRequiresApproval || a.IsIntrinsicallyApprovalGated()

	// Step 2: capability check (preferred evidence, per the tie-break
	// order: capability, then allowance, then approval).
	capCtx, capSpan := tracing.StartSpan(ctx, tracing.StageCapability)
	if capID, capErr := ic.capability.Check(a); capErr == nil {
		if err := ic.capability.Consume(capID); err != nil {
			metrics.CapabilityChecks.WithLabelValues("consume_failed").Inc()
			tracing.RecordError(capCtx, err)
			capSpan.End()
			ic.appendFailure(callCtx.SessionID, a, audit.Proof{Kind: audit.ProofSystem, Reason: err.Error()}, "capability consume failed")
			return Proof{}, err
		}
		metrics.CapabilityChecks.WithLabelValues("matched").Inc()
		tracing.SetAttributes(capCtx, tracing.AttrCapabilityID.String(capID))
		capSpan.End()
		proof = audit.Proof{Kind: audit.ProofCapabilityToken, CapabilityID: capID}
		needsApproval = false
	} else {
		metrics.CapabilityChecks.WithLabelValues("unmatched").Inc()
		capSpan.End()

		// Step 3: allowance check.
		allowCtx, allowSpan := tracing.StartSpan(ctx, tracing.StageAllowance)
		if allowID, ok := ic.tryAllowance(a, callCtx.WorkspaceRoot); ok {
			metrics.AllowanceMatches.WithLabelValues("matched").Inc()
			tracing.SetAttributes(allowCtx, tracing.AttrAllowanceID.String(allowID))
			proof = audit.Proof{Kind: audit.ProofAllowance, AllowanceID: allowID}
			needsApproval = false
		} else {
			metrics.AllowanceMatches.WithLabelValues("unmatched").Inc()
		}
		allowSpan.End()
	}

	// Step 4: approval, only if neither capability nor allowance covered
	// the action and policy (or the action's intrinsic nature) requires it.
	if needsApproval {
		approvalCtx, approvalSpan := tracing.StartSpan(ctx, tracing.StageApproval)
		metrics.ApprovalRequests.Inc()
		resp, err := ic.approval.Request(ctx, callCtx.SessionID, callCtx.WorkspaceRoot, a, describeReason(callCtx, a))
		if err != nil {
			tracing.RecordError(approvalCtx, err)
			approvalSpan.End()
			ic.appendFailure(callCtx.SessionID, a, audit.Proof{Kind: audit.ProofSystem, Reason: "approval denied"}, "approval denied")
			return Proof{}, err
		}
		metrics.ApprovalResolutions.WithLabelValues(string(resp.Scope)).Inc()
		tracing.SetAttributes(approvalCtx, tracing.AttrApprovalScope.String(string(resp.Scope)))
		approvalSpan.End()
		proof = audit.Proof{Kind: audit.ProofUserApproval, UserID: resp.UserID, ApprovalID: string(resp.Scope)}
	}
	if proof.Kind == "" {
		// Neither capability, allowance, nor approval evidence was
		// produced, but the action did not require approval either:
		// default-open policy decision with no gating.
		proof = audit.Proof{Kind: audit.ProofSystem, Reason: "default policy allow"}
	}

	// Step 5: budget preflight.
	if callCtx.EstimatedCost > 0 {
		budgetCtx, budgetSpan := tracing.StartSpan(ctx, tracing.StageBudget)
		if err := ic.budget.Preflight(callCtx.budgetKey(), callCtx.WorkspaceRoot, callCtx.EstimatedCost); err != nil {
			metrics.BudgetExhaustions.WithLabelValues("preflight").Inc()
			tracing.RecordError(budgetCtx, err)
			budgetSpan.End()
			ic.appendFailure(callCtx.SessionID, a, proof, "budget exhausted")
			ic.publish(ctx, eventbus.KindBudgetExhausted, callCtx.SessionID, map[string]any{"action": a.Description()})
			return Proof{}, err
		}
		tracing.SetAttributes(budgetCtx, tracing.AttrBudgetCost.Float64(callCtx.EstimatedCost))
		budgetSpan.End()
	}

	// Step 6: audit append is the commit point. A failure here is
	// fail-closed: the action is denied even though every prior stage
	// would have allowed it.
	auditCtx, auditSpan := tracing.StartSpan(ctx, tracing.StageAudit)
	entry, err := ic.auditLog.Append(callCtx.SessionID, a.Description(), proof, audit.Outcome{Kind: audit.OutcomeAllowed})
	if err != nil {
		metrics.AuditAppends.WithLabelValues("error").Inc()
		tracing.RecordError(auditCtx, err)
		auditSpan.End()
		return Proof{}, kernelerrors.Wrap(err, kernelerrors.CodeAuditAppendFailed, "audit append failed, action denied")
	}
	metrics.AuditAppends.WithLabelValues(string(audit.OutcomeAllowed)).Inc()
	tracing.SetAttributes(auditCtx, tracing.AttrAuditEntrySeq.Int64(int64(entry.Sequence)))
	auditSpan.End()
	ic.publish(ctx, eventbus.KindAuditAppended, callCtx.SessionID, map[string]any{"sequence": entry.Sequence, "proof": proof.String()})

	// Step 7: return proof; the caller performs the effect.
	return Proof{AuditEntry: entry, ProofKind: proof.Kind}, nil
}

func (ic *Interceptor) tryAllowance(a action.Action, workspaceRoot string) (string, bool) {
	id, err := ic.allowance.Match(a, workspaceRoot)
	if err != nil {
		return "", false
	}
	return id, true
}

func describeReason(callCtx Context, a action.Action) string {
	if callCtx.ApprovalReason != "" {
		return callCtx.ApprovalReason
	}
	return a.Description()
}

func (ic *Interceptor) appendFailure(sessionID string, a action.Action, proof audit.Proof, reason string) {
	_, _ = ic.auditLog.Append(sessionID, a.Description(), proof, audit.Outcome{Kind: audit.OutcomeFailure, Reason: reason})
	if ic.log != nil {
		_ = ic.log.Warn(logging.CategoryInterceptor, "intercept-denied", reason, map[string]any{"session": sessionID, "action": a.Description()})
	}
}

func (ic *Interceptor) appendCancelled(sessionID string, a action.Action) (Proof, error) {
	_, _ = ic.auditLog.Append(sessionID, a.Description(), audit.Proof{Kind: audit.ProofSystem, Reason: "cancelled"}, audit.Outcome{Kind: audit.OutcomeCancelled})
	return Proof{}, kernelerrors.New(kernelerrors.CodeCancelled, "intercept cancelled")
}

// Charge reports actual cost after the effect was performed, recording
// it against the session's budget accumulator ("the caller
// subsequently reports actual cost with charge(session, amount)").
func (ic *Interceptor) Charge(sessionID, workspaceID string, amount float64) (warn bool, err error) {
	warn, err = ic.budget.Charge(sessionID, workspaceID, amount)
	if err == nil && warn {
		ic.publish(context.Background(), eventbus.KindBudgetWarning, sessionID, map[string]any{"amount": amount})
	}
	return warn, err
}

// ChargeTokens converts promptTokens/completionTokens into a dollar cost
// via the configured CostCalculator and charges it, for LLM call
// accounting where the caller knows token counts rather than a
// pre-computed dollar amount.
func (ic *Interceptor) ChargeTokens(sessionID, workspaceID, modelID string, promptTokens, completionTokens int) (cost float64, warn bool, err error) {
	cost, warn, err = ic.budget.ChargeTokens(sessionID, workspaceID, modelID, promptTokens, completionTokens)
	if err == nil && warn {
		ic.publish(context.Background(), eventbus.KindBudgetWarning, sessionID, map[string]any{"cost": cost})
	}
	return cost, warn, err
}

// EstimateTokens counts the tokens text would consume, for budget
// preflight estimation before an LLM call.
func (ic *Interceptor) EstimateTokens(text string) int {
	return ic.budget.EstimateTokens(text)
}

// DenySystem appends a failure audit entry carrying a system proof with
// reason, and returns an error tagged code. It covers denials that
// happen outside the policy/capability/allowance/approval chain (a
// pre-tool hook block, subagent spawn rate limiting) while keeping the
// invariant that every failure produces an audit record before
// propagating.
func (ic *Interceptor) DenySystem(sessionID string, a action.Action, code kernelerrors.Code, reason string) error {
	ic.appendFailure(sessionID, a, audit.Proof{Kind: audit.ProofSystem, Reason: reason}, reason)
	return kernelerrors.New(code, reason)
}
