package daemon

import "github.com/sentineld/kernel/pkg/eventbus"

// Event kinds pushed to subscribeEvents clients, beyond the kernel's
// own mediation-stack taxonomy in eventbus.Kind (approval, audit,
// budget, session lifecycle). These describe turn-level progress: a
// tool call starting or finishing, a turn's final text, and its
// terminal outcome. Token-level text-delta streaming is not produced
// here since it depends on the LLM client's own streaming support,
// which is out of scope for the kernel runtime itself.
const (
	kindTurnStarted     eventbus.Kind = "turn.started"
	kindTurnText        eventbus.Kind = "turn.text"
	kindTurnComplete    eventbus.Kind = "turn.complete"
	kindTurnError       eventbus.Kind = "turn.error"
	kindToolCallStarted eventbus.Kind = "tool.call.started"
	kindToolCallResult  eventbus.Kind = "tool.call.result"
	kindApprovalNeeded  eventbus.Kind = "approval.needed"
	kindElicitNeeded    eventbus.Kind = "elicitation.needed"
	kindUsageTick       eventbus.Kind = "usage.tick"
)
