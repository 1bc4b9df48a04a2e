// Package metrics exposes Prometheus instrumentation for the mediation
// stack: policy decisions, capability and allowance checks, approval
// flow outcomes, budget charges, audit appends, and daemon RPC traffic.
// Metrics are registered against the default Prometheus registry at
// package init, the same pattern the rest of the agent stack uses, and
// served over a dedicated HTTP listener separate from the daemon's
// Unix control socket.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Policy engine

	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy evaluations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// Capability store

	CapabilityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "capability",
			Name:      "checks_total",
			Help:      "Capability token verifications by outcome.",
		},
		[]string{"outcome"},
	)
	CapabilitiesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "capability",
			Name:      "issued_total",
			Help:      "Total capability tokens issued.",
		},
	)

	// Allowance store

	AllowanceGrants = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "allowance",
			Name:      "grants_total",
			Help:      "Total allowances granted.",
		},
	)
	AllowanceMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "allowance",
			Name:      "matches_total",
			Help:      "Allowance lookups by whether a matching grant was found.",
		},
		[]string{"outcome"},
	)
	AllowanceRevocations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "allowance",
			Name:      "revocations_total",
			Help:      "Total allowances revoked.",
		},
	)

	// Approval flow

	ApprovalRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "approval",
			Name:      "requests_total",
			Help:      "Total approval requests deferred to a human.",
		},
	)
	ApprovalResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "approval",
			Name:      "resolutions_total",
			Help:      "Approval resolutions by scope granted.",
		},
		[]string{"scope"},
	)
	ApprovalWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "approval",
			Name:      "wait_seconds",
			Help:      "Time spent waiting on a human approval decision.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "approval",
			Name:      "pending_total",
			Help:      "Approval requests currently awaiting a decision.",
		},
	)

	// Budget tracker

	BudgetCharges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "budget",
			Name:      "charges_total",
			Help:      "Budget charges by model.",
		},
		[]string{"model"},
	)
	BudgetCostDollars = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "budget",
			Name:      "cost_dollars_total",
			Help:      "Cumulative cost in dollars charged, by model.",
		},
		[]string{"model"},
	)
	BudgetWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "budget",
			Name:      "warnings_total",
			Help:      "Total budget warn-threshold crossings.",
		},
	)
	BudgetExhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "budget",
			Name:      "exhaustions_total",
			Help:      "Budget cap exhaustions by scope.",
		},
		[]string{"scope"},
	)

	// Audit log

	AuditAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "audit",
			Name:      "appends_total",
			Help:      "Audit log entries appended, by outcome kind.",
		},
		[]string{"outcome"},
	)
	AuditChainVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "audit",
			Name:      "chain_verifications_total",
			Help:      "Audit chain verifications by result.",
		},
		[]string{"outcome"},
	)

	// Daemon control surface

	RPCCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "daemon",
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls handled, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	RPCDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "daemon",
			Name:      "rpc_duration_seconds",
			Help:      "JSON-RPC handler latency, by method.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"method"},
	)
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "daemon",
			Name:      "sessions_active_total",
			Help:      "Number of currently active agent sessions.",
		},
	)

	// Agent runtime

	TurnDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "runtime",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a single agent turn.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)
	ToolCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "runtime",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency, by tool name.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"tool"},
	)
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "runtime",
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched, by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// Plugin host

	PluginLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "plugin",
			Name:      "loads_total",
			Help:      "Plugin load attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	ActivePlugins = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "plugin",
			Name:      "active_total",
			Help:      "Number of currently loaded plugins.",
		},
	)
)

// Server hosts the /metrics exposition endpoint. Unlike the daemon's
// Unix control socket, this listens over TCP, since Prometheus scrapers
// expect to reach it over the network.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds a metrics exposition server bound to addr. It does
// not start listening until Start is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving in the background. It returns once the listener
// is bound, not once the server has stopped; serve errors other than a
// clean shutdown are reported to errCh, which the caller should drain.
func (s *Server) Start(errCh chan<- error) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return nil
}

// Shutdown gracefully stops the exposition server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ObserveRPC records a single JSON-RPC call's outcome and latency.
func ObserveRPC(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RPCCalls.WithLabelValues(method, outcome).Inc()
	RPCDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// ObserveToolCall records a single tool dispatch's outcome and latency.
func ObserveToolCall(tool string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ToolCalls.WithLabelValues(tool, outcome).Inc()
	ToolCallDurationSeconds.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}
