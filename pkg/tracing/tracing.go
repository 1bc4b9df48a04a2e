// Package tracing wires OpenTelemetry spans around the mediation
// stack's stages: policy evaluation, capability verification, allowance
// matching, approval deferral, budget preflight, and audit append. Each
// call into pkg/interceptor.Intercept produces one parent span per
// action, with a child span per stage it actually reaches.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sentineld/kernel/pkg/interceptor"

// TracerProvider owns the process-wide OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds a tracer provider that exports spans to
// stdout and installs it as the global provider. A stdout exporter
// keeps the kernel's tracing story self-contained: no collector
// endpoint to configure before an operator sees a single span.
func NewTracerProvider(serviceName string) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the kernel's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span under the kernel's tracer.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, opts...)
}

// AddEvent records a point-in-time event on ctx's active span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records err on ctx's active span without ending it.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// SetAttributes attaches attrs to ctx's active span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// Attribute keys shared across mediation-stage spans.
var (
	AttrSessionID     = attribute.Key("sentineld.session.id")
	AttrWorkspaceRoot = attribute.Key("sentineld.workspace.root")
	AttrActionKind    = attribute.Key("sentineld.action.kind")
	AttrToolName      = attribute.Key("sentineld.tool.name")
	AttrDecision      = attribute.Key("sentineld.policy.decision")
	AttrCapabilityID  = attribute.Key("sentineld.capability.id")
	AttrAllowanceID   = attribute.Key("sentineld.allowance.id")
	AttrApprovalScope = attribute.Key("sentineld.approval.scope")
	AttrBudgetCost    = attribute.Key("sentineld.budget.cost_dollars")
	AttrAuditEntrySeq = attribute.Key("sentineld.audit.sequence")
	AttrOutcome       = attribute.Key("sentineld.outcome")
)

// StageNames enumerate the mediation stages Intercept spans.
const (
	StagePolicy     = "mediation.policy"
	StageCapability = "mediation.capability"
	StageAllowance  = "mediation.allowance"
	StageApproval   = "mediation.approval"
	StageBudget     = "mediation.budget"
	StageAudit      = "mediation.audit"
)
