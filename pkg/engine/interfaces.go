package engine

import (
	"context"
)

// Authorizer decides whether a run may proceed.
// Implementations must be total: every failure is expressed as a denied decision.
type Authorizer interface {
	// Authorize evaluates the scene for the given mode and run context.
	Authorize(ctx context.Context, scene *Scene, mode RunMode, rc RunContext) *PolicyDecision
}

// BindingExecutor dispatches plan nodes to binding handlers.
type BindingExecutor interface {
	// Execute runs the handler resolved for the node and returns its result.
	// The returned string is the id of the handler that ran.
	Execute(ctx context.Context, node *PlanNode, payload Payload) (*HandlerResult, string, error)

	// CheckReadiness runs the pre-flight checks of the handlers serving the scene.
	CheckReadiness(ctx context.Context, scene *Scene, payload Payload) *ReadinessReport
}

// AuditRecord is the run-scoped part of an audit event.
type AuditRecord struct {
	TraceID      string
	SceneRef     string
	SceneVersion string
	RunMode      RunMode
	Actor        string
	Payload      map[string]interface{}
}

// AuditSink receives audit events. Errors are reported but never stop a run.
type AuditSink interface {
	Record(ctx context.Context, eventType AuditEventType, rec AuditRecord) error
}
