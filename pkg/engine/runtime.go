package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/scenerun/scenerun/pkg/telemetry"
)

// DefaultRetryDelay is the fixed pause between handler retry attempts.
const DefaultRetryDelay = 200 * time.Millisecond

// RunOptions parameterise one runtime execution.
type RunOptions struct {
	// Mode selects preview or commit. Empty means preview.
	Mode RunMode

	// Context carries approval and safety flags.
	Context RunContext

	// Payload is handed to every binding handler and readiness check.
	Payload Payload

	// TraceID is reused when set; otherwise a fresh one is generated.
	TraceID string

	// PlanID is reused when set; otherwise a fresh one is generated.
	PlanID string
}

// Runtime drives a scene through compile, authorize, execute and audit.
// Runs are strictly sequential; independent Execute calls may run concurrently.
type Runtime struct {
	compiler   *Compiler
	authorizer Authorizer
	bindings   BindingExecutor
	audit      AuditSink
	logger     zerolog.Logger
	tracer     *telemetry.Tracer
	metrics    *telemetry.Metrics
	retryDelay time.Duration
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger zerolog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger.With().Str("component", "runtime").Logger()
	}
}

// WithTracer sets the tracer used for run and node spans.
func WithTracer(tracer *telemetry.Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = tracer }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = metrics }
}

// WithRetryDelay sets the fixed delay between handler retries.
func WithRetryDelay(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.retryDelay = d }
}

// WithCompiler replaces the default plan compiler.
func WithCompiler(c *Compiler) RuntimeOption {
	return func(r *Runtime) { r.compiler = c }
}

// NewRuntime creates a runtime. The audit sink may be nil, in which case nothing is recorded.
func NewRuntime(authorizer Authorizer, bindings BindingExecutor, audit AuditSink, opts ...RuntimeOption) (*Runtime, error) {
	if authorizer == nil {
		return nil, NewPermanentError("authorizer is required", nil).WithCode(ErrCodeValidation)
	}
	if bindings == nil {
		return nil, NewPermanentError("binding executor is required", nil).WithCode(ErrCodeValidation)
	}
	if audit == nil {
		audit = discardAudit{}
	}

	r := &Runtime{
		compiler:   NewCompiler(DefaultNodeTimeoutMS),
		authorizer: authorizer,
		bindings:   bindings,
		audit:      audit,
		logger:     zerolog.Nop(),
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// run holds the mutable state of a single execution.
type run struct {
	scene   *Scene
	plan    *Plan
	opts    RunOptions
	traceID string
	status  RunStatus
	result  *RunResult
	logger  zerolog.Logger
}

func (rn *run) advance(next RunStatus) {
	if !rn.status.CanTransition(next) {
		rn.logger.Error().
			Str("from", string(rn.status)).
			Str("to", string(next)).
			Msg("invalid run state transition")
	}
	rn.logger.Debug().Str("from", string(rn.status)).Str("to", string(next)).Msg("run state")
	rn.status = next
}

func (rn *run) record() AuditRecord {
	return AuditRecord{
		TraceID:      rn.traceID,
		SceneRef:     rn.scene.Ref(),
		SceneVersion: rn.scene.Version(),
		RunMode:      rn.opts.Mode,
		Actor:        rn.opts.Context.Actor,
	}
}

// Execute runs a scene. A compilation failure is returned as an INVALID_PLAN
// error; every other outcome, including denial, is expressed in the result.
func (r *Runtime) Execute(ctx context.Context, scene *Scene, opts RunOptions) (*RunResult, error) {
	if scene == nil {
		return nil, NewPermanentError("scene is nil", nil).WithCode(ErrCodeValidation)
	}
	if opts.Mode == "" {
		opts.Mode = RunModePreview
	}
	if opts.Mode != RunModePreview && opts.Mode != RunModeCommit {
		return nil, NewPermanentError(fmt.Sprintf("unsupported run mode: %s", opts.Mode), nil).
			WithCode(ErrCodeValidation)
	}
	if opts.TraceID == "" {
		opts.TraceID = NewTraceID()
	}
	if opts.Payload == nil {
		opts.Payload = Payload{}
	}

	started := time.Now()
	rn := &run{
		scene:   scene,
		opts:    opts,
		traceID: opts.TraceID,
		status:  RunStatusRequested,
		logger: r.logger.With().
			Str("trace_id", opts.TraceID).
			Str("scene_ref", scene.Ref()).
			Str("run_mode", string(opts.Mode)).
			Logger(),
	}

	ctx, span := r.tracer.StartRunSpan(ctx, rn.traceID, scene.Ref(), string(opts.Mode))
	defer span.End()
	r.metrics.RecordRunStarted()

	rn.logger.Info().Str("domain", string(scene.Spec.Domain)).Msg("run requested")
	r.emit(ctx, rn, AuditRequested, map[string]interface{}{
		"domain":        string(scene.Spec.Domain),
		"risk_level":    string(scene.Spec.GovernanceContract.RiskLevel),
		"binding_count": len(scene.Spec.CapabilityContract.Bindings),
		"goal":          scene.Spec.Intent.Goal,
	})

	plan, err := r.compiler.Compile(scene, CompileOptions{
		Mode:    opts.Mode,
		TraceID: opts.TraceID,
		PlanID:  opts.PlanID,
	})
	if err != nil {
		rn.logger.Error().Err(err).Msg("plan compilation failed")
		telemetry.RecordError(span, err)
		r.metrics.RecordRunCompleted(string(opts.Mode), string(scene.Spec.Domain), string(RunStatusFailed), time.Since(started))
		return nil, err
	}
	rn.plan = plan
	rn.advance(RunStatusPlanCompiled)

	rn.result = &RunResult{
		TraceID:     rn.traceID,
		PlanID:      plan.PlanID,
		RunMode:     opts.Mode,
		NodeResults: []NodeResult{},
	}

	decision := r.authorizer.Authorize(ctx, scene, opts.Mode, opts.Context)
	if decision == nil {
		decision = &PolicyDecision{
			Allowed:     false,
			Reasons:     []string{"policy gate returned no decision"},
			RunMode:     opts.Mode,
			Domain:      scene.Spec.Domain,
			RiskLevel:   scene.Spec.GovernanceContract.RiskLevel,
			EvaluatedAt: time.Now().UTC(),
		}
	}
	rn.result.Policy = decision

	if !decision.Allowed {
		rn.advance(RunStatusDenied)
		rn.logger.Warn().Strs("reasons", decision.Reasons).Msg("run denied by policy")
		r.metrics.RecordPolicyDenial(string(scene.Spec.Domain))
		r.emit(ctx, rn, AuditDenied, map[string]interface{}{
			"plan_id": plan.PlanID,
			"reasons": decision.Reasons,
		})
		return r.finish(span, rn, started), nil
	}

	r.emit(ctx, rn, AuditPlanCompiled, map[string]interface{}{
		"plan_id":    plan.PlanID,
		"node_count": len(plan.Nodes),
		"nodes":      nodeIDs(plan),
	})
	rn.advance(RunStatusAuthorized)
	r.emit(ctx, rn, AuditAuthorized, map[string]interface{}{
		"plan_id":           plan.PlanID,
		"risk_level":        string(decision.RiskLevel),
		"approval_required": decision.ApprovalRequired,
		"approved":          opts.Context.Approved,
	})

	rn.advance(RunStatusExecuting)
	if opts.Mode == RunModePreview {
		r.preview(ctx, rn)
	} else {
		r.commit(ctx, rn)
	}

	r.emit(ctx, rn, AuditCompleted, map[string]interface{}{
		"plan_id":      plan.PlanID,
		"status":       string(rn.status),
		"node_count":   len(rn.result.NodeResults),
		"failed_nodes": rn.result.FailedNodes(),
		"block_reason": rn.result.BlockReason,
		"duration_ms":  time.Since(started).Milliseconds(),
	})

	return r.finish(span, rn, started), nil
}

func (r *Runtime) finish(span trace.Span, rn *run, started time.Time) *RunResult {
	rn.result.Status = rn.status
	rn.result.DurationMS = time.Since(started).Milliseconds()
	span.SetAttributes(telemetry.AttrRunStatus.String(string(rn.status)))
	if rn.status == RunStatusSuccess {
		telemetry.RecordSuccess(span)
	}
	r.metrics.RecordRunCompleted(string(rn.opts.Mode), string(rn.scene.Spec.Domain), string(rn.status), time.Since(started))
	rn.logger.Info().
		Str("status", string(rn.status)).
		Int("nodes", len(rn.result.NodeResults)).
		Int64("duration_ms", rn.result.DurationMS).
		Msg("run finished")
	return rn.result
}

// preview validates every node without calling handlers.
func (r *Runtime) preview(ctx context.Context, rn *run) {
	for node := rn.plan.Entry(); node != nil; node = successor(rn.plan, node) {
		status := NodeStatusValidated
		if node.Execution.SideEffect {
			status = NodeStatusSkippedSideEffect
		}
		nr := NodeResult{
			NodeID:     node.NodeID,
			NodeType:   node.NodeType,
			BindingRef: node.BindingRef,
			Status:     status,
			StartedAt:  time.Now().UTC(),
		}
		rn.result.NodeResults = append(rn.result.NodeResults, nr)
		r.metrics.RecordNode(string(node.NodeType), string(status), 0)
		r.emit(ctx, rn, AuditNodeExecuted, nodePayload(node, nr))
	}

	if rn.scene.Spec.Domain.IsPhysical() {
		if !r.checkReadiness(ctx, rn) {
			return
		}
	}
	rn.advance(RunStatusSuccess)
}

// commit executes the successor chain node by node and stops at the first failure.
func (r *Runtime) commit(ctx context.Context, rn *run) {
	if rn.scene.Spec.Domain == DomainHybrid {
		rn.result.BlockReason = "hybrid commit is not executed by this runtime"
		rn.logger.Warn().Msg(rn.result.BlockReason)
		rn.advance(RunStatusBlocked)
		return
	}
	if rn.scene.Spec.Domain.IsPhysical() {
		if !r.checkReadiness(ctx, rn) {
			return
		}
	}

	for node := rn.plan.Entry(); node != nil; node = successor(rn.plan, node) {
		nr := r.executeNode(ctx, rn, node)
		rn.result.NodeResults = append(rn.result.NodeResults, nr)

		if nr.Status == NodeStatusFailed {
			r.emit(ctx, rn, AuditNodeFailed, nodePayload(node, nr))
			r.compensate(ctx, rn, node)
			rn.advance(RunStatusFailed)
			return
		}

		r.emit(ctx, rn, AuditNodeExecuted, nodePayload(node, nr))
		if node.Evidence.Capture {
			rn.result.Evidence = append(rn.result.Evidence, captureEvidence(node, nr.Output))
		}
	}
	rn.advance(RunStatusSuccess)
}

func (r *Runtime) checkReadiness(ctx context.Context, rn *run) bool {
	report := r.bindings.CheckReadiness(ctx, rn.scene, rn.opts.Payload)
	if report == nil {
		report = &ReadinessReport{Ready: true, Checks: []ReadinessCheck{}}
	}
	rn.result.Readiness = report
	if report.Ready {
		return true
	}

	names := make([]string, 0)
	for _, c := range report.Failed() {
		names = append(names, c.Name)
	}
	rn.result.BlockReason = fmt.Sprintf("readiness check failed: %s", strings.Join(names, ", "))
	rn.logger.Warn().Strs("checks", names).Msg("run blocked by readiness")
	rn.advance(RunStatusBlocked)
	return false
}

// executeNode runs one node with the node timeout and retry ceiling.
func (r *Runtime) executeNode(ctx context.Context, rn *run, node *PlanNode) NodeResult {
	ctx, span := r.tracer.StartNodeSpan(ctx, node.NodeID, string(node.NodeType), node.BindingRef)
	defer span.End()

	started := time.Now()
	nr := NodeResult{
		NodeID:     node.NodeID,
		NodeType:   node.NodeType,
		BindingRef: node.BindingRef,
		StartedAt:  started.UTC(),
	}

	switch node.NodeType {
	case NodeTypeVerify:
		nr.Status = NodeStatusSuccess
		nr.Output = map[string]interface{}{"verified_nodes": len(rn.result.NodeResults)}
	case NodeTypeRespond:
		nr.Status = NodeStatusSuccess
		nr.Output = map[string]interface{}{"plan_id": rn.plan.PlanID, "trace_id": rn.traceID}
	case NodeTypeHumanApproval:
		if rn.opts.Context.Approved {
			nr.Status = NodeStatusSuccess
			nr.Output = map[string]interface{}{"approved": true, "actor": rn.opts.Context.Actor}
		} else {
			nr.Status = NodeStatusFailed
			nr.Error = &HandlerError{
				Code:    ErrCodeApprovalMissing,
				Message: "human approval is required to pass this node",
			}
		}
	default:
		r.invokeHandler(ctx, rn, node, &nr)
	}

	nr.DurationMS = time.Since(started).Milliseconds()
	span.SetAttributes(telemetry.AttrNodeStatus.String(string(nr.Status)))
	if nr.Status == NodeStatusFailed && nr.Error != nil {
		telemetry.RecordError(span, errors.New(nr.Error.Message))
	}
	r.metrics.RecordNode(string(node.NodeType), string(nr.Status), time.Since(started))
	return nr
}

func (r *Runtime) invokeHandler(ctx context.Context, rn *run, node *PlanNode, nr *NodeResult) {
	var (
		res       *HandlerResult
		handlerID string
		err       error
	)

	for attempt := 1; ; attempt++ {
		nr.Attempts = attempt
		hctx, span := r.tracer.StartBindingCallSpan(ctx, node.BindingRef, attempt)
		res, handlerID, err = r.bindings.Execute(hctx, node, rn.opts.Payload)
		telemetry.SetHandler(span, handlerID)
		telemetry.RecordError(span, err)
		span.End()

		// a handler that answers, even with "failed", is final
		if err == nil || !IsRetryable(err) || attempt > node.Execution.Retry {
			break
		}

		rn.logger.Warn().
			Err(err).
			Str("node_id", node.NodeID).
			Int("attempt", attempt).
			Int("max_attempts", node.Execution.Retry+1).
			Msg("retrying binding handler")

		select {
		case <-time.After(r.retryDelay):
		case <-ctx.Done():
			err = NewPermanentError("run context cancelled", ctx.Err()).WithCode(ErrCodeTimeout)
		}
		if ctx.Err() != nil {
			break
		}
	}

	nr.Handler = handlerID

	switch {
	case err != nil:
		nr.Status = NodeStatusFailed
		nr.Error = handlerErrorFrom(err)
	case res == nil:
		nr.Status = NodeStatusFailed
		nr.Error = &HandlerError{Code: ErrCodeHandlerFailed, Message: "handler returned no result"}
	case res.Status == HandlerFailed:
		nr.Status = NodeStatusFailed
		nr.Output = res.Output
		nr.Error = res.Error
		if nr.Error == nil {
			nr.Error = &HandlerError{Code: ErrCodeHandlerFailed, Message: "handler reported failure"}
		}
	default:
		nr.Status = NodeStatusSuccess
		nr.Output = res.Output
	}

	r.metrics.RecordHandlerCall(handlerID, string(nr.Status))
	if nr.Status == NodeStatusFailed {
		rn.logger.Error().
			Str("node_id", node.NodeID).
			Str("binding_ref", node.BindingRef).
			Str("handler", handlerID).
			Str("code", nr.Error.Code).
			Msg(nr.Error.Message)
	}
}

// compensate audits the declared rollback hook of a failed node. No action is run.
func (r *Runtime) compensate(ctx context.Context, rn *run, node *PlanNode) {
	if node.Compensation.Strategy == "" || node.Compensation.Strategy == CompensationNone {
		return
	}
	payload := map[string]interface{}{
		"node_id":    node.NodeID,
		"strategy":   string(node.Compensation.Strategy),
		"action_ref": node.Compensation.ActionRef,
	}
	r.emit(ctx, rn, AuditCompensationStarted, payload)

	done := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		done[k] = v
	}
	done["executed"] = false
	r.emit(ctx, rn, AuditCompensationCompleted, done)
}

func (r *Runtime) emit(ctx context.Context, rn *run, eventType AuditEventType, payload map[string]interface{}) {
	rec := rn.record()
	rec.Payload = payload
	if err := r.audit.Record(ctx, eventType, rec); err != nil {
		r.metrics.RecordAuditFailure()
		rn.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("audit write failed")
	}
}

func successor(plan *Plan, node *PlanNode) *PlanNode {
	if len(node.Next) == 0 {
		return nil
	}
	return plan.Node(node.Next[0])
}

func nodeIDs(plan *Plan) []string {
	ids := make([]string, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		ids = append(ids, n.NodeID)
	}
	return ids
}

func nodePayload(node *PlanNode, nr NodeResult) map[string]interface{} {
	p := map[string]interface{}{
		"node_id":     node.NodeID,
		"node_type":   string(node.NodeType),
		"binding_ref": node.BindingRef,
		"status":      string(nr.Status),
		"side_effect": node.Execution.SideEffect,
	}
	if node.Execution.IdempotencyKey != "" {
		p["idempotency_key"] = node.Execution.IdempotencyKey
	}
	if nr.Attempts > 0 {
		p["attempts"] = nr.Attempts
	}
	if nr.Handler != "" {
		p["handler"] = nr.Handler
	}
	if nr.Error != nil {
		p["error_code"] = nr.Error.Code
		p["error_message"] = nr.Error.Message
	}
	return p
}

func handlerErrorFrom(err error) *HandlerError {
	var ee *EngineError
	if errors.As(err, &ee) {
		code := ee.Code
		if code == "" {
			code = ErrCodeHandlerFailed
		}
		he := &HandlerError{Code: code, Message: ee.Error()}
		if len(ee.Details) > 0 {
			he.Details = ee.Details
		}
		return he
	}
	return &HandlerError{Code: ErrCodeHandlerFailed, Message: err.Error()}
}

func captureEvidence(node *PlanNode, output map[string]interface{}) EvidenceRecord {
	fields := make(map[string]interface{})
	if len(node.Evidence.Fields) == 0 {
		for k, v := range output {
			fields[k] = v
		}
	} else {
		for _, f := range node.Evidence.Fields {
			if v, ok := lookupPath(output, f); ok {
				fields[f] = v
			}
		}
	}
	return EvidenceRecord{
		NodeID:     node.NodeID,
		BindingRef: node.BindingRef,
		Fields:     fields,
		CapturedAt: time.Now().UTC(),
	}
}

// lookupPath resolves a dotted path such as "data.orderId" in nested maps.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, AuditEventType, AuditRecord) error { return nil }
