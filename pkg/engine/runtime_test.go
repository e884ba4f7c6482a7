package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func orderScene() *Scene {
	scene := newTestScene(
		Binding{Ref: "erp.Customer.get", Type: "query"},
		Binding{Ref: "erp.Product.list", Type: "query"},
		Binding{
			Ref:          "erp.Order.create",
			Type:         "mutation",
			Retry:        1,
			Compensation: &Compensation{Strategy: CompensationCompensate, ActionRef: "erp.Order.cancel"},
			Evidence:     &EvidenceSpec{Capture: true, Fields: []string{"orderId"}},
		},
	)
	scene.Spec.GovernanceContract.Approval.Required = true
	return scene
}

func newTestRuntime(t *testing.T, auth Authorizer, b BindingExecutor, audit AuditSink) *Runtime {
	t.Helper()
	rt, err := NewRuntime(auth, b, audit, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	return rt
}

func TestNewRuntimeRequiresCollaborators(t *testing.T) {
	if _, err := NewRuntime(nil, newFakeBindings(), nil); err == nil {
		t.Error("expected error for nil authorizer")
	}
	if _, err := NewRuntime(&fakeAuthorizer{allow: true}, nil, nil); err == nil {
		t.Error("expected error for nil binding executor")
	}
	if _, err := NewRuntime(&fakeAuthorizer{allow: true}, newFakeBindings(), nil); err != nil {
		t.Errorf("nil audit sink should be accepted: %v", err)
	}
}

func TestExecuteDenied(t *testing.T) {
	auth := &fakeAuthorizer{allow: false, reasons: []string{"approval is required for commit"}}
	bindings := newFakeBindings()
	audit := &memoryAudit{}
	rt := newTestRuntime(t, auth, bindings, audit)

	res, err := rt.Execute(context.Background(), orderScene(), RunOptions{Mode: RunModeCommit})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.Status != RunStatusDenied {
		t.Errorf("status = %s, want denied", res.Status)
	}
	if res.Policy == nil || len(res.Policy.Reasons) != 1 {
		t.Errorf("policy decision not carried: %+v", res.Policy)
	}
	if bindings.callCount() != 0 {
		t.Errorf("handlers called %d times on denied run", bindings.callCount())
	}
	want := []AuditEventType{AuditRequested, AuditDenied}
	if len(audit.events) != len(want) {
		t.Fatalf("audit events = %v, want %v", audit.events, want)
	}
	for i := range want {
		if audit.events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, audit.events[i], want[i])
		}
	}
}

func TestExecutePreviewSkipsSideEffects(t *testing.T) {
	bindings := newFakeBindings()
	audit := &memoryAudit{}
	rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, audit)

	res, err := rt.Execute(context.Background(), orderScene(), RunOptions{Mode: RunModePreview})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.Status != RunStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if bindings.callCount() != 0 {
		t.Errorf("preview must not call handlers, got %d calls", bindings.callCount())
	}
	if len(res.NodeResults) != 5 {
		t.Fatalf("node results = %d, want 5", len(res.NodeResults))
	}
	if res.NodeResults[2].Status != NodeStatusSkippedSideEffect {
		t.Errorf("order create status = %s, want skipped_side_effect", res.NodeResults[2].Status)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if res.NodeResults[i].Status != NodeStatusValidated {
			t.Errorf("node %d status = %s, want validated", i, res.NodeResults[i].Status)
		}
	}
	if got := audit.count(AuditNodeExecuted); got != 5 {
		t.Errorf("node_executed events = %d, want 5", got)
	}
}

func TestExecuteCommitScenario(t *testing.T) {
	bindings := newFakeBindings()
	audit := &memoryAudit{}
	rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, audit)

	res, err := rt.Execute(context.Background(), orderScene(), RunOptions{
		Mode:    RunModeCommit,
		Context: RunContext{Approved: true, Actor: "alice"},
		TraceID: "trace-commit",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.Status != RunStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.TraceID != "trace-commit" {
		t.Errorf("trace id = %s", res.TraceID)
	}
	if bindings.callCount() != 3 {
		t.Errorf("handler calls = %d, want 3", bindings.callCount())
	}

	wantOrder := []AuditEventType{
		AuditRequested, AuditPlanCompiled, AuditAuthorized,
		AuditNodeExecuted, AuditNodeExecuted, AuditNodeExecuted, AuditNodeExecuted, AuditNodeExecuted,
		AuditCompleted,
	}
	if len(audit.events) != len(wantOrder) {
		t.Fatalf("audit events = %v", audit.events)
	}
	for i := range wantOrder {
		if audit.events[i] != wantOrder[i] {
			t.Errorf("event %d = %s, want %s", i, audit.events[i], wantOrder[i])
		}
	}
	for _, rec := range audit.recs {
		if rec.TraceID != "trace-commit" || rec.SceneRef != "scene.test" || rec.Actor != "alice" {
			t.Errorf("audit record identity = %+v", rec)
		}
	}

	if len(res.Evidence) != 1 || res.Evidence[0].Fields["orderId"] != "ORD-1" {
		t.Errorf("evidence = %+v", res.Evidence)
	}
}

func TestExecuteFailureAuditsCompensation(t *testing.T) {
	bindings := newFakeBindings()
	bindings.results["erp.Order.create"] = &HandlerResult{
		Status: HandlerFailed,
		Error:  &HandlerError{Code: "ORDER_REJECTED", Message: "credit limit exceeded"},
	}
	audit := &memoryAudit{}
	rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, audit)

	res, err := rt.Execute(context.Background(), orderScene(), RunOptions{Mode: RunModeCommit})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.Status != RunStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.FailedNodes() != 1 || res.NodeResults[2].NodeID != "node-3" {
		t.Errorf("failed nodes = %d", res.FailedNodes())
	}
	// handler answered with failed: no retries even though retry is 1
	if bindings.callCount() != 3 {
		t.Errorf("handler calls = %d, want 3", bindings.callCount())
	}
	if len(res.NodeResults) != 3 {
		t.Errorf("execution should stop at the failed node, got %d results", len(res.NodeResults))
	}

	tail := audit.events[len(audit.events)-4:]
	want := []AuditEventType{AuditNodeFailed, AuditCompensationStarted, AuditCompensationCompleted, AuditCompleted}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("tail event %d = %s, want %s", i, tail[i], want[i])
		}
	}
	done := audit.recs[len(audit.recs)-2].Payload
	if done["executed"] != false || done["action_ref"] != "erp.Order.cancel" {
		t.Errorf("compensation payload = %v", done)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantState RunStatus
		wantCode  string
	}{
		{
			name:      "transient then success",
			errs:      []error{NewTransientError("connection reset", nil).WithCode(ErrCodeNetwork)},
			wantCalls: 2,
			wantState: RunStatusSuccess,
		},
		{
			name: "transient exhausts retry ceiling",
			errs: []error{
				NewTransientError("timeout", nil).WithCode(ErrCodeTimeout),
				NewTransientError("timeout", nil).WithCode(ErrCodeTimeout),
			},
			wantCalls: 2,
			wantState: RunStatusFailed,
			wantCode:  ErrCodeTimeout,
		},
		{
			name:      "permanent is not retried",
			errs:      []error{NewPermanentError("bad request", nil).WithCode(ErrCodeValidation)},
			wantCalls: 1,
			wantState: RunStatusFailed,
			wantCode:  ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := newTestScene(Binding{Ref: "erp.Order.create", Type: "mutation", Retry: 1})
			bindings := newFakeBindings()
			bindings.errs["erp.Order.create"] = tt.errs
			rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, &memoryAudit{})

			res, err := rt.Execute(context.Background(), scene, RunOptions{Mode: RunModeCommit})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Status != tt.wantState {
				t.Errorf("status = %s, want %s", res.Status, tt.wantState)
			}
			if bindings.callCount() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", bindings.callCount(), tt.wantCalls)
			}
			if res.NodeResults[0].Attempts != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", res.NodeResults[0].Attempts, tt.wantCalls)
			}
			if tt.wantCode != "" {
				if res.NodeResults[0].Error == nil || res.NodeResults[0].Error.Code != tt.wantCode {
					t.Errorf("error = %+v, want code %s", res.NodeResults[0].Error, tt.wantCode)
				}
			}
		})
	}
}

func TestExecuteHumanApprovalNode(t *testing.T) {
	scene := newTestScene(
		Binding{Ref: "ops.signoff", Type: "human_approval"},
		Binding{Ref: "erp.Order.create", Type: "mutation"},
	)

	t.Run("without approval", func(t *testing.T) {
		bindings := newFakeBindings()
		rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, nil)
		res, err := rt.Execute(context.Background(), scene, RunOptions{Mode: RunModeCommit})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if res.Status != RunStatusFailed {
			t.Errorf("status = %s, want failed", res.Status)
		}
		if res.NodeResults[0].Error == nil || res.NodeResults[0].Error.Code != ErrCodeApprovalMissing {
			t.Errorf("error = %+v", res.NodeResults[0].Error)
		}
		if bindings.callCount() != 0 {
			t.Errorf("no handler should run after a failed approval node")
		}
	})

	t.Run("with approval", func(t *testing.T) {
		bindings := newFakeBindings()
		rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, nil)
		res, err := rt.Execute(context.Background(), scene, RunOptions{
			Mode:    RunModeCommit,
			Context: RunContext{Approved: true},
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if res.Status != RunStatusSuccess {
			t.Errorf("status = %s, want success", res.Status)
		}
		if bindings.callCount() != 1 {
			t.Errorf("handler calls = %d, want 1", bindings.callCount())
		}
	})
}

func TestExecutePhysicalDomains(t *testing.T) {
	robot := func(domain Domain) *Scene {
		s := newTestScene(Binding{Ref: "robot.arm.pick", Type: "adapter"})
		s.Spec.Domain = domain
		s.Spec.GovernanceContract.Idempotency.Key = "taskId"
		return s
	}
	notReady := &ReadinessReport{
		Ready: false,
		Checks: []ReadinessCheck{
			{Name: "safety_preflight", Passed: false},
			{Name: "estop_clear", Passed: true},
		},
	}

	tests := []struct {
		name       string
		domain     Domain
		mode       RunMode
		readiness  *ReadinessReport
		wantStatus RunStatus
		wantReason string
		wantCalls  int
	}{
		{name: "robot preview ready", domain: DomainRobot, mode: RunModePreview, wantStatus: RunStatusSuccess},
		{name: "robot preview not ready", domain: DomainRobot, mode: RunModePreview, readiness: notReady,
			wantStatus: RunStatusBlocked, wantReason: "readiness check failed: safety_preflight"},
		{name: "robot commit not ready", domain: DomainRobot, mode: RunModeCommit, readiness: notReady,
			wantStatus: RunStatusBlocked, wantReason: "safety_preflight"},
		{name: "robot commit ready", domain: DomainRobot, mode: RunModeCommit,
			wantStatus: RunStatusSuccess, wantCalls: 1},
		{name: "hybrid commit blocked", domain: DomainHybrid, mode: RunModeCommit,
			wantStatus: RunStatusBlocked, wantReason: "hybrid commit is not executed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bindings := newFakeBindings()
			bindings.readiness = tt.readiness
			audit := &memoryAudit{}
			rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, bindings, audit)

			res, err := rt.Execute(context.Background(), robot(tt.domain), RunOptions{Mode: tt.mode})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if tt.wantReason != "" && !strings.Contains(res.BlockReason, tt.wantReason) {
				t.Errorf("block reason = %q, want %q", res.BlockReason, tt.wantReason)
			}
			if bindings.callCount() != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", bindings.callCount(), tt.wantCalls)
			}
			if audit.count(AuditCompleted) != 1 {
				t.Errorf("completed events = %d, want 1", audit.count(AuditCompleted))
			}
		})
	}
}

func TestExecuteCompileErrorReturned(t *testing.T) {
	scene := newTestScene(Binding{Ref: "erp.Order.create", Type: "mutation"})
	scene.Spec.GovernanceContract.Idempotency.Key = ""
	auth := &fakeAuthorizer{allow: true}
	audit := &memoryAudit{}
	rt := newTestRuntime(t, auth, newFakeBindings(), audit)

	_, err := rt.Execute(context.Background(), scene, RunOptions{Mode: RunModeCommit})
	if !IsInvalidPlan(err) {
		t.Fatalf("expected INVALID_PLAN, got %v", err)
	}
	if auth.calls != 0 {
		t.Error("authorizer must not be consulted for an uncompilable scene")
	}
	if len(audit.events) != 1 || audit.events[0] != AuditRequested {
		t.Errorf("audit events = %v, want [requested]", audit.events)
	}
}

func TestExecuteAuditFailureDoesNotAbort(t *testing.T) {
	rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, newFakeBindings(), &memoryAudit{fail: true})
	res, err := rt.Execute(context.Background(), orderScene(), RunOptions{Mode: RunModeCommit})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != RunStatusSuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
}

func TestExecuteRejectsUnknownMode(t *testing.T) {
	rt := newTestRuntime(t, &fakeAuthorizer{allow: true}, newFakeBindings(), nil)
	if _, err := rt.Execute(context.Background(), orderScene(), RunOptions{Mode: "dry-run"}); err == nil {
		t.Error("expected error for unknown run mode")
	}
}

func TestLookupPath(t *testing.T) {
	out := map[string]interface{}{
		"data": map[string]interface{}{"orderId": "ORD-9"},
		"ok":   true,
	}
	if v, ok := lookupPath(out, "data.orderId"); !ok || v != "ORD-9" {
		t.Errorf("lookupPath(data.orderId) = %v, %v", v, ok)
	}
	if _, ok := lookupPath(out, "ok.nested"); ok {
		t.Error("lookupPath through a scalar should fail")
	}
	if _, ok := lookupPath(out, "missing"); ok {
		t.Error("lookupPath(missing) should fail")
	}
}
