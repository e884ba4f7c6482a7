package engine

import (
	"context"
	"sync"
)

func boolPtr(b bool) *bool { return &b }

// newTestScene builds an ERP scene with the given bindings.
func newTestScene(bindings ...Binding) *Scene {
	return &Scene{
		APIVersion: "scene.dev/v0.2",
		Kind:       SceneKind,
		Metadata: SceneMetadata{
			ObjID:      "scene.test",
			ObjVersion: "1.0.0",
			Title:      "Test scene",
		},
		Spec: SceneSpec{
			Domain:     DomainERP,
			Intent:     Intent{Goal: "exercise the runtime"},
			ModelScope: ModelScope{Read: []string{"Customer"}, Write: []string{"Order"}},
			CapabilityContract: CapabilityContract{
				Bindings: bindings,
			},
			GovernanceContract: GovernanceContract{
				RiskLevel:   RiskMedium,
				Approval:    Approval{Required: false},
				Idempotency: Idempotency{Key: "orderId"},
			},
		},
	}
}

// fakeAuthorizer allows or denies every run.
type fakeAuthorizer struct {
	allow   bool
	reasons []string
	calls   int
}

func (f *fakeAuthorizer) Authorize(_ context.Context, scene *Scene, mode RunMode, _ RunContext) *PolicyDecision {
	f.calls++
	return &PolicyDecision{
		Allowed:   f.allow,
		Reasons:   f.reasons,
		RiskLevel: scene.Spec.GovernanceContract.RiskLevel,
		Domain:    scene.Spec.Domain,
		RunMode:   mode,
	}
}

// fakeBindings records handler calls and returns scripted outcomes per binding ref.
type fakeBindings struct {
	mu        sync.Mutex
	calls     []string
	results   map[string]*HandlerResult
	errs      map[string][]error
	readiness *ReadinessReport
}

func newFakeBindings() *fakeBindings {
	return &fakeBindings{
		results: make(map[string]*HandlerResult),
		errs:    make(map[string][]error),
	}
}

func (f *fakeBindings) Execute(_ context.Context, node *PlanNode, _ Payload) (*HandlerResult, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, node.BindingRef)

	if queue := f.errs[node.BindingRef]; len(queue) > 0 {
		err := queue[0]
		f.errs[node.BindingRef] = queue[1:]
		return nil, "fake", err
	}
	if res, ok := f.results[node.BindingRef]; ok {
		return res, "fake", nil
	}
	return &HandlerResult{
		Status: HandlerSuccess,
		Output: map[string]interface{}{"ref": node.BindingRef, "orderId": "ORD-1"},
	}, "fake", nil
}

func (f *fakeBindings) CheckReadiness(context.Context, *Scene, Payload) *ReadinessReport {
	if f.readiness == nil {
		return &ReadinessReport{Ready: true}
	}
	return f.readiness
}

func (f *fakeBindings) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memoryAudit keeps audit events in memory.
type memoryAudit struct {
	mu     sync.Mutex
	events []AuditEventType
	recs   []AuditRecord
	fail   bool
}

func (m *memoryAudit) Record(_ context.Context, t AuditEventType, rec AuditRecord) error {
	if m.fail {
		return NewTransientError("disk full", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, t)
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memoryAudit) count(t AuditEventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == t {
			n++
		}
	}
	return n
}
