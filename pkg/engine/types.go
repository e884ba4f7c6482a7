package engine

import (
	"time"
)

// NodeType classifies a plan node.
type NodeType string

const (
	NodeTypeQuery         NodeType = "query"
	NodeTypeService       NodeType = "service"
	NodeTypeScript        NodeType = "script"
	NodeTypeAdapter       NodeType = "adapter"
	NodeTypeVerify        NodeType = "verify"
	NodeTypeRespond       NodeType = "respond"
	NodeTypeHumanApproval NodeType = "human_approval"
)

// IsMutating returns true for node types that may change external state.
func (t NodeType) IsMutating() bool {
	return t == NodeTypeService || t == NodeTypeScript || t == NodeTypeAdapter
}

// IsSynthetic returns true for the verify and respond nodes added by the compiler.
func (t NodeType) IsSynthetic() bool {
	return t == NodeTypeVerify || t == NodeTypeRespond
}

// RunMode selects between dry validation and real execution.
type RunMode string

const (
	// RunModePreview validates every node without calling handlers.
	RunModePreview RunMode = "preview"

	// RunModeCommit executes handlers and may cause side effects.
	RunModeCommit RunMode = "commit"
)

// Payload is the free-form input handed to binding handlers.
type Payload map[string]interface{}

// Plan is a compiled, validated execution graph for one run. Plans are never cached.
type Plan struct {
	// PlanID is the unique identifier for this plan.
	PlanID string `json:"plan_id"`

	// SceneRef is the obj_id of the compiled scene.
	SceneRef string `json:"scene_ref"`

	// SceneVersion is the obj_version of the compiled scene.
	SceneVersion string `json:"scene_version"`

	// RunMode is the mode the plan was compiled for.
	RunMode RunMode `json:"run_mode"`

	// TraceID correlates audit events of the run.
	TraceID string `json:"trace_id"`

	// Nodes lists the plan nodes in declaration order followed by verify and respond.
	Nodes []*PlanNode `json:"nodes"`

	// CreatedAt is when the plan was compiled.
	CreatedAt time.Time `json:"created_at"`
}

// Node returns the node with the given id, or nil.
func (p *Plan) Node(id string) *PlanNode {
	for _, n := range p.Nodes {
		if n.NodeID == id {
			return n
		}
	}
	return nil
}

// Entry returns the first node of the successor chain.
func (p *Plan) Entry() *PlanNode {
	if len(p.Nodes) == 0 {
		return nil
	}
	return p.Nodes[0]
}

// PlanNode is one executable step of a plan.
type PlanNode struct {
	// NodeID is unique within the plan.
	NodeID string `json:"node_id"`

	// NodeType classifies the node.
	NodeType NodeType `json:"node_type"`

	// BindingRef is the reference of the originating binding. Empty for synthetic nodes.
	BindingRef string `json:"binding_ref,omitempty"`

	// Intent is copied from the binding.
	Intent string `json:"intent,omitempty"`

	// Preconditions are copied from the binding.
	Preconditions []string `json:"preconditions,omitempty"`

	// Postconditions are copied from the binding.
	Postconditions []string `json:"postconditions,omitempty"`

	// DependsOn is informational and never drives ordering.
	DependsOn []string `json:"depends_on,omitempty"`

	// Execution holds timeout, retry and side-effect settings.
	Execution NodeExecution `json:"execution"`

	// Compensation is the declared rollback hook.
	Compensation Compensation `json:"compensation"`

	// Evidence is the declared evidence capture.
	Evidence EvidenceSpec `json:"evidence"`

	// OnFailure is the failure policy, always "abort".
	OnFailure string `json:"on_failure"`

	// Next lists successor node ids.
	Next []string `json:"next"`
}

// NodeExecution holds the execution settings of a node.
type NodeExecution struct {
	TimeoutMS      int    `json:"timeout_ms"`
	Retry          int    `json:"retry"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	SideEffect     bool   `json:"side_effect"`
}

// Timeout returns the node timeout, or fallback when unset.
func (e NodeExecution) Timeout(fallback time.Duration) time.Duration {
	if e.TimeoutMS <= 0 {
		return fallback
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// RunContext carries the caller-supplied flags the policy gate and executor consult.
type RunContext struct {
	// Approved records an explicit human approval for this run.
	Approved bool `json:"approved"`

	// DualApproved records a second, independent approval.
	DualApproved bool `json:"dual_approved"`

	// AllowHybridCommit opts in to hybrid-domain commits.
	AllowHybridCommit bool `json:"allow_hybrid_commit"`

	// SafetyPreflight records a passed safety preflight check.
	SafetyPreflight bool `json:"safety_preflight"`

	// EmergencyStop records an available emergency-stop channel.
	EmergencyStop bool `json:"emergency_stop"`

	// Actor identifies who requested the run.
	Actor string `json:"actor,omitempty"`

	// Extra holds additional flags visible to site policies.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PolicyDecision is the outcome of the policy gate.
type PolicyDecision struct {
	Allowed          bool      `json:"allowed"`
	Reasons          []string  `json:"reasons"`
	RiskLevel        RiskLevel `json:"risk_level"`
	ApprovalRequired bool      `json:"approval_required"`
	Domain           Domain    `json:"domain"`
	RunMode          RunMode   `json:"run_mode"`
	EvaluatedAt      time.Time `json:"evaluated_at"`

	// Warnings carries non-fatal policy loading problems.
	Warnings []string `json:"warnings,omitempty"`
}

// HandlerStatus is the status a binding handler reports.
type HandlerStatus string

const (
	HandlerSuccess HandlerStatus = "success"
	HandlerFailed  HandlerStatus = "failed"
)

// HandlerResult is what a binding handler returns for a node.
type HandlerResult struct {
	Status HandlerStatus          `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
	Error  *HandlerError          `json:"error,omitempty"`
}

// HandlerError describes a handler-level failure.
type HandlerError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ReadinessCheck is one pre-flight safety check.
type ReadinessCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
	Handler string `json:"handler,omitempty"`
}

// ReadinessReport aggregates the readiness checks of a scene.
type ReadinessReport struct {
	Ready  bool             `json:"ready"`
	Checks []ReadinessCheck `json:"checks"`
}

// Failed returns the checks that did not pass.
func (r *ReadinessReport) Failed() []ReadinessCheck {
	var failed []ReadinessCheck
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// NodeResult records what happened to one node during a run.
type NodeResult struct {
	NodeID     string                 `json:"node_id"`
	NodeType   NodeType               `json:"node_type"`
	BindingRef string                 `json:"binding_ref,omitempty"`
	Status     NodeStatus             `json:"status"`
	Attempts   int                    `json:"attempts,omitempty"`
	Handler    string                 `json:"handler,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      *HandlerError          `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	DurationMS int64                  `json:"duration_ms"`
}

// EvidenceRecord is output captured from a node for later review.
type EvidenceRecord struct {
	NodeID     string                 `json:"node_id"`
	BindingRef string                 `json:"binding_ref"`
	Fields     map[string]interface{} `json:"fields"`
	CapturedAt time.Time              `json:"captured_at"`
}

// RunResult is the outcome of one runtime execution.
type RunResult struct {
	// Status is the terminal run status.
	Status RunStatus `json:"status"`

	// TraceID correlates the audit events of the run.
	TraceID string `json:"trace_id"`

	// PlanID is the compiled plan id.
	PlanID string `json:"plan_id,omitempty"`

	// RunMode is the mode the run executed in.
	RunMode RunMode `json:"run_mode"`

	// Policy is the gate decision.
	Policy *PolicyDecision `json:"policy"`

	// DurationMS is the wall-clock duration of the run.
	DurationMS int64 `json:"duration_ms"`

	// NodeResults are the per-node outcomes in execution order.
	NodeResults []NodeResult `json:"node_results"`

	// Evidence holds captured evidence records.
	Evidence []EvidenceRecord `json:"evidence,omitempty"`

	// Readiness is the readiness report for physical domains.
	Readiness *ReadinessReport `json:"readiness,omitempty"`

	// BlockReason explains a blocked run.
	BlockReason string `json:"block_reason,omitempty"`
}

// FailedNodes returns the number of node results with status failed.
func (r *RunResult) FailedNodes() int {
	n := 0
	for _, nr := range r.NodeResults {
		if nr.Status == NodeStatusFailed {
			n++
		}
	}
	return n
}
