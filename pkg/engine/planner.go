package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// VerifyNodeID is the id of the synthetic verification node.
	VerifyNodeID = "node-verify"

	// RespondNodeID is the id of the synthetic terminal node.
	RespondNodeID = "node-respond"

	// DefaultNodeTimeoutMS applies to bindings that declare no timeout.
	DefaultNodeTimeoutMS = 30000
)

// CompileOptions parameterise a single compilation.
type CompileOptions struct {
	// Mode is the run mode the plan is compiled for.
	Mode RunMode

	// TraceID is reused when set; otherwise a fresh id is generated.
	TraceID string

	// PlanID is reused when set; otherwise a fresh id is generated.
	PlanID string
}

// Compiler turns a scene manifest into a validated execution plan.
// It holds no state between calls and is safe for concurrent use.
type Compiler struct {
	defaultTimeoutMS int
}

// NewCompiler creates a compiler. A non-positive default timeout falls back to DefaultNodeTimeoutMS.
func NewCompiler(defaultTimeoutMS int) *Compiler {
	if defaultTimeoutMS <= 0 {
		defaultTimeoutMS = DefaultNodeTimeoutMS
	}
	return &Compiler{defaultTimeoutMS: defaultTimeoutMS}
}

// Compile builds one node per binding in declared order, links them linearly,
// appends the verify and respond tail and validates the result.
func (c *Compiler) Compile(scene *Scene, opts CompileOptions) (*Plan, error) {
	if scene == nil {
		return nil, NewInvalidPlanError([]string{"scene is nil"})
	}

	mode := opts.Mode
	if mode == "" {
		mode = RunModePreview
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = NewTraceID()
	}
	planID := opts.PlanID
	if planID == "" {
		planID = "plan-" + uuid.New().String()
	}

	plan := &Plan{
		PlanID:       planID,
		SceneRef:     scene.Ref(),
		SceneVersion: scene.Version(),
		RunMode:      mode,
		TraceID:      traceID,
		Nodes:        make([]*PlanNode, 0, len(scene.Spec.CapabilityContract.Bindings)+2),
		CreatedAt:    time.Now().UTC(),
	}

	hasWriteScope := len(scene.Spec.ModelScope.Write) > 0
	idempotencyKey := scene.Spec.GovernanceContract.Idempotency.Key

	for i, binding := range scene.Spec.CapabilityContract.Bindings {
		nodeType := ClassifyBinding(binding.Type)
		sideEffect := isSideEffect(binding, nodeType, hasWriteScope)

		node := &PlanNode{
			NodeID:         fmt.Sprintf("node-%d", i+1),
			NodeType:       nodeType,
			BindingRef:     binding.Ref,
			Intent:         binding.Intent,
			Preconditions:  binding.Preconditions,
			Postconditions: binding.Postconditions,
			DependsOn:      binding.DependsOn,
			Execution: NodeExecution{
				TimeoutMS:  c.timeoutFor(binding),
				Retry:      binding.Retry,
				SideEffect: sideEffect,
			},
			Compensation: Compensation{Strategy: CompensationNone},
			OnFailure:    "abort",
			Next:         []string{},
		}
		if sideEffect {
			node.Execution.IdempotencyKey = idempotencyKey
		}
		if binding.Compensation != nil {
			node.Compensation = *binding.Compensation
			if node.Compensation.Strategy == "" {
				node.Compensation.Strategy = CompensationCompensate
			}
		}
		if binding.Evidence != nil {
			node.Evidence = *binding.Evidence
		}
		plan.Nodes = append(plan.Nodes, node)
	}

	plan.Nodes = append(plan.Nodes,
		&PlanNode{
			NodeID:       VerifyNodeID,
			NodeType:     NodeTypeVerify,
			Execution:    NodeExecution{TimeoutMS: c.defaultTimeoutMS},
			Compensation: Compensation{Strategy: CompensationNone},
			OnFailure:    "abort",
			Next:         []string{},
		},
		&PlanNode{
			NodeID:       RespondNodeID,
			NodeType:     NodeTypeRespond,
			Execution:    NodeExecution{TimeoutMS: c.defaultTimeoutMS},
			Compensation: Compensation{Strategy: CompensationNone},
			OnFailure:    "abort",
			Next:         []string{},
		},
	)

	for i := 0; i < len(plan.Nodes)-1; i++ {
		plan.Nodes[i].Next = []string{plan.Nodes[i+1].NodeID}
	}

	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Compiler) timeoutFor(b Binding) int {
	if b.TimeoutMS > 0 {
		return b.TimeoutMS
	}
	return c.defaultTimeoutMS
}

// ClassifyBinding maps a binding type tag to a node type. Unknown tags are services.
func ClassifyBinding(tag string) NodeType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "query", "read", "lookup":
		return NodeTypeQuery
	case "script":
		return NodeTypeScript
	case "adapter", "device":
		return NodeTypeAdapter
	case "human_approval", "approval":
		return NodeTypeHumanApproval
	default:
		// mutation, service, invoke, command and anything else
		return NodeTypeService
	}
}

func isSideEffect(b Binding, nodeType NodeType, hasWriteScope bool) bool {
	if b.SideEffect != nil {
		return *b.SideEffect
	}
	return hasWriteScope && nodeType.IsMutating()
}

// NewTraceID returns a fresh, lexically sortable trace id.
func NewTraceID() string {
	return ulid.Make().String()
}
