package policy

import (
	"time"

	"github.com/scenerun/scenerun/pkg/engine"
)

// Policy is one Rego module evaluated by the gate.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego source. Modules must declare package scenerun.gate.
	Rego string `json:"rego"`

	// Builtin marks the module shipped with the runtime.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was read from, empty for the builtin module.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one entry of the deny set.
type Violation struct {
	// Rank orders violations in the decision; lower ranks come first.
	Rank int `json:"rank"`

	// Code is a stable machine-readable identifier.
	Code string `json:"code"`

	// Message is the human-readable reason.
	Message string `json:"message"`
}

// Input is the document handed to Rego as `input`.
type Input struct {
	Mode    engine.RunMode         `json:"mode"`
	Scene   SceneInput             `json:"scene"`
	Context map[string]interface{} `json:"context"`
}

// SceneInput is the subset of a scene visible to policies.
type SceneInput struct {
	Ref              string   `json:"ref"`
	Version          string   `json:"version"`
	Domain           string   `json:"domain"`
	RiskLevel        string   `json:"risk_level"`
	ApprovalRequired bool     `json:"approval_required"`
	Bindings         []string `json:"bindings"`
	WriteScope       []string `json:"write_scope"`
}

// NewInput builds the policy input for a run.
func NewInput(scene *engine.Scene, mode engine.RunMode, rc engine.RunContext) Input {
	refs := make([]string, 0, len(scene.Spec.CapabilityContract.Bindings))
	for _, b := range scene.Spec.CapabilityContract.Bindings {
		refs = append(refs, b.Ref)
	}
	write := scene.Spec.ModelScope.Write
	if write == nil {
		write = []string{}
	}

	ctx := make(map[string]interface{}, len(rc.Extra)+6)
	for k, v := range rc.Extra {
		ctx[k] = v
	}
	// core flags always win over extra keys of the same name
	ctx["approved"] = rc.Approved
	ctx["dual_approved"] = rc.DualApproved
	ctx["allow_hybrid_commit"] = rc.AllowHybridCommit
	ctx["safety_preflight"] = rc.SafetyPreflight
	ctx["emergency_stop"] = rc.EmergencyStop
	ctx["actor"] = rc.Actor

	return Input{
		Mode: mode,
		Scene: SceneInput{
			Ref:              scene.Ref(),
			Version:          scene.Version(),
			Domain:           string(scene.Spec.Domain),
			RiskLevel:        string(scene.Spec.GovernanceContract.RiskLevel),
			ApprovalRequired: scene.Spec.GovernanceContract.Approval.Required,
			Bindings:         refs,
			WriteScope:       write,
		},
		Context: ctx,
	}
}

// toMap converts the input into plain maps so the evaluator sees JSON types.
func (in Input) toMap() map[string]interface{} {
	bindings := make([]interface{}, len(in.Scene.Bindings))
	for i, b := range in.Scene.Bindings {
		bindings[i] = b
	}
	write := make([]interface{}, len(in.Scene.WriteScope))
	for i, w := range in.Scene.WriteScope {
		write[i] = w
	}
	return map[string]interface{}{
		"mode": string(in.Mode),
		"scene": map[string]interface{}{
			"ref":               in.Scene.Ref,
			"version":           in.Scene.Version,
			"domain":            in.Scene.Domain,
			"risk_level":        in.Scene.RiskLevel,
			"approval_required": in.Scene.ApprovalRequired,
			"bindings":          bindings,
			"write_scope":       write,
		},
		"context": in.Context,
	}
}
