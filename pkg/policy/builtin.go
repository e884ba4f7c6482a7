package policy

import (
	"time"
)

// PackageName is the Rego package every gate module must declare.
const PackageName = "scenerun.gate"

// denyQuery collects the deny set of all modules in the gate package.
const denyQuery = "data.scenerun.gate.deny"

// builtinRego encodes the commit rules. Every rule is independent, so all
// reasons are collected; rank fixes their order in the decision.
const builtinRego = `package scenerun.gate

import rego.v1

# Built-in commit authorization rules for scene runs.

commit if input.mode == "commit"

enabled(name) if input.context[name] == true

physical if input.scene.domain in {"robot", "hybrid"}

deny contains {"rank": 10, "code": "approval_required", "message": "approval is required for commit"} if {
	commit
	input.scene.approval_required == true
	not enabled("approved")
}

deny contains {"rank": 20, "code": "high_risk_approval", "message": "high-risk commit requires approval"} if {
	commit
	input.scene.risk_level in {"high", "critical"}
	not enabled("approved")
}

deny contains {"rank": 30, "code": "hybrid_disabled", "message": "hybrid commit is disabled; set allow_hybrid_commit to enable"} if {
	commit
	input.scene.domain == "hybrid"
	not enabled("allow_hybrid_commit")
}

deny contains {"rank": 40, "code": "safety_preflight", "message": "safety preflight check is required for robot/hybrid commit"} if {
	commit
	physical
	not enabled("safety_preflight")
}

deny contains {"rank": 50, "code": "emergency_stop", "message": "emergency stop channel is required for robot/hybrid commit"} if {
	commit
	physical
	not enabled("emergency_stop")
}

deny contains {"rank": 60, "code": "dual_approval", "message": "critical robot/hybrid commit requires dual approval"} if {
	commit
	physical
	input.scene.risk_level == "critical"
	not enabled("dual_approved")
}
`

// BuiltinPolicy returns the module shipped with the runtime.
func BuiltinPolicy() Policy {
	return Policy{
		Name:        "builtin",
		Description: "Built-in commit authorization rules for scene runs.",
		Rego:        builtinRego,
		Builtin:     true,
		LoadedAt:    time.Now(),
	}
}
