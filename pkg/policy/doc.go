// Package policy implements the policy gate that authorizes scene runs.
//
// The gate evaluates Rego modules with Open Policy Agent. A built-in module
// in package scenerun.gate encodes the commit rules: approval for scenes that
// require it, approval for high and critical risk, an explicit opt-in for
// hybrid commits, and safety preflight, emergency stop and dual approval
// checks for physical domains. Preview runs are always allowed.
//
// Site policies are additional .rego files declaring the same package and
// contributing to the deny set:
//
//	package scenerun.gate
//
//	import rego.v1
//
//	deny contains {"rank": 100, "code": "weekend_freeze", "message": "commits are frozen"} if {
//		input.mode == "commit"
//		input.context.freeze == true
//	}
//
// The policy input has the shape:
//
//	{
//	  "mode": "commit",
//	  "scene": {"ref", "version", "domain", "risk_level", "approval_required", "bindings", "write_scope"},
//	  "context": {"approved", "dual_approved", "allow_hybrid_commit", "safety_preflight", "emergency_stop", "actor", ...extra}
//	}
//
// Reasons are reported in rank order. Files that cannot be read or parsed are
// skipped with a warning, and Gate.Watch reloads site policies when the
// configured paths change.
//
// Usage:
//
//	gate, err := policy.NewGate(ctx, logger, policy.WithPolicyPaths("/etc/scenerun/policies"))
//	if err != nil {
//	    return err
//	}
//	decision := gate.Evaluate(ctx, scene, engine.RunModeCommit, engine.RunContext{Approved: true})
//	if !decision.Allowed {
//	    fmt.Println(strings.Join(decision.Reasons, "\n"))
//	}
package policy
