// Package engine provides the core types and the execution pipeline of the scene runtime.
//
// # Overview
//
// A scene manifest declares a goal, the external bindings needed to reach it and a
// governance contract. The engine turns a manifest into a run:
//
//  1. Compile - Compiler builds a linear Plan, one node per binding plus a verify
//     and a respond node, and validates it (ValidatePlan).
//  2. Authorize - an Authorizer (the policy gate) allows or denies the run.
//  3. Execute - Runtime walks the successor chain. Preview validates nodes without
//     side effects; commit dispatches nodes to a BindingExecutor.
//  4. Audit - every phase transition is handed to an AuditSink.
//
// # Run states
//
//	requested -> plan_compiled -> denied
//	                           -> authorized -> executing -> success | failed | blocked
//
// A denied run records exactly two audit events (requested, denied) and no node
// results. A failed node stops the run; its declared compensation is audited but
// never executed.
//
// # Errors
//
// Aggregated validation failures are EngineErrors with code INVALID_MANIFEST or
// INVALID_PLAN whose Violations list every problem found. Handler errors are
// classified transient, throttled, conflict or permanent; only the first three
// are retried, up to the node's retry ceiling with a fixed delay.
package engine
