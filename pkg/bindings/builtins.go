package bindings

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/scenerun/scenerun/pkg/adapters/moqui"
	"github.com/scenerun/scenerun/pkg/engine"
)

// SourceBuiltin marks handlers shipped with the runtime.
const SourceBuiltin = "builtin"

// Handler ids of the built-in handlers.
const (
	HandlerMoqui      = "moqui"
	HandlerERPSim     = "erp-sim"
	HandlerRobotSim   = "robot-sim"
	HandlerAdapterSim = "adapter-sim"
	HandlerDefault    = "default"
)

// SimulateFailureKey names a payload key whose value is a binding ref (or a
// list of refs) the simulators report as failed.
const SimulateFailureKey = "simulate_failure"

// BuiltinOptions configures RegisterBuiltins.
type BuiltinOptions struct {
	// Moqui, when set, serves "moqui." bindings against a real server.
	Moqui *moqui.Client
}

// RegisterBuiltins registers the built-in handlers after any already
// registered ones, so plugins registered first take precedence.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	var handlers []*Handler
	if opts.Moqui != nil {
		handlers = append(handlers, MoquiHandler(opts.Moqui))
	}
	handlers = append(handlers, ERPSimHandler(), RobotSimHandler(), AdapterSimHandler())

	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return fmt.Errorf("failed to register built-in handler: %w", err)
		}
	}
	return nil
}

// DefaultHandler succeeds for any node and marks its output as simulated.
func DefaultHandler() *Handler {
	return &Handler{
		ID:     HandlerDefault,
		Source: SourceBuiltin,
		Match:  func(*engine.PlanNode) bool { return true },
		Execute: func(_ context.Context, node *engine.PlanNode, _ engine.Payload) (*engine.HandlerResult, error) {
			return Success(map[string]interface{}{
				"simulated":   true,
				"binding_ref": node.BindingRef,
				"node_type":   string(node.NodeType),
			}), nil
		},
	}
}

// ERPSimHandler simulates ERP bindings named "erp.<Entity>.<operation>".
// Create operations return a generated "<entity>Id" unless the payload
// already carries one.
func ERPSimHandler() *Handler {
	return &Handler{
		ID:     HandlerERPSim,
		Source: SourceBuiltin,
		Match:  MatchPrefix("erp."),
		Execute: func(_ context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			if simulateFailure(payload, node.BindingRef) {
				return Failure("SIMULATED_FAILURE", fmt.Sprintf("simulated failure for %s", node.BindingRef)), nil
			}

			entity, operation := splitRef(node.BindingRef)
			out := map[string]interface{}{
				"simulated":   true,
				"binding_ref": node.BindingRef,
				"entity":      entity,
				"operation":   operation,
			}
			if key := node.Execution.IdempotencyKey; key != "" {
				out["idempotency_key"] = key
				if v, ok := payload[key]; ok {
					out[key] = v
				}
			}
			if isCreate(operation) && entity != "" {
				idField := lowerFirst(entity) + "Id"
				if v, ok := payload[idField]; ok {
					out[idField] = v
				} else if _, ok := out[idField]; !ok {
					out[idField] = strings.ToUpper(entity[:min(3, len(entity))]) + "-" + ulid.Make().String()
				}
			}
			return Success(out), nil
		},
	}
}

// RobotSimHandler simulates "robot." bindings. Its readiness checks read
// payload.safety.preflight_passed and payload.safety.estop_clear.
func RobotSimHandler() *Handler {
	return &Handler{
		ID:     HandlerRobotSim,
		Source: SourceBuiltin,
		Match:  MatchPrefix("robot."),
		Execute: func(_ context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			if simulateFailure(payload, node.BindingRef) {
				return Failure("SIMULATED_FAILURE", fmt.Sprintf("simulated failure for %s", node.BindingRef)), nil
			}
			_, action := splitRef(node.BindingRef)
			return Success(map[string]interface{}{
				"simulated":   true,
				"binding_ref": node.BindingRef,
				"action":      action,
				"completed":   true,
			}), nil
		},
		Readiness: func(_ context.Context, _ *engine.Scene, payload engine.Payload) []engine.ReadinessCheck {
			safety, _ := payload["safety"].(map[string]interface{})
			preflight, _ := safety["preflight_passed"].(bool)
			estop, _ := safety["estop_clear"].(bool)
			return []engine.ReadinessCheck{
				readinessCheck("safety_preflight", preflight, "safety preflight passed", "safety preflight has not passed"),
				readinessCheck("estop_clear", estop, "emergency stop is clear", "emergency stop is engaged or unknown"),
			}
		},
	}
}

// AdapterSimHandler serves adapter nodes no other handler claimed.
func AdapterSimHandler() *Handler {
	return &Handler{
		ID:     HandlerAdapterSim,
		Source: SourceBuiltin,
		Match:  MatchNodeType(engine.NodeTypeAdapter),
		Execute: func(_ context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			if simulateFailure(payload, node.BindingRef) {
				return Failure("SIMULATED_FAILURE", fmt.Sprintf("simulated failure for %s", node.BindingRef)), nil
			}
			return Success(map[string]interface{}{
				"simulated":   true,
				"binding_ref": node.BindingRef,
				"adapter":     true,
			}), nil
		},
	}
}

func readinessCheck(name string, passed bool, ok, failed string) engine.ReadinessCheck {
	msg := ok
	if !passed {
		msg = failed
	}
	return engine.ReadinessCheck{Name: name, Passed: passed, Message: msg}
}

func simulateFailure(payload engine.Payload, ref string) bool {
	switch v := payload[SimulateFailureKey].(type) {
	case string:
		return v == ref
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == ref {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == ref {
				return true
			}
		}
	}
	return false
}

// splitRef splits "ns.Entity.op" into entity and operation. Refs with more
// segments keep the middle ones in the entity part.
func splitRef(ref string) (string, string) {
	parts := strings.Split(ref, ".")
	switch len(parts) {
	case 0, 1:
		return "", ref
	case 2:
		return "", parts[1]
	default:
		return strings.Join(parts[1:len(parts)-1], "."), parts[len(parts)-1]
	}
}

func isCreate(op string) bool {
	switch strings.ToLower(op) {
	case "create", "add", "place", "post":
		return true
	}
	return false
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
