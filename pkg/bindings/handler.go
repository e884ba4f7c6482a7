package bindings

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/scenerun/scenerun/pkg/engine"
)

// ExecuteFunc runs a plan node against an external system.
type ExecuteFunc func(ctx context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error)

// ReadinessFunc reports pre-flight checks for a scene.
type ReadinessFunc func(ctx context.Context, scene *engine.Scene, payload engine.Payload) []engine.ReadinessCheck

// MatchFunc decides whether a handler serves a node.
type MatchFunc func(node *engine.PlanNode) bool

// Handler describes one binding handler.
type Handler struct {
	// ID identifies the handler in results, logs and audit events.
	ID string

	// Source records where the handler came from: "builtin" or a plugin file.
	Source string

	// Match selects the nodes this handler serves. Nil matches nothing.
	Match MatchFunc

	// Execute runs a node. Required.
	Execute ExecuteFunc

	// Readiness is consulted before physical runs. Optional.
	Readiness ReadinessFunc
}

func (h *Handler) validate() error {
	if h == nil {
		return fmt.Errorf("handler is nil")
	}
	if strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("handler id is required")
	}
	if h.Execute == nil {
		return fmt.Errorf("handler %s has no execute function", h.ID)
	}
	return nil
}

func (h *Handler) matches(node *engine.PlanNode) bool {
	return h.Match != nil && h.Match(node)
}

// MatchNodeType matches nodes of any of the given types.
func MatchNodeType(types ...engine.NodeType) MatchFunc {
	set := make(map[engine.NodeType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(node *engine.PlanNode) bool {
		return set[node.NodeType]
	}
}

// MatchPrefix matches binding references starting with prefix.
func MatchPrefix(prefix string) MatchFunc {
	return func(node *engine.PlanNode) bool {
		return node.BindingRef != "" && strings.HasPrefix(node.BindingRef, prefix)
	}
}

// MatchPattern matches binding references against a doublestar glob such as
// "erp.*.create" or "robot.{arm,gripper}.*". An invalid pattern matches nothing.
func MatchPattern(pattern string) MatchFunc {
	m, err := CompilePattern(pattern)
	if err != nil {
		return func(*engine.PlanNode) bool { return false }
	}
	return m
}

// CompilePattern is MatchPattern with the pattern validated up front.
func CompilePattern(pattern string) (MatchFunc, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid binding pattern %q", pattern)
	}
	return func(node *engine.PlanNode) bool {
		if node.BindingRef == "" {
			return false
		}
		ok, err := doublestar.Match(pattern, node.BindingRef)
		return err == nil && ok
	}, nil
}

// MatchAll matches when every matcher matches.
func MatchAll(matchers ...MatchFunc) MatchFunc {
	return func(node *engine.PlanNode) bool {
		for _, m := range matchers {
			if m == nil || !m(node) {
				return false
			}
		}
		return len(matchers) > 0
	}
}

// MatchAny matches when at least one matcher matches.
func MatchAny(matchers ...MatchFunc) MatchFunc {
	return func(node *engine.PlanNode) bool {
		for _, m := range matchers {
			if m != nil && m(node) {
				return true
			}
		}
		return false
	}
}

// Success builds a successful handler result.
func Success(output map[string]interface{}) *engine.HandlerResult {
	if output == nil {
		output = map[string]interface{}{}
	}
	return &engine.HandlerResult{Status: engine.HandlerSuccess, Output: output}
}

// Failure builds a failed handler result.
func Failure(code, message string) *engine.HandlerResult {
	return &engine.HandlerResult{
		Status: engine.HandlerFailed,
		Error:  &engine.HandlerError{Code: code, Message: message},
	}
}
