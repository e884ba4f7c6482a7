//go:build property
// +build property

package engine_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/scenerun/scenerun/pkg/engine"
)

var bindingTypes = []string{"query", "mutation", "service", "script", "adapter", "lookup", "invoke"}

func sceneFromTags(tags []int, withWrite bool) *engine.Scene {
	bindings := make([]engine.Binding, 0, len(tags))
	for i, t := range tags {
		bindings = append(bindings, engine.Binding{
			Ref:  fmt.Sprintf("erp.Entity%d.op", i),
			Type: bindingTypes[t%len(bindingTypes)],
		})
	}
	scene := &engine.Scene{
		APIVersion: "scene.dev/v0.2",
		Kind:       engine.SceneKind,
		Metadata:   engine.SceneMetadata{ObjID: "scene.prop", ObjVersion: "0.1.0"},
		Spec: engine.SceneSpec{
			Domain:             engine.DomainERP,
			Intent:             engine.Intent{Goal: "property"},
			CapabilityContract: engine.CapabilityContract{Bindings: bindings},
			GovernanceContract: engine.GovernanceContract{
				RiskLevel:   engine.RiskLow,
				Idempotency: engine.Idempotency{Key: "requestId"},
			},
		},
	}
	if withWrite {
		scene.Spec.ModelScope.Write = []string{"Order"}
	}
	return scene
}

// TestCompiledPlanShape verifies every compiled plan is a single chain of
// bindings+2 nodes ending in respond.
// Property: len(plan.Nodes) == len(bindings)+2 and ValidatePlan(plan) == nil
func TestCompiledPlanShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compiled plans are linear chains", prop.ForAll(
		func(tags []int, withWrite bool) bool {
			if len(tags) == 0 {
				return true
			}
			plan, err := engine.NewCompiler(0).Compile(sceneFromTags(tags, withWrite), engine.CompileOptions{})
			if err != nil {
				return false
			}
			if len(plan.Nodes) != len(tags)+2 {
				return false
			}
			if engine.ValidatePlan(plan) != nil {
				return false
			}
			visited := 0
			for n := plan.Entry(); n != nil; {
				visited++
				if len(n.Next) == 0 {
					return n.NodeType == engine.NodeTypeRespond && visited == len(plan.Nodes)
				}
				n = plan.Node(n.Next[0])
			}
			return false
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestSideEffectRequiresWriteScope verifies no node is side-effecting without
// a write scope, and every side-effecting node carries the idempotency key.
func TestSideEffectRequiresWriteScope(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("side effects follow write scope", prop.ForAll(
		func(tags []int, withWrite bool) bool {
			if len(tags) == 0 {
				return true
			}
			plan, err := engine.NewCompiler(0).Compile(sceneFromTags(tags, withWrite), engine.CompileOptions{})
			if err != nil {
				return false
			}
			for _, n := range plan.Nodes {
				if n.Execution.SideEffect {
					if !withWrite || !n.NodeType.IsMutating() || n.Execution.IdempotencyKey != "requestId" {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
