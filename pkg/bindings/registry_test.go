package bindings

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/engine"
)

func planNode(ref string, t engine.NodeType) *engine.PlanNode {
	return &engine.PlanNode{NodeID: "node-1", NodeType: t, BindingRef: ref}
}

func staticHandler(id string, match MatchFunc) *Handler {
	return &Handler{
		ID:    id,
		Match: match,
		Execute: func(context.Context, *engine.PlanNode, engine.Payload) (*engine.HandlerResult, error) {
			return Success(map[string]interface{}{"by": id}), nil
		},
	}
}

func TestMatchers(t *testing.T) {
	create := planNode("erp.Order.create", engine.NodeTypeService)
	pick := planNode("robot.arm.pick", engine.NodeTypeAdapter)
	verify := planNode("", engine.NodeTypeVerify)

	tests := []struct {
		name  string
		match MatchFunc
		node  *engine.PlanNode
		want  bool
	}{
		{"type hit", MatchNodeType(engine.NodeTypeAdapter), pick, true},
		{"type miss", MatchNodeType(engine.NodeTypeAdapter, engine.NodeTypeQuery), create, false},
		{"prefix hit", MatchPrefix("erp."), create, true},
		{"prefix miss", MatchPrefix("erp."), pick, false},
		{"prefix ignores synthetic", MatchPrefix(""), verify, false},
		{"pattern star", MatchPattern("erp.*.create"), create, true},
		{"pattern braces", MatchPattern("robot.{arm,gripper}.*"), pick, true},
		{"pattern miss", MatchPattern("erp.*.delete"), create, false},
		{"invalid pattern", MatchPattern("erp.[.create"), create, false},
		{"all", MatchAll(MatchPrefix("robot."), MatchNodeType(engine.NodeTypeAdapter)), pick, true},
		{"all partial", MatchAll(MatchPrefix("robot."), MatchNodeType(engine.NodeTypeQuery)), pick, false},
		{"all empty", MatchAll(), pick, false},
		{"any", MatchAny(MatchPrefix("x."), MatchPattern("erp.**")), create, true},
		{"any none", MatchAny(MatchPrefix("x."), nil), create, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.match(tt.node); got != tt.want {
				t.Errorf("match(%s) = %v, want %v", tt.node.BindingRef, got, tt.want)
			}
		})
	}

	if _, err := CompilePattern("erp.[.create"); err == nil {
		t.Error("CompilePattern should reject malformed patterns")
	}
}

func TestRegistryResolveOrder(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.Register(staticHandler("first", MatchPrefix("erp."))); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(staticHandler("second", MatchPattern("erp.Order.*"))); err != nil {
		t.Fatal(err)
	}

	if h := r.Resolve(planNode("erp.Order.create", engine.NodeTypeService)); h.ID != "first" {
		t.Errorf("first match should win, got %s", h.ID)
	}
	if h := r.Resolve(planNode("crm.Lead.get", engine.NodeTypeQuery)); h.ID != HandlerDefault {
		t.Errorf("unmatched node should fall back to default, got %s", h.ID)
	}
	if n := len(r.Handlers()); n != 2 {
		t.Errorf("Handlers() = %d, want 2", n)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tests := []struct {
		name string
		h    *Handler
	}{
		{"nil", nil},
		{"missing id", &Handler{Execute: staticHandler("x", nil).Execute}},
		{"missing execute", &Handler{ID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.h); err == nil {
				t.Error("Register() should fail")
			}
		})
	}

	if err := r.Register(staticHandler("dup", nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(staticHandler("dup", nil)); err == nil {
		t.Error("duplicate id should be rejected")
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_ = r.Register(&Handler{
		ID:    "slow",
		Match: MatchPrefix("slow."),
		Execute: func(ctx context.Context, _ *engine.PlanNode, _ engine.Payload) (*engine.HandlerResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	_ = r.Register(&Handler{
		ID:    "stuck",
		Match: MatchPrefix("stuck."),
		Execute: func(context.Context, *engine.PlanNode, engine.Payload) (*engine.HandlerResult, error) {
			time.Sleep(200 * time.Millisecond)
			return Success(nil), nil
		},
	})
	_ = r.Register(&Handler{
		ID:    "panics",
		Match: MatchPrefix("panic."),
		Execute: func(context.Context, *engine.PlanNode, engine.Payload) (*engine.HandlerResult, error) {
			panic("boom")
		},
	})
	_ = r.Register(&Handler{
		ID:    "errs",
		Match: MatchPrefix("err."),
		Execute: func(context.Context, *engine.PlanNode, engine.Payload) (*engine.HandlerResult, error) {
			return nil, errors.New("backend down")
		},
	})

	withTimeout := func(ref string) *engine.PlanNode {
		n := planNode(ref, engine.NodeTypeService)
		n.Execution.TimeoutMS = 20
		return n
	}

	t.Run("ctx-aware handler times out", func(t *testing.T) {
		_, id, err := r.Execute(context.Background(), withTimeout("slow.op"), nil)
		if id != "slow" || !engine.IsTransient(err) {
			t.Fatalf("Execute() = %s, %v", id, err)
		}
		var ee *engine.EngineError
		if !errors.As(err, &ee) || ee.Code != engine.ErrCodeTimeout {
			t.Errorf("error code = %v", err)
		}
	})

	t.Run("handler ignoring ctx times out", func(t *testing.T) {
		_, _, err := r.Execute(context.Background(), withTimeout("stuck.op"), nil)
		if !engine.IsRetryable(err) || !strings.Contains(err.Error(), "timed out") {
			t.Errorf("Execute() error = %v", err)
		}
	})

	t.Run("panic becomes permanent error", func(t *testing.T) {
		_, _, err := r.Execute(context.Background(), planNode("panic.op", engine.NodeTypeService), nil)
		if !engine.IsPermanent(err) {
			t.Errorf("Execute() error = %v", err)
		}
	})

	t.Run("handler error passed through", func(t *testing.T) {
		_, id, err := r.Execute(context.Background(), planNode("err.op", engine.NodeTypeService), nil)
		if id != "errs" || err == nil || err.Error() != "backend down" {
			t.Errorf("Execute() = %s, %v", id, err)
		}
	})

	t.Run("default handler", func(t *testing.T) {
		res, id, err := r.Execute(context.Background(), planNode("crm.Lead.get", engine.NodeTypeQuery), nil)
		if err != nil || id != HandlerDefault || res.Output["simulated"] != true {
			t.Errorf("Execute() = %+v, %s, %v", res, id, err)
		}
	})
}

func TestCheckReadiness(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := RegisterBuiltins(r, BuiltinOptions{}); err != nil {
		t.Fatal(err)
	}

	scene := &engine.Scene{
		Metadata: engine.SceneMetadata{ObjID: "scene.robot.pick"},
		Spec: engine.SceneSpec{
			Domain: engine.DomainRobot,
			CapabilityContract: engine.CapabilityContract{Bindings: []engine.Binding{
				{Ref: "robot.arm.pick", Type: "adapter"},
				{Ref: "robot.arm.place", Type: "adapter"},
				{Ref: "erp.Task.get", Type: "query"},
			}},
		},
	}

	tests := []struct {
		name      string
		payload   engine.Payload
		wantReady bool
		wantFail  []string
	}{
		{"no safety block", engine.Payload{}, false, []string{"safety_preflight", "estop_clear"}},
		{"estop engaged", engine.Payload{"safety": map[string]interface{}{"preflight_passed": true, "estop_clear": false}}, false, []string{"estop_clear"}},
		{"all clear", engine.Payload{"safety": map[string]interface{}{"preflight_passed": true, "estop_clear": true}}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := r.CheckReadiness(context.Background(), scene, tt.payload)
			if report.Ready != tt.wantReady {
				t.Errorf("ready = %v, want %v", report.Ready, tt.wantReady)
			}
			// robot-sim is asked once even though two bindings resolve to it
			if len(report.Checks) != 2 {
				t.Errorf("checks = %+v, want 2", report.Checks)
			}
			failed := report.Failed()
			if len(failed) != len(tt.wantFail) {
				t.Fatalf("failed = %+v, want %v", failed, tt.wantFail)
			}
			for i, name := range tt.wantFail {
				if failed[i].Name != name || failed[i].Handler != HandlerRobotSim {
					t.Errorf("failed[%d] = %+v", i, failed[i])
				}
			}
		})
	}
}

func TestCheckReadinessRecoversFromPanic(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	sensor := staticHandler("sensor", MatchPrefix("robot."))
	sensor.Readiness = func(context.Context, *engine.Scene, engine.Payload) []engine.ReadinessCheck {
		panic("sensor offline")
	}
	lidar := staticHandler("lidar", MatchPrefix("lidar."))
	lidar.Readiness = func(context.Context, *engine.Scene, engine.Payload) []engine.ReadinessCheck {
		return []engine.ReadinessCheck{{Name: "lidar.spin", Passed: true}}
	}
	for _, h := range []*Handler{sensor, lidar} {
		if err := r.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	scene := &engine.Scene{
		Spec: engine.SceneSpec{
			Domain: engine.DomainRobot,
			CapabilityContract: engine.CapabilityContract{Bindings: []engine.Binding{
				{Ref: "robot.arm.pick", Type: "adapter"},
				{Ref: "lidar.scan", Type: "adapter"},
			}},
		},
	}

	report := r.CheckReadiness(context.Background(), scene, nil)
	if report.Ready {
		t.Fatalf("report should not be ready: %+v", report)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("checks = %+v, want 2", report.Checks)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Name != "sensor.ready" || failed[0].Handler != "sensor" ||
		!strings.Contains(failed[0].Message, "sensor offline") {
		t.Errorf("failed = %+v", failed)
	}
}
