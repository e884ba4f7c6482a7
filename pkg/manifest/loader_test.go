package manifest

import (
	"strings"
	"testing"

	"github.com/scenerun/scenerun/pkg/engine"
)

func TestLoadFileFormats(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantRef  string
		bindings int
	}{
		{name: "yaml", path: "testdata/order_create.yaml", wantRef: "scene.order.create", bindings: 3},
		{name: "json", path: "testdata/order_create.json", wantRef: "scene.order.lookup", bindings: 1},
		{name: "cue", path: "testdata/order_create.cue", wantRef: "scene.order.sync", bindings: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene, err := LoadFile(tt.path)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if scene.Ref() != tt.wantRef {
				t.Errorf("Ref() = %s, want %s", scene.Ref(), tt.wantRef)
			}
			if got := len(scene.Spec.CapabilityContract.Bindings); got != tt.bindings {
				t.Errorf("bindings = %d, want %d", got, tt.bindings)
			}
		})
	}
}

func TestLoadFileCUEDefaults(t *testing.T) {
	scene, err := LoadFile("testdata/order_create.cue")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := scene.Spec.CapabilityContract.Bindings[0].Type; got != "query" {
		t.Errorf("default binding type = %s, want query", got)
	}
}

func TestLoadFileYAMLDetails(t *testing.T) {
	scene, err := LoadFile("testdata/order_create.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	create := scene.Spec.CapabilityContract.Bindings[2]
	if create.Compensation == nil || create.Compensation.ActionRef != "erp.Order.cancel" {
		t.Errorf("compensation = %+v, want action erp.Order.cancel", create.Compensation)
	}
	if create.Evidence == nil || !create.Evidence.Capture {
		t.Errorf("evidence capture not parsed: %+v", create.Evidence)
	}
	if create.SideEffect != nil {
		t.Errorf("side_effect should be unset, got %v", *create.SideEffect)
	}
	if scene.Spec.GovernanceContract.DataLineage == nil {
		t.Error("data_lineage not parsed")
	}
}

func TestValidateAggregatesViolations(t *testing.T) {
	_, err := LoadFile("testdata/invalid.yaml")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !engine.IsInvalidManifest(err) {
		t.Fatalf("expected INVALID_MANIFEST, got %v", err)
	}

	violations := engine.ViolationsOf(err)
	wantFragments := []string{
		"kind must be \"scene\"",
		"metadata.obj_id is required",
		"spec.domain must be one of",
		"spec.intent.goal is required",
		"spec.capability_contract.bindings",
		"spec.governance_contract.risk_level must be one of",
		"apiVersion",
		"not a semantic version",
		"must be disjoint",
	}
	for _, frag := range wantFragments {
		found := false
		for _, v := range violations {
			if strings.Contains(v, frag) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing violation containing %q in %v", frag, violations)
		}
	}
}

func TestValidateRules(t *testing.T) {
	valid := func() *engine.Scene {
		scene, err := LoadFile("testdata/order_create.yaml")
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		return scene
	}

	tests := []struct {
		name    string
		mutate  func(*engine.Scene)
		wantErr string
	}{
		{name: "valid", mutate: func(*engine.Scene) {}},
		{
			name:    "binding without ref",
			mutate:  func(s *engine.Scene) { s.Spec.CapabilityContract.Bindings[0].Ref = "" },
			wantErr: "bindings[0].ref is required",
		},
		{
			name:    "binding without type",
			mutate:  func(s *engine.Scene) { s.Spec.CapabilityContract.Bindings[1].Type = "" },
			wantErr: "bindings[1].type is required",
		},
		{
			name:    "negative retry",
			mutate:  func(s *engine.Scene) { s.Spec.CapabilityContract.Bindings[2].Retry = -1 },
			wantErr: "bindings[2].retry must be >= 0",
		},
		{
			name:    "idempotency required without key",
			mutate:  func(s *engine.Scene) { s.Spec.GovernanceContract.Idempotency.Key = "" },
			wantErr: "idempotency.key is required",
		},
		{
			name: "compensate without action",
			mutate: func(s *engine.Scene) {
				s.Spec.CapabilityContract.Bindings[2].Compensation.ActionRef = ""
			},
			wantErr: "compensation.action_ref is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := valid()
			tt.mutate(scene)
			err := Validate(scene)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{name: "empty", data: "  ", format: FormatYAML},
		{name: "bad yaml", data: "kind: [unclosed", format: FormatYAML},
		{name: "bad json", data: "{", format: FormatJSON},
		{name: "bad cue", data: "kind: ", format: FormatCUE},
		{name: "unknown format", data: "kind: scene", format: Format("toml")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data), tt.format)
			if !engine.IsInvalidManifest(err) {
				t.Errorf("Load() error = %v, want INVALID_MANIFEST", err)
			}
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]Format{
		"a.yaml": FormatYAML,
		"a.YML":  FormatYAML,
		"a.json": FormatJSON,
		"a.cue":  FormatCUE,
		"a.txt":  FormatYAML,
	}
	for path, want := range cases {
		if got := FormatFromPath(path); got != want {
			t.Errorf("FormatFromPath(%s) = %s, want %s", path, got, want)
		}
	}
}
