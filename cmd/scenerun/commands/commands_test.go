package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scenerun/scenerun/pkg/audit"
	"github.com/scenerun/scenerun/pkg/engine"
)

const (
	orderManifest   = "../../../pkg/manifest/testdata/order_create.yaml"
	invalidManifest = "../../../pkg/manifest/testdata/invalid.yaml"
)

type workspace struct {
	dir        string
	config     string
	auditPath  string
	sqlitePath string
	pluginDir  string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:        dir,
		config:     filepath.Join(dir, "scenerun.yaml"),
		auditPath:  filepath.Join(dir, "logs", "audit.jsonl"),
		sqlitePath: filepath.Join(dir, "audit.db"),
		pluginDir:  filepath.Join(dir, "plugins"),
	}
	if err := os.MkdirAll(ws.pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`
audit:
  path: %s
  sqlite: %s
plugins:
  dirs: [%s]
runtime:
  retry_delay: 1ms
telemetry:
  log_level: error
`, ws.auditPath, ws.sqlitePath, ws.pluginDir)
	if err := os.WriteFile(ws.config, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", ws.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "validate", orderManifest)
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "OK") || !strings.Contains(out, "scene.order.create@1.2.0") {
		t.Errorf("output = %q", out)
	}

	out, err = ws.run(t, "validate", orderManifest, invalidManifest)
	if err == nil {
		t.Fatal("expected error for invalid manifest")
	}
	if !strings.Contains(err.Error(), "1 of 2") || !strings.Contains(out, "FAIL") {
		t.Errorf("err = %v, output = %q", err, out)
	}
}

func TestValidateCommandJSON(t *testing.T) {
	ws := newWorkspace(t)
	out, err := ws.run(t, "--json", "validate", invalidManifest)
	if err == nil {
		t.Fatal("expected error")
	}
	var results []validationResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].Valid || len(results[0].Violations) < 2 {
		t.Errorf("results = %+v", results)
	}
}

func TestPlanCommand(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "plan", orderManifest)
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	for _, want := range []string{"erp.Customer.get", "erp.Order.create", "verify", "respond"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}

	out, err = ws.run(t, "plan", "--dot", orderManifest)
	if err != nil || !strings.HasPrefix(out, "digraph Plan {") {
		t.Errorf("dot output = %q, err = %v", out, err)
	}

	if _, err := ws.run(t, "plan", "--mode", "yolo", orderManifest); err == nil {
		t.Errorf("expected error for unknown mode")
	}
}

func TestRunPreviewAndAudit(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "run", orderManifest)
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "SUCCESS") || !strings.Contains(out, ws.auditPath) {
		t.Errorf("run output = %q", out)
	}

	report, err := audit.VerifyFile(ws.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() || report.Total == 0 {
		t.Errorf("audit report = %+v", report)
	}

	out, err = ws.run(t, "audit", "verify")
	if err != nil || !strings.Contains(out, fmt.Sprintf("%d valid", report.Total)) {
		t.Errorf("audit verify = %q, %v", out, err)
	}

	out, err = ws.run(t, "audit", "tail", "-n", "1")
	if err != nil || !strings.Contains(out, string(engine.AuditCompleted)) {
		t.Errorf("audit tail = %q, %v", out, err)
	}
}

func TestRunCommitDenied(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "run", "--mode", "commit", orderManifest)
	if err == nil {
		t.Fatal("expected error for denied run")
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(out, "approval is required for commit") {
		t.Errorf("output missing denial reason:\n%s", out)
	}

	events, err := audit.ReadFile(ws.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].EventType != engine.AuditDenied {
		t.Errorf("events = %+v", events)
	}
}

func TestRunCommitJSONWithScore(t *testing.T) {
	ws := newWorkspace(t)
	evalPath := filepath.Join(ws.dir, "eval.json")

	out, err := ws.run(t, "--json", "run", "--mode", "commit", "--approved",
		"--payload", `{"orderId": "ORD-1"}`, "--score", "--eval-out", evalPath, orderManifest)
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}

	var got runOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Result == nil || got.Result.Status != engine.RunStatusSuccess {
		t.Fatalf("result = %+v", got.Result)
	}
	if got.Score == nil || *got.Score != 1.0 {
		t.Errorf("score = %v", got.Score)
	}
	if got.Eval == nil || got.Eval.SceneRef != "scene.order.create" || !got.Eval.Metrics.Success {
		t.Errorf("eval = %+v", got.Eval)
	}

	out, err = ws.run(t, "score", evalPath)
	if err != nil || strings.TrimSpace(out) != "1.00" {
		t.Errorf("score = %q, %v", out, err)
	}

	out, err = ws.run(t, "audit", "trace", got.Result.TraceID)
	if err != nil || !strings.Contains(out, string(engine.AuditNodeExecuted)) {
		t.Errorf("audit trace = %q, %v", out, err)
	}
}

func TestRunFailureScores(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "run", "--mode", "commit", "--approved", "--score",
		"--payload", `{"simulate_failure": "erp.Order.create"}`, orderManifest)
	if err == nil {
		t.Fatal("expected error for failed run")
	}
	if !strings.Contains(out, "SIMULATED_FAILURE") || !strings.Contains(out, "Score: 0.70") {
		t.Errorf("output = %q", out)
	}
}

func TestRunUsesPluginsBeforeBuiltins(t *testing.T) {
	ws := newWorkspace(t)
	plugin := `
def execute(node, payload):
    return {"status": "success", "output": {"via": "plugin"}}

plugin = {"id": "erp-override", "match": {"prefix": "erp."}, "execute": execute}
`
	if err := os.WriteFile(filepath.Join(ws.pluginDir, "erp.star"), []byte(plugin), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := ws.run(t, "plugins", "list")
	if err != nil || !strings.Contains(out, "erp-override") || !strings.Contains(out, "loaded") {
		t.Errorf("plugins list = %q, %v", out, err)
	}

	out, err = ws.run(t, "--json", "run", "--mode", "commit", "--approved", orderManifest)
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	var got runOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	for _, nr := range got.Result.NodeResults {
		if strings.HasPrefix(nr.BindingRef, "erp.") && nr.Handler != "erp-override" {
			t.Errorf("node %s handled by %s, want erp-override", nr.NodeID, nr.Handler)
		}
	}
}

func TestParsePayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "payload.yaml")
	if err := os.WriteFile(file, []byte("orderId: A-1\nsafety:\n  estop_clear: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantErr bool
	}{
		{"empty", "", "", false},
		{"inline json", `{"orderId": "A-1"}`, "orderId", false},
		{"yaml file", file, "safety", false},
		{"missing file", filepath.Join(t.TempDir(), "nope.json"), "", true},
		{"not a mapping", `{"a": [}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parsePayload(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantKey != "" {
				if _, ok := p[tt.wantKey]; !ok {
					t.Errorf("payload %v missing %q", p, tt.wantKey)
				}
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, in := range []string{"preview", "COMMIT", " commit "} {
		if _, err := parseMode(in); err != nil {
			t.Errorf("parseMode(%q) error = %v", in, err)
		}
	}
	if _, err := parseMode("dry-run"); err == nil {
		t.Errorf("parseMode(dry-run) should fail")
	}
}
