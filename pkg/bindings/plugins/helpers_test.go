package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/bindings"
	"github.com/scenerun/scenerun/pkg/engine"
)

const echoStar = `
def execute(node, payload):
    return {"status": "success", "output": {"ref": node["binding_ref"], "qty": payload.get("qty", 0)}}

plugin = {"id": "echo", "match": {"prefix": "echo."}, "execute": execute}
`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func loadDir(t *testing.T, files map[string]string) (*Report, string) {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, files)
	report := Load(context.Background(), Options{Dirs: []string{dir}, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = report.Close(context.Background()) })
	return report, dir
}

func handlerIDs(hs []*bindings.Handler) []string {
	ids := make([]string, len(hs))
	for i, h := range hs {
		ids[i] = h.ID
	}
	return ids
}

func node(ref string, t engine.NodeType) *engine.PlanNode {
	return &engine.PlanNode{NodeID: "node-1", NodeType: t, BindingRef: ref}
}

func robotScene() *engine.Scene {
	return &engine.Scene{
		Metadata: engine.SceneMetadata{ObjID: "scene.robot", ObjVersion: "1.0.0"},
		Spec: engine.SceneSpec{
			Domain: engine.DomainRobot,
			CapabilityContract: engine.CapabilityContract{
				Bindings: []engine.Binding{{Ref: "robot.arm.pick", Type: "adapter"}},
			},
			GovernanceContract: engine.GovernanceContract{RiskLevel: engine.RiskHigh},
		},
	}
}

// wasmPlugin describes a module assembled by buildWASMPlugin. Each export
// answers with a fixed JSON document placed in a data segment. An empty
// execute makes handler_execute loop forever.
type wasmPlugin struct {
	describe  string
	execute   string
	readiness string
}

// Data segment offsets. malloc always hands out wasmHeap.
const (
	wasmDescribeAt  = 1024
	wasmExecuteAt   = 2048
	wasmReadinessAt = 3072
	wasmHeap        = 4096
)

const (
	wasmI32  = 0x7f
	wasmI64  = 0x7e
	wasmEnd  = 0x0b
	wasmFunc = 0x00
	wasmMem  = 0x02
)

func buildWASMPlugin(p wasmPlugin) []byte {
	types := vec(
		[]byte{0x60, 1, wasmI32, 1, wasmI32},          // malloc
		[]byte{0x60, 1, wasmI32, 0},                   // free
		[]byte{0x60, 0, 1, wasmI64},                   // describe
		[]byte{0x60, 2, wasmI32, wasmI32, 1, wasmI64}, // execute, readiness
	)

	funcs := [][]byte{{0}, {1}, {2}, {3}}
	exports := [][]byte{
		export("memory", wasmMem, 0),
		export("malloc", wasmFunc, 0),
		export("free", wasmFunc, 1),
		export("handler_describe", wasmFunc, 2),
		export("handler_execute", wasmFunc, 3),
	}

	malloc := append(append([]byte{0x41}, sleb(wasmHeap)...), wasmEnd)
	code := [][]byte{
		body(malloc),
		body([]byte{wasmEnd}),
		body(returnPacked(wasmDescribeAt, p.describe)),
	}
	if p.execute == "" {
		// loop { br 0 }; i64.const 0
		code = append(code, body([]byte{0x03, 0x40, 0x0c, 0x00, wasmEnd, 0x42, 0x00, wasmEnd}))
	} else {
		code = append(code, body(returnPacked(wasmExecuteAt, p.execute)))
	}

	data := [][]byte{segment(wasmDescribeAt, p.describe), segment(wasmExecuteAt, p.execute)}
	if p.readiness != "" {
		funcs = append(funcs, []byte{3})
		exports = append(exports, export("handler_readiness", wasmFunc, 4))
		code = append(code, body(returnPacked(wasmReadinessAt, p.readiness)))
		data = append(data, segment(wasmReadinessAt, p.readiness))
	}

	var out []byte
	out = append(out, 0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)
	out = append(out, section(1, types)...)
	out = append(out, section(3, vec(funcs...))...)
	out = append(out, section(5, vec([]byte{0x00, 0x01}))...)
	out = append(out, section(7, vec(exports...))...)
	out = append(out, section(10, vec(code...))...)
	out = append(out, section(11, vec(data...))...)
	return out
}

// returnPacked is a function body returning (offset<<32 | len(doc)).
func returnPacked(offset int, doc string) []byte {
	packed := int64(uint64(offset)<<32 | uint64(len(doc)))
	return append(append([]byte{0x42}, sleb(packed)...), wasmEnd)
}

func body(expr []byte) []byte {
	b := append([]byte{0x00}, expr...) // no locals
	return append(uleb(uint64(len(b))), b...)
}

func segment(offset int, doc string) []byte {
	b := []byte{0x00, 0x41}
	b = append(b, sleb(int64(offset))...)
	b = append(b, wasmEnd)
	b = append(b, uleb(uint64(len(doc)))...)
	return append(b, doc...)
}

func export(name string, kind byte, index int) []byte {
	b := append(uleb(uint64(len(name))), name...)
	b = append(b, kind)
	return append(b, uleb(uint64(index))...)
}

func section(id byte, content []byte) []byte {
	b := append([]byte{id}, uleb(uint64(len(content)))...)
	return append(b, content...)
}

func vec(items ...[]byte) []byte {
	b := uleb(uint64(len(items)))
	for _, it := range items {
		b = append(b, it...)
	}
	return b
}

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func sleb(v int64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
