package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/scenerun/scenerun/pkg/bindings"
	"github.com/scenerun/scenerun/pkg/engine"
)

// Exports a WASM plugin must provide. handler_readiness is optional.
const (
	wasmDescribe  = "handler_describe"
	wasmExecute   = "handler_execute"
	wasmReadiness = "handler_readiness"
)

// wasmModule wraps one instantiated plugin. Calls are serialised because a
// module instance has a single linear memory and stack.
type wasmModule struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory

	malloc    api.Function
	free      api.Function
	describe  api.Function
	execute   api.Function
	readiness api.Function
}

func loadWASM(ctx context.Context, path string, code []byte, memoryLimitPages uint32) ([]*bindings.Handler, func(context.Context) error, error) {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	module, err := runtime.InstantiateWithConfig(ctx, code, wazero.NewModuleConfig().WithName(path))
	if err != nil {
		runtime.Close(ctx)
		return nil, nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	m, err := newWASMModule(runtime, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, nil, err
	}

	out, err := m.callPacked(ctx, m.describe, nil)
	if err != nil {
		runtime.Close(ctx)
		return nil, nil, fmt.Errorf("%s failed: %w", wasmDescribe, err)
	}
	defs, err := decodeDescribe(out)
	if err != nil {
		runtime.Close(ctx)
		return nil, nil, fmt.Errorf("%s: %w", wasmDescribe, err)
	}

	handlers := make([]*bindings.Handler, 0, len(defs))
	for i, raw := range defs {
		h, err := m.handler(raw)
		if err != nil {
			runtime.Close(ctx)
			return nil, nil, fmt.Errorf("%s[%d]: %w", wasmDescribe, i, err)
		}
		handlers = append(handlers, h)
	}

	return handlers, m.close, nil
}

func newWASMModule(runtime wazero.Runtime, module api.Module) (*wasmModule, error) {
	m := &wasmModule{runtime: runtime, module: module}

	m.memory = module.Memory()
	if m.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	required := []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &m.malloc},
		{"free", &m.free},
		{wasmDescribe, &m.describe},
		{wasmExecute, &m.execute},
	}
	for _, r := range required {
		*r.fn = module.ExportedFunction(r.name)
		if *r.fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", r.name)
		}
	}
	m.readiness = module.ExportedFunction(wasmReadiness)
	return m, nil
}

func (m *wasmModule) close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

func decodeDescribe(data []byte) ([]map[string]interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	switch d := v.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{d}, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(d))
		for i, item := range d {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("entry %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want an object or array of objects")
	}
}

func (m *wasmModule) handler(raw map[string]interface{}) (*bindings.Handler, error) {
	def, err := parseDefinition(raw)
	if err != nil {
		return nil, err
	}
	match, err := def.matcher()
	if err != nil {
		return nil, err
	}

	h := &bindings.Handler{
		ID:    def.ID,
		Match: match,
		Execute: func(ctx context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			out, err := m.invoke(ctx, m.execute, map[string]interface{}{
				"handler": def.ID,
				"node":    nodeMap(node),
				"payload": plainMap(payload),
			})
			if err != nil {
				return nil, callError(def.ID, err)
			}
			res, err := resultFromMap(out)
			if err != nil {
				return nil, callError(def.ID, err)
			}
			return res, nil
		},
	}
	if m.readiness != nil {
		h.Readiness = func(ctx context.Context, scene *engine.Scene, payload engine.Payload) []engine.ReadinessCheck {
			out, err := m.invoke(ctx, m.readiness, map[string]interface{}{
				"handler": def.ID,
				"scene":   sceneMap(scene),
				"payload": plainMap(payload),
			})
			if err != nil {
				return readinessFailure(def.ID, err)
			}
			return readinessFromMap(def.ID, out)
		}
	}
	return h, nil
}

// invoke sends a JSON request and decodes the JSON object answer.
func (m *wasmModule) invoke(ctx context.Context, fn api.Function, req map[string]interface{}) (map[string]interface{}, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	out, err := m.callPacked(ctx, fn, input)
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp, nil
}

// callPacked calls fn(ptr, len) -> (out_ptr << 32 | out_len), or fn() when
// input is nil. The output buffer belongs to the module and is freed here.
func (m *wasmModule) callPacked(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var params []uint64
	if input != nil {
		var ptr uint32
		if len(input) > 0 {
			p, err := m.allocate(ctx, uint32(len(input)))
			if err != nil {
				return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
			}
			defer m.deallocate(ctx, p)

			if !m.memory.Write(p, input) {
				return nil, fmt.Errorf("failed to write input to WASM memory")
			}
			ptr = p
		}
		params = []uint64{uint64(ptr), uint64(len(input))}
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outPtr, outLen := unpack(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := m.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := append([]byte(nil), view...)
	_ = m.deallocate(ctx, outPtr)

	return output, nil
}

func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

func (m *wasmModule) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (m *wasmModule) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := m.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
