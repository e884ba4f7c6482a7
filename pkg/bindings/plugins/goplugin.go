package plugins

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/scenerun/scenerun/pkg/bindings"
	"github.com/scenerun/scenerun/pkg/engine"
)

// Go plugins are interpreted package main sources exporting one of these.
const (
	goListExport   = "Handlers"
	goSingleExport = "Handler"
)

func loadGo(path string, code []byte) ([]*bindings.Handler, error) {
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("file is empty")
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(string(code)); err != nil {
		return nil, fmt.Errorf("interpret: %w", err)
	}

	defs, err := goExports(i)
	if err != nil {
		return nil, err
	}

	handlers := make([]*bindings.Handler, 0, len(defs))
	for idx, raw := range defs {
		h, err := goHandler(raw)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", goListExport, idx, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

func goExports(i *interp.Interpreter) ([]map[string]interface{}, error) {
	if fn, err := i.Eval(goListExport); err == nil {
		out, err := invokeFactory(fn, goListExport)
		if err != nil {
			return nil, err
		}
		switch v := out.(type) {
		case []map[string]interface{}:
			return v, nil
		default:
			rv := reflect.ValueOf(out)
			if rv.Kind() != reflect.Slice {
				return nil, fmt.Errorf("%s must return []map[string]any", goListExport)
			}
			result := make([]map[string]interface{}, rv.Len())
			for idx := 0; idx < rv.Len(); idx++ {
				m, ok := rv.Index(idx).Interface().(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%s[%d] is not map[string]any", goListExport, idx)
				}
				result[idx] = m
			}
			return result, nil
		}
	}

	fn, err := i.Eval(goSingleExport)
	if err != nil {
		return nil, fmt.Errorf("must define %s() []map[string]any or %s() map[string]any", goListExport, goSingleExport)
	}
	out, err := invokeFactory(fn, goSingleExport)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must return map[string]any", goSingleExport)
	}
	return []map[string]interface{}{m}, nil
}

// invokeFactory calls a zero-argument export returning (value) or (value, error).
func invokeFactory(fn reflect.Value, name string) (interface{}, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	if fn.Type().NumIn() != 0 {
		return nil, fmt.Errorf("%s must take no arguments", name)
	}
	results := fn.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return (value[, error])", name)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", name)
	}
	return results[0].Interface(), nil
}

func goHandler(raw map[string]interface{}) (*bindings.Handler, error) {
	def, err := parseDefinition(raw)
	if err != nil {
		return nil, err
	}
	execute, err := goCallable(raw["execute"])
	if err != nil {
		return nil, fmt.Errorf("handler %s: execute: %w", def.ID, err)
	}
	if execute == nil {
		return nil, fmt.Errorf("handler %s has no execute function", def.ID)
	}
	readiness, err := goCallable(raw["readiness"])
	if err != nil {
		return nil, fmt.Errorf("handler %s: readiness: %w", def.ID, err)
	}
	match, err := def.matcher()
	if err != nil {
		return nil, err
	}

	h := &bindings.Handler{
		ID:    def.ID,
		Match: match,
		Execute: func(_ context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			out, err := execute(nodeMap(node), plainMap(payload))
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
	if readiness != nil {
		h.Readiness = func(_ context.Context, scene *engine.Scene, payload engine.Payload) []engine.ReadinessCheck {
			out, err := readiness(sceneMap(scene), plainMap(payload))
			if err != nil {
				return readinessFailure(def.ID, err)
			}
			return readinessFromMap(def.ID, out)
		}
	}
	return h, nil
}

type goFunc func(a, b map[string]interface{}) (map[string]interface{}, error)

// goCallable adapts an interpreted func(map[string]any, map[string]any)
// (map[string]any, error). Nil yields nil.
func goCallable(v interface{}) (goFunc, error) {
	if v == nil {
		return nil, nil
	}
	if fn, ok := v.(func(map[string]interface{}, map[string]interface{}) (map[string]interface{}, error)); ok {
		return fn, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("is a %T, want a function", v)
	}
	t := rv.Type()
	if t.NumIn() != 2 || t.NumOut() != 2 {
		return nil, fmt.Errorf("must be func(map[string]any, map[string]any) (map[string]any, error)")
	}
	return func(a, b map[string]interface{}) (map[string]interface{}, error) {
		results := rv.Call([]reflect.Value{reflect.ValueOf(a), reflect.ValueOf(b)})
		if !results[1].IsNil() {
			if e, ok := results[1].Interface().(error); ok {
				return nil, e
			}
			return nil, fmt.Errorf("second result is not an error")
		}
		if results[0].IsNil() {
			return nil, nil
		}
		m, ok := results[0].Interface().(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("result is not map[string]any")
		}
		return m, nil
	}, nil
}
