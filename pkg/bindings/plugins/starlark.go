package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/scenerun/scenerun/pkg/bindings"
	"github.com/scenerun/scenerun/pkg/engine"
)

// starlarkExport is the global a Starlark plugin must define.
const starlarkExport = "plugin"

type starlarkPlugin struct {
	path   string
	logger zerolog.Logger
}

func loadStarlark(ctx context.Context, path string, src []byte, logger zerolog.Logger) ([]*bindings.Handler, error) {
	p := &starlarkPlugin{path: path, logger: logger}

	thread := p.thread("load")
	stop := cancelOnDone(ctx, thread)
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
	}
	globals, err := starlark.ExecFile(thread, path, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	globals.Freeze()

	export, ok := globals[starlarkExport]
	if !ok {
		return nil, fmt.Errorf("no global %q defined", starlarkExport)
	}
	dicts, err := exportedDicts(thread, export, true)
	if err != nil {
		return nil, err
	}

	handlers := make([]*bindings.Handler, 0, len(dicts))
	for i, d := range dicts {
		d.Freeze()
		h, err := p.handler(d)
		if err != nil {
			return nil, fmt.Errorf("plugin[%d]: %w", i, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// exportedDicts accepts a dict, a list of dicts or a zero-argument factory
// returning either.
func exportedDicts(thread *starlark.Thread, v starlark.Value, callFactory bool) ([]*starlark.Dict, error) {
	switch val := v.(type) {
	case *starlark.Dict:
		return []*starlark.Dict{val}, nil
	case *starlark.List:
		out := make([]*starlark.Dict, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			d, ok := val.Index(i).(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is a %s, want dict", starlarkExport, i, val.Index(i).Type())
			}
			out = append(out, d)
		}
		return out, nil
	case starlark.Callable:
		if !callFactory {
			return nil, fmt.Errorf("%s factory must return a dict or list of dicts", starlarkExport)
		}
		res, err := starlark.Call(thread, val, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%s factory failed: %w", starlarkExport, err)
		}
		return exportedDicts(thread, res, false)
	default:
		return nil, fmt.Errorf("%s is a %s, want dict, list or function", starlarkExport, v.Type())
	}
}

func (p *starlarkPlugin) handler(d *starlark.Dict) (*bindings.Handler, error) {
	raw := make(map[string]interface{})
	var execute, readiness starlark.Callable

	for _, item := range d.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict key must be string")
		}
		switch string(key) {
		case "execute", "readiness":
			if item[1] == starlark.None {
				continue
			}
			fn, ok := item[1].(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("%s must be a function", string(key))
			}
			if key == "execute" {
				execute = fn
			} else {
				readiness = fn
			}
		default:
			v, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", string(key), err)
			}
			raw[string(key)] = v
		}
	}

	def, err := parseDefinition(raw)
	if err != nil {
		return nil, err
	}
	if execute == nil {
		return nil, fmt.Errorf("handler %s has no execute function", def.ID)
	}
	match, err := def.matcher()
	if err != nil {
		return nil, err
	}

	h := &bindings.Handler{
		ID:    def.ID,
		Match: match,
		Execute: func(ctx context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			out, err := p.call(ctx, execute, nodeMap(node), plainMap(payload))
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
		h.Readiness = func(ctx context.Context, scene *engine.Scene, payload engine.Payload) []engine.ReadinessCheck {
			out, err := p.call(ctx, readiness, sceneMap(scene), plainMap(payload))
			if err != nil {
				return readinessFailure(def.ID, err)
			}
			return readinessFromMap(def.ID, out)
		}
	}
	return h, nil
}

// call runs fn on a fresh thread. Globals are frozen after loading, so
// concurrent calls do not share mutable state.
func (p *starlarkPlugin) call(ctx context.Context, fn starlark.Callable, args ...map[string]interface{}) (map[string]interface{}, error) {
	thread := p.thread(fn.Name())
	stop := cancelOnDone(ctx, thread)
	defer stop()

	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := toStarlarkValue(a)
		if err != nil {
			return nil, err
		}
		sargs[i] = v
	}

	res, err := starlark.Call(thread, fn, sargs, nil)
	if err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(res)
	if err != nil {
		return nil, err
	}
	m, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s returned %s, want dict", fn.Name(), res.Type())
	}
	return m, nil
}

func (p *starlarkPlugin) thread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: p.path + ":" + name,
		Print: func(_ *starlark.Thread, msg string) {
			p.logger.Debug().Str("plugin", p.path).Msg(msg)
		},
	}
}

// cancelOnDone cancels the thread when ctx ends. The returned func stops
// watching.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// toStarlarkValue converts a JSON-shaped Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
