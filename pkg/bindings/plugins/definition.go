package plugins

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scenerun/scenerun/pkg/bindings"
	"github.com/scenerun/scenerun/pkg/engine"
)

// definition is the non-callable part of a plugin handler export.
type definition struct {
	ID      string
	Prefix  string
	Pattern string
	Types   []string
}

// parseDefinition reads id and match keys. Match keys may sit at the top
// level or under "match".
func parseDefinition(raw map[string]interface{}) (definition, error) {
	var def definition

	id, ok := raw["id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return def, fmt.Errorf("handler id is required")
	}
	def.ID = strings.TrimSpace(id)

	match := raw
	if m, ok := raw["match"]; ok {
		mm, ok := m.(map[string]interface{})
		if !ok {
			return def, fmt.Errorf("handler %s: match must be a mapping", def.ID)
		}
		match = mm
	}

	var err error
	if def.Prefix, err = optionalString(match, "prefix"); err != nil {
		return def, fmt.Errorf("handler %s: %w", def.ID, err)
	}
	if def.Pattern, err = optionalString(match, "pattern"); err != nil {
		return def, fmt.Errorf("handler %s: %w", def.ID, err)
	}
	if def.Types, err = optionalStrings(match, "types"); err != nil {
		return def, fmt.Errorf("handler %s: %w", def.ID, err)
	}

	if def.Prefix == "" && def.Pattern == "" && len(def.Types) == 0 {
		return def, fmt.Errorf("handler %s declares no prefix, pattern or types", def.ID)
	}
	return def, nil
}

// matcher combines every declared criterion; all of them must hold.
func (d definition) matcher() (bindings.MatchFunc, error) {
	var matchers []bindings.MatchFunc
	if d.Prefix != "" {
		matchers = append(matchers, bindings.MatchPrefix(d.Prefix))
	}
	if d.Pattern != "" {
		m, err := bindings.CompilePattern(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", d.ID, err)
		}
		matchers = append(matchers, m)
	}
	if len(d.Types) > 0 {
		types := make([]engine.NodeType, len(d.Types))
		for i, t := range d.Types {
			types[i] = engine.NodeType(t)
		}
		matchers = append(matchers, bindings.MatchNodeType(types...))
	}
	if len(matchers) == 1 {
		return matchers[0], nil
	}
	return bindings.MatchAll(matchers...), nil
}

func optionalString(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return strings.TrimSpace(s), nil
}

func optionalStrings(m map[string]interface{}, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
}

// nodeMap is the view of a plan node handed to plugin code.
func nodeMap(node *engine.PlanNode) map[string]interface{} {
	return map[string]interface{}{
		"node_id":         node.NodeID,
		"node_type":       string(node.NodeType),
		"binding_ref":     node.BindingRef,
		"intent":          node.Intent,
		"idempotency_key": node.Execution.IdempotencyKey,
		"side_effect":     node.Execution.SideEffect,
		"timeout_ms":      node.Execution.TimeoutMS,
		"retry":           node.Execution.Retry,
	}
}

// sceneMap is the view of a scene handed to plugin readiness code.
func sceneMap(scene *engine.Scene) map[string]interface{} {
	refs := make([]interface{}, 0, len(scene.Spec.CapabilityContract.Bindings))
	for _, b := range scene.Spec.CapabilityContract.Bindings {
		refs = append(refs, b.Ref)
	}
	return map[string]interface{}{
		"ref":        scene.Ref(),
		"version":    scene.Metadata.ObjVersion,
		"domain":     string(scene.Spec.Domain),
		"risk_level": string(scene.Spec.GovernanceContract.RiskLevel),
		"bindings":   refs,
	}
}

// plainMap normalises a payload into JSON-shaped values so every plugin
// runtime sees the same types.
func plainMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

// resultFromMap reads a {status, output, error} answer.
func resultFromMap(m map[string]interface{}) (*engine.HandlerResult, error) {
	if m == nil {
		return nil, fmt.Errorf("handler returned no result")
	}

	status, _ := m["status"].(string)
	res := &engine.HandlerResult{}
	switch status {
	case "", string(engine.HandlerSuccess):
		res.Status = engine.HandlerSuccess
		if status == "" && m["error"] != nil {
			res.Status = engine.HandlerFailed
		}
	case string(engine.HandlerFailed):
		res.Status = engine.HandlerFailed
	default:
		return nil, fmt.Errorf("unknown handler status %q", status)
	}

	switch out := m["output"].(type) {
	case nil:
		res.Output = map[string]interface{}{}
	case map[string]interface{}:
		res.Output = out
	default:
		res.Output = map[string]interface{}{"value": out}
	}

	switch e := m["error"].(type) {
	case nil:
	case string:
		res.Error = &engine.HandlerError{Code: engine.ErrCodeHandlerFailed, Message: e}
	case map[string]interface{}:
		he := &engine.HandlerError{Code: engine.ErrCodeHandlerFailed}
		if code, ok := e["code"].(string); ok && code != "" {
			he.Code = code
		}
		he.Message, _ = e["message"].(string)
		if details, ok := e["details"].(map[string]interface{}); ok {
			he.Details = details
		}
		res.Error = he
	default:
		return nil, fmt.Errorf("handler error must be a string or mapping")
	}

	if res.Status == engine.HandlerFailed && res.Error == nil {
		res.Error = &engine.HandlerError{Code: engine.ErrCodeHandlerFailed, Message: "handler reported failure"}
	}
	return res, nil
}

// readinessFromMap reads a {ready, checks} answer. Without checks the
// overall flag becomes a single check named after the handler.
func readinessFromMap(handlerID string, m map[string]interface{}) []engine.ReadinessCheck {
	ready, _ := m["ready"].(bool)

	list, _ := m["checks"].([]interface{})
	if len(list) == 0 {
		check := engine.ReadinessCheck{Name: handlerID + ".ready", Passed: ready, Handler: handlerID}
		if msg, ok := m["message"].(string); ok {
			check.Message = msg
		}
		return []engine.ReadinessCheck{check}
	}

	checks := make([]engine.ReadinessCheck, 0, len(list))
	for i, item := range list {
		cm, ok := item.(map[string]interface{})
		if !ok {
			checks = append(checks, engine.ReadinessCheck{
				Name:    fmt.Sprintf("%s.check[%d]", handlerID, i),
				Message: "malformed readiness check",
				Handler: handlerID,
			})
			continue
		}
		check := engine.ReadinessCheck{Handler: handlerID}
		check.Name, _ = cm["name"].(string)
		check.Passed, _ = cm["passed"].(bool)
		check.Message, _ = cm["message"].(string)
		if check.Name == "" {
			check.Name = fmt.Sprintf("%s.check[%d]", handlerID, i)
		}
		checks = append(checks, check)
	}
	return checks
}

// readinessFailure reports a readiness hook that could not run.
func readinessFailure(handlerID string, err error) []engine.ReadinessCheck {
	return []engine.ReadinessCheck{{
		Name:    handlerID + ".ready",
		Passed:  false,
		Message: err.Error(),
		Handler: handlerID,
	}}
}

// callError wraps a plugin runtime failure as a permanent handler error.
func callError(handlerID string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("plugin handler %s failed", handlerID), err).
		WithCode(engine.ErrCodeHandlerFailed)
}
