package bindings

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/scenerun/scenerun/pkg/adapters/moqui"
	"github.com/scenerun/scenerun/pkg/engine"
)

// MoquiHandler serves "moqui." bindings through a Moqui REST client.
//
// Reference forms:
//
//	moqui.<Entity>.get|list|create|update|delete
//	moqui.service.<service name>
//
// Record ids come from payload "id" or "<entity>Id"; request data from payload
// "data" when present, otherwise the whole payload.
func MoquiHandler(client *moqui.Client) *Handler {
	return &Handler{
		ID:     HandlerMoqui,
		Source: SourceBuiltin,
		Match:  MatchPrefix("moqui."),
		Execute: func(ctx context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, error) {
			resp, err := callMoqui(ctx, client, node, payload)
			if err != nil {
				return nil, err
			}
			return moquiResult(resp), nil
		},
	}
}

func callMoqui(ctx context.Context, client *moqui.Client, node *engine.PlanNode, payload engine.Payload) (*moqui.Response, error) {
	rest := strings.TrimPrefix(node.BindingRef, "moqui.")
	if name, ok := strings.CutPrefix(rest, "service."); ok && name != "" {
		return client.CallService(ctx, name, requestData(payload, node))
	}

	entity, op := splitRef(node.BindingRef)
	if entity == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported moqui binding %s", node.BindingRef), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.NodeID)
	}
	id := recordID(payload, entity)

	switch strings.ToLower(op) {
	case "get", "find", "read":
		if id == "" {
			return client.ListEntities(ctx, entity, queryFrom(payload))
		}
		return client.GetEntity(ctx, entity, id)
	case "list", "search", "query":
		return client.ListEntities(ctx, entity, queryFrom(payload))
	case "create", "add", "place":
		return client.CreateEntity(ctx, entity, requestData(payload, node))
	case "update", "patch":
		if id == "" {
			return nil, missingRecordID(node, op, entity)
		}
		return client.UpdateEntity(ctx, entity, id, requestData(payload, node))
	case "delete", "cancel", "remove":
		if id == "" {
			return nil, missingRecordID(node, op, entity)
		}
		return client.DeleteEntity(ctx, entity, id)
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported moqui operation %s", op), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.NodeID)
	}
}

// requestData selects the request body and attaches the idempotency key.
func requestData(payload engine.Payload, node *engine.PlanNode) map[string]interface{} {
	data := map[string]interface{}{}
	if d, ok := payload["data"].(map[string]interface{}); ok {
		for k, v := range d {
			data[k] = v
		}
	} else {
		for k, v := range payload {
			if k == "safety" || k == SimulateFailureKey {
				continue
			}
			data[k] = v
		}
	}
	if key := node.Execution.IdempotencyKey; key != "" {
		if v, ok := payload[key]; ok {
			data[key] = v
		}
	}
	return data
}

// missingRecordID refuses writes that would otherwise target the entity collection.
func missingRecordID(node *engine.PlanNode, op, entity string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s requires payload id or %sId", op, lowerFirst(entity)), nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(node.NodeID)
}

func recordID(payload engine.Payload, entity string) string {
	for _, key := range []string{"id", lowerFirst(entity) + "Id"} {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		if id := strings.TrimSpace(fmt.Sprint(v)); id != "" {
			return id
		}
	}
	return ""
}

func queryFrom(payload engine.Payload) url.Values {
	q := url.Values{}
	if filter, ok := payload["query"].(map[string]interface{}); ok {
		for k, v := range filter {
			q.Set(k, fmt.Sprint(v))
		}
	}
	return q
}

func moquiResult(resp *moqui.Response) *engine.HandlerResult {
	if !resp.Success {
		res := &engine.HandlerResult{
			Status: engine.HandlerFailed,
			Output: map[string]interface{}{"meta": resp.Meta},
			Error:  &engine.HandlerError{Code: engine.ErrCodeHandlerFailed, Message: "moqui request failed"},
		}
		if resp.Error != nil {
			res.Error = &engine.HandlerError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Details: resp.Error.Details,
			}
		}
		return res
	}
	return Success(map[string]interface{}{
		"data": resp.Data,
		"meta": resp.Meta,
	})
}
