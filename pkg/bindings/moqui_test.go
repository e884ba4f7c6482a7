package bindings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/adapters/moqui"
	"github.com/scenerun/scenerun/pkg/engine"
)

func TestMoquiHandler(t *testing.T) {
	var lastMethod, lastPath string
	var lastBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastMethod, lastPath = r.Method, r.URL.Path
		lastBody = nil
		_ = json.NewDecoder(r.Body).Decode(&lastBody)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/rest/s1/entities/Missing/1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":"no such record"}`))
			return
		}
		_, _ = w.Write([]byte(`{"orderId":"ORD-7"}`))
	}))
	defer srv.Close()

	client, err := moqui.NewClient(moqui.Config{BaseURL: srv.URL, AccessToken: "token", RetryDelay: time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := MoquiHandler(client)

	tests := []struct {
		name       string
		ref        string
		payload    engine.Payload
		wantMethod string
		wantPath   string
		wantStatus engine.HandlerStatus
	}{
		{"get by id", "moqui.Order.get", engine.Payload{"orderId": "ORD-7"}, http.MethodGet, "/rest/s1/entities/Order/ORD-7", engine.HandlerSuccess},
		{"list", "moqui.Order.list", engine.Payload{}, http.MethodGet, "/rest/s1/entities/Order", engine.HandlerSuccess},
		{"create", "moqui.Order.create", engine.Payload{"data": map[string]interface{}{"customerId": "C1"}}, http.MethodPost, "/rest/s1/entities/Order", engine.HandlerSuccess},
		{"update", "moqui.Order.update", engine.Payload{"id": "ORD-7", "statusId": "Approved"}, http.MethodPatch, "/rest/s1/entities/Order/ORD-7", engine.HandlerSuccess},
		{"delete", "moqui.Order.delete", engine.Payload{"id": "ORD-7"}, http.MethodDelete, "/rest/s1/entities/Order/ORD-7", engine.HandlerSuccess},
		{"service", "moqui.service.mantle.order.OrderServices.approve#Order", engine.Payload{"orderId": "ORD-7"}, http.MethodPost, "/rest/s1/services/mantle.order.OrderServices.approve#Order", engine.HandlerSuccess},
		{"not found", "moqui.Missing.get", engine.Payload{"id": "1"}, http.MethodGet, "/rest/s1/entities/Missing/1", engine.HandlerFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := planNode(tt.ref, engine.NodeTypeService)
			res, err := h.Execute(context.Background(), node, tt.payload)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if lastMethod != tt.wantMethod || lastPath != tt.wantPath {
				t.Errorf("request = %s %s, want %s %s", lastMethod, lastPath, tt.wantMethod, tt.wantPath)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (%+v)", res.Status, tt.wantStatus, res.Error)
			}
		})
	}

	if lastBody != nil {
		t.Errorf("GET body should be empty, got %v", lastBody)
	}

	res, _ := h.Execute(context.Background(), planNode("moqui.Order.create", engine.NodeTypeService), engine.Payload{})
	data, _ := res.Output["data"].(map[string]interface{})
	if data["orderId"] != "ORD-7" {
		t.Errorf("output = %v", res.Output)
	}

	if _, err := h.Execute(context.Background(), planNode("moqui.Order.explode", engine.NodeTypeService), nil); !engine.IsPermanent(err) {
		t.Errorf("unsupported operation should be a permanent error, got %v", err)
	}
}

func TestMoquiHandlerRequiresRecordIDForWrites(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := moqui.NewClient(moqui.Config{BaseURL: srv.URL, AccessToken: "token", RetryDelay: time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := MoquiHandler(client)

	tests := []struct {
		ref     string
		payload engine.Payload
	}{
		{"moqui.Order.update", engine.Payload{"statusId": "Approved"}},
		{"moqui.Order.patch", engine.Payload{"id": ""}},
		{"moqui.Order.delete", engine.Payload{}},
		{"moqui.Order.cancel", engine.Payload{"orderId": nil}},
		{"moqui.Order.remove", engine.Payload{"id": "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, err := h.Execute(context.Background(), planNode(tt.ref, engine.NodeTypeService), tt.payload)
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeValidation || engine.IsRetryable(err) {
				t.Fatalf("error = %v, want permanent %s", err, engine.ErrCodeValidation)
			}
			if !strings.Contains(err.Error(), "requires payload id or orderId") {
				t.Errorf("error = %v", err)
			}
		})
	}
	if n := requests.Load(); n != 0 {
		t.Errorf("server received %d requests, want none", n)
	}
}

func TestRequestData(t *testing.T) {
	node := planNode("moqui.Order.create", engine.NodeTypeService)
	node.Execution.IdempotencyKey = "requestId"

	data := requestData(engine.Payload{
		"customerId":       "C1",
		"requestId":        "r-1",
		"safety":           map[string]interface{}{},
		SimulateFailureKey: "x",
	}, node)
	if len(data) != 2 || data["customerId"] != "C1" || data["requestId"] != "r-1" {
		t.Errorf("requestData() = %v", data)
	}

	data = requestData(engine.Payload{"data": map[string]interface{}{"a": 1}, "requestId": "r-2"}, node)
	if len(data) != 2 || data["requestId"] != "r-2" {
		t.Errorf("requestData(data) = %v", data)
	}
}
