package bindings

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/engine"
)

// DefaultTimeout applies to nodes without an execution timeout.
const DefaultTimeout = 30 * time.Second

// Registry resolves plan nodes to handlers. Resolution is first match in
// registration order, falling back to the default handler. It implements
// engine.BindingExecutor and is safe for concurrent runs.
type Registry struct {
	mu       sync.RWMutex
	handlers []*Handler
	ids      map[string]bool
	fallback *Handler
	logger   zerolog.Logger
}

// NewRegistry creates a registry whose fallback is DefaultHandler.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		ids:      make(map[string]bool),
		fallback: DefaultHandler(),
		logger:   logger.With().Str("component", "bindings").Logger(),
	}
}

// Register appends a handler. Ids must be unique.
func (r *Registry) Register(h *Handler) error {
	if err := h.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ids[h.ID] {
		return fmt.Errorf("handler %s already registered", h.ID)
	}
	r.ids[h.ID] = true
	r.handlers = append(r.handlers, h)

	r.logger.Debug().Str("handler", h.ID).Str("source", h.Source).Msg("Handler registered")
	return nil
}

// SetDefault replaces the fallback handler.
func (r *Registry) SetDefault(h *Handler) error {
	if err := h.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
	return nil
}

// Resolve returns the handler serving a node.
func (r *Registry) Resolve(node *engine.PlanNode) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.matches(node) {
			return h
		}
	}
	return r.fallback
}

// Handlers returns the registered handlers in resolution order, without the fallback.
func (r *Registry) Handlers() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Handler(nil), r.handlers...)
}

type callResult struct {
	res *engine.HandlerResult
	err error
}

// Execute runs a node through its handler under the node timeout. A timeout
// is reported as a transient TIMEOUT error so the executor may retry it.
func (r *Registry) Execute(ctx context.Context, node *engine.PlanNode, payload engine.Payload) (*engine.HandlerResult, string, error) {
	h := r.Resolve(node)
	timeout := node.Execution.Timeout(DefaultTimeout)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().
					Str("handler", h.ID).
					Str("node_id", node.NodeID).
					Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				done <- callResult{err: engine.NewPermanentError(fmt.Sprintf("handler %s panicked: %v", h.ID, p), nil).
					WithCode(engine.ErrCodeHandlerFailed)}
			}
		}()
		res, err := h.Execute(callCtx, node, payload)
		done <- callResult{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil {
			return nil, h.ID, timeoutError(h.ID, node, timeout)
		}
		return out.res, h.ID, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, h.ID, timeoutError(h.ID, node, timeout)
		}
		return nil, h.ID, engine.NewPermanentError("handler call cancelled", ctx.Err()).
			WithCode(engine.ErrCodeHandlerFailed).
			WithResource(node.NodeID)
	}
}

func timeoutError(handlerID string, node *engine.PlanNode, timeout time.Duration) error {
	return engine.NewTransientError(fmt.Sprintf("handler %s timed out after %s", handlerID, timeout), context.DeadlineExceeded).
		WithCode(engine.ErrCodeTimeout).
		WithResource(node.NodeID)
}

// CheckReadiness asks the handler resolved for every adapter binding of the
// scene for its pre-flight checks. Each handler is asked once. The scene is
// ready when every reported check passed.
func (r *Registry) CheckReadiness(ctx context.Context, scene *engine.Scene, payload engine.Payload) *engine.ReadinessReport {
	report := &engine.ReadinessReport{Ready: true, Checks: []engine.ReadinessCheck{}}
	if scene == nil {
		return report
	}

	asked := make(map[string]bool)
	for _, b := range scene.Spec.CapabilityContract.Bindings {
		nodeType := engine.ClassifyBinding(b.Type)
		if nodeType != engine.NodeTypeAdapter {
			continue
		}
		h := r.Resolve(&engine.PlanNode{NodeType: nodeType, BindingRef: b.Ref})
		if h.Readiness == nil || asked[h.ID] {
			continue
		}
		asked[h.ID] = true

		for _, check := range r.readiness(ctx, h, scene, payload) {
			if check.Handler == "" {
				check.Handler = h.ID
			}
			if !check.Passed {
				report.Ready = false
			}
			report.Checks = append(report.Checks, check)
		}
	}

	r.logger.Debug().
		Str("scene_ref", scene.Ref()).
		Bool("ready", report.Ready).
		Int("checks", len(report.Checks)).
		Msg("Readiness checked")

	return report
}

// readiness runs one handler's checks. A panicking hook yields a single
// failed check instead of unwinding the run.
func (r *Registry) readiness(ctx context.Context, h *Handler, scene *engine.Scene, payload engine.Payload) (checks []engine.ReadinessCheck) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("handler", h.ID).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Readiness check panicked")
			checks = []engine.ReadinessCheck{{
				Name:    h.ID + ".ready",
				Handler: h.ID,
				Passed:  false,
				Message: fmt.Sprintf("readiness check panicked: %v", p),
			}}
		}
	}()
	return h.Readiness(ctx, scene, payload)
}
