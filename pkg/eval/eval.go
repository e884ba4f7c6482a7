// Package eval reduces a run result to an evaluation payload and scores it.
package eval

import (
	"math"

	"github.com/scenerun/scenerun/pkg/engine"
)

// Score penalties.
const (
	CycleTimePenalty       = 0.2
	PolicyViolationPenalty = 0.5
	NodeFailurePenalty     = 0.3
)

// Payload is the evaluation record of one run.
type Payload struct {
	TraceID      string           `json:"trace_id"`
	SceneRef     string           `json:"scene_ref"`
	SceneVersion string           `json:"scene_version"`
	PlanID       string           `json:"plan_id"`
	RunMode      engine.RunMode   `json:"run_mode"`
	Status       engine.RunStatus `json:"status"`
	Metrics      Metrics          `json:"metrics"`
}

// Metrics are the scored quantities.
type Metrics struct {
	Success          bool  `json:"success"`
	CycleTimeMS      int64 `json:"cycle_time_ms"`
	ManualTakeover   int   `json:"manual_takeover"`
	PolicyViolations int   `json:"policy_violations"`
	NodeFailures     int   `json:"node_failures"`
}

// Target holds scoring thresholds. A zero CycleTimeMS disables the
// cycle-time penalty.
type Target struct {
	CycleTimeMS int64 `json:"cycle_time_ms" mapstructure:"cycle_time_ms"`
}

// BuildPayload reduces a run. Any argument may be nil.
func BuildPayload(scene *engine.Scene, plan *engine.Plan, result *engine.RunResult) Payload {
	var p Payload
	if scene != nil {
		p.SceneRef = scene.Ref()
		p.SceneVersion = scene.Version()
	}
	if plan != nil {
		p.PlanID = plan.PlanID
		p.TraceID = plan.TraceID
	}
	if result == nil {
		return p
	}

	if result.TraceID != "" {
		p.TraceID = result.TraceID
	}
	if p.PlanID == "" {
		p.PlanID = result.PlanID
	}
	p.RunMode = result.RunMode
	p.Status = result.Status

	p.Metrics = Metrics{
		Success:      result.Status == engine.RunStatusSuccess,
		CycleTimeMS:  result.DurationMS,
		NodeFailures: result.FailedNodes(),
	}
	if result.Status == engine.RunStatusDenied || result.Status == engine.RunStatusBlocked {
		p.Metrics.ManualTakeover = 1
	}
	if result.Policy != nil && !result.Policy.Allowed {
		p.Metrics.PolicyViolations = len(result.Policy.Reasons)
	}
	return p
}

// Score starts at 1 and subtracts a fixed penalty for a slow run, for any
// policy violation and for any failed node. The result is in [0, 1] and
// rounded to two decimals.
func Score(p Payload, t Target) float64 {
	score := 1.0
	if t.CycleTimeMS > 0 && p.Metrics.CycleTimeMS > t.CycleTimeMS {
		score -= CycleTimePenalty
	}
	if p.Metrics.PolicyViolations > 0 {
		score -= PolicyViolationPenalty
	}
	if p.Metrics.NodeFailures > 0 {
		score -= NodeFailurePenalty
	}
	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}
