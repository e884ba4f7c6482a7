package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/engine"
)

// Gate authorizes scene runs against the built-in Rego rules and any site
// policies. It implements engine.Authorizer.
type Gate struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	store    storage.Store
	loader   *Loader
	paths    []string
	policies []Policy
	query    rego.PreparedEvalQuery
	warnings []string
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPolicyPaths adds files or directories holding site .rego policies.
func WithPolicyPaths(paths ...string) GateOption {
	return func(g *Gate) { g.paths = append(g.paths, paths...) }
}

// NewGate creates a gate. Site policies that fail to load or compile are
// skipped with a warning; only a broken built-in module is an error.
func NewGate(ctx context.Context, logger zerolog.Logger, opts ...GateOption) (*Gate, error) {
	g := &Gate{
		logger: logger.With().Str("component", "policy-gate").Logger(),
		store:  inmem.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.loader = NewLoader(logger)

	var site []Policy
	var warnings []string
	if len(g.paths) > 0 {
		site, warnings = g.loader.LoadFromPaths(ctx, g.paths)
	}
	if err := g.apply(ctx, site, warnings); err != nil {
		return nil, err
	}
	return g, nil
}

// Authorize implements engine.Authorizer.
func (g *Gate) Authorize(ctx context.Context, scene *engine.Scene, mode engine.RunMode, rc engine.RunContext) *engine.PolicyDecision {
	return g.Evaluate(ctx, scene, mode, rc)
}

// Evaluate decides whether a run may proceed. It never fails: an evaluation
// error is reported as a denied decision carrying the error as its reason.
func (g *Gate) Evaluate(ctx context.Context, scene *engine.Scene, mode engine.RunMode, rc engine.RunContext) *engine.PolicyDecision {
	decision := &engine.PolicyDecision{
		Allowed:     true,
		Reasons:     []string{},
		RunMode:     mode,
		EvaluatedAt: time.Now().UTC(),
	}
	if scene == nil {
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, "scene is required")
		return decision
	}
	decision.RiskLevel = scene.Spec.GovernanceContract.RiskLevel
	decision.ApprovalRequired = scene.Spec.GovernanceContract.Approval.Required
	decision.Domain = scene.Spec.Domain

	g.mu.RLock()
	query := g.query
	decision.Warnings = append([]string(nil), g.warnings...)
	g.mu.RUnlock()

	// previewing never applies effects, so it is always allowed
	if mode == engine.RunModePreview {
		return decision
	}

	startTime := time.Now()
	violations, err := evaluateDeny(ctx, query, NewInput(scene, mode, rc))
	if err != nil {
		g.logger.Error().Err(err).Str("scene_ref", scene.Ref()).Msg("Policy evaluation failed")
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("policy evaluation failed: %v", err))
		return decision
	}

	for _, v := range violations {
		decision.Reasons = append(decision.Reasons, v.Message)
	}
	decision.Allowed = len(decision.Reasons) == 0

	g.logger.Debug().
		Str("scene_ref", scene.Ref()).
		Str("mode", string(mode)).
		Bool("allowed", decision.Allowed).
		Int("violations", len(violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluation completed")

	return decision
}

// evaluateDeny runs the prepared deny query and returns violations sorted by rank.
func evaluateDeny(ctx context.Context, query rego.PreparedEvalQuery, input Input) ([]Violation, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, violationFrom(d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Rank != violations[j].Rank {
			return violations[i].Rank < violations[j].Rank
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// violationFrom accepts either a plain string or an object with rank, code and message.
func violationFrom(result interface{}) Violation {
	v := Violation{Rank: 1000}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if code, ok := r["code"].(string); ok {
			v.Code = code
		}
		if rank, ok := toInt(r["rank"]); ok {
			v.Rank = rank
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// Reload replaces the site policies. The previous query stays active when
// the new set cannot be compiled together with the built-in module.
func (g *Gate) Reload(ctx context.Context, site []Policy) error {
	return g.apply(ctx, site, nil)
}

// apply compiles the built-in module with every parseable site module.
func (g *Gate) apply(ctx context.Context, site []Policy, warnings []string) error {
	builtin := BuiltinPolicy()
	accepted := []Policy{builtin}

	for i := range site {
		if err := checkModule(&site[i]); err != nil {
			g.logger.Warn().Err(err).Str("policy", site[i].Name).Msg("Skipping site policy")
			warnings = append(warnings, fmt.Sprintf("policy %s skipped: %v", site[i].Name, err))
			continue
		}
		accepted = append(accepted, site[i])
	}

	query, err := g.prepare(ctx, accepted)
	if err != nil && len(accepted) > 1 {
		g.logger.Warn().Err(err).Msg("Site policies failed to compile, using built-in rules only")
		warnings = append(warnings, fmt.Sprintf("site policies ignored: %v", err))
		accepted = accepted[:1]
		query, err = g.prepare(ctx, accepted)
	}
	if err != nil {
		return fmt.Errorf("failed to compile built-in policy: %w", err)
	}

	g.mu.Lock()
	g.query = query
	g.policies = accepted
	g.warnings = warnings
	g.mu.Unlock()

	g.logger.Info().
		Int("site_policies", len(accepted)-1).
		Int("warnings", len(warnings)).
		Msg("Policies loaded")

	return nil
}

func (g *Gate) prepare(ctx context.Context, policies []Policy) (rego.PreparedEvalQuery, error) {
	options := []func(*rego.Rego){
		rego.Query(denyQuery),
		rego.Store(g.store),
	}
	for _, p := range policies {
		options = append(options, rego.Module(moduleFile(p), p.Rego))
	}
	return rego.New(options...).PrepareForEval(ctx)
}

func moduleFile(p Policy) string {
	if p.Source != "" {
		return p.Source
	}
	return p.Name + ".rego"
}

// checkModule parses a site module and requires the gate package.
func checkModule(p *Policy) error {
	module, err := ast.ParseModule(moduleFile(*p), p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if pkg := module.Package.Path.String(); pkg != "data."+PackageName {
		return fmt.Errorf("policy declares %s, want package %s", pkg, PackageName)
	}
	return nil
}

// Watch reloads site policies when files under the configured paths change.
func (g *Gate) Watch(ctx context.Context) error {
	if len(g.paths) == 0 {
		return nil
	}
	return g.loader.Watch(ctx, g.paths, func(policies []Policy, warnings []string) error {
		return g.apply(ctx, policies, warnings)
	})
}

// Policies returns the modules currently evaluated, built-in first.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Policy(nil), g.policies...)
}

// Warnings returns the problems found while loading site policies.
func (g *Gate) Warnings() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.warnings...)
}

// Close stops watching policy paths.
func (g *Gate) Close() error {
	return g.loader.StopWatching()
}
