// Package planner turns a requirement vector into an execution plan: which
// model answers the turn and which workflow shape drives it.
package planner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/orquesta/internal/analyzer"
	"github.com/normanking/orquesta/internal/cache"
	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/logging"
	"github.com/normanking/orquesta/internal/registry"
)

// Shape names a workflow pattern.
type Shape string

const (
	ShapeSingle         Shape = "single"
	ShapeCoderVerifier  Shape = "coder-then-verifier"
	ShapeParallelVerify Shape = "parallel-verify"
	ShapeVisionAdaptive Shape = "vision-then-adaptive"
)

// Workflow is a tagged union over the four shapes. Each variant carries
// exactly the fields its stages need.
type Workflow interface {
	Shape() Shape
}

// Single is one model call, output passed through.
type Single struct{}

// CoderVerifier runs the selected model, then a verifier pass over its output.
type CoderVerifier struct {
	Verifier string
}

// ParallelVerify runs the selected model and a verifier concurrently against
// the same input.
type ParallelVerify struct {
	Verifier string
}

// VisionAdaptive runs the vision model first, then conditionally a coder
// stage and a verifier stage depending on what the vision output contains.
type VisionAdaptive struct {
	Coder    string
	Verifier string
}

func (Single) Shape() Shape         { return ShapeSingle }
func (CoderVerifier) Shape() Shape  { return ShapeCoderVerifier }
func (ParallelVerify) Shape() Shape { return ShapeParallelVerify }
func (VisionAdaptive) Shape() Shape { return ShapeVisionAdaptive }

// Plan is the planner's decision for one turn. It is created once and not
// mutated afterward.
type Plan struct {
	Model    registry.ModelCapability `json:"model"`
	Workflow Workflow                 `json:"-"`
	Reason   string                   `json:"reason"`
	Vector   analyzer.Vector          `json:"vector"`

	FromCache      bool          `json:"from_cache"`
	PlannerLatency time.Duration `json:"planner_latency"`
}

// VerifierModel returns the verifier referenced by the workflow, if any.
func (p *Plan) VerifierModel() (string, bool) {
	switch w := p.Workflow.(type) {
	case CoderVerifier:
		return w.Verifier, true
	case ParallelVerify:
		return w.Verifier, true
	case VisionAdaptive:
		return w.Verifier, true
	default:
		return "", false
	}
}

// Planner maps requirement vectors to plans.
type Planner struct {
	reg   registry.Registry
	roles registry.Roles
	cache *cache.Cache
	log   zerolog.Logger
}

// New creates a Planner. The cache may be nil to disable plan caching.
func New(reg registry.Registry, roles registry.Roles, c *cache.Cache) *Planner {
	return &Planner{
		reg:   reg,
		roles: roles,
		cache: c,
		log:   logging.Component("planner"),
	}
}

// Plan selects a model and workflow shape for the turn. Image turns always
// bypass the cache on read: image bytes make cache keys unsafe to reuse.
func (p *Planner) Plan(turn chat.Turn, vec analyzer.Vector) *Plan {
	start := time.Now()

	if vec.NeedsImages {
		plan := p.visionPlan(vec)
		plan.PlannerLatency = time.Since(start)
		p.logPlan(plan)
		return plan
	}

	key := cache.TurnKey(turn, "planner")
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			stored := cached.(Plan)
			stored.FromCache = true
			stored.PlannerLatency = time.Since(start)
			p.log.Debug().Str("model", stored.Model.ID).Msg("plan served from cache")
			return &stored
		}
	}

	plan := p.selectPlan(vec)
	if p.cache != nil {
		p.cache.Put(key, *plan)
	}
	plan.PlannerLatency = time.Since(start)
	p.logPlan(plan)
	return plan
}

// visionPlan forces the vision model and the vision-then-adaptive shape.
func (p *Planner) visionPlan(vec analyzer.Vector) *Plan {
	verifier := p.roles.Reasoning
	if vec.NeedsCode {
		verifier = p.roles.Code
	}
	model, ok := p.reg.Get(p.roles.Vision)
	if !ok {
		return p.fallbackPlan(vec)
	}
	return &Plan{
		Model: model,
		Workflow: VisionAdaptive{
			Coder:    p.roles.Code,
			Verifier: p.verified(verifier),
		},
		Reason: "image-analysis-required",
		Vector: vec,
	}
}

// selectPlan implements the text-only priority order.
func (p *Planner) selectPlan(vec analyzer.Vector) *Plan {
	var modelID, reason string
	switch {
	case vec.NeedsOptimization && vec.NeedsCode:
		modelID, reason = p.roles.Optimization, "code-optimization"
	case vec.NeedsReasoning && !vec.NeedsCode:
		modelID, reason = p.roles.Reasoning, "reasoning"
	case vec.NeedsCode:
		modelID, reason = p.roles.Code, "code-generation"
	case vec.NeedsFastResponse:
		modelID, reason = p.roles.Fast, "fast-response"
	default:
		modelID, reason = p.roles.General, "general"
	}

	model, ok := p.reg.Get(modelID)
	if !ok || !supportsVector(model, vec) {
		return p.fallbackPlan(vec)
	}

	return &Plan{
		Model:    model,
		Workflow: p.textWorkflow(vec),
		Reason:   reason,
		Vector:   vec,
	}
}

// fallbackPlan substitutes the known-safe generalist model.
func (p *Planner) fallbackPlan(vec analyzer.Vector) *Plan {
	model, ok := p.reg.Get(p.roles.General)
	if !ok {
		// Roles are validated at startup; an unknown generalist leaves
		// only its bare identifier to work with.
		model = registry.ModelCapability{ID: p.roles.General, Timeout: 90 * time.Second}
	}
	return &Plan{
		Model:    model,
		Workflow: p.textWorkflow(vec),
		Reason:   "fallback",
		Vector:   vec,
	}
}

// textWorkflow picks the non-image shape: a verifier pass follows the coder
// whenever the turn asks for optimization or reasoning.
func (p *Planner) textWorkflow(vec analyzer.Vector) Workflow {
	if !vec.NeedsOptimization && !vec.NeedsReasoning {
		return Single{}
	}
	verifier := p.roles.Reasoning
	if vec.NeedsCode {
		verifier = p.roles.Code
	}
	return CoderVerifier{Verifier: p.verified(verifier)}
}

// verified returns modelID if the registry knows it, else the generalist.
// Every verifier referenced by a plan must resolve to a known model.
func (p *Planner) verified(modelID string) string {
	if _, ok := p.reg.Get(modelID); ok {
		return modelID
	}
	return p.roles.General
}

// supportsVector checks the chosen model against the required modalities.
func supportsVector(m registry.ModelCapability, vec analyzer.Vector) bool {
	if vec.NeedsImages && !m.SupportsImages {
		return false
	}
	if vec.NeedsCode && !m.SupportsCode {
		return false
	}
	if vec.NeedsReasoning && !vec.NeedsCode && !m.SupportsReasoning {
		return false
	}
	return true
}

func (p *Planner) logPlan(plan *Plan) {
	p.log.Debug().
		Str("model", plan.Model.ID).
		Str("shape", string(plan.Workflow.Shape())).
		Str("reason", plan.Reason).
		Msg("plan selected")
}
