// Package orchestrator provides the central coordination layer: it wires the
// requirement analyzer, planner, executor, and workflow runner into the two
// operations callers use, PlanTurn and RunTurn.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/orquesta/internal/analyzer"
	"github.com/normanking/orquesta/internal/bus"
	"github.com/normanking/orquesta/internal/cache"
	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/executor"
	"github.com/normanking/orquesta/internal/llm"
	"github.com/normanking/orquesta/internal/logging"
	"github.com/normanking/orquesta/internal/planner"
	"github.com/normanking/orquesta/internal/registry"
	"github.com/normanking/orquesta/internal/workflow"
)

// Config wires the orchestrator's collaborators. Registry, Roles, and
// Provider are required; the rest default to sensible values.
type Config struct {
	Registry registry.Registry
	Roles    registry.Roles
	Provider llm.Provider

	// Cache backs both plan and result caching. Nil disables caching.
	Cache *cache.Cache

	// Events receives turn lifecycle events. Nil disables publishing.
	Events *bus.Bus

	// MaxAttempts and RetryBackoff tune the executor; zero values take
	// the executor defaults.
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Orchestrator routes conversation turns to models.
type Orchestrator struct {
	analyzer analyzer.Analyzer
	planner  *planner.Planner
	runner   *workflow.Runner
	events   *bus.Bus
	log      zerolog.Logger
}

// New validates the configuration and builds the orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator config is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("capability registry is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("inference provider is required")
	}
	if err := cfg.Roles.Validate(cfg.Registry); err != nil {
		return nil, fmt.Errorf("role configuration: %w", err)
	}

	execOpts := []executor.Option{executor.WithEventBus(cfg.Events)}
	if cfg.MaxAttempts > 0 {
		execOpts = append(execOpts, executor.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.RetryBackoff > 0 {
		execOpts = append(execOpts, executor.WithBackoff(cfg.RetryBackoff))
	}
	exec := executor.New(cfg.Provider, cfg.Registry, cfg.Roles.Vision, execOpts...)

	return &Orchestrator{
		analyzer: analyzer.NewKeyword(),
		planner:  planner.New(cfg.Registry, cfg.Roles, cfg.Cache),
		runner:   workflow.NewRunner(exec, cfg.Cache, cfg.Events),
		events:   cfg.Events,
		log:      logging.Component("orchestrator"),
	}, nil
}

// PlanTurn analyzes the turn and produces a plan without executing it.
func (o *Orchestrator) PlanTurn(turn chat.Turn) *planner.Plan {
	vec := o.analyzer.Analyze(turn)
	plan := o.planner.Plan(turn, vec)

	o.log.Info().
		Str("model", plan.Model.ID).
		Str("shape", string(plan.Workflow.Shape())).
		Str("reason", plan.Reason).
		Bool("from_cache", plan.FromCache).
		Msg("plan selected")
	o.publishPlanSelected(turn.SessionID, plan)

	return plan
}

// RunTurn plans and executes one turn end to end. A stage failure fails the
// whole turn; no partial result is returned.
func (o *Orchestrator) RunTurn(ctx context.Context, turn chat.Turn) (*workflow.ExecutionResult, *planner.Plan, error) {
	plan := o.PlanTurn(turn)

	res, err := o.runner.Run(ctx, turn, plan)
	if err != nil {
		return nil, plan, err
	}

	o.publishTurnComplete(turn.SessionID, plan, res)
	return res, plan, nil
}

func (o *Orchestrator) publishPlanSelected(sessionID string, plan *planner.Plan) {
	if o.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventPlanSelected, sessionID)
	ev.Model = plan.Model.ID
	ev.Shape = string(plan.Workflow.Shape())
	ev.Reason = plan.Reason
	if verifier, ok := plan.VerifierModel(); ok {
		ev.Payload = map[string]any{"verifier_model": verifier}
	}
	o.events.Publish(ev)
}

func (o *Orchestrator) publishTurnComplete(sessionID string, plan *planner.Plan, res *workflow.ExecutionResult) {
	if o.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventTurnComplete, sessionID)
	ev.Model = plan.Model.ID
	ev.Shape = string(plan.Workflow.Shape())
	ev.DurationMs = res.Metrics.TotalTime.Milliseconds()
	ev.Content = excerpt(res.FinalOutput, 200)
	o.events.Publish(ev)
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
