// Package workflow interprets a plan's shape and drives the executor through
// the stages it implies, composing the final output and per-turn metrics.
package workflow

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/orquesta/internal/analyzer"
	"github.com/normanking/orquesta/internal/bus"
	"github.com/normanking/orquesta/internal/cache"
	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/executor"
	"github.com/normanking/orquesta/internal/llm"
	"github.com/normanking/orquesta/internal/logging"
	"github.com/normanking/orquesta/internal/planner"
)

// Step labels recorded on StepResults and lifecycle events.
const (
	StepSingle           = "single"
	StepCoder            = "coder"
	StepVerifier         = "verifier"
	StepVerifierParallel = "verifier-parallel"
	StepVision           = "vision"
)

// Output separators. Each follow-up stage is appended to the running output
// under a labeled delimiter so the caller can split sections back apart.
const (
	verificationSeparator = "\n\n--- VERIFICACIÓN ---\n"
	structuringSeparator  = "\n\n--- EXTRACCIÓN ESTRUCTURADA ---\n"
)

// Verifier prompts, kept stable so verifier output stays comparable across
// turns.
const (
	sequentialVerifierSystem = "Eres un verificador experto. Analiza el código/respuesta y proporciona feedback constructivo. Si hay errores, sugiere correcciones específicas."
	sequentialVerifierUser   = "Verifica lo siguiente:\n\n"
	parallelVerifierSystem   = "Actúa como verificador. Identifica posibles mejoras o errores."
	structuringSystem        = "Eres un experto en extracción de datos. Convierte el siguiente análisis visual en una salida estructurada (código o tabla según corresponda). Conserva todos los valores."
	structuringUser          = "Análisis visual a estructurar:\n\n"
)

// StepResult records one completed stage.
type StepResult struct {
	Step     string        `json:"step"`
	Model    string        `json:"model"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Response string        `json:"response"`
}

// Metrics aggregates timing and call counts for one turn. All values are
// per-turn; nothing is accumulated across turns here.
type Metrics struct {
	PlannerTime  time.Duration `json:"planner_time"`
	CoderTime    time.Duration `json:"coder_time"`
	VerifierTime time.Duration `json:"verifier_time"`
	TotalTime    time.Duration `json:"total_time"`

	ModelCalls int `json:"model_calls"`
	Retries    int `json:"retries"`

	CacheHit        bool `json:"cache_hit"`
	TokensEstimated int  `json:"tokens_estimated"`
}

// ExecutionResult is the runner's answer for one turn: the composed output,
// the per-stage records, and the metrics snapshot.
type ExecutionResult struct {
	FinalOutput string       `json:"final_output"`
	Steps       []StepResult `json:"steps"`
	Metrics     Metrics      `json:"metrics"`
}

// Runner drives plans to completion.
type Runner struct {
	exec   *executor.Executor
	cache  *cache.Cache
	events *bus.Bus
	log    zerolog.Logger
}

// NewRunner creates a Runner. The cache may be nil to disable result caching,
// and the bus may be nil when no live observers exist.
func NewRunner(exec *executor.Executor, c *cache.Cache, events *bus.Bus) *Runner {
	return &Runner{
		exec:   exec,
		cache:  c,
		events: events,
		log:    logging.Component("workflow"),
	}
}

// Run executes the plan's workflow over the turn. Image turns always execute;
// text turns may be answered from cache, and their results are written back
// on success. A stage failure fails the whole turn.
func (r *Runner) Run(ctx context.Context, turn chat.Turn, plan *planner.Plan) (*ExecutionResult, error) {
	start := time.Now()
	hasImages := turn.HasImages()
	shape := plan.Workflow.Shape()

	var key string
	if r.cache != nil && !hasImages {
		key = cache.TurnKey(turn, plan.Model.ID+"-"+string(shape))
		if v, ok := r.cache.Get(key); ok {
			if cached, ok := v.(ExecutionResult); ok {
				res := cached
				res.Metrics.CacheHit = true
				res.Metrics.TotalTime = time.Since(start)
				r.publishCacheHit(turn.SessionID, plan)
				r.publishMetrics(turn.SessionID, plan, &res)
				return &res, nil
			}
		}
	}

	messages := buildMessages(turn)

	var (
		finalOutput string
		steps       []StepResult
		err         error
	)
	switch w := plan.Workflow.(type) {
	case planner.Single:
		finalOutput, steps, err = r.runSingle(ctx, turn.SessionID, messages, plan, hasImages)
	case planner.CoderVerifier:
		finalOutput, steps, err = r.runCoderVerifier(ctx, turn.SessionID, messages, plan, w, hasImages)
	case planner.ParallelVerify:
		finalOutput, steps, err = r.runParallelVerify(ctx, turn.SessionID, messages, plan, w, hasImages)
	case planner.VisionAdaptive:
		finalOutput, steps, err = r.runVisionAdaptive(ctx, turn.SessionID, messages, plan, w)
	default:
		finalOutput, steps, err = r.runSingle(ctx, turn.SessionID, messages, plan, hasImages)
	}
	if err != nil {
		return nil, err
	}

	res := &ExecutionResult{
		FinalOutput: finalOutput,
		Steps:       steps,
		Metrics:     buildMetrics(plan, steps, finalOutput, time.Since(start)),
	}

	if key != "" {
		r.cache.Put(key, *res)
	}

	r.log.Info().
		Str("shape", string(shape)).
		Str("model", plan.Model.ID).
		Int("model_calls", res.Metrics.ModelCalls).
		Int("retries", res.Metrics.Retries).
		Dur("total", res.Metrics.TotalTime).
		Msg("workflow complete")
	r.publishMetrics(turn.SessionID, plan, res)

	return res, nil
}

func (r *Runner) runSingle(ctx context.Context, sessionID string, messages []llm.Message, plan *planner.Plan, hasImages bool) (string, []StepResult, error) {
	sr, err := r.runStage(ctx, sessionID, StepSingle, string(plan.Workflow.Shape()), messages, plan.Model.ID, hasImages)
	if err != nil {
		return "", nil, err
	}
	return sr.Response, []StepResult{sr}, nil
}

func (r *Runner) runCoderVerifier(ctx context.Context, sessionID string, messages []llm.Message, plan *planner.Plan, w planner.CoderVerifier, hasImages bool) (string, []StepResult, error) {
	shape := string(plan.Workflow.Shape())

	coder, err := r.runStage(ctx, sessionID, StepCoder, shape, messages, plan.Model.ID, hasImages)
	if err != nil {
		return "", nil, err
	}

	verifyMsgs := []llm.Message{
		{Role: string(chat.RoleSystem), Content: sequentialVerifierSystem},
		{Role: string(chat.RoleUser), Content: sequentialVerifierUser + coder.Response},
	}
	verifier, err := r.runStage(ctx, sessionID, StepVerifier, shape, verifyMsgs, w.Verifier, false)
	if err != nil {
		return "", nil, err
	}

	out := coder.Response + verificationSeparator + verifier.Response
	return out, []StepResult{coder, verifier}, nil
}

// runParallelVerify issues the primary and verifier calls concurrently. Both
// StepResults carry the shared wall-clock duration of the join, and the
// append order is fixed (primary before verifier) regardless of which call
// finishes first.
func (r *Runner) runParallelVerify(ctx context.Context, sessionID string, messages []llm.Message, plan *planner.Plan, w planner.ParallelVerify, hasImages bool) (string, []StepResult, error) {
	shape := string(plan.Workflow.Shape())
	started := time.Now()

	verifyMsgs := make([]llm.Message, 0, len(messages)+1)
	verifyMsgs = append(verifyMsgs, messages...)
	verifyMsgs = append(verifyMsgs, llm.Message{Role: string(chat.RoleSystem), Content: parallelVerifierSystem})

	var primary, verifier *executor.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.execStage(gctx, sessionID, StepCoder, shape, messages, plan.Model.ID, hasImages)
		primary = res
		return err
	})
	g.Go(func() error {
		res, err := r.execStage(gctx, sessionID, StepVerifierParallel, shape, verifyMsgs, w.Verifier, false)
		verifier = res
		return err
	})
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	elapsed := time.Since(started)
	steps := []StepResult{
		r.finishStage(sessionID, StepCoder, shape, primary, elapsed),
		r.finishStage(sessionID, StepVerifierParallel, shape, verifier, elapsed),
	}
	out := primary.Response.Content + verificationSeparator + verifier.Response.Content
	return out, steps, nil
}

// runVisionAdaptive always runs the vision stage, then decides follow-ups
// from what the vision model saw: code or tabular cues trigger a structuring
// pass with the coder model, explanatory vocabulary triggers a verifier pass
// over everything produced so far.
func (r *Runner) runVisionAdaptive(ctx context.Context, sessionID string, messages []llm.Message, plan *planner.Plan, w planner.VisionAdaptive) (string, []StepResult, error) {
	shape := string(plan.Workflow.Shape())

	vision, err := r.runStage(ctx, sessionID, StepVision, shape, messages, plan.Model.ID, true)
	if err != nil {
		return "", nil, err
	}
	out := vision.Response
	steps := []StepResult{vision}

	if analyzer.NeedsStructuring(vision.Response) {
		structMsgs := []llm.Message{
			{Role: string(chat.RoleSystem), Content: structuringSystem},
			{Role: string(chat.RoleUser), Content: structuringUser + vision.Response},
		}
		coder, err := r.runStage(ctx, sessionID, StepCoder, shape, structMsgs, w.Coder, false)
		if err != nil {
			return "", nil, err
		}
		out += structuringSeparator + coder.Response
		steps = append(steps, coder)
	}

	if analyzer.NeedsReasoningFollowup(vision.Response) {
		verifyMsgs := []llm.Message{
			{Role: string(chat.RoleSystem), Content: sequentialVerifierSystem},
			{Role: string(chat.RoleUser), Content: sequentialVerifierUser + out},
		}
		verifier, err := r.runStage(ctx, sessionID, StepVerifier, shape, verifyMsgs, w.Verifier, false)
		if err != nil {
			return "", nil, err
		}
		out += verificationSeparator + verifier.Response
		steps = append(steps, verifier)
	}

	return out, steps, nil
}

// runStage executes one stage and records its own wall clock.
func (r *Runner) runStage(ctx context.Context, sessionID, step, shape string, messages []llm.Message, model string, hasImages bool) (StepResult, error) {
	started := time.Now()
	res, err := r.execStage(ctx, sessionID, step, shape, messages, model, hasImages)
	if err != nil {
		return StepResult{}, err
	}
	return r.finishStage(sessionID, step, shape, res, time.Since(started)), nil
}

func (r *Runner) execStage(ctx context.Context, sessionID, step, shape string, messages []llm.Message, model string, hasImages bool) (*executor.Result, error) {
	r.publishStageStart(sessionID, step, shape, model)
	return r.exec.Execute(ctx, sessionID, step, messages, model, hasImages)
}

func (r *Runner) finishStage(sessionID, step, shape string, res *executor.Result, elapsed time.Duration) StepResult {
	sr := StepResult{
		Step:     step,
		Model:    res.Model,
		Attempts: res.Attempts,
		Duration: elapsed,
		Response: res.Response.Content,
	}
	r.publishStageComplete(sessionID, sr, shape)
	return sr
}

// buildMessages converts a turn into provider wire messages, base64-encoding
// any inline image payloads.
func buildMessages(turn chat.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turn.Messages))
	for _, m := range turn.Messages {
		msg := llm.Message{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(img.Data))
		}
		out = append(out, msg)
	}
	return out
}

func buildMetrics(plan *planner.Plan, steps []StepResult, finalOutput string, total time.Duration) Metrics {
	m := Metrics{
		PlannerTime:     plan.PlannerLatency,
		TotalTime:       total,
		ModelCalls:      len(steps),
		TokensEstimated: len(finalOutput) / 4,
	}
	for _, s := range steps {
		m.Retries += s.Attempts - 1
		switch s.Step {
		case StepVerifier, StepVerifierParallel:
			m.VerifierTime += s.Duration
		default:
			m.CoderTime += s.Duration
		}
	}
	return m
}

func (r *Runner) publishStageStart(sessionID, step, shape, model string) {
	if r.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventStageStart, sessionID)
	ev.Step = step
	ev.Shape = shape
	ev.Model = model
	r.events.Publish(ev)
}

func (r *Runner) publishStageComplete(sessionID string, sr StepResult, shape string) {
	if r.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventStageComplete, sessionID)
	ev.Step = sr.Step
	ev.Shape = shape
	ev.Model = sr.Model
	ev.Attempt = sr.Attempts
	ev.DurationMs = sr.Duration.Milliseconds()
	r.events.Publish(ev)
}

func (r *Runner) publishCacheHit(sessionID string, plan *planner.Plan) {
	if r.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventCacheHit, sessionID)
	ev.Model = plan.Model.ID
	ev.Shape = string(plan.Workflow.Shape())
	r.events.Publish(ev)
}

func (r *Runner) publishMetrics(sessionID string, plan *planner.Plan, res *ExecutionResult) {
	if r.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventPerformanceMetrics, sessionID)
	ev.Model = plan.Model.ID
	ev.Shape = string(plan.Workflow.Shape())
	ev.Payload = map[string]any{
		"planner_time_ms":  res.Metrics.PlannerTime.Milliseconds(),
		"coder_time_ms":    res.Metrics.CoderTime.Milliseconds(),
		"verifier_time_ms": res.Metrics.VerifierTime.Milliseconds(),
		"total_time_ms":    res.Metrics.TotalTime.Milliseconds(),
		"model_calls":      res.Metrics.ModelCalls,
		"retries":          res.Metrics.Retries,
		"cache_hit":        res.Metrics.CacheHit,
		"tokens_estimated": res.Metrics.TokensEstimated,
	}
	r.events.Publish(ev)
}
