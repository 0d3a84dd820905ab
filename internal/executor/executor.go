// Package executor drives a single inference stage: one model, a bounded
// attempt loop, and the fallback rules that swap in the vision model when a
// text-only model meets an image turn.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/orquesta/internal/bus"
	"github.com/normanking/orquesta/internal/llm"
	"github.com/normanking/orquesta/internal/logging"
	"github.com/normanking/orquesta/internal/registry"
)

// DefaultMaxAttempts is the total attempt budget per stage, first try included.
const DefaultMaxAttempts = 2

// DefaultBackoff is the base retry delay; attempt N waits N times this.
const DefaultBackoff = 500 * time.Millisecond

// incapablePhrases are backend refusals that indicate a text-only model was
// given images. Matching is case-insensitive substring.
var incapablePhrases = []string{
	"cannot process images",
	"can't process images",
	"unable to process images",
	"cannot see images",
	"text-only model",
	"do not have the ability to view images",
}

// declaresIncapable reports whether the response text is a refusal to
// handle image input.
func declaresIncapable(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range incapablePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Streamer is implemented by providers that can surface tokens as they
// arrive. When the executor has an event bus it prefers this path and
// republishes each token as a stream_chunk event for the session.
type Streamer interface {
	ChatStream(ctx context.Context, req *llm.ChatRequest, onToken func(token string)) (*llm.ChatResponse, error)
}

// Result is the product of one successfully executed stage.
type Result struct {
	Response *llm.ChatResponse
	Model    string
	Attempts int
}

// outcome is the state transition produced by classifying one attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeFallback
)

// transition is the explicit result of one attempt: what happened and which
// model the next attempt should use.
type transition struct {
	outcome   outcome
	nextModel string
	err       error
}

// Executor runs inference calls with retry and vision fallback.
type Executor struct {
	provider    llm.Provider
	reg         registry.Registry
	visionModel string
	maxAttempts int
	backoff     time.Duration
	events      *bus.Bus
	log         zerolog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff overrides the base retry delay.
func WithBackoff(d time.Duration) Option {
	return func(e *Executor) { e.backoff = d }
}

// WithEventBus publishes attempt and fallback events to b.
func WithEventBus(b *bus.Bus) Option {
	return func(e *Executor) { e.events = b }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// New creates an Executor. visionModel is the substitute for image turns.
func New(provider llm.Provider, reg registry.Registry, visionModel string, opts ...Option) *Executor {
	e := &Executor{
		provider:    provider,
		reg:         reg,
		visionModel: visionModel,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		log:         logging.Component("executor"),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs one stage against modelID. The attempt loop is an explicit
// state machine: each attempt is classified into success, retryable, or
// fallback, carrying the model the next attempt should target.
//
// If hasImages and the model lacks image support, the vision model is
// substituted before the first attempt so no attempt is wasted.
func (e *Executor) Execute(ctx context.Context, sessionID, step string, messages []llm.Message, modelID string, hasImages bool) (*Result, error) {
	current := e.precheck(modelID, hasImages, sessionID, step)

	attempts := 0
	fallbackUsed := false
	var lastErr error

loop:
	for attempts < e.maxAttempts {
		attempts++

		e.publishAttempt(sessionID, step, current, attempts)

		resp, err := e.callOnce(ctx, sessionID, step, current, messages)
		tr := e.classify(resp, err, hasImages, current)

		switch tr.outcome {
		case outcomeSuccess:
			e.log.Debug().
				Str("step", step).
				Str("model", current).
				Int("attempts", attempts).
				Msg("stage succeeded")
			return &Result{Response: resp, Model: current, Attempts: attempts}, nil

		case outcomeFallback:
			lastErr = tr.err
			e.publishFallback(sessionID, step, current, tr.nextModel, tr.err)
			current = tr.nextModel
			if !fallbackUsed {
				// The refusal already cost its attempt; the substitution
				// itself does not burn another one.
				fallbackUsed = true
				attempts--
			}

		case outcomeRetryable:
			lastErr = tr.err
			e.log.Warn().
				Str("step", step).
				Str("model", current).
				Int("attempt", attempts).
				Err(tr.err).
				Msg("attempt failed")
			if attempts >= e.maxAttempts {
				break loop
			}
			if tr.nextModel != current {
				e.publishFallback(sessionID, step, current, tr.nextModel, tr.err)
				current = tr.nextModel
			}
			if err := e.sleep(ctx, time.Duration(attempts)*e.backoff); err != nil {
				lastErr = err
				break loop
			}
		}
	}

	stageErr := &StageError{Step: step, Model: current, Attempts: attempts, Err: lastErr}
	e.publishStageError(sessionID, step, current, attempts, stageErr)
	return nil, stageErr
}

// precheck substitutes the vision model when an image turn targets a model
// without image support.
func (e *Executor) precheck(modelID string, hasImages bool, sessionID, step string) string {
	if !hasImages || modelID == e.visionModel {
		return modelID
	}
	mc, ok := e.reg.Get(modelID)
	if ok && mc.SupportsImages {
		return modelID
	}
	e.log.Debug().
		Str("step", step).
		Str("from", modelID).
		Str("to", e.visionModel).
		Msg("image turn, substituting vision model before first attempt")
	e.publishFallback(sessionID, step, modelID, e.visionModel, ErrCapabilityMismatch)
	return e.visionModel
}

// callOnce runs a single inference call under the model's configured timeout.
// With a bus attached and a streaming-capable provider, tokens are forwarded
// live as stream_chunk events while the call runs.
func (e *Executor) callOnce(ctx context.Context, sessionID, step, modelID string, messages []llm.Message) (*llm.ChatResponse, error) {
	timeout := 90 * time.Second
	maxTokens := 0
	if mc, ok := e.reg.Get(modelID); ok {
		timeout = mc.Timeout
		maxTokens = mc.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &llm.ChatRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if streamer, ok := e.provider.(Streamer); ok && e.events != nil {
		return streamer.ChatStream(callCtx, req, func(token string) {
			e.publishStreamChunk(sessionID, step, modelID, token)
		})
	}
	return e.provider.Chat(callCtx, req)
}

func (e *Executor) publishStreamChunk(sessionID, step, model, token string) {
	ev := bus.NewEvent(bus.EventStreamChunk, sessionID)
	ev.Step = step
	ev.Model = model
	ev.Content = token
	e.events.Publish(ev)
}

// classify maps one attempt's result to a state transition.
func (e *Executor) classify(resp *llm.ChatResponse, err error, hasImages bool, current string) transition {
	next := current
	if hasImages && current != e.visionModel {
		// Image turns retry against the vision model after a failure.
		next = e.visionModel
	}

	if err != nil {
		return transition{outcome: outcomeRetryable, nextModel: next, err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	if strings.TrimSpace(resp.Content) == "" {
		return transition{outcome: outcomeRetryable, nextModel: next, err: ErrEmptyResponse}
	}
	if hasImages && current != e.visionModel && declaresIncapable(resp.Content) {
		return transition{outcome: outcomeFallback, nextModel: e.visionModel, err: ErrIncapableResponse}
	}
	return transition{outcome: outcomeSuccess, nextModel: current}
}

func (e *Executor) publishAttempt(sessionID, step, model string, attempt int) {
	if e.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventAttempt, sessionID)
	ev.Step = step
	ev.Model = model
	ev.Attempt = attempt
	e.events.Publish(ev)
}

func (e *Executor) publishFallback(sessionID, step, from, to string, cause error) {
	if e.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventModelFallback, sessionID)
	ev.Step = step
	ev.Model = to
	ev.Reason = from + " -> " + to
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.events.Publish(ev)
}

func (e *Executor) publishStageError(sessionID, step, model string, attempts int, err error) {
	if e.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventStageError, sessionID)
	ev.Step = step
	ev.Model = model
	ev.Attempt = attempts
	ev.Error = err.Error()
	e.events.Publish(ev)
}
