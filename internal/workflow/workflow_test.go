package workflow

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/normanking/orquesta/internal/cache"
	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/executor"
	"github.com/normanking/orquesta/internal/llm"
	"github.com/normanking/orquesta/internal/planner"
	"github.com/normanking/orquesta/internal/registry"
)

// fakeProvider answers via fn, tracking call order and captured requests.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	reqs  []*llm.ChatRequest
	fn    func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

func (f *fakeProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.reqs = append(f.reqs, req)
	fn := f.fn
	f.mu.Unlock()
	return fn(call, req)
}

func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) request(i int) *llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func reply(content string) func(int, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(_ int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: content, Model: req.Model}, nil
	}
}

func newRunner(t *testing.T, p llm.Provider, c *cache.Cache) *Runner {
	t.Helper()
	reg := registry.Default()
	exec := executor.New(p, reg, registry.DefaultRoles().Vision, executor.WithBackoff(time.Millisecond))
	return NewRunner(exec, c, nil)
}

func mustModel(t *testing.T, id string) registry.ModelCapability {
	t.Helper()
	m, ok := registry.Default().Get(id)
	if !ok {
		t.Fatalf("model %s not in default registry", id)
	}
	return m
}

func textTurn(text string) chat.Turn {
	return chat.Turn{
		SessionID: "s1",
		Messages:  []chat.Message{{Role: chat.RoleUser, Content: text}},
	}
}

func imageTurn(text string) chat.Turn {
	return chat.Turn{
		SessionID: "s1",
		Messages: []chat.Message{{
			Role:    chat.RoleUser,
			Content: text,
			Images:  []chat.ImagePayload{{Data: []byte("fake-png-bytes"), MimeType: "image/png"}},
		}},
	}
}

func TestRunSingle(t *testing.T) {
	p := &fakeProvider{fn: reply("la respuesta")}
	r := newRunner(t, p, nil)

	plan := &planner.Plan{Model: mustModel(t, "qwen2.5:7b"), Workflow: planner.Single{}}
	res, err := r.Run(context.Background(), textTurn("cuéntame algo"), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.FinalOutput != "la respuesta" {
		t.Errorf("FinalOutput = %q", res.FinalOutput)
	}
	if len(res.Steps) != 1 || res.Steps[0].Step != StepSingle {
		t.Fatalf("Steps = %+v", res.Steps)
	}
	if res.Steps[0].Model != "qwen2.5:7b" {
		t.Errorf("step model = %s", res.Steps[0].Model)
	}
	if res.Metrics.ModelCalls != 1 || res.Metrics.Retries != 0 {
		t.Errorf("metrics = %+v", res.Metrics)
	}
	if want := len("la respuesta") / 4; res.Metrics.TokensEstimated != want {
		t.Errorf("TokensEstimated = %d, want %d", res.Metrics.TokensEstimated, want)
	}
}

func TestRunCoderThenVerifier(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 1 {
			return &llm.ChatResponse{Content: "código optimizado", Model: req.Model}, nil
		}
		return &llm.ChatResponse{Content: "sin errores", Model: req.Model}, nil
	}}
	r := newRunner(t, p, nil)

	plan := &planner.Plan{
		Model:    mustModel(t, "deepseek-coder:6.7b"),
		Workflow: planner.CoderVerifier{Verifier: "qwen2.5-coder:7b"},
	}
	res, err := r.Run(context.Background(), textTurn("optimiza esto"), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "código optimizado" + verificationSeparator + "sin errores"
	if res.FinalOutput != want {
		t.Errorf("FinalOutput = %q, want %q", res.FinalOutput, want)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("want 2 steps, got %+v", res.Steps)
	}
	if res.Steps[0].Step != StepCoder || res.Steps[1].Step != StepVerifier {
		t.Errorf("step labels = %s, %s", res.Steps[0].Step, res.Steps[1].Step)
	}
	if res.Steps[1].Model != "qwen2.5-coder:7b" {
		t.Errorf("verifier model = %s", res.Steps[1].Model)
	}

	vreq := p.request(1)
	if vreq.Messages[0].Role != "system" || vreq.Messages[0].Content != sequentialVerifierSystem {
		t.Errorf("verifier system message = %+v", vreq.Messages[0])
	}
	if !strings.Contains(vreq.Messages[1].Content, "código optimizado") {
		t.Errorf("verifier prompt missing coder output: %q", vreq.Messages[1].Content)
	}
	if res.Metrics.ModelCalls != 2 {
		t.Errorf("ModelCalls = %d", res.Metrics.ModelCalls)
	}
	if res.Metrics.VerifierTime <= 0 {
		t.Errorf("VerifierTime = %v", res.Metrics.VerifierTime)
	}
}

func TestRunParallelVerify(t *testing.T) {
	// The primary is slower than the verifier; append order must stay fixed.
	p := &fakeProvider{fn: func(_ int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.Model == "deepseek-coder:6.7b" {
			time.Sleep(30 * time.Millisecond)
			return &llm.ChatResponse{Content: "salida principal", Model: req.Model}, nil
		}
		return &llm.ChatResponse{Content: "salida verificador", Model: req.Model}, nil
	}}
	r := newRunner(t, p, nil)

	plan := &planner.Plan{
		Model:    mustModel(t, "deepseek-coder:6.7b"),
		Workflow: planner.ParallelVerify{Verifier: "deepseek-r1:7b"},
	}
	res, err := r.Run(context.Background(), textTurn("optimiza y verifica"), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "salida principal" + verificationSeparator + "salida verificador"
	if res.FinalOutput != want {
		t.Errorf("FinalOutput = %q", res.FinalOutput)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("want 2 steps, got %+v", res.Steps)
	}
	if res.Steps[0].Step != StepCoder || res.Steps[1].Step != StepVerifierParallel {
		t.Errorf("step labels = %s, %s", res.Steps[0].Step, res.Steps[1].Step)
	}
	if res.Steps[0].Duration != res.Steps[1].Duration {
		t.Errorf("parallel steps should share the join duration: %v vs %v",
			res.Steps[0].Duration, res.Steps[1].Duration)
	}
	if res.Metrics.TotalTime >= 60*time.Millisecond {
		t.Errorf("wall clock should be the max of the pair, got %v", res.Metrics.TotalTime)
	}

	// One of the two requests must end with the verifier instruction.
	var verifierSeen bool
	for i := 0; i < 2; i++ {
		req := p.request(i)
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "system" && last.Content == parallelVerifierSystem {
			verifierSeen = true
			if req.Model != "deepseek-r1:7b" {
				t.Errorf("verifier instruction sent to %s", req.Model)
			}
		}
	}
	if !verifierSeen {
		t.Error("no request carried the parallel verifier instruction")
	}
}

func TestRunVisionAdaptive(t *testing.T) {
	t.Run("plain description stays single stage", func(t *testing.T) {
		p := &fakeProvider{fn: reply("Un perro corriendo sobre la hierba.")}
		r := newRunner(t, p, nil)

		plan := &planner.Plan{
			Model:    mustModel(t, "llava:7b"),
			Workflow: planner.VisionAdaptive{Coder: "qwen2.5-coder:7b", Verifier: "deepseek-r1:7b"},
		}
		res, err := r.Run(context.Background(), imageTurn("¿qué ves?"), plan)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(res.Steps) != 1 || res.Steps[0].Step != StepVision {
			t.Fatalf("Steps = %+v", res.Steps)
		}
		if p.callCount() != 1 {
			t.Errorf("provider calls = %d", p.callCount())
		}
	})

	t.Run("tabular description triggers structuring stage", func(t *testing.T) {
		visionOut := "The image shows a table with three columns of sales data."
		p := &fakeProvider{fn: func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			if call == 1 {
				return &llm.ChatResponse{Content: visionOut, Model: req.Model}, nil
			}
			return &llm.ChatResponse{Content: "| mes | ventas |", Model: req.Model}, nil
		}}
		r := newRunner(t, p, nil)

		plan := &planner.Plan{
			Model:    mustModel(t, "llava:7b"),
			Workflow: planner.VisionAdaptive{Coder: "qwen2.5-coder:7b", Verifier: "deepseek-r1:7b"},
		}
		res, err := r.Run(context.Background(), imageTurn("extrae la tabla"), plan)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		if len(res.Steps) != 2 {
			t.Fatalf("want vision+coder steps, got %+v", res.Steps)
		}
		if res.Steps[1].Step != StepCoder || res.Steps[1].Model != "qwen2.5-coder:7b" {
			t.Errorf("second step = %+v", res.Steps[1])
		}
		if !strings.Contains(res.FinalOutput, visionOut) ||
			!strings.Contains(res.FinalOutput, structuringSeparator) ||
			!strings.Contains(res.FinalOutput, "| mes | ventas |") {
			t.Errorf("FinalOutput = %q", res.FinalOutput)
		}

		coderReq := p.request(1)
		if !strings.Contains(coderReq.Messages[1].Content, visionOut) {
			t.Errorf("structuring prompt missing vision output: %q", coderReq.Messages[1].Content)
		}
	})

	t.Run("explanatory description triggers verifier stage", func(t *testing.T) {
		visionOut := "Un diagrama que explica por qué el circuito falla."
		p := &fakeProvider{fn: func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			if call == 1 {
				return &llm.ChatResponse{Content: visionOut, Model: req.Model}, nil
			}
			return &llm.ChatResponse{Content: "la explicación es correcta", Model: req.Model}, nil
		}}
		r := newRunner(t, p, nil)

		plan := &planner.Plan{
			Model:    mustModel(t, "llava:7b"),
			Workflow: planner.VisionAdaptive{Coder: "qwen2.5-coder:7b", Verifier: "deepseek-r1:7b"},
		}
		res, err := r.Run(context.Background(), imageTurn("analiza el diagrama"), plan)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		if len(res.Steps) != 2 || res.Steps[1].Step != StepVerifier {
			t.Fatalf("Steps = %+v", res.Steps)
		}
		if res.Steps[1].Model != "deepseek-r1:7b" {
			t.Errorf("verifier model = %s", res.Steps[1].Model)
		}
		if !strings.Contains(res.FinalOutput, verificationSeparator) {
			t.Errorf("FinalOutput = %q", res.FinalOutput)
		}
	})
}

func TestRunVisionForwardsImagePayloads(t *testing.T) {
	p := &fakeProvider{fn: reply("Una foto sencilla.")}
	r := newRunner(t, p, nil)

	turn := imageTurn("describe")
	plan := &planner.Plan{
		Model:    mustModel(t, "llava:7b"),
		Workflow: planner.VisionAdaptive{Coder: "qwen2.5-coder:7b", Verifier: "deepseek-r1:7b"},
	}
	if _, err := r.Run(context.Background(), turn, plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := p.request(0)
	if len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	want := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	if req.Messages[0].Images[0] != want {
		t.Errorf("image payload not base64 of the raw bytes")
	}
}

func TestRunCachesTextTurns(t *testing.T) {
	p := &fakeProvider{fn: reply("respuesta cacheable")}
	c := cache.New(time.Minute, 10)
	r := newRunner(t, p, c)

	turn := textTurn("pregunta repetida")
	plan := &planner.Plan{Model: mustModel(t, "qwen2.5:7b"), Workflow: planner.Single{}}

	first, err := r.Run(context.Background(), turn, plan)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Metrics.CacheHit {
		t.Error("first run should not be a cache hit")
	}

	second, err := r.Run(context.Background(), turn, plan)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !second.Metrics.CacheHit {
		t.Error("second run should be a cache hit")
	}
	if second.FinalOutput != first.FinalOutput {
		t.Errorf("cached output = %q, want %q", second.FinalOutput, first.FinalOutput)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestRunImageTurnsBypassCache(t *testing.T) {
	p := &fakeProvider{fn: reply("Una foto.")}
	c := cache.New(time.Minute, 10)
	r := newRunner(t, p, c)

	turn := imageTurn("describe")
	plan := &planner.Plan{
		Model:    mustModel(t, "llava:7b"),
		Workflow: planner.VisionAdaptive{Coder: "qwen2.5-coder:7b", Verifier: "deepseek-r1:7b"},
	}

	for i := 0; i < 2; i++ {
		res, err := r.Run(context.Background(), turn, plan)
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if res.Metrics.CacheHit {
			t.Errorf("run %d: image turn must not hit the cache", i)
		}
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
	if c.Len() != 0 {
		t.Errorf("cache entries = %d, image results must not be written", c.Len())
	}
}

func TestRunAccumulatesRetries(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 1 {
			return &llm.ChatResponse{Content: "", Model: req.Model}, nil
		}
		return &llm.ChatResponse{Content: "al segundo intento", Model: req.Model}, nil
	}}
	r := newRunner(t, p, nil)

	plan := &planner.Plan{Model: mustModel(t, "qwen2.5:7b"), Workflow: planner.Single{}}
	res, err := r.Run(context.Background(), textTurn("dame algo"), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Steps[0].Attempts != 2 {
		t.Errorf("Attempts = %d", res.Steps[0].Attempts)
	}
	if res.Metrics.Retries != 1 {
		t.Errorf("Retries = %d, want 1", res.Metrics.Retries)
	}
}

func TestRunStageFailureFailsTurn(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 1 {
			return &llm.ChatResponse{Content: "buen código", Model: req.Model}, nil
		}
		return &llm.ChatResponse{Content: "", Model: req.Model}, nil
	}}
	r := newRunner(t, p, nil)

	plan := &planner.Plan{
		Model:    mustModel(t, "deepseek-coder:6.7b"),
		Workflow: planner.CoderVerifier{Verifier: "qwen2.5-coder:7b"},
	}
	res, err := r.Run(context.Background(), textTurn("optimiza"), plan)
	if err == nil {
		t.Fatal("want error when the verifier stage exhausts attempts")
	}
	if res != nil {
		t.Errorf("no partial result expected, got %+v", res)
	}
}
