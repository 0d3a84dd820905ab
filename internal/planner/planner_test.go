package planner

import (
	"testing"
	"time"

	"github.com/normanking/orquesta/internal/analyzer"
	"github.com/normanking/orquesta/internal/cache"
	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/registry"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	return New(registry.Default(), registry.DefaultRoles(), cache.New(time.Hour, 100))
}

func userTurn(text string) chat.Turn {
	return chat.Turn{
		SessionID: "s1",
		Messages:  []chat.Message{{Role: chat.RoleUser, Content: text}},
	}
}

func TestPlanOptimizationScenario(t *testing.T) {
	p := newTestPlanner(t)
	vec := analyzer.Vector{NeedsOptimization: true, NeedsCode: true}

	plan := p.Plan(userTurn("optimize this loop: for i in range(1000): print(i)"), vec)

	if plan.Model.ID != "deepseek-coder:6.7b" {
		t.Errorf("model = %s, want deepseek-coder:6.7b", plan.Model.ID)
	}
	if plan.Reason != "code-optimization" {
		t.Errorf("reason = %s", plan.Reason)
	}
	wf, ok := plan.Workflow.(CoderVerifier)
	if !ok {
		t.Fatalf("workflow = %T, want CoderVerifier", plan.Workflow)
	}
	if wf.Verifier != "qwen2.5-coder:7b" {
		t.Errorf("verifier = %s, want code model", wf.Verifier)
	}
}

func TestPlanFastScenario(t *testing.T) {
	p := newTestPlanner(t)
	vec := analyzer.Vector{NeedsFastResponse: true}

	plan := p.Plan(userTurn("hola, gracias"), vec)

	if plan.Model.ID != "llama3.2:latest" {
		t.Errorf("model = %s, want llama3.2:latest", plan.Model.ID)
	}
	if _, ok := plan.Workflow.(Single); !ok {
		t.Errorf("workflow = %T, want Single", plan.Workflow)
	}
	if plan.Reason != "fast-response" {
		t.Errorf("reason = %s", plan.Reason)
	}
}

func TestPlanReasoningOnly(t *testing.T) {
	p := newTestPlanner(t)
	vec := analyzer.Vector{NeedsReasoning: true}

	plan := p.Plan(userTurn("analyze why this approach works"), vec)

	if plan.Model.ID != "deepseek-r1:7b" {
		t.Errorf("model = %s, want deepseek-r1:7b", plan.Model.ID)
	}
	wf, ok := plan.Workflow.(CoderVerifier)
	if !ok {
		t.Fatalf("workflow = %T, want CoderVerifier", plan.Workflow)
	}
	if wf.Verifier != "deepseek-r1:7b" {
		t.Errorf("verifier = %s, want reasoning model", wf.Verifier)
	}
}

func TestPlanCodeOnly(t *testing.T) {
	p := newTestPlanner(t)
	vec := analyzer.Vector{NeedsCode: true}

	plan := p.Plan(userTurn("write a function that returns a sorted copy"), vec)

	if plan.Model.ID != "qwen2.5-coder:7b" {
		t.Errorf("model = %s, want qwen2.5-coder:7b", plan.Model.ID)
	}
	if _, ok := plan.Workflow.(Single); !ok {
		t.Errorf("workflow = %T, want Single", plan.Workflow)
	}
}

func TestPlanDefaultGeneral(t *testing.T) {
	p := newTestPlanner(t)

	plan := p.Plan(userTurn("tell me about the history of the local library and its architecture collection"), analyzer.Vector{})

	if plan.Model.ID != "qwen2.5:7b" {
		t.Errorf("model = %s, want qwen2.5:7b", plan.Model.ID)
	}
	if plan.Reason != "general" {
		t.Errorf("reason = %s", plan.Reason)
	}
}

func TestPlanImagesAlwaysVision(t *testing.T) {
	p := newTestPlanner(t)

	// Text content that would otherwise route to the fast model.
	vec := analyzer.Vector{NeedsImages: true, NeedsFastResponse: true}
	plan := p.Plan(userTurn("hola"), vec)

	if plan.Model.ID != "llava:7b" {
		t.Errorf("model = %s, want llava:7b", plan.Model.ID)
	}
	wf, ok := plan.Workflow.(VisionAdaptive)
	if !ok {
		t.Fatalf("workflow = %T, want VisionAdaptive", plan.Workflow)
	}
	if plan.Reason != "image-analysis-required" {
		t.Errorf("reason = %s", plan.Reason)
	}
	if wf.Verifier != "deepseek-r1:7b" {
		t.Errorf("verifier = %s, want reasoning model without code signal", wf.Verifier)
	}

	t.Run("code signal picks code verifier", func(t *testing.T) {
		plan := p.Plan(userTurn("extract the code"), analyzer.Vector{NeedsImages: true, NeedsCode: true})
		wf := plan.Workflow.(VisionAdaptive)
		if wf.Verifier != "qwen2.5-coder:7b" {
			t.Errorf("verifier = %s, want code model", wf.Verifier)
		}
	})
}

func TestPlanCacheRoundTrip(t *testing.T) {
	p := newTestPlanner(t)
	turn := userTurn("write a function that returns a sorted copy")
	vec := analyzer.Vector{NeedsCode: true}

	first := p.Plan(turn, vec)
	if first.FromCache {
		t.Fatal("first plan should not come from cache")
	}

	second := p.Plan(turn, vec)
	if !second.FromCache {
		t.Fatal("second identical plan should come from cache")
	}

	if first.Model != second.Model {
		t.Errorf("cached plan model differs: %v vs %v", first.Model, second.Model)
	}
	if first.Workflow != second.Workflow {
		t.Errorf("cached plan workflow differs: %v vs %v", first.Workflow, second.Workflow)
	}
	if first.Reason != second.Reason {
		t.Errorf("cached plan reason differs: %s vs %s", first.Reason, second.Reason)
	}
	if first.Vector != second.Vector {
		t.Errorf("cached plan vector differs")
	}
}

func TestPlanImagesBypassCache(t *testing.T) {
	p := newTestPlanner(t)
	turn := userTurn("describe this")
	vec := analyzer.Vector{NeedsImages: true}

	first := p.Plan(turn, vec)
	second := p.Plan(turn, vec)

	if first.FromCache || second.FromCache {
		t.Fatal("image plans must never be served from cache")
	}
}

func TestPlanFallbackOnUnknownModel(t *testing.T) {
	roles := registry.DefaultRoles()
	roles.Optimization = "missing-model:1b"
	p := New(registry.Default(), roles, nil)

	plan := p.Plan(userTurn("optimize the code"), analyzer.Vector{NeedsOptimization: true, NeedsCode: true})

	if plan.Model.ID != "qwen2.5:7b" {
		t.Errorf("model = %s, want generalist substitute", plan.Model.ID)
	}
	if plan.Reason != "fallback" {
		t.Errorf("reason = %s, want fallback", plan.Reason)
	}
}

func TestPlanFallbackOnCapabilityMismatch(t *testing.T) {
	// Point the code role at a model with no code support.
	roles := registry.DefaultRoles()
	roles.Code = "llama3.2:latest"
	p := New(registry.Default(), roles, nil)

	plan := p.Plan(userTurn("write a function"), analyzer.Vector{NeedsCode: true})

	if plan.Reason != "fallback" {
		t.Errorf("reason = %s, want fallback", plan.Reason)
	}
	if plan.Model.ID != "qwen2.5:7b" {
		t.Errorf("model = %s, want generalist substitute", plan.Model.ID)
	}
}

func TestPlanNilCache(t *testing.T) {
	p := New(registry.Default(), registry.DefaultRoles(), nil)
	plan := p.Plan(userTurn("hola"), analyzer.Vector{NeedsFastResponse: true})
	if plan == nil || plan.FromCache {
		t.Fatal("planner must work without a cache")
	}
}

func TestVerifierModel(t *testing.T) {
	tests := []struct {
		name     string
		workflow Workflow
		want     string
		ok       bool
	}{
		{"single", Single{}, "", false},
		{"coder-verifier", CoderVerifier{Verifier: "deepseek-r1:7b"}, "deepseek-r1:7b", true},
		{"parallel", ParallelVerify{Verifier: "qwen2.5-coder:7b"}, "qwen2.5-coder:7b", true},
		{"vision", VisionAdaptive{Coder: "qwen2.5-coder:7b", Verifier: "deepseek-r1:7b"}, "deepseek-r1:7b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &Plan{Workflow: tt.workflow}
			got, ok := plan.VerifierModel()
			if got != tt.want || ok != tt.ok {
				t.Errorf("VerifierModel() = (%s, %v), want (%s, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
