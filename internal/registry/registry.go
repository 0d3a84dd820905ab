// Package registry provides the model capability registry: a read-only
// table mapping model identifiers to their timeouts, supported modalities
// and speed class. It is loaded once at startup and shared by the planner
// and executor.
package registry

import (
	"fmt"
	"sort"
	"time"
)

// Speed classifies a model's relative response latency.
type Speed string

const (
	SpeedFast   Speed = "fast"
	SpeedMedium Speed = "medium"
	SpeedSlow   Speed = "slow"
)

// ModelCapability describes one backend model. Immutable after load.
type ModelCapability struct {
	// ID is the model identifier as the inference backend knows it
	// (e.g. "qwen2.5-coder:7b").
	ID string `json:"id" mapstructure:"id"`

	// Timeout bounds a single inference call against this model.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Purpose is a human-readable tag ("code-generation", "vision", ...).
	Purpose string `json:"purpose" mapstructure:"purpose"`

	// MaxTokens hints the output budget for this model.
	MaxTokens int `json:"max_tokens" mapstructure:"max_tokens"`

	// Modality support flags.
	SupportsImages    bool `json:"supports_images" mapstructure:"supports_images"`
	SupportsCode      bool `json:"supports_code" mapstructure:"supports_code"`
	SupportsReasoning bool `json:"supports_reasoning" mapstructure:"supports_reasoning"`

	// Speed is the relative speed class.
	Speed Speed `json:"speed" mapstructure:"speed"`
}

// Registry provides lookup access to model capability information.
type Registry interface {
	// Get retrieves capability info for a model id.
	Get(id string) (ModelCapability, bool)

	// List returns all registered models, sorted by id.
	List() []ModelCapability

	// Size returns the number of registered models.
	Size() int
}

// Roles names the model assigned to each planning purpose. Every id must
// exist in the registry; Validate enforces this at startup.
type Roles struct {
	Vision       string `mapstructure:"vision"`
	Code         string `mapstructure:"code"`
	Optimization string `mapstructure:"optimization"`
	Reasoning    string `mapstructure:"reasoning"`
	Fast         string `mapstructure:"fast"`
	General      string `mapstructure:"general"`
}

// DefaultRoles returns the role assignment for the default registry.
func DefaultRoles() Roles {
	return Roles{
		Vision:       "llava:7b",
		Code:         "qwen2.5-coder:7b",
		Optimization: "deepseek-coder:6.7b",
		Reasoning:    "deepseek-r1:7b",
		Fast:         "llama3.2:latest",
		General:      "qwen2.5:7b",
	}
}

// Validate checks that every role references a registered model.
func (r Roles) Validate(reg Registry) error {
	for role, id := range map[string]string{
		"vision":       r.Vision,
		"code":         r.Code,
		"optimization": r.Optimization,
		"reasoning":    r.Reasoning,
		"fast":         r.Fast,
		"general":      r.General,
	} {
		if id == "" {
			return fmt.Errorf("model role %s is empty", role)
		}
		if _, ok := reg.Get(id); !ok {
			return fmt.Errorf("model role %s references unknown model %q", role, id)
		}
	}
	return nil
}

// staticRegistry implements Registry over an in-memory table.
type staticRegistry struct {
	models map[string]ModelCapability
}

// NewStatic builds a registry from the given models.
func NewStatic(models []ModelCapability) Registry {
	r := &staticRegistry{models: make(map[string]ModelCapability, len(models))}
	for _, m := range models {
		r.models[m.ID] = m
	}
	return r
}

// Default returns the registry for the stock local model set.
func Default() Registry {
	return NewStatic(defaultModels())
}

func (r *staticRegistry) Get(id string) (ModelCapability, bool) {
	m, ok := r.models[id]
	return m, ok
}

func (r *staticRegistry) List() []ModelCapability {
	out := make([]ModelCapability, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *staticRegistry) Size() int {
	return len(r.models)
}

// defaultModels is the stock capability table for a local Ollama install.
func defaultModels() []ModelCapability {
	return []ModelCapability{
		{
			ID:        "phi4:latest",
			Timeout:   30 * time.Second,
			Purpose:   "planning",
			MaxTokens: 512,
			Speed:     SpeedFast,
		},
		{
			ID:        "llama3.2:latest",
			Timeout:   45 * time.Second,
			Purpose:   "fast-general",
			MaxTokens: 2048,
			Speed:     SpeedFast,
		},
		{
			ID:        "qwen2.5:7b",
			Timeout:   90 * time.Second,
			Purpose:   "general",
			MaxTokens: 4096,
			Speed:     SpeedMedium,
		},
		{
			ID:           "qwen2.5-coder:7b",
			Timeout:      120 * time.Second,
			Purpose:      "code-generation",
			MaxTokens:    8192,
			SupportsCode: true,
			Speed:        SpeedMedium,
		},
		{
			ID:           "deepseek-coder:6.7b",
			Timeout:      100 * time.Second,
			Purpose:      "code-optimization",
			MaxTokens:    8192,
			SupportsCode: true,
			Speed:        SpeedSlow,
		},
		{
			ID:                "deepseek-r1:7b",
			Timeout:           150 * time.Second,
			Purpose:           "reasoning-verification",
			MaxTokens:         4096,
			SupportsReasoning: true,
			Speed:             SpeedSlow,
		},
		{
			ID:             "llava:7b",
			Timeout:        90 * time.Second,
			Purpose:        "vision",
			MaxTokens:      2048,
			SupportsImages: true,
			Speed:          SpeedMedium,
		},
		{
			ID:        "bge-large:latest",
			Timeout:   20 * time.Second,
			Purpose:   "embeddings",
			MaxTokens: 512,
			Speed:     SpeedFast,
		},
	}
}
