// Package registry resolves roster model references like
// "anthropic/claude-3-5-sonnet-20241022" to provider adapters,
// constructing and caching one adapter per name.
package registry

import (
	"fmt"
	"strings"
	"sync"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/model"
	"github.com/mtzanidakis/sminos/internal/model/anthropic"
	"github.com/mtzanidakis/sminos/internal/model/openai"
)

type Registry struct {
	cfg config.ModelsConfig

	mu     sync.Mutex
	models map[string]model.Model
}

func New(cfg config.ModelsConfig) *Registry {
	return &Registry{
		cfg:    cfg,
		models: make(map[string]model.Model),
	}
}

// Register installs a prebuilt model under an explicit name, overriding
// provider construction. Used to wire scripted models.
func (r *Registry) Register(name string, m model.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = m
}

// SetDefaults updates the fallback model reference and token budget.
// Cached adapters keep their construction-time settings; the change
// applies to models resolved afterwards.
func (r *Registry) SetDefaults(defaultModel string, maxTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if defaultModel != "" {
		r.cfg.Default = defaultModel
	}
	if maxTokens > 0 {
		r.cfg.MaxTokens = maxTokens
	}
}

// Resolve returns the model for a roster reference. Empty names fall
// back to the configured default.
func (r *Registry) Resolve(name string) (model.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = r.cfg.Default
	}

	if m, ok := r.models[name]; ok {
		return m, nil
	}

	provider, id, ok := strings.Cut(name, "/")
	if !ok {
		return nil, fmt.Errorf("model %q: want provider/id", name)
	}

	var m model.Model
	switch provider {
	case "anthropic":
		m = anthropic.New(func(o *anthropic.Options) {
			o.Model = sdkanthropic.Model(id)
			o.APIKey = r.cfg.AnthropicAPIKey
			if r.cfg.MaxTokens > 0 {
				o.MaxTokens = int64(r.cfg.MaxTokens)
			}
		})
	case "openai":
		m = openai.New(func(o *openai.Options) {
			o.Model = id
			o.APIKey = r.cfg.OpenAIAPIKey
			if r.cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(r.cfg.MaxTokens)
			}
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}

	r.models[name] = m
	return m, nil
}

// Names returns the references resolved or registered so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}
