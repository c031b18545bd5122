// Package provider serves the model catalog the canvas picks from. The
// catalog is embedded YAML, one file per provider. Serving and validating
// model references is in scope here; invoking models is not.
package provider

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config/*.yaml
var catalogFiles embed.FS

// providerOrder fixes the catalog order across restarts.
var providerOrder = []string{"anthropic", "openrouter"}

// Registry is the loaded model catalog. Immutable once built.
type Registry struct {
	providers map[string]*Provider
	order     []string
}

// NewRegistry loads the embedded catalog files.
func NewRegistry() (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider)}
	for _, name := range providerOrder {
		if err := r.loadProviderFile(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadProviderFile(name string) error {
	filename := fmt.Sprintf("config/%s.yaml", name)
	data, err := catalogFiles.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}

	var p Provider
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filename, err)
	}
	if p.Name == "" || len(p.Models) == 0 {
		return fmt.Errorf("catalog %s is empty", filename)
	}

	r.providers[p.Name] = &p
	r.order = append(r.order, p.Name)
	return nil
}

// Lookup returns one provider's model.
func (r *Registry) Lookup(provider, model string) (Model, bool) {
	p, ok := r.providers[provider]
	if !ok {
		return Model{}, false
	}
	for _, m := range p.Models {
		if m.ID == model {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve parses a canvas model reference and looks it up.
//
// Supported formats:
//   - "claude-haiku-4-5" → provider inferred from the prefix
//   - "openrouter/google/gemini-2.5-flash" → explicit provider, model is
//     everything after the first "/"
func (r *Registry) Resolve(ref string) (Model, error) {
	if ref == "" {
		return Model{}, fmt.Errorf("model reference is empty")
	}

	var provider, model string
	if strings.Contains(ref, "/") {
		parts := strings.SplitN(ref, "/", 2)
		provider, model = parts[0], parts[1]
		if provider == "" || model == "" {
			return Model{}, fmt.Errorf("invalid model reference %q", ref)
		}
	} else {
		provider = inferProvider(ref)
		if provider == "" {
			return Model{}, fmt.Errorf("cannot infer provider for model %q", ref)
		}
		model = ref
	}

	m, ok := r.Lookup(provider, model)
	if !ok {
		return Model{}, fmt.Errorf("unknown model %q for provider %s", model, provider)
	}
	return m, nil
}

// inferProvider guesses the provider for bare model ids the canvas stores.
func inferProvider(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "claude-") {
		return "anthropic"
	}
	return ""
}

// List returns the catalog in authored provider order.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.providers[name])
	}
	return out
}

// Default returns the model preselected for new prompt nodes: the first
// one flagged default, else the first model in the catalog.
func (r *Registry) Default() Model {
	for _, name := range r.order {
		for _, m := range r.providers[name].Models {
			if m.Default {
				return m
			}
		}
	}
	return r.providers[r.order[0]].Models[0]
}

// Providers lists the provider names in catalog order.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.order...)
}
