package handler

import (
	"log/slog"
	"net/http"

	"loom/internal/httputil"
	"loom/internal/provider"
)

// ModelsHandler serves the model catalog the canvas offers on prompt nodes.
type ModelsHandler struct {
	logger   *slog.Logger
	registry *provider.Registry
}

// NewModelsHandler creates a new models handler
func NewModelsHandler(registry *provider.Registry, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{
		logger:   logger,
		registry: registry,
	}
}

// ProviderResponse represents a provider with its models
type ProviderResponse struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Models []provider.Model `json:"models"`
}

// ModelsResponse is the full catalog plus the reference the canvas should
// preselect for new prompt nodes.
type ModelsResponse struct {
	Providers []ProviderResponse `json:"providers"`
	Default   string             `json:"default"`
}

var providerDisplayNames = map[string]string{
	"anthropic":  "Anthropic",
	"openrouter": "OpenRouter",
}

// GetModels returns all configured providers and their models in catalog
// order.
func (h *ModelsHandler) GetModels(w http.ResponseWriter, r *http.Request) {
	providers := make([]ProviderResponse, 0)
	var defaultRef string

	for _, p := range h.registry.List() {
		providers = append(providers, ProviderResponse{
			ID:     p.Name,
			Name:   providerDisplayName(p.Name),
			Models: p.Models,
		})
		if defaultRef != "" {
			continue
		}
		for _, m := range p.Models {
			if m.Default {
				defaultRef = p.Name + "/" + m.ID
				break
			}
		}
	}
	if defaultRef == "" && len(providers) > 0 && len(providers[0].Models) > 0 {
		defaultRef = providers[0].ID + "/" + providers[0].Models[0].ID
	}

	httputil.RespondJSON(w, http.StatusOK, ModelsResponse{
		Providers: providers,
		Default:   defaultRef,
	})
}

func providerDisplayName(id string) string {
	if name, ok := providerDisplayNames[id]; ok {
		return name
	}
	return id
}
