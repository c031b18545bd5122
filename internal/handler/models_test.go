package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetModelsCatalog(t *testing.T) {
	h := NewModelsHandler(testRegistry(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	h.GetModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(resp.Providers) < 2 {
		t.Fatalf("got %d providers, want at least 2", len(resp.Providers))
	}
	if resp.Providers[0].ID != "anthropic" {
		t.Errorf("first provider = %q, want anthropic", resp.Providers[0].ID)
	}
	if resp.Providers[0].Name != "Anthropic" {
		t.Errorf("display name = %q, want Anthropic", resp.Providers[0].Name)
	}
	if resp.Default != "anthropic/claude-haiku-4-5" {
		t.Errorf("default = %q, want anthropic/claude-haiku-4-5", resp.Default)
	}

	for _, p := range resp.Providers {
		if len(p.Models) == 0 {
			t.Errorf("provider %s has no models", p.ID)
		}
		for _, m := range p.Models {
			if m.ID == "" || m.DisplayName == "" {
				t.Errorf("provider %s has model with missing id or display name: %+v", p.ID, m)
			}
		}
	}
}
