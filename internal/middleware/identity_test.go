package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	flowModels "loom/internal/domain/models/flow"
)

func identityEcho(t *testing.T) (http.Handler, *flowModels.Identity) {
	t.Helper()
	var captured flowModels.Identity
	h := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		captured = id
		w.WriteHeader(http.StatusOK)
	}))
	return h, &captured
}

func TestRequireIdentityFromHeaders(t *testing.T) {
	h, captured := identityEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/flows/c1", nil)
	req.Header.Set("X-Loom-User", "u1")
	req.Header.Set("X-Loom-Name", "Uma")
	req.Header.Set("X-Loom-Color", "#ff7a29")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured.ID != "u1" || captured.Name != "Uma" || captured.Color != "#ff7a29" {
		t.Errorf("captured = %+v", *captured)
	}
}

func TestRequireIdentityQueryFallback(t *testing.T) {
	h, captured := identityEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/flows/c1?user=u2&name=Ben", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured.ID != "u2" || captured.Name != "Ben" {
		t.Errorf("captured = %+v", *captured)
	}
	if captured.Color == "" {
		t.Error("color should default when not provided")
	}
}

func TestRequireIdentityDefaultsNameToID(t *testing.T) {
	h, captured := identityEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/flows/c1?user=u3", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured.Name != "u3" {
		t.Errorf("Name = %q, want fallback to id", captured.Name)
	}
}

func TestRequireIdentityRejectsAnonymous(t *testing.T) {
	h := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without identity")
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/flows/c1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHeadersBeatQuery(t *testing.T) {
	h, captured := identityEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/flows/c1?user=query-user", nil)
	req.Header.Set("X-Loom-User", "header-user")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if captured.ID != "header-user" {
		t.Errorf("ID = %q, want header-user", captured.ID)
	}
}
