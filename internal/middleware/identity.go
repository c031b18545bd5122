package middleware

import (
	"context"
	"net/http"

	flowModels "loom/internal/domain/models/flow"
	"loom/internal/httputil"
)

type identityContextKey struct{}

// WithIdentity returns a context carrying the collaborator identity.
func WithIdentity(ctx context.Context, id flowModels.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFrom extracts the collaborator identity from the context.
func IdentityFrom(ctx context.Context) (flowModels.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(flowModels.Identity)
	return id, ok
}

// resolveIdentity reads the collaborator identity from request headers,
// falling back to query parameters. Browser WebSocket clients cannot set
// custom headers, so the canvas passes identity in the query string there.
func resolveIdentity(r *http.Request) flowModels.Identity {
	id := flowModels.Identity{
		ID:    r.Header.Get("X-Loom-User"),
		Name:  r.Header.Get("X-Loom-Name"),
		Color: r.Header.Get("X-Loom-Color"),
	}
	if id.ID == "" {
		q := r.URL.Query()
		id.ID = q.Get("user")
		id.Name = q.Get("name")
		id.Color = q.Get("color")
	}
	if id.Name == "" {
		id.Name = id.ID
	}
	if id.Color == "" {
		id.Color = flowModels.DefaultColor(id.ID)
	}
	return id
}

// RequireIdentity rejects requests that carry no collaborator identity and
// stores the resolved identity on the request context for handlers.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := resolveIdentity(r)
		if err := id.Validate(); err != nil {
			httputil.RespondError(w, http.StatusUnauthorized, "collaborator identity required")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
