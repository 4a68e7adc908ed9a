package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/logutils"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, principalKey{}, a)
}

func principalFromContext(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(principalKey{}).(domain.Actor)
	return a, ok
}

// actorFromContext returns the authenticated actor or a 401.
func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if a, ok := principalFromContext(ctx); ok && a.ID != "" {
		return a, nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicPaths lists the API routes reachable without a token.
func publicPaths(basePath string) map[string]bool {
	out := map[string]bool{}
	for _, p := range []string{"health", "openapi.json", "auth/register", "auth/login"} {
		out[path.Join(basePath, p)] = true
	}
	return out
}

func newAuthMiddleware(basePath string, e engine.Engine) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_token", "invalid or expired token", nil))
				return
			}
			actor, err := e.Authenticate(token)
			if err != nil {
				logutils.Log.WithFields(logutils.Fields{"path": req.URL.Path}).Debug("rejected bearer token")
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), actor)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
