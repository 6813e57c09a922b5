package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/roundtable-ai/roundtable/pkg/models"
)

type contextKey string

const (
	// ProjectKey is the context key for the project scope.
	ProjectKey contextKey = "project"
	// RoleKey is the context key for the numeric role scope.
	RoleKey contextKey = "role"
)

// DefaultProject is the scope used when a request names none.
const DefaultProject = "default"

// ScopeExtractor reads the (project, role) scope from the request.
// Project comes from the X-Project-Id header, then the project query
// parameter, then the default. Role comes from X-Role-Id or the role
// query parameter; anything unparseable means role 0, the global scope.
func ScopeExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project := strings.TrimSpace(r.Header.Get("X-Project-Id"))
		if project == "" {
			project = strings.TrimSpace(r.URL.Query().Get("project"))
		}
		if project == "" {
			project = DefaultProject
		}

		role := 0
		raw := strings.TrimSpace(r.Header.Get("X-Role-Id"))
		if raw == "" {
			raw = strings.TrimSpace(r.URL.Query().Get("role"))
		}
		if raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				role = n
			}
		}

		ctx := context.WithValue(r.Context(), ProjectKey, project)
		ctx = context.WithValue(ctx, RoleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetScope retrieves the request scope from the context.
func GetScope(ctx context.Context) models.Scope {
	return models.Scope{Project: GetProject(ctx), Role: GetRole(ctx)}
}

// GetProject retrieves the project scope from the context.
func GetProject(ctx context.Context) string {
	if v, ok := ctx.Value(ProjectKey).(string); ok {
		return v
	}
	return DefaultProject
}

// GetRole retrieves the role scope from the context, 0 when absent.
func GetRole(ctx context.Context) int {
	if v, ok := ctx.Value(RoleKey).(int); ok {
		return v
	}
	return 0
}
