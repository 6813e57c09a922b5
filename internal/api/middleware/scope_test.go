package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/roundtable-ai/roundtable/internal/api/middleware"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

func extractScope(t *testing.T, target string, hdr map[string]string) models.Scope {
	t.Helper()
	var got models.Scope
	probe := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = middleware.GetScope(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	middleware.ScopeExtractor(probe).ServeHTTP(rec, req)
	return got
}

func TestScopeExtractor(t *testing.T) {
	cases := []struct {
		name        string
		target      string
		hdr         map[string]string
		wantProject string
		wantRole    int
	}{
		{
			name:        "headers win",
			target:      "/api/v1/ask?project=ignored&role=9",
			hdr:         map[string]string{"X-Project-Id": "demo", "X-Role-Id": "7"},
			wantProject: "demo",
			wantRole:    7,
		},
		{
			name:        "query fallback",
			target:      "/api/v1/ask?project=queryproj&role=3",
			wantProject: "queryproj",
			wantRole:    3,
		},
		{
			name:        "defaults",
			target:      "/api/v1/ask",
			wantProject: middleware.DefaultProject,
			wantRole:    0,
		},
		{
			name:        "malformed role is global",
			target:      "/api/v1/ask",
			hdr:         map[string]string{"X-Project-Id": "demo", "X-Role-Id": "abc"},
			wantProject: "demo",
			wantRole:    0,
		},
		{
			name:        "negative role is global",
			target:      "/api/v1/ask",
			hdr:         map[string]string{"X-Role-Id": "-2"},
			wantProject: middleware.DefaultProject,
			wantRole:    0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractScope(t, tc.target, tc.hdr)
			if got.Project != tc.wantProject {
				t.Errorf("project = %q, want %q", got.Project, tc.wantProject)
			}
			if got.Role != tc.wantRole {
				t.Errorf("role = %d, want %d", got.Role, tc.wantRole)
			}
		})
	}
}
