package gateway

import (
	"net/http"
	"strings"

	"github.com/kaylacar/agent-door/internal/apierr"
	"github.com/kaylacar/agent-door/internal/door"
)

// handleTenantDispatch is the router's catch-all. It strips exactly one
// leading "/<slug>" segment via plain string operations — never a regex
// compiled from user input — and hands the rest of the path to that
// tenant's Door.
func (g *Gateway) handleTenantDispatch(w http.ResponseWriter, r *http.Request) {
	slug, rest := splitTenantPath(r.URL.Path)
	if slug == "" {
		apierr.WriteError(w, apierr.New(apierr.Input, http.StatusNotFound, "not found"))
		return
	}

	g.mu.RLock()
	t, ok := g.tenants[slug]
	g.mu.RUnlock()
	if !ok {
		apierr.WriteError(w, apierr.New(apierr.Input, http.StatusNotFound, "not found"))
		return
	}

	original := r.URL.Path
	r.URL.Path = rest
	ctx := door.WithClientIP(r.Context(), clientIP(g.cfg, r))
	t.door.ServeHTTP(w, r.WithContext(ctx))
	r.URL.Path = original
}

// splitTenantPath splits "/<slug>/<rest>" into slug and "/<rest>" (rest
// always leads with "/"). Returns ("", "") for a path with no slug
// segment.
func splitTenantPath(path string) (slug, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	i := strings.IndexByte(trimmed, '/')
	if i == -1 {
		return trimmed, "/"
	}
	return trimmed[:i], trimmed[i:]
}
