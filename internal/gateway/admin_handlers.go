package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kaylacar/agent-door/internal/apierr"
)

// adminAuth gates every admin route behind the configured key, comparing
// in timing-safe fashion. An unconfigured key fails closed: the Open
// Question the source left unresolved is decided here in favor of never
// leaving the admin surface reachable in production by default.
func (g *Gateway) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AdminOpen() {
			apierr.WriteError(w, apierr.QuotaHit("admin API is not configured"))
			return
		}
		if !g.checkAdminRate(w, r) {
			return
		}
		supplied := adminKeyFrom(r)
		if !constantTimeEqual(supplied, g.cfg.AdminAPIKey) {
			apierr.WriteError(w, apierr.Unauthorized("invalid admin key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return ""
}

// constantTimeEqual compares a and b without leaking their lengths or
// contents via timing. A length mismatch still costs a dummy comparison
// before returning false, so the timing cost doesn't itself disclose the
// mismatch.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (g *Gateway) checkAdminRate(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(g.cfg, r)
	result := g.adminLimiter.Check("admin:"+ip, adminOpLimit)
	if !result.Allowed {
		w.Header().Set("Retry-After", "60")
		apierr.WriteError(w, apierr.RateLimited("admin rate limit exceeded"))
		return false
	}
	return true
}

func (g *Gateway) handleLiveness(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"service": "agent-door", "version": "1.0"})
}

func (g *Gateway) handleListSites(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]map[string]any, 0, len(g.tenants))
	for _, t := range orderedTenants(g.tenants) {
		out = append(out, siteSummary(t.reg))
	}
	apierr.WriteOK(w, out)
}

func (g *Gateway) handleSiteDetail(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	g.mu.RLock()
	t, ok := g.tenants[slug]
	g.mu.RUnlock()
	if !ok {
		apierr.WriteError(w, apierr.New(apierr.Input, http.StatusNotFound, "unknown site"))
		return
	}
	apierr.WriteOK(w, siteSummary(t.reg))
}

func (g *Gateway) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	g.mu.Lock()
	t, ok := g.tenants[slug]
	if ok {
		delete(g.tenants, slug)
	}
	g.mu.Unlock()

	if !ok {
		apierr.WriteError(w, apierr.New(apierr.Input, http.StatusNotFound, "unknown site"))
		return
	}
	t.door.Destroy()

	if _, err := g.reg.Delete(r.Context(), slug); err != nil {
		g.log.Errorw("registry delete failed", "slug", slug, "err", err)
	}
	updateTenantCountMetric(g)
	apierr.WriteOK(w, map[string]any{"deleted": true})
}
