package gateway

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/kaylacar/agent-door/internal/registry"
	"github.com/kaylacar/agent-door/pkg/config"
	"github.com/kaylacar/agent-door/pkg/metrics"
)

// orderedTenants returns tenants sorted by CreatedAt ascending, ties
// broken by slug, for deterministic listing output regardless of Go's map
// iteration order.
func orderedTenants(m map[string]*tenantState) []*tenantState {
	out := make([]*tenantState, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].reg.CreatedAt.Equal(out[j].reg.CreatedAt) {
			return out[i].reg.CreatedAt.Before(out[j].reg.CreatedAt)
		}
		return out[i].reg.Slug < out[j].reg.Slug
	})
	return out
}

func siteSummary(reg registry.SiteRegistration) map[string]any {
	return map[string]any{
		"slug":       reg.Slug,
		"site_name":  reg.SiteName,
		"site_url":   reg.SiteURL,
		"api_url":    reg.APIURL,
		"rate_limit": reg.RateLimit,
		"created_at": reg.CreatedAt,
	}
}

func updateTenantCountMetric(g *Gateway) {
	g.mu.RLock()
	n := len(g.tenants)
	g.mu.RUnlock()
	metrics.TenantCount.Set(float64(n))
}

// clientIP resolves the caller's address per the trusted-proxy policy: by
// default only RemoteAddr is trusted; X-Forwarded-For is honored only when
// TrustedProxy is enabled, and then only its first (left-most) entry.
func clientIP(cfg config.Config, r *http.Request) string {
	if cfg.TrustedProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
