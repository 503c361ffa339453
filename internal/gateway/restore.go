package gateway

import (
	"context"
	"encoding/json"

	"github.com/kaylacar/agent-door/internal/capability"
	"github.com/kaylacar/agent-door/internal/door"
	"github.com/kaylacar/agent-door/internal/registry"
	"github.com/kaylacar/agent-door/pkg/metrics"
)

// restore replays every persisted registration at startup, recompiling its
// capability table and reconstructing its Tenant. A single entry that
// fails to restore is logged and skipped; startup never aborts for it.
func (g *Gateway) restore(ctx context.Context) {
	entries, err := g.reg.ListWithSpecs(ctx)
	if err != nil {
		g.log.Errorw("registry list failed, starting with no tenants", "err", err)
		return
	}
	for _, e := range entries {
		t, err := g.buildTenant(e.SiteRegistration, e.SpecJSON)
		if err != nil {
			g.log.Errorw("tenant restore failed, skipping", "slug", e.Slug, "err", err)
			continue
		}
		g.tenants[e.Slug] = t
	}
	metrics.TenantCount.Set(float64(len(g.tenants)))
	g.log.Infow("tenants restored", "count", len(g.tenants))
}

// buildTenant parses specJSON, compiles its capability table, and
// constructs the tenant's Door.
func (g *Gateway) buildTenant(reg registry.SiteRegistration, specJSON []byte) (*tenantState, error) {
	var doc map[string]any
	if err := json.Unmarshal(specJSON, &doc); err != nil {
		return nil, err
	}
	caps, err := capability.Compile(doc, reg.APIURL, g.httpClient)
	if err != nil {
		return nil, err
	}
	site := door.Site{Slug: reg.Slug, Name: reg.SiteName, URL: reg.SiteURL, RateLimit: reg.RateLimit}
	d := door.New(site, caps, g.cfg.CORSOrigins, ".well-known")
	return &tenantState{reg: reg, door: d}, nil
}
