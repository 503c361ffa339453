// Package door implements the per-tenant request router ("Door"): the
// discovery, session-lifecycle, and capability-dispatch routes mounted
// under a tenant's well-known prefix. Grounded on the teacher's
// internal/connector.DynamicRouter / dynamicOperationsRouter idiom of
// building a chi.Router from a dynamically supplied operation table, here
// specialized to capability.Compiled entries instead of DB-loaded
// connector operations.
package door

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kaylacar/agent-door/internal/apierr"
	"github.com/kaylacar/agent-door/internal/capability"
	"github.com/kaylacar/agent-door/internal/ratelimit"
	"github.com/kaylacar/agent-door/internal/session"
	"github.com/kaylacar/agent-door/pkg/metrics"
)

// Site is the tenant-identifying metadata a Door needs to render its
// discovery documents. It deliberately excludes registry/storage concerns
// (CreatedAt, SpecJSON) the Door has no use for.
type Site struct {
	Slug      string
	Name      string
	URL       string
	RateLimit int
}

const defaultSessionTTL = time.Hour
const maxBodyBytes = 1 << 20 // 1 MiB, generous for capability request bodies

// Door is the per-tenant router: discovery + session lifecycle + compiled
// capability routes, plus the session store and rate limiter it owns.
type Door struct {
	site         Site
	capabilities []capability.Compiled
	byName       map[string]capability.Compiled
	sessions     *session.Store
	limiter      *ratelimit.Limiter
	corsOrigins  []string
	basePrefix   string
	manifestPath string

	router chi.Router
}

// New constructs a Door and builds its route table immediately. basePrefix
// is the well-known mount point (default ".well-known", no leading/trailing
// slash expected by the caller — the gateway already stripped the tenant
// slug segment).
func New(site Site, caps []capability.Compiled, corsOrigins []string, basePrefix string) *Door {
	if basePrefix == "" {
		basePrefix = ".well-known"
	}
	d := &Door{
		site:         site,
		capabilities: caps,
		byName:       map[string]capability.Compiled{},
		sessions:     session.New(defaultSessionTTL),
		limiter:      ratelimit.New(),
		corsOrigins:  corsOrigins,
		basePrefix:   basePrefix,
		manifestPath: "/" + strings.Trim(basePrefix, "/") + "/agents.json",
	}
	for _, c := range caps {
		d.byName[c.Name] = c
	}
	d.router = d.build()
	return d
}

// ServeHTTP dispatches into the Door's route table. The caller (the
// Gateway) has already stripped the tenant's slug prefix from r.URL.Path.
func (d *Door) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r)
}

// Destroy tears down the Door's owned resources. Safe to call once, at
// tenant deletion or gateway shutdown.
func (d *Door) Destroy() {
	d.sessions.Destroy()
	d.limiter.Destroy()
}

func (d *Door) build() chi.Router {
	r := chi.NewRouter()
	r.Use(d.corsAndManifestLink)

	base := "/" + strings.Trim(d.basePrefix, "/")
	r.Get(base+"/agents.txt", d.handleAgentsTxt)
	r.Get(base+"/agents.json", d.handleAgentsJSON)
	r.Post(base+"/agents/api/session", d.handleCreateSession)
	r.Delete(base+"/agents/api/session", d.handleEndSession)

	for _, c := range d.capabilities {
		c := c
		pattern := base + "/" + capabilityRoutePattern(c.Name)
		r.Method(c.Method, pattern, d.handleCapability(c))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierr.WriteError(w, apierr.New(apierr.Input, http.StatusNotFound, "not found"))
	})
	return r
}

// capabilityRoutePattern derives a Door-relative route from a capability's
// dotted name: "a.b.c" -> "agents/api/a/b/c"; the sentinel last segment
// "detail" binds a trailing {id}; otherwise "agents/api/<name>".
func capabilityRoutePattern(name string) string {
	segments := strings.Split(name, ".")
	joined := strings.Join(segments, "/")
	if segments[len(segments)-1] == "detail" {
		return "agents/api/" + joined + "/{id}"
	}
	return "agents/api/" + joined
}

// corsAndManifestLink applies CORS headers (allow-listed or "*"), replies
// 204 to OPTIONS before any route matches, and advertises agents.json via
// Link on every other response.
func (d *Door) corsAndManifestLink(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allow := "*"
		if !containsStar(d.corsOrigins) {
			if origin != "" && contains(d.corsOrigins, origin) {
				allow = origin
			} else {
				allow = ""
			}
		}
		if allow != "" {
			w.Header().Set("Access-Control-Allow-Origin", allow)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Session-Token")
		w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"agents-manifest\"", d.manifestPath))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func containsStar(ss []string) bool { return contains(ss, "*") }

func (d *Door) handleAgentsTxt(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s agent capabilities\n\n", d.site.Name)
	for _, c := range d.capabilities {
		fmt.Fprintf(&b, "%s %s", c.Method, c.Name)
		if c.RequiresSession {
			b.WriteString(" (requires session)")
		}
		b.WriteString("\n")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

type manifestCapability struct {
	Name            string                          `json:"name"`
	Method          string                          `json:"method"`
	Params          map[string]capability.ParamSpec `json:"params"`
	RequiresSession bool                            `json:"requires_session"`
}

func (d *Door) handleAgentsJSON(w http.ResponseWriter, r *http.Request) {
	caps := make([]manifestCapability, len(d.capabilities))
	for i, c := range d.capabilities {
		caps[i] = manifestCapability{Name: c.Name, Method: c.Method, Params: c.Params, RequiresSession: c.RequiresSession}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"schema_version": "1.0",
		"site": map[string]any{
			"name":        d.site.Name,
			"url":         d.site.URL,
			"description": "",
		},
		"capabilities": caps,
	})
}

func (d *Door) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	names := make([]string, len(d.capabilities))
	for i, c := range d.capabilities {
		names[i] = c.Name
	}
	sess, err := d.sessions.Create(names)
	if err != nil {
		apierr.WriteError(w, apierr.InternalErr("could not create session"))
		return
	}
	apierr.WriteOK(w, map[string]any{
		"session_token": sess.Token,
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
		"capabilities":  sess.Capabilities,
	})
}

func (d *Door) handleEndSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		d.sessions.End(token)
	}
	apierr.WriteOK(w, map[string]any{"ended": true})
}

// bearerToken extracts a caller-supplied token from Authorization: Bearer
// or X-Session-Token, in that order.
func bearerToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Session-Token"))
}

type clientIPKey struct{}

// WithClientIP stashes the caller's resolved IP (trusted-proxy policy
// already applied) for the rate limiter key. Set by the Gateway before
// delegating to a Door.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIPFrom(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

func (d *Door) handleCapability(c capability.Compiled) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIPFrom(r.Context())
		limit := d.site.RateLimit
		if limit <= 0 {
			limit = 60
		}
		result := d.limiter.Check(ip, limit)
		if !result.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(result.ResetAt).Seconds())+1))
			metrics.CapabilityCallsTotal.WithLabelValues(d.site.Slug, c.Name, "rate_limited").Inc()
			apierr.WriteError(w, apierr.RateLimited("Rate limit exceeded"))
			return
		}

		if c.RequiresSession {
			token := bearerToken(r)
			if token == "" {
				metrics.CapabilityCallsTotal.WithLabelValues(d.site.Slug, c.Name, "unauthorized").Inc()
				apierr.WriteError(w, apierr.Unauthorized("missing session token"))
				return
			}
			if _, ok := d.sessions.Validate(token); !ok {
				metrics.CapabilityCallsTotal.WithLabelValues(d.site.Slug, c.Name, "unauthorized").Inc()
				apierr.WriteError(w, apierr.Unauthorized("invalid or expired session"))
				return
			}
		}

		req, err := buildCallRequest(w, r, c)
		if err != nil {
			metrics.CapabilityCallsTotal.WithLabelValues(d.site.Slug, c.Name, "bad_request").Inc()
			apierr.WriteError(w, apierr.BadRequest(err.Error()))
			return
		}

		data, err := c.Call(r.Context(), req)
		if err != nil {
			metrics.CapabilityCallsTotal.WithLabelValues(d.site.Slug, c.Name, "upstream_error").Inc()
			if uerr, ok := err.(*capability.UpstreamError); ok {
				apierr.WriteError(w, apierr.UpstreamFailed(fmt.Sprintf("Upstream returned %d", uerr.StatusCode)))
				return
			}
			apierr.WriteError(w, apierr.UpstreamFailed("upstream call failed"))
			return
		}
		metrics.CapabilityCallsTotal.WithLabelValues(d.site.Slug, c.Name, "ok").Inc()
		apierr.WriteOK(w, data)
	}
}

// buildCallRequest gathers a capability's inputs from whichever source the
// incoming request carries them in: the Door's own URL parameters (e.g.
// {id} on a "detail" route), the query string (GET/DELETE), and the JSON
// body (other verbs). All three feed the same Params map so path-template
// substitution in the capability's call closure can find a value
// regardless of where the caller supplied it.
func buildCallRequest(w http.ResponseWriter, r *http.Request, c capability.Compiled) (capability.CallRequest, error) {
	params := map[string]any{}
	if id := chi.URLParam(r, "id"); id != "" {
		params["id"] = id
	}

	req := capability.CallRequest{Params: params}

	if c.Method == http.MethodGet || c.Method == http.MethodDelete {
		q := r.URL.Query()
		for name := range q {
			params[name] = q.Get(name)
		}
		req.Query = q
		return req, nil
	}

	if r.Body == nil {
		return req, nil
	}
	var body map[string]any
	limited := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(limited)
	if err := dec.Decode(&body); err != nil {
		if err.Error() == "EOF" {
			return req, nil
		}
		return req, fmt.Errorf("invalid request body")
	}
	for k, v := range body {
		params[k] = v
	}
	req.Body = body
	return req, nil
}
