// Package gateway composes admin admission, tenant dispatch, and process
// lifecycle into the single Gateway state object the teacher's design note
// on module-level singletons asks for: no package-level "doors" map or
// global registry, everything hangs off *Gateway and is passed by
// reference into request handlers. Grounded on the teacher's
// cmd/connector-service/main.go router assembly and graceful-shutdown
// sequence.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kaylacar/agent-door/internal/door"
	"github.com/kaylacar/agent-door/internal/ratelimit"
	"github.com/kaylacar/agent-door/internal/registry"
	"github.com/kaylacar/agent-door/internal/urlguard"
	"github.com/kaylacar/agent-door/pkg/config"
	"github.com/kaylacar/agent-door/pkg/httpmw"
	"github.com/kaylacar/agent-door/pkg/metrics"
	"github.com/kaylacar/agent-door/pkg/policyfile"
)

// defaultReservedSlugs are always off-limits for a tenant slug, regardless
// of policy file configuration. A Gateway's own reservedSlugs field starts
// from this set and grows with anything policyfile.Policy.ReservedSlugs adds.
var defaultReservedSlugs = map[string]struct{}{
	"register": {}, "sites": {}, "health": {}, "admin": {}, "api": {},
	"static": {}, "assets": {}, "favicon.ico": {}, "robots.txt": {}, ".well-known": {},
}

const (
	maxRegisterBodyBytes = 100 * 1024
	maxSpecBytes         = 5 * 1024 * 1024
	registrationLimit    = 10
	adminOpLimit         = 20
)

// tenantState bundles a live tenant's registration record with its Door.
type tenantState struct {
	reg  registry.SiteRegistration
	door *door.Door
}

// ssrfGuard is the subset of *urlguard.Guard the gateway depends on,
// narrowed to an interface so registration tests can swap in a permissive
// stub instead of routing real DNS/IP checks through a loopback test server.
type ssrfGuard interface {
	Validate(ctx context.Context, rawURL string) error
}

// Gateway is the top-level request-dispatch and admin-admission engine.
type Gateway struct {
	cfg config.Config
	log *zap.SugaredLogger
	reg registry.Registry

	guard      ssrfGuard
	httpClient *http.Client

	mu      sync.RWMutex
	tenants map[string]*tenantState

	adminLimiter  *ratelimit.Limiter
	reservedSlugs map[string]struct{}

	router chi.Router
	srv    *http.Server
}

// New constructs a Gateway, restores any tenants persisted in reg, and
// builds the HTTP router. It does not start listening. policy may be the
// zero Policy if no GATEWAY_POLICY_FILE was configured.
func New(cfg config.Config, log *zap.SugaredLogger, reg registry.Registry, policy policyfile.Policy) (*Gateway, error) {
	reserved := make(map[string]struct{}, len(defaultReservedSlugs))
	for s := range defaultReservedSlugs {
		reserved[s] = struct{}{}
	}
	policy.MergeReservedSlugs(reserved)

	g := &Gateway{
		cfg:           cfg,
		log:           log,
		reg:           reg,
		guard:         urlguard.New(),
		httpClient:    &http.Client{Timeout: cfg.FetchTimeout},
		tenants:       map[string]*tenantState{},
		adminLimiter:  ratelimit.New(),
		reservedSlugs: reserved,
	}
	g.cfg.CORSOrigins = policy.MergeCORSOrigins(g.cfg.CORSOrigins)
	g.restore(context.Background())
	g.router = g.buildRouter()
	return g, nil
}

func (g *Gateway) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(httpmw.RequestID())
	r.Use(httpmw.Metrics(metrics.HTTPRequestsTotal))
	r.Use(httpmw.Recover(g.log))
	r.Use(httpmw.DebugWriteHeader())
	r.Use(httpmw.Tracing())

	r.Get("/", g.handleLiveness)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(ar chi.Router) {
		ar.Use(g.adminAuth)
		ar.Post("/register", g.handleRegister)
		ar.Get("/sites", g.handleListSites)
		ar.Get("/sites/{slug}", g.handleSiteDetail)
		ar.Delete("/sites/{slug}", g.handleDeleteSite)
	})

	r.NotFound(g.handleTenantDispatch)
	return r
}

// Handler exposes the assembled router, primarily for tests.
func (g *Gateway) Handler() http.Handler { return g.router }

// Run starts the HTTP server and blocks until ctx is cancelled, then drains
// in-flight requests with a bounded wait before tearing down every tenant
// and closing the registry.
func (g *Gateway) Run(ctx context.Context) error {
	g.srv = &http.Server{Addr: ":" + strconv.Itoa(g.cfg.Port), Handler: g.router}

	errCh := make(chan error, 1)
	go func() {
		g.log.Infow("agent-door listening", "port", g.cfg.Port)
		if err := g.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.srv.Shutdown(shutdownCtx); err != nil {
		g.log.Warnw("forced shutdown", "err", err)
	}

	g.mu.Lock()
	for slug, t := range g.tenants {
		t.door.Destroy()
		delete(g.tenants, slug)
	}
	g.mu.Unlock()
	g.adminLimiter.Destroy()

	return g.reg.Close()
}
