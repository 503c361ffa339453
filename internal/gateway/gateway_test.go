package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaylacar/agent-door/internal/registry"
	"github.com/kaylacar/agent-door/pkg/config"
	"github.com/kaylacar/agent-door/pkg/policyfile"
)

// permissiveGuard never rejects a URL, letting tests exercise register.go's
// own validation order against a loopback httptest.Server without also
// exercising the real SSRF checks (covered separately in internal/urlguard).
type permissiveGuard struct{}

func (permissiveGuard) Validate(ctx context.Context, rawURL string) error { return nil }

func newTestGateway(t *testing.T, cfg config.Config) (*Gateway, registry.Registry) {
	t.Helper()
	reg, err := registry.NewFileStore(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	g, err := New(cfg, zap.NewNop().Sugar(), reg, policyfile.Policy{})
	require.NoError(t, err)
	g.guard = permissiveGuard{}
	t.Cleanup(func() { _ = g.reg.Close() })
	return g, reg
}

func baseCfg() config.Config {
	return config.Config{
		Port:             8080,
		AdminAPIKey:      "test-admin-key",
		CORSOrigins:      []string{"*"},
		MaxRegistrations: 5,
		FetchTimeout:     5 * time.Second,
		TrustedProxy:     false,
	}
}

const minimalOpenAPI = `{
  "openapi": "3.0.0",
  "info": {"title": "t", "version": "1.0"},
  "paths": {
    "/items": {
      "get": {"operationId": "listItems", "responses": {"200": {"description": "ok"}}}
    }
  }
}`

func newSpecServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(g *Gateway, method, path string, body map[string]any, adminKey string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if adminKey != "" {
		req.Header.Set("X-Api-Key", adminKey)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRegister_Succeeds(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	srv := newSpecServer(t, minimalOpenAPI)

	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug":     "acme",
		"siteName": "Acme",
		"siteUrl":  srv.URL,
		"apiUrl":   srv.URL,
	}, "test-admin-key")

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["ok"])

	g.mu.RLock()
	_, ok := g.tenants["acme"]
	g.mu.RUnlock()
	assert.True(t, ok)
}

func TestRegister_MissingRequiredField(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"siteName": "Acme",
		"siteUrl":  "https://example.com",
	}, "test-admin-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_InvalidSlug(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug":     "Not_Valid!",
		"siteName": "Acme",
		"siteUrl":  "https://example.com",
	}, "test-admin-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_ReservedSlug(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug":     "admin",
		"siteName": "Acme",
		"siteUrl":  "https://example.com",
	}, "test-admin-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_RateLimitOutOfRange(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug":      "acme",
		"siteName":  "Acme",
		"siteUrl":   "https://example.com",
		"rateLimit": 5000,
	}, "test-admin-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_DuplicateSlugConflicts(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	srv := newSpecServer(t, minimalOpenAPI)
	body := map[string]any{"slug": "acme", "siteName": "Acme", "siteUrl": srv.URL, "apiUrl": srv.URL}

	rec1 := doJSON(g, http.MethodPost, "/register", body, "test-admin-key")
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := doJSON(g, http.MethodPost, "/register", body, "test-admin-key")
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestRegister_QuotaExceeded(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxRegistrations = 1
	g, _ := newTestGateway(t, cfg)
	srv := newSpecServer(t, minimalOpenAPI)

	rec1 := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug": "acme", "siteName": "Acme", "siteUrl": srv.URL, "apiUrl": srv.URL,
	}, "test-admin-key")
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug": "beta", "siteName": "Beta", "siteUrl": srv.URL, "apiUrl": srv.URL,
	}, "test-admin-key")
	assert.Equal(t, http.StatusServiceUnavailable, rec2.Code)
}

func TestRegister_InvalidSpecRejected(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	srv := newSpecServer(t, `{"openapi":"3.0.0","paths":{}}`)

	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug": "acme", "siteName": "Acme", "siteUrl": srv.URL, "apiUrl": srv.URL,
	}, "test-admin-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	g.mu.RLock()
	_, ok := g.tenants["acme"]
	g.mu.RUnlock()
	assert.False(t, ok, "a failed compile must not leave a half-registered tenant")
}

func TestRegister_EleventhAttemptFromSameIPIsRateLimited(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxRegistrations = 20
	g, _ := newTestGateway(t, cfg)
	srv := newSpecServer(t, minimalOpenAPI)

	for i := 0; i < registrationLimit; i++ {
		rec := doJSON(g, http.MethodPost, "/register", map[string]any{
			"slug": fmt.Sprintf("site-%d", i), "siteName": "Site", "siteUrl": srv.URL, "apiUrl": srv.URL,
		}, "test-admin-key")
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d should succeed", i+1)
	}

	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug": "site-overflow", "siteName": "Site", "siteUrl": srv.URL, "apiUrl": srv.URL,
	}, "test-admin-key")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestAdmin_UnconfiguredFailsClosed(t *testing.T) {
	cfg := baseCfg()
	cfg.AdminAPIKey = ""
	g, _ := newTestGateway(t, cfg)
	rec := doJSON(g, http.MethodGet, "/sites", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_WrongKeyRejected(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	rec := doJSON(g, http.MethodGet, "/sites", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_ListAndDeleteSite(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	srv := newSpecServer(t, minimalOpenAPI)
	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug": "acme", "siteName": "Acme", "siteUrl": srv.URL, "apiUrl": srv.URL,
	}, "test-admin-key")
	require.Equal(t, http.StatusOK, rec.Code)

	listRec := doJSON(g, http.MethodGet, "/sites", nil, "test-admin-key")
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "acme")

	delRec := doJSON(g, http.MethodDelete, "/sites/acme", nil, "test-admin-key")
	require.Equal(t, http.StatusOK, delRec.Code)

	detailRec := doJSON(g, http.MethodGet, "/sites/acme", nil, "test-admin-key")
	assert.Equal(t, http.StatusNotFound, detailRec.Code)
}

func TestTenantDispatch_UnknownSlugIs404(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	req := httptest.NewRequest(http.MethodGet, "/ghost/.well-known/agents.txt", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantDispatch_RoutesToRegisteredTenant(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	srv := newSpecServer(t, minimalOpenAPI)
	rec := doJSON(g, http.MethodPost, "/register", map[string]any{
		"slug": "acme", "siteName": "Acme", "siteUrl": srv.URL, "apiUrl": srv.URL,
	}, "test-admin-key")
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/acme/.well-known/agents.txt", nil)
	dispatchRec := httptest.NewRecorder()
	g.Handler().ServeHTTP(dispatchRec, req)
	assert.Equal(t, http.StatusOK, dispatchRec.Code)
	assert.Contains(t, dispatchRec.Body.String(), "listItems")
}

func TestLiveness(t *testing.T) {
	g, _ := newTestGateway(t, baseCfg())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent-door")
}

func TestRestore_RebuildsTenantsFromRegistry(t *testing.T) {
	cfg := baseCfg()
	dir := t.TempDir()
	log := zap.NewNop().Sugar()

	reg, err := registry.NewFileStore(dir, log)
	require.NoError(t, err)
	err = reg.Register(context.Background(), registry.SiteRegistration{
		Slug: "acme", SiteName: "Acme", SiteURL: "https://acme.example",
		APIURL: "https://acme.example", RateLimit: 60, CreatedAt: time.Now(),
	}, []byte(minimalOpenAPI))
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg2, err := registry.NewFileStore(dir, log)
	require.NoError(t, err)
	g, err := New(cfg, log, reg2, policyfile.Policy{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.reg.Close() })

	g.mu.RLock()
	_, ok := g.tenants["acme"]
	g.mu.RUnlock()
	assert.True(t, ok)
}
