package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kaylacar/agent-door/internal/apierr"
	"github.com/kaylacar/agent-door/internal/capability"
	"github.com/kaylacar/agent-door/internal/door"
	"github.com/kaylacar/agent-door/internal/registry"
	"github.com/kaylacar/agent-door/pkg/metrics"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,38}[a-z0-9]$`)

var registerValidate = newRegisterValidator()

func newRegisterValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("doorslug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// registerRequest mirrors POST /register's body. Pointer fields
// distinguish absent from present-but-empty so "required" and "omitempty"
// struct tags can tell a missing field from a present-but-zero one. A
// shape mismatch (e.g. a number where a string belongs) surfaces as a
// json.Unmarshal error, mapped to the same 400 a tag failure would give.
type registerRequest struct {
	Slug       *string `json:"slug" validate:"required,doorslug"`
	SiteName   *string `json:"siteName" validate:"required,min=1"`
	SiteURL    *string `json:"siteUrl" validate:"required,url"`
	APIURL     *string `json:"apiUrl" validate:"omitempty,url"`
	OpenAPIURL *string `json:"openApiUrl" validate:"omitempty,url"`
	RateLimit  *int    `json:"rateLimit" validate:"omitempty,min=1,max=1000"`
}

// formatRegisterValidationError turns the first struct-tag failure into a
// caller-facing message; spec scenarios only ever assert on the first
// rejected field, so there is no need to join every failing tag.
func formatRegisterValidationError(err error) *apierr.Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		field := strings.ToLower(e.Field())
		switch {
		case e.Tag() == "required":
			return apierr.BadRequest(field + " is required")
		case e.Tag() == "url":
			return apierr.BadRequest(field + " must be a valid URL")
		case e.Tag() == "doorslug":
			return apierr.BadRequest("slug must match ^[a-z0-9][a-z0-9-]{0,38}[a-z0-9]$")
		case field == "ratelimit":
			return apierr.BadRequest("rateLimit must be between 1 and 1000")
		case e.Tag() == "min":
			return apierr.BadRequest(field + " must not be empty")
		default:
			return apierr.BadRequest(fmt.Sprintf("%s failed validation: %s", field, e.Tag()))
		}
	}
	return apierr.BadRequest("invalid request body")
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	outcome := "internal_error"
	defer func() { metrics.RegistrationsTotal.WithLabelValues(outcome).Inc() }()

	req, err := g.decodeRegisterBody(w, r)
	if err != nil {
		outcome = "invalid"
		g.writeRegisterError(w, err)
		return
	}

	// registerRequest's field order (Slug before SiteURL/APIURL/OpenAPIURL)
	// means validator.Struct reports a bad slug before a bad URL when both
	// are wrong in the same request. No scenario pins the two failing
	// together, so this is harmless today, but a caller correcting fields
	// one validator error at a time would see the slug error first either way.
	if err := registerValidate.Struct(req); err != nil {
		outcome = "invalid"
		g.writeRegisterError(w, formatRegisterValidationError(err))
		return
	}
	if err := g.checkReservedSlug(*req.Slug); err != nil {
		outcome = "invalid"
		g.writeRegisterError(w, err)
		return
	}

	g.mu.RLock()
	count := len(g.tenants)
	_, exists := g.tenants[*req.Slug]
	g.mu.RUnlock()

	if count >= g.cfg.MaxRegistrations {
		outcome = "quota_hit"
		g.writeRegisterError(w, apierr.QuotaHit("maximum registrations reached"))
		return
	}
	if exists {
		outcome = "conflict"
		g.writeRegisterError(w, apierr.Conflicting("slug already registered"))
		return
	}

	if err := g.guardURLs(r.Context(), req); err != nil {
		outcome = "invalid"
		g.writeRegisterError(w, err)
		return
	}

	apiURL := valueOr(req.APIURL, *req.SiteURL)
	apiURL = strings.TrimRight(apiURL, "/")
	specURL := valueOr(req.OpenAPIURL, apiURL+"/openapi.json")
	if err := g.guard.Validate(r.Context(), specURL); err != nil {
		outcome = "invalid"
		g.writeRegisterError(w, apierr.BadRequest("spec URL "+err.Error()))
		return
	}

	ip := clientIP(g.cfg, r)
	rateResult := g.adminLimiter.Check("register:"+ip, registrationLimit)
	if !rateResult.Allowed {
		outcome = "rate_limited"
		w.Header().Set("Retry-After", "60")
		g.writeRegisterError(w, apierr.RateLimited("registration rate limit exceeded"))
		return
	}

	specJSON, err := g.fetchSpec(r.Context(), specURL)
	if err != nil {
		outcome = "spec_fetch_failed"
		g.writeRegisterError(w, err)
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(specJSON, &doc); err != nil {
		outcome = "spec_invalid"
		g.writeRegisterError(w, apierr.BadRequest("could not parse OpenAPI spec"))
		return
	}
	caps, compileErr := capability.Compile(doc, apiURL, g.httpClient)
	if compileErr != nil {
		outcome = "spec_invalid"
		g.writeRegisterError(w, apierr.BadRequest(compileErr.Error()))
		return
	}

	reg := registry.SiteRegistration{
		Slug:       *req.Slug,
		SiteName:   *req.SiteName,
		SiteURL:    *req.SiteURL,
		APIURL:     apiURL,
		OpenAPIURL: specURL,
		RateLimit:  valueOrInt(req.RateLimit, 60),
		CreatedAt:  timeNow(),
	}

	site := door.Site{Slug: reg.Slug, Name: reg.SiteName, URL: reg.SiteURL, RateLimit: reg.RateLimit}
	d := door.New(site, caps, g.cfg.CORSOrigins, ".well-known")
	t := &tenantState{reg: reg, door: d}

	if err := g.reg.Register(r.Context(), reg, specJSON); err != nil {
		d.Destroy()
		g.writeRegisterError(w, apierr.InternalErr("could not persist registration"))
		return
	}

	g.mu.Lock()
	g.tenants[reg.Slug] = t
	g.mu.Unlock()
	updateTenantCountMetric(g)
	outcome = "success"

	base := g.cfg.BaseURL
	if base == "" {
		base = requestBaseURL(r)
	}
	apierr.WriteOK(w, map[string]any{
		"slug":        reg.Slug,
		"gateway_url": base + "/" + reg.Slug,
		"agents_txt":  base + "/" + reg.Slug + "/.well-known/agents.txt",
		"agents_json": base + "/" + reg.Slug + "/.well-known/agents.json",
	})
}

func (g *Gateway) decodeRegisterBody(w http.ResponseWriter, r *http.Request) (registerRequest, *apierr.Error) {
	limited := http.MaxBytesReader(w, r.Body, maxRegisterBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return registerRequest{}, apierr.TooLarge("request body too large")
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return registerRequest{}, apierr.BadRequest("malformed request body")
	}
	return req, nil
}

func (g *Gateway) checkReservedSlug(slug string) *apierr.Error {
	if _, reserved := g.reservedSlugs[slug]; reserved {
		return apierr.BadRequest("slug is reserved")
	}
	return nil
}

func (g *Gateway) guardURLs(ctx context.Context, req registerRequest) *apierr.Error {
	if err := g.guard.Validate(ctx, *req.SiteURL); err != nil {
		return apierr.BadRequest("siteUrl " + err.Error())
	}
	if req.APIURL != nil && strings.TrimSpace(*req.APIURL) != "" {
		if err := g.guard.Validate(ctx, *req.APIURL); err != nil {
			return apierr.BadRequest("apiUrl " + err.Error())
		}
	}
	if req.OpenAPIURL != nil && strings.TrimSpace(*req.OpenAPIURL) != "" {
		if err := g.guard.Validate(ctx, *req.OpenAPIURL); err != nil {
			return apierr.BadRequest("openApiUrl " + err.Error())
		}
	}
	return nil
}

// fetchSpec retrieves specURL bounded by the configured fetch timeout,
// rejecting bodies over 5 MiB by Content-Length first and then by actual
// streamed size, since the header is advisory and can lie.
func (g *Gateway) fetchSpec(ctx context.Context, specURL string) ([]byte, *apierr.Error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, apierr.BadRequest("could not load OpenAPI spec")
	}
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, apierr.BadRequest("could not load OpenAPI spec")
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxSpecBytes {
		return nil, apierr.TooLarge("OpenAPI spec too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.BadRequest("could not load OpenAPI spec")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes+1))
	if err != nil {
		return nil, apierr.BadRequest("could not load OpenAPI spec")
	}
	if len(body) > maxSpecBytes {
		return nil, apierr.TooLarge("OpenAPI spec too large")
	}
	return body, nil
}

func (g *Gateway) writeRegisterError(w http.ResponseWriter, err *apierr.Error) {
	apierr.WriteError(w, err)
}

func valueOr(p *string, def string) string {
	if p == nil || strings.TrimSpace(*p) == "" {
		return def
	}
	return *p
}

func valueOrInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// timeNow returns the wall-clock time recorded as a registration's
// CreatedAt.
func timeNow() time.Time { return time.Now() }

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
