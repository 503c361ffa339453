// Package registry durably stores tenant SiteRegistrations plus the raw
// OpenAPI spec bytes fetched at registration. Two backends satisfy Registry:
// a write-temp-then-rename JSON file (filestore.go, grounded on the crash-
// atomicity contract spec.md §4.6 demands directly) and an optional
// Postgres table (postgres.go, grounded on the teacher's
// pkg/tenants/postgres.go EnsureSchema/upsert idiom) selected via
// DATABASE_URL.
package registry

import (
	"context"
	"time"
)

// SiteRegistration is the persisted tenant record.
type SiteRegistration struct {
	Slug       string    `json:"slug"`
	SiteName   string    `json:"site_name"`
	SiteURL    string    `json:"site_url"`
	APIURL     string    `json:"api_url"`
	OpenAPIURL string    `json:"open_api_url"`
	RateLimit  int       `json:"rate_limit"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entry pairs a registration with the raw spec bytes retrieved for it.
type Entry struct {
	SiteRegistration
	SpecJSON []byte `json:"spec_json"`
}

// Registry is the durable tenant store contract.
type Registry interface {
	// Register inserts or replaces the registration for reg.Slug.
	Register(ctx context.Context, reg SiteRegistration, specJSON []byte) error
	// Get returns the registration for slug, or ok=false if absent.
	Get(ctx context.Context, slug string) (Entry, bool, error)
	// List returns all registrations ordered by CreatedAt ascending, ties
	// broken by insertion order.
	List(ctx context.Context) ([]SiteRegistration, error)
	// ListWithSpecs is List but including each entry's spec bytes.
	ListWithSpecs(ctx context.Context) ([]Entry, error)
	// Delete removes slug's registration, reporting whether it existed.
	Delete(ctx context.Context, slug string) (bool, error)
	// Close releases backend resources.
	Close() error
}
