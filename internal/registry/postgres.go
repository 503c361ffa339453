package registry

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Registry backed by a Postgres table, selected when
// DATABASE_URL is configured. Grounded on the teacher's
// pkg/tenants/postgres.go EnsureSchema/upsert idiom, narrowed to the single
// table this registry needs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens pool and ensures the backing table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the registrations table if absent. Safe to call
// repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS site_registrations (
  slug         text PRIMARY KEY,
  site_name    text NOT NULL,
  site_url     text NOT NULL,
  api_url      text NOT NULL,
  open_api_url text NOT NULL,
  rate_limit   integer NOT NULL,
  spec_json    jsonb NOT NULL,
  created_at   timestamptz NOT NULL DEFAULT now(),
  seq          bigserial
);
`)
	return err
}

func (p *PostgresStore) Register(ctx context.Context, reg SiteRegistration, specJSON []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO site_registrations (slug, site_name, site_url, api_url, open_api_url, rate_limit, spec_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (slug) DO UPDATE SET
  site_name = EXCLUDED.site_name,
  site_url = EXCLUDED.site_url,
  api_url = EXCLUDED.api_url,
  open_api_url = EXCLUDED.open_api_url,
  rate_limit = EXCLUDED.rate_limit,
  spec_json = EXCLUDED.spec_json,
  created_at = EXCLUDED.created_at
`, reg.Slug, reg.SiteName, reg.SiteURL, reg.APIURL, reg.OpenAPIURL, reg.RateLimit, specJSON, reg.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, slug string) (Entry, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT slug, site_name, site_url, api_url, open_api_url, rate_limit, spec_json, created_at
FROM site_registrations WHERE slug = $1`, slug)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]SiteRegistration, error) {
	entries, err := p.ListWithSpecs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SiteRegistration, len(entries))
	for i, e := range entries {
		out[i] = e.SiteRegistration
	}
	return out, nil
}

func (p *PostgresStore) ListWithSpecs(ctx context.Context) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
SELECT slug, site_name, site_url, api_url, open_api_url, rate_limit, spec_json, created_at
FROM site_registrations ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, slug string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM site_registrations WHERE slug = $1`, slug)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	err := r.Scan(&e.Slug, &e.SiteName, &e.SiteURL, &e.APIURL, &e.OpenAPIURL, &e.RateLimit, &e.SpecJSON, &e.CreatedAt)
	return e, err
}
