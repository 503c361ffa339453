// Package policyfile loads an optional bootstrap policy document that
// extends the gateway's built-in reserved-slug list and CORS allowlist
// before the process starts accepting registrations. Grounded on the
// teacher's internal/adminapi/registry.go directory-of-YAML-specs loader,
// narrowed from "a directory of connector specs" to "one policy document"
// since the gateway has no per-connector registry of its own.
package policyfile

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the bootstrap document read from GATEWAY_POLICY_FILE.
type Policy struct {
	ReservedSlugs []string `yaml:"reserved_slugs"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

// Load reads and parses path. An empty path is not an error: it means no
// policy file was configured, and Load returns a zero Policy.
func Load(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Policy{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	for i, s := range p.ReservedSlugs {
		p.ReservedSlugs[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return p, nil
}

// MergeReservedSlugs adds every slug in p.ReservedSlugs to base, in place.
func (p Policy) MergeReservedSlugs(base map[string]struct{}) {
	for _, s := range p.ReservedSlugs {
		if s != "" {
			base[s] = struct{}{}
		}
	}
}

// MergeCORSOrigins appends p.CORSOrigins after base, preserving base's
// order and skipping anything already present so a policy file can only
// widen the allowlist, never shrink what operators already configured via
// CORS_ORIGINS.
func (p Policy) MergeCORSOrigins(base []string) []string {
	if len(p.CORSOrigins) == 0 {
		return base
	}
	seen := map[string]struct{}{}
	for _, o := range base {
		seen[o] = struct{}{}
	}
	out := append([]string{}, base...)
	for _, o := range p.CORSOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
