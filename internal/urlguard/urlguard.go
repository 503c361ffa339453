// Package urlguard validates operator-supplied URLs against SSRF before the
// gateway ever dereferences them: registration's siteUrl, apiUrl, and
// openApiUrl all pass through here at registration time only (openApiUrl
// twice: once as supplied and once as the resolved spec URL).
package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Kind classifies why a URL was rejected.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindScheme       Kind = "scheme"
	KindPrivate      Kind = "private"
	KindUnresolvable Kind = "unresolvable"
)

// Error reports why validate failed. The message never leaks the
// offending URL's credentials or path — only what a caller needs to know.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func reject(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
}

var blockedIPv4 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
}

var blockedIPv6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Resolver abstracts DNS lookups so tests can stub resolution without
// touching the network. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates URLs. The zero value uses net.DefaultResolver.
type Guard struct {
	Resolver Resolver
}

func New() *Guard { return &Guard{Resolver: net.DefaultResolver} }

// Validate parses and checks url, returning nil on success or an *Error
// describing why it was rejected.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return reject(KindInvalid, "invalid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(KindScheme, "scheme must be http or https")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return reject(KindInvalid, "invalid URL")
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")

	if _, blocked := blockedHostnames[host]; blocked {
		return reject(KindPrivate, "host not allowed")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr.Unmap()) {
			return reject(KindPrivate, "address is private or reserved")
		}
		return nil
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return reject(KindUnresolvable, "host does not resolve")
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if isBlockedAddr(addr) {
			return reject(KindPrivate, "host resolves to a private or reserved address")
		}
	}
	return nil
}

// isBlockedAddr checks addr against the blocked ranges. addr must already be
// unmapped (netip.Addr.Unmap) so that IPv4-mapped IPv6 literals — whether
// written in dotted (::ffff:a.b.c.d) or 16-bit hex (::ffff:XXYY:ZZWW) form —
// are evaluated against the IPv4 ranges, not the IPv6 ones.
func isBlockedAddr(addr netip.Addr) bool {
	if addr.Is4() {
		for _, p := range blockedIPv4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	for _, p := range blockedIPv6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
