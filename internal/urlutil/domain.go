package urlutil

import (
	"net/url"
	"strings"
)

// ExtractHostname strips a trailing port from a host string. Handles
// bracketed IPv6 literals correctly (does not treat their internal colons
// as a port separator).
func ExtractHostname(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			return host[:idx+1]
		}
		return host
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		return host[:idx]
	}
	return host
}

// NormalizeHost lowercases a host and strips a leading/trailing dot, the
// normalization the allowlist applies to both stored entries and incoming
// request hosts before comparison.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.Trim(host, ".")
	return host
}

// Origin returns "<scheme>://<host>[:<port>]" for u, with no path.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// SameOrigin reports whether a and b resolve to the identical scheme+host
// authority (compared case-insensitively). The HTML/CSS rewriters do not
// call it; they compare scheme://host strings themselves.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// IsSubdomainOf reports whether host is a strict subdomain of base, i.e.
// host ends with "."+base. Both arguments must already be normalized
// (lowercased, no surrounding dots).
func IsSubdomainOf(host, base string) bool {
	return strings.HasSuffix(host, "."+base)
}
