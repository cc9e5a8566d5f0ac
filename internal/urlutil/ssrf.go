// Package urlutil implements the SSRF guard (blocked-range classification
// and full URL validation with DNS re-resolution) and the host/origin
// comparison helpers the allowlist matcher and content rewriters share.
//
// The blocked-range table is grounded on the teacher's
// internal/common/urlutil/ssrf.go, extended with the documentation/testnet
// ranges and named-hostname blocklist the mirror gateway's SSRF policy
// additionally requires.
package urlutil

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/webmirror/gateway/internal/apierr"
)

var privateRanges []*net.IPNet

func init() {
	cidrs := []string{
		// IPv4
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10", // CGNAT
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24", // TEST-NET-1
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"224.0.0.0/4",     // multicast and above

		// IPv6
		"::1/128",
		"::/128",
		"fc00::/7", // unique local
		"fd00::/8",
		"fe80::/10", // link-local
	}

	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in SSRF blocked ranges: %s", cidr))
		}
		privateRanges = append(privateRanges, ipNet)
	}
}

// blockedHostnames are rejected regardless of what they resolve to.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

// IsPrivateIP reports whether ip falls in a blocked private/reserved/metadata range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	// Unwrap IPv4-mapped IPv6 (::ffff:10.0.0.1) before range checks.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS lookups so tests can stub resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var defaultResolver Resolver = net.DefaultResolver

// AssertSafeURL validates rawURL against the SSRF policy: scheme, userinfo,
// blocked hostnames, and (after DNS resolution when the host is a name, not
// a literal) every resolved IP address. allowHTTP permits the http scheme;
// otherwise only https passes.
func AssertSafeURL(ctx context.Context, rawURL string, allowHTTP bool) error {
	return assertSafeURLWithResolver(ctx, rawURL, allowHTTP, defaultResolver)
}

func assertSafeURLWithResolver(ctx context.Context, rawURL string, allowHTTP bool, resolver Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apierr.Wrap(apierr.InvalidURL, err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !allowHTTP {
			return apierr.New(apierr.InvalidScheme)
		}
	default:
		return apierr.New(apierr.InvalidScheme)
	}

	if u.User != nil {
		return apierr.New(apierr.CredentialsNotAllowed)
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return apierr.New(apierr.EmptyHostname)
	}

	if blockedHostnames[hostname] || strings.HasSuffix(hostname, ".localhost") {
		return apierr.New(apierr.SSRFBlocked)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if IsPrivateIP(ip) {
			return apierr.New(apierr.SSRFBlocked)
		}
		return nil
	}

	addrs, err := resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return apierr.Wrap(apierr.DNSResolutionFailed, err)
	}
	if len(addrs) == 0 {
		return apierr.New(apierr.DNSResolutionFailed)
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr.IP) {
			return apierr.New(apierr.SSRFBlocked)
		}
	}
	return nil
}
