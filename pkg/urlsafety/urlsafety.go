// Package urlsafety implements the SSRF-hardening checks applied to every
// client-supplied URL (source_url, notify_url) before the manager acts on
// it, and again at send time to resist DNS rebinding.
package urlsafety

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Checker validates candidate URLs against a configured policy.
type Checker struct {
	AllowedHostSuffixes []string
	AllowPrivateNetworks bool
	Resolver             *net.Resolver
}

// NewChecker builds a Checker with the net package's default resolver.
func NewChecker(allowedHostSuffixes []string, allowPrivateNetworks bool) *Checker {
	return &Checker{
		AllowedHostSuffixes: allowedHostSuffixes,
		AllowPrivateNetworks: allowPrivateNetworks,
		Resolver:             net.DefaultResolver,
	}
}

// ValidateStatic performs the admission-time checks that do not require
// network access: scheme, credentials, host shape, allow-list membership,
// and (when the host is itself an IP literal) the private/reserved check.
func (c *Checker) ValidateStatic(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url: empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("url: malformed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url: disallowed scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("url: credentials in URL are not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url: missing host")
	}
	if strings.EqualFold(host, "localhost") {
		if !c.AllowPrivateNetworks {
			return nil, fmt.Errorf("url: localhost is not a public host")
		}
	}
	if len(c.AllowedHostSuffixes) > 0 && !hostMatchesAnySuffix(host, c.AllowedHostSuffixes) {
		return nil, fmt.Errorf("url: host %q is not in the allowed host list", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if !c.AllowPrivateNetworks && isDisallowedIP(ip) {
			return nil, fmt.Errorf("url: host resolves to a non-public address")
		}
	}
	return u, nil
}

// ValidateWithDNS performs the static checks and, for hostnames (not IP
// literals), resolves the host and requires every returned address be
// public, closing the DNS-rebinding gap a static-only check leaves open.
func (c *Checker) ValidateWithDNS(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := c.ValidateStatic(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return u, nil // already checked as a literal in ValidateStatic
	}
	if c.AllowPrivateNetworks {
		return u, nil
	}
	ips, err := c.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("url: dns resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("url: dns resolution for %q returned no addresses", host)
	}
	for _, addr := range ips {
		if isDisallowedIP(addr.IP) {
			return nil, fmt.Errorf("url: host %q resolves to a non-public address %s", host, addr.IP)
		}
	}
	return u, nil
}

// isDisallowedIP reports whether ip is loopback, link-local, private, or
// otherwise reserved and so unreachable as a legitimate public endpoint.
func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast() {
		return true
	}
	// Reserved IPv4 blocks: "this network" and the 240/4 future-use range
	// (which also covers the limited broadcast address).
	for _, cidr := range []string{"0.0.0.0/8", "240.0.0.0/4"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// hostMatchesAnySuffix reports whether host equals one of suffixes or is a
// subdomain of one, case-insensitively.
func hostMatchesAnySuffix(host string, suffixes []string) bool {
	for _, s := range suffixes {
		if HostMatchesSuffix(host, s) {
			return true
		}
	}
	return false
}

// HostMatchesSuffix reports whether host equals domain or ends with
// "."+domain, case-insensitively. Shared with pkg/priorities, which applies
// the identical rule to notify_url hosts for priority-domain matching.
func HostMatchesSuffix(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
