// Package ssrf rejects outbound-request targets that point back into the
// deployment: loopback, private and link-local ranges, and well-known
// internal hostnames. The batch webhook URL is caller-supplied, so it must
// pass here before the process will POST to it.
package ssrf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlocked reports a target the policy rejects.
var ErrBlocked = errors.New("host is not publicly routable")

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// cgnat is the carrier-grade NAT range, not covered by netip's Is* helpers.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// ValidateURL checks that raw is an absolute http(s) URL whose host neither
// names an internal resource nor resolves to one.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.New("url must include a hostname")
	}
	return ValidateHost(host)
}

// ValidateHost checks a bare hostname or IP literal. Hostnames that fail
// DNS resolution are allowed through: they may resolve at delivery time,
// and the delivery error stays visible to the operator either way.
func ValidateHost(host string) error {
	normalized := normalize(host)
	if normalized == "" {
		return errors.New("empty hostname")
	}

	if blockedHostnames[normalized] {
		return fmt.Errorf("%w: %s", ErrBlocked, normalized)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return fmt.Errorf("%w: %s", ErrBlocked, normalized)
		}
	}

	if addr, err := netip.ParseAddr(normalized); err == nil {
		if isInternal(addr.Unmap()) {
			return fmt.Errorf("%w: %s", ErrBlocked, normalized)
		}
		return nil
	}

	ips, err := net.LookupIP(normalized)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if isInternal(addr.Unmap()) {
			return fmt.Errorf("%w: %s resolves to %s", ErrBlocked, normalized, ip)
		}
	}
	return nil
}

// normalize lowercases, strips the trailing root dot, and unwraps IPv6
// brackets.
func normalize(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

func isInternal(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}
