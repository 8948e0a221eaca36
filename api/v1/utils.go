package v1

import (
	"net"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"

	"sitepulse/internal/ingest"
)

// proxyHeaders are consulted after X-Forwarded-For, in order.
var proxyHeaders = []string{"X-Real-IP", "CF-Connecting-IP", "True-Client-IP", "X-Client-IP"}

// clientIP returns the first public address the request was forwarded for,
// or "" when only private or unparseable addresses are present.
func clientIP(c *fiber.Ctx) string {
	if ip := firstPublicIP(strings.Split(c.Get(fiber.HeaderXForwardedFor), ",")); ip != "" {
		return ip
	}
	for _, header := range proxyHeaders {
		if ip := firstPublicIP([]string{c.Get(header)}); ip != "" {
			return ip
		}
	}
	if ip := firstPublicIP(forwardedFor(c.Get(fiber.HeaderForwarded))); ip != "" {
		return ip
	}
	return firstPublicIP([]string{c.Context().RemoteAddr().String()})
}

// firstPublicIP prefers the first public IPv4 address and falls back to the
// first public IPv6 one.
func firstPublicIP(values []string) string {
	var v6 string
	for _, raw := range values {
		addr, ok := parseAddr(raw)
		if !ok || ingest.IsPrivateIP(net.IP(addr.AsSlice())) {
			continue
		}
		if addr.Is4() {
			return addr.String()
		}
		if v6 == "" {
			v6 = addr.String()
		}
	}
	return v6
}

// parseAddr accepts bare addresses, host:port, bracketed IPv6, quoted values
// and zoned addresses. IPv4-mapped IPv6 addresses are unmapped.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if s == "" {
		return netip.Addr{}, false
	}

	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}

	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// forwardedFor extracts the for= values of an RFC 7239 Forwarded header.
func forwardedFor(header string) []string {
	var out []string
	for _, entry := range strings.Split(header, ",") {
		for _, pair := range strings.Split(entry, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && strings.EqualFold(key, "for") {
				out = append(out, value)
			}
		}
	}
	return out
}
