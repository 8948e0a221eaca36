package ingest

import (
	"net"
	"net/url"
	"strings"
)

var privateIPBlocks = []*net.IPNet{
	parseCIDR("10.0.0.0/8"),     // RFC 1918
	parseCIDR("172.16.0.0/12"),  // RFC 1918
	parseCIDR("192.168.0.0/16"), // RFC 1918
	parseCIDR("169.254.0.0/16"), // RFC 3927 Link-Local
	parseCIDR("fc00::/7"),       // RFC 4193 Unique Local Addresses
	parseCIDR("fe80::/10"),      // RFC 4291 Link-Local
	parseCIDR("::1/128"),        // Loopback
	parseCIDR("127.0.0.0/8"),    // Loopback
}

func parseCIDR(s string) *net.IPNet {
	_, block, _ := net.ParseCIDR(s)
	return block
}

// IsPrivateIP reports whether ip is loopback, link-local or in a private range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() {
		return true
	}

	for _, block := range privateIPBlocks {
		candidate := ip

		switch len(block.IP) {
		case net.IPv4len:
			ip4 := ip.To4()
			if ip4 == nil {
				continue
			}
			candidate = ip4
		case net.IPv6len:
			candidate = ip.To16()
			if candidate == nil {
				continue
			}
		}

		if block.Contains(candidate) {
			return true
		}
	}
	return false
}

var localHostSuffixes = []string{".localhost", ".local", ".internal"}

// IsLocalURL reports whether rawURL points at a development or internal host.
func IsLocalURL(rawURL string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	for _, suffix := range localHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}

	return IsPrivateIP(net.ParseIP(host))
}
