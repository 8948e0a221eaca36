// Package geo resolves a visitor's country from edge/CDN geolocation headers,
// with an optional MaxMind GeoLite2 lookup on the client IP as a fallback.
package geo

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"
)

// UnknownCountry is the sentinel code stored when no location is available.
const UnknownCountry = "XX"

// HeaderGetter returns the value of a request header, or "" when absent.
type HeaderGetter func(name string) string

// Edge headers, checked in this order.
const (
	HeaderCloudflare = "CF-IPCountry"
	HeaderVercel     = "X-Vercel-IP-Country"
	HeaderFastly     = "Fastly-Client-Country"
	HeaderAkamai     = "X-Akamai-Edgescape"
	HeaderCloudFront = "CloudFront-Viewer-Country"
	HeaderRender     = "Render-Client-Country"
)

var headerPrecedence = []string{
	HeaderCloudflare,
	HeaderVercel,
	HeaderFastly,
	HeaderAkamai,
	HeaderCloudFront,
	HeaderRender,
}

// CountryFromHeaders returns the upper-cased country code from the first
// present edge header, or "" when none carries one.
func CountryFromHeaders(get HeaderGetter) string {
	for _, name := range headerPrecedence {
		value := strings.TrimSpace(get(name))
		if value == "" {
			continue
		}
		if name == HeaderAkamai {
			value = parseEdgescape(value)
			if value == "" {
				continue
			}
		}
		return strings.ToUpper(value)
	}
	return ""
}

// parseEdgescape extracts country_code from Akamai's composite header,
// e.g. "georegion=246,country_code=US,region_code=CA,city=SANJOSE".
func parseEdgescape(value string) string {
	for _, part := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(key, "country_code") {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

// Resolver combines header resolution with an optional GeoLite2 database.
type Resolver struct {
	mu     sync.RWMutex
	path   string
	reader *geoip2.Reader
	logger *slog.Logger
}

// NewResolver opens the GeoLite2 database at path. An empty path or a missing
// file disables the IP fallback without failing.
func NewResolver(path string, logger *slog.Logger) *Resolver {
	r := &Resolver{path: path, logger: logger}
	r.reader = r.open()
	return r
}

func (r *Resolver) open() *geoip2.Reader {
	if r.path == "" {
		r.logger.Debug("GeoIP database path not configured - GeoIP fallback disabled")
		return nil
	}

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		r.logger.Info("GeoLite2 database not found - GeoIP fallback disabled",
			slog.String("path", r.path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil
	} else if err != nil {
		r.logger.Warn("Error checking GeoLite2 database file",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	db, err := geoip2.Open(r.path)
	if err != nil {
		r.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Info("GeoLite2 database initialized successfully", slog.String("path", r.path))
	return db
}

// Reload reopens the database file, e.g. after it was replaced on disk.
func (r *Resolver) Reload() {
	next := r.open()

	r.mu.Lock()
	prev := r.reader
	r.reader = next
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// Path returns the configured database path.
func (r *Resolver) Path() string {
	return r.path
}

// HasDatabase reports whether the IP fallback is active.
func (r *Resolver) HasDatabase() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Close releases the database.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// Resolve returns the country for a request: edge headers first, then the
// GeoLite2 lookup of clientIP, else UnknownCountry.
func (r *Resolver) Resolve(get HeaderGetter, clientIP string) string {
	if code := CountryFromHeaders(get); code != "" {
		return code
	}
	if r == nil {
		return UnknownCountry
	}
	return r.lookup(clientIP)
}

func (r *Resolver) lookup(clientIP string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return UnknownCountry
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return UnknownCountry
	}

	record, err := r.reader.Country(ip)
	if err != nil {
		r.logger.Debug("Error looking up country for IP", slog.Any("error", err))
		return UnknownCountry
	}
	if record.Country.IsoCode == "" {
		return UnknownCountry
	}
	return strings.ToUpper(record.Country.IsoCode)
}

var (
	countries     *gountries.Query
	countriesOnce sync.Once
)

// DisplayName maps a country code to its common English name. The sentinel
// maps to "Unknown"; codes gountries does not know become "Country (<code>)".
func DisplayName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == UnknownCountry {
		return "Unknown"
	}

	countriesOnce.Do(func() {
		countries = gountries.New()
	})

	country, err := countries.FindCountryByAlpha(code)
	if err != nil || country.Name.Common == "" {
		return "Country (" + code + ")"
	}
	return country.Name.Common
}
