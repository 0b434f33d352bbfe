// Package geo resolves client IP addresses to coordinates, caching every
// answer in the shared store and falling back to fixed values when the
// address is unroutable or the lookup service has no data.
package geo

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
)

const (
	// DefaultFallbackIP replaces private and test addresses before lookup.
	DefaultFallbackIP = "129.42.38.1"

	keyPrefix = "geo:"
)

// NoData is the location reported when the lookup service knows nothing
// about an address.
var NoData = Point{Latitude: 25.443275, Longitude: -70.576172}

// Reserved documentation ranges that never geolocate.
var testNets = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Point is a latitude/longitude pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Lookup is the external IP geolocation service. found is false when the
// service answered but had no coordinates.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (p Point, found bool, err error)
}

// Options configures a Resolver.
type Options struct {
	FallbackIP string
	Logger     *slog.Logger
}

// Resolver resolves addresses through a Lookup with a cache in front.
type Resolver struct {
	store      kv.Store
	lookup     Lookup
	fallbackIP string
	log        *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store kv.Store, lookup Lookup, opts Options) *Resolver {
	if opts.FallbackIP == "" {
		opts.FallbackIP = DefaultFallbackIP
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		store:      store,
		lookup:     lookup,
		fallbackIP: opts.FallbackIP,
		log:        opts.Logger.WithGroup("geo"),
	}
}

// Resolve returns the coordinates for ip. Lookup failures are returned
// wrapped in models.ErrExternalService and nothing is cached.
func (r *Resolver) Resolve(ctx context.Context, ip string) (Point, error) {
	var cached Point
	found, err := kv.GetJSON(ctx, r.store, keyPrefix+ip, &cached)
	if err != nil {
		r.log.Warn("geo cache read failed", "ip", ip, "error", err)
	}
	if found {
		return cached, nil
	}

	queryIP := ip
	if IsUnroutable(ip) {
		queryIP = r.fallbackIP
	}

	p, ok, err := r.lookup.Lookup(ctx, queryIP)
	if err != nil {
		return Point{}, fmt.Errorf("%w: geolocating %s: %v", models.ErrExternalService, queryIP, err)
	}
	if !ok {
		r.log.Debug("no geolocation data, using fallback", "ip", ip, "query_ip", queryIP)
		p = NoData
	}

	if err := kv.SetJSON(ctx, r.store, keyPrefix+ip, p, 0); err != nil {
		r.log.Warn("geo cache write failed", "ip", ip, "error", err)
	}
	return p, nil
}

// IsUnroutable reports whether ip is private, loopback, link-local, a
// documentation range or not an address at all.
func IsUnroutable(ip string) bool {
	if strings.HasPrefix(ip, "192.168") {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return true
	}
	for _, n := range testNets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
