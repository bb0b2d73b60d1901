// Package geo resolves client IPs to country codes. The concrete
// geolocation service lives outside this process; only the seam and the
// private-range short-circuit are implemented here.
package geo

import (
	"context"

	"github.com/burrowlabs/burrow/pkg/utils"
)

// LocalCountry is returned for loopback/private addresses without any
// network call.
const LocalCountry = "LOCAL"

// Resolver maps an IP address to an ISO country code. An empty string
// means unresolvable; errors are advisory and never fail a request.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ip string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, ip string) (string, error) {
	return f(ctx, ip)
}

// Noop resolves nothing; used when no geolocation backend is configured.
var Noop Resolver = ResolverFunc(func(context.Context, string) (string, error) {
	return "", nil
})

// CountryResolver wraps an inner resolver with the private-range
// short-circuit.
type CountryResolver struct {
	inner Resolver
}

// New wraps a backend resolver; nil falls back to Noop.
func New(inner Resolver) *CountryResolver {
	if inner == nil {
		inner = Noop
	}
	return &CountryResolver{inner: inner}
}

// Resolve returns LOCAL for 127.*, 192.168.*, 10.* and "unknown" without
// touching the backend, otherwise defers to it.
func (r *CountryResolver) Resolve(ctx context.Context, ip string) (string, error) {
	if utils.IsPrivateIP(ip) {
		return LocalCountry, nil
	}
	return r.inner.Resolve(ctx, ip)
}
