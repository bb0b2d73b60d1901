package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxSlugLength caps the name-derived part of a generated subdomain.
	MaxSlugLength = 20
	// MaxSubdomainLength is the maximum allowed subdomain length.
	MaxSubdomainLength = 63
)

var (
	subdomainRegex  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]`)
)

// NormalizeSubdomain normalizes a requested subdomain (lowercase, trim).
func NormalizeSubdomain(subdomain string) string {
	return strings.ToLower(strings.TrimSpace(subdomain))
}

// IsValidSubdomain checks if a subdomain is usable as a URL path prefix.
func IsValidSubdomain(subdomain string) bool {
	if subdomain == "" || len(subdomain) > MaxSubdomainLength {
		return false
	}
	return subdomainRegex.MatchString(subdomain)
}

// SlugFromName derives a subdomain candidate from a human tunnel name:
// lowercased, non-alphanumerics stripped, first 20 characters.
func SlugFromName(name string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(name), "")
	if len(slug) > MaxSlugLength {
		slug = slug[:MaxSlugLength]
	}
	return slug
}

// CandidateSubdomain returns the nth collision-avoidance candidate for a
// slug: the slug itself for n==0, then slug-1, slug-2, …
func CandidateSubdomain(slug string, n int) string {
	if n == 0 {
		return slug
	}
	return fmt.Sprintf("%s-%d", slug, n)
}

// TimeSuffixedSubdomain is the last-resort candidate after suffix attempts
// are exhausted.
func TimeSuffixedSubdomain(slug string) string {
	return fmt.Sprintf("%s-%d", slug, time.Now().UnixMilli())
}
