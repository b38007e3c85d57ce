package tracker

import (
	"fmt"
	"regexp"
	"strings"
)

var schemePrefix = regexp.MustCompile(`^[a-z][a-z0-9+.\-]*://`)

// NormalizeDomain reduces a URL or host to a bare lowercase host: scheme,
// "www." prefix, path, query and fragment are removed.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = schemePrefix.ReplaceAllString(d, "")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimPrefix(d, "www.")
}

// DomainMatchPolicy names a rule for comparing a result host to a target.
type DomainMatchPolicy string

// Domain match policies.
const (
	// MatchSubstring accepts equality, containment in either direction, or a
	// subdomain suffix. It is the default and knowingly matches
	// "otherexample.com" against "example.com".
	MatchSubstring DomainMatchPolicy = "substring"
	// MatchBoundary accepts equality or a "."-separated subdomain suffix only.
	MatchBoundary DomainMatchPolicy = "boundary"
)

// DefaultDomainMatch is the policy used when none is configured.
const DefaultDomainMatch = MatchSubstring

// DomainMatcher compares two normalized hosts.
type DomainMatcher func(candidate, target string) bool

// MatcherFor resolves a policy name.
func MatcherFor(policy DomainMatchPolicy) (DomainMatcher, error) {
	switch policy {
	case "", MatchSubstring:
		return SubstringMatch, nil
	case MatchBoundary:
		return BoundaryMatch, nil
	default:
		return nil, fmt.Errorf("unknown domain match policy %q", policy)
	}
}

// SubstringMatch implements MatchSubstring.
func SubstringMatch(candidate, target string) bool {
	if candidate == "" || target == "" {
		return false
	}
	return candidate == target ||
		strings.Contains(candidate, target) ||
		strings.Contains(target, candidate) ||
		isSubdomain(candidate, target) ||
		isSubdomain(target, candidate)
}

// BoundaryMatch implements MatchBoundary.
func BoundaryMatch(candidate, target string) bool {
	if candidate == "" || target == "" {
		return false
	}
	return candidate == target || isSubdomain(candidate, target) || isSubdomain(target, candidate)
}

func isSubdomain(host, parent string) bool {
	return strings.HasSuffix(host, "."+parent)
}

// Placement is where a target domain was found in a result page.
type Placement struct {
	Position int
	Result   OrganicResult
}

// LocateDomain returns the first organic result whose link matches target.
// Position is the provider-supplied rank when present, else the 1-based index.
func LocateDomain(results []OrganicResult, target string, match DomainMatcher) (Placement, bool) {
	if match == nil {
		match = SubstringMatch
	}
	want := NormalizeDomain(target)
	for i, r := range results {
		if r.Link == "" {
			continue
		}
		if !match(NormalizeDomain(r.Link), want) {
			continue
		}
		pos := r.Position
		if pos <= 0 {
			pos = i + 1
		}
		return Placement{Position: pos, Result: r}, true
	}
	return Placement{}, false
}
