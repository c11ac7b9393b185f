package scope

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorizedHint is returned by the strict policy when the client
// hint names a resource id the caller does not hold.
var ErrUnauthorizedHint = errors.New("client-declared resource id not authorized")

// ErrEmptyIntersection is returned by the filtering policy when the client
// hint and the caller's authoritative ids share nothing.
var ErrEmptyIntersection = errors.New("client-declared resource ids match none of the caller's")

// Decision is the outcome of scope resolution.
//
// Exactly one of the three states holds:
//   - Unauthorized: the resolver declined; the request must be rejected
//     with 401 before reaching any handler.
//   - Admin (Scope == nil, Unauthorized == false): read-any bypass.
//   - Scoped (Scope != nil): access limited to the scope's resource ids.
type Decision struct {
	Scope        *ResourceScope
	Unauthorized bool
}

// Allow grants the given scope.
func Allow(s *ResourceScope) Decision { return Decision{Scope: s} }

// Admin grants the admin bypass.
func Admin() Decision { return Decision{} }

// Deny rejects the request as unauthorized.
func Deny() Decision { return Decision{Unauthorized: true} }

// Resolver maps an HTTP request and the parsed client hint to a Decision.
// The resolver owns authentication; it may return an error to fail the
// request with a 500 (policy outcomes it prefers to encode as errors).
type Resolver func(r *http.Request, hint Hint) (Decision, error)

// DenyAll is the default resolver: every request is unauthorized. A
// deployment must install its own resolver to serve traffic.
func DenyAll(*http.Request, Hint) (Decision, error) {
	return Deny(), nil
}

// Strict builds a scope from authoritative ids and requires every
// client-hinted id to be among them. A hint naming anything else fails
// with ErrUnauthorizedHint. The resulting scope is always the
// authoritative set, never the hint.
func Strict(authoritative []string, hint Hint) (Decision, error) {
	allowed := make(map[string]struct{}, len(authoritative))
	for _, id := range authoritative {
		allowed[id] = struct{}{}
	}
	if hint.Declared {
		for _, id := range hint.IDs {
			if _, ok := allowed[id]; !ok {
				return Decision{}, fmt.Errorf("%w: %q", ErrUnauthorizedHint, id)
			}
		}
	}
	return Allow(NewMulti(authoritative...)), nil
}

// Filtering intersects the client hint with the authoritative ids and
// scopes the request to the intersection, preserving the hint's order and
// duplicates. An empty intersection fails with ErrEmptyIntersection. With
// no hint declared, the authoritative ids are used as-is.
func Filtering(authoritative []string, hint Hint) (Decision, error) {
	if !hint.Declared {
		return Allow(NewMulti(authoritative...)), nil
	}
	allowed := make(map[string]struct{}, len(authoritative))
	for _, id := range authoritative {
		allowed[id] = struct{}{}
	}
	var kept []string
	for _, id := range hint.IDs {
		if _, ok := allowed[id]; ok {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return Decision{}, ErrEmptyIntersection
	}
	return Allow(NewMulti(kept...)), nil
}

// Override ignores the client hint entirely and scopes the request to the
// authoritative ids.
func Override(authoritative []string, _ Hint) (Decision, error) {
	return Allow(NewMulti(authoritative...)), nil
}

// TrustHint scopes the request to whatever resource ids the client
// declared, with no authentication at all. Requests without a hint are
// rejected. Development use only; production deployments must install a
// resolver backed by real authentication.
func TrustHint(_ *http.Request, hint Hint) (Decision, error) {
	var ids []string
	for _, id := range hint.IDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if !hint.Declared || len(ids) == 0 {
		return Deny(), nil
	}
	return Allow(NewMulti(ids...)), nil
}
