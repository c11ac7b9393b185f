// Package scope implements resource-scope authorization for thread
// operations: the scope value itself, set-intersection matching, parsing
// of the client-declared scope hint header, and the resolver policies an
// application composes its own authorization from.
package scope

import "encoding/json"

// HeaderResourceID is the header carrying the client-declared scope hint.
const HeaderResourceID = "X-CopilotKit-Resource-ID"

// ResourceScope selects the tenant buckets an operation acts within.
//
// Three states matter and must not be conflated:
//   - a non-nil *ResourceScope allows access to the named resource ids;
//   - a nil *ResourceScope is the admin bypass (read any thread, but
//     never create new ones);
//   - "no scope at all" (the resolver declined) is expressed by the
//     resolver returning Decision.Unauthorized, not by a scope value.
type ResourceScope struct {
	// ResourceID holds one or more resource ids. Order and duplicates are
	// preserved as produced by the resolver.
	ResourceID []string `json:"resourceId"`

	// Properties carries optional free-form metadata recorded on thread
	// creation.
	Properties map[string]any `json:"properties,omitempty"`
}

// New returns a scope over a single resource id.
func New(resourceID string) *ResourceScope {
	return &ResourceScope{ResourceID: []string{resourceID}}
}

// NewMulti returns a scope over several resource ids.
func NewMulti(resourceIDs ...string) *ResourceScope {
	return &ResourceScope{ResourceID: resourceIDs}
}

// IDSet returns the scope's resource ids as a set.
func (s *ResourceScope) IDSet() map[string]struct{} {
	if s == nil {
		return nil
	}
	set := make(map[string]struct{}, len(s.ResourceID))
	for _, id := range s.ResourceID {
		set[id] = struct{}{}
	}
	return set
}

// IsEmpty returns true for a non-admin scope with no resource ids.
// An empty scope grants access to nothing.
func (s *ResourceScope) IsEmpty() bool {
	return s != nil && len(s.ResourceID) == 0
}

// Matches reports whether a caller with the given scope may act on a
// thread owned by resourceIDs. A nil scope is the admin bypass and
// matches everything; otherwise the two id sets must intersect.
func Matches(resourceIDs []string, s *ResourceScope) bool {
	if s == nil {
		return true
	}
	if len(s.ResourceID) == 0 {
		return false
	}
	owned := make(map[string]struct{}, len(resourceIDs))
	for _, id := range resourceIDs {
		owned[id] = struct{}{}
	}
	for _, id := range s.ResourceID {
		if _, ok := owned[id]; ok {
			return true
		}
	}
	return false
}

// MarshalJSON flattens single-id scopes to a bare string for wire
// compatibility with clients that send `resourceId: "x"`.
func (s ResourceScope) MarshalJSON() ([]byte, error) {
	type alias struct {
		ResourceID any            `json:"resourceId"`
		Properties map[string]any `json:"properties,omitempty"`
	}
	a := alias{Properties: s.Properties}
	if len(s.ResourceID) == 1 {
		a.ResourceID = s.ResourceID[0]
	} else {
		a.ResourceID = s.ResourceID
	}
	return json.Marshal(a)
}

// UnmarshalJSON accepts both a bare string and an array for resourceId.
func (s *ResourceScope) UnmarshalJSON(data []byte) error {
	var raw struct {
		ResourceID json.RawMessage `json:"resourceId"`
		Properties map[string]any  `json:"properties"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Properties = raw.Properties
	s.ResourceID = nil
	if len(raw.ResourceID) == 0 || string(raw.ResourceID) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.ResourceID, &single); err == nil {
		s.ResourceID = []string{single}
		return nil
	}
	return json.Unmarshal(raw.ResourceID, &s.ResourceID)
}
