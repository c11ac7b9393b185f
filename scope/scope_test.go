package scope

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		owned    []string
		scope    *ResourceScope
		expected bool
	}{
		{"admin bypass matches anything", []string{"alice"}, nil, true},
		{"single id intersects", []string{"alice"}, New("alice"), true},
		{"single id disjoint", []string{"alice"}, New("bob"), false},
		{"multi id intersects", []string{"alice", "team-1"}, NewMulti("bob", "team-1"), true},
		{"empty scope matches nothing", []string{"alice"}, NewMulti(), false},
		{"empty ownership never matches scoped caller", nil, New("alice"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.owned, tt.scope); got != tt.expected {
				t.Errorf("Matches(%v, %v) = %v, want %v", tt.owned, tt.scope, got, tt.expected)
			}
		})
	}
}

func TestParseClientHint(t *testing.T) {
	tests := []struct {
		name   string
		header *string
		want   Hint
	}{
		{"absent", nil, Hint{}},
		{"empty string preserved", ptr(""), Hint{Declared: true, IDs: []string{""}}},
		{"single value", ptr("alice"), Hint{Declared: true, IDs: []string{"alice"}}},
		{"uri decoded", ptr("team%2Fcore"), Hint{Declared: true, IDs: []string{"team/core"}}},
		{"comma separated trimmed", ptr("a, b ,c"), Hint{Declared: true, IDs: []string{"a", "b", "c"}}},
		{"empty items preserved", ptr("a,,b"), Hint{Declared: true, IDs: []string{"a", "", "b"}}},
		{"duplicates preserved", ptr("a,a"), Hint{Declared: true, IDs: []string{"a", "a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/threads", nil)
			if tt.header != nil {
				r.Header.Set(HeaderResourceID, *tt.header)
			}
			got := ParseClientHint(r)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseClientHint() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStrict(t *testing.T) {
	auth := []string{"real-user"}

	t.Run("no hint uses authoritative ids", func(t *testing.T) {
		d, err := Strict(auth, Hint{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(d.Scope.ResourceID, auth) {
			t.Errorf("scope = %v, want %v", d.Scope.ResourceID, auth)
		}
	})

	t.Run("hint within authoritative passes", func(t *testing.T) {
		d, err := Strict(auth, Hint{Declared: true, IDs: []string{"real-user"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(d.Scope.ResourceID, auth) {
			t.Errorf("scope = %v, want authoritative ids", d.Scope.ResourceID)
		}
	})

	t.Run("widening hint rejected", func(t *testing.T) {
		_, err := Strict(auth, Hint{Declared: true, IDs: []string{"attacker-user"}})
		if !errors.Is(err, ErrUnauthorizedHint) {
			t.Errorf("err = %v, want ErrUnauthorizedHint", err)
		}
	})
}

func TestFiltering(t *testing.T) {
	auth := []string{"a", "b", "c"}

	t.Run("intersection preserves hint order and duplicates", func(t *testing.T) {
		d, err := Filtering(auth, Hint{Declared: true, IDs: []string{"c", "x", "a", "c"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"c", "a", "c"}
		if !reflect.DeepEqual(d.Scope.ResourceID, want) {
			t.Errorf("scope = %v, want %v", d.Scope.ResourceID, want)
		}
	})

	t.Run("empty intersection rejected", func(t *testing.T) {
		_, err := Filtering(auth, Hint{Declared: true, IDs: []string{"x", "y"}})
		if !errors.Is(err, ErrEmptyIntersection) {
			t.Errorf("err = %v, want ErrEmptyIntersection", err)
		}
	})

	t.Run("no hint uses authoritative ids", func(t *testing.T) {
		d, err := Filtering(auth, Hint{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(d.Scope.ResourceID, auth) {
			t.Errorf("scope = %v, want %v", d.Scope.ResourceID, auth)
		}
	})
}

func TestOverride(t *testing.T) {
	d, err := Override([]string{"real-user"}, Hint{Declared: true, IDs: []string{"attacker-user"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(d.Scope.ResourceID, []string{"real-user"}) {
		t.Errorf("scope = %v, want [real-user]", d.Scope.ResourceID)
	}
}

func TestTrustHint(t *testing.T) {
	d, err := TrustHint(nil, Hint{Declared: true, IDs: []string{"alice"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Unauthorized || !reflect.DeepEqual(d.Scope.ResourceID, []string{"alice"}) {
		t.Errorf("decision = %+v", d)
	}

	d, err = TrustHint(nil, Hint{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Unauthorized {
		t.Error("expected deny with no hint")
	}
}

func TestResourceScopeJSON(t *testing.T) {
	t.Run("single id flattens to string", func(t *testing.T) {
		b, err := json.Marshal(New("alice"))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != `{"resourceId":"alice"}` {
			t.Errorf("marshal = %s", b)
		}
	})

	t.Run("string round trip", func(t *testing.T) {
		var s ResourceScope
		if err := json.Unmarshal([]byte(`{"resourceId":"alice"}`), &s); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(s.ResourceID, []string{"alice"}) {
			t.Errorf("ResourceID = %v", s.ResourceID)
		}
	})

	t.Run("array round trip", func(t *testing.T) {
		var s ResourceScope
		if err := json.Unmarshal([]byte(`{"resourceId":["a","b"]}`), &s); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(s.ResourceID, []string{"a", "b"}) {
			t.Errorf("ResourceID = %v", s.ResourceID)
		}
	})
}

func ptr(s string) *string { return &s }
