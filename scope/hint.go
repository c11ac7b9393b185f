package scope

import (
	"net/http"
	"net/url"
	"strings"
)

// Hint is the client-declared scope hint parsed from the request.
//
// Declared distinguishes "header absent" from "header present but empty":
// an empty header is forwarded to the resolver as the empty string, and it
// is resolver policy whether to reject it.
type Hint struct {
	Declared bool
	IDs      []string
}

// Single returns the hint as a single id when exactly one was declared.
func (h Hint) Single() (string, bool) {
	if h.Declared && len(h.IDs) == 1 {
		return h.IDs[0], true
	}
	return "", false
}

// ParseClientHint reads the X-CopilotKit-Resource-ID header.
//
// Absent header → undeclared hint. A single value is URI-decoded. A
// comma-separated value becomes a list with each item trimmed; empty items
// and duplicates are preserved for the resolver to judge.
func ParseClientHint(r *http.Request) Hint {
	values, ok := r.Header[http.CanonicalHeaderKey(HeaderResourceID)]
	if !ok || len(values) == 0 {
		return Hint{}
	}

	raw := values[0]
	if !strings.Contains(raw, ",") {
		return Hint{Declared: true, IDs: []string{decode(raw)}}
	}

	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, decode(strings.TrimSpace(p)))
	}
	return Hint{Declared: true, IDs: ids}
}

func decode(s string) string {
	if dec, err := url.QueryUnescape(s); err == nil {
		return dec
	}
	return s
}
