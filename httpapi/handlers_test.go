package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentwire/agentwire"
	"github.com/agentwire/agentwire/events"
	"github.com/agentwire/agentwire/internal/logger"
	"github.com/agentwire/agentwire/scope"
	"github.com/agentwire/agentwire/storage"
)

// strictResolver authenticates every caller as userID and applies the
// strict hint policy.
func strictResolver(userID string) scope.Resolver {
	return func(r *http.Request, hint scope.Hint) (scope.Decision, error) {
		return scope.Strict([]string{userID}, hint)
	}
}

func newTestRouter(t *testing.T, resolver scope.Resolver, hooks Hooks) (http.Handler, *agentwire.Coordinator) {
	t.Helper()

	reg := agentwire.NewRegistry()
	reg.MustRegister("echo", agentwire.AgentFunc(
		func(ctx context.Context, input *events.RunInput, emit func(events.Event)) error {
			emit(events.NewTextMessageStart("m-echo", events.RoleAssistant))
			emit(events.NewTextMessageContent("m-echo", "Hello!"))
			emit(events.NewTextMessageEnd("m-echo"))
			return nil
		}))

	coord := agentwire.NewCoordinator(storage.NewMemoryStore(), reg,
		agentwire.WithLogger(logger.Nop()))
	h := NewRouter(coord, &Config{
		Resolver: resolver,
		Hooks:    hooks,
		Logger:   logger.Nop(),
	})
	return h, coord
}

// parseSSE decodes the data frames of an SSE body.
func parseSSE(t *testing.T, body string) []events.Event {
	t.Helper()
	var out []events.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE frame %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func postJSON(h http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRunEndpointStreamsSSE(t *testing.T) {
	h, coord := newTestRouter(t, strictResolver("alice"), Hooks{})

	w := postJSON(h, "/agent/echo/run", map[string]any{"threadId": "t1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	evs := parseSSE(t, w.Body.String())
	if len(evs) == 0 {
		t.Fatal("no SSE frames")
	}
	if evs[0].Type != events.TypeRunStarted {
		t.Errorf("first = %s, want RUN_STARTED", evs[0].Type)
	}
	if last := evs[len(evs)-1]; last.Type != events.TypeRunFinished {
		t.Errorf("last = %s, want RUN_FINISHED", last.Type)
	}
	coord.WaitForRun("t1")
}

func TestStreamEndsWhenClientDisconnects(t *testing.T) {
	reg := agentwire.NewRegistry()
	release := make(chan struct{})
	reg.MustRegister("block", agentwire.AgentFunc(
		func(ctx context.Context, input *events.RunInput, emit func(events.Event)) error {
			emit(events.NewTextMessageStart("m1", events.RoleAssistant))
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}))
	coord := agentwire.NewCoordinator(storage.NewMemoryStore(), reg,
		agentwire.WithLogger(logger.Nop()))
	h := NewRouter(coord, &Config{Resolver: strictResolver("alice"), Logger: logger.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodPost, "/agent/block/run",
		strings.NewReader(`{"threadId":"t1"}`)).WithContext(ctx)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(w, r)
		close(done)
	}()

	// The run outlives the departing client; the handler must not.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still streaming after client disconnect")
	}

	close(release)
	coord.WaitForRun("t1")
}

func TestRunEndpointUnknownAgent(t *testing.T) {
	h, _ := newTestRouter(t, strictResolver("alice"), Hooks{})

	w := postJSON(h, "/agent/missing/run", map[string]any{}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCoordinatorErrorMapping(t *testing.T) {
	rt := &router{config: &Config{Logger: logger.Nop()}}

	tests := []struct {
		err  error
		want int
	}{
		{agentwire.ErrThreadNotFound, http.StatusNotFound},
		{agentwire.ErrAgentNotFound, http.StatusNotFound},
		{agentwire.ErrThreadAlreadyRunning, http.StatusConflict},
		{agentwire.ErrUnauthorized, http.StatusUnauthorized},
		{agentwire.ErrInvalidScope, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		rt.writeCoordinatorError(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("writeCoordinatorError(%v) = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestDefaultResolverDeniesAll(t *testing.T) {
	reg := agentwire.NewRegistry()
	coord := agentwire.NewCoordinator(storage.NewMemoryStore(), reg,
		agentwire.WithLogger(logger.Nop()))
	h := NewRouter(coord, &Config{Logger: logger.Nop()})

	r := httptest.NewRequest(http.MethodGet, "/threads", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestWideningHintRejected(t *testing.T) {
	h, _ := newTestRouter(t, strictResolver("alice"), Hooks{})

	w := postJSON(h, "/agent/echo/run", map[string]any{},
		map[string]string{scope.HeaderResourceID: "mallory"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestThreadEndpoints(t *testing.T) {
	h, coord := newTestRouter(t, strictResolver("alice"), Hooks{})

	w := postJSON(h, "/agent/echo/run", map[string]any{"threadId": "t1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d", w.Code)
	}
	coord.WaitForRun("t1")

	t.Run("list", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/threads?limit=10", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var page storage.ThreadPage
		if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
			t.Fatal(err)
		}
		if page.Total != 1 || len(page.Threads) != 1 {
			t.Errorf("page = %+v", page)
		}
		if page.Threads[0].ResourceID != "alice" {
			t.Errorf("resourceId = %q", page.Threads[0].ResourceID)
		}
	})

	t.Run("get", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/threads/t1", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("get missing is 404", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/threads/nope", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("connect replays transcript", func(t *testing.T) {
		w := postJSON(h, "/agent/echo/connect", map[string]any{"threadId": "t1"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		evs := parseSSE(t, w.Body.String())
		if len(evs) == 0 || !events.HasTerminal(evs) {
			t.Errorf("replay incomplete: %d frames", len(evs))
		}
	})

	t.Run("stop idle thread", func(t *testing.T) {
		w := postJSON(h, "/agent/echo/stop", map[string]any{"threadId": "t1"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var res map[string]bool
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if res["stopped"] {
			t.Error("stopped = true for idle thread")
		}
	})

	t.Run("stop with unknown agent is 404", func(t *testing.T) {
		w := postJSON(h, "/agent/missing/stop", map[string]any{"threadId": "t1"}, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("delete with empty thread id is 400", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodDelete, "/threads/", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodDelete, "/threads/t1", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var res map[string]bool
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if !res["success"] {
			t.Error("success = false")
		}
	})
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	h, _ := newTestRouter(t, strictResolver("alice"), Hooks{})

	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("non-JSON 404 body: %s", w.Body.String())
	}
	if body["error"] != "Not found" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestInfoEndpoint(t *testing.T) {
	h, _ := newTestRouter(t, strictResolver("alice"), Hooks{})

	r := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var info struct {
		Version string   `json:"version"`
		Agents  []string `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if len(info.Agents) != 1 || info.Agents[0] != "echo" {
		t.Errorf("agents = %v", info.Agents)
	}
	if info.Version == "" {
		t.Error("version missing")
	}
}

func TestBeforeHookTimeoutIs502(t *testing.T) {
	hooks := Hooks{
		BeforeRequest: func(ctx context.Context, r *http.Request) error {
			time.Sleep(5 * time.Second)
			return nil
		},
	}
	h, _ := newTestRouter(t, strictResolver("alice"), hooks)

	r := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestBeforeHookErrorIs502(t *testing.T) {
	hooks := Hooks{
		BeforeRequest: func(ctx context.Context, r *http.Request) error {
			return context.Canceled
		},
	}
	h, _ := newTestRouter(t, strictResolver("alice"), hooks)

	r := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
