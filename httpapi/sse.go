package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/events"
)

// sseWriter frames events as server-sent events, flushing after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for SSE streaming. Returns false
// when the underlying writer cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one event frame. Marshalling failures are skipped; a frame
// is either complete or absent.
func (s *sseWriter) send(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

// streamSubscription writes the replay followed by the live subscription
// until the feed completes or the client goes away. A nil subscription
// ends the stream after the replay. A departing client is detached from
// the feed so the run does not keep filling a dead channel.
func streamSubscription(r *http.Request, s *sseWriter, replay []events.Event, sub *bus.Subscription) {
	for _, ev := range replay {
		s.send(ev)
	}
	if sub == nil {
		return
	}
	defer sub.Cancel()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.send(ev)
		case <-r.Context().Done():
			return
		}
	}
}
