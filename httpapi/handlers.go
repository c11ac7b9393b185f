package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/agentwire/agentwire"
	"github.com/agentwire/agentwire/events"
)

// runBody is the request payload for run and connect.
type runBody struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
	events.RunInput
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCoordinatorError maps coordinator sentinel errors to HTTP statuses.
// Not-found deliberately covers scope mismatches as well.
func (rt *router) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agentwire.ErrThreadNotFound), errors.Is(err, agentwire.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, agentwire.ErrThreadAlreadyRunning):
		writeError(w, http.StatusConflict, "Thread already has an active run")
	case errors.Is(err, agentwire.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, agentwire.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, "Invalid scope")
	default:
		rt.config.Logger.WithError(err).Error("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleRun starts a run and streams its live feed as SSE.
func (rt *router) handleRun(w http.ResponseWriter, r *http.Request) {
	sc, ok := rt.resolveScope(w, r)
	if !ok {
		return
	}

	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	handle, err := rt.coord.Run(r.Context(), agentwire.RunRequest{
		AgentID:  r.PathValue("agentId"),
		ThreadID: body.ThreadID,
		RunID:    body.RunID,
		Input:    &body.RunInput,
		Scope:    sc,
	})
	if err != nil {
		rt.writeCoordinatorError(w, err)
		return
	}

	stream, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	streamSubscription(r, stream, nil, handle.Events)
}

// handleConnect replays a thread's transcript and follows any in-flight
// run live.
func (rt *router) handleConnect(w http.ResponseWriter, r *http.Request) {
	sc, ok := rt.resolveScope(w, r)
	if !ok {
		return
	}

	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	res, err := rt.coord.Connect(r.Context(), body.ThreadID, sc)
	if err != nil {
		rt.writeCoordinatorError(w, err)
		return
	}

	stream, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	streamSubscription(r, stream, res.Replay, res.Live)
}

// handleStop requests a graceful stop of a thread's active run.
func (rt *router) handleStop(w http.ResponseWriter, r *http.Request) {
	sc, ok := rt.resolveScope(w, r)
	if !ok {
		return
	}
	if !rt.coord.HasAgent(r.PathValue("agentId")) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	stopped, err := rt.coord.Stop(r.Context(), body.ThreadID, sc)
	if err != nil {
		rt.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// handleListThreads pages over the caller's threads.
func (rt *router) handleListThreads(w http.ResponseWriter, r *http.Request) {
	sc, ok := rt.resolveScope(w, r)
	if !ok {
		return
	}

	limit := parseInt(r, "limit", 0)
	offset := parseInt(r, "offset", 0)

	page, err := rt.coord.ListThreads(r.Context(), sc, limit, offset)
	if err != nil {
		rt.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetThread returns one thread's metadata.
func (rt *router) handleGetThread(w http.ResponseWriter, r *http.Request) {
	sc, ok := rt.resolveScope(w, r)
	if !ok {
		return
	}

	md, err := rt.coord.GetThread(r.Context(), r.PathValue("threadId"), sc)
	if err != nil {
		rt.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// handleDeleteThread deletes a thread and its transcript.
func (rt *router) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	sc, ok := rt.resolveScope(w, r)
	if !ok {
		return
	}

	if err := rt.coord.DeleteThread(r.Context(), r.PathValue("threadId"), sc); err != nil {
		rt.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleInfo reports the version and agent catalog.
func (rt *router) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": agentwire.Version,
		"agents":  rt.coord.AgentNames(),

		// Transcription lives outside this server; the flag stays for
		// client compatibility.
		"audioFileTranscriptionEnabled": false,
	})
}

// parseInt reads an integer query parameter with a default.
func parseInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
