package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// apiStreamJob handles GET /chunk-process/{id}/stream as a server-sent
// event stream: one `data: <snapshot>` frame per poll, a final
// `data: {"done":true}` frame before close. Errors are delivered as
// `data: {"error":...}` then close.
func (h *Handler) apiStreamJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	job := h.loadJob(w, r, jobID)
	if job == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	h.config.Metrics.StreamOpened()
	defer h.config.Metrics.StreamClosed()

	sub, err := h.config.Publisher.Subscribe(ctx, jobID)
	if err != nil {
		writeSSE(w, flusher, map[string]string{"error": err.Error()})
		return
	}

	terminal := false
	for u := range sub {
		if u.Err != nil {
			writeSSE(w, flusher, map[string]string{"error": u.Err.Error()})
			h.config.Logger.Warn(ctx, "progress stream failed", "job_id", jobID, "error", u.Err)
			return
		}
		writeSSE(w, flusher, u.Snapshot)
		terminal = u.Snapshot.Status.Terminal()
	}

	// The channel also closes on client disconnect; the done sentinel is
	// only for streams that watched the job finish.
	if terminal {
		writeSSE(w, flusher, map[string]bool{"done": true})
	}
	h.config.Logger.Debug(ctx, "progress stream closed", "job_id", jobID, "terminal", terminal)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
