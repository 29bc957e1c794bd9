package web

import (
	"net/http"
	"strings"
)

// apiChat routes /chats/{id}/{document|active-job}.
func (h *Handler) apiChat(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/chats/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	chatID, action := parts[0], parts[1]

	switch action {
	case "document":
		h.apiChatDocument(w, r, chatID)
	case "active-job":
		h.apiChatActiveJob(w, r, chatID)
	default:
		h.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// apiChatDocument reassembles the original document of the chat's latest
// job by concatenating chunk input text in index order. Overlap is not
// removed: the document is exactly what was chunked.
func (h *Handler) apiChatDocument(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	job, err := h.config.Store.LatestJobForChat(ctx, chatID)
	if err != nil {
		h.jsonError(w, "Failed to look up job", http.StatusInternalServerError)
		return
	}
	if job == nil {
		h.jsonError(w, "No job found for chat", http.StatusNotFound)
		return
	}

	chunks, err := h.config.Store.ListChunks(ctx, job.ID)
	if err != nil {
		h.jsonError(w, "Failed to list chunks", http.StatusInternalServerError)
		return
	}

	var doc strings.Builder
	for _, c := range chunks {
		doc.WriteString(c.InputText)
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"document": doc.String(),
	})
}

// apiChatActiveJob returns the chat's most recent non-terminal job.
func (h *Handler) apiChatActiveJob(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	job, err := h.config.Store.ActiveJobForChat(r.Context(), chatID)
	if err != nil {
		h.jsonError(w, "Failed to look up job", http.StatusInternalServerError)
		return
	}
	if job == nil {
		h.jsonError(w, "No active job for chat", http.StatusNotFound)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}
