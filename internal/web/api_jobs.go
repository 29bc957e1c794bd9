package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/bigcontext/internal/chunker"
	"github.com/haasonsaas/bigcontext/internal/observability"
	"github.com/haasonsaas/bigcontext/internal/scheduler"
	"github.com/haasonsaas/bigcontext/internal/store"
	"github.com/haasonsaas/bigcontext/internal/tokens"
)

// StartJobRequest is the body of POST /chunk-process.
type StartJobRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	Instruction      string `json:"instruction"`
	ModelID          string `json:"model_id"`
	EnableStitchPass bool   `json:"enable_stitch_pass"`
}

// StartJobResponse acknowledges an accepted job.
type StartJobResponse struct {
	JobID       string `json:"job_id"`
	TotalChunks int    `json:"total_chunks"`
}

// apiStartJob handles POST /chunk-process. With ?estimate=true it returns a
// cost preview without creating anything.
func (h *Handler) apiStartJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" || req.Text == "" || req.Instruction == "" || req.ModelID == "" {
		h.jsonError(w, "chat_id, text, instruction, and model_id are required", http.StatusBadRequest)
		return
	}

	model, err := h.config.Catalog.Get(ctx, req.ModelID)
	if err != nil {
		h.jsonError(w, "Failed to look up model", http.StatusInternalServerError)
		return
	}
	if model == nil {
		h.jsonError(w, fmt.Sprintf("unknown model %q", req.ModelID), http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("estimate") == "true" {
		est, err := h.config.Estimator.Estimate(ctx, req.ModelID, req.Text, req.Instruction)
		if err != nil {
			h.jsonError(w, "Failed to compute estimate", http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, http.StatusOK, est)
		return
	}

	budget := chunker.MaxChunkTokens(model.ContextLength, tokens.Estimate(req.Instruction), model.MaxOutputTokens)
	pieces := chunker.Split(req.Text, budget)
	if len(pieces) == 0 {
		h.jsonError(w, "text contains no processable content", http.StatusBadRequest)
		return
	}

	if err := h.config.Store.EnsureChat(ctx, req.ChatID); err != nil {
		h.jsonError(w, "Failed to prepare chat", http.StatusInternalServerError)
		return
	}

	jobID := uuid.NewString()
	job := &store.Job{
		ID:               jobID,
		ChatID:           req.ChatID,
		Status:           store.JobProcessing,
		TotalChunks:      len(pieces),
		Instruction:      req.Instruction,
		ModelID:          req.ModelID,
		EnableStitchPass: req.EnableStitchPass,
	}
	chunks := make([]*store.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &store.Chunk{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Index:     piece.Index,
			InputText: piece.Text,
			Status:    store.ChunkPending,
		}
	}
	if err := h.config.Store.CreateJob(ctx, job, chunks); err != nil {
		h.jsonError(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	notice := &store.Message{
		ID:      uuid.NewString(),
		ChatID:  req.ChatID,
		JobID:   jobID,
		Role:    "system",
		Content: fmt.Sprintf("Processing document in %d chunks with %s.", len(pieces), req.ModelID),
	}
	if err := h.config.Store.AppendMessage(ctx, notice); err != nil {
		h.config.Logger.Warn(ctx, "append job-started message", "error", err)
	}

	go h.runJob(jobID)

	h.jsonResponse(w, http.StatusAccepted, StartJobResponse{JobID: jobID, TotalChunks: len(pieces)})
}

// runJob drives the scheduler detached from the request. A scheduler-level
// failure marks the job failed and leaves the canned failure artifact.
func (h *Handler) runJob(jobID string) {
	ctx := observability.AddJobID(context.Background(), jobID)
	err := h.config.Scheduler.Run(ctx, jobID)
	if err == nil {
		return
	}
	h.config.Logger.Error(ctx, "scheduler failed", "error", err)

	if err := h.config.Store.SetJobStatus(ctx, jobID, store.JobFailed); err != nil {
		h.config.Logger.Error(ctx, "mark job failed", "error", err)
		return
	}
	job, err := h.config.Store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	exists, err := h.config.Store.HasAssistantMessage(ctx, jobID)
	if err != nil || exists {
		return
	}
	msg := &store.Message{
		ID:      uuid.NewString(),
		ChatID:  job.ChatID,
		JobID:   jobID,
		Role:    "assistant",
		Content: scheduler.FailureNotice,
	}
	if err := h.config.Store.AppendMessage(ctx, msg); err != nil {
		h.config.Logger.Error(ctx, "append failure notice", "error", err)
	}
}

// apiJobAction routes /chunk-process/{id}/{stream|cancel|retry|resume}.
func (h *Handler) apiJobAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/chunk-process/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	jobID, action := parts[0], parts[1]

	switch action {
	case "stream":
		h.apiStreamJob(w, r, jobID)
	case "cancel":
		h.apiCancelJob(w, r, jobID)
	case "retry":
		h.apiRetryJob(w, r, jobID)
	case "resume":
		h.apiResumeJob(w, r, jobID)
	default:
		h.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// loadJob fetches the job or writes the 404, returning nil on any miss.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request, jobID string) *store.Job {
	job, err := h.config.Store.GetJob(r.Context(), jobID)
	if err != nil {
		h.jsonError(w, "Failed to load job", http.StatusInternalServerError)
		return nil
	}
	if job == nil {
		h.jsonError(w, "Job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func (h *Handler) apiCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	job := h.loadJob(w, r, jobID)
	if job == nil {
		return
	}
	if job.Status.Terminal() {
		h.jsonError(w, fmt.Sprintf("job is already %s", job.Status), http.StatusConflict)
		return
	}

	if err := h.config.Store.SetJobStatus(ctx, jobID, store.JobCancelled); err != nil {
		h.jsonError(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	cancelled, err := h.config.Store.CancelOpenChunks(ctx, jobID)
	if err != nil {
		h.jsonError(w, "Failed to cancel chunks", http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info(ctx, "job cancelled", "job_id", jobID, "chunks_cancelled", cancelled)
	h.jsonResponse(w, http.StatusOK, map[string]any{"status": store.JobCancelled, "chunks_cancelled": cancelled})
}

func (h *Handler) apiRetryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	job := h.loadJob(w, r, jobID)
	if job == nil {
		return
	}

	reset, err := h.config.Store.ResetChunks(ctx, jobID, store.ChunkFailed)
	if err != nil {
		h.jsonError(w, "Failed to reset chunks", http.StatusInternalServerError)
		return
	}
	if reset == 0 {
		h.jsonError(w, "no failed chunks to retry", http.StatusConflict)
		return
	}

	if err := h.config.Store.AddCompletedChunks(ctx, jobID, -int(reset)); err != nil {
		h.jsonError(w, "Failed to rewind progress counter", http.StatusInternalServerError)
		return
	}
	if err := h.config.Store.SetJobStatus(ctx, jobID, store.JobProcessing); err != nil {
		h.jsonError(w, "Failed to restart job", http.StatusInternalServerError)
		return
	}

	go h.runJob(jobID)

	h.config.Logger.Info(ctx, "retrying failed chunks", "job_id", jobID, "chunks_reset", reset)
	h.jsonResponse(w, http.StatusAccepted, map[string]any{"status": store.JobProcessing, "chunks_reset": reset})
}

func (h *Handler) apiResumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	job := h.loadJob(w, r, jobID)
	if job == nil {
		return
	}
	if job.Status.Terminal() {
		h.jsonError(w, fmt.Sprintf("cannot resume a %s job", job.Status), http.StatusConflict)
		return
	}

	// Orphaned in-flight chunks go back to pending; completed and failed
	// rows keep their outcomes.
	if _, err := h.config.Store.ResetChunks(ctx, jobID, store.ChunkProcessing); err != nil {
		h.jsonError(w, "Failed to reset chunks", http.StatusInternalServerError)
		return
	}

	chunks, err := h.config.Store.ListChunks(ctx, jobID)
	if err != nil {
		h.jsonError(w, "Failed to list chunks", http.StatusInternalServerError)
		return
	}
	finished := 0
	for _, c := range chunks {
		if c.Status == store.ChunkCompleted || c.Status == store.ChunkFailed {
			finished++
		}
	}
	if err := h.config.Store.SetCompletedChunks(ctx, jobID, finished); err != nil {
		h.jsonError(w, "Failed to recompute progress counter", http.StatusInternalServerError)
		return
	}
	if err := h.config.Store.SetJobStatus(ctx, jobID, store.JobProcessing); err != nil {
		h.jsonError(w, "Failed to restart job", http.StatusInternalServerError)
		return
	}

	go h.runJob(jobID)

	h.config.Logger.Info(ctx, "job resumed", "job_id", jobID, "completed_chunks", finished)
	h.jsonResponse(w, http.StatusAccepted, map[string]any{"status": store.JobProcessing, "completed_chunks": finished})
}
