// Package scheduler runs a job's chunks through the model under a
// concurrency cap, persists every outcome, and finalizes the job.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/bigcontext/internal/models"
	"github.com/haasonsaas/bigcontext/internal/observability"
	"github.com/haasonsaas/bigcontext/internal/provider"
	"github.com/haasonsaas/bigcontext/internal/retry"
	"github.com/haasonsaas/bigcontext/internal/stitcher"
	"github.com/haasonsaas/bigcontext/internal/store"
)

// Fixed scheduling policy.
const (
	// MaxConcurrency caps in-flight chunk workers per job.
	MaxConcurrency = 5

	// MaxRetries is the attempt budget per chunk, including the first.
	MaxRetries = 3

	// baseRetryDelay is the first back-off; it doubles between attempts.
	baseRetryDelay = time.Second
)

// FailureNotice is the canned assistant message inserted when every chunk
// of a job failed.
const FailureNotice = "[Big Context Processing Failed]"

// summaryLimit is the assistant-message summary length in characters.
const summaryLimit = 2000

// Scheduler drives chunk processing for jobs.
type Scheduler struct {
	store    store.Store
	client   provider.Client
	stitcher *stitcher.Stitcher
	catalog  *models.Catalog
	logger   *observability.Logger
	metrics  *observability.Metrics

	// retryDelay is baseRetryDelay in production; tests shrink it.
	retryDelay time.Duration
}

// New creates a scheduler. logger and metrics must be non-nil.
func New(st store.Store, client provider.Client, catalog *models.Catalog, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:      st,
		client:     client,
		stitcher:   stitcher.New(client),
		catalog:    catalog,
		logger:     logger,
		metrics:    metrics,
		retryDelay: baseRetryDelay,
	}
}

// Run processes every pending chunk of the job and finalizes it once all
// chunks have a recorded outcome. It is the entry point for fresh jobs and
// is re-invoked by retry-failed and resume after they reset chunk rows.
func (s *Scheduler) Run(ctx context.Context, jobID string) error {
	ctx = observability.AddJobID(ctx, jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	all, err := s.store.ListChunks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	pending := make([]*store.Chunk, 0, len(all))
	for _, c := range all {
		if c.Status == store.ChunkPending {
			pending = append(pending, c)
		}
	}

	s.logger.Info(ctx, "scheduler started",
		"model", job.ModelID, "total_chunks", job.TotalChunks, "pending_chunks", len(pending))

	cancelled := s.dispatch(ctx, job, pending)
	if cancelled {
		if _, err := s.store.CancelOpenChunks(ctx, jobID); err != nil {
			s.logger.Warn(ctx, "cancel open chunks", "error", err)
		}
		s.metrics.JobFinished(string(store.JobCancelled))
		s.logger.Info(ctx, "job cancelled, skipping finalization")
		return nil
	}

	return s.finalize(ctx, job)
}

// dispatch runs the launch loop. It returns true when the job was cancelled
// while chunks were still unlaunched or in flight.
func (s *Scheduler) dispatch(ctx context.Context, job *store.Job, pending []*store.Chunk) bool {
	var (
		active    = 0
		next      = 0
		cancelled = false
		done      = make(chan struct{}, MaxConcurrency)
	)

	for next < len(pending) || active > 0 {
		for active < MaxConcurrency && next < len(pending) && !cancelled {
			// A cancel endpoint may have flipped the job; check before
			// every launch so at most MaxConcurrency workers outlive it.
			current, err := s.store.GetJob(ctx, job.ID)
			if err == nil && current != nil && current.Status == store.JobCancelled {
				cancelled = true
				break
			}

			chunk := pending[next]
			next++
			active++
			go func() {
				defer func() { done <- struct{}{} }()
				s.processChunk(ctx, job, chunk)
			}()
		}

		if active == 0 {
			break
		}
		<-done
		active--
	}

	return cancelled
}

// processChunk runs one chunk to a terminal outcome and always advances the
// job's completed-chunk counter, so progress accounting finishes even when
// the chunk fails.
func (s *Scheduler) processChunk(ctx context.Context, job *store.Job, chunk *store.Chunk) {
	s.metrics.WorkerStarted()
	defer s.metrics.WorkerFinished()

	if err := s.store.MarkChunkProcessing(ctx, chunk.ID); err != nil {
		s.logger.Warn(ctx, "mark chunk processing", "chunk_index", chunk.Index, "error", err)
	}

	messages := buildChunkMessages(job.Instruction, chunk.InputText, chunk.Index, job.TotalChunks)
	req := provider.Request{Model: job.ModelID, Messages: messages}
	if model, err := s.catalog.Get(ctx, job.ModelID); err == nil && model != nil {
		req.MaxTokens = model.MaxOutputTokens
	}

	var result *provider.Result
	start := time.Now()
	outcome := retry.Do(ctx, retry.Config{
		MaxAttempts:  MaxRetries,
		InitialDelay: s.retryDelay,
		Factor:       2,
	}, func() error {
		res, err := s.client.Complete(ctx, req)
		if err != nil {
			// Only rate limits are worth waiting out; every other kind
			// fails the same way on the next attempt.
			if provider.KindOf(err) != provider.KindRateLimited {
				return retry.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	})
	elapsed := time.Since(start).Seconds()

	if outcome.Err != nil {
		s.metrics.RecordLLMRequest(job.ModelID, "chunk", "error", elapsed, 0, 0)
		s.metrics.ChunkFinished(string(store.ChunkFailed))
		s.logger.Warn(ctx, "chunk failed",
			"chunk_index", chunk.Index, "attempts", outcome.Attempts, "error", outcome.Err)

		if err := s.store.FailChunk(ctx, chunk.ID, outcome.Err.Error()); err != nil {
			s.logger.Error(ctx, "persist chunk failure", "chunk_index", chunk.Index, "error", err)
		}
		if err := s.store.AddCompletedChunks(ctx, job.ID, 1); err != nil {
			s.logger.Error(ctx, "advance chunk counter", "error", err)
		}
		return
	}

	cost := s.callCost(ctx, job.ModelID, result.Usage)
	s.metrics.RecordLLMRequest(job.ModelID, "chunk", "success", elapsed,
		result.Usage.PromptTokens, result.Usage.CompletionTokens)
	s.metrics.RecordLLMCost(job.ModelID, cost)
	s.metrics.ChunkFinished(string(store.ChunkCompleted))

	if err := s.store.CompleteChunk(ctx, chunk.ID, result.Content, result.Usage.TotalTokens, cost); err != nil {
		s.logger.Error(ctx, "persist chunk output", "chunk_index", chunk.Index, "error", err)
	}
	if err := s.store.AddCompletedChunks(ctx, job.ID, 1); err != nil {
		s.logger.Error(ctx, "advance chunk counter", "error", err)
	}
	s.recordCall(ctx, job, "chunk", result.Usage, cost)

	s.logger.Info(ctx, "chunk completed",
		"chunk_index", chunk.Index, "tokens", result.Usage.TotalTokens, "attempts", outcome.Attempts)
}

// finalize assembles the final artifact and writes the terminal state. The
// job fails only when every chunk failed; partial success still completes.
func (s *Scheduler) finalize(ctx context.Context, job *store.Job) error {
	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if current == nil || current.Status == store.JobCancelled {
		return nil
	}

	chunks, err := s.store.ListChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	for _, c := range chunks {
		if !c.Status.Terminal() {
			// retry-failed re-invokes on a subset; finalize only once
			// every chunk has an outcome.
			return nil
		}
	}

	outputs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Status == store.ChunkCompleted && c.Output != nil {
			outputs = append(outputs, *c.Output)
		}
	}

	if len(outputs) == 0 {
		if err := s.store.SetJobStatus(ctx, job.ID, store.JobFailed); err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		s.metrics.JobFinished(string(store.JobFailed))
		s.logger.Warn(ctx, "job failed, every chunk failed")
		return s.appendAssistantMessage(ctx, job, FailureNotice)
	}

	final, err := s.assemble(ctx, current, outputs)
	if err != nil {
		return err
	}

	if err := s.store.FinalizeJob(ctx, job.ID, store.JobCompleted, final); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	s.metrics.JobFinished(string(store.JobCompleted))
	s.logger.Info(ctx, "job completed",
		"successful_chunks", len(outputs), "failed_chunks", len(chunks)-len(outputs))

	return s.appendAssistantMessage(ctx, job, final)
}

// assemble produces the stitched output, running the remote stitch pass
// when the job opted in and the outputs fit the model's reply window.
func (s *Scheduler) assemble(ctx context.Context, job *store.Job, outputs []string) (string, error) {
	if !job.EnableStitchPass || len(outputs) <= 1 {
		s.metrics.RecordStitch(string(stitcher.ModeLocal))
		return stitcher.Concatenate(outputs), nil
	}

	if err := s.store.SetJobStatus(ctx, job.ID, store.JobStitching); err != nil {
		return "", fmt.Errorf("mark job stitching: %w", err)
	}

	in := stitcher.Input{
		Outputs:     outputs,
		Instruction: job.Instruction,
		ModelID:     job.ModelID,
	}
	if model, err := s.catalog.Get(ctx, job.ModelID); err == nil && model != nil {
		in.ContextLength = model.ContextLength
		in.MaxOutputTokens = model.MaxOutputTokens
	}

	res, err := s.stitcher.Stitch(ctx, in)
	if err != nil {
		// A failed stitch pass never fails the job; concatenation is
		// lossless.
		s.logger.Warn(ctx, "stitch pass failed, falling back to concatenation", "error", err)
		s.metrics.RecordStitch(string(stitcher.ModeLocal))
		return stitcher.Concatenate(outputs), nil
	}

	s.metrics.RecordStitch(string(res.Mode))
	if res.Mode == stitcher.ModeRemote {
		cost := s.callCost(ctx, job.ModelID, res.Usage)
		s.metrics.RecordLLMCost(job.ModelID, cost)
		s.recordCall(ctx, job, "stitch", res.Usage, cost)
	} else {
		s.logger.Info(ctx, "stitch pass skipped, combined output exceeds reply window")
	}
	return res.Output, nil
}

// appendAssistantMessage inserts the job's final artifact into the chat at
// most once, so a resumed job never duplicates it.
func (s *Scheduler) appendAssistantMessage(ctx context.Context, job *store.Job, content string) error {
	exists, err := s.store.HasAssistantMessage(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check assistant message: %w", err)
	}
	if exists {
		return nil
	}

	msg := &store.Message{
		ID:      uuid.NewString(),
		ChatID:  job.ChatID,
		JobID:   job.ID,
		Role:    "assistant",
		Content: content,
	}
	if runes := []rune(content); len(runes) > summaryLimit {
		msg.Summary = string(runes[:summaryLimit])
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

// callCost prices one call from the catalog. Unknown models cost zero.
func (s *Scheduler) callCost(ctx context.Context, modelID string, usage provider.Usage) float64 {
	model, err := s.catalog.Get(ctx, modelID)
	if err != nil || model == nil {
		return 0
	}
	return float64(usage.PromptTokens)*model.InputPricePerMillion/1e6 +
		float64(usage.CompletionTokens)*model.OutputPricePerMillion/1e6
}

func (s *Scheduler) recordCall(ctx context.Context, job *store.Job, purpose string, usage provider.Usage, cost float64) {
	call := &store.APICall{
		ID:               uuid.NewString(),
		ChatID:           job.ChatID,
		JobID:            job.ID,
		Model:            job.ModelID,
		Purpose:          purpose,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             cost,
	}
	if err := s.store.RecordAPICall(ctx, call); err != nil {
		s.logger.Warn(ctx, "record api call", "purpose", purpose, "error", err)
	}
}
