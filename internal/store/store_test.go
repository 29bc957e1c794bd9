package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// The same behavioral suite runs against both implementations.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func seedJob(t *testing.T, s Store, jobID string, chunkCount int) *Job {
	t.Helper()
	ctx := context.Background()

	if err := s.EnsureChat(ctx, "chat-1"); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          jobID,
		ChatID:      "chat-1",
		Status:      JobProcessing,
		TotalChunks: chunkCount,
		Instruction: "Summarize",
		ModelID:     "test-model",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	chunks := make([]*Chunk, chunkCount)
	for i := range chunks {
		chunks[i] = &Chunk{
			ID:        fmt.Sprintf("%s-chunk-%d", jobID, i),
			JobID:     jobID,
			Index:     i,
			InputText: fmt.Sprintf("input %d", i),
			Status:    ChunkPending,
		}
	}
	if err := s.CreateJob(ctx, job, chunks); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 3)

		job, err := s.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job == nil {
			t.Fatal("job not found")
		}
		if job.Status != JobProcessing || job.TotalChunks != 3 {
			t.Errorf("unexpected job: %+v", job)
		}
		if job.StitchedOutput != nil {
			t.Errorf("fresh job must have nil stitched output")
		}

		missing, err := s.GetJob(ctx, "nope")
		if err != nil {
			t.Fatalf("get missing job: %v", err)
		}
		if missing != nil {
			t.Errorf("expected nil for missing job")
		}
	})
}

func TestListChunksOrdered(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 5)

		chunks, err := s.ListChunks(ctx, "job-1")
		if err != nil {
			t.Fatalf("list chunks: %v", err)
		}
		if len(chunks) != 5 {
			t.Fatalf("got %d chunks, want 5", len(chunks))
		}
		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("chunk at position %d has index %d", i, c.Index)
			}
		}
	})
}

func TestChunkTransitions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 2)
		chunkID := "job-1-chunk-0"

		if err := s.MarkChunkProcessing(ctx, chunkID); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
		if err := s.CompleteChunk(ctx, chunkID, "result", 42, 0.001); err != nil {
			t.Fatalf("complete: %v", err)
		}

		chunks, _ := s.ListChunks(ctx, "job-1")
		c := chunks[0]
		if c.Status != ChunkCompleted {
			t.Fatalf("status = %s, want completed", c.Status)
		}
		if c.Output == nil || *c.Output != "result" {
			t.Errorf("output not recorded")
		}
		if c.Tokens != 42 || c.Cost != 0.001 {
			t.Errorf("usage not recorded: tokens=%d cost=%f", c.Tokens, c.Cost)
		}

		// Terminal chunks are never mutated again.
		if err := s.FailChunk(ctx, chunkID, "late failure"); err != nil {
			t.Fatalf("fail terminal chunk: %v", err)
		}
		chunks, _ = s.ListChunks(ctx, "job-1")
		if chunks[0].Status != ChunkCompleted {
			t.Errorf("terminal chunk was mutated to %s", chunks[0].Status)
		}

		// Explicit reset is the only way back.
		n, err := s.ResetChunks(ctx, "job-1", ChunkCompleted)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if n != 1 {
			t.Errorf("reset %d chunks, want 1", n)
		}
		chunks, _ = s.ListChunks(ctx, "job-1")
		if chunks[0].Status != ChunkPending || chunks[0].Output != nil || chunks[0].Tokens != 0 {
			t.Errorf("reset did not clear the chunk: %+v", chunks[0])
		}
	})
}

func TestCompletedCounterConcurrent(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 20)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.AddCompletedChunks(ctx, "job-1", 1); err != nil {
					t.Errorf("increment: %v", err)
				}
			}()
		}
		wg.Wait()

		job, _ := s.GetJob(ctx, "job-1")
		if job.CompletedChunks != 20 {
			t.Errorf("completed = %d, want 20 (lost increments)", job.CompletedChunks)
		}
	})
}

func TestFinalizeJobAtomic(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 1)

		if err := s.FinalizeJob(ctx, "job-1", JobCompleted, "final output"); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		job, _ := s.GetJob(ctx, "job-1")
		if job.Status != JobCompleted {
			t.Fatalf("status = %s, want completed", job.Status)
		}
		if job.StitchedOutput == nil || *job.StitchedOutput != "final output" {
			t.Errorf("completed job without stitched output")
		}
	})
}

func TestUpdatedAtAdvances(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := seedJob(t, s, "job-1", 1)

		time.Sleep(5 * time.Millisecond)
		if err := s.SetJobStatus(ctx, "job-1", JobStitching); err != nil {
			t.Fatalf("set status: %v", err)
		}
		after, _ := s.GetJob(ctx, "job-1")
		if !after.UpdatedAt.After(job.UpdatedAt) {
			t.Errorf("updated_at did not advance: %v -> %v", job.UpdatedAt, after.UpdatedAt)
		}
	})
}

func TestCancelOpenChunks(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 4)

		_ = s.MarkChunkProcessing(ctx, "job-1-chunk-0")
		_ = s.CompleteChunk(ctx, "job-1-chunk-0", "done", 1, 0)
		_ = s.MarkChunkProcessing(ctx, "job-1-chunk-1")

		n, err := s.CancelOpenChunks(ctx, "job-1")
		if err != nil {
			t.Fatalf("cancel open chunks: %v", err)
		}
		if n != 2 {
			t.Errorf("cancelled %d chunks, want 2 (only pending rows)", n)
		}
		chunks, _ := s.ListChunks(ctx, "job-1")
		if chunks[0].Status != ChunkCompleted {
			t.Errorf("completed chunk must survive cancellation")
		}
		if chunks[1].Status != ChunkProcessing {
			t.Errorf("in-flight chunk status = %s, want processing", chunks[1].Status)
		}
		for _, c := range chunks[2:] {
			if c.Status != ChunkCancelled {
				t.Errorf("chunk %d status = %s, want cancelled", c.Index, c.Status)
			}
		}

		// The worker holding the in-flight chunk still lands its result.
		if err := s.CompleteChunk(ctx, "job-1-chunk-1", "late result", 7, 0.001); err != nil {
			t.Fatalf("complete in-flight chunk: %v", err)
		}
		chunks, _ = s.ListChunks(ctx, "job-1")
		if chunks[1].Status != ChunkCompleted || chunks[1].Output == nil || *chunks[1].Output != "late result" {
			t.Errorf("in-flight result discarded after cancellation: %+v", chunks[1])
		}
	})
}

func TestCreateJobStampsTimestamps(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.EnsureChat(ctx, "chat-1"); err != nil {
			t.Fatalf("ensure chat: %v", err)
		}

		// No timestamps set, as on the request path.
		job := &Job{
			ID: "job-1", ChatID: "chat-1", Status: JobProcessing,
			TotalChunks: 1, Instruction: "Summarize", ModelID: "test-model",
		}
		chunks := []*Chunk{{ID: "job-1-chunk-0", JobID: "job-1", Index: 0, InputText: "input", Status: ChunkPending}}
		if err := s.CreateJob(ctx, job, chunks); err != nil {
			t.Fatalf("create job: %v", err)
		}

		got, err := s.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatalf("job inserted with zero timestamps: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
		}

		// Latest-job ordering depends on the stamped created_at.
		time.Sleep(5 * time.Millisecond)
		second := &Job{
			ID: "job-2", ChatID: "chat-1", Status: JobProcessing,
			TotalChunks: 1, Instruction: "Summarize", ModelID: "test-model",
		}
		err = s.CreateJob(ctx, second, []*Chunk{{ID: "job-2-chunk-0", JobID: "job-2", Index: 0, InputText: "input", Status: ChunkPending}})
		if err != nil {
			t.Fatalf("create second job: %v", err)
		}
		latest, err := s.LatestJobForChat(ctx, "chat-1")
		if err != nil {
			t.Fatalf("latest job: %v", err)
		}
		if latest == nil || latest.ID != "job-2" {
			t.Errorf("latest job = %+v, want job-2", latest)
		}
	})
}

func TestActiveAndLatestJobForChat(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		seedJob(t, s, "job-1", 1)
		if err := s.FinalizeJob(ctx, "job-1", JobCompleted, "out"); err != nil {
			t.Fatalf("finalize: %v", err)
		}

		// Ensure distinct created_at ordering.
		time.Sleep(5 * time.Millisecond)
		seedJob(t, s, "job-2", 1)

		active, err := s.ActiveJobForChat(ctx, "chat-1")
		if err != nil {
			t.Fatalf("active job: %v", err)
		}
		if active == nil || active.ID != "job-2" {
			t.Errorf("active job = %+v, want job-2", active)
		}

		latest, err := s.LatestJobForChat(ctx, "chat-1")
		if err != nil {
			t.Fatalf("latest job: %v", err)
		}
		if latest == nil || latest.ID != "job-2" {
			t.Errorf("latest job = %+v, want job-2", latest)
		}

		if err := s.FinalizeJob(ctx, "job-2", JobCancelled, ""); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		active, _ = s.ActiveJobForChat(ctx, "chat-1")
		if active != nil {
			t.Errorf("expected no active job, got %s", active.ID)
		}
	})
}

func TestMessagesAndAssistantDedup(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 1)

		has, err := s.HasAssistantMessage(ctx, "job-1")
		if err != nil {
			t.Fatalf("has assistant message: %v", err)
		}
		if has {
			t.Fatal("no assistant message inserted yet")
		}

		err = s.AppendMessage(ctx, &Message{
			ID:        "msg-1",
			ChatID:    "chat-1",
			JobID:     "job-1",
			Role:      "assistant",
			Content:   "final",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append message: %v", err)
		}

		has, _ = s.HasAssistantMessage(ctx, "job-1")
		if !has {
			t.Error("assistant message not found after insert")
		}
	})
}

func TestRecordAPICall(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedJob(t, s, "job-1", 1)

		err := s.RecordAPICall(ctx, &APICall{
			ID:               "call-1",
			ChatID:           "chat-1",
			JobID:            "job-1",
			Model:            "test-model",
			Purpose:          "chunk",
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalTokens:      150,
			Cost:             0.002,
			CreatedAt:        time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("record api call: %v", err)
		}
	})
}
