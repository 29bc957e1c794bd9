package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/bigcontext/internal/models"
	"github.com/haasonsaas/bigcontext/internal/observability"
	"github.com/haasonsaas/bigcontext/internal/provider"
	"github.com/haasonsaas/bigcontext/internal/store"
)

// fakeClient routes every call through fn and tracks concurrency.
type fakeClient struct {
	fn func(req provider.Request) (*provider.Result, error)

	mu       sync.Mutex
	calls    int
	requests []provider.Request

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (c *fakeClient) Complete(ctx context.Context, req provider.Request) (*provider.Result, error) {
	cur := c.inFlight.Add(1)
	for {
		max := c.maxInFlight.Load()
		if cur <= max || c.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer c.inFlight.Add(-1)

	c.mu.Lock()
	c.calls++
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	return c.fn(req)
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) allRequests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Request(nil), c.requests...)
}

// chunkBody extracts the document slice from a bookended user prompt.
func chunkBody(req provider.Request) string {
	content := req.Messages[1].Content
	parts := strings.Split(content, "\n\n---\n\n")
	if len(parts) < 2 {
		return content
	}
	return parts[1]
}

func okResult(content string) *provider.Result {
	return &provider.Result{
		Content:      content,
		FinishReason: "stop",
		Usage:        provider.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

func newTestScheduler(t *testing.T, st store.Store, client provider.Client) *Scheduler {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	s := New(st, client, models.NewCatalog(nil, 0), logger, metrics)
	s.retryDelay = time.Millisecond
	return s
}

func seedJob(t *testing.T, st store.Store, jobID string, texts []string, stitch bool) *store.Job {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsureChat(ctx, "chat-1"); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	job := &store.Job{
		ID:               jobID,
		ChatID:           "chat-1",
		Status:           store.JobProcessing,
		TotalChunks:      len(texts),
		Instruction:      "Uppercase",
		ModelID:          "openai/gpt-4o",
		EnableStitchPass: stitch,
	}
	chunks := make([]*store.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &store.Chunk{
			ID:        fmt.Sprintf("%s-chunk-%d", jobID, i),
			JobID:     jobID,
			Index:     i,
			InputText: text,
			Status:    store.ChunkPending,
		}
	}
	if err := st.CreateJob(ctx, job, chunks); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestRunSingleChunk(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		return okResult(strings.ToUpper(chunkBody(req))), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"hello big context"}, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.callCount() != 1 {
		t.Errorf("calls = %d, want 1", client.callCount())
	}
	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.StitchedOutput == nil || *job.StitchedOutput != "HELLO BIG CONTEXT" {
		t.Errorf("stitched output = %v", job.StitchedOutput)
	}
	if job.CompletedChunks != 1 {
		t.Errorf("completed chunks = %d, want 1", job.CompletedChunks)
	}

	msgs := st.Messages()
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != "HELLO BIG CONTEXT" {
		t.Errorf("unexpected messages: %+v", msgs)
	}

	req := client.allRequests()[0]
	if !strings.Contains(req.Messages[0].Content, "the complete text") {
		t.Errorf("single chunk must carry the complete-text hint: %q", req.Messages[0].Content)
	}
	userMsg := req.Messages[1].Content
	if strings.Count(userMsg, "Uppercase") != 2 {
		t.Errorf("instruction not bookended around text: %q", userMsg)
	}
}

func TestRunConcurrencyCap(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return okResult("out"), nil
	}}
	s := newTestScheduler(t, st, client)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = fmt.Sprintf("part %d", i)
	}
	seedJob(t, st, "job-1", texts, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	max := int(client.maxInFlight.Load())
	if max > MaxConcurrency {
		t.Errorf("max in-flight workers = %d, cap is %d", max, MaxConcurrency)
	}
	if max < 2 {
		t.Errorf("max in-flight workers = %d, expected real parallelism", max)
	}
	job, _ := st.GetJob(context.Background(), "job-1")
	if job.CompletedChunks != 20 {
		t.Errorf("completed chunks = %d, want 20", job.CompletedChunks)
	}
}

func TestRunRetriesRateLimit(t *testing.T) {
	st := store.NewMemoryStore()
	var attempts atomic.Int32
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		if attempts.Add(1) <= 2 {
			return nil, &provider.Error{Kind: provider.KindRateLimited, Err: fmt.Errorf("429 too many requests")}
		}
		return okResult("recovered"), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"text"}, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 3 (two rate limits then success)", client.callCount())
	}
	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
}

func TestRunDoesNotRetryInvalidRequest(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Err: fmt.Errorf("model not found")}
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"text"}, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (invalid request is not retried)", client.callCount())
	}
	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}

	msgs := st.Messages()
	if len(msgs) != 1 || msgs[0].Content != FailureNotice {
		t.Errorf("expected failure notice message, got %+v", msgs)
	}
}

func TestRunPartialSuccessCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		body := chunkBody(req)
		if body == "middle" {
			return nil, &provider.Error{Kind: provider.KindServerError, Err: fmt.Errorf("500")}
		}
		return okResult(strings.ToUpper(body)), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"first", "middle", "last"}, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed despite one failed chunk", job.Status)
	}
	if job.StitchedOutput == nil || *job.StitchedOutput != "FIRST\n\nLAST" {
		t.Errorf("stitched output = %v, want failed chunk omitted", job.StitchedOutput)
	}
	if job.CompletedChunks != 3 {
		t.Errorf("completed chunks = %d, want 3 (failures still advance the counter)", job.CompletedChunks)
	}

	chunks, _ := st.ListChunks(context.Background(), "job-1")
	if chunks[1].Status != store.ChunkFailed || chunks[1].Error == "" {
		t.Errorf("middle chunk = %+v, want failed with error", chunks[1])
	}
}

func TestRunAssemblesInIndexOrder(t *testing.T) {
	st := store.NewMemoryStore()
	// Later chunks finish first.
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		body := chunkBody(req)
		if body == "alpha" {
			time.Sleep(40 * time.Millisecond)
		}
		return okResult(strings.ToUpper(body)), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"alpha", "beta", "gamma"}, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.StitchedOutput == nil || *job.StitchedOutput != "ALPHA\n\nBETA\n\nGAMMA" {
		t.Errorf("stitched output = %v, want index order regardless of completion order", job.StitchedOutput)
	}
}

func TestRunCancelledBeforeLaunch(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		return okResult("out"), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"a", "b", "c"}, false)

	if err := st.SetJobStatus(context.Background(), "job-1", store.JobCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.callCount() != 0 {
		t.Errorf("calls = %d, want 0 after cancellation", client.callCount())
	}
	chunks, _ := st.ListChunks(context.Background(), "job-1")
	for _, c := range chunks {
		if c.Status != store.ChunkCancelled {
			t.Errorf("chunk %d = %s, want cancelled", c.Index, c.Status)
		}
	}
	if msgs := st.Messages(); len(msgs) != 0 {
		t.Errorf("cancelled job must not produce an assistant message, got %+v", msgs)
	}
}

func TestRunCancelKeepsInFlightOutputs(t *testing.T) {
	st := store.NewMemoryStore()
	started := make(chan struct{}, MaxConcurrency)
	release := make(chan struct{})
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		started <- struct{}{}
		<-release
		return okResult(strings.ToUpper(chunkBody(req))), nil
	}}
	s := newTestScheduler(t, st, client)

	texts := make([]string, MaxConcurrency+1)
	for i := range texts {
		texts[i] = fmt.Sprintf("part %d", i)
	}
	seedJob(t, st, "job-1", texts, false)

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background(), "job-1") }()

	// Cancel once the full first wave is mid-call, then let it finish.
	for i := 0; i < MaxConcurrency; i++ {
		<-started
	}
	if err := st.SetJobStatus(context.Background(), "job-1", store.JobCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}

	chunks, _ := st.ListChunks(context.Background(), "job-1")
	for _, c := range chunks[:MaxConcurrency] {
		if c.Status != store.ChunkCompleted || c.Output == nil {
			t.Errorf("in-flight chunk %d = %s, want completed with its output kept", c.Index, c.Status)
		}
	}
	if last := chunks[MaxConcurrency]; last.Status != store.ChunkCancelled {
		t.Errorf("unlaunched chunk = %s, want cancelled", last.Status)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.CompletedChunks != MaxConcurrency {
		t.Errorf("completed chunks = %d, want %d (cancelled chunk not counted)", job.CompletedChunks, MaxConcurrency)
	}
	if msgs := st.Messages(); len(msgs) != 0 {
		t.Errorf("cancelled job must not produce an assistant message, got %+v", msgs)
	}
}

func TestRunStitchPass(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		if strings.Contains(req.Messages[0].Content, "CHUNK BOUNDARY") {
			return okResult("seamless merged text"), nil
		}
		return okResult(strings.ToUpper(chunkBody(req))), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"one", "two"}, true)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 2 chunk calls plus 1 stitch call", client.callCount())
	}
	job, _ := st.GetJob(context.Background(), "job-1")
	if job.StitchedOutput == nil || *job.StitchedOutput != "seamless merged text" {
		t.Errorf("stitched output = %v", job.StitchedOutput)
	}

	var stitchCalls int
	for _, call := range st.APICalls() {
		if call.Purpose == "stitch" {
			stitchCalls++
		}
	}
	if stitchCalls != 1 {
		t.Errorf("recorded stitch calls = %d, want 1", stitchCalls)
	}
}

func TestRunStitchFailureFallsBackToJoin(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		if strings.Contains(req.Messages[0].Content, "CHUNK BOUNDARY") {
			return nil, &provider.Error{Kind: provider.KindServerError, Err: fmt.Errorf("500")}
		}
		return okResult(strings.ToUpper(chunkBody(req))), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"one", "two"}, true)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed (stitch failure never fails the job)", job.Status)
	}
	if job.StitchedOutput == nil || *job.StitchedOutput != "ONE\n\nTWO" {
		t.Errorf("stitched output = %v, want concatenation fallback", job.StitchedOutput)
	}
}

func TestRunSkipsDuplicateAssistantMessage(t *testing.T) {
	st := store.NewMemoryStore()
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		return okResult("out"), nil
	}}
	s := newTestScheduler(t, st, client)
	job := seedJob(t, st, "job-1", []string{"text"}, false)

	// Simulate a crash after finalization started: the assistant message
	// already exists when the resumed run finalizes.
	err := st.AppendMessage(context.Background(), &store.Message{
		ID: "m-1", ChatID: job.ChatID, JobID: job.ID, Role: "assistant", Content: "out",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if msgs := st.Messages(); len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (no duplicate final artifact)", len(msgs))
	}
}

func TestRunLongOutputGetsSummary(t *testing.T) {
	st := store.NewMemoryStore()
	long := strings.Repeat("x", 5000)
	client := &fakeClient{fn: func(req provider.Request) (*provider.Result, error) {
		return okResult(long), nil
	}}
	s := newTestScheduler(t, st, client)
	seedJob(t, st, "job-1", []string{"text"}, false)

	if err := s.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	msgs := st.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if len(msgs[0].Summary) != summaryLimit {
		t.Errorf("summary length = %d, want %d", len(msgs[0].Summary), summaryLimit)
	}
}

func TestPositionHints(t *testing.T) {
	tests := []struct {
		index, total int
		want         string
	}{
		{0, 1, "the complete text"},
		{0, 4, "section 1 of 4"},
		{3, 4, "the end of a longer document"},
		{1, 4, "section 2 of 4"},
	}
	for _, tt := range tests {
		got := positionHint(tt.index, tt.total)
		if !strings.Contains(got, tt.want) {
			t.Errorf("positionHint(%d, %d) = %q, want substring %q", tt.index, tt.total, got, tt.want)
		}
	}

	middle := positionHint(2, 5)
	if !strings.Contains(middle, "start and end mid-sentence") {
		t.Errorf("middle hint missing mid-sentence warning: %q", middle)
	}
}
