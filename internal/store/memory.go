package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory. It backs tests and
// ephemeral deployments; the SQLite store is the durable default.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]time.Time
	jobs     map[string]*Job
	chunks   map[string][]*Chunk // jobID -> chunks in index order
	messages []*Message
	apiCalls []*APICall
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:  make(map[string]time.Time),
		jobs:   make(map[string]*Job),
		chunks: make(map[string][]*Chunk),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// EnsureChat creates the chat entry if it does not exist.
func (s *MemoryStore) EnsureChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		s.chats[chatID] = time.Now().UTC()
	}
	return nil
}

// CreateJob inserts the job and its chunks, stamping zero timestamps.
func (s *MemoryStore) CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneJob(job)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	s.jobs[job.ID] = clone
	cloned := make([]*Chunk, len(chunks))
	for i, c := range chunks {
		cloned[i] = cloneChunk(c)
	}
	s.chunks[job.ID] = cloned
	return nil
}

// GetJob returns a job by id, or (nil, nil) when absent.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

// SetJobStatus updates the job status and advances updated_at.
func (s *MemoryStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// FinalizeJob writes the terminal status and stitched output together
// under one lock acquisition.
func (s *MemoryStore) FinalizeJob(ctx context.Context, id string, status JobStatus, stitchedOutput string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		out := stitchedOutput
		job.Status = status
		job.StitchedOutput = &out
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// AddCompletedChunks increments the counter under the store lock.
func (s *MemoryStore) AddCompletedChunks(ctx context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.CompletedChunks += delta
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// SetCompletedChunks writes an absolute counter value.
func (s *MemoryStore) SetCompletedChunks(ctx context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.CompletedChunks = n
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ListChunks returns the job's chunks in index order.
func (s *MemoryStore) ListChunks(ctx context.Context, jobID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := s.chunks[jobID]
	result := make([]*Chunk, len(chunks))
	for i, c := range chunks {
		result[i] = cloneChunk(c)
	}
	return result, nil
}

func (s *MemoryStore) findChunk(chunkID string) *Chunk {
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			if c.ID == chunkID {
				return c
			}
		}
	}
	return nil
}

// MarkChunkProcessing moves a pending chunk to processing.
func (s *MemoryStore) MarkChunkProcessing(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findChunk(chunkID); c != nil && c.Status == ChunkPending {
		c.Status = ChunkProcessing
	}
	return nil
}

// CompleteChunk records a successful outcome on a non-terminal chunk.
func (s *MemoryStore) CompleteChunk(ctx context.Context, chunkID, output string, tokens int, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findChunk(chunkID); c != nil && !c.Status.Terminal() {
		out := output
		c.Status = ChunkCompleted
		c.Output = &out
		c.Error = ""
		c.Tokens = tokens
		c.Cost = cost
	}
	return nil
}

// FailChunk records a terminal failure on a non-terminal chunk.
func (s *MemoryStore) FailChunk(ctx context.Context, chunkID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findChunk(chunkID); c != nil && !c.Status.Terminal() {
		c.Status = ChunkFailed
		c.Error = errMsg
	}
	return nil
}

// CancelOpenChunks marks every pending chunk of the job cancelled.
// In-flight chunks are left alone so their outcomes are still recorded.
func (s *MemoryStore) CancelOpenChunks(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.chunks[jobID] {
		if c.Status == ChunkPending {
			c.Status = ChunkCancelled
			n++
		}
	}
	return n, nil
}

// ResetChunks moves chunks in the given states back to pending.
func (s *MemoryStore) ResetChunks(ctx context.Context, jobID string, statuses ...ChunkStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := make(map[ChunkStatus]bool, len(statuses))
	for _, st := range statuses {
		match[st] = true
	}
	var n int64
	for _, c := range s.chunks[jobID] {
		if match[c.Status] {
			c.Status = ChunkPending
			c.Output = nil
			c.Error = ""
			c.Tokens = 0
			c.Cost = 0
			n++
		}
	}
	return n, nil
}

// ActiveJobForChat returns the most recent non-terminal job for the chat.
func (s *MemoryStore) ActiveJobForChat(ctx context.Context, chatID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Job
	for _, job := range s.jobs {
		if job.ChatID != chatID || job.Status.Terminal() {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	return cloneJob(latest), nil
}

// LatestJobForChat returns the most recent job for the chat in any state.
func (s *MemoryStore) LatestJobForChat(ctx context.Context, chatID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Job
	for _, job := range s.jobs {
		if job.ChatID != chatID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	return cloneJob(latest), nil
}

// AppendMessage inserts a chat message, stamping a zero created_at.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *msg
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, &clone)
	return nil
}

// HasAssistantMessage reports whether the job's final artifact exists.
func (s *MemoryStore) HasAssistantMessage(ctx context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.JobID == jobID && m.Role == "assistant" {
			return true, nil
		}
	}
	return false, nil
}

// RecordAPICall persists one provider invocation.
func (s *MemoryStore) RecordAPICall(ctx context.Context, call *APICall) error {
	if call == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *call
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.apiCalls = append(s.apiCalls, &clone)
	return nil
}

// Messages returns a snapshot of all messages, oldest first. Test helper.
func (s *MemoryStore) Messages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		clone := *m
		result[i] = &clone
	}
	return result
}

// APICalls returns a snapshot of recorded provider calls. Test helper.
func (s *MemoryStore) APICalls() []*APICall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*APICall, len(s.apiCalls))
	for i, c := range s.apiCalls {
		clone := *c
		result[i] = &clone
	}
	return result
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.StitchedOutput != nil {
		out := *job.StitchedOutput
		clone.StitchedOutput = &out
	}
	return &clone
}

func cloneChunk(c *Chunk) *Chunk {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Output != nil {
		out := *c.Output
		clone.Output = &out
	}
	return &clone
}
