// Package store persists big-context jobs, their chunks, and the chat
// messages the engine emits.
//
// All mutations are narrow, idempotent updates: replaying any of them
// converges to the same state. The completed-chunk counter is always a
// server-side increment so concurrent chunk completions never lose counts,
// and the terminal (status, stitched_output) write is a single statement so
// a reader can never observe a completed job without its output.
package store

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobStitching  JobStatus = "stitching"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ChunkStatus is the lifecycle state of a single chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
	ChunkCancelled  ChunkStatus = "cancelled"
)

// Terminal reports whether the chunk has a recorded outcome.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed || s == ChunkCancelled
}

// Job is one big-context request over a (text, instruction, model) triple.
type Job struct {
	ID               string    `json:"id"`
	ChatID           string    `json:"chat_id"`
	Status           JobStatus `json:"status"`
	TotalChunks      int       `json:"total_chunks"`
	CompletedChunks  int       `json:"completed_chunks"`
	Instruction      string    `json:"instruction"`
	ModelID          string    `json:"model_id"`
	EnableStitchPass bool      `json:"enable_stitch_pass"`

	// StitchedOutput is nil until the job reaches a terminal state with an
	// assembled artifact. It may point at an empty string.
	StitchedOutput *string `json:"stitched_output,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is one unit of work: a contiguous slice of the input document.
type Chunk struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Index     int         `json:"index"`
	InputText string      `json:"input_text"`
	Output    *string     `json:"output_text,omitempty"`
	Status    ChunkStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	Tokens    int         `json:"tokens"`
	Cost      float64     `json:"cost"`
}

// Message is a chat message the engine reads or writes. The engine only
// ever inserts: a user-facing "job started" notice and the single final
// assistant message per job.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	JobID     string    `json:"job_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// APICall is one provider invocation, recorded for cost telemetry.
type APICall struct {
	ID               string    `json:"id"`
	ChatID           string    `json:"chat_id,omitempty"`
	JobID            string    `json:"job_id,omitempty"`
	Model            string    `json:"model"`
	Purpose          string    `json:"purpose"` // "chunk" or "stitch"
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the durable state shared by the scheduler, the publisher, and
// the control endpoints. Lookups return (nil, nil) when the row is absent.
type Store interface {
	// EnsureChat creates the chat row if it does not exist, so the
	// chat -> job -> chunk cascade holds.
	EnsureChat(ctx context.Context, chatID string) error

	// CreateJob inserts the job and bulk-inserts its chunks in one
	// transaction. Zero CreatedAt/UpdatedAt are stamped with the current
	// time, as are zero message and api-call timestamps on insert.
	CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error
	GetJob(ctx context.Context, id string) (*Job, error)
	SetJobStatus(ctx context.Context, id string, status JobStatus) error

	// FinalizeJob writes the terminal status and the stitched output
	// atomically together.
	FinalizeJob(ctx context.Context, id string, status JobStatus, stitchedOutput string) error

	// AddCompletedChunks applies a server-side increment to the job's
	// completed-chunk counter. delta may be negative (retry-failed).
	AddCompletedChunks(ctx context.Context, id string, delta int) error

	// SetCompletedChunks recomputes the counter to an absolute value
	// (resume recounts from the chunk rows).
	SetCompletedChunks(ctx context.Context, id string, n int) error

	// ListChunks returns the job's chunks ordered by index.
	ListChunks(ctx context.Context, jobID string) ([]*Chunk, error)

	// MarkChunkProcessing moves a pending chunk to processing. Chunks in a
	// terminal state are never touched.
	MarkChunkProcessing(ctx context.Context, chunkID string) error
	CompleteChunk(ctx context.Context, chunkID, output string, tokens int, cost float64) error
	FailChunk(ctx context.Context, chunkID, errMsg string) error

	// CancelOpenChunks marks every pending chunk of the job as cancelled
	// and returns the number of rows changed. Chunks already in flight are
	// left untouched so the worker that holds them can still record its
	// outcome.
	CancelOpenChunks(ctx context.Context, jobID string) (int64, error)

	// ResetChunks moves chunks in the given states back to pending,
	// clearing output and error, and returns the number of rows changed.
	ResetChunks(ctx context.Context, jobID string, statuses ...ChunkStatus) (int64, error)

	// ActiveJobForChat returns the most recent non-terminal job, if any.
	ActiveJobForChat(ctx context.Context, chatID string) (*Job, error)
	// LatestJobForChat returns the most recent job regardless of state.
	LatestJobForChat(ctx context.Context, chatID string) (*Job, error)

	AppendMessage(ctx context.Context, msg *Message) error
	// HasAssistantMessage reports whether the job's final artifact has
	// already been inserted into the chat.
	HasAssistantMessage(ctx context.Context, jobID string) (bool, error)

	RecordAPICall(ctx context.Context, call *APICall) error

	Close() error
}
