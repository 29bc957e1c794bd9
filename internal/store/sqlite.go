package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	// Path to the database file. ":memory:" keeps everything in RAM.
	Path string
}

// NewSQLiteStore opens (and if needed creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The scheduler writes from several goroutines; SQLite serializes
	// writers, so a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing database handle. The caller is
// responsible for the schema; used by tests.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			total_chunks INTEGER NOT NULL,
			completed_chunks INTEGER NOT NULL DEFAULT 0,
			instruction TEXT NOT NULL,
			model_id TEXT NOT NULL,
			enable_stitch_pass INTEGER NOT NULL DEFAULT 0,
			stitched_output TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			input_text TEXT NOT NULL,
			output_text TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			UNIQUE(job_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			job_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_calls (
			id TEXT PRIMARY KEY,
			chat_id TEXT,
			job_id TEXT,
			model TEXT NOT NULL,
			purpose TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_chat ON jobs(chat_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_job ON chunks(job_id, idx)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_job ON messages(job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureChat creates the chat row if it does not exist.
func (s *SQLiteStore) EnsureChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, chatID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	return nil
}

// CreateJob inserts the job and bulk-inserts its chunks in one transaction.
// Zero timestamps are stamped with the insertion time.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error {
	if job == nil {
		return nil
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, chat_id, status, total_chunks, completed_chunks,
			instruction, model_id, enable_stitch_pass, stitched_output, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`,
		job.ID,
		job.ChatID,
		string(job.Status),
		job.TotalChunks,
		job.CompletedChunks,
		job.Instruction,
		job.ModelID,
		job.EnableStitchPass,
		nullableStringPtr(job.StitchedOutput),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, job_id, idx, input_text, output_text, status, error_message, tokens, cost)
		VALUES (?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		_, err = stmt.ExecContext(ctx,
			c.ID,
			c.JobID,
			c.Index,
			c.InputText,
			nullableStringPtr(c.Output),
			string(c.Status),
			nullableString(c.Error),
			c.Tokens,
			c.Cost,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

const jobColumns = `id, chat_id, status, total_chunks, completed_chunks,
	instruction, model_id, enable_stitch_pass, stitched_output, created_at, updated_at`

// GetJob returns a job by id, or (nil, nil) when absent.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// SetJobStatus updates the job status and advances updated_at.
func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

// FinalizeJob writes the terminal status together with the stitched output
// in a single statement, so no reader observes one without the other.
func (s *SQLiteStore) FinalizeJob(ctx context.Context, id string, status JobStatus, stitchedOutput string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, stitched_output = ?, updated_at = ? WHERE id = ?
	`, string(status), stitchedOutput, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// AddCompletedChunks increments the counter server-side, never
// read-modify-write from the client.
func (s *SQLiteStore) AddCompletedChunks(ctx context.Context, id string, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed_chunks = completed_chunks + ?, updated_at = ? WHERE id = ?
	`, delta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add completed chunks: %w", err)
	}
	return nil
}

// SetCompletedChunks writes an absolute counter value.
func (s *SQLiteStore) SetCompletedChunks(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed_chunks = ?, updated_at = ? WHERE id = ?
	`, n, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set completed chunks: %w", err)
	}
	return nil
}

const chunkColumns = `id, job_id, idx, input_text, output_text, status, error_message, tokens, cost`

// ListChunks returns the job's chunks in index order.
func (s *SQLiteStore) ListChunks(ctx context.Context, jobID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

// MarkChunkProcessing moves a pending chunk to processing. Terminal chunks
// are never mutated except by an explicit reset.
func (s *SQLiteStore) MarkChunkProcessing(ctx context.Context, chunkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ? WHERE id = ? AND status = ?
	`, string(ChunkProcessing), chunkID, string(ChunkPending))
	if err != nil {
		return fmt.Errorf("mark chunk processing: %w", err)
	}
	return nil
}

// CompleteChunk records a successful outcome. Replaying with the same
// outputs is a no-op.
func (s *SQLiteStore) CompleteChunk(ctx context.Context, chunkID, output string, tokens int, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ?, output_text = ?, error_message = NULL, tokens = ?, cost = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(ChunkCompleted), output, tokens, cost,
		chunkID, string(ChunkCompleted), string(ChunkFailed), string(ChunkCancelled))
	if err != nil {
		return fmt.Errorf("complete chunk: %w", err)
	}
	return nil
}

// FailChunk records a terminal failure on the chunk row.
func (s *SQLiteStore) FailChunk(ctx context.Context, chunkID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(ChunkFailed), errMsg,
		chunkID, string(ChunkCompleted), string(ChunkFailed), string(ChunkCancelled))
	if err != nil {
		return fmt.Errorf("fail chunk: %w", err)
	}
	return nil
}

// CancelOpenChunks marks every pending chunk of the job cancelled.
// In-flight chunks are left alone so their outcomes are still recorded.
func (s *SQLiteStore) CancelOpenChunks(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ? WHERE job_id = ? AND status = ?
	`, string(ChunkCancelled), jobID, string(ChunkPending))
	if err != nil {
		return 0, fmt.Errorf("cancel open chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel open chunks: %w", err)
	}
	return n, nil
}

// ResetChunks moves chunks in the given states back to pending, clearing
// output, error, and usage.
func (s *SQLiteStore) ResetChunks(ctx context.Context, jobID string, statuses ...ChunkStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `
		UPDATE chunks SET status = ?, output_text = NULL, error_message = NULL, tokens = 0, cost = 0
		WHERE job_id = ? AND status IN (`
	args := []any{string(ChunkPending), jobID}
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset chunks: %w", err)
	}
	return n, nil
}

// ActiveJobForChat returns the most recent non-terminal job for the chat.
func (s *SQLiteStore) ActiveJobForChat(ctx context.Context, chatID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE chat_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, chatID, string(JobPending), string(JobProcessing), string(JobStitching))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job for chat: %w", err)
	}
	return job, nil
}

// LatestJobForChat returns the most recent job for the chat in any state.
func (s *SQLiteStore) LatestJobForChat(ctx context.Context, chatID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE chat_id = ? ORDER BY created_at DESC LIMIT 1
	`, chatID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job for chat: %w", err)
	}
	return job, nil
}

// AppendMessage inserts a chat message, stamping a zero created_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, job_id, role, content, summary, created_at)
		VALUES (?,?,?,?,?,?,?)
	`,
		msg.ID,
		msg.ChatID,
		nullableString(msg.JobID),
		msg.Role,
		msg.Content,
		nullableString(msg.Summary),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// HasAssistantMessage reports whether the job's final artifact already
// exists in the chat. Resume uses this to avoid a duplicate final message.
func (s *SQLiteStore) HasAssistantMessage(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE job_id = ? AND role = 'assistant'
	`, jobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has assistant message: %w", err)
	}
	return n > 0, nil
}

// RecordAPICall persists one provider invocation for cost telemetry.
func (s *SQLiteStore) RecordAPICall(ctx context.Context, call *APICall) error {
	if call == nil {
		return nil
	}
	createdAt := call.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (id, chat_id, job_id, model, purpose,
			prompt_tokens, completion_tokens, total_tokens, cost, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		call.ID,
		nullableString(call.ChatID),
		nullableString(call.JobID),
		call.Model,
		call.Purpose,
		call.PromptTokens,
		call.CompletionTokens,
		call.TotalTokens,
		call.Cost,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("record api call: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job      Job
		status   string
		stitched sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.ChatID,
		&status,
		&job.TotalChunks,
		&job.CompletedChunks,
		&job.Instruction,
		&job.ModelID,
		&job.EnableStitchPass,
		&stitched,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	if stitched.Valid {
		job.StitchedOutput = &stitched.String
	}
	return &job, nil
}

func scanChunk(scanner rowScanner) (*Chunk, error) {
	var (
		chunk    Chunk
		status   string
		output   sql.NullString
		errorMsg sql.NullString
	)
	if err := scanner.Scan(
		&chunk.ID,
		&chunk.JobID,
		&chunk.Index,
		&chunk.InputText,
		&output,
		&status,
		&errorMsg,
		&chunk.Tokens,
		&chunk.Cost,
	); err != nil {
		return nil, err
	}
	chunk.Status = ChunkStatus(status)
	if output.Valid {
		chunk.Output = &output.String
	}
	if errorMsg.Valid {
		chunk.Error = errorMsg.String
	}
	return &chunk, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullableStringPtr(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
