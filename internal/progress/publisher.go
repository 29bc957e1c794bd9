// Package progress publishes job progress snapshots.
//
// The publisher polls the store on a fixed interval and emits one snapshot
// per poll until the job reaches a terminal state. Aggregates are computed
// from the chunk list of the same snapshot, never from a separate query, so
// a reader always sees a consistent view.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/bigcontext/internal/store"
)

const (
	// PollInterval is the snapshot cadence.
	PollInterval = 1500 * time.Millisecond

	// StaleThreshold is how long a processing job may sit without chunk
	// progress before snapshots flag it as stale.
	StaleThreshold = 3 * time.Minute
)

// ChunkProgress is the per-chunk slice of a snapshot.
type ChunkProgress struct {
	Index  int               `json:"index"`
	Status store.ChunkStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// Snapshot is one consistent view of a job's progress.
type Snapshot struct {
	ID              string          `json:"id"`
	Status          store.JobStatus `json:"status"`
	TotalChunks     int             `json:"totalChunks"`
	CompletedChunks int             `json:"completedChunks"`
	Chunks          []ChunkProgress `json:"chunks"`
	TotalTokens     int             `json:"totalTokens"`
	TotalCost       float64         `json:"totalCost"`
	FailedChunks    int             `json:"failedChunks"`
	StartedAt       time.Time       `json:"startedAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Model           string          `json:"model"`
	IsStale         bool            `json:"isStale"`
	StaleDurationMs int64           `json:"staleDurationMs,omitempty"`

	// StitchedOutput is present only in terminal snapshots.
	StitchedOutput *string `json:"stitchedOutput,omitempty"`
}

// Update is one element of a subscription stream: a snapshot, or the error
// that ended the stream. Err is always the final element when set.
type Update struct {
	Snapshot *Snapshot
	Err      error
}

// Publisher produces progress streams over single jobs.
type Publisher struct {
	store      store.Store
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewPublisher creates a publisher with the default cadence.
func NewPublisher(st store.Store) *Publisher {
	return NewPublisherWithCadence(st, PollInterval, StaleThreshold)
}

// NewPublisherWithCadence creates a publisher with a custom poll interval
// and staleness threshold. Tests shrink both.
func NewPublisherWithCadence(st store.Store, interval, staleAfter time.Duration) *Publisher {
	return &Publisher{
		store:      st,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Subscribe returns a channel of updates for the job. The channel closes
// after the first terminal snapshot, when ctx is done, or after an error
// update when a mid-stream poll fails. The first snapshot is emitted
// immediately.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (<-chan Update, error) {
	first, err := p.BuildSnapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	ch := make(chan Update)
	go func() {
		defer close(ch)

		tracker := newStaleTracker(first.CompletedChunks, p.now())
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		snap := first
		for {
			tracker.apply(snap, p.now(), p.staleAfter)

			select {
			case ch <- Update{Snapshot: snap}:
			case <-ctx.Done():
				return
			}
			if snap.Status.Terminal() {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			snap, err = p.BuildSnapshot(ctx, jobID)
			if err == nil && snap == nil {
				err = fmt.Errorf("job %s not found", jobID)
			}
			if err != nil {
				select {
				case ch <- Update{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return ch, nil
}

// BuildSnapshot assembles one snapshot, or (nil, nil) when the job does not
// exist. Staleness fields are left zero; Subscribe fills them.
func (p *Publisher) BuildSnapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	chunks, err := p.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	snap := &Snapshot{
		ID:              job.ID,
		Status:          job.Status,
		TotalChunks:     job.TotalChunks,
		CompletedChunks: job.CompletedChunks,
		Chunks:          make([]ChunkProgress, 0, len(chunks)),
		StartedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		Model:           job.ModelID,
	}
	for _, c := range chunks {
		snap.Chunks = append(snap.Chunks, ChunkProgress{Index: c.Index, Status: c.Status, Error: c.Error})
		snap.TotalTokens += c.Tokens
		snap.TotalCost += c.Cost
		if c.Status == store.ChunkFailed {
			snap.FailedChunks++
		}
	}
	if job.Status.Terminal() {
		snap.StitchedOutput = job.StitchedOutput
	}
	return snap, nil
}

// staleTracker remembers the last observed completed-chunk count and when
// it last changed.
type staleTracker struct {
	completed int
	changedAt time.Time
}

func newStaleTracker(completed int, now time.Time) *staleTracker {
	return &staleTracker{completed: completed, changedAt: now}
}

// apply stamps the staleness fields onto the snapshot. A job is stale when
// it is processing, unfinished, and no chunk has completed for staleAfter.
func (t *staleTracker) apply(snap *Snapshot, now time.Time, staleAfter time.Duration) {
	if snap.CompletedChunks != t.completed {
		t.completed = snap.CompletedChunks
		t.changedAt = now
		return
	}

	idle := now.Sub(t.changedAt)
	if snap.Status == store.JobProcessing && snap.CompletedChunks < snap.TotalChunks && idle >= staleAfter {
		snap.IsStale = true
		snap.StaleDurationMs = idle.Milliseconds()
	}
}
