package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JobState is the top-level orchestrator state.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateCancelled JobState = "cancelled"
	JobStateFailed    JobState = "failed"
)

// PageStatus tracks one page through the pipeline.
type PageStatus string

const (
	PageStatusPending   PageStatus = "pending"
	PageStatusSkipped   PageStatus = "skipped"
	PageStatusUploading PageStatus = "uploading"
	PageStatusComplete  PageStatus = "complete"
	PageStatusErrored   PageStatus = "errored"
)

// ChunkPlan is the inclusive byte range [Start, End] uploaded as part Index.
type ChunkPlan struct {
	Index int
	Start int64
	End   int64
}

// Size is the number of bytes in the range.
func (c ChunkPlan) Size() int64 {
	return c.End - c.Start + 1
}

// PagePlan is one sub-part of a recording.
type PagePlan struct {
	Number      int
	StreamID    int64
	ObjectKey   string
	SourceURL   string
	TotalLength int64
	Chunks      []ChunkPlan
	Status      PageStatus
}

func (p *PagePlan) setStatus(to PageStatus) error {
	if !isValidPageTransition(p.Status, to) {
		return fmt.Errorf("page %d: invalid transition %s -> %s", p.Number, p.Status, to)
	}
	p.Status = to
	return nil
}

func isValidPageTransition(from, to PageStatus) bool {
	switch from {
	case PageStatusPending:
		return to == PageStatusSkipped || to == PageStatusUploading || to == PageStatusErrored
	case PageStatusUploading:
		return to == PageStatusComplete || to == PageStatusErrored
	default:
		return false
	}
}

// Job is one recording undergoing ingestion. Pages and ObjectKeys belong to
// the orchestrator goroutine; State may be read from anywhere.
type Job struct {
	ID          string
	RecordingID string
	VideoID     string
	OwnerID     string
	PublishedAt time.Time
	StartedAt   time.Time

	Pages      []*PagePlan
	ObjectKeys []string

	mu        sync.RWMutex
	state     JobState
	page      int
	cancel    context.CancelFunc
	cancelled bool
}

// NewJob creates an idle job.
func NewJob(id, recordingID, videoID, ownerID string, publishedAt time.Time) *Job {
	return &Job{
		ID:          id,
		RecordingID: recordingID,
		VideoID:     videoID,
		OwnerID:     ownerID,
		PublishedAt: publishedAt,
		StartedAt:   time.Now().UTC(),
		state:       JobStateIdle,
	}
}

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// CurrentPage is the page number in progress, 0 before the first page.
func (j *Job) CurrentPage() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.page
}

// Cancel fires the job's cancellation token. Safe to call more than once,
// and before the job has started.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancelled = true
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// bind derives the job's cancellable context from parent.
func (j *Job) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	j.mu.Lock()
	j.cancel = cancel
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		cancel()
	}
	return ctx, cancel
}

func (j *Job) setPage(n int) {
	j.mu.Lock()
	j.page = n
	j.mu.Unlock()
}

func (j *Job) transition(to JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !isValidJobTransition(j.state, to) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", j.ID, j.state, to)
	}
	j.state = to
	return nil
}

func isValidJobTransition(from, to JobState) bool {
	switch from {
	case JobStateIdle:
		return to == JobStateRunning
	case JobStateRunning:
		return to == JobStateCompleted || to == JobStateCancelled || to == JobStateFailed
	default:
		return false
	}
}
