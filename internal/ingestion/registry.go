package ingestion

import (
	"sort"
	"sync"
	"time"
)

// JobSnapshot is a read-only view of an active job.
type JobSnapshot struct {
	JobID       string    `json:"jobId"`
	RecordingID string    `json:"recordingId"`
	VideoID     string    `json:"videoId"`
	State       JobState  `json:"state"`
	CurrentPage int       `json:"currentPage"`
	StartedAt   time.Time `json:"startedAt"`
}

// Registry tracks running jobs so they can be listed and cancelled.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]*Job{}}
}

func (r *Registry) Add(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Snapshot lists active jobs, oldest first.
func (r *Registry) Snapshot() []JobSnapshot {
	r.mu.RLock()
	out := make([]JobSnapshot, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, JobSnapshot{
			JobID:       job.ID,
			RecordingID: job.RecordingID,
			VideoID:     job.VideoID,
			State:       job.State(),
			CurrentPage: job.CurrentPage(),
			StartedAt:   job.StartedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CancelAll fires every active job's cancellation token.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		job.Cancel()
	}
}
