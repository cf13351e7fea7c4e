package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/vodarchive/internal/recordings"
	"github.com/your-org/vodarchive/pkg/storage/objectstore"
)

// ErrJobNotFound is returned when cancelling a job that is not running.
var ErrJobNotFound = errors.New("ingestion job not found")

// Runner executes one job and emits its events.
type Runner interface {
	Run(ctx context.Context, job *Job, out Emitter)
}

// SummaryPublisher receives one summary per finished job.
type SummaryPublisher interface {
	PublishJSON(ctx context.Context, key string, payload any, headers map[string]string) error
	Close(ctx context.Context) error
}

// Summary is published when a job reaches a terminal state.
type Summary struct {
	JobID       string    `json:"job_id"`
	RecordingID string    `json:"recording_id"`
	VideoID     string    `json:"video_id"`
	State       JobState  `json:"state"`
	ObjectKeys  []string  `json:"object_keys"`
	Message     string    `json:"message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Service wires the recording store, the orchestrator and the summary
// producer, and owns the registry of running jobs.
type Service struct {
	recordings recordings.Store
	runner     Runner
	publisher  SummaryPublisher
	store      objectstore.Client
	registry   *Registry
	logger     *zap.Logger

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

type Params struct {
	Recordings recordings.Store
	Runner     Runner
	Publisher  SummaryPublisher
	Store      objectstore.Client
	Logger     *zap.Logger
}

// NewService constructs an ingestion Service.
func NewService(p Params) *Service {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Service{
		recordings: p.Recordings,
		runner:     p.Runner,
		publisher:  p.Publisher,
		store:      p.Store,
		registry:   NewRegistry(),
		logger:     p.Logger,
	}
}

// Prepare resolves the recording and returns an idle job for it.
func (s *Service) Prepare(ctx context.Context, recordingID string) (*Job, error) {
	rec, err := s.recordings.Lookup(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	return NewJob(uuid.NewString(), rec.ID, rec.VideoID, rec.OwnerID, rec.PublishedAt), nil
}

// Run executes job synchronously, streaming its events to out. The job can
// be cancelled through ctx, Cancel, or Close. Once Close has begun, Run
// reports the job as cancelled without starting it.
func (s *Service) Run(ctx context.Context, job *Job, out Emitter) {
	if !s.admit(job) {
		s.logger.Warn("ingestion refused during shutdown",
			zap.String("job_id", job.ID),
			zap.String("recording_id", job.RecordingID),
		)
		job.Cancel()
		job.transition(JobStateRunning)   //nolint:errcheck
		job.transition(JobStateCancelled) //nolint:errcheck
		out.Emit(newEvent(EventCancelled, nil))
		return
	}
	defer s.running.Done()
	defer s.registry.Remove(job.ID)

	ctx, cancel := job.bind(ctx)
	defer cancel()

	// chunk events arrive from upload goroutines
	var (
		mu   sync.Mutex
		last Event
	)
	s.runner.Run(ctx, job, EmitterFunc(func(e Event) {
		if e.Terminal() {
			mu.Lock()
			last = e
			mu.Unlock()
		}
		out.Emit(e)
	}))

	mu.Lock()
	defer mu.Unlock()
	s.publishSummary(job, last)
}

// admit registers job unless the service is closing. Registration and the
// counter only change under mu while closed is false, so Close cancels every
// admitted job and never waits on a counter that can still grow.
func (s *Service) admit(job *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.running.Add(1)
	s.registry.Add(job)
	return true
}

func (s *Service) publishSummary(job *Job, last Event) {
	if s.publisher == nil {
		return
	}
	summary := Summary{
		JobID:       job.ID,
		RecordingID: job.RecordingID,
		VideoID:     job.VideoID,
		State:       job.State(),
		ObjectKeys:  append([]string{}, job.ObjectKeys...),
		StartedAt:   job.StartedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if data, ok := last.Data.(ErrorData); ok {
		summary.Message = data.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	headers := map[string]string{
		"job_id":     job.ID,
		"event_type": fmt.Sprintf("archive.ingestion.%s", summary.State),
	}
	if err := s.publisher.PublishJSON(ctx, job.RecordingID, summary, headers); err != nil {
		s.logger.Error("publish ingestion summary failed",
			zap.String("job_id", job.ID),
			zap.String("recording_id", job.RecordingID),
			zap.Error(err),
		)
	}
}

// Cancel stops a running job.
func (s *Service) Cancel(jobID string) error {
	job, ok := s.registry.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	job.Cancel()
	s.logger.Info("ingestion cancel requested", zap.String("job_id", jobID))
	return nil
}

// Active lists running jobs.
func (s *Service) Active() []JobSnapshot {
	return s.registry.Snapshot()
}

// Close cancels running jobs, waits for them to wind down, and releases
// underlying resources.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.registry.CancelAll()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("jobs still running at shutdown", zap.Int("active", len(s.registry.Snapshot())))
	}

	if s.publisher != nil {
		if err := s.publisher.Close(ctx); err != nil {
			return err
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
