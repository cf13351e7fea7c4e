package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/vodarchive/pkg/storage/objectstore"
)

// RangeFetcher downloads one inclusive byte range, reporting cumulative bytes.
type RangeFetcher interface {
	Fetch(ctx context.Context, url string, start, end int64, onBytes func(int64)) (io.ReadCloser, error)
}

// SessionState is the lifecycle of one multipart upload.
type SessionState string

const (
	SessionNotStarted    SessionState = "not_started"
	SessionCreated       SessionState = "created"
	SessionPartsInFlight SessionState = "parts_in_flight"
	SessionCompleted     SessionState = "completed"
	SessionAborted       SessionState = "aborted"
)

const (
	defaultMaxParallel = 8
	partAttempts       = 2
	abortTimeout       = 30 * time.Second
)

// PartResult is one uploaded part.
type PartResult struct {
	Index int
	ETag  string
	Size  int64
}

// PartObserver receives per-chunk progress. Either callback may be nil and
// both are called from upload goroutines. Progress never decreases for a
// chunk: after a retry nothing is reported until the new attempt passes the
// previous high-water mark.
type PartObserver struct {
	Progress func(chunk ChunkPlan, uploaded int64)
	Done     func(chunk ChunkPlan, uploaded int64)
}

type SessionParams struct {
	Store       objectstore.Client
	Fetcher     RangeFetcher
	Logger      *zap.Logger
	ObjectKey   string
	Options     objectstore.MultipartOptions
	MaxParallel int
	RetryDelay  time.Duration
}

// MultipartSession owns the destination multipart upload for one page:
// NotStarted -> Created -> PartsInFlight -> Completed, or -> Aborted.
type MultipartSession struct {
	store       objectstore.Client
	fetcher     RangeFetcher
	logger      *zap.Logger
	key         string
	opts        objectstore.MultipartOptions
	maxParallel int
	retryDelay  time.Duration

	mu       sync.Mutex
	state    SessionState
	uploadID string
}

// NewMultipartSession creates a session in the NotStarted state.
func NewMultipartSession(p SessionParams) *MultipartSession {
	if p.MaxParallel <= 0 {
		p.MaxParallel = defaultMaxParallel
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &MultipartSession{
		store:       p.Store,
		fetcher:     p.Fetcher,
		logger:      p.Logger.With(zap.String("object_key", p.ObjectKey)),
		key:         p.ObjectKey,
		opts:        p.Options,
		maxParallel: p.MaxParallel,
		retryDelay:  p.RetryDelay,
		state:       SessionNotStarted,
	}
}

// State returns the current lifecycle state.
func (s *MultipartSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UploadID is empty until Begin succeeds.
func (s *MultipartSession) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

func (s *MultipartSession) advance(from []SessionState, to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("multipart session %s: invalid transition %s -> %s", s.key, s.state, to)
}

// Begin opens the multipart upload.
func (s *MultipartSession) Begin(ctx context.Context) (string, error) {
	if state := s.State(); state != SessionNotStarted {
		return "", fmt.Errorf("multipart session %s: begin in state %s", s.key, state)
	}
	uploadID, err := s.store.CreateMultipart(ctx, s.key, s.opts)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.uploadID = uploadID
	s.state = SessionCreated
	s.mu.Unlock()

	s.logger.Debug("multipart upload created", zap.String("upload_id", uploadID))
	return uploadID, nil
}

// UploadPart streams one chunk from the source straight into a part upload.
// A source-side failure is retried once with the whole chunk.
func (s *MultipartSession) UploadPart(ctx context.Context, sourceURL string, chunk ChunkPlan, onBytes func(int64)) (PartResult, error) {
	uploadID := s.UploadID()
	if uploadID == "" {
		return PartResult{}, &PartUploadError{Index: chunk.Index, Err: errors.New("multipart upload not started")}
	}

	var reported int64
	progress := func(n int64) {
		if onBytes != nil && n > reported {
			reported = n
			onBytes(n)
		}
	}

	attempt := 0
	part, err := backoff.Retry(ctx, func() (objectstore.Part, error) {
		attempt++
		part, err := s.uploadOnce(ctx, uploadID, sourceURL, chunk, progress)
		switch {
		case err == nil:
			return part, nil
		case ctx.Err() != nil:
			return part, backoff.Permanent(ctx.Err())
		case isSourceError(err):
			return part, err
		default:
			return part, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryDelay)),
		backoff.WithMaxTries(partAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("retrying chunk after source failure",
				zap.Int("part", chunk.Index),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return PartResult{}, fmt.Errorf("part %d: %w", chunk.Index, ctx.Err())
		}
		return PartResult{}, &PartUploadError{Index: chunk.Index, Err: err}
	}
	return PartResult{Index: chunk.Index, ETag: part.ETag, Size: chunk.Size()}, nil
}

func (s *MultipartSession) uploadOnce(ctx context.Context, uploadID, sourceURL string, chunk ChunkPlan, onBytes func(int64)) (objectstore.Part, error) {
	body, err := s.fetcher.Fetch(ctx, sourceURL, chunk.Start, chunk.End, onBytes)
	if err != nil {
		return objectstore.Part{}, &sourceError{err: err}
	}
	defer body.Close()

	src := &recordingReader{r: body}
	part, err := s.store.UploadPart(ctx, s.key, uploadID, chunk.Index, src, chunk.Size())
	if err != nil {
		if src.err != nil {
			return objectstore.Part{}, &sourceError{err: src.err}
		}
		return objectstore.Part{}, err
	}
	return part, nil
}

// UploadAll fans the chunks out concurrently, at most maxParallel at a time.
// The first failure cancels the siblings. Results are in completion order.
func (s *MultipartSession) UploadAll(ctx context.Context, sourceURL string, chunks []ChunkPlan, obs PartObserver) ([]PartResult, error) {
	if err := s.advance([]SessionState{SessionCreated}, SessionPartsInFlight); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	var mu sync.Mutex
	results := make([]PartResult, 0, len(chunks))

	for _, chunk := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var onBytes func(int64)
			if obs.Progress != nil {
				onBytes = func(n int64) { obs.Progress(chunk, n) }
			}
			res, err := s.UploadPart(gctx, sourceURL, chunk, onBytes)
			if err != nil {
				return err
			}
			if obs.Done != nil {
				obs.Done(chunk, res.Size)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return results, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return results, err
	}
	return results, nil
}

// Complete submits the parts sorted by index. Every chunk must have exactly
// one part; a gap is a *CompletionError.
func (s *MultipartSession) Complete(ctx context.Context, chunks []ChunkPlan, parts []PartResult) error {
	if state := s.State(); state != SessionPartsInFlight && state != SessionCreated {
		return &CompletionError{Err: fmt.Errorf("session in state %s", state)}
	}

	sorted := append([]PartResult(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	if missing := missingParts(chunks, sorted); len(missing) > 0 || len(sorted) != len(chunks) {
		return &CompletionError{Missing: missing, Err: fmt.Errorf("got %d parts for %d chunks", len(sorted), len(chunks))}
	}

	payload := make([]objectstore.Part, 0, len(sorted))
	for _, p := range sorted {
		payload = append(payload, objectstore.Part{Number: p.Index, ETag: p.ETag, Size: p.Size})
	}
	if err := s.store.CompleteMultipart(ctx, s.key, s.UploadID(), payload); err != nil {
		return &CompletionError{Err: err}
	}

	s.mu.Lock()
	s.state = SessionCompleted
	s.mu.Unlock()
	return nil
}

// Abort is best-effort cleanup. It runs even when ctx is already cancelled
// and only logs failures; the caller has already decided the page failed.
func (s *MultipartSession) Abort(ctx context.Context) {
	s.mu.Lock()
	if s.state != SessionCreated && s.state != SessionPartsInFlight {
		s.mu.Unlock()
		return
	}
	s.state = SessionAborted
	uploadID := s.uploadID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := s.store.AbortMultipart(ctx, s.key, uploadID); err != nil {
		s.logger.Error("abort multipart upload failed", zap.String("upload_id", uploadID), zap.Error(err))
		return
	}
	s.logger.Info("multipart upload aborted", zap.String("upload_id", uploadID))
}

// missingParts lists chunk indexes without exactly one part with an ETag.
func missingParts(chunks []ChunkPlan, sorted []PartResult) []int {
	seen := make(map[int]int, len(sorted))
	for _, p := range sorted {
		if p.ETag != "" {
			seen[p.Index]++
		}
	}
	var missing []int
	for _, c := range chunks {
		if seen[c.Index] != 1 {
			missing = append(missing, c.Index)
		}
	}
	return missing
}

// recordingReader remembers the first read error so a failed part upload can
// be attributed to the source rather than the destination.
type recordingReader struct {
	r   io.Reader
	err error
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF && r.err == nil {
		r.err = err
	}
	return n, err
}
