package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/vodarchive/internal/bilibili"
	"github.com/your-org/vodarchive/pkg/storage/objectstore"
	"github.com/your-org/vodarchive/pkg/tracing"
)

// Source is the video platform as seen by the orchestrator.
type Source interface {
	SigningKeys(ctx context.Context) (bilibili.Keys, error)
	ResolveVideoMeta(ctx context.Context, videoID string) (*bilibili.VideoMeta, error)
	ResolveAudioURL(ctx context.Context, videoID string, streamID int64, keys bilibili.Keys) (*bilibili.AudioStream, error)
}

// KeySaver persists the produced object keys for a recording.
type KeySaver interface {
	SaveObjectKeys(ctx context.Context, recordingID string, keys []string) error
}

type OrchestratorParams struct {
	Source      Source
	Fetcher     RangeFetcher
	Store       objectstore.Client
	Keys        KeySaver
	Logger      *zap.Logger
	ChunkSize   int64
	MaxParallel int
	// KeyLocation is the reference timezone for object-key dates.
	KeyLocation *time.Location
	Extension   string
	ContentType string
	RetryDelay  time.Duration
}

const saveKeysTimeout = 30 * time.Second

// Orchestrator drives one recording through the pipeline, page by page.
type Orchestrator struct {
	source      Source
	fetcher     RangeFetcher
	store       objectstore.Client
	keys        KeySaver
	logger      *zap.Logger
	tracer      trace.Tracer
	chunkSize   int64
	maxParallel int
	location    *time.Location
	ext         string
	contentType string
	retryDelay  time.Duration
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	o := &Orchestrator{
		source:      p.Source,
		fetcher:     p.Fetcher,
		store:       p.Store,
		keys:        p.Keys,
		logger:      p.Logger,
		tracer:      tracing.Tracer("github.com/your-org/vodarchive/internal/ingestion"),
		chunkSize:   p.ChunkSize,
		maxParallel: p.MaxParallel,
		location:    p.KeyLocation,
		ext:         p.Extension,
		contentType: p.ContentType,
		retryDelay:  p.RetryDelay,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.chunkSize <= 0 {
		o.chunkSize = DefaultChunkSize
	}
	if o.maxParallel <= 0 {
		o.maxParallel = defaultMaxParallel
	}
	if o.location == nil {
		o.location = time.FixedZone("CST", 8*60*60)
	}
	if o.ext == "" {
		o.ext = "m4a"
	}
	if o.contentType == "" {
		o.contentType = "audio/mp4"
	}
	return o
}

// Run processes job to a terminal state. Every path ends with exactly one
// terminal event (complete, cancelled or error) as the last emission.
func (o *Orchestrator) Run(ctx context.Context, job *Job, out Emitter) {
	logger := o.logger.With(
		zap.String("job_id", job.ID),
		zap.String("recording_id", job.RecordingID),
		zap.String("video_id", job.VideoID),
	)
	ctx, span := o.tracer.Start(ctx, "ingestion.job", trace.WithAttributes(
		attribute.String("recording.id", job.RecordingID),
		attribute.String("video.id", job.VideoID),
	))
	var runErr error
	defer func() { tracing.EndSpan(span, runErr) }()

	if err := job.transition(JobStateRunning); err != nil {
		runErr = err
		out.Emit(newEvent(EventError, ErrorData{Message: err.Error()}))
		return
	}
	out.Emit(newEvent(EventStart, StartData{JobID: job.ID, RecordingID: job.RecordingID, VideoID: job.VideoID}))

	fail := func(err error) {
		runErr = err
		if ctx.Err() != nil {
			o.finishCancelled(job, out, logger)
			return
		}
		logger.Error("ingestion failed", zap.Error(err))
		job.transition(JobStateFailed) //nolint:errcheck
		out.Emit(newEvent(EventError, ErrorData{Message: err.Error()}))
	}

	meta, err := o.source.ResolveVideoMeta(ctx, job.VideoID)
	if err != nil {
		fail(fmt.Errorf("resolve video metadata: %w", err))
		return
	}
	if len(meta.Pages) == 0 {
		fail(fmt.Errorf("video %s has no pages", job.VideoID))
		return
	}
	job.Pages = o.planPages(job, meta)

	var keys *bilibili.Keys
	for _, page := range job.Pages {
		if ctx.Err() != nil {
			o.finishCancelled(job, out, logger)
			return
		}
		job.setPage(page.Number)

		err := o.runPage(ctx, job, page, &keys, out, logger)
		if err == nil {
			continue
		}
		if page.Status == PageStatusPending || page.Status == PageStatusUploading {
			page.setStatus(PageStatusErrored) //nolint:errcheck
		}
		switch {
		case ctx.Err() != nil || errors.Is(err, ErrCancelled):
			o.finishCancelled(job, out, logger)
			return
		case isJobFatal(err):
			fail(fmt.Errorf("page %d: %w", page.Number, err))
			return
		default:
			logger.Warn("page failed",
				zap.Int("page", page.Number),
				zap.Int64("stream_id", page.StreamID),
				zap.Error(err),
			)
			out.Emit(newEvent(EventPageError, PageMessageData{
				StreamID: streamIDString(page.StreamID),
				Message:  err.Error(),
			}))
		}
	}

	if o.keys != nil {
		// every page has been attempted; record the result even if the
		// observer went away in the meantime
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveKeysTimeout)
		err := o.keys.SaveObjectKeys(saveCtx, job.RecordingID, job.ObjectKeys)
		cancel()
		if err != nil {
			runErr = err
			logger.Error("persist object keys failed", zap.Error(err))
			job.transition(JobStateFailed) //nolint:errcheck
			out.Emit(newEvent(EventError, ErrorData{Message: fmt.Sprintf("persist object keys: %v", err)}))
			return
		}
	}

	job.transition(JobStateCompleted) //nolint:errcheck
	logger.Info("ingestion completed", zap.Strings("object_keys", job.ObjectKeys))
	out.Emit(newEvent(EventComplete, CompleteData{
		RecordingID: job.RecordingID,
		ObjectKeys:  append([]string{}, job.ObjectKeys...),
	}))
}

func (o *Orchestrator) finishCancelled(job *Job, out Emitter, logger *zap.Logger) {
	job.transition(JobStateCancelled) //nolint:errcheck
	logger.Info("ingestion cancelled", zap.Int("completed_pages", len(job.ObjectKeys)))
	out.Emit(newEvent(EventCancelled, nil))
}

func (o *Orchestrator) planPages(job *Job, meta *bilibili.VideoMeta) []*PagePlan {
	pages := make([]*PagePlan, 0, len(meta.Pages))
	for _, p := range meta.Pages {
		pages = append(pages, &PagePlan{
			Number:    p.Number,
			StreamID:  p.StreamID,
			ObjectKey: ObjectKey(job.OwnerID, job.PublishedAt, o.location, job.VideoID, p.Number, o.ext),
			Status:    PageStatusPending,
		})
	}
	return pages
}

// runPage moves one page to Skipped or Complete, or returns why it could not.
// Signing keys are derived on first use and shared by the remaining pages.
func (o *Orchestrator) runPage(ctx context.Context, job *Job, page *PagePlan, keys **bilibili.Keys, out Emitter, logger *zap.Logger) (err error) {
	streamID := streamIDString(page.StreamID)
	logger = logger.With(zap.Int("page", page.Number), zap.Int64("stream_id", page.StreamID))

	ctx, span := o.tracer.Start(ctx, "ingestion.page", trace.WithAttributes(
		attribute.Int("page.number", page.Number),
		attribute.Int64("page.stream_id", page.StreamID),
		attribute.String("page.object_key", page.ObjectKey),
	))
	defer func() { tracing.EndSpan(span, err) }()

	out.Emit(newEvent(EventPageStart, PageStartData{
		StreamID:   streamID,
		PageNumber: page.Number,
		ObjectKey:  page.ObjectKey,
		TotalPages: len(job.Pages),
	}))

	exists, err := o.store.Exists(ctx, page.ObjectKey)
	if err != nil {
		return fmt.Errorf("check existing object: %w", err)
	}
	if exists {
		if err := page.setStatus(PageStatusSkipped); err != nil {
			return err
		}
		job.ObjectKeys = append(job.ObjectKeys, page.ObjectKey)
		logger.Info("page already archived", zap.String("object_key", page.ObjectKey))
		out.Emit(newEvent(EventPageSkip, PageMessageData{
			StreamID: streamID,
			Message:  fmt.Sprintf("page %d already archived at %s", page.Number, page.ObjectKey),
		}))
		return nil
	}

	if *keys == nil {
		k, err := o.source.SigningKeys(ctx)
		if err != nil {
			return err
		}
		*keys = &k
	}

	stream, err := o.source.ResolveAudioURL(ctx, job.VideoID, page.StreamID, **keys)
	if err != nil {
		return err
	}
	page.SourceURL = stream.URL
	page.TotalLength = stream.ContentLength

	chunks, err := PlanChunks(stream.ContentLength, o.chunkSize)
	if err != nil {
		return err
	}
	page.Chunks = chunks
	span.SetAttributes(attribute.Int("page.chunks", len(chunks)), attribute.Int64("page.bytes", page.TotalLength))

	session := NewMultipartSession(SessionParams{
		Store:   o.store,
		Fetcher: o.fetcher,
		Logger:  logger,
		Options: objectstore.MultipartOptions{
			ContentType: o.contentType,
			Metadata: map[string]string{
				"recording-id": job.RecordingID,
				"video-id":     job.VideoID,
				"page":         strconv.Itoa(page.Number),
			},
		},
		ObjectKey:   page.ObjectKey,
		MaxParallel: o.maxParallel,
		RetryDelay:  o.retryDelay,
	})
	if _, err := session.Begin(ctx); err != nil {
		return fmt.Errorf("open multipart upload: %w", err)
	}
	if err := page.setStatus(PageStatusUploading); err != nil {
		session.Abort(ctx)
		return err
	}

	out.Emit(newEvent(EventPageChunksReady, PageChunksReadyData{
		StreamID:    streamID,
		TotalChunks: len(chunks),
		TotalSize:   page.TotalLength,
		Chunks:      chunkInfos(page),
	}))

	parts, err := session.UploadAll(ctx, page.SourceURL, chunks, PartObserver{
		Progress: func(c ChunkPlan, uploaded int64) {
			out.Emit(newEvent(EventChunkProgress, ChunkProgressData{
				StreamID:       streamID,
				ChunkID:        chunkID(page.StreamID, c.Index),
				ChunkIndex:     c.Index,
				UploadedBytes:  uploaded,
				TotalChunkSize: c.Size(),
				ChunkProgress:  percent(uploaded, c.Size()),
			}))
		},
		Done: func(c ChunkPlan, uploaded int64) {
			out.Emit(newEvent(EventChunkComplete, ChunkCompleteData{
				StreamID:      streamID,
				ChunkID:       chunkID(page.StreamID, c.Index),
				ChunkIndex:    c.Index,
				UploadedBytes: uploaded,
			}))
		},
	})
	if err != nil {
		session.Abort(ctx)
		return err
	}
	if ctx.Err() != nil {
		session.Abort(ctx)
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if err := session.Complete(ctx, chunks, parts); err != nil {
		session.Abort(ctx)
		return err
	}

	if err := page.setStatus(PageStatusComplete); err != nil {
		return err
	}
	job.ObjectKeys = append(job.ObjectKeys, page.ObjectKey)
	logger.Info("page archived",
		zap.String("object_key", page.ObjectKey),
		zap.Int64("bytes", page.TotalLength),
		zap.Int("parts", len(parts)),
	)
	out.Emit(newEvent(EventPageComplete, PageCompleteData{
		StreamID:  streamID,
		ObjectKey: page.ObjectKey,
		Message:   fmt.Sprintf("page %d archived (%d bytes, %d parts)", page.Number, page.TotalLength, len(parts)),
	}))
	return nil
}
