package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/vodarchive/internal/recordings"
)

const defaultStreamBuffer = 64

// HTTPHandler exposes REST endpoints for the archiver.
type HTTPHandler struct {
	service      *Service
	logger       *zap.Logger
	streamBuffer int
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(service *Service, logger *zap.Logger, streamBuffer int) *HTTPHandler {
	if streamBuffer <= 0 {
		streamBuffer = defaultStreamBuffer
	}
	h := &HTTPHandler{
		service:      service,
		logger:       logger,
		streamBuffer: streamBuffer,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)

	// ingestion streams stay open for as long as the recording takes
	r.Post("/api/v1/ingestions", h.handleIngest)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/api/v1/ingestions", h.handleList)
		r.Delete("/api/v1/ingestions/{jobID}", h.handleCancel)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type ingestRequest struct {
	RecordingID string `json:"recordingId"`
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RecordingID = strings.TrimSpace(req.RecordingID)
	if req.RecordingID == "" {
		writeError(w, http.StatusBadRequest, "recordingId is required")
		return
	}

	job, err := h.service.Prepare(r.Context(), req.RecordingID)
	switch {
	case errors.Is(err, recordings.ErrNotFound):
		writeError(w, http.StatusNotFound, "recording not found")
		return
	case err != nil:
		h.logger.Error("prepare ingestion failed", zap.String("recording_id", req.RecordingID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start ingestion")
		return
	}

	format := negotiateFormat(r)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Job-ID", job.ID)
	w.WriteHeader(http.StatusOK)
	flush()

	enc := NewEncoder(w, format, flush)
	stream := NewStream(h.streamBuffer)
	go func() {
		defer stream.Close()
		h.service.Run(r.Context(), job, stream)
	}()

	// Keep draining after a write failure so the job can wind down.
	var writeErr error
	for ev := range stream.Events() {
		if writeErr != nil {
			continue
		}
		if writeErr = enc.Encode(ev); writeErr != nil {
			h.logger.Warn("event stream write failed; cancelling job",
				zap.String("job_id", job.ID),
				zap.Error(writeErr),
			)
			job.Cancel()
		}
	}
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": h.service.Active(),
	})
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.service.Cancel(jobID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "cancelling",
	})
}

func negotiateFormat(r *http.Request) Format {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return FormatSSE
	}
	return FormatNDJSON
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
