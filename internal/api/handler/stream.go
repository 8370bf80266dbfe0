package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	mw "textgate/internal/api/middleware"
	"textgate/internal/api/response"
	"textgate/pkg/models"
)

// Streamer defines the interface the SSE handlers depend on. Watch follows
// one job until it settles; WatchAll follows every active job for an org.
type Streamer interface {
	Watch(ctx context.Context, jobID uuid.UUID, push func(models.JobUpdateEvent) error) error
	WatchAll(ctx context.Context, orgID string, push func(models.JobUpdateEvent) error) error
}

// NewJobStreamHandler returns an http.HandlerFunc for GET
// /api/v1/jobs/{jobID}/stream. Events are sent as SSE until the job
// reaches a terminal state or the client disconnects.
func NewJobStreamHandler(watcher Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
				"Streaming not supported by this connection", nil)
			return
		}

		// Headers go out lazily on the first event so a job lookup failure
		// can still return a JSON error with a real status code.
		sink := &sseSink{w: w, flusher: flusher}

		err := watcher.Watch(r.Context(), id, sink.push)
		if err != nil && !sink.started {
			writeServiceError(w, err)
			return
		}
		if err != nil {
			slog.Warn("job stream ended with error", "job_id", id, "error", err)
		}
	}
}

// NewGlobalStreamHandler returns an http.HandlerFunc for GET /api/v1/stream.
// The org scope comes from the ?org query parameter, falling back to the
// org header; an empty scope streams every job.
func NewGlobalStreamHandler(watcher Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
				"Streaming not supported by this connection", nil)
			return
		}

		orgID := r.URL.Query().Get("org")
		if orgID == "" {
			orgID, _ = mw.GetOrgID(r)
		}

		sink := &sseSink{w: w, flusher: flusher}

		err := watcher.WatchAll(r.Context(), orgID, sink.push)
		if err != nil && !sink.started {
			writeServiceError(w, err)
			return
		}
		if err != nil {
			slog.Warn("global stream ended with error", "org_id", orgID, "error", err)
		}
	}
}

// sseSink writes job updates as server-sent events. The handshake headers
// are written once, before the first event.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) push(ev models.JobUpdateEvent) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.started = true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding job update: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: job_update\ndata: %s\n\n", payload); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
