// Copyright 2025 James Ross
package streamer

import (
	"net/http"
	"strconv"

	"github.com/nimbuschain/fetch-engine/internal/job"
)

// HTTPHandler serves GET /jobs/events and /jobs/{id}/events as a
// text/event-stream: job_id is taken from the path (empty for the
// all-jobs feed) and since_id from the query string, matching the
// Last-Event-ID reconnection convention.
func (s *Streamer) HTTPHandler(jobID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		sinceID := int64(0)
		if raw := r.Header.Get("Last-Event-ID"); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				sinceID = n
			}
		}
		if raw := r.URL.Query().Get("since_id"); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				sinceID = n
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		_ = s.Stream(ctx, Options{JobID: jobID, SinceID: sinceID}, func(ev *job.Event) error {
			return WriteSSE(w, ev, flusher.Flush)
		})
	}
}
