// Copyright 2025 James Ross
package streamer

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/job"
)

// WriteSSE encodes one event in the text/event-stream wire form:
// an "id:" line (omitted for synthetic heartbeats, whose ID is
// always 0), an "event:" line naming the job event type, a "data:"
// line carrying the JSON payload, and the blank line terminating the
// frame. It flushes immediately if w implements http.Flusher's Flush
// method via the flush callback, so events reach the client as they
// are produced rather than buffering.
func WriteSSE(w io.Writer, ev *job.Event, flush func()) error {
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %s\n", strconv.FormatInt(ev.ID, 10)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}

	data, err := json.Marshal(sseFrame{
		ID:        ev.ID,
		JobID:     ev.JobID,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

type sseFrame struct {
	ID        int64                  `json:"id"`
	JobID     string                 `json:"job_id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}
