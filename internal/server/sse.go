package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/danshapiro/statflow/internal/engine"
)

// writeSSE streams engine progress events as Server-Sent Events until the
// client goes away, the server shuts down, or the subscription is dropped.
// A ready event additionally emits "event: ready".
func writeSSE(ctx context.Context, w http.ResponseWriter, events <-chan engine.ProgressEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Dropped as a slow subscriber.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if ev.State == engine.StateReady {
				fmt.Fprintf(w, "event: ready\ndata: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}
