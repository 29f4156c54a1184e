package eventstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSEHandler serves GET /events?provider_id=... as a Server-Sent Events
// stream: backlog first, then live-tailed new events until the client
// disconnects.
func (p *Publisher) SSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := r.URL.Query().Get("provider_id")
		if providerID == "" {
			http.Error(w, "provider_id is required", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		ctx := r.Context()
		now := time.Now()
		events, lastID, err := p.Since(ctx, providerID, now, "0")
		if err != nil {
			p.logger.Error("eventstream: sse backlog failed", "error", err, "provider_id", providerID)
		}
		for _, evt := range events {
			writeSSE(w, evt)
		}
		flusher.Flush()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Exclusive start, so the last event already sent is not repeated.
				fromID := lastID
				if lastID != "0" {
					fromID = "(" + lastID
				}
				fresh, newLastID, err := p.Since(ctx, providerID, time.Now(), fromID)
				if err != nil {
					continue
				}
				for _, evt := range fresh {
					writeSSE(w, evt)
				}
				if len(fresh) > 0 {
					lastID = newLastID
					flusher.Flush()
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, raw)
}
