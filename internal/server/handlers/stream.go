package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/freema/regforge/internal/redisclient"
	"github.com/freema/regforge/internal/run"
)

const (
	streamMaxDuration = 20 * time.Minute
	streamKeepalive   = 15 * time.Second
)

// StreamHandler streams run events over Server-Sent Events.
type StreamHandler struct {
	service *run.Service
	redis   *redisclient.Client
}

func NewStreamHandler(service *run.Service, redis *redisclient.Client) *StreamHandler {
	return &StreamHandler{service: service, redis: redis}
}

// Stream handles GET /api/v1/runs/{runID}/stream. The event history is
// replayed first, then live events follow until the run's done event.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	current, err := h.service.Get(r.Context(), runID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	finished := run.IsFinished(current.Status)

	// Subscribe before the history replay so no event falls in between.
	streamKey := h.redis.RunKey(runID, "stream")
	doneKey := h.redis.RunKey(runID, "done")

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()

	var msgCh <-chan *redis.Message
	if !finished {
		pubsub := h.redis.Unwrap().Subscribe(subCtx, streamKey, doneKey)
		defer pubsub.Close()
		msgCh = pubsub.Channel()
	}

	writeSSE(w, "connected", map[string]interface{}{
		"run_id":   current.ID,
		"workflow": current.Workflow,
		"status":   current.Status,
	})
	flusher.Flush()

	replayed, err := h.redis.Unwrap().LRange(r.Context(), h.redis.RunKey(runID, "history"), 0, -1).Result()
	if err == nil && len(replayed) > 0 {
		for _, msg := range replayed {
			fmt.Fprintf(w, "data: %s\n\n", msg)
		}
		flusher.Flush()
	}

	if finished {
		writeSSE(w, "done", map[string]interface{}{
			"run_id": current.ID,
			"status": current.Status,
		})
		flusher.Flush()
		return
	}

	deadline := time.After(streamMaxDuration)
	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	slog.Debug("sse stream started", "run_id", runID)

	for {
		_ = rc.SetWriteDeadline(time.Now().Add(30 * time.Second))

		select {
		case <-r.Context().Done():
			slog.Debug("sse client disconnected", "run_id", runID)
			return

		case <-deadline:
			writeSSE(w, "timeout", map[string]string{
				"message": fmt.Sprintf("stream closed after %s", streamMaxDuration),
			})
			flusher.Flush()
			return

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()

		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			if msg.Channel == doneKey {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", msg.Payload)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
