package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freema/regforge/internal/extract"
	"github.com/freema/regforge/internal/process"
	"github.com/freema/regforge/internal/redisclient"
	"github.com/freema/regforge/internal/run"
)

// StreamEvent is a structured event published to Redis Pub/Sub.
type StreamEvent struct {
	Type  string          `json:"type"`  // system, output, prompt, result
	Event string          `json:"event"` // event name
	Data  json.RawMessage `json:"data"`  // event-specific payload
	TS    string          `json:"ts"`    // ISO 8601 timestamp
}

// Streamer publishes run events to Redis Pub/Sub and persists them to a
// per-run history list so late subscribers can replay.
type Streamer struct {
	redis      *redisclient.Client
	historyTTL time.Duration
}

// NewStreamer creates a new event streamer.
func NewStreamer(redis *redisclient.Client, historyTTL time.Duration) *Streamer {
	return &Streamer{redis: redis, historyTTL: historyTTL}
}

// Emit publishes an event to the run's stream channel and persists it.
func (s *Streamer) Emit(ctx context.Context, runID string, evt StreamEvent) error {
	evt.TS = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := string(data)

	pipe := s.redis.Unwrap().Pipeline()
	pipe.Publish(ctx, s.redis.RunKey(runID, "stream"), msg)
	pipe.RPush(ctx, s.redis.RunKey(runID, "history"), msg)
	_, err = pipe.Exec(ctx)
	return err
}

// EmitSystem publishes a system event.
func (s *Streamer) EmitSystem(ctx context.Context, runID, event string, data interface{}) error {
	return s.emitTyped(ctx, runID, "system", event, data)
}

// EmitOutput forwards one console chunk with secret values masked. Chunks
// are masked one at a time, so a value split across two reads is missed.
func (s *Streamer) EmitOutput(ctx context.Context, runID string, chunk process.Chunk) error {
	return s.emitTyped(ctx, runID, "output", string(chunk.Stream), redactChunk(chunk))
}

func redactChunk(c process.Chunk) process.Chunk {
	c.Text = extract.Redact(c.Text)
	return c
}

// EmitPrompt records an automatic answer.
func (s *Streamer) EmitPrompt(ctx context.Context, runID string, class process.PromptClass) error {
	return s.emitTyped(ctx, runID, "prompt", "answered", map[string]string{
		"prompt":   class.Name,
		"response": class.Response,
	})
}

// EmitResult publishes a result event.
func (s *Streamer) EmitResult(ctx context.Context, runID, event string, data interface{}) error {
	return s.emitTyped(ctx, runID, "result", event, data)
}

// EmitDone publishes the completion signal and starts the history TTL.
func (s *Streamer) EmitDone(ctx context.Context, runID string, status run.Status) error {
	data, _ := json.Marshal(map[string]interface{}{
		"run_id": runID,
		"status": status,
	})

	historyKey := s.redis.RunKey(runID, "history")
	pipe := s.redis.Unwrap().Pipeline()
	pipe.Publish(ctx, s.redis.RunKey(runID, "done"), string(data))
	pipe.Expire(ctx, historyKey, s.historyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Streamer) emitTyped(ctx context.Context, runID, eventType, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.Emit(ctx, runID, StreamEvent{Type: eventType, Event: event, Data: raw})
}
