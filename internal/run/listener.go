package run

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/freema/regforge/internal/redisclient"
)

var listenerValidate = validator.New()

// RedisInputPayload is the JSON payload pushed to the Redis input list.
type RedisInputPayload struct {
	Workflow       string `json:"workflow,omitempty" validate:"omitempty,max=64"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=86400"`
	CallbackURL    string `json:"callback_url,omitempty" validate:"omitempty,url"`
	CorrelationID  string `json:"correlation_id,omitempty" validate:"omitempty,max=128"`
}

// WorkflowResolver maps a requested workflow name to a registered one.
type WorkflowResolver func(name string) (string, error)

// Listener creates runs from payloads pushed to a Redis list.
type Listener struct {
	redis           *redisclient.Client
	service         *Service
	resolve         WorkflowResolver
	inputKey        string
	resultKeyPrefix string
}

// NewListener creates a Redis input listener.
func NewListener(redis *redisclient.Client, service *Service, resolve WorkflowResolver, inputKey string) *Listener {
	return &Listener{
		redis:           redis,
		service:         service,
		resolve:         resolve,
		inputKey:        inputKey,
		resultKeyPrefix: "input:result:",
	}
}

// Start blocks consuming the input list until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	slog.Info("redis input listener started", "key", l.inputKey)
	inputKey := l.redis.Key(l.inputKey)

	for {
		result, err := l.redis.Unwrap().BLPop(ctx, 5*time.Second, inputKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				slog.Info("redis input listener shutting down")
				return
			}
			slog.Error("redis input pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		l.handlePayload(ctx, result[1])
	}
}

func (l *Listener) handlePayload(ctx context.Context, raw string) {
	input, err := parsePayload(raw)
	if err != nil {
		slog.Error("invalid redis input payload", "error", err, "payload", truncateLog(raw))
		return
	}

	name, err := l.resolve(input.Workflow)
	if err != nil {
		slog.Error("redis input rejected", "error", err, "correlation_id", input.CorrelationID)
		return
	}

	r, err := l.service.Create(ctx, CreateRunRequest{
		Workflow:       name,
		TimeoutSeconds: input.TimeoutSeconds,
		CallbackURL:    input.CallbackURL,
	})
	if err != nil {
		slog.Error("failed to create run from redis input", "error", err)
		return
	}
	slog.Info("run created from redis input", "run_id", r.ID, "correlation_id", input.CorrelationID)

	if input.CorrelationID != "" {
		data, _ := json.Marshal(map[string]string{
			"run_id": r.ID,
			"status": string(r.Status),
		})
		l.redis.Unwrap().Set(ctx, l.redis.Key(l.resultKeyPrefix+input.CorrelationID), string(data), 5*time.Minute)
	}
}

func parsePayload(raw string) (RedisInputPayload, error) {
	var input RedisInputPayload
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return input, err
	}
	if err := listenerValidate.Struct(input); err != nil {
		return input, err
	}
	return input, nil
}

func truncateLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
