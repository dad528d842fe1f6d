package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/extract"
	"github.com/freema/regforge/internal/process"
	"github.com/freema/regforge/internal/redisclient"
	"github.com/freema/regforge/internal/secret"
)

// CreateRunRequest is the payload for run creation.
type CreateRunRequest struct {
	Workflow       string `json:"workflow,omitempty" validate:"omitempty,max=64"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=86400"`
	CallbackURL    string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

// Service manages run lifecycle and Redis persistence.
type Service struct {
	redis     *redisclient.Client
	sealer    *secret.Sealer
	queueName string
	stateTTL  time.Duration
	resultTTL time.Duration
}

// NewService creates a new run service.
func NewService(redis *redisclient.Client, sealer *secret.Sealer, queueName string, stateTTL, resultTTL time.Duration) *Service {
	return &Service{
		redis:     redis,
		sealer:    sealer,
		queueName: queueName,
		stateTTL:  stateTTL,
		resultTTL: resultTTL,
	}
}

// Create stores a pending run and enqueues it. The workflow name must already
// be resolved against the registry.
func (s *Service) Create(ctx context.Context, req CreateRunRequest) (*Run, error) {
	r := &Run{
		ID:             uuid.New().String(),
		Workflow:       req.Workflow,
		Status:         StatusPending,
		TimeoutSeconds: req.TimeoutSeconds,
		CallbackURL:    req.CallbackURL,
		CreatedAt:      time.Now().UTC(),
	}

	pipe := s.redis.Unwrap().Pipeline()
	pipe.HSet(ctx, s.redis.RunKey(r.ID, "state"), runToHash(r))
	pipe.RPush(ctx, s.redis.Key(s.queueName), r.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("creating run in redis: %w", err)
	}

	slog.Info("run created", "run_id", r.ID, "workflow", r.Workflow)
	return r, nil
}

// Get retrieves a run by ID, including its captured output when finished.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	fields, err := s.redis.Unwrap().HGetAll(ctx, s.redis.RunKey(runID, "state")).Result()
	if err != nil {
		return nil, fmt.Errorf("getting run from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, apperror.NotFound("run %s not found", runID)
	}
	r := hashToRun(fields)

	raw, err := s.redis.Unwrap().Get(ctx, s.redis.RunKey(runID, "result")).Result()
	if err == nil {
		var out Output
		if json.Unmarshal([]byte(raw), &out) == nil {
			r.Output = &out
		}
	}
	return r, nil
}

// UpdateStatus transitions a run to a new status with state machine validation.
func (s *Service) UpdateStatus(ctx context.Context, runID string, next Status) error {
	stateKey := s.redis.RunKey(runID, "state")

	current, err := s.redis.Unwrap().HGet(ctx, stateKey, "status").Result()
	if errors.Is(err, redis.Nil) {
		return apperror.NotFound("run %s not found", runID)
	}
	if err != nil {
		return fmt.Errorf("getting run status: %w", err)
	}
	if err := ValidateTransition(Status(current), next); err != nil {
		return err
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":     string(next),
		"updated_at": now.Format(time.RFC3339Nano),
	}
	switch {
	case next == StatusRunning:
		fields["started_at"] = now.Format(time.RFC3339Nano)
	case IsFinished(next):
		fields["finished_at"] = now.Format(time.RFC3339Nano)
	}

	pipe := s.redis.Unwrap().Pipeline()
	pipe.HSet(ctx, stateKey, fields)
	if IsFinished(next) {
		pipe.Expire(ctx, stateKey, s.stateTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}

	slog.Info("run status updated", "run_id", runID, "status", next)
	return nil
}

// SetResult stores the supervisor result. Extracted secrets are sealed before
// they are written; the email stays readable for listings.
func (s *Service) SetResult(ctx context.Context, runID string, res *process.Result) error {
	fields := map[string]interface{}{
		"kind":          res.Kind(),
		"message":       res.Message,
		"error":         res.Error,
		"confirmed":     strconv.FormatBool(res.Confirmed),
		"awaited_exit":  strconv.FormatBool(res.AwaitedExit),
		"account_saved": strconv.FormatBool(res.AccountSaved),
	}
	if res.ExitCode != nil {
		fields["exit_code"] = strconv.Itoa(*res.ExitCode)
	}
	if p := marshalStrings(res.PromptsAnswered); p != "" {
		fields["prompts_answered"] = p
	}
	if email := res.Fields[extract.FieldEmail]; email != "" {
		fields["email"] = email
	}

	output, _ := json.Marshal(OutputOf(res))

	pipe := s.redis.Unwrap().Pipeline()
	pipe.HSet(ctx, s.redis.RunKey(runID, "state"), fields)
	pipe.Set(ctx, s.redis.RunKey(runID, "result"), string(output), s.resultTTL)

	if len(res.Fields) > 0 {
		plain := make(map[string]string, len(res.Fields))
		for f, v := range res.Fields {
			plain[string(f)] = v
		}
		sealed, err := s.sealer.SealMap(plain, isSecretField)
		if err != nil {
			return fmt.Errorf("sealing credentials: %w", err)
		}
		data, _ := json.Marshal(sealed)
		pipe.Set(ctx, s.redis.RunKey(runID, "secrets"), string(data), s.resultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting run result: %w", err)
	}
	return nil
}

// SetError stores an error message on the run.
func (s *Service) SetError(ctx context.Context, runID, msg string) error {
	return s.redis.Unwrap().HSet(ctx, s.redis.RunKey(runID, "state"), "error", msg).Err()
}

// SetTraceID records the trace the run executed under.
func (s *Service) SetTraceID(ctx context.Context, runID, traceID string) error {
	return s.redis.Unwrap().HSet(ctx, s.redis.RunKey(runID, "state"), "trace_id", traceID).Err()
}

// Credentials returns the extracted fields of a run, decrypted in memory.
func (s *Service) Credentials(ctx context.Context, runID string) (map[string]string, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	raw, err := s.redis.Unwrap().Get(ctx, s.redis.RunKey(runID, "secrets")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.NotFound("run %s has no extracted credentials", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run credentials: %w", err)
	}

	var sealed map[string]string
	if err := json.Unmarshal([]byte(raw), &sealed); err != nil {
		return nil, fmt.Errorf("decoding run credentials: %w", err)
	}
	return s.sealer.OpenMap(sealed, isSecretField)
}

// QueueDepth returns the number of runs waiting in the queue.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.redis.Unwrap().LLen(ctx, s.redis.Key(s.queueName)).Result()
}

func isSecretField(name string) bool {
	return extract.Field(name).Secret()
}

func runToHash(r *Run) map[string]interface{} {
	fields := map[string]interface{}{
		"id":         r.ID,
		"workflow":   r.Workflow,
		"status":     string(r.Status),
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": r.CreatedAt.Format(time.RFC3339Nano),
	}
	if r.TimeoutSeconds > 0 {
		fields["timeout_seconds"] = strconv.Itoa(r.TimeoutSeconds)
	}
	if r.CallbackURL != "" {
		fields["callback_url"] = r.CallbackURL
	}
	return fields
}

func hashToRun(fields map[string]string) *Run {
	r := &Run{
		ID:              fields["id"],
		Workflow:        fields["workflow"],
		Status:          Status(fields["status"]),
		CallbackURL:     fields["callback_url"],
		Kind:            fields["kind"],
		Message:         fields["message"],
		Error:           fields["error"],
		Email:           fields["email"],
		TraceID:         fields["trace_id"],
		Confirmed:       fields["confirmed"] == "true",
		AwaitedExit:     fields["awaited_exit"] == "true",
		AccountSaved:    fields["account_saved"] == "true",
		PromptsAnswered: unmarshalStrings(fields["prompts_answered"]),
	}

	if v := fields["timeout_seconds"]; v != "" {
		r.TimeoutSeconds, _ = strconv.Atoi(v)
	}
	if v := fields["exit_code"]; v != "" {
		if code, err := strconv.Atoi(v); err == nil {
			r.ExitCode = &code
		}
	}
	if v := fields["created_at"]; v != "" {
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["started_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v)
		r.StartedAt = &ts
	}
	if v := fields["finished_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v)
		r.FinishedAt = &ts
	}
	return r
}
