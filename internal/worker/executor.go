package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/config"
	"github.com/freema/regforge/internal/extract"
	"github.com/freema/regforge/internal/history"
	"github.com/freema/regforge/internal/logger"
	"github.com/freema/regforge/internal/metrics"
	"github.com/freema/regforge/internal/process"
	"github.com/freema/regforge/internal/run"
	"github.com/freema/regforge/internal/tracing"
	"github.com/freema/regforge/internal/webhook"
	"github.com/freema/regforge/internal/workflow"
)

// Executor drives one run from pending to a terminal status: resolve the
// workflow, supervise the script, persist and report the result.
type Executor struct {
	runs       *run.Service
	workflows  *workflow.Registry
	supervisor *process.Supervisor
	streamer   *Streamer
	webhook    *webhook.Sender
	history    *history.Archive
	limits     config.RunsConfig
	log        *slog.Logger

	defaultCallback string
}

// NewExecutor creates a new run executor. webhook and history may be nil.
func NewExecutor(
	runs *run.Service,
	workflows *workflow.Registry,
	supervisor *process.Supervisor,
	streamer *Streamer,
	webhook *webhook.Sender,
	history *history.Archive,
	limits config.RunsConfig,
	log *slog.Logger,
) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		runs:       runs,
		workflows:  workflows,
		supervisor: supervisor,
		streamer:   streamer,
		webhook:    webhook,
		history:    history,
		limits:     limits,
		log:        log,
	}
}

// SetDefaultCallback sets the webhook URL used for runs created without one.
func (e *Executor) SetDefaultCallback(url string) {
	e.defaultCallback = url
}

// Execute runs the workflow of r and records its single terminal result.
func (e *Executor) Execute(ctx context.Context, r *run.Run) {
	ctx, span := tracing.Tracer().Start(ctx, "run.execute", tracing.WithRunAttributes(r.ID, r.Workflow))
	defer span.End()

	// Reporting must survive cancellation of the run itself.
	persistCtx := context.WithoutCancel(ctx)

	if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
		r.TraceID = traceID
		_ = e.runs.SetTraceID(persistCtx, r.ID, traceID)
	}
	log := e.log.With("run_id", r.ID, "workflow", r.Workflow, "trace_id", r.TraceID)

	wf, err := e.workflows.Get(r.Workflow)
	if err != nil {
		res := e.rejectRun(persistCtx, r, err, log)
		tracing.EndRun(span, string(run.StatusFailed), res.Kind(), res.Error)
		return
	}

	if err := e.runs.UpdateStatus(ctx, r.ID, run.StatusRunning); err != nil {
		log.Error("failed to mark run as running", "error", err)
		return
	}

	metrics.RunsInProgress.Inc()
	defer metrics.RunsInProgress.Dec()

	timeout := e.limits.RunTimeout(r.TimeoutSeconds)
	_ = e.streamer.EmitSystem(persistCtx, r.ID, "run_started", map[string]interface{}{
		"workflow":        wf.Name,
		"timeout_seconds": int(timeout.Seconds()),
	})

	emitOutput := func(c process.Chunk) {
		_ = e.streamer.EmitOutput(persistCtx, r.ID, c)
	}
	e.preflight(logger.WithContext(ctx, log), persistCtx, r.ID, wf, emitOutput)

	opts := wf.Options(timeout, emitOutput)
	opts.OnPrompt = func(c process.PromptClass) {
		tracing.PromptAnswered(ctx, c.Name)
		_ = e.streamer.EmitPrompt(persistCtx, r.ID, c)
	}

	res := e.supervisor.Run(logger.WithContext(ctx, log), opts)
	status := run.StatusFor(res)

	if err := e.runs.SetResult(persistCtx, r.ID, res); err != nil {
		log.Error("failed to store result", "error", err)
	}
	if err := e.runs.UpdateStatus(persistCtx, r.ID, status); err != nil {
		log.Error("failed to update final status", "status", status, "error", err)
	}

	outcome := string(status)
	metrics.RunsTotal.WithLabelValues(wf.Name, outcome).Inc()
	metrics.RunDuration.WithLabelValues(wf.Name, outcome).Observe(res.Duration.Seconds())
	tracing.EndRun(span, outcome, res.Kind(), res.Error)

	_ = e.streamer.EmitResult(persistCtx, r.ID, "run_finished", resultEvent(status, res))
	_ = e.streamer.EmitDone(persistCtx, r.ID, status)

	e.archive(persistCtx, r, status, res, log)
	e.notify(persistCtx, r, status, res, log)

	if res.Success {
		log.Info("run finished", "status", status, "duration", res.Duration, "message", res.Message)
	} else {
		log.Warn("run finished", "status", status, "kind", res.Kind(), "error", res.Error, "duration", res.Duration)
	}
}

// preflight runs the workflow's preparation step and reports it on the run
// stream. Its outcome never changes the run's result.
func (e *Executor) preflight(ctx, persistCtx context.Context, runID string, wf workflow.Workflow, onOutput process.Subscriber) {
	res := workflow.RunPreflight(ctx, e.supervisor, wf, onOutput)
	if res == nil {
		return
	}
	data := map[string]interface{}{
		"success":     res.Success,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	_ = e.streamer.EmitSystem(persistCtx, runID, "preflight_finished", data)
}

// rejectRun fails a run that never started.
func (e *Executor) rejectRun(ctx context.Context, r *run.Run, cause error, log *slog.Logger) *process.Result {
	res := &process.Result{Err: apperror.Launch(cause, "resolving workflow"), StartedAt: time.Now()}
	res.Error = res.Err.Error()
	errMsg := res.Error
	log.Error("run rejected", "error", errMsg)

	_ = e.runs.SetError(ctx, r.ID, errMsg)
	_ = e.runs.UpdateStatus(ctx, r.ID, run.StatusFailed)
	metrics.RunsTotal.WithLabelValues(r.Workflow, string(run.StatusFailed)).Inc()

	_ = e.streamer.EmitSystem(ctx, r.ID, "run_rejected", map[string]string{"error": errMsg})
	_ = e.streamer.EmitDone(ctx, r.ID, run.StatusFailed)

	e.archive(ctx, r, run.StatusFailed, res, log)
	e.notify(ctx, r, run.StatusFailed, res, log)
	return res
}

func (e *Executor) archive(ctx context.Context, r *run.Run, status run.Status, res *process.Result, log *slog.Logger) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(ctx, historyEntry(r, status, res)); err != nil {
		log.Warn("failed to archive run", "error", err)
	}
}

func (e *Executor) notify(ctx context.Context, r *run.Run, status run.Status, res *process.Result, log *slog.Logger) {
	callback := r.CallbackURL
	if callback == "" {
		callback = e.defaultCallback
	}
	if callback == "" || e.webhook == nil {
		return
	}
	if err := e.webhook.Send(ctx, callback, webhook.Payload{
		RunID:        r.ID,
		Workflow:     r.Workflow,
		Status:       string(status),
		Kind:         res.Kind(),
		Message:      res.Message,
		Error:        res.Error,
		ExitCode:     res.ExitCode,
		Email:        res.Fields[extract.FieldEmail],
		AccountSaved: res.AccountSaved,
		TraceID:      r.TraceID,
		FinishedAt:   time.Now().UTC(),
	}); err != nil {
		log.Error("webhook delivery failed", "error", err)
	}
}

func resultEvent(status run.Status, res *process.Result) map[string]interface{} {
	return map[string]interface{}{
		"status":           status,
		"kind":             res.Kind(),
		"exit_code":        res.ExitCode,
		"message":          res.Message,
		"error":            res.Error,
		"email":            res.Fields[extract.FieldEmail],
		"confirmed":        res.Confirmed,
		"account_saved":    res.AccountSaved,
		"prompts_answered": res.PromptsAnswered,
		"duration_seconds": res.Duration.Seconds(),
	}
}

func historyEntry(r *run.Run, status run.Status, res *process.Result) history.Entry {
	started := res.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return history.Entry{
		RunID:      r.ID,
		Workflow:   r.Workflow,
		Status:     string(status),
		Kind:       res.Kind(),
		ExitCode:   res.ExitCode,
		Email:      res.Fields[extract.FieldEmail],
		Message:    res.Message,
		Error:      res.Error,
		StartedAt:  started.UTC(),
		FinishedAt: started.Add(res.Duration).UTC(),
		Duration:   res.Duration.Seconds(),
	}
}
