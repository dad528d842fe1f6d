package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/extract"
	"github.com/freema/regforge/internal/process"
	"github.com/freema/regforge/internal/run"
)

func TestHistoryEntry(t *testing.T) {
	started := time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)
	code := 0
	res := &process.Result{
		Success:   true,
		ExitCode:  &code,
		Fields:    extract.Fields{extract.FieldEmail: "a@x.com", extract.FieldPassword: "pw"},
		Message:   "registered account a@x.com",
		StartedAt: started,
		Duration:  90 * time.Second,
	}
	r := &run.Run{ID: "r1", Workflow: "complete-registration"}

	e := historyEntry(r, run.StatusSucceeded, res)
	if e.RunID != "r1" || e.Status != "succeeded" || e.Email != "a@x.com" {
		t.Errorf("entry = %+v", e)
	}
	if !e.FinishedAt.Equal(started.Add(90*time.Second)) || e.Duration != 90 {
		t.Errorf("timing = %s / %v", e.FinishedAt, e.Duration)
	}
	if e.Kind != "" {
		t.Errorf("kind = %q, want empty on success", e.Kind)
	}
}

func TestResultEvent_NeverCarriesSecrets(t *testing.T) {
	res := &process.Result{
		Err:    apperror.Timeout("operation timed out"),
		Error:  "operation timed out",
		Fields: extract.Fields{extract.FieldEmail: "a@x.com", extract.FieldPassword: "hunter2"},
	}
	evt := resultEvent(run.StatusTimedOut, res)

	if evt["kind"] != process.KindTimeout {
		t.Errorf("kind = %v", evt["kind"])
	}
	for k, v := range evt {
		if s, ok := v.(string); ok && s == "hunter2" {
			t.Errorf("field %s leaks the password", k)
		}
	}
}

func TestRedactChunk(t *testing.T) {
	in := process.Chunk{Stream: process.StreamStdout, Text: "邮箱: a@x.com\n密码: pw123\n"}
	out := redactChunk(in)

	if strings.Contains(out.Text, "pw123") {
		t.Errorf("streamed chunk leaks the password: %q", out.Text)
	}
	if !strings.Contains(out.Text, "a@x.com") || out.Stream != process.StreamStdout {
		t.Errorf("chunk = %+v", out)
	}
}
