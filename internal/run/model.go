package run

import (
	"encoding/json"
	"time"

	"github.com/freema/regforge/internal/extract"
	"github.com/freema/regforge/internal/process"
)

// Status represents the current state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Run is one supervised execution of a workflow.
type Run struct {
	ID             string `json:"id"`
	Workflow       string `json:"workflow"`
	Status         Status `json:"status"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`

	// Result fields
	ExitCode        *int     `json:"exit_code,omitempty"`
	Kind            string   `json:"kind,omitempty"`
	Message         string   `json:"message,omitempty"`
	Error           string   `json:"error,omitempty"`
	Email           string   `json:"email,omitempty"`
	Confirmed       bool     `json:"confirmed"`
	AwaitedExit     bool     `json:"awaited_exit"`
	AccountSaved    bool     `json:"account_saved"`
	PromptsAnswered []string `json:"prompts_answered,omitempty"`
	Output          *Output  `json:"output,omitempty"`

	TraceID string `json:"trace_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Output is the captured console output of a finished run.
type Output struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// OutputOf returns the result's console output with secret values masked.
// The unmasked values only live in the sealed secrets.
func OutputOf(res *process.Result) Output {
	return Output{
		Stdout: extract.Redact(res.Stdout),
		Stderr: extract.Redact(res.Stderr),
	}
}

// StatusFor maps a supervisor result onto the terminal run status.
func StatusFor(res *process.Result) Status {
	if res.Success {
		return StatusSucceeded
	}
	switch res.Kind() {
	case process.KindTimeout:
		return StatusTimedOut
	case process.KindCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil
	}
	return v
}
