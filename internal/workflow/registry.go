// Package workflow describes the automation scripts regforge can supervise.
package workflow

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/logger"
	"github.com/freema/regforge/internal/process"
)

// Names of the built-in workflows.
const (
	CompleteRegistration = "complete-registration"
	ResetMachineID       = "reset-machine-id"
)

// Workflow is one runnable script with its interaction table.
type Workflow struct {
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	Interpreter   string                `json:"interpreter"`
	Script        string                `json:"script"`
	Args          []string              `json:"args,omitempty"`
	WorkDir       string                `json:"work_dir"`
	Env           []string              `json:"-"`
	Encoding      string                `json:"encoding,omitempty"`
	Prompts       []process.PromptClass `json:"prompts,omitempty"`
	Extract       bool                  `json:"extract"`
	ExtractStderr bool                  `json:"-"`
	Preflight     *Preflight            `json:"preflight,omitempty"`
}

// Preflight prepares the script's environment before every run, typically
// installing its dependencies. It is skipped when OnlyIf names a file that
// does not exist. A failed preflight is reported but never blocks the run.
type Preflight struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// OnlyIf is resolved against the workflow's work dir.
	OnlyIf  string        `json:"only_if,omitempty"`
	Timeout time.Duration `json:"timeout"`
}

// Options builds supervisor options for one run of the workflow.
func (w Workflow) Options(timeout time.Duration, onOutput process.Subscriber) process.RunOptions {
	args := append([]string{w.Script}, w.Args...)
	return process.RunOptions{
		Command:       w.Interpreter,
		Args:          args,
		WorkDir:       w.WorkDir,
		Env:           w.Env,
		Timeout:       timeout,
		Encoding:      w.Encoding,
		Prompts:       w.Prompts,
		Extract:       w.Extract,
		ExtractStderr: w.ExtractStderr,
		OnOutput:      onOutput,
		RequiredFiles: []string{w.Script},
	}
}

// PreflightOptions builds supervisor options for the workflow's preflight.
// It reports false when there is nothing to run.
func (w Workflow) PreflightOptions(onOutput process.Subscriber) (process.RunOptions, bool) {
	p := w.Preflight
	if p == nil || p.Command == "" {
		return process.RunOptions{}, false
	}
	if p.OnlyIf != "" {
		marker := p.OnlyIf
		if !filepath.IsAbs(marker) && w.WorkDir != "" {
			marker = filepath.Join(w.WorkDir, marker)
		}
		if _, err := os.Stat(marker); err != nil {
			return process.RunOptions{}, false
		}
	}
	return process.RunOptions{
		Command:  p.Command,
		Args:     p.Args,
		WorkDir:  w.WorkDir,
		Env:      w.Env,
		Timeout:  p.Timeout,
		Encoding: w.Encoding,
		OnOutput: onOutput,
	}, true
}

// Runner runs one supervised command.
type Runner interface {
	Run(ctx context.Context, opts process.RunOptions) *process.Result
}

// RunPreflight runs the workflow's preflight through r with the same output
// sink as the script. It returns nil when no preflight applies.
func RunPreflight(ctx context.Context, r Runner, w Workflow, onOutput process.Subscriber) *process.Result {
	opts, ok := w.PreflightOptions(onOutput)
	if !ok {
		return nil
	}
	log := logger.FromContext(ctx)
	log.Info("running preflight", "workflow", w.Name, "command", opts.Command, "args", opts.Args)

	res := r.Run(ctx, opts)
	if res.Success {
		log.Info("preflight finished", "workflow", w.Name, "duration", res.Duration)
	} else {
		log.Warn("preflight failed, continuing with the script", "workflow", w.Name, "kind", res.Kind(), "error", res.Error)
	}
	return res
}

// Settings locate the scripts on disk.
type Settings struct {
	Python        string
	ScriptDir     string
	Encoding      string
	ExtractStderr bool
	// InstallDeps installs requirements.txt from ScriptDir before each run.
	InstallDeps    bool
	InstallTimeout time.Duration
}

// Defaults returns the two built-in workflows.
func Defaults(s Settings) []Workflow {
	env := []string{"PYTHONIOENCODING=utf-8"}
	var preflight *Preflight
	if s.InstallDeps {
		preflight = &Preflight{
			Command: s.Python,
			Args:    []string{"-m", "pip", "install", "-r", "requirements.txt"},
			OnlyIf:  "requirements.txt",
			Timeout: s.InstallTimeout,
		}
	}
	return []Workflow{
		{
			Name:          CompleteRegistration,
			Description:   "Run the full registration flow, answer its prompts and record the new account",
			Interpreter:   s.Python,
			Script:        filepath.Join(s.ScriptDir, "cursor_pro_keep_alive.py"),
			WorkDir:       s.ScriptDir,
			Env:           env,
			Encoding:      s.Encoding,
			Prompts:       process.DefaultPrompts,
			Extract:       true,
			ExtractStderr: s.ExtractStderr,
			Preflight:     preflight,
		},
		{
			Name:        ResetMachineID,
			Description: "Reset the local machine identifiers",
			Interpreter: s.Python,
			Script:      filepath.Join(s.ScriptDir, "reset_machine.py"),
			WorkDir:     s.ScriptDir,
			Env:         env,
			Encoding:    s.Encoding,
			Preflight:   preflight,
		},
	}
}

// Registry manages available workflows.
type Registry struct {
	workflows   map[string]Workflow
	defaultName string
}

// NewRegistry creates a workflow registry with a default workflow name.
func NewRegistry(defaultName string, workflows ...Workflow) *Registry {
	r := &Registry{
		workflows:   make(map[string]Workflow),
		defaultName: defaultName,
	}
	for _, w := range workflows {
		r.Register(w)
	}
	return r
}

// Register adds or replaces a workflow.
func (r *Registry) Register(w Workflow) {
	r.workflows[w.Name] = w
	slog.Debug("workflow registered", "name", w.Name, "script", w.Script)
}

// Get returns the named workflow, or the default if name is empty.
func (r *Registry) Get(name string) (Workflow, error) {
	if name == "" {
		name = r.defaultName
	}
	w, ok := r.workflows[name]
	if !ok {
		return Workflow{}, apperror.NotFound("unknown workflow: %s", name)
	}
	return w, nil
}

// Default returns the default workflow name.
func (r *Registry) Default() string {
	return r.defaultName
}

// Available returns all registered workflows sorted by name.
func (r *Registry) Available() []Workflow {
	out := make([]Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckBinary returns true if the interpreter exists in PATH.
func CheckBinary(path string) bool {
	_, err := exec.LookPath(path)
	return err == nil
}
