// Package process supervises one interactive automation script per run:
// launch, live output fan-out, scripted prompt answers, a hard timeout and
// post-run credential extraction.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/extract"
	"github.com/freema/regforge/internal/logger"
)

// AccountSaver persists an extracted email/password pair.
type AccountSaver interface {
	Save(email, password string) (bool, error)
}

// RunOptions configures one supervised run.
type RunOptions struct {
	Command string
	Args    []string
	WorkDir string
	// Env is appended to the current process environment.
	Env      []string
	Timeout  time.Duration
	Encoding string
	Prompts  []PromptClass
	// Extract enables credential extraction on success.
	Extract bool
	// ExtractStderr also feeds stderr to the extractor. Scripts using Python's
	// default logging handler print everything there.
	ExtractStderr bool
	// OnOutput receives every chunk live, before it is accumulated.
	OnOutput Subscriber
	// OnPrompt is called after each scripted answer of this run is written.
	OnPrompt func(PromptClass)
	// RequiredFiles must exist before the command is started. Relative
	// paths are resolved against WorkDir.
	RequiredFiles []string
}

// Result is reported exactly once per run.
type Result struct {
	Success         bool           `json:"success"`
	ExitCode        *int           `json:"exit_code"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
	Fields          extract.Fields `json:"fields,omitempty"`
	Confirmed       bool           `json:"confirmed"`
	Message         string         `json:"message,omitempty"`
	Error           string         `json:"error,omitempty"`
	Err             error          `json:"-"`
	AwaitedExit     bool           `json:"awaited_exit"`
	PromptsAnswered []string       `json:"prompts_answered,omitempty"`
	AccountSaved    bool           `json:"account_saved"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
}

// Failure kinds as reported by Result.Kind.
const (
	KindLaunch    = "launch"
	KindRuntime   = "runtime"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
)

// Kind classifies a failed result; it is empty for successful runs.
func (r *Result) Kind() string {
	switch {
	case r.Err == nil:
		return ""
	case errors.Is(r.Err, apperror.ErrLaunch):
		return KindLaunch
	case errors.Is(r.Err, apperror.ErrTimeout):
		return KindTimeout
	case errors.Is(r.Err, apperror.ErrCancelled):
		return KindCancelled
	default:
		return KindRuntime
	}
}

// Run is the state of one supervised execution. The handled flag makes the
// terminal report single-assignment no matter how many triggers fire.
type Run struct {
	StartedAt time.Time
	Deadline  time.Time
	handled   atomic.Bool
	result    *Result
}

func newRun(budget time.Duration) *Run {
	if budget <= 0 {
		budget = DefaultTimeout
	}
	now := time.Now()
	return &Run{StartedAt: now, Deadline: now.Add(budget)}
}

// Finish records res as the terminal result. Only the first call wins.
func (r *Run) Finish(res *Result) bool {
	if !r.handled.CompareAndSwap(false, true) {
		return false
	}
	res.StartedAt = r.StartedAt
	res.Duration = time.Since(r.StartedAt)
	r.result = res
	return true
}

// Reported reports whether a terminal result was recorded.
func (r *Run) Reported() bool {
	return r.handled.Load()
}

// Supervisor launches and supervises automation scripts.
type Supervisor struct {
	extractor *extract.Extractor
	accounts  AccountSaver

	// OnPrompt is called after each scripted answer is written.
	OnPrompt func(PromptClass)
	// DrainGrace bounds how long output is collected after the script
	// exits. Zero means DefaultDrainGrace.
	DrainGrace time.Duration
}

// DefaultDrainGrace is how long a finished script's descendants may keep
// its output pipes open.
const DefaultDrainGrace = 2 * time.Second

// NewSupervisor creates a supervisor. accounts may be nil to skip persistence.
func NewSupervisor(extractor *extract.Extractor, accounts AccountSaver) *Supervisor {
	if extractor == nil {
		extractor = extract.Default()
	}
	return &Supervisor{extractor: extractor, accounts: accounts}
}

// Run executes one script and blocks until its single terminal result.
// Failures are reported in the result, never returned.
func (s *Supervisor) Run(ctx context.Context, opts RunOptions) *Result {
	log := logger.FromContext(ctx).With("command", opts.Command)
	run := newRun(opts.Timeout)

	enc, err := LookupEncoding(opts.Encoding)
	if err != nil {
		return s.finish(run, launchFailure(err, opts.Command))
	}

	if err := checkRequiredFiles(opts); err != nil {
		return s.finish(run, launchFailure(err, opts.Command))
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.finish(run, launchFailure(fmt.Errorf("creating stdin pipe: %w", err), opts.Command))
	}
	// Output goes through plain OS pipes so that Wait never blocks on
	// copying: a grandchild holding the write end must not delay exit.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return s.finish(run, launchFailure(fmt.Errorf("creating stdout pipe: %w", err), opts.Command))
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdout, stdoutW)
		_ = stdin.Close()
		return s.finish(run, launchFailure(fmt.Errorf("creating stderr pipe: %w", err), opts.Command))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	mux := NewMultiplexer()
	mux.Subscribe(opts.OnOutput)
	auto := NewAutomaton(opts.Prompts, stdin, log, s.promptHook(opts.OnPrompt))
	mux.Subscribe(auto.Observe)

	err = cmd.Start()
	// The child owns its copies of the write ends now.
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdout, stderr)
		return s.finish(run, launchFailure(err, opts.Command))
	}
	log.Info("script started", "pid", cmd.Process.Pid, "work_dir", opts.WorkDir)

	guard := NewGuard(ctx, opts.Timeout)
	defer guard.Stop()

	var pumps sync.WaitGroup
	pump := func(stream Stream, r io.Reader) {
		defer pumps.Done()
		if err := mux.Pump(stream, r, enc); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Warn("output stream error", "stream", stream, "error", err)
		}
	}
	pumps.Add(2)
	go pump(StreamStdout, stdout)
	go pump(StreamStderr, stderr)

	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		closeFiles(stdout, stderr)
		close(drained)
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	// drain collects the remaining output once the script is gone. Whatever
	// still holds the pipes open after the grace period is killed with the
	// process group and the read ends are closed.
	drain := func() {
		select {
		case <-drained:
			return
		case <-time.After(s.drainGrace()):
		}
		log.Warn("output still open after script exit, killing leftover processes", "grace", s.drainGrace())
		KillProcessGroup(cmd)
		closeFiles(stdout, stderr)
		<-drained
	}

	var res *Result
	select {
	case waitErr := <-exited:
		drain()
		auto.Stop()
		res = s.exitResult(cmd, waitErr, auto, mux, opts)

	case <-guard.Done():
		KillProcessGroup(cmd)
		auto.Stop()
		_ = stdin.Close()
		select {
		case <-exited:
		case <-time.After(s.drainGrace()):
			log.Error("script did not exit after SIGKILL", "pid", cmd.Process.Pid)
		}
		drain()
		mux.Close()

		res = &Result{
			Stdout: mux.Text(StreamStdout),
			Stderr: mux.Text(StreamStderr),
		}
		if guard.Expired() {
			res.Err = apperror.Timeout("operation timed out after %s: check the script environment and dependencies, then retry", guard.Budget())
		} else {
			res.Err = apperror.Cancelled("run cancelled")
		}
		log.Warn("script terminated", "reason", res.Kind(), "budget", guard.Budget())
	}

	res.PromptsAnswered = auto.Answered()
	res.AwaitedExit = auto.AwaitingExit()
	mux.Close()
	return s.finish(run, res)
}

func (s *Supervisor) drainGrace() time.Duration {
	if s.DrainGrace > 0 {
		return s.DrainGrace
	}
	return DefaultDrainGrace
}

// checkRequiredFiles resolves relative paths against the work dir.
func checkRequiredFiles(opts RunOptions) error {
	for _, f := range opts.RequiredFiles {
		path := f
		if !filepath.IsAbs(path) && opts.WorkDir != "" {
			path = filepath.Join(opts.WorkDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("script file not found: %s", path)
			}
			return fmt.Errorf("checking %s: %w", path, err)
		}
	}
	return nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) promptHook(perRun func(PromptClass)) func(PromptClass) {
	switch {
	case perRun == nil:
		return s.OnPrompt
	case s.OnPrompt == nil:
		return perRun
	}
	return func(c PromptClass) {
		s.OnPrompt(c)
		perRun(c)
	}
}

func (s *Supervisor) exitResult(cmd *exec.Cmd, waitErr error, auto *Automaton, mux *Multiplexer, opts RunOptions) *Result {
	res := &Result{
		Stdout: mux.Text(StreamStdout),
		Stderr: mux.Text(StreamStderr),
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
		res.ExitCode = &code
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = apperror.Runtime("waiting for script: %v", waitErr)
		return res
	}

	// A non-zero exit after the final "press any key" prompt comes from the
	// script's own exit sequence, not from a failed workflow.
	if code != 0 && !auto.AwaitingExit() {
		// The message travels further than the output, so it is masked.
		msg := strings.TrimSpace(s.extractor.Redact(res.Stderr))
		if msg == "" {
			msg = fmt.Sprintf("script exited with code %d", code)
		}
		res.Err = apperror.Runtime("%s", msg)
		return res
	}

	res.Success = true
	res.Message = "workflow finished"
	if opts.Extract {
		s.applyExtraction(res, opts)
	}
	return res
}

func (s *Supervisor) applyExtraction(res *Result, opts RunOptions) {
	text := res.Stdout
	if opts.ExtractStderr && res.Stderr != "" {
		text += "\n" + res.Stderr
	}

	outcome := s.extractor.Extract(text)
	res.Confirmed = outcome.Success
	res.Fields = outcome.Fields

	email, password, ok := outcome.Fields.Credentials()
	switch {
	case ok:
		res.Message = "registered account " + email
		if s.accounts != nil {
			// Persistence is best-effort; the store notifies its observers.
			saved, err := s.accounts.Save(email, password)
			res.AccountSaved = saved && err == nil
		}
	case outcome.Fields[extract.FieldEmail] != "":
		res.Message = "registered account " + outcome.Fields[extract.FieldEmail] + " (password not found in output)"
	}
}

func (s *Supervisor) finish(run *Run, res *Result) *Result {
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	if !run.Finish(res) {
		return run.result
	}
	return res
}

func launchFailure(err error, command string) *Result {
	return &Result{Err: apperror.Launch(err, "starting %s", command)}
}

// KillProcessGroup sends SIGKILL to the child's entire process group.
// The child leads its own group, so this also reaches descendants after the
// leader has been reaped. Errors are ignored; the group may already be gone.
func KillProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
