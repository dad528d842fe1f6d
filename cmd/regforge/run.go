package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freema/regforge/internal/account"
	"github.com/freema/regforge/internal/config"
	"github.com/freema/regforge/internal/logger"
	"github.com/freema/regforge/internal/process"
	"github.com/freema/regforge/internal/workflow"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		timeout int
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Run one workflow locally and print its result as JSON",
		Long: `Run one workflow in the foreground without Redis. The script's output
is echoed to stdout as it arrives, followed by the JSON result. Logs go
to stderr. The exit status is 1 when the run did not succeed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runOnce(cmd.Context(), *configPath, name, timeout, quiet, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "run budget in seconds (default from config)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not echo script output")
	return cmd
}

func runOnce(ctx context.Context, configPath, name string, timeout int, quiet bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	registry := workflow.NewRegistry(cfg.Workflows.Default, workflow.Defaults(workflowSettings(cfg))...)
	wf, err := registry.Get(name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts := account.NewStore(cfg.Accounts.File, cfg.Accounts.LogDir, log)
	supervisor := process.NewSupervisor(nil, accounts)

	// The script's stdout and stderr arrive on separate goroutines.
	var outMu sync.Mutex
	echo := func(c process.Chunk) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = io.WriteString(out, c.Text)
	}
	if quiet {
		echo = nil
	}

	runCtx := logger.WithContext(ctx, log.With("workflow", wf.Name))
	workflow.RunPreflight(runCtx, supervisor, wf, echo)

	log.Info("running workflow", "workflow", wf.Name, "script", wf.Script)
	res := supervisor.Run(runCtx, wf.Options(cfg.Runs.RunTimeout(timeout), echo))

	printed := oneShotResult{Workflow: wf.Name, Kind: res.Kind(), Result: res}
	if quiet {
		printed.Stdout, printed.Stderr = res.Stdout, res.Stderr
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	outMu.Lock()
	err = enc.Encode(printed)
	outMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	if !res.Success {
		return errRunFailed
	}
	return nil
}

// oneShotResult is the printed result. Its Stdout and Stderr shadow the
// embedded ones so echoed output is not printed twice.
type oneShotResult struct {
	Workflow string `json:"workflow"`
	Kind     string `json:"kind,omitempty"`
	*process.Result
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

func workflowSettings(cfg *config.Config) workflow.Settings {
	return workflow.Settings{
		Python:         cfg.Workflows.Python,
		ScriptDir:      cfg.Workflows.ScriptDir,
		Encoding:       cfg.Workflows.Encoding,
		ExtractStderr:  cfg.Workflows.ExtractStderr,
		InstallDeps:    cfg.Workflows.InstallDeps,
		InstallTimeout: time.Duration(cfg.Workflows.InstallTimeout) * time.Second,
	}
}
