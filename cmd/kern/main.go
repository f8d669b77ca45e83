// Command kern runs the staged development pipeline against the repository in
// the current directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/kern/internal/config"
	"github.com/aristath/kern/internal/console"
	"github.com/aristath/kern/internal/events"
	"github.com/aristath/kern/internal/logging"
	"github.com/aristath/kern/internal/metrics"
	"github.com/aristath/kern/internal/pipeline"
	"github.com/aristath/kern/internal/runlog"
	"github.com/aristath/kern/internal/runner"
	"github.com/aristath/kern/internal/stage"
	"github.com/aristath/kern/internal/update"
	"github.com/aristath/kern/internal/validation"
	"github.com/aristath/kern/internal/vcs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app holds what one invocation needs. Paths are fields so tests can point
// them at temporary directories.
type app struct {
	stdout     io.Writer
	stderr     io.Writer
	workDir    string
	globalPath string
	code       int

	verbose     bool
	dryRun      bool
	count       int
	hint        string
	showVersion bool
	update      bool
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, globalPath: config.GlobalPath()}
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "ERROR: %v\n", err)
		return 1
	}
	return a.code
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kern [task_id]",
		Short: "Autonomous staged development pipeline",
		Long: `kern works through the pending tasks listed in SPEC.md. Each task
goes through research, design, structure, plan, implement and review & commit
stages, with the implementation checked against the plan's success criteria.

Examples:
  # Work through up to 5 queued tasks
  kern

  # Run task 3 only, with guidance for every stage
  kern 3 --hint "keep the public API unchanged"

  # Show what would run
  kern -n -c 2`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          a.run,
	}

	flags := cmd.Flags()
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose mode")
	flags.BoolVarP(&a.dryRun, "dry-run", "n", false, "dry-run mode")
	flags.IntVarP(&a.count, "count", "c", config.DefaultConfig().DefaultCount, "max number of tasks to process in queue mode")
	flags.StringVar(&a.hint, "hint", "", "guidance hint for stage prompts")
	flags.BoolVarP(&a.showVersion, "version", "V", false, "print version and exit")
	flags.BoolVar(&a.update, "update", false, "install latest release")

	cmd.AddCommand(a.configCmd())
	return cmd
}

func (a *app) run(cmd *cobra.Command, args []string) error {
	if a.showVersion {
		fmt.Fprintf(a.stdout, "kern %s\n", version)
		return nil
	}

	runDir, err := a.resolveWorkDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(a.globalPath, config.ProjectPath(runDir))
	if err != nil {
		return err
	}

	if a.update {
		return a.selfUpdate(cmd.Context(), cfg)
	}

	count := cfg.DefaultCount
	if cmd.Flags().Changed("count") {
		count = a.count
	}
	if count < 1 {
		return errors.New("--count must be >= 1")
	}

	var taskID *int
	if len(args) == 1 {
		id, err := strconv.Atoi(args[0])
		if err != nil || id < 0 {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		taskID = &id
	}

	rc := pipeline.NewRunContext(runlog.NewRunID(time.Now()), runDir, taskID, a.hint, count)
	rc.SpecFile = cfg.SpecFile
	rc.MaxFixAttempts = cfg.MaxFixAttempts
	rc.DryRun = a.dryRun
	rc.Verbose = a.verbose
	if err := rc.Validate(); err != nil {
		return err
	}

	return a.runPipeline(cmd.Context(), cfg, rc)
}

func (a *app) runPipeline(ctx context.Context, cfg *config.Config, rc *pipeline.RunContext) error {
	logger := logging.New(a.stderr, rc.Verbose)
	defer func() { _ = logger.Sync() }()

	rl, err := runlog.New(rc.KernDir, rc.RunID)
	if err != nil {
		return err
	}

	stages, err := stage.Default()
	if err != nil {
		return err
	}
	prompts := stage.ResolvePrompts(promptCandidates(rc.RunDir, cfg)...)
	logger.Debug("resolved prompts", zap.String("source", prompts.Source()))

	models := make(map[int]string)
	for _, n := range stages.Order() {
		if m := cfg.StageModel(n); m != "" {
			models[n] = m
		}
	}

	// Create ProcessManager for subprocess tracking
	pm := runner.NewProcessManager()
	git := vcs.New()
	claude := runner.NewClaudeRunner(runner.Config{
		Command:   cfg.Claude.Command,
		ExtraArgs: cfg.Claude.Args,
		Env: []string{
			"CLAUDE_CODE_TASK_LIST_ID=" + git.TaskListID(rc.RunDir),
			"CLAUDE_CODE_ENABLE_TASKS=true",
		},
	}, pm, logger)

	bus := events.NewBus()
	reporter := console.NewReporter(a.stdout)
	recorder := metrics.NewRecorder()
	reporterCh := bus.SubscribeAll(events.DefaultBufferSize)
	recorderCh := bus.SubscribeAll(events.DefaultBufferSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reporter.Run(reporterCh)
	}()
	go func() {
		defer wg.Done()
		recorder.Run(recorderCh)
	}()

	p, err := pipeline.New(rc, pipeline.Options{
		Runner:      claude,
		Validator:   validation.New(git),
		VCS:         git,
		RunLog:      rl,
		Stages:      stages,
		Prompts:     prompts,
		Bus:         bus,
		Logger:      logger,
		StageModels: models,
	})
	if err != nil {
		bus.Close()
		wg.Wait()
		return err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn("Shutdown signal received, cleaning up...")
			// Kill all tracked subprocesses
			if err := pm.KillAll(); err != nil {
				logger.Warn("killing subprocesses", zap.Error(err))
			}
		case <-done:
		}
	}()

	runErr := p.Run(ctx)
	close(done)
	bus.Close()
	wg.Wait()

	if !rc.DryRun {
		path := filepath.Join(rl.RunDir(), metrics.FileName)
		if err := recorder.WriteTextfile(path); err != nil {
			logger.Warn("writing metrics", zap.String("path", path), zap.Error(err))
		}
	}
	if dropped := bus.Dropped(); dropped > 0 {
		logger.Debug("dropped events", zap.Int64("count", dropped))
	}
	return runErr
}

func (a *app) selfUpdate(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(a.stderr, a.verbose)
	defer func() { _ = logger.Sync() }()

	code, err := update.New(cfg.UpdateURL, a.stdout, a.stderr, logger).Run(ctx)
	if err != nil {
		return err
	}
	a.code = code
	return nil
}

func (a *app) resolveWorkDir() (string, error) {
	dir := a.workDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return abs, nil
}

// promptCandidates lists prompt directories in lookup order: $KERN_HOME, the
// run directory, the configured directory, then the XDG data directory.
// The embedded prompts are used when none of them is complete.
func promptCandidates(runDir string, cfg *config.Config) []string {
	var dirs []string
	if home := os.Getenv("KERN_HOME"); home != "" {
		dirs = append(dirs, filepath.Join(home, "prompts"))
	}
	dirs = append(dirs, filepath.Join(runDir, "prompts"))
	if cfg.PromptsDir != "" {
		dir := cfg.PromptsDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(runDir, dir)
		}
		dirs = append(dirs, dir)
	}
	return append(dirs, filepath.Join(xdg.DataHome, "kern", "prompts"))
}
