package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/codi/internal/config"
	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/statusfeed"
)

var (
	delegateID            string
	delegateBranch        string
	delegateModel         string
	delegateProvider      string
	delegateRole          string
	delegateAutoApprove   []string
	delegateMaxIterations int
	delegateTimeout       time.Duration
	delegateFile          string
	delegateMaxWorkers    int
	delegateQueuePolicy   string
	delegateCleanup       bool
	delegateServe         bool
)

var delegateCmd = &cobra.Command{
	Use:   "delegate [task]",
	Short: "Run one task, or every task of a delegation file, in parallel workers",
	Long: `Delegate spawns a worker per task, each in its own git worktree, and
supervises them until all have finished. Permission requests of the workers
are asked on this terminal.

Tasks come either from the positional argument or from a YAML file:

  defaults:
    model: claude-sonnet-4-20250514
  workers:
    - task: add input validation to the signup form
      branch: feat/signup-validation
    - task: document the REST API
      timeout: 30m`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDelegate,
}

func init() {
	rootCmd.AddCommand(delegateCmd)
	f := delegateCmd.Flags()
	f.StringVar(&delegateID, "id", "", "worker id (default generated)")
	f.StringVar(&delegateBranch, "branch", "", "branch to work on (default codi/<id>)")
	f.StringVar(&delegateModel, "model", "", "model override")
	f.StringVar(&delegateProvider, "provider", "", "provider override (anthropic or bedrock)")
	f.StringVar(&delegateRole, "role", "", "role prompt to use")
	f.StringSliceVar(&delegateAutoApprove, "auto-approve", nil, "tools that run without asking")
	f.IntVar(&delegateMaxIterations, "max-iterations", 0, "agent turn limit (default from config)")
	f.DurationVar(&delegateTimeout, "timeout", 0, "per-worker timeout")
	f.StringVarP(&delegateFile, "file", "f", "", "YAML delegation file")
	f.IntVar(&delegateMaxWorkers, "max-workers", 0, "concurrent worker limit (default from config)")
	f.StringVar(&delegateQueuePolicy, "queue-policy", "", "queue or reject spawns beyond the limit")
	f.BoolVar(&delegateCleanup, "cleanup", false, "remove worktrees when done")
	f.BoolVar(&delegateServe, "serve", false, "serve the status feed while running")
}

// applyDelegateFlags overrides config values with the flags that were set.
func applyDelegateFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-workers") {
		cfg.Orchestrator.MaxWorkers = delegateMaxWorkers
	}
	if flags.Changed("queue-policy") {
		cfg.Orchestrator.QueuePolicy = delegateQueuePolicy
	}
	if flags.Changed("cleanup") {
		cfg.Worktrees.CleanupOnExit = delegateCleanup
	}
	if flags.Changed("serve") {
		cfg.Status.Enabled = delegateServe
	}
	return cfg.Validate()
}

// delegateWorkers builds the spawn requests from the file or the argument.
func delegateWorkers(args []string, cfg *config.Config) ([]domain.WorkerConfig, error) {
	var workers []domain.WorkerConfig
	switch {
	case delegateFile != "" && len(args) > 0:
		return nil, errors.New("give either a task or --file, not both")
	case delegateFile != "":
		loaded, err := config.LoadDelegation(delegateFile)
		if err != nil {
			return nil, err
		}
		workers = loaded
	case len(args) == 1:
		id := delegateID
		if id == "" {
			id = config.NewWorkerID()
		}
		branch := delegateBranch
		if branch == "" {
			branch = "codi/" + id
		}
		workers = []domain.WorkerConfig{{
			ID:            id,
			Branch:        branch,
			Task:          args[0],
			Model:         delegateModel,
			Provider:      delegateProvider,
			Role:          delegateRole,
			AutoApprove:   delegateAutoApprove,
			MaxIterations: delegateMaxIterations,
			Timeout:       delegateTimeout,
		}}
	default:
		return nil, errors.New("a task or --file is required")
	}

	for i := range workers {
		w := &workers[i]
		if w.Model == "" {
			w.Model = cfg.Agent.Model
		}
		if w.Provider == "" {
			w.Provider = cfg.Agent.Provider
		}
		if w.Role == "" {
			w.Role = cfg.Agent.Role
		}
		if w.MaxIterations == 0 {
			w.MaxIterations = cfg.Worker.MaxIterations
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("worker %q: %w", w.ID, err)
		}
	}
	return workers, nil
}

func runDelegate(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyDelegateFlags(cmd, cfg); err != nil {
		return err
	}
	workers, err := delegateWorkers(args, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := newConsole(os.Stdin, os.Stdout)
	sess, err := newSession(cfg, cfgPath, con.Prompt)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.orch.Start(); err != nil {
		return err
	}
	sub := sess.orch.Subscribe(256)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range sub.C {
			con.Event(ev)
		}
	}()

	if cfg.Status.Enabled {
		server := statusfeed.NewServer(sess.orch, sess.observer, cfg.Status.Addr(), slog.Default())
		go func() {
			if err := server.Run(ctx); err != nil {
				slog.Error("status feed stopped", "error", err)
			}
		}()
		con.println(faintText("status feed on http://" + cfg.Status.Addr()))
	}

	go watchStuck(ctx, sess, con)

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			if _, err := sess.orch.SpawnWorker(ctx, w); err != nil {
				con.println(dangerText("spawn "+w.ID+" failed:"), err)
				return fmt.Errorf("spawning %s: %w", w.ID, err)
			}
			return nil
		})
	}
	spawnErr := g.Wait()

	if _, err := sess.orch.WaitAll(ctx); err != nil {
		con.println(faintText("interrupted, stopping workers"))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Orchestrator.CancelGrace()+30*time.Second)
	defer cancel()
	report := sess.orch.Stop(stopCtx)
	<-rendered
	if len(report.RemovedWorktrees) > 0 {
		con.println(faintText(fmt.Sprintf("removed %d worktree(s)", len(report.RemovedWorktrees))))
	}

	results := sess.Results()
	printSummary(os.Stdout, results)

	var failed int
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	var failedErr error
	if failed > 0 {
		failedErr = fmt.Errorf("%d of %d worker(s) did not succeed", failed, len(results))
	}
	return errors.Join(spawnErr, report.Err(), failedErr)
}

// watchStuck warns once about every worker active for longer than stuckAfter.
func watchStuck(ctx context.Context, sess *session, con *console) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	warned := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range sess.orch.GetActiveWorkers() {
				if !warned[w.Config.ID] && sess.observer.IsStuck(w) {
					warned[w.Config.ID] = true
					con.println(warnStyle.Render(fmt.Sprintf("[%s] running for %s, may be stuck", w.Config.ID, w.Duration().Round(time.Second))))
				}
			}
		}
	}
}
