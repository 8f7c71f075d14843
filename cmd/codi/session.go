package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hochfrequenz/codi/internal/config"
	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/history"
	"github.com/hochfrequenz/codi/internal/notify"
	"github.com/hochfrequenz/codi/internal/observer"
	"github.com/hochfrequenz/codi/internal/orchestrator"
	"github.com/hochfrequenz/codi/internal/worktree"
)

// stuckAfter is how long a worker may stay active before it is reported.
const stuckAfter = 30 * time.Minute

// loadConfig resolves --config, a local .codi.toml or the user config. The
// returned path is handed to worker processes so they see the same settings.
func loadConfig() (*config.Config, string, error) {
	cfg, path, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, "", err
	}
	slog.Debug("loaded config", "path", path)
	return cfg, path, nil
}

// session is one commander run: the orchestrator plus the sinks that see
// its results.
type session struct {
	orch      *orchestrator.Orchestrator
	observer  *observer.Observer
	history   *history.Store
	worktrees *worktree.Manager

	mu      sync.Mutex
	results []domain.WorkerResult
}

func newWorktreeManager(cfg *config.Config) (*worktree.Manager, error) {
	repoDir := cfg.Worktrees.RepoDir
	if repoDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoDir = wd
	}
	return worktree.NewManager(worktree.Config{
		RepoDir:     repoDir,
		WorktreeDir: cfg.Worktrees.Dir,
		Prefix:      cfg.Worktrees.Prefix,
		BaseBranch:  cfg.Worktrees.BaseBranch,
		Logger:      slog.Default(),
	})
}

func newNotifier(cfg config.NotificationsConfig) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func newSession(cfg *config.Config, cfgPath string, prompt orchestrator.PermissionPromptCallback) (*session, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating codi binary: %w", err)
	}
	command := []string{exe, "worker"}
	if cfgPath != "" {
		command = append(command, "--config", cfgPath)
	}
	if verbose {
		command = append(command, "--verbose")
	}

	wt, err := newWorktreeManager(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		observer:  observer.New(stuckAfter),
		worktrees: wt,
	}
	sinks := []orchestrator.ResultSink{
		orchestrator.ResultSinkFunc(s.collect),
		s.observer,
		notify.ResultNotifier{
			Notifier:     newNotifier(cfg.Notifications),
			OnlyFailures: cfg.Notifications.OnlyFailures,
		},
	}
	if cfg.History.Enabled {
		store, err := history.New(cfg.History.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		s.history = store
		sinks = append(sinks, store)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		SocketPath:        cfg.Orchestrator.SocketPath,
		MaxWorkers:        cfg.Orchestrator.MaxWorkers,
		QueuePolicy:       orchestrator.QueuePolicy(cfg.Orchestrator.QueuePolicy),
		BaseBranch:        cfg.Worktrees.BaseBranch,
		CleanupOnExit:     cfg.Worktrees.CleanupOnExit,
		MaxRestarts:       cfg.Orchestrator.MaxRestarts,
		HandshakeTimeout:  cfg.Orchestrator.HandshakeTimeout(),
		CancelGracePeriod: cfg.Orchestrator.CancelGrace(),
		PermissionTimeout: cfg.Orchestrator.PermissionTimeout(),
		WorkerCommand:     command,
		LogDir:            cfg.Orchestrator.LogDir,
		Worktrees:         wt,
		Prompt:            prompt,
		Sinks:             sinks,
		Logger:            slog.Default(),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.orch = orch
	return s, nil
}

func (s *session) collect(_ context.Context, r domain.WorkerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

// Results returns every result recorded so far, in completion order. Once the
// orchestrator has stopped it includes the workers Stop cancelled.
func (s *session) Results() []domain.WorkerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WorkerResult(nil), s.results...)
}

// Close releases the history journal. Call it after the orchestrator stopped.
func (s *session) Close() error {
	if s.history == nil {
		return nil
	}
	return s.history.Close()
}
