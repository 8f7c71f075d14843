package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/codi/internal/agentloop"
	"github.com/hochfrequenz/codi/internal/childagent"
	"github.com/hochfrequenz/codi/internal/config"
	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcclient"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/orchestrator"
	"github.com/hochfrequenz/codi/internal/prompts"
	"github.com/hochfrequenz/codi/internal/worktree"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one delegated task (started by the commander)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// workerEnv is what the commander hands a worker process.
type workerEnv struct {
	ID           string
	SocketPath   string
	WorktreePath string
	Branch       string
}

func workerEnvFromOS() (workerEnv, error) {
	env := workerEnv{
		ID:           os.Getenv(orchestrator.EnvWorkerID),
		SocketPath:   os.Getenv(orchestrator.EnvSocketPath),
		WorktreePath: os.Getenv(orchestrator.EnvWorktreePath),
		Branch:       os.Getenv(orchestrator.EnvWorktreeBranch),
	}
	if env.ID == "" || env.SocketPath == "" {
		return env, fmt.Errorf("%s and %s must be set; workers are started by codi delegate",
			orchestrator.EnvWorkerID, orchestrator.EnvSocketPath)
	}
	if env.WorktreePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return env, err
		}
		env.WorktreePath = wd
	}
	return env, nil
}

var errNoAssignment = errors.New("commander sent no task assignment")

// workerConfigFromAssignment rebuilds the worker config from the task
// assignment, filling what the commander left open from the config file.
func workerConfigFromAssignment(env workerEnv, a *ipcprotocol.TaskAssignment, cfg *config.Config) (domain.WorkerConfig, error) {
	if a == nil || a.Task == "" {
		return domain.WorkerConfig{}, errNoAssignment
	}
	wc := domain.WorkerConfig{
		ID:            env.ID,
		Branch:        env.Branch,
		Task:          a.Task,
		Model:         a.Model,
		Provider:      a.Provider,
		Role:          a.Role,
		AutoApprove:   a.AutoApprove,
		MaxIterations: a.MaxIterations,
		Timeout:       time.Duration(a.TimeoutMs) * time.Millisecond,
	}
	if wc.Model == "" {
		wc.Model = cfg.Agent.Model
	}
	if wc.Provider == "" {
		wc.Provider = cfg.Agent.Provider
	}
	if wc.Role == "" {
		wc.Role = cfg.Agent.Role
	}
	if wc.MaxIterations == 0 {
		wc.MaxIterations = cfg.Worker.MaxIterations
	}
	return wc, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := workerEnvFromOS()
	if err != nil {
		return err
	}
	logger := slog.Default().With("worker", env.ID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ipcclient.Dial(ctx, ipcclient.Config{
		SocketPath:          env.SocketPath,
		WorkerID:            env.ID,
		Branch:              env.Branch,
		WorktreePath:        env.WorktreePath,
		HandshakeTimeout:    cfg.Orchestrator.HandshakeTimeout(),
		PermissionTimeout:   cfg.Worker.PermissionTimeout(),
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval(),
		MaxMissedHeartbeats: cfg.Worker.MaxMissedHeartbeats,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to commander: %w", err)
	}
	defer client.Close()

	assignment := client.Assignment()
	wc, err := workerConfigFromAssignment(env, assignment, cfg)
	if err != nil {
		_ = client.SendTaskError(ipcprotocol.ReasonTaskFailed, err.Error())
		return err
	}

	systemPrompt, err := prompts.DefaultLoader(env.WorktreePath).SystemPrompt(wc.Role, prompts.RoleData{
		WorkerID:     wc.ID,
		Branch:       wc.Branch,
		BaseBranch:   assignment.BaseBranch,
		WorktreePath: env.WorktreePath,
		Task:         wc.Task,
	})
	if err != nil {
		_ = client.SendTaskError(ipcprotocol.ReasonTaskFailed, err.Error())
		return err
	}

	runner, err := agentloop.New(ctx, agentloop.Config{
		Client: agentloop.ClientConfig{
			Provider:   wc.Provider,
			AWSRegion:  cfg.Agent.AWSRegion,
			AWSProfile: cfg.Agent.AWSProfile,
		},
		Model:     wc.Model,
		MaxTokens: int64(cfg.Agent.MaxTokens),
		Logger:    logger,
	})
	if err != nil {
		_ = client.SendTaskError(ipcprotocol.ReasonTaskFailed, err.Error())
		return err
	}

	agent, err := childagent.New(childagent.Config{
		Worker:        wc,
		Worktree:      domain.WorktreeInfo{Path: env.WorktreePath, Branch: env.Branch},
		BaseBranch:    assignment.BaseBranch,
		SystemPrompt:  systemPrompt,
		Runner:        runner,
		Channel:       client,
		Git:           worktree.ExecGit{},
		WatchDebounce: cfg.Worker.WatchDebounce(),
		Logger:        logger,
	})
	if err != nil {
		_ = client.SendTaskError(ipcprotocol.ReasonTaskFailed, err.Error())
		return err
	}
	return agent.Run(ctx)
}
