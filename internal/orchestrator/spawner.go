package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Environment variables a worker process reads to find its commander.
const (
	EnvWorkerID       = "CODI_WORKER_ID"
	EnvSocketPath     = "CODI_SOCKET_PATH"
	EnvWorktreePath   = "CODI_WORKTREE_PATH"
	EnvWorktreeBranch = "CODI_WORKTREE_BRANCH"
)

// SpawnRequest describes one worker process attempt.
type SpawnRequest struct {
	WorkerID     string
	Branch       string
	WorktreePath string
	SocketPath   string
	// Attempt is 0 for the first process and counts restarts after that.
	Attempt int
}

// Env returns the environment entries that hand the request to a worker.
func (r SpawnRequest) Env() []string {
	return []string{
		EnvWorkerID + "=" + r.WorkerID,
		EnvSocketPath + "=" + r.SocketPath,
		EnvWorktreePath + "=" + r.WorktreePath,
		EnvWorktreeBranch + "=" + r.Branch,
	}
}

// Process is a started worker.
type Process interface {
	PID() int
	// Wait blocks until the process exits. It may be called more than once.
	Wait() error
	// Kill terminates the process. Killing an exited process is not an error.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner runs workers as OS child processes.
type ExecSpawner struct {
	// Command is the worker binary followed by its arguments.
	Command []string
	// LogDir, when set, receives <worker-id>.log with the process output.
	LogDir string
	// Env is added to the inherited environment.
	Env []string
}

// Spawn starts the worker with the worktree as its working directory. The
// process is not tied to ctx: it lives until it exits or is killed.
func (s ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("worker command is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = req.WorktreePath
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, req.Env()...)

	var logFile *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(s.LogDir, req.WorkerID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening worker log: %w", err)
		}
		fmt.Fprintf(f, "--- attempt %d ---\n", req.Attempt)
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	var err error
	p.once.Do(func() {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
