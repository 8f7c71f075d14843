package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// QueuePolicy decides what SpawnWorker does when every slot is taken.
type QueuePolicy string

const (
	// QueueWait blocks the caller in FIFO order until a slot frees up.
	QueueWait QueuePolicy = "queue"
	// QueueReject fails the spawn with *domain.MaxWorkersExceededError.
	QueueReject QueuePolicy = "reject"
)

// Valid reports whether p is a known policy.
func (p QueuePolicy) Valid() bool {
	return p == QueueWait || p == QueueReject
}

// Options configures an Orchestrator. It is read-only once New returns.
type Options struct {
	SocketPath  string
	MaxWorkers  int
	QueuePolicy QueuePolicy

	RepoDir        string
	WorktreeDir    string
	WorktreePrefix string
	BaseBranch     string
	CleanupOnExit  bool

	MaxRestarts       int
	HandshakeTimeout  time.Duration
	CancelGracePeriod time.Duration
	// PermissionTimeout bounds how long the prompt callback may take. Workers
	// apply their own timeout and deny on expiry.
	PermissionTimeout time.Duration

	// WorkerCommand is the worker binary and its arguments, used when Spawner is nil.
	WorkerCommand []string
	// LogDir receives one stdout/stderr file per worker, used when Spawner is nil.
	LogDir string

	// LogLines is how many log lines are kept per worker.
	LogLines int

	Worktrees Worktrees
	Spawner   Spawner
	Prompt    PermissionPromptCallback
	Sinks     []ResultSink
	Logger    *slog.Logger
}

// Default values.
const (
	DefaultMaxWorkers        = 4
	DefaultMaxRestarts       = 2
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultCancelGracePeriod = 5 * time.Second
	DefaultPermissionTimeout = 5 * time.Minute
	DefaultLogLines          = 200
	DefaultWorktreePrefix    = "codi-"
)

// DefaultSocketPath returns ~/.codi/orchestrator.sock.
func DefaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "codi-orchestrator.sock")
	}
	return filepath.Join(home, ".codi", "orchestrator.sock")
}

func (o *Options) applyDefaults() error {
	if o.SocketPath == "" {
		o.SocketPath = DefaultSocketPath()
	}
	if o.MaxWorkers == 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.MaxWorkers < 0 {
		return fmt.Errorf("max workers must be positive, got %d", o.MaxWorkers)
	}
	if o.QueuePolicy == "" {
		o.QueuePolicy = QueueWait
	}
	if !o.QueuePolicy.Valid() {
		return fmt.Errorf("unknown queue policy %q", o.QueuePolicy)
	}
	if o.MaxRestarts < 0 {
		return errors.New("max restarts must not be negative")
	}
	if o.WorktreePrefix == "" {
		o.WorktreePrefix = DefaultWorktreePrefix
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.CancelGracePeriod <= 0 {
		o.CancelGracePeriod = DefaultCancelGracePeriod
	}
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = DefaultPermissionTimeout
	}
	if o.LogLines <= 0 {
		o.LogLines = DefaultLogLines
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Worktrees == nil && o.RepoDir == "" {
		return errors.New("repo dir is required when no worktree manager is given")
	}
	return nil
}
