package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-repository config file searched for upwards
// from the working directory.
const LocalConfigName = ".codi.toml"

// Config holds all application configuration
type Config struct {
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Worktrees     WorktreesConfig     `toml:"worktrees"`
	Worker        WorkerConfig        `toml:"worker"`
	Agent         AgentConfig         `toml:"agent"`
	Notifications NotificationsConfig `toml:"notifications"`
	Status        StatusConfig        `toml:"status"`
	History       HistoryConfig       `toml:"history"`
}

// OrchestratorConfig holds commander settings
type OrchestratorConfig struct {
	SocketPath            string `toml:"socket_path"`
	MaxWorkers            int    `toml:"max_workers"`
	QueuePolicy           string `toml:"queue_policy"`
	MaxRestarts           int    `toml:"max_restarts"`
	HandshakeTimeoutSecs  int    `toml:"handshake_timeout_secs"`
	CancelGraceSecs       int    `toml:"cancel_grace_secs"`
	PermissionTimeoutSecs int    `toml:"permission_timeout_secs"`
	LogDir                string `toml:"log_dir"`
}

// HandshakeTimeout returns handshake_timeout_secs as a duration.
func (c OrchestratorConfig) HandshakeTimeout() time.Duration { return secs(c.HandshakeTimeoutSecs) }

// CancelGrace returns cancel_grace_secs as a duration.
func (c OrchestratorConfig) CancelGrace() time.Duration { return secs(c.CancelGraceSecs) }

// PermissionTimeout returns permission_timeout_secs as a duration.
func (c OrchestratorConfig) PermissionTimeout() time.Duration {
	return secs(c.PermissionTimeoutSecs)
}

// WorktreesConfig holds git worktree settings
type WorktreesConfig struct {
	RepoDir       string `toml:"repo_dir"`
	Dir           string `toml:"dir"`
	Prefix        string `toml:"prefix"`
	BaseBranch    string `toml:"base_branch"`
	CleanupOnExit bool   `toml:"cleanup_on_exit"`
}

// WorkerConfig holds settings of the worker process side
type WorkerConfig struct {
	HeartbeatIntervalSecs int `toml:"heartbeat_interval_secs"`
	MaxMissedHeartbeats   int `toml:"max_missed_heartbeats"`
	PermissionTimeoutSecs int `toml:"permission_timeout_secs"`
	MaxIterations         int `toml:"max_iterations"`
	// WatchDebounceMillis enables the worktree activity log when positive.
	WatchDebounceMillis int `toml:"watch_debounce_ms"`
}

// HeartbeatInterval returns heartbeat_interval_secs as a duration.
func (c WorkerConfig) HeartbeatInterval() time.Duration { return secs(c.HeartbeatIntervalSecs) }

// PermissionTimeout returns permission_timeout_secs as a duration.
func (c WorkerConfig) PermissionTimeout() time.Duration { return secs(c.PermissionTimeoutSecs) }

// WatchDebounce returns watch_debounce_ms as a duration.
func (c WorkerConfig) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMillis) * time.Millisecond
}

// AgentConfig holds model provider settings
type AgentConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	MaxTokens  int    `toml:"max_tokens"`
	AWSRegion  string `toml:"aws_region"`
	AWSProfile string `toml:"aws_profile"`
	Role       string `toml:"role"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
	// OnlyFailures suppresses notifications for successful workers.
	OnlyFailures bool `toml:"only_failures"`
}

// StatusConfig holds the status feed settings
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// Addr returns host:port.
func (c StatusConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// HistoryConfig holds the result journal settings
type HistoryConfig struct {
	Enabled      bool   `toml:"enabled"`
	DatabasePath string `toml:"database_path"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Orchestrator: OrchestratorConfig{
			SocketPath:            filepath.Join(home, ".codi", "orchestrator.sock"),
			MaxWorkers:            4,
			QueuePolicy:           "queue",
			MaxRestarts:           2,
			HandshakeTimeoutSecs:  30,
			CancelGraceSecs:       5,
			PermissionTimeoutSecs: 300,
			LogDir:                filepath.Join(home, ".codi", "logs"),
		},
		Worktrees: WorktreesConfig{
			Dir:        filepath.Join(home, ".codi", "worktrees"),
			Prefix:     "codi-",
			BaseBranch: "main",
		},
		Worker: WorkerConfig{
			HeartbeatIntervalSecs: 10,
			MaxMissedHeartbeats:   3,
			PermissionTimeoutSecs: 300,
			MaxIterations:         50,
			WatchDebounceMillis:   500,
		},
		Agent: AgentConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
			Role:      "worker",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Status: StatusConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		History: HistoryConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(home, ".codi", "history.db"),
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.Orchestrator.SocketPath = ExpandPath(cfg.Orchestrator.SocketPath)
	cfg.Orchestrator.LogDir = ExpandPath(cfg.Orchestrator.LogDir)
	cfg.Worktrees.RepoDir = ExpandPath(cfg.Worktrees.RepoDir)
	cfg.Worktrees.Dir = ExpandPath(cfg.Worktrees.Dir)
	cfg.History.DatabasePath = ExpandPath(cfg.History.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch {
	case c.Orchestrator.MaxWorkers < 1:
		return fmt.Errorf("orchestrator.max_workers must be at least 1, got %d", c.Orchestrator.MaxWorkers)
	case c.Orchestrator.QueuePolicy != "queue" && c.Orchestrator.QueuePolicy != "reject":
		return fmt.Errorf("orchestrator.queue_policy must be queue or reject, got %q", c.Orchestrator.QueuePolicy)
	case c.Orchestrator.MaxRestarts < 0:
		return fmt.Errorf("orchestrator.max_restarts must not be negative, got %d", c.Orchestrator.MaxRestarts)
	case c.Worker.MaxMissedHeartbeats < 1:
		return fmt.Errorf("worker.max_missed_heartbeats must be at least 1, got %d", c.Worker.MaxMissedHeartbeats)
	case c.Status.Port < 0 || c.Status.Port > 65535:
		return fmt.Errorf("status.port out of range: %d", c.Status.Port)
	}
	return nil
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName and returns its path, or "" when there is none.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads the explicit path when given, else the nearest
// local config, else the user config.
func LoadWithLocalFallback(explicit string) (*Config, string, error) {
	path := explicit
	if path == "" {
		path = FindLocalConfig()
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "codi", "config.toml")
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
