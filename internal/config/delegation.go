package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/codi/internal/domain"
)

// DelegationFile is a batch of workers to spawn, e.g.
//
//	defaults:
//	  model: claude-sonnet-4-20250514
//	  auto_approve: [read_file, list_files]
//	workers:
//	  - branch: feat/login
//	    task: Add a login form
//	  - id: docs
//	    branch: docs/readme
//	    task: Rewrite the README
//	    timeout: 20m
type DelegationFile struct {
	Defaults DelegationTask   `yaml:"defaults"`
	Workers  []DelegationTask `yaml:"workers"`
}

// DelegationTask is one worker entry. Empty fields take the file defaults.
type DelegationTask struct {
	ID            string   `yaml:"id"`
	Branch        string   `yaml:"branch"`
	Task          string   `yaml:"task"`
	Model         string   `yaml:"model"`
	Provider      string   `yaml:"provider"`
	Role          string   `yaml:"role"`
	AutoApprove   []string `yaml:"auto_approve"`
	MaxIterations int      `yaml:"max_iterations"`
	Timeout       string   `yaml:"timeout"`
}

// NewWorkerID returns a short random worker id.
func NewWorkerID() string {
	return "w-" + uuid.NewString()[:8]
}

// LoadDelegation reads a YAML delegation file and returns validated worker
// configs in file order. Missing ids are generated; a missing branch becomes
// codi/<id>.
func LoadDelegation(path string) ([]domain.WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDelegation(data)
}

// ParseDelegation parses the contents of a delegation file.
func ParseDelegation(data []byte) ([]domain.WorkerConfig, error) {
	var file DelegationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing delegation file: %w", err)
	}
	if len(file.Workers) == 0 {
		return nil, fmt.Errorf("delegation file lists no workers")
	}

	seen := make(map[string]bool)
	branches := make(map[string]bool)
	configs := make([]domain.WorkerConfig, 0, len(file.Workers))
	for i, t := range file.Workers {
		cfg, err := t.withDefaults(file.Defaults).WorkerConfig()
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i+1, err)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("worker %d: duplicate id %q", i+1, cfg.ID)
		}
		if branches[cfg.Branch] {
			return nil, fmt.Errorf("worker %d: branch %q is used twice", i+1, cfg.Branch)
		}
		seen[cfg.ID] = true
		branches[cfg.Branch] = true
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (t DelegationTask) withDefaults(d DelegationTask) DelegationTask {
	if t.Model == "" {
		t.Model = d.Model
	}
	if t.Provider == "" {
		t.Provider = d.Provider
	}
	if t.Role == "" {
		t.Role = d.Role
	}
	if t.AutoApprove == nil {
		t.AutoApprove = slices.Clone(d.AutoApprove)
	}
	if t.MaxIterations == 0 {
		t.MaxIterations = d.MaxIterations
	}
	if t.Timeout == "" {
		t.Timeout = d.Timeout
	}
	return t
}

// WorkerConfig converts the entry, generating an id and branch when missing.
func (t DelegationTask) WorkerConfig() (domain.WorkerConfig, error) {
	cfg := domain.WorkerConfig{
		ID:            t.ID,
		Branch:        t.Branch,
		Task:          t.Task,
		Model:         t.Model,
		Provider:      t.Provider,
		Role:          t.Role,
		AutoApprove:   slices.Clone(t.AutoApprove),
		MaxIterations: t.MaxIterations,
	}
	if cfg.ID == "" {
		cfg.ID = NewWorkerID()
	}
	if cfg.Branch == "" {
		cfg.Branch = "codi/" + cfg.ID
	}
	if t.Timeout != "" {
		d, err := time.ParseDuration(t.Timeout)
		if err != nil {
			return domain.WorkerConfig{}, fmt.Errorf("invalid timeout %q: %w", t.Timeout, err)
		}
		cfg.Timeout = d
	}
	if err := cfg.Validate(); err != nil {
		return domain.WorkerConfig{}, err
	}
	return cfg, nil
}
