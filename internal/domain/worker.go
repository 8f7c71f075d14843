// Package domain holds the records shared by the commander and its workers.
package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// WorkerConfig is an immutable spawn request.
type WorkerConfig struct {
	ID            string        `json:"id" yaml:"id"`
	Branch        string        `json:"branch" yaml:"branch"`
	Task          string        `json:"task" yaml:"task"`
	Model         string        `json:"model,omitempty" yaml:"model"`
	Provider      string        `json:"provider,omitempty" yaml:"provider"`
	Role          string        `json:"role,omitempty" yaml:"role"`
	AutoApprove   []string      `json:"auto_approve,omitempty" yaml:"auto_approve"`
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Validate checks that the config can be spawned.
func (c WorkerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("worker id is required")
	}
	if c.Branch == "" {
		return errors.New("branch is required")
	}
	if c.Task == "" {
		return errors.New("task is required")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations must not be negative, got %d", c.MaxIterations)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// Clone returns a deep copy.
func (c WorkerConfig) Clone() WorkerConfig {
	c.AutoApprove = slices.Clone(c.AutoApprove)
	return c
}

// Assignment converts the config into the payload handed to the worker.
func (c WorkerConfig) Assignment(baseBranch string) *ipcprotocol.TaskAssignment {
	return &ipcprotocol.TaskAssignment{
		Task:          c.Task,
		Model:         c.Model,
		Provider:      c.Provider,
		Role:          c.Role,
		BaseBranch:    baseBranch,
		AutoApprove:   slices.Clone(c.AutoApprove),
		MaxIterations: c.MaxIterations,
		TimeoutMs:     c.Timeout.Milliseconds(),
	}
}

// WorktreeInfo describes an isolated checkout.
type WorktreeInfo struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Managed   bool      `json:"managed"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerState is the commander's supervision record for one worker.
type WorkerState struct {
	Config       WorkerConfig             `json:"config"`
	Worktree     WorktreeInfo             `json:"worktree"`
	Status       ipcprotocol.WorkerStatus `json:"status"`
	PID          int                      `json:"pid,omitempty"`
	CurrentTool  string                   `json:"current_tool,omitempty"`
	Progress     int                      `json:"progress"`
	TokensUsed   int64                    `json:"tokens_used"`
	RestartCount int                      `json:"restart_count"`
	Error        string                   `json:"error,omitempty"`
	LastMessage  string                   `json:"last_message,omitempty"`
	StartedAt    time.Time                `json:"started_at"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
}

// IsActive reports whether the worker has not reached a terminal status.
func (s WorkerState) IsActive() bool {
	return !s.Status.IsTerminal()
}

// Clone returns a snapshot that shares no memory with s.
func (s WorkerState) Clone() WorkerState {
	s.Config = s.Config.Clone()
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// Duration is the time from start to completion, or until now when running.
func (s WorkerState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// WorkerResult is the immutable summary of a finished worker.
type WorkerResult struct {
	WorkerID      string                   `json:"worker_id"`
	Branch        string                   `json:"branch"`
	Status        ipcprotocol.WorkerStatus `json:"status"`
	Success       bool                     `json:"success"`
	Response      string                   `json:"response,omitempty"`
	ToolCallCount int                      `json:"tool_call_count"`
	TokensUsed    int64                    `json:"tokens_used"`
	Duration      time.Duration            `json:"duration"`
	PRURL         string                   `json:"pr_url,omitempty"`
	Commits       int                      `json:"commits"`
	FilesChanged  []string                 `json:"files_changed,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Reason        ipcprotocol.ErrorReason  `json:"reason,omitempty"`
	RestartCount  int                      `json:"restart_count"`
	CompletedAt   time.Time                `json:"completed_at"`
}

// ResultFromComplete builds a successful result from a task_complete payload.
func ResultFromComplete(state WorkerState, r ipcprotocol.TaskResult) WorkerResult {
	res := baseResult(state)
	res.Success = true
	res.Response = r.Response
	res.ToolCallCount = r.ToolCallCount
	if r.TokensUsed > res.TokensUsed {
		res.TokensUsed = r.TokensUsed
	}
	if r.DurationMs > 0 {
		res.Duration = time.Duration(r.DurationMs) * time.Millisecond
	}
	res.PRURL = r.PRURL
	res.Commits = r.Commits
	res.FilesChanged = slices.Clone(r.FilesChanged)
	return res
}

// ResultFromFailure builds a failed result.
func ResultFromFailure(state WorkerState, reason ipcprotocol.ErrorReason, msg string) WorkerResult {
	res := baseResult(state)
	res.Reason = reason
	res.Error = msg
	return res
}

func baseResult(state WorkerState) WorkerResult {
	completed := time.Now()
	if state.CompletedAt != nil {
		completed = *state.CompletedAt
	}
	return WorkerResult{
		WorkerID:     state.Config.ID,
		Branch:       state.Worktree.Branch,
		Status:       state.Status,
		TokensUsed:   state.TokensUsed,
		Duration:     completed.Sub(state.StartedAt),
		RestartCount: state.RestartCount,
		CompletedAt:  completed,
	}
}
