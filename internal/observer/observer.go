// Package observer aggregates metrics over finished workers.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// Observer monitors worker execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	WorkerID    string
	Status      ipcprotocol.WorkerStatus
	Reason      ipcprotocol.ErrorReason
	Duration    time.Duration
	Tokens      int64
	Commits     int
	Restarts    int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int                             `json:"total_completed"`
	TotalFailed    int                             `json:"total_failed"`
	TotalCancelled int                             `json:"total_cancelled"`
	TotalRestarts  int                             `json:"total_restarts"`
	TotalTokens    int64                           `json:"total_tokens"`
	TotalCommits   int                             `json:"total_commits"`
	AvgDuration    time.Duration                   `json:"avg_duration"`
	FailureReasons map[ipcprotocol.ErrorReason]int `json:"failure_reasons,omitempty"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// IsStuck returns true if a worker has been running longer than the threshold
func (o *Observer) IsStuck(state domain.WorkerState) bool {
	if !state.IsActive() || o.stuckThreshold <= 0 {
		return false
	}
	if state.StartedAt.IsZero() {
		return false
	}
	return time.Since(state.StartedAt) > o.stuckThreshold
}

// Record records a finished worker. It implements orchestrator.ResultSink.
func (o *Observer) Record(_ context.Context, r domain.WorkerResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	completedAt := r.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	o.completions = append(o.completions, completion{
		WorkerID:    r.WorkerID,
		Status:      r.Status,
		Reason:      r.Reason,
		Duration:    r.Duration,
		Tokens:      r.TokensUsed,
		Commits:     r.Commits,
		Restarts:    r.RestartCount,
		CompletedAt: completedAt,
	})
	return nil
}

// GetMetrics returns aggregated metrics. AvgDuration covers completed workers only.
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.TotalTokens += c.Tokens
		metrics.TotalCommits += c.Commits
		metrics.TotalRestarts += c.Restarts
		switch c.Status {
		case ipcprotocol.StatusComplete:
			metrics.TotalCompleted++
			totalDuration += c.Duration
		case ipcprotocol.StatusCancelled:
			metrics.TotalCancelled++
		default:
			metrics.TotalFailed++
			if metrics.FailureReasons == nil {
				metrics.FailureReasons = make(map[ipcprotocol.ErrorReason]int)
			}
			metrics.FailureReasons[c.Reason]++
		}
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns ids of workers that finished within since
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.WorkerID)
		}
	}

	return result
}
