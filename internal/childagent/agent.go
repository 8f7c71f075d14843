// Package childagent runs one task inside a worker process, relaying tool
// confirmations and progress to the commander.
package childagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/worktree"
)

var (
	errTimeout        = errors.New("task timed out")
	errCancelled      = errors.New("task cancelled by commander")
	errConnectionLost = errors.New("commander connection lost")
)

const maxLogContent = 4096

// Config configures a ChildAgent.
type Config struct {
	Worker       domain.WorkerConfig
	Worktree     domain.WorktreeInfo
	BaseBranch   string
	SystemPrompt string
	Runner       TaskRunner
	Channel      Channel
	Git          worktree.GitRunner
	// WatchDebounce enables the worktree activity watcher when positive.
	WatchDebounce time.Duration
	Logger        *slog.Logger
}

// ChildAgent runs exactly one task and reports exactly one terminal message.
type ChildAgent struct {
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	status        ipcprotocol.WorkerStatus
	currentTool   string
	progress      int
	tokens        int64
	toolCalls     int
	alwaysAllowed map[string]bool

	finishOnce sync.Once
}

// New creates a ChildAgent.
func New(config Config) (*ChildAgent, error) {
	if config.Runner == nil {
		return nil, errors.New("task runner is required")
	}
	if config.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if config.Worker.Task == "" {
		return nil, errors.New("task is required")
	}
	if config.Git == nil {
		config.Git = worktree.ExecGit{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	allowed := make(map[string]bool)
	for _, tool := range config.Worker.AutoApprove {
		allowed[tool] = true
	}
	return &ChildAgent{
		config:        config,
		logger:        config.Logger.With("worker", config.Worker.ID),
		status:        ipcprotocol.StatusStarting,
		alwaysAllowed: allowed,
	}, nil
}

// Run executes the task. It returns an error only when the terminal message
// could not be delivered.
func (a *ChildAgent) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if a.config.Worker.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, a.config.Worker.Timeout, errTimeout)
		defer stop()
	}

	go func() {
		select {
		case <-a.config.Channel.Cancelled():
			cancel(errCancelled)
		case <-a.config.Channel.Dead():
			cancel(errConnectionLost)
		case <-ctx.Done():
		}
	}()

	stopWatcher := func() {}
	if a.config.WatchDebounce > 0 && a.config.Worktree.Path != "" {
		w, err := NewActivityWatcher(a.config.Worktree.Path, a.config.WatchDebounce, a.reportActivity)
		if err != nil {
			a.logger.Debug("activity watcher unavailable", "error", err)
		} else {
			w.Start(ctx)
			stopWatcher = w.Stop
		}
	}

	a.setStatus(ipcprotocol.StatusIdle, "", "ready")

	outcome, err := a.config.Runner.Run(ctx, TaskRequest{
		Task:          a.config.Worker.Task,
		Model:         a.config.Worker.Model,
		Provider:      a.config.Worker.Provider,
		SystemPrompt:  a.config.SystemPrompt,
		WorkDir:       a.config.Worktree.Path,
		MaxIterations: a.config.Worker.MaxIterations,
		Confirm:       a.confirm,
		OnEvent:       func(ev Event) { a.handleEvent(ev, cancel) },
	})
	// flush activity before the terminal message so nothing follows it
	stopWatcher()

	if err == nil && outcome != nil && ctx.Err() == nil {
		return a.complete(ctx, outcome, time.Since(start))
	}
	reason, msg := a.classify(ctx, err)
	return a.fail(reason, msg)
}

func (a *ChildAgent) classify(ctx context.Context, err error) (ipcprotocol.ErrorReason, string) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, ErrMaxIterations) || errors.Is(cause, ErrMaxIterations):
		return ipcprotocol.ReasonMaxIterations, fmt.Sprintf("stopped after %d iterations", a.config.Worker.MaxIterations)
	case errors.Is(cause, errTimeout):
		return ipcprotocol.ReasonTimeout, fmt.Sprintf("task exceeded timeout of %s", a.config.Worker.Timeout)
	case errors.Is(cause, errCancelled):
		msg := "cancelled"
		if r := a.config.Channel.CancelReason(); r != "" {
			msg = "cancelled: " + r
		}
		return ipcprotocol.ReasonCancelled, msg
	case errors.Is(cause, errConnectionLost):
		return ipcprotocol.ReasonConnectionLost, errConnectionLost.Error()
	case err != nil:
		return ipcprotocol.ReasonTaskFailed, err.Error()
	case cause != nil:
		return ipcprotocol.ReasonTaskFailed, cause.Error()
	}
	return ipcprotocol.ReasonTaskFailed, "task runner returned no outcome"
}

func (a *ChildAgent) complete(ctx context.Context, outcome *TaskOutcome, elapsed time.Duration) error {
	var sendErr error
	a.finishOnce.Do(func() {
		a.mu.Lock()
		toolCalls := max(a.toolCalls, outcome.ToolCallCount)
		tokens := max(a.tokens, outcome.TokensUsed)
		a.mu.Unlock()

		commits, files := a.changes(ctx)
		a.setProgress(100)
		a.setStatus(ipcprotocol.StatusComplete, "", "")
		sendErr = a.config.Channel.SendTaskComplete(ipcprotocol.TaskResult{
			Response:      outcome.Response,
			ToolCallCount: toolCalls,
			TokensUsed:    tokens,
			DurationMs:    elapsed.Milliseconds(),
			PRURL:         outcome.PRURL,
			Commits:       commits,
			FilesChanged:  files,
		})
	})
	return sendErr
}

func (a *ChildAgent) fail(reason ipcprotocol.ErrorReason, msg string) error {
	var sendErr error
	a.finishOnce.Do(func() {
		status := ipcprotocol.StatusFailed
		if reason == ipcprotocol.ReasonCancelled {
			status = ipcprotocol.StatusCancelled
		}
		a.setStatus(status, "", msg)
		sendErr = a.config.Channel.SendTaskError(reason, msg)
	})
	return sendErr
}

// confirm answers a tool confirmation, asking the commander unless the tool
// is auto-approved or was approved with approve_always earlier in this task.
func (a *ChildAgent) confirm(ctx context.Context, conf ipcprotocol.ToolConfirmation) ipcprotocol.ConfirmationResult {
	a.mu.Lock()
	allowed := a.alwaysAllowed[conf.ToolName]
	a.mu.Unlock()
	if allowed {
		return ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionApprove, Reason: "auto-approved"}
	}

	a.setStatus(ipcprotocol.StatusWaitingPermission, conf.ToolName, "")
	res := a.config.Channel.RequestPermission(ctx, conf)

	switch {
	case res.Decision == ipcprotocol.DecisionApproveAlways:
		a.mu.Lock()
		a.alwaysAllowed[conf.ToolName] = true
		a.mu.Unlock()
	case res.TimedOut:
		a.config.Channel.SendLog(ipcprotocol.LogWarn, fmt.Sprintf("%s denied: %s", conf.ToolName, res.Reason))
	case !res.Approved():
		a.config.Channel.SendLog(ipcprotocol.LogInfo, fmt.Sprintf("%s denied by user", conf.ToolName))
	}
	if ctx.Err() == nil {
		a.setStatus(ipcprotocol.StatusToolCall, conf.ToolName, "")
	}
	return res
}

func (a *ChildAgent) handleEvent(ev Event, cancel context.CancelCauseFunc) {
	switch ev.Kind {
	case EventIteration:
		if limit := a.config.Worker.MaxIterations; limit > 0 && ev.Iteration > limit {
			cancel(ErrMaxIterations)
			return
		}
		a.setProgress(progressFor(ev.Iteration, a.config.Worker.MaxIterations))
		a.setStatus(ipcprotocol.StatusThinking, "", "")
	case EventText:
		if strings.TrimSpace(ev.Text) != "" {
			a.config.Channel.SendLog(ipcprotocol.LogText, truncate(ev.Text))
		}
	case EventToolCall:
		a.mu.Lock()
		a.toolCalls++
		a.mu.Unlock()
		a.setStatus(ipcprotocol.StatusToolCall, ev.Tool, "")
		if ev.Text != "" {
			a.config.Channel.SendLog(ipcprotocol.LogToolInput, truncate(ev.Tool+": "+ev.Text))
		}
	case EventToolResult:
		a.config.Channel.SendLog(ipcprotocol.LogToolOut, truncate(ev.Text))
		a.setStatus(ipcprotocol.StatusThinking, "", "")
	case EventUsage:
		a.mu.Lock()
		a.tokens = ev.Tokens
		a.mu.Unlock()
		a.sendStatus("")
	}
}

// progressFor maps an iteration to 0-95; 100 is reserved for completion.
func progressFor(iteration, limit int) int {
	if iteration <= 0 {
		return 0
	}
	if limit <= 0 {
		return min(95, iteration*5)
	}
	return min(95, iteration*100/limit)
}

func (a *ChildAgent) setProgress(p int) {
	a.mu.Lock()
	a.progress = p
	a.mu.Unlock()
}

// setStatus records a transition and reports it. Transitions out of a
// terminal status are ignored.
func (a *ChildAgent) setStatus(status ipcprotocol.WorkerStatus, tool, msg string) {
	a.mu.Lock()
	if a.status == status && a.currentTool == tool && msg == "" {
		a.mu.Unlock()
		return
	}
	if a.status != status && !ipcprotocol.CanTransition(a.status, status) {
		a.mu.Unlock()
		return
	}
	a.status = status
	a.currentTool = tool
	a.mu.Unlock()
	a.sendStatus(msg)
}

func (a *ChildAgent) sendStatus(msg string) {
	a.mu.Lock()
	update := ipcprotocol.NewStatusUpdate(a.config.Worker.ID, a.status)
	update.CurrentTool = a.currentTool
	update.Progress = a.progress
	update.TokensUsed = a.tokens
	update.Message = msg
	a.mu.Unlock()
	a.config.Channel.SendStatus(update)
}

// Status returns the current status.
func (a *ChildAgent) Status() ipcprotocol.WorkerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *ChildAgent) reportActivity(files []string) {
	a.config.Channel.SendLog(ipcprotocol.LogInfo, "files touched: "+strings.Join(files, ", "))
}

// changes counts commits made on top of the base branch and lists the files
// changed, committed or not.
func (a *ChildAgent) changes(ctx context.Context) (int, []string) {
	dir := a.config.Worktree.Path
	if dir == "" {
		return 0, nil
	}
	git := a.config.Git
	seen := make(map[string]bool)

	commits := 0
	if base := a.config.BaseBranch; base != "" {
		if out, err := git.Run(ctx, dir, "rev-list", "--count", base+"..HEAD"); err == nil {
			commits, _ = strconv.Atoi(strings.TrimSpace(out))
		} else {
			a.logger.Debug("counting commits failed", "error", err)
		}
		if out, err := git.Run(ctx, dir, "diff", "--name-only", base+"...HEAD"); err == nil {
			for _, f := range strings.Split(out, "\n") {
				if f = strings.TrimSpace(f); f != "" {
					seen[f] = true
				}
			}
		}
	}
	if out, err := git.Run(ctx, dir, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if len(line) > 3 {
				f := strings.TrimSpace(line[3:])
				if i := strings.Index(f, " -> "); i >= 0 {
					f = f[i+4:]
				}
				seen[f] = true
			}
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return commits, slices.Clip(files)
}

func truncate(s string) string {
	if len(s) <= maxLogContent {
		return s
	}
	cut := maxLogContent
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
