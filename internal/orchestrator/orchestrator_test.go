package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcclient"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/worktree"
)

func TestSpawnWorkerRunsToCompletion(t *testing.T) {
	sp := newFakeSpawner(always(completes("all done")))
	o := newTestOrchestrator(t, Options{}, sp)
	sub := o.Subscribe(64)
	ctx := testContext(t)

	cfg := workerConfig("w1")
	cfg.AutoApprove = []string{"read_file"}
	id, err := o.SpawnWorker(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "w1", id)

	res, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ipcprotocol.StatusComplete, res.Status)
	assert.Equal(t, "all done", res.Response)
	assert.Equal(t, "feat/w1", res.Branch)
	assert.Equal(t, 1, res.Commits)
	assert.Equal(t, []string{"main.go"}, res.FilesChanged)
	assert.EqualValues(t, 42, res.TokensUsed)

	state, ok := o.GetWorker(id)
	require.True(t, ok)
	assert.Equal(t, ipcprotocol.StatusComplete, state.Status)
	assert.NotNil(t, state.CompletedAt)
	assert.Equal(t, 100, state.Progress)
	assert.Empty(t, o.GetActiveWorkers())

	req := sp.spawnRequests()[0]
	assert.Equal(t, "w1", req.WorkerID)
	assert.Equal(t, state.Worktree.Path, req.WorktreePath)
	assert.Equal(t, o.SocketPath(), req.SocketPath)

	logs := o.Logs(id)
	require.Len(t, logs, 1)
	assert.Equal(t, "working on implement w1", logs[0].Content)

	seen := map[string]int{}
	timeout := time.After(5 * time.Second)
	for seen["worker_spawned"] == 0 || seen["worker_finished"] == 0 {
		select {
		case ev := <-sub.C:
			assert.Equal(t, "w1", ev.Worker())
			seen[ev.Kind()]++
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	assert.Equal(t, 1, seen["worker_finished"])
}

func TestWaitAllReturnsEveryResult(t *testing.T) {
	sp := newFakeSpawner(func(req SpawnRequest) behavior {
		if req.WorkerID == "bad" {
			return fails(ipcprotocol.ReasonMaxIterations, "stopped after 3 iterations")
		}
		return completes("ok " + req.WorkerID)
	})
	o := newTestOrchestrator(t, Options{MaxWorkers: 3}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("a"))
	require.NoError(t, err)
	// finishes before WaitAll is called and must still be reported
	_, err = o.Wait(ctx, "a")
	require.NoError(t, err)

	for _, id := range []string{"b", "bad"} {
		_, err := o.SpawnWorker(ctx, workerConfig(id))
		require.NoError(t, err)
	}

	results, err := o.WaitAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]domain.WorkerResult{}
	for _, r := range results {
		byID[r.WorkerID] = r
	}
	assert.True(t, byID["a"].Success)
	assert.True(t, byID["b"].Success)
	assert.False(t, byID["bad"].Success)
	assert.Equal(t, ipcprotocol.ReasonMaxIterations, byID["bad"].Reason)
	assert.Equal(t, "stopped after 3 iterations", byID["bad"].Error)

	// a clean task_error is not a crash
	assert.Equal(t, 3, sp.spawnCount())
	state, _ := o.GetWorker("bad")
	assert.Equal(t, ipcprotocol.StatusFailed, state.Status)
	assert.Equal(t, 0, state.RestartCount)
}

func TestWaitAllWithoutWorkers(t *testing.T) {
	o := newTestOrchestrator(t, Options{}, newFakeSpawner(always(completes(""))))
	results, err := o.WaitAll(testContext(t))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueuePolicyQueueWaitsForFreeSlot(t *testing.T) {
	release := make(chan struct{})
	sp := newFakeSpawner(always(completesAfter(release)))
	o := newTestOrchestrator(t, Options{MaxWorkers: 2, QueuePolicy: QueueWait}, sp)
	ctx := testContext(t)

	for _, id := range []string{"w1", "w2"} {
		_, err := o.SpawnWorker(ctx, workerConfig(id))
		require.NoError(t, err)
	}

	third := make(chan error, 1)
	go func() {
		_, err := o.SpawnWorker(ctx, workerConfig("w3"))
		third <- err
	}()

	require.Eventually(t, func() bool { return o.QueuedSpawns() == 1 }, 2*time.Second, 10*time.Millisecond)
	select {
	case err := <-third:
		t.Fatalf("third spawn returned while slots were busy: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, o.GetActiveWorkers(), 2)
	assert.Equal(t, 2, sp.spawnCount())

	close(release)
	select {
	case err := <-third:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued spawn never got a slot")
	}

	results, err := o.WaitAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.LessOrEqual(t, int(sp.peak.Load()), 2, "more than MaxWorkers processes ran at once")
}

func TestQueuePolicyReject(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sp := newFakeSpawner(always(completesAfter(release)))
	o := newTestOrchestrator(t, Options{MaxWorkers: 2, QueuePolicy: QueueReject}, sp)
	ctx := testContext(t)

	for _, id := range []string{"w1", "w2"} {
		_, err := o.SpawnWorker(ctx, workerConfig(id))
		require.NoError(t, err)
	}

	_, err := o.SpawnWorker(ctx, workerConfig("w3"))
	var maxErr *domain.MaxWorkersExceededError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 2, maxErr.Limit)
	assert.Equal(t, 2, maxErr.Active)
	assert.Len(t, o.GetWorkers(), 2)
	assert.Equal(t, 2, sp.spawnCount())
}

func TestQueuedSpawnGivesUpWithContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sp := newFakeSpawner(always(completesAfter(release)))
	o := newTestOrchestrator(t, Options{MaxWorkers: 1}, sp)

	_, err := o.SpawnWorker(testContext(t), workerConfig("w1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = o.SpawnWorker(ctx, workerConfig("w2"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, o.QueuedSpawns())

	// the id is free again
	_, err = o.SpawnWorker(ctx, workerConfig("w2"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateWorker)
}

func TestSpawnWorkerRejectsDuplicateID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := newTestOrchestrator(t, Options{}, newFakeSpawner(always(completesAfter(release))))
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	_, err = o.SpawnWorker(ctx, workerConfig("w1"))
	require.ErrorIs(t, err, ErrDuplicateWorker)
}

func TestSpawnWorkerValidatesConfig(t *testing.T) {
	o := newTestOrchestrator(t, Options{}, newFakeSpawner(always(completes(""))))
	_, err := o.SpawnWorker(testContext(t), domain.WorkerConfig{ID: "w1"})
	require.Error(t, err)
	assert.Empty(t, o.GetWorkers())
}

func TestSpawnWorkerSurfacesWorktreeFailure(t *testing.T) {
	wt := newFakeWorktrees(t)
	wt.fail["feat/w1"] = &domain.WorktreeCreationError{Branch: "feat/w1", Message: "branch already exists"}
	sp := newFakeSpawner(always(completes("")))
	o := newTestOrchestrator(t, Options{Worktrees: wt, MaxWorkers: 1}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	var wtErr *domain.WorktreeCreationError
	require.ErrorAs(t, err, &wtErr)
	assert.Equal(t, 0, sp.spawnCount())
	assert.Empty(t, o.GetWorkers())

	// the slot was released
	_, err = o.SpawnWorker(ctx, workerConfig("w2"))
	require.NoError(t, err)
}

func TestSpawnWorkerSurfacesProcessFailure(t *testing.T) {
	wt := newFakeWorktrees(t)
	sp := newFakeSpawner(always(completes("")))
	sp.err = errors.New("exec: no such file")
	o := newTestOrchestrator(t, Options{Worktrees: wt}, sp)

	_, err := o.SpawnWorker(testContext(t), workerConfig("w1"))
	var spawnErr *domain.ProcessSpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "w1", spawnErr.WorkerID)
	assert.Empty(t, o.GetWorkers())
	require.Len(t, wt.removedPaths(), 1, "worktree of the failed spawn is removed")
	assert.NoDirExists(t, wt.removedPaths()[0])
}

func TestBranchesAreUniqueAcrossWorkers(t *testing.T) {
	o := newTestOrchestrator(t, Options{}, newFakeSpawner(always(completes(""))))
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, domain.WorkerConfig{ID: "w1", Branch: "feat/x", Task: "t"})
	require.NoError(t, err)
	_, err = o.Wait(ctx, "w1")
	require.NoError(t, err)

	// even after w1 finished its branch stays taken
	_, err = o.SpawnWorker(ctx, domain.WorkerConfig{ID: "w2", Branch: "feat/x", Task: "t"})
	var wtErr *domain.WorktreeCreationError
	require.ErrorAs(t, err, &wtErr)
}

func TestCrashedWorkerIsRestartedUpToLimit(t *testing.T) {
	sp := newFakeSpawner(always(crashes()))
	o := newTestOrchestrator(t, Options{MaxRestarts: 2}, sp)
	sub := o.Subscribe(128)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)

	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ipcprotocol.StatusFailed, res.Status)
	assert.Equal(t, 2, res.RestartCount)
	assert.Contains(t, res.Error, "crashed after 2 restarts")

	state, _ := o.GetWorker("w1")
	assert.Equal(t, 2, state.RestartCount)
	assert.Equal(t, ipcprotocol.StatusFailed, state.Status)
	assert.Equal(t, 3, sp.spawnCount())

	requests := sp.spawnRequests()
	for i, req := range requests {
		assert.Equal(t, i, req.Attempt)
		assert.Equal(t, requests[0].WorktreePath, req.WorktreePath, "restart reuses the worktree")
	}

	restarts := 0
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			if _, ok := ev.(WorkerRestarted); ok {
				restarts++
			}
		default:
			drained = true
		}
	}
	assert.Equal(t, 2, restarts)
}

func TestCrashedWorkerRecoversAfterRestart(t *testing.T) {
	sp := newFakeSpawner(func(req SpawnRequest) behavior {
		if req.Attempt == 0 {
			return crashes()
		}
		return completes("second time lucky")
	})
	o := newTestOrchestrator(t, Options{MaxRestarts: 3}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "second time lucky", res.Response)
	assert.Equal(t, 1, res.RestartCount)
}

func TestRestartWaitsForKilledProcess(t *testing.T) {
	sp := newFakeSpawner(func(req SpawnRequest) behavior {
		if req.Attempt == 0 {
			return dropsConnection()
		}
		return completes("done")
	})
	sp.exitDelay = 300 * time.Millisecond
	o := newTestOrchestrator(t, Options{MaxWorkers: 1, MaxRestarts: 1}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RestartCount)
	assert.Equal(t, 2, sp.spawnCount())
	assert.True(t, sp.process(0).killed.Load())
	assert.Equal(t, int32(1), sp.peak.Load(), "restarted process overlapped the killed one")
}

func TestNoRestartsWhenDisabled(t *testing.T) {
	sp := newFakeSpawner(always(crashes()))
	o := newTestOrchestrator(t, Options{MaxRestarts: 0}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.RestartCount)
	assert.Equal(t, 1, sp.spawnCount())
}

func TestHandshakeTimeoutFailsWorker(t *testing.T) {
	sp := newFakeSpawner(always(nil))
	o := newTestOrchestrator(t, Options{HandshakeTimeout: 150 * time.Millisecond, MaxRestarts: 1}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, ipcprotocol.StatusFailed, res.Status)
	assert.Equal(t, ipcprotocol.ReasonHandshakeFailed, res.Reason)
	assert.Contains(t, res.Error, "no handshake within")
	assert.Equal(t, 1, res.RestartCount)
	require.Equal(t, 2, sp.spawnCount())
	assert.True(t, sp.process(0).killed.Load())
	assert.True(t, sp.process(1).killed.Load())
}

func TestCancelWorkerCooperative(t *testing.T) {
	sp := newFakeSpawner(always(honorsCancel()))
	o := newTestOrchestrator(t, Options{CancelGracePeriod: 5 * time.Second}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	waitForStatus(t, o, "w1", ipcprotocol.StatusIdle)

	start := time.Now()
	require.NoError(t, o.CancelWorker("w1", "user changed their mind"))
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ipcprotocol.StatusCancelled, res.Status)
	assert.Equal(t, ipcprotocol.ReasonCancelled, res.Reason)
	assert.Equal(t, "cancelled: user changed their mind", res.Error)
	assert.False(t, sp.process(0).killed.Load())
}

func TestCancelWorkerForceKillsAfterGrace(t *testing.T) {
	grace := 300 * time.Millisecond
	sp := newFakeSpawner(always(ignoresCancel()))
	o := newTestOrchestrator(t, Options{CancelGracePeriod: grace}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	waitForStatus(t, o, "w1", ipcprotocol.StatusIdle)

	start := time.Now()
	require.NoError(t, o.CancelWorker("w1", ""))
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+time.Second)
	assert.Equal(t, ipcprotocol.StatusCancelled, res.Status)
	assert.Contains(t, res.Error, "killed after")
	assert.True(t, sp.process(0).killed.Load())
	assert.Equal(t, 1, sp.spawnCount(), "a cancelled worker is never restarted")
}

func TestCancelWorkerBeforeHandshake(t *testing.T) {
	sp := newFakeSpawner(always(nil))
	o := newTestOrchestrator(t, Options{}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	require.NoError(t, o.CancelWorker("w1", "stop"))

	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, ipcprotocol.StatusCancelled, res.Status)
	require.Eventually(t, func() bool { return sp.process(0).killed.Load() }, time.Second, 10*time.Millisecond)
}

func TestCancelWorkerUnknownAndFinished(t *testing.T) {
	o := newTestOrchestrator(t, Options{}, newFakeSpawner(always(completes(""))))
	ctx := testContext(t)

	require.ErrorIs(t, o.CancelWorker("nope", ""), ErrUnknownWorker)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	_, err = o.Wait(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, o.CancelWorker("w1", ""))
	state, _ := o.GetWorker("w1")
	assert.Equal(t, ipcprotocol.StatusComplete, state.Status)
}

func TestPermissionRequestIsRelayed(t *testing.T) {
	prompts := make(chan PermissionPrompt, 1)
	sp := newFakeSpawner(always(func(ctx context.Context, c *ipcclient.Client) {
		res := c.RequestPermission(ctx, ipcprotocol.ToolConfirmation{ToolName: "write_file", Description: "write main.go"})
		_ = c.SendTaskComplete(ipcprotocol.TaskResult{Response: fmt.Sprintf("%s/%s", res.Decision, res.Reason)})
	}))
	o := newTestOrchestrator(t, Options{
		Prompt: func(_ context.Context, p PermissionPrompt) (ipcprotocol.ConfirmationResult, error) {
			prompts <- p
			return ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionApprove, Reason: "looks fine"}, nil
		},
	}, sp)
	sub := o.Subscribe(64)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "approve/looks fine", res.Response)

	p := <-prompts
	assert.Equal(t, "w1", p.WorkerID)
	assert.Equal(t, "feat/w1", p.Branch)
	assert.Equal(t, "write_file", p.Confirmation.ToolName)
	assert.NotEmpty(t, p.RequestID)

	var requested *PermissionRequested
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			if pr, ok := ev.(PermissionRequested); ok {
				requested = &pr
			}
		default:
			drained = true
		}
	}
	require.NotNil(t, requested)
	assert.Equal(t, p.RequestID, requested.RequestID)
}

func TestPermissionWithoutAnswerIsDeniedByTimeout(t *testing.T) {
	sp := newFakeSpawner(always(func(ctx context.Context, c *ipcclient.Client) {
		res := c.RequestPermission(ctx, ipcprotocol.ToolConfirmation{ToolName: "run_command"})
		_ = c.SendTaskComplete(ipcprotocol.TaskResult{Response: fmt.Sprintf("%s/%s/%v", res.Decision, res.Reason, res.TimedOut)})
	}))
	sp.permissionTimeout = 150 * time.Millisecond
	o := newTestOrchestrator(t, Options{
		Prompt: func(ctx context.Context, _ PermissionPrompt) (ipcprotocol.ConfirmationResult, error) {
			<-ctx.Done()
			return ipcprotocol.ConfirmationResult{}, ctx.Err()
		},
	}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "deny/no response/true", res.Response)
}

func TestPermissionWithoutApproverIsDenied(t *testing.T) {
	sp := newFakeSpawner(always(func(ctx context.Context, c *ipcclient.Client) {
		res := c.RequestPermission(ctx, ipcprotocol.ToolConfirmation{ToolName: "write_file"})
		_ = c.SendTaskComplete(ipcprotocol.TaskResult{Response: string(res.Decision)})
	}))
	o := newTestOrchestrator(t, Options{}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "deny", res.Response)
}

func TestStatusUpdatesFollowStateMachine(t *testing.T) {
	release := make(chan struct{})
	sp := newFakeSpawner(always(func(ctx context.Context, c *ipcclient.Client) {
		tool := ipcprotocol.NewStatusUpdate("", ipcprotocol.StatusToolCall)
		tool.CurrentTool = "write_file"
		tool.Progress = 140
		c.SendStatus(tool)
		// terminal statuses only come with task_complete/task_error
		c.SendStatus(ipcprotocol.NewStatusUpdate("", ipcprotocol.StatusComplete))
		<-release
		_ = c.SendTaskComplete(ipcprotocol.TaskResult{})
	}))
	o := newTestOrchestrator(t, Options{}, sp)
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	waitForStatus(t, o, "w1", ipcprotocol.StatusToolCall)

	time.Sleep(50 * time.Millisecond)
	state, _ := o.GetWorker("w1")
	assert.Equal(t, ipcprotocol.StatusToolCall, state.Status)
	assert.Equal(t, "write_file", state.CurrentTool)
	assert.Equal(t, 100, state.Progress)
	assert.True(t, state.IsActive())

	close(release)
	_, err = o.Wait(ctx, "w1")
	require.NoError(t, err)
}

func TestResultSinksReceiveEveryResult(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	sink := ResultSinkFunc(func(_ context.Context, r domain.WorkerResult) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.WorkerID)
		return nil
	})
	failing := ResultSinkFunc(func(context.Context, domain.WorkerResult) error {
		return errors.New("disk full")
	})
	o := newTestOrchestrator(t, Options{Sinks: []ResultSink{failing, sink}}, newFakeSpawner(always(completes(""))))
	ctx := testContext(t)

	for _, id := range []string{"w1", "w2"} {
		_, err := o.SpawnWorker(ctx, workerConfig(id))
		require.NoError(t, err)
	}
	_, err := o.WaitAll(ctx)
	require.NoError(t, err)

	report := o.Stop(ctx)
	require.NoError(t, report.Err())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"w1", "w2"}, seen)
}

func TestStopCancelsWorkersAndRemovesWorktrees(t *testing.T) {
	repo := initRepo(t)
	mgr, err := worktree.NewManager(worktree.Config{
		RepoDir:     repo,
		WorktreeDir: filepath.Join(t.TempDir(), "worktrees"),
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	sp := newFakeSpawner(func(req SpawnRequest) behavior {
		if req.WorkerID == "stubborn" {
			return ignoresCancel()
		}
		return honorsCancel()
	})
	o := newTestOrchestrator(t, Options{Worktrees: mgr, CleanupOnExit: true, CancelGracePeriod: 300 * time.Millisecond}, sp)
	ctx := testContext(t)

	var paths []string
	for _, id := range []string{"polite", "stubborn"} {
		_, err := o.SpawnWorker(ctx, workerConfig(id))
		require.NoError(t, err)
		waitForStatus(t, o, id, ipcprotocol.StatusIdle)
		state, _ := o.GetWorker(id)
		require.DirExists(t, state.Worktree.Path)
		paths = append(paths, state.Worktree.Path)
	}

	report := o.Stop(ctx)
	require.NoError(t, report.Err())
	assert.ElementsMatch(t, []string{"polite", "stubborn"}, report.Cancelled)
	assert.ElementsMatch(t, paths, report.RemovedWorktrees)
	for _, p := range paths {
		assert.NoDirExists(t, p)
	}
	assert.True(t, sp.process(1).killed.Load())

	assert.Empty(t, o.GetWorkers())
	_, err = o.SpawnWorker(ctx, workerConfig("late"))
	require.ErrorIs(t, err, ErrStopped)
	assert.NoFileExists(t, o.SocketPath())

	// idempotent
	again := o.Stop(ctx)
	assert.Equal(t, report.Cancelled, again.Cancelled)
}

func TestStopWithoutCleanupKeepsWorktrees(t *testing.T) {
	wt := newFakeWorktrees(t)
	o := newTestOrchestrator(t, Options{Worktrees: wt}, newFakeSpawner(always(completes(""))))
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	res, err := o.Wait(ctx, "w1")
	require.NoError(t, err)
	require.True(t, res.Success)

	report := o.Stop(ctx)
	assert.Empty(t, report.Cancelled)
	assert.Empty(t, report.RemovedWorktrees)
	assert.Empty(t, wt.removedPaths())
}

func TestStopReleasesQueuedSpawns(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := newTestOrchestrator(t, Options{MaxWorkers: 1, CancelGracePeriod: 200 * time.Millisecond}, newFakeSpawner(always(completesAfter(release))))
	ctx := testContext(t)

	_, err := o.SpawnWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)
	queued := make(chan error, 1)
	go func() {
		_, err := o.SpawnWorker(ctx, workerConfig("w2"))
		queued <- err
	}()
	require.Eventually(t, func() bool { return o.QueuedSpawns() == 1 }, 2*time.Second, 10*time.Millisecond)

	o.Stop(ctx)
	select {
	case err := <-queued:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("queued spawn not released by Stop")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Worktrees: newFakeWorktrees(t), QueuePolicy: "lottery"})
	require.Error(t, err)

	_, err = New(Options{})
	require.Error(t, err, "repo dir is required without a worktree manager")

	_, err = New(Options{Worktrees: newFakeWorktrees(t), MaxRestarts: -1})
	require.Error(t, err)
}

func TestMethodsBeforeStart(t *testing.T) {
	o, err := New(Options{Worktrees: newFakeWorktrees(t), Spawner: newFakeSpawner(always(nil)), SocketPath: socketPath(t)})
	require.NoError(t, err)
	_, err = o.SpawnWorker(context.Background(), workerConfig("w1"))
	require.ErrorIs(t, err, ErrNotStarted)
	assert.Empty(t, o.GetWorkers())
	report := o.Stop(context.Background())
	assert.NoError(t, report.Err())
}

func waitForStatus(t *testing.T, o *Orchestrator, id string, status ipcprotocol.WorkerStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := o.GetWorker(id)
		return ok && s.Status == status
	}, 5*time.Second, 10*time.Millisecond, "worker %s never reached %s", id, status)
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		runGit(t, dir, args...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}
