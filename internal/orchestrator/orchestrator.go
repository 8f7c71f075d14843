// Package orchestrator is the commander: it spawns worker processes in their
// own worktrees, supervises them over the IPC server and aggregates results.
//
// All worker state is owned by a single actor goroutine. Public methods and
// IPC handlers talk to it by posting closures to its inbox; callers only ever
// see cloned snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/ipcserver"
	"github.com/hochfrequenz/codi/internal/worktree"
)

var (
	// ErrStopped is returned once Stop has begun.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrNotStarted is returned when Start has not been called.
	ErrNotStarted = errors.New("orchestrator not started")
	// ErrUnknownWorker is returned for ids the orchestrator never spawned.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrDuplicateWorker is returned when a worker id is already in use.
	ErrDuplicateWorker = errors.New("worker id already in use")
)

// exitSettle is how long a process exit waits for its connection to deliver
// the remaining messages before it is judged a crash.
const exitSettle = 2 * time.Second

const sinkTimeout = 30 * time.Second

// Worktrees is the worktree manager as used by the orchestrator.
// *worktree.Manager implements it.
type Worktrees interface {
	Create(ctx context.Context, opts worktree.CreateOptions) (domain.WorktreeInfo, error)
	Remove(ctx context.Context, path string) error
	Cleanup(ctx context.Context) ([]string, error)
}

// PermissionPrompt is a tool confirmation waiting for a decision.
type PermissionPrompt struct {
	WorkerID     string
	Branch       string
	RequestID    string
	Confirmation ipcprotocol.ToolConfirmation
}

// PermissionPromptCallback asks the interactive user to decide a permission
// request. The context ends when the worker finishes or the permission
// timeout passes; returning an error after that sends no answer and the
// worker falls back to deny.
type PermissionPromptCallback func(ctx context.Context, prompt PermissionPrompt) (ipcprotocol.ConfirmationResult, error)

// ResultSink receives every terminal worker result.
type ResultSink interface {
	Record(ctx context.Context, result domain.WorkerResult) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, result domain.WorkerResult) error

// Record calls f.
func (f ResultSinkFunc) Record(ctx context.Context, result domain.WorkerResult) error {
	return f(ctx, result)
}

// LogLine is one log message kept for a worker.
type LogLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Content string    `json:"content"`
}

// StopReport summarizes a Stop. Individual failures are reported, not returned.
type StopReport struct {
	Cancelled        []string
	RemovedWorktrees []string
	Errors           []error
}

// Err joins the collected errors.
func (r StopReport) Err() error { return errors.Join(r.Errors...) }

// worker is the actor-owned supervision record.
type worker struct {
	state   domain.WorkerState
	attempt int
	proc    Process
	exited  bool
	// connID is the IPC connection of the current attempt, 0 before handshake.
	connID uint64

	handshakeTimer *time.Timer
	graceTimer     *time.Timer
	settleTimer    *time.Timer
	reapTimer      *time.Timer

	// respawnPending holds a restart until the process of drainAttempt exits.
	respawnPending bool
	drainAttempt   int
	drainTimer     *time.Timer

	cancelRequested bool

	promptCtx    context.Context
	promptCancel context.CancelFunc

	result  *domain.WorkerResult
	logs    []LogLine
	waiters []chan struct{}
}

func (w *worker) stopTimers() {
	for _, t := range []*time.Timer{w.handshakeTimer, w.graceTimer, w.settleTimer, w.drainTimer} {
		if t != nil {
			t.Stop()
		}
	}
	w.handshakeTimer, w.graceTimer, w.settleTimer, w.drainTimer = nil, nil, nil, nil
}

type slotWaiter struct {
	id string
	ch chan error
}

// Orchestrator supervises worker processes.
type Orchestrator struct {
	opts      Options
	logger    *slog.Logger
	server    *ipcserver.Server
	worktrees Worktrees
	spawner   Spawner
	events    *broker

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	results   chan domain.WorkerResult
	sinksDone chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	report   StopReport

	// owned by the actor goroutine
	workers  map[string]*worker
	order    []string
	pending  map[string]bool
	inflight int
	queue    []*slotWaiter
	barriers []chan struct{}
	stopping bool
}

// New creates an orchestrator. Call Start before spawning workers.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:      opts,
		logger:    opts.Logger.With("component", "orchestrator"),
		worktrees: opts.Worktrees,
		spawner:   opts.Spawner,
		events:    newBroker(),
		inbox:     make(chan func(), 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		results:   make(chan domain.WorkerResult, 128),
		sinksDone: make(chan struct{}),
		workers:   make(map[string]*worker),
		pending:   make(map[string]bool),
	}

	if o.worktrees == nil {
		mgr, err := worktree.NewManager(worktree.Config{
			RepoDir:     opts.RepoDir,
			WorktreeDir: opts.WorktreeDir,
			Prefix:      opts.WorktreePrefix,
			BaseBranch:  opts.BaseBranch,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating worktree manager: %w", err)
		}
		o.worktrees = mgr
	}
	if o.spawner == nil {
		command := opts.WorkerCommand
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locating worker binary: %w", err)
			}
			command = []string{exe, "worker"}
		}
		o.spawner = ExecSpawner{Command: command, LogDir: opts.LogDir}
	}

	server, err := ipcserver.New(ipcserver.Config{
		SocketPath:       opts.SocketPath,
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           opts.Logger,
	}, ipcserver.Handlers{
		OnHandshake:         o.onHandshake,
		OnPermissionRequest: o.onPermissionRequest,
		OnStatusUpdate:      o.onStatusUpdate,
		OnLog:               o.onLog,
		OnTaskComplete:      o.onTaskComplete,
		OnTaskError:         o.onTaskError,
	})
	if err != nil {
		return nil, err
	}
	o.server = server
	return o, nil
}

// Start listens on the socket and starts the actor.
func (o *Orchestrator) Start() error {
	if o.started.Load() {
		return errors.New("orchestrator already started")
	}
	go o.loop()
	if err := o.server.Start(); err != nil {
		close(o.quit)
		return err
	}
	o.started.Store(true)
	go o.sinkLoop()
	o.logger.Info("orchestrator started", "socket", o.opts.SocketPath, "max_workers", o.opts.MaxWorkers, "queue_policy", o.opts.QueuePolicy)
	return nil
}

// SocketPath returns the socket workers connect to.
func (o *Orchestrator) SocketPath() string { return o.opts.SocketPath }

// Subscribe returns a subscription with the given buffer size.
func (o *Orchestrator) Subscribe(buffer int) *Subscription {
	return o.events.subscribe(buffer)
}

// DroppedEvents counts events lost to full subscriber buffers.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.events.dropped.Load()
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-o.quit:
			return
		}
	}
}

// post hands fn to the actor without waiting. It reports false once the
// actor has exited.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.inbox <- fn:
		return true
	case <-o.done:
		return false
	}
}

// call runs fn on the actor and waits for it to finish.
func (o *Orchestrator) call(fn func()) error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	finished := make(chan struct{})
	if !o.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrStopped
	}
}

// afterFunc runs fn on the actor after d.
func (o *Orchestrator) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { o.post(fn) })
}

// SpawnWorker creates a worktree for config.Branch, starts a worker process in
// it and returns the worker id once the worker is registered. When all slots
// are busy it waits in FIFO order or fails with
// *domain.MaxWorkersExceededError, depending on the queue policy. Worktree
// and process failures are returned; everything after that is reported
// through the worker's state.
func (o *Orchestrator) SpawnWorker(ctx context.Context, config domain.WorkerConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", fmt.Errorf("invalid worker config: %w", err)
	}
	config = config.Clone()
	id := config.ID

	if err := o.acquireSlot(ctx, id); err != nil {
		return "", err
	}

	info, err := o.worktrees.Create(ctx, worktree.CreateOptions{Branch: config.Branch, BaseBranch: o.opts.BaseBranch})
	if err != nil {
		o.releaseSlot(id)
		var wtErr *domain.WorktreeCreationError
		if !errors.As(err, &wtErr) {
			err = &domain.WorktreeCreationError{Branch: config.Branch, Message: "worktree manager failed", Cause: err}
		}
		return "", err
	}

	var regErr error
	if err := o.call(func() { regErr = o.register(config, info) }); err != nil {
		regErr = err
	}
	if regErr != nil {
		o.releaseSlot(id)
		o.discardWorktree(info)
		return "", regErr
	}

	proc, err := o.spawner.Spawn(ctx, o.spawnRequest(config, info, 0))
	if err != nil {
		_ = o.call(func() { o.unregister(id) })
		o.discardWorktree(info)
		return "", &domain.ProcessSpawnError{WorkerID: id, Cause: err}
	}
	if err := o.call(func() { o.attach(id, 0, proc) }); err != nil {
		_ = proc.Kill()
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) spawnRequest(config domain.WorkerConfig, info domain.WorktreeInfo, attempt int) SpawnRequest {
	return SpawnRequest{
		WorkerID:     config.ID,
		Branch:       info.Branch,
		WorktreePath: info.Path,
		SocketPath:   o.opts.SocketPath,
		Attempt:      attempt,
	}
}

func (o *Orchestrator) discardWorktree(info domain.WorktreeInfo) {
	if !info.Managed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.worktrees.Remove(ctx, info.Path); err != nil {
		o.logger.Warn("removing worktree of failed spawn", "path", info.Path, "error", err)
	}
}

// acquireSlot reserves a concurrency slot for id before any worktree or
// process work, so concurrent spawns can never overshoot MaxWorkers.
func (o *Orchestrator) acquireSlot(ctx context.Context, id string) error {
	var (
		wait chan error
		err  error
	)
	if callErr := o.call(func() {
		switch {
		case o.stopping:
			err = ErrStopped
		case o.workers[id] != nil || o.pending[id]:
			err = fmt.Errorf("%w: %s", ErrDuplicateWorker, id)
		case o.activeCount() < o.opts.MaxWorkers:
			o.pending[id] = true
			o.inflight++
		case o.opts.QueuePolicy == QueueReject:
			err = &domain.MaxWorkersExceededError{Limit: o.opts.MaxWorkers, Active: o.activeCount()}
		default:
			w := &slotWaiter{id: id, ch: make(chan error, 1)}
			o.pending[id] = true
			o.queue = append(o.queue, w)
			wait = w.ch
			o.logger.Info("worker queued", "worker", id, "position", len(o.queue))
		}
	}); callErr != nil {
		return callErr
	}
	if err != nil || wait == nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		_ = o.call(func() {
			for i, w := range o.queue {
				if w.id == id {
					o.queue = slices.Delete(o.queue, i, i+1)
					delete(o.pending, id)
					return
				}
			}
			// granted while we were giving up
			if o.pending[id] {
				delete(o.pending, id)
				o.inflight--
				o.grantSlots()
				o.checkBarriers()
			}
		})
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseSlot(id string) {
	_ = o.call(func() {
		if o.pending[id] {
			delete(o.pending, id)
			o.inflight--
		}
		o.grantSlots()
		o.checkBarriers()
	})
}

// activeCount is the number of slots in use: spawns holding a reservation
// plus workers that are not terminal or whose process has not exited yet.
func (o *Orchestrator) activeCount() int {
	n := o.inflight
	for _, w := range o.workers {
		if w.state.IsActive() || (w.proc != nil && !w.exited) {
			n++
		}
	}
	return n
}

// grantSlots hands free slots to queued spawns in FIFO order.
func (o *Orchestrator) grantSlots() {
	for len(o.queue) > 0 && !o.stopping && o.activeCount() < o.opts.MaxWorkers {
		w := o.queue[0]
		o.queue = o.queue[1:]
		o.inflight++
		w.ch <- nil
	}
}

func (o *Orchestrator) register(config domain.WorkerConfig, info domain.WorktreeInfo) error {
	if o.stopping {
		return ErrStopped
	}
	delete(o.pending, config.ID)
	o.inflight--

	ctx, cancel := context.WithCancel(context.Background())
	o.workers[config.ID] = &worker{
		state: domain.WorkerState{
			Config:    config,
			Worktree:  info,
			Status:    ipcprotocol.StatusStarting,
			StartedAt: time.Now(),
		},
		promptCtx:    ctx,
		promptCancel: cancel,
	}
	o.order = append(o.order, config.ID)
	return nil
}

func (o *Orchestrator) unregister(id string) {
	w := o.workers[id]
	if w == nil {
		return
	}
	w.stopTimers()
	w.promptCancel()
	delete(o.workers, id)
	o.order = slices.DeleteFunc(o.order, func(s string) bool { return s == id })
	o.grantSlots()
	o.checkBarriers()
}

// attach binds a started process to the worker's current attempt.
func (o *Orchestrator) attach(id string, attempt int, proc Process) {
	w := o.workers[id]
	if w == nil || w.attempt != attempt {
		_ = proc.Kill()
		return
	}
	w.proc = proc
	w.exited = false
	w.state.PID = proc.PID()
	go func() {
		err := proc.Wait()
		o.post(func() { o.processExited(id, attempt, err) })
	}()

	if attempt == 0 {
		o.logger.Info("worker spawned", "worker", id, "branch", w.state.Worktree.Branch, "pid", w.state.PID)
		o.events.publish(WorkerSpawned{EventHeader: header(id), State: w.state.Clone()})
	}
	switch {
	case !w.state.IsActive() && w.cancelRequested:
		_ = proc.Kill()
	case !w.state.IsActive():
		// finished before the spawn call returned
		o.reapLater(w)
	case w.connID == 0:
		w.handshakeTimer = o.afterFunc(o.opts.HandshakeTimeout, func() { o.handshakeExpired(id, attempt) })
	}
}

// current returns the worker peer speaks for, or nil when the message comes
// from a previous attempt or the worker is already terminal.
func (o *Orchestrator) current(peer ipcserver.Peer) *worker {
	w := o.workers[peer.WorkerID]
	if w == nil || !w.state.IsActive() || w.connID != peer.ConnID {
		return nil
	}
	return w
}

func (o *Orchestrator) onHandshake(peer ipcserver.Peer, hs *ipcprotocol.Handshake) (*ipcprotocol.TaskAssignment, error) {
	var (
		assignment *ipcprotocol.TaskAssignment
		err        error
	)
	if callErr := o.call(func() {
		w := o.workers[hs.WorkerID]
		switch {
		case w == nil:
			err = fmt.Errorf("%w: %s", ErrUnknownWorker, hs.WorkerID)
			return
		case !w.state.IsActive():
			err = errors.New("worker already finished")
			return
		case w.connID != 0:
			err = errors.New("worker already connected")
			return
		case w.respawnPending:
			err = errors.New("worker is restarting")
			return
		}
		w.connID = peer.ConnID
		if w.state.PID == 0 && hs.PID > 0 {
			w.state.PID = hs.PID
		}
		if w.handshakeTimer != nil {
			w.handshakeTimer.Stop()
			w.handshakeTimer = nil
		}
		assignment = w.state.Config.Assignment(o.opts.BaseBranch)
		o.logger.Debug("worker handshake", "worker", hs.WorkerID, "attempt", w.attempt, "pid", hs.PID)
	}); callErr != nil {
		return nil, callErr
	}
	return assignment, err
}

func (o *Orchestrator) onStatusUpdate(peer ipcserver.Peer, su *ipcprotocol.StatusUpdate) {
	o.post(func() {
		w := o.current(peer)
		if w == nil {
			return
		}
		prev := w.state.Status
		// terminal statuses are applied by task_complete/task_error only
		if su.Status != prev && !su.Status.IsTerminal() && ipcprotocol.CanTransition(prev, su.Status) {
			w.state.Status = su.Status
		}
		if !su.Status.IsTerminal() {
			w.state.CurrentTool = su.CurrentTool
		}
		w.state.Progress = min(max(su.Progress, 0), 100)
		if su.TokensUsed > w.state.TokensUsed {
			w.state.TokensUsed = su.TokensUsed
		}
		if su.Message != "" {
			w.state.LastMessage = su.Message
		}
		o.events.publish(WorkerStatusChanged{
			EventHeader: header(peer.WorkerID),
			From:        prev,
			To:          w.state.Status,
			State:       w.state.Clone(),
		})
	})
}

func (o *Orchestrator) onLog(peer ipcserver.Peer, m *ipcprotocol.Log) {
	o.post(func() {
		w := o.current(peer)
		if w == nil {
			return
		}
		line := LogLine{Time: m.Time(), Level: m.Level, Content: m.Content}
		w.logs = append(w.logs, line)
		if over := len(w.logs) - o.opts.LogLines; over > 0 {
			w.logs = slices.Delete(w.logs, 0, over)
		}
		o.events.publish(WorkerLogged{EventHeader: header(peer.WorkerID), Level: m.Level, Content: m.Content})
	})
}

func (o *Orchestrator) onPermissionRequest(peer ipcserver.Peer, m *ipcprotocol.PermissionRequest) {
	o.post(func() {
		w := o.current(peer)
		if w == nil {
			return
		}
		prompt := PermissionPrompt{
			WorkerID:     peer.WorkerID,
			Branch:       w.state.Worktree.Branch,
			RequestID:    m.ID,
			Confirmation: m.Confirmation,
		}
		o.events.publish(PermissionRequested{EventHeader: header(peer.WorkerID), RequestID: m.ID, Confirmation: m.Confirmation})
		go o.askPermission(w.promptCtx, prompt)
	})
}

// askPermission runs the prompt callback off the actor and relays the answer.
func (o *Orchestrator) askPermission(ctx context.Context, p PermissionPrompt) {
	result := ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionDeny, Reason: "no approver configured"}
	if o.opts.Prompt != nil {
		ctx, cancel := context.WithTimeout(ctx, o.opts.PermissionTimeout)
		defer cancel()
		r, err := o.opts.Prompt(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				o.logger.Debug("permission prompt abandoned", "worker", p.WorkerID, "request", p.RequestID, "error", err)
				return
			}
			r = ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionDeny, Reason: err.Error()}
		}
		result = r
	}
	if err := o.server.SendPermissionResponse(p.WorkerID, p.RequestID, result); err != nil {
		o.logger.Warn("permission response not delivered", "worker", p.WorkerID, "request", p.RequestID, "error", err)
	}
}

func (o *Orchestrator) onTaskComplete(peer ipcserver.Peer, m *ipcprotocol.TaskComplete) {
	o.post(func() {
		w := o.current(peer)
		if w == nil {
			return
		}
		o.finish(w, ipcprotocol.StatusComplete, func(state domain.WorkerState) domain.WorkerResult {
			return domain.ResultFromComplete(state, m.Result)
		})
	})
}

func (o *Orchestrator) onTaskError(peer ipcserver.Peer, m *ipcprotocol.TaskError) {
	o.post(func() {
		w := o.current(peer)
		if w == nil {
			return
		}
		switch {
		case w.cancelRequested || m.Reason == ipcprotocol.ReasonCancelled:
			o.finishFailure(w, ipcprotocol.StatusCancelled, ipcprotocol.ReasonCancelled, m.Message)
		case m.Reason == ipcprotocol.ReasonConnectionLost:
			o.crashed(w, ipcprotocol.ReasonConnectionLost, &domain.ConnectionLostError{WorkerID: peer.WorkerID})
		default:
			o.finishFailure(w, ipcprotocol.StatusFailed, m.Reason, m.Message)
		}
	})
}

func (o *Orchestrator) handshakeExpired(id string, attempt int) {
	w := o.workers[id]
	if w == nil || w.attempt != attempt || !w.state.IsActive() || w.connID != 0 {
		return
	}
	o.crashed(w, ipcprotocol.ReasonHandshakeFailed, &domain.HandshakeTimeoutError{WorkerID: id, Timeout: o.opts.HandshakeTimeout})
}

func (o *Orchestrator) processExited(id string, attempt int, exitErr error) {
	w := o.workers[id]
	if w == nil {
		return
	}
	if w.respawnPending && attempt == w.drainAttempt {
		o.drained(w)
		return
	}
	if w.attempt != attempt {
		return
	}
	w.exited = true
	if w.reapTimer != nil {
		w.reapTimer.Stop()
		w.reapTimer = nil
	}
	if !w.state.IsActive() {
		o.grantSlots()
		return
	}
	if w.cancelRequested {
		o.finishFailure(w, ipcprotocol.StatusCancelled, ipcprotocol.ReasonCancelled, "worker exited after cancel")
		return
	}
	cause := errors.New("process exited without a terminal message")
	if exitErr != nil {
		cause = fmt.Errorf("process exited without a terminal message: %w", exitErr)
	}
	if w.connID != 0 && o.server.Connected(id) {
		// buffered messages may still be in flight; the connection closing
		// decides between a terminal message and connection loss
		w.settleTimer = o.afterFunc(exitSettle, func() {
			if cur := o.workers[id]; cur == w && w.attempt == attempt && w.state.IsActive() {
				o.crashed(w, ipcprotocol.ReasonProcessCrash, cause)
			}
		})
		return
	}
	o.crashed(w, ipcprotocol.ReasonProcessCrash, cause)
}

// killAttempt tears down the current process and connection.
func (o *Orchestrator) killAttempt(w *worker) {
	w.stopTimers()
	if w.proc != nil && !w.exited {
		if err := w.proc.Kill(); err != nil {
			o.logger.Warn("killing worker process", "worker", w.state.Config.ID, "pid", w.state.PID, "error", err)
		}
	}
	if w.connID != 0 {
		o.server.Disconnect(w.state.Config.ID)
	}
}

// crashed applies the restart policy to a process-level fault.
func (o *Orchestrator) crashed(w *worker, reason ipcprotocol.ErrorReason, cause error) {
	id := w.state.Config.ID
	o.killAttempt(w)

	if w.state.RestartCount >= o.opts.MaxRestarts || o.stopping {
		o.logger.Warn("worker failed permanently", "worker", id, "restarts", w.state.RestartCount, "error", cause)
		crash := &domain.ProcessCrashError{WorkerID: id, Restarts: w.state.RestartCount, Cause: cause}
		o.finishFailure(w, ipcprotocol.StatusFailed, reason, crash.Error())
		return
	}

	prev := w.state.Status
	w.promptCancel()
	w.promptCtx, w.promptCancel = context.WithCancel(context.Background())
	w.state.RestartCount++
	w.attempt++
	w.connID = 0
	w.state.PID = 0
	w.state.Status = ipcprotocol.StatusStarting
	w.state.CurrentTool = ""
	w.state.Progress = 0
	w.state.LastMessage = cause.Error()

	o.logger.Warn("restarting worker", "worker", id, "restart", w.state.RestartCount, "max", o.opts.MaxRestarts, "error", cause)
	o.events.publish(WorkerRestarted{EventHeader: header(id), RestartCount: w.state.RestartCount, Cause: cause.Error()})
	o.events.publish(WorkerStatusChanged{EventHeader: header(id), From: prev, To: w.state.Status, State: w.state.Clone()})

	if w.proc == nil || w.exited {
		w.proc = nil
		w.exited = false
		o.respawn(w)
		return
	}
	// the killed process still holds the slot and the worktree
	w.respawnPending = true
	w.drainAttempt = w.attempt - 1
	drainAttempt := w.drainAttempt
	w.drainTimer = o.afterFunc(o.opts.CancelGracePeriod, func() {
		if cur := o.workers[id]; cur == w && w.respawnPending && w.drainAttempt == drainAttempt {
			o.logger.Warn("killed worker process did not exit, restarting anyway", "worker", id, "grace", o.opts.CancelGracePeriod)
			o.drained(w)
		}
	})
}

// drained runs a held restart once the previous process is gone.
func (o *Orchestrator) drained(w *worker) {
	w.respawnPending = false
	if w.drainTimer != nil {
		w.drainTimer.Stop()
		w.drainTimer = nil
	}
	w.proc = nil
	w.exited = false
	if !w.state.IsActive() {
		o.grantSlots()
		o.checkBarriers()
		return
	}
	o.respawn(w)
}

// respawn starts the process of w's current attempt.
func (o *Orchestrator) respawn(w *worker) {
	id, attempt := w.state.Config.ID, w.attempt
	req := o.spawnRequest(w.state.Config, w.state.Worktree, attempt)
	go func() {
		proc, err := o.spawner.Spawn(context.Background(), req)
		o.post(func() {
			if err != nil {
				cur := o.workers[id]
				if cur == nil || cur.attempt != attempt || !cur.state.IsActive() {
					return
				}
				spawnErr := &domain.ProcessSpawnError{WorkerID: id, Cause: err}
				o.finishFailure(cur, ipcprotocol.StatusFailed, ipcprotocol.ReasonProcessCrash, spawnErr.Error())
				return
			}
			o.attach(id, attempt, proc)
		})
	}()
}

func (o *Orchestrator) finishFailure(w *worker, status ipcprotocol.WorkerStatus, reason ipcprotocol.ErrorReason, msg string) {
	o.finish(w, status, func(state domain.WorkerState) domain.WorkerResult {
		return domain.ResultFromFailure(state, reason, msg)
	})
}

// finish moves w to a terminal status exactly once and hands the result on.
func (o *Orchestrator) finish(w *worker, status ipcprotocol.WorkerStatus, build func(domain.WorkerState) domain.WorkerResult) {
	if !w.state.IsActive() {
		return
	}
	id := w.state.Config.ID
	prev := w.state.Status
	now := time.Now()

	w.stopTimers()
	w.promptCancel()
	w.state.Status = status
	w.state.CompletedAt = &now
	w.state.CurrentTool = ""
	res := build(w.state.Clone())
	w.state.Error = res.Error
	if res.Success {
		w.state.Progress = 100
	}
	w.result = &res

	o.reapLater(w)

	if res.Success {
		o.logger.Info("worker complete", "worker", id, "branch", res.Branch, "duration", res.Duration, "tokens", res.TokensUsed)
	} else {
		o.logger.Info("worker finished", "worker", id, "status", status, "reason", res.Reason, "error", res.Error)
	}

	o.events.publish(WorkerStatusChanged{EventHeader: header(id), From: prev, To: status, State: w.state.Clone()})
	o.events.publish(WorkerFinished{EventHeader: header(id), Result: res})
	o.results <- res

	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
	o.grantSlots()
	o.checkBarriers()
}

// reapLater kills w's process if it has not exited one grace period after
// the worker finished. A worker that sent its terminal message exits on its own.
func (o *Orchestrator) reapLater(w *worker) {
	if w.proc == nil || w.exited {
		return
	}
	id, proc, attempt := w.state.Config.ID, w.proc, w.attempt
	w.reapTimer = o.afterFunc(o.opts.CancelGracePeriod, func() {
		if cur := o.workers[id]; cur == w && w.attempt == attempt && !w.exited {
			o.logger.Warn("worker did not exit after finishing, killing", "worker", id)
			_ = proc.Kill()
		}
	})
}

func (o *Orchestrator) sinkLoop() {
	defer close(o.sinksDone)
	for res := range o.results {
		for _, sink := range o.opts.Sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Record(ctx, res); err != nil {
				o.logger.Warn("result sink failed", "worker", res.WorkerID, "error", err)
			}
			cancel()
		}
	}
}

// settled reports whether no worker is running and no spawn is in progress.
func (o *Orchestrator) settled() bool {
	if len(o.pending) > 0 {
		return false
	}
	for _, w := range o.workers {
		if w.state.IsActive() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) checkBarriers() {
	if len(o.barriers) == 0 || !o.settled() {
		return
	}
	for _, ch := range o.barriers {
		close(ch)
	}
	o.barriers = nil
}

func (o *Orchestrator) collectResults() []domain.WorkerResult {
	out := make([]domain.WorkerResult, 0, len(o.order))
	for _, id := range o.order {
		if w := o.workers[id]; w != nil && w.result != nil {
			out = append(out, *w.result)
		}
	}
	return out
}

// CancelWorker asks a worker to stop. If it has not reached a terminal status
// when the grace period ends, its process is killed and it is marked
// cancelled anyway. Cancelling a finished worker is a no-op.
func (o *Orchestrator) CancelWorker(id, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	var err error
	if callErr := o.call(func() {
		w := o.workers[id]
		if w == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownWorker, id)
			return
		}
		if !w.state.IsActive() || w.cancelRequested {
			return
		}
		w.cancelRequested = true
		o.logger.Info("cancelling worker", "worker", id, "reason", reason)

		if w.connID == 0 {
			o.killAttempt(w)
			o.finishFailure(w, ipcprotocol.StatusCancelled, ipcprotocol.ReasonCancelled, reason+" (before handshake)")
			return
		}
		if sendErr := o.server.SendCancel(id, reason); sendErr != nil {
			o.logger.Warn("cancel not delivered", "worker", id, "error", sendErr)
		}
		grace := o.opts.CancelGracePeriod
		w.graceTimer = o.afterFunc(grace, func() {
			if cur := o.workers[id]; cur == w && w.state.IsActive() {
				o.logger.Warn("worker ignored cancel, killing", "worker", id, "grace", grace)
				o.killAttempt(w)
				o.finishFailure(w, ipcprotocol.StatusCancelled, ipcprotocol.ReasonCancelled,
					fmt.Sprintf("%s (killed after %s grace period)", reason, grace))
			}
		})
	}); callErr != nil {
		return callErr
	}
	return err
}

// Wait blocks until the worker reaches a terminal status and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, id string) (domain.WorkerResult, error) {
	var (
		ch  chan struct{}
		res *domain.WorkerResult
		err error
	)
	if callErr := o.call(func() {
		w := o.workers[id]
		switch {
		case w == nil:
			err = fmt.Errorf("%w: %s", ErrUnknownWorker, id)
		case w.result != nil:
			r := *w.result
			res = &r
		default:
			ch = make(chan struct{})
			w.waiters = append(w.waiters, ch)
		}
	}); callErr != nil {
		return domain.WorkerResult{}, callErr
	}
	if err != nil {
		return domain.WorkerResult{}, err
	}
	if res != nil {
		return *res, nil
	}

	select {
	case <-ch:
		return o.Wait(ctx, id)
	case <-ctx.Done():
		return domain.WorkerResult{}, ctx.Err()
	case <-o.done:
		return domain.WorkerResult{}, ErrStopped
	}
}

// WaitAll blocks until every tracked worker is terminal and no spawn is in
// progress, then returns all results in spawn order, including workers that
// finished before the call.
func (o *Orchestrator) WaitAll(ctx context.Context) ([]domain.WorkerResult, error) {
	for {
		var (
			ch      chan struct{}
			results []domain.WorkerResult
		)
		if err := o.call(func() {
			if o.settled() {
				results = o.collectResults()
				return
			}
			ch = make(chan struct{})
			o.barriers = append(o.barriers, ch)
		}); err != nil {
			return nil, err
		}
		if ch == nil {
			return results, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.done:
			return nil, ErrStopped
		}
	}
}

// GetWorkers returns snapshots of all tracked workers in spawn order.
func (o *Orchestrator) GetWorkers() []domain.WorkerState {
	return o.snapshot(func(domain.WorkerState) bool { return true })
}

// GetActiveWorkers returns snapshots of workers not yet in a terminal status.
func (o *Orchestrator) GetActiveWorkers() []domain.WorkerState {
	return o.snapshot(domain.WorkerState.IsActive)
}

func (o *Orchestrator) snapshot(keep func(domain.WorkerState) bool) []domain.WorkerState {
	var out []domain.WorkerState
	_ = o.call(func() {
		for _, id := range o.order {
			if w := o.workers[id]; w != nil && keep(w.state) {
				out = append(out, w.state.Clone())
			}
		}
	})
	return out
}

// GetWorker returns a snapshot of one worker.
func (o *Orchestrator) GetWorker(id string) (domain.WorkerState, bool) {
	var (
		state domain.WorkerState
		ok    bool
	)
	_ = o.call(func() {
		if w := o.workers[id]; w != nil {
			state, ok = w.state.Clone(), true
		}
	})
	return state, ok
}

// Logs returns the most recent log lines of a worker.
func (o *Orchestrator) Logs(id string) []LogLine {
	var out []LogLine
	_ = o.call(func() {
		if w := o.workers[id]; w != nil {
			out = slices.Clone(w.logs)
		}
	})
	return out
}

// Results returns the results of all finished workers in spawn order.
func (o *Orchestrator) Results() []domain.WorkerResult {
	var out []domain.WorkerResult
	_ = o.call(func() { out = o.collectResults() })
	return out
}

// QueuedSpawns returns how many spawns wait for a slot.
func (o *Orchestrator) QueuedSpawns() int {
	var n int
	_ = o.call(func() { n = len(o.queue) })
	return n
}
