package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcclient"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/worktree"
)

var errKilled = errors.New("signal: killed")

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "codi")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "o.sock")
}

// behavior is what an in-process worker does once connected. ctx ends when
// the process is killed.
type behavior func(ctx context.Context, c *ipcclient.Client)

// fakeSpawner runs workers as goroutines speaking the real protocol.
type fakeSpawner struct {
	// script picks the behavior per attempt; nil means the process never connects.
	script            func(req SpawnRequest) behavior
	permissionTimeout time.Duration
	// exitDelay keeps a process running for a while after it was killed.
	exitDelay time.Duration

	mu       sync.Mutex
	err      error
	requests []SpawnRequest
	procs    []*fakeProcess

	running atomic.Int32
	peak    atomic.Int32
}

func newFakeSpawner(script func(req SpawnRequest) behavior) *fakeSpawner {
	return &fakeSpawner{script: script, permissionTimeout: 5 * time.Second}
}

func always(b behavior) func(SpawnRequest) behavior {
	return func(SpawnRequest) behavior { return b }
}

func (s *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	b := s.script(req)
	ctx, kill := context.WithCancel(context.Background())
	p := &fakeProcess{pid: 1000 + len(s.requests), kill: kill, done: make(chan struct{})}
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	n := s.running.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	go s.run(ctx, req, b, p)
	return p, nil
}

func (s *fakeSpawner) run(ctx context.Context, req SpawnRequest, b behavior, p *fakeProcess) {
	defer close(p.done)
	defer s.running.Add(-1)
	defer p.kill()
	defer func() {
		if s.exitDelay > 0 {
			time.Sleep(s.exitDelay)
		}
	}()

	if b == nil {
		<-ctx.Done()
		p.err = errKilled
		return
	}
	client, err := ipcclient.Dial(ctx, ipcclient.Config{
		SocketPath:        req.SocketPath,
		WorkerID:          req.WorkerID,
		Branch:            req.Branch,
		WorktreePath:      req.WorktreePath,
		HandshakeTimeout:  2 * time.Second,
		PermissionTimeout: s.permissionTimeout,
		HeartbeatInterval: time.Second,
		FlushTimeout:      time.Second,
		Logger:            discardLogger(),
	})
	if err != nil {
		p.err = err
		return
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		b(ctx, client)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		p.err = errKilled
	}
	client.Close()
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSpawner) spawnRequests() []SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpawnRequest(nil), s.requests...)
}

func (s *fakeSpawner) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type fakeProcess struct {
	pid    int
	kill   context.CancelFunc
	killed atomic.Bool
	done   chan struct{}
	err    error
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.kill()
	return nil
}

// fakeWorktrees hands out plain directories and enforces branch uniqueness
// like the real manager.
type fakeWorktrees struct {
	dir string

	mu       sync.Mutex
	branches map[string]bool
	managed  map[string]domain.WorktreeInfo
	removed  []string
	fail     map[string]error
}

func newFakeWorktrees(t *testing.T) *fakeWorktrees {
	return &fakeWorktrees{
		dir:      t.TempDir(),
		branches: make(map[string]bool),
		managed:  make(map[string]domain.WorktreeInfo),
		fail:     make(map[string]error),
	}
}

func (f *fakeWorktrees) Create(_ context.Context, opts worktree.CreateOptions) (domain.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[opts.Branch]; err != nil {
		return domain.WorktreeInfo{}, err
	}
	path := filepath.Join(f.dir, worktree.Sanitize(opts.Branch))
	if f.branches[opts.Branch] {
		return domain.WorktreeInfo{}, &domain.WorktreeCreationError{Branch: opts.Branch, Path: path, Message: "branch already assigned to a worker"}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.WorktreeInfo{}, err
	}
	f.branches[opts.Branch] = true
	info := domain.WorktreeInfo{Path: path, Branch: opts.Branch, Managed: true, CreatedAt: time.Now()}
	f.managed[path] = info
	return info, nil
}

func (f *fakeWorktrees) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	delete(f.managed, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeWorktrees) Cleanup(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	paths := make([]string, 0, len(f.managed))
	for p := range f.managed {
		paths = append(paths, p)
	}
	f.mu.Unlock()
	for _, p := range paths {
		if err := f.Remove(ctx, p); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (f *fakeWorktrees) removedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newTestOrchestrator(t *testing.T, opts Options, sp *fakeSpawner) *Orchestrator {
	t.Helper()
	if opts.Worktrees == nil {
		opts.Worktrees = newFakeWorktrees(t)
	}
	opts.Spawner = sp
	opts.SocketPath = socketPath(t)
	opts.Logger = discardLogger()
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.CancelGracePeriod == 0 {
		opts.CancelGracePeriod = 2 * time.Second
	}
	o, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, o.Start())
	t.Cleanup(func() { o.Stop(context.Background()) })
	return o
}

func workerConfig(id string) domain.WorkerConfig {
	return domain.WorkerConfig{ID: id, Branch: "feat/" + id, Task: "implement " + id}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// behaviors

func completes(response string) behavior {
	return func(_ context.Context, c *ipcclient.Client) {
		c.SendStatus(ipcprotocol.NewStatusUpdate(c.WorkerID(), ipcprotocol.StatusIdle))
		thinking := ipcprotocol.NewStatusUpdate(c.WorkerID(), ipcprotocol.StatusThinking)
		thinking.Progress = 50
		thinking.TokensUsed = 10
		c.SendStatus(thinking)
		task := ""
		if a := c.Assignment(); a != nil {
			task = a.Task
		}
		c.SendLog(ipcprotocol.LogText, "working on "+task)
		_ = c.SendTaskComplete(ipcprotocol.TaskResult{
			Response:      response,
			ToolCallCount: 2,
			TokensUsed:    42,
			Commits:       1,
			FilesChanged:  []string{"main.go"},
		})
	}
}

func fails(reason ipcprotocol.ErrorReason, msg string) behavior {
	return func(_ context.Context, c *ipcclient.Client) {
		c.SendStatus(ipcprotocol.NewStatusUpdate(c.WorkerID(), ipcprotocol.StatusIdle))
		_ = c.SendTaskError(reason, msg)
	}
}

// dropsConnection closes the socket but keeps the process alive until killed.
func dropsConnection() behavior {
	return func(ctx context.Context, c *ipcclient.Client) {
		c.Close()
		<-ctx.Done()
	}
}

// crashes disconnects without a terminal message.
func crashes() behavior {
	return func(context.Context, *ipcclient.Client) {}
}

func completesAfter(release <-chan struct{}) behavior {
	return func(ctx context.Context, c *ipcclient.Client) {
		c.SendStatus(ipcprotocol.NewStatusUpdate(c.WorkerID(), ipcprotocol.StatusIdle))
		select {
		case <-release:
			_ = c.SendTaskComplete(ipcprotocol.TaskResult{Response: "released"})
		case <-ctx.Done():
		}
	}
}

func honorsCancel() behavior {
	return func(ctx context.Context, c *ipcclient.Client) {
		c.SendStatus(ipcprotocol.NewStatusUpdate(c.WorkerID(), ipcprotocol.StatusIdle))
		select {
		case <-c.Cancelled():
			_ = c.SendTaskError(ipcprotocol.ReasonCancelled, "cancelled: "+c.CancelReason())
		case <-ctx.Done():
		}
	}
}

func ignoresCancel() behavior {
	return func(ctx context.Context, c *ipcclient.Client) {
		c.SendStatus(ipcprotocol.NewStatusUpdate(c.WorkerID(), ipcprotocol.StatusIdle))
		<-ctx.Done()
	}
}
