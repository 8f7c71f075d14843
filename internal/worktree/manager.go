// Package worktree creates and removes the isolated git worktrees workers run in.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
)

// Config configures a Manager.
type Config struct {
	RepoDir     string
	WorktreeDir string
	Prefix      string
	BaseBranch  string
	Git         GitRunner
	Logger      *slog.Logger
}

// Manager handles git worktree operations. It remembers every worktree it
// created so Cleanup never touches checkouts it does not own, and every branch
// it handed out so no two workers share a branch or path.
type Manager struct {
	repoDir     string
	worktreeDir string
	prefix      string
	baseBranch  string
	git         GitRunner
	logger      *slog.Logger

	mu       sync.Mutex
	managed  map[string]domain.WorktreeInfo
	branches map[string]bool
	paths    map[string]bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RepoDir == "" {
		return nil, errors.New("repo dir is required")
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(cfg.RepoDir, ".codi", "worktrees")
	}
	wtDir, err := filepath.Abs(cfg.WorktreeDir)
	if err != nil {
		return nil, fmt.Errorf("resolving worktree dir: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(wtDir); err == nil {
		wtDir = resolved
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "HEAD"
	}
	if cfg.Git == nil {
		cfg.Git = ExecGit{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		repoDir:     cfg.RepoDir,
		worktreeDir: wtDir,
		prefix:      cfg.Prefix,
		baseBranch:  cfg.BaseBranch,
		git:         cfg.Git,
		logger:      cfg.Logger,
		managed:     make(map[string]domain.WorktreeInfo),
		branches:    make(map[string]bool),
		paths:       make(map[string]bool),
	}, nil
}

// Dir returns the directory worktrees are created in.
func (m *Manager) Dir() string { return m.worktreeDir }

// PathFor returns the worktree path that would be used for branch.
func (m *Manager) PathFor(branch string) string {
	return filepath.Join(m.worktreeDir, m.prefix+Sanitize(branch))
}

// CreateOptions controls Create.
type CreateOptions struct {
	Branch     string
	BaseBranch string
	// Reuse checks out an existing branch instead of failing on it.
	Reuse bool
}

// Create adds a worktree for a new branch cut from the base branch. It fails
// without leaving anything behind when the branch or path is already taken.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (domain.WorktreeInfo, error) {
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		return domain.WorktreeInfo{}, &domain.WorktreeCreationError{Message: "branch is required"}
	}
	path := m.PathFor(branch)

	if err := m.reserve(branch, path); err != nil {
		return domain.WorktreeInfo{}, err
	}
	info, err := m.create(ctx, branch, path, opts)
	if err != nil {
		m.release(branch, path)
		return domain.WorktreeInfo{}, err
	}

	m.mu.Lock()
	m.managed[path] = info
	m.mu.Unlock()

	m.logger.Debug("worktree created", "path", path, "branch", branch)
	return info, nil
}

func (m *Manager) reserve(branch, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branches[branch] {
		return &domain.WorktreeCreationError{Branch: branch, Path: path, Message: "branch already assigned to a worker"}
	}
	if m.paths[path] {
		return &domain.WorktreeCreationError{Branch: branch, Path: path, Message: "path already assigned to a worker"}
	}
	m.branches[branch] = true
	m.paths[path] = true
	return nil
}

func (m *Manager) release(branch, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.branches, branch)
	delete(m.paths, path)
}

func (m *Manager) create(ctx context.Context, branch, path string, opts CreateOptions) (domain.WorktreeInfo, error) {
	fail := func(msg string, cause error) (domain.WorktreeInfo, error) {
		return domain.WorktreeInfo{}, &domain.WorktreeCreationError{Branch: branch, Path: path, Message: msg, Cause: cause}
	}

	if _, err := os.Stat(path); err == nil {
		return fail("path already exists", nil)
	}
	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return fail("creating worktree dir", err)
	}

	exists := m.branchExists(ctx, branch)
	if exists && !opts.Reuse {
		return fail("branch already exists", nil)
	}

	var args []string
	if exists {
		args = []string{"worktree", "add", path, branch}
	} else {
		base := opts.BaseBranch
		if base == "" {
			base = m.baseBranch
		}
		args = []string{"worktree", "add", "-b", branch, path, base}
	}
	if _, err := m.git.Run(ctx, m.repoDir, args...); err != nil {
		// git may have created the directory before failing
		_ = os.RemoveAll(path)
		return fail("git worktree add", err)
	}

	return domain.WorktreeInfo{
		Path:      path,
		Branch:    branch,
		Managed:   true,
		CreatedAt: time.Now(),
	}, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git.Run(ctx, m.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Remove deletes a worktree directory and prunes its git registration. It is
// idempotent and tolerates the directory already being gone. The branch is
// kept because it holds the worker's commits.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("worktree path is required")
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
			m.logger.Debug("git worktree remove failed, deleting directory", "path", path, "error", err)
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing worktree dir %s: %w", path, err)
		}
	}
	if _, err := m.git.Run(ctx, m.repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %w", err)
	}

	m.mu.Lock()
	delete(m.managed, path)
	m.mu.Unlock()
	return nil
}

// Cleanup removes every worktree this manager created. Pre-existing worktrees
// are never touched. It keeps going after a failure and returns all errors.
func (m *Manager) Cleanup(ctx context.Context) ([]string, error) {
	var removed []string
	var errs []error
	for _, info := range m.Managed() {
		if err := m.Remove(ctx, info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, info.Path)
	}
	return removed, errors.Join(errs...)
}

// Managed returns the worktrees created by this manager, oldest first.
func (m *Manager) Managed() []domain.WorktreeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorktreeInfo, 0, len(m.managed))
	for _, info := range m.managed {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// List returns the git worktrees located in the worktree directory, marking
// the ones this manager created.
func (m *Manager) List(ctx context.Context) ([]domain.WorktreeInfo, error) {
	out, err := m.git.Run(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []domain.WorktreeInfo
	for _, entry := range parsePorcelain(out) {
		if !isWithin(m.worktreeDir, entry.Path) {
			continue
		}
		if owned, ok := m.managed[entry.Path]; ok {
			entry = owned
		}
		infos = append(infos, entry)
	}
	return infos, nil
}

// Prune drops git registrations of worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context) error {
	_, err := m.git.Run(ctx, m.repoDir, "worktree", "prune")
	return err
}

func parsePorcelain(out string) []domain.WorktreeInfo {
	var infos []domain.WorktreeInfo
	var cur *domain.WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			infos = append(infos, domain.WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &infos[len(infos)-1]
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return infos
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// Sanitize turns a branch name into a single path segment.
func Sanitize(branch string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return strings.Trim(r.Replace(strings.TrimSpace(branch)), "-.")
}
