package childagent

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ActivityWatcher reports which files in a worktree are being touched,
// batching rapid changes.
type ActivityWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	callback func(files []string)
	debounce time.Duration

	pending map[string]struct{}
	timer   *time.Timer
	stopped bool
	mu      sync.Mutex
	// flushMu serializes callbacks so none runs after Stop returns.
	flushMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewActivityWatcher watches root and its subdirectories, skipping .git.
func NewActivityWatcher(root string, debounce time.Duration, callback func(files []string)) (*ActivityWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	aw := &ActivityWatcher{
		watcher:  watcher,
		root:     root,
		callback: callback,
		debounce: debounce,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if err := aw.watchTree(root, nil); err != nil {
		watcher.Close()
		return nil, err
	}
	return aw, nil
}

// watchTree adds dir and its subdirectories to the watcher. Files already
// present are passed to found.
func (aw *ActivityWatcher) watchTree(dir string, found func(path string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if found != nil {
				found(path)
			}
			return nil
		}
		if ignored(d.Name()) && path != aw.root {
			return filepath.SkipDir
		}
		return aw.watcher.Add(path)
	})
}

func ignored(name string) bool {
	return name == ".git" || name == "node_modules"
}

// Start begins watching until ctx is done or Stop is called.
func (aw *ActivityWatcher) Start(ctx context.Context) {
	ctx, aw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(aw.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-aw.watcher.Events:
				if !ok {
					return
				}
				aw.handleEvent(event)
			case _, ok := <-aw.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop stops watching and flushes pending changes. No callback runs after
// Stop returns.
func (aw *ActivityWatcher) Stop() {
	if aw.cancel != nil {
		aw.cancel()
		<-aw.done
	}
	aw.watcher.Close()

	aw.mu.Lock()
	aw.stopped = true
	if aw.timer != nil {
		aw.timer.Stop()
	}
	aw.mu.Unlock()
	aw.deliver(true)
}

func (aw *ActivityWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(aw.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignored(part) {
			return
		}
	}

	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			// files written before the watch was added only show up in the walk
			_ = aw.watchTree(event.Name, aw.record)
		}
	}
	aw.record(event.Name)
}

func (aw *ActivityWatcher) record(path string) {
	rel, err := filepath.Rel(aw.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.stopped {
		return
	}
	aw.pending[filepath.ToSlash(rel)] = struct{}{}
	if aw.timer != nil {
		aw.timer.Stop()
	}
	aw.timer = time.AfterFunc(aw.debounce, aw.flush)
}

func (aw *ActivityWatcher) flush() { aw.deliver(false) }

func (aw *ActivityWatcher) deliver(final bool) {
	aw.flushMu.Lock()
	defer aw.flushMu.Unlock()

	aw.mu.Lock()
	if aw.stopped && !final {
		aw.mu.Unlock()
		return
	}
	pending := aw.pending
	aw.pending = make(map[string]struct{})
	aw.mu.Unlock()

	if aw.callback == nil || len(pending) == 0 {
		return
	}
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	aw.callback(files)
}
