package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// Stop cancels every active worker, waits for each up to its grace period,
// removes managed worktrees when CleanupOnExit is set and clears the
// registry. It never fails because of a single worker; problems are collected
// in the report. Calling Stop again returns the first report.
func (o *Orchestrator) Stop(ctx context.Context) StopReport {
	o.stopOnce.Do(func() {
		o.report = o.stop(ctx)
	})
	return o.report
}

func (o *Orchestrator) stop(ctx context.Context) StopReport {
	var report StopReport
	if !o.started.Load() {
		o.events.close()
		return report
	}

	var active []string
	_ = o.call(func() {
		o.stopping = true
		for _, w := range o.queue {
			delete(o.pending, w.id)
			w.ch <- ErrStopped
		}
		o.queue = nil
		for _, id := range o.order {
			if w := o.workers[id]; w != nil && w.state.IsActive() {
				active = append(active, id)
			}
		}
	})
	o.logger.Info("stopping orchestrator", "active", len(active))

	var mu sync.Mutex
	addErr := func(err error) {
		o.logger.Warn("stop", "error", err)
		mu.Lock()
		report.Errors = append(report.Errors, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, id := range active {
		g.Go(func() error {
			if err := o.CancelWorker(id, "commander stopping"); err != nil {
				addErr(fmt.Errorf("cancel %s: %w", id, err))
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, o.opts.CancelGracePeriod+time.Second)
			defer cancel()
			if _, err := o.Wait(wctx, id); err != nil {
				o.forceCancel(id)
				addErr(fmt.Errorf("worker %s did not stop in time: %w", id, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Cancelled = active

	// finished workers that have not exited yet
	_ = o.call(func() {
		for _, w := range o.workers {
			if w.proc != nil && !w.exited {
				_ = w.proc.Kill()
			}
		}
	})

	if o.opts.CleanupOnExit {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		removed, err := o.worktrees.Cleanup(cctx)
		cancel()
		report.RemovedWorktrees = removed
		if err != nil {
			addErr(fmt.Errorf("cleaning up worktrees: %w", err))
		}
	}

	if err := o.server.Close(); err != nil {
		addErr(fmt.Errorf("closing ipc server: %w", err))
	}

	_ = o.call(func() {
		for _, w := range o.workers {
			w.stopTimers()
			if w.reapTimer != nil {
				w.reapTimer.Stop()
			}
			w.promptCancel()
		}
		o.workers = make(map[string]*worker)
		o.order = nil
	})
	close(o.quit)
	<-o.done
	close(o.results)
	<-o.sinksDone
	o.events.close()

	o.logger.Info("orchestrator stopped", "cancelled", len(report.Cancelled), "worktrees_removed", len(report.RemovedWorktrees), "errors", len(report.Errors))
	return report
}

// forceCancel kills a worker that did not stop within Stop's deadline.
func (o *Orchestrator) forceCancel(id string) {
	_ = o.call(func() {
		w := o.workers[id]
		if w == nil || !w.state.IsActive() {
			return
		}
		o.killAttempt(w)
		o.finishFailure(w, ipcprotocol.StatusCancelled, ipcprotocol.ReasonCancelled, "killed on stop")
	})
}
