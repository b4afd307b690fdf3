// Package task manages the lifecycle of the bridge's goroutines.
//
// It provides a structured way to start, stop, and wait for goroutines,
// with panic recovery and a startup handshake so callers know a task is
// actually running before they proceed.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ser2tcp/ser2tcp/logger"
)

// startTimeout bounds how long Start waits for a task goroutine to report
// that it is running.
const startTimeout = 5 * time.Second

// Func is the body of a managed task. It is called repeatedly; returning
// false stops the task.
type Func func() bool

// CancelFunc runs when a managed task exits, for cleanup of resources the
// task owns.
type CancelFunc func()

// Manager owns a set of named goroutines sharing one cancellation scope.
//
// Stop cancels the scope; Wait blocks until every task has returned and
// then re-arms the scope so the Manager can be reused for a reopen.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protects ctx and cancel
	taskMu sync.RWMutex // blocks task creation during Wait
}

// NewManager creates a Manager whose tasks stop when ctx is cancelled or
// Stop is called.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)
	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a goroutine that invokes taskFunc in a loop until it
// returns false or the Manager is stopped.
func (mgr *Manager) Start(name string, taskFunc Func) error {
	return mgr.StartWithCancel(name, taskFunc, nil)
}

// StartWithCancel is Start with a cleanup function that runs when the
// task goroutine exits for any reason, including panic.
func (mgr *Manager) StartWithCancel(name string, taskFunc Func, cancelFunc CancelFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.getContext()
	select {
	case <-ctx.Done():
		return fmt.Errorf("task: manager already stopped, cannot start %s", name)
	default:
	}

	started := make(chan struct{})

	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)

	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		close(started)

		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "taskCount", mgr.Count())
		}()

		if cancelFunc != nil {
			defer cancelFunc()
		}

		mgr.runLoop(name, taskFunc)
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", name)
	case <-ctx.Done():
		return fmt.Errorf("task: manager stopped while starting %s", name)
	}
}

// runLoop drives taskFunc until it returns false or the scope is
// cancelled, recovering from panics so a misbehaving task can't take
// down the process.
func (mgr *Manager) runLoop(name string, taskFunc Func) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	for {
		ctx := mgr.getContext()
		select {
		case <-ctx.Done():
			return
		default:
			if !taskFunc() {
				return
			}
		}
	}
}

// Stop signals all running tasks to terminate.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait blocks until all tasks have terminated, then re-arms the
// cancellation scope so new tasks can be started.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of currently running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}
