// Package dispatcher implements the Dispatcher / Worker Pool (C5): a
// bounded admission primitive guarding Runner spawns, one per deployment
// binding (spec.md §4.5). golang.org/x/sync/semaphore.Weighted gives the
// non-blocking tryAdmit contract via TryAcquire for free.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/runner"
)

type Dispatcher struct {
	capacity int64
	inFlight atomic.Int64
	sem      *semaphore.Weighted
	runner   *runner.Runner
	log      *logger.Logger

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup
	draining   atomic.Bool
}

// New builds a Dispatcher bounded to capacity concurrent Runners. Runners
// it spawns run against a context derived from parentCtx, not the
// caller's per-call context, so a Runner outlives the Poller tick that
// admitted it; Drain force-cancels that derived context once its
// deadline elapses.
func New(parentCtx context.Context, capacity int, r *runner.Runner, baseLog *logger.Logger) *Dispatcher {
	rootCtx, cancel := context.WithCancel(parentCtx)
	return &Dispatcher{
		capacity:   int64(capacity),
		sem:        semaphore.NewWeighted(int64(capacity)),
		runner:     r,
		log:        baseLog.With("component", "Dispatcher"),
		rootCtx:    rootCtx,
		cancelRoot: cancel,
	}
}

// Free reports remaining capacity, the Poller's free = maxConcurrent -
// inFlight (spec.md §4.4 step 2).
func (d *Dispatcher) Free() int {
	return int(d.capacity - d.inFlight.Load())
}

// TryAdmit is the non-blocking admission call (spec.md §4.5). It refuses
// unconditionally once draining has started.
func (d *Dispatcher) TryAdmit(inst *domain.JobInstance) bool {
	if d.draining.Load() {
		return false
	}
	if !d.sem.TryAcquire(1) {
		return false
	}
	d.inFlight.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release()
		d.runner.Run(d.rootCtx, inst)
	}()
	return true
}

func (d *Dispatcher) release() {
	d.inFlight.Add(-1)
	d.sem.Release(1)
}

// Drain stops admission and waits for in-flight Runners up to deadline,
// force-cancelling anything still running past it (spec.md §4.5, §4.9).
func (d *Dispatcher) Drain(deadline time.Duration) {
	d.draining.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.log.Warn("drain deadline exceeded, force-cancelling in-flight runners")
		d.cancelRoot()
		<-done
	}
}
