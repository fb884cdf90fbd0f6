// Package poller implements the Poller (C4): one per deployment binding,
// polling reserveNext and handing reserved instances to its Dispatcher
// (spec.md §4.4).
package poller

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/dispatcher"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

type Poller struct {
	gw              repos.Gateway
	disp            *dispatcher.Dispatcher
	log             *logger.Logger
	nodeID          int64
	queueID         int64
	defaultInterval time.Duration

	binding atomic.Pointer[domain.DeploymentBinding]
}

// New builds a Poller for (nodeID, queueID), backed by disp. binding is
// the initial snapshot; the Supervisor calls Refresh on every reconcile
// tick so edits to enabled, pollIntervalMs and maxConcurrent = 0 apply
// without restarting the Poller (spec.md §4.3's "no caching beyond one
// tick"). Other maxConcurrent edits do not: disp keeps the capacity the
// binding had when the Supervisor created it. defaultInterval is spec.md §6's node.pollIntervalMsDefault,
// used whenever the binding itself leaves pollIntervalMs unset.
func New(gw repos.Gateway, disp *dispatcher.Dispatcher, baseLog *logger.Logger, nodeID, queueID int64, binding *domain.DeploymentBinding, defaultInterval time.Duration) *Poller {
	if defaultInterval <= 0 {
		defaultInterval = time.Second
	}
	p := &Poller{
		gw:              gw,
		disp:            disp,
		log:             baseLog.With("component", "Poller", "queue_id", queueID),
		nodeID:          nodeID,
		queueID:         queueID,
		defaultInterval: defaultInterval,
	}
	p.binding.Store(binding)
	return p
}

func (p *Poller) Refresh(b *domain.DeploymentBinding) {
	p.binding.Store(b)
}

// Run executes the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	bo := newBackoff(time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		b := p.binding.Load()
		interval := p.defaultInterval
		if b != nil && b.PollIntervalMs > 0 {
			interval = time.Duration(b.PollIntervalMs) * time.Millisecond
		}
		if b == nil || !b.Enabled || b.MaxConcurrent == 0 {
			if !sleep(ctx, interval) {
				return
			}
			continue
		}

		free := p.disp.Free()
		if free <= 0 {
			if !sleep(ctx, interval) {
				return
			}
			continue
		}

		instances, err := p.gw.ReserveNext(dbctx.Context{Ctx: ctx}, p.nodeID, p.queueID, free)
		if err != nil {
			if apperr.Retryable(err) {
				d := bo.next()
				p.log.Warn("reserveNext backend unavailable, backing off", "err", err, "backoff", d)
				if !sleep(ctx, d) {
					return
				}
				continue
			}
			p.log.Error("reserveNext failed", "err", err)
			if !sleep(ctx, interval) {
				return
			}
			continue
		}
		bo.reset()

		for _, inst := range instances {
			if !p.disp.TryAdmit(inst) {
				p.requeue(ctx, inst)
			}
		}

		if !sleep(ctx, interval) {
			return
		}
	}
}

// requeue CAS-transitions a reserved-but-refused instance back to
// SUBMITTED (spec.md §4.4 step 4).
func (p *Poller) requeue(ctx context.Context, inst *domain.JobInstance) {
	err := p.gw.Transition(dbctx.Context{Ctx: ctx}, inst.ID, domain.StateAttributed, domain.StateSubmitted,
		"dispatcher_reject", map[string]interface{}{"attributed_node": nil})
	if err != nil {
		p.log.Warn("requeue after dispatcher refusal failed", "err", err, "instance_id", inst.ID)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff is exponential with a 60s cap and full jitter (spec.md §4.4
// step 3).
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff(base time.Duration) *backoff {
	return &backoff{base: base, cap: 60 * time.Second}
}

func (b *backoff) next() time.Duration {
	b.attempt++
	shift := b.attempt
	if shift > 16 {
		shift = 16
	}
	exp := b.base * time.Duration(int64(1)<<uint(shift))
	if exp <= 0 || exp > b.cap {
		exp = b.cap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (b *backoff) reset() {
	b.attempt = 0
}
