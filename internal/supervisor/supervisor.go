// Package supervisor implements the Engine Supervisor (C9): boots crash
// recovery, starts one Poller+Dispatcher pair per enabled deployment
// binding, reconciles on a timer, and drains everything on shutdown
// (spec.md §4.9). golang.org/x/sync/errgroup supervises the Poller
// goroutines the way the teacher supervises its worker goroutines.
package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/dispatcher"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/poller"
	"github.com/ridgeline-systems/jqm/internal/registry"
	"github.com/ridgeline-systems/jqm/internal/runner"
)

type entry struct {
	poller     *poller.Poller
	dispatcher *dispatcher.Dispatcher
	cancel     context.CancelFunc
}

type Supervisor struct {
	gw     repos.Gateway
	reg    *registry.Registry
	runner *runner.Runner
	log    *logger.Logger

	nodeID              int64
	drainTimeout        time.Duration
	reconcileInterval   time.Duration
	defaultPollInterval time.Duration

	mu      sync.Mutex
	entries map[int64]*entry // keyed by queue id

	group    *errgroup.Group
	groupCtx context.Context
	stop     context.CancelFunc
}

// New builds a Supervisor for one node. defaultPollInterval is
// spec.md §6's node.pollIntervalMsDefault: the cadence a Poller falls
// back to when its binding leaves pollIntervalMs unset.
func New(
	gw repos.Gateway,
	reg *registry.Registry,
	r *runner.Runner,
	baseLog *logger.Logger,
	nodeID int64,
	drainTimeout, reconcileInterval, defaultPollInterval time.Duration,
) *Supervisor {
	return &Supervisor{
		gw:                  gw,
		reg:                 reg,
		runner:              r,
		log:                 baseLog.With("component", "Supervisor"),
		nodeID:              nodeID,
		drainTimeout:        drainTimeout,
		reconcileInterval:   reconcileInterval,
		defaultPollInterval: defaultPollInterval,
		entries:             make(map[int64]*entry),
	}
}

// Boot runs recoverCrashed(nodeId) and archives each recovered instance
// (spec.md §4.9's "On boot").
func (s *Supervisor) Boot(ctx context.Context) error {
	ids, err := s.gw.RecoverCrashed(dbctx.Context{Ctx: ctx}, s.nodeID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.gw.ArchiveTerminal(dbctx.Context{Ctx: ctx}, id); err != nil {
			s.log.Error("archive recovered instance failed", "err", err, "instance_id", id)
		}
	}
	if len(ids) > 0 {
		s.log.Info("boot recovery complete", "recovered", len(ids))
	}
	return nil
}

// Start begins the reconcile loop: it starts one Poller+Dispatcher per
// currently enabled binding, then re-diffs on reconcileInterval.
func (s *Supervisor) Start(ctx context.Context) {
	groupCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	group, groupCtx := errgroup.WithContext(groupCtx)
	s.group = group
	s.groupCtx = groupCtx

	s.reconcileOnce(groupCtx)
	go s.reconcileLoop(groupCtx)
}

func (s *Supervisor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce diffs the current deployment against live entries and
// starts/stops affected Pollers (spec.md §4.9's "On reconfiguration").
func (s *Supervisor) reconcileOnce(ctx context.Context) {
	bindings, err := s.reg.Bindings(ctx, s.nodeID)
	if err != nil {
		s.log.Warn("reconcile: list bindings failed", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(bindings))
	for _, b := range bindings {
		seen[b.QueueID] = true
		if e, ok := s.entries[b.QueueID]; ok {
			e.poller.Refresh(b)
			if !b.Enabled {
				s.stopEntryLocked(b.QueueID)
			}
			continue
		}
		if !b.Enabled {
			continue
		}
		s.startEntryLocked(b)
	}
	for queueID := range s.entries {
		if !seen[queueID] {
			s.stopEntryLocked(queueID)
		}
	}
}

func (s *Supervisor) startEntryLocked(b *domain.DeploymentBinding) {
	entryCtx, cancel := context.WithCancel(s.groupCtx)
	// The Dispatcher's Runners must survive entryCtx's cancellation so
	// Drain can wait for them; Drain itself cancels them past its deadline.
	disp := dispatcher.New(context.WithoutCancel(entryCtx), b.MaxConcurrent, s.runner, s.log)
	p := poller.New(s.gw, disp, s.log, s.nodeID, b.QueueID, b, s.defaultPollInterval)
	s.entries[b.QueueID] = &entry{poller: p, dispatcher: disp, cancel: cancel}
	s.group.Go(func() error {
		p.Run(entryCtx)
		return nil
	})
	s.log.Info("started poller", "queue_id", b.QueueID, "max_concurrent", b.MaxConcurrent)
}

func (s *Supervisor) stopEntryLocked(queueID int64) {
	e, ok := s.entries[queueID]
	if !ok {
		return
	}
	e.cancel()
	e.dispatcher.Drain(s.drainTimeout)
	delete(s.entries, queueID)
	s.log.Info("stopped poller", "queue_id", queueID)
}

// Shutdown stops every Poller, drains every Dispatcher, and waits for
// the goroutine group (spec.md §4.9's "On shutdown").
func (s *Supervisor) Shutdown() {
	if s.stop != nil {
		s.stop()
	}
	s.mu.Lock()
	for queueID := range s.entries {
		s.stopEntryLocked(queueID)
	}
	s.mu.Unlock()
	if s.group != nil {
		_ = s.group.Wait()
	}
}
