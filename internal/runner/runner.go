// Package runner implements the Runner (C6): drives one instance from
// ATTRIBUTED through to a terminal state, the way the teacher's
// jobs/worker.runLoop drives one claimed job_run row, generalized to
// spec.md §4.6's six-step lifecycle (prepare, materialize, transition,
// invoke, capture, finalize).
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/notify"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/runtime"
)

// pollInterval is how often the watchdog checks for an externally
// requested kill or an expired timeout. It is intentionally coarse: the
// alternative (a DB round trip inside Yield itself) would make every
// JobContext call pay a network latency cost.
const pollInterval = 500 * time.Millisecond

type Runner struct {
	gw       repos.Gateway
	log      *logger.Logger
	registry *runtime.Registry
	cache    *ArtifactCache
	mover    runtime.DeliverableMover
	enqueuer runtime.ChildEnqueuer
	notifier notify.Notifier

	tmpDir          string
	maxMessageChars int
	nodeID          int64
	restartOnCrash  bool
}

func New(
	gw repos.Gateway,
	baseLog *logger.Logger,
	registry *runtime.Registry,
	cache *ArtifactCache,
	mover runtime.DeliverableMover,
	enqueuer runtime.ChildEnqueuer,
	notifier notify.Notifier,
	tmpDir string,
	maxMessageChars int,
	nodeID int64,
	restartOnCrash bool,
) *Runner {
	return &Runner{
		gw:              gw,
		log:             baseLog.With("component", "Runner"),
		registry:        registry,
		cache:           cache,
		mover:           mover,
		enqueuer:        enqueuer,
		notifier:        notifier,
		tmpDir:          tmpDir,
		maxMessageChars: maxMessageChars,
		nodeID:          nodeID,
		restartOnCrash:  restartOnCrash,
	}
}

// Run drives inst end-to-end. Called by the Dispatcher on its own
// goroutine; Run returns once it has finalized the instance, or earlier
// when a CAS on the instance's state is lost (the instance is then left
// to whoever won it). The Dispatcher releases its permit after Run
// returns.
func (r *Runner) Run(ctx context.Context, inst *domain.JobInstance) {
	log := r.log.With("instance_id", inst.ID, "job_definition_id", inst.JobDefinitionID)
	dbc := dbctx.Context{Ctx: ctx}

	jd, err := r.gw.GetJobDefinitionByID(dbc, inst.JobDefinitionID)
	if err != nil {
		log.Error("prepare: resolve job definition failed", "err", err)
		r.crashBeforeRunning(ctx, inst, "resolve job definition: "+err.Error())
		return
	}

	artifactPath, err := r.cache.Resolve(ctx, jd.ArtifactPath, jd.ApplicationName)
	if err != nil {
		log.Error("prepare: artifact resolve failed", "err", err)
		r.crashBeforeRunning(ctx, inst, "artifact unavailable: "+err.Error())
		return
	}

	handler, ok := r.registry.Get(jd.EntryPointClass)
	if !ok {
		log.Error("prepare: no handler registered", "entry_point", jd.EntryPointClass)
		r.crashBeforeRunning(ctx, inst, fmt.Sprintf("no handler registered for %q", jd.EntryPointClass))
		return
	}
	_ = artifactPath // resolved for cache-population side effect; handlers are registered in-process

	params, err := materializeParameters(jd.DefaultParameters, inst.Parameters)
	if err != nil {
		log.Error("prepare: materialize parameters failed", "err", err)
		r.crashBeforeRunning(ctx, inst, "materialize parameters: "+err.Error())
		return
	}
	runtimeParams, err := r.gw.GetParameters(dbc, inst.ID)
	if err != nil {
		log.Error("prepare: load runtime parameters failed", "err", err)
		r.crashBeforeRunning(ctx, inst, "load runtime parameters: "+err.Error())
		return
	}
	for k, v := range runtimeParams {
		params[k] = v
	}

	workDir := filepath.Join(r.tmpDir, fmt.Sprintf("instance-%d", inst.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Error("prepare: work dir create failed", "err", err)
		r.crashBeforeRunning(ctx, inst, "create work dir: "+err.Error())
		return
	}
	defer os.RemoveAll(workDir)

	startedAt := time.Now().UTC()
	if err := r.gw.Transition(dbc, inst.ID, domain.StateAttributed, domain.StateRunning, "runner_start",
		map[string]interface{}{"start_time": startedAt}); err != nil {
		// CAS lost: instance was re-queued or recovered between
		// reservation and start. It is not ours to finalize.
		log.Warn("transition to running lost race", "err", err)
		return
	}
	inst.State = domain.StateRunning
	inst.StartTime = &startedAt

	killed := runtime.NewKillSignal()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go r.watch(watchCtx, inst.ID, jd.TimeoutSeconds, startedAt, killed)

	jobCtx := runtime.New(ctx, r.gw, r.log, r.mover, r.enqueuer, r.notifier, inst.ID, inst.ParentInstanceID,
		workDir, params, r.maxMessageChars, killed)

	runErr := invoke(handler, jobCtx)
	stopWatch()

	stdoutPath, stderrPath := jobCtx.Close()
	r.captureDeliverable(ctx, inst.ID, stdoutPath, "stdout")
	r.captureDeliverable(ctx, inst.ID, stderrPath, "stderr")

	r.finalize(ctx, inst, jd, runErr, killed)
}

// captureDeliverable registers a non-empty stdout/stderr capture file as
// an implicit deliverable (spec.md §4.6 step 5). Empty captures (the
// common case for payloads that only use SendMessage/SendProgress) are
// left on disk to be removed with the rest of workDir.
func (r *Runner) captureDeliverable(ctx context.Context, instanceID int64, path, label string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return
	}
	if _, err := r.mover.Commit(ctx, instanceID, path, label); err != nil {
		r.log.Warn("capture deliverable commit failed", "instance_id", instanceID, "label", label, "err", err)
	}
}

func invoke(h runtime.Handler, jobCtx *runtime.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", apperr.ErrPayloadError, rec)
		}
	}()
	return h.Run(jobCtx)
}

// watch polls for an externally requested kill or an expired timeout and
// triggers killed with the reason, so finalize can tell a JobDef timeout
// (spec.md §4.6: "Timeout -> KILLED with reason timeout") apart from an
// explicit RequestKill (reason is the DB-side kill_reason the requester
// set). It also stamps heartbeat_at on each tick so a monitor can
// distinguish a live RUNNING instance from one whose node vanished without
// reaching boot recovery (spec §3's HeartbeatAt field).
func (r *Runner) watch(ctx context.Context, instanceID int64, timeoutSeconds int, startedAt time.Time, killed *runtime.KillSignal) {
	var deadline time.Time
	if timeoutSeconds > 0 {
		deadline = startedAt.Add(time.Duration(timeoutSeconds) * time.Second)
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !deadline.IsZero() && time.Now().UTC().After(deadline) {
				killed.Trigger(runtime.ReasonTimeout)
				continue
			}
			if err := r.gw.Heartbeat(dbctx.Context{Ctx: ctx}, instanceID); err != nil {
				r.log.Warn("heartbeat failed", "instance_id", instanceID, "err", err)
			}
			inst, err := r.gw.GetInstanceByID(dbctx.Context{Ctx: ctx}, instanceID)
			if err != nil {
				continue
			}
			if inst.KillRequested {
				reason := inst.KillReason
				if reason == "" {
					reason = "killed"
				}
				killed.Trigger(reason)
			}
		}
	}
}

// finalize transitions to the appropriate terminal state, archives the
// HistoryRecord, and handles restart-on-crash (spec.md §4.6 step 6, §9).
// killed carries the watchdog's verdict: Killed() true means watch
// observed either a timeout or RequestKill before the payload returned on
// its own, and Reason() is "timeout" or the DB-recorded kill_reason
// respectively (spec.md §7 treats Timeout and Cancelled as distinct
// taxonomy entries).
func (r *Runner) finalize(ctx context.Context, inst *domain.JobInstance, jd *domain.JobDefinition, runErr error, killed *runtime.KillSignal) {
	dbc := dbctx.Context{Ctx: ctx}
	log := r.log.With("instance_id", inst.ID)
	endedAt := time.Now().UTC()

	var to domain.InstanceState
	var event string
	var failureReason string

	switch {
	case killed.Killed() || errors.Is(runErr, apperr.ErrCancelled) || errors.Is(runErr, apperr.ErrTimeout):
		to, event = domain.StateKilled, "kill_observed"
		failureReason = killed.Reason()
		if failureReason == "" {
			switch {
			case errors.Is(runErr, apperr.ErrTimeout):
				failureReason = runtime.ReasonTimeout
			default:
				failureReason = "cancelled"
			}
		}
	case runErr != nil:
		to, event = domain.StateCrashed, "payload_error"
		failureReason = runErr.Error()
	default:
		to, event = domain.StateEnded, "payload_end"
	}

	fields := map[string]interface{}{"end_time": endedAt}
	if failureReason != "" {
		fields["failure_reason"] = failureReason
	}

	if err := r.gw.Transition(dbc, inst.ID, domain.StateRunning, to, event, fields); err != nil {
		log.Error("finalize: transition failed", "err", err, "to", to)
		return
	}
	inst.State = to
	inst.EndTime = &endedAt
	inst.FailureReason = failureReason

	if err := r.gw.ArchiveTerminal(dbc, inst.ID); err != nil {
		log.Error("finalize: archive terminal failed", "err", err)
	}

	r.notifier.InstanceDone(ctx, inst.ID, string(to))
	if to == domain.StateCrashed {
		r.notifier.InstanceFailed(ctx, inst.ID, failureReason)
		r.maybeRestart(ctx, inst, jd)
	}
}

// crashBeforeRunning handles failures in Prepare (spec.md §4.6: "artifact
// load failure before RUNNING -> CRASHED without restart").
func (r *Runner) crashBeforeRunning(ctx context.Context, inst *domain.JobInstance, reason string) {
	dbc := dbctx.Context{Ctx: ctx}
	endedAt := time.Now().UTC()
	err := r.gw.Transition(dbc, inst.ID, domain.StateAttributed, domain.StateCrashed, "payload_error",
		map[string]interface{}{"end_time": endedAt, "failure_reason": reason})
	if err != nil {
		r.log.Warn("crashBeforeRunning: transition lost race", "err", err, "instance_id", inst.ID)
		return
	}
	if err := r.gw.ArchiveTerminal(dbc, inst.ID); err != nil {
		r.log.Error("crashBeforeRunning: archive terminal failed", "err", err, "instance_id", inst.ID)
	}
	r.notifier.InstanceFailed(ctx, inst.ID, reason)
	r.notifier.InstanceDone(ctx, inst.ID, string(domain.StateCrashed))
}

// maybeRestart re-enqueues a crashed instance as a new instance with
// restartOf = inst, bounded by JobDefinition.MaxRestarts (SPEC_FULL.md §9).
// restartOnCrash is this node's kill switch: when false, the node never
// restarts a crashed instance regardless of what its JobDefinition allows,
// the way a node drained for maintenance shouldn't keep repopulating work.
func (r *Runner) maybeRestart(ctx context.Context, inst *domain.JobInstance, jd *domain.JobDefinition) {
	if !r.restartOnCrash || !jd.CanRestart {
		return
	}
	nextCount := inst.RestartCount + 1
	if nextCount > jd.MaxRestarts {
		r.log.Info("restart bound reached, chain terminates", "instance_id", inst.ID, "max_restarts", jd.MaxRestarts)
		return
	}
	restartID := inst.ID
	next := &domain.JobInstance{
		JobDefinitionID:  inst.JobDefinitionID,
		QueueID:          inst.QueueID,
		Priority:         inst.Priority,
		Application:      inst.Application,
		Module:           inst.Module,
		Keyword1:         inst.Keyword1,
		Keyword2:         inst.Keyword2,
		Keyword3:         inst.Keyword3,
		SessionID:        inst.SessionID,
		User:             inst.User,
		Mail:             inst.Mail,
		Parameters:       inst.Parameters,
		ParentInstanceID: inst.ParentInstanceID,
		RestartOfID:      &restartID,
		RestartCount:     nextCount,
	}
	if _, err := r.gw.Enqueue(dbctx.Context{Ctx: ctx}, next, nil); err != nil {
		r.log.Error("restart enqueue failed", "err", err, "restart_of_id", restartID)
	}
}

// materializeParameters merges JobDefinition defaults with the instance's
// Parameters column, the instance winning on key collision (spec.md §4.6
// step 2). Run then overlays the instance's RuntimeParameter rows.
func materializeParameters(defaults, instance datatypes.JSON) (map[string]string, error) {
	merged := make(map[string]string)
	if len(defaults) > 0 {
		var d map[string]string
		if err := json.Unmarshal(defaults, &d); err != nil {
			return nil, err
		}
		for k, v := range d {
			merged[k] = v
		}
	}
	if len(instance) > 0 {
		var i map[string]string
		if err := json.Unmarshal(instance, &i); err != nil {
			return nil, err
		}
		for k, v := range i {
			merged[k] = v
		}
	}
	return merged, nil
}
