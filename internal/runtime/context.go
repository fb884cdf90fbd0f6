package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/notify"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

// ChildSpec describes an instance a payload wants enqueued as a child of
// the one currently running (spec.md §4.6 step 4's enqueue(childSpec)).
type ChildSpec struct {
	ApplicationName string
	UserTags        domain.UserTags
	Parameters      map[string]string
}

// ReasonTimeout is the failure reason a timed-out instance records
// (spec.md §4.6: "Timeout (if JobDef sets one) -> KILLED with reason
// timeout"), distinguishing it from an externally requested kill.
const ReasonTimeout = "timeout"

// KillSignal is the Runner's watchdog communicating with a running
// payload's Context: Trigger records both that the instance should stop
// and why, so Yield can return apperr.ErrTimeout instead of
// apperr.ErrCancelled when the cause was a JobDef timeout rather than an
// explicit kill request, and finalize can recover the real reason instead
// of guessing.
type KillSignal struct {
	triggered atomic.Bool
	reason    atomic.Value
}

// NewKillSignal returns an untriggered signal.
func NewKillSignal() *KillSignal {
	return &KillSignal{}
}

// Trigger marks the signal killed with the given reason. Safe to call more
// than once; the first reason recorded wins.
func (k *KillSignal) Trigger(reason string) {
	if k == nil {
		return
	}
	k.reason.CompareAndSwap(nil, reason)
	k.triggered.Store(true)
}

// Killed reports whether Trigger has been called.
func (k *KillSignal) Killed() bool {
	return k != nil && k.triggered.Load()
}

// Reason returns the reason passed to Trigger, or "" if not yet triggered.
func (k *KillSignal) Reason() string {
	if k == nil {
		return ""
	}
	if v, ok := k.reason.Load().(string); ok {
		return v
	}
	return ""
}

// DeliverableMover commits a payload-produced file into the node's
// deliverable store; implemented by internal/deliverable and injected so
// this package never imports it directly (the payload boundary must not
// see anything beyond Context itself).
type DeliverableMover interface {
	Commit(ctx context.Context, instanceID int64, srcPath, label string) (*domain.Deliverable, error)
}

// ChildEnqueuer submits a ChildSpec on the payload's behalf; implemented
// by internal/queue.
type ChildEnqueuer interface {
	EnqueueChild(ctx context.Context, spec ChildSpec, parentInstanceID int64) (int64, error)
}

// Context is the JobContext capability object spec.md §4.6 step 4 names.
// Every engine-API method (Payload, WorkDir, SendMessage, SendProgress,
// AddDeliverable, Enqueue) calls Yield first (spec.md §5: "every other
// capability method...internally yields"), so a payload that only ever
// calls SendProgress in a loop still gets cancelled promptly. Stdout,
// Stderr and Close do not yield.
type Context struct {
	ctx         context.Context
	gw          repos.Gateway
	log         *logger.Logger
	mover       DeliverableMover
	enqueuer    ChildEnqueuer
	notifier    notify.Notifier
	instanceID  int64
	parentID    *int64
	workDir     string
	params      map[string]string
	maxMsgChars int
	killed      *KillSignal

	stdout *os.File
	stderr *os.File
}

// New builds a Context for one Runner invocation. killed is owned by the
// Runner: its background watcher flips it to true the moment it observes
// KillRequested or a timeout deadline, so Yield is a cheap in-memory
// check rather than a database round trip on every payload call.
func New(
	ctx context.Context,
	gw repos.Gateway,
	log *logger.Logger,
	mover DeliverableMover,
	enqueuer ChildEnqueuer,
	notifier notify.Notifier,
	instanceID int64,
	parentID *int64,
	workDir string,
	params map[string]string,
	maxMsgChars int,
	killed *KillSignal,
) *Context {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	c := &Context{
		ctx:         ctx,
		gw:          gw,
		log:         log.With("instance_id", instanceID),
		mover:       mover,
		enqueuer:    enqueuer,
		notifier:    notifier,
		instanceID:  instanceID,
		parentID:    parentID,
		workDir:     workDir,
		params:      params,
		maxMsgChars: maxMsgChars,
		killed:      killed,
	}
	c.stdout = c.openCapture("stdout.log")
	c.stderr = c.openCapture("stderr.log")
	return c
}

// openCapture creates the named capture file in workDir. A failure here
// (read-only filesystem, out of space) just means Stdout/Stderr fall back
// to io.Discard; it never fails the instance.
func (c *Context) openCapture(name string) *os.File {
	f, err := os.OpenFile(filepath.Join(c.workDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.log.Warn("capture file create failed", "file", name, "err", err)
		return nil
	}
	return f
}

// Yield is the cooperative cancellation check spec.md §5 requires. A
// payload that never calls it (directly or via another Context method)
// cannot be interrupted before it returns on its own.
func (c *Context) Yield() error {
	if c.killed.Killed() {
		if c.killed.Reason() == ReasonTimeout {
			return apperr.ErrTimeout
		}
		return apperr.ErrCancelled
	}
	if err := c.ctx.Err(); err != nil {
		return apperr.ErrCancelled
	}
	return nil
}

// Payload returns the merged parameter mapping (JobDef defaults
// overridden by RuntimeParameters, spec.md §4.6 step 2), immutable from
// the payload's point of view — callers get a copy.
func (c *Context) Payload() map[string]string {
	if err := c.Yield(); err != nil {
		return nil
	}
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// WorkDir returns the instance's exclusive scratch directory.
func (c *Context) WorkDir() string {
	_ = c.Yield()
	return c.workDir
}

// SendMessage appends a message, truncated to maxMsgChars (spec.md §4.8).
func (c *Context) SendMessage(text string) error {
	if err := c.Yield(); err != nil {
		return err
	}
	return c.gw.RecordMessage(dbctx.Context{Ctx: c.ctx}, c.instanceID, text, c.maxMsgChars)
}

// SendProgress clamps and persists a completion percentage.
func (c *Context) SendProgress(pct int) error {
	if err := c.Yield(); err != nil {
		return err
	}
	if err := c.gw.UpdateProgress(dbctx.Context{Ctx: c.ctx}, c.instanceID, pct); err != nil {
		return err
	}
	c.notifier.InstanceProgress(c.ctx, c.instanceID, pct)
	return nil
}

// AddDeliverable moves srcPath into the node's deliverable store and
// records it against this instance, returning the new Deliverable id.
func (c *Context) AddDeliverable(srcPath, label string) (int64, error) {
	if err := c.Yield(); err != nil {
		return 0, err
	}
	d, err := c.mover.Commit(c.ctx, c.instanceID, srcPath, label)
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

// Stdout returns the writer a payload should use in place of the process's
// real os.Stdout. Runner instances share one process, so redirecting the
// actual file descriptor would bleed one payload's output into another's;
// writing here instead lands in a per-instance log file the Runner
// registers as an implicit deliverable once the payload returns (spec.md
// §4.6 step 5).
func (c *Context) Stdout() io.Writer {
	if c.stdout == nil {
		return io.Discard
	}
	return c.stdout
}

// Stderr is Stdout's counterpart for error output.
func (c *Context) Stderr() io.Writer {
	if c.stderr == nil {
		return io.Discard
	}
	return c.stderr
}

// Close flushes and closes the capture files. Called by the Runner after
// the payload returns, before it commits any non-empty capture as a
// deliverable and before the work directory is removed.
func (c *Context) Close() (stdoutPath, stderrPath string) {
	if c.stdout != nil {
		stdoutPath = c.stdout.Name()
		if err := c.stdout.Close(); err != nil {
			c.log.Warn("stdout capture close failed", "err", err)
		}
	}
	if c.stderr != nil {
		stderrPath = c.stderr.Name()
		if err := c.stderr.Close(); err != nil {
			c.log.Warn("stderr capture close failed", "err", err)
		}
	}
	return stdoutPath, stderrPath
}

// Enqueue submits spec as a child of the running instance.
func (c *Context) Enqueue(spec ChildSpec) (int64, error) {
	if err := c.Yield(); err != nil {
		return 0, err
	}
	return c.enqueuer.EnqueueChild(c.ctx, spec, c.instanceID)
}
