// Package client is the Client API surface spec.md §6 describes,
// exposed to producers and monitors as a plain Go interface over the
// Gateway — no HTTP/gRPC binding, since a client-facing transport is
// explicitly out of scope (spec.md §1).
package client

import (
	"context"
	"os"
	"time"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/queue"
)

type Client struct {
	store *queue.Store
	gw    repos.Gateway
	log   *logger.Logger
}

func New(store *queue.Store, gw repos.Gateway, baseLog *logger.Logger) *Client {
	return &Client{store: store, gw: gw, log: baseLog.With("component", "Client")}
}

// Enqueue submits a new instance and returns immediately.
func (c *Client) Enqueue(ctx context.Context, spec queue.Spec) (int64, error) {
	return c.store.Enqueue(ctx, spec)
}

// EnqueueSync enqueues and blocks until the instance reaches a terminal
// state, polling getState at pollInterval (spec.md §6).
func (c *Client) EnqueueSync(ctx context.Context, spec queue.Spec, pollInterval time.Duration) (int64, domain.InstanceState, error) {
	id, err := c.store.Enqueue(ctx, spec)
	if err != nil {
		return 0, "", err
	}
	state, err := c.awaitTerminal(ctx, id, pollInterval)
	return id, state, err
}

func (c *Client) awaitTerminal(ctx context.Context, id int64, pollInterval time.Duration) (domain.InstanceState, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		inst, err := c.gw.GetInstanceByID(dbctx.Context{Ctx: ctx}, id)
		if err != nil {
			return "", err
		}
		if inst.State.Terminal() {
			return inst.State, nil
		}
		select {
		case <-ctx.Done():
			return inst.State, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) GetState(ctx context.Context, instanceID int64) (domain.InstanceState, error) {
	inst, err := c.gw.GetInstanceByID(dbctx.Context{Ctx: ctx}, instanceID)
	if err != nil {
		return "", err
	}
	return inst.State, nil
}

func (c *Client) ListInstances(ctx context.Context, f repos.InstanceFilter) ([]*domain.JobInstance, error) {
	return c.gw.ListInstances(dbctx.Context{Ctx: ctx}, f)
}

func (c *Client) GetMessages(ctx context.Context, instanceID int64) ([]*domain.Message, error) {
	return c.gw.GetMessages(dbctx.Context{Ctx: ctx}, instanceID)
}

func (c *Client) GetProgress(ctx context.Context, instanceID int64) (int, error) {
	inst, err := c.gw.GetInstanceByID(dbctx.Context{Ctx: ctx}, instanceID)
	if err != nil {
		return 0, err
	}
	if inst.Progress == nil {
		return 0, nil
	}
	return *inst.Progress, nil
}

func (c *Client) GetDeliverables(ctx context.Context, instanceID int64) ([]*domain.Deliverable, error) {
	return c.gw.GetDeliverables(dbctx.Context{Ctx: ctx}, instanceID)
}

// DownloadDeliverable reads a committed deliverable's bytes off disk.
func (c *Client) DownloadDeliverable(ctx context.Context, deliverableID int64) ([]byte, error) {
	d, err := c.gw.GetDeliverableByID(dbctx.Context{Ctx: ctx}, deliverableID)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(d.FilePath)
}

func (c *Client) Kill(ctx context.Context, instanceID int64, reason string) error {
	return c.gw.RequestKill(dbctx.Context{Ctx: ctx}, instanceID, reason)
}

func (c *Client) Pause(ctx context.Context, instanceID int64) error {
	return c.gw.Hold(dbctx.Context{Ctx: ctx}, instanceID)
}

func (c *Client) Resume(ctx context.Context, instanceID int64) error {
	return c.gw.Resume(dbctx.Context{Ctx: ctx}, instanceID)
}

func (c *Client) SetPriority(ctx context.Context, instanceID int64, priority int) error {
	return c.gw.SetPriority(dbctx.Context{Ctx: ctx}, instanceID, priority)
}
