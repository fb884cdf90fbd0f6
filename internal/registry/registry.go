// Package registry is the Deployment Registry (C3): a no-cache wrapper
// around Gateway.ListBindings. Every call hits the database; the
// Supervisor decides the poll cadence (spec.md §4.3), so a binding
// change made through the catalog takes effect on the very next tick.
package registry

import (
	"context"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

type Registry struct {
	gw  repos.Gateway
	log *logger.Logger
}

func New(gw repos.Gateway, baseLog *logger.Logger) *Registry {
	return &Registry{gw: gw, log: baseLog.With("component", "Registry")}
}

// Bindings returns every deployment binding currently configured for
// nodeID, enabled or not — callers filter Enabled themselves so they can
// log the distinction between "disabled" and "absent".
func (r *Registry) Bindings(ctx context.Context, nodeID int64) ([]*domain.DeploymentBinding, error) {
	return r.gw.ListBindings(dbctx.Context{Ctx: ctx}, nodeID)
}
