package repos

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
)

func (g *gormGateway) CreateQueue(dbc dbctx.Context, q *domain.Queue) (*domain.Queue, error) {
	if err := g.tx(dbc).Create(q).Error; err != nil {
		return nil, apperr.Classify(err)
	}
	return q, nil
}

func (g *gormGateway) GetQueueByName(dbc dbctx.Context, name string) (*domain.Queue, error) {
	var q domain.Queue
	err := g.tx(dbc).Where("name = ?", name).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return &q, nil
}

func (g *gormGateway) CountSubmitted(dbc dbctx.Context, queueID int64) (int64, error) {
	var n int64
	err := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("queue_id = ? AND state = ?", queueID, domain.StateSubmitted).
		Count(&n).Error
	if err != nil {
		return 0, apperr.Classify(err)
	}
	return n, nil
}

func (g *gormGateway) CreateJobDefinition(dbc dbctx.Context, jd *domain.JobDefinition) (*domain.JobDefinition, error) {
	if jd.MaxRestarts <= 0 {
		jd.MaxRestarts = 1
	}
	if err := g.tx(dbc).Create(jd).Error; err != nil {
		return nil, apperr.Classify(err)
	}
	return jd, nil
}

func (g *gormGateway) GetJobDefinitionByName(dbc dbctx.Context, name string) (*domain.JobDefinition, error) {
	var jd domain.JobDefinition
	err := g.tx(dbc).Where("application_name = ?", name).First(&jd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return &jd, nil
}

func (g *gormGateway) GetJobDefinitionByID(dbc dbctx.Context, id int64) (*domain.JobDefinition, error) {
	var jd domain.JobDefinition
	err := g.tx(dbc).Where("id = ?", id).First(&jd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return &jd, nil
}

func (g *gormGateway) CreateNode(dbc dbctx.Context, n *domain.Node) (*domain.Node, error) {
	if err := g.tx(dbc).Create(n).Error; err != nil {
		return nil, apperr.Classify(err)
	}
	return n, nil
}

func (g *gormGateway) GetNodeByName(dbc dbctx.Context, name string) (*domain.Node, error) {
	var n domain.Node
	err := g.tx(dbc).Where("name = ?", name).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return &n, nil
}

// UpsertBinding inserts or updates the (node, queue) binding. The
// Registry never caches beyond one tick (spec §4.3), so the Supervisor
// sees the new row on its next reconcile tick; see DeploymentBinding for
// which fields a running Poller then applies.
func (g *gormGateway) UpsertBinding(dbc dbctx.Context, b *domain.DeploymentBinding) (*domain.DeploymentBinding, error) {
	var existing domain.DeploymentBinding
	err := g.tx(dbc).Where("node_id = ? AND queue_id = ?", b.NodeID, b.QueueID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := g.tx(dbc).Create(b).Error; err != nil {
			return nil, apperr.Classify(err)
		}
		return b, nil
	case err != nil:
		return nil, apperr.Classify(err)
	default:
		updates := map[string]interface{}{
			"max_concurrent":   b.MaxConcurrent,
			"poll_interval_ms": b.PollIntervalMs,
			"enabled":          b.Enabled,
		}
		if err := g.tx(dbc).Model(&existing).Updates(updates).Error; err != nil {
			return nil, apperr.Classify(err)
		}
		return &existing, nil
	}
}

func (g *gormGateway) ListBindings(dbc dbctx.Context, nodeID int64) ([]*domain.DeploymentBinding, error) {
	var out []*domain.DeploymentBinding
	err := g.tx(dbc).Where("node_id = ?", nodeID).Find(&out).Error
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return out, nil
}
