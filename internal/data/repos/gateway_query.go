package repos

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
)

func (g *gormGateway) GetInstanceByID(dbc dbctx.Context, id int64) (*domain.JobInstance, error) {
	var inst domain.JobInstance
	err := g.tx(dbc).Where("id = ?", id).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return &inst, nil
}

// ListInstances backs the Client API's listInstances(filters) (spec §6).
func (g *gormGateway) ListInstances(dbc dbctx.Context, f InstanceFilter) ([]*domain.JobInstance, error) {
	q := g.tx(dbc).Model(&domain.JobInstance{})
	if f.QueueID != nil {
		q = q.Where("queue_id = ?", *f.QueueID)
	}
	if f.JobDefinitionID != nil {
		q = q.Where("job_definition_id = ?", *f.JobDefinitionID)
	}
	if f.AttributedNode != nil {
		q = q.Where("attributed_node = ?", *f.AttributedNode)
	}
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	q = q.Order("priority DESC, enqueue_time ASC, id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []*domain.JobInstance
	if err := q.Find(&out).Error; err != nil {
		return nil, apperr.Classify(err)
	}
	return out, nil
}

func (g *gormGateway) GetMessages(dbc dbctx.Context, instanceID int64) ([]*domain.Message, error) {
	var out []*domain.Message
	err := g.tx(dbc).Where("instance_id = ?", instanceID).Order("timestamp ASC").Find(&out).Error
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return out, nil
}

func (g *gormGateway) GetDeliverables(dbc dbctx.Context, instanceID int64) ([]*domain.Deliverable, error) {
	var out []*domain.Deliverable
	err := g.tx(dbc).Where("instance_id = ?", instanceID).Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return out, nil
}

func (g *gormGateway) GetDeliverableByID(dbc dbctx.Context, id int64) (*domain.Deliverable, error) {
	var d domain.Deliverable
	err := g.tx(dbc).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return &d, nil
}

func (g *gormGateway) GetParameters(dbc dbctx.Context, instanceID int64) (map[string]string, error) {
	var rows []domain.RuntimeParameter
	if err := g.tx(dbc).Where("instance_id = ?", instanceID).Find(&rows).Error; err != nil {
		return nil, apperr.Classify(err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// RequestKill flags a running or attributed instance for cooperative
// cancellation (spec §4.6). It does not itself transition state: the
// Runner observes the flag on its next yield() and is the one that
// drives the killed transition once the payload actually stops.
func (g *gormGateway) RequestKill(dbc dbctx.Context, instanceID int64, reason string) error {
	res := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("id = ? AND state IN ?", instanceID, []domain.InstanceState{domain.StateAttributed, domain.StateRunning}).
		Updates(map[string]interface{}{
			"kill_requested": true,
			"kill_reason":    reason,
			"updated_at":     now(),
		})
	if res.Error != nil {
		return apperr.Classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrStateConflict
	}
	return nil
}

// Hold moves a queued instance out of scheduling contention without
// discarding it (spec §4.7's admin_hold event, SUBMITTED -> HOLD).
func (g *gormGateway) Hold(dbc dbctx.Context, instanceID int64) error {
	return g.Transition(dbc, instanceID, domain.StateSubmitted, domain.StateHold, "admin_hold", nil)
}

// Resume returns a held instance to the runnable pool (HOLD -> SUBMITTED).
func (g *gormGateway) Resume(dbc dbctx.Context, instanceID int64) error {
	res := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("id = ? AND state = ?", instanceID, domain.StateHold).
		Updates(map[string]interface{}{
			"state":        domain.StateSubmitted,
			"enqueue_time": now(),
			"updated_at":   now(),
		})
	if res.Error != nil {
		return apperr.Classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrStateConflict
	}
	return nil
}

// SetPriority only applies before an instance has been picked up, since
// ReserveNext has already read the priority ordering by the time an
// instance is ATTRIBUTED.
func (g *gormGateway) SetPriority(dbc dbctx.Context, instanceID int64, priority int) error {
	res := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("id = ? AND state IN ?", instanceID, []domain.InstanceState{domain.StateSubmitted, domain.StateHold}).
		Updates(map[string]interface{}{"priority": priority, "updated_at": now()})
	if res.Error != nil {
		return apperr.Classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrStateConflict
	}
	return nil
}
