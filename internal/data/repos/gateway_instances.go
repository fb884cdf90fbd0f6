package repos

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
)

// lockable reports whether tx's dialect supports SELECT ... FOR UPDATE.
// SQLite (used for in-process tests) does not, and single-writer
// semantics make the clause unnecessary there anyway.
func lockable(tx *gorm.DB) bool {
	return tx.Dialector.Name() != "sqlite"
}

// Enqueue inserts a new instance in SUBMITTED state plus its runtime
// parameters, after checking the queue's size bound under a row lock
// (spec §3 invariant 5, §4.1's enqueue).
func (g *gormGateway) Enqueue(dbc dbctx.Context, inst *domain.JobInstance, params map[string]string) (*domain.JobInstance, error) {
	if inst == nil {
		return nil, fmt.Errorf("jqm: nil instance")
	}
	err := g.tx(dbc).Transaction(func(txx *gorm.DB) error {
		qq := txx.Where("id = ?", inst.QueueID)
		if lockable(txx) {
			qq = qq.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var q domain.Queue
		if err := qq.First(&q).Error; err != nil {
			return err
		}
		if q.MaxSize > 0 {
			var count int64
			if err := txx.Model(&domain.JobInstance{}).
				Where("queue_id = ? AND state = ?", inst.QueueID, domain.StateSubmitted).
				Count(&count).Error; err != nil {
				return err
			}
			if count >= int64(q.MaxSize) {
				return apperr.ErrQueueFull
			}
		}

		ts := now()
		inst.State = domain.StateSubmitted
		inst.EnqueueTime = ts
		inst.CreatedAt = ts
		inst.UpdatedAt = ts
		if err := txx.Create(inst).Error; err != nil {
			return err
		}
		if len(params) > 0 {
			rows := make([]*domain.RuntimeParameter, 0, len(params))
			for k, v := range params {
				rows = append(rows, &domain.RuntimeParameter{InstanceID: inst.ID, Key: k, Value: v})
			}
			if err := txx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, apperr.ErrQueueFull) {
		return nil, apperr.ErrQueueFull
	}
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return inst, nil
}

// ReserveNext selects up to limit runnable instances for (nodeID, queueID),
// ordered by (priority DESC, enqueueTime ASC, id ASC), skipping rows whose
// JobDefinition is in Highlander mode and already has an active instance,
// and atomically transitions each to ATTRIBUTED (spec §4.1, §4.4, §8's
// Highlander property — encoded here, not checked after the fact).
//
// Rows are claimed one at a time within the transaction, not selected in
// one batch and updated afterward: the Highlander predicate is only true
// as of the moment each SELECT runs, so claiming instance 2 of a
// Highlander definition must observe instance 1's claim from earlier in
// this same call, not just from other transactions.
func (g *gormGateway) ReserveNext(dbc dbctx.Context, nodeID, queueID int64, limit int) ([]*domain.JobInstance, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*domain.JobInstance
	err := g.tx(dbc).Transaction(func(txx *gorm.DB) error {
		ts := now()
		for len(claimed) < limit {
			q := txx.Model(&domain.JobInstance{}).
				Joins("JOIN job_definition jd ON jd.id = job_instance.job_definition_id").
				Where("job_instance.queue_id = ? AND job_instance.state = ?", queueID, domain.StateSubmitted).
				Where(`NOT (
					jd.highlander_mode = true AND EXISTS (
						SELECT 1 FROM job_instance active
						WHERE active.job_definition_id = job_instance.job_definition_id
						  AND active.state IN (?, ?)
					)
				)`, domain.StateAttributed, domain.StateRunning).
				Order("job_instance.priority DESC, job_instance.enqueue_time ASC, job_instance.id ASC").
				Limit(1)
			if lockable(txx) {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			}

			var row domain.JobInstance
			if err := q.Take(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					break
				}
				return err
			}

			res := txx.Model(&domain.JobInstance{}).
				Where("id = ? AND state = ?", row.ID, domain.StateSubmitted).
				Updates(map[string]interface{}{
					"state":            domain.StateAttributed,
					"attributed_node":  nodeID,
					"attribution_time": ts,
					"heartbeat_at":     ts,
					"updated_at":       ts,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost the CAS race to a reserver on another connection
				// despite SKIP LOCKED (e.g. SQLite, where the locking
				// clause is a no-op). Stop rather than risk looping on a
				// row that will never become claimable by us.
				break
			}
			row.State = domain.StateAttributed
			row.AttributedNode = &nodeID
			row.AttributionTime = &ts
			row.HeartbeatAt = &ts
			claimed = append(claimed, &row)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return claimed, nil
}

// Transition performs a CAS state update: it only applies when the
// observed state still matches from, and the move must be legal per the
// state table (spec §4.7). Losers receive apperr.ErrStateConflict and
// must not perform the transition's side effects.
func (g *gormGateway) Transition(dbc dbctx.Context, id int64, from, to domain.InstanceState, ev string, fields map[string]interface{}) error {
	if !domain.CanTransition(from, ev, to) {
		return fmt.Errorf("jqm: illegal transition %s -[%s]-> %s", from, ev, to)
	}
	updates := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["state"] = to
	updates["updated_at"] = now()

	res := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return apperr.Classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrStateConflict
	}
	return nil
}

// RecoverCrashed transitions every instance attributed to nodeID that is
// still ATTRIBUTED/RUNNING to CRASHED, at engine boot (spec §4.1, §4.9).
// It returns the recovered instance ids so the Supervisor can archive a
// HistoryRecord for each (invariant 6).
func (g *gormGateway) RecoverCrashed(dbc dbctx.Context, nodeID int64) ([]int64, error) {
	var ids []int64
	err := g.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var rows []domain.JobInstance
		if err := txx.Where("attributed_node = ? AND state IN ?", nodeID,
			[]domain.InstanceState{domain.StateAttributed, domain.StateRunning}).
			Find(&rows).Error; err != nil {
			return err
		}
		ts := now()
		for _, row := range rows {
			res := txx.Model(&domain.JobInstance{}).
				Where("id = ? AND state = ?", row.ID, row.State).
				Updates(map[string]interface{}{
					"state":          domain.StateCrashed,
					"end_time":       ts,
					"failure_reason": "boot recovery: node restarted while instance was active",
					"updated_at":     ts,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				ids = append(ids, row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return ids, nil
}

// ArchiveTerminal moves a terminal instance's snapshot into HistoryRecord
// (spec §3 invariant 6). Idempotent: archiving an already-archived
// instance is a no-op, since crash recovery and normal finalize can race
// to archive the same instance.
func (g *gormGateway) ArchiveTerminal(dbc dbctx.Context, id int64) error {
	err := g.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var inst domain.JobInstance
		if err := txx.Where("id = ?", id).First(&inst).Error; err != nil {
			return err
		}
		if !inst.State.Terminal() {
			return fmt.Errorf("jqm: instance %d is not terminal (state=%s)", id, inst.State)
		}
		var existing domain.HistoryRecord
		err := txx.Where("instance_id = ?", id).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		hr := &domain.HistoryRecord{
			InstanceID:      inst.ID,
			JobDefinitionID: inst.JobDefinitionID,
			QueueID:         inst.QueueID,
			FinalState:      inst.State,
			Priority:        inst.Priority,
			EnqueueTime:     inst.EnqueueTime,
			AttributionTime: inst.AttributionTime,
			StartTime:       inst.StartTime,
			EndTime:         inst.EndTime,
			AttributedNode:  inst.AttributedNode,
			FailureReason:   inst.FailureReason,
			ArchivedAt:      now(),
		}
		return txx.Create(hr).Error
	})
	if err != nil {
		return apperr.Classify(err)
	}
	return nil
}

func (g *gormGateway) CountActiveForDefinition(dbc dbctx.Context, jobDefinitionID int64) (int64, error) {
	var n int64
	err := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("job_definition_id = ? AND state IN ?", jobDefinitionID,
			[]domain.InstanceState{domain.StateAttributed, domain.StateRunning}).
		Count(&n).Error
	if err != nil {
		return 0, apperr.Classify(err)
	}
	return n, nil
}
