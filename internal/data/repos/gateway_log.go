package repos

import (
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
)

// RecordMessage appends a truncated text message to an instance's log
// (spec §4.8's sendMessage / engine.maxMessageChars).
func (g *gormGateway) RecordMessage(dbc dbctx.Context, instanceID int64, text string, maxChars int) error {
	if runes := []rune(text); maxChars > 0 && len(runes) > maxChars {
		text = string(runes[:maxChars])
	}
	m := &domain.Message{
		InstanceID: instanceID,
		TextBody:   text,
		Timestamp:  now(),
	}
	if err := g.tx(dbc).Create(m).Error; err != nil {
		return apperr.Classify(err)
	}
	return nil
}

// RecordDeliverable records a deliverable row once its file has already
// been committed into the node's content-addressed store (the caller is
// the deliverable store's move-then-commit, spec §4.8's addDeliverable).
func (g *gormGateway) RecordDeliverable(dbc dbctx.Context, d *domain.Deliverable) (*domain.Deliverable, error) {
	d.CreatedAt = now()
	if err := g.tx(dbc).Create(d).Error; err != nil {
		return nil, apperr.Classify(err)
	}
	return d, nil
}

// UpdateProgress records a payload-reported completion percentage
// (spec §4.8's updateProgress). It never changes state, so it is safe to
// call regardless of which active state the instance is in.
func (g *gormGateway) UpdateProgress(dbc dbctx.Context, instanceID int64, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	res := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("id = ? AND state IN ?", instanceID, []domain.InstanceState{domain.StateAttributed, domain.StateRunning}).
		Updates(map[string]interface{}{"progress": pct, "updated_at": now()})
	if res.Error != nil {
		return apperr.Classify(res.Error)
	}
	return nil
}

// Heartbeat stamps heartbeat_at for a RUNNING instance. The Runner's
// watchdog calls it on each tick so a monitor reading heartbeat_at can
// tell a live instance from an orphaned one; nothing in the engine reads
// the column itself.
func (g *gormGateway) Heartbeat(dbc dbctx.Context, instanceID int64) error {
	res := g.tx(dbc).Model(&domain.JobInstance{}).
		Where("id = ? AND state = ?", instanceID, domain.StateRunning).
		Updates(map[string]interface{}{"heartbeat_at": now(), "updated_at": now()})
	if res.Error != nil {
		return apperr.Classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrStateConflict
	}
	return nil
}
