// Package queue is the thin wrapper spec.md calls the Queue Store (C2):
// it resolves names, priority and parameters in front of Gateway.Enqueue,
// which makes the maxSize admission check inside its own transaction, so
// callers never reason about the Gateway's transaction boundaries
// directly, following the shape of the teacher's jobs.JobStore sitting in
// front of a *Repo.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/notify"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/runtime"
)

type Store struct {
	gw       repos.Gateway
	log      *logger.Logger
	notifier notify.Notifier
}

func New(gw repos.Gateway, notifier notify.Notifier, baseLog *logger.Logger) *Store {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Store{gw: gw, notifier: notifier, log: baseLog.With("component", "QueueStore")}
}

// Spec is the enqueue(applicationName, userTags, parameters) surface
// spec.md §6 names, plus the optional overrides the Client API and
// JobContext.Enqueue both need.
type Spec struct {
	ApplicationName  string
	QueueName        string // empty: use the JobDefinition's default queue
	UserTags         domain.UserTags
	Parameters       map[string]string
	Priority         *int // nil: QueueName's DefaultPriority when QueueName is set, otherwise 0 (the definition's default queue's DefaultPriority is not read)
	ParentInstanceID *int64
}

// Enqueue resolves applicationName to a JobDefinition, resolves the
// target queue, and inserts a new SUBMITTED instance plus its runtime
// parameters through Gateway.Enqueue, which rejects the insert with
// ErrQueueFull when maxSize is reached (spec.md §3 invariant 5).
func (s *Store) Enqueue(ctx context.Context, spec Spec) (int64, error) {
	dbc := dbctx.Context{Ctx: ctx}

	jd, err := s.gw.GetJobDefinitionByName(dbc, spec.ApplicationName)
	if err != nil {
		return 0, err
	}

	queueID := jd.DefaultQueueID
	priority := 0
	if spec.QueueName != "" {
		q, err := s.gw.GetQueueByName(dbc, spec.QueueName)
		if err != nil {
			return 0, err
		}
		queueID = q.ID
		priority = q.DefaultPriority
	}
	if spec.Priority != nil {
		priority = *spec.Priority
	}

	paramsJSON, err := mergeParameters(jd.DefaultParameters, spec.Parameters)
	if err != nil {
		return 0, fmt.Errorf("jqm: encode parameters: %w", err)
	}

	inst := &domain.JobInstance{
		JobDefinitionID:  jd.ID,
		QueueID:          queueID,
		Priority:         priority,
		Application:      spec.UserTags.Application,
		Module:           spec.UserTags.Module,
		Keyword1:         spec.UserTags.Keyword1,
		Keyword2:         spec.UserTags.Keyword2,
		Keyword3:         spec.UserTags.Keyword3,
		SessionID:        spec.UserTags.SessionID,
		User:             spec.UserTags.User,
		Mail:             spec.UserTags.Mail,
		Parameters:       paramsJSON,
		ParentInstanceID: spec.ParentInstanceID,
	}

	created, err := s.gw.Enqueue(dbc, inst, spec.Parameters)
	if err != nil {
		if errors.Is(err, apperr.ErrQueueFull) {
			s.log.Warn("queue full", "application", spec.ApplicationName, "queue_id", queueID)
		}
		return 0, err
	}
	s.notifier.InstanceCreated(ctx, created.ID)
	return created.ID, nil
}

// EnqueueChild implements runtime.ChildEnqueuer, letting a running
// payload submit a child instance via JobContext.Enqueue.
func (s *Store) EnqueueChild(ctx context.Context, spec runtime.ChildSpec, parentInstanceID int64) (int64, error) {
	return s.Enqueue(ctx, Spec{
		ApplicationName:  spec.ApplicationName,
		UserTags:         spec.UserTags,
		Parameters:       spec.Parameters,
		ParentInstanceID: &parentInstanceID,
	})
}

func (s *Store) CountSubmitted(ctx context.Context, queueID int64) (int64, error) {
	return s.gw.CountSubmitted(dbctx.Context{Ctx: ctx}, queueID)
}

func mergeParameters(defaults datatypes.JSON, overrides map[string]string) (datatypes.JSON, error) {
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
	for k, v := range overrides {
		merged[k] = v
	}
	return json.Marshal(merged)
}
