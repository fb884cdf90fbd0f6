// Package repos implements the Persistence Gateway (spec §4.1): typed
// CRUD plus pessimistic row locking over the engine's state tables,
// following the teacher's CourseGenerationRunRepo/JobRunRepo shape —
// every method takes a dbctx.Context, resolves it to either the caller's
// transaction or the Gateway's own *gorm.DB, and returns errors already
// classified through apperr.Classify.
package repos

import (
	"time"

	"gorm.io/gorm"

	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

// InstanceFilter narrows ListInstances (spec §6's listInstances(filters)).
type InstanceFilter struct {
	QueueID         *int64
	JobDefinitionID *int64
	States          []domain.InstanceState
	AttributedNode  *int64
	Limit           int
	Offset          int
}

// Gateway is the Persistence Gateway's full contract.
type Gateway interface {
	// --- queues ---
	CreateQueue(dbc dbctx.Context, q *domain.Queue) (*domain.Queue, error)
	GetQueueByName(dbc dbctx.Context, name string) (*domain.Queue, error)
	CountSubmitted(dbc dbctx.Context, queueID int64) (int64, error)

	// --- job definitions ---
	CreateJobDefinition(dbc dbctx.Context, jd *domain.JobDefinition) (*domain.JobDefinition, error)
	GetJobDefinitionByName(dbc dbctx.Context, name string) (*domain.JobDefinition, error)
	GetJobDefinitionByID(dbc dbctx.Context, id int64) (*domain.JobDefinition, error)

	// --- nodes & deployment bindings ---
	CreateNode(dbc dbctx.Context, n *domain.Node) (*domain.Node, error)
	GetNodeByName(dbc dbctx.Context, name string) (*domain.Node, error)
	UpsertBinding(dbc dbctx.Context, b *domain.DeploymentBinding) (*domain.DeploymentBinding, error)
	ListBindings(dbc dbctx.Context, nodeID int64) ([]*domain.DeploymentBinding, error)

	// --- instance lifecycle (spec §4.1) ---
	Enqueue(dbc dbctx.Context, inst *domain.JobInstance, params map[string]string) (*domain.JobInstance, error)
	ReserveNext(dbc dbctx.Context, nodeID, queueID int64, limit int) ([]*domain.JobInstance, error)
	Transition(dbc dbctx.Context, id int64, from, to domain.InstanceState, ev string, fields map[string]interface{}) error
	RecoverCrashed(dbc dbctx.Context, nodeID int64) ([]int64, error)
	ArchiveTerminal(dbc dbctx.Context, id int64) error

	// --- deliverable & message log (spec §4.8) ---
	RecordMessage(dbc dbctx.Context, instanceID int64, text string, maxChars int) error
	RecordDeliverable(dbc dbctx.Context, d *domain.Deliverable) (*domain.Deliverable, error)
	UpdateProgress(dbc dbctx.Context, instanceID int64, pct int) error
	Heartbeat(dbc dbctx.Context, instanceID int64) error

	// --- query surface backing the Client API (spec §6) ---
	GetInstanceByID(dbc dbctx.Context, id int64) (*domain.JobInstance, error)
	ListInstances(dbc dbctx.Context, f InstanceFilter) ([]*domain.JobInstance, error)
	GetMessages(dbc dbctx.Context, instanceID int64) ([]*domain.Message, error)
	GetDeliverables(dbc dbctx.Context, instanceID int64) ([]*domain.Deliverable, error)
	GetDeliverableByID(dbc dbctx.Context, id int64) (*domain.Deliverable, error)
	GetParameters(dbc dbctx.Context, instanceID int64) (map[string]string, error)
	RequestKill(dbc dbctx.Context, instanceID int64, reason string) error
	Hold(dbc dbctx.Context, instanceID int64) error
	Resume(dbc dbctx.Context, instanceID int64) error
	SetPriority(dbc dbctx.Context, instanceID int64, priority int) error
	CountActiveForDefinition(dbc dbctx.Context, jobDefinitionID int64) (int64, error)
}

type gormGateway struct {
	db  *gorm.DB
	log *logger.Logger
}

// New constructs the GORM-backed Persistence Gateway.
func New(db *gorm.DB, baseLog *logger.Logger) Gateway {
	return &gormGateway{db: db, log: baseLog.With("component", "Gateway")}
}

func (g *gormGateway) tx(dbc dbctx.Context) *gorm.DB {
	return dbc.Resolve(g.db).WithContext(dbc.Ctx)
}

// AutoMigrate creates/updates every table the Gateway owns. Exposed here
// (rather than under platform/db) because the Gateway is the sole owner
// of these tables' shape.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.JobDefinition{},
		&domain.Queue{},
		&domain.Node{},
		&domain.DeploymentBinding{},
		&domain.JobInstance{},
		&domain.RuntimeParameter{},
		&domain.Message{},
		&domain.Deliverable{},
		&domain.HistoryRecord{},
	)
}

func now() time.Time { return time.Now().UTC() }
