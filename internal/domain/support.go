package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RuntimeParameter is a single (instanceId, key, value) override, set at
// enqueue time or injected by an ancestor instance via
// JobContext.Enqueue's childSpec.
type RuntimeParameter struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID int64  `gorm:"column:instance_id;not null;index" json:"instance_id"`
	Key        string `gorm:"column:key;not null" json:"key"`
	Value      string `gorm:"column:value" json:"value"`
}

func (RuntimeParameter) TableName() string { return "runtime_parameter" }

// Message is one entry in an instance's append-only text log
// (spec §4.8's sendMessage), truncated to engine.maxMessageChars.
type Message struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID int64     `gorm:"column:instance_id;not null;index" json:"instance_id"`
	TextBody   string    `gorm:"column:text_body;not null" json:"text_body"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index" json:"timestamp"`
}

func (Message) TableName() string { return "message" }

// Deliverable is a file a payload produced and retained for later
// retrieval (spec §4.8's addDeliverable). FilePath is the location under
// the node's content-addressed deliverable store once the move-then-commit
// has completed.
type Deliverable struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID int64     `gorm:"column:instance_id;not null;index" json:"instance_id"`
	FilePath   string    `gorm:"column:file_path;not null" json:"file_path"`
	Label      string    `gorm:"column:label" json:"label,omitempty"`
	FileHash   string    `gorm:"column:file_hash;not null" json:"file_hash"`
	Size       int64     `gorm:"column:size;not null" json:"size"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Deliverable) TableName() string { return "deliverable" }

// HistoryRecord is the immutable terminal snapshot produced when an
// instance leaves a running state for a terminal state (spec §3
// invariant 6), used for querying after instance GC.
type HistoryRecord struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID      int64          `gorm:"column:instance_id;not null;uniqueIndex" json:"instance_id"`
	JobDefinitionID int64          `gorm:"column:job_definition_id;not null;index" json:"job_definition_id"`
	QueueID         int64          `gorm:"column:queue_id;not null" json:"queue_id"`
	FinalState      InstanceState  `gorm:"column:final_state;not null;index" json:"final_state"`
	Priority        int            `gorm:"column:priority;not null" json:"priority"`
	EnqueueTime     time.Time      `gorm:"column:enqueue_time;not null" json:"enqueue_time"`
	AttributionTime *time.Time     `gorm:"column:attribution_time" json:"attribution_time,omitempty"`
	StartTime       *time.Time     `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime         *time.Time     `gorm:"column:end_time" json:"end_time,omitempty"`
	AttributedNode  *int64         `gorm:"column:attributed_node" json:"attributed_node,omitempty"`
	FailureReason   string         `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	Result          datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ArchivedAt      time.Time      `gorm:"column:archived_at;not null;default:now()" json:"archived_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (HistoryRecord) TableName() string { return "history_record" }
