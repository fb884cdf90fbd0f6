package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobInstance is one execution (the spec's JobRequest/JobInstance pair —
// JQM keeps a single row across the instance's life, the way the
// teacher's job_run table does, rather than separate request/instance
// tables).
type JobInstance struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	JobDefinitionID int64          `gorm:"column:job_definition_id;not null;index" json:"job_definition_id"`
	QueueID         int64          `gorm:"column:queue_id;not null;index" json:"queue_id"`
	State           InstanceState  `gorm:"column:state;not null;index" json:"state"`
	Priority        int            `gorm:"column:priority;not null;default:0;index" json:"priority"`
	EnqueueTime     time.Time      `gorm:"column:enqueue_time;not null;index" json:"enqueue_time"`
	AttributionTime *time.Time     `gorm:"column:attribution_time" json:"attribution_time,omitempty"`
	StartTime       *time.Time     `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime         *time.Time     `gorm:"column:end_time" json:"end_time,omitempty"`
	AttributedNode  *int64         `gorm:"column:attributed_node" json:"attributed_node,omitempty"`
	Progress        *int           `gorm:"column:progress" json:"progress,omitempty"`
	KillRequested   bool           `gorm:"column:kill_requested;not null;default:false" json:"kill_requested"`
	KillReason      string         `gorm:"column:kill_reason" json:"kill_reason,omitempty"`
	FailureReason   string         `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	HeartbeatAt     *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	RestartOfID     *int64         `gorm:"column:restart_of_id" json:"restart_of_id,omitempty"`
	RestartCount    int            `gorm:"column:restart_count;not null;default:0" json:"restart_count"`

	// User tags, all opaque strings per spec §3.
	Application string `gorm:"column:application" json:"application,omitempty"`
	Module      string `gorm:"column:module" json:"module,omitempty"`
	Keyword1    string `gorm:"column:keyword1" json:"keyword1,omitempty"`
	Keyword2    string `gorm:"column:keyword2" json:"keyword2,omitempty"`
	Keyword3    string `gorm:"column:keyword3" json:"keyword3,omitempty"`
	SessionID   string `gorm:"column:session_id" json:"session_id,omitempty"`
	User        string `gorm:"column:user_tag" json:"user,omitempty"`
	Mail        string `gorm:"column:mail" json:"mail,omitempty"`

	Parameters      datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	ParentInstanceID *int64        `gorm:"column:parent_instance_id;index" json:"parent_instance_id,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobInstance) TableName() string { return "job_instance" }

// UserTags is the bag of opaque strings a caller can attach at enqueue
// time (spec §3's userTags: application, module, keyword1..3,
// sessionId, user, mail).
type UserTags struct {
	Application string
	Module      string
	Keyword1    string
	Keyword2    string
	Keyword3    string
	SessionID   string
	User        string
	Mail        string
}
