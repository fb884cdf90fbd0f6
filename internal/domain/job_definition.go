package domain

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobDefinition is the template for an execution: what to run, which
// queue it lands on by default, and the policies (restart, Highlander)
// that govern its instances.
type JobDefinition struct {
	ID                int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ApplicationName   string         `gorm:"column:application_name;not null;uniqueIndex" json:"application_name"`
	EntryPointClass   string         `gorm:"column:entry_point_class;not null" json:"entry_point_class"`
	ArtifactPath      string         `gorm:"column:artifact_path;not null" json:"artifact_path"`
	DefaultQueueID    int64          `gorm:"column:default_queue_id;not null;index" json:"default_queue_id"`
	CanRestart        bool           `gorm:"column:can_restart;not null;default:false" json:"can_restart"`
	MaxRestarts       int            `gorm:"column:max_restarts;not null;default:1" json:"max_restarts"`
	HighlanderMode    bool           `gorm:"column:highlander_mode;not null;default:false" json:"highlander_mode"`
	TimeoutSeconds    int            `gorm:"column:timeout_seconds;not null;default:0" json:"timeout_seconds"`
	DefaultParameters datatypes.JSON `gorm:"column:default_parameters;type:jsonb" json:"default_parameters"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobDefinition) TableName() string { return "job_definition" }
