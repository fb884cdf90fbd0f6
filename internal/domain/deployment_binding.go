package domain

import "gorm.io/gorm"

// DeploymentBinding is the only way a queue is consumed: (node, queue,
// maxConcurrent, pollIntervalMs, enabled). Mutable at runtime; changes
// to enabled and pollIntervalMs, and maxConcurrent set to 0, take effect
// on the next poll tick. Any other maxConcurrent change is not applied
// to a running Poller's Dispatcher, whose capacity is fixed when the
// Supervisor starts it.
type DeploymentBinding struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	NodeID         int64          `gorm:"column:node_id;not null;index:idx_binding_node_queue,unique" json:"node_id"`
	QueueID        int64          `gorm:"column:queue_id;not null;index:idx_binding_node_queue,unique" json:"queue_id"`
	MaxConcurrent  int            `gorm:"column:max_concurrent;not null;default:0" json:"max_concurrent"`
	PollIntervalMs int            `gorm:"column:poll_interval_ms;not null;default:1000" json:"poll_interval_ms"`
	Enabled        bool           `gorm:"column:enabled;not null;default:true" json:"enabled"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (DeploymentBinding) TableName() string { return "deployment_binding" }
