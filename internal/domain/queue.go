package domain

import "gorm.io/gorm"

// Queue is a named FIFO with priority tiebreakers. maxSize == 0 means
// unbounded.
type Queue struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string         `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Description     string         `gorm:"column:description" json:"description,omitempty"`
	DefaultPriority int            `gorm:"column:default_priority;not null;default:0" json:"default_priority"`
	MaxSize         int            `gorm:"column:max_size;not null;default:0" json:"max_size"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Queue) TableName() string { return "queue" }
