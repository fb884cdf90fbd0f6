package domain

import "gorm.io/gorm"

// Node is a process that can run instances: one JQM engine binary, one
// row, identified for claim/lease purposes.
type Node struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string         `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Host      string         `gorm:"column:host" json:"host,omitempty"`
	Port      int            `gorm:"column:port" json:"port,omitempty"`
	RepoPath  string         `gorm:"column:repo_path;not null" json:"repo_path"`
	TmpPath   string         `gorm:"column:tmp_path;not null" json:"tmp_path"`
	Enabled   bool           `gorm:"column:enabled;not null;default:true" json:"enabled"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Node) TableName() string { return "node" }
