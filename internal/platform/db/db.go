// Package db opens the engine's *gorm.DB connection, selecting a driver
// the way the teacher's internal/db.NewPostgresService does: custom
// gorm logger wired to our own Logger, slow-query threshold, and a
// driver switch so the same Gateway code runs against Postgres in
// production, MySQL for parity with the teacher's dependency graph, and
// SQLite in-memory for tests.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ridgeline-systems/jqm/internal/platform/config"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

// Open connects using cfg.DBDriver/cfg.DBDSN and returns a ready *gorm.DB.
// Callers still need to run their own AutoMigrate (the Gateway owns that,
// since it owns the tables' shape).
func Open(cfg config.Config, log *logger.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: newGormLogger(log),
	}

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres", "":
		dialector = postgres.Open(cfg.DBDSN)
	case "mysql":
		dialector = mysql.Open(cfg.DBDSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("jqm: unknown db driver %q", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("jqm: open db: %w", err)
	}
	return db, nil
}

// gormLogAdapter routes GORM's own logging through our structured
// Logger instead of its default stdlib-log writer, the way the
// teacher's postgres.go wires gormLogger.Config.
type gormLogAdapter struct {
	log *logger.Logger
}

func newGormLogger(log *logger.Logger) gormlogger.Interface {
	return gormlogger.New(
		gormLogAdapter{log: log},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func (a gormLogAdapter) Printf(format string, args ...interface{}) {
	a.log.Warn(fmt.Sprintf(format, args...))
}
