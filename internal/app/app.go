// Package app wires the engine together: config -> db -> Gateway ->
// Registry -> Supervisor -> Client, the way the teacher's internal/app.App
// wires logger -> config -> postgres -> repos -> services -> handlers.
// JQM has no HTTP router to mount, so App's surface ends at Client and
// the runtime.Registry callers populate with Handlers before Start.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ridgeline-systems/jqm/internal/client"
	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/deliverable"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/notify"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/config"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/db"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/queue"
	"github.com/ridgeline-systems/jqm/internal/registry"
	"github.com/ridgeline-systems/jqm/internal/runner"
	"github.com/ridgeline-systems/jqm/internal/runtime"
	"github.com/ridgeline-systems/jqm/internal/supervisor"
)

type App struct {
	cfg config.Config
	log *logger.Logger
	db  *gorm.DB
	gw  repos.Gateway

	handlers *runtime.Registry
	client   *client.Client
	super    *supervisor.Supervisor
	node     *domain.Node
}

// New builds a fully wired App for one node. Callers register their
// payload Handlers via App.Handlers() before calling Start.
func New() (*App, error) {
	log, err := logger.New(config.GetEnv("LOG_MODE", "development", nil))
	if err != nil {
		return nil, fmt.Errorf("jqm: init logger: %w", err)
	}
	cfg := config.Load(log)

	gdb, err := db.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := repos.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("jqm: automigrate: %w", err)
	}

	gw := repos.New(gdb, log)

	node, err := ensureNode(gw, cfg)
	if err != nil {
		return nil, fmt.Errorf("jqm: resolve node: %w", err)
	}

	reg := registry.New(gw, log)
	notifier := buildNotifier(log)
	qs := queue.New(gw, notifier, log)
	dl := deliverable.New(gw, filepath.Join(cfg.NodeRepoPath, "deliverables"), log)
	handlers := runtime.NewRegistry()
	cache := runner.NewArtifactCache(filepath.Join(cfg.NodeRepoPath, "artifacts"), nil)

	r := runner.New(gw, log, handlers, cache, dl, qs, notifier, cfg.NodeTmpPath, cfg.MaxMessageChars, node.ID, cfg.RestartOnCrash)
	defaultPollInterval := time.Duration(cfg.PollIntervalMsDefault) * time.Millisecond
	super := supervisor.New(gw, reg, r, log, node.ID, cfg.DrainTimeout, defaultPollInterval, defaultPollInterval)
	cl := client.New(qs, gw, log)

	return &App{
		cfg:      cfg,
		log:      log,
		db:       gdb,
		gw:       gw,
		handlers: handlers,
		client:   cl,
		super:    super,
		node:     node,
	}, nil
}

// buildNotifier wires Redis pub/sub when JQM_REDIS_ADDR is set, falling
// back to a no-op so the engine still runs without a Redis deployment.
func buildNotifier(log *logger.Logger) notify.Notifier {
	addr := config.GetEnv("JQM_REDIS_ADDR", "", log)
	if addr == "" {
		return notify.NoopNotifier{}
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	return notify.NewRedis(rc, "jqm:", log)
}

func ensureNode(gw repos.Gateway, cfg config.Config) (*domain.Node, error) {
	dbc := dbctx.Background()
	n, err := gw.GetNodeByName(dbc, cfg.NodeName)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return gw.CreateNode(dbc, &domain.Node{
		Name:     cfg.NodeName,
		RepoPath: cfg.NodeRepoPath,
		TmpPath:  cfg.NodeTmpPath,
		Enabled:  true,
	})
}

// Handlers returns the process-local registry callers populate with
// payload Handlers before Start.
func (a *App) Handlers() *runtime.Registry { return a.handlers }

// Client returns the in-process Client API surface (spec.md §6).
func (a *App) Client() *client.Client { return a.client }

// Start runs boot recovery, then begins the Supervisor's reconcile loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.super.Boot(ctx); err != nil {
		return err
	}
	a.super.Start(ctx)
	return nil
}

// Shutdown drains every Dispatcher and closes the database connection.
func (a *App) Shutdown() {
	a.super.Shutdown()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.log.Sync()
}
