package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/notify"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
	"github.com/ridgeline-systems/jqm/internal/runtime"
)

// newTestDB opens a fresh in-memory SQLite database migrated with the
// Gateway's tables, the way repos_test.go's newTestGateway does; kept as
// *gorm.DB here (not the unexported gormGateway) since this package is
// external to internal/data/repos and only needs direct table access to
// assert on HistoryRecord, which the Gateway interface doesn't expose.
func newTestDB(t *testing.T) (*gorm.DB, repos.Gateway) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repos.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return db, repos.New(db, log)
}

// fnHandler is a hand-rolled fake runtime.Handler: each test supplies the
// body it wants invoked, instead of a new named type per scenario.
type fnHandler struct {
	entryPoint string
	run        func(ctx *runtime.Context) error
}

func (h fnHandler) EntryPoint() string             { return h.entryPoint }
func (h fnHandler) Run(ctx *runtime.Context) error { return h.run(ctx) }

// fakeMover records committed labels instead of touching a real
// deliverable store.
type fakeMover struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMover) Commit(_ context.Context, instanceID int64, _ string, label string) (*domain.Deliverable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, label)
	return &domain.Deliverable{ID: 1, InstanceID: instanceID, Label: label}, nil
}

// fakeEnqueuer is unused by these scenarios but required to satisfy
// runtime.New's ChildEnqueuer parameter.
type fakeEnqueuer struct{}

func (fakeEnqueuer) EnqueueChild(context.Context, runtime.ChildSpec, int64) (int64, error) {
	return 0, nil
}

// seedRunnerFixture creates a queue, a JobDefinition backed by a real
// artifact file (LocalFetcher opens it for real), a node, and a Runner
// wired against an in-memory Gateway, then attributes one instance to
// that node so it is ready for Runner.Run.
func seedRunnerFixture(t *testing.T, handler runtime.Handler, timeoutSeconds int, restartOnCrash bool) (*gorm.DB, repos.Gateway, *Runner, *domain.JobInstance) {
	t.Helper()
	db, gw := newTestDB(t)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	dbc := dbctx.Background()
	q, err := gw.CreateQueue(dbc, &domain.Queue{Name: "VIPQueue", MaxSize: 0})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	artifactDir := t.TempDir()
	artifactPath := filepath.Join(artifactDir, "testapp.bin")
	if err := os.WriteFile(artifactPath, []byte("fake artifact"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	jd, err := gw.CreateJobDefinition(dbc, &domain.JobDefinition{
		ApplicationName: "TestApp",
		EntryPointClass: handler.EntryPoint(),
		ArtifactPath:    artifactPath,
		DefaultQueueID:  q.ID,
		TimeoutSeconds:  timeoutSeconds,
		CanRestart:      true,
		MaxRestarts:     1,
	})
	if err != nil {
		t.Fatalf("create job definition: %v", err)
	}

	node, err := gw.CreateNode(dbc, &domain.Node{Name: "node1", RepoPath: t.TempDir(), TmpPath: t.TempDir(), Enabled: true})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	inst, err := gw.Enqueue(dbc, &domain.JobInstance{JobDefinitionID: jd.ID, QueueID: q.ID, Priority: 42}, map[string]string{"p1": "POUPETTE"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := gw.ReserveNext(dbc, node.ID, q.ID, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reserveNext: %v, %+v", err, claimed)
	}

	registry := runtime.NewRegistry()
	if err := registry.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	cache := NewArtifactCache(t.TempDir(), nil)

	r := New(gw, log, registry, cache, &fakeMover{}, fakeEnqueuer{}, notify.NoopNotifier{}, t.TempDir(), 1000, node.ID, restartOnCrash)
	return db, gw, r, claimed[0]
}

// TestRunnerHappyPathEndsWithParametersAndHistory exercises spec.md §8
// scenario 1: a handler that reads its merged parameters and returns nil
// ends in ENDED with the parameter visible and exactly one HistoryRecord.
func TestRunnerHappyPathEndsWithParametersAndHistory(t *testing.T) {
	handler := fnHandler{
		entryPoint: "test.Happy",
		run: func(ctx *runtime.Context) error {
			if got := ctx.Payload()["p1"]; got != "POUPETTE" {
				return fmt.Errorf("expected p1=POUPETTE, got %q", got)
			}
			return ctx.SendProgress(100)
		},
	}
	db, gw, r, inst := seedRunnerFixture(t, handler, 0, false)

	r.Run(context.Background(), inst)

	got, err := gw.GetInstanceByID(dbctx.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.State != domain.StateEnded {
		t.Fatalf("expected ENDED, got %s (failure_reason=%q)", got.State, got.FailureReason)
	}

	params, err := gw.GetParameters(dbctx.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get parameters: %v", err)
	}
	if params["p1"] != "POUPETTE" {
		t.Fatalf("expected p1=POUPETTE, got %q", params["p1"])
	}

	var count int64
	if err := db.Model(&domain.HistoryRecord{}).Where("instance_id = ?", inst.ID).Count(&count).Error; err != nil {
		t.Fatalf("count history records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one HistoryRecord, got %d", count)
	}
}

// TestRunnerCooperativeKillUsesRealKillReason exercises spec.md §8
// scenario 4: a handler that loops calling Yield only stops once an
// external RequestKill lands, and the terminal failure_reason is the
// actual kill_reason RequestKill recorded, not a hardcoded "cancelled"
// (the bug the maintainer flagged: finalize previously read a Runner-local
// inst.KillReason copy that was never refreshed from the database).
func TestRunnerCooperativeKillUsesRealKillReason(t *testing.T) {
	started := make(chan struct{})
	handler := fnHandler{
		entryPoint: "test.Blocking",
		run: func(ctx *runtime.Context) error {
			close(started)
			for {
				if err := ctx.Yield(); err != nil {
					return err
				}
				time.Sleep(10 * time.Millisecond)
			}
		},
	}
	_, gw, r, inst := seedRunnerFixture(t, handler, 0, false)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), inst)
		close(done)
	}()

	<-started
	if err := gw.RequestKill(dbctx.Background(), inst.ID, "operator_abort"); err != nil {
		t.Fatalf("request kill: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe the kill request in time")
	}

	got, err := gw.GetInstanceByID(dbctx.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.State != domain.StateKilled {
		t.Fatalf("expected KILLED, got %s", got.State)
	}
	if got.FailureReason != "operator_abort" {
		t.Fatalf("expected failure_reason to carry the real kill_reason %q, got %q", "operator_abort", got.FailureReason)
	}
}

// TestWatchDistinguishesTimeoutFromExplicitKill exercises watch directly:
// a JobDef timeout triggers the signal with runtime.ReasonTimeout, so
// Context.Yield surfaces apperr.ErrTimeout (spec.md §7's taxonomy entry,
// distinct from Cancelled) instead of collapsing into the same reason an
// explicit RequestKill would produce.
func TestWatchDistinguishesTimeoutFromExplicitKill(t *testing.T) {
	_, gw, r, inst := seedRunnerFixture(t, fnHandler{entryPoint: "test.Unused", run: func(*runtime.Context) error { return nil }}, 1, false)

	killed := runtime.NewKillSignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// startedAt far enough in the past that a 1-second timeout has already
	// elapsed by the time watch's first tick fires.
	startedAt := time.Now().UTC().Add(-10 * time.Second)
	go r.watch(ctx, inst.ID, 1, startedAt, killed)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if killed.Killed() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	if !killed.Killed() {
		t.Fatal("expected watch to trigger the kill signal once the deadline elapsed")
	}
	if killed.Reason() != runtime.ReasonTimeout {
		t.Fatalf("expected reason %q, got %q", runtime.ReasonTimeout, killed.Reason())
	}

	jobCtx := runtime.New(ctx, gw, r.log, &fakeMover{}, fakeEnqueuer{}, notify.NoopNotifier{}, inst.ID, nil, t.TempDir(), nil, 1000, killed)
	if err := jobCtx.Yield(); !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected Yield to surface ErrTimeout, got %v", err)
	}
}
