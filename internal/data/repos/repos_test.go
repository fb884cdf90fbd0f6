package repos

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

// newTestGateway opens a fresh in-memory SQLite database named after the
// test, migrated with the Gateway's own tables, the way the teacher's
// repo tests spin up a throwaway database per test rather than sharing
// state across cases. Named (not anonymous) memory databases are needed
// because gorm's connection pool opens more than one *sql.DB connection;
// an anonymous ":memory:" DSN would hand each connection its own empty
// database.
func newTestGateway(t *testing.T) *gormGateway {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return &gormGateway{db: db, log: log}
}

func seedQueue(t *testing.T, g *gormGateway, name string, maxSize int) *domain.Queue {
	t.Helper()
	q, err := g.CreateQueue(dbctx.Background(), &domain.Queue{Name: name, MaxSize: maxSize})
	if err != nil {
		t.Fatalf("seed queue %s: %v", name, err)
	}
	return q
}

func seedJobDefinition(t *testing.T, g *gormGateway, name string, queueID int64, highlander bool) *domain.JobDefinition {
	t.Helper()
	jd, err := g.CreateJobDefinition(dbctx.Background(), &domain.JobDefinition{
		ApplicationName: name,
		EntryPointClass: "example.Handler",
		ArtifactPath:    "/artifacts/" + name,
		DefaultQueueID:  queueID,
		HighlanderMode:  highlander,
		MaxRestarts:     1,
	})
	if err != nil {
		t.Fatalf("seed job definition %s: %v", name, err)
	}
	return jd
}

func seedNode(t *testing.T, g *gormGateway, name string) *domain.Node {
	t.Helper()
	n, err := g.CreateNode(dbctx.Background(), &domain.Node{
		Name:     name,
		RepoPath: "/repo/" + name,
		TmpPath:  "/tmp/" + name,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("seed node %s: %v", name, err)
	}
	return n
}

func seedInstance(t *testing.T, g *gormGateway, jd *domain.JobDefinition, queueID int64, priority int) *domain.JobInstance {
	t.Helper()
	inst, err := g.Enqueue(dbctx.Background(), &domain.JobInstance{
		JobDefinitionID: jd.ID,
		QueueID:         queueID,
		Priority:        priority,
	}, nil)
	if err != nil {
		t.Fatalf("seed instance for %s: %v", jd.ApplicationName, err)
	}
	return inst
}

// TestEnqueueRespectsQueueSizeBound exercises spec.md §8 scenario 6: a
// queue with maxSize=3 accepts three SUBMITTED instances and rejects a
// fourth with QueueFull (invariant 5).
func TestEnqueueRespectsQueueSizeBound(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "SlowQueue", 3)
	jd := seedJobDefinition(t, g, "TestApp", q.ID, false)

	for i := 0; i < 3; i++ {
		if _, err := g.Enqueue(dbctx.Background(), &domain.JobInstance{
			JobDefinitionID: jd.ID, QueueID: q.ID,
		}, nil); err != nil {
			t.Fatalf("enqueue %d: expected success, got %v", i, err)
		}
	}
	_, err := g.Enqueue(dbctx.Background(), &domain.JobInstance{
		JobDefinitionID: jd.ID, QueueID: q.ID,
	}, nil)
	if !errors.Is(err, apperr.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull on 4th enqueue, got %v", err)
	}
}

// TestEnqueuePersistsRuntimeParameters confirms parameters passed at
// enqueue round-trip through GetParameters (spec.md §8's merge property,
// the enqueue half of it).
func TestEnqueuePersistsRuntimeParameters(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "VIPQueue", 100)
	jd := seedJobDefinition(t, g, "TestApp", q.ID, false)

	inst, err := g.Enqueue(dbctx.Background(), &domain.JobInstance{
		JobDefinitionID: jd.ID, QueueID: q.ID, Priority: 42,
	}, map[string]string{"p1": "POUPETTE"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	params, err := g.GetParameters(dbctx.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get parameters: %v", err)
	}
	if params["p1"] != "POUPETTE" {
		t.Fatalf("expected p1=POUPETTE, got %q", params["p1"])
	}
}

// TestReserveNextIsScopedToQueue seeds spec.md §8 scenario 2's two
// queues: A on NormalQueue (priority 7), then B on VIPQueue (priority 42).
// ReserveNext only looks at the queue it is given, so a one-slot
// reservation on NormalQueue claims A even though B has the higher
// priority, and one on VIPQueue claims B and attributes it to the node.
// Priority ordering within one queue is covered by
// TestReserveNextOrdersByPriorityThenEnqueueTimeThenID.
func TestReserveNextIsScopedToQueue(t *testing.T) {
	g := newTestGateway(t)
	normal := seedQueue(t, g, "NormalQueue", 0)
	vip := seedQueue(t, g, "VIPQueue", 0)
	jd := seedJobDefinition(t, g, "TestApp", normal.ID, false)
	node := seedNode(t, g, "node1")

	a := seedInstance(t, g, jd, normal.ID, 7)
	time.Sleep(2 * time.Millisecond)
	b := seedInstance(t, g, jd, vip.ID, 42)

	claimedA, err := g.ReserveNext(dbctx.Background(), node.ID, normal.ID, 1)
	if err != nil {
		t.Fatalf("reserveNext normal: %v", err)
	}
	claimedB, err := g.ReserveNext(dbctx.Background(), node.ID, vip.ID, 1)
	if err != nil {
		t.Fatalf("reserveNext vip: %v", err)
	}
	if len(claimedA) != 1 || claimedA[0].ID != a.ID {
		t.Fatalf("expected to claim A(%d) from NormalQueue, got %+v", a.ID, claimedA)
	}
	if len(claimedB) != 1 || claimedB[0].ID != b.ID {
		t.Fatalf("expected to claim B(%d) from VIPQueue, got %+v", b.ID, claimedB)
	}
	if claimedB[0].State != domain.StateAttributed || claimedB[0].AttributedNode == nil || *claimedB[0].AttributedNode != node.ID {
		t.Fatalf("expected B attributed to node %d, got %+v", node.ID, claimedB[0])
	}
}

// TestReserveNextOrdersByPriorityThenEnqueueTimeThenID exercises the
// ordering invariant directly: same queue, same priority, ties broken by
// enqueueTime then id ascending (spec.md §8's reservation-ordering
// property).
func TestReserveNextOrdersByPriorityThenEnqueueTimeThenID(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "Q", 0)
	jd := seedJobDefinition(t, g, "TestApp", q.ID, false)
	node := seedNode(t, g, "node1")

	low := seedInstance(t, g, jd, q.ID, 1)
	time.Sleep(2 * time.Millisecond)
	hi1 := seedInstance(t, g, jd, q.ID, 5)
	time.Sleep(2 * time.Millisecond)
	hi2 := seedInstance(t, g, jd, q.ID, 5)

	claimed, err := g.ReserveNext(dbctx.Background(), node.ID, q.ID, 3)
	if err != nil {
		t.Fatalf("reserveNext: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	wantOrder := []int64{hi1.ID, hi2.ID, low.ID}
	for i, id := range wantOrder {
		if claimed[i].ID != id {
			t.Fatalf("position %d: expected instance %d, got %d", i, id, claimed[i].ID)
		}
	}
}

// TestReserveNextSkipsHighlanderActiveDefinition exercises spec.md §8
// scenario 3: a highlander JobDefinition with one instance already
// ATTRIBUTED is not reservable a second time, even with free capacity.
func TestReserveNextSkipsHighlanderActiveDefinition(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "Q", 0)
	jd := seedJobDefinition(t, g, "HighlanderApp", q.ID, true)
	node := seedNode(t, g, "node1")

	first := seedInstance(t, g, jd, q.ID, 0)
	second := seedInstance(t, g, jd, q.ID, 0)

	claimed1, err := g.ReserveNext(dbctx.Background(), node.ID, q.ID, 2)
	if err != nil {
		t.Fatalf("reserveNext (1st): %v", err)
	}
	if len(claimed1) != 1 || claimed1[0].ID != first.ID {
		t.Fatalf("expected to claim only the first instance, got %+v", claimed1)
	}

	// Second reservation attempt, with the first still ATTRIBUTED: the
	// second instance must remain unclaimed.
	claimed2, err := g.ReserveNext(dbctx.Background(), node.ID, q.ID, 2)
	if err != nil {
		t.Fatalf("reserveNext (2nd): %v", err)
	}
	if len(claimed2) != 0 {
		t.Fatalf("expected no instances claimed while highlander definition has an active instance, got %+v", claimed2)
	}

	// Once the first reaches a terminal state, the second becomes claimable.
	if err := g.Transition(dbctx.Background(), first.ID, domain.StateAttributed, domain.StateRunning, "runner_start", nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := g.Transition(dbctx.Background(), first.ID, domain.StateRunning, domain.StateEnded, "payload_end", nil); err != nil {
		t.Fatalf("transition to ended: %v", err)
	}
	claimed3, err := g.ReserveNext(dbctx.Background(), node.ID, q.ID, 2)
	if err != nil {
		t.Fatalf("reserveNext (3rd): %v", err)
	}
	if len(claimed3) != 1 || claimed3[0].ID != second.ID {
		t.Fatalf("expected the second instance claimable once the first is terminal, got %+v", claimed3)
	}
}

// TestTransitionRejectsStaleFrom confirms the CAS semantics spec.md §4.7
// requires: a Transition call observing a from that no longer matches the
// stored state fails with ErrStateConflict and performs no update.
func TestTransitionRejectsStaleFrom(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "Q", 0)
	jd := seedJobDefinition(t, g, "TestApp", q.ID, false)
	node := seedNode(t, g, "node1")
	inst := seedInstance(t, g, jd, q.ID, 0)

	claimed, err := g.ReserveNext(dbctx.Background(), node.ID, q.ID, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reserveNext: %v, %+v", err, claimed)
	}

	// Racing transition from SUBMITTED (already attributed) must lose.
	err = g.Transition(dbctx.Background(), inst.ID, domain.StateSubmitted, domain.StateAttributed, "reservation", nil)
	if !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	got, err := g.GetInstanceByID(dbctx.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.State != domain.StateAttributed {
		t.Fatalf("expected state to remain attributed after lost CAS, got %s", got.State)
	}
}

// TestRecoverCrashedTransitionsAttributedAndRunning exercises spec.md §8
// scenario 5: two instances left ATTRIBUTED/RUNNING on node N are both
// CRASHED by boot recovery, and an untouched instance on another node is
// left alone.
func TestRecoverCrashedTransitionsAttributedAndRunning(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "Q", 0)
	jd := seedJobDefinition(t, g, "TestApp", q.ID, false)
	nodeN := seedNode(t, g, "N")
	nodeM := seedNode(t, g, "M")

	attributed := seedInstance(t, g, jd, q.ID, 0)
	running := seedInstance(t, g, jd, q.ID, 0)
	elsewhere := seedInstance(t, g, jd, q.ID, 0)

	if _, err := g.ReserveNext(dbctx.Background(), nodeN.ID, q.ID, 1); err != nil {
		t.Fatalf("reserveNext attributed: %v", err)
	}
	if claimed, err := g.ReserveNext(dbctx.Background(), nodeN.ID, q.ID, 1); err != nil || len(claimed) != 1 {
		t.Fatalf("reserveNext running: %v, %+v", err, claimed)
	} else if err := g.Transition(dbctx.Background(), claimed[0].ID, domain.StateAttributed, domain.StateRunning, "runner_start", nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if _, err := g.ReserveNext(dbctx.Background(), nodeM.ID, q.ID, 1); err != nil {
		t.Fatalf("reserveNext elsewhere: %v", err)
	}

	recoveredIDs, err := g.RecoverCrashed(dbctx.Background(), nodeN.ID)
	if err != nil {
		t.Fatalf("recoverCrashed: %v", err)
	}
	if len(recoveredIDs) != 2 {
		t.Fatalf("expected 2 recovered instances, got %d (%v)", len(recoveredIDs), recoveredIDs)
	}

	for _, id := range []int64{attributed.ID, running.ID} {
		got, err := g.GetInstanceByID(dbctx.Background(), id)
		if err != nil {
			t.Fatalf("get instance %d: %v", id, err)
		}
		if got.State != domain.StateCrashed {
			t.Fatalf("expected instance %d crashed, got %s", id, got.State)
		}
	}

	got, err := g.GetInstanceByID(dbctx.Background(), elsewhere.ID)
	if err != nil {
		t.Fatalf("get instance %d: %v", elsewhere.ID, err)
	}
	if got.State != domain.StateAttributed {
		t.Fatalf("expected instance on node M untouched, got %s", got.State)
	}
}

// TestArchiveTerminalIsIdempotentAndRequiresTerminal exercises invariant 6
// (a HistoryRecord exists for every instance that reached a terminal
// state, and only one) plus the guard against archiving a non-terminal
// instance.
func TestArchiveTerminalIsIdempotentAndRequiresTerminal(t *testing.T) {
	g := newTestGateway(t)
	q := seedQueue(t, g, "Q", 0)
	jd := seedJobDefinition(t, g, "TestApp", q.ID, false)
	node := seedNode(t, g, "node1")
	inst := seedInstance(t, g, jd, q.ID, 0)

	if err := g.ArchiveTerminal(dbctx.Background(), inst.ID); err == nil {
		t.Fatalf("expected error archiving a non-terminal instance")
	}

	claimed, err := g.ReserveNext(dbctx.Background(), node.ID, q.ID, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reserveNext: %v, %+v", err, claimed)
	}
	if err := g.Transition(dbctx.Background(), inst.ID, domain.StateAttributed, domain.StateRunning, "runner_start", nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := g.Transition(dbctx.Background(), inst.ID, domain.StateRunning, domain.StateEnded, "payload_end", nil); err != nil {
		t.Fatalf("transition to ended: %v", err)
	}

	if err := g.ArchiveTerminal(dbctx.Background(), inst.ID); err != nil {
		t.Fatalf("archive terminal: %v", err)
	}
	// Archiving twice (e.g. crash recovery racing finalize) must be a no-op,
	// not a duplicate HistoryRecord or an error.
	if err := g.ArchiveTerminal(dbctx.Background(), inst.ID); err != nil {
		t.Fatalf("archive terminal (idempotent repeat): %v", err)
	}

	var count int64
	if err := g.db.Model(&domain.HistoryRecord{}).Where("instance_id = ?", inst.ID).Count(&count).Error; err != nil {
		t.Fatalf("count history records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one HistoryRecord, got %d", count)
	}
}
