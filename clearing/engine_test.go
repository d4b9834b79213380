package clearing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"geohub/core/errors"
	"geohub/core/events"
	"geohub/storage"
)

type recordEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordEmitter) cleared() []events.ClearingCommitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ClearingCommitted
	for _, evt := range r.events {
		if c, ok := evt.(events.ClearingCommitted); ok {
			out = append(out, c)
		}
	}
	return out
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func setupEngine(t *testing.T) (*Engine, *gorm.DB, *recordEmitter) {
	t.Helper()
	db := setupTestDB(t)
	emitter := &recordEmitter{}
	engine := New(storage.NewWithDB(db), emitter, Config{
		TriggerMaxLen:   4,
		PeriodicMaxLen:  6,
		MaxCyclesPerRun: 10,
	}, nil)
	return engine, db, emitter
}

func seedEquivalent(t *testing.T, db *gorm.DB, code string) {
	t.Helper()
	now := time.Now().UTC()
	eq := storage.Equivalent{Code: code, Precision: 2, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&eq).Error; err != nil {
		t.Fatalf("seed equivalent: %v", err)
	}
}

func seedLine(t *testing.T, db *gorm.DB, from, to, limit string, policy storage.Policy) {
	t.Helper()
	now := time.Now().UTC()
	line := storage.TrustLine{
		ID: uuid.New(), FromParticipant: from, ToParticipant: to,
		Equivalent: "HOUR", Limit: limit, Status: storage.TrustLineActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := line.EncodePolicy(policy); err != nil {
		t.Fatalf("encode policy: %v", err)
	}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("seed line: %v", err)
	}
}

func seedDebt(t *testing.T, db *gorm.DB, debtor, creditor, amount string) {
	t.Helper()
	now := time.Now().UTC()
	d := storage.Debt{
		ID: uuid.New(), Debtor: debtor, Creditor: creditor,
		Equivalent: "HOUR", Amount: amount, CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("seed debt: %v", err)
	}
}

var clearingPolicy = storage.Policy{AutoClearing: true, CanBeIntermediate: true}

// seedTriangle builds the canonical alice->bob->carol->alice debt loop with
// covering lines on every edge.
func seedTriangle(t *testing.T, db *gorm.DB, ab, bc, ca string) {
	t.Helper()
	seedLine(t, db, "bob", "alice", "50", clearingPolicy)
	seedLine(t, db, "carol", "bob", "50", clearingPolicy)
	seedLine(t, db, "alice", "carol", "50", clearingPolicy)
	seedDebt(t, db, "alice", "bob", ab)
	seedDebt(t, db, "bob", "carol", bc)
	seedDebt(t, db, "carol", "alice", ca)
}

func debtAmount(t *testing.T, db *gorm.DB, debtor, creditor string) string {
	t.Helper()
	d, err := storage.GetDebt(db, debtor, creditor, "HOUR")
	if err == storage.ErrNotFound {
		return ""
	}
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	return d.Amount
}

func TestDiscoverTriangle(t *testing.T) {
	db := setupTestDB(t)
	seedTriangle(t, db, "10", "4", "7")

	cycles, err := Discover(db, "HOUR", 3, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	c := cycles[0]
	want := []string{"alice", "bob", "carol"}
	for i, pid := range want {
		if c.Path[i] != pid {
			t.Fatalf("path: %v, want %v", c.Path, want)
		}
	}
	if c.Delta != "4" {
		t.Fatalf("delta: %s, want 4 (minimum edge)", c.Delta)
	}
}

func TestDiscoverSkipsReservedEdges(t *testing.T) {
	db := setupTestDB(t)
	seedTriangle(t, db, "10", "4", "7")
	now := time.Now().UTC()
	lock := storage.PrepareLock{
		ID: uuid.New(), TxID: uuid.New(), Debtor: "bob", Creditor: "carol",
		Equivalent: "HOUR", Amount: "2", ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	if err := db.Create(&lock).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	cycles, err := Discover(db, "HOUR", 3, 0, now)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 0 {
		t.Fatalf("reserved edge surfaced %d cycles", len(cycles))
	}

	// An expired reservation no longer blocks discovery.
	cycles, err = Discover(db, "HOUR", 3, 0, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("expired lock still blocks: %d cycles", len(cycles))
	}
}

func TestDiscoverQuadrilateral(t *testing.T) {
	db := setupTestDB(t)
	seedDebt(t, db, "alice", "bob", "8")
	seedDebt(t, db, "bob", "carol", "5")
	seedDebt(t, db, "carol", "dave", "9")
	seedDebt(t, db, "dave", "alice", "6")

	cycles, err := Discover(db, "HOUR", 3, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 0 {
		t.Fatalf("triangle scan found a 4-cycle: %v", cycles)
	}
	cycles, err = Discover(db, "HOUR", 4, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	if len(cycles[0].Path) != 4 || cycles[0].Delta != "5" {
		t.Fatalf("cycle: %+v", cycles[0])
	}
}

func TestDiscoverLongCycle(t *testing.T) {
	db := setupTestDB(t)
	ring := []string{"alice", "bob", "carol", "dave", "erin"}
	for i, debtor := range ring {
		seedDebt(t, db, debtor, ring[(i+1)%len(ring)], "3")
	}

	cycles, err := Discover(db, "HOUR", 4, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 0 {
		t.Fatalf("depth-4 scan found a 5-cycle: %v", cycles)
	}
	cycles, err = Discover(db, "HOUR", 5, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 1 || len(cycles[0].Path) != 5 {
		t.Fatalf("cycles: %+v", cycles)
	}
}

func TestDiscoverTouchingFilters(t *testing.T) {
	db := setupTestDB(t)
	seedTriangle(t, db, "10", "4", "7")

	touched, err := DiscoverTouching(db, "HOUR", [][2]string{{"alice", "bob"}}, 4, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover touching: %v", err)
	}
	if len(touched) != 1 {
		t.Fatalf("touching pair missed the cycle: %d", len(touched))
	}
	touched, err = DiscoverTouching(db, "HOUR", [][2]string{{"dave", "erin"}}, 4, 0, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover touching: %v", err)
	}
	if len(touched) != 0 {
		t.Fatalf("unrelated pair matched %d cycles", len(touched))
	}
}

func TestRunOnceNetsTriangle(t *testing.T) {
	engine, db, emitter := setupEngine(t)
	seedEquivalent(t, db, "HOUR")
	seedTriangle(t, db, "10", "4", "7")

	applied, err := engine.RunOnce(context.Background(), "HOUR", 3)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied %d cycles, want 1", applied)
	}
	// Every edge drops by the minimum; the minimum edge disappears.
	if got := debtAmount(t, db, "alice", "bob"); got != "6" {
		t.Fatalf("alice->bob: %q, want 6", got)
	}
	if got := debtAmount(t, db, "bob", "carol"); got != "" {
		t.Fatalf("zero edge survived: %q", got)
	}
	if got := debtAmount(t, db, "carol", "alice"); got != "3" {
		t.Fatalf("carol->alice: %q, want 3", got)
	}

	var record storage.Transaction
	if err := db.Where("type = ?", storage.TxTypeClearing).First(&record).Error; err != nil {
		t.Fatalf("clearing transaction not recorded: %v", err)
	}
	if record.State != storage.TxStateCommitted {
		t.Fatalf("clearing record state: %s", record.State)
	}

	cleared := emitter.cleared()
	if len(cleared) != 1 || cleared[0].Delta != "4" {
		t.Fatalf("cleared events: %+v", cleared)
	}
}

func TestRunOnceRespectsAutoClearingOptOut(t *testing.T) {
	engine, db, _ := setupEngine(t)
	seedEquivalent(t, db, "HOUR")
	seedLine(t, db, "bob", "alice", "50", clearingPolicy)
	seedLine(t, db, "carol", "bob", "50", storage.Policy{AutoClearing: false, CanBeIntermediate: true})
	seedLine(t, db, "alice", "carol", "50", clearingPolicy)
	seedDebt(t, db, "alice", "bob", "10")
	seedDebt(t, db, "bob", "carol", "4")
	seedDebt(t, db, "carol", "alice", "7")

	applied, err := engine.RunOnce(context.Background(), "HOUR", 3)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if applied != 0 {
		t.Fatalf("opted-out line was netted: %d cycles", applied)
	}
	if got := debtAmount(t, db, "alice", "bob"); got != "10" {
		t.Fatalf("debt changed despite opt-out: %q", got)
	}
}

func TestRunOnceSkipsReservedCycle(t *testing.T) {
	engine, db, _ := setupEngine(t)
	seedEquivalent(t, db, "HOUR")
	seedTriangle(t, db, "10", "4", "7")
	now := time.Now().UTC()
	lock := storage.PrepareLock{
		ID: uuid.New(), TxID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "2", ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	if err := db.Create(&lock).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	applied, err := engine.RunOnce(context.Background(), "HOUR", 3)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if applied != 0 {
		t.Fatalf("reserved cycle was netted: %d", applied)
	}
}

func TestRunOnceCascades(t *testing.T) {
	engine, db, _ := setupEngine(t)
	seedEquivalent(t, db, "HOUR")
	// Two triangles sharing the alice->bob edge. Netting one changes the
	// edge set the next discovery sees.
	seedTriangle(t, db, "10", "4", "7")
	seedLine(t, db, "dave", "bob", "50", clearingPolicy)
	seedLine(t, db, "alice", "dave", "50", clearingPolicy)
	seedDebt(t, db, "bob", "dave", "3")
	seedDebt(t, db, "dave", "alice", "5")

	applied, err := engine.RunOnce(context.Background(), "HOUR", 3)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied %d cycles, want 2", applied)
	}
	// alice->bob carried both cycles: 10 - 4 - 3 = 3.
	if got := debtAmount(t, db, "alice", "bob"); got != "3" {
		t.Fatalf("alice->bob: %q, want 3", got)
	}
}

func TestListDoesNotMutate(t *testing.T) {
	engine, db, _ := setupEngine(t)
	seedEquivalent(t, db, "HOUR")
	seedTriangle(t, db, "10", "4", "7")

	cycles, err := engine.List(context.Background(), "HOUR", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	if got := debtAmount(t, db, "bob", "carol"); got != "4" {
		t.Fatalf("list mutated debts: %q", got)
	}
	var count int64
	if err := db.Model(&storage.Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("list recorded %d transactions", count)
	}
}

func TestApplyRollbackPublishesNothing(t *testing.T) {
	engine, db, emitter := setupEngine(t)
	seedEquivalent(t, db, "HOUR")
	seedTriangle(t, db, "10", "4", "7")
	// A symmetric counter-debt makes the post-netting pair check fail, so
	// the whole application must roll back.
	seedDebt(t, db, "bob", "alice", "5")

	cycles, err := Discover(db, "HOUR", 3, 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}

	applied, err := engine.Apply(context.Background(), cycles[0])
	if applied {
		t.Fatalf("violating cycle reported as applied")
	}
	if errors.CodeOf(err) != errors.CodeInvariantViolation {
		t.Fatalf("want INVARIANT_VIOLATION, got %v", err)
	}
	// Nothing netted, nothing recorded, nothing published.
	if got := debtAmount(t, db, "alice", "bob"); got != "10" {
		t.Fatalf("alice->bob after rollback: %q, want 10", got)
	}
	if got := debtAmount(t, db, "bob", "carol"); got != "4" {
		t.Fatalf("bob->carol after rollback: %q, want 4", got)
	}
	var records int64
	if err := db.Model(&storage.Transaction{}).
		Where("type = ?", storage.TxTypeClearing).Count(&records).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if records != 0 {
		t.Fatalf("rolled-back apply recorded %d transactions", records)
	}
	if got := emitter.cleared(); len(got) != 0 {
		t.Fatalf("rolled-back apply published %d events", len(got))
	}
}
