package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/core/errors"
	"geohub/storage"
)

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

func open(t *testing.T) (*Router, *gorm.DB) {
	t.Helper()
	return New(Config{MaxPathLength: 6, MaxPaths: 3, Budget: time.Second}), setupTestDB(t)
}

var openPolicy = storage.Policy{AutoClearing: true, CanBeIntermediate: true}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFindRoutesDirect(t *testing.T) {
	r, db := open(t)
	// bob extends 50 to alice, so alice may pay bob directly.
	seedLine(t, db, "bob", "alice", "50", openPolicy)

	plan, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("30"))
	if err != nil {
		t.Fatalf("find routes: %v", err)
	}
	if len(plan.Paths) != 1 {
		t.Fatalf("got %d paths, want 1", len(plan.Paths))
	}
	p := plan.Paths[0]
	if len(p.Hops) != 2 || p.Hops[0] != "alice" || p.Hops[1] != "bob" {
		t.Fatalf("hops: %v", p.Hops)
	}
	if !p.Amount.Equal(amt("30")) {
		t.Fatalf("flow: %s, want 30", p.Amount)
	}
}

func TestFindRoutesTransitive(t *testing.T) {
	r, db := open(t)
	// alice -> bob -> carol: bob trusts alice, carol trusts bob.
	seedLine(t, db, "bob", "alice", "40", openPolicy)
	seedLine(t, db, "carol", "bob", "25", openPolicy)

	plan, err := r.FindRoutes(context.Background(), db, "alice", "carol", "HOUR", amt("20"))
	if err != nil {
		t.Fatalf("find routes: %v", err)
	}
	if len(plan.Paths) != 1 {
		t.Fatalf("got %d paths, want 1", len(plan.Paths))
	}
	want := []string{"alice", "bob", "carol"}
	for i, hop := range want {
		if plan.Paths[0].Hops[i] != hop {
			t.Fatalf("hops: %v, want %v", plan.Paths[0].Hops, want)
		}
	}
}

func TestFindRoutesMultipathSplit(t *testing.T) {
	r, db := open(t)
	// Two disjoint routes alice->dave of 10 each; request 15 must split.
	seedLine(t, db, "bob", "alice", "10", openPolicy)
	seedLine(t, db, "dave", "bob", "10", openPolicy)
	seedLine(t, db, "carol", "alice", "10", openPolicy)
	seedLine(t, db, "dave", "carol", "10", openPolicy)

	plan, err := r.FindRoutes(context.Background(), db, "alice", "dave", "HOUR", amt("15"))
	if err != nil {
		t.Fatalf("find routes: %v", err)
	}
	if len(plan.Paths) != 2 {
		t.Fatalf("got %d paths, want 2", len(plan.Paths))
	}
	if !plan.TotalAmount().Equal(amt("15")) {
		t.Fatalf("total: %s, want 15", plan.TotalAmount())
	}
}

func TestFindRoutesInsufficient(t *testing.T) {
	r, db := open(t)
	seedLine(t, db, "bob", "alice", "10", openPolicy)
	_, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("20"))
	if errors.CodeOf(err) != errors.CodeInsufficientCapacity {
		t.Fatalf("want INSUFFICIENT_CAPACITY, got %v", err)
	}
}

func TestFindRoutesHonorsDebtHeadroom(t *testing.T) {
	r, db := open(t)
	seedLine(t, db, "bob", "alice", "50", openPolicy)
	now := time.Now().UTC()
	// alice already owes 45; only 5 headroom remains.
	debt := storage.Debt{
		ID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "45", CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&debt).Error; err != nil {
		t.Fatalf("seed debt: %v", err)
	}
	if _, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("6")); errors.CodeOf(err) != errors.CodeInsufficientCapacity {
		t.Fatalf("want INSUFFICIENT_CAPACITY, got %v", err)
	}
	if _, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("5")); err != nil {
		t.Fatalf("headroom payment failed: %v", err)
	}
	// The reverse direction gains capacity from the debt: bob can push 45
	// back over a line with no explicit limit for him.
	seedLine(t, db, "alice", "bob", "0.01", openPolicy)
	plan, err := r.FindRoutes(context.Background(), db, "bob", "alice", "HOUR", amt("45"))
	if err != nil {
		t.Fatalf("repayment routing failed: %v", err)
	}
	if len(plan.Paths) != 1 {
		t.Fatalf("got %d paths, want 1", len(plan.Paths))
	}
}

func TestFindRoutesRespectsReservations(t *testing.T) {
	r, db := open(t)
	seedLine(t, db, "bob", "alice", "50", openPolicy)
	now := time.Now().UTC()
	lock := storage.PrepareLock{
		ID: uuid.New(), TxID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "48", ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	if err := db.Create(&lock).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if _, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("3")); errors.CodeOf(err) != errors.CodeInsufficientCapacity {
		t.Fatalf("reserved capacity reused: %v", err)
	}
}

func TestFindRoutesPolicyGates(t *testing.T) {
	r, db := open(t)
	// bob's line to carol forbids intermediate hops: alice cannot route
	// through carol.
	seedLine(t, db, "carol", "alice", "40", openPolicy)
	seedLine(t, db, "bob", "carol", "40", storage.Policy{AutoClearing: true, CanBeIntermediate: false})
	if _, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("10")); errors.CodeOf(err) != errors.CodeInsufficientCapacity {
		t.Fatalf("non-transit line used as intermediate: %v", err)
	}
	// carol herself may still pay bob over it.
	if _, err := r.FindRoutes(context.Background(), db, "carol", "bob", "HOUR", amt("10")); err != nil {
		t.Fatalf("first-hop use rejected: %v", err)
	}
}

func TestFindRoutesBlockedSender(t *testing.T) {
	r, db := open(t)
	seedLine(t, db, "carol", "alice", "40", openPolicy)
	seedLine(t, db, "bob", "carol", "40", storage.Policy{
		AutoClearing: true, CanBeIntermediate: true, BlockedParticipants: []string{"alice"},
	})
	if _, err := r.FindRoutes(context.Background(), db, "alice", "bob", "HOUR", amt("10")); errors.CodeOf(err) != errors.CodeInsufficientCapacity {
		t.Fatalf("blocked sender routed: %v", err)
	}
}

func TestLiveCapacity(t *testing.T) {
	_, db := open(t)
	seedLine(t, db, "bob", "alice", "50", openPolicy)
	now := time.Now().UTC()
	debt := storage.Debt{
		ID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "20", CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&debt).Error; err != nil {
		t.Fatalf("seed debt: %v", err)
	}
	lock := storage.PrepareLock{
		ID: uuid.New(), TxID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "10", ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	if err := db.Create(&lock).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	capacity, err := LiveCapacity(db, "alice", "bob", "HOUR", now, uuid.Nil)
	if err != nil {
		t.Fatalf("live capacity: %v", err)
	}
	if !capacity.Equal(amt("20")) {
		t.Fatalf("capacity: %s, want 20 (50 - 20 - 10)", capacity)
	}
	// Excluding the lock's own transaction restores its reservation.
	capacity, err = LiveCapacity(db, "alice", "bob", "HOUR", now, lock.TxID)
	if err != nil {
		t.Fatalf("live capacity: %v", err)
	}
	if !capacity.Equal(amt("30")) {
		t.Fatalf("capacity: %s, want 30 with own lock excluded", capacity)
	}
	// Reverse direction: 20 of debt is repayable even without a line... but
	// a line must exist for the segment at all.
	capacity, err = LiveCapacity(db, "bob", "alice", "HOUR", now, uuid.Nil)
	if err != nil {
		t.Fatalf("live capacity: %v", err)
	}
	if !capacity.IsZero() {
		t.Fatalf("capacity without a covering line: %s, want 0", capacity)
	}
}

func TestCapacityQuery(t *testing.T) {
	r, db := open(t)
	seedLine(t, db, "bob", "alice", "50", openPolicy)
	want := amt("30")
	info, err := r.Capacity(context.Background(), db, "alice", "bob", "HOUR", &want)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if !info.CanPay {
		t.Fatalf("expected CanPay for 30 of 50")
	}
	if info.MaxAmountStr != "50" {
		t.Fatalf("max amount: %s, want 50", info.MaxAmountStr)
	}
	if info.EstimatedHops != 1 {
		t.Fatalf("estimated hops: %d, want 1", info.EstimatedHops)
	}
}
