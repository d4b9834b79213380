package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedParticipant(t *testing.T, db *gorm.DB, pid string) {
	t.Helper()
	now := time.Now().UTC()
	p := Participant{PID: pid, PublicKey: pid + "-key", Status: ParticipantActive, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed participant %s: %v", pid, err)
	}
}

func seedEquivalent(t *testing.T, db *gorm.DB, code string, precision int32) {
	t.Helper()
	now := time.Now().UTC()
	eq := Equivalent{Code: code, Precision: precision, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&eq).Error; err != nil {
		t.Fatalf("seed equivalent %s: %v", code, err)
	}
}

func seedTrustLine(t *testing.T, db *gorm.DB, from, to, equivalent, limit string) {
	t.Helper()
	now := time.Now().UTC()
	line := TrustLine{
		ID: uuid.New(), FromParticipant: from, ToParticipant: to,
		Equivalent: equivalent, Limit: limit, Status: TrustLineActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := line.EncodePolicy(Policy{AutoClearing: true, CanBeIntermediate: true}); err != nil {
		t.Fatalf("encode policy: %v", err)
	}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("seed trust line %s->%s: %v", from, to, err)
	}
}

func seedDebt(t *testing.T, db *gorm.DB, debtor, creditor, equivalent, amount string) {
	t.Helper()
	now := time.Now().UTC()
	d := Debt{
		ID: uuid.New(), Debtor: debtor, Creditor: creditor,
		Equivalent: equivalent, Amount: amount, CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("seed debt %s->%s: %v", debtor, creditor, err)
	}
}

func TestPointLookups(t *testing.T) {
	db := setupTestDB(t)
	seedParticipant(t, db, "alice")
	seedEquivalent(t, db, "HOUR", 2)
	seedTrustLine(t, db, "alice", "bob", "HOUR", "50")

	if _, err := GetParticipant(db, "alice"); err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if _, err := GetParticipant(db, "nobody"); err != ErrNotFound {
		t.Fatalf("missing participant: want ErrNotFound, got %v", err)
	}
	if _, err := GetEquivalent(db, "hour"); err != nil {
		t.Fatalf("equivalent lookup is case-insensitive on input: %v", err)
	}
	if _, err := GetTrustLine(db, "alice", "bob", "HOUR"); err != nil {
		t.Fatalf("get trust line: %v", err)
	}
	if _, err := GetTrustLine(db, "bob", "alice", "HOUR"); err != ErrNotFound {
		t.Fatalf("reverse trust line: want ErrNotFound, got %v", err)
	}
}

func TestLockSweepQueries(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	liveTx := uuid.New()
	expiredTx := uuid.New()
	orphanTx := uuid.New()

	mkTx := func(id uuid.UUID, state string) {
		tx := Transaction{
			TxID: id, Type: TxTypePayment, Initiator: "alice",
			Payload: "{}", State: state, Equivalent: "HOUR",
			CreatedAt: now, UpdatedAt: now,
		}
		if err := db.Create(&tx).Error; err != nil {
			t.Fatalf("seed tx: %v", err)
		}
	}
	mkTx(liveTx, TxStatePrepared)
	mkTx(expiredTx, TxStatePrepared)
	mkTx(orphanTx, TxStateCommitted)

	mkLock := func(tx uuid.UUID, expires time.Time) {
		lock := PrepareLock{
			ID: uuid.New(), TxID: tx, Debtor: "alice", Creditor: "bob",
			Equivalent: "HOUR", Amount: "5", ExpiresAt: expires, CreatedAt: now,
		}
		if err := db.Create(&lock).Error; err != nil {
			t.Fatalf("seed lock: %v", err)
		}
	}
	mkLock(liveTx, now.Add(time.Minute))
	mkLock(expiredTx, now.Add(-time.Minute))
	mkLock(orphanTx, now.Add(time.Minute))

	expired, err := ExpiredLockTxIDs(db, now)
	if err != nil {
		t.Fatalf("expired lock sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != expiredTx {
		t.Fatalf("expired sweep: got %v, want [%s]", expired, expiredTx)
	}

	orphans, err := OrphanLockTxIDs(db)
	if err != nil {
		t.Fatalf("orphan lock sweep: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != orphanTx {
		t.Fatalf("orphan sweep: got %v, want [%s]", orphans, orphanTx)
	}

	live, err := ActivePrepareLocks(db, "HOUR", now)
	if err != nil {
		t.Fatalf("active locks: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("active locks: got %d, want 2 (live + orphan, both unexpired)", len(live))
	}

	if err := DeleteLocksForTx(db, liveTx); err != nil {
		t.Fatalf("delete locks: %v", err)
	}
	remaining, err := LocksForTx(db, liveTx)
	if err != nil {
		t.Fatalf("locks for tx: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("locks survived deletion: %v", remaining)
	}
}

func TestIdempotencyKeyLookup(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	key := "retry-1"
	tx := Transaction{
		TxID: uuid.New(), Type: TxTypePayment, Initiator: "alice",
		Payload: "{}", State: TxStateCommitted, Equivalent: "HOUR",
		IdempotencyKey: &key, CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&tx).Error; err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	found, err := GetTransactionByIdempotencyKey(db, key)
	if err != nil {
		t.Fatalf("lookup by key: %v", err)
	}
	if found.TxID != tx.TxID {
		t.Fatalf("lookup returned %s, want %s", found.TxID, tx.TxID)
	}
	if _, err := GetTransactionByIdempotencyKey(db, "other"); err != ErrNotFound {
		t.Fatalf("missing key: want ErrNotFound, got %v", err)
	}
}

func TestListPayments(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	mk := func(initiator, to, state string, created time.Time) {
		tx := Transaction{
			TxID: uuid.New(), Type: TxTypePayment, Initiator: initiator,
			Payload: fmt.Sprintf(`{"from":%q,"to":%q}`, initiator, to),
			State:   state, Equivalent: "HOUR", CreatedAt: created, UpdatedAt: created,
		}
		if err := db.Create(&tx).Error; err != nil {
			t.Fatalf("seed tx: %v", err)
		}
	}
	mk("alice", "bob", TxStateCommitted, now.Add(-3*time.Hour))
	mk("alice", "carol", TxStateAborted, now.Add(-2*time.Hour))
	mk("bob", "alice", TxStateCommitted, now.Add(-time.Hour))

	all, err := ListPayments(db, PaymentFilter{Participant: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("participant filter: got %d, want 3", len(all))
	}
	if all[0].Initiator != "bob" {
		t.Fatalf("ordering: newest first expected, got initiator %s", all[0].Initiator)
	}

	outgoing, err := ListPayments(db, PaymentFilter{Participant: "alice", Direction: "outgoing"})
	if err != nil {
		t.Fatalf("list outgoing: %v", err)
	}
	if len(outgoing) != 2 {
		t.Fatalf("outgoing: got %d, want 2", len(outgoing))
	}

	incoming, err := ListPayments(db, PaymentFilter{Participant: "alice", Direction: "incoming"})
	if err != nil {
		t.Fatalf("list incoming: %v", err)
	}
	if len(incoming) != 1 || incoming[0].Initiator != "bob" {
		t.Fatalf("incoming: got %+v", incoming)
	}

	committed, err := ListPayments(db, PaymentFilter{Participant: "alice", State: TxStateCommitted})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("state filter: got %d, want 2", len(committed))
	}

	cutoff := now.Add(-90 * time.Minute)
	recent, err := ListPayments(db, PaymentFilter{Participant: "alice", FromDate: &cutoff})
	if err != nil {
		t.Fatalf("list by date: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("date filter: got %d, want 1", len(recent))
	}
}

func TestBalanceSummaries(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	seedEquivalent(t, db, "HOUR", 2)
	for _, pid := range []string{"alice", "bob", "carol"} {
		seedParticipant(t, db, pid)
	}
	// bob trusts alice for 50: alice may spend up to 50 toward bob.
	seedTrustLine(t, db, "bob", "alice", "HOUR", "50")
	// alice trusts carol for 30: carol may spend toward alice; alice can receive.
	seedTrustLine(t, db, "alice", "carol", "HOUR", "30")
	// alice already owes bob 20.
	seedDebt(t, db, "alice", "bob", "HOUR", "20")
	// carol owes alice 5.
	seedDebt(t, db, "carol", "alice", "HOUR", "5")
	// a live reservation of 10 on alice->bob.
	lock := PrepareLock{
		ID: uuid.New(), TxID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "10", ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	if err := db.Create(&lock).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	summaries, err := BalanceSummaries(db, "alice", now)
	if err != nil {
		t.Fatalf("balance summaries: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Equivalent != "HOUR" {
		t.Fatalf("equivalent: %s", s.Equivalent)
	}
	if s.TotalDebt.String() != "20" {
		t.Fatalf("total debt: %s, want 20", s.TotalDebt)
	}
	if s.TotalCredit.String() != "5" {
		t.Fatalf("total credit: %s, want 5", s.TotalCredit)
	}
	if s.NetBalance.String() != "-15" {
		t.Fatalf("net balance: %s, want -15", s.NetBalance)
	}
	// Spend: limit 50 - debt 20 - reserved 10 = 20.
	if s.AvailableToSpend.String() != "20" {
		t.Fatalf("available to spend: %s, want 20", s.AvailableToSpend)
	}
	// Receive: carol->alice capacity = limit 30 - debt 5 = 25.
	if s.AvailableToReceive.String() != "25" {
		t.Fatalf("available to receive: %s, want 25", s.AvailableToReceive)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := setupTestDB(t)
	store := NewWithDB(db)
	seedEquivalent(t, db, "HOUR", 2)

	err := store.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Model(&Equivalent{}).Where("code = ?", "HOUR").
			Update("active", false).Error; err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatalf("expected error from WithTx")
	}
	eq, err := GetEquivalent(db, "HOUR")
	if err != nil {
		t.Fatalf("reload equivalent: %v", err)
	}
	if !eq.Active {
		t.Fatalf("update survived rollback")
	}
}
