package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

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

func seedLedger(t *testing.T, db *gorm.DB) {
	t.Helper()
	now := time.Now().UTC()
	eq := storage.Equivalent{Code: "HOUR", Precision: 2, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&eq).Error; err != nil {
		t.Fatalf("seed equivalent: %v", err)
	}
	line := storage.TrustLine{
		ID: uuid.New(), FromParticipant: "bob", ToParticipant: "alice",
		Equivalent: "HOUR", Limit: "50", Status: storage.TrustLineActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := line.EncodePolicy(storage.Policy{AutoClearing: true, CanBeIntermediate: true}); err != nil {
		t.Fatalf("encode policy: %v", err)
	}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("seed line: %v", err)
	}
	debt := storage.Debt{
		ID: uuid.New(), Debtor: "alice", Creditor: "bob",
		Equivalent: "HOUR", Amount: "30", CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&debt).Error; err != nil {
		t.Fatalf("seed debt: %v", err)
	}
}

func TestReporterRunWritesArtefacts(t *testing.T) {
	db := setupTestDB(t)
	seedLedger(t, db)
	outDir := t.TempDir()
	runDay := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)

	reporter, err := NewReporter(Config{
		DB:        db,
		OutputDir: outDir,
		Now:       func() time.Time { return runDay },
	})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	result, err := reporter.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Report.Clean() {
		t.Fatalf("clean ledger reported violations: %+v", result.Report.Violations)
	}
	if result.Dir != filepath.Join(outDir, "20260824") {
		t.Fatalf("run dir: %s", result.Dir)
	}
	if len(result.Files) != 1 {
		t.Fatalf("got %d ledger files, want 1", len(result.Files))
	}
	file := result.Files[0]
	if file.Equivalent != "HOUR" || file.Rows != 1 {
		t.Fatalf("ledger file: %+v", file)
	}

	f, err := os.Open(file.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("csv rows: %d, want header + 1", len(records))
	}
	if records[1][0] != "alice" || records[1][1] != "bob" || records[1][3] != "30" {
		t.Fatalf("csv row: %v", records[1])
	}

	if info, err := os.Stat(file.ParquetPath); err != nil || info.Size() == 0 {
		t.Fatalf("parquet snapshot missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(result.Dir, "report.json")); err != nil {
		t.Fatalf("report.json missing: %v", err)
	}
}

func TestReporterRecordsViolations(t *testing.T) {
	db := setupTestDB(t)
	seedLedger(t, db)
	// Push the debt over its line limit.
	if err := db.Model(&storage.Debt{}).Where("debtor = ?", "alice").
		Update("amount", "80").Error; err != nil {
		t.Fatalf("update debt: %v", err)
	}

	reporter, err := NewReporter(Config{DB: db, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	result, err := reporter.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Report.Clean() {
		t.Fatalf("over-limit debt not reported")
	}
	if result.Report.Violations[0].Property != "trust_limit" {
		t.Fatalf("violation property: %s", result.Report.Violations[0].Property)
	}
}

func TestReporterPrunesExpiredRuns(t *testing.T) {
	db := setupTestDB(t)
	seedLedger(t, db)
	outDir := t.TempDir()
	runDay := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)

	// A run old enough to fall out of the 30 day window, one inside it, and
	// an unrelated directory that must survive.
	for _, name := range []string{"20260101", "20260810", "scratch"} {
		if err := os.MkdirAll(filepath.Join(outDir, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	reporter, err := NewReporter(Config{
		DB:            db,
		OutputDir:     outDir,
		RetentionDays: 30,
		Now:           func() time.Time { return runDay },
	})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	result, err := reporter.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Pruned != 1 {
		t.Fatalf("pruned %d dirs, want 1", result.Pruned)
	}
	if _, err := os.Stat(filepath.Join(outDir, "20260101")); !os.IsNotExist(err) {
		t.Fatalf("expired run dir survived")
	}
	if _, err := os.Stat(filepath.Join(outDir, "20260810")); err != nil {
		t.Fatalf("recent run dir pruned: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "scratch")); err != nil {
		t.Fatalf("unrelated dir pruned: %v", err)
	}
}
