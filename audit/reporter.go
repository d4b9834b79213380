// Package audit materialises periodic integrity reports: a full invariant
// audit plus a snapshot of the debt ledger, written as CSV and Parquet
// artefacts for offline analysis. Reports are grouped per run date and
// pruned after the retention window.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"geohub/invariant"
	"geohub/storage"
)

// DefaultRetentionDays keeps reports for 18 months.
const DefaultRetentionDays = 545

// Config captures the dependencies required to construct a Reporter.
type Config struct {
	DB            *gorm.DB
	OutputDir     string
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Reporter runs the invariant audit and writes ledger snapshots to disk.
type Reporter struct {
	db            *gorm.DB
	outputDir     string
	retentionDays int
	now           func() time.Time
	log           *slog.Logger
}

// LedgerFile references the artefacts generated for one equivalent.
type LedgerFile struct {
	Equivalent  string `json:"equivalent"`
	CSVPath     string `json:"csv_path"`
	ParquetPath string `json:"parquet_path"`
	Rows        int    `json:"rows"`
}

// Result summarises one report run.
type Result struct {
	Report invariant.Report `json:"report"`
	Files  []LedgerFile     `json:"files"`
	Pruned int              `json:"pruned"`
	Dir    string           `json:"dir"`
}

// NewReporter builds a configured reporter.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.DB == nil {
		return nil, errors.New("audit: db is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("geohub-data", "audit")
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		db:            cfg.DB,
		outputDir:     outputDir,
		retentionDays: retention,
		now:           nowFn,
		log:           log,
	}, nil
}

// Run executes one full audit and writes the artefacts. Violations do not
// fail the run; they are recorded in the report so operators can act.
func (r *Reporter) Run(ctx context.Context) (*Result, error) {
	db := r.db.WithContext(ctx)
	report, err := invariant.FullAudit(db)
	if err != nil {
		return nil, fmt.Errorf("audit: full audit: %w", err)
	}

	now := r.now()
	runDir := filepath.Join(r.outputDir, now.Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure output dir: %w", err)
	}

	var equivalents []storage.Equivalent
	if err := db.Find(&equivalents).Error; err != nil {
		return nil, fmt.Errorf("audit: list equivalents: %w", err)
	}
	files := make([]LedgerFile, 0, len(equivalents))
	for _, eq := range equivalents {
		debts, err := storage.PositiveDebts(db, eq.Code)
		if err != nil {
			return nil, err
		}
		if len(debts) == 0 {
			continue
		}
		file, err := r.writeLedgerFiles(runDir, eq.Code, debts, now)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}

	if err := writeReportJSON(filepath.Join(runDir, "report.json"), report); err != nil {
		return nil, err
	}
	pruned, err := r.prune(now)
	if err != nil {
		r.log.Warn("audit retention prune failed", "err", err)
	}

	if !report.Clean() {
		r.log.Error("integrity audit found violations",
			"violations", len(report.Violations), "dir", runDir)
	} else {
		r.log.Info("integrity audit clean",
			"equivalents", report.Equivalents, "pairs", report.PairsChecked, "dir", runDir)
	}
	return &Result{Report: report, Files: files, Pruned: pruned, Dir: runDir}, nil
}

func (r *Reporter) writeLedgerFiles(dir, equivalent string, debts []storage.Debt, now time.Time) (LedgerFile, error) {
	base := filepath.Join(dir, "ledger_"+strings.ToLower(equivalent))
	csvPath := base + ".csv"
	if err := writeLedgerCSV(csvPath, debts, now); err != nil {
		return LedgerFile{}, err
	}
	parquetPath := base + ".parquet"
	if err := writeLedgerParquet(parquetPath, debts, now); err != nil {
		return LedgerFile{}, err
	}
	r.log.Info("audit ledger snapshot written", "equivalent", equivalent, "rows", len(debts), "path", csvPath)
	return LedgerFile{
		Equivalent:  equivalent,
		CSVPath:     csvPath,
		ParquetPath: parquetPath,
		Rows:        len(debts),
	}, nil
}

func writeLedgerCSV(path string, debts []storage.Debt, now time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"debtor", "creditor", "equivalent", "amount", "updated_at", "snapshot_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	snapshot := now.UTC().Format(time.RFC3339)
	for _, d := range debts {
		record := []string{
			d.Debtor,
			d.Creditor,
			d.Equivalent,
			d.Amount,
			d.UpdatedAt.UTC().Format(time.RFC3339),
			snapshot,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type ledgerRow struct {
	Debtor     string `parquet:"name=debtor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Creditor   string `parquet:"name=creditor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Equivalent string `parquet:"name=equivalent, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt  string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SnapshotAt string `parquet:"name=snapshot_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeLedgerParquet(path string, debts []storage.Debt, now time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(ledgerRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	snapshot := now.UTC().Format(time.RFC3339)
	for _, d := range debts {
		row := &ledgerRow{
			Debtor:     d.Debtor,
			Creditor:   d.Creditor,
			Equivalent: d.Equivalent,
			Amount:     d.Amount,
			UpdatedAt:  d.UpdatedAt.UTC().Format(time.RFC3339),
			SnapshotAt: snapshot,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func writeReportJSON(path string, report invariant.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("audit: write report: %w", err)
	}
	return nil
}

// prune removes report directories older than the retention window. The
// directory name encodes the run date, so age is derived without stat.
func (r *Reporter) prune(now time.Time) (int, error) {
	entries, err := os.ReadDir(r.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.AddDate(0, 0, -r.retentionDays)
	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runDate, err := time.Parse("20060102", entry.Name())
		if err != nil {
			continue
		}
		if runDate.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(r.outputDir, entry.Name())); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
