package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// GetParticipant loads one participant by PID.
func GetParticipant(db *gorm.DB, pid string) (*Participant, error) {
	var p Participant
	if err := db.First(&p, "pid = ?", pid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load participant: %w", err)
	}
	return &p, nil
}

// GetEquivalent loads one equivalent by code.
func GetEquivalent(db *gorm.DB, code string) (*Equivalent, error) {
	var e Equivalent
	if err := db.First(&e, "code = ?", strings.ToUpper(strings.TrimSpace(code))).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load equivalent: %w", err)
	}
	return &e, nil
}

// GetTrustLine loads the trust line for an ordered triple.
func GetTrustLine(db *gorm.DB, from, to, equivalent string) (*TrustLine, error) {
	var t TrustLine
	err := db.First(&t, "from_participant = ? AND to_participant = ? AND equivalent = ?", from, to, equivalent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load trust line: %w", err)
	}
	return &t, nil
}

// ActiveTrustLines returns every active trust line in the equivalent. The
// router consumes this as one batch read.
func ActiveTrustLines(db *gorm.DB, equivalent string) ([]TrustLine, error) {
	var lines []TrustLine
	err := db.Where("equivalent = ? AND status = ?", equivalent, TrustLineActive).
		Order("from_participant, to_participant").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load trust lines: %w", err)
	}
	return lines, nil
}

// PositiveDebts returns every debt row in the equivalent. All stored rows
// are positive by construction.
func PositiveDebts(db *gorm.DB, equivalent string) ([]Debt, error) {
	var debts []Debt
	err := db.Where("equivalent = ?", equivalent).
		Order("debtor, creditor").
		Find(&debts).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load debts: %w", err)
	}
	return debts, nil
}

// GetDebt loads the directed debt row for a triple. Callers needing the row
// pinned pass ForUpdate(tx) as db.
func GetDebt(db *gorm.DB, debtor, creditor, equivalent string) (*Debt, error) {
	var d Debt
	err := db.First(&d, "debtor = ? AND creditor = ? AND equivalent = ?", debtor, creditor, equivalent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load debt: %w", err)
	}
	return &d, nil
}

// DebtsTouching returns all debt rows where pid is debtor or creditor,
// optionally narrowed to one equivalent.
func DebtsTouching(db *gorm.DB, pid, equivalent string) ([]Debt, error) {
	q := db.Where("debtor = ? OR creditor = ?", pid, pid)
	if equivalent != "" {
		q = q.Where("equivalent = ?", equivalent)
	}
	var debts []Debt
	if err := q.Order("equivalent, debtor, creditor").Find(&debts).Error; err != nil {
		return nil, fmt.Errorf("storage: load debts for %s: %w", pid, err)
	}
	return debts, nil
}

// ActivePrepareLocks returns the live reservations in an equivalent at the
// supplied instant. Expired rows are ignored; the recovery loop deletes
// them.
func ActivePrepareLocks(db *gorm.DB, equivalent string, now time.Time) ([]PrepareLock, error) {
	var locks []PrepareLock
	err := db.Where("equivalent = ? AND expires_at > ?", equivalent, now.UTC()).
		Find(&locks).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load prepare locks: %w", err)
	}
	return locks, nil
}

// LocksForTx returns every prepare lock row belonging to a transaction.
func LocksForTx(db *gorm.DB, txID uuid.UUID) ([]PrepareLock, error) {
	var locks []PrepareLock
	if err := db.Where("tx_id = ?", txID).Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("storage: load locks for tx: %w", err)
	}
	return locks, nil
}

// DeleteLocksForTx removes all reservations held by a transaction.
func DeleteLocksForTx(db *gorm.DB, txID uuid.UUID) error {
	if err := db.Where("tx_id = ?", txID).Delete(&PrepareLock{}).Error; err != nil {
		return fmt.Errorf("storage: delete locks for tx: %w", err)
	}
	return nil
}

// ExpiredLockTxIDs returns the distinct transactions whose locks expired
// before now. The (expires_at) index keeps this sweep cheap.
func ExpiredLockTxIDs(db *gorm.DB, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.Model(&PrepareLock{}).
		Where("expires_at < ?", now.UTC()).
		Distinct("tx_id").
		Pluck("tx_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("storage: sweep expired locks: %w", err)
	}
	return ids, nil
}

// OrphanLockTxIDs returns lock rows whose parent transaction is already
// terminal or missing.
func OrphanLockTxIDs(db *gorm.DB) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.Model(&PrepareLock{}).
		Joins("LEFT JOIN transactions ON transactions.tx_id = prepare_locks.tx_id").
		Where("transactions.tx_id IS NULL OR transactions.state IN ?", []string{TxStateCommitted, TxStateAborted}).
		Distinct("prepare_locks.tx_id").
		Pluck("prepare_locks.tx_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("storage: sweep orphan locks: %w", err)
	}
	return ids, nil
}

// GetTransaction loads a transaction by id.
func GetTransaction(db *gorm.DB, txID uuid.UUID) (*Transaction, error) {
	var tx Transaction
	if err := db.First(&tx, "tx_id = ?", txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load transaction: %w", err)
	}
	return &tx, nil
}

// GetTransactionByIdempotencyKey returns a previously recorded transaction
// for the key, or ErrNotFound.
func GetTransactionByIdempotencyKey(db *gorm.DB, key string) (*Transaction, error) {
	var tx Transaction
	if err := db.First(&tx, "idempotency_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load transaction by key: %w", err)
	}
	return &tx, nil
}

// StaleNewTransactions returns NEW transactions older than the grace cutoff.
func StaleNewTransactions(db *gorm.DB, cutoff time.Time) ([]Transaction, error) {
	var txs []Transaction
	err := db.Where("state = ? AND created_at < ?", TxStateNew, cutoff.UTC()).Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: sweep stale transactions: %w", err)
	}
	return txs, nil
}

// PaymentFilter narrows ListPayments.
type PaymentFilter struct {
	Participant string
	Direction   string // "incoming", "outgoing" or ""
	Equivalent  string
	State       string
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
	Offset      int
}

// ListPayments returns payment transactions matching the filter, newest
// first.
func ListPayments(db *gorm.DB, f PaymentFilter) ([]Transaction, error) {
	q := db.Model(&Transaction{}).Where("type = ?", TxTypePayment)
	switch f.Direction {
	case "outgoing":
		q = q.Where("initiator = ?", f.Participant)
	case "incoming":
		q = q.Where("payload LIKE ?", `%"to":"`+f.Participant+`"%`).
			Where("initiator <> ?", f.Participant)
	default:
		if f.Participant != "" {
			q = q.Where("initiator = ? OR payload LIKE ?", f.Participant, `%"to":"`+f.Participant+`"%`)
		}
	}
	if f.Equivalent != "" {
		q = q.Where("equivalent = ?", f.Equivalent)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.FromDate != nil {
		q = q.Where("created_at >= ?", f.FromDate.UTC())
	}
	if f.ToDate != nil {
		q = q.Where("created_at < ?", f.ToDate.UTC())
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []Transaction
	if err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("storage: list payments: %w", err)
	}
	return txs, nil
}

// AppendAudit writes one append-only audit row.
func AppendAudit(db *gorm.DB, actor, action, subject, details string) error {
	rec := AuditRecord{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}
