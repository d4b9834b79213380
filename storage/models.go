package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Participant status values.
const (
	ParticipantActive    = "active"
	ParticipantSuspended = "suspended"
	ParticipantLeft      = "left"
)

// Trust line status values.
const (
	TrustLinePending = "pending"
	TrustLineActive  = "active"
	TrustLineFrozen  = "frozen"
	TrustLineClosed  = "closed"
)

// Transaction types and states.
const (
	TxTypePayment  = "PAYMENT"
	TxTypeClearing = "CLEARING"
	// COMPRESSION and COMPENSATION are reserved by the protocol and carry no
	// semantics yet.

	TxStateNew       = "NEW"
	TxStatePrepared  = "PREPARED"
	TxStateCommitted = "COMMITTED"
	TxStateAborted   = "ABORTED"
)

var equivalentCodeRe = regexp.MustCompile(`^[A-Z0-9_]{1,16}$`)

// Participant holds a hub member identity. The PID is derived from the
// public key, so the key carries a unique constraint of its own.
type Participant struct {
	PID       string `gorm:"primaryKey;size:64"`
	PublicKey string `gorm:"uniqueIndex;size:64;not null"`
	Profile   string `gorm:"type:text"`
	Status    string `gorm:"size:16;index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Equivalent is a unit of account.
type Equivalent struct {
	Code      string `gorm:"primaryKey;size:16"`
	Precision int32  `gorm:"not null"`
	Metadata  string `gorm:"type:text"`
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateEquivalent enforces the code shape and precision range.
func ValidateEquivalent(code string, precision int32) error {
	if !equivalentCodeRe.MatchString(code) {
		return fmt.Errorf("equivalent code %q must match [A-Z0-9_]{1,16}", code)
	}
	if precision < 0 || precision > 18 {
		return fmt.Errorf("equivalent precision %d out of range 0..18", precision)
	}
	return nil
}

// Policy is the closed trust-line policy record. Unknown fields in incoming
// documents are rejected at decode time.
type Policy struct {
	AutoClearing        bool     `json:"auto_clearing"`
	CanBeIntermediate   bool     `json:"can_be_intermediate"`
	BlockedParticipants []string `json:"blocked_participants"`
}

// Blocks reports whether pid appears in the policy's blocked set.
func (p Policy) Blocks(pid string) bool {
	for _, blocked := range p.BlockedParticipants {
		if blocked == pid {
			return true
		}
	}
	return false
}

// TrustLine is a directed credit limit From -> To in one equivalent. From is
// the lender: it bounds how much To may owe it.
type TrustLine struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	FromParticipant string    `gorm:"size:64;not null;uniqueIndex:idx_trust_triple,priority:1;index:idx_trust_from_status,priority:1"`
	ToParticipant   string    `gorm:"size:64;not null;uniqueIndex:idx_trust_triple,priority:2"`
	Equivalent      string    `gorm:"size:16;not null;uniqueIndex:idx_trust_triple,priority:3"`
	Limit           string    `gorm:"size:64;not null"`
	PolicyJSON      string    `gorm:"type:text;not null"`
	Status          string    `gorm:"size:16;not null;index:idx_trust_from_status,priority:2"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DecodePolicy unmarshals the stored policy document.
func (t *TrustLine) DecodePolicy() (Policy, error) {
	var p Policy
	if strings.TrimSpace(t.PolicyJSON) == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(t.PolicyJSON), &p); err != nil {
		return p, fmt.Errorf("decode trust line policy: %w", err)
	}
	return p, nil
}

// EncodePolicy stores the policy document.
func (t *TrustLine) EncodePolicy(p Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode trust line policy: %w", err)
	}
	t.PolicyJSON = string(raw)
	return nil
}

// Debt is a directed positive amount Debtor -> Creditor in one equivalent.
// Rows never reach zero: the transaction that drives a debt to zero deletes
// it.
type Debt struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Debtor     string    `gorm:"size:64;not null;uniqueIndex:idx_debt_triple,priority:1;index:idx_debt_pair,priority:1"`
	Creditor   string    `gorm:"size:64;not null;uniqueIndex:idx_debt_triple,priority:2;index:idx_debt_pair,priority:2"`
	Equivalent string    `gorm:"size:16;not null;uniqueIndex:idx_debt_triple,priority:3"`
	Amount     string    `gorm:"size:64;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transaction is the audit record of a state-changing operation. Terminal
// rows are never mutated again.
type Transaction struct {
	TxID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type           string    `gorm:"size:16;not null;index"`
	Initiator      string    `gorm:"size:64;not null;index"`
	Payload        string    `gorm:"type:text;not null"`
	Signatures     string    `gorm:"type:text"`
	State          string    `gorm:"size:16;not null;index"`
	ErrorCode      string    `gorm:"size:32"`
	ErrorMessage   string    `gorm:"type:text"`
	IdempotencyKey *string   `gorm:"size:128;uniqueIndex"`
	Equivalent     string    `gorm:"size:16;index"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
	CommittedAt    *time.Time
}

// PrepareLock reserves capacity on one segment for an in-flight payment.
type PrepareLock struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxID       uuid.UUID `gorm:"type:uuid;index;not null"`
	Debtor     string    `gorm:"size:64;not null;index:idx_lock_segment,priority:1"`
	Creditor   string    `gorm:"size:64;not null;index:idx_lock_segment,priority:2"`
	Equivalent string    `gorm:"size:16;not null;index:idx_lock_segment,priority:3"`
	Amount     string    `gorm:"size:64;not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	CreatedAt  time.Time
}

// AuditRecord is the append-only trail of privileged and mutating calls.
type AuditRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Actor     string    `gorm:"size:64;index"`
	Action    string    `gorm:"size:64;not null;index"`
	Subject   string    `gorm:"size:128"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// AutoMigrate applies the schema, then layers the constraints gorm tags
// cannot express on dialects that support them.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Participant{},
		&Equivalent{},
		&TrustLine{},
		&Debt{},
		&Transaction{},
		&PrepareLock{},
		&AuditRecord{},
	); err != nil {
		return err
	}
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	stmts := []string{
		`ALTER TABLE equivalents DROP CONSTRAINT IF EXISTS chk_equivalent_code`,
		`ALTER TABLE equivalents ADD CONSTRAINT chk_equivalent_code CHECK (code ~ '^[A-Z0-9_]{1,16}$')`,
		`ALTER TABLE equivalents DROP CONSTRAINT IF EXISTS chk_equivalent_precision`,
		`ALTER TABLE equivalents ADD CONSTRAINT chk_equivalent_precision CHECK (precision BETWEEN 0 AND 18)`,
		`ALTER TABLE debts DROP CONSTRAINT IF EXISTS chk_debt_positive`,
		`ALTER TABLE debts ADD CONSTRAINT chk_debt_positive CHECK (amount::numeric > 0)`,
		`ALTER TABLE debts DROP CONSTRAINT IF EXISTS chk_debt_not_self`,
		`ALTER TABLE debts ADD CONSTRAINT chk_debt_not_self CHECK (debtor <> creditor)`,
		`ALTER TABLE trust_lines DROP CONSTRAINT IF EXISTS fk_trust_from`,
		`ALTER TABLE trust_lines ADD CONSTRAINT fk_trust_from FOREIGN KEY (from_participant) REFERENCES participants(pid)`,
		`ALTER TABLE trust_lines DROP CONSTRAINT IF EXISTS fk_trust_to`,
		`ALTER TABLE trust_lines ADD CONSTRAINT fk_trust_to FOREIGN KEY (to_participant) REFERENCES participants(pid)`,
		`ALTER TABLE trust_lines DROP CONSTRAINT IF EXISTS fk_trust_equivalent`,
		`ALTER TABLE trust_lines ADD CONSTRAINT fk_trust_equivalent FOREIGN KEY (equivalent) REFERENCES equivalents(code)`,
		`ALTER TABLE debts DROP CONSTRAINT IF EXISTS fk_debt_debtor`,
		`ALTER TABLE debts ADD CONSTRAINT fk_debt_debtor FOREIGN KEY (debtor) REFERENCES participants(pid)`,
		`ALTER TABLE debts DROP CONSTRAINT IF EXISTS fk_debt_creditor`,
		`ALTER TABLE debts ADD CONSTRAINT fk_debt_creditor FOREIGN KEY (creditor) REFERENCES participants(pid)`,
		`ALTER TABLE debts DROP CONSTRAINT IF EXISTS fk_debt_equivalent`,
		`ALTER TABLE debts ADD CONSTRAINT fk_debt_equivalent FOREIGN KEY (equivalent) REFERENCES equivalents(code)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply constraint: %w", err)
		}
	}
	return nil
}
