// Package invariant recomputes and asserts the ledger properties that must
// hold at every quiescent committed state: trust-limit respect, debt
// asymmetry, zero-sum per equivalent, no self-debt, and clearing
// neutrality. The checker never mutates state; a violation is surfaced as a
// hard error carrying the offending edges and the caller rolls back.
package invariant

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/storage"
)

// Pair identifies an unordered participant pair within one equivalent.
type Pair struct {
	A          string
	B          string
	Equivalent string
}

// Violation describes one failed property.
type Violation struct {
	Property   string `json:"property"`
	Equivalent string `json:"equivalent"`
	Debtor     string `json:"debtor,omitempty"`
	Creditor   string `json:"creditor,omitempty"`
	Detail     string `json:"detail"`
}

// Report summarises an audit run.
type Report struct {
	GeneratedAt  time.Time   `json:"generated_at"`
	Equivalents  int         `json:"equivalents"`
	PairsChecked int         `json:"pairs_checked"`
	DebtRows     int         `json:"debt_rows"`
	Violations   []Violation `json:"violations"`
}

// Clean reports whether the audit found no violations.
func (r Report) Clean() bool { return len(r.Violations) == 0 }

// CheckPairs verifies trust-limit (I1), debt asymmetry (I2) and no
// self-debt (I4) for the affected pairs, inside the caller's transaction.
func CheckPairs(tx *gorm.DB, pairs []Pair) error {
	var violations []Violation
	for _, pair := range dedupe(pairs) {
		violations = append(violations, checkPair(tx, pair)...)
	}
	return asError(violations)
}

// CheckZeroSum recomputes every participant's net balance in the equivalent
// and asserts the total is zero. Debts are bilateral edges, so the property
// holds by construction; the recomputation is the circuit breaker.
func CheckZeroSum(tx *gorm.DB, equivalent string) error {
	debts, err := storage.PositiveDebts(tx, equivalent)
	if err != nil {
		return err
	}
	net := map[string]decimal.Decimal{}
	for _, d := range debts {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return errors.Newf(errors.CodeInvariantViolation,
				"debt %s->%s %s has unparseable amount %q", d.Debtor, d.Creditor, equivalent, d.Amount)
		}
		if amount.Sign() <= 0 {
			return errors.Newf(errors.CodeInvariantViolation,
				"debt %s->%s %s has non-positive amount %s", d.Debtor, d.Creditor, equivalent, d.Amount)
		}
		net[d.Debtor] = net[d.Debtor].Sub(amount)
		net[d.Creditor] = net[d.Creditor].Add(amount)
	}
	total := decimal.Zero
	for _, balance := range net {
		total = total.Add(balance)
	}
	if !total.IsZero() {
		return errors.Newf(errors.CodeInvariantViolation,
			"zero-sum broken for %s: residual %s", equivalent, codec.CanonicalDecimal(total))
	}
	return nil
}

// NetBalances returns the per-participant net positions for an equivalent.
// The clearing engine snapshots these before and after netting to assert
// neutrality (I5).
func NetBalances(tx *gorm.DB, equivalent string) (map[string]decimal.Decimal, error) {
	debts, err := storage.PositiveDebts(tx, equivalent)
	if err != nil {
		return nil, err
	}
	net := map[string]decimal.Decimal{}
	for _, d := range debts {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("invariant: parse debt amount %q: %w", d.Amount, err)
		}
		net[d.Debtor] = net[d.Debtor].Sub(amount)
		net[d.Creditor] = net[d.Creditor].Add(amount)
	}
	return net, nil
}

// CheckNeutrality asserts that two balance snapshots agree (I5).
func CheckNeutrality(before, after map[string]decimal.Decimal, equivalent string) error {
	seen := map[string]bool{}
	for pid, pre := range before {
		seen[pid] = true
		if !pre.Equal(after[pid]) {
			return errors.Newf(errors.CodeInvariantViolation,
				"clearing changed %s net balance in %s: %s -> %s",
				pid, equivalent, codec.CanonicalDecimal(pre), codec.CanonicalDecimal(after[pid]))
		}
	}
	for pid, post := range after {
		if !seen[pid] && !post.IsZero() {
			return errors.Newf(errors.CodeInvariantViolation,
				"clearing created %s net balance in %s: %s", pid, equivalent, codec.CanonicalDecimal(post))
		}
	}
	return nil
}

// FullAudit checks every pair and the zero-sum aggregate across all
// equivalents. Callable on demand for the integrity endpoint and the
// scheduled report.
func FullAudit(db *gorm.DB) (Report, error) {
	report := Report{GeneratedAt: time.Now().UTC()}
	var equivalents []storage.Equivalent
	if err := db.Find(&equivalents).Error; err != nil {
		return report, fmt.Errorf("invariant: list equivalents: %w", err)
	}
	report.Equivalents = len(equivalents)
	for _, eq := range equivalents {
		debts, err := storage.PositiveDebts(db, eq.Code)
		if err != nil {
			return report, err
		}
		report.DebtRows += len(debts)
		pairs := map[Pair]bool{}
		for _, d := range debts {
			pairs[normalize(Pair{A: d.Debtor, B: d.Creditor, Equivalent: eq.Code})] = true
		}
		for pair := range pairs {
			report.PairsChecked++
			report.Violations = append(report.Violations, checkPair(db, pair)...)
		}
		if err := CheckZeroSum(db, eq.Code); err != nil {
			report.Violations = append(report.Violations, Violation{
				Property:   "zero_sum",
				Equivalent: eq.Code,
				Detail:     err.Error(),
			})
		}
	}
	return report, nil
}

func checkPair(tx *gorm.DB, pair Pair) []Violation {
	var violations []Violation
	forward, errF := storage.GetDebt(tx, pair.A, pair.B, pair.Equivalent)
	backward, errB := storage.GetDebt(tx, pair.B, pair.A, pair.Equivalent)
	if errF != nil && errF != storage.ErrNotFound {
		return append(violations, Violation{Property: "read", Equivalent: pair.Equivalent, Detail: errF.Error()})
	}
	if errB != nil && errB != storage.ErrNotFound {
		return append(violations, Violation{Property: "read", Equivalent: pair.Equivalent, Detail: errB.Error()})
	}
	if forward != nil && backward != nil {
		violations = append(violations, Violation{
			Property:   "debt_asymmetry",
			Equivalent: pair.Equivalent,
			Debtor:     pair.A,
			Creditor:   pair.B,
			Detail:     "both directions hold positive debt",
		})
	}
	for _, debt := range []*storage.Debt{forward, backward} {
		if debt == nil {
			continue
		}
		violations = append(violations, checkDebt(tx, debt)...)
	}
	return violations
}

// checkDebt verifies I1 and I4 for one debt row: the creditor must extend
// an active trust line to the debtor whose limit covers the amount.
func checkDebt(tx *gorm.DB, debt *storage.Debt) []Violation {
	var violations []Violation
	if debt.Debtor == debt.Creditor {
		violations = append(violations, Violation{
			Property:   "no_self_debt",
			Equivalent: debt.Equivalent,
			Debtor:     debt.Debtor,
			Creditor:   debt.Creditor,
			Detail:     "debtor equals creditor",
		})
		return violations
	}
	amount, err := decimal.NewFromString(debt.Amount)
	if err != nil || amount.Sign() <= 0 {
		violations = append(violations, Violation{
			Property:   "positive_amount",
			Equivalent: debt.Equivalent,
			Debtor:     debt.Debtor,
			Creditor:   debt.Creditor,
			Detail:     fmt.Sprintf("stored amount %q", debt.Amount),
		})
		return violations
	}
	line, err := storage.GetTrustLine(tx, debt.Creditor, debt.Debtor, debt.Equivalent)
	if err == storage.ErrNotFound {
		violations = append(violations, Violation{
			Property:   "trust_limit",
			Equivalent: debt.Equivalent,
			Debtor:     debt.Debtor,
			Creditor:   debt.Creditor,
			Detail:     "debt exists without a covering trust line",
		})
		return violations
	}
	if err != nil {
		return append(violations, Violation{Property: "read", Equivalent: debt.Equivalent, Detail: err.Error()})
	}
	limit, err := decimal.NewFromString(line.Limit)
	if err != nil {
		return append(violations, Violation{
			Property:   "trust_limit",
			Equivalent: debt.Equivalent,
			Debtor:     debt.Debtor,
			Creditor:   debt.Creditor,
			Detail:     fmt.Sprintf("unparseable limit %q", line.Limit),
		})
	}
	if amount.GreaterThan(limit) {
		violations = append(violations, Violation{
			Property:   "trust_limit",
			Equivalent: debt.Equivalent,
			Debtor:     debt.Debtor,
			Creditor:   debt.Creditor,
			Detail:     fmt.Sprintf("debt %s exceeds limit %s", codec.CanonicalDecimal(amount), codec.CanonicalDecimal(limit)),
		})
	}
	return violations
}

func normalize(p Pair) Pair {
	if p.A > p.B {
		p.A, p.B = p.B, p.A
	}
	return p
}

func dedupe(pairs []Pair) []Pair {
	seen := map[Pair]bool{}
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		n := normalize(p)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func asError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	details := make(map[string]any, 1)
	details["violations"] = violations
	return errors.Newf(errors.CodeInvariantViolation, "%d invariant violation(s)", len(violations)).
		WithDetails(details)
}
