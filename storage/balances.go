package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceSummary aggregates one participant's position in one equivalent.
type BalanceSummary struct {
	Equivalent         string          `json:"equivalent"`
	TotalDebt          decimal.Decimal `json:"-"`
	TotalCredit        decimal.Decimal `json:"-"`
	NetBalance         decimal.Decimal `json:"-"`
	AvailableToSpend   decimal.Decimal `json:"-"`
	AvailableToReceive decimal.Decimal `json:"-"`
}

// BalanceSummaries computes the per-equivalent aggregates for a participant:
// totals over debt rows and the single-hop spend/receive headroom over
// active trust lines, derated by live reservations.
//
// Spend headroom sums the capacity of segments pid -> X, which exist where X
// extends a trust line to pid. Receive headroom sums segments X -> pid,
// which exist where pid is the lender.
func BalanceSummaries(db *gorm.DB, pid string, now time.Time) ([]BalanceSummary, error) {
	debts, err := DebtsTouching(db, pid, "")
	if err != nil {
		return nil, err
	}
	var lines []TrustLine
	err = db.Where("(from_participant = ? OR to_participant = ?) AND status = ?", pid, pid, TrustLineActive).
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load trust lines for %s: %w", pid, err)
	}
	var locks []PrepareLock
	err = db.Where("(debtor = ? OR creditor = ?) AND expires_at > ?", pid, pid, now.UTC()).
		Find(&locks).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load locks for %s: %w", pid, err)
	}

	type pairKey struct {
		debtor     string
		creditor   string
		equivalent string
	}
	debtAmount := map[pairKey]decimal.Decimal{}
	byEquivalent := map[string]*BalanceSummary{}
	summary := func(equivalent string) *BalanceSummary {
		if s, ok := byEquivalent[equivalent]; ok {
			return s
		}
		s := &BalanceSummary{Equivalent: equivalent}
		byEquivalent[equivalent] = s
		return s
	}

	for _, d := range debts {
		amount, perr := decimal.NewFromString(d.Amount)
		if perr != nil {
			return nil, fmt.Errorf("storage: parse debt amount %q: %w", d.Amount, perr)
		}
		debtAmount[pairKey{d.Debtor, d.Creditor, d.Equivalent}] = amount
		s := summary(d.Equivalent)
		if d.Debtor == pid {
			s.TotalDebt = s.TotalDebt.Add(amount)
			s.NetBalance = s.NetBalance.Sub(amount)
		} else {
			s.TotalCredit = s.TotalCredit.Add(amount)
			s.NetBalance = s.NetBalance.Add(amount)
		}
	}

	reserved := map[pairKey]decimal.Decimal{}
	for _, l := range locks {
		amount, perr := decimal.NewFromString(l.Amount)
		if perr != nil {
			return nil, fmt.Errorf("storage: parse lock amount %q: %w", l.Amount, perr)
		}
		key := pairKey{l.Debtor, l.Creditor, l.Equivalent}
		reserved[key] = reserved[key].Add(amount)
	}

	for _, line := range lines {
		limit, perr := decimal.NewFromString(line.Limit)
		if perr != nil {
			return nil, fmt.Errorf("storage: parse trust limit %q: %w", line.Limit, perr)
		}
		s := summary(line.Equivalent)
		// Line lender -> borrower carries flow borrower -> lender.
		sender := line.ToParticipant
		receiver := line.FromParticipant
		capacity := limit.
			Sub(debtAmount[pairKey{sender, receiver, line.Equivalent}]).
			Add(debtAmount[pairKey{receiver, sender, line.Equivalent}]).
			Sub(reserved[pairKey{sender, receiver, line.Equivalent}])
		if capacity.Sign() <= 0 {
			continue
		}
		if sender == pid {
			s.AvailableToSpend = s.AvailableToSpend.Add(capacity)
		} else {
			s.AvailableToReceive = s.AvailableToReceive.Add(capacity)
		}
	}

	out := make([]BalanceSummary, 0, len(byEquivalent))
	for _, s := range byEquivalent {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Equivalent < out[j].Equivalent })
	return out, nil
}
