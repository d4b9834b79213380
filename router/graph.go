package router

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/storage"
)

// edge is one directed segment in the capacity graph.
type edge struct {
	from     string
	to       string
	capacity decimal.Decimal
	// transit is false when the lender forbids intermediate use of the line.
	transit bool
	// blocked holds the lender's blocked set; a payment whose sender is in
	// here may not use the segment.
	blocked map[string]bool
}

// graph is the directed capacity graph for one equivalent, derated by live
// reservations. It is transient: built per request, never cached.
type graph struct {
	equivalent string
	out        map[string][]*edge
}

// buildGraph loads active trust lines, positive debts and live prepare
// locks in one batch each and assembles the derated capacity graph.
//
// A segment S->R exists iff R extends a trust line to S; its capacity is
//
//	c(S->R) = limit(R->S) - debt[S->R] + debt[R->S] - reserved(S->R)
//
// so flowing S->R either grows S's debt to R up to the limit or repays R's
// existing debt to S.
func buildGraph(db *gorm.DB, equivalent string, now time.Time) (*graph, error) {
	lines, err := storage.ActiveTrustLines(db, equivalent)
	if err != nil {
		return nil, err
	}
	debts, err := storage.PositiveDebts(db, equivalent)
	if err != nil {
		return nil, err
	}
	locks, err := storage.ActivePrepareLocks(db, equivalent, now)
	if err != nil {
		return nil, err
	}
	return assemble(equivalent, lines, debts, locks, uuid.Nil)
}

func assemble(equivalent string, lines []storage.TrustLine, debts []storage.Debt, locks []storage.PrepareLock, excludeTx uuid.UUID) (*graph, error) {
	debtAmount := map[[2]string]decimal.Decimal{}
	for _, d := range debts {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("router: parse debt amount %q: %w", d.Amount, err)
		}
		debtAmount[[2]string{d.Debtor, d.Creditor}] = amount
	}
	reserved := map[[2]string]decimal.Decimal{}
	for _, l := range locks {
		if excludeTx != uuid.Nil && l.TxID == excludeTx {
			continue
		}
		amount, err := decimal.NewFromString(l.Amount)
		if err != nil {
			return nil, fmt.Errorf("router: parse lock amount %q: %w", l.Amount, err)
		}
		key := [2]string{l.Debtor, l.Creditor}
		reserved[key] = reserved[key].Add(amount)
	}

	g := &graph{equivalent: equivalent, out: map[string][]*edge{}}
	for i := range lines {
		line := &lines[i]
		limit, err := decimal.NewFromString(line.Limit)
		if err != nil {
			return nil, fmt.Errorf("router: parse trust limit %q: %w", line.Limit, err)
		}
		policy, err := line.DecodePolicy()
		if err != nil {
			return nil, err
		}
		// Line lender->borrower permits flow borrower->lender.
		sender := line.ToParticipant
		receiver := line.FromParticipant
		capacity := limit.
			Sub(debtAmount[[2]string{sender, receiver}]).
			Add(debtAmount[[2]string{receiver, sender}]).
			Sub(reserved[[2]string{sender, receiver}])
		if capacity.Sign() <= 0 {
			continue
		}
		blocked := map[string]bool{}
		for _, pid := range policy.BlockedParticipants {
			blocked[pid] = true
		}
		g.out[sender] = append(g.out[sender], &edge{
			from:     sender,
			to:       receiver,
			capacity: capacity,
			transit:  policy.CanBeIntermediate,
			blocked:  blocked,
		})
	}
	// Deterministic neighbor order: canonical PID sort.
	for _, edges := range g.out {
		sort.Slice(edges, func(i, j int) bool { return edges[i].to < edges[j].to })
	}
	return g, nil
}

// LiveCapacity recomputes one segment's capacity inside the caller's
// transaction, honoring every reservation except those held by excludeTx.
// The prepare phase calls this under the segment advisory lock; the value
// is authoritative there.
func LiveCapacity(tx *gorm.DB, sender, receiver, equivalent string, now time.Time, excludeTx uuid.UUID) (decimal.Decimal, error) {
	line, err := storage.GetTrustLine(tx, receiver, sender, equivalent)
	if err != nil {
		if err == storage.ErrNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if line.Status != storage.TrustLineActive {
		return decimal.Zero, nil
	}
	limit, err := decimal.NewFromString(line.Limit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("router: parse trust limit %q: %w", line.Limit, err)
	}
	capacity := limit
	if fwd, err := storage.GetDebt(tx, sender, receiver, equivalent); err == nil {
		amount, perr := decimal.NewFromString(fwd.Amount)
		if perr != nil {
			return decimal.Zero, fmt.Errorf("router: parse debt amount %q: %w", fwd.Amount, perr)
		}
		capacity = capacity.Sub(amount)
	} else if err != storage.ErrNotFound {
		return decimal.Zero, err
	}
	if back, err := storage.GetDebt(tx, receiver, sender, equivalent); err == nil {
		amount, perr := decimal.NewFromString(back.Amount)
		if perr != nil {
			return decimal.Zero, fmt.Errorf("router: parse debt amount %q: %w", back.Amount, perr)
		}
		capacity = capacity.Add(amount)
	} else if err != storage.ErrNotFound {
		return decimal.Zero, err
	}
	var locks []storage.PrepareLock
	if err := tx.Where(
		"debtor = ? AND creditor = ? AND equivalent = ? AND expires_at > ?",
		sender, receiver, equivalent, now.UTC(),
	).Find(&locks).Error; err != nil {
		return decimal.Zero, fmt.Errorf("router: load segment locks: %w", err)
	}
	for _, l := range locks {
		if excludeTx != uuid.Nil && l.TxID == excludeTx {
			continue
		}
		amount, perr := decimal.NewFromString(l.Amount)
		if perr != nil {
			return decimal.Zero, fmt.Errorf("router: parse lock amount %q: %w", l.Amount, perr)
		}
		capacity = capacity.Sub(amount)
	}
	return capacity, nil
}
