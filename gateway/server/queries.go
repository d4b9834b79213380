package server

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/storage"
)

// handleCapacity answers the pure-read feasibility query. No locks are
// taken; the answer is advisory by design.
func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := strings.TrimSpace(q.Get("from"))
	to := strings.TrimSpace(q.Get("to"))
	equivalent := strings.ToUpper(strings.TrimSpace(q.Get("equivalent")))
	if from == "" || to == "" || equivalent == "" {
		s.writeError(w, errors.New(errors.CodeValidation, "from, to and equivalent are required"))
		return
	}
	caller := s.identity(r)
	if from != caller.PID && !caller.IsOperator() {
		s.writeError(w, errors.New(errors.CodePolicyDenied, "capacity queries run from the caller's own position"))
		return
	}
	var amount *decimal.Decimal
	if raw := strings.TrimSpace(q.Get("amount")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.Sign() <= 0 {
			s.writeError(w, errors.New(errors.CodeValidation, "amount must be a positive decimal"))
			return
		}
		amount = &parsed
	}
	info, err := s.routes.Capacity(r.Context(), s.store.DB(), from, to, equivalent, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type balanceRow struct {
	Equivalent         string `json:"equivalent"`
	TotalDebt          string `json:"total_debt"`
	TotalCredit        string `json:"total_credit"`
	NetBalance         string `json:"net_balance"`
	AvailableToSpend   string `json:"available_to_spend"`
	AvailableToReceive string `json:"available_to_receive"`
}

// handleBalances reports the caller's per-equivalent aggregates. Operators
// may inspect any participant via ?pid=.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	pid := caller.PID
	if requested := strings.TrimSpace(r.URL.Query().Get("pid")); requested != "" && requested != pid {
		if !caller.IsOperator() {
			s.writeError(w, errors.New(errors.CodePolicyDenied, "balance summaries are visible to their owner"))
			return
		}
		pid = requested
	}
	summaries, err := storage.BalanceSummaries(s.store.DB().WithContext(r.Context()), pid, s.now())
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "balance summary", err))
		return
	}
	rows := make([]balanceRow, 0, len(summaries))
	for _, sum := range summaries {
		rows = append(rows, balanceRow{
			Equivalent:         sum.Equivalent,
			TotalDebt:          codec.CanonicalDecimal(sum.TotalDebt),
			TotalCredit:        codec.CanonicalDecimal(sum.TotalCredit),
			NetBalance:         codec.CanonicalDecimal(sum.NetBalance),
			AvailableToSpend:   codec.CanonicalDecimal(sum.AvailableToSpend),
			AvailableToReceive: codec.CanonicalDecimal(sum.AvailableToReceive),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pid": pid, "balances": rows})
}

type debtRow struct {
	Debtor     string `json:"debtor"`
	Creditor   string `json:"creditor"`
	Equivalent string `json:"equivalent"`
	Amount     string `json:"amount"`
}

// handleDebts enumerates the caller's debt edges, optionally filtered by
// direction and equivalent.
func (s *Server) handleDebts(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	q := r.URL.Query()
	direction := strings.ToLower(strings.TrimSpace(q.Get("direction")))
	equivalent := strings.ToUpper(strings.TrimSpace(q.Get("equivalent")))

	debts, err := storage.DebtsTouching(s.store.DB().WithContext(r.Context()), caller.PID, equivalent)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "list debts", err))
		return
	}
	rows := make([]debtRow, 0, len(debts))
	for _, d := range debts {
		switch direction {
		case "outgoing":
			if d.Debtor != caller.PID {
				continue
			}
		case "incoming":
			if d.Creditor != caller.PID {
				continue
			}
		}
		rows = append(rows, debtRow{
			Debtor:     d.Debtor,
			Creditor:   d.Creditor,
			Equivalent: d.Equivalent,
			Amount:     d.Amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pid": caller.PID, "debts": rows})
}
