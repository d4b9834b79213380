package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/payment"
	"geohub/storage"
)

// paymentResponse is the wire shape of a payment outcome.
type paymentResponse struct {
	TxID        string     `json:"tx_id"`
	Status      string     `json:"status"`
	Routes      [][]string `json:"routes"`
	Amount      string     `json:"amount"`
	CreatedAt   time.Time  `json:"created_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	Error       *errorBody `json:"error,omitempty"`
}

func toPaymentResponse(res payment.Result) paymentResponse {
	out := paymentResponse{
		TxID:        res.TxID.String(),
		Status:      res.Status,
		Routes:      res.Routes,
		Amount:      res.Amount,
		CreatedAt:   res.CreatedAt,
		CommittedAt: res.CommittedAt,
	}
	if res.Err != nil {
		out.Error = &errorBody{
			Code:    string(res.Err.Code),
			Message: res.Err.Message,
			Details: res.Err.Details,
		}
	}
	return out
}

// handlePaymentCreate runs the full prepare+commit synchronously. The
// response carries the terminal state either way; domain aborts are a 200
// with status ABORTED so idempotent retries read uniformly.
func (s *Server) handlePaymentCreate(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeBody(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	var intent codec.PaymentIntent
	if err := codec.DecodeStrict(env.Payload, &intent); err != nil {
		s.writeError(w, err)
		return
	}
	caller := s.identity(r)
	if intent.From != caller.PID {
		s.writeError(w, errors.New(errors.CodePolicyDenied, "payment sender must be the authenticated participant"))
		return
	}

	res, err := s.payments.Create(r.Context(), payment.CreateRequest{
		Payload:        []byte(env.Payload),
		PublicKey:      env.PublicKey,
		Signature:      env.Signature,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		if res.TxID == uuid.Nil {
			// Rejected before a transaction existed.
			s.writeError(w, err)
			return
		}
		// A recorded abort: surface the transaction with its error attached.
		writeJSON(w, http.StatusOK, toPaymentResponse(res))
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

// handlePaymentRead authorizes payer, payee and route intermediates.
func (s *Server) handlePaymentRead(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeValidation, "tx id", err))
		return
	}
	res, err := s.payments.Status(r.Context(), txID)
	if err != nil {
		if err == storage.ErrNotFound {
			s.writeError(w, errors.Newf(errors.CodeNotFound, "transaction %s not found", txID))
			return
		}
		s.writeError(w, err)
		return
	}
	caller := s.identity(r)
	if !caller.IsOperator() && !onRoute(res.Routes, caller.PID) {
		s.writeError(w, errors.Newf(errors.CodeNotFound, "transaction %s not found", txID))
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

// handlePaymentCancel models a client cancel as an abort; past COMMITTED it
// is a no-op.
func (s *Server) handlePaymentCancel(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeValidation, "tx id", err))
		return
	}
	res, err := s.payments.Status(r.Context(), txID)
	if err != nil {
		if err == storage.ErrNotFound {
			s.writeError(w, errors.Newf(errors.CodeNotFound, "transaction %s not found", txID))
			return
		}
		s.writeError(w, err)
		return
	}
	caller := s.identity(r)
	if len(res.Routes) > 0 && len(res.Routes[0]) > 0 && res.Routes[0][0] != caller.PID && !caller.IsOperator() {
		s.writeError(w, errors.New(errors.CodePolicyDenied, "only the payer may cancel"))
		return
	}
	if err := s.payments.Abort(r.Context(), txID, errors.New(errors.CodeValidation, "cancelled by client")); err != nil {
		s.writeError(w, err)
		return
	}
	res, err = s.payments.Status(r.Context(), txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

// handlePaymentList filters the caller's payments.
func (s *Server) handlePaymentList(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	q := r.URL.Query()
	filter := storage.PaymentFilter{
		Participant: caller.PID,
		Direction:   q.Get("direction"),
		Equivalent:  strings.ToUpper(strings.TrimSpace(q.Get("equivalent"))),
		State:       q.Get("status"),
	}
	if raw := q.Get("from_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, errors.Wrap(errors.CodeValidation, "from_date", err))
			return
		}
		filter.FromDate = &t
	}
	if raw := q.Get("to_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, errors.Wrap(errors.CodeValidation, "to_date", err))
			return
		}
		filter.ToDate = &t
	}
	filter.Limit = intQuery(q.Get("limit"), 50)
	filter.Offset = intQuery(q.Get("offset"), 0)

	txs, err := storage.ListPayments(s.store.DB().WithContext(r.Context()), filter)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "list payments", err))
		return
	}
	out := make([]paymentResponse, 0, len(txs))
	for _, tx := range txs {
		res, err := s.payments.Status(r.Context(), tx.TxID)
		if err != nil {
			continue
		}
		out = append(out, toPaymentResponse(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payments": out,
		"count":    len(out),
		"offset":   filter.Offset,
	})
}

func onRoute(routes [][]string, pid string) bool {
	for _, hops := range routes {
		for _, hop := range hops {
			if hop == pid {
				return true
			}
		}
	}
	return false
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
