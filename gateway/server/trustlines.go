package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/core/events"
	"geohub/storage"
)

const (
	trustLineActionCreate = "create"
	trustLineActionUpdate = "update"
	trustLineActionClose  = "close"
)

// verifyTrustLineChange authenticates one signed trust-line payload: the
// signature must verify, the signer must be the authenticated lender, and
// the nonce must be fresh.
func (s *Server) verifyTrustLineChange(r *http.Request, env signedEnvelope, wantAction string) (*codec.TrustLineChange, error) {
	var change codec.TrustLineChange
	if err := codec.DecodeStrict(env.Payload, &change); err != nil {
		return nil, err
	}
	if change.Action != wantAction {
		return nil, errors.Newf(errors.CodeValidation, "payload action %q does not match operation", change.Action)
	}
	if err := codec.VerifySignature(codec.SignedPayload{
		Payload:   []byte(env.Payload),
		PublicKey: env.PublicKey,
		Signature: env.Signature,
	}); err != nil {
		return nil, err
	}
	caller := s.identity(r)
	if change.From != caller.PID {
		return nil, errors.New(errors.CodePolicyDenied, "trust lines are changed only by their lender")
	}
	lender, err := storage.GetParticipant(s.store.DB().WithContext(r.Context()), caller.PID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.Newf(errors.CodeNotFound, "participant %s not registered", caller.PID)
		}
		return nil, err
	}
	if lender.PublicKey != env.PublicKey {
		return nil, errors.New(errors.CodeInvalidSignature, "payload not signed by lender's registered key")
	}
	if lender.Status != storage.ParticipantActive {
		return nil, errors.ErrInactiveParticipant
	}
	if seen, err := s.nonces.MarkSeen(change.From, change.Nonce, time.Unix(change.IssuedAt, 0)); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "nonce store", err)
	} else if seen {
		return nil, errors.ErrReplayNonce
	}
	return &change, nil
}

// decodeTrustLinePolicy parses the closed policy document, rejecting
// unknown fields.
func decodeTrustLinePolicy(raw []byte) (storage.Policy, error) {
	policy := storage.Policy{}
	if len(raw) == 0 {
		return policy, nil
	}
	if err := codec.DecodeStrict(raw, &policy); err != nil {
		return policy, err
	}
	return policy, nil
}

type trustLineResponse struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Equivalent string         `json:"equivalent"`
	Limit      string         `json:"limit"`
	Policy     storage.Policy `json:"policy"`
	Status     string         `json:"status"`
}

func (s *Server) trustLineResponse(line *storage.TrustLine) (trustLineResponse, error) {
	policy, err := line.DecodePolicy()
	if err != nil {
		return trustLineResponse{}, err
	}
	return trustLineResponse{
		From:       line.FromParticipant,
		To:         line.ToParticipant,
		Equivalent: line.Equivalent,
		Limit:      line.Limit,
		Policy:     policy,
		Status:     line.Status,
	}, nil
}

func (s *Server) handleTrustLineCreate(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeBody(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	change, err := s.verifyTrustLineChange(r, env, trustLineActionCreate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	policy, err := decodeTrustLinePolicy(change.Policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if change.From == change.To {
		s.writeError(w, errors.New(errors.CodeValidation, "lender and borrower must differ"))
		return
	}

	db := s.store.DB().WithContext(r.Context())
	equivalent, err := storage.GetEquivalent(db, change.Equivalent)
	if err != nil {
		if err == storage.ErrNotFound {
			s.writeError(w, errors.Newf(errors.CodeNotFound, "equivalent %s not registered", change.Equivalent))
			return
		}
		s.writeError(w, err)
		return
	}
	if !equivalent.Active {
		s.writeError(w, errors.ErrEquivalentInactive)
		return
	}
	limit, err := codec.ParseAmount(change.Limit, equivalent.Precision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	borrower, err := storage.GetParticipant(db, change.To)
	if err != nil {
		if err == storage.ErrNotFound {
			s.writeError(w, errors.Newf(errors.CodeNotFound, "participant %s not registered", change.To))
			return
		}
		s.writeError(w, err)
		return
	}
	if borrower.Status != storage.ParticipantActive {
		s.writeError(w, errors.ErrInactiveParticipant)
		return
	}

	now := s.now()
	line := storage.TrustLine{
		ID:              uuid.New(),
		FromParticipant: change.From,
		ToParticipant:   change.To,
		Equivalent:      equivalent.Code,
		Limit:           codec.CanonicalDecimal(limit),
		Status:          storage.TrustLineActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := line.EncodePolicy(policy); err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "encode policy", err))
		return
	}
	err = s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		if _, err := storage.GetTrustLine(dbtx, change.From, change.To, equivalent.Code); err == nil {
			return errors.New(errors.CodeValidation, "trust line already exists for this pair and equivalent")
		} else if err != storage.ErrNotFound {
			return err
		}
		if err := dbtx.Create(&line).Error; err != nil {
			return err
		}
		return storage.AppendAudit(dbtx, change.From, "trustline.create", line.ID.String(), string(env.Payload))
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.emitter.Emit(events.TrustLineUpdated{
		From:       line.FromParticipant,
		To:         line.ToParticipant,
		Equivalent: line.Equivalent,
		Limit:      line.Limit,
		Status:     line.Status,
		Timestamp:  now,
	})
	res, err := s.trustLineResponse(&line)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleTrustLineUpdate changes limit and policy. A limit below the debt
// currently outstanding on the line would break the trust-limit invariant
// and is rejected.
func (s *Server) handleTrustLineUpdate(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeBody(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	change, err := s.verifyTrustLineChange(r, env, trustLineActionUpdate)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var updated storage.TrustLine
	err = s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		line, err := storage.GetTrustLine(storage.ForUpdate(dbtx), change.From, change.To, change.Equivalent)
		if err != nil {
			if err == storage.ErrNotFound {
				return errors.Newf(errors.CodeNotFound, "trust line %s->%s %s not found", change.From, change.To, change.Equivalent)
			}
			return err
		}
		if line.Status == storage.TrustLineClosed {
			return errors.New(errors.CodeValidation, "trust line is closed")
		}
		now := s.now()
		if change.Limit != "" {
			equivalent, err := storage.GetEquivalent(dbtx, change.Equivalent)
			if err != nil {
				return err
			}
			limit, err := codec.ParseAmount(change.Limit, equivalent.Precision)
			if err != nil {
				return err
			}
			outstanding := decimal.Zero
			if debt, err := storage.GetDebt(dbtx, change.To, change.From, change.Equivalent); err == nil {
				outstanding, err = decimal.NewFromString(debt.Amount)
				if err != nil {
					return errors.Wrap(errors.CodeInternal, "stored debt amount", err)
				}
			} else if err != storage.ErrNotFound {
				return err
			}
			if limit.LessThan(outstanding) {
				return errors.ErrInvariantViolation.WithDetails(map[string]any{
					"reason":      "new limit below outstanding debt",
					"limit":       codec.CanonicalDecimal(limit),
					"outstanding": codec.CanonicalDecimal(outstanding),
				})
			}
			line.Limit = codec.CanonicalDecimal(limit)
		}
		if len(change.Policy) > 0 {
			policy, err := decodeTrustLinePolicy(change.Policy)
			if err != nil {
				return err
			}
			if err := line.EncodePolicy(policy); err != nil {
				return errors.Wrap(errors.CodeInternal, "encode policy", err)
			}
		}
		line.UpdatedAt = now
		if err := dbtx.Save(line).Error; err != nil {
			return err
		}
		updated = *line
		return storage.AppendAudit(dbtx, change.From, "trustline.update", line.ID.String(), string(env.Payload))
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.emitter.Emit(events.TrustLineUpdated{
		From:       updated.FromParticipant,
		To:         updated.ToParticipant,
		Equivalent: updated.Equivalent,
		Limit:      updated.Limit,
		Status:     updated.Status,
		Timestamp:  s.now(),
	})
	res, err := s.trustLineResponse(&updated)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTrustLineClose closes a line once both debt directions are zero.
func (s *Server) handleTrustLineClose(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeBody(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	change, err := s.verifyTrustLineChange(r, env, trustLineActionClose)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var closed storage.TrustLine
	err = s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		line, err := storage.GetTrustLine(storage.ForUpdate(dbtx), change.From, change.To, change.Equivalent)
		if err != nil {
			if err == storage.ErrNotFound {
				return errors.Newf(errors.CodeNotFound, "trust line %s->%s %s not found", change.From, change.To, change.Equivalent)
			}
			return err
		}
		for _, dir := range [][2]string{{change.From, change.To}, {change.To, change.From}} {
			if _, err := storage.GetDebt(dbtx, dir[0], dir[1], change.Equivalent); err == nil {
				return errors.New(errors.CodeValidation, "trust line cannot close while debt is outstanding")
			} else if err != storage.ErrNotFound {
				return err
			}
		}
		now := s.now()
		line.Status = storage.TrustLineClosed
		line.UpdatedAt = now
		if err := dbtx.Save(line).Error; err != nil {
			return err
		}
		closed = *line
		return storage.AppendAudit(dbtx, change.From, "trustline.close", line.ID.String(), string(env.Payload))
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.emitter.Emit(events.TrustLineUpdated{
		From:       closed.FromParticipant,
		To:         closed.ToParticipant,
		Equivalent: closed.Equivalent,
		Limit:      closed.Limit,
		Status:     closed.Status,
		Timestamp:  s.now(),
	})
	res, err := s.trustLineResponse(&closed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
