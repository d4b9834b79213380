package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/crypto"
	"geohub/storage"
)

type challengeRequest struct {
	PublicKey string `json:"public_key"`
}

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Payload     string `json:"payload"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, payload, err := s.auth.Challenge(req.PublicKey)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeValidation, "challenge", err))
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{ChallengeID: id, Payload: payload})
}

type loginRequest struct {
	ChallengeID string `json:"challenge_id"`
	Payload     string `json:"payload"`
	Signature   string `json:"signature"`
}

type loginResponse struct {
	Token string `json:"token"`
	PID   string `json:"pid"`
	Role  string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	token, identity, err := s.auth.Redeem(req.ChallengeID, req.Payload, req.Signature)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInvalidSignature, "login", err))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, PID: identity.PID, Role: identity.Role})
}

// signedEnvelope wraps a signed mutating operation: the exact payload bytes
// the client signed, the claimed key, and the detached signature.
type signedEnvelope struct {
	Payload   rawJSON `json:"payload"`
	PublicKey string  `json:"public_key"`
	Signature string  `json:"signature"`
}

// rawJSON preserves the payload bytes verbatim so signature verification
// sees exactly what the client signed.
type rawJSON []byte

func (m *rawJSON) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

func (m rawJSON) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// handleRegister creates a participant from a signed registration. The PID
// is derived from the key, so registration is idempotent per key.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeBody(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	var reg codec.Registration
	if err := codec.DecodeStrict(env.Payload, &reg); err != nil {
		s.writeError(w, err)
		return
	}
	if reg.PublicKey != env.PublicKey {
		s.writeError(w, errors.New(errors.CodeInvalidSignature, "registration key mismatch"))
		return
	}
	if err := codec.VerifySignature(codec.SignedPayload{
		Payload:   []byte(env.Payload),
		PublicKey: env.PublicKey,
		Signature: env.Signature,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	pub, err := crypto.ParsePublicKey(env.PublicKey)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInvalidSignature, "public key", err))
		return
	}
	pid, err := crypto.DerivePID(pub)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInvalidSignature, "derive pid", err))
		return
	}
	if seen, err := s.nonces.MarkSeen(pid.String(), reg.Nonce, time.Unix(reg.IssuedAt, 0)); err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "nonce store", err))
		return
	} else if seen {
		s.writeError(w, errors.ErrReplayNonce)
		return
	}

	now := s.now()
	participant := storage.Participant{
		PID:       pid.String(),
		PublicKey: env.PublicKey,
		Profile:   reg.Profile,
		Status:    storage.ParticipantActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		if existing, err := storage.GetParticipant(dbtx, pid.String()); err == nil {
			// Re-registration with the same key returns the existing row.
			participant = *existing
			return nil
		} else if err != storage.ErrNotFound {
			return err
		}
		if err := dbtx.Create(&participant).Error; err != nil {
			return err
		}
		return storage.AppendAudit(dbtx, pid.String(), "participant.register", pid.String(), reg.Profile)
	})
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "register participant", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"pid":    participant.PID,
		"status": participant.Status,
	})
}

// handleParticipantSuspend is the operator toggle taking a participant out
// of circulation. Suspended participants enumerate but cannot transact.
func (s *Server) handleParticipantSuspend(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	operator := s.identity(r)
	err := s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		participant, err := storage.GetParticipant(dbtx, pid)
		if err != nil {
			return err
		}
		if participant.Status == storage.ParticipantSuspended {
			return nil
		}
		if err := dbtx.Model(&storage.Participant{}).Where("pid = ?", pid).
			Updates(map[string]any{"status": storage.ParticipantSuspended, "updated_at": s.now()}).Error; err != nil {
			return err
		}
		return storage.AppendAudit(dbtx, operator.PID, "participant.suspend", pid, "")
	})
	if err != nil {
		if err == storage.ErrNotFound {
			s.writeError(w, errors.Newf(errors.CodeNotFound, "participant %s not registered", pid))
			return
		}
		s.writeError(w, errors.Wrap(errors.CodeInternal, "suspend participant", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pid": pid, "status": storage.ParticipantSuspended})
}
