package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"geohub/core/errors"
	"geohub/storage"
)

type equivalentRequest struct {
	Code      string `json:"code"`
	Precision int32  `json:"precision"`
	Metadata  string `json:"metadata,omitempty"`
}

// handleEquivalentCreate registers a unit of account. Operator only.
func (s *Server) handleEquivalentCreate(w http.ResponseWriter, r *http.Request) {
	var req equivalentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if err := storage.ValidateEquivalent(code, req.Precision); err != nil {
		s.writeError(w, errors.Wrap(errors.CodeValidation, "equivalent", err))
		return
	}
	operator := s.identity(r)
	now := s.now()
	equivalent := storage.Equivalent{
		Code:      code,
		Precision: req.Precision,
		Metadata:  req.Metadata,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		if _, err := storage.GetEquivalent(dbtx, code); err == nil {
			return errors.Newf(errors.CodeValidation, "equivalent %s already exists", code)
		} else if err != storage.ErrNotFound {
			return err
		}
		if err := dbtx.Create(&equivalent).Error; err != nil {
			return err
		}
		return storage.AppendAudit(dbtx, operator.PID, "equivalent.create", code, req.Metadata)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, equivalent)
}

// handleEquivalentDeactivate gates new operations off an equivalent.
// Existing debts remain until paid or cleared.
func (s *Server) handleEquivalentDeactivate(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
	operator := s.identity(r)
	err := s.store.WithTx(r.Context(), func(dbtx *gorm.DB) error {
		if _, err := storage.GetEquivalent(dbtx, code); err != nil {
			if err == storage.ErrNotFound {
				return errors.Newf(errors.CodeNotFound, "equivalent %s not registered", code)
			}
			return err
		}
		if err := dbtx.Model(&storage.Equivalent{}).Where("code = ?", code).
			Updates(map[string]any{"active": false, "updated_at": s.now()}).Error; err != nil {
			return err
		}
		return storage.AppendAudit(dbtx, operator.PID, "equivalent.deactivate", code, "")
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "active": false})
}

// handleCycleList returns candidate cycles without applying them.
func (s *Server) handleCycleList(w http.ResponseWriter, r *http.Request) {
	equivalent := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("equivalent")))
	if equivalent == "" {
		s.writeError(w, errors.New(errors.CodeValidation, "equivalent is required"))
		return
	}
	cycles, err := s.clearing.List(r.Context(), equivalent, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"equivalent": equivalent,
		"cycles":     cycles,
		"count":      len(cycles),
	})
}

type clearingRunRequest struct {
	Equivalent string `json:"equivalent"`
	MaxLength  int    `json:"max_length,omitempty"`
}

// handleClearingRun triggers a one-shot clearing pass.
func (s *Server) handleClearingRun(w http.ResponseWriter, r *http.Request) {
	var req clearingRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	equivalent := strings.ToUpper(strings.TrimSpace(req.Equivalent))
	if equivalent == "" {
		s.writeError(w, errors.New(errors.CodeValidation, "equivalent is required"))
		return
	}
	operator := s.identity(r)
	applied, err := s.clearing.RunOnce(r.Context(), equivalent, req.MaxLength)
	if err != nil {
		s.writeError(w, err)
		return
	}
	db := s.store.DB().WithContext(r.Context())
	if err := storage.AppendAudit(db, operator.PID, "clearing.run", equivalent, ""); err != nil {
		s.log.Error("audit clearing run", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"equivalent":     equivalent,
		"cycles_applied": applied,
	})
}

// handleIntegrity runs the full-graph invariant audit.
func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.runIntegrity(r)
	if err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInternal, "integrity audit", err))
		return
	}
	status := http.StatusOK
	if !report.Clean() {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}
