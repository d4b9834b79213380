package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/core/events"
	"geohub/invariant"
	"geohub/observability"
	"geohub/storage"
)

// Commit applies the reserved debt deltas and finalizes the transaction.
// The same sorted segment locks from prepare are reacquired; lock TTLs are
// enforced before any row changes, and the affected invariants are
// recomputed before COMMITTED becomes visible. An invariant failure rolls
// the whole commit back and records the abort.
func (e *Engine) Commit(ctx context.Context, txID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
	defer cancel()
	started := time.Now()
	defer func() { observability.Payments().ObserveCommit(time.Since(started)) }()

	db := e.store.DB().WithContext(ctx)
	tx, err := storage.GetTransaction(db, txID)
	if err != nil {
		return err
	}
	switch tx.State {
	case storage.TxStateCommitted:
		return nil
	case storage.TxStateAborted:
		return errors.New(errors.Code(tx.ErrorCode), tx.ErrorMessage)
	case storage.TxStateNew:
		return errors.New(errors.CodeValidation, "transaction not prepared")
	}

	var doc payloadDoc
	if err := json.Unmarshal([]byte(tx.Payload), &doc); err != nil {
		return errors.Wrap(errors.CodeInternal, "recorded payload", err)
	}
	segs, err := doc.segments()
	if err != nil {
		return err
	}
	pairs := make([]invariant.Pair, 0, len(segs))
	for _, seg := range segs {
		pairs = append(pairs, invariant.Pair{A: seg.debtor, B: seg.creditor, Equivalent: seg.equivalent})
	}

	var domainErr *errors.Error
	txErr := storage.RetrySerialization(e.cfg.SerializationRetry, func() error {
		domainErr = nil
		return e.store.WithTx(ctx, func(dbtx *gorm.DB) error {
			if err := storage.AcquireSegmentLocks(dbtx, lockKeysOf(segs)); err != nil {
				return err
			}
			current, err := storage.GetTransaction(storage.ForUpdate(dbtx), txID)
			if err != nil {
				return err
			}
			switch current.State {
			case storage.TxStateCommitted:
				return nil
			case storage.TxStateAborted:
				domainErr = errors.New(errors.Code(current.ErrorCode), current.ErrorMessage)
				return nil
			case storage.TxStateNew:
				domainErr = errors.New(errors.CodeValidation, "transaction not prepared")
				return nil
			}

			now := e.now()
			locks, err := storage.LocksForTx(dbtx, txID)
			if err != nil {
				return err
			}
			if len(locks) != len(segs) {
				domainErr = errors.ErrOrphanedPrepare
				return e.abortInTx(dbtx, current, domainErr)
			}
			for _, lock := range locks {
				if !lock.ExpiresAt.After(now) {
					domainErr = errors.ErrTimeout.WithDetails(map[string]any{
						"reason": "prepare locks expired before commit",
					})
					return e.abortInTx(dbtx, current, domainErr)
				}
			}

			// Deltas apply in (debtor, creditor, equivalent) order so
			// concurrent commits touching overlapping rows cannot deadlock.
			for _, seg := range segs {
				if err := applyDelta(dbtx, seg, now); err != nil {
					return err
				}
			}
			if err := storage.DeleteLocksForTx(dbtx, txID); err != nil {
				return err
			}
			if err := invariant.CheckPairs(dbtx, pairs); err != nil {
				return err
			}
			if err := invariant.CheckZeroSum(dbtx, doc.Equivalent); err != nil {
				return err
			}
			return dbtx.Model(&storage.Transaction{}).
				Where("tx_id = ? AND state = ?", txID, storage.TxStatePrepared).
				Updates(map[string]any{
					"state":        storage.TxStateCommitted,
					"committed_at": now,
					"updated_at":   now,
				}).Error
		})
	})
	if txErr != nil {
		if errors.CodeOf(txErr) == errors.CodeInvariantViolation {
			// The delta rollback already happened with the transaction; only
			// the terminal state remains to be recorded.
			var coded *errors.Error
			errors.AsDomain(txErr, &coded)
			e.recordAbort(ctx, txID, coded)
			e.emitAborted(tx, doc, coded.Code)
			return coded
		}
		return errors.Wrap(errors.CodeInternal, "commit", txErr)
	}
	if domainErr != nil {
		e.emitAborted(tx, doc, domainErr.Code)
		return domainErr
	}

	e.emitCommitted(txID, doc)
	if e.onCommitted != nil {
		e.onCommitted(doc.Equivalent, pairs)
	}
	return nil
}

// applyDelta moves seg.flow of debt from debtor to creditor with netting:
// any opposite debt shrinks first, the remainder grows the forward debt.
// Zero rows are deleted so at most one direction ever holds debt.
func applyDelta(dbtx *gorm.DB, seg segment, now time.Time) error {
	remaining := seg.flow
	back, err := storage.GetDebt(storage.ForUpdate(dbtx), seg.creditor, seg.debtor, seg.equivalent)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if back != nil {
		backAmount, perr := decimal.NewFromString(back.Amount)
		if perr != nil {
			return errors.Wrap(errors.CodeInternal, "stored debt amount", perr)
		}
		reduce := decimal.Min(remaining, backAmount)
		left := backAmount.Sub(reduce)
		if left.IsZero() {
			if err := dbtx.Delete(&storage.Debt{}, "id = ?", back.ID).Error; err != nil {
				return err
			}
		} else {
			if err := dbtx.Model(&storage.Debt{}).Where("id = ?", back.ID).
				Updates(map[string]any{"amount": codec.CanonicalDecimal(left), "updated_at": now}).Error; err != nil {
				return err
			}
		}
		remaining = remaining.Sub(reduce)
	}
	if remaining.Sign() <= 0 {
		return nil
	}
	forward, err := storage.GetDebt(storage.ForUpdate(dbtx), seg.debtor, seg.creditor, seg.equivalent)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if forward != nil {
		fwdAmount, perr := decimal.NewFromString(forward.Amount)
		if perr != nil {
			return errors.Wrap(errors.CodeInternal, "stored debt amount", perr)
		}
		return dbtx.Model(&storage.Debt{}).Where("id = ?", forward.ID).
			Updates(map[string]any{"amount": codec.CanonicalDecimal(fwdAmount.Add(remaining)), "updated_at": now}).Error
	}
	return dbtx.Create(&storage.Debt{
		ID:         uuid.New(),
		Debtor:     seg.debtor,
		Creditor:   seg.creditor,
		Equivalent: seg.equivalent,
		Amount:     codec.CanonicalDecimal(remaining),
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

// recordAbort marks a transaction ABORTED in its own transaction, used when
// the failing work had to be rolled back.
func (e *Engine) recordAbort(ctx context.Context, txID uuid.UUID, cause *errors.Error) {
	err := e.store.WithTx(ctx, func(dbtx *gorm.DB) error {
		if err := storage.DeleteLocksForTx(dbtx, txID); err != nil {
			return err
		}
		return dbtx.Model(&storage.Transaction{}).
			Where("tx_id = ? AND state IN ?", txID, []string{storage.TxStateNew, storage.TxStatePrepared}).
			Updates(map[string]any{
				"state":         storage.TxStateAborted,
				"error_code":    string(cause.Code),
				"error_message": cause.Message,
				"updated_at":    e.now(),
			}).Error
	})
	if err != nil {
		e.log.Error("record abort", "tx_id", txID, "err", err)
	}
}

func (e *Engine) emitCommitted(txID uuid.UUID, doc payloadDoc) {
	observability.Payments().RecordCommitted(doc.Equivalent)
	e.emitter.Emit(events.PaymentCommitted{
		TxID:       txID.String(),
		From:       doc.From,
		To:         doc.To,
		Equivalent: doc.Equivalent,
		Amount:     doc.Amount,
		Routes:     doc.Routes,
		Timestamp:  e.now(),
	})
}
