package payment

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"geohub/core/errors"
	"geohub/storage"
)

// Abort moves a NEW or PREPARED transaction to ABORTED and releases its
// reservations. Terminal states are left untouched: aborting a COMMITTED
// payment is a no-op (the cancel simply arrived too late) and aborting an
// ABORTED one repeats its recorded outcome.
func (e *Engine) Abort(ctx context.Context, txID uuid.UUID, cause *errors.Error) error {
	if cause == nil {
		cause = errors.New(errors.CodeValidation, "aborted by caller")
	}
	var aborted bool
	err := e.store.WithTx(ctx, func(dbtx *gorm.DB) error {
		aborted = false
		current, err := storage.GetTransaction(storage.ForUpdate(dbtx), txID)
		if err != nil {
			return err
		}
		switch current.State {
		case storage.TxStateCommitted, storage.TxStateAborted:
			return nil
		}
		aborted = true
		return e.abortInTx(dbtx, current, cause)
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.Newf(errors.CodeNotFound, "transaction %s not found", txID)
		}
		return errors.Wrap(errors.CodeInternal, "abort", err)
	}
	if aborted {
		tx, err := storage.GetTransaction(e.store.DB().WithContext(ctx), txID)
		if err == nil {
			var doc payloadDoc
			if json.Unmarshal([]byte(tx.Payload), &doc) == nil {
				e.emitAborted(tx, doc, cause.Code)
			}
		}
	}
	return nil
}
