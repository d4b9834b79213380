package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/observability"
	"geohub/router"
	"geohub/storage"
)

// Prepare reserves capacity on every segment of the recorded plan. All
// segment advisory locks are taken in sorted order inside one database
// transaction; capacity is re-evaluated under those locks, which is the
// sole mechanism preventing oversubscription.
func (e *Engine) Prepare(ctx context.Context, txID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PrepareTimeout)
	defer cancel()
	started := time.Now()
	defer func() { observability.Payments().ObservePrepare(time.Since(started)) }()

	db := e.store.DB().WithContext(ctx)
	tx, err := storage.GetTransaction(db, txID)
	if err != nil {
		return err
	}
	switch tx.State {
	case storage.TxStatePrepared, storage.TxStateCommitted:
		return nil
	case storage.TxStateAborted:
		return errors.New(errors.Code(tx.ErrorCode), tx.ErrorMessage)
	}

	var doc payloadDoc
	if err := json.Unmarshal([]byte(tx.Payload), &doc); err != nil {
		return errors.Wrap(errors.CodeInternal, "recorded payload", err)
	}
	segs, err := doc.segments()
	if err != nil {
		return err
	}

	var domainErr *errors.Error
	err = storage.RetrySerialization(e.cfg.SerializationRetry, func() error {
		domainErr = nil
		return e.store.WithTx(ctx, func(dbtx *gorm.DB) error {
			if err := storage.AcquireSegmentLocks(dbtx, lockKeysOf(segs)); err != nil {
				return err
			}
			current, err := storage.GetTransaction(storage.ForUpdate(dbtx), txID)
			if err != nil {
				return err
			}
			if current.State != storage.TxStateNew {
				// Raced by recovery or a concurrent retry; the caller
				// re-reads the recorded outcome.
				return nil
			}
			now := e.now()
			for _, seg := range segs {
				capacity, err := router.LiveCapacity(dbtx, seg.debtor, seg.creditor, seg.equivalent, now, txID)
				if err != nil {
					return err
				}
				if capacity.LessThan(seg.flow) {
					domainErr = errors.ErrInsufficientCapacity.WithDetails(map[string]any{
						"segment":   seg.debtor + "->" + seg.creditor,
						"available": codec.CanonicalDecimal(capacity),
						"required":  codec.CanonicalDecimal(seg.flow),
					})
					return e.abortInTx(dbtx, current, domainErr)
				}
				if err := e.checkSegmentPolicy(dbtx, seg, doc.From); err != nil {
					var coded *errors.Error
					if errors.AsDomain(err, &coded) {
						domainErr = coded
						return e.abortInTx(dbtx, current, coded)
					}
					return err
				}
			}
			expires := now.Add(e.cfg.LockTTL)
			for _, seg := range segs {
				lock := storage.PrepareLock{
					ID:         uuid.New(),
					TxID:       txID,
					Debtor:     seg.debtor,
					Creditor:   seg.creditor,
					Equivalent: seg.equivalent,
					Amount:     codec.CanonicalDecimal(seg.flow),
					ExpiresAt:  expires,
					CreatedAt:  now,
				}
				if err := dbtx.Create(&lock).Error; err != nil {
					return err
				}
			}
			return dbtx.Model(&storage.Transaction{}).
				Where("tx_id = ? AND state = ?", txID, storage.TxStateNew).
				Updates(map[string]any{"state": storage.TxStatePrepared, "updated_at": now}).Error
		})
	})
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "prepare", err)
	}
	if domainErr != nil {
		e.emitAborted(tx, doc, domainErr.Code)
		return domainErr
	}
	return nil
}

// checkSegmentPolicy enforces the trust-line owner's policy for one
// segment: intermediate use must be allowed unless the segment starts at
// the payment sender, and neither the segment debtor nor the sender may be
// blocked by the owner.
func (e *Engine) checkSegmentPolicy(dbtx *gorm.DB, seg segment, sender string) error {
	line, err := storage.GetTrustLine(dbtx, seg.creditor, seg.debtor, seg.equivalent)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.ErrInsufficientCapacity.WithDetails(map[string]any{
				"segment": seg.debtor + "->" + seg.creditor,
				"reason":  "trust line vanished",
			})
		}
		return err
	}
	policy, err := line.DecodePolicy()
	if err != nil {
		return err
	}
	if seg.debtor != sender && !policy.CanBeIntermediate {
		return errors.ErrPolicyDenied.WithDetails(map[string]any{
			"segment": seg.debtor + "->" + seg.creditor,
			"reason":  "line not available for intermediate hops",
		})
	}
	if policy.Blocks(sender) || policy.Blocks(seg.debtor) {
		return errors.ErrPolicyDenied.WithDetails(map[string]any{
			"segment": seg.debtor + "->" + seg.creditor,
			"reason":  "participant blocked by line owner",
		})
	}
	return nil
}

// abortInTx records the terminal abort inside the caller's transaction so
// the state change commits even though the payment fails.
func (e *Engine) abortInTx(dbtx *gorm.DB, tx *storage.Transaction, cause *errors.Error) error {
	if err := storage.DeleteLocksForTx(dbtx, tx.TxID); err != nil {
		return err
	}
	return dbtx.Model(&storage.Transaction{}).
		Where("tx_id = ? AND state IN ?", tx.TxID, []string{storage.TxStateNew, storage.TxStatePrepared}).
		Updates(map[string]any{
			"state":         storage.TxStateAborted,
			"error_code":    string(cause.Code),
			"error_message": cause.Message,
			"updated_at":    e.now(),
		}).Error
}
