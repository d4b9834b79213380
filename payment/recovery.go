package payment

import (
	"context"
	"log/slog"
	"time"

	"geohub/core/errors"
	"geohub/observability"
	"geohub/storage"
)

// SweeperConfig tunes the recovery loop.
type SweeperConfig struct {
	Interval time.Duration
	NewGrace time.Duration
}

// Sweeper is the recovery loop. It aborts payments whose prepare locks
// expired, abandons NEW transactions older than the grace window, and
// removes lock rows orphaned by crashed commits. Every pass is safe to run
// concurrently with live traffic: all transitions go through the same
// guarded state updates the engine uses.
type Sweeper struct {
	engine *Engine
	cfg    SweeperConfig
	log    *slog.Logger
}

// NewSweeper constructs the recovery loop.
func NewSweeper(engine *Engine, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.NewGrace <= 0 {
		cfg.NewGrace = engine.cfg.NewGrace
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{engine: engine, cfg: cfg, log: log}
}

// Run sweeps on a fixed interval until the context is cancelled. An initial
// pass runs immediately so a restarted node reconciles before serving.
func (s *Sweeper) Run(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		s.log.Error("startup reconcile", "err", err)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("recovery sweep", "err", err)
			}
		}
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	db := s.engine.store.DB().WithContext(ctx)
	now := s.engine.now()

	expired, err := storage.ExpiredLockTxIDs(db, now)
	if err != nil {
		return err
	}
	for _, txID := range expired {
		cause := errors.ErrTimeout.WithDetails(map[string]any{
			"reason": "prepare locks expired before commit",
		})
		if err := s.engine.Abort(ctx, txID, cause); err != nil {
			s.log.Error("abort expired payment", "tx_id", txID, "err", err)
			continue
		}
		observability.Payments().RecordSweep("expired_lock")
		s.log.Info("aborted payment with expired locks", "tx_id", txID)
	}

	stale, err := storage.StaleNewTransactions(db, now.Add(-s.cfg.NewGrace))
	if err != nil {
		return err
	}
	for _, tx := range stale {
		if err := s.engine.Abort(ctx, tx.TxID, errors.ErrOrphanedPrepare); err != nil {
			s.log.Error("abort stale transaction", "tx_id", tx.TxID, "err", err)
			continue
		}
		observability.Payments().RecordSweep("stale_new")
		s.log.Info("aborted stale NEW transaction", "tx_id", tx.TxID)
	}

	orphans, err := storage.OrphanLockTxIDs(db)
	if err != nil {
		return err
	}
	for _, txID := range orphans {
		if err := storage.DeleteLocksForTx(db, txID); err != nil {
			s.log.Error("delete orphan locks", "tx_id", txID, "err", err)
			continue
		}
		observability.Payments().RecordSweep("orphan_lock")
		s.log.Info("released orphan locks", "tx_id", txID)
	}
	return nil
}
