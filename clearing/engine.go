// Package clearing discovers positive-debt cycles and nets them by the
// cycle's minimum edge amount, leaving every participant's net balance
// unchanged. Discovery runs on demand after payment commits and on a
// periodic batch schedule; application happens inside one database
// transaction holding the cycle's segment locks and debt rows.
package clearing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
	"geohub/core/events"
	"geohub/crypto"
	"geohub/invariant"
	"geohub/observability"
	"geohub/storage"
)

// triggerBreak caps consecutive cycles applied from one post-commit trigger
// so clearing cannot starve payment traffic.
const triggerBreak = 10

// Config tunes discovery depth and batch size.
type Config struct {
	TriggerMaxLen      int
	PeriodicMaxLen     int
	MaxCyclesPerRun    int
	Interval           time.Duration
	SerializationRetry int
}

// Engine runs cycle clearing over the store.
type Engine struct {
	store   *storage.Store
	emitter events.Emitter
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	triggers chan triggerWork
}

type triggerWork struct {
	equivalent string
	pairs      [][2]string
}

// New constructs a clearing engine.
func New(store *storage.Store, emitter events.Emitter, cfg Config, log *slog.Logger) *Engine {
	if cfg.TriggerMaxLen < 3 {
		cfg.TriggerMaxLen = 4
	}
	if cfg.PeriodicMaxLen < cfg.TriggerMaxLen {
		cfg.PeriodicMaxLen = 6
	}
	if cfg.MaxCyclesPerRun <= 0 {
		cfg.MaxCyclesPerRun = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.SerializationRetry <= 0 {
		cfg.SerializationRetry = 3
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		emitter:  emitter,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		triggers: make(chan triggerWork, 64),
	}
}

// SetNowFunc overrides the time source for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
		return
	}
	e.now = now
}

// OnPaymentCommitted queues an on-demand discovery pass for the pairs a
// just-committed payment touched. Safe to call from the payment engine's
// commit path; a full queue drops the trigger, the periodic batch catches
// up.
func (e *Engine) OnPaymentCommitted(equivalent string, pairs []invariant.Pair) {
	work := triggerWork{equivalent: equivalent}
	for _, p := range pairs {
		work.pairs = append(work.pairs, [2]string{p.A, p.B})
	}
	select {
	case e.triggers <- work:
	default:
		e.log.Warn("clearing trigger queue full, deferring to periodic batch", "equivalent", equivalent)
	}
}

// Run services on-demand triggers and the periodic batch until the context
// is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-e.triggers:
			if _, err := e.runTrigger(ctx, work); err != nil {
				e.log.Error("on-demand clearing", "equivalent", work.equivalent, "err", err)
			}
		case <-ticker.C:
			if err := e.RunBatch(ctx); err != nil {
				e.log.Error("periodic clearing", "err", err)
			}
		}
	}
}

// RunBatch scans every active equivalent for cycles up to the periodic
// depth and applies them, bounded by MaxCyclesPerRun per equivalent.
func (e *Engine) RunBatch(ctx context.Context) error {
	db := e.store.DB().WithContext(ctx)
	var equivalents []storage.Equivalent
	if err := db.Where("active = ?", true).Find(&equivalents).Error; err != nil {
		return errors.Wrap(errors.CodeInternal, "list equivalents", err)
	}
	for _, eq := range equivalents {
		if _, err := e.RunOnce(ctx, eq.Code, e.cfg.PeriodicMaxLen); err != nil {
			e.log.Error("clearing batch", "equivalent", eq.Code, "err", err)
		}
	}
	return nil
}

// RunOnce executes one clearing pass over an equivalent: discover up to
// maxLen, apply each candidate until the run cap is hit. Returns the number
// of cycles applied.
func (e *Engine) RunOnce(ctx context.Context, equivalent string, maxLen int) (int, error) {
	started := time.Now()
	defer func() { observability.Clearing().ObserveRun(time.Since(started)) }()

	if maxLen <= 0 {
		maxLen = e.cfg.PeriodicMaxLen
	}
	db := e.store.DB().WithContext(ctx)
	applied := 0
	// Re-discover after every application: netting deletes edges, which can
	// dissolve or expose neighbouring cycles.
	for applied < e.cfg.MaxCyclesPerRun {
		cycles, err := Discover(db, equivalent, maxLen, 1, e.now())
		if err != nil {
			return applied, err
		}
		if len(cycles) == 0 {
			return applied, nil
		}
		ok, err := e.Apply(ctx, cycles[0])
		if err != nil {
			return applied, err
		}
		if !ok {
			// The candidate dissolved or got reserved between discovery and
			// application; the next tick retries.
			return applied, nil
		}
		applied++
	}
	return applied, nil
}

// runTrigger handles one post-commit discovery request with the safety
// break.
func (e *Engine) runTrigger(ctx context.Context, work triggerWork) (int, error) {
	db := e.store.DB().WithContext(ctx)
	applied := 0
	for applied < triggerBreak {
		cycles, err := DiscoverTouching(db, work.equivalent, work.pairs, e.cfg.TriggerMaxLen, 1, e.now())
		if err != nil {
			return applied, err
		}
		if len(cycles) == 0 {
			return applied, nil
		}
		ok, err := e.Apply(ctx, cycles[0])
		if err != nil || !ok {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// List returns candidate cycles without applying them. Diagnostic surface
// for operators.
func (e *Engine) List(ctx context.Context, equivalent string, maxLen int) ([]Cycle, error) {
	if maxLen <= 0 {
		maxLen = e.cfg.PeriodicMaxLen
	}
	return Discover(e.store.DB().WithContext(ctx), equivalent, maxLen, e.cfg.MaxCyclesPerRun, e.now())
}

// clearingPayload is the persisted CLEARING transaction document.
type clearingPayload struct {
	Version    int      `json:"version"`
	Equivalent string   `json:"equivalent"`
	Cycle      []string `json:"cycle"`
	Delta      string   `json:"delta"`
}

// Apply nets one cycle inside a single database transaction. It reacquires
// the cycle's segment advisory locks, pins every debt row FOR UPDATE,
// recomputes the minimum from locked state, verifies every edge's
// auto-clearing policy and the absence of live reservations, then decrements
// each edge by the minimum and deletes zero rows. Returns false without
// error when the cycle is no longer safe or no longer exists.
func (e *Engine) Apply(ctx context.Context, c Cycle) (bool, error) {
	if len(c.Path) < 3 {
		return false, errors.New(errors.CodeValidation, "cycle must have at least three edges")
	}
	var (
		applied   bool
		delta     decimal.Decimal
		skip      string
		recordID  uuid.UUID
		appliedAt time.Time
	)
	err := storage.RetrySerialization(e.cfg.SerializationRetry, func() error {
		applied, skip = false, ""
		return e.store.WithTx(ctx, func(dbtx *gorm.DB) error {
			if err := storage.AcquireSegmentLocks(dbtx, cycleLockKeys(c)); err != nil {
				return err
			}
			now := e.now()
			for _, edge := range c.Edges() {
				var count int64
				err := dbtx.Model(&storage.PrepareLock{}).
					Where("debtor = ? AND creditor = ? AND equivalent = ? AND expires_at > ?",
						edge[0], edge[1], c.Equivalent, now.UTC()).
					Count(&count).Error
				if err != nil {
					return err
				}
				if count > 0 {
					skip = "reserved"
					return nil
				}
				line, err := storage.GetTrustLine(dbtx, edge[1], edge[0], c.Equivalent)
				if err != nil {
					if err == storage.ErrNotFound {
						skip = "line_missing"
						return nil
					}
					return err
				}
				policy, err := line.DecodePolicy()
				if err != nil {
					return err
				}
				if !policy.AutoClearing {
					skip = "auto_clearing_off"
					return nil
				}
			}

			before, err := invariant.NetBalances(dbtx, c.Equivalent)
			if err != nil {
				return err
			}
			var derr error
			delta, derr = cycleDelta(dbtx, c, true)
			if derr != nil {
				return derr
			}
			if delta.Sign() <= 0 {
				skip = "dissolved"
				return nil
			}

			pairs := make([]invariant.Pair, 0, len(c.Path))
			for _, edge := range c.Edges() {
				if err := decrementDebt(dbtx, edge[0], edge[1], c.Equivalent, delta, now); err != nil {
					return err
				}
				pairs = append(pairs, invariant.Pair{A: edge[0], B: edge[1], Equivalent: c.Equivalent})
			}

			doc := clearingPayload{
				Version:    1,
				Equivalent: c.Equivalent,
				Cycle:      c.Path,
				Delta:      codec.CanonicalDecimal(delta),
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			record := storage.Transaction{
				TxID:        uuid.New(),
				Type:        storage.TxTypeClearing,
				Initiator:   c.Path[0],
				Payload:     string(raw),
				State:       storage.TxStateCommitted,
				Equivalent:  c.Equivalent,
				CreatedAt:   now,
				UpdatedAt:   now,
				CommittedAt: &now,
			}
			if err := dbtx.Create(&record).Error; err != nil {
				return err
			}
			if err := storage.AppendAudit(dbtx, "clearing", "clearing.apply", record.TxID.String(), string(raw)); err != nil {
				return err
			}

			if err := invariant.CheckPairs(dbtx, pairs); err != nil {
				return err
			}
			if err := invariant.CheckZeroSum(dbtx, c.Equivalent); err != nil {
				return err
			}
			after, err := invariant.NetBalances(dbtx, c.Equivalent)
			if err != nil {
				return err
			}
			if err := invariant.CheckNeutrality(before, after, c.Equivalent); err != nil {
				return err
			}

			applied = true
			c.Delta = doc.Delta
			recordID, appliedAt = record.TxID, now
			return nil
		})
	})
	if err != nil {
		if errors.CodeOf(err) == errors.CodeInvariantViolation {
			// Rolled back with the transaction; nothing was netted.
			observability.Clearing().RecordSkipped("invariant")
			return false, err
		}
		return false, errors.Wrap(errors.CodeInternal, "apply cycle", err)
	}
	if skip != "" {
		observability.Clearing().RecordSkipped(skip)
		e.log.Debug("cycle skipped", "equivalent", c.Equivalent, "reason", skip)
		return false, nil
	}
	if applied {
		e.emitApplied(recordID, c, appliedAt)
	}
	return applied, nil
}

// emitApplied records metrics and emits the event. Runs only after the
// applying transaction has committed: a rollback must not publish the
// cycle.
func (e *Engine) emitApplied(txID uuid.UUID, c Cycle, now time.Time) {
	observability.Clearing().RecordApplied(c.Equivalent, len(c.Path))
	e.emitter.Emit(events.ClearingCommitted{
		TxID:       txID.String(),
		Equivalent: c.Equivalent,
		Cycle:      c.Path,
		Delta:      c.Delta,
		Timestamp:  now,
	})
	e.log.Info("cycle netted",
		"tx_id", txID,
		"equivalent", c.Equivalent,
		"length", len(c.Path),
		"delta", c.Delta)
}

// decrementDebt shrinks one edge by delta, deleting the row at zero. The
// caller holds the row FOR UPDATE via cycleDelta.
func decrementDebt(dbtx *gorm.DB, debtor, creditor, equivalent string, delta decimal.Decimal, now time.Time) error {
	row, err := storage.GetDebt(dbtx, debtor, creditor, equivalent)
	if err != nil {
		return err
	}
	amount, perr := decimal.NewFromString(row.Amount)
	if perr != nil {
		return errors.Wrap(errors.CodeInternal, "stored debt amount", perr)
	}
	left := amount.Sub(delta)
	if left.Sign() < 0 {
		return errors.Newf(errors.CodeInvariantViolation,
			"clearing would overdraw debt %s->%s %s", debtor, creditor, equivalent)
	}
	if left.IsZero() {
		return dbtx.Delete(&storage.Debt{}, "id = ?", row.ID).Error
	}
	return dbtx.Model(&storage.Debt{}).Where("id = ?", row.ID).
		Updates(map[string]any{"amount": codec.CanonicalDecimal(left), "updated_at": now}).Error
}

func cycleLockKeys(c Cycle) []int64 {
	keys := make([]int64, 0, len(c.Path))
	for _, edge := range c.Edges() {
		keys = append(keys, crypto.LockKey(crypto.SegmentFingerprint(c.Equivalent, crypto.PID(edge[0]), crypto.PID(edge[1]))))
	}
	return keys
}
