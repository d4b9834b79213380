// Package payment implements the two-phase payment engine: routing, the
// prepare phase reserving capacity under sorted segment advisory locks, and
// the commit phase applying debt deltas. The transaction state machine is
//
//	NEW -> PREPARED -> COMMITTED
//	NEW -> ABORTED, PREPARED -> ABORTED
//
// Terminal states are idempotent: repeating a finished call returns the
// recorded result.
package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
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
	"geohub/router"
	"geohub/storage"
)

// NonceStore guards against replayed signed payloads. MarkSeen returns true
// when the nonce was already recorded for the participant.
type NonceStore interface {
	MarkSeen(pid, nonce string, issuedAt time.Time) (bool, error)
}

// CommittedHook runs after a payment commits; the clearing engine registers
// here to attempt on-demand cycle netting for the touched pairs.
type CommittedHook func(equivalent string, pairs []invariant.Pair)

// Config bounds the engine phases.
type Config struct {
	LockTTL            time.Duration
	PrepareTimeout     time.Duration
	CommitTimeout      time.Duration
	TransactionTimeout time.Duration
	NewGrace           time.Duration
	SerializationRetry int
}

// Engine coordinates payments over the store.
type Engine struct {
	store   *storage.Store
	routes  *router.Router
	nonces  NonceStore
	emitter events.Emitter
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	onCommitted CommittedHook
}

// New constructs a payment engine.
func New(store *storage.Store, routes *router.Router, nonces NonceStore, emitter events.Emitter, cfg Config, log *slog.Logger) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 60 * time.Second
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = 3 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 10 * time.Second
	}
	if cfg.NewGrace <= 0 {
		cfg.NewGrace = 60 * time.Second
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
		store:   store,
		routes:  routes,
		nonces:  nonces,
		emitter: emitter,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source. Tests use this for deterministic
// TTL handling.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
		return
	}
	e.now = now
}

// SetCommittedHook registers the post-commit callback.
func (e *Engine) SetCommittedHook(hook CommittedHook) { e.onCommitted = hook }

// payloadDoc is the self-describing transaction payload persisted with
// every payment. The shape is versioned inside the document.
type payloadDoc struct {
	Version    int        `json:"version"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Equivalent string     `json:"equivalent"`
	Amount     string     `json:"amount"`
	Nonce      string     `json:"nonce"`
	IssuedAt   int64      `json:"issued_at"`
	Routes     [][]string `json:"routes"`
	Flows      []string   `json:"flows"`
}

// Result is the payment outcome returned to the caller.
type Result struct {
	TxID        uuid.UUID
	Status      string
	Routes      [][]string
	Amount      string
	CreatedAt   time.Time
	CommittedAt *time.Time
	Err         *errors.Error
}

// CreateRequest carries a signed payment creation.
type CreateRequest struct {
	Payload        json.RawMessage
	PublicKey      string
	Signature      string
	IdempotencyKey string
}

// Create executes the full payment synchronously: verify, route, prepare,
// commit. A recorded transaction with the same idempotency key short-
// circuits to its result.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TransactionTimeout)
	defer cancel()

	var intent codec.PaymentIntent
	if err := codec.DecodeStrict(req.Payload, &intent); err != nil {
		return Result{}, err
	}
	if err := codec.VerifySignature(codec.SignedPayload{
		Payload:   req.Payload,
		PublicKey: req.PublicKey,
		Signature: req.Signature,
	}); err != nil {
		return Result{}, err
	}

	db := e.store.DB().WithContext(ctx)

	sender, err := e.activeParticipant(db, intent.From)
	if err != nil {
		return Result{}, err
	}
	if sender.PublicKey != req.PublicKey {
		return Result{}, errors.New(errors.CodeInvalidSignature, "payload not signed by sender's registered key")
	}
	if _, err := e.activeParticipant(db, intent.To); err != nil {
		return Result{}, err
	}
	equivalent, err := storage.GetEquivalent(db, intent.Equivalent)
	if err != nil {
		if err == storage.ErrNotFound {
			return Result{}, errors.Newf(errors.CodeNotFound, "equivalent %s not registered", intent.Equivalent)
		}
		return Result{}, err
	}
	if !equivalent.Active {
		return Result{}, errors.ErrEquivalentInactive
	}
	amount, err := codec.ParseAmount(intent.Amount, equivalent.Precision)
	if err != nil {
		return Result{}, err
	}
	if intent.From == intent.To {
		return Result{}, errors.New(errors.CodeValidation, "sender and receiver must differ")
	}

	// Idempotency before the nonce guard: a replayed create with the same
	// key is a legitimate retry, not an attack.
	if req.IdempotencyKey != "" {
		if res, ok, err := e.replayByKey(db, req.IdempotencyKey, req.Payload); err != nil {
			return Result{}, err
		} else if ok {
			return res, nil
		}
	}

	plan, err := e.routes.FindRoutes(ctx, db, intent.From, intent.To, equivalent.Code, amount)
	if err != nil {
		return Result{}, err
	}

	// The nonce burns only once a transaction is about to be recorded: a
	// payment rejected for lack of capacity must not force the sender to
	// re-sign the intent.
	if e.nonces != nil {
		seen, err := e.nonces.MarkSeen(intent.From, intent.Nonce, time.Unix(intent.IssuedAt, 0))
		if err != nil {
			return Result{}, errors.Wrap(errors.CodeInternal, "nonce store", err)
		}
		if seen {
			return Result{}, errors.ErrReplayNonce
		}
	}

	tx, err := e.persistNew(ctx, intent, equivalent.Code, plan, req)
	if err != nil {
		return Result{}, err
	}

	if err := e.Prepare(ctx, tx.TxID); err != nil {
		res, _ := e.resultOf(db, tx.TxID)
		return res, err
	}
	if err := e.Commit(ctx, tx.TxID); err != nil {
		res, _ := e.resultOf(db, tx.TxID)
		return res, err
	}
	return e.resultOf(db, tx.TxID)
}

// Status returns the recorded result for a transaction.
func (e *Engine) Status(ctx context.Context, txID uuid.UUID) (Result, error) {
	return e.resultOf(e.store.DB().WithContext(ctx), txID)
}

func (e *Engine) activeParticipant(db *gorm.DB, pid string) (*storage.Participant, error) {
	p, err := storage.GetParticipant(db, pid)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.Newf(errors.CodeNotFound, "participant %s not registered", pid)
		}
		return nil, err
	}
	if p.Status != storage.ParticipantActive {
		return nil, errors.ErrInactiveParticipant
	}
	return p, nil
}

// replayByKey returns the recorded result when the idempotency key is known
// and the parameters match; a parameter mismatch is a conflict.
func (e *Engine) replayByKey(db *gorm.DB, key string, payload json.RawMessage) (Result, bool, error) {
	existing, err := storage.GetTransactionByIdempotencyKey(db, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	var doc payloadDoc
	if err := json.Unmarshal([]byte(existing.Payload), &doc); err != nil {
		return Result{}, false, errors.Wrap(errors.CodeInternal, "recorded payload", err)
	}
	var intent codec.PaymentIntent
	if err := codec.DecodeStrict(payload, &intent); err != nil {
		return Result{}, false, err
	}
	if doc.From != intent.From || doc.To != intent.To ||
		doc.Equivalent != intent.Equivalent || doc.Amount != intent.Amount ||
		doc.Nonce != intent.Nonce {
		return Result{}, false, errors.ErrIdempotencyConflict
	}
	res, err := e.resultOf(db, existing.TxID)
	return res, err == nil, err
}

func (e *Engine) persistNew(ctx context.Context, intent codec.PaymentIntent, equivalent string, plan router.Plan, req CreateRequest) (*storage.Transaction, error) {
	flows := make([]string, 0, len(plan.Paths))
	for _, p := range plan.Paths {
		flows = append(flows, codec.CanonicalDecimal(p.Amount))
	}
	doc := payloadDoc{
		Version:    1,
		From:       intent.From,
		To:         intent.To,
		Equivalent: equivalent,
		Amount:     intent.Amount,
		Nonce:      intent.Nonce,
		IssuedAt:   intent.IssuedAt,
		Routes:     plan.Routes(),
		Flows:      flows,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "encode payload", err)
	}
	sig, err := json.Marshal(map[string]string{
		"public_key": req.PublicKey,
		"signature":  req.Signature,
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "encode signatures", err)
	}
	tx := &storage.Transaction{
		TxID:       uuid.New(),
		Type:       storage.TxTypePayment,
		Initiator:  intent.From,
		Payload:    string(raw),
		Signatures: string(sig),
		State:      storage.TxStateNew,
		Equivalent: equivalent,
		CreatedAt:  e.now(),
		UpdatedAt:  e.now(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		tx.IdempotencyKey = &key
	}
	err = e.store.WithTx(ctx, func(dbtx *gorm.DB) error {
		if err := dbtx.Create(tx).Error; err != nil {
			return err
		}
		return storage.AppendAudit(dbtx, intent.From, "payment.create", tx.TxID.String(), string(raw))
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "persist transaction", err)
	}
	return tx, nil
}

func (e *Engine) resultOf(db *gorm.DB, txID uuid.UUID) (Result, error) {
	tx, err := storage.GetTransaction(db, txID)
	if err != nil {
		return Result{}, err
	}
	var doc payloadDoc
	if err := json.Unmarshal([]byte(tx.Payload), &doc); err != nil {
		return Result{}, errors.Wrap(errors.CodeInternal, "recorded payload", err)
	}
	res := Result{
		TxID:        tx.TxID,
		Status:      tx.State,
		Routes:      doc.Routes,
		Amount:      doc.Amount,
		CreatedAt:   tx.CreatedAt,
		CommittedAt: tx.CommittedAt,
	}
	if tx.State == storage.TxStateAborted && tx.ErrorCode != "" {
		res.Err = errors.New(errors.Code(tx.ErrorCode), tx.ErrorMessage)
	}
	return res, nil
}

// segments derives the aggregated per-segment flows from a payload doc.
// The same segment may appear on several paths; its reservations sum.
func (doc payloadDoc) segments() ([]segment, error) {
	agg := map[[2]string]decimal.Decimal{}
	for i, hops := range doc.Routes {
		flow, err := decimal.NewFromString(doc.Flows[i])
		if err != nil {
			return nil, errors.Wrap(errors.CodeInternal, "recorded flow", err)
		}
		for j := 0; j+1 < len(hops); j++ {
			key := [2]string{hops[j], hops[j+1]}
			agg[key] = agg[key].Add(flow)
		}
	}
	segs := make([]segment, 0, len(agg))
	for key, flow := range agg {
		segs = append(segs, segment{
			debtor:     key[0],
			creditor:   key[1],
			equivalent: doc.Equivalent,
			flow:       flow,
		})
	}
	sortSegments(segs)
	return segs, nil
}

type segment struct {
	debtor     string
	creditor   string
	equivalent string
	flow       decimal.Decimal
}

func (s segment) lockKey() int64 {
	return crypto.LockKey(crypto.SegmentFingerprint(s.equivalent, crypto.PID(s.debtor), crypto.PID(s.creditor)))
}

func sortSegments(segs []segment) {
	sort.Slice(segs, func(i, j int) bool { return lessSegment(segs[i], segs[j]) })
}

// lessSegment orders by (debtor, creditor, equivalent): the row update
// order in commit.
func lessSegment(a, b segment) bool {
	if a.debtor != b.debtor {
		return a.debtor < b.debtor
	}
	if a.creditor != b.creditor {
		return a.creditor < b.creditor
	}
	return a.equivalent < b.equivalent
}

func lockKeysOf(segs []segment) []int64 {
	keys := make([]int64, 0, len(segs))
	for _, s := range segs {
		keys = append(keys, s.lockKey())
	}
	return keys
}

func (e *Engine) emitAborted(tx *storage.Transaction, doc payloadDoc, reason errors.Code) {
	observability.Payments().RecordAborted(doc.Equivalent, string(reason))
	e.emitter.Emit(events.PaymentAborted{
		TxID:       tx.TxID.String(),
		From:       doc.From,
		To:         doc.To,
		Equivalent: doc.Equivalent,
		Reason:     string(reason),
		Timestamp:  e.now(),
	})
}
