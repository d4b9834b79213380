package auth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNonceStore is the durable payload-nonce guard: once a signed
// payment payload's nonce is recorded for a participant, any replay is
// rejected until the retention window prunes it. It satisfies the payment
// engine's NonceStore.
type LevelDBNonceStore struct {
	db     *leveldb.DB
	maxAge time.Duration
	now    func() time.Time
}

// OpenNonceStore opens (or creates) the LevelDB database at path. maxAge
// bounds how long nonces are retained; payloads older than it are rejected
// outright, so pruning cannot readmit a replay.
func OpenNonceStore(path string, maxAge time.Duration) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("auth: nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce store: %w", err)
	}
	return newNonceStore(db, maxAge), nil
}

// OpenMemoryNonceStore backs the guard with an in-memory database. Tests
// and single-shot tools use this.
func OpenMemoryNonceStore(maxAge time.Duration) (*LevelDBNonceStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open in-memory nonce store: %w", err)
	}
	return newNonceStore(db, maxAge), nil
}

func newNonceStore(db *leveldb.DB, maxAge time.Duration) *LevelDBNonceStore {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &LevelDBNonceStore{
		db:     db,
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock for tests.
func (p *LevelDBNonceStore) SetNowFunc(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Close releases the underlying database.
func (p *LevelDBNonceStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// MarkSeen records (pid, nonce) and reports whether it was already present.
// Payloads issued outside the retention window are treated as replays: the
// guard can no longer vouch for them.
func (p *LevelDBNonceStore) MarkSeen(pid, nonce string, issuedAt time.Time) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("auth: nonce store not configured")
	}
	pid = strings.TrimSpace(pid)
	nonce = strings.TrimSpace(nonce)
	if pid == "" || nonce == "" {
		return false, fmt.Errorf("auth: nonce record incomplete")
	}
	now := p.now()
	if !issuedAt.IsZero() && now.Sub(issuedAt.UTC()) > p.maxAge {
		return true, nil
	}

	composite := pid + "|" + nonce
	nonceKey := []byte(nonceKeyPrefix + composite)
	_, err := p.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// First sighting: fall through to record it.
	case err != nil:
		return false, fmt.Errorf("auth: load nonce: %w", err)
	default:
		return true, nil
	}

	nanos := now.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("auth: record nonce: %w", err)
	}
	p.pruneBefore(now.Add(-p.maxAge))
	return false, nil
}

// pruneBefore deletes entries observed before cutoff. Best effort: a failed
// prune only delays reclamation.
func (p *LevelDBNonceStore) pruneBefore(cutoff time.Time) {
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if string(iter.Key()) >= string(cutoffKey) {
			break
		}
		composite, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if batch.Len() > 0 {
		_ = p.db.Write(batch, nil)
	}
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", false
	}
	return parts[2], true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
