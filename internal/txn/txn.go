// Package txn implements the two-phase-commit coordinator behind ambient
// transactions. Tentative mutations are journaled in the shared KV, so a
// transaction can span cells hosted on different silos; the prepare and
// commit decisions are made durable through the storage backend and survive
// coordinator crashes.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

// Config tunes transaction lifetime and lock contention behavior.
type Config struct {
	ServiceID string
	// Deadline bounds the whole transaction; a commit attempted past it
	// aborts instead.
	Deadline time.Duration
	// LockWait is how long a Lock call waits on a contended (identity, slot)
	// lock before failing with KindConflict.
	LockWait time.Duration
	// LockRetry is the poll interval while waiting on a contended lock.
	LockRetry time.Duration
}

func DefaultConfig(serviceID string) Config {
	return Config{
		ServiceID: serviceID,
		Deadline:  30 * time.Second,
		LockWait:  2 * time.Second,
		LockRetry: 25 * time.Millisecond,
	}
}

// Manager begins, resolves and recovers transactions. It implements both
// cell.TxnStarter (for CreateOrJoin operations invoked outside a transaction)
// and cell.TxnResolver (rebinding transaction IDs that arrive over the
// silo-to-silo transport).
type Manager struct {
	cfg     Config
	rdb     redis.UniversalClient
	backend storage.Backend
	logger  *slog.Logger
}

func NewManager(cfg Config, rdb redis.UniversalClient, backend storage.Backend, logger *slog.Logger) *Manager {
	if cfg.Deadline <= 0 {
		cfg = DefaultConfig(cfg.ServiceID)
	}
	return &Manager{cfg: cfg, rdb: rdb, backend: backend, logger: logger}
}

func (m *Manager) journalKey(txID string) string {
	return fmt.Sprintf("titan:%s:txn:%s:journal", m.cfg.ServiceID, txID)
}

func (m *Manager) metaKey(txID string) string {
	return fmt.Sprintf("titan:%s:txn:%s:meta", m.cfg.ServiceID, txID)
}

func (m *Manager) heldKey(txID string) string {
	return fmt.Sprintf("titan:%s:txn:%s:locks", m.cfg.ServiceID, txID)
}

func (m *Manager) lockKey(id cell.Identity, slot string) string {
	return fmt.Sprintf("titan:%s:txnlock:%s|%s", m.cfg.ServiceID, id.String(), slot)
}

// Begin opens a transaction and attaches it to the returned context. The
// transaction ID is a ULID, so records sort by start time.
func (m *Manager) Begin(ctx context.Context) (cell.Txn, context.Context, error) {
	id := ulid.Make().String()
	deadline := time.Now().Add(m.cfg.Deadline)

	if err := m.rdb.HSet(ctx, m.metaKey(id), "deadlineMs", deadline.UnixMilli()).Err(); err != nil {
		return nil, nil, fault.Wrap(fault.KindTransient, err, "begin transaction")
	}
	// Meta outlives the deadline by a margin so late resolvers still see it.
	_ = m.rdb.PExpire(ctx, m.metaKey(id), 2*m.cfg.Deadline).Err()

	tx := &handle{mgr: m, id: id, deadline: deadline}
	m.logger.Debug("transaction begun", "txId", id)
	return tx, cell.WithTxn(ctx, tx), nil
}

// ResolveTxn rebinds a transaction ID carried over the transport to a local
// handle. All transaction state lives in the shared KV, so the handle is a
// plain view.
func (m *Manager) ResolveTxn(ctx context.Context, txID string) (cell.Txn, error) {
	deadlineMs, err := m.rdb.HGet(ctx, m.metaKey(txID), "deadlineMs").Int64()
	if err == redis.Nil {
		return nil, fault.New(fault.KindTransient, "transaction %s unknown or expired", txID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "resolve transaction %s", txID)
	}
	return &handle{mgr: m, id: txID, deadline: time.UnixMilli(deadlineMs)}, nil
}

// Resolve finishes a transaction: commit when the operation succeeded, abort
// otherwise. Abort before prepare leaves no durable trace (presumed abort).
func (m *Manager) Resolve(ctx context.Context, tx cell.Txn, opErr error) error {
	h, ok := tx.(*handle)
	if !ok {
		return fault.New(fault.KindFatal, "foreign transaction handle %T", tx)
	}
	if opErr != nil {
		return m.abort(ctx, h)
	}
	return m.commit(ctx, h)
}

// journalEntry is one staged mutation. Entries are keyed by
// (identity, slot) in the journal hash; restaging overwrites in place.
type journalEntry struct {
	Identity string `json:"identity"`
	Slot     string `json:"slot"`
	Clear    bool   `json:"clear,omitempty"`
	Data     []byte `json:"data,omitempty"`
	CodecTag string `json:"codecTag,omitempty"`
}

func journalField(identity, slot string) string {
	return identity + "\x00" + slot
}

// handle is the runtime-facing view of one transaction. It holds no state of
// its own; every silo touching the transaction resolves an equivalent handle.
type handle struct {
	mgr      *Manager
	id       string
	deadline time.Time
}

func (h *handle) ID() string { return h.id }

// acquireLock takes the lock when free or already held by this transaction.
var acquireLock = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur or cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock takes the exclusive (identity, slot) lock for the rest of the
// transaction. Lock TTLs track the transaction deadline, so locks of a
// crashed coordinator free themselves.
func (h *handle) Lock(ctx context.Context, id cell.Identity, slot string) error {
	ttl := time.Until(h.deadline)
	if ttl <= 0 {
		return fault.New(fault.KindTimeout, "transaction %s past its deadline", h.id)
	}
	key := h.mgr.lockKey(id, slot)
	waitUntil := time.Now().Add(h.mgr.cfg.LockWait)

	for {
		got, err := acquireLock.Run(ctx, h.mgr.rdb, []string{key}, h.id, ttl.Milliseconds()).Int()
		if err != nil {
			return fault.Wrap(fault.KindTransient, err, "lock %s/%s", id, slot)
		}
		if got == 1 {
			if err := h.mgr.rdb.SAdd(ctx, h.mgr.heldKey(h.id), key).Err(); err != nil {
				return fault.Wrap(fault.KindTransient, err, "record lock %s/%s", id, slot)
			}
			return nil
		}
		if time.Now().After(waitUntil) {
			return fault.New(fault.KindConflict, "%s/%s locked by another transaction", id, slot)
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindTimeout, ctx.Err(), "waiting on lock %s/%s", id, slot)
		case <-time.After(h.mgr.cfg.LockRetry):
		}
	}
}

func (h *handle) stage(ctx context.Context, e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fault.Wrap(fault.KindFatal, err, "encode journal entry")
	}
	if err := h.mgr.rdb.HSet(ctx, h.mgr.journalKey(h.id), journalField(e.Identity, e.Slot), data).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, err, "stage %s/%s", e.Identity, e.Slot)
	}
	return nil
}

func (h *handle) StageWrite(ctx context.Context, id cell.Identity, slot string, data []byte, codecTag string) error {
	return h.stage(ctx, journalEntry{Identity: id.String(), Slot: slot, Data: data, CodecTag: codecTag})
}

func (h *handle) StageClear(ctx context.Context, id cell.Identity, slot string) error {
	return h.stage(ctx, journalEntry{Identity: id.String(), Slot: slot, Clear: true})
}

func (h *handle) Staged(ctx context.Context, id cell.Identity, slot string) (data []byte, cleared, ok bool, err error) {
	raw, err := h.mgr.rdb.HGet(ctx, h.mgr.journalKey(h.id), journalField(id.String(), slot)).Bytes()
	if err == redis.Nil {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fault.Wrap(fault.KindTransient, err, "read journal %s/%s", id, slot)
	}
	var e journalEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, false, fault.Wrap(fault.KindFatal, err, "journal entry corrupt for %s/%s", id, slot)
	}
	return e.Data, e.Clear, true, nil
}

func (h *handle) entries(ctx context.Context) ([]journalEntry, error) {
	raw, err := h.mgr.rdb.HGetAll(ctx, h.mgr.journalKey(h.id)).Result()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "read journal of %s", h.id)
	}
	entries := make([]journalEntry, 0, len(raw))
	for _, v := range raw {
		var e journalEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fault.Wrap(fault.KindFatal, err, "journal of %s corrupt", h.id)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Identity != entries[j].Identity {
			return entries[i].Identity < entries[j].Identity
		}
		return entries[i].Slot < entries[j].Slot
	})
	return entries, nil
}

// cleanup discards the journal and releases every lock the transaction holds
// anywhere in the cluster.
func (m *Manager) cleanup(ctx context.Context, txID string) {
	held, err := m.rdb.SMembers(ctx, m.heldKey(txID)).Result()
	if err == nil {
		for _, key := range held {
			_ = releaseLock.Run(ctx, m.rdb, []string{key}, txID).Err()
		}
	}
	_ = m.rdb.Del(ctx, m.journalKey(txID), m.metaKey(txID), m.heldKey(txID)).Err()
}
