package txn

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

func newTestManager(t *testing.T, tune func(*Config)) (*Manager, storage.Backend) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig("test")
	cfg.LockWait = 100 * time.Millisecond
	cfg.LockRetry = 5 * time.Millisecond
	if tune != nil {
		tune(&cfg)
	}
	backend := storage.NewMemory()
	return NewManager(cfg, rdb, backend, slog.Default()), backend
}

func identity(key string) cell.Identity {
	return cell.NewIdentity("Account", cell.StringKey(key))
}

func TestCommitAppliesAllParticipants(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()

	tx, txCtx, err := mgr.Begin(ctx)
	require.NoError(t, err)

	a, b := identity("alice"), identity("bob")
	require.NoError(t, tx.Lock(txCtx, a, "PrimaryStore"))
	require.NoError(t, tx.StageWrite(txCtx, a, "PrimaryStore", []byte(`{"balance":90}`), codec.Text.Tag()))
	require.NoError(t, tx.Lock(txCtx, b, "PrimaryStore"))
	require.NoError(t, tx.StageWrite(txCtx, b, "PrimaryStore", []byte(`{"balance":110}`), codec.Text.Tag()))

	require.NoError(t, mgr.Resolve(ctx, tx, nil))

	recA, err := backend.Read(ctx, "Account", a.Key.String(), "PrimaryStore")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":90}`, string(recA.Data))
	recB, err := backend.Read(ctx, "Account", b.Key.String(), "PrimaryStore")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":110}`, string(recB.Data))

	// Prepared journals are consumed by the apply.
	_, err = backend.Read(ctx, "Account", a.Key.String(), SlotTransactionStore)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	decision, _, err := mgr.readRecord(ctx, tx.ID())
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, stateCommitted, decision.State)
}

func TestAbortLeavesNoTrace(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()

	tx, txCtx, err := mgr.Begin(ctx)
	require.NoError(t, err)
	a := identity("ghost")
	require.NoError(t, tx.Lock(txCtx, a, "PrimaryStore"))
	require.NoError(t, tx.StageWrite(txCtx, a, "PrimaryStore", []byte(`{"balance":1}`), codec.Text.Tag()))

	require.NoError(t, mgr.Resolve(ctx, tx, fault.New(fault.KindInvalidInput, "boom")))

	_, err = backend.Read(ctx, "Account", a.Key.String(), "PrimaryStore")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	decision, _, err := mgr.readRecord(ctx, tx.ID())
	require.NoError(t, err)
	assert.Nil(t, decision, "abort before prepare must leave no durable record")

	// Locks are released: a fresh transaction takes them without waiting.
	tx2, tx2Ctx, err := mgr.Begin(ctx)
	require.NoError(t, err)
	assert.NoError(t, tx2.Lock(tx2Ctx, a, "PrimaryStore"))
	require.NoError(t, mgr.Resolve(ctx, tx2, nil))
}

func TestContendedLockConflicts(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("contended")

	tx1, tx1Ctx, err := mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx1.Lock(tx1Ctx, a, "PrimaryStore"))

	tx2, tx2Ctx, err := mgr.Begin(ctx)
	require.NoError(t, err)
	err = tx2.Lock(tx2Ctx, a, "PrimaryStore")
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	// Re-taking a lock the transaction already holds is a no-op.
	assert.NoError(t, tx1.Lock(tx1Ctx, a, "PrimaryStore"))
}

func TestStagedReadYourWrites(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("ryw")

	tx, txCtx, err := mgr.Begin(ctx)
	require.NoError(t, err)

	_, _, ok, err := tx.Staged(txCtx, a, "PrimaryStore")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.StageWrite(txCtx, a, "PrimaryStore", []byte(`{"v":1}`), codec.Text.Tag()))
	data, cleared, ok, err := tx.Staged(txCtx, a, "PrimaryStore")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, cleared)
	assert.JSONEq(t, `{"v":1}`, string(data))

	require.NoError(t, tx.StageClear(txCtx, a, "PrimaryStore"))
	_, cleared, ok, err = tx.Staged(txCtx, a, "PrimaryStore")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cleared)
}

func TestCommitRefusesForeignPreparedParticipant(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("busy")

	// Another coordinator already prepared on this cell.
	foreign, err := codec.Text.Marshal(preparedRecord{TxID: "01HFOREIGN", Ops: nil})
	require.NoError(t, err)
	_, err = backend.Write(ctx, "Account", a.Key.String(), SlotTransactionStore, foreign, codec.Text.Tag(), storage.NoETag)
	require.NoError(t, err)

	tx, txCtx, err := mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Lock(txCtx, a, "PrimaryStore"))
	require.NoError(t, tx.StageWrite(txCtx, a, "PrimaryStore", []byte(`{"v":2}`), codec.Text.Tag()))

	err = mgr.Resolve(ctx, tx, nil)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	decision, _, rerr := mgr.readRecord(ctx, tx.ID())
	require.NoError(t, rerr)
	require.NotNil(t, decision)
	assert.Equal(t, stateAborted, decision.State)

	// The foreign prepared journal is untouched.
	rec, err := backend.Read(ctx, "Account", a.Key.String(), SlotTransactionStore)
	require.NoError(t, err)
	assert.JSONEq(t, string(foreign), string(rec.Data))
}

func TestRecoverCommittedAppliesJournal(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("crashed")

	// Crash window: decision record says committed, the prepared journal is
	// still sitting on the participant.
	ops := []journalEntry{{Identity: a.String(), Slot: "PrimaryStore", Data: []byte(`{"balance":42}`), CodecTag: codec.Text.Tag()}}
	prep, err := codec.Text.Marshal(preparedRecord{TxID: "01HCRASH", Ops: ops})
	require.NoError(t, err)
	_, err = backend.Write(ctx, "Account", a.Key.String(), SlotTransactionStore, prep, codec.Text.Tag(), storage.NoETag)
	require.NoError(t, err)
	_, err = mgr.writeRecord(ctx, txnRecord{
		ID: "01HCRASH", State: stateCommitted,
		Participants: []string{a.String()},
		Deadline:     time.Now().Add(time.Minute),
	}, storage.NoETag)
	require.NoError(t, err)

	require.NoError(t, mgr.RecoverParticipant(ctx, a))

	rec, err := backend.Read(ctx, "Account", a.Key.String(), "PrimaryStore")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":42}`, string(rec.Data))
	_, err = backend.Read(ctx, "Account", a.Key.String(), SlotTransactionStore)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestRecoverWithoutDecisionPresumesAbort(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("orphan")

	ops := []journalEntry{{Identity: a.String(), Slot: "PrimaryStore", Data: []byte(`{"balance":7}`), CodecTag: codec.Text.Tag()}}
	prep, err := codec.Text.Marshal(preparedRecord{TxID: "01HNODEC", Ops: ops})
	require.NoError(t, err)
	_, err = backend.Write(ctx, "Account", a.Key.String(), SlotTransactionStore, prep, codec.Text.Tag(), storage.NoETag)
	require.NoError(t, err)

	require.NoError(t, mgr.RecoverParticipant(ctx, a))

	_, err = backend.Read(ctx, "Account", a.Key.String(), "PrimaryStore")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err), "presumed abort must not apply the journal")
	_, err = backend.Read(ctx, "Account", a.Key.String(), SlotTransactionStore)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestRecoverExpiredPreparingAborts(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("expired")

	prep, err := codec.Text.Marshal(preparedRecord{TxID: "01HEXPIRED", Ops: nil})
	require.NoError(t, err)
	_, err = backend.Write(ctx, "Account", a.Key.String(), SlotTransactionStore, prep, codec.Text.Tag(), storage.NoETag)
	require.NoError(t, err)
	_, err = mgr.writeRecord(ctx, txnRecord{
		ID: "01HEXPIRED", State: statePreparing,
		Participants: []string{a.String()},
		Deadline:     time.Now().Add(-time.Second),
	}, storage.NoETag)
	require.NoError(t, err)

	require.NoError(t, mgr.RecoverParticipant(ctx, a))

	decision, _, err := mgr.readRecord(ctx, "01HEXPIRED")
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, stateAborted, decision.State)
}

func TestRecoverUndecidedPreparingIsPending(t *testing.T) {
	mgr, backend := newTestManager(t, nil)
	ctx := context.Background()
	a := identity("pending")

	prep, err := codec.Text.Marshal(preparedRecord{TxID: "01HPENDING", Ops: nil})
	require.NoError(t, err)
	_, err = backend.Write(ctx, "Account", a.Key.String(), SlotTransactionStore, prep, codec.Text.Tag(), storage.NoETag)
	require.NoError(t, err)
	_, err = mgr.writeRecord(ctx, txnRecord{
		ID: "01HPENDING", State: statePreparing,
		Participants: []string{a.String()},
		Deadline:     time.Now().Add(time.Minute),
	}, storage.NoETag)
	require.NoError(t, err)

	err = mgr.RecoverParticipant(ctx, a)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}
