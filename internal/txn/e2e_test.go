package txn_test

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
	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
	"github.com/titanworks/titan/internal/txn"
)

// accountCell is a minimal transactional participant: deposits join the
// ambient transaction, reads stay outside it.
type accountCell struct{}

type accountState struct {
	Balance int `json:"balance"`
}

type depositIn struct {
	Amount int `json:"amount"`
}

type balanceOut struct {
	Balance int `json:"balance"`
}

func (a *accountCell) Deposit(rc *cell.Ctx, in depositIn) (struct{}, error) {
	var st accountState
	if err := rc.Read("PrimaryStore", &st); err != nil && !fault.Is(err, fault.KindNotFound) {
		return struct{}{}, err
	}
	st.Balance += in.Amount
	if st.Balance < 0 {
		return struct{}{}, fault.New(fault.KindInvalidInput, "insufficient funds")
	}
	return struct{}{}, rc.Write("PrimaryStore", st)
}

func (a *accountCell) Balance(rc *cell.Ctx, _ struct{}) (balanceOut, error) {
	var st accountState
	if err := rc.Read("PrimaryStore", &st); err != nil && !fault.Is(err, fault.KindNotFound) {
		return balanceOut{}, err
	}
	return balanceOut{Balance: st.Balance}, nil
}

// transferDeskCell orchestrates a two-account move inside one transaction.
type transferDeskCell struct{}

type transferIn struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int    `json:"amount"`
}

func (d *transferDeskCell) Transfer(rc *cell.Ctx, in transferIn) (struct{}, error) {
	from := cell.NewIdentity("Account", cell.StringKey(in.From))
	to := cell.NewIdentity("Account", cell.StringKey(in.To))
	if err := rc.Invoke(from, "deposit", depositIn{Amount: -in.Amount}, nil); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, rc.Invoke(to, "deposit", depositIn{Amount: in.Amount}, nil)
}

func newTransferFixture(t *testing.T) (*cell.Runtime, storage.Backend) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mcfg := cluster.DefaultMembershipConfig("test")
	mcfg.HeartbeatInterval = 20 * time.Millisecond
	membership := cluster.NewMembership(mcfg, rdb,
		cluster.NodeRecord{ID: "silo-a", Endpoint: "http://a"}, slog.Default())
	require.NoError(t, membership.Start(context.Background()))
	t.Cleanup(func() { _ = membership.Stop(context.Background()) })
	directory := cluster.NewDirectory(cluster.DefaultDirectoryConfig("test"), rdb, membership, slog.Default())

	account := cell.NewKind("Account", func() cell.Handler { return &accountCell{} })
	account.BindSlot("PrimaryStore", codec.Text)
	cell.Handle(account, "deposit", cell.CreateOrJoin, (*accountCell).Deposit)
	cell.Handle(account, "adjust", cell.Join, (*accountCell).Deposit)
	cell.Handle(account, "balance", cell.NotTransactional, (*accountCell).Balance)

	desk := cell.NewKind("TransferDesk", func() cell.Handler { return &transferDeskCell{} })
	cell.Handle(desk, "transfer", cell.CreateOrJoin, (*transferDeskCell).Transfer)

	registry := cell.NewRegistry()
	registry.Add(account)
	registry.Add(desk)

	backend := storage.NewMemory()
	rt := cell.NewRuntime(cell.DefaultConfig(), registry, backend, directory, membership, cell.NewLoopbackTransport(), slog.Default())
	rt.SetTxnStarter(txn.NewManager(txn.DefaultConfig("test"), rdb, backend, slog.Default()))
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt, backend
}

func balanceOf(t *testing.T, rt *cell.Runtime, name string) int {
	t.Helper()
	var out balanceOut
	require.NoError(t, rt.Invoke(context.Background(),
		cell.NewIdentity("Account", cell.StringKey(name)), "balance", nil, &out))
	return out.Balance
}

func TestTransferCommitsBothSides(t *testing.T) {
	rt, _ := newTransferFixture(t)
	ctx := context.Background()
	desk := cell.NewIdentity("TransferDesk", cell.StringKey("main"))

	require.NoError(t, rt.Invoke(ctx, cell.NewIdentity("Account", cell.StringKey("a")),
		"deposit", depositIn{Amount: 100}, nil))

	require.NoError(t, rt.Invoke(ctx, desk, "transfer", transferIn{From: "a", To: "b", Amount: 30}, nil))

	assert.Equal(t, 70, balanceOf(t, rt, "a"))
	assert.Equal(t, 30, balanceOf(t, rt, "b"))
}

func TestFailedTransferTouchesNeitherSide(t *testing.T) {
	rt, _ := newTransferFixture(t)
	ctx := context.Background()
	desk := cell.NewIdentity("TransferDesk", cell.StringKey("main"))

	require.NoError(t, rt.Invoke(ctx, cell.NewIdentity("Account", cell.StringKey("a")),
		"deposit", depositIn{Amount: 10}, nil))

	// Overdraft fails on the first participant after staging nothing durable;
	// the ambient transaction aborts and neither balance moves.
	err := rt.Invoke(ctx, desk, "transfer", transferIn{From: "a", To: "b", Amount: 50}, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))

	assert.Equal(t, 10, balanceOf(t, rt, "a"))
	assert.Equal(t, 0, balanceOf(t, rt, "b"))
}

func TestDepositAloneGetsItsOwnTransaction(t *testing.T) {
	rt, backend := newTransferFixture(t)
	ctx := context.Background()
	solo := cell.NewIdentity("Account", cell.StringKey("solo"))

	// CreateOrJoin with no ambient transaction begins and commits its own.
	require.NoError(t, rt.Invoke(ctx, solo, "deposit", depositIn{Amount: 5}, nil))

	rec, err := backend.Read(ctx, "Account", solo.Key.String(), "PrimaryStore")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":5}`, string(rec.Data))
}

func TestJoinRequiresAmbientTransaction(t *testing.T) {
	rt, _ := newTransferFixture(t)

	err := rt.Invoke(context.Background(),
		cell.NewIdentity("Account", cell.StringKey("bare")), "adjust", depositIn{Amount: 5}, nil)
	assert.Equal(t, fault.KindFatal, fault.KindOf(err))
}
