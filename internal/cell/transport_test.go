package cell_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

// bouncerCell calls a peer on another silo which then calls back into the
// originator while it is still on the stack, exercising the wire envelope's
// call-chain propagation.
type bouncerCell struct {
	value int
}

type bounceIn struct {
	Peer   string `json:"peer"`
	Nested string `json:"nested"`
}

func (b *bouncerCell) Set(_ *cell.Ctx, in addIn) (valueOut, error) {
	b.value = in.Delta
	return valueOut{Value: b.value}, nil
}

func (b *bouncerCell) Peek(*cell.Ctx, struct{}) (valueOut, error) {
	return valueOut{Value: b.value}, nil
}

func (b *bouncerCell) RoundTrip(rc *cell.Ctx, in bounceIn) (valueOut, error) {
	peer, err := cell.ParseIdentity(in.Peer)
	if err != nil {
		return valueOut{}, err
	}
	var out valueOut
	err = rc.Invoke(peer, "bounce", bounceIn{Peer: rc.Identity().String(), Nested: in.Nested}, &out)
	return out, err
}

func (b *bouncerCell) Bounce(rc *cell.Ctx, in bounceIn) (valueOut, error) {
	origin, err := cell.ParseIdentity(in.Peer)
	if err != nil {
		return valueOut{}, err
	}
	var out valueOut
	err = rc.Invoke(origin, in.Nested, struct{}{}, &out)
	return out, err
}

func bouncerKind() *cell.Kind {
	k := cell.NewKind("Bouncer", func() cell.Handler { return &bouncerCell{} })
	cell.Handle(k, "set", cell.NotTransactional, (*bouncerCell).Set)
	cell.Handle(k, "peek", cell.NotTransactional, (*bouncerCell).Peek, cell.Interleavable())
	cell.Handle(k, "roundTrip", cell.NotTransactional, (*bouncerCell).RoundTrip)
	cell.Handle(k, "bounce", cell.NotTransactional, (*bouncerCell).Bounce)
	return k
}

type httpSilo struct {
	rt        *cell.Runtime
	directory *cluster.Directory
}

// newHTTPSiloPair builds two silos joined through a shared redis, each
// serving its invoke endpoint on a real HTTP listener.
func newHTTPSiloPair(t *testing.T) (a, b *httpSilo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	backend := storage.NewMemory()

	build := func(id cluster.NodeID) *httpSilo {
		router := chi.NewRouter()
		srv := httptest.NewServer(router)
		t.Cleanup(srv.Close)

		mcfg := cluster.DefaultMembershipConfig("test")
		mcfg.HeartbeatInterval = 20 * time.Millisecond
		membership := cluster.NewMembership(mcfg, rdb,
			cluster.NodeRecord{ID: id, Endpoint: srv.URL}, slog.Default())
		require.NoError(t, membership.Start(context.Background()))
		t.Cleanup(func() { _ = membership.Stop(context.Background()) })

		directory := cluster.NewDirectory(cluster.DefaultDirectoryConfig("test"), rdb, membership, slog.Default())

		registry := cell.NewRegistry()
		registry.Add(bouncerKind())

		cfg := cell.DefaultConfig()
		cfg.CallTimeout = 5 * time.Second
		rt := cell.NewRuntime(cfg, registry, backend, directory, membership, cell.NewHTTPTransport(), slog.Default())
		require.NoError(t, rt.Start(context.Background()))
		t.Cleanup(func() { _ = rt.Stop(context.Background()) })
		cell.MountTransport(router, rt, nil)
		return &httpSilo{rt: rt, directory: directory}
	}
	return build("silo-a"), build("silo-b")
}

// splitAcrossSilos finds two identities the rendezvous hash places on
// different nodes; the first return lands on silo-a.
func splitAcrossSilos(t *testing.T, d *cluster.Directory) (cell.Identity, cell.Identity) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 128; i++ {
		x := cell.NewIdentity("Bouncer", cell.StringKey(fmt.Sprintf("x-%d", i)))
		y := cell.NewIdentity("Bouncer", cell.StringKey(fmt.Sprintf("y-%d", i)))
		px, err := d.Locate(ctx, x.String())
		require.NoError(t, err)
		py, err := d.Locate(ctx, y.String())
		require.NoError(t, err)
		if px.Node == py.Node {
			continue
		}
		if px.Node == "silo-a" {
			return x, y
		}
		return y, x
	}
	t.Fatal("no identity pair split across silos")
	return cell.Identity{}, cell.Identity{}
}

func TestHTTPTransport_InterleavableCallbackAcrossSilos(t *testing.T) {
	a, _ := newHTTPSiloPair(t)
	x, y := splitAcrossSilos(t, a.directory)
	ctx := context.Background()

	var out valueOut
	require.NoError(t, a.rt.Invoke(ctx, x, "set", addIn{Delta: 9}, &out))

	// x calls y on the other silo; y calls back into x while roundTrip is
	// still in flight. The interleavable peek must run inline on x's worker
	// rather than queue behind the in-flight call.
	require.NoError(t, a.rt.Invoke(ctx, x, "roundTrip", bounceIn{Peer: y.String(), Nested: "peek"}, &out))
	assert.Equal(t, 9, out.Value)
}

func TestHTTPTransport_NonInterleavableCallbackFailsFast(t *testing.T) {
	a, _ := newHTTPSiloPair(t)
	x, y := splitAcrossSilos(t, a.directory)
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	start := time.Now()
	err := a.rt.Invoke(ctx, x, "roundTrip", bounceIn{Peer: y.String(), Nested: "set"}, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindFatal, fault.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second,
		"reentrancy must be detected from the propagated chain, not timed out")
}
