// Package celltest provides the in-process silo fixture shared by tests that
// need a running cell runtime: a miniredis-backed membership and directory,
// an in-memory storage backend, and a loopback transport.
package celltest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/storage"
)

// Silo is one running in-process node.
type Silo struct {
	Runtime *cell.Runtime
	Backend storage.Backend
	Redis   *redis.Client
	Mini    *miniredis.Miniredis
}

// Options tunes the fixture before the runtime starts.
type Options struct {
	Kinds  []*cell.Kind
	Config func(*cell.Config)
	// Wire runs after construction but before Start, for collaborators that
	// must attach to the runtime (transaction manager, substrate).
	Wire func(*Silo)
}

// NewSilo starts a single-node silo and tears it down with the test.
func NewSilo(t *testing.T, opts Options) *Silo {
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

	registry := cell.NewRegistry()
	for _, k := range opts.Kinds {
		registry.Add(k)
	}

	cfg := cell.DefaultConfig()
	cfg.CallTimeout = 5 * time.Second
	if opts.Config != nil {
		opts.Config(&cfg)
	}

	backend := storage.NewMemory()
	rt := cell.NewRuntime(cfg, registry, backend, directory, membership, cell.NewLoopbackTransport(), slog.Default())
	silo := &Silo{Runtime: rt, Backend: backend, Redis: rdb, Mini: mr}
	if opts.Wire != nil {
		opts.Wire(silo)
	}
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return silo
}
