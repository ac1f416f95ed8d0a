package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/stream"
)

// groupManager multiplexes stream subscriptions across socket connections.
// One substrate subscription exists per group regardless of member count and
// is torn down when the last member leaves.
type groupManager struct {
	substrate *stream.Substrate
	provider  string
	logger    *slog.Logger

	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	sub     *stream.Subscription
	members map[*socketConn]struct{}
}

func newGroupManager(substrate *stream.Substrate, provider string, logger *slog.Logger) *groupManager {
	return &groupManager{
		substrate: substrate,
		provider:  provider,
		logger:    logger,
		groups:    map[string]*group{},
	}
}

// streamFor maps a group name like "trade:<id>" onto its stream.
func (m *groupManager) streamFor(name string) (stream.ID, error) {
	ns, key, ok := strings.Cut(name, ":")
	if !ok || ns == "" || key == "" {
		return stream.ID{}, fault.New(fault.KindInvalidInput, "bad group name %q", name)
	}
	return stream.NewID(m.provider, ns, key), nil
}

func (m *groupManager) Join(ctx context.Context, name string, c *socketConn) error {
	id, err := m.streamFor(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	if !ok {
		g = &group{members: map[*socketConn]struct{}{}}
		sub, err := m.substrate.Subscribe(ctx, id, func(_ context.Context, ev *stream.Event) error {
			m.broadcast(name, ev)
			return nil
		})
		if err != nil {
			return err
		}
		g.sub = sub
		m.groups[name] = g
	}
	g.members[c] = struct{}{}
	return nil
}

func (m *groupManager) Leave(name string, c *socketConn) {
	m.mu.Lock()
	g, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(g.members, c)
	last := len(g.members) == 0
	if last {
		delete(m.groups, name)
	}
	m.mu.Unlock()

	// Unsubscribe outside the lock: it waits for the in-flight delivery,
	// and that delivery may be broadcasting.
	if last {
		g.sub.Unsubscribe()
	}
}

func (m *groupManager) broadcast(name string, ev *stream.Event) {
	m.mu.Lock()
	g, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	members := make([]*socketConn, 0, len(g.members))
	for c := range g.members {
		members = append(members, c)
	}
	m.mu.Unlock()

	for _, c := range members {
		c.push(name, ev)
	}
}
