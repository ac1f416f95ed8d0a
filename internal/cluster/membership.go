package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/titanworks/titan/internal/fault"
)

// MembershipConfig tunes heartbeat publication and failure detection.
type MembershipConfig struct {
	ServiceID         string
	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
}

func DefaultMembershipConfig(serviceID string) MembershipConfig {
	return MembershipConfig{
		ServiceID:         serviceID,
		HeartbeatInterval: 2 * time.Second,
		FailureTimeout:    10 * time.Second,
	}
}

// Membership publishes this silo's heartbeat into the shared KV and answers
// who is alive. When the KV becomes unreachable the silo suspends itself:
// it keeps serving in-flight work but refuses new activations until contact
// is restored (split-brain guard).
type Membership struct {
	cfg    MembershipConfig
	rdb    redis.UniversalClient
	logger *slog.Logger

	self      NodeRecord
	suspended atomic.Bool
	done      chan struct{}
}

func NewMembership(cfg MembershipConfig, rdb redis.UniversalClient, self NodeRecord, logger *slog.Logger) *Membership {
	self.Incarnation = time.Now().UnixNano()
	return &Membership{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger,
		self:   self,
		done:   make(chan struct{}),
	}
}

func (m *Membership) nodesKey() string {
	return fmt.Sprintf("titan:%s:nodes", m.cfg.ServiceID)
}

// Self returns this silo's identity.
func (m *Membership) Self() NodeID { return m.self.ID }

// Suspended reports whether the silo has lost contact with the KV and must
// refuse new activations.
func (m *Membership) Suspended() bool { return m.suspended.Load() }

// Start publishes the first heartbeat synchronously (startup exit code 2
// depends on this failing fast) and spawns the heartbeat loop.
func (m *Membership) Start(ctx context.Context) error {
	if err := m.beat(ctx); err != nil {
		return fault.Wrap(fault.KindTransient, err, "membership store unreachable")
	}
	go m.loop()
	return nil
}

// Stop withdraws this node from the membership table.
func (m *Membership) Stop(ctx context.Context) error {
	close(m.done)
	if err := m.rdb.HDel(ctx, m.nodesKey(), string(m.self.ID)).Err(); err != nil {
		m.logger.Warn("membership withdraw failed", "node", m.self.ID, "err", err)
	}
	return nil
}

func (m *Membership) loop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
			err := m.beat(ctx)
			cancel()
			if err != nil {
				// Lost contact: suspend before our lease can expire so another
				// silo observing us dead never overlaps a live activation here.
				if m.suspended.CompareAndSwap(false, true) {
					m.logger.Error("membership heartbeat failed, suspending activations",
						"node", m.self.ID, "err", err)
				}
				continue
			}
			if m.suspended.CompareAndSwap(true, false) {
				m.logger.Info("membership contact restored", "node", m.self.ID)
			}
		}
	}
}

func (m *Membership) beat(ctx context.Context) error {
	m.self.HeartbeatAt = time.Now()
	payload, err := json.Marshal(m.self)
	if err != nil {
		return err
	}
	return m.rdb.HSet(ctx, m.nodesKey(), string(m.self.ID), payload).Err()
}

// Snapshot returns the currently live nodes, pruning entries whose heartbeat
// exceeded the failure timeout.
func (m *Membership) Snapshot(ctx context.Context) ([]NodeRecord, error) {
	raw, err := m.rdb.HGetAll(ctx, m.nodesKey()).Result()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "membership snapshot")
	}
	now := time.Now()
	nodes := make([]NodeRecord, 0, len(raw))
	for id, data := range raw {
		var rec NodeRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			m.logger.Warn("membership record corrupt, skipping", "node", id, "err", err)
			continue
		}
		if rec.Alive(now, m.cfg.FailureTimeout) {
			nodes = append(nodes, rec)
		}
	}
	return nodes, nil
}

// Lookup resolves a node's record, dead or alive.
func (m *Membership) Lookup(ctx context.Context, id NodeID) (NodeRecord, error) {
	data, err := m.rdb.HGet(ctx, m.nodesKey(), string(id)).Result()
	if err == redis.Nil {
		return NodeRecord{}, fault.New(fault.KindNotFound, "node %s not in membership table", id)
	}
	if err != nil {
		return NodeRecord{}, fault.Wrap(fault.KindTransient, err, "membership lookup")
	}
	var rec NodeRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return NodeRecord{}, fault.Wrap(fault.KindFatal, err, "membership record corrupt")
	}
	return rec, nil
}

// IsAlive reports whether the given node currently counts as live.
func (m *Membership) IsAlive(ctx context.Context, id NodeID) bool {
	rec, err := m.Lookup(ctx, id)
	if err != nil {
		return false
	}
	return rec.Alive(time.Now(), m.cfg.FailureTimeout)
}
