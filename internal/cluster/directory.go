package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/titanworks/titan/internal/fault"
)

// Placement records where an identity is activated. Epoch is the fencing
// token: it increases monotonically across re-placements, so a write fenced
// by an old epoch can be rejected after the lease moved.
type Placement struct {
	Node  NodeID `json:"node"`
	Epoch int64  `json:"epoch"`
}

// DirectoryConfig tunes the placement lease.
type DirectoryConfig struct {
	ServiceID string
	// LeaseTTL must be at least the membership heartbeat interval; a silo that
	// cannot renew within this window loses the activation.
	LeaseTTL time.Duration
}

func DefaultDirectoryConfig(serviceID string) DirectoryConfig {
	return DirectoryConfig{ServiceID: serviceID, LeaseTTL: 30 * time.Second}
}

// Directory answers "where is cell X?". A miss is resolved by taking a
// short-lived KV lease on the identity and placing it on the rendezvous-hash
// winner among live nodes. At most one placement exists per identity.
type Directory struct {
	cfg        DirectoryConfig
	rdb        redis.UniversalClient
	membership *Membership
	logger     *slog.Logger
}

func NewDirectory(cfg DirectoryConfig, rdb redis.UniversalClient, membership *Membership, logger *slog.Logger) *Directory {
	return &Directory{cfg: cfg, rdb: rdb, membership: membership, logger: logger}
}

func (d *Directory) placeKey(identity string) string {
	return fmt.Sprintf("titan:%s:place:%s", d.cfg.ServiceID, identity)
}

func (d *Directory) epochKey() string {
	return fmt.Sprintf("titan:%s:epoch", d.cfg.ServiceID)
}

// Locate returns the current placement for identity, creating one if none
// exists. Placement on a dead node is discarded and re-resolved.
func (d *Directory) Locate(ctx context.Context, identity string) (Placement, error) {
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := d.read(ctx, identity)
		if err != nil {
			return Placement{}, err
		}
		if existing != nil {
			if d.membership.IsAlive(ctx, existing.Node) {
				return *existing, nil
			}
			// The lease outlived its host. Fence it off before re-placing.
			if err := d.releaseIfEpoch(ctx, identity, existing.Epoch); err != nil {
				return Placement{}, err
			}
		}

		placed, won, err := d.tryPlace(ctx, identity)
		if err != nil {
			return Placement{}, err
		}
		if won {
			return placed, nil
		}
		// Lost the placement race: loop re-reads the winner's record.
	}
	return Placement{}, fault.New(fault.KindTransient, "placement of %s contended, retry", identity)
}

func (d *Directory) read(ctx context.Context, identity string) (*Placement, error) {
	data, err := d.rdb.Get(ctx, d.placeKey(identity)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "directory read %s", identity)
	}
	var p Placement
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "placement record corrupt for %s", identity)
	}
	return &p, nil
}

func (d *Directory) tryPlace(ctx context.Context, identity string) (Placement, bool, error) {
	nodes, err := d.membership.Snapshot(ctx)
	if err != nil {
		return Placement{}, false, err
	}
	target, ok := pickNode(identity, nodes)
	if !ok {
		return Placement{}, false, fault.New(fault.KindTransient, "no live silos for %s", identity)
	}

	epoch, err := d.rdb.Incr(ctx, d.epochKey()).Result()
	if err != nil {
		return Placement{}, false, fault.Wrap(fault.KindTransient, err, "fencing epoch")
	}
	placement := Placement{Node: target.ID, Epoch: epoch}
	payload, _ := json.Marshal(placement)

	// SET NX is the directory-level activation lock: exactly one contender
	// installs a placement for the identity.
	won, err := d.rdb.SetNX(ctx, d.placeKey(identity), payload, d.cfg.LeaseTTL).Result()
	if err != nil {
		return Placement{}, false, fault.Wrap(fault.KindTransient, err, "directory place %s", identity)
	}
	if won {
		d.logger.Debug("cell placed", "identity", identity, "node", target.ID, "epoch", epoch)
	}
	return placement, won, nil
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Renew extends the lease for a placement this silo still holds. A false
// result means the lease moved; the caller must deactivate immediately.
func (d *Directory) Renew(ctx context.Context, identity string, p Placement) (bool, error) {
	payload, _ := json.Marshal(p)
	n, err := renewScript.Run(ctx, d.rdb,
		[]string{d.placeKey(identity)},
		string(payload), d.cfg.LeaseTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fault.Wrap(fault.KindTransient, err, "lease renew %s", identity)
	}
	return n == 1, nil
}

// Release drops the placement on orderly passivation so the next invocation
// can place the identity anywhere.
func (d *Directory) Release(ctx context.Context, identity string, p Placement) error {
	payload, _ := json.Marshal(p)
	if err := releaseScript.Run(ctx, d.rdb,
		[]string{d.placeKey(identity)}, string(payload),
	).Err(); err != nil && err != redis.Nil {
		return fault.Wrap(fault.KindTransient, err, "lease release %s", identity)
	}
	return nil
}

func (d *Directory) releaseIfEpoch(ctx context.Context, identity string, epoch int64) error {
	existing, err := d.read(ctx, identity)
	if err != nil || existing == nil {
		return err
	}
	if existing.Epoch != epoch {
		return nil
	}
	return d.Release(ctx, identity, *existing)
}

// Evict removes a placement administratively; the next Locate chooses a
// fresh node.
func (d *Directory) Evict(ctx context.Context, identity string) error {
	if err := d.rdb.Del(ctx, d.placeKey(identity)).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, err, "directory evict %s", identity)
	}
	return nil
}
