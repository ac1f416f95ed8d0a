package cell

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

// Ctx is the per-invocation context handed to cell operations. It carries
// the standard context (deadline, ambient transaction, call chain) plus
// typed access to the cell's state slots, timers and the runtime invoker.
type Ctx struct {
	// The caller's context; deadlines and cancellation flow through it.
	context.Context

	rt  *Runtime
	act *activation
	op  *OpSpec
}

// Identity returns the identity of the executing cell.
func (c *Ctx) Identity() Identity { return c.act.identity }

// Logger returns the silo logger scoped to this cell.
func (c *Ctx) Logger() *slog.Logger {
	return c.rt.logger.With("identity", c.act.identity.String())
}

func (c *Ctx) slotCodec(slot string) (codecTag string, marshal func(any) ([]byte, error), unmarshal func([]byte, any) error, err error) {
	cod, ok := c.act.kind.Slots[slot]
	if !ok {
		return "", nil, nil, fault.New(fault.KindFatal, "kind %s has no slot %q", c.act.kind.Name, slot)
	}
	return cod.Tag(), cod.Marshal, cod.Unmarshal, nil
}

func (c *Ctx) inTxn() Txn {
	if c.op == nil {
		return nil
	}
	switch c.op.Intent {
	case CreateOrJoin, Join:
		return TxnFrom(c)
	default:
		return nil
	}
}

// Read loads a state slot into v. Inside a transaction, staged writes are
// visible to their own transaction (read-your-writes).
func (c *Ctx) Read(slot string, v any) error {
	tag, _, unmarshal, err := c.slotCodec(slot)
	if err != nil {
		return err
	}

	if tx := c.inTxn(); tx != nil {
		data, cleared, ok, stagedErr := tx.Staged(c, c.act.identity, slot)
		if stagedErr != nil {
			return stagedErr
		}
		if ok {
			if cleared {
				return fault.New(fault.KindNotFound, "slot %s cleared in transaction %s", slot, tx.ID())
			}
			return unmarshal(data, v)
		}
		// Reads lock too: without this, two transactions could both read the
		// pre-commit state and stage writes serially, losing one update.
		if err := tx.Lock(c, c.act.identity, slot); err != nil {
			return err
		}
	}

	rec, err := c.rt.backend.Read(c, c.act.identity.Kind, c.act.identity.Key.String(), slot)
	if err != nil {
		return err
	}
	c.act.mu.Lock()
	c.act.etags[slot] = rec.ETag
	c.act.mu.Unlock()
	// Records written before a slot changed codecs carry the old tag; decode
	// with the codec they were stored under.
	if rec.CodecTag != "" && rec.CodecTag != tag {
		stored, err := codec.ByTag(rec.CodecTag)
		if err != nil {
			return fault.Wrap(fault.KindFatal, err, "slot %s record", slot)
		}
		return stored.Unmarshal(rec.Data, v)
	}
	return unmarshal(rec.Data, v)
}

// Write persists v into a state slot before returning. Inside a transaction
// the mutation is journaled instead and becomes durable at commit.
func (c *Ctx) Write(slot string, v any) error {
	codecTag, marshal, _, err := c.slotCodec(slot)
	if err != nil {
		return err
	}
	data, err := marshal(v)
	if err != nil {
		return fault.Wrap(fault.KindFatal, err, "encode slot %s", slot)
	}

	if tx := c.inTxn(); tx != nil {
		if err := tx.Lock(c, c.act.identity, slot); err != nil {
			return err
		}
		return tx.StageWrite(c, c.act.identity, slot, data, codecTag)
	}

	if c.act.fenced.Load() {
		return fault.New(fault.KindTransient, "activation %s lost its lease", c.act.identity)
	}
	return c.writeThrough(slot, data, codecTag)
}

// writeThrough CASes against the cached etag, refreshing it once on
// conflict. The single-activation invariant makes the refresh safe: only
// this activation (or a transaction it participated in) advances the etag.
func (c *Ctx) writeThrough(slot string, data []byte, codecTag string) error {
	id := c.act.identity
	c.act.mu.Lock()
	expected := c.act.etags[slot]
	c.act.mu.Unlock()

	for attempt := 0; ; attempt++ {
		etag, err := c.rt.backend.Write(c, id.Kind, id.Key.String(), slot, data, codecTag, expected)
		if err == nil {
			c.act.mu.Lock()
			c.act.etags[slot] = etag
			c.act.mu.Unlock()
			return nil
		}
		if attempt > 0 || !fault.Is(err, fault.KindConflict) {
			return err
		}
		rec, readErr := c.rt.backend.Read(c, id.Kind, id.Key.String(), slot)
		switch {
		case readErr == nil:
			expected = rec.ETag
		case fault.Is(readErr, fault.KindNotFound):
			expected = storage.NoETag
		default:
			return readErr
		}
	}
}

// Clear removes a state slot. Inside a transaction the removal is journaled.
func (c *Ctx) Clear(slot string) error {
	if _, _, _, err := c.slotCodec(slot); err != nil {
		return err
	}
	if tx := c.inTxn(); tx != nil {
		if err := tx.Lock(c, c.act.identity, slot); err != nil {
			return err
		}
		return tx.StageClear(c, c.act.identity, slot)
	}

	id := c.act.identity
	c.act.mu.Lock()
	expected := c.act.etags[slot]
	c.act.mu.Unlock()
	if expected == storage.NoETag {
		rec, err := c.rt.backend.Read(c, id.Kind, id.Key.String(), slot)
		if fault.Is(err, fault.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		expected = rec.ETag
	}
	if err := c.rt.backend.Clear(c, id.Kind, id.Key.String(), slot, expected); err != nil {
		return err
	}
	c.act.mu.Lock()
	delete(c.act.etags, slot)
	c.act.mu.Unlock()
	return nil
}

// Invoke calls another cell with the same semantics as an external call.
// Program order between this cell and the callee is preserved because the
// caller suspends until the reply.
func (c *Ctx) Invoke(target Identity, op string, in, out any) error {
	return c.rt.Invoke(c, target, op, in, out)
}

// SetTimer registers a named timer that dispatches op through this cell's
// mailbox after delay, then every period (period 0 means one-shot). Timers
// are cancelled on deactivation.
func (c *Ctx) SetTimer(name, op string, in any, delay, period time.Duration) error {
	if _, err := c.act.kind.Op(op); err != nil {
		return err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fault.Wrap(fault.KindFatal, err, "encode timer payload")
	}
	c.act.setTimer(name, op, payload, delay, period)
	return nil
}

// CancelTimer stops a named timer. Unknown names are a no-op.
func (c *Ctx) CancelTimer(name string) {
	c.act.cancelTimer(name)
}
