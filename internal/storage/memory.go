package storage

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Memory is an in-process Backend used by tests and single-node dev mode.
// It honors the same etag semantics as the durable backends.
type Memory struct {
	records *xsync.Map[string, Record]
	seq     atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{records: xsync.NewMap[string, Record]()}
}

func memKey(kind, key, slot string) string {
	return kind + "\x00" + key + "\x00" + slot
}

func (m *Memory) nextETag() ETag {
	return ETag(strconv.FormatInt(m.seq.Add(1), 10))
}

func (m *Memory) Read(_ context.Context, kind, key, slot string) (Record, error) {
	rec, ok := m.records.Load(memKey(kind, key, slot))
	if !ok {
		return Record{}, errNotFound(kind, key, slot)
	}
	// Copy the payload so callers cannot mutate the stored bytes.
	cp := make([]byte, len(rec.Data))
	copy(cp, rec.Data)
	rec.Data = cp
	return rec, nil
}

func (m *Memory) Write(_ context.Context, kind, key, slot string, data []byte, codecTag string, expected ETag) (ETag, error) {
	cp := make([]byte, len(data))
	copy(cp, data)

	var conflict bool
	next := m.nextETag()
	m.records.Compute(memKey(kind, key, slot), func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		if loaded != (expected != NoETag) || (loaded && old.ETag != expected) {
			conflict = true
			if loaded {
				return old, xsync.CancelOp
			}
			return Record{}, xsync.CancelOp
		}
		return Record{Data: cp, CodecTag: codecTag, ETag: next}, xsync.UpdateOp
	})
	if conflict {
		return NoETag, errConflict(kind, key, slot)
	}
	return next, nil
}

func (m *Memory) Clear(_ context.Context, kind, key, slot string, expected ETag) error {
	var conflict, missing bool
	m.records.Compute(memKey(kind, key, slot), func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		if !loaded {
			missing = true
			return Record{}, xsync.CancelOp
		}
		if old.ETag != expected {
			conflict = true
			return old, xsync.CancelOp
		}
		return Record{}, xsync.DeleteOp
	})
	if missing {
		return errNotFound(kind, key, slot)
	}
	if conflict {
		return errConflict(kind, key, slot)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
