// Package storage provides the durable per-cell key/value layer. Each record
// lives under (cellKind, key, slotName) and carries an opaque etag used for
// optimistic concurrency.
package storage

import (
	"context"

	"github.com/titanworks/titan/internal/fault"
)

// ETag is the opaque per-record version. NoETag means "must not exist" on
// writes and "any" is never expressed - callers always read before writing.
type ETag string

const NoETag ETag = ""

// Record is the result of a successful read.
type Record struct {
	Data     []byte
	CodecTag string
	ETag     ETag
}

// Backend is the durable store contract. All operations are idempotent given
// the etag. A conflict always means a logical concurrency violation (wrong
// etag), never a physical retry class.
type Backend interface {
	// Read returns the record stored under (kind, key, slot) or KindNotFound.
	Read(ctx context.Context, kind, key, slot string) (Record, error)

	// Write stores data under (kind, key, slot) iff the current etag matches
	// expected (NoETag: the record must not exist). Returns the new etag or
	// KindConflict.
	Write(ctx context.Context, kind, key, slot string, data []byte, codecTag string, expected ETag) (ETag, error)

	// Clear removes the record iff the current etag matches expected.
	Clear(ctx context.Context, kind, key, slot string, expected ETag) error

	// Ping verifies the store is reachable. Used at startup (exit code 3).
	Ping(ctx context.Context) error
}

// ErrNotFound and ErrConflict are the canonical outcomes; helpers so callers
// do not hand-build fault errors everywhere.
func errNotFound(kind, key, slot string) error {
	return fault.New(fault.KindNotFound, "no record for %s/%s/%s", kind, key, slot)
}

func errConflict(kind, key, slot string) error {
	return fault.New(fault.KindConflict, "etag mismatch for %s/%s/%s", kind, key, slot)
}
