package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

func TestMemory_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	etag, err := m.Write(ctx, "Character", "c-1", "PrimaryStore", []byte("state"), "cbor", storage.NoETag)
	require.NoError(t, err)
	require.NotEqual(t, storage.NoETag, etag)

	rec, err := m.Read(ctx, "Character", "c-1", "PrimaryStore")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), rec.Data)
	assert.Equal(t, "cbor", rec.CodecTag)
	assert.Equal(t, etag, rec.ETag)
}

func TestMemory_ReadMissing(t *testing.T) {
	t.Parallel()
	m := storage.NewMemory()
	_, err := m.Read(context.Background(), "Character", "nope", "PrimaryStore")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestMemory_WriteConflictOnStaleETag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	first, err := m.Write(ctx, "Trade", "t-1", "PrimaryStore", []byte("v1"), "cbor", storage.NoETag)
	require.NoError(t, err)
	_, err = m.Write(ctx, "Trade", "t-1", "PrimaryStore", []byte("v2"), "cbor", first)
	require.NoError(t, err)

	// Re-using the stale etag must fail and leave v2 intact.
	_, err = m.Write(ctx, "Trade", "t-1", "PrimaryStore", []byte("v3"), "cbor", first)
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	rec, err := m.Read(ctx, "Trade", "t-1", "PrimaryStore")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Data)
}

func TestMemory_MustNotExistSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	_, err := m.Write(ctx, "Session", "s-1", "Record", []byte("a"), "json", storage.NoETag)
	require.NoError(t, err)

	// NoETag means "must not exist": a second creation is a duplicate.
	_, err = m.Write(ctx, "Session", "s-1", "Record", []byte("b"), "json", storage.NoETag)
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestMemory_ClearRequiresMatchingETag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	etag, err := m.Write(ctx, "Ticket", "tk-1", "Record", []byte("x"), "json", storage.NoETag)
	require.NoError(t, err)

	err = m.Clear(ctx, "Ticket", "tk-1", "Record", storage.ETag("999"))
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	require.NoError(t, m.Clear(ctx, "Ticket", "tk-1", "Record", etag))

	_, err = m.Read(ctx, "Ticket", "tk-1", "Record")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
